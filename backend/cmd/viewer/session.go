package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	client "github.com/adwski/watchparty/backend/client/websocket"
	"github.com/adwski/watchparty/backend/config"
	"github.com/adwski/watchparty/backend/player/virtual"
	"github.com/adwski/watchparty/backend/viewer"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var errUnknownCommand = errors.New("unknown command")

type sessionConfig struct {
	cfg       config.Viewer
	logger    *zerolog.Logger
	roomID    string
	sourceURL string
	in        io.Reader
	out       io.Writer
}

func runSession(ctx context.Context, sc sessionConfig) error {
	ch, err := client.Dial(ctx, client.Config{
		Logger: sc.logger,
		URL:    sc.cfg.RelayURL,
	})
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	clock := clockwork.NewRealClock()
	player := virtual.New(clock)
	eng := viewer.NewEngine(viewer.Config{
		Logger:        sc.logger,
		Player:        player,
		Channel:       ch,
		Clock:         clock,
		QuietInterval: sc.cfg.QuietInterval,
		RoomID:        sc.roomID,
		SourceURL:     sc.sourceURL,
	})

	roomURL, err := eng.Join(ctx)
	if err != nil {
		return fmt.Errorf("cannot join room %s: %w", sc.roomID, err)
	}
	player.Load(roomURL)
	fmt.Fprintf(sc.out, "room %s, video %s\n", sc.roomID, roomURL)
	fmt.Fprintln(sc.out, "commands: play, pause, seek <seconds>, status, leave")

	con := &console{player: player, session: eng, out: sc.out}
	go con.run(sc.in)

	ended := make(chan struct{})
	defer close(ended)
	go func() {
		select {
		case <-ctx.Done():
			eng.Leave()
		case <-ended:
		}
	}()

	if err = eng.Run(context.Background()); err != nil {
		return fmt.Errorf("watch session failed: %w", err)
	}
	fmt.Fprintln(sc.out, "left room")
	return nil
}

type console struct {
	player  *virtual.Player
	session interface{ Leave() }
	out     io.Writer
}

// run executes commands line by line, end of input leaves the room.
func (c *console) run(in io.Reader) {
	defer c.session.Leave()
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		done, err := c.exec(sc.Text())
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
		if done {
			return
		}
	}
}

func (c *console) exec(line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	switch fields[0] {
	case "play":
		return false, c.player.Play()
	case "pause":
		return false, c.player.Pause()
	case "seek":
		if len(fields) != 2 {
			return false, fmt.Errorf("%w: usage seek <seconds>", errUnknownCommand)
		}
		t, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return false, err
		}
		return false, c.player.Seek(t)
	case "status":
		state := "paused"
		if c.player.Playing() {
			state = "playing"
		}
		fmt.Fprintf(c.out, "%s at %.1fs\n", state, c.player.Position())
		return false, nil
	case "leave", "exit", "quit":
		return true, nil
	}
	return false, fmt.Errorf("%w: %s", errUnknownCommand, fields[0])
}
