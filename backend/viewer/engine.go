package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/watchparty/backend/model"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	defaultQuietInterval = 100 * time.Millisecond
	defaultLeaveTimeout  = time.Second
	localQueueSize       = 32
)

var (
	ErrRoomNotFound = errors.New("room does not exist")
	ErrRelay        = errors.New("relay failure")
	ErrPlayer       = errors.New("player rejected command")
	ErrNotJoined    = errors.New("session is not joined")

	ErrRelayClosed = fmt.Errorf("%w: connection closed", ErrRelay)
)

// Channel is a bidirectional link to the relay.
// Receive channel is closed when the link ends, Err then tells
// whether it ended abnormally.
type Channel interface {
	Send(ctx context.Context, env model.Envelope) error
	Receive() <-chan model.Envelope
	Err() error
	Close() error
}

type (
	Config struct {
		Logger        *zerolog.Logger
		Player        Player
		Channel       Channel
		Clock         clockwork.Clock
		QuietInterval time.Duration
		RoomID        string
		SourceURL     string
	}

	// Engine binds one player to one relay channel for the lifetime
	// of a single watch session.
	Engine struct {
		logger    zerolog.Logger
		player    Player
		ch        Channel
		clock     clockwork.Clock
		quiet     time.Duration
		roomID    string
		sourceURL string

		local     chan localEvent
		leave     chan struct{}
		leaveOnce sync.Once

		joined bool
		// room messages that arrived ahead of joined reply
		pending []model.Envelope

		// local notifications stamped in [quietFrom, quietUntil) are echoes
		quietFrom  time.Time
		quietUntil time.Time
	}

	localEvent struct {
		action   model.PlaybackAction
		position float64
		at       time.Time
	}
)

func NewEngine(cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	quiet := cfg.QuietInterval
	if quiet <= 0 {
		quiet = defaultQuietInterval
	}
	return &Engine{
		logger: cfg.Logger.With().
			Str("component", "sync-engine").
			Str("roomID", cfg.RoomID).
			Logger(),
		player:    cfg.Player,
		ch:        cfg.Channel,
		clock:     clock,
		quiet:     quiet,
		roomID:    cfg.RoomID,
		sourceURL: cfg.SourceURL,
		local:     make(chan localEvent, localQueueSize),
		leave:     make(chan struct{}),
	}
}

// Join performs join handshake and returns url of the room.
// Viewer that joined without url should load the returned one.
func (e *Engine) Join(ctx context.Context) (string, error) {
	if err := e.ch.Send(ctx, model.NewJoin(e.roomID, e.sourceURL)); err != nil {
		return "", errors.Join(ErrRelay, err)
	}
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case env, ok := <-e.ch.Receive():
			if !ok {
				if err := e.channelErr(); err != nil {
					return "", err
				}
				return "", ErrRelayClosed
			}
			switch env.Type {
			case model.EnvelopeTypeJoined:
				e.joined = true
				if e.sourceURL == "" {
					e.sourceURL = env.URL
				}
				e.logger.Info().Str("url", env.URL).Msg("joined room")
				return env.URL, nil
			case model.EnvelopeTypeError:
				if env.Error == model.ErrorRoomNotFound {
					return "", ErrRoomNotFound
				}
				return "", fmt.Errorf("%w: %s", ErrRelay, env.Error)
			case model.EnvelopeTypeMessage:
				// relay may forward room traffic before joined reply is queued
				e.pending = append(e.pending, env)
			default:
				e.logger.Debug().Str("type", env.Type).Msg("envelope before joined, dropped")
			}
		}
	}
}

// Leave asks running session to leave the room. Safe to call many times.
func (e *Engine) Leave() {
	e.leaveOnce.Do(func() {
		close(e.leave)
	})
}

// Run keeps player and room in sync until viewer leaves, relay closes the
// channel or something fails. Player listeners are detached, playback is paused
// and channel is closed on every exit. Returned error is meant for the viewer.
func (e *Engine) Run(ctx context.Context) error {
	if !e.joined {
		return ErrNotJoined
	}

	sub := e.player.Subscribe(Listeners{
		OnPlay:   e.notify(model.ActionPlay),
		OnPause:  e.notify(model.ActionPause),
		OnSeeked: e.notify(model.ActionSeek),
	})
	defer e.teardown(sub)

	pending := e.pending
	e.pending = nil
	for _, env := range pending {
		if err := e.inbound(env); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.leave:
			e.sendLeave()
			return nil
		case env, ok := <-e.ch.Receive():
			if !ok {
				if err := e.channelErr(); err != nil {
					return err
				}
				e.logger.Info().Msg("relay channel closed")
				return nil
			}
			if err := e.inbound(env); err != nil {
				return err
			}
		case ev := <-e.local:
			if err := e.outbound(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) notify(action model.PlaybackAction) func() {
	return func() {
		ev := localEvent{
			action:   action,
			position: e.player.Position(),
			at:       e.clock.Now(),
		}
		select {
		case e.local <- ev:
		default:
			e.logger.Warn().Str("action", string(action)).Msg("local event queue is full, event dropped")
		}
	}
}

func (e *Engine) inbound(env model.Envelope) error {
	switch env.Type {
	case model.EnvelopeTypeMessage:
	case model.EnvelopeTypeError:
		return fmt.Errorf("%w: %s", ErrRelay, env.Error)
	default:
		e.logger.Debug().Str("type", env.Type).Msg("unexpected envelope, dropped")
		return nil
	}

	ev, err := env.PlaybackEvent()
	if err != nil {
		e.logger.Warn().Err(err).Msg("malformed playback event, dropped")
		return nil
	}

	// window opens before the player is touched,
	// notifications fired by the calls below fall into it
	now := e.clock.Now()
	if !now.Before(e.quietUntil) {
		e.quietFrom = now
	}
	e.quietUntil = now.Add(e.quiet)

	if err = e.player.Seek(ev.Position); err != nil {
		return errors.Join(ErrPlayer, err)
	}
	switch ev.Action {
	case model.ActionPlay:
		err = e.player.Play()
	case model.ActionPause:
		err = e.player.Pause()
	}
	if err != nil {
		return errors.Join(ErrPlayer, err)
	}

	e.logger.Debug().
		Str("action", string(ev.Action)).
		Float64("position", ev.Position).
		Msg("remote event applied")
	return nil
}

func (e *Engine) outbound(ctx context.Context, ev localEvent) error {
	if !ev.at.Before(e.quietFrom) && ev.at.Before(e.quietUntil) {
		e.logger.Trace().Str("action", string(ev.action)).Msg("echo suppressed")
		return nil
	}

	env, err := model.NewMessage(e.roomID, model.PlaybackEvent{
		Action:   ev.action,
		Position: ev.position,
	})
	if err != nil {
		return err
	}
	if err = e.ch.Send(ctx, env); err != nil {
		return errors.Join(ErrRelay, err)
	}

	e.logger.Debug().
		Str("action", string(ev.action)).
		Float64("position", ev.position).
		Msg("local event sent")
	return nil
}

func (e *Engine) sendLeave() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultLeaveTimeout)
	defer cancel()
	if err := e.ch.Send(ctx, model.NewLeave(e.roomID)); err != nil {
		e.logger.Debug().Err(err).Msg("failed to send leave")
	}
	e.logger.Info().Msg("left room")
}

func (e *Engine) teardown(sub Subscription) {
	sub.Unsubscribe()
	if err := e.player.Pause(); err != nil {
		e.logger.Error().Err(err).Msg("failed to pause player")
	}
	if err := e.ch.Close(); err != nil {
		e.logger.Debug().Err(err).Msg("failed to close relay channel")
	}
}

func (e *Engine) channelErr() error {
	if err := e.ch.Err(); err != nil {
		return errors.Join(ErrRelay, err)
	}
	return nil
}
