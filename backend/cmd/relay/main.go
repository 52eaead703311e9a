package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/watchparty/backend/config"
	httpServer "github.com/adwski/watchparty/backend/server/http"
	websocketServer "github.com/adwski/watchparty/backend/server/websocket"
	"github.com/adwski/watchparty/backend/service"
	store "github.com/adwski/watchparty/backend/storage/memory"
	sw "github.com/adwski/watchparty/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	if err := config.LoadDotEnv(); err != nil {
		logger.Warn().Err(err).Msg("could not load .env file")
	}
	cfgPath, err := config.Path(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	cfg, err := config.LoadRelay(cfgPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	if err = fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	if err = cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	root, err := cfg.NewLogger(os.Stdout)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure logger")
	}
	logger = root

	rooms := store.NewMemStore()
	svc := service.NewService(service.Config{
		RoomStore: rooms,
		Switch: sw.NewSwitch(sw.Config{
			Logger:         &logger,
			Targets:        rooms,
			ForwardTimeout: cfg.ForwardTimeout,
		}),
		Logger: &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: svc,
		ListenAddr:  cfg.APIListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:         &logger,
		RelayService:   svc,
		ListenAddr:     cfg.WSListenAddr,
		PingInterval:   cfg.PingInterval,
		PongWait:       cfg.PongWait,
		MaxMessageSize: cfg.MaxMessageSize,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
