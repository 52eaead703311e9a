package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/adwski/watchparty/backend/config"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const roomCodeLength = 8

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := config.LoadDotEnv(); err != nil {
		logger.Warn().Err(err).Msg("could not load .env file")
	}
	cfgPath, err := config.Path(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	cfg, err := config.LoadViewer(cfgPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err = newRootCmd(&cfg, &logger).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Viewer, logger *zerolog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:          "viewer",
		Short:        "Watch a video together with others",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			l, err := cfg.NewLogger(os.Stderr)
			if err != nil {
				return err
			}
			*logger = l
			return nil
		},
	}
	cfg.BindFlags(root.PersistentFlags())

	var (
		sourceURL string
		roomID    string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a room for a video and start watching",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if roomID == "" {
				roomID = newRoomCode()
			}
			return runSession(cmd.Context(), sessionConfig{
				cfg:       *cfg,
				logger:    logger,
				roomID:    roomID,
				sourceURL: sourceURL,
				in:        cmd.InOrStdin(),
				out:       cmd.OutOrStdout(),
			})
		},
	}
	create.Flags().StringVarP(&sourceURL, "url", "u", "", "video url")
	create.Flags().StringVar(&roomID, "room", "", "room code, generated when empty")
	_ = create.MarkFlagRequired("url")

	join := &cobra.Command{
		Use:   "join <room>",
		Short: "Join an existing room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd.Context(), sessionConfig{
				cfg:    *cfg,
				logger: logger,
				roomID: args[0],
				in:     cmd.InOrStdin(),
				out:    cmd.OutOrStdout(),
			})
		},
	}

	root.AddCommand(create, join)
	return root
}

func newRoomCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:roomCodeLength]
}
