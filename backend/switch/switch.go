package _switch

import (
	"context"
	"errors"
	"time"

	"github.com/adwski/watchparty/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimeout = time.Second
)

type (
	TargetProvider interface {
		BroadcastTargets(roomID, exclude string) []model.Peer
	}

	Switch struct {
		logger     zerolog.Logger
		targets    TargetProvider
		fwdTimeout time.Duration
	}

	Config struct {
		Logger         *zerolog.Logger
		Targets        TargetProvider
		ForwardTimeout time.Duration
	}
)

func NewSwitch(cfg Config) *Switch {
	fwdTimeout := cfg.ForwardTimeout
	if fwdTimeout <= 0 {
		fwdTimeout = defaultFwdTimeout
	}
	return &Switch{
		logger:     cfg.Logger.With().Str("component", "switch").Logger(),
		targets:    cfg.Targets,
		fwdTimeout: fwdTimeout,
	}
}

// Broadcast delivers envelope to every member of the room except src
// and returns the number of members that accepted it.
// Member that fails to accept envelope in time is closed,
// delivery to the others goes on.
func (sw *Switch) Broadcast(ctx context.Context, env model.Envelope, roomID, src string) int {
	logger := sw.logger.With().
		Str("roomID", roomID).
		Str("type", env.Type).
		Str("src", src).Logger()

	var sent int
	for _, peer := range sw.targets.BroadcastTargets(roomID, src) {
		ok, canceled := sw.send(ctx, env, peer, &logger)
		if canceled {
			break
		}
		if ok {
			sent++
		}
	}
	if sent == 0 {
		logger.Debug().Msg("broadcast did not reach anyone")
	}
	return sent
}

func (sw *Switch) send(ctx context.Context, env model.Envelope, peer model.Peer, logger *zerolog.Logger) (bool, bool) {
	if ctx.Err() != nil {
		return false, true
	}
	fwdCtx, cancel := context.WithTimeout(ctx, sw.fwdTimeout)
	defer cancel()

	err := peer.Send(fwdCtx, env)
	switch {
	case err == nil:
		logger.Trace().Str("dst", peer.ID()).Msg("envelope is forwarded")
		return true, false
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return false, true
	default:
		logger.Error().Err(err).Str("dst", peer.ID()).Msg("dead endpoint")
		peer.Close()
		return false, false
	}
}
