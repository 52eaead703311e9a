package websocket

import (
	"context"

	"github.com/adwski/watchparty/backend/model"
)

// peer is relay-side handle of one websocket connection.
// Envelopes are queued to the connection's sender goroutine.
type peer struct {
	id     string
	tx     chan model.Envelope
	ctx    context.Context
	cancel context.CancelFunc
}

func (p *peer) ID() string {
	return p.id
}

func (p *peer) Send(ctx context.Context, env model.Envelope) error {
	if p.ctx.Err() != nil {
		return ErrPeerClosed
	}
	select {
	case p.tx <- env:
		return nil
	case <-p.ctx.Done():
		return ErrPeerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *peer) Close() {
	p.cancel()
}
