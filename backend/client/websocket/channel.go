package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/watchparty/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultHandshakeTimeout   = 5 * time.Second
	defaultWriteDeadline      = 5 * time.Second
	defaultCloseWriteDeadline = 2 * time.Second
	defaultCloseReadDeadline  = 2 * time.Second
	defaultMaxMessageSize     = 9000
	defaultQueueSize          = 32

	// relay pings every few seconds, longer silence means it is gone
	defaultRelayIdleTimeout = 15 * time.Second
)

var (
	ErrDial   = errors.New("cannot connect to relay")
	ErrClosed = errors.New("relay channel is closed")
)

type (
	Config struct {
		Logger         *zerolog.Logger
		URL            string
		IdleTimeout    time.Duration
		MaxMessageSize int64
	}

	// Channel is a viewer's websocket connection to the relay.
	Channel struct {
		conn   *websocket.Conn
		tx     chan model.Envelope
		rx     chan model.Envelope
		ctx    context.Context
		cancel context.CancelFunc
		wg     *sync.WaitGroup

		idleTimeout time.Duration

		mx  *sync.Mutex
		err error

		closeOnce sync.Once

		logger zerolog.Logger
	}
)

// Dial connects to relay endpoint and starts connection goroutines.
func Dial(ctx context.Context, cfg Config) (*Channel, error) {
	logger := cfg.Logger.With().
		Str("component", "relay-channel").
		Str("url", cfg.URL).
		Logger()

	dialer := &websocket.Dialer{
		HandshakeTimeout: defaultHandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Join(ErrDial, err)
	}

	maxSize := cfg.MaxMessageSize
	if maxSize <= 0 {
		maxSize = defaultMaxMessageSize
	}
	conn.SetReadLimit(maxSize)

	c := &Channel{
		conn:        conn,
		tx:          make(chan model.Envelope, defaultQueueSize),
		rx:          make(chan model.Envelope, defaultQueueSize),
		wg:          &sync.WaitGroup{},
		idleTimeout: cfg.IdleTimeout,
		mx:          &sync.Mutex{},
		logger:      logger,
	}
	if c.idleTimeout <= 0 {
		c.idleTimeout = defaultRelayIdleTimeout
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.wg.Add(2)
	go c.receiver()
	go func() {
		c.sender()
		c.cancel()
	}()

	logger.Debug().Msg("connected to relay")
	return c, nil
}

func (c *Channel) Send(ctx context.Context, env model.Envelope) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case c.tx <- env:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) Receive() <-chan model.Envelope {
	return c.rx
}

// Err returns reason of abnormal connection end.
// It is nil while connected and after graceful close.
func (c *Channel) Err() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.err
}

// Close performs closing handshake and releases the connection.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		err = c.conn.Close()
	})
	return err
}

func (c *Channel) setErr(err error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.err = err
}

func (c *Channel) sender() {
	defer func() {
		webSocketCloser(c.conn, &c.logger)
		c.wg.Done()
	}()
	for {
		select {
		case <-c.ctx.Done():
			c.flush()
			return
		case env := <-c.tx:
			if err := c.write(env); err != nil {
				c.logger.Error().Err(err).Msg("failed to write outgoing envelope")
				c.setErr(err)
				return
			}
		}
	}
}

// flush writes envelopes queued before close, so that
// last words like leave reach the relay ahead of close frame.
func (c *Channel) flush() {
	for {
		select {
		case env := <-c.tx:
			if err := c.write(env); err != nil {
				c.logger.Debug().Err(err).Msg("failed to flush outgoing envelope")
				return
			}
		default:
			return
		}
	}
}

func (c *Channel) write(env model.Envelope) error {
	b, err := json.Marshal(&env)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshall outgoing envelope")
		return nil
	}
	if err = c.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Channel) receiver() {
	defer func() {
		// Send must fail once Receive is closed
		c.cancel()
		close(c.rx)
		c.wg.Done()
	}()

	readDeadLineFunc := func() error {
		return c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
	c.conn.SetPingHandler(func(data string) error {
		c.logger.Trace().Msg("got ping")
		if err := readDeadLineFunc(); err != nil {
			return err
		}
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(defaultWriteDeadline))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	if err := readDeadLineFunc(); err != nil {
		c.setErr(err)
		return
	}

	for {
		msgType, msg, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.logger.Debug().Err(err).Msg("relay closed connection")
			case c.ctx.Err() != nil:
				// closing handshake interrupted by our own close
			default:
				c.logger.Warn().Err(err).Msg("relay connection dropped")
				c.setErr(err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.logger.Warn().Int("msgType", msgType).Msg("non-text message, dropped")
			continue
		}

		var env model.Envelope
		if err = json.Unmarshal(msg, &env); err != nil {
			c.logger.Warn().Err(err).Msg("failed to unmarshall incoming envelope")
			continue
		}
		select {
		case c.rx <- env:
		case <-c.ctx.Done():
			return
		}
	}
}

// webSocketCloser sends close frame and limits the time
// receiver may wait for the relay to answer it.
func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(defaultCloseWriteDeadline))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		logger.Debug().Err(err).Msg("failed to send close frame")
	}
	if err = conn.SetReadDeadline(time.Now().Add(defaultCloseReadDeadline)); err != nil {
		logger.Debug().Err(err).Msg("failed to set websocket read deadline during closing")
	}
}
