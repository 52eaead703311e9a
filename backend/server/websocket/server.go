package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/watchparty/backend/model"
	"github.com/adwski/watchparty/backend/service"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 4096
	defaultWebsocketWriteBufferSize    = 4096
	defaultWebSocketMaxMessageSize     = 9000
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketCloseReadDeadline  = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second
	defaultSendQueueSize               = 64

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
	ErrPeerClosed = errors.New("peer connection is closed")
)

type (
	RelayService interface {
		OpenSession(peer model.Peer) *service.Session
		CloseSession(sess *service.Session)
		Handle(ctx context.Context, sess *service.Session, env model.Envelope)
	}

	Config struct {
		Logger         *zerolog.Logger
		RelayService   RelayService
		ListenAddr     string
		PingInterval   time.Duration
		PongWait       time.Duration
		MaxMessageSize int64
	}

	Server struct {
		svc RelayService
		ws  *websocket.Upgrader
		*http.Server

		pingInterval   time.Duration
		pongWait       time.Duration
		maxMessageSize int64

		// parent of every connection context, canceled on shutdown
		connCtx    context.Context
		connCancel context.CancelFunc
		conns      *sync.WaitGroup

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.RelayService,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		pingInterval:   orDefault(cfg.PingInterval, defaultPingInterval),
		pongWait:       orDefault(cfg.PongWait, defaultPongWait),
		maxMessageSize: cfg.MaxMessageSize,
		conns:          &sync.WaitGroup{},
	}
	if srv.maxMessageSize <= 0 {
		srv.maxMessageSize = defaultWebSocketMaxMessageSize
	}
	if srv.pongWait <= srv.pingInterval {
		srv.pongWait = srv.pingInterval + srv.pingInterval/2
	}
	srv.connCtx, srv.connCancel = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.relay)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
	srv.CloseConnections()
}

// CloseConnections terminates every active relay connection
// and waits until their cleanup is done.
func (srv *Server) CloseConnections() {
	srv.connCancel()
	srv.conns.Wait()
}

func (srv *Server) relay(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already replied with http error
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(srv.connCtx) // long-living connection context
	p := &peer{
		id:     uuid.NewString(),
		tx:     make(chan model.Envelope, defaultSendQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	sess := srv.svc.OpenSession(p)

	srv.logger.Debug().
		Str("connID", p.id).
		Str("remote", r.RemoteAddr).
		Msg("relay connection accepted")

	srv.conns.Add(1)
	go srv.handleWSConn(conn, p, sess)
}

func (srv *Server) handleWSConn(conn *websocket.Conn, p *peer, sess *service.Session) {
	defer srv.conns.Done()

	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("connID", p.id).
		Logger()

	wg.Add(2)
	go func() {
		srv.webSocketReceiver(p.ctx, wg, conn, sess, &logger)
		p.cancel()
	}()
	go func() {
		srv.webSocketSender(p.ctx, wg, conn, p.tx, &logger)
		p.cancel()
	}()

	wg.Wait()
	if err := conn.Close(); err != nil {
		logger.Debug().Err(err).Msg("failed to close websocket connection")
	}
	// must run on every exit path: graceful close, drop or protocol error
	srv.svc.CloseSession(sess)
	logger.Debug().Str("roomID", sess.RoomID()).Msg("relay connection ended")
}

func (srv *Server) webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.Envelope,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(srv.pingInterval)
	defer func() {
		pingTicker.Stop()
		webSocketCloser(conn, logger)
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case env := <-tx:
			b, wsErr := json.Marshal(&env)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to marshall outgoing envelope")
				break SendLoop
			}

			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = conn.WriteMessage(websocket.TextMessage, b); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing envelope")
				break SendLoop
			}
		}
	}
}

func (srv *Server) webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	sess *service.Session,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(srv.maxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(srv.pongWait)
	})
	err := readDeadLineFunc(srv.pongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for ctx.Err() == nil {
		msgType, msg, wsErr := conn.ReadMessage()
		if wsErr != nil {
			if websocket.IsCloseError(wsErr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				logger.Debug().Err(wsErr).Msg("connection closed")
			} else if ctx.Err() == nil {
				logger.Warn().Err(wsErr).Msg("connection dropped")
			}
			return
		}
		if msgType != websocket.TextMessage {
			logger.Warn().Int("msgType", msgType).Msg("non-text message, dropped")
			continue
		}

		var env model.Envelope
		if wsErr = json.Unmarshal(msg, &env); wsErr != nil {
			logger.Warn().Err(wsErr).Msg("failed to unmarshall incoming envelope")
			continue
		}
		srv.svc.Handle(ctx, sess, env)
	}
}

// webSocketCloser sends close frame and limits the time
// the receiving side may wait for the client to answer it.
func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
		logger.Debug().Err(wsErr).Msg("failed to send close frame")
	}
	if wsErr = conn.SetReadDeadline(time.Now().Add(defaultWebSocketCloseReadDeadline)); wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to set websocket read deadline during closing")
	}
}
