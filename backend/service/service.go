package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/watchparty/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultReplyTimeout = time.Second
)

var (
	ErrJoin = errors.New("unable to join room")
	ErrGet  = errors.New("unable to get room")
)

type (
	RoomStore interface {
		Join(roomID, sourceURL string, peer model.Peer) (*model.Room, error)
		Leave(peerID, roomID string) bool
		GetRoom(roomID string) (*model.Room, error)
		Stats() (rooms, members int)
	}

	Switch interface {
		Broadcast(ctx context.Context, env model.Envelope, roomID, src string) int
	}

	Stats struct {
		Rooms       int `json:"rooms"`
		Members     int `json:"members"`
		Connections int `json:"connections"`
	}

	Service struct {
		store        RoomStore
		sw           Switch
		logger       zerolog.Logger
		replyTimeout time.Duration

		mx       *sync.Mutex
		sessions map[string]*Session
	}

	Config struct {
		RoomStore    RoomStore
		Switch       Switch
		Logger       *zerolog.Logger
		ReplyTimeout time.Duration
	}
)

func NewService(cfg Config) *Service {
	replyTimeout := cfg.ReplyTimeout
	if replyTimeout <= 0 {
		replyTimeout = defaultReplyTimeout
	}
	return &Service{
		store:        cfg.RoomStore,
		sw:           cfg.Switch,
		logger:       cfg.Logger.With().Str("component", "relay").Logger(),
		replyTimeout: replyTimeout,
		mx:           &sync.Mutex{},
		sessions:     make(map[string]*Session),
	}
}

// OpenSession registers a freshly accepted connection.
// Every opened session must be finished with CloseSession.
func (svc *Service) OpenSession(peer model.Peer) *Session {
	sess := &Session{
		peer:  peer,
		state: StateOpen,
	}
	svc.mx.Lock()
	svc.sessions[peer.ID()] = sess
	svc.mx.Unlock()

	svc.logger.Debug().Str("connID", peer.ID()).Msg("session opened")
	return sess
}

// CloseSession releases room membership of the session. It runs
// regardless of how the connection ended and only once per session.
func (svc *Service) CloseSession(sess *Session) {
	sess.closeOnce.Do(func() {
		svc.mx.Lock()
		delete(svc.sessions, sess.peer.ID())
		svc.mx.Unlock()

		svc.leave(sess)
		sess.state = StateClosed

		svc.logger.Debug().Str("connID", sess.peer.ID()).Msg("session closed")
	})
}

// Handle routes one inbound envelope. Malformed or out of place envelopes
// are logged and dropped, connection stays alive.
func (svc *Service) Handle(ctx context.Context, sess *Session, env model.Envelope) {
	logger := svc.logger.With().
		Str("connID", sess.peer.ID()).
		Str("type", env.Type).
		Str("roomID", env.RoomID).
		Logger()

	switch env.Type {
	case model.EnvelopeTypeJoin:
		svc.join(ctx, sess, env, &logger)
	case model.EnvelopeTypeMessage:
		svc.message(ctx, sess, env, &logger)
	case model.EnvelopeTypeLeave:
		if sess.state != StateMember {
			logger.Warn().Msg("leave before join, dropped")
			return
		}
		svc.leave(sess)
		sess.state = StateClosed
		sess.peer.Close()
	default:
		logger.Warn().Msg("unknown envelope type, dropped")
	}
}

func (svc *Service) join(ctx context.Context, sess *Session, env model.Envelope, logger *zerolog.Logger) {
	if sess.state != StateOpen {
		logger.Warn().Str("joinedRoomID", sess.roomID).Msg("repeated join is ignored")
		return
	}
	if env.RoomID == "" {
		logger.Warn().Msg("join without room id, dropped")
		return
	}
	sourceURL, err := env.SourceURL()
	if err != nil {
		logger.Warn().Err(err).Msg("join with malformed content, dropped")
		return
	}

	room, err := svc.store.Join(env.RoomID, sourceURL, sess.peer)
	if err != nil {
		err = errors.Join(ErrJoin, err)
		if errors.Is(err, model.ErrRoomNotFound) {
			logger.Info().Msg("join to missing room")
			svc.reply(ctx, sess, model.NewError(env.RoomID, model.ErrorRoomNotFound), logger)
			return
		}
		logger.Error().Err(err).Msg("join failed")
		return
	}

	sess.state = StateMember
	sess.roomID = room.ID
	logger.Info().
		Str("url", room.SourceURL).
		Int("members", room.Members).
		Msg("viewer joined room")

	svc.reply(ctx, sess, model.NewJoined(room.ID, room.SourceURL), logger)
}

func (svc *Service) message(ctx context.Context, sess *Session, env model.Envelope, logger *zerolog.Logger) {
	if sess.state != StateMember {
		logger.Warn().Msg("message before join, dropped")
		return
	}
	if env.RoomID != "" && env.RoomID != sess.roomID {
		logger.Warn().Str("joinedRoomID", sess.roomID).Msg("message for foreign room, dropped")
		return
	}

	fwd := model.Envelope{
		Type:    model.EnvelopeTypeMessage,
		RoomID:  sess.roomID,
		Content: env.Content,
	}
	n := svc.sw.Broadcast(ctx, fwd, sess.roomID, sess.peer.ID())
	logger.Debug().RawJSON("content", contentOrNull(env.Content)).Int("delivered", n).Msg("message relayed")
}

func (svc *Service) leave(sess *Session) {
	if sess.roomID == "" {
		return
	}
	if svc.store.Leave(sess.peer.ID(), sess.roomID) {
		svc.logger.Info().
			Str("connID", sess.peer.ID()).
			Str("roomID", sess.roomID).
			Msg("viewer left room")
	}
}

func (svc *Service) reply(ctx context.Context, sess *Session, env model.Envelope, logger *zerolog.Logger) {
	rCtx, cancel := context.WithTimeout(ctx, svc.replyTimeout)
	defer cancel()
	if err := sess.peer.Send(rCtx, env); err != nil {
		logger.Error().Err(err).Str("reply", env.Type).Msg("failed to reply")
		sess.peer.Close()
	}
}

// GetRoom looks up the room for the rooms api.
func (svc *Service) GetRoom(roomID string) (*model.Room, error) {
	room, err := svc.store.GetRoom(roomID)
	if err != nil {
		return nil, errors.Join(ErrGet, err)
	}
	return room, nil
}

// Stats returns relay counters for the stats api.
func (svc *Service) Stats() Stats {
	rooms, members := svc.store.Stats()
	svc.mx.Lock()
	conns := len(svc.sessions)
	svc.mx.Unlock()
	return Stats{
		Rooms:       rooms,
		Members:     members,
		Connections: conns,
	}
}

func contentOrNull(c []byte) []byte {
	if len(c) == 0 {
		return []byte("null")
	}
	return c
}
