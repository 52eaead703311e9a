package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/watchparty/backend/model"
	"github.com/adwski/watchparty/backend/storage/memory"
	sw "github.com/adwski/watchparty/backend/switch"
)

type mockPeer struct {
	id     string
	mu     sync.Mutex
	sent   []model.Envelope
	closed bool
}

func (m *mockPeer) ID() string { return m.id }

func (m *mockPeer) Send(_ context.Context, env model.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, env)
	return nil
}

func (m *mockPeer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *mockPeer) getSent() []model.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Envelope(nil), m.sent...)
}

func (m *mockPeer) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func newTestService() (*Service, *memory.MemStore) {
	logger := zerolog.Nop()
	store := memory.NewMemStore()
	return NewService(Config{
		RoomStore: store,
		Switch: sw.NewSwitch(sw.Config{
			Logger:  &logger,
			Targets: store,
		}),
		Logger: &logger,
	}), store
}

func seekMessage(t *testing.T, roomID string, pos float64) model.Envelope {
	t.Helper()
	env, err := model.NewMessage(roomID, model.PlaybackEvent{Action: model.ActionSeek, Position: pos})
	require.NoError(t, err)
	return env
}

func joinAll(t *testing.T, svc *Service, roomID, url string, peers ...*mockPeer) []*Session {
	t.Helper()
	sessions := make([]*Session, 0, len(peers))
	for i, p := range peers {
		sess := svc.OpenSession(p)
		u := ""
		if i == 0 {
			u = url
		}
		svc.Handle(context.Background(), sess, model.NewJoin(roomID, u))
		require.Equal(t, StateMember, sess.State())
		sessions = append(sessions, sess)
	}
	return sessions
}

func TestService_JoinCreatesRoom(t *testing.T) {
	svc, store := newTestService()
	v1 := &mockPeer{id: "v1"}
	sess := svc.OpenSession(v1)

	svc.Handle(context.Background(), sess, model.NewJoin("abc", "https://x/video"))

	assert.Equal(t, StateMember, sess.State())
	assert.Equal(t, "abc", sess.RoomID())
	require.Len(t, v1.getSent(), 1)
	assert.Equal(t, model.NewJoined("abc", "https://x/video"), v1.getSent()[0])

	room, err := store.GetRoom("abc")
	require.NoError(t, err)
	assert.Equal(t, &model.Room{ID: "abc", SourceURL: "https://x/video", Members: 1}, room)
}

func TestService_JoinExistingRoomKeepsURL(t *testing.T) {
	svc, _ := newTestService()
	v1, v2 := &mockPeer{id: "v1"}, &mockPeer{id: "v2"}
	joinAll(t, svc, "abc", "https://x/video", v1)

	sess := svc.OpenSession(v2)
	svc.Handle(context.Background(), sess, model.NewJoin("abc", "https://y/other"))

	require.Len(t, v2.getSent(), 1)
	assert.Equal(t, model.NewJoined("abc", "https://x/video"), v2.getSent()[0])
}

func TestService_JoinMissingRoom(t *testing.T) {
	svc, store := newTestService()
	v := &mockPeer{id: "v"}
	sess := svc.OpenSession(v)

	svc.Handle(context.Background(), sess, model.NewJoin("abc", ""))

	assert.Equal(t, StateOpen, sess.State())
	assert.Empty(t, sess.RoomID())
	assert.False(t, v.isClosed())
	require.Len(t, v.getSent(), 1)
	assert.Equal(t, model.NewError("abc", model.ErrorRoomNotFound), v.getSent()[0])

	_, err := store.GetRoom("abc")
	assert.ErrorIs(t, err, model.ErrRoomNotFound)

	// connection stays usable and may create the room afterwards
	svc.Handle(context.Background(), sess, model.NewJoin("abc", "https://x/video"))
	assert.Equal(t, StateMember, sess.State())
}

func TestService_DroppedEnvelopes(t *testing.T) {
	tests := []struct {
		name   string
		joined bool
		env    model.Envelope
	}{
		{name: "message before join", env: seekMessage(t, "abc", 1)},
		{name: "leave before join", env: model.NewLeave("abc")},
		{name: "unknown type", joined: true, env: model.Envelope{Type: "rewind", RoomID: "abc"}},
		{name: "join without room id", env: model.NewJoin("", "https://x/video")},
		{name: "join with malformed content", env: model.Envelope{Type: model.EnvelopeTypeJoin, RoomID: "abc", Content: json.RawMessage(`{"a":1}`)}},
		{name: "repeated join", joined: true, env: model.NewJoin("other", "https://y/other")},
		{name: "message for foreign room", joined: true, env: seekMessage(t, "other", 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := newTestService()
			other := &mockPeer{id: "other-member"}
			joinAll(t, svc, "abc", "https://x/video", other)

			v := &mockPeer{id: "v"}
			sess := svc.OpenSession(v)
			wantState := StateOpen
			if tt.joined {
				svc.Handle(context.Background(), sess, model.NewJoin("abc", ""))
				wantState = StateMember
			}
			sentBefore := len(v.getSent())
			otherBefore := len(other.getSent())

			svc.Handle(context.Background(), sess, tt.env)

			assert.Equal(t, wantState, sess.State())
			assert.Len(t, v.getSent(), sentBefore)
			assert.Len(t, other.getSent(), otherBefore)
			assert.False(t, v.isClosed())

			_, err := store.GetRoom("other")
			assert.ErrorIs(t, err, model.ErrRoomNotFound)
		})
	}
}

func TestService_MessageFanOut(t *testing.T) {
	svc, _ := newTestService()
	a, b, c := &mockPeer{id: "a"}, &mockPeer{id: "b"}, &mockPeer{id: "c"}
	sessions := joinAll(t, svc, "r", "https://x/video", a, b, c)

	msg := seekMessage(t, "r", 42.5)
	svc.Handle(context.Background(), sessions[0], msg)

	assert.Len(t, a.getSent(), 1, "sender gets only its joined reply")
	for _, p := range []*mockPeer{b, c} {
		sent := p.getSent()
		require.Len(t, sent, 2, "peer %s", p.id)
		assert.Equal(t, model.EnvelopeTypeMessage, sent[1].Type)
		assert.Equal(t, "r", sent[1].RoomID)
		assert.JSONEq(t, string(msg.Content), string(sent[1].Content))
	}
}

func TestService_MessageContentIsOpaque(t *testing.T) {
	svc, _ := newTestService()
	a, b := &mockPeer{id: "a"}, &mockPeer{id: "b"}
	sessions := joinAll(t, svc, "r", "https://x/video", a, b)

	raw := json.RawMessage(`{"anything":["goes",1,null]}`)
	svc.Handle(context.Background(), sessions[0], model.Envelope{Type: model.EnvelopeTypeMessage, Content: raw})

	sent := b.getSent()
	require.Len(t, sent, 2)
	assert.Equal(t, raw, sent[1].Content)
}

func TestService_LoneMemberMessage(t *testing.T) {
	svc, _ := newTestService()
	a := &mockPeer{id: "a"}
	sessions := joinAll(t, svc, "r", "https://x/video", a)

	svc.Handle(context.Background(), sessions[0], seekMessage(t, "r", 3))

	assert.Len(t, a.getSent(), 1)
	assert.False(t, a.isClosed())
}

func TestService_Leave(t *testing.T) {
	svc, store := newTestService()
	a, b := &mockPeer{id: "a"}, &mockPeer{id: "b"}
	sessions := joinAll(t, svc, "r", "https://x/video", a, b)

	svc.Handle(context.Background(), sessions[0], model.NewLeave("r"))
	assert.Equal(t, StateClosed, sessions[0].State())
	assert.True(t, a.isClosed())

	room, err := store.GetRoom("r")
	require.NoError(t, err)
	assert.Equal(t, 1, room.Members)

	// transport close after leave must not disturb the room
	svc.CloseSession(sessions[0])
	room, err = store.GetRoom("r")
	require.NoError(t, err)
	assert.Equal(t, 1, room.Members)
}

func TestService_CloseSessionCleansUp(t *testing.T) {
	svc, store := newTestService()
	v1, v2 := &mockPeer{id: "v1"}, &mockPeer{id: "v2"}
	sessions := joinAll(t, svc, "abc", "https://x/video", v1, v2)

	// v1 drops without leave
	svc.CloseSession(sessions[0])
	svc.CloseSession(sessions[0])

	room, err := store.GetRoom("abc")
	require.NoError(t, err)
	assert.Equal(t, 1, room.Members)

	svc.Handle(context.Background(), sessions[1], seekMessage(t, "abc", 10))
	assert.Len(t, v1.getSent(), 1)

	svc.CloseSession(sessions[1])
	_, err = store.GetRoom("abc")
	assert.ErrorIs(t, err, model.ErrRoomNotFound)

	v3 := &mockPeer{id: "v3"}
	sess := svc.OpenSession(v3)
	svc.Handle(context.Background(), sess, model.NewJoin("abc", ""))
	assert.Equal(t, StateOpen, sess.State())
	require.Len(t, v3.getSent(), 1)
	assert.Equal(t, model.EnvelopeTypeError, v3.getSent()[0].Type)
}

func TestService_CloseSessionBeforeJoin(t *testing.T) {
	svc, _ := newTestService()
	sess := svc.OpenSession(&mockPeer{id: "v"})

	svc.CloseSession(sess)

	assert.Equal(t, StateClosed, sess.State())
	assert.Equal(t, Stats{}, svc.Stats())
}

func TestService_Stats(t *testing.T) {
	svc, _ := newTestService()
	joinAll(t, svc, "r1", "https://x/1", &mockPeer{id: "a"}, &mockPeer{id: "b"})
	joinAll(t, svc, "r2", "https://x/2", &mockPeer{id: "c"})
	svc.OpenSession(&mockPeer{id: "idle"})

	assert.Equal(t, Stats{Rooms: 2, Members: 3, Connections: 4}, svc.Stats())
}

func TestService_GetRoom(t *testing.T) {
	svc, _ := newTestService()
	joinAll(t, svc, "r", "https://x/video", &mockPeer{id: "a"})

	room, err := svc.GetRoom("r")
	require.NoError(t, err)
	assert.Equal(t, "https://x/video", room.SourceURL)

	_, err = svc.GetRoom("missing")
	assert.ErrorIs(t, err, ErrGet)
	assert.ErrorIs(t, err, model.ErrRoomNotFound)
}
