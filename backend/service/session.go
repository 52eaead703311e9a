package service

import (
	"sync"

	"github.com/adwski/watchparty/backend/model"
)

type State int

const (
	StateOpen State = iota
	StateMember
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateMember:
		return "member"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is relay-side state of one connection: its lifecycle state and
// the room it joined. It is driven by the connection's receive loop only.
type Session struct {
	peer      model.Peer
	state     State
	roomID    string
	closeOnce sync.Once
}

func (s *Session) State() State {
	return s.state
}

func (s *Session) RoomID() string {
	return s.roomID
}
