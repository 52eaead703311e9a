package memory

import (
	"errors"
	"sort"
	"sync"

	"github.com/adwski/watchparty/backend/model"
)

var (
	ErrRoomNotFound = model.ErrRoomNotFound
	ErrEmptyRoomID  = errors.New("room id is empty")
	ErrNilPeer      = errors.New("peer is nil")
)

type room struct {
	id        string
	sourceURL string
	members   map[string]model.Peer
}

func (r *room) snapshot() *model.Room {
	return &model.Room{
		ID:        r.id,
		SourceURL: r.sourceURL,
		Members:   len(r.members),
	}
}

// MemStore is the room registry. A room is present
// only while it has at least one member.
type MemStore struct {
	mx *sync.Mutex
	db map[string]*room
}

// NewMemStore returns empty in-memory room store.
func NewMemStore() *MemStore {
	return &MemStore{
		mx: &sync.Mutex{},
		db: make(map[string]*room),
	}
}

// Ensure returns existing room or creates an empty one with the given url.
// Url of an existing room is never overwritten.
// Relay goes through Join which ensures and adds member under one lock,
// so rooms reachable by viewers are never empty.
func (ms *MemStore) Ensure(roomID, sourceURL string) *model.Room {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	return ms.ensure(roomID, sourceURL).snapshot()
}

func (ms *MemStore) ensure(roomID, sourceURL string) *room {
	r, ok := ms.db[roomID]
	if !ok {
		r = &room{
			id:        roomID,
			sourceURL: sourceURL,
			members:   make(map[string]model.Peer),
		}
		ms.db[roomID] = r
	}
	return r
}

// Join adds peer to the room. Unknown room is created when sourceURL is set,
// otherwise ErrRoomNotFound is returned.
func (ms *MemStore) Join(roomID, sourceURL string, peer model.Peer) (*model.Room, error) {
	if roomID == "" {
		return nil, ErrEmptyRoomID
	}
	if peer == nil {
		return nil, ErrNilPeer
	}

	ms.mx.Lock()
	defer ms.mx.Unlock()

	r, ok := ms.db[roomID]
	if !ok {
		if sourceURL == "" {
			return nil, ErrRoomNotFound
		}
		r = ms.ensure(roomID, sourceURL)
	}
	r.members[peer.ID()] = peer
	return r.snapshot(), nil
}

// Leave removes member from the room and deletes the room once it is empty.
// It reports whether membership existed, so repeated calls are harmless.
func (ms *MemStore) Leave(peerID, roomID string) bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	r, ok := ms.db[roomID]
	if !ok {
		return false
	}
	_, member := r.members[peerID]
	delete(r.members, peerID)
	if len(r.members) == 0 {
		delete(ms.db, roomID)
	}
	return member
}

// BroadcastTargets returns every room member except exclude.
// Returned slice is a copy, so it is safe to use without the lock.
func (ms *MemStore) BroadcastTargets(roomID, exclude string) []model.Peer {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	r, ok := ms.db[roomID]
	if !ok {
		return nil
	}
	targets := make([]model.Peer, 0, len(r.members))
	for id, peer := range r.members {
		if id != exclude {
			targets = append(targets, peer)
		}
	}
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].ID() < targets[j].ID()
	})
	return targets
}

// GetRoom returns a snapshot of the room or ErrRoomNotFound.
func (ms *MemStore) GetRoom(roomID string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	r, ok := ms.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r.snapshot(), nil
}

// Stats counts live rooms and members across all of them.
func (ms *MemStore) Stats() (rooms, members int) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rooms = len(ms.db)
	for _, r := range ms.db {
		members += len(r.members)
	}
	return rooms, members
}
