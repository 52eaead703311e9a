package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Envelope types that travel between viewers and relay.
const (
	EnvelopeTypeJoin    = "join"
	EnvelopeTypeJoined  = "joined"
	EnvelopeTypeMessage = "message"
	EnvelopeTypeLeave   = "leave"
	EnvelopeTypeError   = "error"
)

// ErrorRoomNotFound is the text of an error envelope sent to a viewer
// that tried to join a room nobody created.
const ErrorRoomNotFound = "room does not exist"

var (
	ErrRoomNotFound    = errors.New("room is not found")
	ErrInvalidContent  = errors.New("invalid envelope content")
	ErrUnknownAction   = errors.New("unknown playback action")
	ErrInvalidPosition = errors.New("invalid playback position")
)

type Room struct {
	ID        string `json:"room_id"`
	SourceURL string `json:"url"`
	Members   int    `json:"members"`
}

// Envelope is the only unit exchanged between a viewer and the relay.
// Content is opaque to the relay and forwarded as is.
type Envelope struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	URL     string          `json:"url,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Peer is a relay-side handle of one transport connection.
type Peer interface {
	ID() string
	Send(ctx context.Context, env Envelope) error
	Close()
}

type PlaybackAction string

const (
	ActionPlay  PlaybackAction = "play"
	ActionPause PlaybackAction = "pause"
	ActionSeek  PlaybackAction = "seek"
)

type PlaybackEvent struct {
	Action   PlaybackAction `json:"action"`
	Position float64        `json:"position"`
}

func (ev PlaybackEvent) Validate() error {
	switch ev.Action {
	case ActionPlay, ActionPause, ActionSeek:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, ev.Action)
	}
	if ev.Position < 0 || math.IsNaN(ev.Position) || math.IsInf(ev.Position, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidPosition, ev.Position)
	}
	return nil
}

func NewJoin(roomID, sourceURL string) Envelope {
	b, _ := json.Marshal(sourceURL)
	return Envelope{
		Type:    EnvelopeTypeJoin,
		RoomID:  roomID,
		Content: b,
	}
}

func NewJoined(roomID, sourceURL string) Envelope {
	return Envelope{
		Type:   EnvelopeTypeJoined,
		RoomID: roomID,
		URL:    sourceURL,
	}
}

func NewLeave(roomID string) Envelope {
	return Envelope{
		Type:   EnvelopeTypeLeave,
		RoomID: roomID,
	}
}

func NewError(roomID, msg string) Envelope {
	return Envelope{
		Type:   EnvelopeTypeError,
		RoomID: roomID,
		Error:  msg,
	}
}

func NewMessage(roomID string, ev PlaybackEvent) (Envelope, error) {
	b, err := json.Marshal(&ev)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:    EnvelopeTypeMessage,
		RoomID:  roomID,
		Content: b,
	}, nil
}

// SourceURL decodes content of a join envelope.
// Missing or null content is an empty url.
func (env Envelope) SourceURL() (string, error) {
	if env.hasNoContent() {
		return "", nil
	}
	var u string
	if err := json.Unmarshal(env.Content, &u); err != nil {
		return "", errors.Join(ErrInvalidContent, err)
	}
	return u, nil
}

// PlaybackEvent decodes and validates content of a message envelope.
func (env Envelope) PlaybackEvent() (PlaybackEvent, error) {
	var ev PlaybackEvent
	if env.hasNoContent() {
		return ev, ErrInvalidContent
	}
	if err := json.Unmarshal(env.Content, &ev); err != nil {
		return ev, errors.Join(ErrInvalidContent, err)
	}
	if err := ev.Validate(); err != nil {
		return ev, err
	}
	return ev, nil
}

func (env Envelope) hasNoContent() bool {
	c := bytes.TrimSpace(env.Content)
	return len(c) == 0 || bytes.Equal(c, []byte("null"))
}
