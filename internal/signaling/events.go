package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Inbound event names.
const (
	EventUserConnected = "user-connected"
	EventJoinRoom      = "join-room"
	EventLeaveRoom     = "leave-room"
	EventCallInitiate  = "call:initiate"
	EventCallJoined    = "call:joined"
	EventCallLeft      = "call:left"
	EventCallEnd       = "call:end"
	EventCallBusy      = "call:busy"
	EventCallDeclined  = "call:declined"
)

// Outbound event names.
const (
	EventCallIncoming   = "call:incoming"
	EventCallTimeout    = "call:timeout"
	EventCallUserJoined = "call:user-joined"
	EventCallUserLeft   = "call:user-left"
	EventCallEnded      = "call:ended"
	EventCallUserBusy   = "call:user-busy"
	// call:declined is both an inbound and an outbound name.
	EventCallDeclinedNotice = EventCallDeclined
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrMalformed    = errors.New("malformed payload")
)

// Envelope is the frame exchanged over the socket in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ---------------------------------------------
// Inbound payloads
// ---------------------------------------------

type UserConnected struct {
	UserID string `json:"userId" validate:"required"`
}

type JoinRoom struct {
	RoomID string `json:"roomId" validate:"required"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId" validate:"required"`
}

type CallInitiate struct {
	RoomID       string   `json:"roomId" validate:"required"`
	CallerID     string   `json:"callerId" validate:"required"`
	CallerName   string   `json:"callerName"`
	Participants []string `json:"participants" validate:"dive,required"`
	ChatID       string   `json:"chatId"`
}

type CallJoined struct {
	RoomID string `json:"roomId" validate:"required"`
	UserID string `json:"userId" validate:"required"`
}

type CallLeft struct {
	RoomID string `json:"roomId" validate:"required"`
	UserID string `json:"userId" validate:"required"`
}

type CallEnd struct {
	RoomID   string `json:"roomId" validate:"required"`
	CallerID string `json:"callerId" validate:"required"`
}

type CallBusy struct {
	RoomID       string `json:"roomId" validate:"required"`
	CallerID     string `json:"callerId" validate:"required"`
	BusyUserID   string `json:"busyUserId" validate:"required"`
	BusyUserName string `json:"busyUserName"`
}

type CallDeclined struct {
	RoomID   string `json:"roomId" validate:"required"`
	CallerID string `json:"callerId" validate:"required"`
}

// ---------------------------------------------
// Outbound payloads
// ---------------------------------------------

type IncomingCall struct {
	RoomID     string `json:"roomId"`
	CallerID   string `json:"callerId"`
	CallerName string `json:"callerName"`
	Timestamp  int64  `json:"timestamp"`
}

type CallTimedOut struct {
	RoomID    string `json:"roomId"`
	ChatID    string `json:"chatId"`
	Timestamp int64  `json:"timestamp"`
}

type UserJoined struct {
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

type UserLeft struct {
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

type CallEnded struct {
	RoomID    string `json:"roomId"`
	EndedBy   string `json:"endedBy"`
	Timestamp int64  `json:"timestamp"`
}

type UserBusy struct {
	RoomID       string `json:"roomId"`
	BusyUserID   string `json:"busyUserId"`
	BusyUserName string `json:"busyUserName"`
	Timestamp    int64  `json:"timestamp"`
}

type DeclinedNotice struct {
	RoomID    string `json:"roomId"`
	Timestamp int64  `json:"timestamp"`
}

// Decoder turns raw frames into typed, validated inbound payloads.
type Decoder struct {
	validate *validator.Validate
}

func NewDecoder() *Decoder {
	return &Decoder{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Decode returns one of the inbound payload pointer types.
func (d *Decoder) Decode(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var payload any
	switch env.Event {
	case EventUserConnected:
		p := &UserConnected{}
		if s, ok := bareString(env.Data); ok {
			p.UserID = s
		} else if err := unmarshalData(env.Data, p); err != nil {
			return nil, err
		}
		payload = p
	case EventJoinRoom:
		p := &JoinRoom{}
		if s, ok := bareString(env.Data); ok {
			p.RoomID = s
		} else if err := unmarshalData(env.Data, p); err != nil {
			return nil, err
		}
		payload = p
	case EventLeaveRoom:
		p := &LeaveRoom{}
		if s, ok := bareString(env.Data); ok {
			p.RoomID = s
		} else if err := unmarshalData(env.Data, p); err != nil {
			return nil, err
		}
		payload = p
	case EventCallInitiate:
		payload = &CallInitiate{}
	case EventCallJoined:
		payload = &CallJoined{}
	case EventCallLeft:
		payload = &CallLeft{}
	case EventCallEnd:
		payload = &CallEnd{}
	case EventCallBusy:
		payload = &CallBusy{}
	case EventCallDeclined:
		payload = &CallDeclined{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	switch payload.(type) {
	case *UserConnected, *JoinRoom, *LeaveRoom:
	default:
		if err := unmarshalData(env.Data, payload); err != nil {
			return nil, err
		}
	}

	if err := d.validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Event, err)
	}
	return payload, nil
}

// bareString accepts payloads sent as a plain JSON string instead of an object.
func bareString(data json.RawMessage) (string, bool) {
	var s string
	if len(data) == 0 || data[0] != '"' {
		return "", false
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return "", false
	}
	return s, true
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
