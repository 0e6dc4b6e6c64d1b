package chat

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrChatNotFound   = errors.New("chat not found")
	ErrNotParticipant = errors.New("not a participant of this chat")
)

const (
	DefaultPageSize = 30
	MaxPageSize     = 100
)

// ---------------------------------------------
// Database & API Models
// ---------------------------------------------

type Chat struct {
	ID            string    `json:"id"`
	IsGroup       bool      `json:"isGroup"`
	GroupName     string    `json:"groupName,omitempty"`
	CreatedBy     string    `json:"createdBy,omitempty"`
	Participants  []string  `json:"participants"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Message is append-only. Call messages record how a call attempt ended.
type Message struct {
	ID           string    `json:"id"`
	ChatID       string    `json:"chatId"`
	SenderID     string    `json:"senderId"`
	SenderName   string    `json:"senderName"`
	Type         string    `json:"type"`
	Content      string    `json:"content"`
	CallStatus   string    `json:"callStatus,omitempty"`
	CallDuration int       `json:"callDuration,omitempty"`
	CallRoomID   string    `json:"callRoomId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ---------------------------------------------
// Requests
// ---------------------------------------------

type CreateChatRequest struct {
	ParticipantIDs []string `json:"participantIds" validate:"required,min=1,dive,required"`
	IsGroup        bool     `json:"isGroup"`
	GroupName      string   `json:"groupName" validate:"max=100"`
}

type SendMessageRequest struct {
	Type         string `json:"type" validate:"omitempty,oneof=text image video call"`
	Content      string `json:"content" validate:"required_unless=Type call,max=4000"`
	CallStatus   string `json:"callStatus" validate:"omitempty,oneof=missed completed declined cancelled no-answer"`
	CallDuration int    `json:"callDuration" validate:"gte=0"`
	CallRoomID   string `json:"callRoomId"`
}

// ---------------------------------------------
// Fan-out
// ---------------------------------------------

// Event is what travels over the Redis channel between instances.
type Event struct {
	RoomID string          `json:"roomId"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}
