package call

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCallNotFound       = errors.New("call not found or already ended")
	ErrNotInitiator       = errors.New("only the initiator can end the call")
	ErrProviderNotEnabled = errors.New("conferencing provider keys are not configured")
)

const (
	StatusActive = "active"
	StatusEnded  = "ended"

	HistoryLimit = 20
)

type Call struct {
	ID           string     `json:"id"`
	RoomID       string     `json:"roomId"`
	InitiatorID  string     `json:"initiatorId"`
	Status       string     `json:"status"`
	Participants []string   `json:"participants"`
	Invited      []string   `json:"invitedParticipants"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
}

type CreateRequest struct {
	ParticipantIDs []string `json:"participantIds" validate:"required,dive,required"`
}

type RoomResponse struct {
	Success bool   `json:"success"`
	RoomID  string `json:"roomId"`
	Token   string `json:"token"`
	Call    *Call  `json:"call"`
}

type CallResponse struct {
	Success bool  `json:"success"`
	Call    *Call `json:"call"`
}

type HistoryResponse struct {
	Success bool   `json:"success"`
	Calls   []Call `json:"calls"`
}

// ProviderError is a non-success answer from the conferencing provider.
type ProviderError struct {
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("conferencing provider: %s", e.Message)
	}
	return fmt.Sprintf("conferencing provider: %d %s", e.Status, e.Message)
}
