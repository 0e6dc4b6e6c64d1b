package call

import (
	"context"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/xid"
)

type Store interface {
	CreateCall(ctx context.Context, c *Call) error
	GetByRoom(ctx context.Context, roomID string) (*Call, error)
	Join(ctx context.Context, roomID, userID string) (*Call, error)
	Leave(ctx context.Context, roomID, userID string) (*Call, error)
	End(ctx context.Context, roomID string, endedAt time.Time) (*Call, error)
	History(ctx context.Context, userID string, limit int) ([]Call, error)
}

type Conferencing interface {
	Token() (string, error)
	CreateRoom(ctx context.Context, token string) (string, error)
	ValidateRoom(ctx context.Context, token, roomID string) (string, error)
}

// Service keeps the persisted call record in step with the provider room.
// Ringing, answering and timeouts live in the signaling hub, not here.
type Service struct {
	repo     Store
	provider Conferencing
	clock    clock.Clock
}

func NewService(repo Store, provider Conferencing, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{repo: repo, provider: provider, clock: clk}
}

func (s *Service) Token() (string, error) {
	return s.provider.Token()
}

func (s *Service) Create(ctx context.Context, initiatorID string, participantIDs []string) (*RoomResponse, error) {
	token, err := s.provider.Token()
	if err != nil {
		return nil, err
	}
	roomID, err := s.provider.CreateRoom(ctx, token)
	if err != nil {
		return nil, err
	}

	invited := make([]string, 0, len(participantIDs))
	for _, id := range participantIDs {
		if id != initiatorID && !slices.Contains(invited, id) {
			invited = append(invited, id)
		}
	}

	c := &Call{
		ID:           xid.New().String(),
		RoomID:       roomID,
		InitiatorID:  initiatorID,
		Status:       StatusActive,
		Participants: []string{initiatorID},
		Invited:      invited,
		StartedAt:    s.clock.Now().UTC(),
	}
	if err := s.repo.CreateCall(ctx, c); err != nil {
		return nil, err
	}
	return &RoomResponse{Success: true, RoomID: roomID, Token: token, Call: c}, nil
}

func (s *Service) Join(ctx context.Context, roomID, userID string) (*RoomResponse, error) {
	token, err := s.provider.Token()
	if err != nil {
		return nil, err
	}
	validated, err := s.provider.ValidateRoom(ctx, token, roomID)
	if err != nil {
		return nil, err
	}
	c, err := s.repo.Join(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	return &RoomResponse{Success: true, RoomID: validated, Token: token, Call: c}, nil
}

func (s *Service) Leave(ctx context.Context, roomID, userID string) (*Call, error) {
	return s.repo.Leave(ctx, roomID, userID)
}

// End closes the call record. Only the initiator may do this.
func (s *Service) End(ctx context.Context, roomID, userID string) (*Call, error) {
	c, err := s.repo.GetByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if c.InitiatorID != userID {
		return nil, ErrNotInitiator
	}
	return s.repo.End(ctx, roomID, s.clock.Now().UTC())
}

func (s *Service) History(ctx context.Context, userID string) ([]Call, error) {
	return s.repo.History(ctx, userID, HistoryLimit)
}
