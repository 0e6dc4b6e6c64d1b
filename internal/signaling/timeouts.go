package signaling

import (
	"slices"
	"time"

	"github.com/benbjohnson/clock"
)

// Invitation is the bookkeeping for one call attempt, keyed by room id.
type Invitation struct {
	RoomID      string
	InitiatorID string
	Invited     []string
	ChatID      string
	CreatedAt   time.Time

	timer *clock.Timer
}

// CallRegistry tracks pending invitations and their cancellation timers.
// Every method is meant to run on the hub goroutine; removal from entries is
// the single point where a call attempt is decided. Timer callbacks only hand
// the invitation to fire, which must route it back to that goroutine.
type CallRegistry struct {
	clock   clock.Clock
	fire    func(*Invitation)
	entries map[string]*Invitation
}

func NewCallRegistry(clk clock.Clock, fire func(*Invitation)) *CallRegistry {
	return &CallRegistry{
		clock:   clk,
		fire:    fire,
		entries: make(map[string]*Invitation),
	}
}

// Register arms a timeout for roomID, replacing any earlier attempt for the same room.
func (r *CallRegistry) Register(roomID, initiatorID string, invited []string, chatID string, timeout time.Duration) *Invitation {
	r.remove(roomID)

	inv := &Invitation{
		RoomID:      roomID,
		InitiatorID: initiatorID,
		Invited:     slices.Clone(invited),
		ChatID:      chatID,
		CreatedAt:   r.clock.Now(),
	}
	inv.timer = r.clock.AfterFunc(timeout, func() { r.fire(inv) })
	r.entries[roomID] = inv
	return inv
}

func (r *CallRegistry) Lookup(roomID string) (*Invitation, bool) {
	inv, ok := r.entries[roomID]
	return inv, ok
}

// Expire removes inv if it is still the live entry for its room. A fire that
// lost the race to a join, end or decline, or that belongs to a replaced
// attempt, returns false.
func (r *CallRegistry) Expire(inv *Invitation) bool {
	cur, ok := r.entries[inv.RoomID]
	if !ok || cur != inv {
		return false
	}
	delete(r.entries, inv.RoomID)
	return true
}

// ClearOnJoin answers the call unless the joiner is the initiator.
func (r *CallRegistry) ClearOnJoin(roomID, userID string) (*Invitation, bool) {
	inv, ok := r.entries[roomID]
	if !ok || inv.InitiatorID == userID {
		return nil, false
	}
	return r.remove(roomID)
}

func (r *CallRegistry) ClearOnEnd(roomID string) (*Invitation, bool) {
	return r.remove(roomID)
}

func (r *CallRegistry) ClearOnDecline(roomID string) (*Invitation, bool) {
	return r.remove(roomID)
}

// Clear stops every pending timer and forgets all invitations.
func (r *CallRegistry) Clear() {
	for _, inv := range r.entries {
		inv.timer.Stop()
	}
	clear(r.entries)
}

func (r *CallRegistry) Len() int {
	return len(r.entries)
}

func (r *CallRegistry) remove(roomID string) (*Invitation, bool) {
	inv, ok := r.entries[roomID]
	if !ok {
		return nil, false
	}
	inv.timer.Stop()
	delete(r.entries, roomID)
	return inv, true
}
