package signaling

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

const DefaultCallTimeout = 30 * time.Second

var ErrHubClosed = errors.New("signaling hub closed")

type Options struct {
	Clock       clock.Clock
	CallTimeout time.Duration
	Logger      zerolog.Logger
}

type Stats struct {
	Connections  int `json:"connections"`
	Online       int `json:"online"`
	PendingCalls int `json:"pendingCalls"`
	ChatRooms    int `json:"chatRooms"`
	CallRooms    int `json:"callRooms"`
}

type inboundEvent struct {
	client  *Client
	payload any
}

type roomBroadcast struct {
	roomID string
	frame  []byte
}

// Hub owns all signaling state. Everything below the channels is only read or
// written from Run's goroutine.
type Hub struct {
	log     zerolog.Logger
	clock   clock.Clock
	timeout time.Duration

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundEvent
	expired    chan *Invitation
	broadcast  chan roomBroadcast
	queries    chan func()
	done       chan struct{}
	stopped    chan struct{}

	clients   map[string]*Client
	presence  *Presence
	calls     *CallRegistry
	chatRooms *Groups
	callRooms *Groups
}

func NewHub(opts Options) *Hub {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}

	h := &Hub{
		log:        opts.Logger.With().Str("module", "signaling.hub").Logger(),
		clock:      opts.Clock,
		timeout:    opts.CallTimeout,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundEvent),
		expired:    make(chan *Invitation),
		broadcast:  make(chan roomBroadcast),
		queries:    make(chan func()),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		clients:    make(map[string]*Client),
		presence:   NewPresence(),
		chatRooms:  NewGroups(),
		callRooms:  NewGroups(),
	}
	h.calls = NewCallRegistry(opts.Clock, h.postExpired)
	return h
}

// Run processes events until ctx is cancelled, then tears the hub down.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	h.log.Info().Dur("call_timeout", h.timeout).Msg("hub started")
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case c := <-h.register:
			h.clients[c.ID] = c
			h.log.Debug().Str("conn", c.ID).Str("user", c.UserID).Msg("connection registered")

		case c := <-h.unregister:
			h.disconnect(c)

		case ev := <-h.inbound:
			h.handle(ev)

		case inv := <-h.expired:
			h.onExpired(inv)

		case b := <-h.broadcast:
			for _, connID := range h.chatRooms.Members(b.roomID) {
				h.deliverFrame(connID, b.frame)
			}

		case fn := <-h.queries:
			fn()
		}
	}
}

// Done is closed once Run has returned and all state is released.
func (h *Hub) Done() <-chan struct{} {
	return h.stopped
}

func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Dispatch hands a decoded inbound payload to the hub. It returns false once
// the hub is gone.
func (h *Hub) Dispatch(c *Client, payload any) bool {
	select {
	case h.inbound <- inboundEvent{client: c, payload: payload}:
		return true
	case <-h.done:
		return false
	}
}

// BroadcastRoom sends an event to every connection that joined the chat room.
func (h *Hub) BroadcastRoom(ctx context.Context, roomID, event string, data any) error {
	frame, err := encode(event, data)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- roomBroadcast{roomID: roomID, frame: frame}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubClosed
	}
}

func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := h.do(ctx, func() {
		s = Stats{
			Connections:  len(h.clients),
			Online:       h.presence.Len(),
			PendingCalls: h.calls.Len(),
			ChatRooms:    h.chatRooms.Len(),
			CallRooms:    h.callRooms.Len(),
		}
	})
	return s, err
}

// PendingCall returns a copy of the invitation still waiting on roomID.
func (h *Hub) PendingCall(ctx context.Context, roomID string) (Invitation, bool, error) {
	var (
		inv Invitation
		ok  bool
	)
	err := h.do(ctx, func() {
		var cur *Invitation
		if cur, ok = h.calls.Lookup(roomID); ok {
			inv = *cur
			inv.timer = nil
		}
	})
	return inv, ok, err
}

// Online reports which connection a principal is currently bound to.
func (h *Hub) Online(ctx context.Context, userID string) (string, bool, error) {
	var (
		connID string
		ok     bool
	)
	err := h.do(ctx, func() { connID, ok = h.presence.Lookup(userID) })
	return connID, ok, err
}

func (h *Hub) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case h.queries <- func() { fn(); close(finished) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubClosed
	}
	<-finished
	return nil
}

// postExpired runs on the timer's goroutine.
func (h *Hub) postExpired(inv *Invitation) {
	select {
	case h.expired <- inv:
	case <-h.done:
	}
}

func (h *Hub) handle(ev inboundEvent) {
	c := ev.client
	if cur, ok := h.clients[c.ID]; !ok || cur != c {
		return
	}

	switch p := ev.payload.(type) {
	case *UserConnected:
		h.bind(c, p)
	case *JoinRoom:
		h.chatRooms.Join(p.RoomID, c.ID)
		h.log.Debug().Str("conn", c.ID).Str("room", p.RoomID).Msg("joined chat room")
	case *LeaveRoom:
		h.chatRooms.Leave(p.RoomID, c.ID)
		h.log.Debug().Str("conn", c.ID).Str("room", p.RoomID).Msg("left chat room")
	case *CallInitiate:
		h.initiate(c, p)
	case *CallJoined:
		h.joined(c, p)
	case *CallLeft:
		h.left(c, p)
	case *CallEnd:
		h.end(c, p)
	case *CallBusy:
		h.busy(c, p)
	case *CallDeclined:
		h.declined(p)
	default:
		h.log.Warn().Str("conn", c.ID).Type("payload", p).Msg("unhandled payload")
	}
}

// actsAs reports whether c may speak for userID. Connections opened without an
// authenticated principal are trusted as-is.
func (h *Hub) actsAs(c *Client, userID, event string) bool {
	if c.UserID == "" || c.UserID == userID {
		return true
	}
	h.log.Warn().Str("conn", c.ID).Str("user", c.UserID).Str("claimed", userID).Str("event", event).Msg("event for another principal ignored")
	return false
}

func (h *Hub) bind(c *Client, p *UserConnected) {
	if !h.actsAs(c, p.UserID, EventUserConnected) {
		return
	}
	h.presence.Bind(p.UserID, c.ID)
	h.log.Info().Str("conn", c.ID).Str("user", p.UserID).Msg("user online")
}

func (h *Hub) initiate(c *Client, p *CallInitiate) {
	if !h.actsAs(c, p.CallerID, EventCallInitiate) {
		return
	}
	h.calls.Register(p.RoomID, p.CallerID, p.Participants, p.ChatID, h.timeout)

	msg := IncomingCall{
		RoomID:     p.RoomID,
		CallerID:   p.CallerID,
		CallerName: p.CallerName,
		Timestamp:  h.now(),
	}
	notified := 0
	for _, userID := range p.Participants {
		if userID == p.CallerID {
			continue
		}
		if h.sendToUser(userID, EventCallIncoming, msg) {
			notified++
		}
	}
	h.log.Info().Str("room", p.RoomID).Str("user", p.CallerID).Int("invited", len(p.Participants)).Int("notified", notified).Msg("call initiated")
}

func (h *Hub) joined(c *Client, p *CallJoined) {
	if !h.actsAs(c, p.UserID, EventCallJoined) {
		return
	}
	h.callRooms.Join(p.RoomID, c.ID)
	if _, answered := h.calls.ClearOnJoin(p.RoomID, p.UserID); answered {
		h.log.Info().Str("room", p.RoomID).Str("user", p.UserID).Msg("call answered")
	}
	h.sendToGroup(p.RoomID, c.ID, EventCallUserJoined, UserJoined{UserID: p.UserID, Timestamp: h.now()})
}

func (h *Hub) left(c *Client, p *CallLeft) {
	if !h.actsAs(c, p.UserID, EventCallLeft) {
		return
	}
	h.callRooms.Leave(p.RoomID, c.ID)
	h.sendToGroup(p.RoomID, c.ID, EventCallUserLeft, UserLeft{UserID: p.UserID, Timestamp: h.now()})
}

func (h *Hub) end(c *Client, p *CallEnd) {
	if !h.actsAs(c, p.CallerID, EventCallEnd) {
		return
	}
	h.calls.ClearOnEnd(p.RoomID)

	msg := CallEnded{RoomID: p.RoomID, EndedBy: p.CallerID, Timestamp: h.now()}
	if !h.callRooms.Has(p.RoomID, c.ID) {
		h.sendToConn(c.ID, EventCallEnded, msg)
	}
	h.sendToGroup(p.RoomID, "", EventCallEnded, msg)
	h.log.Info().Str("room", p.RoomID).Str("user", p.CallerID).Msg("call ended")
}

func (h *Hub) busy(c *Client, p *CallBusy) {
	if !h.actsAs(c, p.BusyUserID, EventCallBusy) {
		return
	}
	h.sendToUser(p.CallerID, EventCallUserBusy, UserBusy{
		RoomID:       p.RoomID,
		BusyUserID:   p.BusyUserID,
		BusyUserName: p.BusyUserName,
		Timestamp:    h.now(),
	})
}

func (h *Hub) declined(p *CallDeclined) {
	inv, ok := h.calls.ClearOnDecline(p.RoomID)
	if !ok {
		return
	}
	h.sendToUser(inv.InitiatorID, EventCallDeclinedNotice, DeclinedNotice{RoomID: p.RoomID, Timestamp: h.now()})
	h.log.Info().Str("room", p.RoomID).Str("user", inv.InitiatorID).Msg("call declined")
}

func (h *Hub) onExpired(inv *Invitation) {
	if !h.calls.Expire(inv) {
		return
	}
	h.sendToUser(inv.InitiatorID, EventCallTimeout, CallTimedOut{RoomID: inv.RoomID, ChatID: inv.ChatID, Timestamp: h.now()})
	h.log.Info().Str("room", inv.RoomID).Str("user", inv.InitiatorID).Msg("call timed out")
}

func (h *Hub) disconnect(c *Client) {
	if cur, ok := h.clients[c.ID]; !ok || cur != c {
		return
	}
	delete(h.clients, c.ID)
	close(c.send)

	userID, unbound := h.presence.Unbind(c.ID)
	h.chatRooms.LeaveAll(c.ID)
	h.callRooms.LeaveAll(c.ID)
	h.log.Info().Str("conn", c.ID).Str("user", userID).Bool("unbound", unbound).Msg("connection closed")
}

func (h *Hub) shutdown() {
	close(h.done)
	h.calls.Clear()
	for _, c := range h.clients {
		close(c.send)
	}
	clear(h.clients)
	h.presence.reset()
	h.chatRooms.reset()
	h.callRooms.reset()
	h.log.Info().Msg("hub stopped")
}

func (h *Hub) now() int64 {
	return h.clock.Now().UnixMilli()
}

func (h *Hub) sendToUser(userID, event string, data any) bool {
	connID, ok := h.presence.Lookup(userID)
	if !ok {
		h.log.Debug().Str("user", userID).Str("event", event).Msg("principal offline, skipped")
		return false
	}
	return h.sendToConn(connID, event, data)
}

// sendToGroup delivers to every call group member except skip.
func (h *Hub) sendToGroup(roomID, skip, event string, data any) {
	frame, err := encode(event, data)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode failed")
		return
	}
	for _, connID := range h.callRooms.Members(roomID) {
		if connID == skip {
			continue
		}
		h.deliverFrame(connID, frame)
	}
}

func (h *Hub) sendToConn(connID, event string, data any) bool {
	frame, err := encode(event, data)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode failed")
		return false
	}
	return h.deliverFrame(connID, frame)
}

// deliverFrame never blocks; a connection that cannot keep up is dropped.
func (h *Hub) deliverFrame(connID string, frame []byte) bool {
	c, ok := h.clients[connID]
	if !ok {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		h.log.Warn().Str("conn", connID).Msg("send buffer full, dropping connection")
		h.disconnect(c)
		return false
	}
}
