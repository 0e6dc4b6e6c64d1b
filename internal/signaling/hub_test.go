package signaling

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t   *testing.T
	hub *Hub
	clk *clock.Mock
	ctx context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewMock()
	hub := NewHub(Options{Clock: clk, Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})
	return &harness{t: t, hub: hub, clk: clk, ctx: context.Background()}
}

// connect opens a connection for userID and binds it, the way a client does
// right after the socket opens.
func (h *harness) connect(userID string) *Client {
	h.t.Helper()
	c := h.open(userID, 32)
	h.dispatch(c, &UserConnected{UserID: userID})
	return c
}

func (h *harness) open(userID string, buffer int) *Client {
	h.t.Helper()
	c := NewClient(h.hub, nil, userID, userID, Settings{SendBuffer: buffer})
	require.True(h.t, h.hub.Register(c))
	return c
}

func (h *harness) dispatch(c *Client, payload any) {
	h.t.Helper()
	require.True(h.t, h.hub.Dispatch(c, payload))
	h.sync()
}

func (h *harness) close(c *Client) {
	h.t.Helper()
	h.hub.Unregister(c)
	h.sync()
}

// sync returns once every event handed to the hub so far has been handled.
func (h *harness) sync() {
	h.t.Helper()
	_, err := h.hub.Stats(h.ctx)
	require.NoError(h.t, err)
}

// advance moves the mock clock and waits until every invitation that is due
// has been expired by the hub.
func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clk.Add(d)
	require.Eventually(h.t, h.settled, time.Second, time.Millisecond)
}

func (h *harness) settled() bool {
	due := false
	err := h.hub.do(h.ctx, func() {
		now := h.clk.Now()
		for _, inv := range h.hub.calls.entries {
			if !inv.CreatedAt.Add(h.hub.timeout).After(now) {
				due = true
			}
		}
	})
	return err == nil && !due
}

func (h *harness) pending(roomID string) bool {
	h.t.Helper()
	_, ok, err := h.hub.PendingCall(h.ctx, roomID)
	require.NoError(h.t, err)
	return ok
}

func expectEvent(t *testing.T, c *Client, event string, into any) {
	t.Helper()
	select {
	case frame, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		var env Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		require.Equal(t, event, env.Event)
		if into != nil {
			require.NoError(t, json.Unmarshal(env.Data, into))
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", event)
	}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case frame, ok := <-c.send:
		if ok {
			t.Fatalf("unexpected frame: %s", frame)
		}
	default:
	}
}

func initiate(roomID, callerID string, participants ...string) *CallInitiate {
	return &CallInitiate{
		RoomID:       roomID,
		CallerID:     callerID,
		CallerName:   callerID + "-name",
		Participants: participants,
		ChatID:       "chat-" + roomID,
	}
}

func TestInitiateNotifiesReachableInvitees(t *testing.T) {
	h := newHarness(t)
	caller := h.connect("C")
	a := h.connect("A")

	// B is offline; the caller's own id in the list is skipped.
	h.dispatch(caller, initiate("r1", "C", "A", "B", "C"))

	var msg IncomingCall
	expectEvent(t, a, EventCallIncoming, &msg)
	assert.Equal(t, IncomingCall{RoomID: "r1", CallerID: "C", CallerName: "C-name", Timestamp: h.clk.Now().UnixMilli()}, msg)
	expectNothing(t, caller)
	assert.True(t, h.pending("r1"))

	inv, ok, err := h.hub.PendingCall(h.ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "C", inv.InitiatorID)
	assert.Equal(t, []string{"A", "B", "C"}, inv.Invited)
	assert.Equal(t, "chat-r1", inv.ChatID)
}

func TestJoinBeforeDeadlineAnswersCall(t *testing.T) {
	h := newHarness(t)
	caller := h.connect("C")
	a := h.connect("A")
	b := h.connect("B")

	h.dispatch(caller, initiate("r1", "C", "A", "B"))
	expectEvent(t, a, EventCallIncoming, nil)
	expectEvent(t, b, EventCallIncoming, nil)

	h.dispatch(caller, &CallJoined{RoomID: "r1", UserID: "C"})
	assert.True(t, h.pending("r1"), "initiator joining must not answer the call")

	h.advance(5 * time.Second)
	h.dispatch(a, &CallJoined{RoomID: "r1", UserID: "A"})
	assert.False(t, h.pending("r1"))

	var joined UserJoined
	expectEvent(t, caller, EventCallUserJoined, &joined)
	assert.Equal(t, "A", joined.UserID)
	assert.Equal(t, int64(5000), joined.Timestamp)
	expectNothing(t, a)

	h.advance(time.Minute)
	expectNothing(t, caller)
	expectNothing(t, b)
}

func TestJoinJustBeforeDeadline(t *testing.T) {
	h := newHarness(t)
	caller := h.connect("C")
	a := h.connect("A")

	h.dispatch(caller, initiate("r1", "C", "A"))
	expectEvent(t, a, EventCallIncoming, nil)

	h.advance(DefaultCallTimeout - time.Millisecond)
	h.dispatch(a, &CallJoined{RoomID: "r1", UserID: "A"})
	h.advance(time.Millisecond)
	h.advance(time.Minute)

	expectNothing(t, caller)
}

func TestUnansweredCallTimesOutOnce(t *testing.T) {
	h := newHarness(t)
	caller := h.connect("C")
	a := h.connect("A")

	h.dispatch(caller, initiate("r1", "C", "A"))
	expectEvent(t, a, EventCallIncoming, nil)

	h.advance(29 * time.Second)
	expectNothing(t, caller)

	h.clk.Add(time.Second)
	var msg CallTimedOut
	expectEvent(t, caller, EventCallTimeout, &msg)
	assert.Equal(t, CallTimedOut{RoomID: "r1", ChatID: "chat-r1", Timestamp: 30000}, msg)

	h.advance(time.Minute)
	expectNothing(t, caller)
	expectNothing(t, a)
	assert.False(t, h.pending("r1"))
}

func TestTimeoutFollowsCallerReconnect(t *testing.T) {
	h := newHarness(t)
	first := h.connect("C")
	h.connect("A")

	h.dispatch(first, initiate("r1", "C", "A"))
	second := h.connect("C")
	h.close(first)

	h.clk.Add(DefaultCallTimeout)
	expectEvent(t, second, EventCallTimeout, nil)
}

func TestTimeoutWithCallerOfflineIsDropped(t *testing.T) {
	h := newHarness(t)
	caller := h.connect("C")
	a := h.connect("A")

	h.dispatch(caller, initiate("r1", "C", "A"))
	h.close(caller)

	h.advance(DefaultCallTimeout)
	assert.False(t, h.pending("r1"))
	expectEvent(t, a, EventCallIncoming, nil)
	expectNothing(t, a)
}

func TestDeclineNotifiesCallerAndCancelsTimeout(t *testing.T) {
	h := newHarness(t)
	caller := h.connect("C")
	b := h.connect("B")

	h.dispatch(caller, initiate("r1", "C", "B"))
	expectEvent(t, b, EventCallIncoming, nil)

	var stale *Invitation
	require.NoError(t, h.hub.do(h.ctx, func() { stale, _ = h.hub.calls.Lookup("r1") }))

	h.advance(2 * time.Second)
	h.dispatch(b, &CallDeclined{RoomID: "r1", CallerID: "C"})

	var msg DeclinedNotice
	expectEvent(t, caller, EventCallDeclinedNotice, &msg)
	assert.Equal(t, DeclinedNotice{RoomID: "r1", Timestamp: 2000}, msg)
	assert.False(t, h.pending("r1"))
	expectNothing(t, b)

	// Neither the natural deadline nor a fire already in flight emits anything.
	h.advance(time.Minute)
	h.hub.postExpired(stale)
	h.sync()
	expectNothing(t, caller)

	// A second decline is a no-op.
	h.dispatch(b, &CallDeclined{RoomID: "r1", CallerID: "C"})
	expectNothing(t, caller)
}

func TestEndThenTimeoutThenDeclineAreExclusive(t *testing.T) {
	h := newHarness(t)
	caller := h.connect("C")
	a := h.connect("A")

	h.dispatch(caller, initiate("r1", "C", "A"))
	expectEvent(t, a, EventCallIncoming, nil)
	h.dispatch(caller, &CallJoined{RoomID: "r1", UserID: "C"})

	h.dispatch(caller, &CallEnd{RoomID: "r1", CallerID: "C"})
	var ended CallEnded
	expectEvent(t, caller, EventCallEnded, &ended)
	assert.Equal(t, "C", ended.EndedBy)
	assert.False(t, h.pending("r1"))

	h.advance(time.Minute)
	h.dispatch(a, &CallDeclined{RoomID: "r1", CallerID: "C"})
	expectNothing(t, caller)
	expectNothing(t, a)
}

func TestEndReachesWholeCallGroup(t *testing.T) {
	h := newHarness(t)
	caller := h.connect("C")
	a := h.connect("A")
	b := h.connect("B")

	h.dispatch(caller, initiate("r1", "C", "A", "B"))
	expectEvent(t, a, EventCallIncoming, nil)
	expectEvent(t, b, EventCallIncoming, nil)

	h.dispatch(caller, &CallJoined{RoomID: "r1", UserID: "C"})
	h.dispatch(a, &CallJoined{RoomID: "r1", UserID: "A"})
	expectEvent(t, caller, EventCallUserJoined, nil)

	// A ends while C is also in the group; B never joined.
	h.dispatch(a, &CallEnd{RoomID: "r1", CallerID: "A"})
	expectEvent(t, a, EventCallEnded, nil)
	expectEvent(t, caller, EventCallEnded, nil)
	expectNothing(t, b)
}

func TestEndFromOutsideGroupStillReachesEnder(t *testing.T) {
	h := newHarness(t)
	caller := h.connect("C")
	h.connect("A")

	h.dispatch(caller, initiate("r1", "C", "A"))
	h.dispatch(caller, &CallEnd{RoomID: "r1", CallerID: "C"})
	expectEvent(t, caller, EventCallEnded, nil)
	expectNothing(t, caller)
}

func TestLeftNotifiesRemainingMembers(t *testing.T) {
	h := newHarness(t)
	caller := h.connect("C")
	a := h.connect("A")

	h.dispatch(caller, &CallJoined{RoomID: "r1", UserID: "C"})
	h.dispatch(a, &CallJoined{RoomID: "r1", UserID: "A"})
	expectEvent(t, caller, EventCallUserJoined, nil)

	h.dispatch(a, &CallLeft{RoomID: "r1", UserID: "A"})
	var left UserLeft
	expectEvent(t, caller, EventCallUserLeft, &left)
	assert.Equal(t, "A", left.UserID)
	expectNothing(t, a)

	// Leaving twice just repeats the notice to whoever remains.
	h.dispatch(a, &CallLeft{RoomID: "r1", UserID: "A"})
	expectEvent(t, caller, EventCallUserLeft, nil)
}

func TestBusyGoesToCallerOnly(t *testing.T) {
	h := newHarness(t)
	caller := h.connect("C")
	a := h.connect("A")
	other := h.connect("X")

	h.dispatch(caller, initiate("r1", "C", "A"))
	expectEvent(t, a, EventCallIncoming, nil)

	h.dispatch(a, &CallBusy{RoomID: "r1", CallerID: "C", BusyUserID: "A", BusyUserName: "Alice"})
	var msg UserBusy
	expectEvent(t, caller, EventCallUserBusy, &msg)
	assert.Equal(t, UserBusy{RoomID: "r1", BusyUserID: "A", BusyUserName: "Alice", Timestamp: 0}, msg)
	expectNothing(t, a)
	expectNothing(t, other)
	assert.True(t, h.pending("r1"))
}

func TestBusyForOfflineCallerIsSkipped(t *testing.T) {
	h := newHarness(t)
	a := h.connect("A")

	h.dispatch(a, &CallBusy{RoomID: "r1", CallerID: "C", BusyUserID: "A"})
	expectNothing(t, a)
}

func TestDisconnectUnbindIsConditional(t *testing.T) {
	h := newHarness(t)
	first := h.connect("P")
	second := h.connect("P")

	h.close(first)
	conn, ok, err := h.hub.Online(h.ctx, "P")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.ID, conn)

	h.close(second)
	_, ok, err = h.hub.Online(h.ctx, "P")
	require.NoError(t, err)
	assert.False(t, ok)

	_, open := <-first.send
	assert.False(t, open)
}

func TestDisconnectDropsMemberships(t *testing.T) {
	h := newHarness(t)
	caller := h.connect("C")
	a := h.connect("A")

	h.dispatch(a, &JoinRoom{RoomID: "chat"})
	h.dispatch(a, &CallJoined{RoomID: "r1", UserID: "A"})
	h.dispatch(caller, &CallJoined{RoomID: "r1", UserID: "C"})
	expectEvent(t, a, EventCallUserJoined, nil)

	h.close(a)
	stats, err := h.hub.Stats(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Connections: 1, Online: 1, PendingCalls: 0, ChatRooms: 0, CallRooms: 1}, stats)

	// Disconnect itself emits nothing.
	expectNothing(t, caller)
}

func TestUserConnectedForOtherPrincipalIgnored(t *testing.T) {
	h := newHarness(t)
	c := h.open("A", 8)

	h.dispatch(c, &UserConnected{UserID: "B"})
	_, ok, err := h.hub.Online(h.ctx, "B")
	require.NoError(t, err)
	assert.False(t, ok)

	h.dispatch(c, &UserConnected{UserID: "A"})
	_, ok, err = h.hub.Online(h.ctx, "A")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCallEventsForOtherPrincipalIgnored(t *testing.T) {
	h := newHarness(t)
	caller := h.connect("C")
	a := h.connect("A")

	h.dispatch(caller, initiate("r1", "C", "A"))
	expectEvent(t, a, EventCallIncoming, nil)
	h.dispatch(a, &CallJoined{RoomID: "r1", UserID: "A"})
	h.dispatch(caller, initiate("r2", "C", "A"))
	expectEvent(t, a, EventCallIncoming, nil)

	// The caller's own connection cannot answer, leave, end or refuse in A's name.
	h.dispatch(caller, &CallJoined{RoomID: "r2", UserID: "A"})
	h.dispatch(caller, &CallLeft{RoomID: "r1", UserID: "A"})
	h.dispatch(caller, &CallEnd{RoomID: "r2", CallerID: "A"})
	h.dispatch(caller, &CallBusy{RoomID: "r2", CallerID: "C", BusyUserID: "A"})
	h.dispatch(a, initiate("r3", "C", "A"))
	expectNothing(t, a)
	expectNothing(t, caller)
	assert.True(t, h.pending("r2"))
	assert.False(t, h.pending("r3"))

	h.advance(DefaultCallTimeout)
	expectEvent(t, caller, EventCallTimeout, nil)
}

func TestEventsFromClosedConnectionIgnored(t *testing.T) {
	h := newHarness(t)
	c := h.connect("A")
	h.close(c)

	h.dispatch(c, &UserConnected{UserID: "A"})
	_, ok, err := h.hub.Online(h.ctx, "A")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChatRoomBroadcast(t *testing.T) {
	h := newHarness(t)
	a := h.connect("A")
	b := h.connect("B")

	h.dispatch(a, &JoinRoom{RoomID: "chat-1"})
	h.dispatch(b, &JoinRoom{RoomID: "chat-1"})
	h.dispatch(b, &LeaveRoom{RoomID: "chat-1"})

	require.NoError(t, h.hub.BroadcastRoom(h.ctx, "chat-1", "new-message", map[string]string{"content": "hi"}))
	h.sync()

	var msg map[string]string
	expectEvent(t, a, "new-message", &msg)
	assert.Equal(t, "hi", msg["content"])
	expectNothing(t, b)
}

func TestSlowConnectionIsDropped(t *testing.T) {
	h := newHarness(t)
	caller := h.connect("C")
	slow := h.open("A", 1)
	h.dispatch(slow, &UserConnected{UserID: "A"})

	h.dispatch(caller, initiate("r1", "C", "A"))
	h.dispatch(caller, initiate("r2", "C", "A"))

	stats, err := h.hub.Stats(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.Online)

	expectEvent(t, slow, EventCallIncoming, nil)
	_, open := <-slow.send
	assert.False(t, open)
}

func TestShutdownClearsState(t *testing.T) {
	clk := clock.NewMock()
	hub := NewHub(Options{Clock: clk, Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	c := NewClient(hub, nil, "C", "C", Settings{SendBuffer: 4})
	require.True(t, hub.Register(c))
	require.True(t, hub.Dispatch(c, &UserConnected{UserID: "C"}))
	require.True(t, hub.Dispatch(c, initiate("r1", "C", "A")))

	cancel()
	<-hub.Done()

	_, open := <-c.send
	assert.False(t, open)
	assert.Zero(t, hub.calls.Len())
	assert.Zero(t, hub.presence.Len())

	assert.False(t, hub.Register(NewClient(hub, nil, "D", "D", Settings{SendBuffer: 1})))
	assert.False(t, hub.Dispatch(c, &UserConnected{UserID: "C"}))
	_, err := hub.Stats(context.Background())
	assert.ErrorIs(t, err, ErrHubClosed)

	// Timers were stopped with the hub.
	clk.Add(time.Minute)
}
