package chat

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHub struct {
	roomID string
	event  string
	data   any
}

func (h *recordingHub) BroadcastRoom(_ context.Context, roomID, event string, data any) error {
	h.roomID, h.event, h.data = roomID, event, data
	return nil
}

func TestFanoutRelay(t *testing.T) {
	hub := &recordingHub{}
	f := NewFanout(nil, hub, zerolog.Nop())

	payload, err := json.Marshal(Event{RoomID: "chat-1", Event: EventNewMessage, Data: json.RawMessage(`{"content":"hi"}`)})
	require.NoError(t, err)

	require.NoError(t, f.relay(context.Background(), string(payload)))
	assert.Equal(t, "chat-1", hub.roomID)
	assert.Equal(t, EventNewMessage, hub.event)

	raw, err := json.Marshal(hub.data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"hi"}`, string(raw))
}

func TestFanoutRelayRejectsGarbage(t *testing.T) {
	f := NewFanout(nil, &recordingHub{}, zerolog.Nop())

	assert.Error(t, f.relay(context.Background(), "not json"))
	assert.Error(t, f.relay(context.Background(), `{"event":"new-message"}`))
}
