package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPresenceBindLookup(t *testing.T) {
	p := NewPresence()

	_, ok := p.Lookup("alice")
	assert.False(t, ok)

	p.Bind("alice", "c1")
	p.Bind("alice", "c1")
	conn, ok := p.Lookup("alice")
	assert.True(t, ok)
	assert.Equal(t, "c1", conn)
	assert.Equal(t, 1, p.Len())
}

func TestPresenceLastBindWins(t *testing.T) {
	p := NewPresence()
	p.Bind("alice", "c1")
	p.Bind("alice", "c2")

	conn, _ := p.Lookup("alice")
	assert.Equal(t, "c2", conn)
	assert.Equal(t, 1, p.Len())
}

func TestPresenceUnbindIsConditional(t *testing.T) {
	p := NewPresence()
	p.Bind("alice", "c1")
	p.Bind("alice", "c2")

	// c1 closes after alice reconnected as c2.
	_, removed := p.Unbind("c1")
	assert.False(t, removed)
	conn, ok := p.Lookup("alice")
	assert.True(t, ok)
	assert.Equal(t, "c2", conn)

	user, removed := p.Unbind("c2")
	assert.True(t, removed)
	assert.Equal(t, "alice", user)
	_, ok = p.Lookup("alice")
	assert.False(t, ok)
}

func TestPresenceUnbindUnknown(t *testing.T) {
	p := NewPresence()
	_, removed := p.Unbind("nope")
	assert.False(t, removed)
}

func TestPresenceRebindConnectionToOtherPrincipal(t *testing.T) {
	p := NewPresence()
	p.Bind("alice", "c1")
	p.Bind("bob", "c1")

	_, ok := p.Lookup("alice")
	assert.False(t, ok)
	conn, ok := p.Lookup("bob")
	assert.True(t, ok)
	assert.Equal(t, "c1", conn)
}
