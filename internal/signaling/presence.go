package signaling

// Presence maps each principal to its most recent connection.
// Only the hub goroutine touches it.
type Presence struct {
	byUser map[string]string
	byConn map[string]string
}

func NewPresence() *Presence {
	return &Presence{
		byUser: make(map[string]string),
		byConn: make(map[string]string),
	}
}

// Bind points userID at connID. The last bind wins.
func (p *Presence) Bind(userID, connID string) {
	if prev, ok := p.byUser[userID]; ok && prev != connID {
		delete(p.byConn, prev)
	}
	if prevUser, ok := p.byConn[connID]; ok && prevUser != userID {
		if p.byUser[prevUser] == connID {
			delete(p.byUser, prevUser)
		}
	}
	p.byUser[userID] = connID
	p.byConn[connID] = userID
}

func (p *Presence) Lookup(userID string) (string, bool) {
	connID, ok := p.byUser[userID]
	return connID, ok
}

// Unbind drops the entry owned by connID. A newer binding of the same
// principal from another connection is left alone.
func (p *Presence) Unbind(connID string) (string, bool) {
	userID, ok := p.byConn[connID]
	if !ok {
		return "", false
	}
	delete(p.byConn, connID)
	if p.byUser[userID] != connID {
		return userID, false
	}
	delete(p.byUser, userID)
	return userID, true
}

func (p *Presence) Len() int {
	return len(p.byUser)
}

func (p *Presence) reset() {
	clear(p.byUser)
	clear(p.byConn)
}
