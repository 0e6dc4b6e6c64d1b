package signaling

import "slices"

// Groups is an explicit room id -> connection id set, with the reverse index
// kept so a closing connection can leave everything it joined.
type Groups struct {
	rooms  map[string]map[string]struct{}
	byConn map[string]map[string]struct{}
}

func NewGroups() *Groups {
	return &Groups{
		rooms:  make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Join reports whether connID was newly added.
func (g *Groups) Join(roomID, connID string) bool {
	members, ok := g.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		g.rooms[roomID] = members
	}
	if _, exists := members[connID]; exists {
		return false
	}
	members[connID] = struct{}{}

	joined, ok := g.byConn[connID]
	if !ok {
		joined = make(map[string]struct{})
		g.byConn[connID] = joined
	}
	joined[roomID] = struct{}{}
	return true
}

// Leave reports whether connID was a member.
func (g *Groups) Leave(roomID, connID string) bool {
	members, ok := g.rooms[roomID]
	if !ok {
		return false
	}
	if _, exists := members[connID]; !exists {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(g.rooms, roomID)
	}
	if joined, ok := g.byConn[connID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(g.byConn, connID)
		}
	}
	return true
}

// LeaveAll removes connID from every room and returns the rooms it left.
func (g *Groups) LeaveAll(connID string) []string {
	joined := g.byConn[connID]
	left := make([]string, 0, len(joined))
	for roomID := range joined {
		left = append(left, roomID)
	}
	for _, roomID := range left {
		g.Leave(roomID, connID)
	}
	slices.Sort(left)
	return left
}

func (g *Groups) Has(roomID, connID string) bool {
	_, ok := g.rooms[roomID][connID]
	return ok
}

// Members returns a sorted snapshot, safe to hold while the group changes.
func (g *Groups) Members(roomID string) []string {
	members := g.rooms[roomID]
	out := make([]string, 0, len(members))
	for connID := range members {
		out = append(out, connID)
	}
	slices.Sort(out)
	return out
}

func (g *Groups) Rooms(connID string) []string {
	joined := g.byConn[connID]
	out := make([]string, 0, len(joined))
	for roomID := range joined {
		out = append(out, roomID)
	}
	slices.Sort(out)
	return out
}

func (g *Groups) Len() int {
	return len(g.rooms)
}

func (g *Groups) reset() {
	clear(g.rooms)
	clear(g.byConn)
}
