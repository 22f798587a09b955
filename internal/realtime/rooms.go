package realtime

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SessionRoom is the broadcast group for all students taking an exam.
func SessionRoom(examID uuid.UUID) string {
	return fmt.Sprintf("session:%s", examID)
}

// MonitorRoom is the broadcast group for observers watching an exam.
func MonitorRoom(examID uuid.UUID) string {
	return fmt.Sprintf("monitor:%s", examID)
}

// Rooms is a pub/sub fan-out keyed by room name. Rooms hold only
// connection handles for routing, never session content. Delivery is
// at-most-once per currently subscribed connection: a member that
// leaves before a broadcast receives nothing.
type Rooms struct {
	mu      sync.RWMutex
	members map[string]map[string]Conn // room -> connID -> conn
	byConn  map[string]map[string]bool // connID -> rooms (for cleanup)
	log     zerolog.Logger
}

// NewRooms creates an empty room broadcaster.
func NewRooms(log zerolog.Logger) *Rooms {
	return &Rooms{
		members: make(map[string]map[string]Conn),
		byConn:  make(map[string]map[string]bool),
		log:     log.With().Str("component", "rooms").Logger(),
	}
}

// Join subscribes conn to room.
func (r *Rooms) Join(room string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.members[room] == nil {
		r.members[room] = make(map[string]Conn)
	}
	r.members[room][conn.ID()] = conn

	if r.byConn[conn.ID()] == nil {
		r.byConn[conn.ID()] = make(map[string]bool)
	}
	r.byConn[conn.ID()][room] = true
}

// Leave removes conn from room. Idempotent.
func (r *Rooms) Leave(room string, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(room, connID)
}

// LeaveAll removes conn from every room it joined. Called on
// disconnect so no broadcast ever targets a dead connection.
func (r *Rooms) LeaveAll(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for room := range r.byConn[connID] {
		r.leaveLocked(room, connID)
	}
}

func (r *Rooms) leaveLocked(room, connID string) {
	if conns, ok := r.members[room]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.members, room)
		}
	}
	if rooms, ok := r.byConn[connID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.byConn, connID)
		}
	}
}

// Broadcast sends an event to every current member of room. Membership
// is snapshotted before iterating so a concurrent leave cannot fault
// the iteration.
func (r *Rooms) Broadcast(room, event string, payload any) {
	for _, conn := range r.snapshot(room, "") {
		conn.Send(event, payload)
	}
}

// BroadcastExcept sends an event to every member of room except the
// named connection (typically the originator).
func (r *Rooms) BroadcastExcept(room, exceptConnID, event string, payload any) {
	for _, conn := range r.snapshot(room, exceptConnID) {
		conn.Send(event, payload)
	}
}

// MemberCount returns the current number of subscribers in room.
func (r *Rooms) MemberCount(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[room])
}

func (r *Rooms) snapshot(room, except string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]Conn, 0, len(r.members[room]))
	for id, conn := range r.members[room] {
		if id == except {
			continue
		}
		conns = append(conns, conn)
	}
	return conns
}
