package realtime

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Role distinguishes the two principal kinds on the realtime surface.
type Role string

const (
	RoleStudent  Role = "student"
	RoleObserver Role = "observer"
)

// Principal is the authenticated identity behind a connection,
// resolved from the bearer credential at upgrade time.
type Principal struct {
	ID    int
	Role  Role
	Name  string
	OrgID int
}

// Conn is the registry's view of a live transport connection. The
// websocket client implements it; tests use in-memory fakes.
type Conn interface {
	ID() string
	Send(event string, payload any)
	Close()
}

// Registry maps live connections to principals. A principal holds at
// most one active connection per role context: registering a second
// connection migrates to it and hands the previous one back to the
// caller so the session survives network flaps.
type Registry struct {
	mu          sync.RWMutex
	conns       map[string]*registration
	byPrincipal map[string]string // role:id -> connID
	log         zerolog.Logger
}

type registration struct {
	conn      Conn
	principal Principal
}

// NewRegistry creates an empty connection registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		conns:       make(map[string]*registration),
		byPrincipal: make(map[string]string),
		log:         log.With().Str("component", "registry").Logger(),
	}
}

func principalKey(role Role, id int) string {
	return fmt.Sprintf("%s:%d", role, id)
}

// Register binds conn to principal. If the principal already holds a
// connection, that connection is displaced and returned so the caller
// can warn it before closing; the registry itself never closes
// connections.
func (r *Registry) Register(conn Conn, principal Principal) (displaced Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := principalKey(principal.Role, principal.ID)
	if oldID, ok := r.byPrincipal[key]; ok && oldID != conn.ID() {
		if old, ok := r.conns[oldID]; ok {
			displaced = old.conn
			delete(r.conns, oldID)
		}
	}

	r.conns[conn.ID()] = &registration{conn: conn, principal: principal}
	r.byPrincipal[key] = conn.ID()

	r.log.Debug().
		Str("conn_id", conn.ID()).
		Str("role", string(principal.Role)).
		Int("principal_id", principal.ID).
		Bool("migrated", displaced != nil).
		Msg("Connection registered")
	return displaced
}

// Lookup resolves a connection id to its principal.
func (r *Registry) Lookup(connID string) (Principal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.conns[connID]
	if !ok {
		return Principal{}, false
	}
	return reg.principal, true
}

// ConnByPrincipal returns the live connection for a principal, if any.
func (r *Registry) ConnByPrincipal(role Role, id int) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byPrincipal[principalKey(role, id)]
	if !ok {
		return nil, false
	}
	reg, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	return reg.conn, true
}

// Unregister removes a connection. Idempotent; safe to call from both
// the read pump exit path and migration. The principal mapping is only
// cleared if it still points at this connection, so a migration that
// already rebound the principal is not undone.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)

	key := principalKey(reg.principal.Role, reg.principal.ID)
	if r.byPrincipal[key] == connID {
		delete(r.byPrincipal, key)
	}

	r.log.Debug().Str("conn_id", connID).Msg("Connection unregistered")
}

// Count returns the number of live registrations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
