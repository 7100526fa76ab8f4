// Package registry tracks live chat connections and the region each one has
// joined. It performs no I/O; broadcasting and presence notifications are
// driven by callers using the snapshots it hands out.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/festival/regionchat/internal/apperr"
)

// Conn is a live client connection as seen by the registry and the
// broadcast engine.
type Conn interface {
	ID() string
	// Send queues data for delivery. It must not block on the network.
	Send(data []byte) error
	Close() error
}

// Identity is the authenticated user behind a connection.
type Identity struct {
	UserID      int64
	Username    string
	DisplayName string
	Role        string
}

// Session is the registry's metadata for one connection. Region is empty
// until the connection joins.
type Session struct {
	ConnID      string
	Identity    Identity
	Region      string
	ConnectedAt time.Time
}

type entry struct {
	conn    Conn
	session Session
}

// Registry maps connection ids to sessions and regions to connection sets.
// A single RWMutex guards both maps so a connection is always in at most one
// region set, and that set always matches its Session.Region.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*entry
	regions map[string]map[string]Conn
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		conns:   make(map[string]*entry),
		regions: make(map[string]map[string]Conn),
	}
}

// Register records a freshly connected client. Registering the same id
// twice replaces the identity but keeps any joined region.
func (r *Registry) Register(conn Conn, id Identity) Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.conns[conn.ID()]; ok {
		e.conn = conn
		e.session.Identity = id
		return e.session
	}
	e := &entry{
		conn: conn,
		session: Session{
			ConnID:      conn.ID(),
			Identity:    id,
			ConnectedAt: time.Now(),
		},
	}
	r.conns[conn.ID()] = e
	return e.session
}

// Join moves a connection into region, leaving its previous region if any.
// It returns the region that was left, or "" when there was none or the
// connection was already in region.
func (r *Registry) Join(connID, region string) (string, error) {
	if region == "" {
		return "", apperr.Validation("region is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return "", apperr.NotFound("connection not registered")
	}
	prev := e.session.Region
	if prev == region {
		return "", nil
	}
	if prev != "" {
		r.removeFromRegionLocked(prev, connID)
	}

	set, ok := r.regions[region]
	if !ok {
		set = make(map[string]Conn)
		r.regions[region] = set
	}
	set[connID] = e.conn
	e.session.Region = region
	return prev, nil
}

// Leave removes a connection from its region and returns the vacated region.
// It is a no-op returning "" when the connection has not joined.
func (r *Registry) Leave(connID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok || e.session.Region == "" {
		return ""
	}
	prev := e.session.Region
	r.removeFromRegionLocked(prev, connID)
	e.session.Region = ""
	return prev
}

// Close leaves the connection's region and drops its metadata. It returns
// the final session and false when the connection was not registered.
func (r *Registry) Close(connID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return Session{}, false
	}
	if e.session.Region != "" {
		r.removeFromRegionLocked(e.session.Region, connID)
	}
	delete(r.conns, connID)
	return e.session, true
}

func (r *Registry) removeFromRegionLocked(region, connID string) {
	set, ok := r.regions[region]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.regions, region)
	}
}

// ConnectionsIn returns a copy of the connections currently in region. The
// slice is safe to iterate without holding any lock.
func (r *Registry) ConnectionsIn(region string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.regions[region]
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Session returns the metadata for a connection.
func (r *Registry) Session(connID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connID]
	if !ok {
		return Session{}, false
	}
	return e.session, true
}

// Count returns the number of connections in region.
func (r *Registry) Count(region string) int {
	r.mu.RLock()
	n := len(r.regions[region])
	r.mu.RUnlock()
	return n
}

// Counts returns the connection count of every non-empty region.
func (r *Registry) Counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.regions))
	for region, set := range r.regions {
		out[region] = len(set)
	}
	return out
}

// Regions returns the names of non-empty regions in sorted order.
func (r *Registry) Regions() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.regions))
	for region := range r.regions {
		out = append(out, region)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of registered connections, joined or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	n := len(r.conns)
	r.mu.RUnlock()
	return n
}

// ConnectionsOf returns a snapshot of the connections opened by userID.
func (r *Registry) ConnectionsOf(userID int64) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Conn
	for _, e := range r.conns {
		if e.session.Identity.UserID == userID {
			out = append(out, e.conn)
		}
	}
	return out
}
