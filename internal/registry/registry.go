package registry

import (
	"errors"
	"iter"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned for operations on an unknown connection id.
var ErrNotFound = errors.New("connection not found")

// Purger drops every reference a component holds to a connection.
type Purger interface {
	PurgeConnection(connID string)
}

// Registry is the single source of truth for who is connected, as what.
type Registry struct {
	log zerolog.Logger

	mu     sync.RWMutex
	conns  map[string]*Connection
	agents map[string]map[string]*Connection // agentID -> connID -> agent connection
	seq    uint64

	purgers []Purger
}

// New creates a registry. Purgers run, in order, after every Unregister.
func New(log zerolog.Logger, purgers ...Purger) *Registry {
	return &Registry{
		log:     log.With().Str("component", "registry").Logger(),
		conns:   make(map[string]*Connection),
		agents:  make(map[string]map[string]*Connection),
		purgers: purgers,
	}
}

// AddPurger appends a cascade target. Call it before serving connections.
func (r *Registry) AddPurger(p Purger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgers = append(r.purgers, p)
}

// Register stores the connection and returns its id, assigning one if empty.
func (r *Registry) Register(c *Connection) string {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	r.mu.Lock()
	r.seq++
	c.seq = r.seq
	old, replaced := r.conns[c.ID]
	replaced = replaced && old != c
	if replaced {
		r.removeLocked(old)
	}
	r.conns[c.ID] = c
	r.indexLocked(c)
	purgers := slices.Clone(r.purgers)
	total := len(r.conns)
	r.mu.Unlock()

	if replaced {
		// The new connection has no subscriptions or requests yet, so the
		// cascade only clears state left by the old one.
		old.sender.Close()
		for _, p := range purgers {
			p.PurgeConnection(c.ID)
		}
		r.log.Warn().Str("conn", c.ID).Msg("replaced connection with duplicate id")
	}

	r.log.Info().
		Str("conn", c.ID).
		Str("role", string(c.Role())).
		Str("agent_id", c.AgentID()).
		Int("total", total).
		Msg("connection registered")
	return c.ID
}

// Unregister removes the connection, closes its transport and purges every
// component that references it. It reports whether the id was registered.
func (r *Registry) Unregister(id string) bool {
	return r.unregister(id, nil)
}

// Remove is Unregister for a specific connection. It does nothing when the
// id now belongs to a connection that replaced c.
func (r *Registry) Remove(c *Connection) bool {
	return r.unregister(c.ID, c)
}

func (r *Registry) unregister(id string, want *Connection) bool {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok && want != nil && c != want {
		ok = false
	}
	if ok {
		r.removeLocked(c)
	}
	purgers := slices.Clone(r.purgers)
	total := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return false
	}

	c.sender.Close()
	for _, p := range purgers {
		p.PurgeConnection(id)
	}

	r.log.Info().
		Str("conn", id).
		Str("role", string(c.Role())).
		Str("agent_id", c.AgentID()).
		Int("total", total).
		Msg("connection unregistered")
	return true
}

// Get returns the connection with the given id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// FindByRole yields every connection with the role, oldest first.
func (r *Registry) FindByRole(role Role) iter.Seq[*Connection] {
	r.mu.RLock()
	matches := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if c.Role() == role {
			matches = append(matches, c)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(matches, bySeq)
	return slices.Values(matches)
}

// FindAgentConnection returns the newest agent connection claiming agentID.
func (r *Registry) FindAgentConnection(agentID string) (*Connection, bool) {
	if agentID == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var newest *Connection
	for _, c := range r.agents[agentID] {
		if newest == nil || c.seq > newest.seq {
			newest = c
		}
	}
	return newest, newest != nil
}

// Reclassify applies a registration message to a live connection.
func (r *Registry) Reclassify(id string, role Role, agentID string, meta Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return ErrNotFound
	}

	r.unindexLocked(c)
	c.mu.Lock()
	c.role = role
	c.agentID = agentID
	c.meta = meta
	c.mu.Unlock()
	r.indexLocked(c)

	r.log.Debug().
		Str("conn", id).
		Str("role", string(role)).
		Str("agent_id", agentID).
		Msg("connection reclassified")
	return nil
}

// Snapshot returns a view of every connection, oldest first.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	slices.SortFunc(conns, bySeq)
	infos := make([]Info, len(conns))
	for i, c := range conns {
		infos[i] = c.Info()
	}
	return infos
}

// Count returns the number of live connections per role.
func (r *Registry) Count() map[Role]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[Role]int, 3)
	for _, c := range r.conns {
		counts[c.Role()]++
	}
	return counts
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) removeLocked(c *Connection) {
	delete(r.conns, c.ID)
	r.unindexLocked(c)
}

func (r *Registry) indexLocked(c *Connection) {
	agentID := c.AgentID()
	if c.Role() != RoleAgent || agentID == "" {
		return
	}
	set, ok := r.agents[agentID]
	if !ok {
		set = make(map[string]*Connection)
		r.agents[agentID] = set
	}
	set[c.ID] = c
}

func (r *Registry) unindexLocked(c *Connection) {
	agentID := c.AgentID()
	set, ok := r.agents[agentID]
	if !ok {
		return
	}
	delete(set, c.ID)
	if len(set) == 0 {
		delete(r.agents, agentID)
	}
}

func bySeq(a, b *Connection) int {
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	default:
		return 0
	}
}
