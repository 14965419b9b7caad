// Package correlator maps in-flight request ids to the connection that must
// receive the response.
package correlator

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Pending is one request awaiting its response.
type Pending struct {
	MessageID   string    `json:"messageId"`
	RequesterID string    `json:"requesterId"`
	TargetID    string    `json:"targetId,omitempty"`
	AgentID     string    `json:"agentId,omitempty"`
	Domain      string    `json:"domain,omitempty"`
	Action      string    `json:"action,omitempty"`
	NotifyID    string    `json:"notifyId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Outcome says why ResolveAndForget did or did not find a requester.
type Outcome int

const (
	Resolved Outcome = iota
	Unknown
	AlreadyResolved
	Expired
	RequesterGone
)

func (o Outcome) String() string {
	switch o {
	case Resolved:
		return "resolved"
	case Unknown:
		return "unknown"
	case AlreadyResolved:
		return "already_resolved"
	case Expired:
		return "expired"
	case RequesterGone:
		return "requester_gone"
	default:
		return "invalid"
	}
}

// Resolution is the result of ResolveAndForget. Pending is populated for
// Resolved and for misses that still have a tombstone.
type Resolution struct {
	Pending Pending
	Outcome Outcome
	Age     time.Duration
}

// OK reports whether a live requester was found.
func (r Resolution) OK() bool {
	return r.Outcome == Resolved
}

// Defaults for the tombstone cache.
const (
	DefaultTombstoneTTL = 10 * time.Minute
	DefaultTombstoneMax = 10000
)

// tombstone remembers how an entry left the pending map.
type tombstone struct {
	pending Pending
	outcome Outcome
	at      time.Time
	element *list.Element
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

// WithTombstones bounds how long and how many removed ids are remembered.
func WithTombstones(ttl time.Duration, max int) Option {
	return func(c *Correlator) {
		c.tombTTL = ttl
		c.tombMax = max
	}
}

// WithAbandonHook is called, outside the lock, for every entry removed by
// expiry or requester loss.
func WithAbandonHook(fn func(Pending, Outcome)) Option {
	return func(c *Correlator) { c.onAbandon = fn }
}

// Correlator is the pending-request map with expiry.
type Correlator struct {
	log zerolog.Logger
	now func() time.Time

	mu      sync.Mutex
	pending map[string]Pending
	tombs   map[string]*tombstone
	order   *list.List // tombstone ids, oldest at front
	tombTTL time.Duration
	tombMax int

	onAbandon func(Pending, Outcome)
}

// New creates an empty correlator.
func New(log zerolog.Logger, opts ...Option) *Correlator {
	c := &Correlator{
		log:     log.With().Str("component", "correlator").Logger(),
		now:     time.Now,
		pending: make(map[string]Pending),
		tombs:   make(map[string]*tombstone),
		order:   list.New(),
		tombTTL: DefaultTombstoneTTL,
		tombMax: DefaultTombstoneMax,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Remember records a pending request. A live entry with the same id is never
// overwritten: the duplicate is logged and Remember returns false.
func (c *Correlator) Remember(p Pending) bool {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = c.now()
	}

	c.mu.Lock()
	existing, dup := c.pending[p.MessageID]
	if !dup {
		c.pending[p.MessageID] = p
		c.dropTombstoneLocked(p.MessageID)
	}
	c.mu.Unlock()

	if dup {
		c.log.Error().
			Str("message_id", p.MessageID).
			Str("requester", p.RequesterID).
			Str("original_requester", existing.RequesterID).
			Msg("duplicate message id, keeping original entry")
		return false
	}
	return true
}

// SetTarget records which connection the request was forwarded to.
func (c *Correlator) SetTarget(messageID, targetID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[messageID]
	if !ok {
		return false
	}
	p.TargetID = targetID
	c.pending[messageID] = p
	return true
}

// ResolveAndForget looks up and removes the entry in one step, so concurrent
// deliveries of the same response resolve at most once.
func (c *Correlator) ResolveAndForget(messageID string) Resolution {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pending[messageID]; ok {
		delete(c.pending, messageID)
		c.addTombstoneLocked(p, AlreadyResolved, now)
		return Resolution{Pending: p, Outcome: Resolved, Age: now.Sub(p.CreatedAt)}
	}

	if t, ok := c.tombs[messageID]; ok && now.Sub(t.at) < c.tombTTL {
		return Resolution{Pending: t.pending, Outcome: t.outcome, Age: now.Sub(t.pending.CreatedAt)}
	}
	return Resolution{Pending: Pending{MessageID: messageID}, Outcome: Unknown}
}

// ClaimLate reserves delivery of a response whose id is no longer pending,
// after expiry or when it was never known. The id is tombstoned as
// AlreadyResolved so every later copy is dropped. It returns false when the
// id is pending again or its tombstone already refuses delivery.
func (c *Correlator) ClaimLate(messageID string) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, live := c.pending[messageID]; live {
		return false
	}
	if t, ok := c.tombs[messageID]; ok && now.Sub(t.at) < c.tombTTL {
		if t.outcome == AlreadyResolved || t.outcome == RequesterGone {
			return false
		}
		t.outcome = AlreadyResolved
		return true
	}
	c.addTombstoneLocked(Pending{MessageID: messageID, CreatedAt: now}, AlreadyResolved, now)
	return true
}

// ReleaseLate undoes ClaimLate when the response could not be delivered,
// restoring the outcome the claim replaced.
func (c *Correlator) ReleaseLate(messageID string, prev Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tombs[messageID]
	if !ok || t.outcome != AlreadyResolved {
		return
	}
	if prev == Unknown {
		c.dropTombstoneLocked(messageID)
		return
	}
	t.outcome = prev
}

// Known reports whether messageID is pending or still has a tombstone.
func (c *Correlator) Known(messageID string) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[messageID]; ok {
		return true
	}
	t, ok := c.tombs[messageID]
	return ok && now.Sub(t.at) < c.tombTTL
}

// Forget removes an entry without leaving a tombstone. It is used when a
// request never left the hub.
func (c *Correlator) Forget(messageID string) (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[messageID]
	if ok {
		delete(c.pending, messageID)
	}
	return p, ok
}

// SweepExpired removes and returns every entry older than maxAge. Expired
// entries are never delivered.
func (c *Correlator) SweepExpired(maxAge time.Duration) []Pending {
	now := c.now()

	c.mu.Lock()
	var expired []Pending
	for id, p := range c.pending {
		if now.Sub(p.CreatedAt) >= maxAge {
			delete(c.pending, id)
			c.addTombstoneLocked(p, Expired, now)
			expired = append(expired, p)
		}
	}
	c.pruneTombstonesLocked(now)
	c.mu.Unlock()

	for _, p := range expired {
		c.log.Warn().
			Str("message_id", p.MessageID).
			Str("requester", p.RequesterID).
			Str("target", p.TargetID).
			Str("domain", p.Domain).
			Str("action", p.Action).
			Dur("age", now.Sub(p.CreatedAt)).
			Msg("request abandoned")
		c.abandoned(p, Expired)
	}
	return expired
}

// PurgeConnection fails every entry whose requester is connID.
func (c *Correlator) PurgeConnection(connID string) {
	now := c.now()

	c.mu.Lock()
	var gone []Pending
	for id, p := range c.pending {
		if p.RequesterID == connID {
			delete(c.pending, id)
			c.addTombstoneLocked(p, RequesterGone, now)
			gone = append(gone, p)
		}
	}
	c.mu.Unlock()

	for _, p := range gone {
		c.log.Warn().
			Str("message_id", p.MessageID).
			Str("requester", connID).
			Str("domain", p.Domain).
			Str("action", p.Action).
			Msg("requester gone, pending request failed")
		c.abandoned(p, RequesterGone)
	}
}

// Run sweeps on a ticker until ctx is done.
func (c *Correlator) Run(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.Debug().Dur("interval", interval).Dur("max_age", maxAge).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := len(c.SweepExpired(maxAge)); n > 0 {
				c.log.Info().Int("count", n).Msg("swept expired requests")
			}
		}
	}
}

// Has reports whether a live entry exists for messageID.
func (c *Correlator) Has(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[messageID]
	return ok
}

// Len returns the number of live entries.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Snapshot returns a copy of the live entries.
func (c *Correlator) Snapshot() []Pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Pending, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p)
	}
	return out
}

// References reports whether any live entry was requested by connID.
func (c *Correlator) References(connID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pending {
		if p.RequesterID == connID {
			return true
		}
	}
	return false
}

func (c *Correlator) abandoned(p Pending, o Outcome) {
	if c.onAbandon != nil {
		c.onAbandon(p, o)
	}
}

// Tombstones, evicted oldest-first. Must be called with mu held.

func (c *Correlator) addTombstoneLocked(p Pending, o Outcome, now time.Time) {
	c.dropTombstoneLocked(p.MessageID)
	if c.tombMax <= 0 {
		return
	}
	for len(c.tombs) >= c.tombMax {
		front := c.order.Front()
		if front == nil {
			break
		}
		c.order.Remove(front)
		delete(c.tombs, front.Value.(string))
	}
	c.tombs[p.MessageID] = &tombstone{
		pending: p,
		outcome: o,
		at:      now,
		element: c.order.PushBack(p.MessageID),
	}
}

func (c *Correlator) dropTombstoneLocked(id string) {
	if t, ok := c.tombs[id]; ok {
		c.order.Remove(t.element)
		delete(c.tombs, id)
	}
}

func (c *Correlator) pruneTombstonesLocked(now time.Time) {
	for e := c.order.Front(); e != nil; {
		next := e.Next()
		id := e.Value.(string)
		if now.Sub(c.tombs[id].at) < c.tombTTL {
			break
		}
		c.order.Remove(e)
		delete(c.tombs, id)
		e = next
	}
}
