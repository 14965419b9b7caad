// Package fanout pushes an agent's lifecycle notifications to every front-end
// subscribed to that agent.
package fanout

import (
	"slices"
	"sync"

	"github.com/markus-barta/agenthub/internal/protocol"
	"github.com/markus-barta/agenthub/internal/registry"
	"github.com/rs/zerolog"
)

// Directory resolves subscriber ids to live connections.
type Directory interface {
	Get(connID string) (*registry.Connection, bool)
}

// topic is the subscriber set of one agent. Its lock is held for a whole
// Notify so each subscriber sees that agent's notifications in call order.
type topic struct {
	mu   sync.Mutex
	subs map[string]uint64 // connID -> subscription order
	next uint64
	dead bool // removed from Service.topics, subscribers must retry
}

// Service maintains agentID -> subscriber connections.
type Service struct {
	log zerolog.Logger
	dir Directory

	mu     sync.Mutex
	topics map[string]*topic
	byConn map[string]map[string]struct{} // connID -> agentIDs
}

// New creates a fan-out service resolving connections through dir.
func New(log zerolog.Logger, dir Directory) *Service {
	return &Service{
		log:    log.With().Str("component", "fanout").Logger(),
		dir:    dir,
		topics: make(map[string]*topic),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds connID to agentID's subscribers. Subscribing twice is a no-op.
// It reports whether a new subscription was created.
func (s *Service) Subscribe(agentID, connID string) bool {
	if agentID == "" || connID == "" {
		return false
	}

	added := false
	for {
		t := s.topicFor(agentID, true)
		t.mu.Lock()
		if t.dead {
			t.mu.Unlock()
			continue
		}
		if _, ok := t.subs[connID]; !ok {
			t.next++
			t.subs[connID] = t.next
			added = true
		}
		t.mu.Unlock()
		break
	}

	s.mu.Lock()
	set, ok := s.byConn[connID]
	if !ok {
		set = make(map[string]struct{})
		s.byConn[connID] = set
	}
	set[agentID] = struct{}{}
	s.mu.Unlock()

	// A subscription racing with the connection's teardown must not outlive it.
	if _, live := s.dir.Get(connID); !live {
		s.Unsubscribe(agentID, connID)
		return false
	}

	if added {
		s.log.Debug().Str("agent_id", agentID).Str("conn", connID).Msg("subscribed")
	}
	return added
}

// Unsubscribe removes connID from agentID's subscribers. Unknown pairs are ignored.
func (s *Service) Unsubscribe(agentID, connID string) {
	s.mu.Lock()
	if set, ok := s.byConn[connID]; ok {
		delete(set, agentID)
		if len(set) == 0 {
			delete(s.byConn, connID)
		}
	}
	s.mu.Unlock()

	t := s.topicFor(agentID, false)
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[connID]; !ok {
		return
	}
	delete(t.subs, connID)
	if len(t.subs) == 0 && !t.dead {
		t.dead = true
		s.mu.Lock()
		if s.topics[agentID] == t {
			delete(s.topics, agentID)
		}
		s.mu.Unlock()
	}
	s.log.Debug().Str("agent_id", agentID).Str("conn", connID).Msg("unsubscribed")
}

// PurgeConnection removes connID from every subscriber set.
func (s *Service) PurgeConnection(connID string) {
	for _, agentID := range s.SubscriptionsOf(connID) {
		s.Unsubscribe(agentID, connID)
	}
}

// Notify delivers env to every current subscriber of agentID and returns how
// many accepted it. With no subscribers nothing is sent or queued.
func (s *Service) Notify(agentID string, env *protocol.Envelope) int {
	t := s.topicFor(agentID, false)
	if t == nil {
		s.log.Debug().Str("agent_id", agentID).Str("type", env.Type).Str("action", env.Action).Msg("no subscribers")
		return 0
	}

	data, err := env.Bytes()
	if err != nil {
		s.log.Error().Err(err).Str("agent_id", agentID).Msg("failed to encode notification")
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	delivered := 0
	for _, connID := range orderedSubs(t) {
		conn, ok := s.dir.Get(connID)
		if !ok {
			continue
		}
		if err := conn.Send(data); err != nil {
			s.log.Warn().Err(err).
				Str("agent_id", agentID).
				Str("conn", connID).
				Str("action", env.Action).
				Msg("notification not delivered")
			continue
		}
		delivered++
	}
	return delivered
}

// Subscribers returns agentID's subscribers in subscription order.
func (s *Service) Subscribers(agentID string) []string {
	t := s.topicFor(agentID, false)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return orderedSubs(t)
}

// SubscriptionsOf returns the agents connID is subscribed to.
func (s *Service) SubscriptionsOf(connID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	agents := make([]string, 0, len(s.byConn[connID]))
	for agentID := range s.byConn[connID] {
		agents = append(agents, agentID)
	}
	slices.Sort(agents)
	return agents
}

// IsSubscribed reports whether connID receives agentID's notifications.
func (s *Service) IsSubscribed(agentID, connID string) bool {
	t := s.topicFor(agentID, false)
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.subs[connID]
	return ok
}

func (s *Service) topicFor(agentID string, create bool) *topic {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.topics[agentID]
	if !ok && create {
		t = &topic{subs: make(map[string]uint64)}
		s.topics[agentID] = t
	}
	return t
}

// orderedSubs must be called with t.mu held.
func orderedSubs(t *topic) []string {
	ids := make([]string, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		return int(t.subs[a]) - int(t.subs[b])
	})
	return ids
}
