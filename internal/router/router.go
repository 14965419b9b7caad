// Package router picks destination connections for envelopes and applies the
// fallback policy when the precise destination is unknown.
package router

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/markus-barta/agenthub/internal/correlator"
	"github.com/markus-barta/agenthub/internal/fanout"
	"github.com/markus-barta/agenthub/internal/protocol"
	"github.com/markus-barta/agenthub/internal/registry"
	"github.com/rs/zerolog"
)

// Path names one step of response routing.
type Path string

const (
	PathCorrelator Path = "correlator"
	PathAgentField Path = "agent_id"
	PathFallback   Path = "fallback"
)

// FallbackPolicy decides what happens to a response nobody claimed.
type FallbackPolicy string

const (
	// FallbackDrop logs and drops.
	FallbackDrop FallbackPolicy = "drop"
	// FallbackSingle delivers only while exactly one agent is connected.
	FallbackSingle FallbackPolicy = "single"
	// FallbackBroadcast delivers to every agent connection.
	FallbackBroadcast FallbackPolicy = "broadcast"
)

// ParseFallbackPolicy validates a configured policy name.
func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch p := FallbackPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case FallbackDrop, FallbackSingle, FallbackBroadcast:
		return p, nil
	case "":
		return FallbackSingle, nil
	default:
		return "", fmt.Errorf("unknown fallback policy %q", s)
	}
}

// Errors returned by SendToAgent.
var (
	ErrNoAgent          = errors.New("no agents available to handle the request")
	ErrDuplicateRequest = errors.New("request id already pending")
)

// Tracer observes each routing path as it is attempted.
type Tracer func(path Path, env *protocol.Envelope)

// Delivery reports the result of RouteResponseToRequester.
type Delivery struct {
	Delivered  bool
	Path       Path     // path that delivered, or the last one attempted
	Targets    []string // connections that accepted the response
	Resolution correlator.Resolution
}

// Router is the inbound/outbound gateway between roles.
type Router struct {
	log    zerolog.Logger
	reg    *registry.Registry
	corr   *correlator.Correlator
	fan    *fanout.Service
	policy FallbackPolicy
	trace  Tracer
}

// Option configures a Router.
type Option func(*Router)

// WithFallback sets the policy for unclaimed responses.
func WithFallback(p FallbackPolicy) Option {
	return func(r *Router) { r.policy = p }
}

// WithTracer installs a path observer.
func WithTracer(t Tracer) Option {
	return func(r *Router) { r.trace = t }
}

// New creates a router over the shared hub services.
func New(log zerolog.Logger, reg *registry.Registry, corr *correlator.Correlator, fan *fanout.Service, opts ...Option) *Router {
	r := &Router{
		log:    log.With().Str("component", "router").Logger(),
		reg:    reg,
		corr:   corr,
		fan:    fan,
		policy: FallbackSingle,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the active fallback policy.
func (r *Router) Policy() FallbackPolicy {
	return r.policy
}

// ═══════════════════════════════════════════════════════════════════════════
// OUTBOUND: agent → execution layer
// ═══════════════════════════════════════════════════════════════════════════

// RouteToExecutionLayer forwards env, unmodified, to one app or provider.
// agentID is the agent the traffic belongs to; an app that receives it is
// subscribed to that agent's notifications.
func (r *Router) RouteToExecutionLayer(env *protocol.Envelope, agentID string) (*registry.Connection, bool) {
	data, err := env.Bytes()
	if err != nil {
		r.log.Error().Err(err).Str("request_id", env.RequestID).Msg("failed to encode request")
		return nil, false
	}
	if agentID == "" {
		agentID = env.AgentID
	}

	for _, c := range r.executionCandidates(env, agentID) {
		if err := c.Send(data); err != nil {
			r.log.Warn().Err(err).
				Str("request_id", env.RequestID).
				Str("conn", c.ID).
				Msg("execution target refused request, trying next")
			continue
		}
		if c.Role() == registry.RoleApp && agentID != "" {
			r.fan.Subscribe(agentID, c.ID)
		}
		r.log.Debug().
			Str("request_id", env.RequestID).
			Str("type", env.Type).
			Str("action", env.Action).
			Str("target", c.ID).
			Str("target_role", string(c.Role())).
			Msg("request forwarded")
		return c, true
	}

	r.log.Warn().
		Str("request_id", env.RequestID).
		Str("type", env.Type).
		Str("agent_id", agentID).
		Msg("no app or provider available")
	return nil, false
}

// executionCandidates orders apps and providers by preference: those serving
// agentID, then those bound to the envelope's agent instance, then every app
// and every provider in registration order.
func (r *Router) executionCandidates(env *protocol.Envelope, agentID string) []*registry.Connection {
	all := slices.Collect(r.reg.FindByRole(registry.RoleApp))
	all = slices.AppendSeq(all, r.reg.FindByRole(registry.RoleProvider))

	ordered := make([]*registry.Connection, 0, len(all))
	seen := make(map[string]bool, len(all))
	pick := func(match func(*registry.Connection) bool) {
		for _, c := range all {
			if !seen[c.ID] && match(c) {
				seen[c.ID] = true
				ordered = append(ordered, c)
			}
		}
	}

	if agentID != "" {
		pick(func(c *registry.Connection) bool { return c.AgentID() == agentID })
	}
	if env.AgentInstanceID != "" {
		pick(func(c *registry.Connection) bool { return c.Metadata().AgentInstanceID == env.AgentInstanceID })
	}
	pick(func(*registry.Connection) bool { return true })
	return ordered
}

// SendToApp delivers agent traffic that is not a correlated response to every
// front-end watching agentID. It returns the number of deliveries.
func (r *Router) SendToApp(agentID string, env *protocol.Envelope) int {
	return r.fan.Notify(agentID, env)
}

// ═══════════════════════════════════════════════════════════════════════════
// INBOUND: anything → agent
// ═══════════════════════════════════════════════════════════════════════════

// SendToAgent delivers app traffic to the agent named by env.AgentID. When the
// envelope carries a requestId, the agent's reply is routed back to from.
func (r *Router) SendToAgent(from *registry.Connection, env *protocol.Envelope) (*registry.Connection, error) {
	target, ok := r.reg.FindAgentConnection(env.AgentID)
	if !ok {
		if env.AgentID != "" {
			return nil, fmt.Errorf("agent %q: %w", env.AgentID, ErrNoAgent)
		}
		agents := r.fallbackAgents()
		if len(agents) == 0 {
			return nil, ErrNoAgent
		}
		target = agents[0]
	}

	data, err := env.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	tracked := from != nil && env.RequestID != ""
	if tracked {
		if !r.corr.Remember(correlator.Pending{
			MessageID:   env.RequestID,
			RequesterID: from.ID,
			TargetID:    target.ID,
			AgentID:     target.AgentID(),
			Domain:      env.Type,
			Action:      env.Action,
		}) {
			return nil, ErrDuplicateRequest
		}
	}

	if err := target.Send(data); err != nil {
		if tracked {
			r.corr.Forget(env.RequestID)
		}
		return nil, fmt.Errorf("agent %s: %w", target.ID, ErrNoAgent)
	}

	if from != nil && from.Role() == registry.RoleApp {
		r.fan.Subscribe(target.AgentID(), from.ID)
	}
	r.log.Debug().
		Str("request_id", env.RequestID).
		Str("agent_id", target.AgentID()).
		Str("target", target.ID).
		Msg("message delivered to agent")
	return target, nil
}

// RouteResponseToRequester delivers a response. It tries the correlator
// first, then the agentId embedded in the response, then the fallback policy.
// Duplicates and responses whose requester left are dropped.
func (r *Router) RouteResponseToRequester(env *protocol.Envelope) Delivery {
	log := r.log.With().Str("request_id", env.RequestID).Logger()

	data, err := env.Bytes()
	if err != nil {
		log.Error().Err(err).Msg("failed to encode response")
		return Delivery{}
	}

	r.traced(PathCorrelator, env)
	res := r.corr.ResolveAndForget(env.RequestID)
	d := Delivery{Path: PathCorrelator, Resolution: res}

	switch res.Outcome {
	case correlator.Resolved:
		conn, ok := r.reg.Get(res.Pending.RequesterID)
		if !ok {
			log.Warn().Str("requester", res.Pending.RequesterID).Msg("requester gone, dropping response")
			return d
		}
		if err := conn.Send(data); err != nil {
			log.Warn().Err(err).Str("requester", conn.ID).Msg("requester refused response")
			return d
		}
		d.Delivered = true
		d.Targets = []string{conn.ID}
		log.Debug().Str("requester", conn.ID).Dur("age", res.Age).Msg("response delivered")
		return d

	case correlator.AlreadyResolved:
		log.Info().Str("requester", res.Pending.RequesterID).Msg("already resolved, dropping duplicate response")
		return d

	case correlator.RequesterGone:
		log.Warn().Str("requester", res.Pending.RequesterID).Dur("age", res.Age).Msg("requester gone, dropping late response")
		return d
	}

	// Expired and unknown ids: only the first copy may take the fallback chain.
	if !r.corr.ClaimLate(env.RequestID) {
		log.Info().Str("outcome", res.Outcome.String()).Msg("late response already claimed, dropping duplicate")
		return d
	}

	log.Warn().Str("outcome", res.Outcome.String()).Str("agent_id", env.AgentID).Msg("response not correlated, falling back")

	r.traced(PathAgentField, env)
	d.Path = PathAgentField
	if conn, ok := r.reg.FindAgentConnection(env.AgentID); ok {
		if err := conn.Send(data); err == nil {
			d.Delivered = true
			d.Targets = []string{conn.ID}
			log.Info().Str("target", conn.ID).Msg("response delivered by agent id")
			return d
		}
	}

	r.traced(PathFallback, env)
	d.Path = PathFallback
	for _, conn := range r.fallbackAgents() {
		if err := conn.Send(data); err != nil {
			continue
		}
		d.Targets = append(d.Targets, conn.ID)
	}
	d.Delivered = len(d.Targets) > 0
	if d.Delivered {
		log.Warn().Strs("targets", d.Targets).Str("policy", string(r.policy)).Msg("response delivered by fallback")
	} else {
		r.corr.ReleaseLate(env.RequestID, res.Outcome)
		log.Warn().Str("policy", string(r.policy)).Msg("response undeliverable")
	}
	return d
}

// fallbackAgents returns the agent connections the policy allows.
func (r *Router) fallbackAgents() []*registry.Connection {
	if r.policy == FallbackDrop {
		return nil
	}
	agents := slices.Collect(r.reg.FindByRole(registry.RoleAgent))
	if r.policy == FallbackSingle && len(agents) != 1 {
		return nil
	}
	return agents
}

func (r *Router) traced(p Path, env *protocol.Envelope) {
	if r.trace != nil {
		r.trace(p, env)
	}
}
