// Package hub accepts WebSocket connections from agents, apps and providers
// and routes envelopes between them.
package hub

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/markus-barta/agenthub/internal/config"
	"github.com/markus-barta/agenthub/internal/correlator"
	"github.com/markus-barta/agenthub/internal/fanout"
	"github.com/markus-barta/agenthub/internal/handler"
	"github.com/markus-barta/agenthub/internal/protocol"
	"github.com/markus-barta/agenthub/internal/registry"
	"github.com/markus-barta/agenthub/internal/router"
	"github.com/markus-barta/agenthub/internal/store"
	"github.com/rs/zerolog"
)

// Options tunes a Hub. Zero values take the config defaults.
type Options struct {
	SendTimeout    time.Duration
	SendBuffer     int
	MaxMessageSize int64
	RequestTimeout time.Duration
	SweepInterval  time.Duration
	Fallback       router.FallbackPolicy
	Domains        *handler.Table
}

// OptionsFromConfig derives hub options from a validated config.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	policy, err := router.ParseFallbackPolicy(cfg.FallbackPolicy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		SendTimeout:    cfg.SendTimeout,
		SendBuffer:     cfg.SendBuffer,
		MaxMessageSize: cfg.MaxMessageSize,
		RequestTimeout: cfg.RequestTimeout,
		SweepInterval:  cfg.SweepInterval,
		Fallback:       policy,
		Domains:        handler.DefaultTable().WithConfig(cfg.Domains),
	}, nil
}

func (o Options) withDefaults() Options {
	d := config.DefaultConfig()
	if o.SendTimeout <= 0 {
		o.SendTimeout = d.SendTimeout
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = d.SweepInterval
	}
	if o.Fallback == "" {
		o.Fallback = router.FallbackSingle
	}
	if o.Domains == nil {
		o.Domains = handler.DefaultTable()
	}
	return o
}

// Hub owns the shared routing services.
type Hub struct {
	log     zerolog.Logger
	opts    Options
	journal store.Backend
	started time.Time

	reg     *registry.Registry
	corr    *correlator.Correlator
	fan     *fanout.Service
	router  *router.Router
	handler *handler.Handler
}

// NewHub wires registry, correlator, fan-out, router and handler together.
// A nil journal records nothing.
func NewHub(log zerolog.Logger, opts Options, journal store.Backend) *Hub {
	if journal == nil {
		journal = store.Nop{}
	}
	h := &Hub{
		log:     log.With().Str("component", "hub").Logger(),
		opts:    opts.withDefaults(),
		journal: journal,
		started: time.Now(),
	}

	h.reg = registry.New(log)
	h.corr = correlator.New(log, correlator.WithAbandonHook(func(p correlator.Pending, o correlator.Outcome) {
		h.handler.Abandoned(p, o)
	}))
	h.fan = fanout.New(log, h.reg)
	h.reg.AddPurger(h.corr)
	h.reg.AddPurger(h.fan)

	h.router = router.New(log, h.reg, h.corr, h.fan, router.WithFallback(h.opts.Fallback))
	h.handler = handler.New(log, h.opts.Domains, h.router, h.corr, journal)
	return h
}

// Run sweeps expired requests until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.corr.Run(ctx, h.opts.SweepInterval, h.opts.RequestTimeout)
}

// Registry exposes the connection registry.
func (h *Hub) Registry() *registry.Registry {
	return h.reg
}

// Correlator exposes the pending-request map.
func (h *Hub) Correlator() *correlator.Correlator {
	return h.corr
}

// Fanout exposes the subscription service.
func (h *Hub) Fanout() *fanout.Service {
	return h.fan
}

// attach registers a freshly upgraded client and greets it.
func (h *Hub) attach(c *Client, role registry.Role, agentID string, meta registry.Metadata) {
	// The logger must exist before Register makes c reachable by senders.
	id := uuid.NewString()
	c.log = h.log.With().Str("conn", id).Str("role", string(role)).Logger()
	c.entry = registry.NewConnection(id, role, agentID, meta, c)
	h.reg.Register(c.entry)

	if role == registry.RoleApp && agentID != "" {
		h.fan.Subscribe(agentID, id)
	}

	h.reply(c.entry, protocol.NewControl(protocol.ActionWelcome, "", protocol.WelcomePayload{
		ConnectionID: id,
		Role:         string(role),
	}))

	c.log.Info().Str("agent_id", agentID).Msg("client connected")
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	for _, info := range h.reg.Snapshot() {
		h.reg.Unregister(info.ID)
	}
}

// dispatch routes one inbound frame. A panic is contained to the frame.
func (h *Hub) dispatch(c *Client, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("recovered from panic while handling message")
		}
	}()

	conn := c.entry
	env, err := protocol.Parse(data)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to parse message")
		h.reply(conn, protocol.NewError(nil, protocol.CodeMalformed, fmt.Sprintf("invalid envelope: %v", err)))
		return
	}

	if env.Type == protocol.TypeHub {
		h.control(conn, env)
		return
	}

	switch conn.Role() {
	case registry.RoleAgent:
		h.fromAgent(conn, env)
	case registry.RoleApp:
		if env.Type == protocol.TypeAgent {
			h.toAgent(conn, env)
			return
		}
		h.handler.HandleResponse(conn, env)
	case registry.RoleProvider:
		h.handler.HandleResponse(conn, env)
	}
}

func (h *Hub) fromAgent(conn *registry.Connection, env *protocol.Envelope) {
	if h.handler.Handles(env.Type) {
		h.handler.HandleRequest(conn, env)
		return
	}

	// Replies to app → agent messages, including late and duplicate copies
	// the correlator still remembers.
	if env.RequestID != "" && h.corr.Known(env.RequestID) {
		h.handler.HandleResponse(conn, env)
		return
	}

	agentID := conn.AgentID()
	if agentID == "" {
		agentID = env.AgentID
	}
	if agentID == "" {
		h.log.Debug().Str("conn", conn.ID).Str("type", env.Type).Msg("agent message without agent id dropped")
		return
	}
	h.router.SendToApp(agentID, env)
}

func (h *Hub) toAgent(conn *registry.Connection, env *protocol.Envelope) {
	if _, err := h.router.SendToAgent(conn, env); err != nil {
		code := protocol.CodeNoDestination
		msg := router.ErrNoAgent.Error()
		if errors.Is(err, router.ErrDuplicateRequest) {
			code = protocol.CodeDuplicateRequest
			msg = fmt.Sprintf("request %s is already in flight", env.RequestID)
		}
		h.log.Warn().Err(err).Str("conn", conn.ID).Str("agent_id", env.AgentID).Msg("message to agent not delivered")
		h.reply(conn, protocol.NewError(env, code, msg))
	}
}

// control handles type "hub" envelopes.
func (h *Hub) control(conn *registry.Connection, env *protocol.Envelope) {
	switch env.Action {
	case protocol.ActionRegister:
		var p protocol.RegisterPayload
		if err := env.ParsePayload(&p); err != nil {
			h.reply(conn, protocol.NewError(env, protocol.CodeInvalidRegistration, err.Error()))
			return
		}
		role, err := registry.ParseRole(p.Role)
		if err != nil {
			h.reply(conn, protocol.NewError(env, protocol.CodeInvalidRegistration, err.Error()))
			return
		}
		meta := registry.Metadata{
			ThreadID:              p.ThreadID,
			AgentInstanceID:       p.AgentInstanceID,
			ParentAgentInstanceID: p.ParentAgentInstanceID,
		}
		if err := h.reg.Reclassify(conn.ID, role, p.AgentID, meta); err != nil {
			h.reply(conn, protocol.NewError(env, protocol.CodeInvalidRegistration, err.Error()))
			return
		}
		if role == registry.RoleApp && p.AgentID != "" {
			h.fan.Subscribe(p.AgentID, conn.ID)
		}
		h.log.Info().
			Str("conn", conn.ID).
			Str("role", string(role)).
			Str("agent_id", p.AgentID).
			Msg("client registered")
		h.reply(conn, protocol.NewControl(protocol.ActionRegistered, env.RequestID, protocol.RegisteredPayload{
			ConnectionID: conn.ID,
			Role:         string(role),
			AgentID:      p.AgentID,
		}))

	case protocol.ActionSubscribe, protocol.ActionUnsubscribe:
		var p protocol.SubscriptionPayload
		if err := env.ParsePayload(&p); err != nil || p.AgentID == "" {
			h.reply(conn, protocol.NewError(env, protocol.CodeMalformed, "subscription requires data.agentId"))
			return
		}
		ack := protocol.ActionSubscribed
		if env.Action == protocol.ActionSubscribe {
			h.fan.Subscribe(p.AgentID, conn.ID)
		} else {
			h.fan.Unsubscribe(p.AgentID, conn.ID)
			ack = protocol.ActionUnsubscribed
		}
		h.reply(conn, protocol.NewControl(ack, env.RequestID, p))

	case protocol.ActionPing:
		h.reply(conn, protocol.NewControl(protocol.ActionPong, env.RequestID, nil))

	default:
		h.reply(conn, protocol.NewError(env, protocol.CodeUnknownType, fmt.Sprintf("unknown hub action %q", env.Action)))
	}
}

func (h *Hub) reply(conn *registry.Connection, env *protocol.Envelope) {
	data, err := env.Bytes()
	if err != nil {
		h.log.Error().Err(err).Msg("failed to encode reply")
		return
	}
	if err := conn.Send(data); err != nil {
		h.log.Debug().Err(err).Str("conn", conn.ID).Str("action", env.Action).Msg("reply not delivered")
	}
}

// Stats is the /api/stats body.
type Stats struct {
	Uptime      string                `json:"uptime"`
	Connections map[registry.Role]int `json:"connections"`
	Pending     int                   `json:"pending"`
	Domains     []string              `json:"domains"`
	Fallback    router.FallbackPolicy `json:"fallbackPolicy"`
	Journal     map[store.State]int   `json:"journal"`
}

// Stats summarises the hub's state.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	counts, err := h.journal.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Uptime:      time.Since(h.started).Round(time.Second).String(),
		Connections: h.reg.Count(),
		Pending:     h.corr.Len(),
		Domains:     h.opts.Domains.Names(),
		Fallback:    h.router.Policy(),
		Journal:     counts,
	}, nil
}
