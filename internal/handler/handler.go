// Package handler turns agent capability requests into lifecycle
// notifications plus forwarded execution requests, and completes them when
// the response comes back.
package handler

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/markus-barta/agenthub/internal/correlator"
	"github.com/markus-barta/agenthub/internal/protocol"
	"github.com/markus-barta/agenthub/internal/registry"
	"github.com/markus-barta/agenthub/internal/router"
	"github.com/markus-barta/agenthub/internal/store"
	"github.com/rs/zerolog"
)

// Request lifecycle states.
//
//	RECEIVED → NOTIFIED → FORWARDED → RESPONDED | TIMED_OUT | REQUESTER_GONE
//
// REJECTED and NO_DESTINATION end a request before it is forwarded.
const (
	Received      = store.StateReceived
	Notified      = store.StateNotified
	Forwarded     = store.StateForwarded
	Responded     = store.StateResponded
	TimedOut      = store.StateTimedOut
	RequesterGone = store.StateRequesterGone
	Rejected      = store.StateRejected
	NoDestination = store.StateNoDestination
	LateDropped   = store.StateLateDropped
)

// Journal receives every state transition.
type Journal interface {
	Record(e store.Event)
}

// Handler is the generic domain handler driven by a Table.
type Handler struct {
	log     zerolog.Logger
	table   *Table
	router  *router.Router
	corr    *correlator.Correlator
	journal Journal
	newID   func() string
}

// Option configures a Handler.
type Option func(*Handler)

// WithIDGenerator replaces the notification id source, for tests.
func WithIDGenerator(fn func() string) Option {
	return func(h *Handler) { h.newID = fn }
}

// New creates a handler. A nil journal records nothing.
func New(log zerolog.Logger, table *Table, rt *router.Router, corr *correlator.Correlator, journal Journal, opts ...Option) *Handler {
	if journal == nil {
		journal = store.Nop{}
	}
	h := &Handler{
		log:     log.With().Str("component", "handler").Logger(),
		table:   table,
		router:  rt,
		corr:    corr,
		journal: journal,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handles reports whether msgType is a known domain.
func (h *Handler) Handles(msgType string) bool {
	_, ok := h.table.Lookup(msgType)
	return ok
}

// Table returns the domain table.
func (h *Handler) Table() *Table {
	return h.table
}

// HandleRequest runs a request from an agent connection up to FORWARDED, or
// to the terminal state that stopped it. It returns that state.
func (h *Handler) HandleRequest(from *registry.Connection, env *protocol.Envelope) store.State {
	dom, ok := h.table.Lookup(env.Type)
	if !ok {
		h.reject(from, env, protocol.CodeUnknownType, fmt.Sprintf("unknown request type %q", env.Type))
		return Rejected
	}

	agentID := from.AgentID()
	if agentID == "" {
		agentID = env.AgentID
	}
	ev := store.Event{
		RequestID:  env.RequestID,
		Domain:     dom.Name,
		Action:     env.Action,
		AgentID:    agentID,
		SourceConn: from.ID,
	}
	log := h.log.With().
		Str("request_id", env.RequestID).
		Str("domain", dom.Name).
		Str("action", env.Action).
		Str("agent_id", agentID).
		Logger()

	h.record(ev, Received, "")

	if err := protocol.ValidateRequest(env); err != nil {
		log.Warn().Err(err).Msg("malformed request rejected")
		h.reject(from, env, protocol.CodeMalformed, err.Error())
		h.record(ev, Rejected, err.Error())
		return Rejected
	}

	// Remembered before anything leaves the hub so a fast response finds it.
	notifyID := h.newID()
	ev.NotifyID = notifyID
	if !h.corr.Remember(correlator.Pending{
		MessageID:   env.RequestID,
		RequesterID: from.ID,
		AgentID:     agentID,
		Domain:      dom.Name,
		Action:      env.Action,
		NotifyID:    notifyID,
	}) {
		h.reject(from, env, protocol.CodeDuplicateRequest, fmt.Sprintf("request %s is already in flight", env.RequestID))
		h.record(ev, Rejected, "duplicate request id")
		return Rejected
	}

	note := protocol.Notification{
		Domain:     dom.Name,
		NotifyType: dom.NotifyType,
		Operation:  env.Action,
		NotifyID:   notifyID,
		AgentID:    agentID,
	}
	n := h.router.SendToApp(agentID, note.RequestEnvelope(env, dom.RequestSuffix))
	h.record(ev, Notified, fmt.Sprintf("subscribers=%d", n))

	target, ok := h.router.RouteToExecutionLayer(env, agentID)
	if !ok {
		h.corr.Forget(env.RequestID)
		msg := fmt.Sprintf("no app or provider available to handle %s.%s", dom.Name, env.Action)
		errEnv := protocol.NewError(env, protocol.CodeNoDestination, msg)
		h.send(from, errEnv)
		h.router.SendToApp(agentID, note.ResultEnvelope(env.RequestID, errEnv, dom.ResultSuffix))
		h.record(ev, NoDestination, msg)
		return NoDestination
	}

	h.corr.SetTarget(env.RequestID, target.ID)
	ev.TargetConn = target.ID
	h.record(ev, Forwarded, string(target.Role()))
	log.Debug().Str("target", target.ID).Msg("request forwarded")
	return Forwarded
}

// HandleResponse routes a response from the execution layer back to its
// requester and, for correlated domain requests, pushes the mirrored result
// notification.
func (h *Handler) HandleResponse(from *registry.Connection, env *protocol.Envelope) router.Delivery {
	if err := protocol.ValidateResponse(env); err != nil {
		h.log.Warn().Err(err).Str("conn", from.ID).Msg("malformed response rejected")
		h.reject(from, env, protocol.CodeMalformed, err.Error())
		return router.Delivery{}
	}

	d := h.router.RouteResponseToRequester(env)
	p := d.Resolution.Pending
	ev := store.Event{
		RequestID:  env.RequestID,
		Domain:     p.Domain,
		Action:     p.Action,
		AgentID:    p.AgentID,
		SourceConn: from.ID,
		TargetConn: p.RequesterID,
		NotifyID:   p.NotifyID,
	}

	switch d.Resolution.Outcome {
	case correlator.Resolved:
		if p.NotifyID != "" {
			h.notifyResult(p, env)
		}
		detail := "delivered"
		if !d.Delivered {
			detail = "requester unreachable"
		}
		h.record(ev, Responded, detail)

	case correlator.AlreadyResolved, correlator.RequesterGone:
		h.record(ev, LateDropped, d.Resolution.Outcome.String())

	default:
		if len(d.Targets) > 0 {
			ev.TargetConn = d.Targets[0]
		}
		if d.Delivered {
			h.record(ev, Responded, fmt.Sprintf("%s via %s", d.Resolution.Outcome, d.Path))
		} else {
			h.record(ev, LateDropped, d.Resolution.Outcome.String())
		}
	}
	return d
}

// Abandoned journals a request that left the correlator without a response.
// It is installed as the correlator's abandon hook.
func (h *Handler) Abandoned(p correlator.Pending, o correlator.Outcome) {
	state := TimedOut
	if o == correlator.RequesterGone {
		state = RequesterGone
	}
	h.record(store.Event{
		RequestID:  p.MessageID,
		Domain:     p.Domain,
		Action:     p.Action,
		AgentID:    p.AgentID,
		SourceConn: p.RequesterID,
		TargetConn: p.TargetID,
		NotifyID:   p.NotifyID,
	}, state, o.String())
}

func (h *Handler) notifyResult(p correlator.Pending, resp *protocol.Envelope) {
	dom, ok := h.table.Lookup(p.Domain)
	if !ok {
		return
	}
	note := protocol.Notification{
		Domain:     dom.Name,
		NotifyType: dom.NotifyType,
		Operation:  p.Action,
		NotifyID:   p.NotifyID,
		AgentID:    p.AgentID,
	}
	h.router.SendToApp(p.AgentID, note.ResultEnvelope(p.MessageID, resp, dom.ResultSuffix))
}

func (h *Handler) reject(to *registry.Connection, env *protocol.Envelope, code, msg string) {
	h.send(to, protocol.NewError(env, code, msg))
}

func (h *Handler) send(to *registry.Connection, env *protocol.Envelope) {
	data, err := env.Bytes()
	if err != nil {
		h.log.Error().Err(err).Msg("failed to encode envelope")
		return
	}
	if err := to.Send(data); err != nil {
		h.log.Warn().Err(err).Str("conn", to.ID).Str("type", env.Type).Msg("failed to send to connection")
	}
}

func (h *Handler) record(ev store.Event, state store.State, detail string) {
	ev.State = state
	ev.Detail = detail
	h.journal.Record(ev)
}
