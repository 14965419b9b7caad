package hub

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/markus-barta/agenthub/internal/registry"
	"github.com/markus-barta/agenthub/internal/store"
)

// maxRequestsLimit caps /api/requests?limit=.
const maxRequestsLimit = 1000

// handleWebSocket upgrades agents, apps and providers. The role comes from
// the role query parameter or the X-Hub-Role header and defaults to app. A
// register message can change it later.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		if ip := remoteIP(r); !s.limiter.Allow(ip) {
			s.log.Warn().Str("ip", ip).Msg("handshake rate limited")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
	}

	q := r.URL.Query()
	param := func(key, header string) string {
		if v := q.Get(key); v != "" {
			return v
		}
		return r.Header.Get(header)
	}

	role := registry.RoleApp
	if raw := param("role", "X-Hub-Role"); raw != "" {
		parsed, err := registry.ParseRole(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		role = parsed
	}
	agentID := param("agentId", "X-Hub-Agent-Id")
	meta := registry.Metadata{
		ThreadID:              q.Get("threadId"),
		AgentInstanceID:       q.Get("agentInstanceId"),
		ParentAgentInstanceID: q.Get("parentAgentInstanceId"),
	}

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := newClient(s.hub, conn)
	s.hub.attach(client, role, agentID, meta)
	go client.writePump()
	go client.readPump()
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     VersionInfo(),
		"connections": s.hub.reg.Len(),
	})
}

// handleConnections lists the live connections.
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	infos := s.hub.reg.Snapshot()

	conns := make([]map[string]any, 0, len(infos))
	for _, info := range infos {
		conns = append(conns, map[string]any{
			"id":            info.ID,
			"role":          info.Role,
			"agentId":       info.AgentID,
			"metadata":      info.Metadata,
			"connectedAt":   info.ConnectedAt,
			"subscriptions": s.hub.fan.SubscriptionsOf(info.ID),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"connections": conns})
}

// handleRequests returns the newest journal events.
func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxRequestsLimit)
	}

	events, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to query journal")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []store.Event{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"requests": events,
		"pending":  s.hub.corr.Snapshot(),
	})
}

// handleStats returns connection, correlator and journal counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.hub.Stats(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to collect stats")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
