package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/agenthub/internal/config"
	"github.com/markus-barta/agenthub/internal/protocol"
	"github.com/markus-barta/agenthub/internal/registry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	s, err := New(cfg, nil, zerolog.Nop())
	require.NoError(t, err)

	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		s.Hub().CloseAll()
		ts.Close()
	})
	return s, ts
}

func wsURL(ts *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

type peer struct {
	t       *testing.T
	conn    *websocket.Conn
	welcome protocol.WelcomePayload
}

// dial connects and consumes the welcome frame, after which the connection
// is registered.
func dial(t *testing.T, ts *httptest.Server, query string) *peer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	p := &peer{t: t, conn: conn}
	env := p.read()
	require.Equal(t, protocol.TypeHub, env.Type)
	require.Equal(t, protocol.ActionWelcome, env.Action)
	require.NoError(t, env.ParsePayload(&p.welcome))
	return p
}

func (p *peer) send(frame string) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (p *peer) read() *protocol.Envelope {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := p.conn.ReadMessage()
	require.NoError(p.t, err)
	env, err := protocol.Parse(data)
	require.NoError(p.t, err)
	return env
}

func (p *peer) readError() protocol.ErrorPayload {
	p.t.Helper()
	env := p.read()
	require.Equal(p.t, protocol.TypeError, env.Type)
	assert.True(p.t, env.IsError)
	var ep protocol.ErrorPayload
	require.NoError(p.t, env.ParsePayload(&ep))
	return ep
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestWelcome(t *testing.T) {
	s, ts := newTestServer(t, nil)

	agent := dial(t, ts, "role=agent&agentId=a1")
	assert.Equal(t, "agent", agent.welcome.Role)
	assert.NotEmpty(t, agent.welcome.ConnectionID)

	app := dial(t, ts, "")
	assert.Equal(t, "app", app.welcome.Role)

	c, ok := s.Hub().Registry().Get(agent.welcome.ConnectionID)
	require.True(t, ok)
	assert.Equal(t, "a1", c.AgentID())
}

func TestHandshake_InvalidRole(t *testing.T) {
	_, ts := newTestServer(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "role=bogus"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandshake_HeaderRole(t *testing.T) {
	_, ts := newTestServer(t, nil)

	h := http.Header{}
	h.Set("X-Hub-Role", "provider")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, ""), h)
	require.NoError(t, err)
	defer conn.Close()

	p := &peer{t: t, conn: conn}
	env := p.read()
	require.NoError(t, env.ParsePayload(&p.welcome))
	assert.Equal(t, "provider", p.welcome.Role)
}

func TestHandshake_Origin(t *testing.T) {
	_, ts := newTestServer(t, func(c *config.Config) {
		c.AllowedOrigins = []string{"http://ok.example"}
	})

	h := http.Header{}
	h.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, ""), h)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	h.Set("Origin", "http://ok.example")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, ""), h)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestControl(t *testing.T) {
	s, ts := newTestServer(t, nil)
	p := dial(t, ts, "")
	id := p.welcome.ConnectionID

	t.Run("register reclassifies", func(t *testing.T) {
		p.send(`{"type":"hub","action":"register","requestId":"reg-1","data":{"role":"provider","agentId":"a9"}}`)
		env := p.read()
		assert.Equal(t, protocol.ActionRegistered, env.Action)
		assert.Equal(t, "reg-1", env.RequestID)

		var rp protocol.RegisteredPayload
		require.NoError(t, env.ParsePayload(&rp))
		assert.Equal(t, id, rp.ConnectionID)
		assert.Equal(t, "provider", rp.Role)

		c, _ := s.Hub().Registry().Get(id)
		assert.Equal(t, registry.RoleProvider, c.Role())
	})

	t.Run("register rejects unknown role", func(t *testing.T) {
		p.send(`{"type":"hub","action":"register","data":{"role":"wizard"}}`)
		assert.Equal(t, protocol.CodeInvalidRegistration, p.readError().Code)
	})

	t.Run("ping", func(t *testing.T) {
		p.send(`{"type":"hub","action":"ping","requestId":"p-1"}`)
		env := p.read()
		assert.Equal(t, protocol.ActionPong, env.Action)
		assert.Equal(t, "p-1", env.RequestID)
	})

	t.Run("subscribe and unsubscribe", func(t *testing.T) {
		p.send(`{"type":"hub","action":"subscribe","data":{"agentId":"a1"}}`)
		assert.Equal(t, protocol.ActionSubscribed, p.read().Action)
		assert.True(t, s.Hub().Fanout().IsSubscribed("a1", id))

		p.send(`{"type":"hub","action":"unsubscribe","data":{"agentId":"a1"}}`)
		assert.Equal(t, protocol.ActionUnsubscribed, p.read().Action)
		assert.False(t, s.Hub().Fanout().IsSubscribed("a1", id))
	})

	t.Run("subscribe requires agent id", func(t *testing.T) {
		p.send(`{"type":"hub","action":"subscribe","data":{}}`)
		assert.Equal(t, protocol.CodeMalformed, p.readError().Code)
	})

	t.Run("unknown action", func(t *testing.T) {
		p.send(`{"type":"hub","action":"dance"}`)
		assert.Equal(t, protocol.CodeUnknownType, p.readError().Code)
	})
}

func TestMalformedFrame(t *testing.T) {
	_, ts := newTestServer(t, nil)
	p := dial(t, ts, "role=agent&agentId=a1")

	p.send(`not json`)
	assert.Equal(t, protocol.CodeMalformed, p.readError().Code)

	// The connection survives.
	p.send(`{"type":"hub","action":"ping"}`)
	assert.Equal(t, protocol.ActionPong, p.read().Action)
}

func TestRequestRoundTrip_App(t *testing.T) {
	_, ts := newTestServer(t, nil)
	agent := dial(t, ts, "role=agent&agentId=a1")
	app := dial(t, ts, "role=app&agentId=a1")

	agent.send(`{"type":"files","action":"readFile","requestId":"r1","data":{"path":"/etc/hosts"},"extra":"kept"}`)

	note := app.read()
	assert.Equal(t, "filesnotify", note.Type)
	assert.Equal(t, "readFileRequest", note.Action)
	assert.Equal(t, "r1", note.ToolUseID)

	fwd := app.read()
	assert.Equal(t, "files", fwd.Type)
	assert.Equal(t, "r1", fwd.RequestID)
	assert.Contains(t, string(fwd.Raw()), `"extra":"kept"`)

	app.send(`{"type":"files","action":"readFile","requestId":"r1","content":"127.0.0.1 localhost"}`)

	resp := agent.read()
	assert.Equal(t, "r1", resp.RequestID)
	assert.JSONEq(t, `"127.0.0.1 localhost"`, string(resp.Content))

	result := app.read()
	assert.Equal(t, "filesnotify", result.Type)
	assert.Equal(t, "readFileResult", result.Action)
	assert.Equal(t, note.RequestID, result.RequestID)
}

func TestRequestRoundTrip_Provider(t *testing.T) {
	s, ts := newTestServer(t, nil)
	agent := dial(t, ts, "role=agent&agentId=a1")
	provider := dial(t, ts, "role=provider")

	agent.send(`{"type":"llm","action":"complete","requestId":"r2","data":{"prompt":"hi"}}`)

	fwd := provider.read()
	assert.Equal(t, "r2", fwd.RequestID)
	assert.Equal(t, 1, s.Hub().Correlator().Len())

	provider.send(`{"type":"llm","action":"complete","requestId":"r2","content":"hello"}`)
	assert.Equal(t, "r2", agent.read().RequestID)

	assert.Eventually(t, func() bool { return s.Hub().Correlator().Len() == 0 }, time.Second, 10*time.Millisecond)
	assert.Empty(t, s.Hub().Fanout().SubscriptionsOf(provider.welcome.ConnectionID))
}

func TestRequest_NoDestination(t *testing.T) {
	s, ts := newTestServer(t, nil)
	agent := dial(t, ts, "role=agent&agentId=a1")

	agent.send(`{"type":"git","action":"status","requestId":"r3"}`)
	ep := agent.readError()
	assert.Equal(t, protocol.CodeNoDestination, ep.Code)
	assert.Equal(t, 0, s.Hub().Correlator().Len())
}

func TestRequest_Duplicate(t *testing.T) {
	_, ts := newTestServer(t, nil)
	agent := dial(t, ts, "role=agent&agentId=a1")
	provider := dial(t, ts, "role=provider")

	agent.send(`{"type":"search","action":"query","requestId":"dup"}`)
	provider.read()

	agent.send(`{"type":"search","action":"query","requestId":"dup"}`)
	assert.Equal(t, protocol.CodeDuplicateRequest, agent.readError().Code)
}

func TestAppToAgent(t *testing.T) {
	_, ts := newTestServer(t, nil)
	app := dial(t, ts, "role=app")

	t.Run("no agent", func(t *testing.T) {
		app.send(`{"type":"agent","action":"prompt","requestId":"p0","agentId":"a1"}`)
		ep := app.readError()
		assert.Equal(t, protocol.CodeNoDestination, ep.Code)
		assert.Equal(t, "no agents available to handle the request", ep.Message)
	})

	t.Run("delivered and answered", func(t *testing.T) {
		agent := dial(t, ts, "role=agent&agentId=a1")

		app.send(`{"type":"agent","action":"prompt","requestId":"p1","agentId":"a1","data":{"text":"go"}}`)
		in := agent.read()
		assert.Equal(t, "p1", in.RequestID)
		assert.Equal(t, protocol.TypeAgent, in.Type)

		agent.send(`{"type":"agent","action":"promptResult","requestId":"p1","content":"done"}`)
		out := app.read()
		assert.Equal(t, "p1", out.RequestID)
		assert.Equal(t, "promptResult", out.Action)
	})
}

func TestAppToAgent_DuplicateReplyDropped(t *testing.T) {
	_, ts := newTestServer(t, nil)
	app := dial(t, ts, "role=app")
	watcher := dial(t, ts, "role=ui&agentId=a1")
	agent := dial(t, ts, "role=agent&agentId=a1")

	app.send(`{"type":"agent","action":"prompt","requestId":"p1","agentId":"a1"}`)
	agent.read()

	reply := `{"type":"agent","action":"promptResult","requestId":"p1","content":"done"}`
	agent.send(reply)
	agent.send(reply)
	assert.Equal(t, "p1", app.read().RequestID)

	// A later frame proves the duplicate was consumed without reaching anyone.
	agent.send(`{"type":"status","action":"idle"}`)
	next := app.read()
	assert.Equal(t, "status", next.Type, "duplicate reply must not reach the app again")
	assert.Equal(t, "status", watcher.read().Type, "duplicate reply must not fan out")
}

func TestAgentEventsFanOut(t *testing.T) {
	_, ts := newTestServer(t, nil)
	agent := dial(t, ts, "role=agent&agentId=a1")
	watcher := dial(t, ts, "role=ui&agentId=a1")
	dial(t, ts, "role=ui&agentId=other")

	agent.send(`{"type":"status","action":"thinking"}`)
	env := watcher.read()
	assert.Equal(t, "status", env.Type)
	assert.Equal(t, "thinking", env.Action)
}

func TestDisconnectPurges(t *testing.T) {
	s, ts := newTestServer(t, nil)
	agent := dial(t, ts, "role=agent&agentId=a1")
	provider := dial(t, ts, "role=provider")

	agent.send(`{"type":"memory","action":"store","requestId":"r4"}`)
	provider.read()
	require.Equal(t, 1, s.Hub().Correlator().Len())

	require.NoError(t, agent.conn.Close())
	assert.Eventually(t, func() bool {
		return s.Hub().Registry().Len() == 1 && s.Hub().Correlator().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHTTPEndpoints(t *testing.T) {
	_, ts := newTestServer(t, nil)
	agent := dial(t, ts, "role=agent&agentId=a1")
	dial(t, ts, "role=app&agentId=a1")

	t.Run("health", func(t *testing.T) {
		var body struct {
			Status      string `json:"status"`
			Version     string `json:"version"`
			Connections int    `json:"connections"`
		}
		resp := getJSON(t, ts.URL+"/health", &body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
		assert.Equal(t, "ok", body.Status)
		assert.Equal(t, VersionInfo(), body.Version)
		assert.Equal(t, 2, body.Connections)
	})

	t.Run("connections", func(t *testing.T) {
		var body struct {
			Connections []struct {
				ID            string   `json:"id"`
				Role          string   `json:"role"`
				AgentID       string   `json:"agentId"`
				Subscriptions []string `json:"subscriptions"`
			} `json:"connections"`
		}
		getJSON(t, ts.URL+"/api/connections", &body)
		require.Len(t, body.Connections, 2)
		assert.Equal(t, agent.welcome.ConnectionID, body.Connections[0].ID)
		assert.Equal(t, "agent", body.Connections[0].Role)
		assert.Equal(t, []string{"a1"}, body.Connections[1].Subscriptions)
	})

	t.Run("requests", func(t *testing.T) {
		var body struct {
			Requests []json.RawMessage `json:"requests"`
		}
		resp := getJSON(t, ts.URL+"/api/requests?limit=5", &body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotNil(t, body.Requests)

		resp = getJSON(t, ts.URL+"/api/requests?limit=abc", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("stats", func(t *testing.T) {
		var body Stats
		getJSON(t, ts.URL+"/api/stats", &body)
		assert.Equal(t, 1, body.Connections[registry.RoleAgent])
		assert.Equal(t, 1, body.Connections[registry.RoleApp])
		assert.Contains(t, body.Domains, "files")
		assert.Equal(t, "single", string(body.Fallback))
	})
}
