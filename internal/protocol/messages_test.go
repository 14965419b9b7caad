package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_KeepsOriginalBytes(t *testing.T) {
	frame := []byte(`{"type":"files","action":"readFile","requestId":"r1","agentId":"A","extra":{"keep":true}}`)

	env, err := Parse(frame)
	require.NoError(t, err)

	assert.Equal(t, "files", env.Type)
	assert.Equal(t, "readFile", env.Action)
	assert.Equal(t, "r1", env.RequestID)
	assert.Equal(t, "A", env.AgentID)

	out, err := env.Bytes()
	require.NoError(t, err)
	assert.JSONEq(t, string(frame), string(out), "unknown fields must survive forwarding")
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse(nil)
	assert.ErrorIs(t, err, ErrEmptyEnvelope)

	_, err = Parse([]byte(`{not json`))
	assert.Error(t, err)

	_, err = Parse([]byte(`{"type":"files","requestId":42}`))
	assert.Error(t, err, "requestId must be a string")
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		ok    bool
	}{
		{"complete", `{"type":"files","action":"readFile","requestId":"r1"}`, true},
		{"missing requestId", `{"type":"files","action":"readFile"}`, false},
		{"missing action", `{"type":"files","requestId":"r1"}`, false},
		{"empty action", `{"type":"files","action":"","requestId":"r1"}`, false},
		{"bad isError", `{"type":"files","action":"a","requestId":"r1","isError":"no"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Envelope{raw: []byte(tt.frame)}

			err := ValidateRequest(&env)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestValidateResponse_BuiltEnvelope(t *testing.T) {
	assert.NoError(t, ValidateResponse(&Envelope{Type: "files", RequestID: "r1"}))
	assert.Error(t, ValidateResponse(&Envelope{Type: "files"}))
}

func TestNewError(t *testing.T) {
	orig := &Envelope{Type: "files", Action: "readFile", RequestID: "r1", AgentID: "A", ThreadID: "t1"}

	env := NewError(orig, CodeNoDestination, "no app or provider available")

	assert.Equal(t, TypeError, env.Type)
	assert.Equal(t, "readFile", env.Action)
	assert.Equal(t, "r1", env.RequestID)
	assert.Equal(t, "A", env.AgentID)
	assert.Equal(t, "t1", env.ThreadID)
	assert.True(t, env.IsError)

	var payload ErrorPayload
	require.NoError(t, env.ParsePayload(&payload))
	assert.Equal(t, CodeNoDestination, payload.Code)

	var content string
	require.NoError(t, json.Unmarshal(env.Content, &content))
	assert.Equal(t, "no app or provider available", content)
}

func TestNewError_NilOriginal(t *testing.T) {
	env := NewError(nil, CodeMalformed, "bad frame")
	assert.Equal(t, TypeError, env.Type)
	assert.Empty(t, env.RequestID)
}

func TestNotification_RequestAndResult(t *testing.T) {
	req := &Envelope{
		Type: "files", Action: "readFile", RequestID: "r1", AgentID: "A",
		ThreadID: "t1", Data: json.RawMessage(`{"path":"/tmp/x"}`),
	}
	n := Notification{Domain: "files", NotifyType: NotifyType("files"), Operation: "readFile", NotifyID: "n1", AgentID: "A"}

	started := n.RequestEnvelope(req, SuffixRequest)
	assert.Equal(t, "filesnotify", started.Type)
	assert.Equal(t, "readFileRequest", started.Action)
	assert.Equal(t, "n1", started.RequestID)
	assert.Equal(t, "r1", started.ToolUseID)
	assert.Equal(t, "t1", started.ThreadID)

	var sp NotificationPayload
	require.NoError(t, started.ParsePayload(&sp))
	assert.JSONEq(t, `{"path":"/tmp/x"}`, string(sp.Request))

	resp := &Envelope{RequestID: "r1", Content: json.RawMessage(`"hello"`), IsError: false}
	done := n.ResultEnvelope("r1", resp, SuffixResult)
	assert.Equal(t, "readFileResult", done.Action)
	assert.Equal(t, started.RequestID, done.RequestID, "both phases share the notification id")
	assert.NotEqual(t, done.RequestID, done.ToolUseID)

	var rp NotificationPayload
	require.NoError(t, done.ParsePayload(&rp))
	assert.JSONEq(t, `"hello"`, string(rp.Result))
}

func TestIsNotifyType(t *testing.T) {
	assert.True(t, IsNotifyType("filesnotify"))
	assert.False(t, IsNotifyType("notify"))
	assert.False(t, IsNotifyType("files"))
}
