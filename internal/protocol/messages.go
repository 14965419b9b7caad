// Package protocol defines the envelope exchanged between agents, apps and providers.
package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// Envelope is the unit of every WebSocket message routed by the hub.
type Envelope struct {
	Type      string `json:"type"`
	Action    string `json:"action,omitempty"`
	RequestID string `json:"requestId,omitempty"`

	// Correlation context, propagated but not interpreted.
	AgentID               string `json:"agentId,omitempty"`
	ThreadID              string `json:"threadId,omitempty"`
	AgentInstanceID       string `json:"agentInstanceId,omitempty"`
	ParentAgentInstanceID string `json:"parentAgentInstanceId,omitempty"`
	ParentID              string `json:"parentId,omitempty"`

	// Notifications only: requestId of the request that triggered them.
	ToolUseID string `json:"toolUseId,omitempty"`

	Data    json.RawMessage `json:"data,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	IsError bool            `json:"isError,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`

	// raw holds the bytes the envelope was parsed from. Forwarding reuses
	// them so fields unknown to the hub survive the hop.
	raw []byte
}

// ErrEmptyEnvelope is returned when a frame carries no bytes.
var ErrEmptyEnvelope = errors.New("empty envelope")

// Parse decodes a frame into an envelope and keeps the original bytes.
func Parse(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, ErrEmptyEnvelope
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	env.raw = append([]byte(nil), data...)
	return &env, nil
}

// New creates an envelope with the given type and action, encoding payload as data.
func New(msgType, action string, payload any) (*Envelope, error) {
	env := &Envelope{Type: msgType, Action: action}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return env, nil
}

// Bytes returns the wire form. Parsed envelopes return their original bytes.
func (e *Envelope) Bytes() ([]byte, error) {
	if e.raw != nil {
		return e.raw, nil
	}
	return json.Marshal(e)
}

// Raw returns the bytes the envelope was parsed from, or nil for built envelopes.
func (e *Envelope) Raw() []byte {
	return e.raw
}

// ParsePayload unmarshals the data payload into the given target.
func (e *Envelope) ParsePayload(target any) error {
	if len(e.Data) == 0 {
		return errors.New("envelope has no data")
	}
	return json.Unmarshal(e.Data, target)
}

// Correlation copies the optional correlation fields from src.
func (e *Envelope) Correlation(src *Envelope) *Envelope {
	e.AgentID = src.AgentID
	e.ThreadID = src.ThreadID
	e.AgentInstanceID = src.AgentInstanceID
	e.ParentAgentInstanceID = src.ParentAgentInstanceID
	e.ParentID = src.ParentID
	return e
}

// Envelope types the hub interprets itself.
const (
	TypeHub   = "hub"   // control messages
	TypeError = "error" // hub-generated errors
	TypeAgent = "agent" // app → agent traffic
)

// Hub control actions (client → hub)
const (
	ActionRegister    = "register"
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// Hub control actions (hub → client)
const (
	ActionWelcome      = "welcome"
	ActionRegistered   = "registered"
	ActionSubscribed   = "subscribed"
	ActionUnsubscribed = "unsubscribed"
	ActionPong         = "pong"
)

// Lifecycle suffixes appended to a request's action on notifications.
const (
	SuffixRequest = "Request"
	SuffixResult  = "Result"
)

// NotifySuffix is appended to a domain name to form its notification type.
const NotifySuffix = "notify"

// NotifyType returns the notification channel for a domain ("files" → "filesnotify").
func NotifyType(domain string) string {
	return domain + NotifySuffix
}

// IsNotifyType reports whether msgType is a notification channel.
func IsNotifyType(msgType string) bool {
	return len(msgType) > len(NotifySuffix) && strings.HasSuffix(msgType, NotifySuffix)
}

// RegisterPayload is sent by a client to (re)declare its role and identity.
type RegisterPayload struct {
	Role                  string `json:"role"`
	AgentID               string `json:"agentId,omitempty"`
	ThreadID              string `json:"threadId,omitempty"`
	AgentInstanceID       string `json:"agentInstanceId,omitempty"`
	ParentAgentInstanceID string `json:"parentAgentInstanceId,omitempty"`
}

// WelcomePayload is sent by the hub right after the upgrade.
type WelcomePayload struct {
	ConnectionID string `json:"connectionId"`
	Role         string `json:"role"`
}

// RegisteredPayload confirms a registration.
type RegisteredPayload struct {
	ConnectionID string `json:"connectionId"`
	Role         string `json:"role"`
	AgentID      string `json:"agentId,omitempty"`
}

// SubscriptionPayload names the agent an app wants notifications for.
type SubscriptionPayload struct {
	AgentID string `json:"agentId"`
}

// ErrorPayload is the data of an error envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried by error envelopes.
const (
	CodeMalformed           = "malformed_envelope"
	CodeDuplicateRequest    = "duplicate_request"
	CodeNoDestination       = "no_destination"
	CodeUnknownType         = "unknown_type"
	CodeInvalidRegistration = "invalid_registration"
)

// NotificationPayload is the data of a lifecycle notification.
type NotificationPayload struct {
	Domain    string          `json:"domain"`
	Operation string          `json:"operation"`
	Request   json.RawMessage `json:"request,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	IsError   bool            `json:"isError,omitempty"`
}
