package protocol

import "encoding/json"

// NewError builds the error envelope answering orig. orig may be nil when the
// frame could not be parsed at all.
func NewError(orig *Envelope, code, message string) *Envelope {
	env := &Envelope{Type: TypeError, IsError: true}
	if orig != nil {
		env.Action = orig.Action
		env.RequestID = orig.RequestID
		env.Correlation(orig)
	}
	env.Content, _ = json.Marshal(message)
	env.Data, _ = json.Marshal(ErrorPayload{Code: code, Message: message})
	return env
}

// NewControl builds a hub control envelope.
func NewControl(action, requestID string, payload any) *Envelope {
	env := &Envelope{Type: TypeHub, Action: action, RequestID: requestID}
	if payload != nil {
		env.Data, _ = json.Marshal(payload)
	}
	return env
}

// Notification describes one side of a request lifecycle notification pair.
type Notification struct {
	Domain     string // "files"
	NotifyType string // "filesnotify"
	Operation  string // action of the triggering request, "readFile"
	NotifyID   string // requestId shared by the Request and Result phases
	AgentID    string
}

// RequestEnvelope builds the "<operation>Request" notification for req.
func (n Notification) RequestEnvelope(req *Envelope, suffix string) *Envelope {
	env := &Envelope{
		Type:      n.NotifyType,
		Action:    n.Operation + suffix,
		RequestID: n.NotifyID,
		ToolUseID: req.RequestID,
	}
	env.Correlation(req)
	env.AgentID = n.AgentID
	env.Data, _ = json.Marshal(NotificationPayload{
		Domain:    n.Domain,
		Operation: n.Operation,
		Request:   payloadOf(req),
	})
	return env
}

// ResultEnvelope builds the "<operation>Result" notification mirroring resp.
// toolUseID is the requestId of the original request.
func (n Notification) ResultEnvelope(toolUseID string, resp *Envelope, suffix string) *Envelope {
	env := &Envelope{
		Type:      n.NotifyType,
		Action:    n.Operation + suffix,
		RequestID: n.NotifyID,
		ToolUseID: toolUseID,
		AgentID:   n.AgentID,
		IsError:   resp.IsError,
	}
	if resp.ThreadID != "" {
		env.ThreadID = resp.ThreadID
	}
	env.Data, _ = json.Marshal(NotificationPayload{
		Domain:    n.Domain,
		Operation: n.Operation,
		Result:    payloadOf(resp),
		IsError:   resp.IsError,
	})
	return env
}

// payloadOf picks the domain payload of an envelope: content, then data, then message.
func payloadOf(e *Envelope) json.RawMessage {
	switch {
	case len(e.Content) > 0:
		return e.Content
	case len(e.Data) > 0:
		return e.Data
	default:
		return e.Message
	}
}
