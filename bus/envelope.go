package bus

import (
	"encoding/json"
	"fmt"
)

// Request is the JSON envelope published for every operation addressed to
// the vault. Field names match the vault supervisor's Message struct.
type Request struct {
	RequestID string          `json:"request_id,omitempty"`
	Type      string          `json:"type,omitempty"`
	ReplyTo   string          `json:"reply_to,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// ID is a legacy alias for RequestID kept for older vault builds.
	ID string `json:"id,omitempty"`
}

// GetID returns the correlation id, preferring RequestID over the legacy ID
// field.
func (r *Request) GetID() string {
	if r.RequestID != "" {
		return r.RequestID
	}
	return r.ID
}

// Response is the JSON envelope the vault publishes in answer to a Request.
// It either echoes the request id or carries its own id; errors arrive as
// {"success":false,"error":"..."}.
type Response struct {
	RequestID string          `json:"request_id,omitempty"`
	Success   bool            `json:"success,omitempty"`
	Error     string          `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	ID string `json:"id,omitempty"`
}

// GetID returns the correlation id, preferring RequestID over the legacy ID
// field.
func (r *Response) GetID() string {
	if r.RequestID != "" {
		return r.RequestID
	}
	return r.ID
}

// Err returns a non-nil error when the response reports a failure.
func (r *Response) Err() error {
	if r.Error != "" {
		return fmt.Errorf("vault error: %s", r.Error)
	}
	return nil
}

// Envelope is the inner application envelope the vault wraps around
// operation payloads: {"type":"challenge.issued","payload":{...}}.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// WrapPayload marshals payload and wraps it in the application envelope.
func WrapPayload(typ string, payload any) ([]byte, error) {
	inner, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, Payload: inner})
}

// UnwrapPayload extracts the inner payload from the application envelope.
// If data is not wrapped, it returns an empty type and the data unchanged.
func UnwrapPayload(data json.RawMessage) (string, json.RawMessage) {
	if len(data) == 0 {
		return "", data
	}
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil || len(envelope.Payload) == 0 {
		return "", data
	}
	return envelope.Type, envelope.Payload
}
