// Package agentwire defines the wire protocol spoken between perch and
// externally hosted agents over the /external/ws WebSocket (and mirrored by
// the external REST endpoints).
package agentwire

import (
	"encoding/json"
	"time"
)

// Frame types sent by agents
const (
	TypeRegister      = "register"
	TypeCreateSession = "create_session"
	TypeEvent         = "event"
	TypePollEvents    = "poll_events"
)

// Frame types sent by the server
const (
	TypeRegistered     = "registered"
	TypeSessionCreated = "session_created"
	TypeAck            = "ack"
	TypeEvents         = "events"
	TypeError          = "error"
)

// Error codes carried in error frames
const (
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInvalidState  = "INVALID_STATE"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnknownType   = "UNKNOWN_TYPE"
)

// Frame is the envelope for every message in both directions. ID is a
// client-chosen correlation id echoed on the matching reply.
type Frame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParsePayload parses the frame payload into the given struct.
func (f *Frame) ParsePayload(v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

// NewFrame creates a frame of the given type with a marshaled payload.
func NewFrame(id, frameType string, payload any) (*Frame, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = raw
	}
	return &Frame{ID: id, Type: frameType, Payload: data}, nil
}

// NewError creates an error frame replying to the frame with the given id.
func NewError(id, code, message string) *Frame {
	payload, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return &Frame{ID: id, Type: TypeError, Payload: payload}
}

// ErrorPayload describes a rejected frame.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// RegisterPayload announces an agent to the server.
type RegisterPayload struct {
	Name      string `json:"name"`
	Type      string `json:"type,omitempty"`
	Icon      string `json:"icon,omitempty"`
	Workspace string `json:"workspace,omitempty"`
	Version   string `json:"version,omitempty"`
}

// RegisteredPayload confirms registration and assigns the agent id.
type RegisteredPayload struct {
	AgentID string `json:"agent_id"`
}

// CreateSessionPayload opens a new supervised session for the agent.
type CreateSessionPayload struct {
	Title    string         `json:"title,omitempty"`
	Workdir  string         `json:"workdir,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SessionCreatedPayload returns the new session id.
type SessionCreatedPayload struct {
	SessionID string `json:"session_id"`
}

// EventPayload submits one session event for fan-out.
type EventPayload struct {
	SessionID string         `json:"session_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// AckPayload confirms an accepted event and reports its sequence number.
type AckPayload struct {
	Seq int64 `json:"seq"`
}

// PollEventsPayload asks for events the humans produced for a session,
// typically approvals and replies, after a given sequence number.
type PollEventsPayload struct {
	SessionID string   `json:"session_id"`
	SinceSeq  int64    `json:"since_seq"`
	Types     []string `json:"types,omitempty"`
}

// Event is the wire form of one session event.
type Event struct {
	Seq     int64          `json:"seq"`
	TS      time.Time      `json:"ts"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// EventsPayload returns events matching a poll request.
type EventsPayload struct {
	SessionID string  `json:"session_id"`
	Events    []Event `json:"events"`
}
