// Package bridge connects session event streams to chat platforms.
//
// A Bridge implementation drives one platform (Telegram, Slack, ...):
// it renders output, approval prompts, and status changes into the
// platform's chat surface, and accepts commands back through the HTTP
// API. The Manager dispatches by platform tag, and the Subscriber runs
// one consume loop per bound session, translating qualifying events
// into bridge calls.
//
// Bridges never touch the store directly. Everything flowing back from
// chat (input text, approval decisions, commands) goes through the
// HTTP API, so a bridge behaves exactly like any other API client.
package bridge

import (
	"context"
)

// DefaultApprovalTimeoutS is the advisory lifetime of an approval
// prompt, matching the store's server-side auto-deny timeout.
const DefaultApprovalTimeoutS = 300

// ApprovalRequest is the platform-facing rendering of a pending
// permission. Title and Description come pre-formatted; Options are the
// choice labels the platform should offer.
type ApprovalRequest struct {
	RequestID   string   `json:"request_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Options     []string `json:"options"`
	TimeoutS    int      `json:"timeout_s"`
}

// ThreadInfo identifies the chat thread a bridge created for a session.
type ThreadInfo struct {
	ThreadID string `json:"thread_id"`
	Platform string `json:"platform"`
	Title    string `json:"title,omitempty"`
}

// Bridge is the contract every chat platform implements. All methods
// may perform network I/O and honor the passed context's deadline.
//
// Callers treat bridge failures as non-fatal: a broken bridge call is
// logged and the session carries on without it.
type Bridge interface {
	// CreateThread opens a platform conversation for the session and
	// returns its identity. The caller persists the binding.
	CreateThread(ctx context.Context, sessionID, name string) (*ThreadInfo, error)

	// OnOutput delivers a completed block of agent output.
	OnOutput(ctx context.Context, sessionID, text string) error

	// OnApprovalRequest renders an approval prompt with the request's
	// options and arranges for the resolution to reach the HTTP API.
	OnApprovalRequest(ctx context.Context, sessionID string, req ApprovalRequest) error

	// OnStatusChange reports a session status such as "error".
	OnStatusChange(ctx context.Context, sessionID, status string, meta map[string]any) error

	// OnTyping signals that the agent started working; platforms with a
	// typing indicator keep it alive until output or a status arrives.
	OnTyping(ctx context.Context, sessionID string) error

	// OnTypingStopped cancels a typing indicator started by OnTyping.
	OnTypingStopped(ctx context.Context, sessionID string) error

	// OnSessionRemoved tells the platform the session is gone and its
	// thread should be closed out.
	OnSessionRemoved(ctx context.Context, sessionID string) error
}
