// Package models defines the core types for agent sessions and their events.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// State represents the lifecycle state of an agent session.
type State string

const (
	// StateCreated - session exists but the agent has not started
	StateCreated State = "CREATED"
	// StateRunning - agent is actively working
	StateRunning State = "RUNNING"
	// StateAwaitingInput - agent finished a turn and waits for the next prompt
	StateAwaitingInput State = "AWAITING_INPUT"
	// StateInterrupting - interrupt requested, agent is being cancelled
	StateInterrupting State = "INTERRUPTING"
	// StateStopping - stop requested, agent is shutting down
	StateStopping State = "STOPPING"
	// StateStopped - session ended normally
	StateStopped State = "STOPPED"
	// StateError - session ended with a failure
	StateError State = "ERROR"
)

// Terminal reports whether the state is final. Terminal sessions accept no
// further transitions.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateError
}

// transitions lists the legal successor states for each non-terminal state.
// Any non-terminal state may additionally move to ERROR.
var transitions = map[State][]State{
	StateCreated:       {StateRunning},
	StateRunning:       {StateAwaitingInput, StateInterrupting, StateStopping},
	StateAwaitingInput: {StateRunning, StateInterrupting, StateStopping},
	StateInterrupting:  {StateStopped, StateStopping},
	StateStopping:      {StateStopped},
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateError {
		return true
	}
	for _, allowed := range transitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// EventType identifies the kind of a session event.
type EventType string

const (
	// EventOutput is incremental agent output
	EventOutput EventType = "output"
	// EventOutputFinal marks the canonical final text of a turn
	EventOutputFinal EventType = "output_final"
	// EventSessionState records a state transition
	EventSessionState EventType = "session_state"
	// EventMetadata carries token counts, cost, and similar key/value data
	EventMetadata EventType = "metadata"
	// EventHeartbeat is a liveness signal while the agent works
	EventHeartbeat EventType = "heartbeat"
	// EventError records a runner or session failure
	EventError EventType = "error"
	// EventPermissionRequest asks a human to approve a tool use
	EventPermissionRequest EventType = "permission_request"
	// EventPermissionResolved records the outcome of a permission request
	EventPermissionResolved EventType = "permission_resolved"
	// EventHumanInput records a prompt or reply sent by a human
	EventHumanInput EventType = "human_input"
	// EventApprovalResponse records which option a human picked
	EventApprovalResponse EventType = "approval_response"
	// EventAgentDisconnected marks an external agent dropping its connection
	EventAgentDisconnected EventType = "agent_disconnected"
)

// Event is a single entry in a session's ordered event stream.
// Seq is dense per session, starting at 1.
type Event struct {
	Seq     int64          `json:"seq"`
	TS      time.Time      `json:"ts"`
	Type    EventType      `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Session represents one supervised agent conversation.
type Session struct {
	ID       string `json:"id"`
	RepoID   string `json:"repo_id,omitempty"`
	RepoPath string `json:"repo_path,omitempty"`
	Name     string `json:"name,omitempty"`
	State    State  `json:"state"`
	Adapter  string `json:"adapter,omitempty"` // empty means the default adapter

	Workdir        string `json:"workdir,omitempty"`
	WorkdirManaged bool   `json:"workdir_managed,omitempty"`
	IsGit          bool   `json:"is_git,omitempty"`

	Header          string `json:"header,omitempty"`
	RunnerSessionID string `json:"runner_session_id,omitempty"`
	ApprovalMode    string `json:"approval_mode,omitempty"`
	ExitCode        *int   `json:"exit_code,omitempty"`

	// External agent identity, set for sessions registered over the agent API.
	AgentID        string `json:"agent_id,omitempty"`
	AgentName      string `json:"agent_name,omitempty"`
	AgentType      string `json:"agent_type,omitempty"`
	AgentIcon      string `json:"agent_icon,omitempty"`
	AgentWorkspace string `json:"agent_workspace,omitempty"`

	// Platform binding set when a bridge creates a chat thread for the session.
	Platform string `json:"platform,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
}

// External reports whether the session belongs to a registered external agent.
func (s *Session) External() bool {
	return s.AgentID != ""
}

// MessageRole identifies who authored a conversation message.
type MessageRole string

const (
	// RoleUser is a human prompt or reply
	RoleUser MessageRole = "user"
	// RoleAssistant is agent output
	RoleAssistant MessageRole = "assistant"
)

// Message is one entry in a session's conversation transcript.
type Message struct {
	ID        int64       `json:"id"`
	SessionID string      `json:"session_id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// Usage aggregates token and cost metadata reported by the runner.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// ApprovalRequest is a pending tool-use approval surfaced to humans.
type ApprovalRequest struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Options     []string  `json:"options"`
	CreatedAt   time.Time `json:"created_at"`
}

// PermissionDecision is the resolution of an approval request.
type PermissionDecision struct {
	Allowed    bool   `json:"allowed"`
	Option     string `json:"option_selected,omitempty"`
	Message    string `json:"message,omitempty"`
	ResolvedBy string `json:"resolved_by,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// FileDiff describes the changes to a single file in a session workdir.
type FileDiff struct {
	Path      string `json:"path"`
	Status    string `json:"status"` // modified, added, deleted, untracked
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch,omitempty"`
}

// NewSessionID generates a session identifier of the form sess_<12 hex chars>.
func NewSessionID() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "sess_" + raw[:12]
}

// Now returns the current UTC time truncated to whole seconds, the precision
// used for all persisted timestamps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
