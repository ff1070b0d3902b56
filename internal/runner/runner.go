// Package runner defines the contract between the session service and the
// agent backends, and the registry that multiplexes between them. Each
// adapter translates one backend (SDK client, PTY subprocess, RPC sidecar,
// container, remote VM) into the shared Runner/Events pair.
package runner

import (
	"context"

	"github.com/perchhq/perch/internal/session/models"
)

// Approval choices accepted by Start. They map onto backend permission modes.
const (
	ApprovalDefault           = 0
	ApprovalAcceptEdits       = 1
	ApprovalBypassPermissions = 2
)

// Permission mode strings accepted by UpdatePermissionMode.
const (
	ModeDefault           = "default"
	ModeAcceptEdits       = "acceptEdits"
	ModeBypassPermissions = "bypassPermissions"
	ModePlan              = "plan"
)

// ApprovalMode translates a start-time approval choice into the permission
// mode string backends understand.
func ApprovalMode(choice int) string {
	switch choice {
	case ApprovalBypassPermissions:
		return ModeBypassPermissions
	case ApprovalAcceptEdits:
		return ModeAcceptEdits
	default:
		return ModeDefault
	}
}

// SessionInfo carries the session details adapters need to run a turn.
type SessionInfo struct {
	ID              string
	Workdir         string
	RunnerSessionID string
	ApprovalMode    string
}

// InfoSource resolves session details at turn start. The session service
// implements it on top of the store.
type InfoSource interface {
	SessionInfo(ctx context.Context, sessionID string) (SessionInfo, error)
}

// Runner is the dispatch contract every agent backend implements. All calls
// are keyed by session id; one Runner instance serves many sessions.
type Runner interface {
	// Start begins the first turn of a session with the given prompt.
	// It must eventually drive header/output/error callbacks on the sink.
	Start(ctx context.Context, sessionID, prompt string, approvalChoice int) error

	// SendInput delivers human input to a session, starting a follow-up
	// turn when the previous one finished.
	SendInput(ctx context.Context, sessionID, text string) error

	// Stop terminates a session's backend. Idempotent once the session is
	// no longer known. Returns the process exit code when there is one.
	Stop(ctx context.Context, sessionID string) (*int, error)

	// UpdatePermissionMode changes the approval policy mid-session.
	UpdatePermissionMode(ctx context.Context, sessionID, mode string) error

	// RunnerType is the stable adapter identifier.
	RunnerType() string
}

// Events is the callback sink runners drive. The session service implements
// it; adapters must never touch the store directly.
type Events interface {
	// OnHeader reports the backend greeting. threadID is captured as the
	// runner session id unless already set or literally "unknown".
	OnHeader(sessionID, title, threadID, model, provider string)

	// OnOutput reports agent output. kind "header" stores the text as the
	// session header instead of emitting it. final marks the canonical
	// end-of-turn text.
	OnOutput(sessionID, stream, text, kind string, final bool)

	// OnError reports a fatal backend failure.
	OnError(sessionID, code, message string)

	// OnExit reports process termination. nil or zero codes are benign.
	OnExit(sessionID string, exitCode *int)

	// OnAwaitingInput signals the turn finished and the agent wants more.
	OnAwaitingInput(sessionID string)

	// OnMetadata reports key/value telemetry such as token counts and cost.
	OnMetadata(sessionID, key string, value any, raw map[string]any)

	// OnHeartbeat signals liveness while a turn runs.
	OnHeartbeat(sessionID string, elapsed float64, done bool)

	// OnPermissionRequest surfaces a tool-use approval and returns the
	// future carrying its one-shot decision.
	OnPermissionRequest(sessionID, requestID, toolName string, toolInput map[string]any) <-chan models.PermissionDecision

	// OnPermissionResolved records the outcome the backend observed.
	OnPermissionResolved(sessionID, requestID, resolvedBy string, allowed bool, message string)
}
