package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchhq/perch/internal/session/models"
)

func TestOnOutputRecordsActivityAndEvent(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	sess := mustCreateSession(t, svc)
	require.Nil(t, sess.LastActivityAt)

	svc.OnOutput(sess.ID, "stdout", "working on it", "", false)

	got, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastActivityAt)

	events, err := svc.Events(ctx, sess.ID, 0, []string{"output"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "working on it", events[0].Payload["text"])
	assert.Equal(t, "stdout", events[0].Payload["stream"])
	assert.Equal(t, false, events[0].Payload["final"])
}

func TestOnOutputHeaderKindStoresHeader(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	sess := mustCreateSession(t, svc)

	svc.OnOutput(sess.ID, "stdout", "agent 1.0.44 ready", "header", false)

	got, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent 1.0.44 ready", got.Header)

	events, err := svc.Events(ctx, sess.ID, 0, []string{"output"})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestOnOutputUnknownSessionIsNoop(t *testing.T) {
	svc, _ := setupService(t)
	svc.OnOutput("sess_unknown", "stdout", "hello", "", false)
	svc.OnHeader("sess_unknown", "title", "thread", "", "")
	svc.OnError("sess_unknown", "boom", "boom")
	svc.OnAwaitingInput("sess_unknown")
	svc.OnMetadata("sess_unknown", "tokens", 1, nil)
	svc.OnHeartbeat("sess_unknown", 1.0, false)
	svc.OnPermissionResolved("sess_unknown", "req", "user", true, "")
}

func TestOnOutputFinalRecordsTranscript(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	sess := mustCreateSession(t, svc)

	svc.OnOutput(sess.ID, "stdout", "The fix is complete.", "", true)

	outputs, err := svc.Events(ctx, sess.ID, 0, []string{"output"})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, true, outputs[0].Payload["final"])

	finals, err := svc.Events(ctx, sess.ID, 0, []string{"output_final"})
	require.NoError(t, err)
	require.Len(t, finals, 1)
	assert.Equal(t, "The fix is complete.", finals[0].Payload["text"])

	msgs, err := svc.Messages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "The fix is complete.", msgs[0].Content)
}

func TestOnOutputSuppressesRepeatedPartials(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	sess := mustCreateSession(t, svc)

	svc.OnOutput(sess.ID, "stdout", "same line", "", false)
	svc.OnOutput(sess.ID, "stdout", "same line", "", false)

	outputs, err := svc.Events(ctx, sess.ID, 0, []string{"output"})
	require.NoError(t, err)
	assert.Len(t, outputs, 1)

	// the canonical final text always lands, repeated or not
	svc.OnOutput(sess.ID, "stdout", "same line", "", true)
	outputs, err = svc.Events(ctx, sess.ID, 0, []string{"output"})
	require.NoError(t, err)
	assert.Len(t, outputs, 2)
}

func TestOnHeaderCapturesThreadIDOnce(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	sess := mustCreateSession(t, svc)

	// the literal "unknown" placeholder is never stored
	svc.OnHeader(sess.ID, "agent ready", "unknown", "", "")
	got, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent ready", got.Header)
	assert.Empty(t, got.RunnerSessionID)

	svc.OnHeader(sess.ID, "", "thread-1", "", "")
	got, err = svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent ready", got.Header)
	assert.Equal(t, "thread-1", got.RunnerSessionID)

	// first captured id wins, the header tracks the latest title
	svc.OnHeader(sess.ID, "agent ready again", "thread-2", "", "")
	got, err = svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent ready again", got.Header)
	assert.Equal(t, "thread-1", got.RunnerSessionID)
}

func TestOnErrorMovesSessionToError(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	sess := mustCreateSession(t, svc)
	mustRun(t, svc, sess.ID)

	svc.OnError(sess.ID, "sdk_error", "connection lost")

	got, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateError, got.State)
	require.NotNil(t, got.EndedAt)

	events, err := svc.Events(ctx, sess.ID, 0, []string{"error"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "sdk_error", events[0].Payload["code"])
	assert.Equal(t, "connection lost", events[0].Payload["message"])

	// repeated reports are dropped once the session is in ERROR
	svc.OnError(sess.ID, "sdk_error", "connection lost")
	events, err = svc.Events(ctx, sess.ID, 0, []string{"error"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestOnExit(t *testing.T) {
	ctx := context.Background()
	code := func(n int) *int { return &n }

	t.Run("nil and zero codes are benign", func(t *testing.T) {
		svc, _ := setupService(t)
		sess := mustCreateSession(t, svc)
		mustRun(t, svc, sess.ID)

		svc.OnExit(sess.ID, nil)
		svc.OnExit(sess.ID, code(0))

		got, err := svc.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateRunning, got.State)
	})

	t.Run("nonzero exit while running is an error", func(t *testing.T) {
		svc, _ := setupService(t)
		sess := mustCreateSession(t, svc)
		mustRun(t, svc, sess.ID)

		svc.OnExit(sess.ID, code(137))

		got, err := svc.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateError, got.State)
		require.NotNil(t, got.ExitCode)
		assert.Equal(t, 137, *got.ExitCode)
	})

	t.Run("ignored while awaiting input", func(t *testing.T) {
		svc, _ := setupService(t)
		sess := mustCreateSession(t, svc)
		mustRun(t, svc, sess.ID)
		svc.OnAwaitingInput(sess.ID)

		svc.OnExit(sess.ID, code(1))

		got, err := svc.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateAwaitingInput, got.State)
	})

	t.Run("ignored while interrupting", func(t *testing.T) {
		svc, _ := setupService(t)
		sess := mustCreateSession(t, svc)
		mustRun(t, svc, sess.ID)
		_, err := svc.Store().UpdateState(ctx, sess.ID, models.StateInterrupting)
		require.NoError(t, err)

		svc.OnExit(sess.ID, code(1))

		got, err := svc.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateInterrupting, got.State)
	})
}

func TestOnAwaitingInput(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	sess := mustCreateSession(t, svc)
	mustRun(t, svc, sess.ID)

	svc.OnAwaitingInput(sess.ID)
	got, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingInput, got.State)

	// idempotent
	svc.OnAwaitingInput(sess.ID)
	got, err = svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingInput, got.State)

	states, err := svc.Events(ctx, sess.ID, 0, []string{"session_state"})
	require.NoError(t, err)
	assert.Len(t, states, 2) // RUNNING, AWAITING_INPUT

	// never resurrects an errored session
	svc.OnError(sess.ID, "boom", "boom")
	svc.OnAwaitingInput(sess.ID)
	got, err = svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateError, got.State)
}

func TestOnMetadataEmits(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	sess := mustCreateSession(t, svc)

	svc.OnMetadata(sess.ID, "tokens", map[string]any{"input": 12, "output": 34}, map[string]any{"source": "result"})

	events, err := svc.Events(ctx, sess.ID, 0, []string{"metadata"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "tokens", events[0].Payload["key"])
	value, ok := events[0].Payload["value"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 12, value["input"])
	assert.EqualValues(t, 34, value["output"])

	got, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastActivityAt)
}

func TestOnHeartbeatEmits(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	sess := mustCreateSession(t, svc)

	svc.OnHeartbeat(sess.ID, 12.5, false)

	events, err := svc.Events(ctx, sess.ID, 0, []string{"heartbeat"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.EqualValues(t, 12.5, events[0].Payload["elapsed_s"])
	assert.Equal(t, false, events[0].Payload["done"])
}

func TestPermissionRequestFlow(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	sess := mustCreateSession(t, svc)
	mustRun(t, svc, sess.ID)

	ch := svc.OnPermissionRequest(sess.ID, "req_1", "Bash", map[string]any{"command": "rm -rf build"})

	pending, err := svc.PendingPermissions(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "req_1", pending[0].ID)
	assert.Equal(t, "Bash", pending[0].Title)
	assert.Equal(t, []string{"Allow", "Deny"}, pending[0].Options)

	events, err := svc.Events(ctx, sess.ID, 0, []string{"permission_request"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "req_1", events[0].Payload["request_id"])
	assert.Equal(t, "Bash", events[0].Payload["tool_name"])
	input, ok := events[0].Payload["tool_input"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "rm -rf build", input["command"])

	ok, err = svc.ResolvePermission(ctx, sess.ID, "req_1", models.PermissionDecision{Allowed: true, ResolvedBy: "operator"})
	require.NoError(t, err)
	assert.True(t, ok)

	select {
	case d := <-ch:
		assert.True(t, d.Allowed)
		assert.Equal(t, "operator", d.ResolvedBy)
	case <-time.After(time.Second):
		t.Fatal("expected a permission decision")
	}

	responses, err := svc.Events(ctx, sess.ID, 0, []string{"approval_response"})
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, true, responses[0].Payload["allow"])
	assert.Equal(t, "operator", responses[0].Payload["resolved_by"])

	// second resolution finds nothing
	ok, err = svc.ResolvePermission(ctx, sess.ID, "req_1", models.PermissionDecision{Allowed: false})
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err = svc.PendingPermissions(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPermissionRequestUnknownSessionDenied(t *testing.T) {
	svc, _ := setupService(t)

	ch := svc.OnPermissionRequest("sess_unknown", "req_9", "Edit", nil)
	select {
	case d := <-ch:
		assert.False(t, d.Allowed)
		assert.Equal(t, "unknown session", d.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected an immediate denial")
	}
}

func TestOnPermissionResolvedEmits(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	sess := mustCreateSession(t, svc)

	svc.OnPermissionResolved(sess.ID, "req_2", "telegram", false, "too risky")

	events, err := svc.Events(ctx, sess.ID, 0, []string{"permission_resolved"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "req_2", events[0].Payload["request_id"])
	assert.Equal(t, "telegram", events[0].Payload["resolved_by"])
	assert.Equal(t, false, events[0].Payload["allowed"])
	assert.Equal(t, "too risky", events[0].Payload["message"])
}

func TestSessionInfo(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	dir := t.TempDir()
	sess, err := svc.Create(ctx, CreateSessionRequest{Directory: dir})
	require.NoError(t, err)
	_, err = svc.SetApprovalMode(ctx, sess.ID, "acceptEdits")
	require.NoError(t, err)

	info, err := svc.SessionInfo(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, info.ID)
	assert.Equal(t, dir, info.Workdir)
	assert.Equal(t, "acceptEdits", info.ApprovalMode)
}
