package service

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/runner"
	"github.com/perchhq/perch/internal/session/models"
)

// The service is the sink for all runner callbacks. Callbacks for unknown
// sessions are dropped; a backend can keep reporting briefly after its
// session is deleted.
var (
	_ runner.Events     = (*Service)(nil)
	_ runner.InfoSource = (*Service)(nil)
)

// SessionInfo resolves the details adapters need at turn start.
func (s *Service) SessionInfo(ctx context.Context, sessionID string) (runner.SessionInfo, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return runner.SessionInfo{}, err
	}
	return runner.SessionInfo{
		ID:              sess.ID,
		Workdir:         sess.Workdir,
		RunnerSessionID: sess.RunnerSessionID,
		ApprovalMode:    sess.ApprovalMode,
	}, nil
}

// OnHeader stores the backend greeting and captures the backend conversation
// id. The store ignores empty titles and "unknown" or repeated thread ids.
func (s *Service) OnHeader(sessionID, title, threadID, model, provider string) {
	ctx := context.Background()
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return
	}
	s.store.SetHeader(ctx, sessionID, title)
	s.store.SetRunnerSessionID(ctx, sessionID, threadID)
	s.log.Debug("runner header",
		zap.String("session_id", sessionID),
		zap.String("model", model),
		zap.String("provider", provider))
}

// OnOutput records agent output. Partial chunks pass through the repeat
// filter; the final chunk of a turn always lands in the log and becomes an
// assistant transcript message.
func (s *Service) OnOutput(sessionID, stream, text, kind string, final bool) {
	ctx := context.Background()
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return
	}
	s.store.TouchActivity(ctx, sessionID)

	if kind == "header" {
		s.store.SetHeader(ctx, sessionID, text)
		return
	}
	if text == "" {
		return
	}
	if !final && !s.store.ShouldEmitOutput(sessionID, text) {
		return
	}

	payload := map[string]any{
		"stream": stream,
		"text":   text,
		"final":  final,
	}
	if kind != "" {
		payload["kind"] = kind
	}
	if _, err := s.store.Emit(ctx, sessionID, models.EventOutput, payload); err != nil {
		s.log.Warn("failed to emit output",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}

	if final {
		if _, err := s.store.Emit(ctx, sessionID, models.EventOutputFinal, map[string]any{"text": text}); err != nil {
			s.log.Warn("failed to emit final output",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
		msg := &models.Message{SessionID: sessionID, Role: models.RoleAssistant, Content: text}
		if err := s.store.AddMessage(ctx, msg); err != nil {
			s.log.Warn("failed to record assistant message",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}
}

// OnError records a runner failure and moves the session to ERROR. Repeated
// reports after the session is already in ERROR are dropped.
func (s *Service) OnError(sessionID, code, message string) {
	ctx := context.Background()
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	if sess.State == models.StateError {
		return
	}

	if _, err := s.store.Emit(ctx, sessionID, models.EventError, map[string]any{
		"code":    code,
		"message": message,
	}); err != nil {
		s.log.Warn("failed to emit error event",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	if !sess.State.Terminal() {
		if _, err := s.store.UpdateState(ctx, sessionID, models.StateError); err != nil {
			s.log.Warn("failed to mark session errored",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}
	s.log.Error("runner reported error",
		zap.String("session_id", sessionID),
		zap.String("code", code),
		zap.String("message", message))
}

// OnExit handles backend process termination. Clean exits are benign; an
// unexpected nonzero exit moves the session to ERROR. Exits while the
// session waits for input or is being interrupted are expected and ignored.
func (s *Service) OnExit(sessionID string, exitCode *int) {
	if exitCode == nil || *exitCode == 0 {
		return
	}
	ctx := context.Background()
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	switch sess.State {
	case models.StateAwaitingInput, models.StateInterrupting, models.StateStopping:
		return
	}
	if sess.State.Terminal() {
		return
	}

	if _, err := s.store.Emit(ctx, sessionID, models.EventError, map[string]any{
		"code":    "exit",
		"message": fmt.Sprintf("agent exited with code %d", *exitCode),
	}); err != nil {
		s.log.Warn("failed to emit exit event",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	if _, err := s.store.UpdateStateWithExitCode(ctx, sessionID, models.StateError, exitCode); err != nil {
		s.log.Warn("failed to record exit",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// OnAwaitingInput flips a running session to AWAITING_INPUT. The signal is
// idempotent and ignored in every other state.
func (s *Service) OnAwaitingInput(sessionID string) {
	ctx := context.Background()
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	if sess.State != models.StateRunning {
		return
	}
	if _, err := s.store.UpdateState(ctx, sessionID, models.StateAwaitingInput); err != nil {
		s.log.Warn("failed to mark awaiting input",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// OnMetadata records runner telemetry such as token counts and cost.
func (s *Service) OnMetadata(sessionID, key string, value any, raw map[string]any) {
	ctx := context.Background()
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return
	}
	s.store.TouchActivity(ctx, sessionID)
	if _, err := s.store.Emit(ctx, sessionID, models.EventMetadata, map[string]any{
		"key":   key,
		"value": value,
		"raw":   raw,
	}); err != nil {
		s.log.Warn("failed to emit metadata",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// OnHeartbeat records a liveness signal while a turn runs.
func (s *Service) OnHeartbeat(sessionID string, elapsed float64, done bool) {
	ctx := context.Background()
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return
	}
	s.store.TouchActivity(ctx, sessionID)
	if _, err := s.store.Emit(ctx, sessionID, models.EventHeartbeat, map[string]any{
		"elapsed_s": elapsed,
		"done":      done,
	}); err != nil {
		s.log.Warn("failed to emit heartbeat",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// OnPermissionRequest registers a pending tool approval and announces it on
// the event stream. The returned channel delivers exactly one decision, an
// automatic denial if nobody answers in time. Requests for unknown sessions
// are denied immediately.
func (s *Service) OnPermissionRequest(sessionID, requestID, toolName string, toolInput map[string]any) <-chan models.PermissionDecision {
	ctx := context.Background()
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		ch := make(chan models.PermissionDecision, 1)
		ch <- models.PermissionDecision{Allowed: false, ResolvedBy: "system", Reason: "unknown session"}
		return ch
	}

	req := models.ApprovalRequest{
		ID:          requestID,
		SessionID:   sessionID,
		Title:       toolName,
		Description: describeToolInput(toolInput),
		Options:     []string{"Allow", "Deny"},
	}
	ch := s.store.RegisterPermission(sessionID, req)

	if _, err := s.store.Emit(ctx, sessionID, models.EventPermissionRequest, map[string]any{
		"request_id": requestID,
		"tool_name":  toolName,
		"tool_input": toolInput,
	}); err != nil {
		s.log.Warn("failed to emit permission request",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	s.log.Info("permission requested",
		zap.String("session_id", sessionID),
		zap.String("request_id", requestID),
		zap.String("tool", toolName))
	return ch
}

// OnPermissionResolved records the approval outcome the backend observed.
func (s *Service) OnPermissionResolved(sessionID, requestID, resolvedBy string, allowed bool, message string) {
	ctx := context.Background()
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return
	}
	if _, err := s.store.Emit(ctx, sessionID, models.EventPermissionResolved, map[string]any{
		"request_id":  requestID,
		"resolved_by": resolvedBy,
		"allowed":     allowed,
		"message":     message,
	}); err != nil {
		s.log.Warn("failed to emit permission resolution",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// describeToolInput renders tool arguments for human review.
func describeToolInput(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	b, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}
	return string(b)
}
