package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/runner"
	"github.com/perchhq/perch/internal/session/models"
	"github.com/perchhq/perch/internal/session/store"
)

// StartSessionRequest carries the initial prompt and approval policy.
// ApprovalChoice must be 1 (acceptEdits) or 2 (bypassPermissions); the HTTP
// layer defaults an absent field to 1 before calling Start.
type StartSessionRequest struct {
	Prompt         string `json:"prompt,omitempty"`
	ApprovalChoice int    `json:"approval_choice,omitempty"`
}

var validModes = map[string]bool{
	runner.ModeDefault:           true,
	runner.ModeAcceptEdits:       true,
	runner.ModeBypassPermissions: true,
	runner.ModePlan:              true,
}

// Start launches the first turn of a CREATED session. The adapter connect
// and the turn itself run off the request path; failures there surface as
// error events and an ERROR state.
func (s *Service) Start(ctx context.Context, id string, req StartSessionRequest) (*models.Session, error) {
	switch req.ApprovalChoice {
	case runner.ApprovalAcceptEdits, runner.ApprovalBypassPermissions:
	default:
		return nil, ErrApprovalChoice
	}

	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.State != models.StateCreated {
		return nil, ErrNotCreated
	}

	rn, err := s.resolveRunner(sess.Adapter)
	if err != nil {
		return nil, err
	}

	// A fresh start never resumes a previous backend conversation.
	s.store.ClearRunnerSessionID(ctx, id)

	if sess.Workdir == "" {
		if _, err := s.store.CreateWorkdir(ctx, id); err != nil {
			s.log.Error("failed to create workdir",
				zap.String("session_id", id),
				zap.Error(err))
			return nil, err
		}
	}

	sess, err = s.store.UpdateState(ctx, id, models.StateRunning)
	if err != nil {
		return nil, err
	}

	sess.ApprovalMode = runner.ApprovalMode(req.ApprovalChoice)
	prompt := strings.TrimSpace(req.Prompt)
	if sess.Name == "" && prompt != "" {
		sess.Name = normalizeName(prompt)
	}
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		s.log.Error("failed to update session",
			zap.String("session_id", id),
			zap.Error(err))
		return nil, err
	}

	if prompt != "" {
		s.recordHumanInput(ctx, id, req.Prompt)
	}

	go s.launch(rn, id, req.Prompt, req.ApprovalChoice)

	s.log.Info("session started",
		zap.String("session_id", id),
		zap.String("adapter", rn.RunnerType()),
		zap.String("approval_mode", sess.ApprovalMode))

	return sess, nil
}

// Input delivers operator text to a running session. A session waiting for
// input flips back to RUNNING first. External sessions receive the text via
// their polled event log only.
func (s *Service) Input(ctx context.Context, id, text string) (*models.Session, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrTextRequired
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	switch sess.State {
	case models.StateAwaitingInput:
		sess, err = s.store.UpdateState(ctx, id, models.StateRunning)
		if err != nil {
			return nil, err
		}
	case models.StateRunning:
	default:
		return nil, ErrNotRunning
	}

	if sess.Name == "" {
		sess.Name = normalizeName(text)
		if err := s.store.UpdateSession(ctx, sess); err != nil {
			s.log.Warn("failed to set session name",
				zap.String("session_id", id),
				zap.Error(err))
		}
	}

	s.recordHumanInput(ctx, id, text)

	if !sess.External() {
		rn, err := s.resolveRunner(sess.Adapter)
		if err != nil {
			return nil, err
		}
		if err := rn.SendInput(ctx, id, text); err != nil {
			s.log.Error("failed to deliver input",
				zap.String("session_id", id),
				zap.Error(err))
			return nil, err
		}
	}

	s.store.TouchActivity(ctx, id)
	return sess, nil
}

// Stop terminates a session's backend and finalizes it in STOPPED. Stopping
// an already terminal session is a no-op; a CREATED session has nothing to
// stop.
func (s *Service) Stop(ctx context.Context, id string) (*models.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.State.Terminal() {
		return sess, nil
	}
	if sess.State == models.StateCreated {
		return nil, ErrNotRunning
	}

	var rn runner.Runner
	if !sess.External() {
		rn, err = s.resolveRunner(sess.Adapter)
		if err != nil {
			return nil, err
		}
	}

	if _, err := s.store.UpdateState(ctx, id, models.StateStopping); err != nil {
		return nil, err
	}

	if rn == nil {
		return s.finalize(ctx, id, nil)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	exitCode, stopErr := rn.Stop(stopCtx, id)
	cancel()
	if stopErr != nil {
		s.log.Error("runner stop failed",
			zap.String("session_id", id),
			zap.Error(stopErr))
		if _, err := s.store.Emit(ctx, id, models.EventError, map[string]any{
			"code":    "stop_failed",
			"message": stopErr.Error(),
		}); err != nil {
			s.log.Warn("failed to emit error event",
				zap.String("session_id", id),
				zap.Error(err))
		}
		return s.store.UpdateState(ctx, id, models.StateError)
	}

	return s.finalize(ctx, id, exitCode)
}

// Interrupt cancels the in-flight turn and stops the backend. Only running
// or input-waiting sessions can be interrupted; the store rejects the rest.
func (s *Service) Interrupt(ctx context.Context, id string) (*models.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	var rn runner.Runner
	if !sess.External() {
		rn, err = s.resolveRunner(sess.Adapter)
		if err != nil {
			return nil, err
		}
	}

	if _, err := s.store.UpdateState(ctx, id, models.StateInterrupting); err != nil {
		return nil, err
	}

	var exitCode *int
	if rn != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
		exitCode, err = rn.Stop(stopCtx, id)
		cancel()
		if err != nil {
			s.log.Warn("runner stop during interrupt failed",
				zap.String("session_id", id),
				zap.Error(err))
		}
	}

	return s.finalize(ctx, id, exitCode)
}

// SetApprovalMode changes the approval policy. The new mode is persisted and,
// for live runner sessions, pushed to the backend immediately.
func (s *Service) SetApprovalMode(ctx context.Context, id, mode string) (*models.Session, error) {
	if !validModes[mode] {
		return nil, ErrPermissionMode
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.State.Terminal() {
		return nil, ErrNotRunning
	}
	sess.ApprovalMode = mode
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		s.log.Error("failed to update approval mode",
			zap.String("session_id", id),
			zap.Error(err))
		return nil, err
	}

	live := sess.State == models.StateRunning || sess.State == models.StateAwaitingInput
	if live && !sess.External() {
		if rn, rerr := s.resolveRunner(sess.Adapter); rerr == nil {
			if err := rn.UpdatePermissionMode(ctx, id, mode); err != nil {
				s.log.Warn("failed to push permission mode",
					zap.String("session_id", id),
					zap.Error(err))
			}
		}
	}

	s.log.Info("approval mode updated",
		zap.String("session_id", id),
		zap.String("mode", mode))
	return sess, nil
}

// launch runs the adapter start off the request path. Start errors route
// through the sink so the session lands in ERROR with an error event.
func (s *Service) launch(rn runner.Runner, id, prompt string, approvalChoice int) {
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	if err := rn.Start(ctx, id, prompt, approvalChoice); err != nil {
		s.log.Error("runner start failed",
			zap.String("session_id", id),
			zap.String("adapter", rn.RunnerType()),
			zap.Error(err))
		s.OnError(id, "runner_error", err.Error())
	}
}

// finalize lands a stopping session in STOPPED unless a runner callback beat
// it to a terminal state.
func (s *Service) finalize(ctx context.Context, id string, exitCode *int) (*models.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.State.Terminal() {
		return sess, nil
	}
	stopped, err := s.store.UpdateStateWithExitCode(ctx, id, models.StateStopped, exitCode)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return s.store.GetSession(ctx, id)
		}
		return nil, err
	}
	s.log.Info("session stopped", zap.String("session_id", id))
	return stopped, nil
}

// recordHumanInput stores operator text as a transcript message and a
// human_input event.
func (s *Service) recordHumanInput(ctx context.Context, id, text string) {
	msg := &models.Message{SessionID: id, Role: models.RoleUser, Content: text}
	if err := s.store.AddMessage(ctx, msg); err != nil {
		s.log.Warn("failed to record message",
			zap.String("session_id", id),
			zap.Error(err))
	}
	if _, err := s.store.Emit(ctx, id, models.EventHumanInput, map[string]any{"text": text}); err != nil {
		s.log.Warn("failed to emit human input",
			zap.String("session_id", id),
			zap.Error(err))
	}
}

func (s *Service) resolveRunner(adapter string) (runner.Runner, error) {
	if s.runners == nil {
		return nil, errors.New("runner provider not configured")
	}
	return s.runners.Get(adapter)
}
