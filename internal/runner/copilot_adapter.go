package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	copilot "github.com/github/copilot-sdk/go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/common/config"
	"github.com/perchhq/perch/internal/common/logger"
)

const copilotToolWait = 50 * time.Millisecond

// CopilotRunner drives GitHub Copilot through its SDK. A single SDK client
// spawns (or connects to) the Copilot CLI server and multiplexes one SDK
// session per supervised session. Prompts are fire-and-forget; turn
// completion arrives as a session idle event.
type CopilotRunner struct {
	cfg    *config.Config
	log    *logger.Logger
	events Events
	info   InfoSource

	mu       sync.Mutex
	client   *copilot.Client
	sessions map[string]*copilotSession
}

var _ Runner = (*CopilotRunner)(nil)

type copilotSession struct {
	id          string
	session     *copilot.Session
	unsubscribe func()

	mu             sync.Mutex
	hb             *heartbeater
	reply          strings.Builder
	receivedDeltas bool
	turnActive     bool
	autoApprove    bool
	stopRequested  bool
	pendingTools   map[string]string // tool call id -> display title
}

// beginTurn reports false when a prompt is already in flight.
func (s *copilotSession) beginTurn(events Events) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnActive {
		return false
	}
	s.turnActive = true
	s.receivedDeltas = false
	if s.hb == nil {
		s.hb = startHeartbeats(events, s.id)
	}
	return true
}

// endTurn reports whether a turn was in flight, so the SDK's duplicate
// idle events are absorbed.
func (s *copilotSession) endTurn() bool {
	s.mu.Lock()
	active := s.turnActive
	s.turnActive = false
	hb := s.hb
	s.hb = nil
	s.mu.Unlock()
	if hb != nil {
		hb.stop()
	}
	return active
}

func (s *copilotSession) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

func (s *copilotSession) autoApproving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoApprove
}

func (s *copilotSession) takeReply() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := s.reply.String()
	s.reply.Reset()
	s.pendingTools = make(map[string]string)
	return text
}

// NewCopilotRunner creates the Copilot SDK runner. The SDK client itself is
// created lazily on first use; with no cli_url configured it spawns and
// manages the Copilot CLI internally.
func NewCopilotRunner(cfg *config.Config, log *logger.Logger, events Events, info InfoSource) *CopilotRunner {
	return &CopilotRunner{
		cfg:      cfg,
		log:      log.WithFields(zap.String("runner", "copilot")),
		events:   events,
		info:     info,
		sessions: make(map[string]*copilotSession),
	}
}

func (r *CopilotRunner) RunnerType() string { return "copilot" }

func (r *CopilotRunner) Start(ctx context.Context, sessionID, prompt string, approvalChoice int) error {
	sess, err := r.getOrLaunch(ctx, sessionID)
	if err != nil {
		return err
	}
	if approvalChoice == ApprovalBypassPermissions {
		sess.mu.Lock()
		sess.autoApprove = true
		sess.mu.Unlock()
	}
	return r.runTurn(sess, prompt)
}

func (r *CopilotRunner) SendInput(ctx context.Context, sessionID, text string) error {
	sess, err := r.getOrLaunch(ctx, sessionID)
	if err != nil {
		return err
	}
	return r.runTurn(sess, text)
}

func (r *CopilotRunner) Stop(_ context.Context, sessionID string) (*int, error) {
	r.mu.Lock()
	sess := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if sess == nil {
		return nil, nil
	}

	sess.mu.Lock()
	sess.stopRequested = true
	sess.mu.Unlock()

	if err := sess.session.Abort(); err != nil {
		r.log.Debug("copilot abort failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	if sess.unsubscribe != nil {
		sess.unsubscribe()
	}
	sess.endTurn()
	if err := sess.session.Destroy(); err != nil {
		r.log.Warn("failed to destroy copilot session",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	code := 0
	return &code, nil
}

// UpdatePermissionMode toggles local auto-approval. The SDK has no native
// permission modes; bypass is implemented by answering its permission
// callbacks without consulting the operator.
func (r *CopilotRunner) UpdatePermissionMode(_ context.Context, sessionID, mode string) error {
	r.mu.Lock()
	sess := r.sessions[sessionID]
	r.mu.Unlock()
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	sess.autoApprove = mode == ModeBypassPermissions
	sess.mu.Unlock()
	return nil
}

func (r *CopilotRunner) getOrLaunch(ctx context.Context, sessionID string) (*copilotSession, error) {
	r.mu.Lock()
	sess := r.sessions[sessionID]
	r.mu.Unlock()
	if sess != nil {
		return sess, nil
	}
	return r.launch(ctx, sessionID)
}

// ensureClient creates the shared SDK client on first use. Connection to
// the CLI is deferred by the SDK until the first session is created.
func (r *CopilotRunner) ensureClient() *copilot.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		if url := r.cfg.Runner.Copilot.CLIURL; url != "" {
			r.client = copilot.NewClient(&copilot.ClientOptions{
				CLIUrl:   url,
				LogLevel: "error",
			})
		} else {
			r.client = copilot.NewClient(nil)
		}
	}
	return r.client
}

// launch creates (or resumes) the SDK session backing a supervised session.
func (r *CopilotRunner) launch(ctx context.Context, sessionID string) (*copilotSession, error) {
	info, err := r.info.SessionInfo(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session info: %w", err)
	}

	client := r.ensureClient()
	model := r.cfg.Runner.Copilot.Model

	sess := &copilotSession{
		id:           sessionID,
		pendingTools: make(map[string]string),
	}
	permHandler := func(req copilot.PermissionRequest, _ copilot.PermissionInvocation) (copilot.PermissionRequestResult, error) {
		return r.handlePermission(sess, req)
	}

	var sdkSession *copilot.Session
	if info.RunnerSessionID != "" {
		resumed, resumeErr := client.ResumeSessionWithOptions(info.RunnerSessionID, &copilot.ResumeSessionConfig{
			Streaming:           true,
			OnPermissionRequest: permHandler,
		})
		if resumeErr != nil {
			r.log.Warn("failed to resume copilot session, starting fresh",
				zap.String("session_id", sessionID),
				zap.String("copilot_session_id", info.RunnerSessionID),
				zap.Error(resumeErr))
		} else {
			sdkSession = resumed
		}
	}
	if sdkSession == nil {
		created, createErr := client.CreateSession(&copilot.SessionConfig{
			Model:               model,
			Streaming:           true,
			OnPermissionRequest: permHandler,
		})
		if createErr != nil {
			return nil, fmt.Errorf("failed to create copilot session: %w", createErr)
		}
		sdkSession = created
	}

	sess.session = sdkSession
	sess.unsubscribe = sdkSession.On(func(evt copilot.SessionEvent) {
		r.handleEvent(sess, evt)
	})

	r.mu.Lock()
	r.sessions[sessionID] = sess
	r.mu.Unlock()

	r.events.OnHeader(sessionID, "GitHub Copilot", sdkSession.SessionID, model, "github")

	r.log.Info("copilot session ready",
		zap.String("session_id", sessionID),
		zap.String("copilot_session_id", sdkSession.SessionID),
		zap.String("model", model))
	return sess, nil
}

func (r *CopilotRunner) runTurn(sess *copilotSession, text string) error {
	if !sess.beginTurn(r.events) {
		return fmt.Errorf("turn already in progress for session %s", sess.id)
	}
	if _, err := sess.session.Send(copilot.MessageOptions{Prompt: text}); err != nil {
		sess.endTurn()
		return fmt.Errorf("failed to send prompt: %w", err)
	}
	return nil
}

// handleEvent folds SDK session events into session output. Streamed
// message deltas accumulate into the turn's reply, which is flushed as one
// final output when the session goes idle.
func (r *CopilotRunner) handleEvent(sess *copilotSession, evt copilot.SessionEvent) {
	switch evt.Type {
	case copilot.AssistantMessageDelta:
		if evt.Data.DeltaContent == nil || *evt.Data.DeltaContent == "" {
			return
		}
		sess.mu.Lock()
		sess.reply.WriteString(*evt.Data.DeltaContent)
		sess.receivedDeltas = true
		sess.mu.Unlock()
	case copilot.AssistantMessage:
		if evt.Data.Content == nil || *evt.Data.Content == "" {
			return
		}
		// Streaming deltas already carried this text.
		sess.mu.Lock()
		if !sess.receivedDeltas {
			sess.reply.WriteString(*evt.Data.Content)
		}
		sess.mu.Unlock()
	case copilot.AssistantReasoning:
		if evt.Data.Content != nil && *evt.Data.Content != "" {
			r.events.OnOutput(sess.id, "stdout", "[thinking] "+truncate(*evt.Data.Content, maxResultLen), "", false)
		}
	case copilot.ToolExecutionStart:
		r.handleToolStart(sess, evt)
	case copilot.ToolExecutionComplete:
		if evt.Data.ToolCallID != nil {
			sess.mu.Lock()
			delete(sess.pendingTools, *evt.Data.ToolCallID)
			sess.mu.Unlock()
		}
	case copilot.SessionIdle:
		r.finishTurn(sess)
	case copilot.SessionError:
		r.failSession(sess, evt)
	case copilot.SessionUsageInfo, copilot.AssistantUsage:
		r.recordUsage(sess, evt)
	case copilot.Abort:
		if sess.endTurn() && !sess.stopping() {
			sess.takeReply()
			r.events.OnAwaitingInput(sess.id)
		}
	case copilot.SessionStart, copilot.SessionResume, copilot.AssistantTurnStart,
		copilot.AssistantTurnEnd, copilot.AssistantReasoningDelta, copilot.ToolExecutionProgress:
		// Lifecycle and fine-grained progress events carry nothing the
		// session log needs.
	default:
		r.log.Debug("unhandled copilot event",
			zap.String("type", string(evt.Type)),
			zap.String("session_id", sess.id))
	}
}

func (r *CopilotRunner) handleToolStart(sess *copilotSession, evt copilot.SessionEvent) {
	toolName := ""
	if evt.Data.ToolName != nil {
		toolName = *evt.Data.ToolName
	}
	title := toolTitle(toolName, evt.Data.Arguments)
	if evt.Data.ToolCallID != nil && *evt.Data.ToolCallID != "" {
		sess.mu.Lock()
		sess.pendingTools[*evt.Data.ToolCallID] = title
		sess.mu.Unlock()
	}
	if title != "" {
		r.events.OnOutput(sess.id, "stdout", fmt.Sprintf("[tool: %s]", title), "", false)
	}
}

// finishTurn handles the session idle event that closes a prompt.
func (r *CopilotRunner) finishTurn(sess *copilotSession) {
	if !sess.endTurn() {
		return
	}
	reply := strings.TrimSpace(sess.takeReply())
	if sess.stopping() {
		return
	}
	if reply != "" {
		r.events.OnOutput(sess.id, "stdout", reply, "", true)
	}
	r.events.OnAwaitingInput(sess.id)
}

func (r *CopilotRunner) failSession(sess *copilotSession, evt copilot.SessionEvent) {
	msg := "copilot session error"
	if evt.Data.Message != nil && *evt.Data.Message != "" {
		msg = *evt.Data.Message
	}
	sess.endTurn()
	if sess.stopping() {
		return
	}
	r.events.OnError(sess.id, "runner_error", msg)
}

// recordUsage folds the SDK's two usage event shapes into session metadata.
// assistant.usage carries per-call input/output tokens; session.usage_info
// carries context window consumption.
func (r *CopilotRunner) recordUsage(sess *copilotSession, evt copilot.SessionEvent) {
	raw := structToMap(evt.Data)
	switch evt.Type {
	case copilot.AssistantUsage:
		var input, output int64
		if evt.Data.InputTokens != nil {
			input = int64(*evt.Data.InputTokens)
		}
		if evt.Data.OutputTokens != nil {
			output = int64(*evt.Data.OutputTokens)
		}
		if input == 0 && output == 0 {
			return
		}
		r.events.OnMetadata(sess.id, "tokens", map[string]any{"input": input, "output": output}, raw)
	case copilot.SessionUsageInfo:
		var used, limit int64
		if evt.Data.CurrentTokens != nil {
			used = int64(*evt.Data.CurrentTokens)
		}
		if evt.Data.TokenLimit != nil {
			limit = int64(*evt.Data.TokenLimit)
		}
		if used == 0 && limit == 0 {
			return
		}
		r.events.OnMetadata(sess.id, "context", map[string]any{"used": used, "limit": limit}, raw)
	}
}

// handlePermission routes an SDK permission callback through the shared
// approval flow. The SDK expects a blocking answer; the approval flow
// guarantees resolution via its timeout.
func (r *CopilotRunner) handlePermission(sess *copilotSession, req copilot.PermissionRequest) (copilot.PermissionRequestResult, error) {
	if sess.autoApproving() {
		return copilot.PermissionRequestResult{Kind: "approved"}, nil
	}

	requestID := uuid.NewString()
	toolName := r.lookupToolTitle(sess, req.ToolCallID)
	if toolName == "" {
		toolName = req.Kind
	}

	decisionCh := r.events.OnPermissionRequest(sess.id, requestID, toolName, req.Extra)
	d := <-decisionCh
	r.events.OnPermissionResolved(sess.id, requestID, d.ResolvedBy, d.Allowed, decisionMessage(d))

	if d.Allowed {
		return copilot.PermissionRequestResult{Kind: "approved"}, nil
	}
	return copilot.PermissionRequestResult{Kind: "denied-interactively-by-user"}, nil
}

// lookupToolTitle waits briefly for the matching tool start event, which
// arrives on a separate goroutine from the permission callback.
func (r *CopilotRunner) lookupToolTitle(sess *copilotSession, toolCallID string) string {
	if toolCallID == "" {
		return ""
	}
	for i := 0; i < 10; i++ {
		sess.mu.Lock()
		title := sess.pendingTools[toolCallID]
		sess.mu.Unlock()
		if title != "" {
			return title
		}
		time.Sleep(copilotToolWait)
	}
	return ""
}

// toolTitle builds an operator-readable label for a tool invocation.
func toolTitle(toolName string, args any) string {
	if argsMap, ok := args.(map[string]any); ok && argsMap != nil {
		if cmd, ok := argsMap["command"].(string); ok && strings.EqualFold(toolName, "bash") {
			return cmd
		}
		if path, ok := argsMap["file_path"].(string); ok {
			return fmt.Sprintf("%s: %s", toolName, path)
		}
	}
	return toolName
}
