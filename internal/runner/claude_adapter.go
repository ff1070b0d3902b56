package runner

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	claudecode "github.com/severity1/claude-agent-sdk-go"
	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/common/config"
	"github.com/perchhq/perch/internal/common/logger"
)

// ClaudeRunner drives Claude Code through its streaming agent SDK. Each
// session owns a persistent CLI subprocess so multi-turn conversations share
// the same history, and permission prompts are bridged back through the
// Events sink instead of being answered on the terminal.
type ClaudeRunner struct {
	cfg    *config.Config
	log    *logger.Logger
	events Events
	info   InfoSource

	mu       sync.Mutex
	sessions map[string]*claudeSession
}

var _ Runner = (*ClaudeRunner)(nil)

// claudeSession tracks one live subprocess and its current turn.
type claudeSession struct {
	id     string
	client claudecode.Client
	cancel context.CancelFunc

	mu            sync.Mutex
	hb            *heartbeater
	stopRequested bool
}

// beginTurn starts heartbeat reporting for a new working turn. A turn that
// is already active keeps its original start time.
func (s *claudeSession) beginTurn(events Events) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hb == nil {
		s.hb = startHeartbeats(events, s.id)
	}
}

// endTurn stops heartbeat reporting and reports whether a turn was active.
func (s *claudeSession) endTurn() bool {
	s.mu.Lock()
	hb := s.hb
	s.hb = nil
	s.mu.Unlock()
	if hb == nil {
		return false
	}
	hb.stop()
	return true
}

func (s *claudeSession) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

// NewClaudeRunner creates the Claude Code SDK runner.
func NewClaudeRunner(cfg *config.Config, log *logger.Logger, events Events, info InfoSource) *ClaudeRunner {
	return &ClaudeRunner{
		cfg:      cfg,
		log:      log.WithFields(zap.String("runner", "claude")),
		events:   events,
		info:     info,
		sessions: make(map[string]*claudeSession),
	}
}

func (r *ClaudeRunner) RunnerType() string { return "claude" }

// Start launches the subprocess for a session and sends the first prompt.
// If the subprocess is already live the prompt goes to the existing turn
// stream instead.
func (r *ClaudeRunner) Start(ctx context.Context, sessionID, prompt string, approvalChoice int) error {
	r.mu.Lock()
	sess := r.sessions[sessionID]
	r.mu.Unlock()
	if sess != nil {
		return r.query(ctx, sess, prompt)
	}

	info, err := r.info.SessionInfo(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session info: %w", err)
	}

	mode := info.ApprovalMode
	if approvalChoice > 0 || mode == "" {
		mode = ApprovalMode(approvalChoice)
	}

	sess, err = r.launch(sessionID, info, mode)
	if err != nil {
		return err
	}
	return r.query(ctx, sess, prompt)
}

// SendInput forwards operator text into the conversation. When the
// subprocess is gone (service restart, idle eviction) it is relaunched and
// resumes the recorded runner session before the text is sent.
func (r *ClaudeRunner) SendInput(ctx context.Context, sessionID, text string) error {
	r.mu.Lock()
	sess := r.sessions[sessionID]
	r.mu.Unlock()
	if sess == nil {
		info, err := r.info.SessionInfo(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("failed to load session info: %w", err)
		}
		mode := info.ApprovalMode
		if mode == "" {
			mode = ModeDefault
		}
		sess, err = r.launch(sessionID, info, mode)
		if err != nil {
			return err
		}
	}
	return r.query(ctx, sess, text)
}

// Stop tears down the subprocess. Claude Code has no meaningful exit status
// for a deliberate disconnect, so a clean stop reports exit code 0.
func (r *ClaudeRunner) Stop(ctx context.Context, sessionID string) (*int, error) {
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
	sess.endTurn()

	sess.client.Disconnect()
	sess.cancel()

	code := 0
	return &code, nil
}

// UpdatePermissionMode applies a new permission mode to the live subprocess.
// Sessions without a live subprocess pick the stored mode up on relaunch.
func (r *ClaudeRunner) UpdatePermissionMode(ctx context.Context, sessionID, mode string) error {
	r.mu.Lock()
	sess := r.sessions[sessionID]
	r.mu.Unlock()
	if sess == nil {
		return nil
	}
	if err := sess.client.SetPermissionMode(ctx, claudecode.PermissionMode(mode)); err != nil {
		return fmt.Errorf("failed to set permission mode: %w", err)
	}
	return nil
}

// launch connects a new SDK client and starts its message pump. The
// subprocess outlives individual API requests, so its context is detached
// from the caller.
func (r *ClaudeRunner) launch(sessionID string, info SessionInfo, mode string) (*claudeSession, error) {
	pumpCtx, cancel := context.WithCancel(context.Background())

	client := claudecode.NewClient(r.buildOptions(sessionID, info, mode)...)
	if err := client.Connect(pumpCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect claude client: %w", err)
	}

	sess := &claudeSession{id: sessionID, client: client, cancel: cancel}

	r.mu.Lock()
	r.sessions[sessionID] = sess
	r.mu.Unlock()

	go r.pump(pumpCtx, sess, client.ReceiveMessages(pumpCtx))

	r.log.Info("claude session launched",
		zap.String("session_id", sessionID),
		zap.String("workdir", info.Workdir),
		zap.String("permission_mode", mode),
		zap.Bool("resume", info.RunnerSessionID != ""))
	return sess, nil
}

func (r *ClaudeRunner) buildOptions(sessionID string, info SessionInfo, mode string) []claudecode.Option {
	var opts []claudecode.Option
	if info.Workdir != "" {
		opts = append(opts, claudecode.WithCwd(info.Workdir))
	}
	if r.cfg.Runner.Claude.Model != "" {
		opts = append(opts, claudecode.WithModel(r.cfg.Runner.Claude.Model))
	}
	if r.cfg.Runner.Claude.SystemPrompt != "" {
		opts = append(opts, claudecode.WithSystemPrompt(r.cfg.Runner.Claude.SystemPrompt))
	}
	if mode != "" && mode != ModeDefault {
		opts = append(opts, claudecode.WithPermissionMode(claudecode.PermissionMode(mode)))
	}
	if info.RunnerSessionID != "" {
		opts = append(opts, claudecode.WithResume(info.RunnerSessionID))
	}
	// Load user, project and local settings so project-installed skills and
	// slash commands are available inside supervised sessions.
	opts = append(opts, claudecode.WithSettingSources(
		claudecode.SettingSourceUser,
		claudecode.SettingSourceProject,
		claudecode.SettingSourceLocal,
	))
	opts = append(opts, claudecode.WithCanUseTool(
		func(toolCtx context.Context, toolName string, input map[string]any, _ claudecode.ToolPermissionContext) (claudecode.PermissionResult, error) {
			return r.handlePermission(toolCtx, sessionID, toolName, input)
		}))
	opts = append(opts, claudecode.WithStderrCallback(func(line string) {
		if line = strings.TrimSpace(line); line != "" {
			r.log.Debug("claude stderr",
				zap.String("session_id", sessionID),
				zap.String("line", line))
		}
	}))
	opts = append(opts, claudecode.WithDebugWriter(io.Discard))
	return opts
}

// handlePermission bridges an SDK tool-permission callback into the shared
// approval flow and blocks until an operator (or the timeout) decides.
func (r *ClaudeRunner) handlePermission(ctx context.Context, sessionID, toolName string, input map[string]any) (claudecode.PermissionResult, error) {
	requestID := uuid.NewString()
	decisionCh := r.events.OnPermissionRequest(sessionID, requestID, toolName, input)

	select {
	case d := <-decisionCh:
		r.events.OnPermissionResolved(sessionID, requestID, d.ResolvedBy, d.Allowed, decisionMessage(d))
		if d.Allowed {
			return claudecode.NewPermissionResultAllow(), nil
		}
		reason := decisionMessage(d)
		if reason == "" {
			reason = "denied by operator"
		}
		return claudecode.NewPermissionResultDeny(reason), nil
	case <-ctx.Done():
		return claudecode.NewPermissionResultDeny("session closed"), nil
	}
}

// pump consumes SDK messages for the lifetime of the subprocess.
func (r *ClaudeRunner) pump(ctx context.Context, sess *claudeSession, msgCh <-chan claudecode.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgCh:
			if !ok || msg == nil {
				r.handleStreamClosed(sess)
				return
			}
			r.handleMessage(sess, msg)
		}
	}
}

func (r *ClaudeRunner) handleMessage(sess *claudeSession, msg claudecode.Message) {
	switch m := msg.(type) {
	case *claudecode.SystemMessage:
		if m.Subtype == "init" {
			r.handleInit(sess, m)
		}
	case *claudecode.AssistantMessage:
		for _, block := range m.Content {
			r.handleBlock(sess, block)
		}
	case *claudecode.ResultMessage:
		r.handleResult(sess, m)
	}
}

// handleInit reports the session header from the CLI init announcement.
func (r *ClaudeRunner) handleInit(sess *claudeSession, m *claudecode.SystemMessage) {
	title := "Claude Code"
	if version := mapString(m.Data, "version"); version != "" {
		title += " " + version
	}
	r.events.OnHeader(sess.id, title,
		mapString(m.Data, "session_id"),
		mapString(m.Data, "model"),
		"anthropic")
}

func (r *ClaudeRunner) handleBlock(sess *claudeSession, block claudecode.ContentBlock) {
	switch b := block.(type) {
	case *claudecode.TextBlock:
		if b.Text != "" {
			r.events.OnOutput(sess.id, "stdout", b.Text, "", true)
		}
	case *claudecode.ThinkingBlock:
		if b.Thinking != "" {
			r.events.OnOutput(sess.id, "stdout", "[thinking] "+truncate(b.Thinking, maxResultLen), "", false)
		}
	case *claudecode.ToolUseBlock:
		r.events.OnOutput(sess.id, "stdout", fmt.Sprintf("[tool: %s]", b.Name), "", false)
	case *claudecode.ToolResultBlock:
		text := truncate(contentText(b.Content), maxResultLen)
		if text == "" {
			return
		}
		prefix := "[result] "
		if b.IsError != nil && *b.IsError {
			prefix = "[error] "
		}
		r.events.OnOutput(sess.id, "stdout", prefix+text, "", false)
	}
}

// handleResult closes out the turn: usage and cost become metadata, then the
// session settles into waiting for the next operator prompt.
func (r *ClaudeRunner) handleResult(sess *claudeSession, m *claudecode.ResultMessage) {
	raw := structToMap(m)
	if usage, ok := raw["usage"].(map[string]any); ok {
		r.events.OnMetadata(sess.id, "tokens", map[string]any{
			"input":  numberToInt(usage["input_tokens"]),
			"output": numberToInt(usage["output_tokens"]),
		}, raw)
	}
	if cost, ok := numberToFloat(raw["total_cost_usd"]); ok && cost > 0 {
		r.events.OnMetadata(sess.id, "cost", cost, raw)
	}

	sess.endTurn()
	if !sess.stopping() {
		r.events.OnAwaitingInput(sess.id)
	}
}

// handleStreamClosed deals with the message channel closing underneath a
// session. During a requested stop this is the normal shutdown path;
// mid-turn it means the subprocess died.
func (r *ClaudeRunner) handleStreamClosed(sess *claudeSession) {
	active := sess.endTurn()
	stopping := sess.stopping()

	r.mu.Lock()
	delete(r.sessions, sess.id)
	r.mu.Unlock()
	sess.cancel()

	if active && !stopping {
		r.events.OnError(sess.id, "runner_error", "claude stream closed unexpectedly")
	}
}

func (r *ClaudeRunner) query(ctx context.Context, sess *claudeSession, prompt string) error {
	sess.beginTurn(r.events)
	if err := sess.client.QueryWithSession(ctx, prompt, sess.id); err != nil {
		sess.endTurn()
		return fmt.Errorf("failed to send prompt: %w", err)
	}
	return nil
}
