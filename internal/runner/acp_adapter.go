package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/common/config"
	"github.com/perchhq/perch/internal/common/logger"
	"github.com/perchhq/perch/internal/session/models"
)

const acpCancelTimeout = 5 * time.Second

// ACPRunner supervises an agent sidecar speaking the agent client protocol
// over stdio. One sidecar process serves one session; prompts are turns on
// the agent's own session, and permission prompts flow back through the
// shared approval flow.
type ACPRunner struct {
	cfg    *config.Config
	log    *logger.Logger
	events Events
	info   InfoSource

	mu       sync.Mutex
	sessions map[string]*acpSession
}

var _ Runner = (*ACPRunner)(nil)

type acpSession struct {
	id           string
	conn         *acp.ClientSideConnection
	cmd          *exec.Cmd
	acpSessionID string

	mu            sync.Mutex
	hb            *heartbeater
	reply         strings.Builder
	cancelTurn    context.CancelFunc
	stopRequested bool
}

func (s *acpSession) beginTurn(events Events) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hb == nil {
		s.hb = startHeartbeats(events, s.id)
	}
}

func (s *acpSession) endTurn() {
	s.mu.Lock()
	hb := s.hb
	s.hb = nil
	s.mu.Unlock()
	if hb != nil {
		hb.stop()
	}
}

func (s *acpSession) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

// takeReply drains the accumulated agent message text for the ending turn.
func (s *acpSession) takeReply() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := s.reply.String()
	s.reply.Reset()
	return text
}

// NewACPRunner creates the sidecar runner.
func NewACPRunner(cfg *config.Config, log *logger.Logger, events Events, info InfoSource) *ACPRunner {
	return &ACPRunner{
		cfg:      cfg,
		log:      log.WithFields(zap.String("runner", "acp")),
		events:   events,
		info:     info,
		sessions: make(map[string]*acpSession),
	}
}

func (r *ACPRunner) RunnerType() string { return "acp" }

func (r *ACPRunner) Start(ctx context.Context, sessionID, prompt string, _ int) error {
	r.mu.Lock()
	sess := r.sessions[sessionID]
	r.mu.Unlock()
	if sess == nil {
		var err error
		if sess, err = r.launch(ctx, sessionID); err != nil {
			return err
		}
	}
	return r.promptTurn(sess, prompt)
}

func (r *ACPRunner) SendInput(ctx context.Context, sessionID, text string) error {
	r.mu.Lock()
	sess := r.sessions[sessionID]
	r.mu.Unlock()
	if sess == nil {
		var err error
		if sess, err = r.launch(ctx, sessionID); err != nil {
			return err
		}
	}
	return r.promptTurn(sess, text)
}

// Stop cancels the active turn over the protocol, then kills the sidecar.
func (r *ACPRunner) Stop(_ context.Context, sessionID string) (*int, error) {
	r.mu.Lock()
	sess := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if sess == nil {
		return nil, nil
	}

	sess.mu.Lock()
	sess.stopRequested = true
	cancel := sess.cancelTurn
	sess.mu.Unlock()

	cancelCtx, done := context.WithTimeout(context.Background(), acpCancelTimeout)
	if err := sess.conn.Cancel(cancelCtx, acp.CancelNotification{
		SessionId: acp.SessionId(sess.acpSessionID),
	}); err != nil {
		r.log.Debug("acp cancel failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	done()

	if cancel != nil {
		cancel()
	}
	sess.endTurn()
	if sess.cmd.Process != nil {
		_ = sess.cmd.Process.Kill()
	}

	code := 0
	return &code, nil
}

// UpdatePermissionMode is a no-op: mode support varies per agent and is
// negotiated when the agent session is created.
func (r *ACPRunner) UpdatePermissionMode(context.Context, string, string) error {
	return nil
}

// launch spawns the sidecar, performs the protocol handshake and creates
// the agent-side session.
func (r *ACPRunner) launch(ctx context.Context, sessionID string) (*acpSession, error) {
	command := r.cfg.Runner.ACP.Command
	if command == "" {
		return nil, errors.New("acp command not configured")
	}

	info, err := r.info.SessionInfo(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session info: %w", err)
	}

	cmd := exec.Command(command, r.cfg.Runner.ACP.Args...)
	if info.Workdir != "" {
		cmd.Dir = info.Workdir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}

	sess := &acpSession{id: sessionID, cmd: cmd}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				r.log.Debug("acp stderr",
					zap.String("session_id", sessionID),
					zap.String("line", line))
			}
		}
	}()

	bridge := &acpBridge{
		log:           r.log,
		workspaceRoot: info.Workdir,
		onUpdate: func(n acp.SessionNotification) {
			r.handleUpdate(sess, n)
		},
		onPermission: func(permCtx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
			return r.handlePermission(permCtx, sess, p)
		},
	}

	conn := acp.NewClientSideConnection(bridge, stdin, stdout)
	conn.SetLogger(slog.Default().With("component", "acp-conn"))
	sess.conn = conn

	initResp, err := conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo: &acp.Implementation{
			Name:    "perch",
			Version: "1.0.0",
		},
	})
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("acp initialize handshake failed: %w", err)
	}

	newResp, err := conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        info.Workdir,
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("failed to create agent session: %w", err)
	}
	sess.acpSessionID = string(newResp.SessionId)

	r.mu.Lock()
	r.sessions[sessionID] = sess
	r.mu.Unlock()

	title := "ACP Agent"
	if initResp.AgentInfo != nil {
		title = initResp.AgentInfo.Name
		if initResp.AgentInfo.Version != "" {
			title += " " + initResp.AgentInfo.Version
		}
	}
	r.events.OnHeader(sessionID, title, sess.acpSessionID, "", "acp")

	go r.monitor(sess)

	r.log.Info("acp session launched",
		zap.String("session_id", sessionID),
		zap.String("agent_session_id", sess.acpSessionID),
		zap.String("command", command))
	return sess, nil
}

// monitor watches the sidecar process; dying outside a requested stop is a
// session failure.
func (r *ACPRunner) monitor(sess *acpSession) {
	err := sess.cmd.Wait()

	r.mu.Lock()
	delete(r.sessions, sess.id)
	r.mu.Unlock()
	sess.endTurn()

	if sess.stopping() {
		return
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		r.events.OnExit(sess.id, &code)
		return
	}
	msg := "acp agent exited unexpectedly"
	if err != nil {
		msg += ": " + err.Error()
	}
	r.events.OnError(sess.id, "runner_error", msg)
}

// promptTurn dispatches one prompt and collects the reply in the background.
func (r *ACPRunner) promptTurn(sess *acpSession, text string) error {
	sess.mu.Lock()
	if sess.cancelTurn != nil {
		sess.mu.Unlock()
		return fmt.Errorf("turn already in progress for session %s", sess.id)
	}
	turnCtx, cancel := context.WithCancel(context.Background())
	sess.cancelTurn = cancel
	sess.mu.Unlock()

	sess.beginTurn(r.events)

	go func() {
		defer func() {
			sess.mu.Lock()
			sess.cancelTurn = nil
			sess.mu.Unlock()
			cancel()
		}()

		resp, err := sess.conn.Prompt(turnCtx, acp.PromptRequest{
			SessionId: acp.SessionId(sess.acpSessionID),
			Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
		})

		sess.endTurn()
		reply := sess.takeReply()
		if sess.stopping() {
			return
		}

		if err != nil {
			r.events.OnError(sess.id, "runner_error", fmt.Sprintf("prompt failed: %v", err))
			return
		}
		if reply != "" {
			r.events.OnOutput(sess.id, "stdout", reply, "", true)
		}
		if resp.StopReason == acp.StopReasonCancelled {
			return
		}
		r.events.OnAwaitingInput(sess.id)
	}()

	return nil
}

// handleUpdate folds agent progress notifications into session output.
// Message chunks accumulate into the turn's reply; tool activity surfaces
// immediately as progress markers.
func (r *ACPRunner) handleUpdate(sess *acpSession, n acp.SessionNotification) {
	u := n.Update
	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text != nil {
			sess.mu.Lock()
			sess.reply.WriteString(u.AgentMessageChunk.Content.Text.Text)
			sess.mu.Unlock()
		}
	case u.ToolCall != nil:
		title := u.ToolCall.Title
		if title == "" {
			title = string(u.ToolCall.ToolCallId)
		}
		r.events.OnOutput(sess.id, "stdout", fmt.Sprintf("[tool: %s]", title), "", false)
	}
}

// handlePermission routes an agent permission prompt through the shared
// approval flow and maps the operator's decision back onto the agent's own
// option list.
func (r *ACPRunner) handlePermission(ctx context.Context, sess *acpSession, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	requestID := uuid.NewString()
	toolName := string(p.ToolCall.ToolCallId)
	if p.ToolCall.Title != nil && *p.ToolCall.Title != "" {
		toolName = *p.ToolCall.Title
	}
	input, _ := p.ToolCall.RawInput.(map[string]any)

	decisionCh := r.events.OnPermissionRequest(sess.id, requestID, toolName, input)

	select {
	case d := <-decisionCh:
		r.events.OnPermissionResolved(sess.id, requestID, d.ResolvedBy, d.Allowed, decisionMessage(d))
		if id := pickPermissionOption(p.Options, d); id != "" {
			return selectedPermission(acp.PermissionOptionId(id)), nil
		}
		return cancelledPermission(), nil
	case <-ctx.Done():
		return cancelledPermission(), nil
	}
}

// pickPermissionOption chooses the agent option that best matches the
// operator's decision. Denials without a reject option fall through to a
// cancelled outcome.
func pickPermissionOption(options []acp.PermissionOption, d models.PermissionDecision) string {
	if d.Allowed {
		if d.Option == "AllowAll" {
			for _, opt := range options {
				if opt.Kind == acp.PermissionOptionKindAllowAlways {
					return string(opt.OptionId)
				}
			}
		}
		for _, opt := range options {
			if opt.Kind == acp.PermissionOptionKindAllowOnce || opt.Kind == acp.PermissionOptionKindAllowAlways {
				return string(opt.OptionId)
			}
		}
		if len(options) > 0 {
			return string(options[0].OptionId)
		}
		return ""
	}
	for _, opt := range options {
		if opt.Kind == acp.PermissionOptionKindRejectOnce {
			return string(opt.OptionId)
		}
	}
	return ""
}
