package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/common/config"
	"github.com/perchhq/perch/internal/common/logger"
)

const (
	termStartupDelay = 300 * time.Millisecond
	termStopGrace    = 2 * time.Second
	lineMemoryCap    = 400
)

// TermRunner drives an interactive agent CLI inside a PTY. The raw output
// stream feeds a virtual terminal; the rendered screen is classified into
// working / waiting states and newly rendered content lines become session
// output. Input is typed into the TUI as keystrokes.
type TermRunner struct {
	cfg    *config.Config
	log    *logger.Logger
	events Events
	info   InfoSource

	mu       sync.Mutex
	sessions map[string]*termSession
}

var _ Runner = (*TermRunner)(nil)

type termSession struct {
	id     string
	cmd    *exec.Cmd
	pty    PtyHandle
	screen *screenTracker
	lines  *lineMemory

	stopSignal chan struct{}
	stopOnce   sync.Once
	waitDone   chan struct{}

	mu            sync.Mutex
	hb            *heartbeater
	exitCode      int
	stopRequested bool
}

func (s *termSession) beginTurn(events Events) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hb == nil {
		s.hb = startHeartbeats(events, s.id)
	}
}

func (s *termSession) endTurn() {
	s.mu.Lock()
	hb := s.hb
	s.hb = nil
	s.mu.Unlock()
	if hb != nil {
		hb.stop()
	}
}

func (s *termSession) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

// freshOutput gathers content lines that appeared on screen since the last
// flush, skipping TUI decoration.
func (s *termSession) freshOutput() string {
	var out []string
	for _, line := range s.screen.VisibleLines() {
		trimmed := strings.TrimRight(line, " ")
		if screenChrome(trimmed) {
			continue
		}
		key := strings.Join(strings.Fields(trimmed), " ")
		if key == "" || !s.lines.fresh(key) {
			continue
		}
		out = append(out, strings.TrimSpace(trimmed))
	}
	return strings.Join(out, "\n")
}

// NewTermRunner creates the PTY runner.
func NewTermRunner(cfg *config.Config, log *logger.Logger, events Events, info InfoSource) *TermRunner {
	return &TermRunner{
		cfg:      cfg,
		log:      log.WithFields(zap.String("runner", "term")),
		events:   events,
		info:     info,
		sessions: make(map[string]*termSession),
	}
}

func (r *TermRunner) RunnerType() string { return "term" }

func (r *TermRunner) Start(ctx context.Context, sessionID, prompt string, approvalChoice int) error {
	sess, launched, err := r.session(ctx, sessionID, approvalChoice)
	if err != nil {
		return err
	}
	if launched {
		// Let the TUI draw its first frame before typing.
		time.Sleep(termStartupDelay)
	}
	return r.sendKeys(sess, prompt)
}

func (r *TermRunner) SendInput(ctx context.Context, sessionID, text string) error {
	sess, launched, err := r.session(ctx, sessionID, ApprovalDefault)
	if err != nil {
		return err
	}
	if launched {
		time.Sleep(termStartupDelay)
	}
	return r.sendKeys(sess, text)
}

// Stop closes the PTY and terminates the CLI, waiting briefly for a clean
// exit before force-killing.
func (r *TermRunner) Stop(ctx context.Context, sessionID string) (*int, error) {
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

	sess.stopOnce.Do(func() { close(sess.stopSignal) })
	_ = sess.pty.Close()
	if sess.cmd.Process != nil {
		_ = terminateProcess(sess.cmd.Process)
	}

	select {
	case <-sess.waitDone:
		sess.mu.Lock()
		code := sess.exitCode
		sess.mu.Unlock()
		sess.endTurn()
		return &code, nil
	case <-time.After(termStopGrace):
	case <-ctx.Done():
	}

	if sess.cmd.Process != nil {
		_ = sess.cmd.Process.Kill()
	}
	sess.endTurn()
	return nil, nil
}

// UpdatePermissionMode is a no-op: approval prompts render inside the TUI
// and the operator answers them with input.
func (r *TermRunner) UpdatePermissionMode(context.Context, string, string) error {
	return nil
}

func (r *TermRunner) session(ctx context.Context, sessionID string, approvalChoice int) (*termSession, bool, error) {
	r.mu.Lock()
	sess := r.sessions[sessionID]
	r.mu.Unlock()
	if sess != nil {
		return sess, false, nil
	}
	sess, err := r.launch(ctx, sessionID, approvalChoice)
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// launch spawns the CLI in a PTY sized from config.
func (r *TermRunner) launch(ctx context.Context, sessionID string, approvalChoice int) (*termSession, error) {
	info, err := r.info.SessionInfo(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session info: %w", err)
	}

	command := r.cfg.Runner.Term.Command
	if command == "" {
		command = "claude"
	}
	cols, rows := r.cfg.Runner.Term.Cols, r.cfg.Runner.Term.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	var args []string
	if approvalChoice == ApprovalBypassPermissions && filepath.Base(command) == "claude" {
		args = append(args, "--dangerously-skip-permissions")
	}

	cmd := exec.Command(command, args...)
	if info.Workdir != "" {
		cmd.Dir = info.Workdir
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := startPTYWithSize(cmd, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}

	sess := &termSession{
		id:         sessionID,
		cmd:        cmd,
		pty:        ptmx,
		screen:     newScreenTracker(cols, rows),
		lines:      newLineMemory(),
		stopSignal: make(chan struct{}),
		waitDone:   make(chan struct{}),
	}

	r.mu.Lock()
	r.sessions[sessionID] = sess
	r.mu.Unlock()

	r.events.OnHeader(sessionID, command, "", "", "term")

	go r.readLoop(sess)
	go r.wait(sess)

	pid := 0
	if cmd.Process != nil {
		pid = cmd.Process.Pid
	}
	r.log.Info("terminal session started",
		zap.String("session_id", sessionID),
		zap.String("command", command),
		zap.Int("cols", cols),
		zap.Int("rows", rows),
		zap.Int("pid", pid))
	return sess, nil
}

// sendKeys types the text into the TUI wrapped in bracketed paste so
// embedded newlines do not submit early, then presses Enter.
func (r *TermRunner) sendKeys(sess *termSession, text string) error {
	payload := "\x1b[200~" + text + "\x1b[201~\r"
	if _, err := sess.pty.Write([]byte(payload)); err != nil {
		return fmt.Errorf("failed to write to pty: %w", err)
	}
	return nil
}

func (r *TermRunner) readLoop(sess *termSession) {
	buf := make([]byte, 32768)
	for {
		select {
		case <-sess.stopSignal:
			return
		default:
		}

		n, err := sess.pty.Read(buf)
		if n > 0 {
			r.consumeOutput(sess, buf[:n])
		}
		if err != nil {
			r.log.Debug("pty read ended", zap.String("session_id", sess.id), zap.Error(err))
			return
		}
	}
}

func (r *TermRunner) consumeOutput(sess *termSession, data []byte) {
	r.answerTerminalQueries(sess, data)
	sess.screen.Write(data)
	if !sess.screen.ShouldCheck() {
		return
	}
	if state, changed := sess.screen.Update(); changed {
		r.handleStateChange(sess, state)
	}
}

// answerTerminalQueries responds to cursor position (DSR) and device
// attribute (DA1) probes. Some CLIs query the terminal on startup and exit
// when no answer arrives.
func (r *TermRunner) answerTerminalQueries(sess *termSession, data []byte) {
	if containsDSRQuery(data) {
		_, _ = sess.pty.Write([]byte("\x1b[1;1R"))
	}
	if containsDA1Query(data) {
		_, _ = sess.pty.Write([]byte("\x1b[?1;2c"))
	}
}

func (r *TermRunner) handleStateChange(sess *termSession, state TermState) {
	r.log.Debug("terminal state changed",
		zap.String("session_id", sess.id),
		zap.String("state", string(state)))

	switch state {
	case TermStateWorking:
		sess.beginTurn(r.events)
	case TermStateWaitingInput, TermStateWaitingApproval:
		sess.endTurn()
		if sess.stopping() {
			return
		}
		if out := sess.freshOutput(); out != "" {
			r.events.OnOutput(sess.id, "stdout", out, "", true)
		}
		r.events.OnAwaitingInput(sess.id)
	}
}

func (r *TermRunner) wait(sess *termSession) {
	defer close(sess.waitDone)

	code, err := waitPTYProcess(sess.cmd, sess.pty)

	sess.mu.Lock()
	sess.exitCode = code
	sess.mu.Unlock()

	r.mu.Lock()
	delete(r.sessions, sess.id)
	r.mu.Unlock()
	sess.endTurn()

	r.log.Info("terminal session exited",
		zap.String("session_id", sess.id),
		zap.Int("exit_code", code),
		zap.Error(err))

	if sess.stopping() {
		return
	}
	exitCode := code
	r.events.OnExit(sess.id, &exitCode)
}

// containsDSRQuery checks for a Device Status Report (cursor position)
// query: ESC [ 6 n or ESC [ ? 6 n.
func containsDSRQuery(data []byte) bool {
	return bytes.Contains(data, []byte("\x1b[6n")) || bytes.Contains(data, []byte("\x1b[?6n"))
}

// containsDA1Query checks for a Primary Device Attributes query, ESC [ c
// or ESC [ 0 c. ESC [ <1-9> c is cursor forward and must not match.
func containsDA1Query(data []byte) bool {
	for i := 0; i+2 < len(data); i++ {
		if data[i] != '\x1b' || data[i+1] != '[' {
			continue
		}
		if data[i+2] == 'c' {
			return true
		}
		if data[i+2] == '0' && i+3 < len(data) && data[i+3] == 'c' {
			return true
		}
	}
	return false
}

var boxBorderChars = "╭╮╰╯│┌┐└┘├┤╎"

// screenChrome reports whether a rendered line is TUI decoration rather
// than content.
func screenChrome(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return true
	}
	first, _ := utf8.DecodeRuneInString(trimmed)
	if strings.ContainsRune(boxBorderChars, first) {
		return true
	}
	if separatorPattern.MatchString(trimmed) {
		return true
	}
	return workingTaskPattern.MatchString(trimmed) || tipPattern.MatchString(trimmed)
}

// lineMemory remembers which rendered lines were already emitted so screen
// redraws do not repeat old content.
type lineMemory struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

func newLineMemory() *lineMemory {
	return &lineMemory{seen: make(map[string]struct{})}
}

// fresh records the line and reports whether it was new.
func (m *lineMemory) fresh(line string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[line]; ok {
		return false
	}
	m.seen[line] = struct{}{}
	m.order = append(m.order, line)
	if len(m.order) > lineMemoryCap {
		evict := m.order[0]
		m.order = m.order[1:]
		delete(m.seen, evict)
	}
	return true
}
