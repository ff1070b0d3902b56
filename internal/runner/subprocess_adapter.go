package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/common/logger"
)

// SubprocessRunner runs an agent declared in the runner definitions file.
// Every turn is one command execution: the prompt goes in through the
// argument template, stdout and stderr stream out as session output, and
// the exit status decides whether the session settles back into waiting
// for input or fails.
type SubprocessRunner struct {
	def    Definition
	log    *logger.Logger
	events Events
	info   InfoSource

	mu       sync.Mutex
	sessions map[string]*subprocessSession
}

var _ Runner = (*SubprocessRunner)(nil)

type subprocessSession struct {
	id string

	mu            sync.Mutex
	cancelTurn    context.CancelFunc
	stopRequested bool
	headerSent    bool
}

// NewSubprocessRunner creates a runner for one definition entry.
func NewSubprocessRunner(def Definition, log *logger.Logger, events Events, info InfoSource) *SubprocessRunner {
	return &SubprocessRunner{
		def:      def,
		log:      log.WithFields(zap.String("runner", def.Name)),
		events:   events,
		info:     info,
		sessions: make(map[string]*subprocessSession),
	}
}

func (r *SubprocessRunner) RunnerType() string { return r.def.Name }

func (r *SubprocessRunner) Start(ctx context.Context, sessionID, prompt string, _ int) error {
	return r.runTurn(ctx, sessionID, prompt)
}

func (r *SubprocessRunner) SendInput(ctx context.Context, sessionID, text string) error {
	return r.runTurn(ctx, sessionID, text)
}

// Stop cancels the in-flight turn, if any. The exit status of a killed
// command carries no meaning, so none is reported.
func (r *SubprocessRunner) Stop(_ context.Context, sessionID string) (*int, error) {
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
	if cancel != nil {
		cancel()
	}
	return nil, nil
}

// UpdatePermissionMode is a no-op: defined agents manage their own
// permission behavior.
func (r *SubprocessRunner) UpdatePermissionMode(context.Context, string, string) error {
	return nil
}

func (r *SubprocessRunner) session(sessionID string) *subprocessSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[sessionID]
	if sess == nil {
		sess = &subprocessSession{id: sessionID}
		r.sessions[sessionID] = sess
	}
	return sess
}

// runTurn executes one command invocation and blocks the caller only until
// the process has started; streaming and completion run in the background.
func (r *SubprocessRunner) runTurn(ctx context.Context, sessionID, prompt string) error {
	info, err := r.info.SessionInfo(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session info: %w", err)
	}

	sess := r.session(sessionID)
	sess.mu.Lock()
	if sess.cancelTurn != nil {
		sess.mu.Unlock()
		return fmt.Errorf("turn already in progress for session %s", sessionID)
	}
	turnCtx, cancel := context.WithCancel(context.Background())
	sess.cancelTurn = cancel
	headerSent := sess.headerSent
	sess.headerSent = true
	sess.mu.Unlock()

	if !headerSent {
		r.events.OnHeader(sessionID, r.def.Name, "", "", "local")
	}

	cmd := exec.CommandContext(turnCtx, r.def.Command, r.def.ExpandArgs(prompt)...)
	if info.Workdir != "" {
		cmd.Dir = info.Workdir
	}
	cmd.Env = append(os.Environ(), envList(r.def.Env)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.finishTurn(sess, cancel)
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.finishTurn(sess, cancel)
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		r.finishTurn(sess, cancel)
		return fmt.Errorf("failed to start %s: %w", r.def.Command, err)
	}

	r.log.Info("turn started",
		zap.String("session_id", sessionID),
		zap.String("command", r.def.Command))

	hb := startHeartbeats(r.events, sessionID)

	var collected strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.streamLines(sessionID, "stdout", stdout, &collected)
	}()
	go func() {
		defer wg.Done()
		r.streamLines(sessionID, "stderr", stderr, nil)
	}()

	go func() {
		wg.Wait()
		waitErr := cmd.Wait()
		hb.stop()
		r.finishTurn(sess, cancel)
		r.completeTurn(sess, collected.String(), waitErr)
	}()

	return nil
}

// streamLines forwards process output line by line. Lines also accumulate
// into sink when the stream contributes to the turn's final response.
func (r *SubprocessRunner) streamLines(sessionID, stream string, src io.Reader, sink *strings.Builder) {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		r.events.OnOutput(sessionID, stream, line, "", false)
		if sink != nil {
			sink.WriteString(line)
			sink.WriteString("\n")
		}
	}
}

// completeTurn reports the outcome of a finished command. A zero exit means
// the agent answered and is waiting for the next prompt; a non-zero exit is
// a failure unless the turn was deliberately cancelled.
func (r *SubprocessRunner) completeTurn(sess *subprocessSession, output string, waitErr error) {
	sess.mu.Lock()
	stopped := sess.stopRequested
	sess.mu.Unlock()
	if stopped {
		return
	}

	if waitErr == nil {
		if text := strings.TrimSpace(output); text != "" {
			r.events.OnOutput(sess.id, "stdout", text, "", true)
		}
		r.events.OnAwaitingInput(sess.id)
		return
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code := exitErr.ExitCode()
		r.events.OnExit(sess.id, &code)
		return
	}
	r.events.OnError(sess.id, "runner_error", waitErr.Error())
}

func (r *SubprocessRunner) finishTurn(sess *subprocessSession, cancel context.CancelFunc) {
	sess.mu.Lock()
	if sess.cancelTurn != nil {
		sess.cancelTurn = nil
	}
	sess.mu.Unlock()
	cancel()
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
