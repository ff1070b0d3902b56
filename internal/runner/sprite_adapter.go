package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/common/config"
	"github.com/perchhq/perch/internal/common/logger"
)

const (
	spriteWorkspacePath = "/workspace"
	spriteNamePrefix    = "perch-"
)

// SpriteRunner executes agent turns on a Sprites.dev remote sandbox. Each
// turn is one remote command invocation of the Claude CLI in headless mode;
// conversation history lives in the sandbox, carried between turns with the
// CLI's continue flag.
type SpriteRunner struct {
	cfg    *config.Config
	log    *logger.Logger
	events Events

	mu       sync.Mutex
	sessions map[string]*spriteSession
}

var _ Runner = (*SpriteRunner)(nil)

type spriteSession struct {
	id     string
	name   string
	sprite *sprites.Sprite
	// managed sprites were created for this session and are destroyed with it
	managed bool

	mu            sync.Mutex
	cancelTurn    context.CancelFunc
	stopRequested bool
	started       bool
	bypass        bool
}

// NewSpriteRunner creates the remote sandbox runner. It fails without an
// API token so misconfiguration surfaces at first use.
func NewSpriteRunner(cfg *config.Config, log *logger.Logger, events Events) (Runner, error) {
	if cfg.Runner.Sprite.Token == "" {
		return nil, errors.New("sprites token not configured")
	}
	return &SpriteRunner{
		cfg:      cfg,
		log:      log.WithFields(zap.String("runner", "sprite")),
		events:   events,
		sessions: make(map[string]*spriteSession),
	}, nil
}

func (r *SpriteRunner) RunnerType() string { return "sprite" }

func (r *SpriteRunner) Start(_ context.Context, sessionID, prompt string, approvalChoice int) error {
	sess := r.session(sessionID)
	sess.mu.Lock()
	sess.bypass = approvalChoice == ApprovalBypassPermissions
	sess.mu.Unlock()
	return r.runTurn(sess, prompt)
}

func (r *SpriteRunner) SendInput(_ context.Context, sessionID, text string) error {
	return r.runTurn(r.session(sessionID), text)
}

// Stop cancels the in-flight turn and destroys the sandbox when it was
// created for this session.
func (r *SpriteRunner) Stop(_ context.Context, sessionID string) (*int, error) {
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

	if sess.managed {
		go func() {
			if err := sess.sprite.Destroy(); err != nil {
				r.log.Warn("failed to destroy sprite",
					zap.String("sprite_name", sess.name),
					zap.Error(err))
				return
			}
			r.log.Info("sprite destroyed", zap.String("sprite_name", sess.name))
		}()
	}

	code := 0
	return &code, nil
}

// UpdatePermissionMode takes effect on the next turn.
func (r *SpriteRunner) UpdatePermissionMode(_ context.Context, sessionID, mode string) error {
	r.mu.Lock()
	sess := r.sessions[sessionID]
	r.mu.Unlock()
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	sess.bypass = mode == ModeBypassPermissions
	sess.mu.Unlock()
	return nil
}

func (r *SpriteRunner) session(sessionID string) *spriteSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess := r.sessions[sessionID]; sess != nil {
		return sess
	}

	name := r.cfg.Runner.Sprite.Name
	managed := false
	if name == "" {
		name = spriteNamePrefix + strings.TrimPrefix(sessionID, "sess_")
		managed = true
	}

	client := sprites.New(r.cfg.Runner.Sprite.Token)
	sess := &spriteSession{
		id:      sessionID,
		name:    name,
		sprite:  client.Sprite(name),
		managed: managed,
	}
	r.sessions[sessionID] = sess
	return sess
}

// runTurn dispatches one remote command and returns once it is in flight.
func (r *SpriteRunner) runTurn(sess *spriteSession, prompt string) error {
	sess.mu.Lock()
	if sess.cancelTurn != nil {
		sess.mu.Unlock()
		return fmt.Errorf("turn already in progress for session %s", sess.id)
	}
	turnCtx, cancel := context.WithCancel(context.Background())
	sess.cancelTurn = cancel
	script := r.buildScript(sess, prompt)
	first := !sess.started
	sess.started = true
	sess.mu.Unlock()

	if first {
		r.events.OnHeader(sess.id, "Sprite "+sess.name, "", "", "sprite")
	}

	go r.execute(turnCtx, sess, script)
	return nil
}

// buildScript assembles the remote shell invocation for one turn. The first
// turn starts a fresh conversation; later turns continue it.
func (r *SpriteRunner) buildScript(sess *spriteSession, prompt string) string {
	var sb strings.Builder
	sb.WriteString("cd ")
	sb.WriteString(spriteWorkspacePath)
	sb.WriteString(" && claude -p ")
	sb.WriteString(shellQuote(prompt))
	if sess.started {
		sb.WriteString(" --continue")
	}
	if sess.bypass {
		sb.WriteString(" --dangerously-skip-permissions")
	}
	return sb.String()
}

func (r *SpriteRunner) execute(ctx context.Context, sess *spriteSession, script string) {
	hb := startHeartbeats(r.events, sess.id)
	defer hb.stop()
	defer func() {
		sess.mu.Lock()
		cancel := sess.cancelTurn
		sess.cancelTurn = nil
		sess.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}()

	out, err := sess.sprite.CommandContext(ctx, "sh", "-c", script).CombinedOutput()

	sess.mu.Lock()
	stopped := sess.stopRequested
	sess.mu.Unlock()
	if stopped {
		return
	}

	if err != nil {
		msg := err.Error()
		if tail := strings.TrimSpace(string(out)); tail != "" {
			msg += ": " + truncate(tail, maxResultLen)
		}
		r.events.OnError(sess.id, "runner_error", msg)
		return
	}

	if text := strings.TrimSpace(string(out)); text != "" {
		r.events.OnOutput(sess.id, "stdout", text, "", true)
	}
	r.events.OnAwaitingInput(sess.id)
}

// shellQuote wraps s in single quotes for safe interpolation into sh -c.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
