// Package store is the in-process hub for session state. It owns the legal
// state machine, the per-session event streams with their JSONL logs, pending
// permission requests, and managed working directories. Bridges and HTTP
// handlers consume it; runner adapters feed it through the runner event sink.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/common/logger"
	"github.com/perchhq/perch/internal/session/models"
	"github.com/perchhq/perch/internal/session/repository"
)

// ErrInvalidTransition is returned when a requested state change is not legal
// from the session's current state.
var ErrInvalidTransition = errors.New("invalid state transition")

// Options configures a Store.
type Options struct {
	// DataDir is the root data directory; event logs live under
	// {DataDir}/sessions/{id}/events.jsonl.
	DataDir string
	// SubscriberBuffer is the per-subscriber channel capacity.
	SubscriberBuffer int
	// PermissionTimeout bounds how long a permission request stays pending
	// before it is denied automatically.
	PermissionTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.SubscriberBuffer <= 0 {
		out.SubscriberBuffer = 256
	}
	if out.PermissionTimeout <= 0 {
		out.PermissionTimeout = 5 * time.Minute
	}
	return out
}

// Store coordinates session state, event fan-out, and the event log.
type Store struct {
	repo *repository.Repository
	log  *logger.Logger
	opts Options

	mu       sync.Mutex
	runtimes map[string]*sessionRuntime
}

// sessionRuntime holds the in-memory state of one session. Its mutex
// serializes event emission so sequence numbers stay dense and subscribers
// observe events in order.
type sessionRuntime struct {
	mu      sync.Mutex
	nextSeq int64 // 0 means not yet recovered from the log
	subs    map[string]chan models.Event
	nextSub int
	pending map[string]*pendingPermission
	recent  []string // normalized recent outputs for dedup
}

// New creates a Store backed by the given repository.
func New(repo *repository.Repository, log *logger.Logger, opts Options) *Store {
	return &Store{
		repo:     repo,
		log:      log,
		opts:     opts.withDefaults(),
		runtimes: make(map[string]*sessionRuntime),
	}
}

// runtime returns the runtime for a session, creating it on first use.
func (s *Store) runtime(sessionID string) *sessionRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[sessionID]
	if !ok {
		rt = &sessionRuntime{
			subs:    make(map[string]chan models.Event),
			pending: make(map[string]*pendingPermission),
		}
		s.runtimes[sessionID] = rt
	}
	return rt
}

// dropRuntime removes a session's runtime, closing all subscriber channels.
func (s *Store) dropRuntime(sessionID string) {
	s.mu.Lock()
	rt, ok := s.runtimes[sessionID]
	delete(s.runtimes, sessionID)
	s.mu.Unlock()
	if !ok {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for id, ch := range rt.subs {
		close(ch)
		delete(rt.subs, id)
	}
	for id, p := range rt.pending {
		p.resolve(models.PermissionDecision{Allowed: false, Reason: "session deleted"})
		delete(rt.pending, id)
	}
}

// CreateSession creates a new session in CREATED state.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) (*models.Session, error) {
	if sess == nil {
		sess = &models.Session{}
	}
	if sess.ID == "" {
		sess.ID = models.NewSessionID()
	}
	if sess.State == "" {
		sess.State = models.StateCreated
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = models.Now()
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return s.repo.GetSession(ctx, id)
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*models.Session, error) {
	return s.repo.ListSessions(ctx)
}

// ListSessionsByAgent returns sessions registered by an external agent.
func (s *Store) ListSessionsByAgent(ctx context.Context, agentID string) ([]*models.Session, error) {
	return s.repo.ListSessionsByAgent(ctx, agentID)
}

// UpdateSession persists non-state session fields. State changes must go
// through UpdateState so that transitions stay legal and observable.
func (s *Store) UpdateSession(ctx context.Context, sess *models.Session) error {
	return s.repo.UpdateSession(ctx, sess)
}

// UpdateState performs a legal state transition, maintains the lifecycle
// timestamps, and emits a session_state event. The persisted state change
// always precedes the event.
func (s *Store) UpdateState(ctx context.Context, sessionID string, next models.State) (*models.Session, error) {
	return s.transition(ctx, sessionID, next, nil)
}

// UpdateStateWithExitCode is UpdateState with the process exit code recorded
// alongside the transition.
func (s *Store) UpdateStateWithExitCode(ctx context.Context, sessionID string, next models.State, exitCode *int) (*models.Session, error) {
	return s.transition(ctx, sessionID, next, exitCode)
}

func (s *Store) transition(ctx context.Context, sessionID string, next models.State, exitCode *int) (*models.Session, error) {
	rt := s.runtime(sessionID)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	prev := sess.State
	if !prev.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
	}

	now := models.Now()
	sess.State = next
	if exitCode != nil {
		sess.ExitCode = exitCode
	}
	if next == models.StateRunning && sess.StartedAt == nil {
		sess.StartedAt = &now
	}
	if next.Terminal() {
		sess.EndedAt = &now
	} else {
		sess.LastActivityAt = &now
	}
	if err := s.repo.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}

	if _, err := s.emitLocked(rt, sessionID, models.EventSessionState, map[string]any{
		"state":      string(next),
		"prev_state": string(prev),
	}); err != nil {
		s.log.Warn("failed to emit state event",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	return sess, nil
}

// TouchActivity bumps last_activity_at for a non-terminal session.
func (s *Store) TouchActivity(ctx context.Context, sessionID string) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil || sess.State.Terminal() {
		return
	}
	now := models.Now()
	sess.LastActivityAt = &now
	if err := s.repo.UpdateSession(ctx, sess); err != nil {
		s.log.Warn("failed to record activity",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// SetRunnerSessionID records the runner-side conversation id. It is set at
// most once per run; empty and "unknown" values are ignored.
func (s *Store) SetRunnerSessionID(ctx context.Context, sessionID, runnerSessionID string) {
	if runnerSessionID == "" || runnerSessionID == "unknown" {
		return
	}
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil || sess.RunnerSessionID != "" {
		return
	}
	sess.RunnerSessionID = runnerSessionID
	if err := s.repo.UpdateSession(ctx, sess); err != nil {
		s.log.Warn("failed to store runner session id",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// GetRunnerSessionID returns the stored runner conversation id, empty when
// none was captured yet.
func (s *Store) GetRunnerSessionID(ctx context.Context, sessionID string) (string, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return sess.RunnerSessionID, nil
}

// FindByRunnerSessionID resolves a session from the runner-assigned id.
func (s *Store) FindByRunnerSessionID(ctx context.Context, runnerSessionID string) (*models.Session, error) {
	return s.repo.FindByRunnerSessionID(ctx, runnerSessionID)
}

// SetHeader stores the runner greeting banner shown in session listings.
func (s *Store) SetHeader(ctx context.Context, sessionID, header string) {
	if header == "" {
		return
	}
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	sess.Header = header
	if err := s.repo.UpdateSession(ctx, sess); err != nil {
		s.log.Warn("failed to store session header",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// ClearRunnerSessionID drops the stored runner conversation id, used when a
// fresh run begins.
func (s *Store) ClearRunnerSessionID(ctx context.Context, sessionID string) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil || sess.RunnerSessionID == "" {
		return
	}
	sess.RunnerSessionID = ""
	if err := s.repo.UpdateSession(ctx, sess); err != nil {
		s.log.Warn("failed to clear runner session id",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// DeleteSession removes a session: database rows, event log directory, any
// managed working directory, and all live subscribers.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	s.dropRuntime(sessionID)
	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		s.log.Warn("failed to remove session log dir",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	if sess.WorkdirManaged && sess.Workdir != "" {
		if err := os.RemoveAll(sess.Workdir); err != nil {
			s.log.Warn("failed to remove managed workdir",
				zap.String("session_id", sessionID),
				zap.String("workdir", sess.Workdir),
				zap.Error(err))
		}
	}
	return nil
}

// PruneSessions deletes terminal sessions whose last relevant timestamp is
// older than the cutoff. The effective time is ended_at, falling back to
// last_activity_at and then created_at. Returns the ids that were removed.
func (s *Store) PruneSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	sessions, err := s.repo.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	var pruned []string
	for _, sess := range sessions {
		if !sess.State.Terminal() {
			continue
		}
		effective := sess.CreatedAt
		if sess.LastActivityAt != nil {
			effective = *sess.LastActivityAt
		}
		if sess.EndedAt != nil {
			effective = *sess.EndedAt
		}
		if !effective.Before(cutoff) {
			continue
		}
		if err := s.DeleteSession(ctx, sess.ID); err != nil {
			s.log.Warn("failed to prune session",
				zap.String("session_id", sess.ID),
				zap.Error(err))
			continue
		}
		pruned = append(pruned, sess.ID)
	}
	return pruned, nil
}

// AddMessage appends to a session's conversation transcript.
func (s *Store) AddMessage(ctx context.Context, m *models.Message) error {
	return s.repo.AddMessage(ctx, m)
}

// Messages returns a session's conversation transcript.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	return s.repo.ListMessages(ctx, sessionID)
}

// CountMessages returns the transcript length.
func (s *Store) CountMessages(ctx context.Context, sessionID string) (int, error) {
	return s.repo.CountMessages(ctx, sessionID)
}

// ClearMessages empties a session's transcript.
func (s *Store) ClearMessages(ctx context.Context, sessionID string) error {
	return s.repo.ClearMessages(ctx, sessionID)
}

// sessionDir returns the per-session directory holding the event log.
func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.opts.DataDir, "sessions", sessionID)
}
