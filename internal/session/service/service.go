// Package service implements the session operations behind the HTTP, bridge,
// and MCP surfaces. It owns the lifecycle rules, hands turns to the runner
// adapters, and receives their callbacks as the event sink.
package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/common/logger"
	"github.com/perchhq/perch/internal/events"
	"github.com/perchhq/perch/internal/events/bus"
	"github.com/perchhq/perch/internal/runner"
	"github.com/perchhq/perch/internal/session/models"
	"github.com/perchhq/perch/internal/session/store"
)

// Operation errors. The API layer maps these onto 409 and 422 responses.
var (
	ErrNotRunning       = errors.New("session not running")
	ErrNotCreated       = errors.New("session not in CREATED state")
	ErrSessionActive    = errors.New("session is active")
	ErrTextRequired     = errors.New("text is required")
	ErrNameRequired     = errors.New("name is required")
	ErrDirectoryInvalid = errors.New("directory must be an existing folder")
	ErrApprovalChoice   = errors.New("approval_choice must be 1 or 2")
	ErrPermissionMode   = errors.New("invalid permission mode")
)

const (
	// maxNameLen caps session display names, counted in runes.
	maxNameLen = 80

	defaultStopTimeout = 30 * time.Second

	// startTimeout bounds adapter startup, which may include an image pull.
	startTimeout = 5 * time.Minute

	busSource = "session-service"
)

// RunnerProvider resolves adapter names to runners. The registry implements
// it; tests substitute fakes.
type RunnerProvider interface {
	Get(name string) (runner.Runner, error)
	ValidateAdapter(name string) error
}

// Service owns session lifecycle and event semantics. Apart from the store's
// own bookkeeping it is the only writer of session state.
type Service struct {
	store *store.Store
	bus   bus.EventBus
	log   *logger.Logger

	runners     RunnerProvider
	stopTimeout time.Duration
}

// NewService creates a session service on top of the store and event bus.
// The runner registry is attached afterwards via SetRunnerProvider.
func NewService(st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:       st,
		bus:         eventBus,
		log:         log,
		stopTimeout: defaultStopTimeout,
	}
}

// SetRunnerProvider wires the adapter registry after construction. The
// registry needs the service as its event sink, so the two connect in two
// steps.
func (s *Service) SetRunnerProvider(p RunnerProvider) {
	s.runners = p
}

// SetStopTimeout bounds how long Stop and Interrupt wait on a backend.
func (s *Service) SetStopTimeout(d time.Duration) {
	if d > 0 {
		s.stopTimeout = d
	}
}

// Store exposes the underlying session store for surfaces that stream
// events directly, such as the SSE handler.
func (s *Service) Store() *store.Store {
	return s.store
}

// CreateSessionRequest carries the operator-supplied fields for a new session.
type CreateSessionRequest struct {
	Name      string         `json:"name,omitempty"`
	Directory string         `json:"directory,omitempty"`
	RepoID    string         `json:"repo_id,omitempty"`
	Adapter   string         `json:"adapter,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Create registers a new session in CREATED state. A directory, when given,
// must already exist; it becomes the session workdir and is probed for a git
// checkout.
func (s *Service) Create(ctx context.Context, req CreateSessionRequest) (*models.Session, error) {
	if req.Adapter != "" && s.runners != nil {
		if err := s.runners.ValidateAdapter(req.Adapter); err != nil {
			return nil, err
		}
	}

	sess := &models.Session{
		Name:     normalizeName(req.Name),
		Adapter:  req.Adapter,
		RepoID:   strings.TrimSpace(req.RepoID),
		Metadata: req.Metadata,
	}

	if strings.TrimSpace(req.Directory) != "" {
		dir, isGit, err := resolveDirectory(req.Directory)
		if err != nil {
			return nil, err
		}
		sess.Workdir = dir
		sess.WorkdirManaged = false
		sess.IsGit = isGit
		sess.RepoPath = dir
		if sess.RepoID == "" {
			sess.RepoID = dir
		}
	}
	if sess.RepoID == "" {
		sess.RepoID = "repo_local"
	}

	created, err := s.store.CreateSession(ctx, sess)
	if err != nil {
		s.log.Error("failed to create session", zap.Error(err))
		return nil, err
	}

	s.publish(ctx, created.ID, events.SessionCreated, map[string]any{
		"session_id": created.ID,
		"adapter":    created.Adapter,
		"repo_id":    created.RepoID,
	})

	s.log.Info("session created",
		zap.String("session_id", created.ID),
		zap.String("adapter", created.Adapter),
		zap.String("workdir", created.Workdir))

	return created, nil
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, id string) (*models.Session, error) {
	return s.store.GetSession(ctx, id)
}

// List returns all sessions, newest first.
func (s *Service) List(ctx context.Context) ([]*models.Session, error) {
	return s.store.ListSessions(ctx)
}

// Rename sets a session's display name.
func (s *Service) Rename(ctx context.Context, id, name string) (*models.Session, error) {
	normalized := normalizeName(name)
	if normalized == "" {
		return nil, ErrNameRequired
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Name = normalized
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		s.log.Error("failed to rename session",
			zap.String("session_id", id),
			zap.Error(err))
		return nil, err
	}
	s.publish(ctx, id, events.SessionRenamed, map[string]any{
		"session_id": id,
		"name":       normalized,
	})
	return sess, nil
}

// Delete removes a session, its event log, and any managed workdir. Sessions
// that are running or still stopping must be stopped first; other live
// backends are shut down best effort before the rows go.
func (s *Service) Delete(ctx context.Context, id string) error {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.State == models.StateRunning || sess.State == models.StateStopping {
		return ErrSessionActive
	}

	if !sess.State.Terminal() && !sess.External() && s.runners != nil {
		if rn, rerr := s.runners.Get(sess.Adapter); rerr == nil {
			stopCtx, cancel := context.WithTimeout(ctx, s.stopTimeout)
			if _, serr := rn.Stop(stopCtx, id); serr != nil {
				s.log.Warn("stop before delete failed",
					zap.String("session_id", id),
					zap.Error(serr))
			}
			cancel()
		}
	}

	if err := s.store.DeleteSession(ctx, id); err != nil {
		s.log.Error("failed to delete session",
			zap.String("session_id", id),
			zap.Error(err))
		return err
	}
	s.publish(ctx, id, events.SessionDeleted, map[string]any{"session_id": id})
	s.log.Info("session deleted", zap.String("session_id", id))
	return nil
}

// Usage returns the aggregated token and cost tally for a session.
func (s *Service) Usage(ctx context.Context, id string) (models.Usage, error) {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return models.Usage{}, err
	}
	return s.store.SessionUsage(id)
}

// Messages returns the recorded conversation transcript.
func (s *Service) Messages(ctx context.Context, id string) ([]*models.Message, error) {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Messages(ctx, id)
}

// Events reads a session's event log, optionally starting after a sequence
// number and filtered by event type.
func (s *Service) Events(ctx context.Context, id string, sinceSeq int64, types []string) ([]models.Event, error) {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ReadEventLog(id, sinceSeq, types)
}

// Subscribe attaches a live event channel to a session. The returned
// subscriber id releases the channel via Unsubscribe.
func (s *Service) Subscribe(id string) (string, <-chan models.Event) {
	return s.store.NewSubscriber(id)
}

// Unsubscribe releases a live event channel.
func (s *Service) Unsubscribe(id, subID string) {
	s.store.RemoveSubscriber(id, subID)
}

// ResolvePermission applies a human decision to a pending tool approval. It
// reports false when the request is unknown or already resolved.
func (s *Service) ResolvePermission(ctx context.Context, sessionID, requestID string, d models.PermissionDecision) (bool, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return false, err
	}
	if d.ResolvedBy == "" {
		d.ResolvedBy = "api"
	}
	if !s.store.ResolvePermission(sessionID, requestID, d) {
		return false, nil
	}

	payload := map[string]any{
		"request_id":  requestID,
		"allow":       d.Allowed,
		"resolved_by": d.ResolvedBy,
	}
	if d.Option != "" {
		payload["option_selected"] = d.Option
	}
	if d.Message != "" {
		payload["message"] = d.Message
	}
	if _, err := s.store.Emit(ctx, sessionID, models.EventApprovalResponse, payload); err != nil {
		s.log.Warn("failed to emit approval response",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	s.log.Info("permission resolved",
		zap.String("session_id", sessionID),
		zap.String("request_id", requestID),
		zap.Bool("allow", d.Allowed),
		zap.String("resolved_by", d.ResolvedBy))
	return true, nil
}

// PendingPermissions lists approvals still waiting on a decision.
func (s *Service) PendingPermissions(ctx context.Context, sessionID string) ([]models.ApprovalRequest, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.PendingPermissions(sessionID), nil
}

// publish sends a lifecycle notification on the bus. Bus failures are logged
// and swallowed; the store remains the source of truth.
func (s *Service) publish(ctx context.Context, sessionID, eventType string, data map[string]any) {
	if s.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, busSource, data)
	if err := s.bus.Publish(ctx, events.BuildSessionLifecycleSubject(sessionID), ev); err != nil {
		s.log.Warn("failed to publish lifecycle event",
			zap.String("session_id", sessionID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// normalizeName collapses whitespace runs and applies the display length cap
// shared by rename and name inference.
func normalizeName(raw string) string {
	name := strings.Join(strings.Fields(raw), " ")
	if utf8.RuneCountInString(name) > maxNameLen {
		name = string([]rune(name)[:maxNameLen])
	}
	return name
}

// resolveDirectory expands and absolutizes an operator-supplied path and
// verifies it names an existing directory. The second return reports whether
// it holds a git checkout.
func resolveDirectory(raw string) (string, bool, error) {
	dir := expandHome(strings.TrimSpace(raw))
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", false, ErrDirectoryInvalid
	}
	abs = filepath.Clean(abs)
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", false, ErrDirectoryInvalid
	}
	// A .git entry may be a directory or, in worktrees, a file.
	_, gitErr := os.Stat(filepath.Join(abs, ".git"))
	return abs, gitErr == nil, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
