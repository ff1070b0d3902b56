package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchhq/perch/internal/common/logger"
	"github.com/perchhq/perch/internal/session/models"
	"github.com/perchhq/perch/internal/session/repository"
)

func setupStore(t *testing.T, opts Options) *Store {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := repository.New(db, db)
	require.NoError(t, err)

	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	if opts.DataDir == "" {
		opts.DataDir = t.TempDir()
	}
	return New(repo, log, opts)
}

func mustCreate(t *testing.T, s *Store) *models.Session {
	t.Helper()
	sess, err := s.CreateSession(context.Background(), &models.Session{Name: "test"})
	require.NoError(t, err)
	return sess
}

func TestCreateSessionDefaults(t *testing.T) {
	s := setupStore(t, Options{})
	sess := mustCreate(t, s)

	assert.Contains(t, sess.ID, "sess_")
	assert.Equal(t, models.StateCreated, sess.State)
	assert.False(t, sess.CreatedAt.IsZero())

	got, err := s.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
}

func TestUpdateStateTimestamps(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()
	sess := mustCreate(t, s)

	running, err := s.UpdateState(ctx, sess.ID, models.StateRunning)
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)
	require.NotNil(t, running.LastActivityAt)
	assert.Nil(t, running.EndedAt)

	startedAt := *running.StartedAt

	_, err = s.UpdateState(ctx, sess.ID, models.StateStopping)
	require.NoError(t, err)
	stopped, err := s.UpdateState(ctx, sess.ID, models.StateStopped)
	require.NoError(t, err)
	require.NotNil(t, stopped.EndedAt)
	// started_at is set on the first RUNNING only
	assert.Equal(t, startedAt, *stopped.StartedAt)
}

func TestUpdateStateRejectsIllegalTransition(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()
	sess := mustCreate(t, s)

	_, err := s.UpdateState(ctx, sess.ID, models.StateStopped)
	require.ErrorIs(t, err, ErrInvalidTransition)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCreated, got.State)

	// no state event was emitted for the rejected transition
	events, err := s.ReadEventLog(sess.ID, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestUpdateStateEmitsEventAfterPersisting(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()
	sess := mustCreate(t, s)

	_, ch := s.NewSubscriber(sess.ID)

	_, err := s.UpdateState(ctx, sess.ID, models.StateRunning)
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, models.EventSessionState, ev.Type)
		assert.Equal(t, "RUNNING", ev.Payload["state"])
		assert.Equal(t, "CREATED", ev.Payload["prev_state"])
		// by the time the event is visible the row already carries the state
		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateRunning, got.State)
	case <-time.After(time.Second):
		t.Fatal("expected a session_state event")
	}
}

func TestUpdateStateWithExitCode(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()
	sess := mustCreate(t, s)

	_, err := s.UpdateState(ctx, sess.ID, models.StateRunning)
	require.NoError(t, err)

	code := 1
	errored, err := s.UpdateStateWithExitCode(ctx, sess.ID, models.StateError, &code)
	require.NoError(t, err)
	require.NotNil(t, errored.ExitCode)
	assert.Equal(t, 1, *errored.ExitCode)
	require.NotNil(t, errored.EndedAt)
}

func TestTouchActivity(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()
	sess := mustCreate(t, s)

	s.TouchActivity(ctx, sess.ID)
	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastActivityAt)
}

func TestRunnerSessionIDSetOnce(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()
	sess := mustCreate(t, s)

	s.SetRunnerSessionID(ctx, sess.ID, "unknown")
	id, err := s.GetRunnerSessionID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, id)

	s.SetRunnerSessionID(ctx, sess.ID, "first")
	s.SetRunnerSessionID(ctx, sess.ID, "second")
	id, err = s.GetRunnerSessionID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", id)

	found, err := s.FindByRunnerSessionID(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, found.ID)

	s.ClearRunnerSessionID(ctx, sess.ID)
	id, err = s.GetRunnerSessionID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestDeleteSessionCleansUp(t *testing.T) {
	dataDir := t.TempDir()
	s := setupStore(t, Options{DataDir: dataDir})
	ctx := context.Background()
	sess := mustCreate(t, s)

	_, err := s.Emit(ctx, sess.ID, models.EventOutput, map[string]any{"text": "hello"})
	require.NoError(t, err)
	logDir := filepath.Join(dataDir, "sessions", sess.ID)
	_, err = os.Stat(filepath.Join(logDir, "events.jsonl"))
	require.NoError(t, err)

	workdir, err := s.CreateWorkdir(ctx, sess.ID)
	require.NoError(t, err)

	_, ch := s.NewSubscriber(sess.ID)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))

	_, err = s.GetSession(ctx, sess.ID)
	require.Error(t, err)
	_, err = os.Stat(logDir)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(workdir)
	assert.True(t, os.IsNotExist(err))

	select {
	case _, open := <-ch:
		assert.False(t, open, "subscriber channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed on delete")
	}
}

func TestPruneSessions(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()

	old := models.Now().Add(-8 * 24 * time.Hour)
	recent := models.Now().Add(-24 * time.Hour)

	stale := mustCreate(t, s)
	staleSess, err := s.GetSession(ctx, stale.ID)
	require.NoError(t, err)
	staleSess.State = models.StateStopped
	staleSess.EndedAt = &old
	require.NoError(t, s.UpdateSession(ctx, staleSess))

	fresh := mustCreate(t, s)
	freshSess, err := s.GetSession(ctx, fresh.ID)
	require.NoError(t, err)
	freshSess.State = models.StateStopped
	freshSess.EndedAt = &recent
	require.NoError(t, s.UpdateSession(ctx, freshSess))

	// old but still running, must survive
	active := mustCreate(t, s)
	activeSess, err := s.GetSession(ctx, active.ID)
	require.NoError(t, err)
	activeSess.State = models.StateRunning
	activeSess.LastActivityAt = &old
	require.NoError(t, s.UpdateSession(ctx, activeSess))

	pruned, err := s.PruneSessions(ctx, models.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, pruned)

	remaining, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}
