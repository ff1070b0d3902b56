package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchhq/perch/internal/session/models"
)

func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := New(db, db)
	require.NoError(t, err)
	return repo
}

func newTestSession(id string) *models.Session {
	return &models.Session{
		ID:        id,
		Name:      "test session",
		State:     models.StateCreated,
		Adapter:   "claude",
		Workdir:   "/tmp/work",
		CreatedAt: models.Now(),
	}
}

func TestCreateAndGetSession(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	s := newTestSession("sess_aaa111bbb222")
	s.Metadata = map[string]any{"source": "test"}
	require.NoError(t, repo.CreateSession(ctx, s))

	got, err := repo.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, "test session", got.Name)
	assert.Equal(t, models.StateCreated, got.State)
	assert.Equal(t, "claude", got.Adapter)
	assert.Equal(t, "/tmp/work", got.Workdir)
	assert.False(t, got.WorkdirManaged)
	assert.Equal(t, "test", got.Metadata["source"])
	require.WithinDuration(t, s.CreatedAt, got.CreatedAt, time.Second)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.EndedAt)
}

func TestGetSessionNotFound(t *testing.T) {
	repo := setupTestRepo(t)

	_, err := repo.GetSession(context.Background(), "sess_missing0000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session not found")
}

func TestListSessionsNewestFirst(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	older := newTestSession("sess_older000000")
	older.CreatedAt = models.Now().Add(-time.Hour)
	require.NoError(t, repo.CreateSession(ctx, older))

	newer := newTestSession("sess_newer000000")
	require.NoError(t, repo.CreateSession(ctx, newer))

	sessions, err := repo.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, newer.ID, sessions[0].ID)
	assert.Equal(t, older.ID, sessions[1].ID)
}

func TestUpdateSession(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	s := newTestSession("sess_update00000")
	require.NoError(t, repo.CreateSession(ctx, s))

	started := models.Now()
	s.State = models.StateRunning
	s.Name = "renamed"
	s.RunnerSessionID = "runner-123"
	s.WorkdirManaged = true
	s.StartedAt = &started
	s.LastActivityAt = &started
	require.NoError(t, repo.UpdateSession(ctx, s))

	got, err := repo.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, got.State)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, "runner-123", got.RunnerSessionID)
	assert.True(t, got.WorkdirManaged)
	require.NotNil(t, got.StartedAt)
	require.WithinDuration(t, started, *got.StartedAt, time.Second)
	require.NotNil(t, got.LastActivityAt)
}

func TestUpdateSessionNotFound(t *testing.T) {
	repo := setupTestRepo(t)

	err := repo.UpdateSession(context.Background(), newTestSession("sess_ghost000000"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session not found")
}

func TestDeleteSessionRemovesMessages(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	s := newTestSession("sess_delete00000")
	require.NoError(t, repo.CreateSession(ctx, s))
	require.NoError(t, repo.AddMessage(ctx, &models.Message{SessionID: s.ID, Role: models.RoleUser, Content: "hello"}))

	require.NoError(t, repo.DeleteSession(ctx, s.ID))

	_, err := repo.GetSession(ctx, s.ID)
	require.Error(t, err)

	count, err := repo.CountMessages(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestDeleteSessionNotFound(t *testing.T) {
	repo := setupTestRepo(t)

	err := repo.DeleteSession(context.Background(), "sess_ghost000000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session not found")
}

func TestMessages(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	s := newTestSession("sess_msgs0000000")
	require.NoError(t, repo.CreateSession(ctx, s))

	first := &models.Message{SessionID: s.ID, Role: models.RoleUser, Content: "prompt"}
	require.NoError(t, repo.AddMessage(ctx, first))
	assert.NotZero(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	second := &models.Message{SessionID: s.ID, Role: models.RoleAssistant, Content: "reply"}
	require.NoError(t, repo.AddMessage(ctx, second))
	assert.Greater(t, second.ID, first.ID)

	messages, err := repo.ListMessages(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "prompt", messages[0].Content)
	assert.Equal(t, models.RoleAssistant, messages[1].Role)

	count, err := repo.CountMessages(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, repo.ClearMessages(ctx, s.ID))
	count, err = repo.CountMessages(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestListSessionsByAgent(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	local := newTestSession("sess_local000000")
	require.NoError(t, repo.CreateSession(ctx, local))

	external := newTestSession("sess_extern00000")
	external.AgentID = "agent-7"
	external.State = models.StateRunning
	require.NoError(t, repo.CreateSession(ctx, external))

	sessions, err := repo.ListSessionsByAgent(ctx, "agent-7")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, external.ID, sessions[0].ID)

	sessions, err = repo.ListSessionsByAgent(ctx, "agent-unknown")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestFindByRunnerSessionID(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	s := newTestSession("sess_runner00000")
	s.RunnerSessionID = "claude-abc-123"
	require.NoError(t, repo.CreateSession(ctx, s))

	got, err := repo.FindByRunnerSessionID(ctx, "claude-abc-123")
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	_, err = repo.FindByRunnerSessionID(ctx, "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session not found")

	_, err = repo.FindByRunnerSessionID(ctx, "")
	require.Error(t, err)
}

func TestExitCodeRoundTrip(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	s := newTestSession("sess_exit0000000")
	require.NoError(t, repo.CreateSession(ctx, s))

	got, err := repo.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ExitCode)

	code := 137
	s.ExitCode = &code
	s.State = models.StateError
	require.NoError(t, repo.UpdateSession(ctx, s))

	got, err = repo.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 137, *got.ExitCode)
}

func TestClearAll(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	s := newTestSession("sess_wipe0000000")
	require.NoError(t, repo.CreateSession(ctx, s))
	require.NoError(t, repo.AddMessage(ctx, &models.Message{SessionID: s.ID, Role: models.RoleUser, Content: "hi"}))

	require.NoError(t, repo.ClearAll(ctx))

	sessions, err := repo.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
