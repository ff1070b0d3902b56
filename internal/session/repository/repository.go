// Package repository provides persistent storage for sessions and their
// conversation transcripts. It works against SQLite (default) and PostgreSQL
// through the shared db.Pool.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/perchhq/perch/internal/db/dialect"
	"github.com/perchhq/perch/internal/session/models"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Repository provides session storage operations.
type Repository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool)
}

// New creates a repository on top of existing writer and reader connections
// and initializes the schema.
func New(writer, reader *sqlx.DB) (*Repository, error) {
	r := &Repository{db: writer, ro: reader}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	if _, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		repo_id TEXT NOT NULL DEFAULT '',
		repo_path TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'CREATED',
		adapter TEXT NOT NULL DEFAULT '',
		workdir TEXT NOT NULL DEFAULT '',
		workdir_managed INTEGER NOT NULL DEFAULT 0,
		is_git INTEGER NOT NULL DEFAULT 0,
		header TEXT NOT NULL DEFAULT '',
		runner_session_id TEXT NOT NULL DEFAULT '',
		approval_mode TEXT NOT NULL DEFAULT '',
		exit_code INTEGER,
		agent_id TEXT NOT NULL DEFAULT '',
		agent_name TEXT NOT NULL DEFAULT '',
		agent_type TEXT NOT NULL DEFAULT '',
		agent_icon TEXT NOT NULL DEFAULT '',
		agent_workspace TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL DEFAULT '',
		thread_id TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		ended_at TIMESTAMP,
		last_activity_at TIMESTAMP
	);
	`); err != nil {
		return err
	}

	// The message id column is auto-generated and differs per driver.
	idCol := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect.IsPostgres(r.db.DriverName()) {
		idCol = "BIGSERIAL PRIMARY KEY"
	}
	if _, err := r.db.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS session_messages (
		id %s,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		content TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	`, idCol)); err != nil {
		return err
	}

	_, err := r.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
	CREATE INDEX IF NOT EXISTS idx_sessions_agent_id ON sessions(agent_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_runner_session_id ON sessions(runner_session_id);
	CREATE INDEX IF NOT EXISTS idx_session_messages_session ON session_messages(session_id, created_at);
	`)
	return err
}

// Close is a no-op; the repository does not own its connections.
func (r *Repository) Close() error {
	return nil
}

// CreateSession inserts a new session row.
func (r *Repository) CreateSession(ctx context.Context, s *models.Session) error {
	metadata, err := json.Marshal(s.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO sessions (
			id, repo_id, repo_path, name, state, adapter,
			workdir, workdir_managed, is_git, header, runner_session_id, approval_mode, exit_code,
			agent_id, agent_name, agent_type, agent_icon, agent_workspace, platform, thread_id,
			metadata, created_at, started_at, ended_at, last_activity_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		s.ID, s.RepoID, s.RepoPath, s.Name, s.State, s.Adapter,
		s.Workdir, dialect.BoolToInt(s.WorkdirManaged), dialect.BoolToInt(s.IsGit), s.Header, s.RunnerSessionID, s.ApprovalMode, nullInt(s.ExitCode),
		s.AgentID, s.AgentName, s.AgentType, s.AgentIcon, s.AgentWorkspace, s.Platform, s.ThreadID,
		string(metadata), s.CreatedAt, nullTime(s.StartedAt), nullTime(s.EndedAt), nullTime(s.LastActivityAt))
	return err
}

// GetSession retrieves a session by ID.
func (r *Repository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(selectSessions+` WHERE id = ?`), id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, err
}

// FindByRunnerSessionID returns the session bound to a runner-assigned
// conversation id.
func (r *Repository) FindByRunnerSessionID(ctx context.Context, runnerSessionID string) (*models.Session, error) {
	if runnerSessionID == "" {
		return nil, fmt.Errorf("%w: empty runner session id", ErrNotFound)
	}
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(selectSessions+` WHERE runner_session_id = ?`), runnerSessionID)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: runner session %s", ErrNotFound, runnerSessionID)
	}
	return s, err
}

// ListSessions returns all sessions ordered by creation time, newest first.
func (r *Repository) ListSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := r.ro.QueryContext(ctx, selectSessions+` ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectSessions(rows)
}

// ListSessionsByAgent returns all sessions registered by an external agent.
func (r *Repository) ListSessionsByAgent(ctx context.Context, agentID string) ([]*models.Session, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(selectSessions+` WHERE agent_id = ? ORDER BY created_at DESC, id DESC`), agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectSessions(rows)
}

// UpdateSession persists all mutable session fields.
func (r *Repository) UpdateSession(ctx context.Context, s *models.Session) error {
	metadata, err := json.Marshal(s.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE sessions
		SET repo_id = ?, repo_path = ?, name = ?, state = ?, adapter = ?,
			workdir = ?, workdir_managed = ?, is_git = ?, header = ?, runner_session_id = ?, approval_mode = ?, exit_code = ?,
			agent_id = ?, agent_name = ?, agent_type = ?, agent_icon = ?, agent_workspace = ?, platform = ?, thread_id = ?,
			metadata = ?, started_at = ?, ended_at = ?, last_activity_at = ?
		WHERE id = ?
	`),
		s.RepoID, s.RepoPath, s.Name, s.State, s.Adapter,
		s.Workdir, dialect.BoolToInt(s.WorkdirManaged), dialect.BoolToInt(s.IsGit), s.Header, s.RunnerSessionID, s.ApprovalMode, nullInt(s.ExitCode),
		s.AgentID, s.AgentName, s.AgentType, s.AgentIcon, s.AgentWorkspace, s.Platform, s.ThreadID,
		string(metadata), nullTime(s.StartedAt), nullTime(s.EndedAt), nullTime(s.LastActivityAt), s.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, s.ID)
	}
	return nil
}

// DeleteSession removes a session and its messages.
func (r *Repository) DeleteSession(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	// Messages are deleted explicitly; SQLite only cascades when the
	// foreign_keys pragma is on, which older databases may lack.
	if _, err = tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM session_messages WHERE session_id = ?`), id); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback message delete: %w", rollbackErr)
		}
		return err
	}
	result, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback session delete: %w", rollbackErr)
		}
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback session delete: %w", rollbackErr)
		}
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return tx.Commit()
}

// AddMessage appends a message to a session transcript and returns its ID.
func (r *Repository) AddMessage(ctx context.Context, m *models.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = models.Now()
	}
	id, err := dialect.InsertReturningID(ctx, r.db, `
		INSERT INTO session_messages (session_id, role, content, created_at)
		VALUES (?, ?, ?, ?)
	`, m.SessionID, m.Role, m.Content, m.CreatedAt)
	if err != nil {
		return err
	}
	m.ID = id
	return nil
}

// ListMessages returns a session's transcript in insertion order.
func (r *Repository) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, session_id, role, content, created_at
		FROM session_messages WHERE session_id = ?
		ORDER BY id ASC
	`), sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var messages []*models.Message
	for rows.Next() {
		m := &models.Message{}
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// CountMessages returns the number of messages in a session transcript.
func (r *Repository) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT COUNT(1) FROM session_messages WHERE session_id = ?
	`), sessionID).Scan(&count)
	return count, err
}

// ClearMessages deletes a session's transcript.
func (r *Repository) ClearMessages(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM session_messages WHERE session_id = ?`), sessionID)
	return err
}

// ClearAll wipes every session and message row. Used by the dev-mode debug
// endpoint.
func (r *Repository) ClearAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM session_messages`); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions`)
	return err
}

const selectSessions = `
	SELECT id, repo_id, repo_path, name, state, adapter,
		workdir, workdir_managed, is_git, header, runner_session_id, approval_mode, exit_code,
		agent_id, agent_name, agent_type, agent_icon, agent_workspace, platform, thread_id,
		metadata, created_at, started_at, ended_at, last_activity_at
	FROM sessions`

func collectSessions(rows *sql.Rows) ([]*models.Session, error) {
	var sessions []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (*models.Session, error) {
	s := &models.Session{}
	var managed, isGit int
	var metadata string
	var exitCode sql.NullInt64
	var startedAt, endedAt, lastActivityAt sql.NullTime
	err := scanner.Scan(
		&s.ID, &s.RepoID, &s.RepoPath, &s.Name, &s.State, &s.Adapter,
		&s.Workdir, &managed, &isGit, &s.Header, &s.RunnerSessionID, &s.ApprovalMode, &exitCode,
		&s.AgentID, &s.AgentName, &s.AgentType, &s.AgentIcon, &s.AgentWorkspace, &s.Platform, &s.ThreadID,
		&metadata, &s.CreatedAt, &startedAt, &endedAt, &lastActivityAt)
	if err != nil {
		return nil, err
	}
	s.WorkdirManaged = managed != 0
	s.IsGit = isGit != 0
	if exitCode.Valid {
		code := int(exitCode.Int64)
		s.ExitCode = &code
	}
	s.CreatedAt = s.CreatedAt.UTC()
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		s.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		s.EndedAt = &t
	}
	if lastActivityAt.Valid {
		t := lastActivityAt.Time.UTC()
		s.LastActivityAt = &t
	}
	_ = json.Unmarshal([]byte(metadata), &s.Metadata)
	return s, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}
