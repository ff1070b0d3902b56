package store

import (
	"context"
	"fmt"
	"os"
)

// SetWorkdir binds a working directory to a session. Managed directories are
// owned by the service and removed when the session is deleted or cleared.
func (s *Store) SetWorkdir(ctx context.Context, sessionID, path string, managed bool) error {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.Workdir = path
	sess.WorkdirManaged = managed
	return s.repo.UpdateSession(ctx, sess)
}

// CreateWorkdir makes a fresh managed temp directory for a session and binds
// it.
func (s *Store) CreateWorkdir(ctx context.Context, sessionID string) (string, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp("", fmt.Sprintf("perch_%s_", sessionID))
	if err != nil {
		return "", fmt.Errorf("failed to create workdir: %w", err)
	}
	sess.Workdir = dir
	sess.WorkdirManaged = true
	if err := s.repo.UpdateSession(ctx, sess); err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

// ClearWorkdir removes a session's managed working directory and unbinds it.
// Unmanaged directories are never deleted. A non-terminal session keeps its
// directory unless force is set.
func (s *Store) ClearWorkdir(ctx context.Context, sessionID string, force bool) error {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Workdir == "" {
		return nil
	}
	if !sess.WorkdirManaged {
		return fmt.Errorf("workdir %s is not managed", sess.Workdir)
	}
	if !sess.State.Terminal() && !force {
		return fmt.Errorf("session %s is %s; refusing to clear workdir without force", sessionID, sess.State)
	}
	if err := os.RemoveAll(sess.Workdir); err != nil {
		return fmt.Errorf("failed to remove workdir: %w", err)
	}
	sess.Workdir = ""
	sess.WorkdirManaged = false
	return s.repo.UpdateSession(ctx, sess)
}
