package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchhq/perch/internal/session/models"
)

func TestCreateWorkdir(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()
	sess := mustCreate(t, s)

	dir, err := s.CreateWorkdir(ctx, sess.ID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	assert.Contains(t, filepath.Base(dir), "perch_"+sess.ID)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, dir, got.Workdir)
	assert.True(t, got.WorkdirManaged)
}

func TestSetWorkdirUnmanaged(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()
	sess := mustCreate(t, s)

	dir := t.TempDir()
	require.NoError(t, s.SetWorkdir(ctx, sess.ID, dir, false))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, dir, got.Workdir)
	assert.False(t, got.WorkdirManaged)

	// unmanaged directories are never deleted
	err = s.ClearWorkdir(ctx, sess.ID, true)
	require.Error(t, err)
	_, statErr := os.Stat(dir)
	assert.NoError(t, statErr)
}

func TestClearWorkdirRequiresTerminalOrForce(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()
	sess := mustCreate(t, s)

	dir, err := s.CreateWorkdir(ctx, sess.ID)
	require.NoError(t, err)

	// CREATED is not terminal, clearing without force is refused
	err = s.ClearWorkdir(ctx, sess.ID, false)
	require.Error(t, err)
	_, statErr := os.Stat(dir)
	assert.NoError(t, statErr)

	require.NoError(t, s.ClearWorkdir(ctx, sess.ID, true))
	_, statErr = os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Workdir)
	assert.False(t, got.WorkdirManaged)
}

func TestClearWorkdirAfterTerminal(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()
	sess := mustCreate(t, s)

	dir, err := s.CreateWorkdir(ctx, sess.ID)
	require.NoError(t, err)

	_, err = s.UpdateState(ctx, sess.ID, models.StateRunning)
	require.NoError(t, err)
	_, err = s.UpdateState(ctx, sess.ID, models.StateStopping)
	require.NoError(t, err)
	_, err = s.UpdateState(ctx, sess.ID, models.StateStopped)
	require.NoError(t, err)

	require.NoError(t, s.ClearWorkdir(ctx, sess.ID, false))
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestClearWorkdirNoWorkdir(t *testing.T) {
	s := setupStore(t, Options{})
	sess := mustCreate(t, s)

	assert.NoError(t, s.ClearWorkdir(context.Background(), sess.ID, false))
}
