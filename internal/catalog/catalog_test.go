package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "db", "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCatalog_BeginAndFinish(t *testing.T) {
	c := setupTestCatalog(t)
	ctx := context.Background()

	run, err := c.Begin(ctx, KindRun, "eit_1", "eit_1/results.json", 640)
	require.NoError(t, err)
	assert.Len(t, run.ID, 36)
	assert.Equal(t, StatusRunning, run.Status)
	assert.Zero(t, run.Duration())

	require.NoError(t, c.Finish(ctx, run, 3, nil))

	got, err := c.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 3, got.Failed)
	assert.Equal(t, 640, got.Units)
	assert.Equal(t, KindRun, got.Kind)
	assert.Equal(t, "eit_1/results.json", got.ArchivePath)
	require.NotNil(t, got.FinishedAt)
	assert.GreaterOrEqual(t, got.Duration(), time.Duration(0))
}

func TestCatalog_FinishStatuses(t *testing.T) {
	c := setupTestCatalog(t)
	ctx := context.Background()

	canceled, err := c.Begin(ctx, KindRetry, "eit_1", "", 10)
	require.NoError(t, err)
	require.NoError(t, c.Finish(ctx, canceled, 0, fmt.Errorf("scheduler: %w", context.Canceled)))

	failed, err := c.Begin(ctx, KindResume, "eit_1", "", 10)
	require.NoError(t, err)
	require.NoError(t, c.Finish(ctx, failed, 0, errors.New("disk full")))

	got, err := c.Get(ctx, canceled.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, got.Status)

	got, err = c.Get(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "disk full", got.Error)
}

func TestCatalog_ListNewestFirst(t *testing.T) {
	c := setupTestCatalog(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		run, err := c.Begin(ctx, KindRun, fmt.Sprintf("run-%d", i), "", i)
		require.NoError(t, err)
		ids = append(ids, run.ID)
		time.Sleep(2 * time.Millisecond)
	}

	runs, err := c.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, ids[3], runs[0].ID)
	assert.Equal(t, ids[2], runs[1].ID)

	all, err := c.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestCatalog_GetNotFound(t *testing.T) {
	c := setupTestCatalog(t)
	_, err := c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalog_InMemory(t *testing.T) {
	c, err := Open(":memory:")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Begin(context.Background(), KindRun, "mem", "", 1)
	require.NoError(t, err)
	runs, err := c.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
