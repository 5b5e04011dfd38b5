package main

import (
	"bytes"
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"labelflow/internal/models"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func memoryEnv(t *testing.T) {
	t.Helper()
	mr := miniredis.RunT(t)
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("ARCHIVE_BUCKET", "")
	t.Setenv("ARCHIVE_DIR", t.TempDir())
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	require.Contains(t, out, "labelctl dev")
}

func TestRootHelpListsCommands(t *testing.T) {
	out, err := run(t, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"migrate", "reconcile", "delete-task"} {
		require.Contains(t, out, sub)
	}
}

func TestTaskFlagRequired(t *testing.T) {
	memoryEnv(t)
	_, err := run(t, "reconcile")
	require.ErrorContains(t, err, `required flag(s) "task" not set`)
	_, err = run(t, "delete-task")
	require.ErrorContains(t, err, `required flag(s) "task" not set`)
}

func TestMigrateMemoryDriver(t *testing.T) {
	memoryEnv(t)
	out, err := run(t, "migrate")
	require.NoError(t, err)
	require.Contains(t, out, "has no migrations")
}

func TestUnknownTask(t *testing.T) {
	memoryEnv(t)
	_, err := run(t, "reconcile", "--task", "missing")
	require.ErrorIs(t, err, models.ErrNotFound)
	_, err = run(t, "delete-task", "--task", "missing")
	require.ErrorIs(t, err, models.ErrNotFound)
}
