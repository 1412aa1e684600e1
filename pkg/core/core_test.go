package core_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pvliesdonk/mcp-devbench/pkg/config"
	"github.com/pvliesdonk/mcp-devbench/pkg/core"
	"github.com/pvliesdonk/mcp-devbench/pkg/execmgr"
	"github.com/pvliesdonk/mcp-devbench/pkg/runtime/rtest"
	"github.com/pvliesdonk/mcp-devbench/pkg/storage"
)

func newCore(t *testing.T) *core.Core {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ra := rtest.New()
	cfg := &config.Config{
		AllowedRegistries:       []string{"docker.io"},
		DrainGraceS:             1,
		TransientGCDays:         7,
		DefaultImageAlias:       "alpine",
		WarmPoolEnabled:         false,
		WarmHealthCheckInterval: time.Minute,
		MaxConcurrentExecs:      2,
	}
	return core.New(cfg, db, ra, zerolog.Nop())
}

func TestSpawnAttachExecKillRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newCore(t)

	ctr, err := c.Spawn(ctx, core.SpawnParams{Image: "alpine", Alias: "box"})
	require.NoError(t, err)
	require.NotEmpty(t, ctr.RuntimeID)

	workspaceID, got, err := c.Attach(ctx, "box", "test-client", "sess-1")
	require.NoError(t, err)
	require.Equal(t, ctr.ID, got.ID)
	require.Contains(t, workspaceID, ctr.ID)

	execID, err := c.Exec(ctx, "box", execmgr.SubmitParams{Argv: []string{"echo", "hi"}})
	require.NoError(t, err)
	require.NotEmpty(t, execID)

	require.Eventually(t, func() bool {
		_, complete, err := c.ExecPoll(ctx, execID, nil)
		return err == nil && complete
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Kill(ctx, "box", true, time.Second))

	_, err = c.ListContainers(ctx, true)
	require.NoError(t, err)
}

func TestFSReadWriteRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newCore(t)

	ctr, err := c.Spawn(ctx, core.SpawnParams{Image: "alpine", Alias: "fsbox"})
	require.NoError(t, err)

	etag, err := c.FSWrite(ctx, ctr.ID, "/workspace/a.txt", []byte("hello"), "")
	require.NoError(t, err)
	require.NotEmpty(t, etag)

	info, err := c.FSStat(ctx, ctr.ID, "/workspace/a.txt")
	require.NoError(t, err)
	require.False(t, info.IsDir)

	require.NoError(t, c.FSDelete(ctx, ctr.ID, "/workspace/a.txt"))
}

func TestSystemStatusReportsCounts(t *testing.T) {
	ctx := context.Background()
	c := newCore(t)

	_, err := c.Spawn(ctx, core.SpawnParams{Image: "alpine", Alias: "statusbox"})
	require.NoError(t, err)

	status, err := c.SystemStatus(ctx)
	require.NoError(t, err)
	require.True(t, status.StoreInitialized)
	require.True(t, status.RuntimeReachable)
	require.Equal(t, 1, status.ContainersTotal)
	require.False(t, status.Draining)
}

func TestShutdownMarksDraining(t *testing.T) {
	ctx := context.Background()
	c := newCore(t)
	require.False(t, c.Draining())
	require.NoError(t, c.Shutdown(ctx))
	require.True(t, c.Draining())
}
