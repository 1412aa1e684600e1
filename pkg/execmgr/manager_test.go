package execmgr_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pvliesdonk/mcp-devbench/pkg/container"
	"github.com/pvliesdonk/mcp-devbench/pkg/execmgr"
	"github.com/pvliesdonk/mcp-devbench/pkg/imagepolicy"
	"github.com/pvliesdonk/mcp-devbench/pkg/runtime/rtest"
	"github.com/pvliesdonk/mcp-devbench/pkg/security"
	"github.com/pvliesdonk/mcp-devbench/pkg/storage"
	"github.com/pvliesdonk/mcp-devbench/pkg/stream"
)

func newFixture(t *testing.T) (*execmgr.Manager, *container.Manager, *rtest.Adapter) {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ra := rtest.New()
	ip := imagepolicy.New(ra, []string{"docker.io"}, "", zerolog.Nop())
	sp := security.New()
	cm := container.New(db, ra, ip, sp, zerolog.Nop())
	os := stream.New(1024*1024, 1000)
	em := execmgr.New(db, ra, os, sp, 2, zerolog.Nop())
	return em, cm, ra
}

func waitComplete(t *testing.T, em *execmgr.Manager, execID string) []stream.Chunk {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		chunks, complete, err := em.Poll(context.Background(), execID, nil)
		require.NoError(t, err)
		if complete {
			return chunks
		}
		if time.Now().After(deadline) {
			t.Fatalf("exec %s did not complete in time", execID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitRunsAndCompletes(t *testing.T) {
	ctx := context.Background()
	em, cm, ra := newFixture(t)
	ra.ExecExitCode = 0

	c, err := cm.Create(ctx, container.CreateParams{Image: "alpine"})
	require.NoError(t, err)

	execID, err := em.Submit(ctx, execmgr.SubmitParams{ContainerID: c.ID, Argv: []string{"echo", "hi"}})
	require.NoError(t, err)
	require.NotEmpty(t, execID)

	waitComplete(t, em, execID)
	require.Zero(t, em.ActiveCount())

	stats, err := em.Stats(ctx, execID)
	require.NoError(t, err)
	require.True(t, stats.Complete)
}

func TestSubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	em, cm, _ := newFixture(t)

	c, err := cm.Create(ctx, container.CreateParams{Image: "alpine"})
	require.NoError(t, err)

	first, err := em.Submit(ctx, execmgr.SubmitParams{ContainerID: c.ID, Argv: []string{"echo", "hi"}, IdempotencyKey: "k1"})
	require.NoError(t, err)
	second, err := em.Submit(ctx, execmgr.SubmitParams{ContainerID: c.ID, Argv: []string{"echo", "hi"}, IdempotencyKey: "k1"})
	require.NoError(t, err)
	require.Equal(t, first, second)

	waitComplete(t, em, first)
}

func TestCancelledExecCompletes(t *testing.T) {
	ctx := context.Background()
	em, cm, _ := newFixture(t)

	c, err := cm.Create(ctx, container.CreateParams{Image: "alpine"})
	require.NoError(t, err)

	execID, err := em.Submit(ctx, execmgr.SubmitParams{ContainerID: c.ID, Argv: []string{"sleep", "5"}})
	require.NoError(t, err)
	require.NoError(t, em.Cancel(ctx, execID))

	waitComplete(t, em, execID)
}

func TestSubmitUnknownContainerFails(t *testing.T) {
	ctx := context.Background()
	em, _, _ := newFixture(t)

	_, err := em.Submit(ctx, execmgr.SubmitParams{ContainerID: "c_missing", Argv: []string{"echo", "hi"}})
	require.Error(t, err)
}
