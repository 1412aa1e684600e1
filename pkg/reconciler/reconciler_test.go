package reconciler_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pvliesdonk/mcp-devbench/pkg/execmgr"
	"github.com/pvliesdonk/mcp-devbench/pkg/reconciler"
	"github.com/pvliesdonk/mcp-devbench/pkg/runtime"
	"github.com/pvliesdonk/mcp-devbench/pkg/runtime/rtest"
	"github.com/pvliesdonk/mcp-devbench/pkg/security"
	"github.com/pvliesdonk/mcp-devbench/pkg/storage"
	"github.com/pvliesdonk/mcp-devbench/pkg/stream"
	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

func newFixture(t *testing.T) (*reconciler.Reconciler, *storage.DB, *rtest.Adapter) {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ra := rtest.New()
	sp := security.New()
	os := stream.New(1024*1024, 1000)
	em := execmgr.New(db, ra, os, sp, 2, zerolog.Nop())
	r := reconciler.New(db, ra, em, 7, zerolog.Nop())
	return r, db, ra
}

func TestReconcileAdoptsUnknownServiceContainer(t *testing.T) {
	ctx := context.Background()
	r, db, ra := newFixture(t)

	runtimeID, err := ra.CreateContainer(ctx, runtime.CreateSpec{
		Labels: map[string]string{"service": "true", "container_id": "c_orphan", "alias": "orphan"},
		Mounts: []runtime.Mount{{VolumeName: "persist_c_orphan", Target: "/workspace"}},
	})
	require.NoError(t, err)
	require.NoError(t, ra.StartContainer(ctx, runtimeID))

	require.NoError(t, r.Reconcile(ctx))

	got, err := db.Containers.GetByID(ctx, "c_orphan")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, types.ContainerRunning, got.Status)
	require.True(t, got.Persistent)
}

func TestReconcileMarksMissingContainerStopped(t *testing.T) {
	ctx := context.Background()
	r, db, _ := newFixture(t)

	c := &types.Container{
		ID:        "c_ghost",
		RuntimeID: "rt_does_not_exist",
		Status:    types.ContainerRunning,
		CreatedAt: time.Now().UTC(),
		LastSeen:  time.Now().UTC(),
	}
	require.NoError(t, db.Containers.Create(ctx, nil, c))

	require.NoError(t, r.Reconcile(ctx))

	got, err := db.Containers.GetByID(ctx, "c_ghost")
	require.NoError(t, err)
	require.Equal(t, types.ContainerStopped, got.Status)
}

func TestReconcileGCsAgedTransients(t *testing.T) {
	ctx := context.Background()
	r, db, ra := newFixture(t)

	runtimeID, err := ra.CreateContainer(ctx, runtime.CreateSpec{})
	require.NoError(t, err)

	c := &types.Container{
		ID:         "c_old",
		RuntimeID:  runtimeID,
		Status:     types.ContainerStopped,
		Persistent: false,
		CreatedAt:  time.Now().UTC().Add(-30 * 24 * time.Hour),
		LastSeen:   time.Now().UTC().Add(-30 * 24 * time.Hour),
	}
	require.NoError(t, db.Containers.Create(ctx, nil, c))

	require.NoError(t, r.Reconcile(ctx))

	got, err := db.Containers.GetByID(ctx, "c_old")
	require.NoError(t, err)
	require.Nil(t, got)
}
