package container_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pvliesdonk/mcp-devbench/pkg/container"
	"github.com/pvliesdonk/mcp-devbench/pkg/imagepolicy"
	"github.com/pvliesdonk/mcp-devbench/pkg/runtime/rtest"
	"github.com/pvliesdonk/mcp-devbench/pkg/security"
	"github.com/pvliesdonk/mcp-devbench/pkg/storage"
	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

func newManager(t *testing.T) (*container.Manager, *rtest.Adapter, *storage.DB) {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ra := rtest.New()
	ip := imagepolicy.New(ra, []string{"docker.io"}, "", zerolog.Nop())
	sp := security.New()
	return container.New(db, ra, ip, sp, zerolog.Nop()), ra, db
}

func TestCreateStartStopRemove(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)

	c, err := m.Create(ctx, container.CreateParams{Image: "alpine", Alias: "box"})
	require.NoError(t, err)
	require.Equal(t, types.ContainerStopped, c.Status)
	require.NotEmpty(t, c.VolumeName)

	require.NoError(t, m.Start(ctx, c.ID))

	got, err := m.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, types.ContainerRunning, got.Status)

	require.NoError(t, m.Stop(ctx, c.ID, 0))
	got, err = m.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, types.ContainerStopped, got.Status)

	require.NoError(t, m.Remove(ctx, c.ID, false))
	_, err = m.Get(ctx, c.ID)
	require.Equal(t, types.ErrContainerNotFound, types.Code(err))
}

func TestCreateRejectsDuplicateAlias(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)

	_, err := m.Create(ctx, container.CreateParams{Image: "alpine", Alias: "dup"})
	require.NoError(t, err)

	_, err = m.Create(ctx, container.CreateParams{Image: "alpine", Alias: "dup"})
	require.Equal(t, types.ErrAliasInUse, types.Code(err))
}

func TestCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)

	first, err := m.Create(ctx, container.CreateParams{Image: "alpine", IdempotencyKey: "k1"})
	require.NoError(t, err)

	second, err := m.Create(ctx, container.CreateParams{Image: "alpine", IdempotencyKey: "k1"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestGetByAlias(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)

	c, err := m.Create(ctx, container.CreateParams{Image: "alpine", Alias: "named"})
	require.NoError(t, err)

	got, err := m.Get(ctx, "named")
	require.NoError(t, err)
	require.Equal(t, c.ID, got.ID)
}

func TestListIncludesStoppedOnlyWhenAsked(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)

	_, err := m.Create(ctx, container.CreateParams{Image: "alpine"})
	require.NoError(t, err)

	running, err := m.List(ctx, false)
	require.NoError(t, err)
	require.Empty(t, running)

	all, err := m.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
}
