package shutdown_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pvliesdonk/mcp-devbench/pkg/container"
	"github.com/pvliesdonk/mcp-devbench/pkg/execmgr"
	"github.com/pvliesdonk/mcp-devbench/pkg/imagepolicy"
	"github.com/pvliesdonk/mcp-devbench/pkg/runtime/rtest"
	"github.com/pvliesdonk/mcp-devbench/pkg/security"
	"github.com/pvliesdonk/mcp-devbench/pkg/shutdown"
	"github.com/pvliesdonk/mcp-devbench/pkg/storage"
	"github.com/pvliesdonk/mcp-devbench/pkg/stream"
)

func TestShutdownStopsTransientsAndLeavesPersistentRunning(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	ra := rtest.New()
	ip := imagepolicy.New(ra, []string{"docker.io"}, "", zerolog.Nop())
	sp := security.New()
	cm := container.New(db, ra, ip, sp, zerolog.Nop())
	os := stream.New(1024*1024, 1000)
	em := execmgr.New(db, ra, os, sp, 2, zerolog.Nop())

	transient, err := cm.Create(ctx, container.CreateParams{Image: "alpine"})
	require.NoError(t, err)
	require.NoError(t, cm.Start(ctx, transient.ID))

	persistent, err := cm.Create(ctx, container.CreateParams{Image: "alpine", Persistent: true})
	require.NoError(t, err)
	require.NoError(t, cm.Start(ctx, persistent.ID))

	coord := shutdown.New(cm, em, db, zerolog.Nop())
	require.False(t, coord.Draining())

	require.NoError(t, coord.Shutdown(ctx, 1))
	require.True(t, coord.Draining())

	transientState, err := ra.InspectContainer(ctx, transient.RuntimeID)
	require.NoError(t, err)
	require.False(t, transientState.Running)

	persistentState, err := ra.InspectContainer(ctx, persistent.RuntimeID)
	require.NoError(t, err)
	require.True(t, persistentState.Running)
}
