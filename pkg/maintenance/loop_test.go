package maintenance

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pvliesdonk/mcp-devbench/pkg/execmgr"
	"github.com/pvliesdonk/mcp-devbench/pkg/reconciler"
	"github.com/pvliesdonk/mcp-devbench/pkg/runtime/rtest"
	"github.com/pvliesdonk/mcp-devbench/pkg/security"
	"github.com/pvliesdonk/mcp-devbench/pkg/storage"
	"github.com/pvliesdonk/mcp-devbench/pkg/stream"
)

func newLoop(t *testing.T) *Loop {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ra := rtest.New()
	sp := security.New()
	os := stream.New(1024*1024, 1000)
	em := execmgr.New(db, ra, os, sp, 2, zerolog.Nop())
	re := reconciler.New(db, ra, em, 7, zerolog.Nop())
	return New(re, 0, zerolog.Nop())
}

func TestTickRunsRetentionWithoutError(t *testing.T) {
	l := newLoop(t)
	require.NotPanics(t, func() { l.tick() })
}

func TestCleanupAbandonedAttachmentsIsAlwaysZero(t *testing.T) {
	l := newLoop(t)
	n, err := l.cleanupAbandonedAttachments(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}
