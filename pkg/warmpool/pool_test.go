package warmpool

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pvliesdonk/mcp-devbench/pkg/container"
	"github.com/pvliesdonk/mcp-devbench/pkg/imagepolicy"
	"github.com/pvliesdonk/mcp-devbench/pkg/runtime/rtest"
	"github.com/pvliesdonk/mcp-devbench/pkg/security"
	"github.com/pvliesdonk/mcp-devbench/pkg/storage"
)

func newTestPool(t *testing.T) (*Pool, *rtest.Adapter) {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ra := rtest.New()
	ip := imagepolicy.New(ra, []string{"docker.io"}, "", zerolog.Nop())
	sp := security.New()
	cm := container.New(db, ra, ip, sp, zerolog.Nop())

	p := New(cm, db, ra, true, "alpine", 50*time.Millisecond, zerolog.Nop())
	return p, ra
}

func TestEnsureWarmParksAContainer(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t)

	p.ensureWarm(ctx)

	p.mu.Lock()
	warm := p.warm
	p.mu.Unlock()
	require.NotNil(t, warm)
}

func TestClaimHandsOverWarmContainerAndRefills(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t)

	p.ensureWarm(ctx)
	p.mu.Lock()
	first := p.warm
	p.mu.Unlock()
	require.NotNil(t, first)

	claimed, err := p.Claim(ctx, "box")
	require.NoError(t, err)
	require.Equal(t, first.ID, claimed.ID)
	require.Equal(t, "box", claimed.Alias)

	p.mu.Lock()
	duringRefill := p.warm
	p.mu.Unlock()
	require.Nil(t, duringRefill)

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.warm != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClaimWithNoWarmContainerReturnsNil(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t)

	claimed, err := p.Claim(ctx, "")
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestCheckHealthRecreatesOnPersistentFailure(t *testing.T) {
	ctx := context.Background()
	p, ra := newTestPool(t)

	p.ensureWarm(ctx)
	p.mu.Lock()
	original := p.warm
	p.mu.Unlock()
	require.NotNil(t, original)

	ra.ExecErr = context.DeadlineExceeded

	for i := 0; i < p.healthCfg.Retries+1; i++ {
		p.checkHealth(ctx)
	}

	p.mu.Lock()
	current := p.warm
	p.mu.Unlock()
	require.NotNil(t, current)
	require.NotEqual(t, original.ID, current.ID)
}

func TestCheckHealthToleratesSingleFailure(t *testing.T) {
	ctx := context.Background()
	p, ra := newTestPool(t)

	p.ensureWarm(ctx)
	p.mu.Lock()
	original := p.warm
	p.mu.Unlock()

	ra.ExecErr = context.DeadlineExceeded
	p.checkHealth(ctx)

	p.mu.Lock()
	stillSame := p.warm
	p.mu.Unlock()
	require.Equal(t, original.ID, stillSame.ID)
}
