package warmpool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pvliesdonk/mcp-devbench/pkg/container"
	"github.com/pvliesdonk/mcp-devbench/pkg/health"
	"github.com/pvliesdonk/mcp-devbench/pkg/runtime"
	"github.com/pvliesdonk/mcp-devbench/pkg/storage"
	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

// Pool is the Warm Pool: it holds at most one ready container and
// serves a single atomic claim operation.
type Pool struct {
	cm           *container.Manager
	db           *storage.DB
	ra           runtime.Adapter
	logger       zerolog.Logger
	enabled      bool
	defaultImage string
	healthEvery  time.Duration

	healthCfg health.Config

	mu       sync.Mutex
	warm     *types.Container
	status   *health.Status
	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(cm *container.Manager, db *storage.DB, ra runtime.Adapter, enabled bool, defaultImage string, healthEvery time.Duration, logger zerolog.Logger) *Pool {
	cfg := health.DefaultConfig()
	cfg.Interval = healthEvery
	return &Pool{
		cm:           cm,
		db:           db,
		ra:           ra,
		enabled:      enabled,
		defaultImage: defaultImage,
		healthEvery:  healthEvery,
		healthCfg:    cfg,
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
}

// Start provisions the initial warm slot (if enabled) and launches the
// periodic health checker.
func (p *Pool) Start(ctx context.Context) {
	if !p.enabled {
		p.logger.Info().Msg("warm pool disabled")
		return
	}

	p.ensureWarm(ctx)
	go p.healthLoop()
}

// Stop halts the health checker. It does not tear down a currently
// parked warm container.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Claim atomically transfers the warm container out of the pool,
// optionally assigning it alias, and triggers an asynchronous refill.
// Returns nil, nil if no warm container is currently parked.
func (p *Pool) Claim(ctx context.Context, alias string) (*types.Container, error) {
	if !p.enabled {
		return nil, nil
	}

	p.mu.Lock()
	c := p.warm
	p.warm = nil
	p.mu.Unlock()

	if c == nil {
		return nil, nil
	}

	if alias != "" && alias != c.Alias {
		if err := p.db.Containers.SetAlias(ctx, c.ID, alias); err != nil {
			// Alias collision: the claim still succeeds, the alias is
			// simply discarded (see spec §9 on claim-time alias races).
			p.logger.Warn().Err(err).Str("container_id", c.ID).Str("alias", alias).
				Msg("warm pool claim: alias already in use, discarding")
		} else {
			c.Alias = alias
		}
	}

	go p.ensureWarm(context.Background())

	p.logger.Info().Str("container_id", c.ID).Msg("warm container claimed")
	return c, nil
}

func (p *Pool) ensureWarm(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.warm != nil {
		return
	}

	c, err := p.cm.Create(ctx, container.CreateParams{
		Image:      p.defaultImage,
		Persistent: false,
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("warm pool: failed to create warm container")
		return
	}

	if err := p.cm.Start(ctx, c.ID); err != nil {
		p.logger.Error().Err(err).Str("container_id", c.ID).Msg("warm pool: failed to start warm container")
		return
	}

	p.cleanWorkspace(ctx, c)

	p.warm = c
	p.status = health.NewStatus()
	p.logger.Info().Str("container_id", c.ID).Str("image", p.defaultImage).Msg("warm container created")
}

func (p *Pool) cleanWorkspace(ctx context.Context, c *types.Container) {
	stream, err := p.ra.Exec(ctx, c.RuntimeID, runtime.ExecSpec{
		Argv: []string{"sh", "-c", "rm -rf /workspace/* /workspace/.[!.]* 2>/dev/null || true"},
		User: "1000",
	})
	if err != nil {
		p.logger.Warn().Err(err).Str("container_id", c.ID).Msg("warm pool: failed to clean workspace")
		return
	}
	defer stream.Close()
	if _, err := stream.Wait(); err != nil {
		p.logger.Warn().Err(err).Str("container_id", c.ID).Msg("warm pool: workspace clean exited non-zero")
	}
}

func (p *Pool) healthLoop() {
	ticker := time.NewTicker(p.healthEvery)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkHealth(context.Background())
		}
	}
}

func (p *Pool) checkHealth(ctx context.Context) {
	p.mu.Lock()
	c := p.warm
	status := p.status
	p.mu.Unlock()

	if c == nil {
		p.ensureWarm(ctx)
		return
	}

	result := p.probe(ctx, c)
	status.Update(result, p.healthCfg)
	if status.Healthy {
		return
	}

	p.logger.Warn().Str("container_id", c.ID).Str("reason", result.Message).Msg("warm container unhealthy, recreating")

	p.mu.Lock()
	if p.warm == c {
		p.warm = nil
		p.status = nil
	}
	p.mu.Unlock()

	if err := p.cm.Remove(ctx, c.ID, true); err != nil {
		p.logger.Error().Err(err).Str("container_id", c.ID).Msg("warm pool: failed to remove unhealthy container")
	}

	p.ensureWarm(ctx)
}

// probe verifies the slot's container is still running, still has its
// workspace volume mounted, and answers a trivial exec over the
// Runtime Adapter.
func (p *Pool) probe(ctx context.Context, c *types.Container) health.Result {
	start := time.Now()

	state, err := p.ra.InspectContainer(ctx, c.RuntimeID)
	if err != nil || state.Missing {
		return health.Result{Healthy: false, Message: "container missing from runtime", CheckedAt: start, Duration: time.Since(start)}
	}
	if !state.Running {
		return health.Result{Healthy: false, Message: "container not running", CheckedAt: start, Duration: time.Since(start)}
	}

	if c.VolumeName != "" && !hasMount(state.Mounts, c.VolumeName) {
		return health.Result{Healthy: false, Message: "workspace volume no longer mounted", CheckedAt: start, Duration: time.Since(start)}
	}

	return health.NewExecChecker(p.ra, c.RuntimeID, []string{"echo", "health_check"}).Check(ctx)
}

func hasMount(mounts []runtime.MountPoint, volumeName string) bool {
	for _, m := range mounts {
		if m.Name == volumeName {
			return true
		}
	}
	return false
}
