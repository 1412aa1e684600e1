package shutdown

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pvliesdonk/mcp-devbench/pkg/container"
	"github.com/pvliesdonk/mcp-devbench/pkg/execmgr"
	"github.com/pvliesdonk/mcp-devbench/pkg/storage"
	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

// Coordinator is the Shutdown Coordinator.
type Coordinator struct {
	cm     *container.Manager
	em     *execmgr.Manager
	db     *storage.DB
	logger zerolog.Logger

	draining int32
}

func New(cm *container.Manager, em *execmgr.Manager, db *storage.DB, logger zerolog.Logger) *Coordinator {
	return &Coordinator{cm: cm, em: em, db: db, logger: logger}
}

// Draining reports whether Shutdown has been called; the transport
// layer consults this to stop accepting new operations.
func (c *Coordinator) Draining() bool {
	return atomic.LoadInt32(&c.draining) == 1
}

// Shutdown drains in-flight execs up to graceSeconds, stops every
// non-persistent running container, leaves persistent ones running,
// and closes the durable store.
func (c *Coordinator) Shutdown(ctx context.Context, graceSeconds int) error {
	atomic.StoreInt32(&c.draining, 1)
	c.logger.Info().Msg("shutdown: draining started")

	c.drainExecs(time.Duration(graceSeconds) * time.Second)

	if err := c.stopTransients(ctx); err != nil {
		c.logger.Error().Err(err).Msg("shutdown: failed to stop some transient containers")
	}

	if err := c.db.Close(); err != nil {
		c.logger.Error().Err(err).Msg("shutdown: failed to close durable store")
		return err
	}

	c.logger.Info().Msg("shutdown: complete")
	return nil
}

func (c *Coordinator) drainExecs(grace time.Duration) {
	deadline := time.Now().Add(grace)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.em.ActiveCount() == 0 {
			return
		}
		if time.Now().After(deadline) {
			c.logger.Warn().Int64("still_active", c.em.ActiveCount()).Msg("shutdown: grace period expired with execs still running")
			return
		}
		<-ticker.C
	}
}

func (c *Coordinator) stopTransients(ctx context.Context) error {
	containers, err := c.cm.List(ctx, true)
	if err != nil {
		return err
	}

	for _, ctr := range containers {
		if ctr.Persistent || ctr.Status != types.ContainerRunning {
			continue
		}
		if err := c.cm.Stop(ctx, ctr.ID, 5*time.Second); err != nil {
			c.logger.Error().Err(err).Str("container_id", ctr.ID).Msg("shutdown: failed to stop transient container")
		}
	}
	return nil
}
