package core

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pvliesdonk/mcp-devbench/pkg/config"
	"github.com/pvliesdonk/mcp-devbench/pkg/container"
	"github.com/pvliesdonk/mcp-devbench/pkg/execmgr"
	"github.com/pvliesdonk/mcp-devbench/pkg/fs"
	"github.com/pvliesdonk/mcp-devbench/pkg/imagepolicy"
	"github.com/pvliesdonk/mcp-devbench/pkg/log"
	"github.com/pvliesdonk/mcp-devbench/pkg/maintenance"
	"github.com/pvliesdonk/mcp-devbench/pkg/metrics"
	"github.com/pvliesdonk/mcp-devbench/pkg/reconciler"
	"github.com/pvliesdonk/mcp-devbench/pkg/runtime"
	"github.com/pvliesdonk/mcp-devbench/pkg/security"
	"github.com/pvliesdonk/mcp-devbench/pkg/shutdown"
	"github.com/pvliesdonk/mcp-devbench/pkg/storage"
	"github.com/pvliesdonk/mcp-devbench/pkg/stream"
	"github.com/pvliesdonk/mcp-devbench/pkg/types"
	"github.com/pvliesdonk/mcp-devbench/pkg/warmpool"
	"github.com/pvliesdonk/mcp-devbench/pkg/workerpool"
)

// raWorkers bounds how many blocking Runtime Adapter calls Core will
// run concurrently on behalf of a cooperative single-threaded
// dispatch loop; see the concurrency model's suspension-point list.
const raWorkers = 8

// workspacePrefix is prepended to a container id to form the
// identifier returned by Attach.
const workspacePrefix = "workspace:"

// Core assembles every manager behind the operation catalog the
// tool-dispatch layer drives.
type Core struct {
	cfg *config.Config

	DB   *storage.DB
	RA   runtime.Adapter
	IP   *imagepolicy.Policy
	SP   *security.Profile
	OS   *stream.Streamer
	CM   *container.Manager
	EM   *execmgr.Manager
	FM   *fs.Manager
	Pool *warmpool.Pool
	Rec  *reconciler.Reconciler
	Maint *maintenance.Loop
	Shut *shutdown.Coordinator

	wp *workerpool.Pool

	logger zerolog.Logger
}

// New wires every manager together from already-constructed
// dependencies and the loaded Config.
func New(cfg *config.Config, db *storage.DB, ra runtime.Adapter, logger zerolog.Logger) *Core {
	sp := security.New()
	ip := imagepolicy.New(ra, cfg.AllowedRegistries, cfg.DockerConfigJSON, logger)
	os := stream.New(64*1024*1024, 10000)

	cm := container.New(db, ra, ip, sp, logger)
	em := execmgr.New(db, ra, os, sp, cfg.MaxConcurrentExecs, logger)
	fm := fs.New(ra, logger)
	rec := reconciler.New(db, ra, em, cfg.TransientGCDays, logger)
	pool := warmpool.New(cm, db, ra, cfg.WarmPoolEnabled, cfg.DefaultImageAlias, cfg.WarmHealthCheckInterval, logger)
	maint := maintenance.New(rec, time.Hour, logger)
	shut := shutdown.New(cm, em, db, logger)
	wp := workerpool.New(raWorkers, raWorkers*2)

	return &Core{
		cfg: cfg, DB: db, RA: ra, IP: ip, SP: sp, OS: os,
		CM: cm, EM: em, FM: fm, Pool: pool, Rec: rec, Maint: maint, Shut: shut,
		wp:     wp,
		logger: logger,
	}
}

// Start launches every background component: the warm pool, the
// reconciliation engine's hourly loop, and the maintenance loop. It
// also runs one reconciliation pass synchronously so the store
// reflects runtime reality before the first request is served.
func (c *Core) Start(ctx context.Context) error {
	if err := c.Rec.Reconcile(ctx); err != nil {
		c.logger.Error().Err(err).Msg("core: boot reconciliation failed")
	}
	c.Pool.Start(ctx)
	c.Rec.Start()
	c.Maint.Start()
	return nil
}

// Shutdown drains and stops every component via the Shutdown
// Coordinator.
func (c *Core) Shutdown(ctx context.Context) error {
	c.Pool.Stop()
	c.Rec.Stop()
	c.Maint.Stop()
	err := c.Shut.Shutdown(ctx, c.cfg.DrainGraceS)
	c.wp.Stop()
	return err
}

// Draining reports whether a shutdown is in progress; callers at the
// transport layer should reject new spawn/exec operations once true.
func (c *Core) Draining() bool {
	return c.Shut.Draining()
}

// SpawnParams is the input to Spawn.
type SpawnParams struct {
	Image          string
	Alias          string
	Persistent     bool
	TTLSeconds     int
	IdempotencyKey string
	FromWarmPool   bool
}

// Spawn creates and starts a container, optionally claiming it from
// the warm pool instead of creating one fresh.
func (c *Core) Spawn(ctx context.Context, p SpawnParams) (*types.Container, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ContainerSpawnDuration)

	if p.FromWarmPool {
		if ctr, err := c.Pool.Claim(ctx, p.Alias); err == nil && ctr != nil {
			log.Audit(c.logger, log.EventContainerSpawn, map[string]any{
				"container_id": ctr.ID,
				"from_pool":    true,
			})
			return ctr, nil
		}
	}

	var ctr *types.Container
	err := c.wp.Submit(ctx, func(ctx context.Context) error {
		var err error
		ctr, err = c.CM.Create(ctx, container.CreateParams{
			Image:          p.Image,
			Alias:          p.Alias,
			Persistent:     p.Persistent,
			TTLSeconds:     p.TTLSeconds,
			IdempotencyKey: p.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		if err := c.CM.Start(ctx, ctr.ID); err != nil {
			return err
		}
		ctr, err = c.CM.Get(ctx, ctr.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Audit(c.logger, log.EventContainerSpawn, map[string]any{
		"container_id": ctr.ID,
		"image":        p.Image,
		"persistent":   p.Persistent,
	})
	return ctr, nil
}

// Attach records an attachment window for a client and returns the
// workspace identifier consumed by downstream tooling.
func (c *Core) Attach(ctx context.Context, identifier, clientName, sessionID string) (string, *types.Container, error) {
	ctr, err := c.CM.Get(ctx, identifier)
	if err != nil {
		return "", nil, err
	}

	if _, err := c.DB.Attachments.Create(ctx, &types.Attachment{
		ContainerID: ctr.ID,
		ClientName:  clientName,
		SessionID:   sessionID,
		AttachedAt:  time.Now().UTC(),
	}); err != nil {
		return "", nil, fmt.Errorf("attach: %w", err)
	}

	log.Audit(c.logger, log.EventContainerAttach, map[string]any{
		"container_id": ctr.ID,
		"client":       clientName,
	})

	return workspacePrefix + ctr.ID, ctr, nil
}

// Kill stops and optionally removes a container.
func (c *Core) Kill(ctx context.Context, identifier string, remove bool, grace time.Duration) error {
	ctr, err := c.CM.Get(ctx, identifier)
	if err != nil {
		return err
	}

	err = c.wp.Submit(ctx, func(ctx context.Context) error {
		if err := c.CM.Stop(ctx, ctr.ID, grace); err != nil {
			return err
		}
		if remove {
			return c.CM.Remove(ctx, ctr.ID, false)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Audit(c.logger, log.EventContainerKill, map[string]any{
		"container_id": ctr.ID,
		"removed":      remove,
	})
	return nil
}

// Exec submits a command for asynchronous execution, resolving alias
// or id to a container first.
func (c *Core) Exec(ctx context.Context, identifier string, p execmgr.SubmitParams) (string, error) {
	ctr, err := c.CM.Get(ctx, identifier)
	if err != nil {
		return "", err
	}
	p.ContainerID = ctr.ID
	return c.EM.Submit(ctx, p)
}

// ExecCancel cancels a submitted exec.
func (c *Core) ExecCancel(ctx context.Context, execID string) error {
	return c.EM.Cancel(ctx, execID)
}

// ExecPoll returns exec output chunks after afterSeq and the exec's
// completion flag.
func (c *Core) ExecPoll(ctx context.Context, execID string, afterSeq *int64) ([]stream.Chunk, bool, error) {
	return c.EM.Poll(ctx, execID, afterSeq)
}

// ExecStats returns a diagnostic snapshot of an exec's output buffer.
func (c *Core) ExecStats(ctx context.Context, execID string) (stream.Stats, error) {
	return c.EM.Stats(ctx, execID)
}

func (c *Core) resolveRuntimeID(ctx context.Context, identifier string) (string, error) {
	ctr, err := c.CM.Get(ctx, identifier)
	if err != nil {
		return "", err
	}
	return ctr.RuntimeID, nil
}

// FSRead reads a file from a container's workspace.
func (c *Core) FSRead(ctx context.Context, identifier, path string) ([]byte, types.FileInfo, error) {
	runtimeID, err := c.resolveRuntimeID(ctx, identifier)
	if err != nil {
		return nil, types.FileInfo{}, err
	}
	var (
		data []byte
		info types.FileInfo
	)
	err = c.wp.Submit(ctx, func(ctx context.Context) error {
		var err error
		data, info, err = c.FM.Read(ctx, runtimeID, path)
		return err
	})
	return data, info, err
}

// FSWrite writes a file to a container's workspace.
func (c *Core) FSWrite(ctx context.Context, identifier, path string, data []byte, ifMatchETag string) (string, error) {
	runtimeID, err := c.resolveRuntimeID(ctx, identifier)
	if err != nil {
		return "", err
	}
	var etag string
	err = c.wp.Submit(ctx, func(ctx context.Context) error {
		var err error
		etag, err = c.FM.Write(ctx, runtimeID, path, data, ifMatchETag)
		return err
	})
	if err != nil {
		return "", err
	}
	log.Audit(c.logger, log.EventFSWrite, map[string]any{"container_id": identifier, "path": path})
	return etag, nil
}

// FSDelete removes a path from a container's workspace.
func (c *Core) FSDelete(ctx context.Context, identifier, path string) error {
	runtimeID, err := c.resolveRuntimeID(ctx, identifier)
	if err != nil {
		return err
	}
	err = c.wp.Submit(ctx, func(ctx context.Context) error {
		return c.FM.Delete(ctx, runtimeID, path)
	})
	if err != nil {
		return err
	}
	log.Audit(c.logger, log.EventFSDelete, map[string]any{"container_id": identifier, "path": path})
	return nil
}

// FSStat returns metadata for a path in a container's workspace.
func (c *Core) FSStat(ctx context.Context, identifier, path string) (types.FileInfo, error) {
	runtimeID, err := c.resolveRuntimeID(ctx, identifier)
	if err != nil {
		return types.FileInfo{}, err
	}
	var info types.FileInfo
	err = c.wp.Submit(ctx, func(ctx context.Context) error {
		var err error
		info, err = c.FM.Stat(ctx, runtimeID, path)
		return err
	})
	return info, err
}

// FSList lists a directory one level deep.
func (c *Core) FSList(ctx context.Context, identifier, path string) ([]types.FileInfo, error) {
	runtimeID, err := c.resolveRuntimeID(ctx, identifier)
	if err != nil {
		return nil, err
	}
	var infos []types.FileInfo
	err = c.wp.Submit(ctx, func(ctx context.Context) error {
		var err error
		infos, err = c.FM.List(ctx, runtimeID, path)
		return err
	})
	return infos, err
}

// Reconcile runs one on-demand reconciliation pass.
func (c *Core) Reconcile(ctx context.Context) error {
	return c.Rec.Reconcile(ctx)
}

// GarbageCollect runs exec/idempotency retention and a store vacuum,
// without running the full discover/adopt reconciliation pass.
func (c *Core) GarbageCollect(ctx context.Context) (int64, error) {
	n, err := c.Rec.Retain(ctx)
	if err != nil {
		return 0, err
	}
	if err := c.DB.Vacuum(ctx); err != nil {
		return n, err
	}
	return n, nil
}

// ListContainers enumerates containers, optionally including stopped
// ones.
func (c *Core) ListContainers(ctx context.Context, includeStopped bool) ([]*types.Container, error) {
	return c.CM.List(ctx, includeStopped)
}

// ListExecs enumerates active execs for a container.
func (c *Core) ListExecs(ctx context.Context, identifier string) ([]*types.Exec, error) {
	ctr, err := c.CM.Get(ctx, identifier)
	if err != nil {
		return nil, err
	}
	return c.EM.ListActiveIn(ctx, ctr.ID)
}

// SystemStatus is the response shape for the system_status operation.
type SystemStatus struct {
	StoreInitialized bool
	RuntimeReachable bool
	ContainersTotal  int
	WarmPoolReady    bool
	Draining         bool
}

// SystemStatus reports overall system health and inventory counts.
func (c *Core) SystemStatus(ctx context.Context) (SystemStatus, error) {
	status := SystemStatus{StoreInitialized: true, Draining: c.Draining()}

	if err := c.RA.Ping(ctx); err == nil {
		status.RuntimeReachable = true
	}

	containers, err := c.CM.List(ctx, true)
	if err != nil {
		return status, err
	}
	status.ContainersTotal = len(containers)

	return status, nil
}

// Health reports the minimal liveness shape always available
// regardless of system_status's richer payload.
func (c *Core) Health(ctx context.Context) (storeInitialized, runtimeReachable bool) {
	storeInitialized = c.DB != nil
	runtimeReachable = c.RA.Ping(ctx) == nil
	return
}
