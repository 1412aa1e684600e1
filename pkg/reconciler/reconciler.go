package reconciler

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pvliesdonk/mcp-devbench/pkg/execmgr"
	"github.com/pvliesdonk/mcp-devbench/pkg/log"
	"github.com/pvliesdonk/mcp-devbench/pkg/metrics"
	"github.com/pvliesdonk/mcp-devbench/pkg/runtime"
	"github.com/pvliesdonk/mcp-devbench/pkg/storage"
	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

const (
	serviceLabel   = "service"
	containerLabel = "container_id"
	aliasLabel     = "alias"
	execRetention  = 24 * time.Hour
)

// Reconciler is the Reconciliation Engine: it aligns the durable store
// with the runtime's view of the world.
type Reconciler struct {
	db            *storage.DB
	ra            runtime.Adapter
	em            *execmgr.Manager
	transientTTL  time.Duration
	logger        zerolog.Logger
	mu            sync.Mutex
	stopCh        chan struct{}
}

// New returns a Reconciler. transientGCDays governs step 4 (GC old
// transients).
func New(db *storage.DB, ra runtime.Adapter, em *execmgr.Manager, transientGCDays int, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		db:           db,
		ra:           ra,
		em:           em,
		transientTTL: time.Duration(transientGCDays) * 24 * time.Hour,
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the reconciler's own hourly loop. The Maintenance Loop
// additionally calls Retain on its own schedule.
func (r *Reconciler) Start() {
	go r.run()
}

func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Reconcile(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation cycle failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile runs one full reconciliation cycle: discover, adopt, clean
// up missing, GC old transients, sync status, retention, vacuum.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	runtimeStates, err := r.ra.ListByLabel(ctx, serviceLabel, "true")
	if err != nil {
		return fmt.Errorf("reconciler: discover: %w", err)
	}

	byRuntimeID := make(map[string]runtime.ContainerState, len(runtimeStates))
	for _, s := range runtimeStates {
		byRuntimeID[s.RuntimeID] = s
	}

	if err := r.adopt(ctx, runtimeStates); err != nil {
		r.logger.Error().Err(err).Msg("reconciler: adopt step failed")
	}

	dsContainers, err := r.db.Containers.List(ctx, true)
	if err != nil {
		return fmt.Errorf("reconciler: list DS containers: %w", err)
	}

	if err := r.markMissingStopped(ctx, dsContainers, byRuntimeID); err != nil {
		r.logger.Error().Err(err).Msg("reconciler: mark-missing step failed")
	}

	if err := r.gcAgedTransients(ctx); err != nil {
		r.logger.Error().Err(err).Msg("reconciler: transient gc step failed")
	}

	if err := r.syncStatus(ctx, byRuntimeID); err != nil {
		r.logger.Error().Err(err).Msg("reconciler: sync-status step failed")
	}

	if _, err := r.Retain(ctx); err != nil {
		r.logger.Error().Err(err).Msg("reconciler: retention step failed")
	}

	if err := r.db.Vacuum(ctx); err != nil {
		r.logger.Error().Err(err).Msg("reconciler: vacuum step failed")
	}

	return nil
}

// adopt inserts a DS row for every runtime container carrying the
// service label that the store has never seen.
func (r *Reconciler) adopt(ctx context.Context, states []runtime.ContainerState) error {
	for _, s := range states {
		existing, err := r.db.Containers.GetByID(ctx, s.Labels[containerLabel])
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}

		id := s.Labels[containerLabel]
		if id == "" {
			r.logger.Warn().Str("runtime_id", s.RuntimeID).Msg("reconciler: service-labelled container missing container_id label, skipping adopt")
			continue
		}

		var volumeName string
		persistent := false
		mounts := s.Mounts
		if inspected, err := r.ra.InspectContainer(ctx, s.RuntimeID); err == nil && !inspected.Missing {
			mounts = inspected.Mounts
		}
		for _, mp := range mounts {
			if mp.Destination == "/workspace" {
				volumeName = mp.Name
				persistent = strings.HasPrefix(mp.Name, "persist_")
				break
			}
		}

		status := types.ContainerStopped
		if s.Running {
			status = types.ContainerRunning
		}

		now := time.Now().UTC()
		c := &types.Container{
			ID:         id,
			RuntimeID:  s.RuntimeID,
			Alias:      s.Labels[aliasLabel],
			Persistent: persistent,
			VolumeName: volumeName,
			CreatedAt:  now,
			LastSeen:   now,
			Status:     status,
		}

		if err := r.db.Containers.Create(ctx, nil, c); err != nil {
			r.logger.Error().Err(err).Str("container_id", id).Msg("reconciler: failed to adopt container")
			continue
		}
		metrics.ReconciliationAdoptedTotal.Inc()
		log.Audit(r.logger, log.EventContainerStateChange, map[string]any{"container_id": id, "action": "adopted"})
	}
	return nil
}

// markMissingStopped sets status=stopped for every DS row whose
// runtime_id no longer exists in the runtime.
func (r *Reconciler) markMissingStopped(ctx context.Context, dsContainers []*types.Container, byRuntimeID map[string]runtime.ContainerState) error {
	now := time.Now().UTC()
	for _, c := range dsContainers {
		if _, ok := byRuntimeID[c.RuntimeID]; ok {
			continue
		}
		if c.Status == types.ContainerStopped {
			continue
		}
		if err := r.db.Containers.UpdateStatus(ctx, nil, c.ID, types.ContainerStopped, now); err != nil {
			return err
		}
	}
	return nil
}

// gcAgedTransients deletes (DS and runtime, best effort) every
// non-persistent container whose last_seen predates the configured TTL.
func (r *Reconciler) gcAgedTransients(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.transientTTL)
	aged, err := r.db.Containers.ListTransientsOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, c := range aged {
		if err := r.ra.RemoveContainer(ctx, c.RuntimeID, true, true); err != nil && err != runtime.ErrNotFound {
			r.logger.Warn().Err(err).Str("container_id", c.ID).Msg("reconciler: best-effort runtime removal of aged transient failed")
		}

		now := time.Now().UTC()
		dbErr := r.db.WithTx(ctx, func(tx *sql.Tx) error {
			if err := r.db.Attachments.DetachAllActive(ctx, tx, c.ID, now); err != nil {
				return err
			}
			return r.db.Containers.Delete(ctx, tx, c.ID)
		})
		if dbErr != nil {
			r.logger.Error().Err(dbErr).Str("container_id", c.ID).Msg("reconciler: failed to gc aged transient from store")
			continue
		}

		metrics.ReconciliationGCTotal.Inc()
		log.Audit(r.logger, log.EventContainerStateChange, map[string]any{"container_id": c.ID, "action": "gc_transient"})
	}
	return nil
}

// syncStatus reconciles DS status with the runtime's view for every
// container present on both sides and bumps last_seen.
func (r *Reconciler) syncStatus(ctx context.Context, byRuntimeID map[string]runtime.ContainerState) error {
	dsContainers, err := r.db.Containers.List(ctx, true)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, c := range dsContainers {
		state, ok := byRuntimeID[c.RuntimeID]
		if !ok {
			continue
		}

		status := types.ContainerStopped
		if state.Running {
			status = types.ContainerRunning
		}

		if status != c.Status {
			if err := r.db.Containers.UpdateStatus(ctx, nil, c.ID, status, now); err != nil {
				return err
			}
		} else {
			if err := r.db.Containers.Touch(ctx, nil, c.ID, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// Retain deletes exec rows completed more than 24h ago, frees their
// output buffers, and expires idempotency keys. Shared with the
// Maintenance Loop so it can run retention independently of a full
// reconciliation cycle.
func (r *Reconciler) Retain(ctx context.Context) (int64, error) {
	return r.em.CleanupOlderThan(ctx, execRetention)
}
