package container

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pvliesdonk/mcp-devbench/pkg/imagepolicy"
	"github.com/pvliesdonk/mcp-devbench/pkg/metrics"
	"github.com/pvliesdonk/mcp-devbench/pkg/runtime"
	"github.com/pvliesdonk/mcp-devbench/pkg/security"
	"github.com/pvliesdonk/mcp-devbench/pkg/storage"
	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

const idempotencyWindow = 24 * time.Hour

// CreateParams is the input to Create.
type CreateParams struct {
	Image          string
	Alias          string
	Persistent     bool
	TTLSeconds     int
	IdempotencyKey string
}

// Manager is the Container Manager.
type Manager struct {
	db     *storage.DB
	ra     runtime.Adapter
	ip     *imagepolicy.Policy
	sp     *security.Profile
	logger zerolog.Logger
}

func New(db *storage.DB, ra runtime.Adapter, ip *imagepolicy.Policy, sp *security.Profile, logger zerolog.Logger) *Manager {
	return &Manager{db: db, ra: ra, ip: ip, sp: sp, logger: logger}
}

// Create implements the spec's 8-step idempotent spawn: idempotency
// short-circuit, image resolution, alias check, id generation, volume
// binding, security options, runtime create, and durable-store commit.
// If the durable-store commit fails after the runtime container was
// already created, Create removes it (best effort) before returning.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*types.Container, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ContainerSpawnDuration)

	if p.IdempotencyKey != "" {
		existing, err := m.db.Containers.GetByIdempotencyKey(ctx, p.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("container create: %w", err)
		}
		if existing != nil && time.Since(existing.IdempotencyKeyCreatedAt) < idempotencyWindow {
			return existing, nil
		}
	}

	resolved, err := m.ip.Resolve(ctx, p.Image, false)
	if err != nil {
		return nil, err
	}

	if p.Alias != "" {
		existing, err := m.db.Containers.GetByAlias(ctx, p.Alias)
		if err != nil {
			return nil, fmt.Errorf("container create: %w", err)
		}
		if existing != nil {
			return nil, types.NewAliasInUse(p.Alias)
		}
	}

	id := "c_" + uuid.NewString()

	var volumeName string
	if p.Persistent {
		volumeName = "persist_" + id
	} else {
		volumeName = "transient_" + id
	}

	spec := runtime.CreateSpec{
		Name:  id,
		Image: resolved.ResolvedRef,
		Labels: map[string]string{
			"service":      "true",
			"container_id": id,
		},
		Mounts: []runtime.Mount{{VolumeName: volumeName, Target: "/workspace"}},
	}
	if p.Alias != "" {
		spec.Labels["alias"] = p.Alias
	}
	m.sp.ContainerOptions(&spec)

	runtimeID, err := m.ra.CreateContainer(ctx, spec)
	if err != nil {
		return nil, types.NewRuntimeError(id, err)
	}

	now := time.Now().UTC()
	c := &types.Container{
		ID:             id,
		RuntimeID:      runtimeID,
		Alias:          p.Alias,
		ImageRef:       resolved.ResolvedRef,
		Digest:         resolved.Digest,
		Persistent:     p.Persistent,
		CreatedAt:      now,
		LastSeen:       now,
		TTLSeconds:     p.TTLSeconds,
		VolumeName:     volumeName,
		Status:         types.ContainerStopped,
		IdempotencyKey: p.IdempotencyKey,
	}
	if p.IdempotencyKey != "" {
		c.IdempotencyKeyCreatedAt = now
	}

	if err := m.db.Containers.Create(ctx, nil, c); err != nil {
		// The insert failed: best-effort remove what we just created.
		// If a concurrent creation with the same idempotency_key won
		// the race, hand back that winner; any other failure (an alias
		// collision included) is returned as an error.
		if cleanupErr := m.ra.RemoveContainer(context.Background(), runtimeID, true, true); cleanupErr != nil {
			m.logger.Error().Err(cleanupErr).Str("container_id", id).Msg("cleanup after losing create race failed")
		}
		if p.IdempotencyKey != "" {
			if winner, getErr := m.db.Containers.GetByIdempotencyKey(ctx, p.IdempotencyKey); getErr == nil && winner != nil {
				return winner, nil
			}
		}
		return nil, fmt.Errorf("container create: %w", err)
	}

	m.logger.Info().Str("container_id", id).Str("image", resolved.ResolvedRef).Msg("container created")
	return c, nil
}

// Start loads the container, starts it via the runtime, and updates
// status accordingly.
func (m *Manager) Start(ctx context.Context, id string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ContainerStartDuration)

	c, err := m.db.Containers.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	if c == nil {
		return types.NewContainerNotFound(id)
	}

	if err := m.ra.StartContainer(ctx, c.RuntimeID); err != nil {
		m.markError(ctx, id)
		if errors.Is(err, runtime.ErrNotFound) {
			return types.NewContainerNotFound(id)
		}
		return types.NewRuntimeError(id, err)
	}

	if err := m.db.Containers.UpdateStatus(ctx, nil, id, types.ContainerRunning, time.Now().UTC()); err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

// Stop loads the container and stops it via the runtime with the given
// grace period. A runtime-missing container is not an error.
func (m *Manager) Stop(ctx context.Context, id string, grace time.Duration) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ContainerStopDuration)

	c, err := m.db.Containers.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("container stop: %w", err)
	}
	if c == nil {
		return types.NewContainerNotFound(id)
	}

	if err := m.ra.StopContainer(ctx, c.RuntimeID, grace); err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			return m.db.Containers.UpdateStatus(ctx, nil, id, types.ContainerStopped, time.Now().UTC())
		}
		return types.NewRuntimeError(id, err)
	}

	return m.db.Containers.UpdateStatus(ctx, nil, id, types.ContainerStopped, time.Now().UTC())
}

// Remove loads the container, removes it (and its transient volume, or
// best-effort its persistent volume) via the runtime, and
// deletes the row and all active attachments in one transaction.
// Runtime-missing containers are still removed from the store.
func (m *Manager) Remove(ctx context.Context, id string, force bool) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ContainerRemoveDuration)

	c, err := m.db.Containers.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("container remove: %w", err)
	}
	if c == nil {
		return types.NewContainerNotFound(id)
	}

	err = m.ra.RemoveContainer(ctx, c.RuntimeID, force, !c.Persistent)
	if err != nil && !errors.Is(err, runtime.ErrNotFound) {
		return types.NewRuntimeError(id, err)
	}

	if c.Persistent && c.VolumeName != "" {
		if volErr := m.ra.RemoveVolume(ctx, c.VolumeName, false); volErr != nil {
			m.logger.Warn().Err(volErr).Str("volume", c.VolumeName).Msg("failed to remove persistent volume")
		}
	}

	return m.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		if err := m.db.Attachments.DetachAllActive(ctx, tx, id, now); err != nil {
			return err
		}
		return m.db.Containers.Delete(ctx, tx, id)
	})
}

// Get looks up a container by id, falling back to alias, then
// refreshes its status from the runtime's live view.
func (m *Manager) Get(ctx context.Context, identifier string) (*types.Container, error) {
	c, err := m.db.Containers.GetByID(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("container get: %w", err)
	}
	if c == nil {
		c, err = m.db.Containers.GetByAlias(ctx, identifier)
		if err != nil {
			return nil, fmt.Errorf("container get: %w", err)
		}
	}
	if c == nil {
		return nil, types.NewContainerNotFound(identifier)
	}

	state, err := m.ra.InspectContainer(ctx, c.RuntimeID)
	if err != nil {
		return nil, types.NewRuntimeError(identifier, err)
	}

	var newStatus types.ContainerStatus
	switch {
	case state.Missing:
		newStatus = types.ContainerError
	case state.Running:
		newStatus = types.ContainerRunning
	default:
		newStatus = types.ContainerStopped
	}

	if newStatus != c.Status {
		if err := m.db.Containers.UpdateStatus(ctx, nil, c.ID, newStatus, time.Now().UTC()); err != nil {
			return nil, fmt.Errorf("container get: %w", err)
		}
		c.Status = newStatus
	}
	return c, nil
}

// List enumerates containers, restricted to status=running unless
// includeStopped is set.
func (m *Manager) List(ctx context.Context, includeStopped bool) ([]*types.Container, error) {
	containers, err := m.db.Containers.List(ctx, includeStopped)
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	return containers, nil
}

func (m *Manager) markError(ctx context.Context, id string) {
	if err := m.db.Containers.UpdateStatus(ctx, nil, id, types.ContainerError, time.Now().UTC()); err != nil {
		m.logger.Error().Err(err).Str("container_id", id).Msg("failed to mark container error")
	}
}
