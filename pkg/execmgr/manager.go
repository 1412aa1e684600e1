package execmgr

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pvliesdonk/mcp-devbench/pkg/log"
	"github.com/pvliesdonk/mcp-devbench/pkg/metrics"
	"github.com/pvliesdonk/mcp-devbench/pkg/runtime"
	"github.com/pvliesdonk/mcp-devbench/pkg/security"
	"github.com/pvliesdonk/mcp-devbench/pkg/storage"
	"github.com/pvliesdonk/mcp-devbench/pkg/stream"
	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

const idempotencyWindow = 24 * time.Hour

// SubmitParams is the input to Submit.
type SubmitParams struct {
	ContainerID    string
	Argv           []string
	Cwd            string
	Env            map[string]string
	AsRoot         bool
	TimeoutSeconds int
	IdempotencyKey string
}

type idempotencyEntry struct {
	execID    string
	createdAt time.Time
}

// Manager is the Exec Manager.
type Manager struct {
	db     *storage.DB
	ra     runtime.Adapter
	os     *stream.Streamer
	sp     *security.Profile
	logger zerolog.Logger

	semMu       sync.Mutex
	semaphores  map[string]chan struct{}
	maxPerCtnr  int

	idemMu sync.Mutex
	idem   map[string]idempotencyEntry

	cancelMu sync.Mutex
	cancel   map[string]context.CancelFunc
	cancelled map[string]bool

	active int64
}

// ActiveCount reports the number of execs currently holding a
// container semaphore (i.e. actually running, not just queued).
func (m *Manager) ActiveCount() int64 {
	return atomic.LoadInt64(&m.active)
}

func New(db *storage.DB, ra runtime.Adapter, os *stream.Streamer, sp *security.Profile, maxPerContainer int, logger zerolog.Logger) *Manager {
	if maxPerContainer <= 0 {
		maxPerContainer = 4
	}
	return &Manager{
		db:         db,
		ra:         ra,
		os:         os,
		sp:         sp,
		logger:     logger,
		semaphores: make(map[string]chan struct{}),
		maxPerCtnr: maxPerContainer,
		idem:       make(map[string]idempotencyEntry),
		cancel:     make(map[string]context.CancelFunc),
		cancelled:  make(map[string]bool),
	}
}

func (m *Manager) semaphoreFor(containerID string) chan struct{} {
	m.semMu.Lock()
	defer m.semMu.Unlock()
	sem, ok := m.semaphores[containerID]
	if !ok {
		sem = make(chan struct{}, m.maxPerCtnr)
		m.semaphores[containerID] = sem
	}
	return sem
}

// Submit admits a command for asynchronous execution and returns the
// exec id immediately; the command itself runs on an independent
// worker goroutine.
func (m *Manager) Submit(ctx context.Context, p SubmitParams) (string, error) {
	if p.IdempotencyKey != "" {
		m.idemMu.Lock()
		entry, ok := m.idem[p.IdempotencyKey]
		m.idemMu.Unlock()
		if ok && time.Since(entry.createdAt) < idempotencyWindow {
			return entry.execID, nil
		}
	}

	c, err := m.db.Containers.GetByID(ctx, p.ContainerID)
	if err != nil {
		return "", fmt.Errorf("exec submit: %w", err)
	}
	if c == nil {
		return "", types.NewContainerNotFound(p.ContainerID)
	}

	execID := "e_" + uuid.NewString()

	if p.Cwd == "" {
		p.Cwd = "/workspace"
	}

	e := &types.Exec{
		ExecID:      execID,
		ContainerID: p.ContainerID,
		Command: types.Command{
			Argv: p.Argv,
			Cwd:  p.Cwd,
			Env:  p.Env,
		},
		AsRoot:    p.AsRoot,
		StartedAt: time.Now().UTC(),
	}
	if err := m.db.Execs.Create(ctx, e); err != nil {
		return "", fmt.Errorf("exec submit: %w", err)
	}

	m.os.InitExec(execID)

	if p.IdempotencyKey != "" {
		m.idemMu.Lock()
		m.idem[p.IdempotencyKey] = idempotencyEntry{execID: execID, createdAt: time.Now().UTC()}
		m.idemMu.Unlock()
	}

	if p.AsRoot {
		m.sp.AuditAsRoot(m.logger, p.ContainerID, "")
	}

	timeout := time.Duration(p.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	workCtx, cancel := context.WithCancel(context.Background())
	m.cancelMu.Lock()
	m.cancel[execID] = cancel
	m.cancelMu.Unlock()

	go m.run(workCtx, c.RuntimeID, execID, p, timeout)

	log.Audit(m.logger, log.EventExecStart, map[string]any{
		"exec_id":      execID,
		"container_id": p.ContainerID,
		"as_root":      p.AsRoot,
	})

	return execID, nil
}

func (m *Manager) run(ctx context.Context, runtimeID, execID string, p SubmitParams, timeout time.Duration) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ExecDuration)
		m.cancelMu.Lock()
		delete(m.cancel, execID)
		delete(m.cancelled, execID)
		m.cancelMu.Unlock()
	}()

	sem := m.semaphoreFor(p.ContainerID)

	select {
	case sem <- struct{}{}:
		atomic.AddInt64(&m.active, 1)
		defer func() {
			<-sem
			atomic.AddInt64(&m.active, -1)
		}()
	case <-ctx.Done():
		m.finish(context.Background(), execID, -2, types.ExecUsage{Cancelled: true}, true)
		return
	}

	if m.isCancelled(execID) {
		m.finish(context.Background(), execID, -2, types.ExecUsage{Cancelled: true}, true)
		return
	}

	runCtx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	start := time.Now()

	user := m.sp.ExecUser(p.AsRoot)
	spec := runtime.ExecSpec{
		Argv: p.Argv,
		Cwd:  p.Cwd,
		Env:  envSlice(p.Env),
		User: user,
	}

	execStream, err := m.ra.Exec(runCtx, runtimeID, spec)
	if err != nil {
		usage := types.ExecUsage{WallMS: time.Since(start).Milliseconds(), Error: err.Error()}
		m.finish(context.Background(), execID, -1, usage, true)
		metrics.ExecsTotal.WithLabelValues("runtime_error").Inc()
		return
	}
	defer execStream.Close()

	var wg sync.WaitGroup
	var stdoutSize, stderrSize int64
	wg.Add(2)
	go func() {
		defer wg.Done()
		stdoutSize = m.pump(execID, stream.KindStdout, execStream.Stdout)
	}()
	go func() {
		defer wg.Done()
		stderrSize = m.pump(execID, stream.KindStderr, execStream.Stderr)
	}()

	exitCode, waitErr := execStream.Wait()
	wg.Wait()

	usage := types.ExecUsage{
		WallMS:     time.Since(start).Milliseconds(),
		StdoutSize: stdoutSize,
		StderrSize: stderrSize,
	}

	switch {
	case m.isCancelled(execID):
		m.os.Append(execID, stream.KindStderr, []byte("[CANCELLED]\n"))
		usage.Cancelled = true
		m.finish(context.Background(), execID, -2, usage, true)
		metrics.ExecsTotal.WithLabelValues("cancelled").Inc()
	case runCtx.Err() != nil:
		usage.Timeout = true
		m.finish(context.Background(), execID, -1, usage, true)
		metrics.ExecsTotal.WithLabelValues("timeout").Inc()
	case waitErr != nil:
		usage.Error = waitErr.Error()
		m.finish(context.Background(), execID, -1, usage, true)
		metrics.ExecsTotal.WithLabelValues("runtime_error").Inc()
	default:
		m.finish(context.Background(), execID, exitCode, usage, true)
		metrics.ExecsTotal.WithLabelValues("completed").Inc()
	}
}

func (m *Manager) pump(execID string, kind stream.ChunkKind, r io.Reader) int64 {
	if r == nil {
		return 0
	}
	var total int64
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.os.Append(execID, kind, chunk)
			total += int64(n)
		}
		if err != nil {
			return total
		}
	}
}

func (m *Manager) finish(ctx context.Context, execID string, exitCode int, usage types.ExecUsage, markComplete bool) {
	if markComplete {
		m.os.Complete(execID, exitCode, usage)
	}
	if err := m.db.Execs.Complete(ctx, execID, time.Now().UTC(), exitCode, usage); err != nil {
		m.logger.Error().Err(err).Str("exec_id", execID).Msg("failed to record exec completion")
	}
}

func (m *Manager) isCancelled(execID string) bool {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	return m.cancelled[execID]
}

// Poll returns chunks after afterSeq (or all, if nil) plus the current
// completion flag.
func (m *Manager) Poll(ctx context.Context, execID string, afterSeq *int64) ([]stream.Chunk, bool, error) {
	e, err := m.db.Execs.GetByID(ctx, execID)
	if err != nil {
		return nil, false, fmt.Errorf("exec poll: %w", err)
	}
	if e == nil {
		return nil, false, types.NewExecNotFound(execID)
	}
	chunks, complete := m.os.Poll(execID, afterSeq)
	return chunks, complete, nil
}

// Stats returns a diagnostic snapshot of execID's output buffer.
func (m *Manager) Stats(ctx context.Context, execID string) (stream.Stats, error) {
	e, err := m.db.Execs.GetByID(ctx, execID)
	if err != nil {
		return stream.Stats{}, fmt.Errorf("exec stats: %w", err)
	}
	if e == nil {
		return stream.Stats{}, types.NewExecNotFound(execID)
	}
	stats, _ := m.os.Stats(execID)
	return stats, nil
}

// Cancel marks a submitted exec as cancelled. If its worker has not yet
// acquired the container semaphore, it will finish immediately as
// cancelled; if it is mid-run, cancellation is best effort.
func (m *Manager) Cancel(ctx context.Context, execID string) error {
	e, err := m.db.Execs.GetByID(ctx, execID)
	if err != nil {
		return fmt.Errorf("exec cancel: %w", err)
	}
	if e == nil {
		return types.NewExecNotFound(execID)
	}

	m.cancelMu.Lock()
	m.cancelled[execID] = true
	cancel, ok := m.cancel[execID]
	m.cancelMu.Unlock()

	if ok {
		cancel()
	}
	return nil
}

// ListActiveIn returns execs for containerID that have not yet ended.
func (m *Manager) ListActiveIn(ctx context.Context, containerID string) ([]*types.Exec, error) {
	return m.db.Execs.ListActiveIn(ctx, containerID)
}

// CleanupOlderThan deletes completed exec rows and frees their output
// buffers and idempotency entries beyond the given age.
func (m *Manager) CleanupOlderThan(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	m.idemMu.Lock()
	for k, v := range m.idem {
		if v.createdAt.Before(cutoff) {
			delete(m.idem, k)
		}
	}
	m.idemMu.Unlock()

	ids, err := m.db.Execs.ListCompletedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("exec cleanup: %w", err)
	}
	for _, id := range ids {
		m.os.Cleanup(id)
	}

	// Belt-and-suspenders: the streamer also ages out its own completed
	// buffers independently of the DB row, so a buffer outlives its exec
	// row by at most maxAge even if the row was deleted by another path
	// first (e.g. a retention run that crashed between the two steps).
	m.os.CleanupCompletedOlderThan(maxAge)

	return m.db.Execs.DeleteCompletedBefore(ctx, cutoff)
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
