// Package rtest is an in-process fake of runtime.Adapter shared by the
// manager package tests, so none of them need a real Docker engine.
package rtest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pvliesdonk/mcp-devbench/pkg/runtime"
)

// Adapter is an in-memory stand-in for a Docker engine: containers
// exist once CreateContainer is called and behave according to their
// recorded state until removed. Exec always succeeds with ExitCode
// unless ExecExitCode or ExecErr is set.
type Adapter struct {
	mu         sync.Mutex
	containers map[string]*state

	PingErr      error
	ExecExitCode int
	ExecErr      error
	ExecOutput   string

	// ImagesPresent, when non-nil, controls ImagePresentLocally's
	// answer per reference; references absent from the map are treated
	// as not present (triggering a PullImage call).
	ImagesPresent map[string]bool
	PullErr       error
	DigestByRef   map[string]string
}

type state struct {
	spec    runtime.CreateSpec
	running bool
	missing bool
}

// New returns a ready Adapter with no containers.
func New() *Adapter {
	return &Adapter{containers: make(map[string]*state)}
}

func (a *Adapter) Ping(ctx context.Context) error {
	return a.PingErr
}

func (a *Adapter) CreateContainer(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := "rt_" + uuid.NewString()
	a.containers[id] = &state{spec: spec}
	return id, nil
}

func (a *Adapter) StartContainer(ctx context.Context, runtimeID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.containers[runtimeID]
	if !ok {
		return runtime.ErrNotFound
	}
	s.running = true
	return nil
}

func (a *Adapter) StopContainer(ctx context.Context, runtimeID string, grace time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.containers[runtimeID]
	if !ok {
		return runtime.ErrNotFound
	}
	s.running = false
	return nil
}

func (a *Adapter) RemoveContainer(ctx context.Context, runtimeID string, force, removeVolume bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.containers[runtimeID]; !ok {
		return runtime.ErrNotFound
	}
	delete(a.containers, runtimeID)
	return nil
}

func (a *Adapter) InspectContainer(ctx context.Context, runtimeID string) (runtime.ContainerState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.containers[runtimeID]
	if !ok {
		return runtime.ContainerState{RuntimeID: runtimeID, Missing: true}, nil
	}
	mounts := make([]runtime.MountPoint, 0, len(s.spec.Mounts))
	for _, m := range s.spec.Mounts {
		mounts = append(mounts, runtime.MountPoint{Name: m.VolumeName, Destination: m.Target})
	}
	return runtime.ContainerState{
		RuntimeID: runtimeID,
		Running:   s.running,
		Labels:    s.spec.Labels,
		Mounts:    mounts,
	}, nil
}

func (a *Adapter) ListByLabel(ctx context.Context, key, value string) ([]runtime.ContainerState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []runtime.ContainerState
	for id, s := range a.containers {
		if s.spec.Labels[key] == value {
			out = append(out, runtime.ContainerState{RuntimeID: id, Running: s.running, Labels: s.spec.Labels})
		}
	}
	return out, nil
}

func (a *Adapter) Exec(ctx context.Context, runtimeID string, spec runtime.ExecSpec) (runtime.ExecStream, error) {
	if a.ExecErr != nil {
		return runtime.ExecStream{}, a.ExecErr
	}
	out := a.ExecOutput
	if out == "" {
		out = strings.Join(spec.Argv, " ")
	}
	return runtime.ExecStream{
		Stdout: strings.NewReader(out),
		Stderr: strings.NewReader(""),
		Wait:   func() (int, error) { return a.ExecExitCode, nil },
		Close:  func() error { return nil },
	}, nil
}

func (a *Adapter) CopyToContainer(ctx context.Context, runtimeID, path string, r io.Reader) error {
	_, err := io.ReadAll(r)
	return err
}

func (a *Adapter) CopyFromContainer(ctx context.Context, runtimeID, path string) (io.ReadCloser, runtime.PathStat, error) {
	return io.NopCloser(strings.NewReader("")), runtime.PathStat{Name: path}, nil
}

func (a *Adapter) StatPath(ctx context.Context, runtimeID, path string) (runtime.PathStat, error) {
	return runtime.PathStat{Name: path}, nil
}

func (a *Adapter) PullImage(ctx context.Context, ref string, authJSON string) error {
	return a.PullErr
}

func (a *Adapter) ImagePresentLocally(ctx context.Context, ref string) (bool, error) {
	if a.ImagesPresent == nil {
		return true, nil
	}
	return a.ImagesPresent[ref], nil
}

func (a *Adapter) ImageDigest(ctx context.Context, ref string) (string, error) {
	if d, ok := a.DigestByRef[ref]; ok {
		return d, nil
	}
	return "sha256:" + fmt.Sprintf("%x", []byte(ref)), nil
}

func (a *Adapter) RemoveVolume(ctx context.Context, name string, force bool) error {
	return nil
}
