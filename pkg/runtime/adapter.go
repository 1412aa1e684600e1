package runtime

import (
	"context"
	"io"
	"time"
)

// Adapter is the thin shim the rest of the core calls instead of the
// Docker SDK directly. Every method is blocking in the runtime's sense.
// pkg/core runs its spawn, kill and filesystem calls through
// pkg/workerpool; the managers and the reconciler call the adapter
// directly.
type Adapter interface {
	Ping(ctx context.Context) error

	CreateContainer(ctx context.Context, spec CreateSpec) (runtimeID string, err error)
	StartContainer(ctx context.Context, runtimeID string) error
	StopContainer(ctx context.Context, runtimeID string, grace time.Duration) error
	RemoveContainer(ctx context.Context, runtimeID string, force, removeVolume bool) error
	InspectContainer(ctx context.Context, runtimeID string) (ContainerState, error)
	ListByLabel(ctx context.Context, key, value string) ([]ContainerState, error)

	Exec(ctx context.Context, runtimeID string, spec ExecSpec) (ExecStream, error)

	CopyToContainer(ctx context.Context, runtimeID, path string, r io.Reader) error
	CopyFromContainer(ctx context.Context, runtimeID, path string) (io.ReadCloser, PathStat, error)
	StatPath(ctx context.Context, runtimeID, path string) (PathStat, error)

	PullImage(ctx context.Context, ref string, authJSON string) error
	ImagePresentLocally(ctx context.Context, ref string) (bool, error)
	ImageDigest(ctx context.Context, ref string) (string, error)

	RemoveVolume(ctx context.Context, name string, force bool) error
}
