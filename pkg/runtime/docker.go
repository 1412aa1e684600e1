package runtime

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRuntime implements Adapter over the Docker engine API.
type DockerRuntime struct {
	client *client.Client
}

// NewDockerRuntime connects to the local Docker engine using the
// standard environment-driven configuration (DOCKER_HOST, DOCKER_CERT_PATH,
// DOCKER_TLS_VERIFY), the same construction lazydocker uses for its own
// *client.Client field.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("runtime: connect to docker: %w", err)
	}
	return &DockerRuntime{client: cli}, nil
}

func (r *DockerRuntime) Close() error {
	return r.client.Close()
}

func (r *DockerRuntime) Ping(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("runtime: ping: %w", err)
	}
	return nil
}

func (r *DockerRuntime) CreateContainer(ctx context.Context, spec CreateSpec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
		User:   spec.User,
	}

	var mounts []mount.Mount
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeVolume,
			Source:   m.VolumeName,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	networkMode := container.NetworkMode("bridge")
	if spec.Network != "" {
		networkMode = container.NetworkMode(spec.Network)
	}

	securityOpt := []string{}
	if spec.NoNewPrivs {
		securityOpt = append(securityOpt, "no-new-privileges")
	}

	hostCfg := &container.HostConfig{
		Mounts:         mounts,
		NetworkMode:    networkMode,
		ReadonlyRootfs: spec.ReadOnly,
		CapDrop:        spec.CapDrop,
		CapAdd:         spec.CapAdd,
		SecurityOpt:    securityOpt,
		Resources: container.Resources{
			Memory:     spec.Resources.MemoryBytes,
			CPUQuota:   spec.Resources.CPUQuota,
			CPUPeriod:  spec.Resources.CPUPeriod,
			PidsLimit:  &spec.Resources.PidsLimit,
		},
	}

	resp, err := r.client.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("runtime: create container: %w", err)
	}
	return resp.ID, nil
}

func (r *DockerRuntime) StartContainer(ctx context.Context, runtimeID string) error {
	if err := r.client.ContainerStart(ctx, runtimeID, container.StartOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("runtime: start %s: %w", runtimeID, ErrNotFound)
		}
		return fmt.Errorf("runtime: start %s: %w", runtimeID, err)
	}
	return nil
}

func (r *DockerRuntime) StopContainer(ctx context.Context, runtimeID string, grace time.Duration) error {
	secs := int(grace.Seconds())
	err := r.client.ContainerStop(ctx, runtimeID, container.StopOptions{Timeout: &secs})
	if err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("runtime: stop %s: %w", runtimeID, ErrNotFound)
		}
		return fmt.Errorf("runtime: stop %s: %w", runtimeID, err)
	}
	return nil
}

func (r *DockerRuntime) RemoveContainer(ctx context.Context, runtimeID string, force, removeVolume bool) error {
	err := r.client.ContainerRemove(ctx, runtimeID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: removeVolume,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("runtime: remove %s: %w", runtimeID, ErrNotFound)
		}
		return fmt.Errorf("runtime: remove %s: %w", runtimeID, err)
	}
	return nil
}

func (r *DockerRuntime) InspectContainer(ctx context.Context, runtimeID string) (ContainerState, error) {
	info, err := r.client.ContainerInspect(ctx, runtimeID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerState{RuntimeID: runtimeID, Missing: true}, nil
		}
		return ContainerState{}, fmt.Errorf("runtime: inspect %s: %w", runtimeID, err)
	}

	state := ContainerState{
		RuntimeID: info.ID,
		Labels:    info.Config.Labels,
	}
	if info.State != nil {
		state.Running = info.State.Running
		state.ExitCode = info.State.ExitCode
	}
	for _, m := range info.Mounts {
		state.Mounts = append(state.Mounts, MountPoint{Name: m.Name, Destination: m.Destination})
	}
	return state, nil
}

func (r *DockerRuntime) ListByLabel(ctx context.Context, key, value string) ([]ContainerState, error) {
	f := filters.NewArgs()
	if value != "" {
		f.Add("label", key+"="+value)
	} else {
		f.Add("label", key)
	}

	summaries, err := r.client.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("runtime: list by label %s: %w", key, err)
	}

	out := make([]ContainerState, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, ContainerState{
			RuntimeID: s.ID,
			Running:   s.State == "running",
			Labels:    s.Labels,
		})
	}
	return out, nil
}

func (r *DockerRuntime) Exec(ctx context.Context, runtimeID string, spec ExecSpec) (ExecStream, error) {
	created, err := r.client.ContainerExecCreate(ctx, runtimeID, container.ExecOptions{
		Cmd:          spec.Argv,
		Env:          spec.Env,
		WorkingDir:   spec.Cwd,
		User:         spec.User,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecStream{}, fmt.Errorf("runtime: exec create on %s: %w", runtimeID, err)
	}

	attached, err := r.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecStream{}, fmt.Errorf("runtime: exec attach on %s: %w", runtimeID, err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	go func() {
		_, copyErr := stdcopy.StdCopy(stdoutW, stderrW, bufio.NewReader(attached.Reader))
		stdoutW.CloseWithError(copyErr)
		stderrW.CloseWithError(copyErr)
		attached.Close()
	}()

	wait := func() (int, error) {
		inspect, err := r.client.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return 0, fmt.Errorf("runtime: exec inspect on %s: %w", runtimeID, err)
		}
		return inspect.ExitCode, nil
	}

	return ExecStream{
		Stdout: stdoutR,
		Stderr: stderrR,
		Wait:   wait,
		Close:  func() error { attached.Close(); return nil },
	}, nil
}

func (r *DockerRuntime) CopyToContainer(ctx context.Context, runtimeID, path string, rd io.Reader) error {
	err := r.client.CopyToContainer(ctx, runtimeID, path, rd, container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("runtime: copy to %s:%s: %w", runtimeID, path, err)
	}
	return nil
}

func (r *DockerRuntime) CopyFromContainer(ctx context.Context, runtimeID, path string) (io.ReadCloser, PathStat, error) {
	rc, stat, err := r.client.CopyFromContainer(ctx, runtimeID, path)
	if err != nil {
		return nil, PathStat{}, fmt.Errorf("runtime: copy from %s:%s: %w", runtimeID, path, err)
	}
	return rc, toPathStat(stat), nil
}

func (r *DockerRuntime) StatPath(ctx context.Context, runtimeID, path string) (PathStat, error) {
	stat, err := r.client.ContainerStatPath(ctx, runtimeID, path)
	if err != nil {
		if client.IsErrNotFound(err) {
			return PathStat{}, fmt.Errorf("runtime: stat %s:%s: %w", runtimeID, path, ErrNotFound)
		}
		return PathStat{}, fmt.Errorf("runtime: stat %s:%s: %w", runtimeID, path, err)
	}
	return toPathStat(stat), nil
}

func toPathStat(s container.PathStat) PathStat {
	return PathStat{
		Name:  s.Name,
		Size:  s.Size,
		Mode:  uint32(s.Mode),
		Mtime: s.Mtime.Unix(),
		IsDir: s.Mode.IsDir(),
	}
}

func (r *DockerRuntime) PullImage(ctx context.Context, ref string, authJSON string) error {
	rc, err := r.client.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: authJSON})
	if err != nil {
		return fmt.Errorf("runtime: pull %s: %w", ref, err)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	if err != nil {
		return fmt.Errorf("runtime: pull %s: reading progress: %w", ref, err)
	}
	return nil
}

func (r *DockerRuntime) ImagePresentLocally(ctx context.Context, ref string) (bool, error) {
	_, _, err := r.client.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("runtime: inspect image %s: %w", ref, err)
	}
	return true, nil
}

func (r *DockerRuntime) ImageDigest(ctx context.Context, ref string) (string, error) {
	info, _, err := r.client.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("runtime: inspect image %s: %w", ref, err)
	}
	if len(info.RepoDigests) > 0 {
		return info.RepoDigests[0], nil
	}
	return info.ID, nil
}

func (r *DockerRuntime) RemoveVolume(ctx context.Context, name string, force bool) error {
	err := r.client.VolumeRemove(ctx, name, force)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("runtime: remove volume %s: %w", name, err)
	}
	return nil
}
