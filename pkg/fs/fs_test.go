package fs

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pvliesdonk/mcp-devbench/pkg/runtime"
)

// fakeFS is a tar-backed in-memory filesystem standing in for a
// container's archive-get/archive-put endpoints.
type fakeFS struct {
	mu    sync.Mutex
	files map[string][]byte // workspace-relative path -> content
	dirs  map[string]bool
}

func newFakeFS() *fakeFS {
	return &fakeFS{files: make(map[string][]byte), dirs: map[string]bool{"/workspace": true}}
}

func (f *fakeFS) Ping(ctx context.Context) error { return nil }
func (f *fakeFS) CreateContainer(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	return "rt_1", nil
}
func (f *fakeFS) StartContainer(ctx context.Context, runtimeID string) error { return nil }
func (f *fakeFS) StopContainer(ctx context.Context, runtimeID string, grace time.Duration) error {
	return nil
}
func (f *fakeFS) RemoveContainer(ctx context.Context, runtimeID string, force, removeVolume bool) error {
	return nil
}
func (f *fakeFS) InspectContainer(ctx context.Context, runtimeID string) (runtime.ContainerState, error) {
	return runtime.ContainerState{RuntimeID: runtimeID, Running: true}, nil
}
func (f *fakeFS) ListByLabel(ctx context.Context, key, value string) ([]runtime.ContainerState, error) {
	return nil, nil
}

func (f *fakeFS) Exec(ctx context.Context, runtimeID string, spec runtime.ExecSpec) (runtime.ExecStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(spec.Argv) >= 2 && spec.Argv[0] == "mkdir" {
		f.dirs[spec.Argv[len(spec.Argv)-1]] = true
	}
	if len(spec.Argv) >= 2 && spec.Argv[0] == "rm" {
		target := spec.Argv[len(spec.Argv)-1]
		for p := range f.files {
			if p == target || strings.HasPrefix(p, target+"/") {
				delete(f.files, p)
			}
		}
		delete(f.dirs, target)
	}
	return runtime.ExecStream{
		Stdout: strings.NewReader(""),
		Stderr: strings.NewReader(""),
		Wait:   func() (int, error) { return 0, nil },
		Close:  func() error { return nil },
	}, nil
}

func (f *fakeFS) CopyToContainer(ctx context.Context, runtimeID, destDir string, r io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		f.files[destDir+"/"+hdr.Name] = data
		f.dirs[destDir] = true
	}
}

func (f *fakeFS) CopyFromContainer(ctx context.Context, runtimeID, path string) (io.ReadCloser, runtime.PathStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if data, ok := f.files[path]; ok {
		buf := &bytes.Buffer{}
		tw := tar.NewWriter(buf)
		base := path[strings.LastIndex(path, "/")+1:]
		_ = tw.WriteHeader(&tar.Header{Name: base, Size: int64(len(data)), Mode: 0644})
		_, _ = tw.Write(data)
		_ = tw.Close()
		return io.NopCloser(buf), runtime.PathStat{Name: path, Size: int64(len(data))}, nil
	}
	if f.dirs[path] {
		buf := &bytes.Buffer{}
		tw := tar.NewWriter(buf)
		base := path[strings.LastIndex(path, "/")+1:]
		_ = tw.WriteHeader(&tar.Header{Name: base, Typeflag: tar.TypeDir, Mode: 0755})
		for p, data := range f.files {
			if strings.HasPrefix(p, path+"/") {
				rel := base + "/" + strings.TrimPrefix(p, path+"/")
				_ = tw.WriteHeader(&tar.Header{Name: rel, Size: int64(len(data)), Mode: 0644})
				_, _ = tw.Write(data)
			}
		}
		_ = tw.Close()
		return io.NopCloser(buf), runtime.PathStat{Name: path, IsDir: true}, nil
	}
	return nil, runtime.PathStat{}, runtime.ErrNotFound
}

func (f *fakeFS) StatPath(ctx context.Context, runtimeID, path string) (runtime.PathStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if data, ok := f.files[path]; ok {
		return runtime.PathStat{Name: path, Size: int64(len(data))}, nil
	}
	if f.dirs[path] {
		return runtime.PathStat{Name: path, IsDir: true}, nil
	}
	return runtime.PathStat{}, runtime.ErrNotFound
}

func (f *fakeFS) PullImage(ctx context.Context, ref, authJSON string) error         { return nil }
func (f *fakeFS) ImagePresentLocally(ctx context.Context, ref string) (bool, error) { return true, nil }
func (f *fakeFS) ImageDigest(ctx context.Context, ref string) (string, error)       { return "sha256:x", nil }
func (f *fakeFS) RemoveVolume(ctx context.Context, name string, force bool) error   { return nil }

func TestWriteThenRead(t *testing.T) {
	ctx := context.Background()
	ra := newFakeFS()
	m := New(ra, zerolog.Nop())

	etag, err := m.Write(ctx, "rt_1", "/workspace/a.txt", []byte("hello"), "")
	require.NoError(t, err)
	require.NotEmpty(t, etag)

	data, info, err := m.Read(ctx, "rt_1", "/workspace/a.txt")
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
	require.Equal(t, etag, info.ETag)
}

func TestWriteRejectsStaleETag(t *testing.T) {
	ctx := context.Background()
	ra := newFakeFS()
	m := New(ra, zerolog.Nop())

	_, err := m.Write(ctx, "rt_1", "/workspace/a.txt", []byte("v1"), "")
	require.NoError(t, err)

	_, err = m.Write(ctx, "rt_1", "/workspace/a.txt", []byte("v2"), "not-the-real-etag")
	require.Error(t, err)
}

func TestWriteRejectsWorkspaceRoot(t *testing.T) {
	ctx := context.Background()
	ra := newFakeFS()
	m := New(ra, zerolog.Nop())

	_, err := m.Write(ctx, "rt_1", "/workspace", []byte("nope"), "")
	require.Error(t, err)
}

func TestReadRejectsPathEscape(t *testing.T) {
	ctx := context.Background()
	ra := newFakeFS()
	m := New(ra, zerolog.Nop())

	_, _, err := m.Read(ctx, "rt_1", "../../etc/passwd")
	require.Error(t, err)
}

func TestDeleteThenStatNotFound(t *testing.T) {
	ctx := context.Background()
	ra := newFakeFS()
	m := New(ra, zerolog.Nop())

	_, err := m.Write(ctx, "rt_1", "/workspace/a.txt", []byte("hello"), "")
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, "rt_1", "/workspace/a.txt"))

	_, err = m.Stat(ctx, "rt_1", "/workspace/a.txt")
	require.Error(t, err)
}

func TestMatchAnyHandlesRecursiveGlobs(t *testing.T) {
	require.True(t, matchAny([]string{"**/*.go"}, "dir/sub/a.go"))
	require.True(t, matchAny([]string{"*.txt"}, "dir/a.txt"))
	require.True(t, matchAny([]string{"*.go"}, "dir/sub/a.go"))
	require.False(t, matchAny([]string{"**/*.md"}, "dir/sub/a.go"))
}

func TestExportTarHonorsIncludeAndExcludeGlobs(t *testing.T) {
	ctx := context.Background()
	ra := newFakeFS()
	m := New(ra, zerolog.Nop())

	require.NoError(t, requireWrite(ctx, m, "/workspace/keep/a.go"))
	require.NoError(t, requireWrite(ctx, m, "/workspace/skip/b.txt"))

	rc, err := m.ExportTar(ctx, "rt_1", "/workspace", []string{"**/*.go"}, nil, false)
	require.NoError(t, err)
	defer rc.Close()

	names := map[string]bool{}
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names[hdr.Name] = true
	}
	require.True(t, names["workspace/keep/a.go"])
	require.False(t, names["workspace/skip/b.txt"])
}

func requireWrite(ctx context.Context, m *Manager, path string) error {
	_, err := m.Write(ctx, "rt_1", path, []byte("x"), "")
	return err
}

func TestListReturnsImmediateChildren(t *testing.T) {
	ctx := context.Background()
	ra := newFakeFS()
	m := New(ra, zerolog.Nop())

	_, err := m.Write(ctx, "rt_1", "/workspace/dir/a.txt", []byte("a"), "")
	require.NoError(t, err)
	_, err = m.Write(ctx, "rt_1", "/workspace/a.txt", []byte("top"), "")
	require.NoError(t, err)

	entries, err := m.List(ctx, "rt_1", "/workspace")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
}
