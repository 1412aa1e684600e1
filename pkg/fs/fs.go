package fs

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	stdpath "path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/pvliesdonk/mcp-devbench/pkg/metrics"
	"github.com/pvliesdonk/mcp-devbench/pkg/runtime"
	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

// Manager is the Filesystem Manager.
type Manager struct {
	ra     runtime.Adapter
	logger zerolog.Logger
}

func New(ra runtime.Adapter, logger zerolog.Logger) *Manager {
	return &Manager{ra: ra, logger: logger}
}

func contentETag(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func statETag(path string, size int64, mtime time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", path, size, mtime.Unix())))
	return hex.EncodeToString(sum[:])
}

func toFileInfo(path string, s runtime.PathStat) types.FileInfo {
	mtime := time.Unix(s.Mtime, 0).UTC()
	return types.FileInfo{
		Path:  path,
		Size:  s.Size,
		IsDir: s.IsDir,
		Mode:  fmt.Sprintf("%o", s.Mode),
		MTime: mtime,
		ETag:  statETag(path, s.Size, mtime),
	}
}

// Read stats then reads a single file through the runtime's archive-get.
func (m *Manager) Read(ctx context.Context, runtimeID, path string) ([]byte, types.FileInfo, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.FilesystemOpDuration, "read")

	clean, err := normalize(path)
	if err != nil {
		return nil, types.FileInfo{}, err
	}

	rc, stat, err := m.ra.CopyFromContainer(ctx, runtimeID, clean)
	if err != nil {
		return nil, types.FileInfo{}, types.NewFileNotFound(path)
	}
	defer rc.Close()
	if stat.IsDir {
		return nil, types.FileInfo{}, types.NewValidationError(path, "path is a directory")
	}

	data, err := extractSingle(rc, stdpath.Base(clean))
	if err != nil {
		return nil, types.FileInfo{}, types.NewFileNotFound(path)
	}

	info := toFileInfo(path, stat)
	info.ETag = contentETag(data)
	return data, info, nil
}

// Write creates or replaces a file's content, creating missing parent
// directories, honoring an optimistic-concurrency if_match_etag.
func (m *Manager) Write(ctx context.Context, runtimeID, path string, data []byte, ifMatchETag string) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.FilesystemOpDuration, "write")

	clean, err := normalize(path)
	if err != nil {
		return "", err
	}
	if err := requireNotRoot(clean); err != nil {
		return "", err
	}

	if ifMatchETag != "" {
		if _, existing, readErr := m.Read(ctx, runtimeID, clean); readErr == nil {
			current := existing.ETag
			if current != ifMatchETag {
				return "", types.NewFileConflict(path, ifMatchETag, current)
			}
		}
	}

	dir := stdpath.Dir(clean)
	mkdirStream, err := m.ra.Exec(ctx, runtimeID, runtime.ExecSpec{
		Argv: []string{"mkdir", "-p", dir},
		User: "0",
	})
	if err != nil {
		return "", types.NewRuntimeError(path, err)
	}
	defer mkdirStream.Close()
	if _, err := mkdirStream.Wait(); err != nil {
		return "", types.NewRuntimeError(path, err)
	}

	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	hdr := &tar.Header{
		Name: stdpath.Base(clean),
		Mode: 0644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return "", fmt.Errorf("fs: write header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return "", fmt.Errorf("fs: write body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("fs: write close: %w", err)
	}

	if err := m.ra.CopyToContainer(ctx, runtimeID, dir, buf); err != nil {
		return "", types.NewRuntimeError(path, err)
	}

	return contentETag(data), nil
}

// Delete removes a path recursively. Deleting the workspace root itself
// is rejected.
func (m *Manager) Delete(ctx context.Context, runtimeID, path string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.FilesystemOpDuration, "delete")

	clean, err := normalize(path)
	if err != nil {
		return err
	}
	if err := requireNotRoot(clean); err != nil {
		return err
	}

	if _, err := m.ra.StatPath(ctx, runtimeID, clean); err != nil {
		return types.NewFileNotFound(path)
	}

	stream, err := m.ra.Exec(ctx, runtimeID, runtime.ExecSpec{
		Argv: []string{"rm", "-rf", clean},
		User: "0",
	})
	if err != nil {
		return types.NewRuntimeError(path, err)
	}
	defer stream.Close()
	if _, err := stream.Wait(); err != nil {
		return types.NewRuntimeError(path, err)
	}
	return nil
}

// Stat returns size, directory flag, mode, mtime, etag, and a
// best-effort content type for a path.
func (m *Manager) Stat(ctx context.Context, runtimeID, path string) (types.FileInfo, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.FilesystemOpDuration, "stat")

	clean, err := normalize(path)
	if err != nil {
		return types.FileInfo{}, err
	}

	stat, err := m.ra.StatPath(ctx, runtimeID, clean)
	if err != nil {
		return types.FileInfo{}, types.NewFileNotFound(path)
	}

	info := toFileInfo(path, stat)
	if !stat.IsDir {
		info.ContentType = guessContentType(clean)
		if data, _, readErr := m.Read(ctx, runtimeID, clean); readErr == nil {
			info.ETag = contentETag(data)
		}
	}
	return info, nil
}

// List returns a one-level listing of a directory's immediate children.
func (m *Manager) List(ctx context.Context, runtimeID, path string) ([]types.FileInfo, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.FilesystemOpDuration, "list")

	clean, err := normalize(path)
	if err != nil {
		return nil, err
	}

	rc, _, err := m.ra.CopyFromContainer(ctx, runtimeID, clean)
	if err != nil {
		return nil, types.NewFileNotFound(path)
	}
	defer rc.Close()

	root := stdpath.Base(clean)
	var out []types.FileInfo

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("fs: list: reading archive: %w", err)
		}

		rel := stdpath.Clean(hdr.Name)
		if rel == "." || rel == root {
			continue
		}
		// one level only: reject entries with a path separator after
		// stripping the synthesized root prefix.
		trimmed := rel
		if stdpath.Dir(rel) != root && stdpath.Dir(rel) != "." {
			continue
		}

		name := stdpath.Base(trimmed)
		childPath := stdpath.Join(path, name)
		mtime := hdr.ModTime.UTC()
		etag := statETag(childPath, hdr.Size, mtime)
		if hdr.Typeflag == tar.TypeReg {
			if data, readErr := io.ReadAll(tr); readErr == nil {
				etag = contentETag(data)
			}
		}
		out = append(out, types.FileInfo{
			Path:  childPath,
			Size:  hdr.Size,
			IsDir: hdr.Typeflag == tar.TypeDir,
			Mode:  fmt.Sprintf("%o", hdr.Mode),
			MTime: mtime,
			ETag:  etag,
		})
	}
	return out, nil
}

func extractSingle(r io.Reader, name string) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("fs: member %s not found in archive", name)
		}
		if err != nil {
			return nil, err
		}
		if stdpath.Base(hdr.Name) == name && hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}

func guessContentType(path string) string {
	switch filepath.Ext(path) {
	case ".json":
		return "application/json"
	case ".txt", ".md", ".log":
		return "text/plain"
	case ".html", ".htm":
		return "text/html"
	case ".js":
		return "application/javascript"
	case ".py":
		return "text/x-python"
	case ".go":
		return "text/x-go"
	case ".yaml", ".yml":
		return "application/yaml"
	default:
		return "application/octet-stream"
	}
}
