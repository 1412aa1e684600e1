package fs

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	stdpath "path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

// ExportTar produces a tar archive rooted at path, optionally gzip
// compressed and filtered by include/exclude globs. A glob matches a
// member when it matches the member's archive name (which begins with
// the export root's base name) or the member's base name.
func (m *Manager) ExportTar(ctx context.Context, runtimeID, path string, includeGlobs, excludeGlobs []string, compress bool) (io.ReadCloser, error) {
	clean, err := normalize(path)
	if err != nil {
		return nil, err
	}

	rc, _, err := m.ra.CopyFromContainer(ctx, runtimeID, clean)
	if err != nil {
		return nil, types.NewFileNotFound(path)
	}
	defer rc.Close()

	buf := &bytes.Buffer{}
	var out io.Writer = buf
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(buf)
		out = gz
	}
	tw := tar.NewWriter(out)

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("fs: export: reading archive: %w", err)
		}

		if len(includeGlobs) > 0 && !matchAny(includeGlobs, hdr.Name) {
			continue
		}
		if matchAny(excludeGlobs, hdr.Name) {
			continue
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("fs: export: writing header: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := io.Copy(tw, tr); err != nil {
				return nil, fmt.Errorf("fs: export: writing body: %w", err)
			}
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("fs: export: closing tar: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("fs: export: closing gzip: %w", err)
		}
	}

	return io.NopCloser(buf), nil
}

// matchAny reports whether name (or its base name) matches any glob,
// using doublestar so "**" can express recursive directory patterns
// that stdlib path.Match cannot.
func matchAny(globs []string, name string) bool {
	for _, g := range globs {
		if doublestar.MatchUnvalidated(g, name) {
			return true
		}
		if doublestar.MatchUnvalidated(g, stdpath.Base(name)) {
			return true
		}
	}
	return false
}

// ImportTar buffers up to maxSizeMB of source, validates every archive
// member against path traversal, then extracts it into dest via the
// runtime's archive-put. Symlinks and hardlinks are accepted but logged.
func (m *Manager) ImportTar(ctx context.Context, runtimeID, dest string, source io.Reader, maxSizeMB int) error {
	cleanDest, err := normalize(dest)
	if err != nil {
		return err
	}

	limit := int64(maxSizeMB) * 1024 * 1024
	limited := io.LimitReader(source, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return fmt.Errorf("fs: import: reading source: %w", err)
	}
	if int64(len(data)) > limit {
		return types.NewSizeLimit(dest, fmt.Sprintf("archive exceeds %d MiB limit", maxSizeMB))
	}

	if err := validateTarMembers(data, cleanDest, m.logger); err != nil {
		return err
	}

	if err := m.ra.CopyToContainer(ctx, runtimeID, cleanDest, bytes.NewReader(data)); err != nil {
		return types.NewRuntimeError(dest, err)
	}
	return nil
}

func validateTarMembers(data []byte, dest string, logger zerolog.Logger) error {
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("fs: import: reading archive: %w", err)
		}

		if stdpath.IsAbs(hdr.Name) {
			return types.NewPathSecurityError(hdr.Name, "archive member has an absolute path")
		}
		for _, seg := range strings.Split(hdr.Name, "/") {
			if seg == ".." {
				return types.NewPathSecurityError(hdr.Name, "archive member contains a .. segment")
			}
		}

		joined := stdpath.Join(dest, hdr.Name)
		if joined != dest && !strings.HasPrefix(joined, dest+"/") {
			return types.NewPathSecurityError(hdr.Name, "archive member escapes the destination")
		}

		if hdr.Typeflag == tar.TypeSymlink || hdr.Typeflag == tar.TypeLink {
			logger.Warn().Str("member", hdr.Name).Msg("import tar: accepting link member")
		}
	}
}
