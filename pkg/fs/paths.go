package fs

import (
	"path"
	"strings"

	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

const workspaceRoot = "/workspace"

// normalize resolves p relative to the workspace root, collapses . and
// .. segments, and rejects anything that would escape /workspace.
func normalize(p string) (string, error) {
	if p == "" {
		p = workspaceRoot
	}
	if !strings.HasPrefix(p, "/") {
		p = workspaceRoot + "/" + p
	}

	clean := path.Clean(p)

	if clean != workspaceRoot && !strings.HasPrefix(clean, workspaceRoot+"/") {
		return "", types.NewPathSecurityError(p, "path escapes workspace root")
	}
	for _, seg := range strings.Split(clean, "/") {
		if seg == ".." {
			return "", types.NewPathSecurityError(p, "path contains a .. segment")
		}
	}
	return clean, nil
}

func requireNotRoot(p string) error {
	if p == workspaceRoot {
		return types.NewPathSecurityError(p, "refusing to operate on the workspace root")
	}
	return nil
}
