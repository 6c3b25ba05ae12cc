package toolexecutor

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/brainless/nocodo-agent/pkg/tools"
)

// resolvePath turns a tool-supplied path into an absolute path inside the
// sandbox root. Relative paths are joined to the root; absolute paths are
// allowed only when they already point inside it. Symlinks are resolved
// before the containment check so a link cannot smuggle a path out.
func (e *Executor) resolvePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", tools.InvalidArgument("path is required")
	}
	if strings.Contains(p, "://") {
		return "", tools.InvalidArgument("path must be a local file, got %q", p)
	}

	candidate := p
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(e.root, candidate)
	}
	candidate = filepath.Clean(candidate)

	resolved, err := evalSymlinksBestEffort(candidate)
	if err != nil {
		return "", tools.ExecutionFailed("resolve path %q: %v", p, err)
	}

	rel, err := filepath.Rel(e.root, resolved)
	if err != nil {
		return "", tools.PermissionDenied("path %q is outside the workspace", p)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", tools.PermissionDenied("path %q is outside the workspace", p)
	}
	return resolved, nil
}

// evalSymlinksBestEffort resolves symlinks for a path that may not exist
// yet by resolving the deepest existing ancestor and re-joining the
// remainder.
func evalSymlinksBestEffort(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	dir := filepath.Dir(path)
	if dir == path {
		return path, nil
	}
	parent, err := evalSymlinksBestEffort(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, filepath.Base(path)), nil
}

// relPath renders an absolute sandbox path relative to the root for
// display in responses.
func (e *Executor) relPath(abs string) string {
	rel, err := filepath.Rel(e.root, abs)
	if err != nil {
		return abs
	}
	return rel
}

// readCapped reads at most limit bytes and reports whether the file goes
// beyond them, without ever buffering past the limit.
func readCapped(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}

	probe := make([]byte, 1)
	over := false
	if _, err := file.Read(probe); err == nil {
		over = true
	}
	return buf.Bytes(), over, nil
}
