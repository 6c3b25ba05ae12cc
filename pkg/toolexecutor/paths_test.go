package toolexecutor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainless/nocodo-agent/pkg/tools"
)

func TestResolvePath_RelativeInsideRoot(t *testing.T) {
	root := t.TempDir()
	exec := newTestExecutor(t, Options{Root: root})

	resolved, err := exec.resolvePath("sub/file.txt")

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(exec.Root(), "sub/file.txt"), resolved)
}

func TestResolvePath_AbsoluteInsideRoot(t *testing.T) {
	root := t.TempDir()
	exec := newTestExecutor(t, Options{Root: root})

	resolved, err := exec.resolvePath(filepath.Join(exec.Root(), "a.txt"))

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(exec.Root(), "a.txt"), resolved)
}

func TestResolvePath_ParentEscape(t *testing.T) {
	exec := newTestExecutor(t, Options{})

	for _, p := range []string{
		"../outside.txt",
		"../../etc/passwd",
		"sub/../../outside.txt",
	} {
		_, err := exec.resolvePath(p)
		assert.Equal(t, tools.CodePermissionDenied, toolCode(t, err), "path %q", p)
	}
}

func TestResolvePath_AbsoluteOutsideRoot(t *testing.T) {
	exec := newTestExecutor(t, Options{})

	_, err := exec.resolvePath("/etc/passwd")

	assert.Equal(t, tools.CodePermissionDenied, toolCode(t, err))
}

func TestResolvePath_SymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))
	exec := newTestExecutor(t, Options{Root: root})

	_, err := exec.resolvePath("link/secret.txt")

	assert.Equal(t, tools.CodePermissionDenied, toolCode(t, err))
}

func TestResolvePath_SymlinkInsideRootAllowed(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "real/data.txt", "x")
	exec := newTestExecutor(t, Options{Root: root})
	require.NoError(t, os.Symlink(filepath.Join(exec.Root(), "real"), filepath.Join(exec.Root(), "alias")))

	resolved, err := exec.resolvePath("alias/data.txt")

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(exec.Root(), "real/data.txt"), resolved)
}

func TestResolvePath_RejectsURLs(t *testing.T) {
	exec := newTestExecutor(t, Options{})

	for _, p := range []string{"https://example.com/x", "file:///etc/passwd"} {
		_, err := exec.resolvePath(p)
		assert.Equal(t, tools.CodeInvalidArgument, toolCode(t, err), "path %q", p)
	}
}

func TestResolvePath_Empty(t *testing.T) {
	exec := newTestExecutor(t, Options{})

	_, err := exec.resolvePath("  ")

	assert.Equal(t, tools.CodeInvalidArgument, toolCode(t, err))
}

func TestReadCapped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ten.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 10)), 0o644))

	data, over, err := readCapped(path, 4)
	require.NoError(t, err)
	assert.Len(t, data, 4)
	assert.True(t, over)

	data, over, err = readCapped(path, 10)
	require.NoError(t, err)
	assert.Len(t, data, 10)
	assert.False(t, over, "exactly at the limit is not over")

	data, over, err = readCapped(path, 100)
	require.NoError(t, err)
	assert.Len(t, data, 10)
	assert.False(t, over)
}
