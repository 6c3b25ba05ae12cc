package toolexecutor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainless/nocodo-agent/pkg/sandbox"
	"github.com/brainless/nocodo-agent/pkg/tools"
)

func newOCRExecutor(t *testing.T) *Executor {
	t.Helper()
	root := t.TempDir()
	runner, err := sandbox.NewRunner(sandbox.Options{Root: root, Policy: sandbox.OnlyAllow("tesseract")})
	require.NoError(t, err)
	return newTestExecutor(t, Options{Root: root, OCR: runner})
}

func TestExtractImageText_NotConfigured(t *testing.T) {
	exec := newTestExecutor(t, Options{})

	_, err := exec.Execute(context.Background(), &tools.ExtractImageTextRequest{ImagePath: "shot.png"})

	assert.Equal(t, tools.CodeExecutionFailed, toolCode(t, err))
}

func TestExtractImageText_MissingImage(t *testing.T) {
	exec := newOCRExecutor(t)

	_, err := exec.Execute(context.Background(), &tools.ExtractImageTextRequest{ImagePath: "missing.png"})

	assert.Equal(t, tools.CodeNotFound, toolCode(t, err))
}

func TestExtractImageText_PathOutsideSandbox(t *testing.T) {
	exec := newOCRExecutor(t)

	_, err := exec.Execute(context.Background(), &tools.ExtractImageTextRequest{ImagePath: "../shot.png"})

	assert.Equal(t, tools.CodePermissionDenied, toolCode(t, err))
}

func TestExtractImageText_InvalidLanguage(t *testing.T) {
	exec := newOCRExecutor(t)
	writeTestFile(t, exec.Root(), "shot.png", "not really an image")

	_, err := exec.Execute(context.Background(), &tools.ExtractImageTextRequest{
		ImagePath: "shot.png",
		Language:  "eng; rm -rf /",
	})

	assert.Equal(t, tools.CodeInvalidArgument, toolCode(t, err))
}

func TestExtractImageText_UnreadableImage(t *testing.T) {
	exec := newOCRExecutor(t)
	writeTestFile(t, exec.Root(), "shot.png", "not really an image")

	// Fails whether tesseract is installed (garbage input) or not
	// (command not found); either way the failure is surfaced, not
	// swallowed.
	_, err := exec.Execute(context.Background(), &tools.ExtractImageTextRequest{ImagePath: "shot.png"})

	assert.Equal(t, tools.CodeExecutionFailed, toolCode(t, err))
}
