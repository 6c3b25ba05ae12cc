package toolexecutor

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/brainless/nocodo-agent/pkg/sandbox"
	"github.com/brainless/nocodo-agent/pkg/tools"
)

// extractImageText runs tesseract over an image inside the sandbox. The
// OCR runner's policy only admits the tesseract binary, so a compromised
// argument cannot pivot into arbitrary commands.
func (e *Executor) extractImageText(ctx context.Context, req *tools.ExtractImageTextRequest) (tools.Response, error) {
	if e.ocr == nil {
		return nil, tools.ExecutionFailed("image text extraction is not configured")
	}

	target, err := e.resolvePath(req.ImagePath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(target); statErr != nil {
		if os.IsNotExist(statErr) {
			return nil, tools.NotFound("image does not exist: %s", req.ImagePath)
		}
		return nil, tools.ExecutionFailed("stat %s: %v", req.ImagePath, statErr)
	}

	lang := req.Language
	if lang == "" {
		lang = "eng"
	}
	if strings.ContainsAny(lang, " ;|&'\"") {
		return nil, tools.InvalidArgument("invalid OCR language %q", lang)
	}

	line := fmt.Sprintf("tesseract %s stdout -l %s", shellQuote(target), lang)
	result, err := e.ocr.Run(ctx, sandbox.Command{Line: line})
	if err != nil {
		return nil, tools.ExecutionFailed("run tesseract: %v", err)
	}
	if result.TimedOut {
		return nil, tools.Timeout("tesseract timed out on %s", req.ImagePath)
	}
	if result.ExitCode != 0 {
		return nil, tools.ExecutionFailed("tesseract exited %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}

	return &tools.ExtractImageTextResponse{
		ImagePath:       req.ImagePath,
		Text:            strings.TrimSpace(result.Stdout),
		ExecutionTimeMs: result.Duration.Milliseconds(),
	}, nil
}
