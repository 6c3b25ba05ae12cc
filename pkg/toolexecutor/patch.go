package toolexecutor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/brainless/nocodo-agent/pkg/tools"
)

const (
	patchBegin  = "*** Begin Patch"
	patchEnd    = "*** End Patch"
	patchAdd    = "*** Add File: "
	patchUpdate = "*** Update File: "
	patchDelete = "*** Delete File: "
	patchMove   = "*** Move to: "
	patchEOF    = "*** End of File"
)

type patchChunk struct {
	context  string
	oldLines []string
	newLines []string
}

type patchOp struct {
	kind     string // add, update, delete
	path     string
	movePath string
	contents []string
	chunks   []patchChunk
}

func (e *Executor) applyPatch(ctx context.Context, req *tools.ApplyPatchRequest) (tools.Response, error) {
	ops, err := parsePatch(req.Patch)
	if err != nil {
		return nil, err
	}

	changed := []tools.PatchFileChange{}
	additions, deletions := 0, 0
	var failures []string

	for _, op := range ops {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		switch op.kind {
		case "add":
			target, resolveErr := e.resolvePath(op.path)
			if resolveErr != nil {
				failures = append(failures, fmt.Sprintf("invalid path %q: %v", op.path, resolveErr))
				continue
			}
			if mkErr := os.MkdirAll(filepath.Dir(target), 0o755); mkErr != nil {
				failures = append(failures, fmt.Sprintf("create parent directory for %q: %v", op.path, mkErr))
				continue
			}
			content := strings.Join(op.contents, "\n")
			if len(op.contents) > 0 {
				content += "\n"
			}
			if writeErr := os.WriteFile(target, []byte(content), 0o644); writeErr != nil {
				failures = append(failures, fmt.Sprintf("create file %q: %v", op.path, writeErr))
				continue
			}
			additions += len(op.contents)
			changed = append(changed, tools.PatchFileChange{Path: op.path, Operation: "add"})

		case "delete":
			target, resolveErr := e.resolvePath(op.path)
			if resolveErr != nil {
				failures = append(failures, fmt.Sprintf("invalid path %q: %v", op.path, resolveErr))
				continue
			}
			if data, readErr := os.ReadFile(target); readErr == nil {
				deletions += countLines(string(data))
			}
			if rmErr := os.Remove(target); rmErr != nil {
				failures = append(failures, fmt.Sprintf("delete file %q: %v", op.path, rmErr))
				continue
			}
			changed = append(changed, tools.PatchFileChange{Path: op.path, Operation: "delete"})

		case "update":
			change, adds, dels, updateErr := e.applyUpdate(op)
			if updateErr != nil {
				failures = append(failures, updateErr.Error())
				continue
			}
			additions += adds
			deletions += dels
			changed = append(changed, change)
		}
	}

	success := len(failures) == 0
	var message string
	if success {
		message = fmt.Sprintf("Successfully applied patch: %d file(s) changed, %d additions(+), %d deletions(-)",
			len(changed), additions, deletions)
	} else {
		message = fmt.Sprintf("Patch partially applied with %d error(s): %s",
			len(failures), strings.Join(failures, "; "))
	}

	return &tools.ApplyPatchResponse{
		Success:        success,
		FilesChanged:   changed,
		TotalAdditions: additions,
		TotalDeletions: deletions,
		Message:        message,
	}, nil
}

// applyUpdate rewrites one file according to its chunks and handles an
// optional move. Chunks locate their old text by exact match, falling
// back to searching after the chunk's @@ context line.
func (e *Executor) applyUpdate(op patchOp) (tools.PatchFileChange, int, int, error) {
	var change tools.PatchFileChange

	target, err := e.resolvePath(op.path)
	if err != nil {
		return change, 0, 0, fmt.Errorf("invalid path %q: %v", op.path, err)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return change, 0, 0, fmt.Errorf("read file %q: %v", op.path, err)
	}
	content := string(data)

	additions, deletions := 0, 0
	for _, chunk := range op.chunks {
		oldText := strings.Join(chunk.oldLines, "\n")
		newText := strings.Join(chunk.newLines, "\n")
		deletions += len(chunk.oldLines)
		additions += len(chunk.newLines)

		if oldText == "" {
			if chunk.context == "" {
				return change, 0, 0, fmt.Errorf("chunk for %q has no old lines and no context", op.path)
			}
			ctxPos := strings.Index(content, chunk.context)
			if ctxPos < 0 {
				return change, 0, 0, fmt.Errorf("could not find context %q in %q", chunk.context, op.path)
			}
			insertAt := ctxPos + len(chunk.context)
			content = content[:insertAt] + "\n" + newText + content[insertAt:]
			continue
		}

		pos := strings.Index(content, oldText)
		if pos < 0 && chunk.context != "" {
			ctxPos := strings.Index(content, chunk.context)
			if ctxPos < 0 {
				return change, 0, 0, fmt.Errorf("could not find context %q in %q", chunk.context, op.path)
			}
			after := ctxPos + len(chunk.context)
			rel := strings.Index(content[after:], oldText)
			if rel < 0 {
				return change, 0, 0, fmt.Errorf("could not find old lines in %q after context %q", op.path, chunk.context)
			}
			pos = after + rel
		}
		if pos < 0 {
			return change, 0, 0, fmt.Errorf("could not find old lines in %q", op.path)
		}
		content = content[:pos] + newText + content[pos+len(oldText):]
	}

	operation := "update"
	writePath := target
	if op.movePath != "" {
		moveTarget, moveErr := e.resolvePath(op.movePath)
		if moveErr != nil {
			return change, 0, 0, fmt.Errorf("invalid move path %q: %v", op.movePath, moveErr)
		}
		if mkErr := os.MkdirAll(filepath.Dir(moveTarget), 0o755); mkErr != nil {
			return change, 0, 0, fmt.Errorf("create parent directory for %q: %v", op.movePath, mkErr)
		}
		writePath = moveTarget
		operation = "move"
	}

	if writeErr := os.WriteFile(writePath, []byte(content), 0o644); writeErr != nil {
		return change, 0, 0, fmt.Errorf("write file %q: %v", op.path, writeErr)
	}
	if op.movePath != "" && writePath != target {
		if rmErr := os.Remove(target); rmErr != nil {
			return change, 0, 0, fmt.Errorf("remove original %q after move: %v", op.path, rmErr)
		}
	}

	change = tools.PatchFileChange{Path: op.path, Operation: operation}
	if op.movePath != "" {
		change.NewPath = op.movePath
	}
	return change, additions, deletions, nil
}

// parsePatch reads the patch envelope into file operations. Parse
// problems are InvalidArgument: a malformed patch never touches the
// filesystem.
func parsePatch(text string) ([]patchOp, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	// Tolerate leading/trailing blank lines around the envelope.
	start := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == patchBegin {
			start = i
			break
		}
		if strings.TrimSpace(line) != "" {
			return nil, tools.InvalidArgument("patch must start with %q", patchBegin)
		}
	}
	if start < 0 {
		return nil, tools.InvalidArgument("patch must start with %q", patchBegin)
	}

	var ops []patchOp
	var current *patchOp
	var chunk *patchChunk
	ended := false

	flushChunk := func() {
		if current != nil && chunk != nil {
			current.chunks = append(current.chunks, *chunk)
		}
		chunk = nil
	}
	flushOp := func() {
		flushChunk()
		if current != nil {
			ops = append(ops, *current)
		}
		current = nil
	}

	for _, raw := range lines[start+1:] {
		line := strings.TrimRight(raw, "\r")
		switch {
		case strings.TrimSpace(line) == patchEnd:
			flushOp()
			ended = true

		case ended:
			if strings.TrimSpace(line) != "" {
				return nil, tools.InvalidArgument("unexpected content after %q", patchEnd)
			}

		case strings.HasPrefix(line, patchAdd):
			flushOp()
			path := strings.TrimSpace(strings.TrimPrefix(line, patchAdd))
			if path == "" {
				return nil, tools.InvalidArgument("add section is missing a file path")
			}
			current = &patchOp{kind: "add", path: path}

		case strings.HasPrefix(line, patchUpdate):
			flushOp()
			path := strings.TrimSpace(strings.TrimPrefix(line, patchUpdate))
			if path == "" {
				return nil, tools.InvalidArgument("update section is missing a file path")
			}
			current = &patchOp{kind: "update", path: path}

		case strings.HasPrefix(line, patchDelete):
			flushOp()
			path := strings.TrimSpace(strings.TrimPrefix(line, patchDelete))
			if path == "" {
				return nil, tools.InvalidArgument("delete section is missing a file path")
			}
			ops = append(ops, patchOp{kind: "delete", path: path})

		case strings.HasPrefix(line, patchMove):
			if current == nil || current.kind != "update" {
				return nil, tools.InvalidArgument("%q outside an update section", patchMove)
			}
			current.movePath = strings.TrimSpace(strings.TrimPrefix(line, patchMove))

		case strings.TrimSpace(line) == patchEOF:
			flushChunk()

		case strings.HasPrefix(line, "@@"):
			if current == nil || current.kind != "update" {
				return nil, tools.InvalidArgument("hunk header outside an update section")
			}
			flushChunk()
			chunk = &patchChunk{context: strings.TrimSpace(strings.TrimPrefix(line, "@@"))}

		case current == nil:
			if strings.TrimSpace(line) != "" {
				return nil, tools.InvalidArgument("unexpected line outside any section: %q", line)
			}

		case current.kind == "add":
			if !strings.HasPrefix(line, "+") {
				return nil, tools.InvalidArgument("add section lines must start with '+', got %q", line)
			}
			current.contents = append(current.contents, line[1:])

		case current.kind == "update":
			if line == "" {
				// blank context line
				line = " "
			}
			if chunk == nil {
				chunk = &patchChunk{}
			}
			text := line[1:]
			switch line[0] {
			case ' ':
				chunk.oldLines = append(chunk.oldLines, text)
				chunk.newLines = append(chunk.newLines, text)
			case '-':
				chunk.oldLines = append(chunk.oldLines, text)
			case '+':
				chunk.newLines = append(chunk.newLines, text)
			default:
				return nil, tools.InvalidArgument("update section lines must start with ' ', '-' or '+', got %q", line)
			}

		default:
			return nil, tools.InvalidArgument("unexpected line in %s section: %q", current.kind, line)
		}
	}

	if !ended {
		return nil, tools.InvalidArgument("patch must end with %q", patchEnd)
	}
	if len(ops) == 0 {
		return nil, tools.InvalidArgument("patch contains no file sections")
	}
	return ops, nil
}

func countLines(content string) int {
	if content == "" {
		return 0
	}
	return len(strings.Split(strings.TrimRight(content, "\n"), "\n"))
}
