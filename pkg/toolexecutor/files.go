package toolexecutor

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/brainless/nocodo-agent/pkg/tools"
)

// ignoredNames are build artifacts marked "(ignored)" in listings and
// skipped by grep.
var ignoredNames = map[string]bool{
	"node_modules": true, ".git": true, "dist": true, "build": true,
	".next": true, "__pycache__": true, ".DS_Store": true, "target": true,
	"Cargo.lock": true, "package-lock.json": true, "yarn.lock": true,
	"pnpm-lock.yaml": true,
}

func isIgnoredName(name string) bool {
	return ignoredNames[name] || strings.HasSuffix(name, ".pyc")
}

func (e *Executor) listFiles(ctx context.Context, req *tools.ListFilesRequest) (tools.Response, error) {
	target, err := e.resolvePath(req.Path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, tools.NotFound("path does not exist: %s", req.Path)
		}
		return nil, tools.ExecutionFailed("stat %s: %v", req.Path, err)
	}
	if !info.IsDir() {
		return nil, tools.InvalidArgument("path is not a directory: %s", req.Path)
	}

	maxFiles := req.MaxFiles
	if maxFiles <= 0 {
		maxFiles = e.maxList
	}

	// Breadth-first walk so shallow structure survives the cap.
	var entries []tools.FileInfo
	queue := []string{target}
	visited := map[string]bool{}

	for len(queue) > 0 && len(entries) < maxFiles {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		dir := queue[0]
		queue = queue[1:]
		if visited[dir] {
			continue
		}
		visited[dir] = true

		dirEntries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		var subdirs []string
		for _, de := range dirEntries {
			if len(entries) >= maxFiles {
				break
			}
			name := de.Name()
			if !req.IncludeHidden && strings.HasPrefix(name, ".") {
				continue
			}

			full := filepath.Join(dir, name)
			rel, relErr := filepath.Rel(target, full)
			if relErr != nil {
				continue
			}
			fi := tools.FileInfo{Name: name, Path: rel, IsDirectory: de.IsDir()}
			if !de.IsDir() {
				if meta, metaErr := de.Info(); metaErr == nil {
					fi.Size = meta.Size()
					fi.ModifiedAt = strconv.FormatInt(meta.ModTime().Unix(), 10)
				}
			} else {
				subdirs = append(subdirs, full)
			}
			entries = append(entries, fi)
		}

		if req.Recursive {
			queue = append(queue, subdirs...)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.IsDirectory != b.IsDirectory {
			return a.IsDirectory
		}
		la, lb := strings.ToLower(a.Name), strings.ToLower(b.Name)
		if la != lb {
			return la < lb
		}
		return a.Name < b.Name
	})

	return &tools.ListFilesResponse{
		CurrentPath: req.Path,
		Files:       renderTree(entries, filepath.Base(target)),
		Entries:     entries,
		TotalFiles:  len(entries),
		Truncated:   len(entries) >= maxFiles,
		Limit:       maxFiles,
	}, nil
}

// renderTree formats entries as an indented tree, two spaces per depth,
// with the listing root on the first line.
func renderTree(entries []tools.FileInfo, rootName string) string {
	var b strings.Builder
	b.WriteString(rootName)
	b.WriteString("\n")

	byParent := make(map[string][]tools.FileInfo)
	for _, fi := range entries {
		parent := filepath.Dir(fi.Path)
		if parent == "." {
			parent = ""
		}
		byParent[parent] = append(byParent[parent], fi)
	}

	var walk func(parent, prefix string)
	walk = func(parent, prefix string) {
		for _, fi := range byParent[parent] {
			b.WriteString(prefix)
			b.WriteString("  ")
			b.WriteString(fi.Name)
			if isIgnoredName(fi.Name) {
				b.WriteString(" (ignored)")
			}
			b.WriteString("\n")
			if fi.IsDirectory {
				walk(fi.Path, prefix+"  ")
			}
		}
	}
	walk("", "")
	return b.String()
}

func (e *Executor) readFile(ctx context.Context, req *tools.ReadFileRequest) (tools.Response, error) {
	target, err := e.resolvePath(req.Path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, tools.NotFound("file does not exist: %s", req.Path)
		}
		return nil, tools.ExecutionFailed("stat %s: %v", req.Path, err)
	}
	if info.IsDir() {
		return nil, tools.InvalidArgument("path is a directory, not a file: %s", req.Path)
	}

	maxSize := e.maxFileSize
	if req.MaxSize > 0 && req.MaxSize < maxSize {
		maxSize = req.MaxSize
	}

	data, over, err := readCapped(target, maxSize)
	if err != nil {
		return nil, tools.ExecutionFailed("read %s: %v", req.Path, err)
	}
	if over {
		return nil, tools.SizeLimitExceeded(info.Size(), maxSize)
	}

	content := string(data)
	if !utf8.ValidString(content) {
		content = "[BINARY_FILE_BASE64] " + base64.StdEncoding.EncodeToString(data)
	}

	return &tools.ReadFileResponse{
		Path:    req.Path,
		Content: content,
		Size:    int64(len(data)),
	}, nil
}

func (e *Executor) writeFile(ctx context.Context, req *tools.WriteFileRequest) (tools.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	target, err := e.resolvePath(req.Path)
	if err != nil {
		return nil, err
	}

	_, statErr := os.Stat(target)
	exists := statErr == nil

	if req.CreateDirs || req.CreateIfNotExist {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, tools.ExecutionFailed("create parent directories for %s: %v", req.Path, err)
		}
	}
	if !exists && !req.CreateIfNotExist && !req.CreateDirs {
		return nil, tools.NotFound("file does not exist: %s (use create_if_not_exists=true to create it)", req.Path)
	}

	var content string
	if req.Search != nil {
		existing, readErr := os.ReadFile(target)
		if readErr != nil {
			return nil, tools.ExecutionFailed("cannot read file for search/replace: %s", req.Path)
		}
		text := string(existing)
		if !strings.Contains(text, *req.Search) {
			return nil, tools.NotFound("search pattern %q not found in file: %s", *req.Search, req.Path)
		}
		content = strings.ReplaceAll(text, *req.Search, *req.Replace)
	} else {
		content = *req.Content
	}

	if req.Append && exists {
		f, openErr := os.OpenFile(target, os.O_WRONLY|os.O_APPEND, 0o644)
		if openErr != nil {
			return nil, tools.ExecutionFailed("open %s for append: %v", req.Path, openErr)
		}
		defer f.Close()
		if _, writeErr := f.WriteString(content); writeErr != nil {
			return nil, tools.ExecutionFailed("append to %s: %v", req.Path, writeErr)
		}
	} else {
		if writeErr := os.WriteFile(target, []byte(content), 0o644); writeErr != nil {
			return nil, tools.ExecutionFailed("write %s: %v", req.Path, writeErr)
		}
	}

	return &tools.WriteFileResponse{
		Path:         req.Path,
		Success:      true,
		BytesWritten: int64(len(content)),
		Created:      !exists,
		Modified:     exists,
	}, nil
}
