package toolexecutor

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/brainless/nocodo-agent/pkg/tools"
)

// grepResponseCap bounds the serialized size of a grep reply so one
// pathological pattern cannot flood the conversation.
const grepResponseCap = 100 * 1024

// binaryExtensions are skipped without opening the file.
var binaryExtensions = map[string]bool{
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".bin": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true,
	".tiff": true, ".ico": true, ".pdf": true, ".zip": true, ".tar": true,
	".gz": true, ".bz2": true, ".xz": true, ".7z": true, ".rar": true,
}

func (e *Executor) grep(ctx context.Context, req *tools.GrepRequest) (tools.Response, error) {
	searchPath := req.Path
	if searchPath == "" {
		searchPath = "."
	}
	target, err := e.resolvePath(searchPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, tools.NotFound("search path does not exist: %s", searchPath)
		}
		return nil, tools.ExecutionFailed("stat %s: %v", searchPath, err)
	}

	pattern := req.Pattern
	if !req.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, tools.InvalidArgument("invalid regex pattern: %v", err)
	}

	include, err := compileNameFilter(req.IncludePattern)
	if err != nil {
		return nil, tools.InvalidArgument("invalid include pattern: %v", err)
	}
	exclude, err := compileNameFilter(req.ExcludePattern)
	if err != nil {
		return nil, tools.InvalidArgument("invalid exclude pattern: %v", err)
	}

	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = e.maxGrepHits
	}
	maxFiles := req.MaxFilesSearched
	if maxFiles <= 0 {
		maxFiles = e.maxGrepFile
	}
	recursive := req.RecursiveOrDefault()

	matches := []tools.GrepMatch{}
	filesSearched := 0
	truncated := false

	searchFile := func(path, display string) {
		if filesSearched >= maxFiles {
			truncated = true
			return
		}
		filesSearched++

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return
		}
		lines := strings.Split(string(data), "\n")
		if n := len(lines); n > 0 && lines[n-1] == "" {
			lines = lines[:n-1]
		}
		for lineNum, line := range lines {
			if len(matches) >= maxResults {
				truncated = true
				return
			}
			for _, loc := range re.FindAllStringIndex(line, -1) {
				if len(matches) >= maxResults {
					truncated = true
					return
				}
				matches = append(matches, tools.GrepMatch{
					FilePath:    display,
					LineNumber:  lineNum + 1,
					LineContent: line,
					MatchStart:  loc[0],
					MatchEnd:    loc[1],
					MatchedText: line[loc[0]:loc[1]],
				})
			}
		}
	}

	if !info.IsDir() {
		searchFile(target, filepath.Base(target))
	} else {
		walkErr := filepath.WalkDir(target, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			name := d.Name()
			if d.IsDir() {
				if path == target {
					return nil
				}
				if !recursive {
					return filepath.SkipDir
				}
				if strings.HasPrefix(name, ".") || isIgnoredName(name) {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.HasPrefix(name, ".") || isIgnoredName(name) || binaryExtensions[strings.ToLower(filepath.Ext(name))] {
				return nil
			}

			display, relErr := filepath.Rel(target, path)
			if relErr != nil {
				display = path
			}
			if include != nil && !include.MatchString(display) {
				return nil
			}
			if exclude != nil && exclude.MatchString(display) {
				return nil
			}

			searchFile(path, display)
			if len(matches) >= maxResults || filesSearched >= maxFiles {
				return filepath.SkipAll
			}
			return nil
		})
		if walkErr != nil && ctx.Err() != nil {
			return nil, walkErr
		}
	}

	// Trim oversized replies; long lines count against the cap.
	size := 0
	for i, m := range matches {
		size += len(m.FilePath) + len(m.LineContent) + len(m.MatchedText) + 100
		if size > grepResponseCap {
			matches = matches[:i]
			truncated = true
			break
		}
	}

	return &tools.GrepResponse{
		Pattern:       req.Pattern,
		Matches:       matches,
		TotalMatches:  len(matches),
		FilesSearched: filesSearched,
		Truncated:     truncated,
	}, nil
}

// compileNameFilter turns a shell-style glob into an anchored regexp.
// '*' spans path separators so `*.go` matches nested files.
func compileNameFilter(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	var b strings.Builder
	b.WriteString("^")
	for _, ch := range pattern {
		switch ch {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
