// Package toolexecutor executes typed tool requests inside a sandbox
// rooted at a base path. Every filesystem tool resolves paths against the
// root and refuses anything that escapes it; shell commands go through the
// permission policy; ask_user suspends on a question broker. The executor
// is a pure dispatcher over the closed request union — state lives in the
// filesystem, the broker and the runners it is constructed with.
package toolexecutor

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brainless/nocodo-agent/internal/observability"
	"github.com/brainless/nocodo-agent/internal/tracing"
	"github.com/brainless/nocodo-agent/pkg/sandbox"
	"github.com/brainless/nocodo-agent/pkg/tools"
)

const (
	// DefaultMaxFileSize caps read_file and fetch_url payloads.
	DefaultMaxFileSize = 10 * 1024 * 1024

	// DefaultTimeout bounds a single tool call end to end.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxListEntries caps list_files results.
	DefaultMaxListEntries = 100

	// DefaultMaxGrepResults caps grep matches.
	DefaultMaxGrepResults = 100

	// DefaultMaxGrepFiles caps how many files grep opens.
	DefaultMaxGrepFiles = 1000

	// DefaultMaxParallel bounds a tool batch's concurrency.
	DefaultMaxParallel = 20
)

// Options configures an Executor.
type Options struct {
	// Root is the sandbox base path. Required; resolved to an absolute,
	// symlink-free path at construction.
	Root string

	// Shell runs bash tool commands. Nil disables the bash tool.
	Shell *sandbox.Runner

	// OCR runs the tesseract binary for image text extraction. Nil
	// disables the tool.
	OCR *sandbox.Runner

	// Questions brokers ask_user calls. Nil disables the tool.
	Questions *QuestionBroker

	// HTTPClient serves fetch_url. Defaults to a client with the
	// executor timeout.
	HTTPClient *http.Client

	// MaxFileSize is the read/fetch size ceiling in bytes.
	MaxFileSize int64

	// Timeout bounds one tool call. Requests carrying their own timeout
	// (bash, ask_user, fetch_url) may extend it.
	Timeout time.Duration

	// MaxListEntries caps list_files output.
	MaxListEntries int

	// MaxGrepResults and MaxGrepFiles cap grep work.
	MaxGrepResults int
	MaxGrepFiles   int

	// MaxParallel bounds ExecuteBatch concurrency.
	MaxParallel int
}

// Executor dispatches typed tool requests.
type Executor struct {
	root        string
	shell       *sandbox.Runner
	ocr         *sandbox.Runner
	questions   *QuestionBroker
	httpClient  *http.Client
	maxFileSize int64
	timeout     time.Duration
	maxList     int
	maxGrepHits int
	maxGrepFile int
	maxParallel int
}

// New builds an executor rooted at opts.Root.
func New(opts Options) (*Executor, error) {
	observability.EnsureRegistered()

	if opts.Root == "" {
		return nil, fmt.Errorf("sandbox root is required")
	}
	absRoot, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}

	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxListEntries <= 0 {
		opts.MaxListEntries = DefaultMaxListEntries
	}
	if opts.MaxGrepResults <= 0 {
		opts.MaxGrepResults = DefaultMaxGrepResults
	}
	if opts.MaxGrepFiles <= 0 {
		opts.MaxGrepFiles = DefaultMaxGrepFiles
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}

	return &Executor{
		root:        resolvedRoot,
		shell:       opts.Shell,
		ocr:         opts.OCR,
		questions:   opts.Questions,
		httpClient:  opts.HTTPClient,
		maxFileSize: opts.MaxFileSize,
		timeout:     opts.Timeout,
		maxList:     opts.MaxListEntries,
		maxGrepHits: opts.MaxGrepResults,
		maxGrepFile: opts.MaxGrepFiles,
		maxParallel: opts.MaxParallel,
	}, nil
}

// Root returns the resolved sandbox base path.
func (e *Executor) Root() string { return e.root }

// Specs lists the tools this executor can actually serve, for the
// model-facing tool schema. Tools whose runner or broker is absent are
// omitted so the model never proposes a call that cannot be dispatched.
func (e *Executor) Specs() []tools.Spec {
	all := tools.Specs()
	out := make([]tools.Spec, 0, len(all))
	for _, spec := range all {
		switch spec.Name {
		case tools.ToolBash:
			if e.shell == nil {
				continue
			}
		case tools.ToolAskUser:
			if e.questions == nil {
				continue
			}
		case tools.ToolExtractImageText:
			if e.ocr == nil {
				continue
			}
		}
		out = append(out, spec)
	}
	return out
}

// Execute runs one typed request and returns its typed response. All
// failures come back as *tools.Error; the handler runs under a deadline
// derived from the executor timeout and any request-specific budget.
func (e *Executor) Execute(ctx context.Context, req tools.Request) (tools.Response, error) {
	if req == nil {
		return nil, tools.InvalidArgument("nil tool request")
	}

	toolName := req.ToolName()
	timeout := e.requestTimeout(req)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	type outcome struct {
		resp tools.Response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := e.dispatch(execCtx, req)
		done <- outcome{resp, err}
	}()

	select {
	case out := <-done:
		duration := time.Since(start)
		if out.err != nil {
			toolErr := tools.AsError(out.err)
			observability.RecordToolExecution(toolName, duration, false)
			if toolErr.Code == tools.CodePermissionDenied {
				observability.RecordSecurityAudit(ctx, "tool_denied", tracing.GetSessionID(ctx), "blocked", map[string]interface{}{
					"tool":  toolName,
					"error": toolErr.Message,
				})
			}
			log.Warn().
				Str("tool", toolName).
				Str("code", string(toolErr.Code)).
				Dur("duration", duration).
				Msg("Tool execution failed")
			return nil, toolErr
		}
		observability.RecordToolExecution(toolName, duration, true)
		log.Debug().
			Str("tool", toolName).
			Dur("duration", duration).
			Msg("Tool executed")
		return out.resp, nil

	case <-execCtx.Done():
		duration := time.Since(start)
		observability.RecordToolExecution(toolName, duration, false)
		log.Warn().
			Str("tool", toolName).
			Dur("duration", duration).
			Msg("Tool execution timed out")
		if ctx.Err() != nil {
			return nil, tools.ExecutionFailed("tool %s aborted: %v", toolName, ctx.Err())
		}
		return nil, tools.Timeout("tool %s exceeded %s", toolName, timeout)
	}
}

// requestTimeout stretches the executor default when the request carries
// its own larger budget, plus headroom for dispatch overhead.
func (e *Executor) requestTimeout(req tools.Request) time.Duration {
	timeout := e.timeout
	var requested time.Duration
	switch r := req.(type) {
	case *tools.BashRequest:
		requested = time.Duration(r.TimeoutSecs) * time.Second
	case *tools.AskUserRequest:
		// Human answers take far longer than tool work; the broker owns
		// the real deadline.
		requested = time.Duration(r.TimeoutSecs) * time.Second
		if requested <= 0 {
			requested = DefaultAskTimeout
		}
	case *tools.FetchURLRequest:
		requested = time.Duration(r.TimeoutSecs) * time.Second
	}
	if requested > 0 && requested+5*time.Second > timeout {
		timeout = requested + 5*time.Second
	}
	return timeout
}

func (e *Executor) dispatch(ctx context.Context, req tools.Request) (tools.Response, error) {
	switch r := req.(type) {
	case *tools.ListFilesRequest:
		return e.listFiles(ctx, r)
	case *tools.ReadFileRequest:
		return e.readFile(ctx, r)
	case *tools.WriteFileRequest:
		return e.writeFile(ctx, r)
	case *tools.ApplyPatchRequest:
		return e.applyPatch(ctx, r)
	case *tools.GrepRequest:
		return e.grep(ctx, r)
	case *tools.BashRequest:
		return e.runBash(ctx, r)
	case *tools.AskUserRequest:
		return e.askUser(ctx, r)
	case *tools.FetchURLRequest:
		return e.fetchURL(ctx, r)
	case *tools.QueryDatabaseRequest:
		return e.queryDatabase(ctx, r)
	case *tools.ExtractImageTextRequest:
		return e.extractImageText(ctx, r)
	default:
		return nil, tools.NotFound("no handler for tool %q", req.ToolName())
	}
}

// BatchResult is one entry of an ExecuteBatch reply, at the same index as
// its request.
type BatchResult struct {
	Request  tools.Request
	Response tools.Response
	Err      *tools.Error
}

// ExecuteBatch runs requests concurrently, bounded by MaxParallel, and
// returns results in the order the requests were given regardless of
// completion order.
func (e *Executor) ExecuteBatch(ctx context.Context, reqs []tools.Request) []BatchResult {
	results := make([]BatchResult, len(reqs))
	if len(reqs) == 0 {
		return results
	}

	sem := make(chan struct{}, e.maxParallel)
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(idx int, r tools.Request) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			resp, err := e.Execute(ctx, r)
			result := BatchResult{Request: r, Response: resp}
			if err != nil {
				result.Err = tools.AsError(err)
			}
			results[idx] = result
		}(i, req)
	}
	wg.Wait()
	return results
}
