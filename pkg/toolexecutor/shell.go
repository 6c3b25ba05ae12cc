package toolexecutor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/brainless/nocodo-agent/pkg/sandbox"
	"github.com/brainless/nocodo-agent/pkg/tools"
)

// runBash executes a shell command through the policy-checked runner.
// Policy rejections surface as PermissionDenied so the call is still
// recorded as a failed tool call rather than vanishing; a timeout is a
// successful response with timed_out set, carrying whatever output the
// command produced before the kill.
func (e *Executor) runBash(ctx context.Context, req *tools.BashRequest) (tools.Response, error) {
	if e.shell == nil {
		return nil, tools.ExecutionFailed("shell execution is not configured")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var dir string
	if req.WorkingDir != "" {
		resolved, err := e.resolvePath(req.WorkingDir)
		if err != nil {
			return nil, err
		}
		dir = resolved
	}

	cmd := sandbox.Command{
		Line: req.Command,
		Dir:  dir,
	}
	if req.TimeoutSecs > 0 {
		cmd.Timeout = time.Duration(req.TimeoutSecs) * time.Second
	}

	result, err := e.shell.Run(ctx, cmd)
	if err != nil {
		switch {
		case errors.Is(err, sandbox.ErrCommandDenied), errors.Is(err, sandbox.ErrWorkingDirDenied):
			return nil, tools.PermissionDenied("%v", err)
		case errors.Is(err, sandbox.ErrEmptyCommand):
			return nil, tools.InvalidArgument("command is required")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		default:
			return nil, tools.ExecutionFailed("run command: %v", err)
		}
	}

	return &tools.BashResponse{
		Command:           req.Command,
		WorkingDir:        req.WorkingDir,
		Stdout:            result.Stdout,
		Stderr:            result.Stderr,
		ExitCode:          result.ExitCode,
		TimedOut:          result.TimedOut,
		ExecutionTimeSecs: result.Duration.Seconds(),
	}, nil
}

// shellQuote wraps a value in single quotes for interpolation into an
// `sh -c` line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
