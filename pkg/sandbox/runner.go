package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultTimeout bounds commands that specify no timeout of their own.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxOutputBytes caps captured stdout/stderr per stream.
	DefaultMaxOutputBytes = 256 * 1024

	// timeoutExitCode follows the shell convention for killed-by-timeout.
	timeoutExitCode = 124
)

// Options configures a Runner.
type Options struct {
	// Root is the directory commands run in by default.
	Root string

	// Policy decides which commands may run. Defaults to DefaultPolicy.
	Policy *Policy

	// DefaultTimeout applies when a command sets none.
	DefaultTimeout time.Duration

	// MaxOutputBytes caps each captured stream.
	MaxOutputBytes int
}

// Runner executes shell commands under a policy. The policy can be
// swapped at runtime when configuration is reloaded.
type Runner struct {
	root           string
	defaultTimeout time.Duration
	maxOutput      int

	mu     sync.RWMutex
	policy *Policy
}

// Command is one shell invocation.
type Command struct {
	// Line is the command line, run via sh -c.
	Line string

	// Dir is the absolute working directory; empty means the runner root.
	Dir string

	// Env adds environment variables on top of the runner's base set.
	Env map[string]string

	// Stdin is fed to the process when non-empty.
	Stdin []byte

	// Timeout overrides the runner default when positive.
	Timeout time.Duration
}

// Result captures one finished (or killed) command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// NewRunner builds a runner rooted at the given directory.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("runner root is required")
	}
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return &Runner{
		root:           opts.Root,
		defaultTimeout: opts.DefaultTimeout,
		maxOutput:      opts.MaxOutputBytes,
		policy:         opts.Policy,
	}, nil
}

// Root returns the runner's default working directory.
func (r *Runner) Root() string {
	return r.root
}

// Policy returns the active policy.
func (r *Runner) Policy() *Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

// SetPolicy swaps the active policy. In-flight commands keep the policy
// they were checked against.
func (r *Runner) SetPolicy(p *Policy) {
	if p == nil {
		return
	}
	r.mu.Lock()
	r.policy = p
	r.mu.Unlock()
}

// Run checks the command against the policy and executes it. A policy
// rejection returns before anything is spawned; a timeout kills the
// process and reports partial output with TimedOut set and the
// conventional exit code 124.
func (r *Runner) Run(ctx context.Context, cmd Command) (Result, error) {
	line := strings.TrimSpace(cmd.Line)
	if line == "" {
		return Result{}, ErrEmptyCommand
	}

	policy := r.Policy()
	if err := policy.CheckCommand(line); err != nil {
		log.Warn().Str("command", line).Err(err).Msg("Command rejected by policy")
		return Result{}, err
	}

	dir := cmd.Dir
	if dir == "" {
		dir = r.root
	}
	if err := policy.CheckWorkingDir(dir); err != nil {
		log.Warn().Str("working_dir", dir).Err(err).Msg("Working directory rejected by policy")
		return Result{}, err
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	proc := exec.CommandContext(execCtx, "sh", "-c", line)
	proc.Dir = dir
	proc.Env = r.buildEnvironment(cmd.Env)
	// Orphaned children inherit the output pipes; without a wait delay a
	// killed shell's background child would block Wait until it exits.
	proc.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr
	if len(cmd.Stdin) > 0 {
		proc.Stdin = bytes.NewReader(cmd.Stdin)
	}

	start := time.Now()
	runErr := proc.Run()
	duration := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded {
		log.Warn().
			Str("command", line).
			Dur("timeout", timeout).
			Msg("Command timed out")
		out, _ := r.capOutput(stdout.String())
		errOut, _ := r.capOutput(stderr.String())
		if errOut != "" {
			errOut += "\n"
		}
		errOut += fmt.Sprintf("command timed out after %s", timeout)
		return Result{
			Stdout:   out,
			Stderr:   errOut,
			ExitCode: timeoutExitCode,
			TimedOut: true,
			Duration: duration,
		}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{Duration: duration}, ctxErr
	}

	exitCode := 0
	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			return Result{Duration: duration}, fmt.Errorf("run command: %w", runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	out, outTrunc := r.capOutput(stdout.String())
	errOut, errTrunc := r.capOutput(stderr.String())

	log.Debug().
		Str("command", line).
		Int("exit_code", exitCode).
		Bool("stdout_truncated", outTrunc).
		Bool("stderr_truncated", errTrunc).
		Dur("duration", duration).
		Msg("Command executed")

	return Result{
		Stdout:   out,
		Stderr:   errOut,
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// buildEnvironment starts from a minimal base and layers per-command
// variables on top. HOME points at the runner root so tools that write
// dotfiles stay inside it.
func (r *Runner) buildEnvironment(env map[string]string) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/bin:/usr/bin:/bin"
	}
	result := []string{
		"PATH=" + path,
		"HOME=" + r.root,
	}
	for key, value := range env {
		result = append(result, fmt.Sprintf("%s=%s", key, value))
	}
	return result
}

func (r *Runner) capOutput(s string) (string, bool) {
	if len(s) <= r.maxOutput {
		return s, false
	}
	return s[:r.maxOutput] + "\n... [output truncated]", true
}
