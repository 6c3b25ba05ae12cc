package sandbox

import "errors"

var (
	// ErrInvalidPattern is returned when a rule pattern does not compile
	ErrInvalidPattern = errors.New("invalid rule pattern")

	// ErrInvalidAction is returned when a rule action is neither allow nor deny
	ErrInvalidAction = errors.New("invalid rule action")

	// ErrCommandDenied is returned when a command is rejected by the policy
	ErrCommandDenied = errors.New("command denied by policy")

	// ErrWorkingDirDenied is returned when a working directory is outside the allowed set
	ErrWorkingDirDenied = errors.New("working directory denied by policy")

	// ErrEmptyCommand is returned when there is no command to run
	ErrEmptyCommand = errors.New("empty command")
)
