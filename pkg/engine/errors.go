package engine

import (
	"fmt"
	"strings"

	"github.com/go-go-golems/squish/pkg/runner"
	"github.com/pkg/errors"
)

var (
	ErrSetup         = errors.New("progress setup failed")
	ErrCommandFailed = errors.New("command failed")
	ErrCancelled     = errors.New("operation cancelled")
	ErrOrchestration = errors.New("error during operation")
)

// SetupError means the dialog could not be prepared; no process was started.
type SetupError struct {
	Err error
}

func (e *SetupError) Error() string        { return fmt.Sprintf("%v: %v", ErrSetup, e.Err) }
func (e *SetupError) Unwrap() error        { return e.Err }
func (e *SetupError) Is(target error) bool { return target == ErrSetup }

// CommandError carries the exit status and the last stderr lines of a child
// that exited non-zero.
type CommandError struct {
	Argv       []string
	ExitCode   int
	StderrTail []string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%v: %s exited with code %d", ErrCommandFailed, runner.CommandLine(e.Argv), e.ExitCode)
	if s := e.Stderr(); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *CommandError) Is(target error) bool { return target == ErrCommandFailed }

// Stderr joins the captured stderr tail.
func (e *CommandError) Stderr() string {
	return strings.TrimSpace(strings.Join(e.StderrTail, "\n"))
}

// CancelledError means the dialog went away (or the context was cancelled)
// while the child was still running.
type CancelledError struct {
	Reason string
	Err    error
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return ErrCancelled.Error()
	}
	return fmt.Sprintf("%v: %s", ErrCancelled, e.Reason)
}

func (e *CancelledError) Unwrap() error        { return e.Err }
func (e *CancelledError) Is(target error) bool { return target == ErrCancelled }

// OrchestrationError wraps any other failure while wiring the processes.
type OrchestrationError struct {
	Op  string
	Err error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrOrchestration, e.Op, e.Err)
}

func (e *OrchestrationError) Unwrap() error        { return e.Err }
func (e *OrchestrationError) Is(target error) bool { return target == ErrOrchestration }
