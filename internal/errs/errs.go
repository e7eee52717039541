// Package errs defines the error taxonomy shared by the pipeline stages.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound marks an expected artifact or subject that is absent.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyProcessed is the idempotency short-circuit. It is an
	// outcome, not a failure.
	ErrAlreadyProcessed = errors.New("already processed")

	// ErrExternalTool wraps non-zero exits and launch failures of delegated tools.
	ErrExternalTool = errors.New("external tool failure")

	// ErrAmbiguousSelection is raised as a warning when scan disambiguation
	// fell through to the lexicographic tie-break.
	ErrAmbiguousSelection = errors.New("ambiguous scan selection")

	// ErrShapeMismatch marks paired volumes with incompatible geometry.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrConflict marks a destination owned by another concurrent run.
	ErrConflict = errors.New("destination claimed by another run")
)

// ToolError reports a failed external tool invocation.
type ToolError struct {
	Tool     string
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s %s: exit %d", e.Tool, strings.Join(e.Args, " "), e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += " (output: " + lastLines(out, 5) + ")"
	}
	return msg
}

// Unwrap lets errors.Is match both ErrExternalTool and the underlying cause.
func (e *ToolError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExternalTool}
	}
	return []error{ErrExternalTool, e.Err}
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
