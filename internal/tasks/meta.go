package tasks

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"reid/internal/errs"
)

// Commander runs one external tool and returns its stdout.
// A non-zero exit is reported as *errs.ToolError.
type Commander interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecCommander runs tools with os/exec, each under its own timeout.
type ExecCommander struct {
	Timeout time.Duration
	Logger  *slog.Logger
	// Observe, when set, receives the wall time of every invocation.
	Observe func(tool string, d time.Duration)
}

// NewExecCommander returns a commander bounded by timeout.
func NewExecCommander(timeout time.Duration, logger *slog.Logger) *ExecCommander {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecCommander{Timeout: timeout, Logger: logger}
}

func (c *ExecCommander) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	c.Logger.Debug("running tool", "tool", name, "args", strings.Join(args, " "))
	err := cmd.Run()
	elapsed := time.Since(start)
	if c.Observe != nil {
		c.Observe(toolName(name), elapsed)
	}
	if err == nil {
		return stdout.Bytes(), nil
	}

	terr := &errs.ToolError{
		Tool:     name,
		Args:     args,
		ExitCode: -1,
		Output:   stderr.String() + stdout.String(),
		Err:      err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		terr.ExitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		terr.Err = ctxErr
	}
	return stdout.Bytes(), terr
}

func toolName(bin string) string {
	if i := strings.LastIndexAny(bin, `/\`); i >= 0 {
		return bin[i+1:]
	}
	return bin
}
