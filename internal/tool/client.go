package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// outputCaptureLimit bounds how much combined output a failed invocation
// carries in its error, keeping diagnostics useful without unbounded growth.
const outputCaptureLimit = 500

// Invoker runs one fully self-contained prompt through the external
// reasoning tool and returns its raw textual output.
type Invoker interface {
	Invoke(ctx context.Context, prompt string) (string, error)
}

// InvocationError reports a failed run of the external tool.
type InvocationError struct {
	ExitCode int
	Output   string
}

func (e *InvocationError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("tool: exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("tool: exited with code %d: %s", e.ExitCode, e.Output)
}

// Client invokes the configured tool command as a one-shot subprocess. Each
// call is independent: no session, no retries, no state carried between
// invocations.
type Client struct {
	command []string
	dir     string
	timeout time.Duration
}

// Option customizes a Client during construction.
type Option func(*Client)

// WithDir sets the working directory for tool subprocesses.
func WithDir(dir string) Option {
	return func(c *Client) { c.dir = dir }
}

// WithTimeout bounds a single invocation. Zero (the default) means no
// timeout; a hung tool then hangs its caller, which is a deliberate policy
// of this layer's callers rather than something the client second-guesses.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// NewClient builds a client around the tool argv. The prompt is appended as
// the final argument, so no shell quoting is involved.
func NewClient(command []string, opts ...Option) *Client {
	c := &Client{command: append([]string(nil), command...)}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Invoke runs the tool once with the given prompt. Nonzero exit returns an
// *InvocationError carrying the exit code and a truncated capture of the
// combined output. Success returns trimmed stdout.
func (c *Client) Invoke(ctx context.Context, prompt string) (string, error) {
	if len(c.command) == 0 || strings.TrimSpace(c.command[0]) == "" {
		return "", errors.New("tool: no command configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	args := append(append([]string(nil), c.command[1:]...), prompt)
	cmd := exec.CommandContext(ctx, c.command[0], args...)
	cmd.Dir = c.dir
	if c.timeout > 0 {
		// Without a WaitDelay, Wait blocks until the output pipes close,
		// so a killed tool's lingering children could outlast the timeout.
		cmd.WaitDelay = 100 * time.Millisecond
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		combined := strings.TrimSpace(stdout.String() + stderr.String())
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if combined == "" {
			combined = err.Error()
		}
		return "", &InvocationError{
			ExitCode: exitCode,
			Output:   truncate(combined, outputCaptureLimit),
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit]
}
