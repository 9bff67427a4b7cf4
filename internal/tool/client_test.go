package tool

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestInvokePassesPromptAsFinalArgument(t *testing.T) {
	c := NewClient([]string{"echo"})
	out, err := c.Invoke(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
	if out != "hello world" {
		t.Fatalf("out = %q, want %q", out, "hello world")
	}
}

func TestInvokeTrimsOutput(t *testing.T) {
	c := NewClient([]string{"sh", "-c", "printf '  padded  \\n'"})
	out, err := c.Invoke(context.Background(), "ignored")
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
	if out != "padded" {
		t.Fatalf("out = %q, want %q", out, "padded")
	}
}

func TestInvokeNonzeroExit(t *testing.T) {
	c := NewClient([]string{"sh", "-c", "echo boom >&2; exit 3"})
	_, err := c.Invoke(context.Background(), "ignored")
	if err == nil {
		t.Fatal("expected error")
	}
	var invErr *InvocationError
	if !errors.As(err, &invErr) {
		t.Fatalf("expected *InvocationError, got %T", err)
	}
	if invErr.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", invErr.ExitCode)
	}
	if !strings.Contains(invErr.Output, "boom") {
		t.Fatalf("output %q missing stderr capture", invErr.Output)
	}
}

func TestInvokeTruncatesCapturedOutput(t *testing.T) {
	// Emit well over the capture limit before failing.
	c := NewClient([]string{"sh", "-c", "yes x | head -c 2000; exit 1"})
	_, err := c.Invoke(context.Background(), "ignored")
	var invErr *InvocationError
	if !errors.As(err, &invErr) {
		t.Fatalf("expected *InvocationError, got %v", err)
	}
	if len(invErr.Output) > outputCaptureLimit {
		t.Fatalf("captured %d bytes, want <= %d", len(invErr.Output), outputCaptureLimit)
	}
}

func TestInvokeMissingExecutable(t *testing.T) {
	c := NewClient([]string{"definitely-not-a-real-binary-temper"})
	_, err := c.Invoke(context.Background(), "ignored")
	var invErr *InvocationError
	if !errors.As(err, &invErr) {
		t.Fatalf("expected *InvocationError, got %v", err)
	}
	if invErr.ExitCode != -1 {
		t.Fatalf("exit code = %d, want -1", invErr.ExitCode)
	}
}

func TestInvokeTimeout(t *testing.T) {
	c := NewClient([]string{"sh", "-c", "sleep 5"}, WithTimeout(50*time.Millisecond))
	start := time.Now()
	_, err := c.Invoke(context.Background(), "ignored")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("invocation took %v, timeout did not apply", elapsed)
	}
}

func TestInvokeNoCommand(t *testing.T) {
	c := NewClient(nil)
	if _, err := c.Invoke(context.Background(), "ignored"); err == nil {
		t.Fatal("expected error for empty command")
	}
}
