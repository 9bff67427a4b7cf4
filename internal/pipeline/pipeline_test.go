package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/temperhq/temper/internal/screen"
	"github.com/temperhq/temper/internal/sidecar"
	"github.com/temperhq/temper/internal/tool"
)

type invokerFunc func(ctx context.Context, prompt string) (string, error)

func (f invokerFunc) Invoke(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// scriptedInvoker answers each phase prompt with a well-formed response,
// wrapping the analysis in a markdown fence the way real tools tend to.
func scriptedInvoker() tool.Invoker {
	return invokerFunc(func(_ context.Context, prompt string) (string, error) {
		switch {
		case strings.HasPrefix(prompt, "You are a security reviewer"):
			return "```json\n" +
				`{"findings": [{"id": "F1", "title": "mass assignment", "severity": "high", "detail": "params passed raw"}], "summary": "needs strong params"}` +
				"\n```", nil
		case strings.HasPrefix(prompt, "You previously analyzed"):
			return `{"hardened_source": "class Hardened\nend\n", "changes": ["added strong params"]}`, nil
		case strings.HasPrefix(prompt, "Verify a hardening rewrite"):
			return `{"verdict": "pass", "unresolved": [], "regressions": []}`, nil
		case strings.HasPrefix(prompt, "Answer a question"):
			return "It validates input before rendering.", nil
		case strings.HasPrefix(prompt, "Explain one finding"):
			return "Raw params let a client set any attribute.", nil
		}
		return "", fmt.Errorf("unexpected prompt: %.40s", prompt)
	})
}

func writeSourceTree(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "app", "controllers")
	if err := os.MkdirAll(filepath.Join(root, "concerns"), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"a_controller.rb":                     "class AController\nend\n",
		"b_controller.rb":                     "class BController\nend\n",
		"application_controller.rb":           "class ApplicationController\nend\n",
		filepath.Join("concerns", "audit.rb"): "module Audit\nend\n",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(root, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func newTestPipeline(root string, invoker tool.Invoker) *Pipeline {
	return New(Options{
		SourceRoot:   root,
		ScreenSuffix: "_controller.rb",
		Exclude:      screen.ExcludeList([]string{"application_controller.rb"}, []string{"concerns"}),
		Invoker:      invoker,
		Store:        sidecar.NewStore(sidecar.DefaultPrefix),
	})
}

func TestFullRun(t *testing.T) {
	root := writeSourceTree(t)
	p := newTestPipeline(root, scriptedInvoker())

	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	snap := p.Snapshot()
	if snap.Phase != PhaseAwaitingDecisions {
		t.Fatalf("phase = %s, want %s", snap.Phase, PhaseAwaitingDecisions)
	}
	if len(snap.Screens) != 2 {
		t.Fatalf("discovered %d screens, want 2", len(snap.Screens))
	}
	for _, s := range snap.Screens {
		if s.Status != screen.StatusAnalyzed {
			t.Fatalf("%s status = %s, want %s", s.Name, s.Status, screen.StatusAnalyzed)
		}
		if s.Analysis["summary"] != "needs strong params" {
			t.Fatalf("%s analysis = %v", s.Name, s.Analysis)
		}
	}
	if snap.StartedAt == nil {
		t.Fatal("started_at not set after analysis")
	}

	err := p.SubmitDecisions(map[string]screen.Decision{
		"a_controller": {"action": "approve"},
		"b_controller": {"action": "skip"},
	})
	if err != nil {
		t.Fatalf("SubmitDecisions: %v", err)
	}

	snap = p.Snapshot()
	if snap.Phase != PhaseComplete {
		t.Fatalf("phase = %s, want %s", snap.Phase, PhaseComplete)
	}
	if snap.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	a := snap.Screen("a_controller")
	if a.Status != screen.StatusVerified {
		t.Fatalf("a_controller status = %s, want %s", a.Status, screen.StatusVerified)
	}
	if a.Verification["verdict"] != "pass" {
		t.Fatalf("a_controller verification = %v", a.Verification)
	}
	b := snap.Screen("b_controller")
	if b.Status != screen.StatusSkipped {
		t.Fatalf("b_controller status = %s, want %s", b.Status, screen.StatusSkipped)
	}
	if b.Hardened != nil {
		t.Fatal("skipped screen should not carry a hardening result")
	}

	store := sidecar.NewStore(sidecar.DefaultPrefix)
	for _, artifact := range []string{
		sidecar.ArtifactAnalysis,
		sidecar.ArtifactDecision,
		sidecar.ArtifactHardened,
		sidecar.ArtifactVerification,
	} {
		if _, err := store.Read(a.FullPath, artifact); err != nil {
			t.Fatalf("a_controller missing %s: %v", artifact, err)
		}
	}
	preview, err := store.Read(a.FullPath, store.PreviewName(a.FullPath))
	if err != nil {
		t.Fatalf("a_controller missing preview: %v", err)
	}
	if !strings.Contains(string(preview), "class Hardened") {
		t.Fatalf("preview body = %q", preview)
	}
	if _, err := store.Read(b.FullPath, sidecar.ArtifactHardened); err == nil {
		t.Fatal("skipped screen should have no hardened artifact")
	}
}

func TestWorkerFailureIsContained(t *testing.T) {
	root := writeSourceTree(t)
	good := scriptedInvoker()
	invoker := invokerFunc(func(ctx context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, `"b_controller"`) {
			return "", errors.New("tool crashed")
		}
		return good.Invoke(ctx, prompt)
	})
	p := newTestPipeline(root, invoker)

	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	snap := p.Snapshot()
	if snap.Phase != PhaseAwaitingDecisions {
		t.Fatalf("phase = %s, want %s", snap.Phase, PhaseAwaitingDecisions)
	}
	a := snap.Screen("a_controller")
	if a.Status != screen.StatusAnalyzed {
		t.Fatalf("sibling status = %s, want %s", a.Status, screen.StatusAnalyzed)
	}
	b := snap.Screen("b_controller")
	if b.Status != screen.StatusError {
		t.Fatalf("failed screen status = %s, want %s", b.Status, screen.StatusError)
	}
	if b.Error == "" {
		t.Fatal("failed screen should record its error")
	}
	if len(snap.Errors) != 1 {
		t.Fatalf("error log has %d entries, want 1", len(snap.Errors))
	}
	if !strings.Contains(snap.Errors[0].Message, "b_controller") {
		t.Fatalf("error entry = %q", snap.Errors[0].Message)
	}
}

func TestAllWorkersFailingStillReachesDecisionGate(t *testing.T) {
	root := writeSourceTree(t)
	invoker := invokerFunc(func(_ context.Context, _ string) (string, error) {
		return "", errors.New("tool unavailable")
	})
	p := newTestPipeline(root, invoker)

	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	snap := p.Snapshot()
	if snap.Phase != PhaseAwaitingDecisions {
		t.Fatalf("phase = %s, want %s", snap.Phase, PhaseAwaitingDecisions)
	}
	for _, s := range snap.Screens {
		if s.Status != screen.StatusError {
			t.Fatalf("%s status = %s, want %s", s.Name, s.Status, screen.StatusError)
		}
	}
	if len(snap.Errors) != len(snap.Screens) {
		t.Fatalf("error log has %d entries, want %d", len(snap.Errors), len(snap.Screens))
	}
}

func TestDegradedAnalysisStillCompletes(t *testing.T) {
	root := writeSourceTree(t)
	invoker := invokerFunc(func(_ context.Context, _ string) (string, error) {
		return "I could not produce JSON, sorry.", nil
	})
	p := newTestPipeline(root, invoker)

	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	snap := p.Snapshot()
	a := snap.Screen("a_controller")
	if a.Status != screen.StatusAnalyzed {
		t.Fatalf("status = %s, want %s", a.Status, screen.StatusAnalyzed)
	}
	if !tool.IsDegraded(a.Analysis) {
		t.Fatalf("analysis = %v, want degraded form", a.Analysis)
	}
	if !strings.Contains(a.Analysis["raw_response"].(string), "could not produce JSON") {
		t.Fatalf("raw_response = %v", a.Analysis["raw_response"])
	}
}

func TestPhaseGating(t *testing.T) {
	root := writeSourceTree(t)
	p := newTestPipeline(root, scriptedInvoker())

	if err := p.RunAnalysis(); err == nil {
		t.Fatal("analysis before discovery should fail")
	}
	if err := p.SubmitDecisions(nil); err == nil {
		t.Fatal("decisions before analysis should fail")
	}
	if err := p.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if err := p.Discover(); err == nil {
		t.Fatal("re-discovery mid-run should fail")
	}
	if err := p.RunAnalysis(); err != nil {
		t.Fatalf("RunAnalysis: %v", err)
	}
	if err := p.RunAnalysis(); err == nil {
		t.Fatal("re-analysis should fail once awaiting decisions")
	}
}

func TestDiscoveryFailureAndRecovery(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "app", "controllers")
	p := newTestPipeline(root, scriptedInvoker())

	if err := p.Discover(); err == nil {
		t.Fatal("discovery against a missing root should fail")
	}
	snap := p.Snapshot()
	if snap.Phase != PhaseErrored {
		t.Fatalf("phase = %s, want %s", snap.Phase, PhaseErrored)
	}
	if len(snap.Errors) == 0 {
		t.Fatal("discovery failure should be logged")
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "a_controller.rb"), []byte("class A\nend\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := p.Discover(); err != nil {
		t.Fatalf("recovery discovery: %v", err)
	}
	snap = p.Snapshot()
	if snap.Phase != PhaseDiscovering {
		t.Fatalf("phase = %s, want %s", snap.Phase, PhaseDiscovering)
	}
	if len(snap.Screens) != 1 {
		t.Fatalf("registry has %d screens, want 1", len(snap.Screens))
	}
	if len(snap.Errors) == 0 {
		t.Fatal("error log should survive recovery")
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	root := writeSourceTree(t)
	p := newTestPipeline(root, scriptedInvoker())
	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snap := p.Snapshot()
	snap.Screens[0].Status = screen.StatusError
	snap.Screens[0].Analysis["summary"] = "tampered"

	fresh := p.Snapshot()
	if fresh.Screens[0].Status == screen.StatusError {
		t.Fatal("mutating a snapshot leaked into pipeline state")
	}
	if fresh.Screens[0].Analysis["summary"] == "tampered" {
		t.Fatal("mutating a snapshot map leaked into pipeline state")
	}
}

func TestAskAndExplain(t *testing.T) {
	root := writeSourceTree(t)
	p := newTestPipeline(root, scriptedInvoker())
	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	answer, err := p.AskAboutScreen("a_controller", "does it sanitize input?")
	if err != nil {
		t.Fatalf("AskAboutScreen: %v", err)
	}
	if !strings.Contains(answer, "validates input") {
		t.Fatalf("answer = %q", answer)
	}
	if _, err := p.AskAboutScreen("nope", "?"); !errors.Is(err, ErrScreenNotFound) {
		t.Fatalf("err = %v, want ErrScreenNotFound", err)
	}

	explanation, err := p.ExplainFinding("a_controller", "F1")
	if err != nil {
		t.Fatalf("ExplainFinding: %v", err)
	}
	if !strings.Contains(explanation, "Raw params") {
		t.Fatalf("explanation = %q", explanation)
	}
	if _, err := p.ExplainFinding("a_controller", "F99"); !errors.Is(err, ErrFindingNotFound) {
		t.Fatalf("err = %v, want ErrFindingNotFound", err)
	}
	if _, err := p.ExplainFinding("nope", "F1"); !errors.Is(err, ErrScreenNotFound) {
		t.Fatalf("err = %v, want ErrScreenNotFound", err)
	}

	// Ad-hoc queries must not disturb the phase.
	if got := p.Phase(); got != PhaseAwaitingDecisions {
		t.Fatalf("phase = %s after queries, want %s", got, PhaseAwaitingDecisions)
	}
}

func TestRetryScreen(t *testing.T) {
	root := writeSourceTree(t)
	good := scriptedInvoker()
	var mu sync.Mutex
	failing := true
	invoker := invokerFunc(func(ctx context.Context, prompt string) (string, error) {
		mu.Lock()
		broken := failing
		mu.Unlock()
		if broken && strings.Contains(prompt, `"a_controller"`) {
			return "", errors.New("transient tool failure")
		}
		return good.Invoke(ctx, prompt)
	})
	p := newTestPipeline(root, invoker)
	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := p.Snapshot().Screen("a_controller").Status; got != screen.StatusError {
		t.Fatalf("status = %s, want %s", got, screen.StatusError)
	}

	mu.Lock()
	failing = false
	mu.Unlock()

	ack, err := p.RetryScreen("a_controller")
	if err != nil {
		t.Fatalf("RetryScreen: %v", err)
	}
	if ack.Screen != "a_controller" || ack.Status != "retrying" || ack.Dispatch == "" {
		t.Fatalf("ack = %+v", ack)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		s := p.Snapshot().Screen("a_controller")
		if s.Status == screen.StatusAnalyzed {
			if s.Error != "" {
				t.Fatalf("retried screen still carries error %q", s.Error)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("retry never completed; status = %s", s.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := p.Phase(); got != PhaseAwaitingDecisions {
		t.Fatalf("phase = %s after retry, want %s", got, PhaseAwaitingDecisions)
	}

	if _, err := p.RetryScreen("nope"); !errors.Is(err, ErrScreenNotFound) {
		t.Fatalf("err = %v, want ErrScreenNotFound", err)
	}
}

func TestUndecidedScreenStaysAnalyzed(t *testing.T) {
	root := writeSourceTree(t)
	p := newTestPipeline(root, scriptedInvoker())
	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	err := p.SubmitDecisions(map[string]screen.Decision{
		"a_controller": {"action": "approve"},
	})
	if err != nil {
		t.Fatalf("SubmitDecisions: %v", err)
	}
	snap := p.Snapshot()
	if got := snap.Screen("b_controller").Status; got != screen.StatusAnalyzed {
		t.Fatalf("undecided screen status = %s, want %s", got, screen.StatusAnalyzed)
	}
	if got := snap.Screen("a_controller").Status; got != screen.StatusVerified {
		t.Fatalf("decided screen status = %s, want %s", got, screen.StatusVerified)
	}
}
