// Package pipeline owns the hardening workflow: a phase state machine over
// a registry of discovered screens, with fan-out/gather execution of the
// external reasoning tool per phase and a human decision gate between
// analysis and hardening.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/temperhq/temper/internal/logbook"
	"github.com/temperhq/temper/internal/screen"
	"github.com/temperhq/temper/internal/sidecar"
	"github.com/temperhq/temper/internal/tool"
)

// Phase enumerates the pipeline's global states. Transitions are strictly
// forward; only a discovery failure short-circuits, to errored.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseDiscovering       Phase = "discovering"
	PhaseAnalyzing         Phase = "analyzing"
	PhaseAwaitingDecisions Phase = "awaiting_decisions"
	PhaseHardening         Phase = "hardening"
	PhaseVerifying         Phase = "verifying"
	PhaseComplete          Phase = "complete"
	PhaseErrored           Phase = "errored"
)

var (
	// ErrScreenNotFound reports an ad-hoc operation against an unknown screen.
	ErrScreenNotFound = errors.New("pipeline: screen not found")
	// ErrFindingNotFound reports an explain request for a finding the
	// screen's analysis does not contain.
	ErrFindingNotFound = errors.New("pipeline: finding not found")
)

// ErrorEntry is one contained failure, recorded for operator review. The
// log is append-only for the life of the process.
type ErrorEntry struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RetryAck acknowledges a fire-and-forget retry dispatch. Completion is
// observable only through later snapshots.
type RetryAck struct {
	Screen   string `json:"screen"`
	Status   string `json:"status"`
	Dispatch string `json:"dispatch"`
}

// Options configure a Pipeline.
type Options struct {
	// SourceRoot is the directory scanned during discovery.
	SourceRoot string
	// ScreenSuffix selects candidate files by name.
	ScreenSuffix string
	// Exclude rejects candidates; nil excludes nothing.
	Exclude screen.ExcludeFunc
	// Invoker runs prompts through the external reasoning tool.
	Invoker tool.Invoker
	// Store persists per-screen phase artifacts.
	Store *sidecar.Store
	// Log receives operational entries; nil is allowed.
	Log *logbook.Logbook
}

// Pipeline is the process-wide workflow state machine. One mutex guards the
// whole state tree; every field update and every snapshot goes through it.
// Critical sections hold only field assignments, which are dwarfed by the
// tool invocations happening outside the lock.
type Pipeline struct {
	sourceRoot   string
	screenSuffix string
	exclude      screen.ExcludeFunc
	invoker      tool.Invoker
	store        *sidecar.Store
	log          *logbook.Logbook

	mu          sync.Mutex
	phase       Phase
	screens     map[string]*screen.Screen
	order       []string
	errors      []ErrorEntry
	startedAt   *time.Time
	completedAt *time.Time
}

// New builds an idle pipeline.
func New(opts Options) *Pipeline {
	return &Pipeline{
		sourceRoot:   opts.SourceRoot,
		screenSuffix: opts.ScreenSuffix,
		exclude:      opts.Exclude,
		invoker:      opts.Invoker,
		store:        opts.Store,
		log:          opts.Log,
		phase:        PhaseIdle,
		screens:      map[string]*screen.Screen{},
	}
}

// Phase returns the current global phase.
func (p *Pipeline) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Discover populates the screen registry from the source root. A missing
// root is pipeline-fatal: the phase becomes errored and the registry stays
// empty. Re-running discovery from errored is the recovery path once the
// root exists.
func (p *Pipeline) Discover() error {
	p.mu.Lock()
	if p.phase != PhaseIdle && p.phase != PhaseErrored {
		phase := p.phase
		p.mu.Unlock()
		return fmt.Errorf("pipeline: cannot discover in phase %s", phase)
	}
	p.phase = PhaseDiscovering
	p.mu.Unlock()

	screens, err := screen.Discover(p.sourceRoot, p.screenSuffix, p.exclude)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.phase = PhaseErrored
		p.appendErrorLocked(fmt.Sprintf("discovery failed: %v", err))
		p.log.Error("discovery failed: %v", err)
		return err
	}
	p.screens = make(map[string]*screen.Screen, len(screens))
	p.order = p.order[:0]
	for _, s := range screens {
		p.screens[s.Name] = s
		p.order = append(p.order, s.Name)
	}
	p.log.Info("discovered %d screens under %s", len(screens), p.sourceRoot)
	return nil
}

// RunAnalysis fans analysis out to every discovered screen and blocks until
// the gather barrier completes, then parks the pipeline awaiting decisions.
func (p *Pipeline) RunAnalysis() error {
	p.mu.Lock()
	if p.phase != PhaseDiscovering {
		phase := p.phase
		p.mu.Unlock()
		return fmt.Errorf("pipeline: cannot analyze in phase %s", phase)
	}
	p.phase = PhaseAnalyzing
	if p.startedAt == nil {
		now := time.Now().UTC()
		p.startedAt = &now
	}
	names := append([]string(nil), p.order...)
	for _, name := range names {
		p.screens[name].Status = screen.StatusAnalyzing
	}
	p.mu.Unlock()

	p.log.Info("analysis dispatched for %d screens", len(names))
	p.runParallel(names, p.analyzeScreen)

	p.mu.Lock()
	p.phase = PhaseAwaitingDecisions
	p.mu.Unlock()
	p.log.Info("analysis complete; awaiting decisions")
	return nil
}

// SubmitDecisions records the human verdicts and immediately resumes the
// pipeline with hardening (and, through it, verification). This is the only
// exit from awaiting_decisions.
func (p *Pipeline) SubmitDecisions(decisions map[string]screen.Decision) error {
	p.mu.Lock()
	if p.phase != PhaseAwaitingDecisions {
		phase := p.phase
		p.mu.Unlock()
		return fmt.Errorf("pipeline: cannot accept decisions in phase %s", phase)
	}
	type decided struct {
		fullPath string
		decision screen.Decision
	}
	var persisted []decided
	for name, decision := range decisions {
		s, ok := p.screens[name]
		if !ok {
			p.log.Warn("decision for unknown screen %s ignored", name)
			continue
		}
		s.Decision = decision
		persisted = append(persisted, decided{fullPath: s.FullPath, decision: decision})
	}
	p.mu.Unlock()

	for _, d := range persisted {
		encoded, err := json.MarshalIndent(d.decision, "", "  ")
		if err == nil {
			err = p.store.Write(d.fullPath, sidecar.ArtifactDecision, encoded)
		}
		if err != nil {
			p.appendError(fmt.Sprintf("persist decision: %v", err))
		}
	}
	return p.RunHardening()
}

// RunHardening fans hardening out to every screen whose decision approves
// it. Skip-decided screens are marked skipped without dispatching a worker.
// The verification phase always follows, regardless of individual results.
func (p *Pipeline) RunHardening() error {
	p.mu.Lock()
	if p.phase != PhaseAwaitingDecisions {
		phase := p.phase
		p.mu.Unlock()
		return fmt.Errorf("pipeline: cannot harden in phase %s", phase)
	}
	p.phase = PhaseHardening
	var eligible []string
	skipped := 0
	for _, name := range p.order {
		s := p.screens[name]
		if s.Decision == nil {
			continue
		}
		if s.Decision.Skip() {
			s.Status = screen.StatusSkipped
			skipped++
			continue
		}
		s.Status = screen.StatusHardening
		eligible = append(eligible, name)
	}
	p.mu.Unlock()

	p.log.Info("hardening dispatched for %d screens (%d skipped)", len(eligible), skipped)
	p.runParallel(eligible, p.hardenScreen)
	return p.RunVerification()
}

// RunVerification fans verification out to every hardened screen, then
// completes the pipeline.
func (p *Pipeline) RunVerification() error {
	p.mu.Lock()
	if p.phase != PhaseHardening {
		phase := p.phase
		p.mu.Unlock()
		return fmt.Errorf("pipeline: cannot verify in phase %s", phase)
	}
	p.phase = PhaseVerifying
	var eligible []string
	for _, name := range p.order {
		s := p.screens[name]
		if s.Status == screen.StatusHardened {
			s.Status = screen.StatusVerifying
			eligible = append(eligible, name)
		}
	}
	p.mu.Unlock()

	p.log.Info("verification dispatched for %d screens", len(eligible))
	p.runParallel(eligible, p.verifyScreen)

	p.mu.Lock()
	p.phase = PhaseComplete
	if p.completedAt == nil {
		now := time.Now().UTC()
		p.completedAt = &now
	}
	p.mu.Unlock()
	p.log.Info("pipeline complete")
	return nil
}

// Run drives discovery and analysis in sequence. Decisions then resume the
// remaining phases via SubmitDecisions.
func (p *Pipeline) Run() error {
	if err := p.Discover(); err != nil {
		return err
	}
	return p.RunAnalysis()
}

// AskAboutScreen answers a free-form question about one screen. It never
// mutates pipeline or screen state and works in any phase.
func (p *Pipeline) AskAboutScreen(name, question string) (string, error) {
	fields, err := p.screenFields(name)
	if err != nil {
		return "", err
	}
	source, err := os.ReadFile(fields.fullPath)
	if err != nil {
		return "", fmt.Errorf("pipeline: read %s: %w", fields.fullPath, err)
	}
	prompt := tool.QuestionPrompt(name, string(source), fields.analysisJSON, question)
	return p.invoker.Invoke(context.Background(), prompt)
}

// ExplainFinding expands on one finding from a screen's analysis.
func (p *Pipeline) ExplainFinding(name, findingID string) (string, error) {
	fields, err := p.screenFields(name)
	if err != nil {
		return "", err
	}
	finding, ok := findingByID(fields.analysis, findingID)
	if !ok {
		return "", fmt.Errorf("%w: %s has no finding %s", ErrFindingNotFound, name, findingID)
	}
	encoded, err := json.MarshalIndent(finding, "", "  ")
	if err != nil {
		return "", fmt.Errorf("pipeline: encode finding: %w", err)
	}
	source, err := os.ReadFile(fields.fullPath)
	if err != nil {
		return "", fmt.Errorf("pipeline: read %s: %w", fields.fullPath, err)
	}
	prompt := tool.ExplainPrompt(name, string(source), string(encoded))
	return p.invoker.Invoke(context.Background(), prompt)
}

// RetryScreen re-runs the analysis action for a single screen without
// touching the global phase. The call returns immediately; the detached
// worker's outcome shows up in later snapshots.
func (p *Pipeline) RetryScreen(name string) (RetryAck, error) {
	p.mu.Lock()
	s, ok := p.screens[name]
	if !ok {
		p.mu.Unlock()
		return RetryAck{}, fmt.Errorf("%w: %s", ErrScreenNotFound, name)
	}
	s.Status = screen.StatusAnalyzing
	s.Error = ""
	p.mu.Unlock()

	ack := RetryAck{Screen: name, Status: "retrying", Dispatch: uuid.NewString()}
	p.log.Info("retry %s dispatched for %s", ack.Dispatch, name)
	go p.runGuarded(name, p.analyzeScreen)
	return ack, nil
}

// phase worker actions

func (p *Pipeline) analyzeScreen(name string) error {
	fields, err := p.screenFields(name)
	if err != nil {
		return err
	}
	source, err := os.ReadFile(fields.fullPath)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	raw, err := p.invoker.Invoke(context.Background(), tool.AnalysisPrompt(name, string(source)))
	if err != nil {
		return err
	}
	result := tool.Normalize(raw)
	if err := p.writeArtifact(fields.fullPath, sidecar.ArtifactAnalysis, result); err != nil {
		return err
	}
	p.update(name, func(s *screen.Screen) {
		s.Analysis = result
		s.Status = screen.StatusAnalyzed
	})
	return nil
}

func (p *Pipeline) hardenScreen(name string) error {
	fields, err := p.screenFields(name)
	if err != nil {
		return err
	}
	source, err := os.ReadFile(fields.fullPath)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	prompt := tool.HardeningPrompt(name, string(source), fields.analysisJSON, fields.decisionJSON)
	raw, err := p.invoker.Invoke(context.Background(), prompt)
	if err != nil {
		return err
	}
	result := tool.Normalize(raw)
	if err := p.writeArtifact(fields.fullPath, sidecar.ArtifactHardened, result); err != nil {
		return err
	}
	if hardened, ok := result["hardened_source"].(string); ok && hardened != "" {
		preview := p.store.PreviewName(fields.fullPath)
		if err := p.store.Write(fields.fullPath, preview, []byte(hardened)); err != nil {
			return err
		}
	}
	p.update(name, func(s *screen.Screen) {
		s.Hardened = result
		s.Status = screen.StatusHardened
	})
	return nil
}

func (p *Pipeline) verifyScreen(name string) error {
	fields, err := p.screenFields(name)
	if err != nil {
		return err
	}
	source, err := os.ReadFile(fields.fullPath)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	hardenedSource := ""
	if hs, ok := fields.hardened["hardened_source"].(string); ok {
		hardenedSource = hs
	}
	prompt := tool.VerificationPrompt(string(source), hardenedSource, fields.analysisJSON)
	raw, err := p.invoker.Invoke(context.Background(), prompt)
	if err != nil {
		return err
	}
	result := tool.Normalize(raw)
	if err := p.writeArtifact(fields.fullPath, sidecar.ArtifactVerification, result); err != nil {
		return err
	}
	p.update(name, func(s *screen.Screen) {
		s.Verification = result
		s.Status = screen.StatusVerified
	})
	return nil
}

// helpers

// screenView is a worker's private copy of the fields it needs, taken in
// one critical section so the worker never reads shared state mid-flight.
type screenView struct {
	fullPath     string
	analysis     map[string]any
	hardened     map[string]any
	analysisJSON string
	decisionJSON string
}

func (p *Pipeline) screenFields(name string) (screenView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.screens[name]
	if !ok {
		return screenView{}, fmt.Errorf("%w: %s", ErrScreenNotFound, name)
	}
	clone := s.Clone()
	view := screenView{
		fullPath: clone.FullPath,
		analysis: clone.Analysis,
		hardened: clone.Hardened,
	}
	view.analysisJSON = marshalOr(clone.Analysis, "null")
	view.decisionJSON = marshalOr(map[string]any(clone.Decision), "null")
	return view, nil
}

func marshalOr(value map[string]any, fallback string) string {
	if value == nil {
		return fallback
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fallback
	}
	return string(encoded)
}

func (p *Pipeline) writeArtifact(fullPath, artifact string, result map[string]any) error {
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", artifact, err)
	}
	return p.store.Write(fullPath, artifact, encoded)
}

// update applies a mutation to one screen inside the global critical
// section. Workers never hold direct references into the registry.
func (p *Pipeline) update(name string, mutate func(*screen.Screen)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.screens[name]; ok {
		mutate(s)
	}
}

func (p *Pipeline) appendError(message string) {
	p.mu.Lock()
	p.appendErrorLocked(message)
	p.mu.Unlock()
}

func (p *Pipeline) appendErrorLocked(message string) {
	p.errors = append(p.errors, ErrorEntry{Message: message, Timestamp: time.Now().UTC()})
}

func findingByID(analysis map[string]any, findingID string) (map[string]any, bool) {
	if analysis == nil {
		return nil, false
	}
	findings, ok := analysis["findings"].([]any)
	if !ok {
		return nil, false
	}
	for _, item := range findings {
		finding, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if fmt.Sprint(finding["id"]) == findingID {
			return finding, true
		}
	}
	return nil, false
}
