// Package tui is the terminal front end for a hardening run. It follows
// The Elm Architecture via bubbletea: the App model holds all state, Update
// folds messages into it, and View renders it to a string.
package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/temperhq/temper/internal/logbook"
	"github.com/temperhq/temper/internal/pipeline"
	"github.com/temperhq/temper/internal/screen"
)

const snapshotRefreshInterval = time.Second

type snapshotMsg struct {
	snap pipeline.Snapshot
}

type runFinishedMsg struct {
	err error
}

type resumeFinishedMsg struct {
	err error
}

type retryDispatchedMsg struct {
	ack pipeline.RetryAck
	err error
}

// App is the terminal front end's model. The pipeline is the source of
// truth; the App only holds the latest snapshot plus cursor and pending
// decision marks.
type App struct {
	pipeline *pipeline.Pipeline
	logbook  *logbook.Logbook

	width  int
	height int

	snap      pipeline.Snapshot
	selection int
	marks     map[string]screen.Decision
	running   bool
	statusMsg string
	spin      spinner.Model
}

// NewApp builds the terminal front end over an existing pipeline.
func NewApp(p *pipeline.Pipeline, lb *logbook.Logbook) *App {
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF"))
	return &App{
		pipeline:  p,
		logbook:   lb,
		marks:     map[string]screen.Decision{},
		statusMsg: "Press r to start a run",
		spin:      spin,
	}
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return a.fetchSnapshot()
}

// Update folds a message into the model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case snapshotMsg:
		a.snap = msg.snap
		if len(a.snap.Screens) == 0 {
			a.selection = 0
		} else if a.selection >= len(a.snap.Screens) {
			a.selection = len(a.snap.Screens) - 1
		}
		return a, a.scheduleRefresh()

	case runFinishedMsg:
		a.running = false
		if msg.err != nil {
			a.statusMsg = "Run failed: " + msg.err.Error()
		} else {
			a.statusMsg = "Analysis complete. Mark screens with a/s, then press enter."
		}
		return a, a.fetchSnapshot()

	case resumeFinishedMsg:
		a.running = false
		if msg.err != nil {
			a.statusMsg = "Resume failed: " + msg.err.Error()
		} else {
			a.statusMsg = "Run complete."
		}
		return a, a.fetchSnapshot()

	case retryDispatchedMsg:
		if msg.err != nil {
			a.statusMsg = "Retry failed: " + msg.err.Error()
		} else {
			a.statusMsg = "Retry dispatched for " + msg.ack.Screen
		}
		return a, a.fetchSnapshot()

	case spinner.TickMsg:
		if !a.running {
			return a, nil
		}
		var cmd tea.Cmd
		a.spin, cmd = a.spin.Update(msg)
		return a, cmd

	case tea.KeyMsg:
		return a.handleKey(msg.String())
	}

	return a, nil
}

func (a *App) handleKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "ctrl+c", "q":
		return a, tea.Quit
	case "r":
		return a.startRun()
	case "up", "k":
		if a.selection > 0 {
			a.selection--
		}
	case "down", "j":
		if a.selection < len(a.snap.Screens)-1 {
			a.selection++
		}
	case "a":
		a.markSelected(screen.Decision{"action": "approve"})
	case "s":
		a.markSelected(screen.Decision{"action": screen.ActionSkip})
	case "u":
		if s := a.selectedScreen(); s != nil {
			delete(a.marks, s.Name)
		}
	case "t":
		return a.retrySelected()
	case "enter":
		return a.submitDecisions()
	}
	return a, nil
}

func (a *App) startRun() (tea.Model, tea.Cmd) {
	if a.running {
		a.statusMsg = "A run is already in progress"
		return a, nil
	}
	phase := a.pipeline.Phase()
	if phase != pipeline.PhaseIdle && phase != pipeline.PhaseErrored {
		a.statusMsg = "Pipeline already past discovery (phase " + string(phase) + ")"
		return a, nil
	}
	a.running = true
	a.statusMsg = "Discovering and analyzing screens..."
	a.logbook.Info("run started from terminal")
	return a, tea.Batch(
		func() tea.Msg { return runFinishedMsg{err: a.pipeline.Run()} },
		a.spin.Tick,
		a.scheduleRefresh(),
	)
}

func (a *App) submitDecisions() (tea.Model, tea.Cmd) {
	if a.pipeline.Phase() != pipeline.PhaseAwaitingDecisions {
		return a, nil
	}
	if len(a.marks) == 0 {
		a.statusMsg = "Mark at least one screen with a (approve) or s (skip) first"
		return a, nil
	}
	decided := make(map[string]screen.Decision, len(a.marks))
	for name, d := range a.marks {
		decided[name] = d
	}
	a.marks = map[string]screen.Decision{}
	a.running = true
	a.statusMsg = "Hardening and verifying..."
	a.logbook.Info("decisions submitted for %d screens", len(decided))
	return a, tea.Batch(
		func() tea.Msg { return resumeFinishedMsg{err: a.pipeline.SubmitDecisions(decided)} },
		a.spin.Tick,
		a.scheduleRefresh(),
	)
}

func (a *App) retrySelected() (tea.Model, tea.Cmd) {
	s := a.selectedScreen()
	if s == nil {
		return a, nil
	}
	if s.Status != screen.StatusError {
		a.statusMsg = s.Name + " has not failed; nothing to retry"
		return a, nil
	}
	name := s.Name
	return a, func() tea.Msg {
		ack, err := a.pipeline.RetryScreen(name)
		return retryDispatchedMsg{ack: ack, err: err}
	}
}

func (a *App) markSelected(decision screen.Decision) {
	if a.snap.Phase != pipeline.PhaseAwaitingDecisions {
		a.statusMsg = "Decisions open once analysis finishes"
		return
	}
	s := a.selectedScreen()
	if s == nil {
		return
	}
	if s.Status != screen.StatusAnalyzed {
		a.statusMsg = s.Name + " is not awaiting a decision"
		return
	}
	a.marks[s.Name] = decision
	a.statusMsg = ""
}

func (a *App) selectedScreen() *screen.Screen {
	if a.selection < 0 || a.selection >= len(a.snap.Screens) {
		return nil
	}
	return a.snap.Screens[a.selection]
}

func (a *App) fetchSnapshot() tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg{snap: a.pipeline.Snapshot()}
	}
}

func (a *App) scheduleRefresh() tea.Cmd {
	return tea.Tick(snapshotRefreshInterval, func(time.Time) tea.Msg {
		return snapshotMsg{snap: a.pipeline.Snapshot()}
	})
}

// Run starts the bubbletea program and blocks until the user quits.
func Run(p *pipeline.Pipeline, lb *logbook.Logbook) error {
	program := tea.NewProgram(NewApp(p, lb), tea.WithAltScreen())
	_, err := program.Run()
	return err
}
