package tui

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/temperhq/temper/internal/pipeline"
	"github.com/temperhq/temper/internal/screen"
)

var phaseOrder = []pipeline.Phase{
	pipeline.PhaseDiscovering,
	pipeline.PhaseAnalyzing,
	pipeline.PhaseAwaitingDecisions,
	pipeline.PhaseHardening,
	pipeline.PhaseVerifying,
	pipeline.PhaseComplete,
}

var phaseLabels = map[pipeline.Phase]string{
	pipeline.PhaseIdle:              "Idle",
	pipeline.PhaseDiscovering:       "Discovering",
	pipeline.PhaseAnalyzing:         "Analyzing",
	pipeline.PhaseAwaitingDecisions: "Awaiting Decisions",
	pipeline.PhaseHardening:         "Hardening",
	pipeline.PhaseVerifying:         "Verifying",
	pipeline.PhaseComplete:          "Complete",
	pipeline.PhaseErrored:           "Errored",
}

var statusGlyphs = map[screen.Status]string{
	screen.StatusPending:   "·",
	screen.StatusAnalyzing: "…",
	screen.StatusAnalyzed:  "?",
	screen.StatusHardening: "…",
	screen.StatusHardened:  "+",
	screen.StatusSkipped:   "-",
	screen.StatusVerifying: "…",
	screen.StatusVerified:  "✓",
	screen.StatusError:     "✗",
}

// View renders the current state to a string.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF8C42")).
		MarginBottom(1).
		Render("⬢ TEMPER")

	body := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(max(40, width-2)).
		Render(lipgloss.JoinVertical(lipgloss.Left,
			a.renderPhasePanel(),
			"",
			a.renderScreensPanel(),
		))

	sections := []string{header, body}
	if errPanel := a.renderErrorPanel(); errPanel != "" {
		sections = append(sections, errPanel)
	}
	if logPanel := a.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	sections = append(sections, a.renderFooter())
	return strings.Join(sections, "\n")
}

func (a *App) renderPhasePanel() string {
	phase := a.snap.Phase
	if phase == "" {
		phase = pipeline.PhaseIdle
	}
	label := phaseLabels[phase]
	if label == "" {
		label = string(phase)
	}
	line := fmt.Sprintf("Phase: %s", label)
	if pos := phasePosition(phase); pos >= 0 {
		line = fmt.Sprintf("Phase: %s (%d/%d)", label, pos+1, len(phaseOrder))
	}
	if a.running {
		line = a.spin.View() + " " + line
	}
	return lipgloss.NewStyle().Bold(true).Render(line)
}

func (a *App) renderScreensPanel() string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("Screens (%d)", len(a.snap.Screens)))
	if len(a.snap.Screens) == 0 {
		note := lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Render("No screens discovered yet. Press r to start a run.")
		return lipgloss.JoinVertical(lipgloss.Left, title, note)
	}
	var rows []string
	for i, s := range a.snap.Screens {
		rows = append(rows, a.renderScreenRow(s, i == a.selection))
	}
	return lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(rows, "\n"))
}

func (a *App) renderScreenRow(s *screen.Screen, selected bool) string {
	glyph := statusGlyphs[s.Status]
	if glyph == "" {
		glyph = "·"
	}
	line := fmt.Sprintf("%s %-30s %-10s", glyph, s.Name, s.Status)
	if mark, ok := a.marks[s.Name]; ok {
		line += fmt.Sprintf("  → %s", mark.Action())
	} else if s.Decision != nil {
		line += fmt.Sprintf("  (%s)", s.Decision.Action())
	}
	if n := findingCount(s); n > 0 && s.Status == screen.StatusAnalyzed {
		line += fmt.Sprintf("  %d finding(s)", n)
	}
	if s.Error != "" {
		line += "  " + s.Error
	}
	style := lipgloss.NewStyle()
	switch {
	case selected:
		style = style.Bold(true).Foreground(lipgloss.Color("#FFFFFF"))
	case s.Status == screen.StatusError:
		style = style.Foreground(lipgloss.Color("#FF6B6B"))
	default:
		style = style.Foreground(lipgloss.Color("#AAAAAA"))
	}
	cursor := "  "
	if selected {
		cursor = "> "
	}
	return style.Render(cursor + line)
}

func (a *App) renderErrorPanel() string {
	if len(a.snap.Errors) == 0 {
		return ""
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		Render(fmt.Sprintf("Errors (%d)", len(a.snap.Errors)))
	recent := a.snap.Errors
	if len(recent) > 4 {
		recent = recent[len(recent)-4:]
	}
	var lines []string
	for _, e := range recent {
		lines = append(lines, fmt.Sprintf("%s  %s", e.Timestamp.Format("15:04:05"), e.Message))
	}
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(lines, "\n"))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#FF6B6B")).
		Padding(0, 1).
		Render(head + "\n" + body)
}

func (a *App) renderLogPanel() string {
	if a.logbook == nil {
		return ""
	}
	lines := a.logbook.Tail(6)
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(a.logbook.Path())
	if fileName == "." || fileName == "" {
		fileName = "log"
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render("LOG · " + fileName)
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(lines, "\n"))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(head + "\n" + body)
}

func (a *App) renderFooter() string {
	hints := "r start · ↑/↓ select · q quit"
	if a.snap.Phase == pipeline.PhaseAwaitingDecisions {
		hints = "a approve · s skip · u unmark · t retry · enter submit · q quit"
	}
	footer := hints
	if a.statusMsg != "" {
		footer = a.statusMsg + "    " + hints
	}
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(footer)
}

func findingCount(s *screen.Screen) int {
	if s.Analysis == nil {
		return 0
	}
	findings, ok := s.Analysis["findings"].([]any)
	if !ok {
		return 0
	}
	return len(findings)
}

func phasePosition(p pipeline.Phase) int {
	for i, phase := range phaseOrder {
		if p == phase {
			return i
		}
	}
	return -1
}
