// Package tui renders a live generation monitor in the terminal.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	cyan   = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	white  = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	dim    = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	green  = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	yellow = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	red    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// Stats is one progress snapshot from the generation loop.
type Stats struct {
	Batch   int
	Batches int
	Samples int
	Target  int
	Invalid int
	Rate    float64
}

type statsMsg Stats

type doneMsg struct{}

type monitor struct {
	ch      <-chan Stats
	stats   Stats
	started time.Time
	done    bool
	width   int
}

// NewMonitor builds the bubbletea model. The feed channel must be closed
// when generation finishes; closing it quits the program.
func NewMonitor(ch <-chan Stats) tea.Model {
	return monitor{ch: ch, started: time.Now(), width: 80}
}

// Run drives the monitor to completion.
func Run(ch <-chan Stats) error {
	_, err := tea.NewProgram(NewMonitor(ch)).Run()
	return err
}

func waitForStats(ch <-chan Stats) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return doneMsg{}
		}
		return statsMsg(s)
	}
}

func (m monitor) Init() tea.Cmd { return waitForStats(m.ch) }

func (m monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case statsMsg:
		m.stats = Stats(msg)
		return m, waitForStats(m.ch)
	case doneMsg:
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

func (m monitor) View() string {
	var b strings.Builder
	b.WriteString(cyan.Render("simfleet") + dim.Render("  sample generation") + "\n\n")

	s := m.stats
	b.WriteString(fmt.Sprintf("  %s %s\n", white.Render("batch"),
		fmt.Sprintf("%d/%d", s.Batch, s.Batches)))
	b.WriteString(fmt.Sprintf("  %s %s\n", white.Render("samples"),
		fmt.Sprintf("%d/%d", s.Samples, s.Target)))
	if s.Invalid > 0 {
		b.WriteString(fmt.Sprintf("  %s %s\n", white.Render("invalid"),
			red.Render(fmt.Sprintf("%d", s.Invalid))))
	}
	b.WriteString(fmt.Sprintf("  %s %s\n", white.Render("rate"),
		yellow.Render(fmt.Sprintf("%.1f/s", s.Rate))))
	b.WriteString(fmt.Sprintf("  %s %s\n\n", white.Render("elapsed"),
		time.Since(m.started).Truncate(time.Second).String()))

	b.WriteString("  " + m.bar(s) + "\n\n")
	b.WriteString(dim.Render("  q quit") + "\n")
	return b.String()
}

func (m monitor) bar(s Stats) string {
	w := m.width - 10
	if w > 50 {
		w = 50
	}
	if w < 10 {
		w = 10
	}
	frac := 0.0
	if s.Target > 0 {
		frac = float64(s.Samples) / float64(s.Target)
	}
	if frac > 1 {
		frac = 1
	}
	filled := int(frac * float64(w))
	return green.Render(strings.Repeat("█", filled)) +
		dim.Render(strings.Repeat("░", w-filled)) +
		fmt.Sprintf(" %3.0f%%", frac*100)
}
