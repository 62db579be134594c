// Package tui is the optional interactive status dashboard: a single-screen
// bubbletea program that polls a status snapshot once a second and renders
// it with lipgloss, for operators running the bridge attached to a terminal.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Snapshot is everything the dashboard renders, pulled fresh on every tick.
type Snapshot struct {
	Running      bool
	Initialized  bool
	BusyChats    int
	StderrTail   []string
	LastError    string
	Uptime       time.Duration
}

// StatusProvider produces the current Snapshot; called on a 1s tick.
type StatusProvider func() Snapshot

type model struct {
	provider StatusProvider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	tailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
)

func boolBadge(ok bool) string {
	if ok {
		return okStyle.Render("yes")
	}
	return badStyle.Render("no")
}

func (m model) View() string {
	lastErr := m.snap.LastError
	if lastErr == "" {
		lastErr = "(none)"
	}

	var tail strings.Builder
	if len(m.snap.StderrTail) == 0 {
		tail.WriteString(labelStyle.Render("(empty)"))
	} else {
		for _, line := range m.snap.StderrTail {
			tail.WriteString(tailStyle.Render(line) + "\n")
		}
	}

	return fmt.Sprintf(
		"codexbridge status\n\n%s %s   %s %s   %s %d\n%s %s\n\n%s\n%s\n\nPress q to quit.\n",
		labelStyle.Render("running:"), boolBadge(m.snap.Running),
		labelStyle.Render("initialized:"), boolBadge(m.snap.Initialized),
		labelStyle.Render("busy chats:"), m.snap.BusyChats,
		labelStyle.Render("last error:"), lastErr,
		labelStyle.Render(fmt.Sprintf("uptime: %s", m.snap.Uptime.Truncate(time.Second))),
		labelStyle.Render("── stderr tail ──")+"\n"+tail.String(),
	)
}

// Run drives the dashboard program until ctx is cancelled or the user quits
// with q/ctrl+c, whichever happens first.
func Run(ctx context.Context, provider StatusProvider) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
