// Package tui renders the reconciled job collection and worker pool as a
// live terminal dashboard.
package tui

import (
	"encoding/json"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/opswatch/jobsync/internal/protocol"
	"github.com/opswatch/jobsync/internal/reconcile"
	"github.com/opswatch/jobsync/internal/subscribe"
	"github.com/opswatch/jobsync/pkg/debug"
)

// Messages delivered from the subscription observer into the event loop.
type (
	jobsMsg         []reconcile.Entity
	poolMsg         protocol.PoolStatus
	terminalMsg     reconcile.Entity
	connectivityMsg struct{ err error }
	noticeMsg       string
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	runStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
)

// Model is the root Bubble Tea model.
type Model struct {
	jobs     []reconcile.Entity
	pool     *protocol.PoolStatus
	notices  []string
	connErr  error
	width    int
	height   int
	finished int
	showLogs bool
}

// New creates the root model.
func New() Model {
	return Model{}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "l":
			m.showLogs = !m.showLogs
		}
		return m, nil

	case jobsMsg:
		m.jobs = msg
		m.connErr = nil
		return m, nil

	case poolMsg:
		p := protocol.PoolStatus(msg)
		m.pool = &p
		return m, nil

	case terminalMsg:
		m.finished++
		return m, nil

	case connectivityMsg:
		m.connErr = msg.err
		return m, nil

	case noticeMsg:
		m.notices = append(m.notices, string(msg))
		if len(m.notices) > 5 {
			m.notices = m.notices[len(m.notices)-5:]
		}
		return m, nil
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("jobsync"))
	if m.connErr != nil {
		b.WriteString("  " + errStyle.Render("connection lost: "+m.connErr.Error()))
	}
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render(fmt.Sprintf("%-14s %-12s %s", "JOB", "STATUS", "DETAIL")))
	b.WriteString("\n")
	if len(m.jobs) == 0 {
		b.WriteString(dimStyle.Render("  no jobs yet") + "\n")
	}
	for _, j := range m.jobs {
		b.WriteString(fmt.Sprintf("%-14s %-12s %s\n",
			truncate(j.ID, 14),
			statusCell(j.Status),
			dimStyle.Render(detailCell(j))))
	}

	b.WriteString("\n" + m.poolLine() + "\n")

	if len(m.notices) > 0 {
		b.WriteString("\n")
		for _, n := range m.notices {
			b.WriteString(dimStyle.Render("• "+n) + "\n")
		}
	}

	if m.showLogs {
		b.WriteString("\n" + headerStyle.Render("recent log") + "\n")
		for _, entry := range debug.RecentLogs(8) {
			b.WriteString(dimStyle.Render(fmt.Sprintf("%s %s %s",
				entry.Timestamp.Format("15:04:05"), entry.Level, entry.Message)) + "\n")
		}
	}

	b.WriteString("\n" + dimStyle.Render(fmt.Sprintf("%d finished · l for log · q to quit", m.finished)))
	return b.String()
}

func (m Model) poolLine() string {
	if m.pool == nil {
		return dimStyle.Render("pool: unknown")
	}
	busy := 0
	for _, w := range m.pool.Workers {
		if w.ActiveJobs > 0 {
			busy++
		}
	}
	return headerStyle.Render("pool: ") +
		fmt.Sprintf("%d workers (%d busy), capacity %d", len(m.pool.Workers), busy, m.pool.Capacity)
}

func statusCell(s reconcile.Status) string {
	text := fmt.Sprintf("%-12s", s)
	switch s {
	case reconcile.StatusCompleted:
		return doneStyle.Render(text)
	case reconcile.StatusFailed, reconcile.StatusCancelled:
		return failStyle.Render(text)
	case reconcile.StatusRunning:
		return runStyle.Render(text)
	default:
		return dimStyle.Render(text)
	}
}

func detailCell(j reconcile.Entity) string {
	if name, ok := j.Fields["name"].(string); ok {
		return name
	}
	return ""
}

// truncate shortens s to at most n columns. IDs come from the server, so
// slicing happens on runes, not bytes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// Run subscribes to the job and pool topics and blocks in the dashboard
// until the user quits. The observers forward every change into the Bubble
// Tea program, so rendering stays on its event loop.
func Run(reg *subscribe.Registry) error {
	p := tea.NewProgram(New(), tea.WithAltScreen())

	unsubJobs := reg.Subscribe(subscribe.TopicJobs, &subscribe.Observer{
		OnChange:       func(ents []reconcile.Entity) { p.Send(jobsMsg(ents)) },
		OnTerminal:     func(e reconcile.Entity) { p.Send(terminalMsg(e)) },
		OnConnectivity: func(err error) { p.Send(connectivityMsg{err: err}) },
	})
	defer unsubJobs()

	unsubPool := reg.Subscribe(subscribe.TopicPool, &subscribe.Observer{
		OnPool: func(pool protocol.PoolStatus) { p.Send(poolMsg(pool)) },
		OnNotification: func(raw json.RawMessage) {
			if text := noticeText(raw); text != "" {
				p.Send(noticeMsg(text))
			}
		},
	})
	defer unsubPool()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("dashboard exited with error: %w", err)
	}
	debug.Info("Dashboard closed")
	return nil
}

// noticeText pulls a display string out of a notification payload. Payloads
// are display-only; anything without a recognizable text key is shown raw.
func noticeText(raw json.RawMessage) string {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err == nil {
		for _, key := range []string{"text", "message"} {
			if s, ok := m[key].(string); ok && s != "" {
				return s
			}
		}
	}
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	return s
}
