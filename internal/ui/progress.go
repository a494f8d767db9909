// Package ui renders bench progress in the terminal.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"shmcall/internal/bench"
)

type benchModel struct {
	title   string
	events  <-chan bench.Event
	spinner spinner.Model
	prog    progress.Model
	callers []callerRow
	width   int
	done    bool
}

type callerRow struct {
	label  string
	status bench.Status
	done   int
	total  int
	failed int
	rate   string
}

type eventMsg bench.Event
type closedMsg struct{}

// NewProgressModel returns a Bubble Tea model that renders one row per
// caller coroutine plus an overall progress bar.
func NewProgressModel(title string, callers, calls int, events <-chan bench.Event) tea.Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	prog := progress.New(progress.WithDefaultGradient())
	prog.Width = 76

	rows := make([]callerRow, callers)
	for k := range rows {
		share := calls / callers
		if k < calls%callers {
			share++
		}
		rows[k] = callerRow{label: fmt.Sprintf("caller %d", k), status: bench.StatusQueued, total: share}
	}
	return &benchModel{
		title:   title,
		events:  events,
		spinner: sp,
		prog:    prog,
		callers: rows,
		width:   80,
	}
}

func (m *benchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.nextEvent())
}

func (m *benchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		cmd := m.applyEvent(bench.Event(msg))
		return m, tea.Batch(cmd, m.nextEvent())
	case closedMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.prog.Width = msg.Width - 4
		}
		return m, nil
	case progress.FrameMsg:
		pm, cmd := m.prog.Update(msg)
		m.prog = pm.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *benchModel) View() string {
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
	done, total := m.totals()
	header := fmt.Sprintf("%s (%d/%d)", m.title, done, total)
	if m.done {
		header = "done: " + header
	} else {
		header = m.spinner.View() + " " + header
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n\n")

	nameWidth := m.width - 40
	if nameWidth < 10 {
		nameWidth = 10
	}
	for _, row := range m.callers {
		status := styleStatus(row.status).Render(fmt.Sprintf("%9s", row.status))
		line := fmt.Sprintf("  %s %-*s %6d/%-6d", status, nameWidth, truncate(row.label, nameWidth), row.done, row.total)
		if row.failed > 0 {
			line += fmt.Sprintf(" failed %d", row.failed)
		}
		if row.rate != "" {
			line += "  " + row.rate
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.done {
		b.WriteString(m.prog.ViewAs(1.0))
	} else {
		b.WriteString(m.prog.View())
	}
	b.WriteString("\n")
	return b.String()
}

func (m *benchModel) nextEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *benchModel) applyEvent(ev bench.Event) tea.Cmd {
	if ev.Caller < 0 || ev.Caller >= len(m.callers) {
		return nil
	}
	row := &m.callers[ev.Caller]
	row.status = ev.Status
	row.done = ev.Done
	row.total = ev.Total
	row.failed = ev.Failed
	if ev.Done > 0 && ev.Elapsed > 0 {
		row.rate = fmt.Sprintf("%.0f ns/call", float64(ev.Elapsed.Nanoseconds())/float64(ev.Done))
	}
	done, total := m.totals()
	if total == 0 {
		return m.prog.SetPercent(1)
	}
	return m.prog.SetPercent(float64(done) / float64(total))
}

func (m *benchModel) totals() (done, total int) {
	for _, row := range m.callers {
		done += row.done
		total += row.total
	}
	return done, total
}

func styleStatus(status bench.Status) lipgloss.Style {
	switch status {
	case bench.StatusDone:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	case bench.StatusError:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	case bench.StatusCalling:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	}
}

func truncate(value string, width int) string {
	if width <= 0 || runewidth.StringWidth(value) <= width {
		return value
	}
	if width <= 3 {
		return runewidth.Truncate(value, width, "")
	}
	return runewidth.Truncate(value, width-3, "...")
}
