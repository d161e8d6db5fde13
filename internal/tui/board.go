// Package tui renders a read-only snapshot of the board and the active
// runs. It never mutates anything; the reconciler owns all writes.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ktsuji/deckhand/internal/domain"
)

var (
	columnTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	columnStyle      = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240")).
				Padding(0, 1).
				Width(28)
	taskIDStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	tagStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
	criticalStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	runningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	titleStyle    = lipgloss.NewStyle().Bold(true).MarginBottom(1)
)

// keyMap defines the board view key bindings.
type keyMap struct {
	Left  key.Binding
	Right key.Binding
	Quit  key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Left, k.Right, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Left, k.Right, k.Quit}}
}

var defaultKeys = keyMap{
	Left:  key.NewBinding(key.WithKeys("left", "h"), key.WithHelp("←/h", "scroll left")),
	Right: key.NewBinding(key.WithKeys("right", "l"), key.WithHelp("→/l", "scroll right")),
	Quit:  key.NewBinding(key.WithKeys("q", "esc", "ctrl+c"), key.WithHelp("q", "quit")),
}

// Model is the read-only board view.
type Model struct {
	snapshot *domain.BoardSnapshot
	state    *domain.State
	help     help.Model
	keys     keyMap
	offset   int
	width    int
}

// NewModel creates a board view for one snapshot of board and state.
func NewModel(snapshot *domain.BoardSnapshot, state *domain.State) Model {
	return Model{
		snapshot: snapshot,
		state:    state,
		keys:     defaultKeys,
		help:     help.New(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Left):
			if m.offset > 0 {
				m.offset--
			}
		case key.Matches(msg, m.keys.Right):
			if m.offset < len(m.snapshot.Columns)-1 {
				m.offset++
			}
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	var rendered []string
	visible := m.visibleColumns()
	for _, col := range visible {
		rendered = append(rendered, m.renderColumn(col))
	}
	board := lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
	title := titleStyle.Render(fmt.Sprintf("deckhand board — %d tasks", len(m.snapshot.Tasks)))
	return title + "\n" + board + "\n" + m.help.View(m.keys)
}

func (m Model) visibleColumns() []domain.Column {
	cols := m.snapshot.Columns
	if m.width <= 0 {
		return cols
	}
	perScreen := m.width / 30
	if perScreen < 1 {
		perScreen = 1
	}
	start := m.offset
	if start > len(cols)-1 {
		start = len(cols) - 1
	}
	end := start + perScreen
	if end > len(cols) {
		end = len(cols)
	}
	return cols[start:end]
}

func (m Model) renderColumn(col domain.Column) string {
	tasks := m.snapshot.TasksIn(col)
	var b strings.Builder
	b.WriteString(columnTitleStyle.Render(fmt.Sprintf("%s (%d)", col, len(tasks))))
	b.WriteString("\n")
	for _, t := range tasks {
		b.WriteString(m.renderTask(t))
		b.WriteString("\n")
	}
	return columnStyle.Render(b.String())
}

func (m Model) renderTask(t *domain.Task) string {
	title := t.Title
	if len(title) > 22 {
		title = title[:21] + "…"
	}
	line := taskIDStyle.Render(fmt.Sprintf("#%d ", t.ID)) + title
	if t.HasTag(domain.TagCritical) {
		line = criticalStyle.Render("! ") + line
	}
	if m.state != nil {
		if _, running := m.state.WorkersByTaskID[t.ID]; running {
			line += runningStyle.Render(" ●")
		}
		if _, reviewing := m.state.ReviewersByTaskID[t.ID]; reviewing {
			line += runningStyle.Render(" ◆")
		}
	}
	if tags := interestingTags(t.Tags); tags != "" {
		line += "\n  " + tagStyle.Render(tags)
	}
	return line
}

// interestingTags keeps the tags an operator scans for, dropping noise.
func interestingTags(tags []string) string {
	var kept []string
	for _, tag := range tags {
		lt := strings.ToLower(tag)
		switch {
		case strings.HasPrefix(lt, domain.PausedTagPrefix),
			strings.HasPrefix(lt, domain.BlockedTagPrefix),
			strings.HasPrefix(lt, "review:"),
			strings.HasPrefix(lt, "docs:"),
			lt == domain.TagPaused, lt == domain.TagHold, lt == domain.TagNoAuto:
			kept = append(kept, tag)
		}
	}
	return strings.Join(kept, " ")
}
