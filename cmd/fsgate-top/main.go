// Command fsgate-top is a terminal viewer for the fsgate audit stream. It
// tails the configured audit log file and renders operations and violations
// as they land.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#06B6D4"))
	auditStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	violationStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#EF4444"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED"))
)

type auditLine struct {
	Timestamp     string   `json:"timestamp"`
	Level         string   `json:"level"`
	Operation     string   `json:"operation,omitempty"`
	Paths         []string `json:"paths,omitempty"`
	Result        string   `json:"result,omitempty"`
	AgentID       string   `json:"agentId,omitempty"`
	Type          string   `json:"type,omitempty"`
	Input         string   `json:"input,omitempty"`
	WorkspaceRoot string   `json:"workspaceRoot,omitempty"`
}

type tickMsg struct{}

type model struct {
	path       string
	file       *os.File
	reader     *bufio.Reader
	viewport   viewport.Model
	lines      []string
	violations int
	operations int
	ready      bool
}

func newModel(path string) *model {
	return &model{path: path}
}

func (m *model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		headerHeight := 2
		footerHeight := 2
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
		}
		m.refresh()
		return m, nil

	case tickMsg:
		m.drain()
		return m, tick()
	}
	return m, nil
}

// drain reads any newly appended audit lines.
func (m *model) drain() {
	if m.file == nil {
		f, err := os.Open(m.path)
		if err != nil {
			return
		}
		m.file = f
		m.reader = bufio.NewReader(f)
	}

	for {
		raw, err := m.reader.ReadString('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return
		}
		m.append(strings.TrimSpace(raw))
	}
	m.refresh()
}

func (m *model) append(raw string) {
	if raw == "" {
		return
	}
	var line auditLine
	if err := json.Unmarshal([]byte(raw), &line); err != nil {
		m.lines = append(m.lines, dimStyle.Render(raw))
		return
	}

	ts := line.Timestamp
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		ts = t.Local().Format("15:04:05")
	}

	switch line.Level {
	case "SECURITY_VIOLATION":
		m.violations++
		m.lines = append(m.lines, fmt.Sprintf("%s %s %s %s",
			dimStyle.Render(ts),
			violationStyle.Render("VIOLATION"),
			line.Type,
			dimStyle.Render(line.Input)))
	default:
		m.operations++
		m.lines = append(m.lines, fmt.Sprintf("%s %s %s %s %s",
			dimStyle.Render(ts),
			auditStyle.Render("AUDIT"),
			line.Operation,
			dimStyle.Render(strings.Join(line.Paths, " ")),
			line.Result))
	}

	const maxLines = 5000
	if len(m.lines) > maxLines {
		m.lines = m.lines[len(m.lines)-maxLines:]
	}
}

func (m *model) refresh() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m *model) View() string {
	if !m.ready {
		return "loading…"
	}
	header := titleStyle.Render("fsgate audit stream") + dimStyle.Render("  "+m.path) + "\n\n"
	footer := "\n" + statusStyle.Render(fmt.Sprintf("%d operations · %d violations", m.operations, m.violations)) +
		dimStyle.Render("  (q to quit)")
	return header + m.viewport.View() + footer
}

func main() {
	path := flag.String("audit-log", "fsgate-audit.log", "audit log file to tail")
	flag.Parse()

	p := tea.NewProgram(newModel(*path), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "fsgate-top: %v\n", err)
		os.Exit(1)
	}
}
