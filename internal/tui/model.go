// Package tui is the interactive question-answering screen.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"selfrag/internal/domain"
)

// Asker runs one question through the answer pipeline.
type Asker func(ctx context.Context, question string) (domain.Result, error)

type answerMsg struct {
	result domain.Result
	err    error
}

// Model is the Bubble Tea model for the TUI application.
type Model struct {
	ask      Asker
	input    textinput.Model
	viewport viewport.Model
	result   *domain.Result
	summary  string
	status   string
	thinking bool
	ready    bool
}

// New creates a new TUI model instance.
func New(ask Asker, summary string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask a question and press Enter"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	return Model{ask: ask, input: ti, viewport: vp, summary: summary, status: "Documents indexed. Ask away."}
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

// Update handles key and window events and updates the view state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		// account for frames around answer and query boxes
		_, rh := answerBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		totalHeaderLines := 2 // header + summary
		totalFooterLines := 1 // status
		reserved := totalHeaderLines + totalFooterLines + qh + 1
		vh := msg.Height - reserved
		if vh < 3 {
			vh = 3
		}
		m.viewport.Width = maxInt(20, msg.Width)
		m.viewport.Height = maxInt(3, vh-rh)
		m.viewport.SetContent(m.renderResult())
		return m, nil
	case answerMsg:
		m.thinking = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			m.result = nil
		} else {
			res := msg.result
			m.result = &res
			m.status = fmt.Sprintf("score %d/5, %d attempt(s)", res.Evaluation.Score, res.Attempts)
		}
		m.viewport.SetContent(m.renderResult())
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q != "" && !m.thinking {
				m.thinking = true
				m.status = "Thinking..."
				ask := m.ask
				return m, func() tea.Msg {
					res, err := ask(context.Background(), q)
					return answerMsg{result: res, err: err}
				}
			}
		case "down":
			m.viewport.LineDown(1)
			return m, nil
		case "up":
			m.viewport.LineUp(1)
			return m, nil
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders the TUI layout and current answer.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("Self-Correcting RAG")
	summary := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.summary)
	input := queryBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	answer := answerBoxStyle.Render(m.viewport.View())
	return header + "\n" + summary + "\n" + answer + "\n" + input + "\n" + status
}

func (m Model) renderResult() string {
	if m.result == nil {
		return "No answer yet."
	}
	r := m.result
	var b strings.Builder
	b.WriteString(r.Answer)
	b.WriteString("\n\n")
	verdict := "unsupported"
	if r.Evaluation.Supported {
		verdict = "supported"
	}
	fmt.Fprintf(&b, "%s\n", scoreStyle.Render(fmt.Sprintf(
		"score %d/5 (%s), attempts %d, documents %d/%d used, %s",
		r.Evaluation.Score, verdict, r.Attempts,
		r.DocumentsUsed, r.DocumentsRetrieved,
		r.Latencies.Total.Round(time.Millisecond))))
	if r.Evaluation.Justification != "" {
		fmt.Fprintf(&b, "\n%s\n", r.Evaluation.Justification)
	}
	return b.String()
}

var (
	answerBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	scoreStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
)

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
