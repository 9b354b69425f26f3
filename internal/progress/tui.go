package progress

import (
	"context"
	"fmt"
	"strings"
	"sync"

	bprogress "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	red   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	green = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	cyan  = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	gray  = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))

	titleStyle = cyan.Bold(true)
	errorStyle = red.Bold(true)
)

const barWidth = 48

type percentMsg int
type statusMsg string
type doneMsg struct{ err error }

type model struct {
	title   string
	bar     bprogress.Model
	spinner spinner.Model
	percent int
	status  string
	done    bool
	err     error
	cancel  context.CancelFunc
}

func newModel(title string, cancel context.CancelFunc) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = cyan

	return model{
		title:   title,
		bar:     bprogress.New(bprogress.WithDefaultGradient(), bprogress.WithWidth(barWidth)),
		spinner: s,
		cancel:  cancel,
	}
}

func (m model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			if m.cancel != nil {
				m.cancel()
			}
			m.status = "cancelled"
			m.done = true
			return m, tea.Quit
		}
	case percentMsg:
		m.percent = min(max(int(msg), 0), 100)
	case statusMsg:
		m.status = string(msg)
	case doneMsg:
		m.done = true
		m.err = msg.err
		if msg.err == nil {
			m.percent = 100
		}
		return m, tea.Quit
	case tea.WindowSizeMsg:
		m.bar.Width = min(max(msg.Width-4, 10), barWidth)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n")
	b.WriteString(m.bar.ViewAs(float64(m.percent) / 100))
	b.WriteString("\n")

	switch {
	case m.err != nil:
		b.WriteString(fmt.Sprintf("%s %s", errorStyle.Render("ERROR:"), m.err.Error()))
	case m.done:
		b.WriteString(green.Render(m.status))
	default:
		b.WriteString(fmt.Sprintf("%s %s", m.spinner.View(), gray.Render(m.status)))
	}
	b.WriteString("\n")
	return b.String()
}

// TUI draws a progress bar with a status line in the terminal.
type TUI struct {
	program *tea.Program
	wg      sync.WaitGroup
	once    sync.Once
}

// NewTUI prepares the display. cancel is called when the user presses Ctrl+C.
func NewTUI(title string, cancel context.CancelFunc, opts ...tea.ProgramOption) *TUI {
	return &TUI{program: tea.NewProgram(newModel(title, cancel), opts...)}
}

// Start runs the display in the background.
func (t *TUI) Start() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		_, _ = t.program.Run()
	}()
}

func (t *TUI) SetProgress(percent int) {
	t.program.Send(percentMsg(percent))
}

func (t *TUI) SetStatusText(text string) {
	t.program.Send(statusMsg(text))
}

// Finish shows the outcome and waits for the display to exit.
func (t *TUI) Finish(err error) {
	t.once.Do(func() {
		t.program.Send(doneMsg{err: err})
		t.wg.Wait()
	})
}
