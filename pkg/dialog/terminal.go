package dialog

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
)

type TerminalOptions struct {
	Input  io.Reader
	Output io.Writer
	Logger zerolog.Logger
	// CloseDelay keeps the finished bar on screen briefly before exiting.
	CloseDelay time.Duration
	Width      int
}

// Terminal renders progress in the controlling terminal. Quitting the view
// (q, esc or ctrl+c) counts as closing the dialog.
type Terminal struct {
	opts TerminalOptions
}

var (
	_ Handler       = (*Terminal)(nil)
	_ StatusUpdater = (*Terminal)(nil)
)

func NewTerminal(opts TerminalOptions) *Terminal {
	if opts.Width <= 0 {
		opts.Width = 40
	}
	if opts.CloseDelay < 0 {
		opts.CloseDelay = 0
	}
	return &Terminal{opts: opts}
}

func (h *Terminal) Start(ctx context.Context, title string, total int) (Process, *Channel, error) {
	model := newTerminalModel(title, total, h.opts.Width, h.opts.CloseDelay)

	progOpts := []tea.ProgramOption{tea.WithContext(ctx)}
	if h.opts.Input != nil {
		progOpts = append(progOpts, tea.WithInput(h.opts.Input))
	}
	if h.opts.Output != nil {
		progOpts = append(progOpts, tea.WithOutput(h.opts.Output))
	}
	prog := tea.NewProgram(model, progOpts...)
	proc := &programProcess{prog: prog, done: make(chan struct{})}

	go func() {
		defer close(proc.done)
		final, err := prog.Run()
		if err != nil {
			h.opts.Logger.Debug().Err(err).Msg("terminal dialog stopped")
		}
		if m, ok := final.(terminalModel); ok && m.userQuit {
			h.opts.Logger.Debug().Msg("terminal dialog closed by user")
		}
	}()

	ch := NewChannel(0)
	go func() {
		defer ch.Finish()
		for {
			select {
			case cmd, ok := <-ch.Commands():
				if !ok {
					return
				}
				prog.Send(commandMsg{cmd: cmd})
				if cmd.Terminal() {
					return
				}
			case <-proc.done:
				return
			}
		}
	}()
	return proc, ch, nil
}

func (h *Terminal) Update(ch *Channel, percentage int) { ch.Send(SetPercentage(percentage)) }
func (h *Terminal) Status(ch *Channel, text string)    { ch.Send(SetStatus(text)) }
func (h *Terminal) Cancel(ch *Channel)                 { ch.Send(Cancel()) }
func (h *Terminal) Complete(ch *Channel)               { ch.Send(Complete()) }

type programProcess struct {
	prog *tea.Program
	done chan struct{}
	once sync.Once
}

func (p *programProcess) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *programProcess) Done() <-chan struct{} { return p.done }

func (p *programProcess) Kill() error {
	p.once.Do(p.prog.Kill)
	return nil
}

type commandMsg struct{ cmd Command }

type closeMsg struct{}

var (
	terminalTitleStyle  = lipgloss.NewStyle().Bold(true)
	terminalStatusStyle = lipgloss.NewStyle().Faint(true)
	terminalDoneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	terminalCancelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

type terminalModel struct {
	title      string
	total      int
	percent    int
	status     string
	closeDelay time.Duration

	bar progress.Model

	completed bool
	cancelled bool
	userQuit  bool
}

func newTerminalModel(title string, total, width int, closeDelay time.Duration) terminalModel {
	return terminalModel{
		title:      title,
		total:      total,
		closeDelay: closeDelay,
		bar:        progress.New(progress.WithDefaultGradient(), progress.WithWidth(width)),
	}
}

func (m terminalModel) Init() tea.Cmd { return nil }

func (m terminalModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch v := msg.(type) {
	case tea.KeyMsg:
		switch v.String() {
		case "ctrl+c", "q", "esc":
			m.userQuit = true
			return m, tea.Quit
		}
		return m, nil
	case tea.WindowSizeMsg:
		if w := v.Width - 4; w > 10 && w < m.bar.Width {
			m.bar.Width = w
		}
		return m, nil
	case commandMsg:
		switch v.cmd.Kind {
		case CommandSetPercentage:
			m.percent = v.cmd.Percentage
		case CommandSetStatus:
			m.status = v.cmd.Status
		case CommandComplete:
			m.percent = 100
			m.completed = true
			if m.closeDelay > 0 {
				return m, tea.Tick(m.closeDelay, func(time.Time) tea.Msg { return closeMsg{} })
			}
			return m, tea.Quit
		case CommandCancel:
			m.cancelled = true
			return m, tea.Quit
		}
		return m, nil
	case closeMsg:
		return m, tea.Quit
	}
	return m, nil
}

func (m terminalModel) View() string {
	var b strings.Builder
	b.WriteString(terminalTitleStyle.Render(m.title))
	if m.total > 0 {
		b.WriteString(terminalStatusStyle.Render(fmt.Sprintf("  (%d items)", m.total)))
	}
	b.WriteString("\n")
	b.WriteString(m.bar.ViewAs(float64(m.percent) / 100))
	b.WriteString("\n")
	switch {
	case m.completed:
		b.WriteString(terminalDoneStyle.Render("done"))
	case m.cancelled:
		b.WriteString(terminalCancelStyle.Render("cancelled"))
	case m.status != "":
		b.WriteString(terminalStatusStyle.Render(m.status))
	default:
		b.WriteString(terminalStatusStyle.Render("q to cancel"))
	}
	b.WriteString("\n")
	return b.String()
}
