package observer

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/go-go-golems/squish/pkg/progress"
)

// Bar renders a horizontal progress bar with the percentage after it.
type Bar struct {
	percent    int
	width      int
	style      lipgloss.Style
	filledChar rune
	emptyChar  rune
}

func NewBar(percent int) Bar {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return Bar{
		percent:    percent,
		width:      30,
		filledChar: '█',
		emptyChar:  '░',
	}
}

func (b Bar) WithWidth(width int) Bar {
	if width < 5 {
		width = 5
	}
	b.width = width
	return b
}

func (b Bar) WithStyle(style lipgloss.Style) Bar {
	b.style = style
	return b
}

func (b Bar) Render() string {
	filled := b.width * b.percent / 100
	return fmt.Sprintf("%s%s %3d%%",
		b.style.Render(strings.Repeat(string(b.filledChar), filled)),
		strings.Repeat(string(b.emptyChar), b.width-filled),
		b.percent)
}

var (
	consoleBarStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	consoleOKStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	consoleWarnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	consoleErrStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	consoleDetailStyle = lipgloss.NewStyle().Faint(true)
)

// ConsoleObserver redraws a single status line on w for each update and
// finishes it with a result line.
type ConsoleObserver struct {
	mu    sync.Mutex
	w     io.Writer
	width int
	dirty bool
}

var _ Observer = (*ConsoleObserver)(nil)

func NewConsoleObserver(w io.Writer, width int) *ConsoleObserver {
	return &ConsoleObserver{w: w, width: width}
}

func (c *ConsoleObserver) line(s progress.Snapshot) string {
	parts := []string{NewBar(int(s.Percentage + 0.5)).WithWidth(c.width).WithStyle(consoleBarStyle).Render()}
	if s.Total > 0 {
		parts = append(parts, fmt.Sprintf("%d/%d", s.Current, s.Total))
	}
	if s.EstimatedRemaining != nil {
		parts = append(parts, "eta "+s.EstimatedRemaining.Round(time.Second).String())
	}
	if s.Message != "" {
		parts = append(parts, s.Message)
	}
	return strings.Join(parts, "  ")
}

func (c *ConsoleObserver) OnProgress(s progress.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = true
	_, err := fmt.Fprintf(c.w, "\r\033[K%s", c.line(s))
	return err
}

func (c *ConsoleObserver) finish(status string, s progress.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := ""
	if c.dirty {
		prefix = "\r\033[K"
		c.dirty = false
	}
	detail := consoleDetailStyle.Render(fmt.Sprintf("(%s, %s)", s.Kind, s.Elapsed.Round(time.Millisecond)))
	_, err := fmt.Fprintf(c.w, "%s%s %s\n", prefix, status, detail)
	return err
}

func (c *ConsoleObserver) OnCompletion(s progress.Snapshot, success bool) error {
	if success {
		return c.finish(consoleOKStyle.Render("completed"), s)
	}
	return c.finish(consoleErrStyle.Render("failed"), s)
}

func (c *ConsoleObserver) OnCancellation(s progress.Snapshot) error {
	return c.finish(consoleWarnStyle.Render("cancelled"), s)
}

func (c *ConsoleObserver) OnError(s progress.Snapshot, err error) error {
	msg := "error"
	if err != nil {
		msg += ": " + err.Error()
	}
	return c.finish(consoleErrStyle.Render(msg), s)
}
