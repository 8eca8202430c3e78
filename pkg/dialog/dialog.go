package dialog

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Process is the dialog's liveness as seen by the orchestrator. A dialog that
// exits before the work is done means the user cancelled.
type Process interface {
	Running() bool
	Done() <-chan struct{}
	Kill() error
}

// Handler drives an external progress indicator.
type Handler interface {
	Start(ctx context.Context, title string, total int) (Process, *Channel, error)
	Update(ch *Channel, percentage int)
	Cancel(ch *Channel)
	Complete(ch *Channel)
}

// StatusUpdater is implemented by handlers that can show a status line next
// to the percentage.
type StatusUpdater interface {
	Status(ch *Channel, text string)
}

type CommandKind int

const (
	CommandSetPercentage CommandKind = iota
	CommandSetStatus
	CommandCancel
	CommandComplete
)

func (k CommandKind) String() string {
	switch k {
	case CommandSetPercentage:
		return "set_percentage"
	case CommandSetStatus:
		return "set_status"
	case CommandCancel:
		return "cancel"
	case CommandComplete:
		return "complete"
	default:
		return "unknown"
	}
}

type Command struct {
	Kind       CommandKind
	Percentage int
	Status     string
}

func SetPercentage(p int) Command { return Command{Kind: CommandSetPercentage, Percentage: clampPercentage(p)} }
func SetStatus(text string) Command {
	return Command{Kind: CommandSetStatus, Status: text}
}
func Cancel() Command   { return Command{Kind: CommandCancel} }
func Complete() Command { return Command{Kind: CommandComplete} }

// Terminal commands end the stream; nothing is accepted after them.
func (c Command) Terminal() bool {
	return c.Kind == CommandCancel || c.Kind == CommandComplete
}

// Line renders the command in the textual protocol read by zenity-style
// dialogs: a bare percentage or a '#'-prefixed status. Cancel writes nothing.
func (c Command) Line() string {
	switch c.Kind {
	case CommandSetPercentage:
		return fmt.Sprintf("%d\n", clampPercentage(c.Percentage))
	case CommandSetStatus:
		s := strings.NewReplacer("\r", " ", "\n", " ").Replace(c.Status)
		return "#" + s + "\n"
	case CommandComplete:
		return "100\n"
	default:
		return ""
	}
}

func (c Command) String() string {
	switch c.Kind {
	case CommandSetPercentage:
		return fmt.Sprintf("SetPercentage(%d)", c.Percentage)
	case CommandSetStatus:
		return fmt.Sprintf("SetStatus(%q)", c.Status)
	case CommandCancel:
		return "Cancel"
	case CommandComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

func clampPercentage(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Channel is the single-producer single-consumer queue between the
// orchestrator and a dialog writer goroutine. Send never blocks: when the
// buffer is full the oldest queued update is dropped, so a dialog that reads
// slowly sees fewer, newer percentages and the producer keeps going.
type Channel struct {
	cmds chan Command
	done chan struct{}

	mu         sync.Mutex
	closed     bool
	dropped    int
	closeCmds  sync.Once
	finishOnce sync.Once
}

func NewChannel(buffer int) *Channel {
	if buffer <= 0 {
		buffer = 64
	}
	return &Channel{
		cmds: make(chan Command, buffer),
		done: make(chan struct{}),
	}
}

// Send queues cmd. It reports false once a terminal command was sent or the
// consumer has gone away; such commands are dropped.
func (c *Channel) Send(cmd Command) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case <-c.done:
		c.closed = true
		return false
	default:
	}
	if cmd.Terminal() {
		c.closed = true
		defer c.closeCmds.Do(func() { close(c.cmds) })
	}
	// Only this producer sends, and everything queued is non-terminal, so
	// making room always succeeds within a couple of rounds.
	for {
		select {
		case c.cmds <- cmd:
			return true
		default:
		}
		select {
		case <-c.cmds:
			c.dropped++
		default:
		}
	}
}

// Dropped counts queued updates discarded to make room for newer ones.
func (c *Channel) Dropped() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Commands is read by the consumer until it is closed.
func (c *Channel) Commands() <-chan Command { return c.cmds }

// Finish is called by the consumer when it stops reading.
func (c *Channel) Finish() {
	c.finishOnce.Do(func() { close(c.done) })
}

// Done is closed once the consumer has stopped.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Closed reports whether a terminal command has been sent or the consumer is gone.
func (c *Channel) Closed() bool {
	if c == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
