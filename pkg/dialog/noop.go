package dialog

import (
	"context"
	"sync"
)

type StartCall struct {
	Title string
	Total int
}

// Noop performs no I/O and records every call.
type Noop struct {
	// StartErr is returned by Start when set.
	StartErr error
	// OnUpdate runs after each recorded Update; tests use it to close the
	// stub dialog at a chosen percentage.
	OnUpdate func(percentage int, dlg *StubProcess)

	mu        sync.Mutex
	starts    []StartCall
	commands  []Command
	updates   []int
	cancels   int
	completes int
	dialogs   []*StubProcess
}

var (
	_ Handler       = (*Noop)(nil)
	_ StatusUpdater = (*Noop)(nil)
)

func NewNoop() *Noop {
	return &Noop{}
}

func (n *Noop) Start(ctx context.Context, title string, total int) (Process, *Channel, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.starts = append(n.starts, StartCall{Title: title, Total: total})
	if n.StartErr != nil {
		return nil, nil, n.StartErr
	}
	dlg := NewStubProcess()
	n.dialogs = append(n.dialogs, dlg)
	return dlg, NewChannel(1), nil
}

func (n *Noop) Update(ch *Channel, percentage int) {
	cmd := SetPercentage(percentage)
	n.mu.Lock()
	n.commands = append(n.commands, cmd)
	n.updates = append(n.updates, cmd.Percentage)
	hook := n.OnUpdate
	dlg := n.latest()
	n.mu.Unlock()
	if hook != nil {
		hook(cmd.Percentage, dlg)
	}
}

func (n *Noop) Status(ch *Channel, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.commands = append(n.commands, SetStatus(text))
}

// Cancel closes the stub dialog the way a dialog exits once its input is
// closed.
func (n *Noop) Cancel(ch *Channel) {
	n.mu.Lock()
	n.commands = append(n.commands, Cancel())
	n.cancels++
	dlg := n.latest()
	n.mu.Unlock()
	if dlg != nil {
		dlg.Exit()
	}
}

// Complete also closes the stub dialog, like a real dialog started with
// auto-close.
func (n *Noop) Complete(ch *Channel) {
	n.mu.Lock()
	n.commands = append(n.commands, Complete())
	n.completes++
	dlg := n.latest()
	n.mu.Unlock()
	if dlg != nil {
		dlg.Exit()
	}
}

func (n *Noop) Starts() []StartCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]StartCall{}, n.starts...)
}

func (n *Noop) Commands() []Command {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Command{}, n.commands...)
}

func (n *Noop) Updates() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int{}, n.updates...)
}

func (n *Noop) Cancels() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cancels
}

func (n *Noop) Completes() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.completes
}

// Dialog returns the most recently started stub, or nil.
func (n *Noop) Dialog() *StubProcess {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.latest()
}

// latest expects n.mu to be held.
func (n *Noop) latest() *StubProcess {
	if len(n.dialogs) == 0 {
		return nil
	}
	return n.dialogs[len(n.dialogs)-1]
}

// StubProcess is a dialog that runs until Exit or Kill is called.
type StubProcess struct {
	done  chan struct{}
	once  sync.Once
	mu    sync.Mutex
	kills int
}

var _ Process = (*StubProcess)(nil)

func NewStubProcess() *StubProcess {
	return &StubProcess{done: make(chan struct{})}
}

// Exit simulates the user closing the dialog.
func (s *StubProcess) Exit() {
	s.once.Do(func() { close(s.done) })
}

func (s *StubProcess) Running() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *StubProcess) Done() <-chan struct{} { return s.done }

func (s *StubProcess) Kill() error {
	s.mu.Lock()
	s.kills++
	s.mu.Unlock()
	s.Exit()
	return nil
}

func (s *StubProcess) Kills() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kills
}
