package runner

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// FakeScript describes what a FakeProcess does once started.
type FakeScript struct {
	StdoutLines []string
	StderrLines []string
	// LineDelay is slept before each emitted line.
	LineDelay time.Duration
	ExitCode  int
	// Hold keeps the process running after its output until it is
	// terminated or killed.
	Hold bool
	// TerminateExitCode is reported after Terminate; defaults to 143.
	TerminateExitCode int
}

type FakeCall struct {
	Argv  []string
	Stdin bool
	Dir   string
}

type fakeRule[T any] struct {
	pattern string
	value   T
}

// Fake is a deterministic Runner: results are matched by substring of the
// joined argv and every invocation is recorded.
type Fake struct {
	mu sync.Mutex

	results   []fakeRule[Result]
	scripts   []fakeRule[FakeScript]
	startErrs []fakeRule[error]

	runCalls   []FakeCall
	startCalls []FakeCall
	processes  []*FakeProcess
}

var _ Runner = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) SetResult(pattern string, res Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, fakeRule[Result]{pattern: pattern, value: res})
}

func (f *Fake) SetScript(pattern string, script FakeScript) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, fakeRule[FakeScript]{pattern: pattern, value: script})
}

// FailStart makes Start return err for commands matching pattern.
func (f *Fake) FailStart(pattern string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErrs = append(f.startErrs, fakeRule[error]{pattern: pattern, value: err})
}

func (f *Fake) RunCalls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCall{}, f.runCalls...)
}

func (f *Fake) StartCalls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCall{}, f.startCalls...)
}

func (f *Fake) Processes() []*FakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeProcess{}, f.processes...)
}

func (f *Fake) Run(ctx context.Context, argv []string, opts ...Option) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runCalls = append(f.runCalls, recordCall(argv, opts))
	if res, ok := match(f.results, argv); ok {
		return res, nil
	}
	return Result{}, nil
}

func (f *Fake) Start(ctx context.Context, argv []string, opts ...Option) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls = append(f.startCalls, recordCall(argv, opts))
	if err, ok := match(f.startErrs, argv); ok {
		return nil, err
	}
	script, _ := match(f.scripts, argv)
	p := NewFakeProcess(script)
	f.processes = append(f.processes, p)
	return p, nil
}

func recordCall(argv []string, opts []Option) FakeCall {
	c := applyOptions(opts)
	return FakeCall{Argv: append([]string{}, argv...), Stdin: c.stdin != nil, Dir: c.dir}
}

func match[T any](rules []fakeRule[T], argv []string) (T, bool) {
	joined := CommandLine(argv)
	for _, r := range rules {
		if strings.Contains(joined, r.pattern) {
			return r.value, true
		}
	}
	var zero T
	return zero, false
}

// FakeProcess replays a FakeScript.
type FakeProcess struct {
	script FakeScript

	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu         sync.Mutex
	code       int
	terminated int
	killed     int
}

var _ Process = (*FakeProcess)(nil)

func NewFakeProcess(script FakeScript) *FakeProcess {
	if script.TerminateExitCode == 0 {
		script.TerminateExitCode = 143
	}
	p := &FakeProcess{
		script: script,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	go p.run()
	return p
}

func (p *FakeProcess) run() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.emit(p.stdoutW, p.script.StdoutLines)
	}()
	go func() {
		defer wg.Done()
		p.emit(p.stderrW, p.script.StderrLines)
	}()
	wg.Wait()

	stopped := false
	if p.script.Hold {
		<-p.stop
		stopped = true
	} else {
		select {
		case <-p.stop:
			stopped = true
		default:
		}
	}

	p.mu.Lock()
	if stopped {
		p.code = p.script.TerminateExitCode
		if p.killed > 0 {
			p.code = 137
		}
	} else {
		p.code = p.script.ExitCode
	}
	p.mu.Unlock()

	_ = p.stdoutW.Close()
	_ = p.stderrW.Close()
	close(p.done)
}

func (p *FakeProcess) emit(w *io.PipeWriter, lines []string) {
	for _, line := range lines {
		if p.script.LineDelay > 0 {
			select {
			case <-p.stop:
				return
			case <-time.After(p.script.LineDelay):
			}
		}
		select {
		case <-p.stop:
			return
		default:
		}
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return
		}
	}
}

func (p *FakeProcess) Pid() int              { return 0 }
func (p *FakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *FakeProcess) Stderr() io.Reader     { return p.stderrR }
func (p *FakeProcess) Done() <-chan struct{} { return p.done }

func (p *FakeProcess) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, nil
}

func (p *FakeProcess) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *FakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated++
	p.mu.Unlock()
	p.halt()
	return nil
}

func (p *FakeProcess) Kill() error {
	p.mu.Lock()
	p.killed++
	p.mu.Unlock()
	p.halt()
	return nil
}

func (p *FakeProcess) Close() error {
	_ = p.stdoutR.Close()
	_ = p.stderrR.Close()
	return nil
}

func (p *FakeProcess) halt() {
	p.stopOnce.Do(func() {
		close(p.stop)
		_ = p.stdoutW.CloseWithError(io.EOF)
		_ = p.stderrW.CloseWithError(io.EOF)
	})
}

func (p *FakeProcess) Terminated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

func (p *FakeProcess) Killed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// ErrFakeStart is a convenience error for FailStart.
var ErrFakeStart = errors.New("fake: start failed")
