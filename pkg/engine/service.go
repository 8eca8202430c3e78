// Package engine runs a long-lived command while mirroring its progress into
// a dialog, and turns the combined outcome into one of four error kinds.
package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-go-golems/squish/pkg/dialog"
	"github.com/go-go-golems/squish/pkg/observer"
	"github.com/go-go-golems/squish/pkg/parser"
	"github.com/go-go-golems/squish/pkg/progress"
	"github.com/go-go-golems/squish/pkg/runner"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultGraceTimeout    = 2 * time.Second
	DefaultDrainTimeout    = 2 * time.Second
	DefaultStderrTailLines = 20

	maxLineBytes = 1 << 20
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseCompleting
	PhaseCancelling
	PhaseFailing
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseCompleting:
		return "completing"
	case PhaseCancelling:
		return "cancelling"
	case PhaseFailing:
		return "failing"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithSubject republishes the run's lifecycle to subject's observers.
func WithSubject(subject *observer.Subject) Option {
	return func(s *Service) { s.subject = subject }
}

// WithGraceTimeout bounds how long a process may take to exit on its own
// before it is killed.
func WithGraceTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.grace = d
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.poll = d
		}
	}
}

func WithDrainTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.drain = d
		}
	}
}

func WithKind(k progress.Kind) Option {
	return func(s *Service) { s.kind = k }
}

func WithStderrTailLines(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.tailLines = n
		}
	}
}

// WithStatusLines also sends "current/total" status text to dialogs that
// support it.
func WithStatusLines(enabled bool) Option {
	return func(s *Service) { s.statusLines = enabled }
}

// Service coordinates one child process, one dialog and one parser.
// Runs are serialized.
type Service struct {
	handler dialog.Handler
	runner  runner.Runner
	parser  *parser.Parser

	logger      zerolog.Logger
	subject     *observer.Subject
	grace       time.Duration
	poll        time.Duration
	drain       time.Duration
	kind        progress.Kind
	tailLines   int
	statusLines bool

	runMu sync.Mutex

	mu    sync.Mutex
	phase Phase
}

func New(handler dialog.Handler, r runner.Runner, p *parser.Parser, opts ...Option) *Service {
	if p == nil {
		p = parser.New(parser.Options{})
	}
	s := &Service{
		handler:   handler,
		runner:    r,
		parser:    p,
		logger:    zerolog.Nop(),
		grace:     DefaultGraceTimeout,
		poll:      DefaultPollInterval,
		drain:     DefaultDrainTimeout,
		kind:      progress.KindUnknown,
		tailLines: DefaultStderrTailLines,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

func (s *Service) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Service) setPhase(p Phase) {
	s.mu.Lock()
	prev := s.phase
	s.phase = p
	s.mu.Unlock()
	s.logger.Debug().Str("from", prev.String()).Str("to", p.String()).Msg("phase")
}

// run is the per-invocation state shared by the helpers below.
type run struct {
	argv  []string
	total int

	dlg   dialog.Process
	ch    *dialog.Channel
	child runner.Process

	tail        *tailBuffer
	lastPercent int
	sentFull    bool
}

// Run executes argv to completion. It returns nil when the child exits 0 and
// otherwise one of *SetupError, *CommandError, *CancelledError or
// *OrchestrationError. The dialog is never left open when Run returns.
func (s *Service) Run(ctx context.Context, argv []string, title string, total int) (retErr error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if len(argv) == 0 {
		return &OrchestrationError{Op: "validate", Err: errors.New("empty command")}
	}
	if s.handler == nil || s.runner == nil {
		return &OrchestrationError{Op: "validate", Err: errors.New("service needs a dialog handler and a runner")}
	}

	log := s.logger.With().Str("command", runner.CommandLine(argv)).Logger()
	r := &run{argv: argv, total: total, tail: newTailBuffer(s.tailLines)}

	defer func() {
		if rec := recover(); rec != nil {
			err := &OrchestrationError{Op: "run", Err: errors.Errorf("panic: %v", rec)}
			log.Error().Interface("panic", rec).Msg("orchestration panicked")
			s.abort(r)
			s.reportError(err)
			retErr = err
		}
		s.setPhase(PhaseDone)
	}()

	s.setPhase(PhaseStarting)
	s.parser.Reset()
	if s.subject != nil {
		s.subject.StartOperation(s.kind)
	}

	dlg, ch, err := s.handler.Start(ctx, title, total)
	if err != nil {
		serr := &SetupError{Err: err}
		log.Warn().Err(err).Msg("dialog setup failed")
		s.reportError(serr)
		return serr
	}
	r.dlg, r.ch = dlg, ch
	s.event(progress.EventDialogStarted, map[string]any{"title": title, "total": total})

	s.setPhase(PhaseRunning)
	child, err := s.runner.Start(ctx, argv)
	if err != nil {
		s.setPhase(PhaseFailing)
		s.handler.Cancel(ch)
		s.closeDialog(dlg)
		oerr := &OrchestrationError{Op: "start command", Err: err}
		log.Warn().Err(err).Msg("command did not start")
		s.reportError(oerr)
		return oerr
	}
	r.child = child
	s.event(progress.EventChildStarted, map[string]any{"pid": child.Pid()})
	log.Debug().Int("pid", child.Pid()).Msg("command started")

	return s.supervise(ctx, log, r)
}

func (s *Service) supervise(ctx context.Context, log zerolog.Logger, r *run) error {
	lines := make(chan string, 256)
	readCtx, stopReaders := context.WithCancel(context.Background())
	defer stopReaders()

	g, gctx := errgroup.WithContext(readCtx)
	g.Go(func() error { return scanLines(gctx, r.child.Stdout(), lines, nil) })
	g.Go(func() error { return scanLines(gctx, r.child.Stderr(), lines, r.tail) })
	go func() {
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			log.Debug().Err(err).Msg("output reader stopped")
		}
		close(lines)
	}()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	linesCh := lines
	for {
		select {
		case line, ok := <-linesCh:
			if !ok {
				linesCh = nil
				continue
			}
			if s.dialogGone(r) {
				return s.cancel(log, r, stopReaders, "dialog closed", nil)
			}
			s.handleLine(r, line)

		case <-r.child.Done():
			return s.finish(log, r, linesCh, stopReaders)

		case <-ticker.C:
			if s.dialogGone(r) {
				return s.cancel(log, r, stopReaders, "dialog closed", nil)
			}

		case <-ctx.Done():
			return s.cancel(log, r, stopReaders, "context cancelled", ctx.Err())
		}
	}
}

// dialogGone reports a dialog that exited while the child still runs. A
// dialog that closes after it was shown 100% auto-closed and is not a
// cancellation.
func (s *Service) dialogGone(r *run) bool {
	return !r.sentFull && !r.dlg.Running()
}

func (s *Service) handleLine(r *run, line string) {
	reading, ok := s.parser.ParseReading(line, r.total)
	if !ok {
		return
	}
	r.lastPercent = reading.Percentage
	if reading.Percentage >= 100 {
		r.sentFull = true
	}
	s.handler.Update(r.ch, reading.Percentage)
	if s.statusLines && reading.Total > 0 {
		if su, ok := s.handler.(dialog.StatusUpdater); ok {
			su.Status(r.ch, fmt.Sprintf("%d/%d", reading.Current, reading.Total))
		}
	}
	if s.subject != nil {
		if _, err := s.subject.UpdateProgress(s.kind, float64(reading.Percentage), reading.Current, reading.Total, ""); err != nil {
			s.logger.Warn().Err(err).Msg("progress observer failed")
		}
	}
}

func (s *Service) finish(log zerolog.Logger, r *run, linesCh <-chan string, stopReaders context.CancelFunc) error {
	code, waitErr := r.child.Wait()

	// Output written just before exit is still in the pipes.
	deadline := time.NewTimer(s.drain)
	defer deadline.Stop()
drain:
	for linesCh != nil {
		select {
		case line, ok := <-linesCh:
			if !ok {
				break drain
			}
			s.handleLine(r, line)
		case <-deadline.C:
			log.Debug().Msg("output still open after exit, closing")
			break drain
		}
	}
	stopReaders()
	_ = r.child.Close()

	switch {
	case waitErr != nil:
		s.setPhase(PhaseFailing)
		s.handler.Cancel(r.ch)
		s.closeDialog(r.dlg)
		err := &OrchestrationError{Op: "wait for command", Err: waitErr}
		s.reportError(err)
		return err

	case code == 0:
		s.setPhase(PhaseCompleting)
		s.handler.Complete(r.ch)
		s.closeDialog(r.dlg)
		log.Debug().Int("last_percent", r.lastPercent).Msg("command completed")
		if s.subject != nil {
			if err := s.subject.CompleteOperation(true); err != nil {
				s.logger.Warn().Err(err).Msg("completion observer failed")
			}
			s.event(progress.EventOperationComplete, map[string]any{"exit_code": 0})
		}
		return nil

	default:
		s.setPhase(PhaseFailing)
		s.handler.Cancel(r.ch)
		s.closeDialog(r.dlg)
		err := &CommandError{
			Argv:       append([]string{}, r.argv...),
			ExitCode:   code,
			StderrTail: r.tail.Lines(),
		}
		log.Warn().Int("exit_code", code).Msg("command failed")
		s.reportError(err)
		return err
	}
}

func (s *Service) cancel(log zerolog.Logger, r *run, stopReaders context.CancelFunc, reason string, cause error) error {
	s.setPhase(PhaseCancelling)
	log.Info().Str("reason", reason).Msg("cancelling command")

	if err := runner.Stop(r.child, s.grace); err != nil {
		log.Warn().Err(err).Msg("stop command")
	}
	stopReaders()
	_ = r.child.Close()

	// The dialog's input is closed without another write.
	s.handler.Cancel(r.ch)
	s.closeDialog(r.dlg)

	err := &CancelledError{Reason: reason, Err: cause}
	if s.subject != nil {
		if nerr := s.subject.CancelOperation(); nerr != nil {
			s.logger.Warn().Err(nerr).Msg("cancellation observer failed")
		}
		s.event(progress.EventOperationCancelled, map[string]any{"reason": reason})
	}
	return err
}

// abort releases whatever a panicking run had acquired.
func (s *Service) abort(r *run) {
	if r.child != nil {
		_ = runner.Stop(r.child, s.grace)
		_ = r.child.Close()
	}
	if r.dlg != nil {
		s.handler.Cancel(r.ch)
		s.closeDialog(r.dlg)
	}
}

// closeDialog gives the dialog grace to exit, then kills it.
func (s *Service) closeDialog(dlg dialog.Process) {
	if dlg == nil {
		return
	}
	select {
	case <-dlg.Done():
		return
	case <-time.After(s.grace):
	}
	s.logger.Debug().Msg("dialog did not exit, killing")
	if err := dlg.Kill(); err != nil {
		s.logger.Warn().Err(err).Msg("kill dialog")
		return
	}
	select {
	case <-dlg.Done():
	case <-time.After(s.grace):
		s.logger.Warn().Msg("dialog still running after kill")
	}
}

func (s *Service) reportError(err error) {
	if s.subject == nil {
		return
	}
	if nerr := s.subject.ReportError(err); nerr != nil {
		s.logger.Warn().Err(nerr).Msg("error observer failed")
	}
	s.event(progress.EventOperationError, map[string]any{"error": err.Error()})
}

func (s *Service) event(typ string, data map[string]any) {
	if s.subject == nil {
		return
	}
	s.subject.NotifyEvent(progress.NewEvent(typ, s.kind, "engine", data))
}

// scanLines splits on '\n' and '\r' so redrawn progress bars arrive as
// separate lines.
func scanLines(ctx context.Context, r io.Reader, out chan<- string, tail *tailBuffer) error {
	if r == nil {
		return nil
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	sc.Split(splitLinesOrCR)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if tail != nil {
			tail.Add(line)
		}
		select {
		case out <- line:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, "read output")
	}
	return nil
}

func splitLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
