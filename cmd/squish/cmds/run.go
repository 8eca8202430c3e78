package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/fatih/color"
	"github.com/go-go-golems/squish/pkg/config"
	"github.com/go-go-golems/squish/pkg/dialog"
	"github.com/go-go-golems/squish/pkg/engine"
	"github.com/go-go-golems/squish/pkg/observer"
	"github.com/go-go-golems/squish/pkg/parser"
	"github.com/go-go-golems/squish/pkg/progress"
	"github.com/go-go-golems/squish/pkg/runner"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

type runOptions struct {
	Title       string
	Total       int
	Kind        string
	Dialog      string
	Program     string
	FifoDir     string
	Grace       time.Duration
	Poll        time.Duration
	BarWidth    int
	TailLines   int
	StatusLines bool
	Console     bool
	EventsFile  string
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Run a command and mirror its progress output in a dialog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			s, err = applyRunFlags(cmd.Flags(), s, opts)
			if err != nil {
				return err
			}
			err = runWrapped(cmd, s, opts, args)
			printResult(cmd.ErrOrStderr(), args, err)
			if err != nil {
				return &ExitError{Code: exitCodeFor(err), Err: err}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Title, "title", "Squish", "Dialog title")
	cmd.Flags().IntVar(&opts.Total, "total", 0, "Known number of items (0 = unknown)")
	cmd.Flags().StringVar(&opts.Kind, "kind", progress.KindBuild.String(), "Operation kind reported to observers (build|extract|checksum|mount|unmount|list)")
	cmd.Flags().StringVar(&opts.Dialog, "dialog", "", fmt.Sprintf("Dialog backend %v", dialog.Backends))
	cmd.Flags().StringVar(&opts.Program, "program", "", "Dialog program and arguments, space separated (default zenity)")
	cmd.Flags().StringVar(&opts.FifoDir, "fifo-dir", "", "Directory for the progress FIFO")
	cmd.Flags().DurationVar(&opts.Grace, "grace", 0, "Time a process gets to exit before it is killed")
	cmd.Flags().DurationVar(&opts.Poll, "poll", 0, "Dialog liveness poll interval")
	cmd.Flags().IntVar(&opts.BarWidth, "bar-width", 0, "Width of textual progress bars in the command output")
	cmd.Flags().IntVar(&opts.TailLines, "stderr-tail", 0, "Stderr lines kept for error reports")
	cmd.Flags().BoolVar(&opts.StatusLines, "status-lines", false, "Forward item counts to the dialog as status text")
	cmd.Flags().BoolVar(&opts.Console, "console", false, "Also draw a progress bar on stderr")
	cmd.Flags().StringVar(&opts.EventsFile, "events-file", "", "Append progress envelopes as NDJSON to this file")
	return cmd
}

// applyRunFlags overlays the flags the user actually set.
func applyRunFlags(f *pflag.FlagSet, s config.Settings, opts runOptions) (config.Settings, error) {
	if f.Changed("dialog") {
		s.Dialog = opts.Dialog
	}
	if f.Changed("program") {
		s.Program = strings.Fields(opts.Program)
	}
	if f.Changed("fifo-dir") {
		s.FifoDir = opts.FifoDir
	}
	if f.Changed("grace") {
		s.GraceTimeout = opts.Grace
	}
	if f.Changed("poll") {
		s.PollInterval = opts.Poll
	}
	if f.Changed("bar-width") {
		s.BarWidth = opts.BarWidth
	}
	if f.Changed("stderr-tail") {
		s.StderrTailLines = opts.TailLines
	}
	if err := s.Validate(); err != nil {
		return s, errors.Wrap(err, "flags")
	}
	return s, nil
}

func runWrapped(cmd *cobra.Command, s config.Settings, opts runOptions, argv []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.Logger
	r := runner.NewExec(logger)
	handler, err := dialog.New(dialog.Settings{
		Backend: s.Dialog,
		Program: s.Program,
		FifoDir: s.FifoDir,
		Runner:  r,
		Logger:  logger,
		Input:   cmd.InOrStdin(),
		Output:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}

	subject := observer.NewSubject(observer.WithSource("squish"))
	if err := subject.Attach(observer.NewLogObserver(logger)); err != nil {
		return err
	}
	if opts.Console {
		console := observer.NewConsoleObserver(cmd.ErrOrStderr(), 30)
		if err := subject.Attach(observer.NewFilter(console, 1, 100*time.Millisecond)); err != nil {
			return err
		}
	}

	svc := engine.New(handler, r, parser.New(parser.Options{BarWidth: s.BarWidth}),
		engine.WithLogger(logger),
		engine.WithSubject(subject),
		engine.WithGraceTimeout(s.GraceTimeout),
		engine.WithPollInterval(s.PollInterval),
		engine.WithKind(progress.ParseKind(opts.Kind)),
		engine.WithStderrTailLines(s.StderrTailLines),
		engine.WithStatusLines(opts.StatusLines),
	)

	if opts.EventsFile == "" {
		return svc.Run(ctx, argv, opts.Title, opts.Total)
	}
	return runWithEventsFile(ctx, svc, subject, opts, argv)
}

// runWithEventsFile publishes every observer callback on an in-memory bus
// whose only consumer appends the envelopes to opts.EventsFile.
func runWithEventsFile(ctx context.Context, svc *engine.Service, subject *observer.Subject, opts runOptions, argv []string) error {
	f, err := os.OpenFile(opts.EventsFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open events file")
	}
	defer func() { _ = f.Close() }()

	bus, err := observer.NewInMemoryBus(observer.WithAckedPublish())
	if err != nil {
		return err
	}
	bus.AddHandler("events-file", observer.TopicProgress, func(msg *message.Message) error {
		if _, err := f.Write(append(msg.Payload, '\n')); err != nil {
			return errors.Wrap(err, "write events file")
		}
		return nil
	})
	if err := subject.Attach(observer.NewBusObserver(bus.Publisher, observer.TopicProgress)); err != nil {
		return err
	}

	// The bus outlives a cancelled run so the cancellation envelope is written.
	busCtx, stopBus := context.WithCancel(context.Background())
	defer stopBus()

	var runErr error
	var eg errgroup.Group
	eg.Go(func() error {
		err := bus.Run(busCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		defer stopBus()
		select {
		case <-bus.Running():
		case <-busCtx.Done():
			return errors.New("event bus stopped before the run started")
		}
		runErr = svc.Run(ctx, argv, opts.Title, opts.Total)
		return nil
	})
	if err := eg.Wait(); err != nil {
		return errors.Wrap(err, "event bus")
	}
	return runErr
}

// ExitError is returned once the outcome has been printed; main only sets
// the exit status from it.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// exitCodeFor passes a failed command's status through; a cancelled run
// exits like an interrupted shell command.
func exitCodeFor(err error) int {
	var cmdErr *engine.CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode > 0 {
		return cmdErr.ExitCode
	}
	if errors.Is(err, engine.ErrCancelled) {
		return 130
	}
	return 1
}

func printResult(w io.Writer, argv []string, err error) {
	name := runner.CommandLine(argv)
	ok := color.New(color.FgGreen, color.Bold).SprintFunc()
	warn := color.New(color.FgYellow, color.Bold).SprintFunc()
	bad := color.New(color.FgRed, color.Bold).SprintFunc()

	var cmdErr *engine.CommandError
	var cancelled *engine.CancelledError
	switch {
	case err == nil:
		_, _ = fmt.Fprintf(w, "%s %s\n", ok("done"), name)
	case errors.As(err, &cancelled):
		_, _ = fmt.Fprintf(w, "%s %s (%s)\n", warn("cancelled"), name, cancelled.Reason)
	case errors.As(err, &cmdErr):
		_, _ = fmt.Fprintf(w, "%s %s exited with code %d\n", bad("failed"), name, cmdErr.ExitCode)
		for _, l := range cmdErr.StderrTail {
			_, _ = fmt.Fprintf(w, "  %s\n", l)
		}
	default:
		_, _ = fmt.Fprintf(w, "%s %s: %v\n", bad("error"), name, err)
	}
}
