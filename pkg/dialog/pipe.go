package dialog

import (
	"context"
	"io"
	"os"

	"github.com/go-go-golems/squish/pkg/runner"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type PipeOptions struct {
	Program []string
	Args    ArgsFunc
	Runner  runner.Runner
	Logger  zerolog.Logger
}

// Pipe feeds the dialog through an anonymous pipe on its stdin. Unlike Fifo
// nothing touches the filesystem.
type Pipe struct {
	opts PipeOptions
}

var (
	_ Handler       = (*Pipe)(nil)
	_ StatusUpdater = (*Pipe)(nil)
)

func NewPipe(opts PipeOptions) *Pipe {
	if len(opts.Program) == 0 {
		opts.Program = []string{"zenity"}
	}
	if opts.Args == nil {
		opts.Args = ZenityArgs
	}
	return &Pipe{opts: opts}
}

func (h *Pipe) Start(ctx context.Context, title string, total int) (Process, *Channel, error) {
	if h.opts.Runner == nil {
		return nil, nil, errors.New("pipe dialog: no runner")
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, errors.Wrap(err, "dialog pipe")
	}
	argv := append(append([]string{}, h.opts.Program...), h.opts.Args(title, total)...)
	proc, err := h.opts.Runner.Start(ctx, argv, runner.WithStdin(r))
	_ = r.Close()
	if err != nil {
		_ = w.Close()
		return nil, nil, errors.Wrap(err, "start dialog")
	}
	log := h.opts.Logger.With().Int("dialog_pid", proc.Pid()).Logger()
	log.Debug().Str("command", runner.CommandLine(argv)).Msg("dialog started")

	go drain(log, "stdout", proc.Stdout())
	go drain(log, "stderr", proc.Stderr())
	go func() {
		<-proc.Done()
		_ = proc.Close()
	}()

	ch := NewChannel(0)
	go runWriter(log, ch, proc.Done(), func() (io.WriteCloser, error) { return w, nil }, nil)
	return proc, ch, nil
}

func (h *Pipe) Update(ch *Channel, percentage int) { ch.Send(SetPercentage(percentage)) }
func (h *Pipe) Status(ch *Channel, text string)    { ch.Send(SetStatus(text)) }
func (h *Pipe) Cancel(ch *Channel)                 { ch.Send(Cancel()) }
func (h *Pipe) Complete(ch *Channel)               { ch.Send(Complete()) }
