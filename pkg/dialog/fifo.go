package dialog

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/squish/pkg/runner"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// FifoPlaceholder in a dialog argv is replaced by the FIFO path. When present
// the dialog opens the FIFO itself instead of reading it on stdin.
const FifoPlaceholder = "{fifo}"

// ErrDialogGone is returned when the dialog exits before its input is opened.
var ErrDialogGone = errors.New("dialog exited before reading its input")

// ArgsFunc builds the dialog's arguments for a run.
type ArgsFunc func(title string, total int) []string

// ZenityArgs asks zenity (or yad) for a progress window that reads
// percentages and '#status' lines on stdin.
func ZenityArgs(title string, total int) []string {
	text := title
	if total > 0 {
		text = fmt.Sprintf("%s (%d items)", title, total)
	}
	return []string{
		"--progress",
		"--title=" + title,
		"--text=" + text,
		"--percentage=0",
		"--auto-close",
	}
}

type FifoOptions struct {
	// Program is the dialog command; defaults to zenity.
	Program []string
	Args    ArgsFunc
	// Dir holds the FIFO; defaults to os.TempDir().
	Dir    string
	Runner runner.Runner
	// Mkfifo defaults to unix.Mkfifo.
	Mkfifo func(path string, mode uint32) error
	Logger zerolog.Logger
	// OpenPoll is how often the writer retries opening the FIFO while no
	// reader is attached.
	OpenPoll time.Duration
}

// Fifo feeds a dialog process through a named pipe. The pipe is created
// before anything is spawned so a failure leaves nothing behind.
type Fifo struct {
	opts FifoOptions
}

var (
	_ Handler       = (*Fifo)(nil)
	_ StatusUpdater = (*Fifo)(nil)
)

func NewFifo(opts FifoOptions) *Fifo {
	if len(opts.Program) == 0 {
		opts.Program = []string{"zenity"}
	}
	if opts.Args == nil {
		opts.Args = ZenityArgs
	}
	if opts.Dir == "" {
		opts.Dir = os.TempDir()
	}
	if opts.Mkfifo == nil {
		opts.Mkfifo = unix.Mkfifo
	}
	if opts.OpenPoll <= 0 {
		opts.OpenPoll = 20 * time.Millisecond
	}
	return &Fifo{opts: opts}
}

func (h *Fifo) Start(ctx context.Context, title string, total int) (Process, *Channel, error) {
	if h.opts.Runner == nil {
		return nil, nil, errors.New("fifo dialog: no runner")
	}
	path := filepath.Join(h.opts.Dir, "squish-progress-"+uuid.NewString()+".fifo")
	if err := h.opts.Mkfifo(path, 0o600); err != nil {
		return nil, nil, errors.Wrapf(err, "create fifo %s", path)
	}
	log := h.opts.Logger.With().Str("fifo", path).Logger()

	argv, viaPath := substituteFifo(append(append([]string{}, h.opts.Program...), h.opts.Args(title, total)...), path)

	var startOpts []runner.Option
	var stdin *os.File
	if !viaPath {
		f, err := openFifoReader(path)
		if err != nil {
			_ = os.Remove(path)
			return nil, nil, err
		}
		stdin = f
		startOpts = append(startOpts, runner.WithStdin(stdin))
	}

	proc, err := h.opts.Runner.Start(ctx, argv, startOpts...)
	if err != nil {
		if stdin != nil {
			_ = stdin.Close()
		}
		_ = os.Remove(path)
		return nil, nil, errors.Wrap(err, "start dialog")
	}

	// The write end is opened while our read copy still holds the FIFO
	// open, so the dialog never reads EOF before the first line.
	var writer *os.File
	if stdin != nil {
		writer, err = openFifoWriterNow(path)
		_ = stdin.Close()
		if err != nil {
			_ = proc.Kill()
			_ = os.Remove(path)
			return nil, nil, err
		}
	}
	log.Debug().Str("command", runner.CommandLine(argv)).Int("pid", proc.Pid()).Msg("dialog started")

	go drain(log, "stdout", proc.Stdout())
	go drain(log, "stderr", proc.Stderr())
	go func() {
		<-proc.Done()
		_ = proc.Close()
	}()

	ch := NewChannel(0)
	open := func() (io.WriteCloser, error) {
		if writer != nil {
			return writer, nil
		}
		return openFifoWriter(path, proc.Done(), h.opts.OpenPoll)
	}
	go runWriter(log, ch, proc.Done(), open, func() { _ = os.Remove(path) })
	return proc, ch, nil
}

func (h *Fifo) Update(ch *Channel, percentage int) { ch.Send(SetPercentage(percentage)) }
func (h *Fifo) Status(ch *Channel, text string)    { ch.Send(SetStatus(text)) }
func (h *Fifo) Cancel(ch *Channel)                 { ch.Send(Cancel()) }
func (h *Fifo) Complete(ch *Channel)               { ch.Send(Complete()) }

func substituteFifo(argv []string, path string) ([]string, bool) {
	found := false
	for i, a := range argv {
		if strings.Contains(a, FifoPlaceholder) {
			argv[i] = strings.ReplaceAll(a, FifoPlaceholder, path)
			found = true
		}
	}
	return argv, found
}

// openFifoReader opens the read end without waiting for a writer and hands
// back a blocking descriptor suitable for a child's stdin.
func openFifoReader(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open fifo %s for reading", path)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "set fifo blocking")
	}
	return os.NewFile(uintptr(fd), path), nil
}

// openFifoWriterNow opens the write end of a FIFO that already has a reader.
func openFifoWriterNow(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open fifo %s for writing", path)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "set fifo blocking")
	}
	return os.NewFile(uintptr(fd), path), nil
}

// openFifoWriter polls until a reader has the FIFO open. A plain blocking
// open would hang forever if the dialog dies first.
func openFifoWriter(path string, abort <-chan struct{}, poll time.Duration) (*os.File, error) {
	for {
		f, err := openFifoWriterNow(path)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, unix.ENXIO) && !errors.Is(err, unix.EINTR) {
			return nil, err
		}
		select {
		case <-abort:
			return nil, ErrDialogGone
		case <-time.After(poll):
		}
	}
}
