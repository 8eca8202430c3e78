package dialog

import (
	"io"
	"os"
	"time"

	"github.com/go-go-golems/squish/pkg/runner"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	BackendFifo     = "fifo"
	BackendStdin    = "stdin"
	BackendTerminal = "tui"
	BackendNone     = "none"
)

var Backends = []string{BackendFifo, BackendStdin, BackendTerminal, BackendNone}

type Settings struct {
	Backend string
	Program []string
	FifoDir string
	Runner  runner.Runner
	Logger  zerolog.Logger
	Input   io.Reader
	Output  io.Writer
}

// New builds the handler named by s.Backend; an empty backend means fifo.
func New(s Settings) (Handler, error) {
	log := s.Logger.With().Str("dialog", s.Backend).Logger()
	switch s.Backend {
	case "", BackendFifo:
		return NewFifo(FifoOptions{
			Program: s.Program,
			Dir:     s.FifoDir,
			Runner:  s.Runner,
			Logger:  log,
		}), nil
	case BackendStdin:
		return NewPipe(PipeOptions{
			Program: s.Program,
			Runner:  s.Runner,
			Logger:  log,
		}), nil
	case BackendTerminal:
		out := s.Output
		if out == nil {
			out = os.Stderr
		}
		return NewTerminal(TerminalOptions{
			Input:      s.Input,
			Output:     out,
			Logger:     log,
			CloseDelay: 300 * time.Millisecond,
		}), nil
	case BackendNone:
		return NewNoop(), nil
	default:
		return nil, errors.Errorf("unknown dialog backend %q (want one of %v)", s.Backend, Backends)
	}
}
