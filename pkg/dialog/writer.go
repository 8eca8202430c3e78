package dialog

import (
	"bufio"
	"io"

	"github.com/rs/zerolog"
)

type openWriterFunc func() (io.WriteCloser, error)

// runWriter is the only goroutine that touches the dialog's input. It opens
// the sink lazily, renders each command as a protocol line and exits on the
// first terminal command, the first write error, when the channel closes or
// when the dialog itself exits.
func runWriter(logger zerolog.Logger, ch *Channel, exited <-chan struct{}, open openWriterFunc, cleanup func()) {
	defer ch.Finish()
	if cleanup != nil {
		defer cleanup()
	}

	w, err := open()
	if err != nil {
		logger.Debug().Err(err).Msg("dialog input not opened")
		return
	}
	defer func() { _ = w.Close() }()

	bw := bufio.NewWriter(w)
	for {
		var cmd Command
		var ok bool
		select {
		case cmd, ok = <-ch.Commands():
			if !ok {
				return
			}
		case <-exited:
			logger.Debug().Msg("dialog exited, writer stopping")
			return
		}
		if line := cmd.Line(); line != "" {
			if _, err := bw.WriteString(line); err != nil {
				logger.Debug().Err(err).Str("command", cmd.String()).Msg("dialog write failed")
				return
			}
			if err := bw.Flush(); err != nil {
				logger.Debug().Err(err).Str("command", cmd.String()).Msg("dialog write failed")
				return
			}
		}
		if cmd.Terminal() {
			return
		}
	}
}

// drain discards a dialog's own output so it never blocks on a full pipe.
func drain(logger zerolog.Logger, stream string, r io.Reader) {
	if r == nil {
		return
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		logger.Debug().Str("stream", stream).Str("line", sc.Text()).Msg("dialog output")
	}
}
