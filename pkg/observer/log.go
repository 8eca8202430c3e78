package observer

import (
	"github.com/go-go-golems/squish/pkg/progress"
	"github.com/rs/zerolog"
)

// LogObserver writes every callback to a zerolog logger.
type LogObserver struct {
	logger zerolog.Logger
}

var (
	_ Observer      = (*LogObserver)(nil)
	_ EventObserver = (*LogObserver)(nil)
)

func NewLogObserver(logger zerolog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (l *LogObserver) snapshot(ev *zerolog.Event, s progress.Snapshot) *zerolog.Event {
	ev = ev.
		Str("kind", s.Kind.String()).
		Str("state", s.State.String()).
		Float64("percentage", s.Percentage).
		Dur("elapsed", s.Elapsed)
	if s.Total > 0 {
		ev = ev.Int("current", s.Current).Int("total", s.Total)
	}
	if s.EstimatedRemaining != nil {
		ev = ev.Dur("eta", *s.EstimatedRemaining)
	}
	if s.Speed != nil {
		ev = ev.Float64("speed", *s.Speed)
	}
	if s.Message != "" {
		ev = ev.Str("message", s.Message)
	}
	return ev
}

func (l *LogObserver) OnProgress(s progress.Snapshot) error {
	l.snapshot(l.logger.Debug(), s).Msg("progress")
	return nil
}

func (l *LogObserver) OnCompletion(s progress.Snapshot, success bool) error {
	ev := l.logger.Info()
	if !success {
		ev = l.logger.Warn()
	}
	l.snapshot(ev, s).Bool("success", success).Msg("operation finished")
	return nil
}

func (l *LogObserver) OnCancellation(s progress.Snapshot) error {
	l.snapshot(l.logger.Warn(), s).Msg("operation cancelled")
	return nil
}

func (l *LogObserver) OnError(s progress.Snapshot, err error) error {
	l.snapshot(l.logger.Error(), s).Err(err).Msg("operation failed")
	return nil
}

func (l *LogObserver) OnEvent(e progress.Event) error {
	l.logger.Debug().
		Str("event", e.Type).
		Str("kind", e.Kind.String()).
		Str("source", e.Source).
		Fields(e.Data).
		Msg("operation event")
	return nil
}
