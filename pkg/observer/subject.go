package observer

import (
	"sync"
	"time"

	"github.com/go-go-golems/squish/pkg/progress"
)

// Subject keeps an ordered set of observers and tracks the timing of the
// operation it reports on.
type Subject struct {
	mu        sync.Mutex
	observers []Observer
	kind      progress.Kind
	started   time.Time
	last      *progress.Snapshot
	now       func() time.Time
	source    string
}

type SubjectOption func(*Subject)

// WithClock replaces time.Now for elapsed and ETA computations.
func WithClock(now func() time.Time) SubjectOption {
	return func(s *Subject) { s.now = now }
}

// WithSource names the component that emits lifecycle events.
func WithSource(source string) SubjectOption {
	return func(s *Subject) { s.source = source }
}

func NewSubject(opts ...SubjectOption) *Subject {
	s := &Subject{now: time.Now, source: "squish"}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Subject) Attach(o Observer) error {
	if o == nil {
		return &RegistrationError{Observer: describe(o), Err: ErrNilObserver}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.observers {
		if same(existing, o) {
			return &RegistrationError{Observer: describe(o), Err: ErrAlreadyAttached}
		}
	}
	s.observers = append(s.observers, o)
	return nil
}

// Detach removes o; unknown observers are ignored.
func (s *Subject) Detach(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.observers {
		if same(existing, o) {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			return
		}
	}
}

func (s *Subject) DetachAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = nil
}

func (s *Subject) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

func (s *Subject) snapshotObservers() []Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Observer(nil), s.observers...)
}

// Last returns the most recent progress snapshot, if any.
func (s *Subject) Last() (progress.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return progress.Snapshot{}, false
	}
	return *s.last, true
}

// notify calls fn for every observer in order and stops at the first error.
func notify(op string, observers []Observer, fn func(Observer) error) error {
	for _, o := range observers {
		if err := fn(o); err != nil {
			return &NotificationError{Observer: describe(o), Op: op, Err: err}
		}
	}
	return nil
}

func (s *Subject) NotifyProgress(snap progress.Snapshot) error {
	s.mu.Lock()
	last := snap
	s.last = &last
	s.mu.Unlock()
	return notify("progress", s.snapshotObservers(), func(o Observer) error {
		return o.OnProgress(snap)
	})
}

func (s *Subject) NotifyCompletion(success bool) error {
	var snap progress.Snapshot
	if last, ok := s.Last(); ok {
		if success {
			snap = last.WithState(progress.StateCompleted).WithPercentage(100)
		} else {
			snap = last.WithState(progress.StateFailed)
		}
	} else if success {
		snap = progress.NewSnapshot(s.currentKind(), progress.StateCompleted, 100, 0, 0)
	} else {
		snap = progress.NewSnapshot(s.currentKind(), progress.StateFailed, 0, 0, 0)
	}
	return notify("completion", s.snapshotObservers(), func(o Observer) error {
		return o.OnCompletion(snap, success)
	})
}

func (s *Subject) NotifyCancellation() error {
	var snap progress.Snapshot
	if last, ok := s.Last(); ok {
		snap = last.WithState(progress.StateCancelled)
	} else {
		snap = progress.NewSnapshot(s.currentKind(), progress.StateCancelled, 0, 0, 0)
	}
	return notify("cancellation", s.snapshotObservers(), func(o Observer) error {
		return o.OnCancellation(snap)
	})
}

func (s *Subject) NotifyError(err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	var snap progress.Snapshot
	if last, ok := s.Last(); ok {
		snap = last.WithState(progress.StateFailed).WithMessage(msg)
	} else {
		snap = progress.NewSnapshot(s.currentKind(), progress.StateFailed, 0, 0, 0).WithMessage(msg)
	}
	return notify("error", s.snapshotObservers(), func(o Observer) error {
		return o.OnError(snap, err)
	})
}

// NotifyEvent delivers e to every EventObserver; failures are ignored so one
// broken listener cannot hide the event from the rest.
func (s *Subject) NotifyEvent(e progress.Event) {
	for _, o := range s.snapshotObservers() {
		if eo, ok := o.(EventObserver); ok {
			_ = eo.OnEvent(e)
		}
	}
}

func (s *Subject) currentKind() progress.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// StartOperation resets timing and emits an operation_start event.
func (s *Subject) StartOperation(kind progress.Kind) {
	s.mu.Lock()
	s.kind = kind
	s.started = s.now()
	s.last = nil
	started := s.started
	source := s.source
	s.mu.Unlock()
	s.NotifyEvent(progress.NewEvent(progress.EventOperationStart, kind, source, map[string]any{
		"timestamp": started,
	}))
}

// UpdateProgress builds a snapshot with elapsed time, ETA and speed and
// notifies observers with it.
func (s *Subject) UpdateProgress(kind progress.Kind, percentage float64, current, total int, message string) (progress.Snapshot, error) {
	s.mu.Lock()
	now := s.now()
	if s.started.IsZero() {
		s.started = now
	}
	s.kind = kind
	elapsed := now.Sub(s.started)
	s.mu.Unlock()

	snap := progress.NewSnapshot(kind, progress.StateInProgress, percentage, current, total).
		WithMessage(message)
	snap.Timestamp = now

	var remaining *time.Duration
	if snap.Percentage > 0 {
		perPercent := float64(elapsed) / snap.Percentage
		d := time.Duration(perPercent * (100 - snap.Percentage))
		remaining = &d
	}
	var speed *float64
	if snap.Total > 0 && elapsed > 0 {
		v := float64(snap.Current) / elapsed.Seconds()
		speed = &v
	}
	snap = snap.WithTiming(elapsed, remaining, speed)
	return snap, s.NotifyProgress(snap)
}

func (s *Subject) CompleteOperation(success bool) error {
	defer s.resetTiming()
	return s.NotifyCompletion(success)
}

func (s *Subject) CancelOperation() error {
	defer s.resetTiming()
	return s.NotifyCancellation()
}

func (s *Subject) ReportError(err error) error {
	defer s.resetTiming()
	return s.NotifyError(err)
}

func (s *Subject) resetTiming() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = time.Time{}
}
