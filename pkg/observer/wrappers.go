package observer

import (
	"math"
	"sync"
	"time"

	"github.com/go-go-golems/squish/pkg/progress"
)

// Composite forwards every call to its children in order, stopping at the
// first error.
type Composite struct {
	mu        sync.Mutex
	observers []Observer
}

var (
	_ Observer      = (*Composite)(nil)
	_ EventObserver = (*Composite)(nil)
)

func NewComposite(observers ...Observer) *Composite {
	c := &Composite{}
	for _, o := range observers {
		c.Add(o)
	}
	return c
}

func (c *Composite) Add(o Observer) {
	if o == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

func (c *Composite) Remove(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.observers {
		if same(existing, o) {
			c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
			return
		}
	}
}

func (c *Composite) children() []Observer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Observer(nil), c.observers...)
}

func (c *Composite) OnProgress(s progress.Snapshot) error {
	for _, o := range c.children() {
		if err := o.OnProgress(s); err != nil {
			return err
		}
	}
	return nil
}

func (c *Composite) OnCompletion(s progress.Snapshot, success bool) error {
	for _, o := range c.children() {
		if err := o.OnCompletion(s, success); err != nil {
			return err
		}
	}
	return nil
}

func (c *Composite) OnCancellation(s progress.Snapshot) error {
	for _, o := range c.children() {
		if err := o.OnCancellation(s); err != nil {
			return err
		}
	}
	return nil
}

func (c *Composite) OnError(s progress.Snapshot, err error) error {
	for _, o := range c.children() {
		if oerr := o.OnError(s, err); oerr != nil {
			return oerr
		}
	}
	return nil
}

func (c *Composite) OnEvent(e progress.Event) error {
	for _, o := range c.children() {
		if eo, ok := o.(EventObserver); ok {
			if err := eo.OnEvent(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// Filter rate-limits progress updates to its delegate. Completion,
// cancellation, errors and events always pass.
type Filter struct {
	delegate    Observer
	minDelta    float64
	minInterval time.Duration
	now         func() time.Time

	mu       sync.Mutex
	lastPct  float64
	lastTime time.Time
}

var (
	_ Observer      = (*Filter)(nil)
	_ EventObserver = (*Filter)(nil)
)

type FilterOption func(*Filter)

func WithFilterClock(now func() time.Time) FilterOption {
	return func(f *Filter) { f.now = now }
}

// NewFilter forwards a progress update only when it moved at least minDelta
// percentage points and minInterval has passed since the last forwarded one.
func NewFilter(delegate Observer, minDelta float64, minInterval time.Duration, opts ...FilterOption) *Filter {
	f := &Filter{
		delegate:    delegate,
		minDelta:    minDelta,
		minInterval: minInterval,
		now:         time.Now,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Filter) OnProgress(s progress.Snapshot) error {
	f.mu.Lock()
	now := f.now()
	pass := math.Abs(s.Percentage-f.lastPct) >= f.minDelta &&
		(f.lastTime.IsZero() || now.Sub(f.lastTime) >= f.minInterval)
	if pass {
		f.lastPct = s.Percentage
		f.lastTime = now
	}
	f.mu.Unlock()
	if !pass {
		return nil
	}
	return f.delegate.OnProgress(s)
}

func (f *Filter) OnCompletion(s progress.Snapshot, success bool) error {
	return f.delegate.OnCompletion(s, success)
}

func (f *Filter) OnCancellation(s progress.Snapshot) error {
	return f.delegate.OnCancellation(s)
}

func (f *Filter) OnError(s progress.Snapshot, err error) error {
	return f.delegate.OnError(s, err)
}

func (f *Filter) OnEvent(e progress.Event) error {
	if eo, ok := f.delegate.(EventObserver); ok {
		return eo.OnEvent(e)
	}
	return nil
}

// Phase names the callback an adapted update came from.
type Phase string

const (
	PhaseProgress     Phase = "progress"
	PhaseCompletion   Phase = "completion"
	PhaseCancellation Phase = "cancellation"
	PhaseError        Phase = "error"
)

// Adapted is what Adapter targets receive.
type Adapted[T any] struct {
	Phase   Phase
	Value   T
	Success bool
	Err     error
}

// Adapter maps snapshots into a caller-defined shape for external targets.
type Adapter[T any] struct {
	mapFn func(progress.Snapshot) T

	mu      sync.Mutex
	targets []func(Adapted[T])
}

func NewAdapter[T any](mapFn func(progress.Snapshot) T) *Adapter[T] {
	return &Adapter[T]{mapFn: mapFn}
}

func (a *Adapter[T]) AddTarget(fn func(Adapted[T])) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.targets = append(a.targets, fn)
}

func (a *Adapter[T]) emit(u Adapted[T]) {
	a.mu.Lock()
	targets := append([]func(Adapted[T]){}, a.targets...)
	a.mu.Unlock()
	for _, t := range targets {
		t(u)
	}
}

func (a *Adapter[T]) OnProgress(s progress.Snapshot) error {
	a.emit(Adapted[T]{Phase: PhaseProgress, Value: a.mapFn(s)})
	return nil
}

func (a *Adapter[T]) OnCompletion(s progress.Snapshot, success bool) error {
	a.emit(Adapted[T]{Phase: PhaseCompletion, Value: a.mapFn(s), Success: success})
	return nil
}

func (a *Adapter[T]) OnCancellation(s progress.Snapshot) error {
	a.emit(Adapted[T]{Phase: PhaseCancellation, Value: a.mapFn(s)})
	return nil
}

func (a *Adapter[T]) OnError(s progress.Snapshot, err error) error {
	a.emit(Adapted[T]{Phase: PhaseError, Value: a.mapFn(s), Err: err})
	return nil
}

type Null struct{}

var _ Observer = Null{}

func (Null) OnProgress(progress.Snapshot) error         { return nil }
func (Null) OnCompletion(progress.Snapshot, bool) error { return nil }
func (Null) OnCancellation(progress.Snapshot) error     { return nil }
func (Null) OnError(progress.Snapshot, error) error     { return nil }
