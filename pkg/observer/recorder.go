package observer

import (
	"sync"

	"github.com/go-go-golems/squish/pkg/progress"
)

// Call is one recorded observer callback.
type Call struct {
	Phase    Phase
	Snapshot progress.Snapshot
	Success  bool
	Err      error
}

// Recorder keeps every callback it receives. Fail makes the named phase
// return an error, which is how tests exercise notification failures.
type Recorder struct {
	Name string

	mu     sync.Mutex
	calls  []Call
	events []progress.Event
	fail   map[Phase]error
}

var (
	_ Observer      = (*Recorder)(nil)
	_ EventObserver = (*Recorder)(nil)
)

func NewRecorder(name string) *Recorder {
	return &Recorder{Name: name, fail: map[Phase]error{}}
}

func (r *Recorder) String() string { return "recorder " + r.Name }

func (r *Recorder) Fail(phase Phase, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[phase] = err
}

func (r *Recorder) record(c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	return r.fail[c.Phase]
}

func (r *Recorder) OnProgress(s progress.Snapshot) error {
	return r.record(Call{Phase: PhaseProgress, Snapshot: s})
}

func (r *Recorder) OnCompletion(s progress.Snapshot, success bool) error {
	return r.record(Call{Phase: PhaseCompletion, Snapshot: s, Success: success})
}

func (r *Recorder) OnCancellation(s progress.Snapshot) error {
	return r.record(Call{Phase: PhaseCancellation, Snapshot: s})
}

func (r *Recorder) OnError(s progress.Snapshot, err error) error {
	return r.record(Call{Phase: PhaseError, Snapshot: s, Err: err})
}

func (r *Recorder) OnEvent(e progress.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.fail["event"]
}

func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Phases lists the phases of the recorded calls in order.
func (r *Recorder) Phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Phase, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.Phase)
	}
	return out
}

func (r *Recorder) Percentages() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []float64
	for _, c := range r.calls {
		if c.Phase == PhaseProgress {
			out = append(out, c.Snapshot.Percentage)
		}
	}
	return out
}

func (r *Recorder) Events() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

// EventTypes lists the types of the recorded events in order.
func (r *Recorder) EventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
