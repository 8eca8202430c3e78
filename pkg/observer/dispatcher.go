package observer

import (
	"sync"

	"github.com/go-go-golems/squish/pkg/progress"
)

// AnyEvent registers a listener for every event type.
const AnyEvent = "*"

type Listener func(progress.Event) error

type listenerEntry struct {
	id int
	fn Listener
}

// EventDispatcher routes lifecycle events by type. It is an Observer that
// ignores snapshots, so it can be attached to a Subject directly.
type EventDispatcher struct {
	Null

	mu        sync.Mutex
	nextID    int
	listeners map[string][]listenerEntry
}

var _ EventObserver = (*EventDispatcher)(nil)

func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{listeners: map[string][]listenerEntry{}}
}

// AddListener registers fn for eventType and returns a function that
// removes it again.
func (d *EventDispatcher) AddListener(eventType string, fn Listener) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.listeners[eventType] = append(d.listeners[eventType], listenerEntry{id: id, fn: fn})
	return func() { d.remove(eventType, id) }
}

func (d *EventDispatcher) remove(eventType string, id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.listeners[eventType]
	for i, e := range entries {
		if e.id == id {
			d.listeners[eventType] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Dispatch calls the listeners for e.Type, then the wildcard listeners.
// Listener errors are ignored.
func (d *EventDispatcher) Dispatch(e progress.Event) {
	d.mu.Lock()
	var targets []Listener
	for _, l := range d.listeners[e.Type] {
		targets = append(targets, l.fn)
	}
	if e.Type != AnyEvent {
		for _, l := range d.listeners[AnyEvent] {
			targets = append(targets, l.fn)
		}
	}
	d.mu.Unlock()
	for _, fn := range targets {
		_ = fn(e)
	}
}

func (d *EventDispatcher) OnEvent(e progress.Event) error {
	d.Dispatch(e)
	return nil
}

func (d *EventDispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = map[string][]listenerEntry{}
}
