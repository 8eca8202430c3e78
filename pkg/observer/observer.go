// Package observer fans progress snapshots and lifecycle events out to any
// number of sinks.
package observer

import (
	"fmt"
	"reflect"

	"github.com/go-go-golems/squish/pkg/progress"
	"github.com/pkg/errors"
)

type Observer interface {
	OnProgress(s progress.Snapshot) error
	OnCompletion(s progress.Snapshot, success bool) error
	OnCancellation(s progress.Snapshot) error
	OnError(s progress.Snapshot, err error) error
}

// EventObserver is implemented by observers that also want lifecycle events.
type EventObserver interface {
	OnEvent(e progress.Event) error
}

var (
	ErrAlreadyAttached = errors.New("observer already attached")
	ErrNilObserver     = errors.New("nil observer")
	ErrNotification    = errors.New("observer notification failed")
)

type RegistrationError struct {
	Observer string
	Err      error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register observer %s: %v", e.Observer, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// NotificationError wraps the first observer failure of a notification round.
type NotificationError struct {
	Observer string
	Op       string
	Err      error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notify %s observer %s: %v", e.Op, e.Observer, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

func (e *NotificationError) Is(target error) bool { return target == ErrNotification }

func describe(o any) string {
	if o == nil {
		return "<nil>"
	}
	if s, ok := o.(fmt.Stringer); ok {
		return s.String()
	}
	return reflect.TypeOf(o).String()
}

// same reports identity for observers whose dynamic type can be compared.
// Non-comparable values (func-backed structs, maps) are never equal.
func same(a, b Observer) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || ta == nil || !ta.Comparable() {
		return false
	}
	return a == b
}
