package progress

import (
	"strings"
	"time"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindBuild
	KindExtract
	KindChecksum
	KindMount
	KindUnmount
	KindList
)

var kindNames = map[Kind]string{
	KindUnknown:  "unknown",
	KindBuild:    "build",
	KindExtract:  "extract",
	KindChecksum: "checksum",
	KindMount:    "mount",
	KindUnmount:  "unmount",
	KindList:     "list",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseKind maps a name such as "build" to its Kind. Unrecognised names map to KindUnknown.
func ParseKind(s string) Kind {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

type State int

const (
	StateNotStarted State = iota
	StateInProgress
	StatePaused
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateInProgress:
		return "in_progress"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can follow this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

const (
	EventOperationStart     = "operation_start"
	EventOperationComplete  = "operation_complete"
	EventOperationCancelled = "operation_cancelled"
	EventOperationError     = "operation_error"
	EventDialogStarted      = "dialog_started"
	EventChildStarted       = "child_started"
)

// Event is a coarse lifecycle signal, distinct from percentage snapshots.
type Event struct {
	Type      string         `json:"type"`
	Kind      Kind           `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Source    string         `json:"source,omitempty"`
}

func NewEvent(typ string, kind Kind, source string, data map[string]any) Event {
	if source == "" {
		source = "unknown"
	}
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		Type:      typ,
		Kind:      kind,
		Timestamp: time.Now(),
		Data:      data,
		Source:    source,
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	*k = ParseKind(string(b))
	return nil
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ParseState is the inverse of State.String. Unrecognised names map to StateNotStarted.
func ParseState(s string) State {
	s = strings.ToLower(strings.TrimSpace(s))
	for st := StateNotStarted; st <= StateFailed; st++ {
		if st.String() == s {
			return st
		}
	}
	return StateNotStarted
}

func (s *State) UnmarshalText(b []byte) error {
	*s = ParseState(string(b))
	return nil
}
