package progress

import (
	"time"
)

// Snapshot is an immutable point-in-time progress record. The With* helpers
// return modified copies; the receiver is never changed.
type Snapshot struct {
	Kind               Kind           `json:"kind"`
	State              State          `json:"state"`
	Percentage         float64        `json:"percentage"`
	Current            int            `json:"current"`
	Total              int            `json:"total"`
	Message            string         `json:"message,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
	Elapsed            time.Duration  `json:"elapsed"`
	EstimatedRemaining *time.Duration `json:"estimated_remaining,omitempty"`
	Speed              *float64       `json:"speed,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// NewSnapshot builds a normalized snapshot: percentage clamped to [0,100],
// counts clamped to >= 0 and current capped at total once total is known.
func NewSnapshot(kind Kind, state State, percentage float64, current, total int) Snapshot {
	s := Snapshot{
		Kind:      kind,
		State:     state,
		Timestamp: time.Now(),
		Metadata:  map[string]any{},
	}
	s.Percentage = ClampPercentage(percentage)
	s.Total, s.Current = clampCounts(current, total)
	return s
}

func ClampPercentage(p float64) float64 {
	if p != p { // NaN
		return 0
	}
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func clampCounts(current, total int) (int, int) {
	if total < 0 {
		total = 0
	}
	if current < 0 {
		current = 0
	}
	if total > 0 && current > total {
		current = total
	}
	return total, current
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Metadata = make(map[string]any, len(s.Metadata))
	for k, v := range s.Metadata {
		out.Metadata[k] = v
	}
	if s.EstimatedRemaining != nil {
		d := *s.EstimatedRemaining
		out.EstimatedRemaining = &d
	}
	if s.Speed != nil {
		v := *s.Speed
		out.Speed = &v
	}
	return out
}

func (s Snapshot) WithState(state State) Snapshot {
	out := s.clone()
	out.State = state
	out.Timestamp = time.Now()
	return out
}

func (s Snapshot) WithPercentage(p float64) Snapshot {
	out := s.clone()
	out.Percentage = ClampPercentage(p)
	return out
}

func (s Snapshot) WithCounts(current, total int) Snapshot {
	out := s.clone()
	out.Total, out.Current = clampCounts(current, total)
	return out
}

func (s Snapshot) WithMessage(msg string) Snapshot {
	out := s.clone()
	out.Message = msg
	return out
}

func (s Snapshot) WithTiming(elapsed time.Duration, remaining *time.Duration, speed *float64) Snapshot {
	out := s.clone()
	out.Elapsed = elapsed
	out.EstimatedRemaining = nil
	out.Speed = nil
	if remaining != nil {
		d := *remaining
		out.EstimatedRemaining = &d
	}
	if speed != nil {
		v := *speed
		out.Speed = &v
	}
	return out
}

func (s Snapshot) WithMetadata(key string, value any) Snapshot {
	out := s.clone()
	out.Metadata[key] = value
	return out
}

func (s Snapshot) IsTerminal() bool { return s.State.Terminal() }
func (s Snapshot) IsActive() bool   { return s.State == StateInProgress }

// Ratio returns the percentage as a fraction in [0,1].
func (s Snapshot) Ratio() float64 {
	return ClampPercentage(s.Percentage) / 100
}
