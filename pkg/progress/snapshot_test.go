package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewSnapshot_ClampsValues(t *testing.T) {
	s := NewSnapshot(KindBuild, StateInProgress, 140, 12, 10)
	require.Equal(t, 100.0, s.Percentage)
	require.Equal(t, 10, s.Current)
	require.Equal(t, 10, s.Total)

	s = NewSnapshot(KindBuild, StateInProgress, -3, -1, -1)
	require.Equal(t, 0.0, s.Percentage)
	require.Equal(t, 0, s.Current)
	require.Equal(t, 0, s.Total)
}

func TestSnapshot_WithHelpersDoNotMutate(t *testing.T) {
	base := NewSnapshot(KindExtract, StateInProgress, 10, 1, 10).WithMetadata("a", 1)

	next := base.WithPercentage(50).WithState(StateCompleted).WithMetadata("b", 2)

	require.Equal(t, 10.0, base.Percentage)
	require.Equal(t, StateInProgress, base.State)
	require.NotContains(t, base.Metadata, "b")
	require.Equal(t, 50.0, next.Percentage)
	require.True(t, next.IsTerminal())
	require.Equal(t, 1, next.Metadata["a"])
}

func TestSnapshot_WithTimingCopiesPointers(t *testing.T) {
	d := 3 * time.Second
	sp := 2.5
	s := NewSnapshot(KindBuild, StateInProgress, 10, 0, 0).WithTiming(time.Second, &d, &sp)
	d = 0
	sp = 0
	require.Equal(t, 3*time.Second, *s.EstimatedRemaining)
	require.Equal(t, 2.5, *s.Speed)
}

func TestState_Terminal(t *testing.T) {
	require.False(t, StateNotStarted.Terminal())
	require.False(t, StateInProgress.Terminal())
	require.False(t, StatePaused.Terminal())
	require.True(t, StateCompleted.Terminal())
	require.True(t, StateCancelled.Terminal())
	require.True(t, StateFailed.Terminal())
}

func TestParseKind(t *testing.T) {
	require.Equal(t, KindBuild, ParseKind("Build"))
	require.Equal(t, KindExtract, ParseKind(" extract "))
	require.Equal(t, KindUnknown, ParseKind("bogus"))
	require.Equal(t, "checksum", KindChecksum.String())
}
