package observer

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/go-go-golems/squish/pkg/progress"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func TestSubject_AttachRejectsDuplicates(t *testing.T) {
	s := NewSubject()
	r := NewRecorder("a")
	require.NoError(t, s.Attach(r))

	err := s.Attach(r)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrAlreadyAttached))
	var regErr *RegistrationError
	require.ErrorAs(t, err, &regErr)
	require.Equal(t, 1, s.Count())

	require.NoError(t, s.Attach(NewRecorder("a")))
	require.Equal(t, 2, s.Count())

	require.True(t, errors.Is(s.Attach(nil), ErrNilObserver))
}

func TestSubject_DetachUnknownIsNoop(t *testing.T) {
	s := NewSubject()
	a, b := NewRecorder("a"), NewRecorder("b")
	require.NoError(t, s.Attach(a))

	s.Detach(b)
	require.Equal(t, 1, s.Count())
	s.Detach(a)
	require.Equal(t, 0, s.Count())

	require.NoError(t, s.Attach(a))
	require.NoError(t, s.Attach(b))
	s.DetachAll()
	require.Equal(t, 0, s.Count())
}

func TestSubject_NotifyStopsAtFirstFailure(t *testing.T) {
	s := NewSubject()
	first, bad, last := NewRecorder("first"), NewRecorder("bad"), NewRecorder("last")
	bad.Fail(PhaseProgress, errors.New("boom"))
	for _, o := range []*Recorder{first, bad, last} {
		require.NoError(t, s.Attach(o))
	}

	err := s.NotifyProgress(progress.NewSnapshot(progress.KindBuild, progress.StateInProgress, 10, 0, 0))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNotification))
	var nerr *NotificationError
	require.ErrorAs(t, err, &nerr)
	require.Equal(t, "recorder bad", nerr.Observer)
	require.Equal(t, "progress", nerr.Op)

	require.Len(t, first.Calls(), 1)
	require.Len(t, bad.Calls(), 1)
	require.Empty(t, last.Calls())
}

func TestSubject_NotifyEventIgnoresFailures(t *testing.T) {
	s := NewSubject()
	bad, good := NewRecorder("bad"), NewRecorder("good")
	bad.Fail("event", errors.New("boom"))
	require.NoError(t, s.Attach(bad))
	require.NoError(t, s.Attach(Null{}))
	require.NoError(t, s.Attach(good))

	s.NotifyEvent(progress.NewEvent(progress.EventChildStarted, progress.KindBuild, "test", nil))
	require.Equal(t, []string{progress.EventChildStarted}, good.EventTypes())
}

func TestSubject_UpdateProgressComputesTiming(t *testing.T) {
	clk := newClock()
	s := NewSubject(WithClock(clk.Now))
	r := NewRecorder("r")
	require.NoError(t, s.Attach(r))

	s.StartOperation(progress.KindExtract)
	require.Equal(t, []string{progress.EventOperationStart}, r.EventTypes())

	clk.Advance(10 * time.Second)
	snap, err := s.UpdateProgress(progress.KindExtract, 25, 50, 200, "copying")
	require.NoError(t, err)
	require.Equal(t, progress.StateInProgress, snap.State)
	require.Equal(t, 10*time.Second, snap.Elapsed)
	require.NotNil(t, snap.EstimatedRemaining)
	require.Equal(t, 30*time.Second, *snap.EstimatedRemaining)
	require.NotNil(t, snap.Speed)
	require.InDelta(t, 5.0, *snap.Speed, 0.001)
	require.Equal(t, "copying", snap.Message)

	last, ok := s.Last()
	require.True(t, ok)
	require.Equal(t, 25.0, last.Percentage)
}

func TestSubject_LifecycleReusesLastSnapshot(t *testing.T) {
	s := NewSubject()
	r := NewRecorder("r")
	require.NoError(t, s.Attach(r))

	s.StartOperation(progress.KindBuild)
	_, err := s.UpdateProgress(progress.KindBuild, 40, 4, 10, "")
	require.NoError(t, err)
	require.NoError(t, s.CompleteOperation(true))

	calls := r.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, PhaseCompletion, calls[1].Phase)
	require.True(t, calls[1].Success)
	require.Equal(t, progress.StateCompleted, calls[1].Snapshot.State)
	require.Equal(t, 100.0, calls[1].Snapshot.Percentage)
	require.Equal(t, 4, calls[1].Snapshot.Current)

	require.NoError(t, s.CancelOperation())
	require.Equal(t, progress.StateCancelled, r.Calls()[2].Snapshot.State)
	require.Equal(t, 40.0, r.Calls()[2].Snapshot.Percentage)

	require.NoError(t, s.ReportError(errors.New("disk full")))
	errCall := r.Calls()[3]
	require.Equal(t, PhaseError, errCall.Phase)
	require.Equal(t, progress.StateFailed, errCall.Snapshot.State)
	require.Equal(t, "disk full", errCall.Snapshot.Message)
}

func TestSubject_CompletionWithoutProgress(t *testing.T) {
	s := NewSubject()
	r := NewRecorder("r")
	require.NoError(t, s.Attach(r))
	s.StartOperation(progress.KindChecksum)

	require.NoError(t, s.CompleteOperation(false))
	c := r.Calls()[0]
	require.False(t, c.Success)
	require.Equal(t, progress.StateFailed, c.Snapshot.State)
	require.Equal(t, progress.KindChecksum, c.Snapshot.Kind)
	require.Equal(t, 0.0, c.Snapshot.Percentage)
}

func TestComposite_DelegatesInOrder(t *testing.T) {
	a, b := NewRecorder("a"), NewRecorder("b")
	c := NewComposite(a, b)
	snap := progress.NewSnapshot(progress.KindBuild, progress.StateInProgress, 5, 0, 0)

	require.NoError(t, c.OnProgress(snap))
	require.NoError(t, c.OnEvent(progress.NewEvent("x", progress.KindBuild, "", nil)))
	require.Len(t, a.Calls(), 1)
	require.Len(t, b.Calls(), 1)
	require.Len(t, b.Events(), 1)

	c.Remove(a)
	require.NoError(t, c.OnCancellation(snap))
	require.Len(t, a.Calls(), 1)
	require.Len(t, b.Calls(), 2)

	b.Fail(PhaseError, errors.New("nope"))
	require.Error(t, c.OnError(snap, errors.New("x")))
}

func TestFilter_RateLimitsProgressOnly(t *testing.T) {
	clk := newClock()
	r := NewRecorder("r")
	f := NewFilter(r, 5, time.Second, WithFilterClock(clk.Now))
	at := func(p float64) progress.Snapshot {
		return progress.NewSnapshot(progress.KindBuild, progress.StateInProgress, p, 0, 0)
	}

	require.NoError(t, f.OnProgress(at(10)))
	clk.Advance(500 * time.Millisecond)
	require.NoError(t, f.OnProgress(at(40)))
	clk.Advance(time.Second)
	require.NoError(t, f.OnProgress(at(12)))
	require.NoError(t, f.OnProgress(at(60)))

	require.Equal(t, []float64{10, 60}, r.Percentages())

	require.NoError(t, f.OnCompletion(at(100), true))
	require.NoError(t, f.OnCancellation(at(100)))
	require.NoError(t, f.OnError(at(100), errors.New("x")))
	require.NoError(t, f.OnEvent(progress.NewEvent("e", progress.KindBuild, "", nil)))
	require.Equal(t, []Phase{PhaseProgress, PhaseProgress, PhaseCompletion, PhaseCancellation, PhaseError}, r.Phases())
	require.Len(t, r.Events(), 1)
}

func TestAdapter_MapsSnapshots(t *testing.T) {
	type external struct {
		Pct  int
		Done bool
	}
	a := NewAdapter(func(s progress.Snapshot) external {
		return external{Pct: int(s.Percentage), Done: s.IsTerminal()}
	})
	var got []Adapted[external]
	a.AddTarget(func(u Adapted[external]) { got = append(got, u) })

	s := NewSubject()
	require.NoError(t, s.Attach(a))
	_, err := s.UpdateProgress(progress.KindBuild, 30, 0, 0, "")
	require.NoError(t, err)
	require.NoError(t, s.CompleteOperation(true))
	require.NoError(t, s.ReportError(errors.New("late")))

	require.Len(t, got, 3)
	require.Equal(t, Adapted[external]{Phase: PhaseProgress, Value: external{Pct: 30}}, got[0])
	require.Equal(t, PhaseCompletion, got[1].Phase)
	require.True(t, got[1].Success)
	require.Equal(t, external{Pct: 100, Done: true}, got[1].Value)
	require.EqualError(t, got[2].Err, "late")
}

func TestEventDispatcher_TypedAndWildcard(t *testing.T) {
	d := NewEventDispatcher()
	var typed, all []string
	removeTyped := d.AddListener(progress.EventOperationStart, func(e progress.Event) error {
		typed = append(typed, e.Type)
		return errors.New("ignored")
	})
	d.AddListener(AnyEvent, func(e progress.Event) error {
		all = append(all, e.Type)
		return nil
	})

	s := NewSubject()
	require.NoError(t, s.Attach(d))
	s.StartOperation(progress.KindBuild)
	s.NotifyEvent(progress.NewEvent(progress.EventChildStarted, progress.KindBuild, "", nil))

	require.Equal(t, []string{progress.EventOperationStart}, typed)
	require.Equal(t, []string{progress.EventOperationStart, progress.EventChildStarted}, all)

	removeTyped()
	d.Dispatch(progress.NewEvent(progress.EventOperationStart, progress.KindBuild, "", nil))
	require.Len(t, typed, 1)
	require.Len(t, all, 3)

	d.Clear()
	d.Dispatch(progress.NewEvent(progress.EventOperationStart, progress.KindBuild, "", nil))
	require.Len(t, all, 3)
}

func TestLogObserver_WritesStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogObserver(zerolog.New(&buf).Level(zerolog.DebugLevel))
	snap := progress.NewSnapshot(progress.KindBuild, progress.StateInProgress, 42, 0, 0)

	require.NoError(t, l.OnProgress(snap))
	require.NoError(t, l.OnError(snap, errors.New("disk full")))
	require.NoError(t, l.OnEvent(progress.NewEvent(progress.EventChildStarted, progress.KindBuild, "engine", map[string]any{"pid": 7})))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.Equal(t, "progress", first["message"])
	require.Equal(t, 42.0, first["percentage"])
	require.Equal(t, "build", first["kind"])
	require.Contains(t, lines[1], "disk full")
	require.Contains(t, lines[2], `"pid":7`)
}

func TestConsoleObserver_RendersBarAndResult(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleObserver(&buf, 10)
	snap := progress.NewSnapshot(progress.KindBuild, progress.StateInProgress, 50, 5, 10)

	require.NoError(t, c.OnProgress(snap))
	require.Contains(t, buf.String(), " 50%")
	require.Contains(t, buf.String(), "5/10")

	require.NoError(t, c.OnCompletion(snap.WithState(progress.StateCompleted), true))
	require.Contains(t, buf.String(), "completed")
	require.True(t, strings.HasSuffix(buf.String(), "\n"))
}

func TestBar_Render(t *testing.T) {
	require.Equal(t, "█████░░░░░  50%", NewBar(50).WithWidth(10).Render())
	require.Equal(t, "░░░░░   0%", NewBar(-5).WithWidth(1).Render())
	require.Equal(t, "██████████ 100%", NewBar(150).WithWidth(10).Render())
}

func TestBusObserver_PublishesEnvelopesInOrder(t *testing.T) {
	bus, err := NewInMemoryBus(WithAckedPublish())
	require.NoError(t, err)
	defer func() { _ = bus.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msgs, err := bus.Subscriber.Subscribe(ctx, TopicProgress)
	require.NoError(t, err)

	// Each publish waits for our ack, so it runs on its own goroutine.
	o := NewBusObserver(bus.Publisher, "")
	snap := progress.NewSnapshot(progress.KindExtract, progress.StateInProgress, 70, 7, 10)
	published := make(chan error, 1)
	go func() {
		if err := o.OnProgress(snap); err != nil {
			published <- err
			return
		}
		published <- o.OnCompletion(snap.WithState(progress.StateCompleted), true)
	}()

	var got []Envelope
	for len(got) < 2 {
		select {
		case msg := <-msgs:
			env, err := DecodeEnvelope(msg)
			require.NoError(t, err)
			msg.Ack()
			got = append(got, env)
		case <-ctx.Done():
			t.Fatal("timed out waiting for envelopes")
		}
	}
	require.NoError(t, <-published)
	require.Equal(t, EnvelopeProgress, got[0].Type)
	var p SnapshotPayload
	require.NoError(t, json.Unmarshal(got[0].Payload, &p))
	require.Equal(t, 70.0, p.Snapshot.Percentage)
	require.Equal(t, progress.KindExtract, p.Snapshot.Kind)

	require.Equal(t, EnvelopeCompletion, got[1].Type)
	require.NoError(t, json.Unmarshal(got[1].Payload, &p))
	require.NotNil(t, p.Success)
	require.True(t, *p.Success)
}
