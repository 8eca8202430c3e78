package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-go-golems/squish/pkg/dialog"
	"github.com/go-go-golems/squish/pkg/observer"
	"github.com/go-go-golems/squish/pkg/parser"
	"github.com/go-go-golems/squish/pkg/progress"
	"github.com/go-go-golems/squish/pkg/runner"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var buildArgv = []string{"mksquashfs", "src", "out.sqsh", "-comp", "zstd"}

func newService(h dialog.Handler, r runner.Runner, opts ...Option) *Service {
	base := []Option{
		WithLogger(zerolog.Nop()),
		WithGraceTimeout(50 * time.Millisecond),
		WithPollInterval(10 * time.Millisecond),
		WithDrainTimeout(time.Second),
		WithKind(progress.KindBuild),
	}
	return New(h, r, parser.New(parser.Options{}), append(base, opts...)...)
}

func TestRun_CompletesAndForwardsProgressInOrder(t *testing.T) {
	h := dialog.NewNoop()
	fake := runner.NewFake()
	fake.SetScript("mksquashfs", runner.FakeScript{StderrLines: []string{"10%", "20%", "100%"}})
	svc := newService(h, fake)

	require.NoError(t, svc.Run(context.Background(), buildArgv, "Building", 0))

	require.Equal(t, []dialog.Command{
		dialog.SetPercentage(10),
		dialog.SetPercentage(20),
		dialog.SetPercentage(100),
		dialog.Complete(),
	}, h.Commands())
	require.Equal(t, []dialog.StartCall{{Title: "Building", Total: 0}}, h.Starts())
	require.False(t, h.Dialog().Running())
	require.Equal(t, 0, h.Dialog().Kills())
	require.Equal(t, PhaseDone, svc.Phase())
	require.Len(t, fake.StartCalls(), 1)
	require.Equal(t, buildArgv, fake.StartCalls()[0].Argv)
}

func TestRun_NonZeroExitCancelsDialogAndCarriesStderr(t *testing.T) {
	h := dialog.NewNoop()
	fake := runner.NewFake()
	fake.SetScript("mksquashfs", runner.FakeScript{StderrLines: []string{"disk full"}, ExitCode: 1})
	svc := newService(h, fake)

	err := svc.Run(context.Background(), buildArgv, "Building", 0)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCommandFailed))
	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, 1, cerr.ExitCode)
	require.Equal(t, "disk full", cerr.Stderr())
	require.Contains(t, err.Error(), "disk full")

	require.Equal(t, []dialog.Command{dialog.Cancel()}, h.Commands())
	require.Equal(t, 0, h.Completes())
	require.False(t, h.Dialog().Running())
	require.Equal(t, 0, h.Dialog().Kills())
}

func TestRun_FailureWithoutDialogDoesNotWaitForGrace(t *testing.T) {
	h := dialog.NewNoop()
	fake := runner.NewFake()
	fake.SetScript("mksquashfs", runner.FakeScript{StderrLines: []string{"disk full"}, ExitCode: 1})
	svc := newService(h, fake, WithGraceTimeout(5*time.Second))

	start := time.Now()
	err := svc.Run(context.Background(), buildArgv, "Building", 0)
	require.True(t, errors.Is(err, ErrCommandFailed))
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, 0, h.Dialog().Kills())
}

func TestRun_FifoDialogSeesWholeRunAsSuccess(t *testing.T) {
	for i := 0; i < 10; i++ {
		dir := t.TempDir()
		out := filepath.Join(dir, "dialog.txt")
		h := dialog.NewFifo(dialog.FifoOptions{
			Program: []string{"sh", "-c", "cat > " + out},
			Args:    func(string, int) []string { return nil },
			Dir:     dir,
			Runner:  runner.NewExec(zerolog.Nop()),
			Logger:  zerolog.Nop(),
		})
		fake := runner.NewFake()
		fake.SetScript("mksquashfs", runner.FakeScript{StdoutLines: []string{"50%"}})
		svc := newService(h, fake, WithGraceTimeout(2*time.Second))

		require.NoError(t, svc.Run(context.Background(), buildArgv, "Building", 0), "run %d", i)
		data, err := os.ReadFile(out)
		require.NoError(t, err)
		require.Equal(t, "50\n100\n", string(data), "run %d", i)
	}
}

func TestRun_DialogClosedTerminatesChild(t *testing.T) {
	h := dialog.NewNoop()
	h.OnUpdate = func(p int, dlg *dialog.StubProcess) {
		if p >= 20 {
			dlg.Exit()
		}
	}
	fake := runner.NewFake()
	fake.SetScript("mksquashfs", runner.FakeScript{
		StdoutLines: []string{"10%", "20%", "30%", "40%"},
		LineDelay:   30 * time.Millisecond,
		Hold:        true,
	})
	svc := newService(h, fake)

	err := svc.Run(context.Background(), buildArgv, "Building", 0)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCancelled))
	var cancelErr *CancelledError
	require.ErrorAs(t, err, &cancelErr)
	require.Equal(t, "dialog closed", cancelErr.Reason)

	require.Equal(t, []int{10, 20}, h.Updates())
	require.Equal(t, 0, h.Completes())
	require.Equal(t, 1, h.Cancels())
	procs := fake.Processes()
	require.Len(t, procs, 1)
	require.Equal(t, 1, procs[0].Terminated())
	require.False(t, procs[0].Running())
}

func TestRun_ContextCancellationStopsChild(t *testing.T) {
	h := dialog.NewNoop()
	fake := runner.NewFake()
	fake.SetScript("mksquashfs", runner.FakeScript{StdoutLines: []string{"5%"}, Hold: true})
	svc := newService(h, fake)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := svc.Run(ctx, buildArgv, "Building", 0)
	require.True(t, errors.Is(err, ErrCancelled))
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Equal(t, 1, fake.Processes()[0].Terminated())
	require.False(t, h.Dialog().Running())
}

func TestRun_SetupFailureStartsNothing(t *testing.T) {
	fake := runner.NewFake()
	h := dialog.NewFifo(dialog.FifoOptions{
		Runner: fake,
		Dir:    t.TempDir(),
		Mkfifo: func(string, uint32) error { return os.ErrPermission },
		Logger: zerolog.Nop(),
	})
	svc := newService(h, fake)

	err := svc.Run(context.Background(), buildArgv, "Building", 0)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSetup))
	require.True(t, errors.Is(err, os.ErrPermission))
	var serr *SetupError
	require.ErrorAs(t, err, &serr)
	require.Empty(t, fake.StartCalls())
	require.Equal(t, PhaseDone, svc.Phase())
}

func TestRun_StartFailureIsOrchestrationError(t *testing.T) {
	h := dialog.NewNoop()
	fake := runner.NewFake()
	fake.FailStart("mksquashfs", runner.ErrFakeStart)
	svc := newService(h, fake)

	err := svc.Run(context.Background(), buildArgv, "Building", 0)
	require.True(t, errors.Is(err, ErrOrchestration))
	require.True(t, errors.Is(err, runner.ErrFakeStart))
	require.Equal(t, []dialog.Command{dialog.Cancel()}, h.Commands())
	require.False(t, h.Dialog().Running())
}

func TestRun_NoParseableOutputStillCompletes(t *testing.T) {
	h := dialog.NewNoop()
	fake := runner.NewFake()
	fake.SetScript("mksquashfs", runner.FakeScript{
		StdoutLines: []string{"Parallel mksquashfs: Using 8 processors", "Creating 4.0 filesystem"},
		StderrLines: []string{"warning: xattrs ignored"},
	})
	svc := newService(h, fake)

	require.NoError(t, svc.Run(context.Background(), buildArgv, "Building", 0))
	require.Equal(t, []dialog.Command{dialog.Complete()}, h.Commands())
}

func TestRun_HeaderThenCountsUsesLearnedTotal(t *testing.T) {
	h := dialog.NewNoop()
	fake := runner.NewFake()
	fake.SetScript("unsquashfs", runner.FakeScript{StdoutLines: []string{
		"1574 inodes (9606 blocks) to write",
		"created 0 files",
		"4803/9606 50%",
		"9606/9606 100%",
	}})
	svc := newService(h, fake, WithStatusLines(true))

	require.NoError(t, svc.Run(context.Background(), []string{"unsquashfs", "-d", "dst", "a.sqsh"}, "Extracting", 0))
	require.Equal(t, []dialog.Command{
		dialog.SetPercentage(50),
		dialog.SetStatus("4803/9606"),
		dialog.SetPercentage(99),
		dialog.SetStatus("9606/9606"),
		dialog.Complete(),
	}, h.Commands())
}

func TestRun_ObserversSeeLifecycle(t *testing.T) {
	h := dialog.NewNoop()
	fake := runner.NewFake()
	fake.SetScript("mksquashfs", runner.FakeScript{StderrLines: []string{"10%", "60%"}})
	subject := observer.NewSubject()
	rec := observer.NewRecorder("rec")
	require.NoError(t, subject.Attach(rec))
	svc := newService(h, fake, WithSubject(subject))

	require.NoError(t, svc.Run(context.Background(), buildArgv, "Building", 0))

	require.Equal(t, []float64{10, 60}, rec.Percentages())
	require.Equal(t, []observer.Phase{observer.PhaseProgress, observer.PhaseProgress, observer.PhaseCompletion}, rec.Phases())
	last := rec.Calls()[2]
	require.True(t, last.Success)
	require.Equal(t, progress.StateCompleted, last.Snapshot.State)
	require.Equal(t, progress.KindBuild, last.Snapshot.Kind)
	require.Equal(t, []string{
		progress.EventOperationStart,
		progress.EventDialogStarted,
		progress.EventChildStarted,
		progress.EventOperationComplete,
	}, rec.EventTypes())
}

func TestRun_ObserverFailureDoesNotChangeOutcome(t *testing.T) {
	h := dialog.NewNoop()
	fake := runner.NewFake()
	fake.SetScript("mksquashfs", runner.FakeScript{StderrLines: []string{"10%"}})
	subject := observer.NewSubject()
	bad := observer.NewRecorder("bad")
	bad.Fail(observer.PhaseProgress, errors.New("sink down"))
	bad.Fail(observer.PhaseCompletion, errors.New("sink down"))
	require.NoError(t, subject.Attach(bad))
	svc := newService(h, fake, WithSubject(subject))

	require.NoError(t, svc.Run(context.Background(), buildArgv, "Building", 0))
	require.Equal(t, 1, h.Completes())
}

func TestRun_FailureReportsErrorToObservers(t *testing.T) {
	h := dialog.NewNoop()
	fake := runner.NewFake()
	fake.SetScript("mksquashfs", runner.FakeScript{StderrLines: []string{"40%", "disk full"}, ExitCode: 1})
	subject := observer.NewSubject()
	rec := observer.NewRecorder("rec")
	require.NoError(t, subject.Attach(rec))
	svc := newService(h, fake, WithSubject(subject))

	err := svc.Run(context.Background(), buildArgv, "Building", 0)
	require.True(t, errors.Is(err, ErrCommandFailed))
	calls := rec.Calls()
	require.Equal(t, observer.PhaseError, calls[len(calls)-1].Phase)
	require.Equal(t, 40.0, calls[len(calls)-1].Snapshot.Percentage)
	require.Contains(t, rec.EventTypes(), progress.EventOperationError)
}

type panickingHandler struct {
	*dialog.Noop
}

func (p panickingHandler) Update(*dialog.Channel, int) { panic("renderer exploded") }

func TestRun_PanicBecomesOrchestrationErrorAndCleansUp(t *testing.T) {
	h := panickingHandler{Noop: dialog.NewNoop()}
	fake := runner.NewFake()
	fake.SetScript("mksquashfs", runner.FakeScript{StderrLines: []string{"10%"}, Hold: true})
	svc := newService(h, fake)

	err := svc.Run(context.Background(), buildArgv, "Building", 0)
	require.True(t, errors.Is(err, ErrOrchestration))
	require.Contains(t, err.Error(), "renderer exploded")
	require.False(t, h.Dialog().Running())
	require.Equal(t, 1, h.Cancels())
	require.Equal(t, 1, fake.Processes()[0].Terminated())
}

func TestRun_EmptyCommand(t *testing.T) {
	svc := newService(dialog.NewNoop(), runner.NewFake())
	err := svc.Run(context.Background(), nil, "x", 0)
	require.True(t, errors.Is(err, ErrOrchestration))
}

func TestRun_RealProcess(t *testing.T) {
	h := dialog.NewNoop()
	svc := newService(h, runner.NewExec(zerolog.Nop()))

	err := svc.Run(context.Background(), []string{"sh", "-c", "echo 30%; echo 60%; exit 0"}, "sh", 0)
	require.NoError(t, err)
	require.Equal(t, []int{30, 60}, h.Updates())
	require.Equal(t, 1, h.Completes())

	h2 := dialog.NewNoop()
	svc2 := newService(h2, runner.NewExec(zerolog.Nop()))
	err = svc2.Run(context.Background(), []string{"sh", "-c", "echo oops >&2; exit 3"}, "sh", 0)
	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, 3, cerr.ExitCode)
	require.Equal(t, []string{"oops"}, cerr.StderrTail)
}

func TestSplitLinesOrCR(t *testing.T) {
	data := []byte("[==   ] 1/10 10%\r[====  ] 2/10 20%\rdone\n")
	var got []string
	for len(data) > 0 {
		adv, tok, err := splitLinesOrCR(data, true)
		require.NoError(t, err)
		got = append(got, string(tok))
		data = data[adv:]
	}
	require.Equal(t, []string{"[==   ] 1/10 10%", "[====  ] 2/10 20%", "done"}, got)
}

func TestTailBufferKeepsLastLines(t *testing.T) {
	tb := newTailBuffer(2)
	for _, l := range []string{"a", "b", "c"} {
		tb.Add(l)
	}
	require.Equal(t, []string{"b", "c"}, tb.Lines())
}
