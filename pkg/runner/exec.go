package runner

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Exec runs real programs. Started processes get their own process group so
// Terminate and Kill reach any helpers they spawn.
type Exec struct {
	logger zerolog.Logger
}

var _ Runner = (*Exec)(nil)

func NewExec(logger zerolog.Logger) *Exec {
	return &Exec{logger: logger}
}

func (r *Exec) Run(ctx context.Context, argv []string, opts ...Option) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("empty command")
	}
	c := applyOptions(opts)

	// #nosec G204 -- argv comes from the caller.
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = c.dir
	cmd.Env = mergeEnv(os.Environ(), c.env)
	if c.stdin != nil {
		cmd.Stdin = c.stdin
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug().Str("command", CommandLine(argv)).Msg("run")
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			res.ExitCode = exitCode(ee.ProcessState)
			return res, nil
		}
		return res, errors.Wrapf(err, "run %s", argv[0])
	}
	return res, nil
}

func (r *Exec) Start(ctx context.Context, argv []string, opts ...Option) (Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := applyOptions(opts)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdout pipe")
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, errors.Wrap(err, "stderr pipe")
	}

	// #nosec G204 -- argv comes from the caller.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = c.dir
	cmd.Env = mergeEnv(os.Environ(), c.env)
	if c.stdin != nil {
		cmd.Stdin = c.stdin
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			_ = f.Close()
		}
		return nil, errors.Wrapf(err, "start %s", argv[0])
	}
	// The child holds its own copies of the write ends; readers see EOF once
	// the child (and anything it spawned) exits.
	_ = outW.Close()
	_ = errW.Close()

	p := &execProcess{
		cmd:    cmd,
		stdout: outR,
		stderr: errR,
		done:   make(chan struct{}),
	}
	go p.wait()

	r.logger.Debug().Str("command", CommandLine(argv)).Int("pid", cmd.Process.Pid).Msg("process started")
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File

	done     chan struct{}
	code     int
	waitErr  error
	closeOut sync.Once
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.code = exitCode(p.cmd.ProcessState)
	if err != nil {
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			p.waitErr = errors.Wrap(err, "wait")
		}
	}
	close(p.done)
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Wait() (int, error) {
	<-p.done
	return p.code, p.waitErr
}

func (p *execProcess) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) Terminate() error { return p.signal(unix.SIGTERM) }

func (p *execProcess) Kill() error {
	err := p.signal(unix.SIGKILL)
	// Descendants may still hold the pipes open after a kill.
	_ = p.Close()
	return err
}

func (p *execProcess) Close() error {
	p.closeOut.Do(func() {
		_ = p.stdout.Close()
		_ = p.stderr.Close()
	})
	return nil
}

func (p *execProcess) signal(sig unix.Signal) error {
	if !p.Running() {
		return nil
	}
	pid := p.cmd.Process.Pid
	if pgid, err := unix.Getpgid(pid); err == nil {
		if err := unix.Kill(-pgid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
			return errors.Wrapf(err, "signal %s to group %d", sig, pgid)
		}
		return nil
	}
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrapf(err, "signal %s to %d", sig, pid)
	}
	return nil
}

func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		if ws.Exited() {
			return ws.ExitStatus()
		}
	}
	return ps.ExitCode()
}
