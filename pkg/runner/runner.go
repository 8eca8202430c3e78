package runner

import (
	"context"
	"io"
	"os"
	"strings"
	"time"
)

// Result is the buffered outcome of a short auxiliary command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Process is a started command whose output is consumed while it runs.
type Process interface {
	Pid() int
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits and returns its exit code.
	// Children killed by a signal report 128+signal.
	Wait() (int, error)
	Done() <-chan struct{}
	Running() bool
	Terminate() error
	Kill() error
	// Close releases the output pipes once the caller is done reading.
	Close() error
}

type Runner interface {
	Run(ctx context.Context, argv []string, opts ...Option) (Result, error)
	Start(ctx context.Context, argv []string, opts ...Option) (Process, error)
}

type startConfig struct {
	stdin *os.File
	dir   string
	env   map[string]string
}

type Option func(*startConfig)

// WithStdin binds the child's stdin to f. The caller keeps ownership of f.
func WithStdin(f *os.File) Option {
	return func(c *startConfig) { c.stdin = f }
}

func WithDir(dir string) Option {
	return func(c *startConfig) { c.dir = dir }
}

func WithEnv(env map[string]string) Option {
	return func(c *startConfig) {
		if c.env == nil {
			c.env = map[string]string{}
		}
		for k, v := range env {
			c.env[k] = v
		}
	}
}

func applyOptions(opts []Option) startConfig {
	var c startConfig
	for _, o := range opts {
		if o != nil {
			o(&c)
		}
	}
	return c
}

// Stop asks p to terminate and kills it if it is still running after grace.
func Stop(p Process, grace time.Duration) error {
	if p == nil || !p.Running() {
		return nil
	}
	_ = p.Terminate()
	select {
	case <-p.Done():
		return nil
	case <-time.After(grace):
	}
	if err := p.Kill(); err != nil {
		return err
	}
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
	}
	return nil
}

// CommandLine renders argv for logs and error messages.
func CommandLine(argv []string) string {
	return strings.Join(argv, " ")
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := append([]string{}, base...)
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}
