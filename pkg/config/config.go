package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigFilename = ".squish.yaml"
	UserConfigFilename    = "squish.toml"
	EnvPrefix             = "SQUISH_"
)

// File is one on-disk configuration. Zero values mean "not set".
type File struct {
	Dialog          string   `yaml:"dialog,omitempty" toml:"dialog,omitempty"`
	Program         []string `yaml:"program,omitempty" toml:"program,omitempty"`
	GraceTimeout    string   `yaml:"grace_timeout,omitempty" toml:"grace_timeout,omitempty"`
	PollInterval    string   `yaml:"poll_interval,omitempty" toml:"poll_interval,omitempty"`
	BarWidth        int      `yaml:"bar_width,omitempty" toml:"bar_width,omitempty"`
	FifoDir         string   `yaml:"fifo_dir,omitempty" toml:"fifo_dir,omitempty"`
	StderrTailLines int      `yaml:"stderr_tail_lines,omitempty" toml:"stderr_tail_lines,omitempty"`
}

// IsZero reports a File that sets nothing, such as a missing optional file.
func (f *File) IsZero() bool {
	return f == nil || (f.Dialog == "" && len(f.Program) == 0 && f.GraceTimeout == "" &&
		f.PollInterval == "" && f.BarWidth == 0 && f.FifoDir == "" && f.StderrTailLines == 0)
}

// Settings are the resolved values handed to the engine and dialog.
type Settings struct {
	Dialog          string
	Program         []string
	GraceTimeout    time.Duration
	PollInterval    time.Duration
	BarWidth        int
	FifoDir         string
	StderrTailLines int
}

func Defaults() Settings {
	return Settings{
		Dialog:          "fifo",
		Program:         []string{"zenity"},
		GraceTimeout:    2 * time.Second,
		PollInterval:    100 * time.Millisecond,
		BarWidth:        50,
		FifoDir:         os.TempDir(),
		StderrTailLines: 20,
	}
}

func DefaultPath(dir string) string {
	return filepath.Join(dir, DefaultConfigFilename)
}

// UserPath is the per-user TOML file under the XDG config directory.
func UserPath(configDir string) string {
	return filepath.Join(configDir, "squish", UserConfigFilename)
}

// LoadFromFile reads YAML, or TOML when the file ends in .toml.
func LoadFromFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	var cfg File
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config toml %s", path)
		}
		return &cfg, nil
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config yaml %s", path)
	}
	return &cfg, nil
}

// LoadOptional returns an empty File when path does not exist.
func LoadOptional(path string) (*File, error) {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, errors.Wrap(err, "stat config")
	}
	return LoadFromFile(path)
}

// Apply overlays the fields set in f.
func (s Settings) Apply(f *File) (Settings, error) {
	if f == nil {
		return s, nil
	}
	if f.Dialog != "" {
		s.Dialog = f.Dialog
	}
	if len(f.Program) > 0 {
		s.Program = append([]string{}, f.Program...)
	}
	if f.GraceTimeout != "" {
		d, err := time.ParseDuration(f.GraceTimeout)
		if err != nil {
			return s, errors.Wrap(err, "grace_timeout")
		}
		s.GraceTimeout = d
	}
	if f.PollInterval != "" {
		d, err := time.ParseDuration(f.PollInterval)
		if err != nil {
			return s, errors.Wrap(err, "poll_interval")
		}
		s.PollInterval = d
	}
	if f.BarWidth > 0 {
		s.BarWidth = f.BarWidth
	}
	if f.FifoDir != "" {
		s.FifoDir = f.FifoDir
	}
	if f.StderrTailLines > 0 {
		s.StderrTailLines = f.StderrTailLines
	}
	return s, nil
}

// FromEnv collects SQUISH_* variables into a File so they merge like one.
func FromEnv(getenv func(string) string) (*File, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	f := &File{
		Dialog:       getenv(EnvPrefix + "DIALOG"),
		Program:      strings.Fields(getenv(EnvPrefix + "PROGRAM")),
		GraceTimeout: getenv(EnvPrefix + "GRACE_TIMEOUT"),
		PollInterval: getenv(EnvPrefix + "POLL_INTERVAL"),
		FifoDir:      getenv(EnvPrefix + "FIFO_DIR"),
	}
	for key, dst := range map[string]*int{
		"BAR_WIDTH":         &f.BarWidth,
		"STDERR_TAIL_LINES": &f.StderrTailLines,
	} {
		v := getenv(EnvPrefix + key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.Wrapf(err, "%s%s", EnvPrefix, key)
		}
		*dst = n
	}
	return f, nil
}

type LoadOptions struct {
	// ExplicitPath must exist when set.
	ExplicitPath string
	WorkDir      string
	ConfigDir    string
	Getenv       func(string) string
}

// Load resolves defaults, then the user TOML file, then the working
// directory's .squish.yaml, then an explicit file, then the environment.
// It returns the files that were read.
func Load(opts LoadOptions) (Settings, []string, error) {
	s := Defaults()
	var used []string

	var paths []string
	if opts.ConfigDir != "" {
		paths = append(paths, UserPath(opts.ConfigDir))
	}
	if opts.WorkDir != "" {
		paths = append(paths, DefaultPath(opts.WorkDir))
	}
	for _, p := range paths {
		f, err := LoadOptional(p)
		if err != nil {
			return s, used, err
		}
		if f.IsZero() {
			continue
		}
		if s, err = s.Apply(f); err != nil {
			return s, used, errors.Wrapf(err, "config %s", p)
		}
		used = append(used, p)
	}

	if opts.ExplicitPath != "" {
		f, err := LoadFromFile(opts.ExplicitPath)
		if err != nil {
			return s, used, err
		}
		if s, err = s.Apply(f); err != nil {
			return s, used, errors.Wrapf(err, "config %s", opts.ExplicitPath)
		}
		used = append(used, opts.ExplicitPath)
	}

	env, err := FromEnv(opts.Getenv)
	if err != nil {
		return s, used, err
	}
	if s, err = s.Apply(env); err != nil {
		return s, used, errors.Wrap(err, "environment")
	}
	return s, used, s.Validate()
}

func (s Settings) Validate() error {
	switch s.Dialog {
	case "fifo", "stdin", "tui", "none":
	default:
		return errors.Errorf("unknown dialog backend %q", s.Dialog)
	}
	if s.GraceTimeout <= 0 {
		return errors.New("grace_timeout must be positive")
	}
	if s.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if s.BarWidth <= 0 {
		return errors.New("bar_width must be positive")
	}
	if (s.Dialog == "fifo" || s.Dialog == "stdin") && len(s.Program) == 0 {
		return errors.New("program must not be empty")
	}
	return nil
}
