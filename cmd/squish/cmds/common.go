package cmds

import (
	"os"
	"path/filepath"

	"github.com/go-go-golems/squish/pkg/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func AddRootFlags(root *cobra.Command) {
	addRootFlags(root)
}

func addRootFlags(root *cobra.Command) {
	root.PersistentFlags().String("config", "", "Path to a config file (.yaml or .toml); merged over the user and working-directory files")
	root.PersistentFlags().String("work-dir", "", "Directory searched for .squish.yaml (defaults to current directory)")
}

// loadSettings resolves defaults, config files and SQUISH_* variables.
// Command flags are applied on top by each command.
func loadSettings(cmd *cobra.Command) (config.Settings, error) {
	workDir, err := cmd.Root().PersistentFlags().GetString("work-dir")
	if err != nil {
		return config.Settings{}, err
	}
	if workDir == "" {
		workDir, err = os.Getwd()
		if err != nil {
			return config.Settings{}, err
		}
	}
	workDir, err = filepath.Abs(workDir)
	if err != nil {
		return config.Settings{}, err
	}

	cfgPath, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return config.Settings{}, err
	}
	if cfgPath != "" && !filepath.IsAbs(cfgPath) {
		cfgPath = filepath.Join(workDir, cfgPath)
	}

	// A missing user config dir only disables the user file.
	configDir, _ := os.UserConfigDir()

	s, used, err := config.Load(config.LoadOptions{
		ExplicitPath: cfgPath,
		WorkDir:      workDir,
		ConfigDir:    configDir,
	})
	if err != nil {
		return config.Settings{}, errors.Wrap(err, "load config")
	}
	log.Debug().Strs("files", used).Str("dialog", s.Dialog).Msg("config loaded")
	return s, nil
}
