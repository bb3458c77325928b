package commands

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/veggaen/phasestake/internal/config"
	"github.com/veggaen/phasestake/internal/logging"
)

// Global CLI flags
var (
	// ConfigPath is the config file; empty uses the default location
	ConfigPath string

	// AddressFlag overrides the tracked address
	AddressFlag string

	// OutputFormat controls output format: "" (auto), "json"
	OutputFormat string

	// AssumeYes skips confirmation prompts
	AssumeYes bool
)

// loadedConfig is set by Setup before any command runs
var loadedConfig *config.Config

// Setup loads .env files and the config, then configures logging
func Setup(cmd *cobra.Command, args []string) error {
	if err := loadDotEnv(); err != nil {
		return err
	}
	if ConfigPath == "" {
		ConfigPath = config.DefaultConfigPath()
	}

	cfg, err := config.Load(ConfigPath)
	if err != nil {
		return err
	}
	logging.Configure(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	loadedConfig = cfg
	return nil
}

// loadDotEnv reads ./.env and ~/.phasestake/.env. Variables already set win.
func loadDotEnv() error {
	for _, path := range []string{".env", filepath.Join(config.DefaultDataDir(), ".env")} {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// currentConfig returns the loaded config, loading defaults when Setup did not run
func currentConfig() *config.Config {
	if loadedConfig == nil {
		loadedConfig = config.DefaultConfig()
	}
	return loadedConfig
}

func jsonOutput() bool {
	return OutputFormat == "json"
}

// Version information (set at build time)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// GetVersion returns the version string
func GetVersion() string {
	if Version != "dev" {
		return Version
	}
	// Try to get version from build info
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}

// GetCommit returns the git commit
func GetCommit() string {
	if Commit != "unknown" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				if len(setting.Value) > 8 {
					return setting.Value[:8]
				}
				return setting.Value
			}
		}
	}
	return "unknown"
}

// GetGoVersion returns the Go version
func GetGoVersion() string {
	return runtime.Version()
}
