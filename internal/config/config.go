// Package config assembles the immutable configuration the initializer
// and supervisor are handed. Values are layered, lowest to highest
// precedence: compiled-in defaults, an optional config file, PIPEMGR_
// environment variables, and command-line flags bound by the CLI.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode selects the execution backend the supervisor submits through.
type Mode string

const (
	ModeSession    Mode = "session"
	ModeBackground Mode = "background"
	ModeBatch      Mode = "batch"
	ModeQsub       Mode = "qsub"
	ModeMsub       Mode = "msub"
)

// Valid reports whether m names a known backend.
func (m Mode) Valid() bool {
	switch m {
	case ModeSession, ModeBackground, ModeBatch, ModeQsub, ModeMsub:
		return true
	}
	return false
}

// Config is the full configuration surface: initializer options first,
// supervisor options second. It is built once and passed explicitly;
// nothing in the core reads process-wide state.
type Config struct {
	// Initializer options.
	PathLogs           string   `mapstructure:"path_logs"`
	PathSearch         string   `mapstructure:"path_search"`
	CommandInterpreter string   `mapstructure:"command_interpreter"`
	Restart            []string `mapstructure:"restart"`
	FlagUpdate         bool     `mapstructure:"flag_update"`
	FlagPause          bool     `mapstructure:"flag_pause"`
	FlagClean          bool     `mapstructure:"flag_clean"`
	FlagVerbose        bool     `mapstructure:"flag_verbose"`

	// Supervisor options.
	Mode              Mode          `mapstructure:"mode"`
	MaxQueued         int           `mapstructure:"max_queued"`
	TimeBetweenChecks time.Duration `mapstructure:"time_between_checks"`
	TimeCoolDown      time.Duration `mapstructure:"time_cool_down"`
	QsubOptions       string        `mapstructure:"qsub_options"`
	ShellOptions      string        `mapstructure:"shell_options"`
	InitCommand       string        `mapstructure:"init_command"`
	FlagDebug         bool          `mapstructure:"flag_debug"`
}

// SetDefaults registers every default on v. Callers bind flags and the
// environment on the same viper before calling Load.
func SetDefaults(v *viper.Viper) {
	// path_logs has no usable default but must be registered so that
	// env-only configuration reaches Unmarshal.
	v.SetDefault("path_logs", "")
	v.SetDefault("path_search", "")
	v.SetDefault("command_interpreter", "pipe-runjob")
	v.SetDefault("restart", []string{})
	v.SetDefault("flag_update", true)
	v.SetDefault("flag_pause", false)
	v.SetDefault("flag_clean", true)
	v.SetDefault("flag_verbose", true)

	v.SetDefault("mode", string(ModeBackground))
	v.SetDefault("max_queued", 4)
	v.SetDefault("time_between_checks", 2*time.Second)
	v.SetDefault("time_cool_down", 0*time.Second)
	v.SetDefault("qsub_options", "")
	v.SetDefault("shell_options", "")
	v.SetDefault("init_command", "")
	v.SetDefault("flag_debug", false)
}

// BindEnv wires PIPEMGR_-prefixed environment variables into v, so
// PIPEMGR_PATH_LOGS overrides path_logs and so on.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix("PIPEMGR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the optional config file (when cfgFile is non-empty, or a
// pipemgr.{yaml,toml} found on the usual search path otherwise) and
// unmarshals the layered result. path_logs is the one required key.
func Load(v *viper.Viper, cfgFile string) (Config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	} else {
		v.SetConfigName("pipemgr")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/pipemgr")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	if c.PathLogs == "" {
		return Config{}, fmt.Errorf("path_logs is required")
	}
	if !c.Mode.Valid() {
		return Config{}, fmt.Errorf("unknown execution mode %q", c.Mode)
	}
	if c.MaxQueued < 1 {
		return Config{}, fmt.Errorf("max_queued must be at least 1, got %d", c.MaxQueued)
	}
	return c, nil
}
