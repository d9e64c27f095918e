// Package config owns the on-disk configuration recognized by the capture
// core plus the ambient logging/control-plane keys the host
// process needs to bootstrap before the pipeline starts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"

	"github.com/shadowcap/recorder/internal/logging"
)

var log = logging.L("config")

// Config is the full on-disk configuration. Encoder/MaxSeconds/Quality/
// UseMic are the keys the capture core itself recognizes; the rest
// are ambient keys (logging, control-plane transport, target FPS) the
// host process needs but the core's components receive pre-parsed.
type Config struct {
	Encoder    string `mapstructure:"encoder"`     // "nvenc" or "vaapi"
	MaxSeconds uint32 `mapstructure:"max_seconds"` // rolling window size, <= 86400
	Quality    string `mapstructure:"quality"`     // low|medium|high|ultra
	UseMic     bool   `mapstructure:"use_mic"`

	TargetFPS int `mapstructure:"target_fps"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	ControlSocketPath string `mapstructure:"control_socket_path"`
	WorkDir           string `mapstructure:"work_dir"`
}

// Default returns the configuration the process starts with absent an
// on-disk file: VAAPI encoder, a 5 minute window, medium quality.
func Default() *Config {
	return &Config{
		Encoder:           "vaapi",
		MaxSeconds:        300,
		Quality:           "medium",
		UseMic:            false,
		TargetFPS:         60,
		LogLevel:          "info",
		LogFormat:         "text",
		ControlSocketPath: filepath.Join(runtimeDir(), "shadowrecd.sock"),
		WorkDir:           ".",
	}
}

// Load reads the configuration from cfgFile, or from the default search
// path (config dir, then cwd) if cfgFile is empty, and applies tiered
// validation. A fatal validation error aborts Load; warnings are logged
// and the offending field is clamped to a safe default.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("shadowrecd")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SHADOWREC")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read %s: %w", cfgFile, err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	result := cfg.ValidateTiered()
	for _, w := range result.Warnings {
		log.Warn("config validation", "error", w)
	}
	if result.HasFatals() {
		for _, f := range result.Fatals {
			log.Error("config validation fatal", "error", f)
		}
		return nil, fmt.Errorf("config: fatal validation error: %v", result.Fatals[0])
	}

	return cfg, nil
}

// Save persists cfg to its default path. Used to implement
// update_config: the control plane's ConfigPolicy writes the replacement here; it
// takes effect when the recorder next starts, never mid-GOP.
func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

// SaveTo persists cfg to cfgFile, or the default config path if empty.
func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("encoder", cfg.Encoder)
	viper.Set("max_seconds", cfg.MaxSeconds)
	viper.Set("quality", cfg.Quality)
	viper.Set("use_mic", cfg.UseMic)
	viper.Set("target_fps", cfg.TargetFPS)
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_format", cfg.LogFormat)
	viper.Set("log_file", cfg.LogFile)
	viper.Set("control_socket_path", cfg.ControlSocketPath)
	viper.Set("work_dir", cfg.WorkDir)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		if dir := filepath.Dir(cfgPath); dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "shadowrecd.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}
	return os.Chmod(cfgPath, 0600)
}

// configDir returns the platform-specific directory shadowrecd looks for
// its config file in.
func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "ShadowRec")
	case "darwin":
		return "/Library/Application Support/ShadowRec"
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "shadowrecd")
		}
		return filepath.Join(os.Getenv("HOME"), ".config", "shadowrecd")
	}
}

// runtimeDir returns the platform-specific directory for transient state
// like the control-plane Unix socket.
func runtimeDir() string {
	switch runtime.GOOS {
	case "windows", "darwin":
		return os.TempDir()
	default:
		if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
			return xdg
		}
		return os.TempDir()
	}
}
