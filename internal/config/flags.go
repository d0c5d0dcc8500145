package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

// Flags are the command-line overrides. Zero values mean "not given".
type Flags struct {
	ConfigPath  string
	DataDir     string
	LogLevel    string
	ControlAddr string
}

// RegisterFlags binds f to fs, typically cobra persistent flags.
func (f *Flags) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&f.ConfigPath, "config", "c", "", "path to config file (.toml or .yaml)")
	fs.StringVar(&f.DataDir, "data-dir", "", "directory for the database, logs and keys")
	fs.StringVar(&f.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&f.ControlAddr, "control-addr", "", "address of the daemon control endpoint")
}

func (f *Flags) apply(cfg *Config) {
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.ControlAddr != "" {
		cfg.ControlAddr = f.ControlAddr
	}
}

// PassphraseEnv names the variable holding the sealing passphrase.
const PassphraseEnv = "LIFEMANAGER_PASSPHRASE"

// Load builds a Config from defaults, the config file and the flags.
func Load(f Flags) (*Config, error) {
	path := f.ConfigPath
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	if _, err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.path = path
	f.apply(cfg)
	cfg.Passphrase = os.Getenv(PassphraseEnv)
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
