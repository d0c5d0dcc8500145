package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/dmitrijs2005/lifemanager/internal/filex"
	"gopkg.in/yaml.v3"
)

var ErrUnsupportedFormat = errors.New("unsupported config file extension")

type format int

const (
	formatTOML format = iota
	formatYAML
)

func formatOf(path string) (format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return formatTOML, nil
	case ".yaml", ".yml":
		return formatYAML, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
}

// loadFile overlays cfg with the file at path. A missing file is created
// from cfg; created reports that case.
func loadFile(path string, cfg *Config) (created bool, err error) {
	f, err := formatOf(path)
	if err != nil {
		return false, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := Save(path, cfg); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read config: %w", err)
	}

	switch f {
	case formatTOML:
		_, err = toml.Decode(string(data), cfg)
	case formatYAML:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return false, nil
}

// Save writes cfg to path atomically with mode 0600. The format follows the
// extension.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	f, err := formatOf(path)
	if err != nil {
		return err
	}

	var data []byte
	switch f {
	case formatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		data = buf.Bytes()
	case formatYAML:
		if data, err = yaml.Marshal(cfg); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
	}
	return filex.WriteAtomic(path, data, 0o600)
}
