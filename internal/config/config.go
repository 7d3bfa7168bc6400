// Package config loads the optional TOML file that sets persistent
// flag defaults, following the same XDG-path/DecodeFile/optional-file
// pattern used throughout the retrieved corpus for CLI config files.
package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the optional configuration file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
}

// DefaultsConfig holds persistent flag defaults. Pointer fields
// distinguish "unset" from "set to the zero value" so a loaded Config
// can be safely merged on top of flag defaults.
type DefaultsConfig struct {
	Processes *int    `toml:"processes"`
	Files     *int64  `toml:"files"`
	Size      *string `toml:"size"`
	KeepGoing *bool   `toml:"keep-going"`
	RsyncPath *string `toml:"rsync-path"`
	BWLimit   *string `toml:"bwlimit"`
	RsyncOpts *string `toml:"rsync-options"`
	LogFile   *string `toml:"log-file"`
}

// ConfigPath returns the resolved path to the config file under
// XDG_CONFIG_HOME (or ~/.config when unset).
func ConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "prsync", "config.toml")
}

// Load reads the config file from path, or from ConfigPath() if path
// is empty. A missing file is not an error; Config is always optional.
func Load(path string) (Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	if path == "" {
		return Config{}, nil
	}

	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	return cfg, nil
}
