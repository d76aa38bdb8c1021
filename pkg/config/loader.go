package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. WHITECAT_ENGINE_WINDOW=10m
const EnvPrefix = "WHITECAT"

// DefaultConfigPath is where the service looks when no --config is given
const DefaultConfigPath = "config/default.yaml"

// Load builds the configuration in priority order:
// 1. Defaults
// 2. Configuration file (skipped when path is empty)
// 3. WHITECAT_* environment variables
// The result is validated before it is returned.
func Load(path string) (Config, error) {
	v, err := newViper(Default())
	if err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return Config{}, NewConfigFileError("file", path, "configuration file not found",
					"create the file or omit --config to run on defaults").WithCause(err)
			}
			return Config{}, NewConfigFileError("parse", path, err.Error(),
				"check the YAML syntax").WithCause(err)
		}
	}

	return decode(v)
}

// LoadOptional loads path when it exists and falls back to defaults plus
// environment otherwise.
func LoadOptional(path string) (Config, error) {
	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	return Load(path)
}

// newViper seeds a viper instance with every known key so that environment
// overrides reach keys absent from the file.
func newViper(defaults Config) (*viper.Viper, error) {
	raw, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to seed defaults: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, ConfigError{
			Type:       "decode",
			Message:    err.Error(),
			Suggestion: "check value types, durations use Go syntax such as 30s or 5m",
			Cause:      err,
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
