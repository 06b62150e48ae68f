package config

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// configType is the config file format.
const configType = "toml"

// LoadConfig loads configuration from the TOML file at configPath.
//
// Unrecognized keys are rejected: viper's Unmarshal silently drops fields it
// doesn't recognize, so a strict pass with BurntSushi/toml checks for
// undecoded keys first and fails the load if any remain.
func LoadConfig(configPath string) (*Config, error) {
	var strict Config

	meta, err := toml.DecodeFile(configPath, &strict)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedKey, undecoded)
	}

	viperCfg := viper.New()
	viperCfg.SetConfigType(configType)
	viperCfg.SetConfigFile(configPath)

	if readErr := viperCfg.ReadInConfig(); readErr != nil {
		return nil, fmt.Errorf("read config: %w", readErr)
	}

	var cfg Config

	if unmarshalErr := viperCfg.Unmarshal(&cfg); unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	if validateErr := cfg.Validate(); validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

// ErrUnrecognizedKey is returned when the config file carries a key outside
// the [global]/[[repo]] schema.
var ErrUnrecognizedKey = errors.New("unrecognized config key")
