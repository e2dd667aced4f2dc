// Package config loads the builder's YAML configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the builder's on-disk configuration. Modules names are forced
// into the image regardless of the chosen selector profile.
type Config struct {
	Modules []string `yaml:"modules"`
}

// Load reads and parses path. A missing file is not an error: it yields an
// empty Config, so a builder invocation with no config file still builds an
// unmodified default image.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}
