package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

// loadFile overlays cfg with values from a YAML, TOML or JSON file,
// dispatched by extension.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse yaml %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse toml %s: %w", path, err)
		}
	case ".json":
		if err := sonic.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse json %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
	}
	return nil
}
