package config

import (
	"fmt"
	"io"
	"os"

	yaml "gopkg.in/yaml.v2"

	"github.com/tracesweep-io/tracesweep/pkg/shared/errors"
)

func ValidateConfigPath(path string) error {
	s, err := os.Stat(path)
	if err != nil {
		return err
	}
	if s.IsDir() {
		return fmt.Errorf("'%s' is a directory, not a file", path)
	}
	return nil
}

// LoadYAML decodes the file at configPath into data. Unknown keys and type
// mismatches are rejected rather than coerced.
func LoadYAML(configPath string, data interface{}) error {
	if err := ValidateConfigPath(configPath); err != nil {
		return err
	}

	file, err := os.Open(configPath)
	if err != nil {
		return err
	}
	defer file.Close()

	return DecodeYAML(file, data)
}

// DecodeYAML strictly decodes a YAML document from r.
func DecodeYAML(r io.Reader, data interface{}) error {
	d := yaml.NewDecoder(r)
	d.SetStrict(true)
	if err := d.Decode(data); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// NewConfig loads the configuration file, fills defaults and validates the result.
// A missing file yields the defaults.
func NewConfig(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := LoadYAML(configPath, cfg); err != nil {
				return nil, errors.New(errors.KindConfigInvalid, "load config", fmt.Errorf("%s: %w", configPath, err))
			}
		} else if !os.IsNotExist(err) {
			return nil, errors.New(errors.KindConfigInvalid, "load config", err)
		}
	}

	ApplyDefaults(cfg)
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
