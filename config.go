package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Format is the syntax of a configuration file.
type Format int

const (
	FormatYAML Format = iota
	// FormatJSONC is JSON that may carry comments and trailing commas.
	FormatJSONC
)

// FormatFromPath picks the format from the file extension.
// Anything that is not .json or .jsonc is read as YAML.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return FormatJSONC
	default:
		return FormatYAML
	}
}

// LoadConfig reads, parses and validates the configuration at path.
// All failures are returned as *ConfigError.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("failed to read config file: %w", err)}
	}

	cfg, err := ParseConfig(data, FormatFromPath(path))
	if err != nil {
		var configErr *ConfigError
		if errors.As(err, &configErr) {
			configErr.Path = path
		}
		return nil, err
	}
	return cfg, nil
}

// ParseConfig decodes and validates a configuration held in memory.
// Unknown keys are rejected.
func ParseConfig(data []byte, format Format) (*Config, error) {
	if format == FormatJSONC {
		data = jsonc.ToJSON(data)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ConfigError{Err: errors.New("configuration is empty")}
		}
		return nil, &ConfigError{Err: fmt.Errorf("failed to parse: %w", err)}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
