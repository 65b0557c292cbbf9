// Package config defines the file configuration of the SLAM backend and how to read it.
package config

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"gopkg.in/yaml.v3"

	"go.viam.com/objectslam/logging"
	"go.viam.com/objectslam/slam/localba"
	"go.viam.com/objectslam/vision/objectdetection"
)

// AttributeMap is a loosely typed configuration, as read from YAML or JSON.
type AttributeMap map[string]interface{}

// Config is the configuration of the backend.
type Config struct {
	LogLevel string                     `json:"log_level,omitempty"`
	LogFile  string                     `json:"log_file,omitempty"`
	LocalBA  localba.Config             `json:"local_ba"`
	Detector objectdetection.YOLOConfig `json:"detector"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		LogLevel: "info",
		LocalBA:  localba.DefaultConfig(),
		Detector: objectdetection.DefaultYOLOConfig(),
	}
}

// Level returns the configured log level.
func (cfg *Config) Level() (logging.Level, error) {
	if cfg.LogLevel == "" {
		return logging.INFO, nil
	}
	return logging.LevelFromString(cfg.LogLevel)
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate() error {
	var errs error
	if _, err := cfg.Level(); err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, "log_level"))
	}
	errs = multierr.Append(errs, cfg.LocalBA.Validate("local_ba"))
	errs = multierr.Append(errs, cfg.Detector.Validate("detector"))
	return errs
}

// FromAttributes decodes an attribute map over the defaults. Keys are the json names of the
// fields; unknown keys are an error.
func FromAttributes(attrs AttributeMap) (*Config, error) {
	cfg := Default()
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		Result:      &cfg,
		Metadata:    &md,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(map[string]interface{}(attrs)); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromReader reads a config in the given format, "yaml" or "json".
func FromReader(r io.Reader, format string) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	attrs := AttributeMap{}
	switch strings.ToLower(format) {
	case "yaml", "yml":
		err = yaml.Unmarshal(data, &attrs)
	case "json":
		err = json.Unmarshal(data, &attrs)
	default:
		return nil, errors.Errorf("unknown config format %q", format)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s config", format)
	}
	return FromAttributes(attrs)
}

// Load reads a config file. The format follows the file extension.
func Load(path string) (*Config, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening config %q", path)
	}
	defer utils.UncheckedErrorFunc(f.Close)

	cfg, err := FromReader(f, strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return nil, errors.Wrapf(err, "config %q", path)
	}
	return cfg, nil
}
