// Package config defines the framepipe configuration file.
package config

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/framepipe/convert"
	"go.viam.com/framepipe/inference"
	"go.viam.com/framepipe/logging"
	"go.viam.com/framepipe/pipeline"
	"go.viam.com/framepipe/utils"
)

// Frame source types.
const (
	SourceFake      = "fake"
	SourceImageFile = "image_file"
	SourceWebcam    = "webcam"
	SourceDirectory = "directory"
)

// SourceTypes lists every supported source type.
var SourceTypes = []string{SourceFake, SourceImageFile, SourceWebcam, SourceDirectory}

// Config is the top-level framepipe configuration.
type Config struct {
	ConfigFilePath string `json:"-"`

	Model    ModelConfig    `json:"model"`
	Source   SourceConfig   `json:"source"`
	Pipeline PipelineConfig `json:"pipeline"`
	Log      LogConfig      `json:"log"`
}

// ModelConfig points at a model definition file or embeds the definition.
type ModelConfig struct {
	Path       string                     `json:"path,omitempty"`
	Definition *inference.ModelDefinition `json:"definition,omitempty"`
}

// SourceConfig selects a frame source. Attributes are decoded into the source's own config.
type SourceConfig struct {
	Type       string             `json:"type"`
	Attributes utils.AttributeMap `json:"attributes,omitempty"`
}

// PipelineConfig holds the controller settings.
type PipelineConfig struct {
	// Width and Height of the converted image. Zero means the model input size.
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	Transform     string `json:"transform,omitempty"`
	Interpolation string `json:"interpolation,omitempty"`

	StatsWindow    int `json:"stats_window,omitempty"`
	PollIntervalMs int `json:"poll_interval_ms,omitempty"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string                      `json:"level,omitempty"`
	File  *logging.FileAppenderConfig `json:"file,omitempty"`
}

// Validate returns an error naming the first invalid field.
func (c *Config) Validate() error {
	if err := c.Model.Validate("model"); err != nil {
		return err
	}
	if err := c.Source.Validate("source"); err != nil {
		return err
	}
	if err := c.Pipeline.Validate("pipeline"); err != nil {
		return err
	}
	return c.Log.Validate("log")
}

// Validate checks that exactly one of path and definition is set.
func (conf *ModelConfig) Validate(path string) error {
	switch {
	case conf.Path == "" && conf.Definition == nil:
		return newConfigValidationFieldRequiredError(path, "path")
	case conf.Path != "" && conf.Definition != nil:
		return errors.Errorf("%s: only one of path and definition may be set", path)
	case conf.Definition != nil:
		return errors.Wrap(conf.Definition.Validate(), path+".definition")
	}
	return nil
}

// Load returns the configured model definition, reading it from disk if needed.
func (conf *ModelConfig) Load() (*inference.ModelDefinition, error) {
	if conf.Definition != nil {
		return conf.Definition, nil
	}
	def, err := inference.ReadModelDefinition(conf.Path)
	if err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid model definition %q", conf.Path)
	}
	return def, nil
}

// Validate checks the source type.
func (conf *SourceConfig) Validate(path string) error {
	if conf.Type == "" {
		return newConfigValidationFieldRequiredError(path, "type")
	}
	if !lo.Contains(SourceTypes, conf.Type) {
		return errors.Errorf("%s: unknown source type %q, expected one of %v", path, conf.Type, SourceTypes)
	}
	return nil
}

// Validate checks the option names and sizes.
func (conf *PipelineConfig) Validate(path string) error {
	if conf.Width < 0 || conf.Height < 0 {
		return errors.Errorf("%s: width and height must not be negative", path)
	}
	if conf.StatsWindow < 0 || conf.PollIntervalMs < 0 {
		return errors.Errorf("%s: stats_window and poll_interval_ms must not be negative", path)
	}
	if _, err := convert.ParseTransform(conf.Transform); err != nil {
		return errors.Wrapf(err, "%s.transform: expected one of %v", path, convert.TransformNames())
	}
	if _, err := convert.ParseInterpolation(conf.Interpolation); err != nil {
		return errors.Wrapf(err, "%s.interpolation: expected one of %v", path, convert.InterpolationNames())
	}
	return nil
}

// ControllerConfig converts the settings into a pipeline config. Handlers are left for the
// caller to set.
func (conf *PipelineConfig) ControllerConfig() (pipeline.Config, error) {
	transform, err := convert.ParseTransform(conf.Transform)
	if err != nil {
		return pipeline.Config{}, err
	}
	interp, err := convert.ParseInterpolation(conf.Interpolation)
	if err != nil {
		return pipeline.Config{}, err
	}
	auto := func(v int) int {
		if v == 0 {
			return convert.Auto
		}
		return v
	}
	return pipeline.Config{
		Width:         auto(conf.Width),
		Height:        auto(conf.Height),
		Transform:     transform,
		Interpolation: interp,
		StatsWindow:   conf.StatsWindow,
		PollInterval:  time.Duration(conf.PollIntervalMs) * time.Millisecond,
	}, nil
}

// Validate checks the level name and the log file.
func (conf *LogConfig) Validate(path string) error {
	if conf.Level != "" {
		if _, err := logging.LevelFromString(conf.Level); err != nil {
			return errors.Wrap(err, path+".level")
		}
	}
	if conf.File != nil && conf.File.Filename == "" {
		return newConfigValidationFieldRequiredError(path+".file", "filename")
	}
	return nil
}

// LogLevel returns the configured level, INFO when unset.
func (conf *LogConfig) LogLevel() logging.Level {
	level, err := logging.LevelFromString(conf.Level)
	if err != nil {
		return logging.INFO
	}
	return level
}

func newConfigValidationFieldRequiredError(path, field string) error {
	return fmt.Errorf("%s: %q is required", path, field)
}
