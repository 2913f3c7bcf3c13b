package config

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"

	"github.com/a8m/envsubst"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"go.viam.com/framepipe/logging"
)

// Read reads a config from the given file. Environment variables in the file are expanded
// first. Files ending in .yaml or .yml are YAML; everything else is JSON.
func Read(ctx context.Context, filePath string, logger logging.Logger) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return FromReader(ctx, filePath, bytes.NewReader(buf), logger)
}

// FromReader reads a config from the given reader and specifies
// where, if applicable, the file the reader originated from.
func FromReader(ctx context.Context, originalPath string, r io.Reader, logger logging.Logger) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if isYAML(originalPath) {
		if data, err = yamlToJSON(data); err != nil {
			return nil, errors.Wrap(err, "failed to decode Config from yaml")
		}
	}

	cfg := Config{ConfigFilePath: originalPath}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode Config from json")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "failed to process Config")
	}
	cfg.resolvePaths()
	logger.CDebugw(ctx, "read config", "path", originalPath, "source", cfg.Source.Type)
	return &cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON re-encodes a YAML document as JSON so both formats share the json tags.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	return json.Marshal(doc)
}

// resolvePaths makes a relative model path relative to the config file.
func (c *Config) resolvePaths() {
	if c.Model.Path == "" || filepath.IsAbs(c.Model.Path) || c.ConfigFilePath == "" {
		return
	}
	c.Model.Path = filepath.Join(filepath.Dir(c.ConfigFilePath), c.Model.Path)
}
