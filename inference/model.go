package inference

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"go.viam.com/framepipe/ml"
	"go.viam.com/framepipe/utils"
)

// TensorInfo describes one model input or output.
type TensorInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// DataType is e.g. float32 or int.
	DataType string `json:"data_type"`
	Shape    []int  `json:"shape"`
}

// ModelDefinition is the model artifact: which backend runs it, its tensors and the backend's
// own parameters.
type ModelDefinition struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Backend     string             `json:"backend"`
	Inputs      []TensorInfo       `json:"inputs"`
	Outputs     []TensorInfo       `json:"outputs,omitempty"`
	Parameters  utils.AttributeMap `json:"parameters,omitempty"`
}

// ReadModelDefinition reads a JSON model definition from path.
func ReadModelDefinition(path string) (*ModelDefinition, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read model definition")
	}
	var def ModelDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, errors.Wrapf(err, "cannot parse model definition %q", filepath.Base(path))
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &def, nil
}

// InputShape reads the shape of the first input. Height, width and channels always sit at axes
// 1, 2 and 3; only a batch of 1 is supported.
func (def *ModelDefinition) InputShape() (ml.Shape, error) {
	if len(def.Inputs) == 0 {
		return ml.Shape{}, errors.Errorf("model %q declares no inputs", def.Name)
	}
	in := def.Inputs[0]
	shape, err := ml.ShapeFromDims(in.Shape)
	if err != nil {
		return ml.Shape{}, errors.Wrapf(err, "input %q of model %q", in.Name, def.Name)
	}
	if shape.Batch != 1 {
		return ml.Shape{}, errors.Errorf("input %q of model %q has batch %d, only 1 is supported", in.Name, def.Name, shape.Batch)
	}
	if shape.Height <= 0 || shape.Width <= 0 || shape.Channels <= 0 {
		return ml.Shape{}, errors.Errorf("input %q of model %q has invalid shape %s", in.Name, def.Name, shape)
	}
	if in.DataType != "" && in.DataType != "float32" {
		return ml.Shape{}, errors.Errorf("input %q of model %q must be float32, not %s", in.Name, def.Name, in.DataType)
	}
	return shape, nil
}

// Validate checks the definition without instantiating the backend.
func (def *ModelDefinition) Validate() error {
	if def.Backend == "" {
		return errors.Errorf("model %q names no backend", def.Name)
	}
	_, err := def.InputShape()
	return err
}
