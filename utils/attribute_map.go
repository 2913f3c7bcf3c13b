package utils

import (
	"reflect"
	"sort"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// AttributeMap is a free-form set of options, as decoded from a config file. Environment
// variables have already been expanded by the config reader.
type AttributeMap map[string]interface{}

// TransformAttributeMap decodes attributes into a T, using json tags for field names. T may be
// a struct or a pointer to one. Attributes that match no field are an error.
func TransformAttributeMap[T any](attributes AttributeMap) (T, error) {
	var out T
	var forResult interface{}

	toT := reflect.TypeOf(out)
	if toT == nil {
		return out, errors.New("cannot transform attributes into a nil interface")
	}
	if toT.Kind() == reflect.Ptr {
		// needs to be allocated then
		var ok bool
		out, ok = reflect.New(toT.Elem()).Interface().(T)
		if !ok {
			return out, errors.Errorf("failed to allocate config type %T", out)
		}
		forResult = out
	} else {
		forResult = &out
	}

	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:  "json",
		Result:   forResult,
		Metadata: &md,
	})
	if err != nil {
		return out, err
	}
	if err := decoder.Decode(map[string]interface{}(attributes)); err != nil {
		return out, err
	}
	if len(md.Unused) != 0 {
		sort.Strings(md.Unused)
		return out, errors.Errorf("unknown attributes %v", md.Unused)
	}
	return out, nil
}
