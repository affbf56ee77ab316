package util

import (
	"encoding/json"

	"github.com/autom8ter/couchsys/errors"
	"github.com/ghodss/yaml"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

var validate = validator.New()

// ValidateStruct validates the struct against its `validate` tags
func ValidateStruct(val any) error {
	return errors.Wrap(validate.Struct(val), errors.Validation, "")
}

// Decode decodes the input into the output based on json tags
func Decode(input any, output any) error {
	config := &mapstructure.DecoderConfig{
		WeaklyTypedInput:     true,
		Result:               output,
		TagName:              "json",
		IgnoreUntaggedFields: true,
	}
	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// JSONString returns a json string of the input
func JSONString(input any) string {
	bits, _ := json.Marshal(input)
	return string(bits)
}

// JSONToYAML converts json bytes to yaml bytes
func JSONToYAML(jsonContent []byte) ([]byte, error) {
	return yaml.JSONToYAML(jsonContent)
}
