package config

import (
	"github.com/mitchellh/mapstructure"
)

// Setter is the interface a driver configuration struct may implement
// to set default options.
type Setter interface {
	ApplyDefaults()
}

// Decode decodes the given raw input map to the target pointer c.
// Weakly typed input is accepted so TOML integers and floats both land in
// int fields. If c implements Setter, ApplyDefaults() is called afterwards.
func Decode(input map[string]any, c any) error {
	_, err := DecodeWithUnused(input, c)
	return err
}

// DecodeWithUnused is Decode that also reports keys not used by the target.
func DecodeWithUnused(input map[string]any, c any) ([]string, error) {
	var md mapstructure.Metadata
	config := &mapstructure.DecoderConfig{
		Metadata:         &md,
		Result:           c,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	}

	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(input); err != nil {
		return nil, err
	}

	if s, ok := c.(Setter); ok {
		s.ApplyDefaults()
	}

	return md.Unused, nil
}
