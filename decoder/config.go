package decoder

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfig returns the session defaults.
func DefaultConfig() DecoderInitConfig {
	return DecoderInitConfig{
		Codec:                  CodecH264,
		BufferingHistoryWeight: 0.9,
		MaxBufferingFrames:     2,
		Options:                map[string]OptionValue{},
	}
}

// ParseCodec parses a codec name ("h264", "avc", "hevc", "h265").
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "h264", "avc":
		return CodecH264, nil
	case "hevc", "h265":
		return CodecHEVC, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedCodec, name)
	}
}

type configFile struct {
	Codec                  string                `yaml:"codec"`
	BufferingHistoryWeight *float32              `yaml:"buffering_history_weight"`
	MaxBufferingFrames     *int                  `yaml:"max_buffering_frames"`
	Options                map[string]optionNode `yaml:"options"`
}

// optionNode decodes a single-key mapping such as {int32: 1} into an OptionValue.
type optionNode struct {
	value OptionValue
}

func (o *optionNode) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return fmt.Errorf("%w: line %d: expected a mapping with one of float, int32, int64, string", ErrInvalidOption, node.Line)
	}

	kind, raw := node.Content[0].Value, node.Content[1]
	switch kind {
	case "float":
		var v float32
		if err := raw.Decode(&v); err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrInvalidOption, raw.Line, err)
		}
		o.value = FloatOption(v)
	case "int32":
		var v int32
		if err := raw.Decode(&v); err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrInvalidOption, raw.Line, err)
		}
		o.value = Int32Option(v)
	case "int64":
		var v int64
		if err := raw.Decode(&v); err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrInvalidOption, raw.Line, err)
		}
		o.value = Int64Option(v)
	case "string":
		var v string
		if err := raw.Decode(&v); err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrInvalidOption, raw.Line, err)
		}
		o.value = StringOption(v)
	default:
		return fmt.Errorf("%w: line %d: unknown option type %q", ErrInvalidOption, node.Line, kind)
	}
	return nil
}

// ParseConfig decodes a YAML session config on top of DefaultConfig.
//
//	codec: hevc
//	buffering_history_weight: 0.9
//	max_buffering_frames: 2
//	options:
//	  operating-rate: {int32: 32767}
//	  vendor.low-latency: {string: "on"}
func ParseConfig(data []byte) (DecoderInitConfig, error) {
	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return DecoderInitConfig{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	cfg := DefaultConfig()
	if file.Codec != "" {
		codec, err := ParseCodec(file.Codec)
		if err != nil {
			return DecoderInitConfig{}, err
		}
		cfg.Codec = codec
	}
	if file.BufferingHistoryWeight != nil {
		cfg.BufferingHistoryWeight = *file.BufferingHistoryWeight
	}
	if file.MaxBufferingFrames != nil {
		cfg.MaxBufferingFrames = *file.MaxBufferingFrames
	}
	for key, node := range file.Options {
		cfg.Options[key] = node.value
	}

	if err := cfg.Validate(); err != nil {
		return DecoderInitConfig{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML session config file.
func LoadConfig(path string) (DecoderInitConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DecoderInitConfig{}, fmt.Errorf("read decoder config: %w", err)
	}
	return ParseConfig(data)
}
