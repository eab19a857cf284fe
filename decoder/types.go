package decoder

import (
	"fmt"
	"math"
	"sort"
)

// Codec is the compressed video format of a session.
type Codec int

const (
	CodecH264 Codec = iota
	CodecHEVC
)

// MimeType returns the mime type used to create a hardware decoder for the codec.
func (c Codec) MimeType() (string, error) {
	switch c {
	case CodecH264:
		return "video/avc", nil
	case CodecHEVC:
		return "video/hevc", nil
	default:
		return "", fmt.Errorf("%w: %d", ErrUnsupportedCodec, int(c))
	}
}

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecHEVC:
		return "hevc"
	default:
		return fmt.Sprintf("codec(%d)", int(c))
	}
}

// OptionValue is a typed decoder option. It is one of FloatOption,
// Int32Option, Int64Option or StringOption.
type OptionValue interface {
	apply(format MediaFormat, key string)
}

type (
	FloatOption  float32
	Int32Option  int32
	Int64Option  int64
	StringOption string
)

func (v FloatOption) apply(format MediaFormat, key string)  { format.SetFloat32(key, float32(v)) }
func (v Int32Option) apply(format MediaFormat, key string)  { format.SetInt32(key, int32(v)) }
func (v Int64Option) apply(format MediaFormat, key string)  { format.SetInt64(key, int64(v)) }
func (v StringOption) apply(format MediaFormat, key string) { format.SetString(key, string(v)) }

// Format dimensions are placeholders; the decoder resizes to the stream.
const (
	formatWidth  = 512
	formatHeight = 1024
)

// DecoderInitConfig configures a decoding session. It must not be modified
// after being passed to NewVideoDecoder.
type DecoderInitConfig struct {
	Codec Codec

	// BufferingHistoryWeight is the weight of the previous running average of
	// the queue depth, between 0 and 1.
	BufferingHistoryWeight float32

	// MaxBufferingFrames is the running average depth above which frames are
	// dropped. The queue is flushed when it holds more than twice this value.
	MaxBufferingFrames int

	// Options are passed opaquely to the hardware decoder format.
	Options map[string]OptionValue
}

// Validate checks the config ranges.
func (c DecoderInitConfig) Validate() error {
	if _, err := c.Codec.MimeType(); err != nil {
		return err
	}
	w := c.BufferingHistoryWeight
	if math.IsNaN(float64(w)) || w < 0 || w > 1 {
		return fmt.Errorf("%w: buffering history weight %v not in [0, 1]", ErrInvalidConfig, c.BufferingHistoryWeight)
	}
	if c.MaxBufferingFrames <= 0 {
		return fmt.Errorf("%w: max buffering frames must be positive, got %d", ErrInvalidConfig, c.MaxBufferingFrames)
	}
	for key, value := range c.Options {
		if value == nil {
			return fmt.Errorf("%w: option %q has no value", ErrInvalidConfig, key)
		}
	}
	return nil
}

// overflowThreshold keeps the target buffering in the middle of the queue.
func (c DecoderInitConfig) overflowThreshold() int {
	return 2 * c.MaxBufferingFrames
}

// buildFormat fills format with the codec description, csd-0 and options.
func (c DecoderInitConfig) buildFormat(format MediaFormat, csd0 []byte) error {
	mime, err := c.Codec.MimeType()
	if err != nil {
		return err
	}

	format.SetString("mime", mime)
	format.SetInt32("width", formatWidth)
	format.SetInt32("height", formatHeight)
	format.SetBuffer("csd-0", csd0)

	keys := make([]string, 0, len(c.Options))
	for key := range c.Options {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		c.Options[key].apply(format, key)
	}

	return nil
}
