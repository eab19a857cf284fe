package decoder

import "errors"

// Sentinel errors for decoder package operations.
// These errors enable reliable error classification using errors.Is().

// Configuration errors.
var (
	// ErrUnsupportedCodec indicates the codec kind is not known.
	ErrUnsupportedCodec = errors.New("unsupported codec")

	// ErrInvalidConfig indicates a DecoderInitConfig failed validation.
	ErrInvalidConfig = errors.New("invalid decoder config")

	// ErrInvalidOption indicates an option value could not be parsed.
	ErrInvalidOption = errors.New("invalid option value")
)

// Session errors.
var (
	// ErrClosed indicates the session has been torn down.
	ErrClosed = errors.New("decoder session closed")

	// ErrCreateDecoder indicates the backend failed to create or start a codec.
	ErrCreateDecoder = errors.New("decoder creation failed")
)

// Submission errors.
var (
	// ErrSubmit indicates the codec rejected an input buffer.
	ErrSubmit = errors.New("access unit submission failed")

	// ErrBufferTooSmall indicates the access unit does not fit the input buffer.
	ErrBufferTooSmall = errors.New("access unit larger than input buffer")
)

// Image acquisition errors.
var (
	// ErrAcquireTimeout indicates no image-ready notification arrived in time.
	ErrAcquireTimeout = errors.New("image acquisition timed out")

	// ErrNoImage indicates the notification carried no image.
	ErrNoImage = errors.New("no image available")
)
