package decoder

import (
	"time"
	"unsafe"
)

// CodecInfo reports a non-buffer outcome of a dequeue call on a HardwareCodec.
type CodecInfo int

const (
	// InfoNone means the call produced a buffer.
	InfoNone CodecInfo = iota
	// InfoTryAgainLater means no buffer became available within the timeout.
	InfoTryAgainLater
	// InfoOutputFormatChanged means the output format changed.
	InfoOutputFormatChanged
	// InfoOutputBuffersChanged means the output buffers were reallocated.
	InfoOutputBuffersChanged
)

func (i CodecInfo) String() string {
	switch i {
	case InfoNone:
		return "none"
	case InfoTryAgainLater:
		return "try-again-later"
	case InfoOutputFormatChanged:
		return "output-format-changed"
	case InfoOutputBuffersChanged:
		return "output-buffers-changed"
	default:
		return "unknown"
	}
}

// MediaFormat is the key/value format description handed to a HardwareCodec.
type MediaFormat interface {
	SetString(key, value string)
	SetInt32(key string, value int32)
	SetInt64(key string, value int64)
	SetFloat32(key string, value float32)
	SetBuffer(key string, value []byte)
}

// Surface is the opaque drawable a decoder renders into.
type Surface interface{}

// InputBuffer is a writable codec input buffer.
type InputBuffer interface {
	Bytes() []byte
}

// OutputBuffer is a decoded codec output buffer.
type OutputBuffer interface {
	// PresentationTimeUs returns the timestamp submitted with the matching input.
	// The decoder stores nanoseconds in this field.
	PresentationTimeUs() int64
}

// HardwareCodec is one hardware decoding session. Implementations are not safe
// for concurrent use; the decoder package serializes every call.
type HardwareCodec interface {
	Configure(format MediaFormat, surface Surface) error
	Start() error
	Stop() error
	DequeueInputBuffer(timeout time.Duration) (InputBuffer, CodecInfo, error)
	QueueInputBuffer(buffer InputBuffer, size int, presentationTimeUs int64) error
	DequeueOutputBuffer(timeout time.Duration) (OutputBuffer, CodecInfo, error)
	ReleaseOutputBuffer(buffer OutputBuffer, render bool) error
}

// Image defines interface for images which decoded by the hardware codec.
type Image interface {
	HardwareBuffer() unsafe.Pointer
	Close() error
}

// ImageListener is invoked by the platform when a new image is available.
type ImageListener func(reader ImageReader)

// ImageReader is the output target a HardwareCodec renders into.
type ImageReader interface {
	Window() (Surface, error)
	SetImageListener(listener ImageListener) error
	// AcquireNextImage returns (nil, nil) when no image is available.
	AcquireNextImage() (Image, error)
	Close() error
}

// Backend creates the platform objects a decoding session needs.
type Backend interface {
	NewFormat() MediaFormat
	CreateDecoder(mime string) (HardwareCodec, error)
	NewImageReader(maxImages int) (ImageReader, error)
}
