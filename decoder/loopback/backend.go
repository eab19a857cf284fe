// Package loopback provides a software decoder.Backend. Access units are
// "decoded" into images carrying the submitted bytes and timestamp, which
// makes it usable to exercise frame pacing without decoding hardware.
package loopback

import (
	"sync"
	"time"

	"github.com/hakobera/go-framepacer/decoder"
	"github.com/sirupsen/logrus"
)

const (
	defaultInputBuffers    = 8
	defaultInputBufferSize = 1 << 20
)

// Option configures a Backend.
type Option func(*Backend)

// WithInputBuffers sets the number of input buffers of each codec.
func WithInputBuffers(n int) Option {
	return func(b *Backend) { b.inputBuffers = n }
}

// WithInputBufferSize sets the capacity of each codec input buffer.
func WithInputBufferSize(size int) Option {
	return func(b *Backend) { b.inputBufferSize = size }
}

// Backend creates loopback codecs and image readers, and keeps track of them
// for inspection.
type Backend struct {
	inputBuffers    int
	inputBufferSize int

	mu          sync.Mutex
	codecs      []*Codec
	readers     []*ImageReader
	failCreate  []error
	failStart   []error
	createDelay time.Duration
}

// NewBackend creates a Backend.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		inputBuffers:    defaultInputBuffers,
		inputBufferSize: defaultInputBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) NewFormat() decoder.MediaFormat {
	return NewFormat()
}

func (b *Backend) CreateDecoder(mime string) (decoder.HardwareCodec, error) {
	b.mu.Lock()
	delay := b.createDelay
	b.createDelay = 0
	b.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.failCreate) > 0 {
		err := b.failCreate[0]
		b.failCreate = b.failCreate[1:]
		return nil, err
	}

	c := newCodec(mime, b.inputBuffers, b.inputBufferSize)
	if len(b.failStart) > 0 {
		c.failStart = b.failStart[0]
		b.failStart = b.failStart[1:]
	}
	b.codecs = append(b.codecs, c)

	logrus.WithFields(logrus.Fields{
		"function": "Backend.CreateDecoder",
		"mime":     mime,
		"count":    len(b.codecs),
	}).Debug("Created loopback codec")

	return c, nil
}

func (b *Backend) NewImageReader(maxImages int) (decoder.ImageReader, error) {
	r := newImageReader(maxImages)

	b.mu.Lock()
	b.readers = append(b.readers, r)
	b.mu.Unlock()

	return r, nil
}

// FailNextCreate makes the next CreateDecoder call return err.
func (b *Backend) FailNextCreate(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failCreate = append(b.failCreate, err)
}

// FailNextStart makes the next created codec fail to start with err.
func (b *Backend) FailNextStart(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failStart = append(b.failStart, err)
}

// DelayNextCreate makes the next CreateDecoder call take at least d.
func (b *Backend) DelayNextCreate(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createDelay = d
}

// Codecs returns every codec created so far, oldest first.
func (b *Backend) Codecs() []*Codec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Codec(nil), b.codecs...)
}

// Current returns the most recently created codec.
func (b *Backend) Current() *Codec {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.codecs) == 0 {
		return nil
	}
	return b.codecs[len(b.codecs)-1]
}

// Readers returns every image reader created so far.
func (b *Backend) Readers() []*ImageReader {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*ImageReader(nil), b.readers...)
}
