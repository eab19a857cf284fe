package loopback

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/hakobera/go-framepacer/decoder"
)

// ErrReaderClosed is returned by a closed ImageReader.
var ErrReaderClosed = errors.New("image reader closed")

// Window is the surface of an ImageReader.
type Window struct {
	reader *ImageReader
}

// Reader returns the image reader the window belongs to.
func (w *Window) Reader() *ImageReader {
	return w.reader
}

// Image is a decoded picture owned by an ImageReader.
type Image struct {
	reader    *ImageReader
	timestamp time.Duration
	data      []byte
	closed    atomic.Bool
}

// Timestamp returns the presentation time the picture was decoded with.
func (i *Image) Timestamp() time.Duration { return i.timestamp }

// Data returns the access unit the picture was decoded from.
func (i *Image) Data() []byte { return i.data }

// HardwareBuffer returns an opaque handle identifying the picture.
func (i *Image) HardwareBuffer() unsafe.Pointer {
	return unsafe.Pointer(i)
}

// Close returns the picture to its reader. Closing twice is a no-op.
func (i *Image) Close() error {
	if i.closed.Swap(true) {
		return nil
	}
	i.reader.release()
	return nil
}

// ImageReader is a software output target. Image-available notifications are
// delivered from a dedicated goroutine through the decoder listener registry,
// the way a native callback thread would deliver them.
type ImageReader struct {
	maxImages int
	window    *Window

	mu          sync.Mutex
	available   []*Image
	outstanding int
	pending     int
	token       unsafe.Pointer
	closed      bool

	failNext    []error
	emptyNext   int
	silenceNext int

	signal chan struct{}
	quit   chan struct{}
	done   chan struct{}

	produced atomic.Uint64
	released atomic.Uint64
}

func newImageReader(maxImages int) *ImageReader {
	r := &ImageReader{
		maxImages: maxImages,
		signal:    make(chan struct{}, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	r.window = &Window{reader: r}
	go r.dispatch()
	return r
}

// Window returns the surface decoders render into. It is the same for the
// lifetime of the reader.
func (r *ImageReader) Window() (decoder.Surface, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrReaderClosed
	}
	return r.window, nil
}

// SetImageListener registers the image-available callback.
func (r *ImageReader) SetImageListener(listener decoder.ImageListener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrReaderClosed
	}
	if r.token != nil {
		decoder.UnregisterImageListener(r.token)
	}
	r.token = decoder.RegisterImageListener(r, listener)
	return nil
}

// AcquireNextImage hands out the oldest available picture.
func (r *ImageReader) AcquireNextImage() (decoder.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrReaderClosed
	}
	if len(r.failNext) > 0 {
		err := r.failNext[0]
		r.failNext = r.failNext[1:]
		r.discardOldestLocked()
		return nil, err
	}
	if r.emptyNext > 0 {
		r.emptyNext--
		r.discardOldestLocked()
		return nil, nil
	}
	if len(r.available) == 0 {
		return nil, nil
	}

	img := r.available[0]
	r.available[0] = nil
	r.available = r.available[1:]
	return img, nil
}

// Close stops notifications and drops pictures not yet acquired.
func (r *ImageReader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, img := range r.available {
		img.closed.Store(true)
		r.outstanding--
		r.released.Add(1)
	}
	r.available = nil
	token := r.token
	r.token = nil
	r.mu.Unlock()

	close(r.quit)
	<-r.done
	decoder.UnregisterImageListener(token)
	return nil
}

// FailNextAcquire makes the next acquisition return err.
func (r *ImageReader) FailNextAcquire(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = append(r.failNext, err)
}

// EmptyNextAcquire makes the next acquisition return no image.
func (r *ImageReader) EmptyNextAcquire() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emptyNext++
}

// SilenceNextImage suppresses the notification of the next picture.
func (r *ImageReader) SilenceNextImage() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.silenceNext++
}

// Outstanding returns how many produced pictures have not been closed.
func (r *ImageReader) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outstanding
}

// Produced returns how many pictures were rendered into the reader.
func (r *ImageReader) Produced() uint64 { return r.produced.Load() }

// Released returns how many pictures were closed.
func (r *ImageReader) Released() uint64 { return r.released.Load() }

// produce renders a picture into the reader and schedules a notification.
func (r *ImageReader) produce(timestamp time.Duration, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if r.outstanding >= r.maxImages {
		// reader full, the frame is lost like on a real surface
		return
	}

	r.available = append(r.available, &Image{reader: r, timestamp: timestamp, data: data})
	r.outstanding++
	r.produced.Add(1)

	if r.silenceNext > 0 {
		r.silenceNext--
		return
	}
	r.pending++
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *ImageReader) discardOldestLocked() {
	if len(r.available) == 0 {
		return
	}
	img := r.available[0]
	r.available = r.available[1:]
	img.closed.Store(true)
	r.outstanding--
	r.released.Add(1)
}

func (r *ImageReader) release() {
	r.mu.Lock()
	r.outstanding--
	r.mu.Unlock()
	r.released.Add(1)
}

// dispatch plays the role of the platform callback thread.
func (r *ImageReader) dispatch() {
	defer close(r.done)
	for {
		select {
		case <-r.quit:
			return
		case <-r.signal:
		}

		r.mu.Lock()
		n, token := r.pending, r.token
		r.pending = 0
		r.mu.Unlock()

		for i := 0; i < n; i++ {
			decoder.DispatchImageAvailable(token)
		}
	}
}
