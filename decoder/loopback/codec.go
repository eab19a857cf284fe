package loopback

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hakobera/go-framepacer/decoder"
)

// Codec errors.
var (
	ErrNotConfigured = errors.New("codec not configured")
	ErrNotStarted    = errors.New("codec not started")
	ErrStopped       = errors.New("codec stopped")
	ErrForeignBuffer = errors.New("buffer does not belong to this codec")
)

type inputBuffer struct {
	owner *Codec
	data  []byte
}

func (b *inputBuffer) Bytes() []byte { return b.data }

type outputBuffer struct {
	owner     *Codec
	timestamp int64
	data      []byte
}

func (b *outputBuffer) PresentationTimeUs() int64 { return b.timestamp }

type outputResult struct {
	info decoder.CodecInfo
	err  error
}

// Codec is a software stand-in for a hardware decoder: every submitted access
// unit becomes one output buffer, and releasing it with render=true produces
// an image carrying the same timestamp in the configured ImageReader.
//
// Like a hardware codec it must not be used concurrently; overlapping calls
// are counted and reported by Violations.
type Codec struct {
	mime string

	mu         sync.Mutex
	format     decoder.MediaFormat
	window     *Window
	started    bool
	stopped    bool
	pending    []*outputBuffer
	injected   []outputResult
	stallInput bool
	failStart  error

	free        chan *inputBuffer
	outputReady chan struct{}

	active     atomic.Int32
	violations atomic.Uint64
	submitted  atomic.Uint64
	rendered   atomic.Uint64
}

func newCodec(mime string, inputBuffers, inputBufferSize int) *Codec {
	c := &Codec{
		mime:        mime,
		free:        make(chan *inputBuffer, inputBuffers),
		outputReady: make(chan struct{}, 1),
	}
	for i := 0; i < inputBuffers; i++ {
		c.free <- &inputBuffer{owner: c, data: make([]byte, inputBufferSize)}
	}
	return c
}

func (c *Codec) enter() {
	if c.active.Add(1) > 1 {
		c.violations.Add(1)
	}
}

func (c *Codec) exit() {
	c.active.Add(-1)
}

// Configure binds the codec to an ImageReader window.
func (c *Codec) Configure(format decoder.MediaFormat, surface decoder.Surface) error {
	c.enter()
	defer c.exit()

	window, ok := surface.(*Window)
	if !ok || window == nil {
		return fmt.Errorf("loopback: unsupported surface %T", surface)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.format = format
	c.window = window
	return nil
}

func (c *Codec) Start() error {
	c.enter()
	defer c.exit()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.window == nil {
		return ErrNotConfigured
	}
	if c.stopped {
		return ErrStopped
	}
	if c.failStart != nil {
		return c.failStart
	}
	c.started = true
	return nil
}

func (c *Codec) Stop() error {
	c.enter()
	defer c.exit()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.pending = nil
	return nil
}

func (c *Codec) checkRunningLocked() error {
	if c.stopped {
		return ErrStopped
	}
	if !c.started {
		return ErrNotStarted
	}
	return nil
}

func (c *Codec) DequeueInputBuffer(timeout time.Duration) (decoder.InputBuffer, decoder.CodecInfo, error) {
	c.enter()
	defer c.exit()

	c.mu.Lock()
	err := c.checkRunningLocked()
	stall := c.stallInput
	c.mu.Unlock()
	if err != nil {
		return nil, decoder.InfoNone, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if stall {
		<-timer.C
		return nil, decoder.InfoTryAgainLater, nil
	}

	select {
	case buf := <-c.free:
		return buf, decoder.InfoNone, nil
	default:
	}
	select {
	case buf := <-c.free:
		return buf, decoder.InfoNone, nil
	case <-timer.C:
		return nil, decoder.InfoTryAgainLater, nil
	}
}

func (c *Codec) QueueInputBuffer(buffer decoder.InputBuffer, size int, presentationTimeUs int64) error {
	c.enter()
	defer c.exit()

	buf, ok := buffer.(*inputBuffer)
	if !ok || buf.owner != c {
		return ErrForeignBuffer
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// the buffer goes back to the pool whatever happens
	defer func() { c.free <- buf }()

	if err := c.checkRunningLocked(); err != nil {
		return err
	}
	if size < 0 || size > len(buf.data) {
		return fmt.Errorf("loopback: invalid input size %d", size)
	}
	if size == 0 {
		return nil
	}

	c.pending = append(c.pending, &outputBuffer{
		owner:     c,
		timestamp: presentationTimeUs,
		data:      append([]byte(nil), buf.data[:size]...),
	})
	c.submitted.Add(1)

	select {
	case c.outputReady <- struct{}{}:
	default:
	}
	return nil
}

func (c *Codec) DequeueOutputBuffer(timeout time.Duration) (decoder.OutputBuffer, decoder.CodecInfo, error) {
	c.enter()
	defer c.exit()

	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		if err := c.checkRunningLocked(); err != nil {
			c.mu.Unlock()
			return nil, decoder.InfoNone, err
		}
		if len(c.injected) > 0 {
			res := c.injected[0]
			c.injected = c.injected[1:]
			c.mu.Unlock()
			return nil, res.info, res.err
		}
		if len(c.pending) > 0 {
			out := c.pending[0]
			c.pending[0] = nil
			c.pending = c.pending[1:]
			c.mu.Unlock()
			return out, decoder.InfoNone, nil
		}
		c.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, decoder.InfoTryAgainLater, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-c.outputReady:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (c *Codec) ReleaseOutputBuffer(buffer decoder.OutputBuffer, render bool) error {
	c.enter()
	defer c.exit()

	out, ok := buffer.(*outputBuffer)
	if !ok || out.owner != c {
		return ErrForeignBuffer
	}

	c.mu.Lock()
	window := c.window
	err := c.checkRunningLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if render {
		c.rendered.Add(1)
		window.reader.produce(time.Duration(out.timestamp), out.data)
	}
	return nil
}

// InjectOutputError makes the next DequeueOutputBuffer fail with err.
func (c *Codec) InjectOutputError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.injected = append(c.injected, outputResult{err: err})
}

// InjectOutputInfo makes the next DequeueOutputBuffer report info.
func (c *Codec) InjectOutputInfo(info decoder.CodecInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.injected = append(c.injected, outputResult{info: info})
}

// SetInputStalled makes DequeueInputBuffer time out while stalled.
func (c *Codec) SetInputStalled(stalled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stallInput = stalled
}

// Mime returns the mime type the codec was created for.
func (c *Codec) Mime() string { return c.mime }

// Format returns the format the codec was configured with.
func (c *Codec) Format() decoder.MediaFormat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.format
}

// Window returns the surface the codec was configured with.
func (c *Codec) Window() *Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window
}

// Stopped reports whether Stop was called.
func (c *Codec) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Violations returns how many calls overlapped with another call.
func (c *Codec) Violations() uint64 { return c.violations.Load() }

// Submitted returns how many access units were queued.
func (c *Codec) Submitted() uint64 { return c.submitted.Load() }

// Rendered returns how many output buffers were rendered to the window.
func (c *Codec) Rendered() uint64 { return c.rendered.Load() }
