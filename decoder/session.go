package decoder

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultPollInterval   = 10 * time.Millisecond
	defaultOutputTimeout  = time.Millisecond
	defaultErrorBackoff   = 50 * time.Millisecond
	defaultAcquireTimeout = 100 * time.Millisecond
	defaultMaxImages      = 10
)

type options struct {
	logger         *logrus.Entry
	events         EventHandler
	pollInterval   time.Duration
	outputTimeout  time.Duration
	errorBackoff   time.Duration
	acquireTimeout time.Duration
	maxImages      int
}

// Option customizes a decoding session.
type Option func(*options)

// WithLogger sets the logger used by the session.
func WithLogger(logger *logrus.Entry) Option {
	return func(o *options) { o.logger = logger }
}

// WithEventHandler registers a handler for pacing events.
func WithEventHandler(handler EventHandler) Option {
	return func(o *options) { o.events = handler }
}

// WithPollInterval sets how long the worker sleeps while no codec is installed.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithOutputTimeout sets the worker's wait for a decoded output buffer.
func WithOutputTimeout(d time.Duration) Option {
	return func(o *options) { o.outputTimeout = d }
}

// WithErrorBackoff sets the worker's pause after a codec error.
func WithErrorBackoff(d time.Duration) Option {
	return func(o *options) { o.errorBackoff = d }
}

// WithAcquireTimeout bounds the wait for an image-ready notification.
func WithAcquireTimeout(d time.Duration) Option {
	return func(o *options) { o.acquireTimeout = d }
}

// WithMaxImages sets the capacity of the output image reader.
func WithMaxImages(n int) Option {
	return func(o *options) { o.maxImages = n }
}

// session is the state shared by the Enqueuer, the Dequeuer and the worker.
//
// Lock order: targetMu, then slot.mu, then queue.mu.
type session struct {
	cfg     DecoderInitConfig
	opts    options
	log     *logrus.Entry
	backend Backend
	mime    string
	format  MediaFormat

	// The output target outlives every codec of the session.
	targetMu sync.Mutex
	target   ImageReader

	slot    codecSlot
	queue   imageQueue
	mailbox *mailbox
	stats   counters

	onFrameRetired func(time.Duration)

	state   atomic.Int32
	running atomic.Bool
	quit    chan struct{}
	done    chan struct{}
}

// NewVideoDecoder creates an Enqueuer/Dequeuer pair sharing one decoding
// session. The output image reader is created once here; use
// Enqueuer.RecreateDecoder rather than creating a new pair to recover from
// decoder failures. onFrameRetired, if not nil, is called from the worker
// goroutine with the timestamp of every frame leaving the decoder.
func NewVideoDecoder(
	cfg DecoderInitConfig,
	csd0 []byte,
	backend Backend,
	onFrameRetired func(timestamp time.Duration),
	opts ...Option,
) (*Enqueuer, *Dequeuer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	o := options{
		pollInterval:   defaultPollInterval,
		outputTimeout:  defaultOutputTimeout,
		errorBackoff:   defaultErrorBackoff,
		acquireTimeout: defaultAcquireTimeout,
		maxImages:      max(defaultMaxImages, cfg.overflowThreshold()+2),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logrus.WithField("component", "decoder")
	}

	mime, err := cfg.Codec.MimeType()
	if err != nil {
		return nil, nil, err
	}
	format := backend.NewFormat()
	if err := cfg.buildFormat(format, csd0); err != nil {
		return nil, nil, err
	}

	s := &session{
		cfg:            cfg,
		opts:           o,
		log:            o.logger,
		backend:        backend,
		mime:           mime,
		format:         format,
		slot:           newCodecSlot(),
		queue:          imageQueue{log: o.logger},
		mailbox:        newMailbox(o.logger),
		onFrameRetired: onFrameRetired,
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	s.state.Store(int32(WorkerWaitingForDecoder))

	s.log.WithFields(logrus.Fields{
		"function":             "NewVideoDecoder",
		"codec":                cfg.Codec.String(),
		"max_buffering_frames": cfg.MaxBufferingFrames,
		"history_weight":       cfg.BufferingHistoryWeight,
		"max_images":           o.maxImages,
	}).Info("Creating video decoder session")

	reader, err := backend.NewImageReader(o.maxImages)
	if err != nil {
		return nil, nil, fmt.Errorf("create image reader: %w", err)
	}
	if err := reader.SetImageListener(s.onImageAvailable); err != nil {
		reader.Close()
		return nil, nil, fmt.Errorf("set image listener: %w", err)
	}
	s.target = reader

	s.running.Store(true)
	go s.runWorker()

	enqueuer := &Enqueuer{s: s}
	dequeuer := &Dequeuer{s: s}

	if err := enqueuer.RecreateDecoder(); err != nil {
		dequeuer.Close()
		return nil, nil, err
	}

	return enqueuer, dequeuer, nil
}

// onImageAvailable runs on the platform callback context.
func (s *session) onImageAvailable(reader ImageReader) {
	image, err := reader.AcquireNextImage()
	s.mailbox.deliver(image, err)
}

func (s *session) emit(e Event) {
	s.stats.record(e, s.opts.events)
}

// sleep pauses the worker, returning early on shutdown.
func (s *session) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.quit:
	}
}

// teardown stops the codec, drops queued images and disposes of the output
// target, in the same lock order as recreation.
func (s *session) teardown() {
	s.targetMu.Lock()
	defer s.targetMu.Unlock()

	s.slot.mu.Lock()
	if err := s.slot.retireLocked(); err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "teardown",
			"error":    err.Error(),
		}).Warn("Failed to stop decoder")
	}
	dropped := s.queue.clear()
	s.slot.mu.Unlock()

	if s.target != nil {
		if err := s.target.Close(); err != nil {
			s.log.WithFields(logrus.Fields{
				"function": "teardown",
				"error":    err.Error(),
			}).Warn("Failed to close image reader")
		}
		s.target = nil
	}

	s.log.WithFields(logrus.Fields{
		"function":       "teardown",
		"dropped_images": dropped,
	}).Info("Video decoder session stopped")
}
