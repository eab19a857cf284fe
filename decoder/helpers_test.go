package decoder

import (
	"io"
	"sync"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
)

type fakeImage struct {
	mu       sync.Mutex
	id       int
	closed   int
	closeErr error
}

func (i *fakeImage) HardwareBuffer() unsafe.Pointer { return unsafe.Pointer(i) }

func (i *fakeImage) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed++
	return i.closeErr
}

func (i *fakeImage) closeCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) count(e Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.events {
		if got == e {
			n++
		}
	}
	return n
}

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// newTestDequeuer builds a Dequeuer over a session without worker, so tests
// can play the worker by appending to the queue directly.
func newTestDequeuer(cfg DecoderInitConfig) (*Dequeuer, *eventRecorder) {
	rec := &eventRecorder{}
	log := quietLogger()
	s := &session{
		cfg:     cfg,
		log:     log,
		queue:   imageQueue{log: log},
		mailbox: newMailbox(log),
	}
	s.opts.events = rec.handle
	return &Dequeuer{s: s}, rec
}

func appendImages(d *Dequeuer, timestamps ...time.Duration) []*fakeImage {
	q := &d.s.queue
	q.mu.Lock()
	defer q.mu.Unlock()

	images := make([]*fakeImage, 0, len(timestamps))
	for i, ts := range timestamps {
		img := &fakeImage{id: i}
		images = append(images, img)
		q.pushBackLocked(&queuedImage{timestamp: ts, image: img})
	}
	return images
}
