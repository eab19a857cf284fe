package decoder

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// mailbox is the single-slot handoff between the image-ready callback and the
// worker goroutine. A delivery overwrites any unconsumed image, which is closed
// and counted as a drop.
type mailbox struct {
	log *logrus.Entry

	mu     sync.Mutex
	cond   *sync.Cond
	image  Image
	err    error
	full   bool
	closed bool

	drops uint64
}

func newMailbox(log *logrus.Entry) *mailbox {
	m := &mailbox{log: log}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// deliver stores the result of an image acquisition and wakes the worker.
func (m *mailbox) deliver(image Image, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		if image != nil {
			releaseImage(m.log, image, "mailbox.deliver")
		}
		return
	}

	if m.full {
		m.drops++
		if m.image != nil {
			releaseImage(m.log, m.image, "mailbox.deliver")
		}
	}

	m.image, m.err, m.full = image, err, true
	m.cond.Signal()
}

// reset discards a late result left over from a previous wait.
func (m *mailbox) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.full && m.image != nil {
		releaseImage(m.log, m.image, "mailbox.reset")
	}
	m.image, m.err, m.full = nil, nil, false
}

// wait blocks until a result is delivered, the mailbox is closed or timeout
// elapses. A delivered (nil, nil) result is reported as ErrNoImage.
func (m *mailbox) wait(timeout time.Duration) (Image, error) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer timer.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	for !m.full && !m.closed {
		if !time.Now().Before(deadline) {
			return nil, ErrAcquireTimeout
		}
		m.cond.Wait()
	}

	if !m.full {
		return nil, ErrClosed
	}

	image, err := m.image, m.err
	m.image, m.err, m.full = nil, nil, false

	if err != nil {
		if image != nil {
			releaseImage(m.log, image, "mailbox.wait")
		}
		return nil, err
	}
	if image == nil {
		return nil, ErrNoImage
	}
	return image, nil
}

// close wakes any waiter and releases an unconsumed image.
func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	if m.full && m.image != nil {
		releaseImage(m.log, m.image, "mailbox.close")
	}
	m.image, m.err, m.full = nil, nil, false
	m.cond.Broadcast()
}

func (m *mailbox) dropCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drops
}
