package decoder

import (
	"sync"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
)

// Frame is a decoded image handed to the renderer.
type Frame struct {
	Timestamp      time.Duration
	Image          Image
	HardwareBuffer unsafe.Pointer
}

// Dequeuer hands decoded frames to a render loop and owns the session
// lifetime. It must be used from a single goroutine.
type Dequeuer struct {
	s *session

	// guarded by s.queue.mu
	average float32

	closeOnce sync.Once
}

// nextBufferingAverage gives more weight to recent queue depths as weight
// approaches 0.
func nextBufferingAverage(average float32, queueLen int, weight float32) float32 {
	return average*weight + float32(queueLen)*(1-weight)
}

// DequeueFrame returns the next frame to render, or false on underflow.
//
// The caller MUST finish using the previously returned frame before calling
// again: the previous frame is released by this call.
func (d *Dequeuer) DequeueFrame() (Frame, bool) {
	s := d.s

	s.queue.mu.Lock()
	defer s.queue.mu.Unlock()

	if head := s.queue.frontLocked(); head != nil && head.inUse {
		// released by the renderer, ready to be reused by the decoder
		s.queue.popFrontLocked()
	}

	d.average = nextBufferingAverage(d.average, s.queue.lenLocked(), s.cfg.BufferingHistoryWeight)
	if d.average > float32(s.cfg.MaxBufferingFrames) {
		if s.queue.popFrontLocked() {
			s.log.WithFields(logrus.Fields{
				"function":          "DequeueFrame",
				"buffering_average": d.average,
				"queue_length":      s.queue.lenLocked(),
			}).Warn("Dropping frame to reduce buffering latency")
			s.emit(EventAdaptiveDrop)
		}
	}

	head := s.queue.frontLocked()
	if head == nil {
		s.log.WithField("function", "DequeueFrame").Debug("Video frame queue underflow")
		s.emit(EventUnderflow)
		return Frame{}, false
	}

	head.inUse = true
	s.stats.presented.Add(1)

	return Frame{
		Timestamp:      head.timestamp,
		Image:          head.image,
		HardwareBuffer: head.image.HardwareBuffer(),
	}, true
}

// Stats returns a snapshot of the session's pacing state.
func (d *Dequeuer) Stats() Stats {
	s := d.s

	s.queue.mu.Lock()
	queueLen := s.queue.lenLocked()
	average := d.average
	s.queue.mu.Unlock()

	return Stats{
		State:             WorkerState(s.state.Load()),
		QueueLength:       queueLen,
		BufferingAverage:  average,
		FramesSubmitted:   s.stats.submitted.Load(),
		FramesDecoded:     s.stats.decoded.Load(),
		FramesPresented:   s.stats.presented.Load(),
		Overflows:         s.stats.overflows.Load(),
		Underflows:        s.stats.underflows.Load(),
		AdaptiveDrops:     s.stats.adaptiveDrops.Load(),
		DecodeErrors:      s.stats.decodeErrors.Load(),
		AcquisitionErrors: s.stats.acquisitionErrors.Load(),
		MailboxDrops:      s.mailbox.dropCount(),
		Recreations:       s.stats.recreations.Load(),
	}
}

// Close stops the worker and waits for the decoder, the queued images and the
// output target to be released. It is safe to call more than once.
func (d *Dequeuer) Close() error {
	d.closeOnce.Do(func() {
		s := d.s
		s.running.Store(false)
		close(s.quit)
		s.mailbox.close()
		<-s.done
	})
	return nil
}
