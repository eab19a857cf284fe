package decoder

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// WorkerState is the lifecycle state of the decoder worker goroutine.
type WorkerState int32

const (
	WorkerWaitingForDecoder WorkerState = iota
	WorkerRunning
	WorkerStopped
)

func (s WorkerState) String() string {
	switch s {
	case WorkerWaitingForDecoder:
		return "waiting-for-decoder"
	case WorkerRunning:
		return "running"
	case WorkerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s *session) runWorker() {
	defer close(s.done)
	defer s.state.Store(int32(WorkerStopped))
	defer s.teardown()

	for s.running.Load() {
		s.workerStep()
	}
}

// workerStep runs one iteration of the output loop: drain one decoded buffer,
// pair it with the image the output target produces for it and queue it.
func (s *session) workerStep() {
	s.slot.mu.Lock()

	codec := s.slot.codec
	if codec == nil {
		s.slot.mu.Unlock()
		s.state.Store(int32(WorkerWaitingForDecoder))
		s.sleep(s.opts.pollInterval)
		return
	}
	s.state.Store(int32(WorkerRunning))

	if n := s.queue.len(); n > s.cfg.overflowThreshold() {
		dropped := s.queue.clear()
		s.slot.mu.Unlock()

		s.log.WithFields(logrus.Fields{
			"function":       "workerStep",
			"queue_length":   n,
			"dropped_images": dropped,
		}).Warn("Video frame queue overflow")
		s.emit(EventOverflow)
		return
	}

	s.mailbox.reset()

	buffer, info, err := codec.DequeueOutputBuffer(s.opts.outputTimeout)
	if err != nil {
		s.slot.mu.Unlock()

		s.log.WithFields(logrus.Fields{
			"function": "workerStep",
			"error":    err.Error(),
		}).Error("Decoder dequeue error")
		s.emit(EventDecodeError)

		// lessen log flood
		s.sleep(s.opts.errorBackoff)
		return
	}
	switch info {
	case InfoNone:
	case InfoTryAgainLater:
		s.slot.mu.Unlock()
		return
	default:
		s.slot.mu.Unlock()
		s.log.WithFields(logrus.Fields{
			"function": "workerStep",
			"event":    info.String(),
		}).Info("Decoder dequeue event")
		return
	}

	// The presentation time field carries nanoseconds.
	timestamp := time.Duration(buffer.PresentationTimeUs())
	generation := s.slot.generation

	if err := codec.ReleaseOutputBuffer(buffer, true); err != nil {
		s.slot.mu.Unlock()

		s.log.WithFields(logrus.Fields{
			"function":  "workerStep",
			"timestamp": timestamp,
			"error":     err.Error(),
		}).Error("Decoder release error")
		s.emit(EventDecodeError)
		return
	}
	s.slot.mu.Unlock()

	if s.onFrameRetired != nil {
		s.onFrameRetired(timestamp)
	}

	image, err := s.mailbox.wait(s.opts.acquireTimeout)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return
		}
		dropped := s.queue.clear()
		stale := s.drainStaleImages()

		s.log.WithFields(logrus.Fields{
			"function":       "workerStep",
			"timestamp":      timestamp,
			"dropped_images": dropped,
			"stale_images":   stale,
			"error":          err.Error(),
		}).Error("Image reader error")
		s.emit(EventAcquisitionError)
		return
	}

	s.queueImage(generation, timestamp, image)
}

// queueImage appends a decoded image unless its codec was retired meanwhile.
func (s *session) queueImage(generation uint64, timestamp time.Duration, image Image) {
	s.slot.mu.Lock()
	defer s.slot.mu.Unlock()

	if s.slot.generation != generation {
		releaseImage(s.log, image, "queueImage")

		s.log.WithFields(logrus.Fields{
			"function":  "queueImage",
			"timestamp": timestamp,
		}).Debug("Discarding image from retired decoder")
		return
	}

	s.queue.mu.Lock()
	s.queue.pushBackLocked(&queuedImage{timestamp: timestamp, image: image})
	s.queue.mu.Unlock()

	s.stats.decoded.Add(1)
}

// drainStaleImages releases the images left in the output target after a
// failed acquisition. Without it, a lost notification would pair every later
// output with the image of the frame before it.
func (s *session) drainStaleImages() int {
	s.targetMu.Lock()
	defer s.targetMu.Unlock()

	if s.target == nil {
		return 0
	}

	n := 0
	for ; n < s.opts.maxImages; n++ {
		image, err := s.target.AcquireNextImage()
		if err != nil || image == nil {
			break
		}
		releaseImage(s.log, image, "drainStaleImages")
	}
	return n
}
