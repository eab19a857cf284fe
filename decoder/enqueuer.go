package decoder

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Enqueuer submits access units to the current decoder of a session. It is
// meant to be driven by the network receive goroutine.
type Enqueuer struct {
	s *session
}

// PushFrameNAL copies one access unit into a decoder input buffer, waiting at
// most timeout in total, including the wait for a recreation in progress. It
// returns false when no decoder is installed or the wait timed out; the caller
// may retry or drop the access unit. Codec failures are returned as errors.
func (e *Enqueuer) PushFrameNAL(timestamp time.Duration, data []byte, timeout time.Duration) (bool, error) {
	s := e.s
	deadline := time.Now().Add(timeout)

	if !s.slot.mu.lockWithin(timeout) {
		return false, nil
	}
	defer s.slot.mu.Unlock()

	codec := s.slot.codec
	if codec == nil {
		return false, nil
	}

	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	buffer, info, err := codec.DequeueInputBuffer(remaining)
	if err != nil {
		return false, fmt.Errorf("%w: dequeue input buffer: %w", ErrSubmit, err)
	}
	if info != InfoNone {
		// Should be InfoTryAgainLater
		return false, nil
	}

	dst := buffer.Bytes()
	if len(data) > len(dst) {
		// Hand the buffer back empty so the codec does not lose it.
		if err := codec.QueueInputBuffer(buffer, 0, int64(timestamp)); err != nil {
			s.log.WithFields(logrus.Fields{
				"function": "PushFrameNAL",
				"error":    err.Error(),
			}).Warn("Failed to return unused input buffer")
		}
		return false, fmt.Errorf("%w: %d > %d bytes", ErrBufferTooSmall, len(data), len(dst))
	}
	copy(dst, data)

	// The codec field is nominally microseconds; nanoseconds are stored so
	// timestamps survive the round trip to time.Duration without collisions.
	if err := codec.QueueInputBuffer(buffer, len(data), int64(timestamp)); err != nil {
		return false, fmt.Errorf("%w: queue input buffer: %w", ErrSubmit, err)
	}

	s.stats.submitted.Add(1)
	return true, nil
}

// RecreateDecoder stops the current decoder and installs a new one bound to
// the session's existing output target. Queued images of the old decoder are
// dropped. It may be called any number of times; after the session is closed
// it returns ErrClosed.
func (e *Enqueuer) RecreateDecoder() error {
	s := e.s

	s.targetMu.Lock()
	defer s.targetMu.Unlock()

	if s.target == nil {
		// Only happens while shutting down.
		return ErrClosed
	}

	surface, err := s.target.Window()
	if err != nil {
		return fmt.Errorf("%w: output window: %w", ErrCreateDecoder, err)
	}

	s.slot.mu.Lock()
	defer s.slot.mu.Unlock()

	if err := s.slot.retireLocked(); err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "RecreateDecoder",
			"error":    err.Error(),
		}).Warn("Failed to stop previous decoder")
	}
	dropped := s.queue.clear()

	codec, err := s.backend.CreateDecoder(s.mime)
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrCreateDecoder, s.mime, err)
	}
	if err := codec.Configure(s.format, surface); err != nil {
		s.abandon(codec)
		return fmt.Errorf("%w: configure %s: %w", ErrCreateDecoder, s.mime, err)
	}
	if err := codec.Start(); err != nil {
		s.abandon(codec)
		return fmt.Errorf("%w: start %s: %w", ErrCreateDecoder, s.mime, err)
	}
	s.slot.installLocked(codec)

	s.log.WithFields(logrus.Fields{
		"function":       "RecreateDecoder",
		"mime":           s.mime,
		"generation":     s.slot.generation,
		"dropped_images": dropped,
	}).Info("Decoder created")
	s.emit(EventRecreated)

	return nil
}

// abandon stops a codec that failed to come up, so it does not hold on to a
// hardware decoder instance.
func (s *session) abandon(codec HardwareCodec) {
	if err := codec.Stop(); err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "RecreateDecoder",
			"mime":     s.mime,
			"error":    err.Error(),
		}).Warn("Failed to stop decoder that did not start")
	}
}
