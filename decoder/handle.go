package decoder

import "time"

// slotMutex is a mutex whose acquisition can be bounded by a timeout.
type slotMutex chan struct{}

func newSlotMutex() slotMutex {
	return make(slotMutex, 1)
}

func (m slotMutex) Lock() {
	m <- struct{}{}
}

func (m slotMutex) Unlock() {
	<-m
}

// lockWithin acquires the mutex unless timeout elapses first.
func (m slotMutex) lockWithin(timeout time.Duration) bool {
	select {
	case m <- struct{}{}:
		return true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

// codecSlot holds the current hardware codec. The codec is not safe for
// concurrent use: every call on it happens with mu held, by the Enqueuer, the
// worker, recreation or teardown.
type codecSlot struct {
	mu    slotMutex
	codec HardwareCodec

	// generation is bumped each time the codec is retired, so the worker can
	// tell whether an image was produced by the codec that is still current.
	generation uint64
}

func newCodecSlot() codecSlot {
	return codecSlot{mu: newSlotMutex()}
}

// retireLocked stops and forgets the current codec, if any.
func (s *codecSlot) retireLocked() error {
	s.generation++
	if s.codec == nil {
		return nil
	}
	codec := s.codec
	s.codec = nil
	return codec.Stop()
}

func (s *codecSlot) installLocked(codec HardwareCodec) {
	s.codec = codec
}
