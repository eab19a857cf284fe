package decoder

import "sync/atomic"

// Event is a pacing signal raised by the worker or the Dequeuer.
type Event int

const (
	// EventOverflow means the queue exceeded twice the max buffering and was flushed.
	EventOverflow Event = iota
	// EventUnderflow means DequeueFrame found no image.
	EventUnderflow
	// EventAdaptiveDrop means the running average exceeded the max buffering
	// and the oldest image was dropped.
	EventAdaptiveDrop
	// EventDecodeError means the codec failed to produce or release output.
	EventDecodeError
	// EventAcquisitionError means no image could be paired with a decoded
	// output and the queue was flushed.
	EventAcquisitionError
	// EventRecreated means a new codec was installed.
	EventRecreated
)

func (e Event) String() string {
	switch e {
	case EventOverflow:
		return "overflow"
	case EventUnderflow:
		return "underflow"
	case EventAdaptiveDrop:
		return "adaptive-drop"
	case EventDecodeError:
		return "decode-error"
	case EventAcquisitionError:
		return "acquisition-error"
	case EventRecreated:
		return "recreated"
	default:
		return "unknown"
	}
}

// EventHandler receives pacing events. It is called synchronously from the
// goroutine raising the event, sometimes with internal locks held, and must
// not call back into the session.
type EventHandler func(Event)

// Stats is a snapshot of a session's pacing state.
type Stats struct {
	State            WorkerState
	QueueLength      int
	BufferingAverage float32

	FramesSubmitted uint64
	FramesDecoded   uint64
	FramesPresented uint64

	Overflows         uint64
	Underflows        uint64
	AdaptiveDrops     uint64
	DecodeErrors      uint64
	AcquisitionErrors uint64
	MailboxDrops      uint64
	Recreations       uint64
}

type counters struct {
	submitted atomic.Uint64
	decoded   atomic.Uint64
	presented atomic.Uint64

	overflows         atomic.Uint64
	underflows        atomic.Uint64
	adaptiveDrops     atomic.Uint64
	decodeErrors      atomic.Uint64
	acquisitionErrors atomic.Uint64
	recreations       atomic.Uint64
}

// record counts an event and forwards it to handler, if any.
func (c *counters) record(e Event, handler EventHandler) {
	switch e {
	case EventOverflow:
		c.overflows.Add(1)
	case EventUnderflow:
		c.underflows.Add(1)
	case EventAdaptiveDrop:
		c.adaptiveDrops.Add(1)
	case EventDecodeError:
		c.decodeErrors.Add(1)
	case EventAcquisitionError:
		c.acquisitionErrors.Add(1)
	case EventRecreated:
		c.recreations.Add(1)
	}
	if handler != nil {
		handler(e)
	}
}
