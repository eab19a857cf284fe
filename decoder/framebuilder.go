package decoder

import (
	"fmt"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

const defaultClockRate = 90000

// AccessUnit is one compressed frame assembled from RTP packets.
type AccessUnit struct {
	// Timestamp is the unwrapped RTP time since the first access unit.
	Timestamp    time.Duration
	RTPTimestamp uint32
	Data         []byte
}

// FrameBuilder reorders RTP packets and joins the payloads sharing a
// timestamp into access units. Packets more than maxLate sequence numbers
// behind the newest one are given up on.
type FrameBuilder struct {
	maxLate      uint16
	clockRate    uint32
	depacketizer rtp.Depacketizer

	buffer    [65536]*rtp.Packet
	hasPushed bool
	lastPush  uint16

	// isContiguous is true once an access unit has been popped and the next
	// one is expected right after lastPopSeq.
	isContiguous bool
	lastPopSeq   uint16

	hasTimestamp     bool
	lastRTPTimestamp uint32
	ticks            int64

	dropped uint64
}

// NewFrameBuilder constructs a new FrameBuilder. clockRate is the RTP clock
// of the stream, 90kHz when zero.
func NewFrameBuilder(maxLate uint16, depacketizer rtp.Depacketizer, clockRate uint32) *FrameBuilder {
	if clockRate == 0 {
		clockRate = defaultClockRate
	}
	return &FrameBuilder{maxLate: maxLate, depacketizer: depacketizer, clockRate: clockRate}
}

// DepacketizerFor returns the RTP depacketizer for codec.
func DepacketizerFor(codec Codec) (rtp.Depacketizer, error) {
	switch codec {
	case CodecH264:
		return &codecs.H264Packet{}, nil
	default:
		return nil, fmt.Errorf("%w: no RTP depacketizer for %s", ErrUnsupportedCodec, codec)
	}
}

// Push adds a RTP packet to the builder.
func (b *FrameBuilder) Push(p *rtp.Packet) {
	seq := p.SequenceNumber

	if b.hasPushed {
		if isNewer(seq, b.lastPush) {
			// forget everything that just fell out of the late window
			for i, gap := uint16(0), seq-b.lastPush; i < gap; i++ {
				b.buffer[seq-b.maxLate-i] = nil
			}
			b.lastPush = seq
		} else if seqnumDistance(seq, b.lastPush) > b.maxLate {
			b.dropped++
			return
		}
	} else {
		b.hasPushed = true
		b.lastPush = seq
	}

	b.buffer[seq] = p
}

// Pop returns the next complete access unit, or nil if none is ready.
func (b *FrameBuilder) Pop() *AccessUnit {
	for {
		au, skipped := b.pop()
		if !skipped {
			return au
		}
	}
}

// Dropped returns the number of late packets and undecodable units discarded.
func (b *FrameBuilder) Dropped() uint64 {
	return b.dropped
}

func (b *FrameBuilder) pop() (*AccessUnit, bool) {
	if !b.hasPushed {
		return nil, false
	}

	var i uint16
	if b.isContiguous && seqnumDistance(b.lastPopSeq, b.lastPush) <= b.maxLate {
		i = b.lastPopSeq + 1
	} else {
		// gap larger than maxLate, search for a new partition head
		b.isContiguous = false
		i = b.lastPush - b.maxLate
	}

	for ; ; i++ {
		if b.buffer[i] != nil && b.isUnitStart(i) {
			end, ok := b.unitEnd(i)
			if !ok {
				return nil, false
			}
			return b.build(i, end)
		}
		if b.isContiguous || i == b.lastPush {
			return nil, false
		}
	}
}

func (b *FrameBuilder) isUnitStart(i uint16) bool {
	if b.isContiguous {
		return true
	}
	curr := b.buffer[i]
	if prev := b.buffer[i-1]; prev != nil && prev.Timestamp == curr.Timestamp {
		return false
	}
	return b.depacketizer.IsPartitionHead(curr.Payload)
}

// unitEnd walks forward from start and returns the last sequence number of
// the access unit, or false if it has not been fully received yet.
func (b *FrameBuilder) unitEnd(start uint16) (uint16, bool) {
	ts := b.buffer[start].Timestamp
	for j := start; ; j++ {
		p := b.buffer[j]
		if p == nil {
			return 0, false
		}
		if p.Timestamp != ts {
			return j - 1, true
		}
		if b.depacketizer.IsPartitionTail(p.Marker, p.Payload) {
			return j, true
		}
		if j == b.lastPush {
			return 0, false
		}
	}
}

func (b *FrameBuilder) build(start, end uint16) (*AccessUnit, bool) {
	ts := b.buffer[start].Timestamp

	var data []byte
	var failed bool
	for j := start; ; j++ {
		payload, err := b.depacketizer.Unmarshal(b.buffer[j].Payload)
		if err != nil {
			failed = true
		}
		data = append(data, payload...)
		b.buffer[j] = nil
		if j == end {
			break
		}
	}

	b.lastPopSeq = end
	b.isContiguous = true
	timestamp := b.presentationTime(ts)

	if failed || len(data) == 0 {
		b.dropped++
		return nil, true
	}
	return &AccessUnit{Timestamp: timestamp, RTPTimestamp: ts, Data: data}, false
}

// presentationTime unwraps the 32 bit RTP clock into a duration.
func (b *FrameBuilder) presentationTime(ts uint32) time.Duration {
	if b.hasTimestamp {
		b.ticks += int64(int32(ts - b.lastRTPTimestamp))
	}
	b.hasTimestamp = true
	b.lastRTPTimestamp = ts

	rate := int64(b.clockRate)
	return time.Duration(b.ticks/rate)*time.Second +
		time.Duration(b.ticks%rate)*time.Second/time.Duration(rate)
}

// FeedAccessUnits pushes every ready access unit of b into e and returns how
// many were accepted by the decoder.
func FeedAccessUnits(b *FrameBuilder, e *Enqueuer, timeout time.Duration) (int, error) {
	pushed := 0
	for au := b.Pop(); au != nil; au = b.Pop() {
		ok, err := e.PushFrameNAL(au.Timestamp, au.Data, timeout)
		if err != nil {
			return pushed, err
		}
		if ok {
			pushed++
		}
	}
	return pushed, nil
}

// isNewer reports whether sequence number a comes after b.
func isNewer(a, b uint16) bool {
	return a != b && a-b < 0x8000
}

// seqnumDistance computes the distance between two sequence numbers
func seqnumDistance(x, y uint16) uint16 {
	diff := int16(x - y)
	if diff < 0 {
		return uint16(-diff)
	}

	return uint16(diff)
}
