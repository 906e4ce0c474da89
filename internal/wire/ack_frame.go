package wire

import (
	"bytes"
	"errors"
	"time"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/Liangxia6/quicmux/internal/protocol"
)

// An AckRange is a range of acknowledged packet numbers, both ends inclusive.
type AckRange struct {
	Smallest protocol.PacketNumber
	Largest  protocol.PacketNumber
}

// Len returns the number of packets contained in this ACK range
func (r AckRange) Len() protocol.PacketNumber {
	return r.Largest - r.Smallest + 1
}

// An AckFrame is an ACK frame
type AckFrame struct {
	AckRanges []AckRange // has to be ordered. The highest ACK range goes first, the lowest ACK range goes last
	DelayTime time.Duration
}

func parseAckFrame(r *bytes.Reader) (*AckFrame, error) {
	la, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	largestAcked := protocol.PacketNumber(la)
	delay, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	frame := &AckFrame{DelayTime: time.Duration(delay) * time.Microsecond}

	numBlocks, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	// read the first ACK range
	ab, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	ackBlock := protocol.PacketNumber(ab)
	if ackBlock > largestAcked {
		return nil, errors.New("invalid first ACK range")
	}
	smallest := largestAcked - ackBlock
	frame.AckRanges = append(frame.AckRanges, AckRange{Smallest: smallest, Largest: largestAcked})

	// read all the other ACK ranges
	for i := uint64(0); i < numBlocks; i++ {
		g, err := quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		gap := protocol.PacketNumber(g)
		if smallest < gap+2 {
			return nil, errors.New("invalid ACK range gap")
		}
		largest := smallest - gap - 2

		ab, err := quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		ackBlock := protocol.PacketNumber(ab)
		if ackBlock > largest {
			return nil, errors.New("invalid ACK range")
		}
		smallest = largest - ackBlock
		frame.AckRanges = append(frame.AckRanges, AckRange{Smallest: smallest, Largest: largest})
	}
	return frame, nil
}

// Append appends an ACK frame.
func (f *AckFrame) Append(b []byte) ([]byte, error) {
	if len(f.AckRanges) == 0 {
		return nil, errors.New("ACK frame without ranges")
	}
	b = append(b, ackFrameType)
	b = quicvarint.Append(b, uint64(f.LargestAcked()))
	b = quicvarint.Append(b, encodeAckDelay(f.DelayTime))
	b = quicvarint.Append(b, uint64(len(f.AckRanges)-1))
	b = quicvarint.Append(b, uint64(f.AckRanges[0].Largest-f.AckRanges[0].Smallest))
	for i := 1; i < len(f.AckRanges); i++ {
		gap, length := f.encodeAckRange(i)
		b = quicvarint.Append(b, gap)
		b = quicvarint.Append(b, length)
	}
	return b, nil
}

// Length of a written frame
func (f *AckFrame) Length() protocol.ByteCount {
	if len(f.AckRanges) == 0 {
		return 0
	}
	l := 1 + quicvarint.Len(uint64(f.LargestAcked())) + quicvarint.Len(encodeAckDelay(f.DelayTime))
	l += quicvarint.Len(uint64(len(f.AckRanges) - 1))
	l += quicvarint.Len(uint64(f.AckRanges[0].Largest - f.AckRanges[0].Smallest))
	for i := 1; i < len(f.AckRanges); i++ {
		gap, length := f.encodeAckRange(i)
		l += quicvarint.Len(gap) + quicvarint.Len(length)
	}
	return protocol.ByteCount(l)
}

func (f *AckFrame) encodeAckRange(i int) (uint64 /* gap */, uint64 /* length */) {
	return uint64(f.AckRanges[i-1].Smallest - f.AckRanges[i].Largest - 2),
		uint64(f.AckRanges[i].Largest - f.AckRanges[i].Smallest)
}

// HasMissingRanges returns if this frame reports any missing packets
func (f *AckFrame) HasMissingRanges() bool {
	return len(f.AckRanges) > 1
}

// LargestAcked is the largest acked packet number
func (f *AckFrame) LargestAcked() protocol.PacketNumber {
	return f.AckRanges[0].Largest
}

// LowestAcked is the lowest acked packet number
func (f *AckFrame) LowestAcked() protocol.PacketNumber {
	return f.AckRanges[len(f.AckRanges)-1].Smallest
}

// AcksPacket determines if this ACK frame acks a certain packet number
func (f *AckFrame) AcksPacket(p protocol.PacketNumber) bool {
	if len(f.AckRanges) == 0 || p < f.LowestAcked() || p > f.LargestAcked() {
		return false
	}
	for _, r := range f.AckRanges {
		if p >= r.Smallest {
			return p <= r.Largest
		}
	}
	return false
}

func encodeAckDelay(delay time.Duration) uint64 {
	if delay < 0 {
		return 0
	}
	return uint64(delay / time.Microsecond)
}
