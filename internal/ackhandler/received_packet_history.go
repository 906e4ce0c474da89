package ackhandler

import (
	"github.com/Liangxia6/quicmux/internal/protocol"
	"github.com/Liangxia6/quicmux/internal/wire"
)

type interval struct {
	Start protocol.PacketNumber
	End   protocol.PacketNumber
}

// receivedPacketHistory stores received packet numbers as ascending, non-adjacent intervals.
type receivedPacketHistory struct {
	ranges []interval

	deletedBelow protocol.PacketNumber
}

// ReceivedPacket registers a packet with PacketNumber p and updates the ranges.
// It returns false for duplicates.
func (h *receivedPacketHistory) ReceivedPacket(p protocol.PacketNumber) bool /* is a new packet (and not a duplicate / delayed packet) */ {
	if p < h.deletedBelow {
		return false
	}
	isNew := h.addToRanges(p)
	// Delete old ranges, if we're tracking too many of them.
	if len(h.ranges) > protocol.MaxTrackedReceivedAckRanges {
		h.deletedBelow = h.ranges[1].Start
		h.ranges = h.ranges[1:]
	}
	return isNew
}

func (h *receivedPacketHistory) addToRanges(p protocol.PacketNumber) bool /* is a new packet (and not a duplicate / delayed packet) */ {
	if len(h.ranges) == 0 {
		h.ranges = append(h.ranges, interval{Start: p, End: p})
		return true
	}

	// find the first range that ends at or after p-1
	for i := len(h.ranges) - 1; i >= 0; i-- {
		r := &h.ranges[i]
		// p already included in an existing range. Nothing to do here
		if p >= r.Start && p <= r.End {
			return false
		}

		if r.End == p-1 { // extend a range at the end
			r.End = p
			h.maybeMerge(i)
			return true
		}
		if r.Start == p+1 { // extend a range at the beginning
			r.Start = p
			if i > 0 {
				h.maybeMerge(i - 1)
			}
			return true
		}

		// create a new range after the current one
		if p > r.End {
			h.ranges = append(h.ranges, interval{})
			copy(h.ranges[i+2:], h.ranges[i+1:])
			h.ranges[i+1] = interval{Start: p, End: p}
			return true
		}
	}

	// create a new range at the beginning
	h.ranges = append([]interval{{Start: p, End: p}}, h.ranges...)
	return true
}

// maybeMerge merges range i with range i+1 if they touch.
func (h *receivedPacketHistory) maybeMerge(i int) {
	if i+1 >= len(h.ranges) {
		return
	}
	if h.ranges[i].End+1 == h.ranges[i+1].Start {
		h.ranges[i].End = h.ranges[i+1].End
		h.ranges = append(h.ranges[:i+1], h.ranges[i+2:]...)
	}
}

// AppendAckRanges appends the ACK ranges, highest range first.
func (h *receivedPacketHistory) AppendAckRanges(ackRanges []wire.AckRange) []wire.AckRange {
	for i := len(h.ranges) - 1; i >= 0; i-- {
		ackRanges = append(ackRanges, wire.AckRange{Smallest: h.ranges[i].Start, Largest: h.ranges[i].End})
	}
	return ackRanges
}

// GetHighestAckRange returns the highest range, or false if nothing was received.
func (h *receivedPacketHistory) GetHighestAckRange() (wire.AckRange, bool) {
	if len(h.ranges) == 0 {
		return wire.AckRange{}, false
	}
	r := h.ranges[len(h.ranges)-1]
	return wire.AckRange{Smallest: r.Start, Largest: r.End}, true
}

// IsPotentiallyDuplicate says if a packet was already received or is too old to be tracked.
func (h *receivedPacketHistory) IsPotentiallyDuplicate(p protocol.PacketNumber) bool {
	if p < h.deletedBelow {
		return true
	}
	for i := len(h.ranges) - 1; i >= 0; i-- {
		r := h.ranges[i]
		if p > r.End {
			return false
		}
		if p <= r.End && p >= r.Start {
			return true
		}
	}
	return false
}
