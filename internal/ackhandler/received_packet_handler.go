package ackhandler

import (
	"time"

	"github.com/Liangxia6/quicmux/internal/protocol"
	"github.com/Liangxia6/quicmux/internal/wire"
)

// ReceivedStats counts reordering of incoming packets.
type ReceivedStats struct {
	PacketsReordered      uint64
	MaxSequenceReordering uint64
	MaxTimeReordering     time.Duration
}

// ReceivedPacketHandler tracks received packets and decides when to send ACKs.
type ReceivedPacketHandler struct {
	packetHistory receivedPacketHistory

	largestObserved             protocol.PacketNumber
	largestObservedReceivedTime time.Time
	hasObserved                 bool

	// ack-eliciting packets received since the last ACK was sent
	ackElicitingPacketsReceivedSinceLastAck int
	hasNewAck                               bool // true as soon as we received an ack-eliciting new packet
	ackQueued                               bool // true once an ACK has to go out with the next packet
	ackAlarm                                time.Time
	lastAck                                 *wire.AckFrame

	stats ReceivedStats
}

// NewReceivedPacketHandler creates a new ReceivedPacketHandler.
func NewReceivedPacketHandler() *ReceivedPacketHandler {
	return &ReceivedPacketHandler{}
}

// IsPotentiallyDuplicate says if a packet number was already processed.
func (h *ReceivedPacketHandler) IsPotentiallyDuplicate(pn protocol.PacketNumber) bool {
	return h.packetHistory.IsPotentiallyDuplicate(pn)
}

// ReceivedPacket registers a processed packet.
func (h *ReceivedPacketHandler) ReceivedPacket(pn protocol.PacketNumber, rcvTime time.Time, ackEliciting bool) {
	isMissing := h.isMissing(pn)
	if !h.packetHistory.ReceivedPacket(pn) {
		return
	}
	if h.hasObserved && pn < h.largestObserved {
		h.stats.PacketsReordered++
		h.stats.MaxSequenceReordering = max(h.stats.MaxSequenceReordering, uint64(h.largestObserved-pn))
		h.stats.MaxTimeReordering = max(h.stats.MaxTimeReordering, rcvTime.Sub(h.largestObservedReceivedTime))
	}
	if !h.hasObserved || pn > h.largestObserved {
		h.largestObserved = pn
		h.largestObservedReceivedTime = rcvTime
		h.hasObserved = true
	}
	if !ackEliciting {
		return
	}
	h.hasNewAck = true
	h.ackElicitingPacketsReceivedSinceLastAck++

	// Send an ACK if this packet fills a gap we already reported, or opens a new one.
	if isMissing || h.hasNewMissingPackets() {
		h.ackQueued = true
	}
	if h.ackElicitingPacketsReceivedSinceLastAck >= protocol.AckElicitingPacketsBeforeAck {
		h.ackQueued = true
	} else if h.ackAlarm.IsZero() {
		h.ackAlarm = rcvTime.Add(protocol.MaxAckDelay)
	}
	if h.ackQueued {
		// cancel the ack alarm
		h.ackAlarm = time.Time{}
	}
}

// isMissing says if a packet was reported missing in the last ACK.
func (h *ReceivedPacketHandler) isMissing(p protocol.PacketNumber) bool {
	if h.lastAck == nil {
		return false
	}
	return p < h.lastAck.LargestAcked() && !h.lastAck.AcksPacket(p)
}

func (h *ReceivedPacketHandler) hasNewMissingPackets() bool {
	if h.lastAck == nil {
		return false
	}
	highestRange, ok := h.packetHistory.GetHighestAckRange()
	return ok && highestRange.Smallest > h.lastAck.LargestAcked()+1 && highestRange.Len() == 1
}

// GetAckFrame returns the ACK frame to send, or nil. If onlyIfQueued is set, a frame
// is only returned when an ACK is due.
func (h *ReceivedPacketHandler) GetAckFrame(now time.Time, onlyIfQueued bool) *wire.AckFrame {
	if !h.hasNewAck {
		return nil
	}
	if onlyIfQueued && !h.ackQueued && (h.ackAlarm.IsZero() || h.ackAlarm.After(now)) {
		return nil
	}
	ack := &wire.AckFrame{
		AckRanges: h.packetHistory.AppendAckRanges(nil),
		DelayTime: max(0, now.Sub(h.largestObservedReceivedTime)),
	}
	h.lastAck = ack
	h.ackAlarm = time.Time{}
	h.ackQueued = false
	h.hasNewAck = false
	h.ackElicitingPacketsReceivedSinceLastAck = 0
	return ack
}

// GetAlarmTimeout returns when a delayed ACK is due. The zero value means no ACK is pending.
func (h *ReceivedPacketHandler) GetAlarmTimeout() time.Time { return h.ackAlarm }

// Stats returns a copy of the reordering counters.
func (h *ReceivedPacketHandler) Stats() ReceivedStats { return h.stats }
