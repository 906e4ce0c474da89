package ackhandler

import (
	"fmt"
	"time"

	"github.com/Liangxia6/quicmux/internal/protocol"
)

type packet struct {
	PacketNumber    protocol.PacketNumber
	SendTime        time.Time
	Length          protocol.ByteCount
	EncryptionLevel protocol.EncryptionLevel
	Frames          []Frame

	includedInBytesInFlight bool
	declaredLost            bool
}

func (p *packet) outstanding() bool {
	return !p.declaredLost
}

// sentPacketHistory holds ack-eliciting packets in packet number order.
// Packets declared lost stay around for a while so that a late ACK can be
// recognized as a spurious retransmission.
type sentPacketHistory struct {
	packets []*packet

	numOutstanding int

	highestPacketNumber protocol.PacketNumber
}

func newSentPacketHistory() *sentPacketHistory {
	return &sentPacketHistory{
		packets:             make([]*packet, 0, 32),
		highestPacketNumber: protocol.InvalidPacketNumber,
	}
}

func (h *sentPacketHistory) SentPacket(p *packet) {
	if h.highestPacketNumber != protocol.InvalidPacketNumber && p.PacketNumber <= h.highestPacketNumber {
		panic(fmt.Sprintf("non-sequential packet number use: %d after %d", p.PacketNumber, h.highestPacketNumber))
	}
	h.highestPacketNumber = p.PacketNumber
	h.packets = append(h.packets, p)
	if p.outstanding() {
		h.numOutstanding++
	}
}

// Iterate iterates through all packets.
func (h *sentPacketHistory) Iterate(cb func(*packet) (cont bool, err error)) error {
	for _, p := range h.packets {
		if p == nil {
			continue
		}
		cont, err := cb(p)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// FirstOutstanding returns the first outstanding packet.
func (h *sentPacketHistory) FirstOutstanding() *packet {
	if !h.HasOutstandingPackets() {
		return nil
	}
	for _, p := range h.packets {
		if p != nil && p.outstanding() {
			return p
		}
	}
	return nil
}

func (h *sentPacketHistory) Len() int {
	return len(h.packets)
}

func (h *sentPacketHistory) Remove(pn protocol.PacketNumber) error {
	idx, ok := h.getIndex(pn)
	if !ok {
		return fmt.Errorf("packet %d not found in sent packet history", pn)
	}
	p := h.packets[idx]
	if p.outstanding() {
		h.numOutstanding--
		if h.numOutstanding < 0 {
			panic("negative number of outstanding packets")
		}
	}
	h.packets[idx] = nil
	if idx == 0 {
		h.cleanupStart()
	}
	return nil
}

// getIndex gets the index of packet p in the packets slice.
func (h *sentPacketHistory) getIndex(p protocol.PacketNumber) (int, bool) {
	if len(h.packets) == 0 {
		return 0, false
	}
	first := h.packets[0].PacketNumber
	if p < first {
		return 0, false
	}
	// packet numbers are consecutive only for ack-eliciting packets,
	// so search from the estimated position
	for i := min(int(p-first), len(h.packets)-1); i >= 0; i-- {
		if h.packets[i] == nil {
			continue
		}
		if h.packets[i].PacketNumber == p {
			return i, true
		}
		if h.packets[i].PacketNumber < p {
			break
		}
	}
	return 0, false
}

func (h *sentPacketHistory) HasOutstandingPackets() bool {
	return h.numOutstanding > 0
}

// delete all nil entries at the beginning of the packets slice
func (h *sentPacketHistory) cleanupStart() {
	for i, p := range h.packets {
		if p != nil {
			h.packets = h.packets[i:]
			return
		}
	}
	h.packets = h.packets[:0]
}

func (h *sentPacketHistory) LowestPacketNumber() protocol.PacketNumber {
	if len(h.packets) == 0 {
		return protocol.InvalidPacketNumber
	}
	return h.packets[0].PacketNumber
}

// DeleteOldPackets forgets packets that were declared lost before cutoff.
func (h *sentPacketHistory) DeleteOldPackets(cutoff time.Time) {
	for i, p := range h.packets {
		if p == nil {
			continue
		}
		if p.SendTime.After(cutoff) {
			break
		}
		if !p.declaredLost {
			continue
		}
		h.packets[i] = nil
	}
	h.cleanupStart()
}

func (h *sentPacketHistory) DeclareLost(pn protocol.PacketNumber) {
	idx, ok := h.getIndex(pn)
	if !ok {
		return
	}
	p := h.packets[idx]
	if p.outstanding() {
		h.numOutstanding--
		if h.numOutstanding < 0 {
			panic("negative number of outstanding packets")
		}
	}
	p.declaredLost = true
}
