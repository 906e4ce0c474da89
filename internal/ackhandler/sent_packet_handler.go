package ackhandler

import (
	"time"

	"go.uber.org/zap"

	"github.com/Liangxia6/quicmux/internal/congestion"
	"github.com/Liangxia6/quicmux/internal/protocol"
	"github.com/Liangxia6/quicmux/internal/qerr"
	"github.com/Liangxia6/quicmux/internal/utils"
	"github.com/Liangxia6/quicmux/internal/wire"
)

const (
	// Maximum reordering in time space before time based loss detection considers a packet lost.
	// Specified as an RTT multiplier.
	timeThreshold = 9.0 / 8
	// Maximum reordering in packets before packet threshold loss detection considers a packet lost.
	packetThreshold = 3
	// Probe timeouts beyond this count as retransmission timeouts.
	maxTailLossProbes = 2
	// Packets declared lost are kept for this many PTOs to detect spurious retransmissions.
	lostPacketRetention = 3
	maxPTOBackoff       = 20
)

// SentStats counts loss recovery events.
type SentStats struct {
	PacketsLost                    uint64
	SlowstartPacketsSent           uint64
	SlowstartPacketsLost           uint64
	PacketsSpuriouslyRetransmitted uint64
	BytesSpuriouslyRetransmitted   protocol.ByteCount
	CryptoRetransmitCount          uint64
	LossTimeoutCount               uint64
	TLPCount                       uint64
	RTOCount                       uint64
	TCPLossEvents                  uint64
}

// SentPacketHandler tracks sent packets, processes ACKs and detects losses.
type SentPacketHandler struct {
	nextPacketNumber protocol.PacketNumber
	history          *sentPacketHistory

	largestSent  protocol.PacketNumber
	largestAcked protocol.PacketNumber
	hasAcked     bool

	lossTime                   time.Time
	lastAckElicitingPacketTime time.Time
	bytesInFlight              protocol.ByteCount

	congestion congestion.SendAlgorithm
	rttStats   *utils.RTTStats

	// The number of times a PTO has been sent without receiving an ack.
	ptoCount        uint32
	numProbesToSend int

	// The alarm timeout
	alarm time.Time

	stats SentStats

	logger *zap.Logger
}

// NewSentPacketHandler creates a new SentPacketHandler. Packet numbers start at 1.
func NewSentPacketHandler(rttStats *utils.RTTStats, logger *zap.Logger) *SentPacketHandler {
	rttStats.SetMaxAckDelay(protocol.MaxAckDelay)
	return &SentPacketHandler{
		nextPacketNumber: 1,
		history:          newSentPacketHistory(),
		rttStats:         rttStats,
		congestion:       congestion.NewRenoSender(rttStats),
		logger:           logger,
	}
}

// PeekPacketNumber returns the packet number the next packet will use.
func (h *SentPacketHandler) PeekPacketNumber() protocol.PacketNumber {
	return h.nextPacketNumber
}

// PopPacketNumber consumes the next packet number.
func (h *SentPacketHandler) PopPacketNumber() protocol.PacketNumber {
	pn := h.nextPacketNumber
	h.nextPacketNumber++
	return pn
}

// SentPacket registers a packet that was handed to the writer.
// Packets without frames are not ack-eliciting and aren't tracked.
func (h *SentPacketHandler) SentPacket(
	t time.Time,
	pn protocol.PacketNumber,
	frames []Frame,
	encLevel protocol.EncryptionLevel,
	size protocol.ByteCount,
) {
	h.largestSent = pn
	isAckEliciting := len(frames) > 0
	if isAckEliciting {
		h.lastAckElicitingPacketTime = t
		if h.numProbesToSend > 0 {
			h.numProbesToSend--
		}
		if h.congestion.InSlowStart() {
			h.stats.SlowstartPacketsSent++
		}
	}
	h.congestion.OnPacketSent(t, h.bytesInFlight, pn, size, isAckEliciting)
	if !isAckEliciting {
		return
	}
	h.history.SentPacket(&packet{
		PacketNumber:            pn,
		SendTime:                t,
		Length:                  size,
		EncryptionLevel:         encLevel,
		Frames:                  frames,
		includedInBytesInFlight: true,
	})
	h.bytesInFlight += size
	h.setLossDetectionTimer()
}

// ReceivedAck processes an ACK frame.
func (h *SentPacketHandler) ReceivedAck(ack *wire.AckFrame, rcvTime time.Time) error {
	largestAcked := ack.LargestAcked()
	if largestAcked > h.largestSent {
		return qerr.NewErrorf(protocol.ProtocolViolation, "received ACK for an unsent packet %d", largestAcked)
	}
	if !h.hasAcked || largestAcked > h.largestAcked {
		h.largestAcked = largestAcked
		h.hasAcked = true
	}
	h.history.DeleteOldPackets(rcvTime.Add(-lostPacketRetention * h.rttStats.PTO()))

	priorInFlight := h.bytesInFlight
	ackedPackets, err := h.detectAndRemoveAckedPackets(ack)
	if err != nil {
		return err
	}
	if len(ackedPackets) > 0 {
		if p := ackedPackets[len(ackedPackets)-1]; p.PacketNumber == largestAcked {
			// don't use the ack delay for Initial packets
			var ackDelay time.Duration
			if p.EncryptionLevel == protocol.EncryptionForwardSecure {
				ackDelay = min(ack.DelayTime, h.rttStats.MaxAckDelay())
			}
			h.rttStats.UpdateRTT(rcvTime.Sub(p.SendTime), ackDelay)
		}
	}
	h.detectLostPackets(rcvTime, priorInFlight)
	for _, p := range ackedPackets {
		if p.includedInBytesInFlight {
			h.congestion.OnPacketAcked(p.PacketNumber, p.Length, priorInFlight, rcvTime)
		}
	}
	if len(ackedPackets) > 0 {
		h.ptoCount = 0
		h.numProbesToSend = 0
	}
	h.setLossDetectionTimer()
	return nil
}

// detectAndRemoveAckedPackets removes the newly acked packets from the history and
// returns them in ascending order. Packets previously declared lost are removed
// and counted as spurious losses; their frames were already queued for retransmission.
func (h *SentPacketHandler) detectAndRemoveAckedPackets(ack *wire.AckFrame) ([]*packet, error) {
	var acked, spurious []*packet
	lowest := ack.LowestAcked()
	largest := ack.LargestAcked()
	ackRangeIndex := len(ack.AckRanges) - 1
	err := h.history.Iterate(func(p *packet) (bool, error) {
		if p.PacketNumber < lowest {
			return true, nil
		}
		if p.PacketNumber > largest {
			return false, nil
		}
		if ack.HasMissingRanges() {
			ackRange := ack.AckRanges[ackRangeIndex]
			for p.PacketNumber > ackRange.Largest && ackRangeIndex > 0 {
				ackRangeIndex--
				ackRange = ack.AckRanges[ackRangeIndex]
			}
			if p.PacketNumber < ackRange.Smallest {
				return true, nil
			}
			if p.PacketNumber > ackRange.Largest {
				return false, nil
			}
		}
		if p.declaredLost {
			spurious = append(spurious, p)
			return true, nil
		}
		acked = append(acked, p)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	for _, p := range spurious {
		h.stats.PacketsSpuriouslyRetransmitted++
		h.stats.BytesSpuriouslyRetransmitted += p.Length
		h.logger.Debug("spurious loss", zap.Uint64("pn", uint64(p.PacketNumber)))
		if err := h.history.Remove(p.PacketNumber); err != nil {
			return nil, err
		}
	}
	for _, p := range acked {
		if p.includedInBytesInFlight {
			h.bytesInFlight -= p.Length
		}
		for _, f := range p.Frames {
			if f.Handler != nil {
				f.Handler.OnAcked(f.Frame)
			}
		}
		if err := h.history.Remove(p.PacketNumber); err != nil {
			return nil, err
		}
	}
	return acked, nil
}

func (h *SentPacketHandler) detectLostPackets(now time.Time, priorInFlight protocol.ByteCount) {
	h.lossTime = time.Time{}
	if !h.hasAcked {
		return
	}

	maxRTT := float64(max(h.rttStats.LatestRTT(), h.rttStats.SmoothedRTT()))
	lossDelay := time.Duration(timeThreshold * maxRTT)
	// Minimum time of granularity before packets are deemed lost.
	lossDelay = max(lossDelay, protocol.TimerGranularity)
	// Packets sent before this time are deemed lost.
	lostSendTime := now.Add(-lossDelay)

	var lost []*packet
	h.history.Iterate(func(p *packet) (bool, error) {
		if p.PacketNumber > h.largestAcked {
			return false, nil
		}
		if p.declaredLost {
			return true, nil
		}
		if !p.SendTime.After(lostSendTime) || h.largestAcked >= p.PacketNumber+packetThreshold {
			lost = append(lost, p)
		} else if h.lossTime.IsZero() {
			// Note: This conditional is only entered once per call
			h.lossTime = p.SendTime.Add(lossDelay)
		}
		return true, nil
	})
	for _, p := range lost {
		h.declareLost(p, priorInFlight)
	}
}

func (h *SentPacketHandler) declareLost(p *packet, priorInFlight protocol.ByteCount) {
	h.stats.PacketsLost++
	if h.congestion.InSlowStart() {
		h.stats.SlowstartPacketsLost++
	}
	h.history.DeclareLost(p.PacketNumber)
	if p.includedInBytesInFlight {
		p.includedInBytesInFlight = false
		h.bytesInFlight -= p.Length
		if h.congestion.OnCongestionEvent(p.PacketNumber, p.Length, priorInFlight) {
			h.stats.TCPLossEvents++
		}
	}
	h.queueFramesForRetransmission(p)
	h.logger.Debug("packet lost", zap.Uint64("pn", uint64(p.PacketNumber)), zap.Stringer("level", p.EncryptionLevel))
}

func (h *SentPacketHandler) queueFramesForRetransmission(p *packet) {
	for _, f := range p.Frames {
		if f.Handler != nil {
			f.Handler.OnLost(f.Frame)
		}
	}
	p.Frames = nil
}

func (h *SentPacketHandler) hasOutstandingCryptoPackets() bool {
	var found bool
	h.history.Iterate(func(p *packet) (bool, error) {
		if p.outstanding() && p.EncryptionLevel == protocol.EncryptionInitial {
			found = true
			return false, nil
		}
		return true, nil
	})
	return found
}

func (h *SentPacketHandler) setLossDetectionTimer() {
	if !h.lossTime.IsZero() {
		// Early retransmit timer or time loss detection.
		h.alarm = h.lossTime
		return
	}
	if !h.history.HasOutstandingPackets() {
		h.alarm = time.Time{}
		return
	}
	h.alarm = h.lastAckElicitingPacketTime.Add(h.rttStats.PTO() << min(h.ptoCount, maxPTOBackoff))
}

// GetLossDetectionTimeout returns when the loss detection alarm should fire.
// The zero value means no alarm is needed.
func (h *SentPacketHandler) GetLossDetectionTimeout() time.Time {
	return h.alarm
}

// OnLossDetectionTimeout runs loss detection or arms probe packets.
func (h *SentPacketHandler) OnLossDetectionTimeout(now time.Time) {
	defer h.setLossDetectionTimer()

	if !h.lossTime.IsZero() {
		h.stats.LossTimeoutCount++
		h.detectLostPackets(now, h.bytesInFlight)
		return
	}
	if !h.history.HasOutstandingPackets() {
		return
	}
	h.ptoCount++
	if h.ptoCount <= maxTailLossProbes {
		h.stats.TLPCount++
	} else {
		h.stats.RTOCount++
		h.congestion.OnRetransmissionTimeout(true)
	}
	if h.hasOutstandingCryptoPackets() {
		h.stats.CryptoRetransmitCount++
	}
	h.logger.Debug("probe timeout", zap.Uint32("pto_count", h.ptoCount))
	h.numProbesToSend += 2
}

// SendMode says what kind of packet may be sent now.
func (h *SentPacketHandler) SendMode() SendMode {
	if h.numProbesToSend > 0 {
		return SendPTO
	}
	if !h.congestion.CanSend(h.bytesInFlight) {
		return SendAck
	}
	return SendAny
}

// QueueProbePacket declares the oldest outstanding packet lost so its frames get
// retransmitted in a probe packet. It returns false if there's nothing to retransmit.
func (h *SentPacketHandler) QueueProbePacket() bool {
	p := h.history.FirstOutstanding()
	if p == nil {
		return false
	}
	h.queueFramesForRetransmission(p)
	if p.includedInBytesInFlight {
		p.includedInBytesInFlight = false
		h.bytesInFlight -= p.Length
	}
	h.history.DeclareLost(p.PacketNumber)
	return true
}

// HasOutstandingPackets says if any ack-eliciting packet is unacknowledged.
func (h *SentPacketHandler) HasOutstandingPackets() bool {
	return h.history.HasOutstandingPackets()
}

// BytesInFlight returns the number of bytes counted against the congestion window.
func (h *SentPacketHandler) BytesInFlight() protocol.ByteCount {
	return h.bytesInFlight
}

// CongestionWindow returns the congestion window in bytes.
func (h *SentPacketHandler) CongestionWindow() protocol.ByteCount {
	return h.congestion.GetCongestionWindow()
}

// BandwidthEstimate returns the estimated bandwidth in bits per second.
func (h *SentPacketHandler) BandwidthEstimate() congestion.Bandwidth {
	return h.congestion.BandwidthEstimate()
}

// Stats returns a copy of the loss recovery counters.
func (h *SentPacketHandler) Stats() SentStats {
	return h.stats
}
