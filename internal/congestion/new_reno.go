package congestion

import (
	"time"

	"github.com/Liangxia6/quicmux/internal/protocol"
	"github.com/Liangxia6/quicmux/internal/utils"
)

const (
	maxBurstPackets = 3
	renoBeta        = 0.5 // window multiplier on loss
)

type renoSender struct {
	rttStats *utils.RTTStats

	// Track the largest packet that has been sent.
	largestSentPacketNumber protocol.PacketNumber
	// Track the largest packet that has been acked.
	largestAckedPacketNumber protocol.PacketNumber
	// Track the largest packet number outstanding when a CWND cutback occurs.
	largestSentAtLastCutback protocol.PacketNumber
	hasCutback               bool

	// Whether the last loss event caused us to exit slowstart.
	lastCutbackExitedSlowstart bool

	// Congestion window in bytes.
	congestionWindow    protocol.ByteCount
	slowStartThreshold  protocol.ByteCount
	minCongestionWindow protocol.ByteCount
	maxCongestionWindow protocol.ByteCount

	// ACK counter for the Reno implementation.
	numAckedPackets uint64

	maxDatagramSize protocol.ByteCount
}

var _ SendAlgorithm = &renoSender{}

// NewRenoSender makes a new NewReno sender.
func NewRenoSender(rttStats *utils.RTTStats) SendAlgorithm {
	return newRenoSender(rttStats, protocol.InitialCongestionWindow, protocol.MaxCongestionWindow)
}

func newRenoSender(rttStats *utils.RTTStats, initialWindowPackets, maxWindowPackets int) *renoSender {
	mss := protocol.DefaultTCPMSS
	return &renoSender{
		rttStats:            rttStats,
		congestionWindow:    protocol.ByteCount(initialWindowPackets) * mss,
		slowStartThreshold:  protocol.MaxByteCount,
		minCongestionWindow: protocol.MinCongestionWindow * mss,
		maxCongestionWindow: protocol.ByteCount(maxWindowPackets) * mss,
		maxDatagramSize:     mss,
	}
}

func (c *renoSender) OnPacketSent(_ time.Time, _ protocol.ByteCount, packetNumber protocol.PacketNumber, _ protocol.ByteCount, isRetransmittable bool) {
	if !isRetransmittable {
		return
	}
	c.largestSentPacketNumber = packetNumber
}

func (c *renoSender) CanSend(bytesInFlight protocol.ByteCount) bool {
	return bytesInFlight < c.GetCongestionWindow()
}

func (c *renoSender) InRecovery() bool {
	return c.hasCutback && c.largestAckedPacketNumber <= c.largestSentAtLastCutback
}

func (c *renoSender) InSlowStart() bool {
	return c.GetCongestionWindow() < c.slowStartThreshold
}

func (c *renoSender) GetCongestionWindow() protocol.ByteCount {
	return c.congestionWindow
}

func (c *renoSender) OnPacketAcked(
	ackedPacketNumber protocol.PacketNumber,
	ackedBytes protocol.ByteCount,
	priorInFlight protocol.ByteCount,
	eventTime time.Time,
) {
	c.largestAckedPacketNumber = max(ackedPacketNumber, c.largestAckedPacketNumber)
	if c.InRecovery() {
		return
	}
	c.maybeIncreaseCwnd(ackedPacketNumber, ackedBytes, priorInFlight, eventTime)
}

func (c *renoSender) OnCongestionEvent(packetNumber protocol.PacketNumber, _, _ protocol.ByteCount) bool {
	// Only reduce the window once per recovery epoch.
	if c.hasCutback && packetNumber <= c.largestSentAtLastCutback {
		return false
	}
	c.lastCutbackExitedSlowstart = c.InSlowStart()
	c.congestionWindow = protocol.ByteCount(float64(c.congestionWindow) * renoBeta)
	if c.congestionWindow < c.minCongestionWindow {
		c.congestionWindow = c.minCongestionWindow
	}
	c.slowStartThreshold = c.congestionWindow
	c.largestSentAtLastCutback = c.largestSentPacketNumber
	c.hasCutback = true
	// reset packet count from congestion avoidance mode. We start
	// counting again when we're out of recovery.
	c.numAckedPackets = 0
	return true
}

// Called when we receive an ack. Normal TCP tracks how many packets one ack
// represents, but QUIC has a separate ack for each packet.
func (c *renoSender) maybeIncreaseCwnd(
	_ protocol.PacketNumber,
	_ protocol.ByteCount,
	priorInFlight protocol.ByteCount,
	_ time.Time,
) {
	// Do not increase the congestion window unless the sender is close to using
	// the current window.
	if !c.isCwndLimited(priorInFlight) {
		return
	}
	if c.congestionWindow >= c.maxCongestionWindow {
		return
	}
	if c.InSlowStart() {
		// TCP slow start, exponential growth, increase by one for each ACK.
		c.congestionWindow += c.maxDatagramSize
		return
	}
	// Classic Reno congestion avoidance.
	c.numAckedPackets++
	if c.numAckedPackets >= uint64(c.congestionWindow/c.maxDatagramSize) {
		c.congestionWindow += c.maxDatagramSize
		c.numAckedPackets = 0
	}
}

func (c *renoSender) isCwndLimited(bytesInFlight protocol.ByteCount) bool {
	congestionWindow := c.GetCongestionWindow()
	if bytesInFlight >= congestionWindow {
		return true
	}
	availableBytes := congestionWindow - bytesInFlight
	slowStartLimited := c.InSlowStart() && bytesInFlight > congestionWindow/2
	return slowStartLimited || availableBytes <= maxBurstPackets*c.maxDatagramSize
}

// BandwidthEstimate returns the current bandwidth estimate
func (c *renoSender) BandwidthEstimate() Bandwidth {
	srtt := c.rttStats.SmoothedRTT()
	if srtt == 0 {
		// If we haven't measured an rtt, the bandwidth estimate is unknown.
		return infBandwidth
	}
	return BandwidthFromDelta(c.GetCongestionWindow(), srtt)
}

// OnRetransmissionTimeout is called on an retransmission timeout
func (c *renoSender) OnRetransmissionTimeout(packetsRetransmitted bool) {
	c.hasCutback = false
	if !packetsRetransmitted {
		return
	}
	c.slowStartThreshold = c.congestionWindow / 2
	c.congestionWindow = c.minCongestionWindow
}
