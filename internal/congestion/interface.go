package congestion

import (
	"time"

	"github.com/Liangxia6/quicmux/internal/protocol"
)

// A SendAlgorithm performs congestion control
type SendAlgorithm interface {
	OnPacketSent(sentTime time.Time, bytesInFlight protocol.ByteCount, packetNumber protocol.PacketNumber, bytes protocol.ByteCount, isRetransmittable bool)
	CanSend(bytesInFlight protocol.ByteCount) bool
	OnPacketAcked(number protocol.PacketNumber, ackedBytes protocol.ByteCount, priorInFlight protocol.ByteCount, eventTime time.Time)
	// OnCongestionEvent reports a lost packet. It returns true if the window was reduced.
	OnCongestionEvent(number protocol.PacketNumber, lostBytes protocol.ByteCount, priorInFlight protocol.ByteCount) bool
	OnRetransmissionTimeout(packetsRetransmitted bool)
	InSlowStart() bool
	InRecovery() bool
	GetCongestionWindow() protocol.ByteCount
	BandwidthEstimate() Bandwidth
}
