package congestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Liangxia6/quicmux/internal/protocol"
	"github.com/Liangxia6/quicmux/internal/utils"
)

const mss = protocol.DefaultTCPMSS

type renoTestSender struct {
	*renoSender
	packetNumber  protocol.PacketNumber
	ackedNumber   protocol.PacketNumber
	bytesInFlight protocol.ByteCount
	now           time.Time
}

func newTestSender(initialWindow, maxWindow int) *renoTestSender {
	return &renoTestSender{
		renoSender:   newRenoSender(&utils.RTTStats{}, initialWindow, maxWindow),
		packetNumber: 1,
		now:          time.Unix(1000, 0),
	}
}

// sendAvailableSendWindow fills the congestion window and returns the number of packets sent.
func (s *renoTestSender) sendAvailableSendWindow() int {
	var n int
	for s.CanSend(s.bytesInFlight) {
		s.OnPacketSent(s.now, s.bytesInFlight, s.packetNumber, mss, true)
		s.packetNumber++
		s.bytesInFlight += mss
		n++
	}
	return n
}

func (s *renoTestSender) ackNPackets(n int) {
	s.rttStats.UpdateRTT(60*time.Millisecond, 0)
	for i := 0; i < n; i++ {
		s.ackedNumber++
		s.OnPacketAcked(s.ackedNumber, mss, s.bytesInFlight, s.now)
	}
	s.bytesInFlight -= protocol.ByteCount(n) * mss
	s.now = s.now.Add(time.Millisecond)
}

func (s *renoTestSender) loseNPackets(n int) {
	for i := 0; i < n; i++ {
		s.ackedNumber++
		s.OnCongestionEvent(s.ackedNumber, mss, s.bytesInFlight)
	}
	s.bytesInFlight -= protocol.ByteCount(n) * mss
}

func TestRenoInitialWindow(t *testing.T) {
	s := NewRenoSender(&utils.RTTStats{})
	require.Equal(t, protocol.InitialCongestionWindow*mss, s.GetCongestionWindow())
	require.True(t, s.InSlowStart())
	require.False(t, s.InRecovery())
	require.True(t, s.CanSend(0))
}

func TestRenoSlowStartGrowth(t *testing.T) {
	s := newTestSender(10, 200)
	for i := 0; i < 3; i++ {
		n := s.sendAvailableSendWindow()
		s.ackNPackets(n)
	}
	// window doubles every round trip
	require.Equal(t, 80*mss, s.GetCongestionWindow())
}

func TestRenoHalvesOncePerEpoch(t *testing.T) {
	s := newTestSender(10, 200)
	s.sendAvailableSendWindow()
	s.ackNPackets(2)
	require.Equal(t, 12*mss, s.GetCongestionWindow())

	require.True(t, s.OnCongestionEvent(3, mss, s.bytesInFlight))
	require.Equal(t, 6*mss, s.GetCongestionWindow())
	require.False(t, s.InSlowStart())
	require.True(t, s.InRecovery())

	// packets sent before the cutback don't reduce the window again
	require.False(t, s.OnCongestionEvent(4, mss, s.bytesInFlight))
	require.Equal(t, 6*mss, s.GetCongestionWindow())

	// acks during recovery don't grow the window
	s.OnPacketAcked(5, mss, s.bytesInFlight, s.now)
	require.Equal(t, 6*mss, s.GetCongestionWindow())

	// a packet sent after the cutback does
	s.OnPacketSent(s.now, 0, 100, mss, true)
	s.OnPacketAcked(20, mss, 6*mss, s.now)
	require.False(t, s.InRecovery())
	require.True(t, s.OnCongestionEvent(100, mss, 6*mss))
	require.Equal(t, 3*mss, s.GetCongestionWindow())
}

func TestRenoMinimumWindow(t *testing.T) {
	s := newTestSender(2, 200)
	s.sendAvailableSendWindow()
	s.loseNPackets(1)
	require.Equal(t, protocol.MinCongestionWindow*mss, s.GetCongestionWindow())
}

func TestRenoCongestionAvoidance(t *testing.T) {
	s := newTestSender(10, 200)
	s.sendAvailableSendWindow()
	s.loseNPackets(1)
	require.Equal(t, 5*mss, s.GetCongestionWindow())

	// leave recovery
	s.OnPacketSent(s.now, 0, 50, mss, true)
	s.OnPacketAcked(50, mss, s.GetCongestionWindow(), s.now)
	require.False(t, s.InRecovery())
	// additive increase: one packet per window worth of acks
	for i := 0; i < 4; i++ {
		s.OnPacketAcked(protocol.PacketNumber(51+i), mss, s.GetCongestionWindow(), s.now)
	}
	require.Equal(t, 6*mss, s.GetCongestionWindow())
}

func TestRenoRetransmissionTimeout(t *testing.T) {
	s := newTestSender(10, 200)
	s.OnRetransmissionTimeout(true)
	require.Equal(t, protocol.MinCongestionWindow*mss, s.GetCongestionWindow())
	require.Equal(t, 5*mss, s.slowStartThreshold)

	s.OnRetransmissionTimeout(false)
	require.Equal(t, protocol.MinCongestionWindow*mss, s.GetCongestionWindow())
}

func TestRenoMaximumWindow(t *testing.T) {
	s := newTestSender(10, 20)
	for i := 0; i < 5; i++ {
		n := s.sendAvailableSendWindow()
		s.ackNPackets(n)
	}
	require.Equal(t, 20*mss, s.GetCongestionWindow())
}

func TestRenoBandwidthEstimate(t *testing.T) {
	rttStats := &utils.RTTStats{}
	s := NewRenoSender(rttStats)
	require.Equal(t, infBandwidth, s.BandwidthEstimate())
	rttStats.UpdateRTT(100*time.Millisecond, 0)
	require.Equal(t, BandwidthFromDelta(s.GetCongestionWindow(), 100*time.Millisecond), s.BandwidthEstimate())
}
