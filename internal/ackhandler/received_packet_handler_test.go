package ackhandler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Liangxia6/quicmux/internal/protocol"
	"github.com/Liangxia6/quicmux/internal/wire"
)

func TestReceivedPacketHistoryRanges(t *testing.T) {
	var h receivedPacketHistory
	for _, pn := range []protocol.PacketNumber{4, 5, 10, 8, 9, 1, 6} {
		require.True(t, h.ReceivedPacket(pn))
	}
	require.False(t, h.ReceivedPacket(5))
	require.Equal(t, []wire.AckRange{{Smallest: 8, Largest: 10}, {Smallest: 4, Largest: 6}, {Smallest: 1, Largest: 1}}, h.AppendAckRanges(nil))

	require.True(t, h.ReceivedPacket(7))
	require.Equal(t, []wire.AckRange{{Smallest: 4, Largest: 10}, {Smallest: 1, Largest: 1}}, h.AppendAckRanges(nil))
	require.True(t, h.IsPotentiallyDuplicate(7))
	require.False(t, h.IsPotentiallyDuplicate(3))
	require.False(t, h.IsPotentiallyDuplicate(11))
}

func TestReceivedPacketHistoryLimitsRanges(t *testing.T) {
	var h receivedPacketHistory
	for i := 0; i <= protocol.MaxTrackedReceivedAckRanges; i++ {
		h.ReceivedPacket(protocol.PacketNumber(2 * i))
	}
	require.Len(t, h.ranges, protocol.MaxTrackedReceivedAckRanges)
	require.True(t, h.IsPotentiallyDuplicate(1))
	require.False(t, h.ReceivedPacket(0))
}

func TestAckAfterTwoAckElicitingPackets(t *testing.T) {
	h := NewReceivedPacketHandler()
	now := time.Now()
	h.ReceivedPacket(1, now, true)
	require.Nil(t, h.GetAckFrame(now, true))
	require.Equal(t, now.Add(protocol.MaxAckDelay), h.GetAlarmTimeout())

	h.ReceivedPacket(2, now, true)
	require.True(t, h.GetAlarmTimeout().IsZero())
	ack := h.GetAckFrame(now.Add(time.Millisecond), true)
	require.NotNil(t, ack)
	require.Equal(t, protocol.PacketNumber(2), ack.LargestAcked())
	require.Equal(t, protocol.PacketNumber(1), ack.LowestAcked())
	require.Equal(t, time.Millisecond, ack.DelayTime)
	require.Nil(t, h.GetAckFrame(now, false))
}

func TestAckAlarm(t *testing.T) {
	h := NewReceivedPacketHandler()
	now := time.Now()
	h.ReceivedPacket(1, now, true)
	require.Nil(t, h.GetAckFrame(now.Add(protocol.MaxAckDelay-time.Millisecond), true))
	require.NotNil(t, h.GetAckFrame(now.Add(protocol.MaxAckDelay), true))
}

func TestNonAckElicitingPacketsDontTriggerAcks(t *testing.T) {
	h := NewReceivedPacketHandler()
	now := time.Now()
	h.ReceivedPacket(1, now, false)
	h.ReceivedPacket(2, now, false)
	require.Nil(t, h.GetAckFrame(now, false))
	require.True(t, h.GetAlarmTimeout().IsZero())
}

func TestAckQueuedOnGap(t *testing.T) {
	h := NewReceivedPacketHandler()
	now := time.Now()
	h.ReceivedPacket(1, now, true)
	h.ReceivedPacket(2, now, true)
	require.NotNil(t, h.GetAckFrame(now, true))

	// 3 goes missing
	h.ReceivedPacket(4, now, true)
	ack := h.GetAckFrame(now, true)
	require.NotNil(t, ack)
	require.True(t, ack.HasMissingRanges())

	// 3 arrives late, filling the reported gap
	h.ReceivedPacket(3, now.Add(5*time.Millisecond), true)
	ack = h.GetAckFrame(now, true)
	require.NotNil(t, ack)
	require.False(t, ack.HasMissingRanges())
}

func TestReorderingStats(t *testing.T) {
	h := NewReceivedPacketHandler()
	now := time.Now()
	h.ReceivedPacket(1, now, true)
	h.ReceivedPacket(5, now.Add(time.Millisecond), true)
	h.ReceivedPacket(2, now.Add(4*time.Millisecond), true)
	h.ReceivedPacket(4, now.Add(5*time.Millisecond), true)
	h.ReceivedPacket(4, now.Add(6*time.Millisecond), true) // duplicate

	stats := h.Stats()
	require.Equal(t, uint64(2), stats.PacketsReordered)
	require.Equal(t, uint64(3), stats.MaxSequenceReordering)
	require.Equal(t, 4*time.Millisecond, stats.MaxTimeReordering)
}
