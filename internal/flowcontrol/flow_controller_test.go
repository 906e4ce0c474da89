package flowcontrol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Liangxia6/quicmux/internal/protocol"
	"github.com/Liangxia6/quicmux/internal/qerr"
	"github.com/Liangxia6/quicmux/internal/utils"
)

func newControllers(streamWindow, connWindow protocol.ByteCount) (*StreamFlowController, *ConnectionFlowController, *utils.RTTStats) {
	rttStats := &utils.RTTStats{}
	cfc := NewConnectionFlowController(connWindow, 4*connWindow, rttStats)
	cfc.UpdateSendWindow(connWindow)
	sfc := NewStreamFlowController(4, cfc, streamWindow, 4*streamWindow, streamWindow, rttStats)
	return sfc, cfc, rttStats
}

func TestSendWindowIsMinimumOfStreamAndConnection(t *testing.T) {
	sfc, cfc, _ := newControllers(100, 150)
	require.Equal(t, protocol.ByteCount(100), sfc.SendWindowSize())
	sfc.AddBytesSent(60)
	require.Equal(t, protocol.ByteCount(40), sfc.SendWindowSize())
	require.Equal(t, protocol.ByteCount(90), cfc.SendWindowSize())

	require.True(t, sfc.UpdateSendWindow(300))
	require.False(t, sfc.UpdateSendWindow(200))
	require.Equal(t, protocol.ByteCount(90), sfc.SendWindowSize())
}

func TestReceiveFlowControlViolation(t *testing.T) {
	sfc, _, _ := newControllers(100, 1000)
	require.NoError(t, sfc.UpdateHighestReceived(100, false))
	err := sfc.UpdateHighestReceived(101, false)
	require.ErrorIs(t, err, qerr.ErrProtocolViolation)
	require.Equal(t, protocol.FlowControlError, qerr.ToTransportError(err).Code)
}

func TestConnectionFlowControlViolation(t *testing.T) {
	rttStats := &utils.RTTStats{}
	cfc := NewConnectionFlowController(150, 150, rttStats)
	s1 := NewStreamFlowController(0, cfc, 100, 100, 0, rttStats)
	s2 := NewStreamFlowController(4, cfc, 100, 100, 0, rttStats)
	require.NoError(t, s1.UpdateHighestReceived(100, false))
	require.Error(t, s2.UpdateHighestReceived(51, false))
}

func TestReorderedOffsetsDontCount(t *testing.T) {
	sfc, cfc, _ := newControllers(100, 1000)
	require.NoError(t, sfc.UpdateHighestReceived(80, false))
	require.NoError(t, sfc.UpdateHighestReceived(20, false))
	require.Equal(t, protocol.ByteCount(80), cfc.highestReceived)
}

func TestFinalOffset(t *testing.T) {
	sfc, _, _ := newControllers(100, 1000)
	require.NoError(t, sfc.UpdateHighestReceived(50, true))
	require.NoError(t, sfc.UpdateHighestReceived(50, true))
	require.NoError(t, sfc.UpdateHighestReceived(30, false))
	require.Error(t, sfc.UpdateHighestReceived(60, false))
	require.Error(t, sfc.UpdateHighestReceived(40, true))

	sfc, _, _ = newControllers(100, 1000)
	require.NoError(t, sfc.UpdateHighestReceived(50, false))
	require.Error(t, sfc.UpdateHighestReceived(40, true))
}

func TestWindowUpdates(t *testing.T) {
	sfc, cfc, _ := newControllers(100, 1000)
	now := time.Now()
	require.NoError(t, sfc.UpdateHighestReceived(30, false))
	sfc.AddBytesRead(20, now)
	require.Zero(t, sfc.GetWindowUpdate(now))

	sfc.AddBytesRead(10, now)
	require.Equal(t, protocol.ByteCount(130), sfc.GetWindowUpdate(now))
	require.Zero(t, sfc.GetWindowUpdate(now))
	require.Zero(t, cfc.GetWindowUpdate(now))

	require.NoError(t, sfc.UpdateHighestReceived(130, true))
	sfc.AddBytesRead(100, now)
	require.Zero(t, sfc.GetWindowUpdate(now), "no updates after the final offset")
}

func TestWindowAutoTuning(t *testing.T) {
	sfc, _, rttStats := newControllers(100, 1000)
	rttStats.UpdateRTT(20*time.Millisecond, 0)
	now := time.Now()
	require.NoError(t, sfc.UpdateHighestReceived(80, false))
	sfc.AddBytesRead(80, now)
	// consumed 80% of the window within one RTT
	require.Equal(t, protocol.ByteCount(80+200), sfc.GetWindowUpdate(now.Add(5*time.Millisecond)))
}

func TestAbandonReturnsConnectionWindow(t *testing.T) {
	sfc, cfc, _ := newControllers(1000, 1000)
	now := time.Now()
	require.NoError(t, sfc.UpdateHighestReceived(800, false))
	require.Zero(t, cfc.GetWindowUpdate(now))
	sfc.Abandon(now)
	require.Equal(t, protocol.ByteCount(1800), cfc.GetWindowUpdate(now))
}
