package quicmux

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Liangxia6/quicmux/internal/protocol"
	"github.com/Liangxia6/quicmux/internal/wire"
)

func newTestAlarmScheduler(mockCtrl *gomock.Controller) *MockAlarmScheduler {
	sched := NewMockAlarmScheduler(mockCtrl)
	sched.EXPECT().Schedule(gomock.Any(), gomock.Any()).AnyTimes()
	sched.EXPECT().Cancel(gomock.Any()).AnyTimes()
	return sched
}

// newTestClientHello returns the first packet a client sends.
func newTestClientHello(t *testing.T, conf *Config) (ConnectionID, []byte) {
	mockCtrl := gomock.NewController(t)
	w := NewMockPacketWriter(mockCtrl)
	var chlo []byte
	w.EXPECT().WritePacket(gomock.Any(), simClientAddr, simServerAddr).DoAndReturn(
		func(p []byte, _, _ netip.AddrPort) WriteResult {
			chlo = append([]byte(nil), p...)
			return WriteResult{Status: WriteOK}
		},
	)
	c, err := NewClient(w, newTestAlarmScheduler(mockCtrl), simClientAddr, simServerAddr, &ClientCryptoConfig{ServerName: "localhost"}, conf)
	require.NoError(t, err)
	require.NoError(t, c.Connect())
	require.Len(t, chlo, protocol.MinInitialPacketSize)
	require.True(t, wire.HasVersionFlag(chlo))
	return c.Session().ConnectionID(), chlo
}

type dispatcherTest struct {
	d      *Dispatcher
	writer *MockPacketWriter
}

func newDispatcherTest(t *testing.T, conf *Config) *dispatcherTest {
	mockCtrl := gomock.NewController(t)
	w := NewMockPacketWriter(mockCtrl)
	d, err := NewDispatcher(w, newTestAlarmScheduler(mockCtrl), newTestCert(t).serverCryptoConfig(t, nil), conf)
	require.NoError(t, err)
	return &dispatcherTest{d: d, writer: w}
}

func TestDispatcherCreatesOneSessionPerConnectionID(t *testing.T) {
	cid1, chlo1 := newTestClientHello(t, nil)
	cid2, chlo2 := newTestClientHello(t, nil)
	dt := newDispatcherTest(t, nil)
	dt.writer.EXPECT().WritePacket(gomock.Any(), simServerAddr, simClientAddr).Return(WriteResult{Status: WriteOK}).AnyTimes()

	// duplicated and interleaved first packets
	for _, p := range [][]byte{chlo2, chlo1, chlo1, chlo2, chlo1} {
		dt.d.ProcessPacket(simServerAddr, simClientAddr, p)
	}
	require.Equal(t, 2, dt.d.NumSessions())
	require.EqualValues(t, 2, dt.d.Stats().SessionsCreated)

	s, ok := dt.d.Session(cid1)
	require.True(t, ok)
	require.Equal(t, StateHandshakeInProgress, s.State())
	require.Equal(t, cid1, s.ConnectionID())
	require.Equal(t, simClientAddr, s.PeerAddr())
	require.True(t, s.IsEncryptionEstablished())
	require.False(t, s.IsConnected())
	stats := s.ConnectionStats()
	require.EqualValues(t, 3, stats.PacketsReceived)
	require.EqualValues(t, 1, stats.PacketsProcessed)
	require.EqualValues(t, 2, stats.PacketsDropped)
	require.EqualValues(t, protocol.MinInitialPacketSize, stats.MaxReceivedPacketSize)

	_, ok = dt.d.Session(cid2)
	require.True(t, ok)
}

func TestDispatcherDropsUnknownPackets(t *testing.T) {
	dt := newDispatcherTest(t, nil)
	dt.d.ProcessPacket(simServerAddr, simClientAddr, []byte{0x08, 1})
	// no version flag
	dt.d.ProcessPacket(simServerAddr, simClientAddr, []byte{0x08, 1, 2, 3, 4, 5, 6, 7, 8, 1})
	// version negotiation packets are never answered
	dt.d.ProcessPacket(simServerAddr, simClientAddr, wire.ComposeVersionNegotiation(42, []Version{Version1}))
	require.Zero(t, dt.d.NumSessions())
	require.EqualValues(t, 3, dt.d.Stats().PacketsDropped)
}

func TestDispatcherSendsVersionNegotiation(t *testing.T) {
	dt := newDispatcherTest(t, &Config{Versions: []Version{Version1}})
	p := []byte{0x09}
	p = binary.BigEndian.AppendUint64(p, 0xdeadbeef)
	p = binary.BigEndian.AppendUint32(p, uint32(protocol.VersionTag("XXXX")))
	p = append(p, 1)

	dt.writer.EXPECT().WritePacket(wire.ComposeVersionNegotiation(0xdeadbeef, []Version{Version1}), simServerAddr, simClientAddr)
	dt.d.ProcessPacket(simServerAddr, simClientAddr, p)
	require.Zero(t, dt.d.NumSessions())
	require.EqualValues(t, 1, dt.d.Stats().VersionNegotiations)
}

func TestDispatcherTimeWait(t *testing.T) {
	cid, chlo := newTestClientHello(t, nil)
	dt := newDispatcherTest(t, nil)
	var written [][]byte
	dt.writer.EXPECT().WritePacket(gomock.Any(), simServerAddr, simClientAddr).DoAndReturn(
		func(p []byte, _, _ netip.AddrPort) WriteResult {
			written = append(written, append([]byte(nil), p...))
			return WriteResult{Status: WriteOK}
		},
	).AnyTimes()
	dt.d.ProcessPacket(simServerAddr, simClientAddr, chlo)
	s, ok := dt.d.Session(cid)
	require.True(t, ok)

	s.CloseWithError(InternalError, "test")
	require.Equal(t, StateClosed, s.State())
	require.Zero(t, dt.d.NumSessions())
	closePacket := written[len(written)-1]

	written = nil
	for i := 0; i < 4; i++ {
		dt.d.ProcessPacket(simServerAddr, simClientAddr, chlo)
	}
	require.Len(t, written, 3)
	for _, p := range written {
		require.Equal(t, closePacket, p)
	}
	require.Zero(t, dt.d.NumSessions())
	require.EqualValues(t, 3, dt.d.Stats().TimeWaitResponses)
	require.EqualValues(t, 1, dt.d.Stats().SessionsClosed)
}

func TestDispatcherShutdown(t *testing.T) {
	cid, chlo := newTestClientHello(t, nil)
	dt := newDispatcherTest(t, nil)
	dt.writer.EXPECT().WritePacket(gomock.Any(), simServerAddr, simClientAddr).Return(WriteResult{Status: WriteOK}).AnyTimes()
	dt.d.ProcessPacket(simServerAddr, simClientAddr, chlo)
	s, ok := dt.d.Session(cid)
	require.True(t, ok)

	dt.d.Shutdown()
	require.Zero(t, dt.d.NumSessions())
	require.Equal(t, StateClosed, s.State())
	var terr *TransportError
	require.ErrorAs(t, s.CloseError(), &terr)
	require.Equal(t, PeerGoingAway, terr.Code)

	dt.d.Shutdown()
	dt.d.ProcessPacket(simServerAddr, simClientAddr, chlo)
	require.Zero(t, dt.d.NumSessions())
	require.EqualValues(t, 1, dt.d.Stats().PacketsDropped)
}

func TestDispatcherShutdownWithBlockedWriter(t *testing.T) {
	_, chlo := newTestClientHello(t, nil)
	dt := newDispatcherTest(t, nil)
	dt.writer.EXPECT().WritePacket(gomock.Any(), gomock.Any(), gomock.Any()).Return(WriteResult{Status: WriteBlocked}).Times(1)
	dt.d.ProcessPacket(simServerAddr, simClientAddr, chlo)
	require.Equal(t, 1, dt.d.NumSessions())

	// the writer stays blocked, the session is dropped anyway
	dt.d.Shutdown()
	require.Zero(t, dt.d.NumSessions())
	require.EqualValues(t, 1, dt.d.Stats().SessionsClosed)
}
