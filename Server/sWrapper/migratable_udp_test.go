package wrapper

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Liangxia6/quicmux"
)

type readResult struct {
	data       string
	self, peer netip.AddrPort
	err        error
}

func listenLoopback(t *testing.T) *MigratableUDP {
	t.Helper()
	m, err := ListenMigratableUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, 1<<16, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func readOne(m *MigratableUDP) <-chan readResult {
	ch := make(chan readResult, 1)
	go func() {
		buf := make([]byte, 1500)
		n, self, peer, err := m.ReadPacket(buf)
		ch <- readResult{data: string(buf[:n]), self: self, peer: peer, err: err}
	}()
	return ch
}

func TestMigratableUDPReadWrite(t *testing.T) {
	m := listenLoopback(t)
	port := m.LocalAddr().(*net.UDPAddr).Port
	require.NotZero(t, port)

	c, err := net.DialUDP("udp", nil, m.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer c.Close()

	res := readOne(m)
	_, err = c.Write([]byte("hello"))
	require.NoError(t, err)
	r := <-res
	require.NoError(t, r.err)
	require.Equal(t, "hello", r.data)
	require.Equal(t, netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port)), r.self)
	local := c.LocalAddr().(*net.UDPAddr).AddrPort()
	require.Equal(t, local.Addr().Unmap(), r.peer.Addr().Unmap())
	require.Equal(t, local.Port(), r.peer.Port())

	wr := m.WritePacket([]byte("world"), r.self, r.peer)
	require.Equal(t, quicmux.WriteOK, wr.Status)
	buf := make([]byte, 100)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := c.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "world", string(buf[:n]))
}

func TestMigratableUDPRebindKeepsPortAndReader(t *testing.T) {
	m := listenLoopback(t)
	addr := m.LocalAddr().(*net.UDPAddr)

	// the reader is blocked on the old socket while it is replaced
	res := readOne(m)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Rebind())
	require.Equal(t, addr.Port, m.LocalAddr().(*net.UDPAddr).Port)

	c, err := net.DialUDP("udp", nil, addr)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("after rebind"))
	require.NoError(t, err)

	select {
	case r := <-res:
		require.NoError(t, r.err)
		require.Equal(t, "after rebind", r.data)
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not survive the rebind")
	}
}

func TestMigratableUDPClosed(t *testing.T) {
	m := listenLoopback(t)
	res := readOne(m)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.Close())
	r := <-res
	require.True(t, isNetClosing(r.err))

	wr := m.WritePacket([]byte("x"), netip.AddrPort{}, netip.MustParseAddrPort("127.0.0.1:9"))
	require.Equal(t, quicmux.WriteError, wr.Status)
	require.Error(t, m.Rebind())
	require.NoError(t, m.Close())
}
