package udpproxy

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// echoServer answers every datagram with the same bytes.
func echoServer(t *testing.T) *net.UDPConn {
	t.Helper()
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := c.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			_, _ = c.WriteToUDPAddrPort(buf[:n], from)
		}
	}()
	return c
}

func startProxy(t *testing.T, opts Options) *Proxy {
	t.Helper()
	opts.ListenAddr = "127.0.0.1:0"
	opts.Logger = zaptest.NewLogger(t)
	p, err := New(opts)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return p
}

func dialProxy(t *testing.T, p *Proxy) *net.UDPConn {
	t.Helper()
	c, err := net.DialUDP("udp", nil, p.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func roundTrip(c *net.UDPConn, msg string, timeout time.Duration) (string, error) {
	if _, err := c.Write([]byte(msg)); err != nil {
		return "", err
	}
	_ = c.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 2048)
	n, err := c.Read(buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

func TestProxyRelays(t *testing.T) {
	backend := echoServer(t)
	p := startProxy(t, Options{Backend: backend.LocalAddr().String()})
	c := dialProxy(t, p)

	for _, msg := range []string{"one", "two", "three"} {
		got, err := roundTrip(c, msg, time.Second)
		require.NoError(t, err)
		require.Equal(t, msg, got)
	}
	require.Eventually(t, func() bool {
		fwd, dropped := p.Stats()
		return fwd == 6 && dropped == 0
	}, time.Second, 5*time.Millisecond)
}

func TestProxyWithoutBackendDiscards(t *testing.T) {
	p := startProxy(t, Options{})
	c := dialProxy(t, p)
	_, err := roundTrip(c, "lost", 100*time.Millisecond)
	require.Error(t, err)
	_, ok := p.Backend()
	require.False(t, ok)
}

func TestProxySwitchesBackendFromFile(t *testing.T) {
	a := echoServer(t)
	b := echoServer(t)
	file := filepath.Join(t.TempDir(), "backend.addr")
	require.NoError(t, os.WriteFile(file, []byte(a.LocalAddr().String()+"\n"), 0o644))

	p := startProxy(t, Options{BackendFile: file, Poll: 5 * time.Millisecond})
	require.Eventually(t, func() bool {
		cur, ok := p.Backend()
		return ok && cur.String() == a.LocalAddr().String()
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(file, []byte(b.LocalAddr().String()), 0o644))
	require.Eventually(t, func() bool {
		cur, ok := p.Backend()
		return ok && cur.String() == b.LocalAddr().String()
	}, time.Second, 5*time.Millisecond)

	c := dialProxy(t, p)
	got, err := roundTrip(c, "hello", time.Second)
	require.NoError(t, err)
	require.Equal(t, "hello", got)
}

func TestProxyDropsAtConfiguredRate(t *testing.T) {
	p, err := New(Options{ListenAddr: "127.0.0.1:0", DropRate: 0.25, Seed: 42})
	require.NoError(t, err)
	defer p.Close()

	const n = 10000
	drops := 0
	for i := 0; i < n; i++ {
		if p.drop() {
			drops++
		}
	}
	require.InDelta(t, 0.25, float64(drops)/n, 0.03)
}

func TestProxyRejectsBadOptions(t *testing.T) {
	_, err := New(Options{ListenAddr: "127.0.0.1:0", DropRate: 1})
	require.Error(t, err)
	_, err = New(Options{ListenAddr: "127.0.0.1:0", Backend: "no-port"})
	require.Error(t, err)
}
