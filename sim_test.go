package quicmux

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	mrand "math/rand"
	"net/netip"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type manualClock struct{ now time.Time }

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time          { return c.now }
func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// manualScheduler records alarms. The network fires them when the clock
// passes their deadline.
type manualScheduler struct {
	alarms map[uint64]time.Time
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{alarms: make(map[uint64]time.Time)}
}

func (s *manualScheduler) Schedule(token uint64, deadline time.Time) { s.alarms[token] = deadline }
func (s *manualScheduler) Cancel(token uint64)                       { delete(s.alarms, token) }

func (s *manualScheduler) next() (time.Time, bool) {
	var next time.Time
	for _, d := range s.alarms {
		if next.IsZero() || d.Before(next) {
			next = d
		}
	}
	return next, !next.IsZero()
}

// popDue removes and returns the alarms due at now, earliest first.
func (s *manualScheduler) popDue(now time.Time) []uint64 {
	var due []uint64
	for token, d := range s.alarms {
		if !d.After(now) {
			due = append(due, token)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		di, dj := s.alarms[due[i]], s.alarms[due[j]]
		if di.Equal(dj) {
			return due[i] < due[j]
		}
		return di.Before(dj)
	})
	for _, token := range due {
		delete(s.alarms, token)
	}
	return due
}

type simOwner interface {
	ProcessPacket(self, peer netip.AddrPort, data []byte)
	OnAlarm(token uint64)
}

type simDatagram struct {
	data      []byte
	from, to  netip.AddrPort
	deliverAt time.Time
	seq       int
}

// simWriter sends datagrams into the simulated network. It drops a share of
// them and can be blocked.
type simWriter struct {
	net      *simNet
	lossRate float64
	blocked  bool

	written int
	dropped int
	refused int
}

func (w *simWriter) WritePacket(p []byte, self, peer netip.AddrPort) WriteResult {
	if w.blocked {
		w.refused++
		return WriteResult{Status: WriteBlocked}
	}
	w.written++
	if w.lossRate > 0 && w.net.rand.Float64() < w.lossRate {
		w.dropped++
		return WriteResult{Status: WriteOK}
	}
	w.net.send(self, peer, p)
	return WriteResult{Status: WriteOK}
}

type simEndpoint struct {
	addr      netip.AddrPort
	writer    *simWriter
	scheduler *manualScheduler
	owner     simOwner
}

// simNet connects endpoints with a fixed latency. Everything runs on the
// test goroutine, driven by a manual clock.
type simNet struct {
	t       *testing.T
	clock   *manualClock
	rand    *mrand.Rand
	latency time.Duration

	endpoints []*simEndpoint
	inFlight  []simDatagram
	seq       int
}

func newSimNet(t *testing.T) *simNet {
	return &simNet{
		t:       t,
		clock:   newManualClock(),
		rand:    mrand.New(mrand.NewSource(42)),
		latency: 10 * time.Millisecond,
	}
}

func (n *simNet) send(from, to netip.AddrPort, p []byte) {
	n.seq++
	n.inFlight = append(n.inFlight, simDatagram{
		data:      append([]byte(nil), p...),
		from:      from,
		to:        to,
		deliverAt: n.clock.Now().Add(n.latency),
		seq:       n.seq,
	})
}

// holdBack removes the datagrams in flight to addr and returns them.
func (n *simNet) holdBack(to netip.AddrPort) []simDatagram {
	var held, rest []simDatagram
	for _, d := range n.inFlight {
		if d.to == to {
			held = append(held, d)
		} else {
			rest = append(rest, d)
		}
	}
	n.inFlight = rest
	return held
}

// release sends held datagrams again, after everything already in flight.
func (n *simNet) release(held []simDatagram) {
	for _, d := range held {
		n.send(d.from, d.to, d.data)
	}
}

func (n *simNet) endpoint(addr netip.AddrPort) *simEndpoint {
	for _, e := range n.endpoints {
		if e.addr == addr {
			return e
		}
	}
	return nil
}

func (n *simNet) nextEvent() (time.Time, bool) {
	var next time.Time
	for _, d := range n.inFlight {
		if next.IsZero() || d.deliverAt.Before(next) {
			next = d.deliverAt
		}
	}
	for _, e := range n.endpoints {
		if d, ok := e.scheduler.next(); ok && (next.IsZero() || d.Before(next)) {
			next = d
		}
	}
	return next, !next.IsZero()
}

// processDue delivers the datagrams and fires the alarms that are due.
func (n *simNet) processDue() {
	now := n.clock.Now()
	var due, rest []simDatagram
	for _, d := range n.inFlight {
		if !d.deliverAt.After(now) {
			due = append(due, d)
		} else {
			rest = append(rest, d)
		}
	}
	n.inFlight = rest
	sort.Slice(due, func(i, j int) bool { return due[i].seq < due[j].seq })
	for _, d := range due {
		if e := n.endpoint(d.to); e != nil {
			e.owner.ProcessPacket(d.to, d.from, d.data)
		}
	}
	for _, e := range n.endpoints {
		for _, token := range e.scheduler.popDue(now) {
			e.owner.OnAlarm(token)
		}
	}
}

// runUntil runs the network until cond holds, or until limit of simulated
// time passed.
func (n *simNet) runUntil(cond func() bool, limit time.Duration) bool {
	deadline := n.clock.Now().Add(limit)
	for i := 0; !cond(); i++ {
		require.Less(n.t, i, 1_000_000, "simulation doesn't make progress")
		next, ok := n.nextEvent()
		if !ok || next.After(deadline) {
			return cond()
		}
		if next.After(n.clock.Now()) {
			n.clock.now = next
		}
		n.processDue()
	}
	return true
}

var (
	simServerAddr = netip.MustParseAddrPort("10.0.0.1:443")
	simClientAddr = netip.MustParseAddrPort("10.0.0.2:50000")
)

func (n *simNet) config(conf *Config) *Config {
	if conf == nil {
		conf = &Config{}
	}
	conf = conf.Clone()
	conf.Clock = n.clock
	return conf
}

type testCert struct {
	der   []byte
	key   *ecdsa.PrivateKey
	roots *x509.CertPool
}

func newTestCert(t *testing.T) *testCert {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,

		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(cert)
	return &testCert{der: der, key: key, roots: roots}
}

func (c *testCert) serverCryptoConfig(t *testing.T, clock Clock) *ServerCryptoConfig {
	ps := NewProofSource(c.key)
	require.NoError(t, ps.AddCert(c.der))
	require.NoError(t, ps.BuildCertChain())
	cc, err := NewServerCryptoConfig(ps, nil, clock)
	require.NoError(t, err)
	return cc
}

func (c *testCert) clientCryptoConfig() *ClientCryptoConfig {
	return &ClientCryptoConfig{ServerName: "localhost", Verifier: NewX509ProofVerifier(c.roots, false)}
}

func (n *simNet) addServer(cert *testCert, conf *Config) (*Dispatcher, *simWriter) {
	n.t.Helper()
	w := &simWriter{net: n}
	sched := newManualScheduler()
	d, err := NewDispatcher(w, sched, cert.serverCryptoConfig(n.t, n.clock), n.config(conf))
	require.NoError(n.t, err)
	n.endpoints = append(n.endpoints, &simEndpoint{addr: simServerAddr, writer: w, scheduler: sched, owner: d})
	return d, w
}

func (n *simNet) addClient(cc *ClientCryptoConfig, conf *Config) (*Client, *simWriter) {
	n.t.Helper()
	w := &simWriter{net: n}
	sched := newManualScheduler()
	c, err := NewClient(w, sched, simClientAddr, simServerAddr, cc, n.config(conf))
	require.NoError(n.t, err)
	n.endpoints = append(n.endpoints, &simEndpoint{addr: simClientAddr, writer: w, scheduler: sched, owner: c})
	return c, w
}

// connect runs the handshake between a new server and a new client.
func (n *simNet) connect(serverConf, clientConf *Config) (*Dispatcher, *Client) {
	n.t.Helper()
	cert := newTestCert(n.t)
	d, _ := n.addServer(cert, serverConf)
	c, _ := n.addClient(cert.clientCryptoConfig(), clientConf)
	require.NoError(n.t, c.Connect())
	require.True(n.t, n.runUntil(func() bool {
		s, ok := d.Session(c.Session().ConnectionID())
		return c.Session().IsConnected() && ok && s.IsConnected()
	}, 10*time.Second))
	return d, c
}

// recordingHandler collects what a stream receives.
type recordingHandler struct {
	headers  *HeaderBlock
	body     []byte
	fin      bool
	closed   bool
	closeErr error
}

func (h *recordingHandler) OnHeaders(_ *Stream, headers *HeaderBlock) { h.headers = headers }
func (h *recordingHandler) OnData(_ *Stream, p []byte)                { h.body = append(h.body, p...) }
func (h *recordingHandler) OnFin(*Stream)                             { h.fin = true }

func (h *recordingHandler) OnClose(_ *Stream, err error) {
	h.closed = true
	h.closeErr = err
}
