// Package udpproxy relays datagrams between one client and a switchable
// backend, optionally dropping a share of them to simulate a lossy path.
package udpproxy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Options configures a Proxy.
type Options struct {
	ListenAddr string
	// Backend is the initial backend. It may be empty if BackendFile is set.
	Backend string
	// BackendFile is polled every Poll for a new backend address.
	BackendFile string
	Poll        time.Duration
	// DropRate is the probability, in [0, 1), that a datagram is dropped.
	// It applies in both directions.
	DropRate float64
	// Seed seeds the drop decisions. 0 uses the current time.
	Seed int64

	Logger *zap.Logger
}

// Proxy is a single client UDP relay. The last address that sent a datagram
// to the listen socket is the client.
type Proxy struct {
	opts Options

	lc *net.UDPConn // towards the client
	bc *net.UDPConn // towards the backend, stable local port

	backend atomic.Pointer[netip.AddrPort]

	clientMu sync.Mutex
	client   netip.AddrPort

	rngMu sync.Mutex
	rng   *rand.Rand

	forwarded atomic.Uint64
	dropped   atomic.Uint64

	logger *zap.Logger
}

// New opens the proxy's sockets.
func New(opts Options) (*Proxy, error) {
	if opts.DropRate < 0 || opts.DropRate >= 1 {
		return nil, fmt.Errorf("drop rate %v out of range [0, 1)", opts.DropRate)
	}
	if opts.Poll <= 0 {
		opts.Poll = 20 * time.Millisecond
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	laddr, err := net.ResolveUDPAddr("udp", opts.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen: %w", err)
	}
	lc, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen client: %w", err)
	}
	bc, err := net.ListenUDP("udp", nil)
	if err != nil {
		_ = lc.Close()
		return nil, fmt.Errorf("listen backend: %w", err)
	}
	p := &Proxy{
		opts:   opts,
		lc:     lc,
		bc:     bc,
		rng:    rand.New(rand.NewSource(opts.Seed)),
		logger: logger.Named("proxy"),
	}
	if opts.Backend != "" {
		if err := p.SetBackend(opts.Backend); err != nil {
			_ = p.Close()
			return nil, err
		}
	}
	return p, nil
}

// LocalAddr is the address clients send to.
func (p *Proxy) LocalAddr() net.Addr { return p.lc.LocalAddr() }

// SetBackend switches the backend. Datagrams in flight to the old backend
// are not redirected.
func (p *Proxy) SetBackend(addr string) error {
	ua, err := net.ResolveUDPAddr("udp", strings.TrimSpace(addr))
	if err != nil {
		return fmt.Errorf("bad backend %q: %w", addr, err)
	}
	ap := netip.AddrPortFrom(ua.AddrPort().Addr().Unmap(), ua.AddrPort().Port())
	old := p.backend.Swap(&ap)
	if old == nil || *old != ap {
		p.logger.Info("backend", zap.Stringer("addr", ap))
	}
	return nil
}

// Backend returns the current backend, if any.
func (p *Proxy) Backend() (netip.AddrPort, bool) {
	b := p.backend.Load()
	if b == nil {
		return netip.AddrPort{}, false
	}
	return *b, true
}

// Stats returns the number of forwarded and dropped datagrams.
func (p *Proxy) Stats() (forwarded, dropped uint64) {
	return p.forwarded.Load(), p.dropped.Load()
}

func (p *Proxy) drop() bool {
	if p.opts.DropRate == 0 {
		return false
	}
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng.Float64() < p.opts.DropRate
}

// Run relays until ctx is done, then closes the sockets.
func (p *Proxy) Run(ctx context.Context) error {
	p.logger.Info("listening",
		zap.Stringer("listen", p.lc.LocalAddr()),
		zap.Stringer("backend_sock", p.bc.LocalAddr()),
		zap.String("backend_file", p.opts.BackendFile),
		zap.Float64("drop_rate", p.opts.DropRate),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	errc := make(chan error, 2)
	if p.opts.BackendFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.watchBackendFile(ctx)
		}()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		errc <- p.clientToBackend()
	}()
	go func() {
		defer wg.Done()
		errc <- p.backendToClient()
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	cancel()
	_ = p.Close()
	wg.Wait()
	return err
}

func (p *Proxy) clientToBackend() error {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := p.lc.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read client: %w", err)
		}
		p.clientMu.Lock()
		p.client = from
		p.clientMu.Unlock()

		b, ok := p.Backend()
		if !ok {
			continue
		}
		p.forward(p.bc, buf[:n], b, "to_backend")
	}
}

func (p *Proxy) backendToClient() error {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := p.bc.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read backend: %w", err)
		}
		p.clientMu.Lock()
		c := p.client
		p.clientMu.Unlock()
		if !c.IsValid() {
			continue
		}
		p.forward(p.lc, buf[:n], c, "to_client")
	}
}

func (p *Proxy) forward(c *net.UDPConn, b []byte, to netip.AddrPort, dir string) {
	if p.drop() {
		p.dropped.Add(1)
		metrics.IncrCounterWithLabels([]string{"proxy", "dropped"}, 1, []metrics.Label{{Name: "dir", Value: dir}})
		return
	}
	if _, err := c.WriteToUDPAddrPort(b, to); err != nil {
		p.logger.Debug("write failed", zap.String("dir", dir), zap.Stringer("to", to), zap.Error(err))
		return
	}
	p.forwarded.Add(1)
	metrics.IncrCounterWithLabels([]string{"proxy", "forwarded"}, 1, []metrics.Label{{Name: "dir", Value: dir}})
}

func (p *Proxy) watchBackendFile(ctx context.Context) {
	var last string
	t := time.NewTicker(p.opts.Poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		b, err := os.ReadFile(p.opts.BackendFile)
		if err != nil {
			continue
		}
		s := strings.TrimSpace(string(b))
		if s == "" || s == last {
			continue
		}
		if err := p.SetBackend(s); err != nil {
			p.logger.Warn("ignoring backend file", zap.String("path", p.opts.BackendFile), zap.Error(err))
		}
		last = s
	}
}

// Close closes both sockets.
func (p *Proxy) Close() error {
	return multierror.Append(nil, p.lc.Close(), p.bc.Close()).ErrorOrNil()
}
