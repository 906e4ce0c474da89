package wrapper

import (
	"errors"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/Liangxia6/quicmux"
)

// SwappableUDPConn 是给 quicmux.Client 用的 UDP socket 包装。
//
// 目标：让引擎“看见”的对端稳定，但 wrapper 能在底层切换真实的对端地址。
//
// 典型用法：
//   - 初次 dial 时：fakePeer=初始 target（引擎认为对端就是它）；realPeer=同一个地址。
//   - 迁移时：控制流收到 migrate(new ip:port)，调用 SetPeer(newPeer)。
//   - 引擎仍然对同一个 fakePeer 工作，但所有写入都会发往 realPeer。
//   - ReadPacket 把来源地址伪装成 fakePeer。
//
// 并发：读 goroutine 调 ReadPacket，eventloop 调 WritePacket，SetPeer 可能随时发生。
//
// 我们只做地址层面的转发/伪装，不修改 datagram 内容，也不绕过握手和加密。
type SwappableUDPConn struct {
	mu      sync.Mutex
	network string
	laddr   *net.UDPAddr
	conn    *net.UDPConn
	gen     uint64

	peerMu    sync.RWMutex
	realPeer  netip.AddrPort
	armedPeer netip.AddrPort
	fakePeer  netip.AddrPort
}

var _ quicmux.PacketWriter = &SwappableUDPConn{}

func NewSwappableUDPConn(network string, laddr *net.UDPAddr, realPeer, fakePeer netip.AddrPort) (*SwappableUDPConn, error) {
	c, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return &SwappableUDPConn{
		network:  network,
		laddr:    laddr,
		conn:     c,
		gen:      1,
		realPeer: normalize(realPeer),
		fakePeer: normalize(fakePeer),
	}, nil
}

// normalize 去掉 IPv4-in-IPv6 形式，双栈 socket 收到的地址是 ::ffff:a.b.c.d。
func normalize(a netip.AddrPort) netip.AddrPort {
	if !a.IsValid() {
		return a
	}
	return netip.AddrPortFrom(a.Addr().Unmap(), a.Port())
}

// SetPeer 切换真实对端地址（线程安全）。
//
// 如果希望“迁移消息先到，但继续使用旧对端直到真的断联”，
// 用 ArmPeer() + CutoverToArmedPeer()。
func (s *SwappableUDPConn) SetPeer(peer netip.AddrPort) {
	s.peerMu.Lock()
	s.realPeer = normalize(peer)
	s.peerMu.Unlock()
}

// ArmPeer 设置候选对端，不影响收发。
func (s *SwappableUDPConn) ArmPeer(peer netip.AddrPort) {
	s.peerMu.Lock()
	s.armedPeer = normalize(peer)
	s.peerMu.Unlock()
}

// CutoverToArmedPeer 把真实对端切到 armedPeer，返回是否发生了切换。
func (s *SwappableUDPConn) CutoverToArmedPeer() bool {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	if !s.armedPeer.IsValid() || s.realPeer == s.armedPeer {
		return false
	}
	s.realPeer = s.armedPeer
	return true
}

// Peer 返回当前真实对端。
func (s *SwappableUDPConn) Peer() netip.AddrPort {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()
	return s.realPeer
}

func (s *SwappableUDPConn) current() (*net.UDPConn, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.gen
}

func (s *SwappableUDPConn) swapped(c *net.UDPConn, g uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && (s.conn != c || s.gen != g)
}

// ReadPacket 读一个 datagram。只接收当前 realPeer 的包，peer 返回 fakePeer。
func (s *SwappableUDPConn) ReadPacket(p []byte) (n int, self, peer netip.AddrPort, err error) {
	for {
		c, g := s.current()
		if c == nil {
			return 0, self, peer, net.ErrClosed
		}
		var from netip.AddrPort
		n, from, err = c.ReadFromUDPAddrPort(p)
		if err == nil {
			from = normalize(from)
			if want := s.Peer(); want.IsValid() && from != want {
				continue
			}
			self = normalize(c.LocalAddr().(*net.UDPAddr).AddrPort())
			if s.fakePeer.IsValid() {
				return n, self, s.fakePeer, nil
			}
			return n, self, from, nil
		}
		if isNetClosing(err) && s.swapped(c, g) {
			continue
		}
		return 0, self, peer, err
	}
}

// WritePacket 实现 quicmux.PacketWriter，忽略引擎给的 peer，发往 realPeer。
func (s *SwappableUDPConn) WritePacket(p []byte, _, _ netip.AddrPort) quicmux.WriteResult {
	peer := s.Peer()
	if !peer.IsValid() {
		return quicmux.WriteResult{Status: quicmux.WriteError, Err: errors.New("real peer is not set")}
	}
	for {
		c, g := s.current()
		if c == nil {
			return quicmux.WriteResult{Status: quicmux.WriteError, Err: net.ErrClosed}
		}
		_, err := c.WriteToUDPAddrPort(p, peer)
		if err == nil {
			return quicmux.WriteResult{Status: quicmux.WriteOK}
		}
		if isNetClosing(err) && s.swapped(c, g) {
			continue
		}
		return quicmux.WriteResult{Status: quicmux.WriteError, Err: err}
	}
}

// RebindLocal 在客户端本地地址变化时重建 UDP socket。laddr 为 nil 表示沿用原来的。
func (s *SwappableUDPConn) RebindLocal(laddr *net.UDPAddr) error {
	if laddr == nil {
		laddr = s.laddr
	}
	newConn, err := net.ListenUDP(s.network, laddr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.conn
	if old == nil {
		s.mu.Unlock()
		_ = newConn.Close()
		return errors.New("udp conn is nil")
	}
	s.conn = newConn
	s.laddr = laddr
	s.gen++
	s.mu.Unlock()

	_ = old.Close()
	return nil
}

func (s *SwappableUDPConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.gen++
	return err
}

func (s *SwappableUDPConn) LocalAddr() net.Addr {
	c, _ := s.current()
	if c == nil {
		return &net.UDPAddr{}
	}
	return c.LocalAddr()
}

func isNetClosing(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
