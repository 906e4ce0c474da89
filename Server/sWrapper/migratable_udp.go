package wrapper

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/Liangxia6/quicmux"
)

// MigratableUDP 是一个支持“restore 后 rebind”的 UDP socket 包装。
//
// 为什么需要它？
//   - CRIU restore 到容器 B 后，被恢复的进程需要创建一个新的 UDP socket，
//     以匹配新的网络命名空间/端口映射。
//   - 读 goroutine 会一直阻塞在 ReadPacket 上，eventloop 同时在 WritePacket。
//   - 如果在 ReadPacket 阻塞期间直接 Close 旧 socket，会出现 "use of closed network connection"。
//
// 策略：
//  1. 先创建新 UDPConn。
//  2. 原子地 swap m.conn（并增加 generation）。
//  3. 再关闭旧 conn。
//  4. ReadPacket/WritePacket 观察到 close 错误且 generation 已变化时，自动重试。
//
// IPv4 socket 打开 IP_PKTINFO，ReadPacket 返回的 self 是数据包真正的目的地址，
// 监听 0.0.0.0 时 session 也能拿到自己的地址。
type MigratableUDP struct {
	mu sync.Mutex

	network string
	laddr   *net.UDPAddr
	bufSize int
	conn    *net.UDPConn
	pconn   *ipv4.PacketConn // nil: 没有 pktinfo
	gen     uint64

	logger *zap.Logger
}

var _ quicmux.PacketWriter = &MigratableUDP{}

// ListenMigratableUDP 监听 laddr。bufSize > 0 时设置 SO_RCVBUF/SO_SNDBUF。
func ListenMigratableUDP(network string, laddr *net.UDPAddr, bufSize int, logger *zap.Logger) (*MigratableUDP, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &MigratableUDP{network: network, laddr: laddr, bufSize: bufSize, gen: 1, logger: logger}
	c, pc, err := m.listen()
	if err != nil {
		return nil, err
	}
	m.conn = c
	m.pconn = pc
	// 固定端口，rebind 后仍然绑定同一个端口
	if laddr == nil || laddr.Port == 0 {
		m.laddr = c.LocalAddr().(*net.UDPAddr)
	}
	return m, nil
}

func (m *MigratableUDP) listen() (*net.UDPConn, *ipv4.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, rc syscall.RawConn) error {
			var serr error
			err := rc.Control(func(fd uintptr) {
				// rebind 时旧 socket 可能还没关
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if serr != nil || m.bufSize <= 0 {
					return
				}
				if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, m.bufSize); serr != nil {
					return
				}
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, m.bufSize)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	addr := ""
	if m.laddr != nil {
		addr = m.laddr.String()
	}
	pc, err := lc.ListenPacket(context.Background(), m.network, addr)
	if err != nil {
		return nil, nil, err
	}
	c := pc.(*net.UDPConn)
	if m.bufSize > 0 {
		if n, err := unix.GetsockoptInt(socketFD(c), unix.SOL_SOCKET, unix.SO_RCVBUF); err == nil {
			m.logger.Debug("udp receive buffer", zap.Int("requested", m.bufSize), zap.Int("actual", n))
		}
	}

	p4 := ipv4.NewPacketConn(c)
	if err := p4.SetControlMessage(ipv4.FlagDst, true); err != nil {
		// IPv6 socket：退回到 LocalAddr
		m.logger.Debug("no IP_PKTINFO on socket", zap.Error(err))
		p4 = nil
	}
	return c, p4, nil
}

func socketFD(c *net.UDPConn) int {
	fd := -1
	if rc, err := c.SyscallConn(); err == nil {
		_ = rc.Control(func(f uintptr) { fd = int(f) })
	}
	return fd
}

// Rebind 重建 socket，绑定在同一个地址上。
func (m *MigratableUDP) Rebind() error {
	newConn, newPConn, err := m.listen()
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.conn
	if old == nil {
		m.mu.Unlock()
		_ = newConn.Close()
		return errors.New("udp conn is nil")
	}
	m.conn = newConn
	m.pconn = newPConn
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	// 关闭旧 conn 会唤醒阻塞中的 ReadPacket，它会在新 conn 上重试。
	_ = old.Close()
	m.logger.Info("udp socket rebound", zap.Stringer("local", newConn.LocalAddr()), zap.Uint64("generation", gen))
	return nil
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

func (m *MigratableUDP) current() (*net.UDPConn, *ipv4.PacketConn, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn, m.pconn, m.gen
}

// swapped 判断 conn 是否已被 Rebind 换掉。
func (m *MigratableUDP) swapped(c *net.UDPConn, g uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && (m.conn != c || m.gen != g)
}

// ReadPacket 读一个 datagram。self 是本端地址，peer 是对端地址。
func (m *MigratableUDP) ReadPacket(p []byte) (n int, self, peer netip.AddrPort, err error) {
	for {
		c, pc, g := m.current()
		if c == nil {
			return 0, self, peer, net.ErrClosed
		}
		local := c.LocalAddr().(*net.UDPAddr).AddrPort()

		if pc != nil {
			var cm *ipv4.ControlMessage
			var src net.Addr
			n, cm, src, err = pc.ReadFrom(p)
			if err == nil {
				self = local
				if cm != nil && cm.Dst != nil {
					if dst, ok := netip.AddrFromSlice(cm.Dst.To4()); ok {
						self = netip.AddrPortFrom(dst, local.Port())
					}
				}
				return n, self, src.(*net.UDPAddr).AddrPort(), nil
			}
		} else {
			n, peer, err = c.ReadFromUDPAddrPort(p)
			if err == nil {
				return n, local, peer, nil
			}
		}

		if isNetClosing(err) && m.swapped(c, g) {
			continue
		}
		return 0, self, peer, err
	}
}

// WritePacket 实现 quicmux.PacketWriter。socket 是阻塞的，不会返回 WriteBlocked。
func (m *MigratableUDP) WritePacket(p []byte, _, peer netip.AddrPort) quicmux.WriteResult {
	for {
		c, _, g := m.current()
		if c == nil {
			return quicmux.WriteResult{Status: quicmux.WriteError, Err: net.ErrClosed}
		}
		_, err := c.WriteToUDPAddrPort(p, peer)
		if err == nil {
			return quicmux.WriteResult{Status: quicmux.WriteOK}
		}
		if isNetClosing(err) && m.swapped(c, g) {
			continue
		}
		m.logger.Debug("udp write failed", zap.Stringer("peer", peer), zap.Error(err))
		return quicmux.WriteResult{Status: quicmux.WriteError, Err: err}
	}
}

func (m *MigratableUDP) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	m.pconn = nil
	m.gen++
	return err
}

func (m *MigratableUDP) LocalAddr() net.Addr {
	c, _, _ := m.current()
	if c == nil {
		return &net.UDPAddr{}
	}
	return c.LocalAddr()
}
