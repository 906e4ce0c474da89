package wrapper

import (
	"net"
	"net/netip"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/Liangxia6/quicmux"
	"github.com/Liangxia6/quicmux/internal/control"
)

// controlStream 处理控制流上 server 发来的消息，回调都在 eventloop 上。
//
// 契约：
//   - 收到 migrate 后：(1) 切换底层 UDP 的真实对端；(2) 只 close 一次 migrateSeen；(3) 回 ACK。
//   - 这里不做重连，session 不感知对端变化。
type controlStream struct {
	pc       *SwappableUDPConn
	splitter control.Splitter

	migrateOnce sync.Once
	migrateSeen chan struct{}
	// ready 在 server 回应 header 后 close
	ready     chan struct{}
	readyOnce sync.Once

	logger *zap.Logger
}

var _ quicmux.StreamHandler = &controlStream{}

func newControlStream(pc *SwappableUDPConn, logger *zap.Logger) *controlStream {
	return &controlStream{
		pc:          pc,
		migrateSeen: make(chan struct{}),
		ready:       make(chan struct{}),
		logger:      logger,
	}
}

// open 打开控制流并发送 hello。在 eventloop 上调用。
func (c *controlStream) open(sess *quicmux.Session, clientID string) (*quicmux.Stream, error) {
	str, err := sess.CreateOutgoingStream(quicmux.HighestPriority)
	if err != nil {
		return nil, err
	}
	str.SetHandler(c)
	if err := str.WriteHeaders(quicmux.NewHeaderBlock(control.ProtocolHeader, control.ProtocolName), false); err != nil {
		return nil, err
	}
	hello, err := control.Append(nil, control.Message{Type: control.TypeHello, ClientID: clientID})
	if err != nil {
		return nil, err
	}
	if _, err := str.WriteOrBufferData(hello, false); err != nil {
		return nil, err
	}
	return str, nil
}

func (c *controlStream) OnHeaders(_ *quicmux.Stream, h *quicmux.HeaderBlock) {
	if proto, _ := h.Get(control.ProtocolHeader); proto != control.ProtocolName {
		c.logger.Warn("server answered with unexpected protocol", zap.String("protocol", proto))
		return
	}
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *controlStream) OnData(str *quicmux.Stream, p []byte) {
	msgs, err := c.splitter.Write(p)
	if err != nil {
		c.logger.Warn("control stream", zap.Error(err))
	}
	for _, msg := range msgs {
		if msg.Type != control.TypeMigrate {
			continue
		}
		c.handleMigrate(str, msg)
	}
}

func (c *controlStream) handleMigrate(str *quicmux.Stream, msg control.Message) {
	newTarget := net.JoinHostPort(msg.NewAddr, strconv.Itoa(msg.NewPort))
	c.logger.Info("migrate", zap.String("id", msg.ID), zap.String("new", newTarget))
	tracef("migrate received id=%s new=%s", msg.ID, newTarget)

	// 核心：不重建 session，只切换底层 UDP 的真实对端。
	if peer, err := resolveAddrPort(newTarget); err == nil {
		c.pc.SetPeer(peer)
		tracef("udp peer switched to=%s", peer)
	} else {
		c.logger.Warn("migrate target unusable", zap.String("new", newTarget), zap.Error(err))
	}
	c.migrateOnce.Do(func() { close(c.migrateSeen) })

	// ACK 只代表客户端在控制流上看到了 migrate，不代表业务已恢复。
	ack, err := control.Append(nil, control.Message{Type: control.TypeAck, AckID: msg.ID})
	if err != nil {
		return
	}
	if _, err := str.WriteOrBufferData(ack, false); err != nil {
		c.logger.Warn("sending ack failed", zap.String("id", msg.ID), zap.Error(err))
	}
}

func (c *controlStream) OnFin(*quicmux.Stream) {}

func (c *controlStream) OnClose(_ *quicmux.Stream, err error) {
	c.logger.Debug("control stream closed", zap.Error(err))
}

func resolveAddrPort(hostport string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(hostport); err == nil {
		return normalize(ap), nil
	}
	ua, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return normalize(ua.AddrPort()), nil
}
