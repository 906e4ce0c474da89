package wrapper

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Liangxia6/quicmux"
	"github.com/Liangxia6/quicmux/internal/control"
)

// controlClient 是一个连接的控制流。所有方法都在 eventloop 上调用。
type controlClient struct {
	registry *controlRegistry
	session  *quicmux.Session
	stream   *quicmux.Stream
	clientID string
	ready    bool // 已回应 header，可以写消息

	splitter control.Splitter
	pending  map[string]*pendingMigrate

	logger *zap.Logger
}

type pendingMigrate struct {
	sent time.Time
	done chan time.Duration
}

var _ quicmux.StreamHandler = &controlClient{}

func (c *controlClient) OnHeaders(str *quicmux.Stream, h *quicmux.HeaderBlock) {
	if proto, _ := h.Get(control.ProtocolHeader); proto != control.ProtocolName {
		c.logger.Warn("unexpected control protocol", zap.String("protocol", proto))
		_ = str.Reset(quicmux.StreamRefused)
		return
	}
	if err := str.WriteHeaders(quicmux.NewHeaderBlock(control.ProtocolHeader, control.ProtocolName), false); err != nil {
		c.logger.Warn("control stream headers", zap.Error(err))
		return
	}
	c.ready = true
}

func (c *controlClient) OnData(_ *quicmux.Stream, p []byte) {
	msgs, err := c.splitter.Write(p)
	if err != nil {
		c.logger.Warn("control stream", zap.Error(err))
	}
	for _, msg := range msgs {
		switch msg.Type {
		case control.TypeHello:
			c.clientID = msg.ClientID
			c.logger.Info("client hello", zap.String("client_id", msg.ClientID), zap.Stringer("peer", c.session.PeerAddr()))
		case control.TypeAck:
			pm, ok := c.pending[msg.AckID]
			if !ok {
				continue
			}
			delete(c.pending, msg.AckID)
			pm.done <- time.Since(pm.sent)
		}
	}
}

func (c *controlClient) OnFin(*quicmux.Stream) {}

func (c *controlClient) OnClose(_ *quicmux.Stream, err error) {
	c.logger.Debug("control stream closed", zap.String("client_id", c.clientID), zap.Error(err))
	c.registry.remove(c)
	for id, pm := range c.pending {
		close(pm.done)
		delete(c.pending, id)
	}
}

// sendMigrate 发送 migrate，返回的 channel 在收到 ACK 时给出等待时间，连接关闭时被 close。
func (c *controlClient) sendMigrate(id, addr string, port int) (<-chan time.Duration, error) {
	if !c.ready {
		return nil, errors.New("control stream not ready")
	}
	b, err := control.Append(nil, control.Message{Type: control.TypeMigrate, ID: id, NewAddr: addr, NewPort: port})
	if err != nil {
		return nil, err
	}
	if _, err := c.stream.WriteOrBufferData(b, false); err != nil {
		return nil, err
	}
	pm := &pendingMigrate{sent: time.Now(), done: make(chan time.Duration, 1)}
	c.pending[id] = pm
	return pm.done, nil
}

// controlRegistry 记录所有连接的控制流。
type controlRegistry struct {
	clients map[*quicmux.Session]*controlClient
	logger  *zap.Logger
}

func newControlRegistry(logger *zap.Logger) *controlRegistry {
	return &controlRegistry{clients: make(map[*quicmux.Session]*controlClient), logger: logger}
}

func (r *controlRegistry) accept(s *quicmux.Session, str *quicmux.Stream) quicmux.StreamHandler {
	c := &controlClient{
		registry: r,
		session:  s,
		stream:   str,
		pending:  make(map[string]*pendingMigrate),
		logger:   r.logger.With(zap.Stringer("cid", s.ConnectionID())),
	}
	r.clients[s] = c
	return c
}

func (r *controlRegistry) remove(c *controlClient) {
	if r.clients[c.session] == c {
		delete(r.clients, c.session)
	}
}

// migrate 向所有客户端广播 migrate。
func (r *controlRegistry) migrate(id, addr string, port int) []<-chan time.Duration {
	var waits []<-chan time.Duration
	for _, c := range r.clients {
		w, err := c.sendMigrate(id, addr, port)
		if err != nil {
			c.logger.Warn("sending migrate failed", zap.String("id", id), zap.Error(err))
			continue
		}
		waits = append(waits, w)
	}
	return waits
}
