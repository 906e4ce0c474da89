package wrapper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Liangxia6/quicmux"
	"github.com/Liangxia6/quicmux/internal/eventloop"
)

// clientConn 是一个已建立的 session 以及驱动它的 socket、eventloop。
type clientConn struct {
	pc     *SwappableUDPConn
	loop   *eventloop.Loop
	sched  *eventloop.Scheduler
	client *quicmux.Client
	ctrl   *controlStream

	established chan struct{}
	closed      chan struct{}
	stateOnce   sync.Once
	closeOnce   sync.Once

	logger *zap.Logger
}

type dialOptions struct {
	target      string
	clientID    string
	crypto      *quicmux.ClientCryptoConfig
	dialTimeout time.Duration
	engine      *quicmux.Config
	logger      *zap.Logger
}

func dialControl(ctx context.Context, o dialOptions) (*clientConn, error) {
	if o.dialTimeout <= 0 {
		o.dialTimeout = 900 * time.Millisecond
	}
	dialCtx, cancel := context.WithTimeout(ctx, o.dialTimeout)
	defer cancel()

	// target 是初始的真实对端。迁移时 session 不重建，只改 SwappableUDPConn 的 realPeer。
	realPeer, err := resolveAddrPort(o.target)
	if err != nil {
		return nil, err
	}
	// fakePeer 是引擎看到的对端，保持不变。
	fakePeer := realPeer
	pc, err := NewSwappableUDPConn("udp", nil, realPeer, fakePeer)
	if err != nil {
		return nil, err
	}

	c := &clientConn{
		pc:          pc,
		loop:        eventloop.New(1024, 64),
		established: make(chan struct{}),
		closed:      make(chan struct{}),
		logger:      o.logger,
	}
	c.ctrl = newControlStream(pc, o.logger)
	c.sched = eventloop.NewScheduler(c.loop, func(token uint64) { c.client.OnAlarm(token) })

	conf := &quicmux.Config{}
	if o.engine != nil {
		conf = o.engine.Clone()
	}
	conf.Logger = o.logger
	if conf.HandshakeTimeout <= 0 || conf.HandshakeTimeout > o.dialTimeout {
		conf.HandshakeTimeout = o.dialTimeout
	}
	// server 不会主动开 stream
	conf.NewStreamHandler = nil
	conf.OnSessionStateChange = c.onStateChange

	self := normalize(pc.LocalAddr().(*net.UDPAddr).AddrPort())
	c.client, err = quicmux.NewClient(pc, c.sched, self, fakePeer, o.crypto, conf)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	go c.loop.Run(context.Background())
	go c.readLoop()

	start := time.Now()
	var connectErr error
	if err := c.loop.Do(func() { connectErr = c.client.Connect() }); err != nil {
		c.shutdown()
		return nil, err
	}
	if connectErr != nil {
		c.shutdown()
		return nil, fmt.Errorf("connect: %w", connectErr)
	}

	select {
	case <-c.established:
	case <-c.closed:
		err := c.closeError()
		c.shutdown()
		return nil, fmt.Errorf("handshake: %w", err)
	case <-dialCtx.Done():
		c.shutdown()
		return nil, dialCtx.Err()
	}

	var openErr error
	if err := c.loop.Do(func() { _, openErr = c.ctrl.open(c.client.Session(), o.clientID) }); err != nil {
		c.shutdown()
		return nil, err
	}
	if openErr != nil {
		c.shutdown()
		return nil, fmt.Errorf("open ctrl: %w", openErr)
	}
	tracef("dial ok target=%s dt=%dms", o.target, time.Since(start).Milliseconds())
	return c, nil
}

// onStateChange 在 eventloop 上调用。
func (c *clientConn) onStateChange(_ *quicmux.Session, state quicmux.SessionState) {
	switch state {
	case quicmux.StateEstablished:
		c.stateOnce.Do(func() { close(c.established) })
	case quicmux.StateClosed:
		c.closeOnce.Do(func() { close(c.closed) })
	}
}

func (c *clientConn) closeError() error {
	var err error
	if derr := c.loop.Do(func() { err = c.client.Session().CloseError() }); derr != nil {
		return derr
	}
	if err == nil {
		err = quicmux.ErrSessionClosed
	}
	return err
}

func (c *clientConn) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, self, peer, err := c.pc.ReadPacket(buf)
		if err != nil {
			if !isNetClosing(err) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		data := append([]byte(nil), buf[:n]...)
		if err := c.loop.Post(func() { c.client.ProcessPacket(self, peer, data) }); err != nil {
			if !errors.Is(err, eventloop.ErrStopped) {
				c.logger.Debug("post failed", zap.Error(err))
			}
			return
		}
	}
}

// shutdown 关闭 session（发 CONNECTION_CLOSE），停止 loop 和 socket。可重复调用。
func (c *clientConn) shutdown() {
	_ = c.loop.Do(func() { c.client.Close() })
	c.sched.StopAll()
	c.loop.Stop()
	_ = c.pc.Close()
}
