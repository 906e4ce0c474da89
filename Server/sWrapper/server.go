package wrapper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Liangxia6/quicmux"
	"github.com/Liangxia6/quicmux/internal/control"
	"github.com/Liangxia6/quicmux/internal/eventloop"
)

// ServerOptions 描述“容器内运行的服务端 wrapper”行为。
// APP 只需要提供业务 stream 的 handler（例如 echo）。
//
// 迁移信号、控制流协议、Dispatcher、可迁移 UDP rebind 都在这里实现。
type ServerOptions struct {
	ListenAddr string
	// 自签名证书的名字
	ServerName string
	// 为 nil 时生成自签名证书
	ProofSource *quicmux.ProofSource

	// migrate 指令里推送给 client 的新地址/端口。
	MigrateAddr string
	MigratePort int

	Quiet bool

	AckTimeout       time.Duration
	SocketBufferSize int

	// Engine 是引擎配置，Logger 和回调由 Serve 设置。
	Engine *quicmux.Config
	Logger *zap.Logger
}

func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		ListenAddr:  envOr("LISTEN_ADDR", ":4242"),
		ServerName:  envOr("SERVER_NAME", "localhost"),
		MigrateAddr: envOr("MIGRATE_ADDR", "127.0.0.1"),
		MigratePort: envOrInt("MIGRATE_PORT", 5243),
		Quiet:       envOrBool("QUIET", true),
		AckTimeout:  800 * time.Millisecond,
	}
}

// HandlerFunc 为 client 打开的业务 stream 返回 handler。
type HandlerFunc func(s *quicmux.Session, str *quicmux.Stream) quicmux.StreamHandler

// Server 是运行中的服务端 wrapper。
type Server struct {
	opts   ServerOptions
	pc     *MigratableUDP
	loop   *eventloop.Loop
	sched  *eventloop.Scheduler
	d      *quicmux.Dispatcher
	ctrl   *controlRegistry
	logger *zap.Logger
}

// Listen 建立 socket 和 Dispatcher，Serve 开始收包。
func Listen(opts ServerOptions, handler HandlerFunc) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is nil")
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":4242"
	}
	if opts.ServerName == "" {
		opts.ServerName = "localhost"
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 800 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("server")

	ps := opts.ProofSource
	if ps == nil {
		var err error
		if ps, _, err = SelfSignedProofSource(opts.ServerName); err != nil {
			return nil, fmt.Errorf("certificate: %w", err)
		}
	}
	cc, err := quicmux.NewServerCryptoConfig(ps, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto config: %w", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", opts.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen: %w", err)
	}
	pc, err := ListenMigratableUDP("udp", udpAddr, opts.SocketBufferSize, logger)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	s := &Server{
		opts:   opts,
		pc:     pc,
		loop:   eventloop.New(1024, 64),
		ctrl:   newControlRegistry(logger),
		logger: logger,
	}
	s.sched = eventloop.NewScheduler(s.loop, func(token uint64) { s.d.OnAlarm(token) })

	conf := &quicmux.Config{}
	if opts.Engine != nil {
		conf = opts.Engine.Clone()
	}
	conf.Logger = logger
	// 约定：client 第一条 stream 为控制流，后续 stream 交给 APP。
	conf.NewStreamHandler = func(sess *quicmux.Session, str *quicmux.Stream) quicmux.StreamHandler {
		if str.ID() == control.StreamID {
			return s.ctrl.accept(sess, str)
		}
		return handler(sess, str)
	}
	s.d, err = quicmux.NewDispatcher(pc, s.sched, cc, conf)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	return s, nil
}

// LocalAddr 返回监听地址。
func (s *Server) LocalAddr() net.Addr { return s.pc.LocalAddr() }

// Rebind 重建 UDP socket（CRIU restore 后用）。
func (s *Server) Rebind() error { return s.pc.Rebind() }

// SetMigrateTarget 修改 migrate 指令里推送的地址/端口，需在 Serve 之前调用。
func (s *Server) SetMigrateTarget(addr string, port int) {
	s.opts.MigrateAddr = addr
	s.opts.MigratePort = port
}

// Do 在 eventloop 上访问 Dispatcher。
func (s *Server) Do(fn func(d *quicmux.Dispatcher)) error {
	return s.loop.Do(func() { fn(s.d) })
}

// Migrate 向所有客户端广播 migrate 并等待 ACK。返回收到的 ACK 数和广播数。
func (s *Server) Migrate(id string) (acked, sent int) {
	var waits []<-chan time.Duration
	if err := s.loop.Do(func() { waits = s.ctrl.migrate(id, s.opts.MigrateAddr, s.opts.MigratePort) }); err != nil {
		return 0, 0
	}
	if len(waits) == 0 {
		s.logger.Info("触发迁移 (no active client)", zap.String("id", id))
		return 0, 0
	}
	s.logger.Info("触发迁移", zap.String("id", id), zap.String("new", net.JoinHostPort(s.opts.MigrateAddr, strconv.Itoa(s.opts.MigratePort))), zap.Int("clients", len(waits)))

	timeout := time.NewTimer(s.opts.AckTimeout)
	defer timeout.Stop()
	start := time.Now()
	for _, w := range waits {
		select {
		case wait, ok := <-w:
			if ok {
				acked++
				s.logger.Info("收到ACK", zap.String("id", id), zap.Duration("wait", wait))
			}
		case <-timeout.C:
			s.logger.Warn("ACK超时", zap.String("id", id), zap.Duration("wait", time.Since(start)), zap.Int("acked", acked))
			return acked, len(waits)
		}
	}
	return acked, len(waits)
}

// Serve 收包直到 ctx 结束，然后关闭所有 session。
func (s *Server) Serve(ctx context.Context) error {
	// loop 要在 ctx 结束后继续跑，用来关闭 session
	go s.loop.Run(context.Background())

	if !s.opts.Quiet {
		fmt.Printf("[服务端] 监听 %s\n", s.pc.LocalAddr())
	}
	s.logger.Info("listening", zap.Stringer("addr", s.pc.LocalAddr()))

	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop() }()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-readErr:
	}
	_ = s.loop.Do(func() { s.d.Shutdown() })
	s.sched.StopAll()
	s.loop.Stop()
	_ = s.pc.Close()
	return err
}

func (s *Server) readLoop() error {
	buf := make([]byte, 64*1024)
	for {
		n, self, peer, err := s.pc.ReadPacket(buf)
		if err != nil {
			if isNetClosing(err) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		data := append([]byte(nil), buf[:n]...)
		if err := s.loop.Post(func() { s.d.ProcessPacket(self, peer, data) }); err != nil {
			if errors.Is(err, eventloop.ErrStopped) {
				return nil
			}
			return err
		}
	}
}

// Serve 启动 server wrapper：
//   - 建立可迁移 UDP socket 和 Dispatcher
//   - 每个连接第一条 stream 作为控制流（migrate/ack）
//   - 后续 stream 交给 APP 提供的 handler
//   - SIGTERM 触发 migrate 广播并等待 ACK（PoC/Control 用）
//   - SIGUSR2 触发 UDP Rebind（CRIU restore 后用）
func Serve(ctx context.Context, opts ServerOptions, handler HandlerFunc) error {
	s, err := Listen(opts, handler)
	if err != nil {
		return err
	}

	// 容器内协作点：restore 后由 Control 发 SIGUSR2 来触发 rebind。
	stopUSR2 := InstallRebindOnUSR2(s.pc, s.logger)
	defer stopUSR2()

	term := make(chan os.Signal, 2)
	signal.Notify(term, syscall.SIGTERM)
	defer signal.Stop(term)
	go func() {
		for range term {
			s.Migrate(fmt.Sprintf("m-%d", time.Now().UnixNano()))
		}
	}()

	return s.Serve(ctx)
}

func envOr(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

func envOrInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrBool(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	v = strings.ToLower(v)
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
