package wrapper

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/Liangxia6/quicmux"
)

type Manager struct {
	// Target 是首次 dial 的地址（真实对端）。
	//
	// 透明迁移模式下，迁移时不重建 session，而是把 SwappableUDPConn 的 real peer 切到新地址。
	// 因此 Target 只用于初始连接，后续对端变化由 migrate 控制消息驱动。
	Target string
	// Quiet 减少用户侧输出（TRACE 仍由环境变量 TRACE=1 控制）。
	Quiet bool
	// ClientID 在 hello 控制消息里发送，用于服务端日志区分。
	ClientID string

	// ServerName 用于证书校验，默认 "localhost"。
	ServerName string
	// Verifier 为 nil 时只校验签名，跳过证书链（配合 server 的自签名证书）。
	Verifier quicmux.ProofVerifier

	// DialBackoff 是连接失败后的重试间隔。
	DialBackoff time.Duration
	// DialTimeout 限制一次 dial 尝试的最长时间（包含握手）。
	DialTimeout time.Duration

	// Engine 是引擎配置，Logger 和回调由 wrapper 设置。
	Engine *quicmux.Config
	Logger *zap.Logger
}

func (m *Manager) setDefaults() {
	if m.Target == "" {
		m.Target = "127.0.0.1:5242"
	}
	if m.ClientID == "" {
		m.ClientID = "car"
	}
	if m.ServerName == "" {
		m.ServerName = "localhost"
	}
	if m.Verifier == nil {
		m.Verifier = quicmux.NewX509ProofVerifier(nil, true)
	}
	if m.DialBackoff <= 0 {
		m.DialBackoff = 50 * time.Millisecond
	}
	if m.DialTimeout <= 0 {
		m.DialTimeout = 900 * time.Millisecond
	}
	if m.Logger == nil {
		m.Logger = zap.L()
	}
}

// Dial 建立一个 session：握手完成并打开控制流后返回。
func (m *Manager) Dial(ctx context.Context) (*Session, error) {
	m.setDefaults()
	c, err := dialControl(ctx, dialOptions{
		target:      m.Target,
		clientID:    m.ClientID,
		crypto:      &quicmux.ClientCryptoConfig{ServerName: m.ServerName, Verifier: m.Verifier},
		dialTimeout: m.DialTimeout,
		engine:      m.Engine,
		logger:      m.Logger.Named("client"),
	})
	if err != nil {
		return nil, err
	}
	return newSession(m.Target, c), nil
}

// Run 是客户端 wrapper 的主循环。
//
// 结构：
//  1. dial 到 Manager.Target 建立 session。
//  2. 控制流在 eventloop 上处理 migrate。
//  3. 调用 APP 回调；传给回调的 ctx 在 session 关闭时被取消。
//  4. 回调返回后关闭 session；若 ctx 未取消则重试。
//
// 透明迁移契约：wrapper 在 migrate 发生时不切 target，也不重建 session。
// 若连接最终结束，则从初始 Target 重新 dial。
func (m *Manager) Run(ctx context.Context, run func(ctx context.Context, s *Session) error) error {
	m.setDefaults()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s, err := m.Dial(ctx)
		if err != nil {
			if !m.Quiet {
				fmt.Fprintf(os.Stderr, "[客户端] 连接失败：%v\n", err)
			}
			m.Logger.Debug("dial failed", zap.String("target", m.Target), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.DialBackoff):
			}
			continue
		}

		if !m.Quiet {
			fmt.Printf("✅ [Client] Connected %s\n", m.Target)
		}
		tracef("session connected target=%s", m.Target)

		runCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-s.Done():
				cancel()
			case <-runCtx.Done():
			}
		}()
		if err := run(runCtx, s); err != nil {
			m.Logger.Debug("session run ended", zap.Error(err))
		}
		cancel()
		tracef("session closing target=%s", m.Target)
		s.Close()
	}
}
