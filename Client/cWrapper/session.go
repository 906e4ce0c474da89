package wrapper

import (
	"context"
	"errors"

	"github.com/Liangxia6/quicmux"
	"github.com/Liangxia6/quicmux/internal/eventloop"
)

// Session 是交给 APP 的一次连接。
type Session struct {
	// Target 是从 Manager.Target 复制来的便捷字段。
	Target string

	// MigrateSeen：控制流观测到 migrate 消息后会 close 一次。
	// APP 可以用它在迁移期收紧超时，更快进入故障判定/恢复逻辑。
	MigrateSeen <-chan struct{}

	c *clientConn
}

func newSession(target string, c *clientConn) *Session {
	return &Session{Target: target, MigrateSeen: c.ctrl.migrateSeen, c: c}
}

// Response 是一个请求 stream 上 server 的回应。
type Response struct {
	Headers *quicmux.HeaderBlock
	Body    []byte
}

// Status 返回 ":status" header。
func (r *Response) Status() string {
	if r.Headers == nil {
		return ""
	}
	v, _ := r.Headers.Get(":status")
	return v
}

// responseReader 收集一个 stream 的回应，回调在 eventloop 上。
type responseReader struct {
	resp     Response
	finished bool
	done     chan error
}

func (r *responseReader) OnHeaders(_ *quicmux.Stream, h *quicmux.HeaderBlock) { r.resp.Headers = h }

func (r *responseReader) OnData(_ *quicmux.Stream, p []byte) {
	r.resp.Body = append(r.resp.Body, p...)
}

func (r *responseReader) OnFin(*quicmux.Stream) { r.finish(nil) }

func (r *responseReader) OnClose(_ *quicmux.Stream, err error) {
	if err == nil {
		err = quicmux.ErrStreamClosed
	}
	r.finish(err)
}

func (r *responseReader) finish(err error) {
	if r.finished {
		return
	}
	r.finished = true
	r.done <- err
}

// Request 打开一条新 stream，发送 headers 和 body（带 fin），等待 server 的完整回应。
// ctx 结束时 stream 被 reset。
func (s *Session) Request(ctx context.Context, headers *quicmux.HeaderBlock, body []byte) (*Response, error) {
	rr := &responseReader{done: make(chan error, 1)}
	var str *quicmux.Stream
	var err error
	derr := s.c.loop.Do(func() {
		str, err = s.c.client.Session().CreateOutgoingStream(quicmux.DefaultPriority)
		if err != nil {
			return
		}
		str.SetHandler(rr)
		if err = str.WriteHeaders(headers, len(body) == 0); err != nil {
			_ = str.Reset(quicmux.InternalError)
			return
		}
		if len(body) > 0 {
			if _, err = str.WriteOrBufferData(body, true); err != nil {
				_ = str.Reset(quicmux.InternalError)
			}
		}
	})
	if derr != nil {
		return nil, derr
	}
	if err != nil {
		return nil, err
	}

	select {
	case err := <-rr.done:
		if err != nil {
			return nil, err
		}
		return &rr.resp, nil
	case <-ctx.Done():
		_ = s.c.loop.Post(func() { _ = str.Reset(quicmux.StreamCancelled) })
		return nil, ctx.Err()
	case <-s.c.closed:
		return nil, quicmux.ErrSessionClosed
	}
}

// Stats 返回连接统计。
func (s *Session) Stats() (quicmux.ConnectionStats, error) {
	var st quicmux.ConnectionStats
	err := s.c.loop.Do(func() { st = s.c.client.Session().ConnectionStats() })
	return st, err
}

// Peer 返回当前真实对端（迁移后会变）。
func (s *Session) Peer() string { return s.c.pc.Peer().String() }

// Done 在 session 关闭后 close。
func (s *Session) Done() <-chan struct{} { return s.c.closed }

// Err 返回 session 关闭的原因，session 还在时返回 nil。
func (s *Session) Err() error {
	select {
	case <-s.c.closed:
	default:
		return nil
	}
	err := s.c.closeError()
	if errors.Is(err, eventloop.ErrStopped) {
		return quicmux.ErrSessionClosed
	}
	return err
}

// Close 关闭 session，发送 CONNECTION_CLOSE(PeerGoingAway)。
func (s *Session) Close() {
	s.c.shutdown()
}
