package quicmux

import (
	"github.com/eapache/queue"

	"github.com/Liangxia6/quicmux/internal/ackhandler"
	"github.com/Liangxia6/quicmux/internal/protocol"
	"github.com/Liangxia6/quicmux/internal/wire"
)

// retransmissionQueue holds lost CRYPTO and control frames until they are
// sent again. Lost STREAM frames are queued by their stream.
type retransmissionQueue struct {
	crypto  *queue.Queue // of *wire.CryptoFrame
	control *queue.Queue // of wire.Frame
}

func newRetransmissionQueue() *retransmissionQueue {
	return &retransmissionQueue{
		crypto:  queue.New(),
		control: queue.New(),
	}
}

func (q *retransmissionQueue) HasCryptoData() bool { return q.crypto.Length() > 0 }

func (q *retransmissionQueue) HasControlData() bool { return q.control.Length() > 0 }

// GetCryptoFrame returns a lost CRYPTO frame that fits into maxLen, splitting
// the oldest one if necessary.
func (q *retransmissionQueue) GetCryptoFrame(maxLen protocol.ByteCount) *wire.CryptoFrame {
	if q.crypto.Length() == 0 {
		return nil
	}
	f := q.crypto.Peek().(*wire.CryptoFrame)
	newFrame, needsSplit := f.MaybeSplitOffFrame(maxLen)
	if newFrame == nil && !needsSplit {
		q.crypto.Remove()
		return f
	}
	return newFrame
}

// GetControlFrame returns the oldest lost control frame if it fits into maxLen.
func (q *retransmissionQueue) GetControlFrame(maxLen protocol.ByteCount) wire.Frame {
	if q.control.Length() == 0 {
		return nil
	}
	f := q.control.Peek().(wire.Frame)
	if f.Length() > maxLen {
		return nil
	}
	q.control.Remove()
	return f
}

// Drop discards everything, when the connection is restarted.
func (q *retransmissionQueue) Drop() {
	q.crypto = queue.New()
	q.control = queue.New()
}

func (q *retransmissionQueue) CryptoHandler() ackhandler.FrameHandler { return (*retransmissionQueueCryptoHandler)(q) }

func (q *retransmissionQueue) ControlHandler() ackhandler.FrameHandler { return (*retransmissionQueueControlHandler)(q) }

type retransmissionQueueCryptoHandler retransmissionQueue

func (q *retransmissionQueueCryptoHandler) OnAcked(wire.Frame) {}

func (q *retransmissionQueueCryptoHandler) OnLost(f wire.Frame) {
	q.crypto.Add(f.(*wire.CryptoFrame))
}

type retransmissionQueueControlHandler retransmissionQueue

func (q *retransmissionQueueControlHandler) OnAcked(wire.Frame) {}

func (q *retransmissionQueueControlHandler) OnLost(f wire.Frame) {
	if _, ok := f.(*wire.PingFrame); ok {
		return
	}
	q.control.Add(f)
}
