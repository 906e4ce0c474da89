package ackhandler

import (
	"github.com/Liangxia6/quicmux/internal/wire"
)

// FrameHandler handles the acknowledgement and the loss of a frame.
type FrameHandler interface {
	OnAcked(wire.Frame)
	OnLost(wire.Frame)
}

// Frame is a frame sent in a packet, together with who wants to know its fate.
type Frame struct {
	Frame   wire.Frame
	Handler FrameHandler
}
