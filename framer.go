package quicmux

import (
	"github.com/eapache/queue"

	"github.com/Liangxia6/quicmux/internal/ackhandler"
	"github.com/Liangxia6/quicmux/internal/wire"
)

// minStreamFrameSize is the smallest room worth handing to a stream.
const minStreamFrameSize ByteCount = 16

type streamGetter interface {
	getStream(StreamID) *Stream
}

// framer fills packets with control frames and stream data. Streams with data
// wait in one round-robin queue per priority.
type framer struct {
	streams streamGetter

	controlFrames *queue.Queue
	queues        [LowestPriority + 1]*queue.Queue
	active        map[StreamID]struct{}
}

func newFramer(streams streamGetter) *framer {
	f := &framer{
		streams:       streams,
		controlFrames: queue.New(),
		active:        make(map[StreamID]struct{}),
	}
	for i := range f.queues {
		f.queues[i] = queue.New()
	}
	return f
}

func (f *framer) HasData() bool {
	return f.controlFrames.Length() > 0 || len(f.active) > 0
}

func (f *framer) QueueControlFrame(frame wire.Frame) {
	f.controlFrames.Add(frame)
}

// AddActiveStream queues a stream that has data to send.
func (f *framer) AddActiveStream(str *Stream) {
	if _, ok := f.active[str.ID()]; ok {
		return
	}
	f.active[str.ID()] = struct{}{}
	f.queues[str.Priority()].Add(str.ID())
}

// AppendControlFrames appends queued control frames that fit into maxLen.
func (f *framer) AppendControlFrames(frames []ackhandler.Frame, maxLen ByteCount, handler ackhandler.FrameHandler) ([]ackhandler.Frame, ByteCount) {
	var length ByteCount
	for f.controlFrames.Length() > 0 {
		frame := f.controlFrames.Peek().(wire.Frame)
		frameLen := frame.Length()
		if length+frameLen > maxLen {
			break
		}
		f.controlFrames.Remove()
		frames = append(frames, ackhandler.Frame{Frame: frame, Handler: handler})
		length += frameLen
	}
	return frames, length
}

// AppendStreamFrames appends STREAM frames, highest priority first. It also
// reports if any of them is a retransmission.
func (f *framer) AppendStreamFrames(frames []ackhandler.Frame, maxLen ByteCount) ([]ackhandler.Frame, ByteCount, bool) {
	var length ByteCount
	var retransmitted bool
	for prio := range f.queues {
		q := f.queues[prio]
		for n := q.Length(); n > 0; n-- {
			if maxLen-length < minStreamFrameSize {
				return frames, length, retransmitted
			}
			id := q.Remove().(StreamID)
			delete(f.active, id)
			str := f.streams.getStream(id)
			if str == nil {
				continue
			}
			frame, isRetransmission, hasMore := str.popStreamFrame(maxLen - length)
			if hasMore {
				f.active[id] = struct{}{}
				q.Add(id)
			}
			if frame == nil {
				continue
			}
			retransmitted = retransmitted || isRetransmission
			frames = append(frames, ackhandler.Frame{Frame: frame, Handler: str.frameHandler()})
			length += frame.Length()
		}
	}
	return frames, length, retransmitted
}

// Reset drops everything, when the session shuts down.
func (f *framer) Reset() {
	f.controlFrames = queue.New()
	for i := range f.queues {
		f.queues[i] = queue.New()
	}
	f.active = make(map[StreamID]struct{})
}
