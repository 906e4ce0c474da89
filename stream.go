package quicmux

import (
	"errors"
	"fmt"
	"time"

	"github.com/Liangxia6/quicmux/internal/flowcontrol"
	"github.com/Liangxia6/quicmux/internal/protocol"
	"github.com/Liangxia6/quicmux/internal/qerr"
	"github.com/Liangxia6/quicmux/internal/wire"
)

// Priority orders streams when packets are filled. 0 is the highest priority.
type Priority uint8

const (
	HighestPriority Priority = 0
	DefaultPriority Priority = 3
	LowestPriority  Priority = 7
)

// StreamHandler receives what the peer sends on a stream. The callbacks run
// while the owner processes a packet; they may write to the stream.
type StreamHandler interface {
	// OnHeaders is called once, before any data.
	OnHeaders(s *Stream, headers *HeaderBlock)
	OnData(s *Stream, p []byte)
	// OnFin is called when the peer closed its direction.
	OnFin(s *Stream)
	// OnClose is called when the stream is gone. err is nil if both
	// directions were closed and all data was acknowledged.
	OnClose(s *Stream, err error)
}

// StreamHandlerFuncs implements StreamHandler with optional callbacks.
type StreamHandlerFuncs struct {
	Headers func(*Stream, *HeaderBlock)
	Data    func(*Stream, []byte)
	Fin     func(*Stream)
	Close   func(*Stream, error)
}

var _ StreamHandler = StreamHandlerFuncs{}

func (h StreamHandlerFuncs) OnHeaders(s *Stream, headers *HeaderBlock) {
	if h.Headers != nil {
		h.Headers(s, headers)
	}
}

func (h StreamHandlerFuncs) OnData(s *Stream, p []byte) {
	if h.Data != nil {
		h.Data(s, p)
	}
}

func (h StreamHandlerFuncs) OnFin(s *Stream) {
	if h.Fin != nil {
		h.Fin(s)
	}
}

func (h StreamHandlerFuncs) OnClose(s *Stream, err error) {
	if h.Close != nil {
		h.Close(s, err)
	}
}

// streamSender is the session as seen by its streams.
type streamSender interface {
	onHasStreamData(StreamID)
	onStreamCompleted(StreamID)
	queueControlFrame(wire.Frame)
	scheduleSending()
	onStreamBytesSent(ByteCount)
	onStreamBytesReceived(ByteCount)
}

// Stream is an ordered byte stream within a session. Every stream starts with
// a header section, written by WriteHeaders, followed by the body.
type Stream struct {
	id       StreamID
	priority Priority

	sender         streamSender
	flowController *flowcontrol.StreamFlowController
	clock          Clock
	handler        StreamHandler

	// send direction
	headersWritten       bool
	headerLen            ByteCount
	finQueued            bool
	finSent              bool
	writeOffset          ByteCount
	sendBuf              []byte
	retransmissions      []*wire.StreamFrame
	numOutstandingFrames int

	// receive direction
	sorter       frameSorter
	headerParser headerSectionParser
	finReceived  bool
	finalOffset  ByteCount
	recvDone     bool

	completed bool
	closeErr  error
}

func newStream(
	id StreamID,
	priority Priority,
	sender streamSender,
	fc *flowcontrol.StreamFlowController,
	clock Clock,
) *Stream {
	return &Stream{
		id:             id,
		priority:       min(priority, LowestPriority),
		sender:         sender,
		flowController: fc,
		clock:          clock,
		handler:        StreamHandlerFuncs{},
	}
}

// ID returns the stream ID.
func (s *Stream) ID() StreamID { return s.id }

// Priority returns the stream's priority.
func (s *Stream) Priority() Priority { return s.priority }

// SetHandler sets the handler for data received on the stream.
func (s *Stream) SetHandler(h StreamHandler) {
	if h == nil {
		h = StreamHandlerFuncs{}
	}
	s.handler = h
}

// BufferedBytes returns the number of bytes written but not yet sent.
func (s *Stream) BufferedBytes() int { return len(s.sendBuf) }

func (s *Stream) closedError() error {
	if s.closeErr == nil {
		return nil
	}
	var serr *StreamError
	if errors.As(s.closeErr, &serr) {
		return serr
	}
	return fmt.Errorf("%w: %w", ErrStreamClosed, s.closeErr)
}

// WriteHeaders queues the header section. It must be called once, before any
// body data. If isEmptyBody is set, the send direction is closed as well.
func (s *Stream) WriteHeaders(headers *HeaderBlock, isEmptyBody bool) error {
	if err := s.closedError(); err != nil {
		return err
	}
	if s.headersWritten {
		return fmt.Errorf("%w: headers already written on stream %d", ErrInvalidStreamState, s.id)
	}
	if s.finQueued {
		return ErrStreamClosed
	}
	b, err := appendHeaderSection(nil, headers)
	if err != nil {
		return err
	}
	s.headersWritten = true
	s.headerLen = ByteCount(len(b))
	s.sendBuf = append(s.sendBuf, b...)
	s.finQueued = isEmptyBody
	s.sender.onHasStreamData(s.id)
	s.sender.scheduleSending()
	return nil
}

// WriteOrBufferData queues p and sends as much as the flow control and
// congestion windows allow. It returns the number of bytes still buffered;
// they are sent as the windows open. fin closes the send direction.
func (s *Stream) WriteOrBufferData(p []byte, fin bool) (int, error) {
	if err := s.closedError(); err != nil {
		return 0, err
	}
	if s.finQueued {
		return 0, ErrStreamClosed
	}
	if !s.headersWritten {
		return 0, fmt.Errorf("%w: body written before headers on stream %d", ErrInvalidStreamState, s.id)
	}
	if len(p) == 0 && !fin {
		return len(s.sendBuf), nil
	}
	s.sendBuf = append(s.sendBuf, p...)
	s.finQueued = fin
	s.sender.onHasStreamData(s.id)
	s.sender.scheduleSending()
	return len(s.sendBuf), nil
}

// Close closes the send direction. A stream without headers gets an empty
// header section.
func (s *Stream) Close() error {
	if !s.headersWritten {
		return s.WriteHeaders(nil, true)
	}
	_, err := s.WriteOrBufferData(nil, true)
	return err
}

// Reset abandons the stream in both directions and tells the peer.
func (s *Stream) Reset(code ErrorCode) error {
	if s.completed {
		return nil
	}
	s.closeErr = &StreamError{StreamID: s.id, ErrorCode: code}
	s.sender.queueControlFrame(&wire.ResetStreamFrame{
		StreamID:  s.id,
		ErrorCode: code,
		FinalSize: s.writeOffset,
	})
	s.flowController.Abandon(s.clock.Now())
	s.dropSendData()
	s.complete(s.closeErr)
	s.sender.scheduleSending()
	return nil
}

func (s *Stream) dropSendData() {
	s.sendBuf = nil
	s.retransmissions = nil
}

func (s *Stream) hasNewData() bool {
	return len(s.sendBuf) > 0 || (s.finQueued && !s.finSent)
}

// popStreamFrame returns the next frame to send, of at most maxLen bytes.
// Retransmissions go first. hasMore says if the stream should be asked again.
func (s *Stream) popStreamFrame(maxLen ByteCount) (f *wire.StreamFrame, isRetransmission, hasMore bool) {
	if s.closeErr != nil {
		return nil, false, false
	}
	if len(s.retransmissions) > 0 {
		f := s.retransmissions[0]
		newFrame, needsSplit := f.MaybeSplitOffFrame(maxLen)
		if newFrame == nil && needsSplit {
			return nil, false, true
		}
		if newFrame == nil {
			s.retransmissions = s.retransmissions[1:]
			newFrame = f
		}
		s.numOutstandingFrames++
		return newFrame, true, len(s.retransmissions) > 0 || s.hasNewData()
	}
	if !s.hasNewData() {
		return nil, false, false
	}

	f = &wire.StreamFrame{StreamID: s.id, Offset: s.writeOffset}
	maxDataLen := f.MaxDataLen(maxLen)
	if maxDataLen == 0 {
		return nil, false, true
	}
	n := min(maxDataLen, ByteCount(len(s.sendBuf)), s.flowController.SendWindowSize())
	onlyFin := len(s.sendBuf) == 0
	if n == 0 && !onlyFin {
		// blocked by flow control, the stream is queued again on a window update
		return nil, false, false
	}
	f.Data = append([]byte(nil), s.sendBuf[:n]...)
	s.sendBuf = s.sendBuf[n:]
	if s.finQueued && len(s.sendBuf) == 0 {
		f.Fin = true
		s.finSent = true
	}
	s.flowController.AddBytesSent(n)
	if end := s.writeOffset + n; end > s.headerLen {
		s.sender.onStreamBytesSent(end - max(s.writeOffset, s.headerLen))
	}
	s.writeOffset += n
	s.numOutstandingFrames++
	return f, false, len(s.sendBuf) > 0 && s.flowController.SendWindowSize() > 0
}

// onSendWindowUpdate is called after the peer raised one of the send windows.
func (s *Stream) onSendWindowUpdate() {
	if s.closeErr == nil && s.hasNewData() {
		s.sender.onHasStreamData(s.id)
	}
}

func (s *Stream) handleMaxStreamDataFrame(f *wire.MaxStreamDataFrame) {
	if s.flowController.UpdateSendWindow(f.MaximumStreamData) {
		s.onSendWindowUpdate()
	}
}

func (s *Stream) frameAcked(*wire.StreamFrame) {
	s.numOutstandingFrames--
	s.checkIfCompleted()
}

func (s *Stream) frameLost(f *wire.StreamFrame) {
	s.numOutstandingFrames--
	if s.closeErr != nil {
		return
	}
	s.retransmissions = append(s.retransmissions, f)
	s.sender.onHasStreamData(s.id)
}

func (s *Stream) handleStreamFrame(f *wire.StreamFrame, now time.Time) error {
	if s.completed {
		return nil
	}
	maxOffset := f.Offset + f.DataLen()
	if err := s.flowController.UpdateHighestReceived(maxOffset, f.Fin); err != nil {
		return err
	}
	if f.Fin {
		s.finReceived = true
		s.finalOffset = maxOffset
	}
	if s.recvDone {
		return nil
	}
	if err := s.sorter.Push(f.Data, f.Offset); err != nil {
		return qerr.NewErrorf(protocol.InternalError, "stream %d: %v", s.id, err)
	}
	return s.deliver(now)
}

// deliver hands the in-order data to the handler: the headers first, then
// the body, then the fin.
func (s *Stream) deliver(now time.Time) error {
	if data := s.sorter.Pop(); len(data) > 0 {
		s.flowController.AddBytesRead(ByteCount(len(data)), now)
		if !s.headerParser.Done() {
			body, err := s.headerParser.Write(data)
			if err != nil {
				return qerr.NewErrorf(protocol.InvalidFrameData, "stream %d: %v", s.id, err)
			}
			if s.headerParser.Done() {
				s.handler.OnHeaders(s, s.headerParser.headers)
			}
			data = body
		}
		if len(data) > 0 && !s.completed {
			s.sender.onStreamBytesReceived(ByteCount(len(data)))
			s.handler.OnData(s, data)
		}
	}
	if s.completed {
		return nil
	}
	if s.finReceived && !s.recvDone && s.sorter.ReadPosition() == s.finalOffset {
		if !s.headerParser.Done() {
			return qerr.NewErrorf(protocol.InvalidFrameData, "stream %d ended inside the header section", s.id)
		}
		s.recvDone = true
		s.handler.OnFin(s)
		s.checkIfCompleted()
		return nil
	}
	if offset := s.flowController.GetWindowUpdate(now); offset > 0 {
		s.sender.queueControlFrame(&wire.MaxStreamDataFrame{StreamID: s.id, MaximumStreamData: offset})
	}
	return nil
}

func (s *Stream) handleResetStreamFrame(f *wire.ResetStreamFrame, now time.Time) error {
	if s.completed {
		return nil
	}
	if err := s.flowController.UpdateHighestReceived(f.FinalSize, true); err != nil {
		return err
	}
	s.flowController.Abandon(now)
	s.closeErr = &StreamError{StreamID: s.id, ErrorCode: f.ErrorCode, Remote: true}
	s.dropSendData()
	s.complete(s.closeErr)
	return nil
}

func (s *Stream) checkIfCompleted() {
	if s.completed || s.closeErr != nil {
		return
	}
	if s.recvDone && s.finSent && s.numOutstandingFrames == 0 && len(s.retransmissions) == 0 && len(s.sendBuf) == 0 {
		s.complete(nil)
	}
}

func (s *Stream) complete(err error) {
	if s.completed {
		return
	}
	s.completed = true
	s.sender.onStreamCompleted(s.id)
	s.handler.OnClose(s, err)
}

// closeForShutdown tears the stream down when the session closes.
func (s *Stream) closeForShutdown(err error) {
	if s.completed {
		return
	}
	s.completed = true
	s.closeErr = err
	s.dropSendData()
	s.handler.OnClose(s, err)
}

// streamFrameHandler tracks the fate of the STREAM frames a stream sent.
type streamFrameHandler Stream

func (s *Stream) frameHandler() *streamFrameHandler { return (*streamFrameHandler)(s) }

func (h *streamFrameHandler) OnAcked(f wire.Frame) { (*Stream)(h).frameAcked(f.(*wire.StreamFrame)) }

func (h *streamFrameHandler) OnLost(f wire.Frame) { (*Stream)(h).frameLost(f.(*wire.StreamFrame)) }
