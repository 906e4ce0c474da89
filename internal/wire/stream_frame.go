package wire

import (
	"bytes"
	"errors"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/Liangxia6/quicmux/internal/protocol"
)

const (
	streamFlagFin = 0x01
	streamFlagLen = 0x02
	streamFlagOff = 0x04
)

// A StreamFrame of QUIC. The length field is always written.
type StreamFrame struct {
	StreamID protocol.StreamID
	Offset   protocol.ByteCount
	Data     []byte
	Fin      bool
}

func parseStreamFrame(r *bytes.Reader, typ byte) (*StreamFrame, error) {
	sid, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	frame := &StreamFrame{StreamID: protocol.StreamID(sid), Fin: typ&streamFlagFin > 0}
	if typ&streamFlagOff > 0 {
		if frame.Offset, err = readByteCount(r); err != nil {
			return nil, err
		}
	}
	dataLen := uint64(r.Len())
	if typ&streamFlagLen > 0 {
		if dataLen, err = quicvarint.Read(r); err != nil {
			return nil, err
		}
	}
	if frame.Data, err = readData(r, dataLen); err != nil {
		return nil, err
	}
	if frame.Offset+frame.DataLen() > protocol.MaxByteCount {
		return nil, errors.New("stream data overflows maximum offset")
	}
	return frame, nil
}

// Append appends a STREAM frame.
func (f *StreamFrame) Append(b []byte) ([]byte, error) {
	if len(f.Data) == 0 && !f.Fin {
		return nil, errors.New("StreamFrame: attempting to write empty frame without FIN")
	}
	typ := byte(streamFrameTypeMin | streamFlagLen)
	if f.Fin {
		typ |= streamFlagFin
	}
	if f.Offset != 0 {
		typ |= streamFlagOff
	}
	b = append(b, typ)
	b = quicvarint.Append(b, uint64(f.StreamID))
	if f.Offset != 0 {
		b = quicvarint.Append(b, uint64(f.Offset))
	}
	b = quicvarint.Append(b, uint64(len(f.Data)))
	return append(b, f.Data...), nil
}

// Length returns the total length of the STREAM frame
func (f *StreamFrame) Length() protocol.ByteCount {
	return f.headerLen() + protocol.ByteCount(quicvarint.Len(uint64(len(f.Data)))) + f.DataLen()
}

func (f *StreamFrame) headerLen() protocol.ByteCount {
	l := 1 + quicvarint.Len(uint64(f.StreamID))
	if f.Offset != 0 {
		l += quicvarint.Len(uint64(f.Offset))
	}
	return protocol.ByteCount(l)
}

// DataLen gives the length of data in bytes
func (f *StreamFrame) DataLen() protocol.ByteCount {
	return protocol.ByteCount(len(f.Data))
}

// MaxDataLen returns the maximum data length
// If 0 is returned, writing will fail (a STREAM frame must contain at least 1 byte of data).
func (f *StreamFrame) MaxDataLen(maxSize protocol.ByteCount) protocol.ByteCount {
	return maxDataLen(f.headerLen(), maxSize)
}

// MaybeSplitOffFrame splits a frame such that it is not bigger than n bytes.
// It returns if the frame was actually split.
// The frame might not be split if:
// * the size is large enough to fit the whole frame
// * the size is too small to fit even a 1-byte frame. In that case, the frame returned is nil.
func (f *StreamFrame) MaybeSplitOffFrame(maxSize protocol.ByteCount) (*StreamFrame, bool /* was splitting required */) {
	if maxSize >= f.Length() {
		return nil, false
	}
	n := f.MaxDataLen(maxSize)
	if n == 0 {
		return nil, true
	}
	newFrame := &StreamFrame{
		StreamID: f.StreamID,
		Offset:   f.Offset,
		Data:     append([]byte(nil), f.Data[:n]...),
	}
	f.Data = f.Data[n:]
	f.Offset += n
	return newFrame, true
}

// maxDataLen is the room left for data once the header and a length field are accounted for.
func maxDataLen(headerLen, maxSize protocol.ByteCount) protocol.ByteCount {
	headerLen++ // at least one byte for the length
	if headerLen >= maxSize {
		return 0
	}
	n := maxSize - headerLen
	if l := quicvarint.Len(uint64(n)); l > 1 {
		n -= protocol.ByteCount(l - 1)
	}
	return n
}
