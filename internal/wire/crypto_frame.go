package wire

import (
	"bytes"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/Liangxia6/quicmux/internal/protocol"
)

// A CryptoFrame carries handshake messages.
type CryptoFrame struct {
	Offset protocol.ByteCount
	Data   []byte
}

func parseCryptoFrame(r *bytes.Reader) (*CryptoFrame, error) {
	frame := &CryptoFrame{}
	var err error
	if frame.Offset, err = readByteCount(r); err != nil {
		return nil, err
	}
	n, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	if frame.Data, err = readData(r, n); err != nil {
		return nil, err
	}
	return frame, nil
}

// Append appends a CRYPTO frame.
func (f *CryptoFrame) Append(b []byte) ([]byte, error) {
	b = append(b, cryptoFrameType)
	b = quicvarint.Append(b, uint64(f.Offset))
	b = quicvarint.Append(b, uint64(len(f.Data)))
	return append(b, f.Data...), nil
}

// Length of a written frame
func (f *CryptoFrame) Length() protocol.ByteCount {
	return f.headerLen() + protocol.ByteCount(quicvarint.Len(uint64(len(f.Data)))+len(f.Data))
}

func (f *CryptoFrame) headerLen() protocol.ByteCount {
	return protocol.ByteCount(1 + quicvarint.Len(uint64(f.Offset)))
}

// MaxDataLen returns the maximum data length
func (f *CryptoFrame) MaxDataLen(maxSize protocol.ByteCount) protocol.ByteCount {
	return maxDataLen(f.headerLen(), maxSize)
}

// MaybeSplitOffFrame splits a frame such that it is not bigger than n bytes.
// It returns if the frame was actually split.
// The frame might not be split if:
// * the size is large enough to fit the whole frame
// * the size is too small to fit even a 1-byte frame. In that case, the frame returned is nil.
func (f *CryptoFrame) MaybeSplitOffFrame(maxSize protocol.ByteCount) (*CryptoFrame, bool /* was splitting required */) {
	if f.Length() <= maxSize {
		return nil, false
	}
	n := f.MaxDataLen(maxSize)
	if n == 0 {
		return nil, true
	}
	newFrame := &CryptoFrame{
		Offset: f.Offset,
		Data:   append([]byte(nil), f.Data[:n]...),
	}
	f.Data = f.Data[n:]
	f.Offset += n
	return newFrame, true
}
