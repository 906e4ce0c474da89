package wire

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/Liangxia6/quicmux/internal/protocol"
)

// frame types
const (
	paddingFrameType         = 0x00
	pingFrameType            = 0x01
	ackFrameType             = 0x02
	resetStreamFrameType     = 0x04
	cryptoFrameType          = 0x06
	streamFrameTypeMin       = 0x08
	streamFrameTypeMax       = 0x0f
	maxDataFrameType         = 0x10
	maxStreamDataFrameType   = 0x11
	connectionCloseFrameType = 0x1c
)

// ErrInvalidFrame is returned when a frame can't be parsed.
var ErrInvalidFrame = errors.New("invalid frame")

// A Frame in QUIC
type Frame interface {
	Append(b []byte) ([]byte, error)
	Length() protocol.ByteCount
}

// IsAckEliciting returns true if the frame makes the receiver send an ACK.
func IsAckEliciting(f Frame) bool {
	switch f.(type) {
	case *AckFrame, *ConnectionCloseFrame:
		return false
	default:
		return true
	}
}

// ParseNextFrame parses the next frame. PADDING is skipped.
// It returns nil, nil when the payload is exhausted.
func ParseNextFrame(r *bytes.Reader) (Frame, error) {
	for r.Len() != 0 {
		typ, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if typ == paddingFrameType {
			continue
		}
		f, err := parseFrame(r, typ)
		if err != nil {
			return nil, fmt.Errorf("%w: type %#x: %v", ErrInvalidFrame, typ, err)
		}
		return f, nil
	}
	return nil, nil
}

func parseFrame(r *bytes.Reader, typ byte) (Frame, error) {
	if typ >= streamFrameTypeMin && typ <= streamFrameTypeMax {
		return parseStreamFrame(r, typ)
	}
	switch typ {
	case pingFrameType:
		return &PingFrame{}, nil
	case ackFrameType:
		return parseAckFrame(r)
	case resetStreamFrameType:
		return parseResetStreamFrame(r)
	case cryptoFrameType:
		return parseCryptoFrame(r)
	case maxDataFrameType:
		return parseMaxDataFrame(r)
	case maxStreamDataFrameType:
		return parseMaxStreamDataFrame(r)
	case connectionCloseFrameType:
		return parseConnectionCloseFrame(r)
	}
	return nil, errors.New("unknown frame type")
}

func readByteCount(r *bytes.Reader) (protocol.ByteCount, error) {
	v, err := quicvarint.Read(r)
	return protocol.ByteCount(v), err
}

func readData(r *bytes.Reader, n uint64) ([]byte, error) {
	if n > uint64(r.Len()) {
		return nil, fmt.Errorf("data length %d exceeds remaining %d bytes", n, r.Len())
	}
	data := make([]byte, n)
	if _, err := r.Read(data); err != nil && n > 0 {
		return nil, err
	}
	return data, nil
}
