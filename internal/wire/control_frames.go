package wire

import (
	"bytes"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/Liangxia6/quicmux/internal/protocol"
)

// A PingFrame is a PING frame
type PingFrame struct{}

// Append appends a PING frame.
func (f *PingFrame) Append(b []byte) ([]byte, error) {
	return append(b, pingFrameType), nil
}

// Length of a written frame
func (f *PingFrame) Length() protocol.ByteCount { return 1 }

// A ResetStreamFrame is a RESET_STREAM frame.
type ResetStreamFrame struct {
	StreamID  protocol.StreamID
	ErrorCode protocol.ErrorCode
	FinalSize protocol.ByteCount
}

func parseResetStreamFrame(r *bytes.Reader) (*ResetStreamFrame, error) {
	sid, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	code, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	size, err := readByteCount(r)
	if err != nil {
		return nil, err
	}
	return &ResetStreamFrame{
		StreamID:  protocol.StreamID(sid),
		ErrorCode: protocol.ErrorCode(code),
		FinalSize: size,
	}, nil
}

// Append appends a RESET_STREAM frame.
func (f *ResetStreamFrame) Append(b []byte) ([]byte, error) {
	b = append(b, resetStreamFrameType)
	b = quicvarint.Append(b, uint64(f.StreamID))
	b = quicvarint.Append(b, uint64(f.ErrorCode))
	return quicvarint.Append(b, uint64(f.FinalSize)), nil
}

// Length of a written frame
func (f *ResetStreamFrame) Length() protocol.ByteCount {
	return protocol.ByteCount(1 + quicvarint.Len(uint64(f.StreamID)) + quicvarint.Len(uint64(f.ErrorCode)) + quicvarint.Len(uint64(f.FinalSize)))
}

// A MaxDataFrame carries flow control information for the connection
type MaxDataFrame struct {
	MaximumData protocol.ByteCount
}

func parseMaxDataFrame(r *bytes.Reader) (*MaxDataFrame, error) {
	v, err := readByteCount(r)
	if err != nil {
		return nil, err
	}
	return &MaxDataFrame{MaximumData: v}, nil
}

// Append appends a MAX_DATA frame.
func (f *MaxDataFrame) Append(b []byte) ([]byte, error) {
	b = append(b, maxDataFrameType)
	return quicvarint.Append(b, uint64(f.MaximumData)), nil
}

// Length of a written frame
func (f *MaxDataFrame) Length() protocol.ByteCount {
	return 1 + protocol.ByteCount(quicvarint.Len(uint64(f.MaximumData)))
}

// A MaxStreamDataFrame is a MAX_STREAM_DATA frame
type MaxStreamDataFrame struct {
	StreamID          protocol.StreamID
	MaximumStreamData protocol.ByteCount
}

func parseMaxStreamDataFrame(r *bytes.Reader) (*MaxStreamDataFrame, error) {
	sid, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	offset, err := readByteCount(r)
	if err != nil {
		return nil, err
	}
	return &MaxStreamDataFrame{StreamID: protocol.StreamID(sid), MaximumStreamData: offset}, nil
}

// Append appends a MAX_STREAM_DATA frame.
func (f *MaxStreamDataFrame) Append(b []byte) ([]byte, error) {
	b = append(b, maxStreamDataFrameType)
	b = quicvarint.Append(b, uint64(f.StreamID))
	return quicvarint.Append(b, uint64(f.MaximumStreamData)), nil
}

// Length of a written frame
func (f *MaxStreamDataFrame) Length() protocol.ByteCount {
	return 1 + protocol.ByteCount(quicvarint.Len(uint64(f.StreamID))+quicvarint.Len(uint64(f.MaximumStreamData)))
}

// A ConnectionCloseFrame is a CONNECTION_CLOSE frame
type ConnectionCloseFrame struct {
	ErrorCode    protocol.ErrorCode
	ReasonPhrase string
}

func parseConnectionCloseFrame(r *bytes.Reader) (*ConnectionCloseFrame, error) {
	code, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	n, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	reason, err := readData(r, n)
	if err != nil {
		return nil, err
	}
	return &ConnectionCloseFrame{ErrorCode: protocol.ErrorCode(code), ReasonPhrase: string(reason)}, nil
}

// Append appends a CONNECTION_CLOSE frame.
func (f *ConnectionCloseFrame) Append(b []byte) ([]byte, error) {
	b = append(b, connectionCloseFrameType)
	b = quicvarint.Append(b, uint64(f.ErrorCode))
	b = quicvarint.Append(b, uint64(len(f.ReasonPhrase)))
	return append(b, f.ReasonPhrase...), nil
}

// Length of a written frame
func (f *ConnectionCloseFrame) Length() protocol.ByteCount {
	l := 1 + quicvarint.Len(uint64(f.ErrorCode)) + quicvarint.Len(uint64(len(f.ReasonPhrase))) + len(f.ReasonPhrase)
	return protocol.ByteCount(l)
}
