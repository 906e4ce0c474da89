package quicmux

import (
	"github.com/Liangxia6/quicmux/internal/protocol"
	"github.com/Liangxia6/quicmux/internal/qerr"
	"github.com/Liangxia6/quicmux/internal/wire"
)

// maxCryptoStreamOffset bounds the handshake data a peer may send.
const maxCryptoStreamOffset = 128 << 10

// cryptoStream carries the handshake messages in CRYPTO frames.
type cryptoStream struct {
	sorter frameSorter

	writeOffset protocol.ByteCount
	writeBuf    []byte
}

// HandleCryptoFrame stores received handshake data.
func (s *cryptoStream) HandleCryptoFrame(f *wire.CryptoFrame) error {
	if end := f.Offset + protocol.ByteCount(len(f.Data)); end > maxCryptoStreamOffset {
		return qerr.NewErrorf(protocol.CryptoMessageError, "received too much crypto data (offset %d)", end)
	}
	if err := s.sorter.Push(f.Data, f.Offset); err != nil {
		return qerr.NewError(protocol.CryptoMessageError, err.Error())
	}
	return nil
}

// GetCryptoData returns the handshake data that is ready to be processed.
func (s *cryptoStream) GetCryptoData() []byte { return s.sorter.Pop() }

// Write queues handshake data for sending.
func (s *cryptoStream) Write(p []byte) { s.writeBuf = append(s.writeBuf, p...) }

func (s *cryptoStream) HasData() bool { return len(s.writeBuf) > 0 }

// PopCryptoFrame returns a frame of at most maxLen bytes, or nil.
func (s *cryptoStream) PopCryptoFrame(maxLen protocol.ByteCount) *wire.CryptoFrame {
	f := &wire.CryptoFrame{Offset: s.writeOffset}
	n := min(f.MaxDataLen(maxLen), protocol.ByteCount(len(s.writeBuf)))
	if n == 0 {
		return nil
	}
	f.Data = s.writeBuf[:n]
	s.writeBuf = s.writeBuf[n:]
	s.writeOffset += n
	return f
}
