package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Liangxia6/quicmux/internal/protocol"
)

func appendFrame(t *testing.T, b []byte, f Frame) []byte {
	t.Helper()
	before := len(b)
	b, err := f.Append(b)
	require.NoError(t, err)
	require.Equal(t, int(f.Length()), len(b)-before, "length of %T", f)
	return b
}

func TestParsePayload(t *testing.T) {
	frames := []Frame{
		&PingFrame{},
		&AckFrame{
			AckRanges: []AckRange{{Smallest: 20, Largest: 30}, {Smallest: 5, Largest: 10}, {Smallest: 1, Largest: 2}},
			DelayTime: 3 * time.Millisecond,
		},
		&ResetStreamFrame{StreamID: 4, ErrorCode: protocol.StreamCancelled, FinalSize: 1000},
		&CryptoFrame{Offset: 12, Data: []byte("chlo")},
		&StreamFrame{StreamID: 8, Offset: 0, Data: []byte("hello")},
		&StreamFrame{StreamID: 8, Offset: 5, Data: []byte(" world"), Fin: true},
		&StreamFrame{StreamID: 12, Fin: true},
		&MaxDataFrame{MaximumData: 1 << 22},
		&MaxStreamDataFrame{StreamID: 1, MaximumStreamData: 1 << 18},
		&ConnectionCloseFrame{ErrorCode: protocol.PeerGoingAway, ReasonPhrase: "bye"},
	}
	var b []byte
	for _, f := range frames {
		b = appendFrame(t, b, f)
	}
	b = append(b, 0, 0, 0) // padding

	r := bytes.NewReader(b)
	for _, expected := range frames {
		f, err := ParseNextFrame(r)
		require.NoError(t, err)
		require.Equal(t, expected, normalize(f))
	}
	f, err := ParseNextFrame(r)
	require.NoError(t, err)
	require.Nil(t, f)
}

// normalize maps empty slices to nil so parsed frames compare equal.
func normalize(f Frame) Frame {
	if sf, ok := f.(*StreamFrame); ok && len(sf.Data) == 0 {
		sf.Data = nil
	}
	return f
}

func TestParseUnknownFrame(t *testing.T) {
	_, err := ParseNextFrame(bytes.NewReader([]byte{0x3f}))
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestParseTruncatedStreamFrame(t *testing.T) {
	b, err := (&StreamFrame{StreamID: 4, Data: []byte("foobar")}).Append(nil)
	require.NoError(t, err)
	_, err = ParseNextFrame(bytes.NewReader(b[:len(b)-2]))
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestAckFrameRejectsInvalidRanges(t *testing.T) {
	// largest 5, first range 10
	_, err := ParseNextFrame(bytes.NewReader([]byte{ackFrameType, 5, 0, 0, 10}))
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestAckFrameAcksPacket(t *testing.T) {
	f := &AckFrame{AckRanges: []AckRange{{Smallest: 20, Largest: 30}, {Smallest: 5, Largest: 10}}}
	require.True(t, f.HasMissingRanges())
	require.Equal(t, protocol.PacketNumber(30), f.LargestAcked())
	require.Equal(t, protocol.PacketNumber(5), f.LowestAcked())
	require.True(t, f.AcksPacket(5))
	require.True(t, f.AcksPacket(25))
	require.False(t, f.AcksPacket(15))
	require.False(t, f.AcksPacket(31))
	require.False(t, f.AcksPacket(4))
}

func TestStreamFrameSplitting(t *testing.T) {
	f := &StreamFrame{StreamID: 4, Offset: 100, Data: bytes.Repeat([]byte{'a'}, 1000), Fin: true}

	newFrame, needsSplit := f.MaybeSplitOffFrame(f.Length())
	require.False(t, needsSplit)
	require.Nil(t, newFrame)

	newFrame, needsSplit = f.MaybeSplitOffFrame(200)
	require.True(t, needsSplit)
	require.NotNil(t, newFrame)
	require.Equal(t, protocol.ByteCount(200), newFrame.Length())
	require.False(t, newFrame.Fin)
	require.Equal(t, protocol.ByteCount(100), newFrame.Offset)
	require.True(t, f.Fin)
	require.Equal(t, 100+newFrame.DataLen(), f.Offset)
	require.Equal(t, protocol.ByteCount(1000), newFrame.DataLen()+f.DataLen())

	newFrame, needsSplit = f.MaybeSplitOffFrame(3)
	require.True(t, needsSplit)
	require.Nil(t, newFrame)
}

func TestCryptoFrameSplitting(t *testing.T) {
	f := &CryptoFrame{Offset: 0, Data: bytes.Repeat([]byte{'c'}, 500)}
	newFrame, needsSplit := f.MaybeSplitOffFrame(100)
	require.True(t, needsSplit)
	require.Equal(t, protocol.ByteCount(100), newFrame.Length())
	require.Equal(t, protocol.ByteCount(len(newFrame.Data)), f.Offset)
}

func TestIsAckEliciting(t *testing.T) {
	require.True(t, IsAckEliciting(&PingFrame{}))
	require.True(t, IsAckEliciting(&StreamFrame{}))
	require.False(t, IsAckEliciting(&AckFrame{}))
	require.False(t, IsAckEliciting(&ConnectionCloseFrame{}))
}
