package control

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitter(t *testing.T) {
	var b []byte
	b, err := Append(b, Message{Type: TypeHello, ClientID: "car"})
	require.NoError(t, err)
	b, err = Append(b, Message{Type: TypeMigrate, ID: "m-1", NewAddr: "10.0.0.2", NewPort: 5243})
	require.NoError(t, err)
	require.Equal(t, 2, bytes.Count(b, []byte{'\n'}))

	// feed byte by byte
	var s Splitter
	var msgs []Message
	for i := range b {
		m, err := s.Write(b[i : i+1])
		require.NoError(t, err)
		msgs = append(msgs, m...)
	}
	require.Equal(t, []Message{
		{Type: TypeHello, ClientID: "car"},
		{Type: TypeMigrate, ID: "m-1", NewAddr: "10.0.0.2", NewPort: 5243},
	}, msgs)
}

func TestSplitterBadLine(t *testing.T) {
	var s Splitter
	msgs, err := s.Write([]byte("{\"type\":\"ack\",\"ack_id\":\"m-1\"}\nnot json\n\n{\"type\":\"hello\"}\n"))
	require.Error(t, err)
	require.Equal(t, []Message{{Type: TypeAck, AckID: "m-1"}}, msgs)
	// the following line is still there
	msgs, err = s.Write(nil)
	require.NoError(t, err)
	require.Equal(t, []Message{{Type: TypeHello}}, msgs)
}

func TestSplitterLineTooLong(t *testing.T) {
	var s Splitter
	_, err := s.Write(bytes.Repeat([]byte{'a'}, MaxLineLen+1))
	require.ErrorIs(t, err, ErrLineTooLong)
	msgs, err := s.Write([]byte("{\"type\":\"ack\"}\n"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}
