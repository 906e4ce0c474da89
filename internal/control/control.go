// Package control implements the migration control protocol spoken on the
// first stream of every session: newline delimited JSON messages.
package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// StreamID is the stream carrying the control messages: the client's first
// outgoing stream.
const StreamID = 0

// ProtocolHeader names the control protocol in the stream's header section.
const ProtocolHeader = ":protocol"

// ProtocolName is the value of ProtocolHeader on control streams.
const ProtocolName = "quicmux-control/1"

// MaxLineLen bounds a single message.
const MaxLineLen = 1 << 20

// ErrLineTooLong is returned when a message exceeds MaxLineLen.
var ErrLineTooLong = errors.New("control message too long")

type MessageType string

const (
	TypeHello   MessageType = "hello"
	TypeMigrate MessageType = "migrate"
	TypeAck     MessageType = "ack"
)

// Message is one control message.
//   - client -> server: hello, ack
//   - server -> client: migrate
type Message struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id,omitempty"`

	// hello
	ClientID string `json:"client_id,omitempty"`

	// migrate
	NewAddr string `json:"new_addr,omitempty"`
	NewPort int    `json:"new_port,omitempty"`

	// ack
	AckID string `json:"ack_id,omitempty"`
}

// Append appends the encoded message and its newline to b.
func Append(b []byte, msg Message) ([]byte, error) {
	enc, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	b = append(b, enc...)
	return append(b, '\n'), nil
}

// Splitter reassembles messages from stream data, which may split or join
// lines arbitrarily.
type Splitter struct {
	buf []byte
}

// Write feeds data and returns the complete messages. A malformed line is
// skipped and reported after the valid messages before it.
func (s *Splitter) Write(data []byte) ([]Message, error) {
	s.buf = append(s.buf, data...)
	var msgs []Message
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		line := s.buf[:i]
		s.buf = s.buf[i+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return msgs, fmt.Errorf("bad control message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if len(s.buf) > MaxLineLen {
		s.buf = nil
		return msgs, ErrLineTooLong
	}
	return msgs, nil
}
