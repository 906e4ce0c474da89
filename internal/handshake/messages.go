package handshake

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/Liangxia6/quicmux/internal/protocol"
)

type messageType uint8

const (
	typeClientHello messageType = 1
	typeServerHello messageType = 2
)

// maxMessageSize bounds a single handshake message on the crypto stream.
const maxMessageSize = 64 << 10

const nonceLen = 32

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// TransportParameters are the limits each side announces during the handshake.
type TransportParameters struct {
	InitialMaxStreamData protocol.ByteCount `cbor:"1,keyasint"`
	InitialMaxData       protocol.ByteCount `cbor:"2,keyasint"`
	MaxIncomingStreams   uint64             `cbor:"3,keyasint"`
	IdleTimeout          time.Duration      `cbor:"4,keyasint"`
}

func (p *TransportParameters) String() string {
	return fmt.Sprintf("&handshake.TransportParameters{InitialMaxStreamData: %d, InitialMaxData: %d, MaxIncomingStreams: %d, IdleTimeout: %s}",
		p.InitialMaxStreamData, p.InitialMaxData, p.MaxIncomingStreams, p.IdleTimeout)
}

type clientHello struct {
	Version    protocol.Version    `cbor:"1,keyasint"`
	Nonce      []byte              `cbor:"2,keyasint"`
	PublicKey  []byte              `cbor:"3,keyasint"`
	ServerName string              `cbor:"4,keyasint,omitempty"`
	Params     TransportParameters `cbor:"5,keyasint"`
}

type serverHello struct {
	ConfigID  []byte              `cbor:"1,keyasint"`
	Nonce     []byte              `cbor:"2,keyasint"`
	PublicKey []byte              `cbor:"3,keyasint"`
	CertChain [][]byte            `cbor:"4,keyasint"`
	Signature []byte              `cbor:"5,keyasint"`
	Params    TransportParameters `cbor:"6,keyasint"`
}

// appendMessage frames a handshake message for the crypto stream.
func appendMessage(b []byte, typ messageType, msg any) ([]byte, error) {
	body, err := encMode.Marshal(msg)
	if err != nil {
		return nil, err
	}
	b = append(b, byte(typ))
	b = quicvarint.Append(b, uint64(len(body)))
	return append(b, body...), nil
}

// splitMessage returns the first complete message in data. If data doesn't
// hold a complete message yet, it returns io.ErrUnexpectedEOF.
func splitMessage(data []byte) (typ messageType, body []byte, rest []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil, io.ErrUnexpectedEOF
	}
	r := bytes.NewReader(data[1:])
	l, err := quicvarint.Read(r)
	if err != nil {
		return 0, nil, nil, io.ErrUnexpectedEOF
	}
	if l > maxMessageSize {
		return 0, nil, nil, fmt.Errorf("handshake message too large: %d bytes", l)
	}
	start := len(data) - r.Len()
	if uint64(r.Len()) < l {
		return 0, nil, nil, io.ErrUnexpectedEOF
	}
	end := start + int(l)
	return messageType(data[0]), data[start:end], data[end:], nil
}

var proofLabel = []byte("quicmux server proof\x00")

// proofData is what the server signs: it binds the client hello to the
// server's ephemeral key and config.
func proofData(chloBody, serverPublicKey, configID []byte) []byte {
	h := sha256.Sum256(chloBody)
	b := make([]byte, 0, len(proofLabel)+len(h)+len(serverPublicKey)+len(configID))
	b = append(b, proofLabel...)
	b = append(b, h[:]...)
	b = append(b, serverPublicKey...)
	return append(b, configID...)
}
