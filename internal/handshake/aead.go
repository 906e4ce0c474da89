package handshake

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/Liangxia6/quicmux/internal/protocol"
)

var (
	// ErrDecryptionFailed is returned when the AEAD fails to open a packet.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrKeysNotYetAvailable is returned when an opener or a sealer is requested
	// for an encryption level that hasn't been reached yet.
	ErrKeysNotYetAvailable = errors.New("keys not yet available")
)

// Sealer seals a packet
type Sealer interface {
	Seal(dst, src []byte, pn protocol.PacketNumber, associatedData []byte) []byte
	Overhead() int
}

// Opener opens a packet
type Opener interface {
	Open(dst, src []byte, pn protocol.PacketNumber, associatedData []byte) ([]byte, error)
}

type packetAEAD struct {
	aead     cipher.AEAD
	iv       []byte
	nonceBuf []byte
}

var (
	_ Sealer = &packetAEAD{}
	_ Opener = &packetAEAD{}
)

func newPacketAEAD(key, iv []byte) (*packetAEAD, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, errors.New("invalid IV length")
	}
	return &packetAEAD{
		aead:     aead,
		iv:       iv,
		nonceBuf: make([]byte, aead.NonceSize()),
	}, nil
}

// nonce is the IV XORed with the packet number.
func (a *packetAEAD) nonce(pn protocol.PacketNumber) []byte {
	copy(a.nonceBuf, a.iv)
	var pnBytes [8]byte
	binary.BigEndian.PutUint64(pnBytes[:], uint64(pn))
	off := len(a.nonceBuf) - len(pnBytes)
	for i, b := range pnBytes {
		a.nonceBuf[off+i] ^= b
	}
	return a.nonceBuf
}

func (a *packetAEAD) Seal(dst, src []byte, pn protocol.PacketNumber, ad []byte) []byte {
	return a.aead.Seal(dst, a.nonce(pn), src, ad)
}

func (a *packetAEAD) Open(dst, src []byte, pn protocol.PacketNumber, ad []byte) ([]byte, error) {
	dec, err := a.aead.Open(dst, a.nonce(pn), src, ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return dec, nil
}

func (a *packetAEAD) Overhead() int { return a.aead.Overhead() }
