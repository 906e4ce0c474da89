package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/Liangxia6/quicmux/internal/protocol"
)

// public header flags
const (
	flagVersion            = 0x01
	flagVersionNegotiation = 0x02
	flagConnectionID       = 0x08
	flagForwardSecure      = 0x10
	flagsReserved          = 0xe4
)

// ErrInvalidHeader is returned for datagrams whose public header can't be parsed.
var ErrInvalidHeader = errors.New("invalid packet header")

// Header is the public header of a packet.
type Header struct {
	ConnectionID protocol.ConnectionID

	VersionFlag bool
	Version     protocol.Version

	IsVersionNegotiation bool
	SupportedVersions    []protocol.Version

	EncryptionLevel protocol.EncryptionLevel
	PacketNumber    protocol.PacketNumber

	// ParsedLen is the number of bytes the header occupies. These bytes are
	// authenticated as associated data.
	ParsedLen int
}

// ParseConnectionID extracts the connection ID without parsing the rest of the header.
func ParseConnectionID(data []byte) (protocol.ConnectionID, error) {
	if len(data) < 1+protocol.ConnectionIDLen {
		return 0, io.EOF
	}
	if data[0]&flagConnectionID == 0 || data[0]&flagsReserved != 0 {
		return 0, ErrInvalidHeader
	}
	return protocol.ConnectionID(binary.BigEndian.Uint64(data[1 : 1+protocol.ConnectionIDLen])), nil
}

// HasVersionFlag reports whether the packet announces a version.
func HasVersionFlag(data []byte) bool {
	return len(data) > 0 && data[0]&flagVersion != 0
}

// IsVersionNegotiationPacket reports whether data is a version negotiation packet.
func IsVersionNegotiationPacket(data []byte) bool {
	return len(data) > 0 && data[0]&flagVersionNegotiation != 0
}

// ParseHeader parses the public header of a packet.
func ParseHeader(data []byte) (*Header, error) {
	cid, err := ParseConnectionID(data)
	if err != nil {
		return nil, err
	}
	flags := data[0]
	h := &Header{
		ConnectionID:         cid,
		VersionFlag:          flags&flagVersion != 0,
		IsVersionNegotiation: flags&flagVersionNegotiation != 0,
		EncryptionLevel:      protocol.EncryptionInitial,
	}
	if flags&flagForwardSecure != 0 {
		h.EncryptionLevel = protocol.EncryptionForwardSecure
	}
	pos := 1 + protocol.ConnectionIDLen
	if h.IsVersionNegotiation {
		rest := data[pos:]
		if len(rest) == 0 || len(rest)%4 != 0 {
			return nil, fmt.Errorf("%w: version negotiation packet has %d bytes of versions", ErrInvalidHeader, len(rest))
		}
		for len(rest) > 0 {
			h.SupportedVersions = append(h.SupportedVersions, protocol.Version(binary.BigEndian.Uint32(rest)))
			rest = rest[4:]
		}
		h.ParsedLen = len(data)
		return h, nil
	}
	if h.VersionFlag {
		if len(data) < pos+4 {
			return nil, io.EOF
		}
		h.Version = protocol.Version(binary.BigEndian.Uint32(data[pos:]))
		pos += 4
	}
	r := bytes.NewReader(data[pos:])
	pn, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	h.PacketNumber = protocol.PacketNumber(pn)
	h.ParsedLen = len(data) - r.Len()
	return h, nil
}

// Append writes the header.
func (h *Header) Append(b []byte) ([]byte, error) {
	if h.IsVersionNegotiation {
		return nil, errors.New("use ComposeVersionNegotiation")
	}
	flags := byte(flagConnectionID)
	if h.VersionFlag {
		flags |= flagVersion
	}
	if h.EncryptionLevel == protocol.EncryptionForwardSecure {
		flags |= flagForwardSecure
	}
	b = append(b, flags)
	b = binary.BigEndian.AppendUint64(b, uint64(h.ConnectionID))
	if h.VersionFlag {
		b = binary.BigEndian.AppendUint32(b, uint32(h.Version))
	}
	if uint64(h.PacketNumber) > quicvarint.Max {
		return nil, fmt.Errorf("packet number %d out of range", h.PacketNumber)
	}
	return quicvarint.Append(b, uint64(h.PacketNumber)), nil
}

// Len returns the length of the header.
func (h *Header) Len() protocol.ByteCount {
	l := 1 + protocol.ConnectionIDLen + quicvarint.Len(uint64(h.PacketNumber))
	if h.VersionFlag {
		l += 4
	}
	return protocol.ByteCount(l)
}

// ComposeVersionNegotiation composes a version negotiation packet.
func ComposeVersionNegotiation(cid protocol.ConnectionID, versions []protocol.Version) []byte {
	b := make([]byte, 0, 1+protocol.ConnectionIDLen+4*len(versions))
	b = append(b, flagConnectionID|flagVersion|flagVersionNegotiation)
	b = binary.BigEndian.AppendUint64(b, uint64(cid))
	for _, v := range versions {
		b = binary.BigEndian.AppendUint32(b, uint32(v))
	}
	return b
}
