package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

// A PacketNumber in QUIC
type PacketNumber uint64

// InvalidPacketNumber is used when no packet number is known yet.
const InvalidPacketNumber PacketNumber = 1<<62 - 1

// A ConnectionID in QUIC. It is chosen by the client and stays fixed for
// the lifetime of a connection.
type ConnectionID uint64

// ConnectionIDLen is the length of a ConnectionID on the wire.
const ConnectionIDLen = 8

// Bytes returns the big endian wire form.
func (c ConnectionID) Bytes() []byte {
	b := make([]byte, ConnectionIDLen)
	binary.BigEndian.PutUint64(b, uint64(c))
	return b
}

func (c ConnectionID) String() string { return fmt.Sprintf("%016x", uint64(c)) }

// A StreamID in QUIC
type StreamID uint64

// InitiatedBy returns who opened the stream.
func (s StreamID) InitiatedBy() Perspective {
	if s%2 == 0 {
		return PerspectiveClient
	}
	return PerspectiveServer
}

// FirstStream returns the first stream ID a given perspective opens.
func FirstStream(p Perspective) StreamID {
	if p == PerspectiveClient {
		return 0
	}
	return 1
}

// StreamIDIncrement is the distance between two streams of the same initiator.
const StreamIDIncrement = 4

// A ByteCount in QUIC
type ByteCount uint64

// MaxByteCount is the maximum value of a ByteCount
const MaxByteCount = ByteCount(1<<62 - 1)

// A Version is a protocol version tag.
type Version uint32

// VersionTag builds a version from its four character tag.
func VersionTag(tag string) Version {
	return Version(binary.BigEndian.Uint32([]byte(tag)))
}

func (v Version) String() string {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return string(b)
}

// Supported versions, most preferred first.
var (
	Version2 = VersionTag("QMX2")
	Version1 = VersionTag("QMX1")
)

// SupportedVersions lists the versions this implementation speaks.
var SupportedVersions = []Version{Version2, Version1}

// IsSupportedVersion reports whether v is in supported.
func IsSupportedVersion(supported []Version, v Version) bool {
	for _, t := range supported {
		if t == v {
			return true
		}
	}
	return false
}

// Perspective determines if we're acting as a server or a client
type Perspective int

// the perspectives
const (
	PerspectiveServer Perspective = 1
	PerspectiveClient Perspective = 2
)

// Opposite returns the perspective of the peer
func (p Perspective) Opposite() Perspective {
	return 3 - p
}

func (p Perspective) String() string {
	switch p {
	case PerspectiveServer:
		return "server"
	case PerspectiveClient:
		return "client"
	default:
		return "invalid perspective"
	}
}

// EncryptionLevel is the protection level of a packet.
type EncryptionLevel uint8

const (
	// EncryptionInitial packets are protected with keys derived from the connection ID.
	EncryptionInitial EncryptionLevel = 1 + iota
	// EncryptionForwardSecure packets are protected with the negotiated keys.
	EncryptionForwardSecure
)

func (e EncryptionLevel) String() string {
	switch e {
	case EncryptionInitial:
		return "Initial"
	case EncryptionForwardSecure:
		return "1-RTT"
	}
	return "unknown"
}

// MaxPacketSize is the maximum packet size, including the public header
const MaxPacketSize ByteCount = 1452

// MinInitialPacketSize is the size the client pads its first packet to.
const MinInitialPacketSize = 1200

// DefaultTCPMSS is the default maximum packet size used in the Linux TCP implementation.
// Used for congestion window computations in bytes.
const DefaultTCPMSS ByteCount = 1460

// InitialCongestionWindow is the initial congestion window in packets
const InitialCongestionWindow = 32

// MinCongestionWindow is the smallest congestion window in packets
const MinCongestionWindow = 2

// MaxCongestionWindow is the maximum size of the CWND, in packets.
const MaxCongestionWindow = 200

// InitialStreamFlowControlWindow is the receive window advertised for each stream.
const InitialStreamFlowControlWindow ByteCount = 64 * 1024

// InitialConnectionFlowControlWindow is the receive window advertised for the connection.
const InitialConnectionFlowControlWindow ByteCount = 1 << 20

// WindowUpdateThreshold is the fraction of the receive window that has to be
// consumed before a window update is sent.
const WindowUpdateThreshold = 0.25

// MaxStreamFlowControlWindow bounds auto-tuning of a stream receive window.
const MaxStreamFlowControlWindow ByteCount = 6 << 20

// MaxConnectionFlowControlWindow bounds auto-tuning of the connection receive window.
const MaxConnectionFlowControlWindow ByteCount = 15 << 20

// DefaultMaxIncomingStreams is the number of streams a peer may have open at once.
const DefaultMaxIncomingStreams = 100

// DefaultIdleTimeout closes connections without any traffic.
const DefaultIdleTimeout = 30 * time.Second

// DefaultHandshakeTimeout bounds the crypto handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// MaxAckDelay is the longest we wait before acknowledging an ack-eliciting packet.
const MaxAckDelay = 25 * time.Millisecond

// AckElicitingPacketsBeforeAck forces an ACK after this many ack-eliciting packets.
const AckElicitingPacketsBeforeAck = 2

// MaxUndecryptablePackets is how many packets are kept while keys are missing.
const MaxUndecryptablePackets = 10

// MaxTrackedReceivedAckRanges bounds the received packet history.
const MaxTrackedReceivedAckRanges = 32

// TimerGranularity is the granularity of the loss detection timers.
const TimerGranularity = time.Millisecond

// DefaultTimeWaitCapacity bounds the number of recently closed connection IDs remembered.
const DefaultTimeWaitCapacity = 1024

// TimeWaitPeriod is how long a closed connection ID answers with its close packet.
const TimeWaitPeriod = 5 * time.Second
