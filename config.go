package quicmux

import (
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/Liangxia6/quicmux/internal/protocol"
	"github.com/Liangxia6/quicmux/internal/utils"
)

// ConnectionID identifies a connection. It is chosen by the client.
type ConnectionID = protocol.ConnectionID

// StreamID identifies a stream within a session.
type StreamID = protocol.StreamID

// Version is a protocol version.
type Version = protocol.Version

// ByteCount counts bytes.
type ByteCount = protocol.ByteCount

// The versions spoken by this package, most preferred first.
var (
	Version1 = protocol.Version1
	Version2 = protocol.Version2
)

// Clock provides the current time.
type Clock = utils.Clock

// Config configures a Dispatcher or a Client. The zero value is usable; unset
// fields get the package defaults.
type Config struct {
	// Versions the endpoint accepts, most preferred first.
	Versions []Version

	// IdleTimeout closes a session after a period without traffic.
	IdleTimeout time.Duration
	// HandshakeTimeout bounds the crypto handshake.
	HandshakeTimeout time.Duration

	InitialStreamReceiveWindow     ByteCount
	MaxStreamReceiveWindow         ByteCount
	InitialConnectionReceiveWindow ByteCount
	MaxConnectionReceiveWindow     ByteCount

	// MaxIncomingStreams is the number of streams the peer may have open.
	MaxIncomingStreams int

	// MaxPacketSize is the largest datagram the session sends.
	MaxPacketSize ByteCount

	// TimeWaitCapacity bounds the number of recently closed connection IDs
	// the Dispatcher remembers.
	TimeWaitCapacity int

	Clock  Clock
	Random io.Reader
	Logger *zap.Logger

	// NewStreamHandler returns the handler for a stream opened by the peer.
	// Streams without a handler drop what they receive.
	NewStreamHandler func(*Session, *Stream) StreamHandler

	// OnSessionStateChange is called after every state transition.
	OnSessionStateChange func(*Session, SessionState)
}

// Clone returns a copy of the config.
func (c *Config) Clone() *Config {
	cc := *c
	return &cc
}

func populateConfig(config *Config) *Config {
	if config == nil {
		config = &Config{}
	}
	c := config.Clone()
	if len(c.Versions) == 0 {
		c.Versions = protocol.SupportedVersions
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = protocol.DefaultIdleTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = protocol.DefaultHandshakeTimeout
	}
	if c.InitialStreamReceiveWindow == 0 {
		c.InitialStreamReceiveWindow = protocol.InitialStreamFlowControlWindow
	}
	if c.MaxStreamReceiveWindow == 0 {
		c.MaxStreamReceiveWindow = protocol.MaxStreamFlowControlWindow
	}
	c.MaxStreamReceiveWindow = max(c.MaxStreamReceiveWindow, c.InitialStreamReceiveWindow)
	if c.InitialConnectionReceiveWindow == 0 {
		c.InitialConnectionReceiveWindow = protocol.InitialConnectionFlowControlWindow
	}
	if c.MaxConnectionReceiveWindow == 0 {
		c.MaxConnectionReceiveWindow = protocol.MaxConnectionFlowControlWindow
	}
	c.MaxConnectionReceiveWindow = max(c.MaxConnectionReceiveWindow, c.InitialConnectionReceiveWindow)
	if c.MaxIncomingStreams <= 0 {
		c.MaxIncomingStreams = protocol.DefaultMaxIncomingStreams
	}
	if c.MaxPacketSize == 0 || c.MaxPacketSize > protocol.MaxPacketSize {
		c.MaxPacketSize = protocol.MaxPacketSize
	}
	c.MaxPacketSize = max(c.MaxPacketSize, protocol.MinInitialPacketSize)
	if c.TimeWaitCapacity <= 0 {
		c.TimeWaitCapacity = protocol.DefaultTimeWaitCapacity
	}
	if c.Clock == nil {
		c.Clock = utils.DefaultClock()
	}
	if c.Random == nil {
		c.Random = utils.DefaultRandom()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}
