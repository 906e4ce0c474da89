package quicmux

import (
	"fmt"

	"github.com/Liangxia6/quicmux/internal/protocol"
	"github.com/Liangxia6/quicmux/internal/qerr"
)

// The errors reported by sessions and streams. A *TransportError unwraps to
// the sentinel matching its code, so errors.Is works on close errors.
var (
	ErrParse                    = qerr.ErrParse
	ErrHandshakeNotComplete     = qerr.ErrHandshakeNotComplete
	ErrCryptoVerificationFailed = qerr.ErrCryptoVerificationFailed
	ErrStreamClosed             = qerr.ErrStreamClosed
	ErrInvalidStreamState       = qerr.ErrInvalidStreamState
	ErrIdleTimeout              = qerr.ErrIdleTimeout
	ErrHandshakeTimeout         = qerr.ErrHandshakeTimeout
	ErrProtocolViolation        = qerr.ErrProtocolViolation
	ErrSessionClosed            = qerr.ErrSessionClosed
	ErrTooManyStreams           = qerr.ErrTooManyStreams
	ErrVersionNegotiation       = qerr.ErrVersionNegotiation
)

// TransportError is the error a session was closed with.
type TransportError = qerr.TransportError

// ErrorCode is carried in CONNECTION_CLOSE and RESET_STREAM frames.
type ErrorCode = protocol.ErrorCode

// Error codes applications use when closing sessions or resetting streams.
const (
	NoError         = protocol.NoError
	InternalError   = protocol.InternalError
	PeerGoingAway   = protocol.PeerGoingAway
	StreamCancelled = protocol.StreamCancelled
	StreamRefused   = protocol.StreamRefused
)

// StreamError is returned for a stream that was reset.
type StreamError struct {
	StreamID  StreamID
	ErrorCode ErrorCode
	Remote    bool
}

func (e *StreamError) Error() string {
	pers := "local"
	if e.Remote {
		pers = "remote"
	}
	return fmt.Sprintf("stream %d canceled by %s with error code %s", e.StreamID, pers, e.ErrorCode)
}

// Unwrap makes a reset stream match ErrStreamClosed.
func (e *StreamError) Unwrap() error { return ErrStreamClosed }
