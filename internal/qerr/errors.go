package qerr

import (
	"errors"
	"fmt"

	"github.com/Liangxia6/quicmux/internal/protocol"
)

var (
	ErrParse                    = errors.New("malformed packet")
	ErrHandshakeNotComplete     = errors.New("handshake not complete")
	ErrCryptoVerificationFailed = errors.New("crypto verification failed")
	ErrStreamClosed             = errors.New("stream closed")
	ErrInvalidStreamState       = errors.New("invalid stream state")
	ErrIdleTimeout              = errors.New("idle timeout")
	ErrHandshakeTimeout         = errors.New("handshake timeout")
	ErrProtocolViolation        = errors.New("protocol violation")
	ErrSessionClosed            = errors.New("session closed")
	ErrTooManyStreams           = errors.New("too many open streams")
	ErrVersionNegotiation       = errors.New("no compatible version")
)

// A TransportError closes a connection. Remote is set if the peer sent it.
type TransportError struct {
	Code   protocol.ErrorCode
	Reason string
	Remote bool
}

// NewError creates a local TransportError.
func NewError(code protocol.ErrorCode, reason string) *TransportError {
	return &TransportError{Code: code, Reason: reason}
}

// NewErrorf creates a local TransportError with a formatted reason.
func NewErrorf(code protocol.ErrorCode, format string, args ...any) *TransportError {
	return NewError(code, fmt.Sprintf(format, args...))
}

func (e *TransportError) Error() string {
	str := e.Code.String()
	if e.Remote {
		str += " (remote)"
	}
	if e.Reason == "" {
		return str
	}
	return str + ": " + e.Reason
}

// Unwrap returns the sentinel matching the error code, so callers can use errors.Is.
func (e *TransportError) Unwrap() error {
	switch e.Code {
	case protocol.IdleTimeout:
		return ErrIdleTimeout
	case protocol.HandshakeTimeout:
		return ErrHandshakeTimeout
	case protocol.CryptoVerificationFailed:
		return ErrCryptoVerificationFailed
	case protocol.InvalidVersion:
		return ErrVersionNegotiation
	case protocol.ProtocolViolation,
		protocol.InvalidPacketHeader,
		protocol.InvalidFrameData,
		protocol.FlowControlError,
		protocol.StreamLimitError,
		protocol.CryptoMessageError:
		return ErrProtocolViolation
	}
	return nil
}

// ToTransportError converts err into a TransportError. Errors that aren't one
// become an InternalError.
func ToTransportError(err error) *TransportError {
	var terr *TransportError
	if errors.As(err, &terr) {
		return terr
	}
	return NewError(protocol.InternalError, err.Error())
}
