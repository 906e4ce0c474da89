package qerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Liangxia6/quicmux/internal/protocol"
)

func TestTransportErrorUnwrap(t *testing.T) {
	require.ErrorIs(t, NewError(protocol.IdleTimeout, ""), ErrIdleTimeout)
	require.ErrorIs(t, NewError(protocol.HandshakeTimeout, ""), ErrHandshakeTimeout)
	require.ErrorIs(t, NewError(protocol.CryptoVerificationFailed, "bad chain"), ErrCryptoVerificationFailed)
	require.ErrorIs(t, NewError(protocol.FlowControlError, ""), ErrProtocolViolation)
	require.ErrorIs(t, NewError(protocol.InvalidVersion, ""), ErrVersionNegotiation)
	require.NotErrorIs(t, NewError(protocol.PeerGoingAway, ""), ErrProtocolViolation)
}

func TestTransportErrorString(t *testing.T) {
	require.Equal(t, "IDLE_TIMEOUT", NewError(protocol.IdleTimeout, "").Error())
	err := &TransportError{Code: protocol.PeerGoingAway, Reason: "bye", Remote: true}
	require.Equal(t, "PEER_GOING_AWAY (remote): bye", err.Error())
	require.Equal(t, "STREAM_LIMIT_ERROR: 3 streams", NewErrorf(protocol.StreamLimitError, "%d streams", 3).Error())
}

func TestToTransportError(t *testing.T) {
	terr := NewError(protocol.ProtocolViolation, "foo")
	require.Same(t, terr, ToTransportError(fmt.Errorf("wrapped: %w", terr)))

	converted := ToTransportError(errors.New("boom"))
	require.Equal(t, protocol.InternalError, converted.Code)
	require.Equal(t, "boom", converted.Reason)
}
