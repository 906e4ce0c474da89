package protocol

import "fmt"

// ErrorCode is a transport error code carried in CONNECTION_CLOSE and RESET_STREAM frames.
type ErrorCode uint64

// The error codes
const (
	NoError                  ErrorCode = 0x0
	InternalError            ErrorCode = 0x1
	ProtocolViolation        ErrorCode = 0x2
	InvalidPacketHeader      ErrorCode = 0x3
	InvalidFrameData         ErrorCode = 0x4
	FlowControlError         ErrorCode = 0x5
	StreamLimitError         ErrorCode = 0x6
	IdleTimeout              ErrorCode = 0x7
	HandshakeTimeout         ErrorCode = 0x8
	CryptoVerificationFailed ErrorCode = 0x9
	CryptoMessageError       ErrorCode = 0xa
	InvalidVersion           ErrorCode = 0xb
	PeerGoingAway            ErrorCode = 0xc
	PacketWriteError         ErrorCode = 0xd
	StreamRefused            ErrorCode = 0xe
	StreamCancelled          ErrorCode = 0xf
)

func (e ErrorCode) String() string {
	switch e {
	case NoError:
		return "NO_ERROR"
	case InternalError:
		return "INTERNAL_ERROR"
	case ProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case InvalidPacketHeader:
		return "INVALID_PACKET_HEADER"
	case InvalidFrameData:
		return "INVALID_FRAME_DATA"
	case FlowControlError:
		return "FLOW_CONTROL_ERROR"
	case StreamLimitError:
		return "STREAM_LIMIT_ERROR"
	case IdleTimeout:
		return "IDLE_TIMEOUT"
	case HandshakeTimeout:
		return "HANDSHAKE_TIMEOUT"
	case CryptoVerificationFailed:
		return "CRYPTO_VERIFICATION_FAILED"
	case CryptoMessageError:
		return "CRYPTO_MESSAGE_ERROR"
	case InvalidVersion:
		return "INVALID_VERSION"
	case PeerGoingAway:
		return "PEER_GOING_AWAY"
	case PacketWriteError:
		return "PACKET_WRITE_ERROR"
	case StreamRefused:
		return "STREAM_REFUSED"
	case StreamCancelled:
		return "STREAM_CANCELLED"
	default:
		return fmt.Sprintf("unknown error code: %#x", uint64(e))
	}
}
