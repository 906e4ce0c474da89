package quicmux

import (
	"time"

	"github.com/Liangxia6/quicmux/internal/ackhandler"
	"github.com/Liangxia6/quicmux/internal/handshake"
	"github.com/Liangxia6/quicmux/internal/protocol"
	"github.com/Liangxia6/quicmux/internal/wire"
)

// packetKeys provides the packet protection of a connection.
type packetKeys interface {
	GetSealer(protocol.EncryptionLevel) (handshake.Sealer, error)
	GetOpener(protocol.EncryptionLevel) (handshake.Opener, error)
	HandshakeComplete() bool
}

type packedPacket struct {
	packetNumber     protocol.PacketNumber
	encLevel         protocol.EncryptionLevel
	raw              []byte
	frames           []ackhandler.Frame
	ack              *wire.AckFrame
	isRetransmission bool
}

func (p *packedPacket) IsAckEliciting() bool { return len(p.frames) > 0 }

// packer assembles and seals packets.
type packer struct {
	perspective   protocol.Perspective
	connID        ConnectionID
	version       Version
	maxPacketSize ByteCount

	keys                  packetKeys
	sentPacketHandler     *ackhandler.SentPacketHandler
	receivedPacketHandler *ackhandler.ReceivedPacketHandler
	cryptoStream          *cryptoStream
	retransmissionQueue   *retransmissionQueue
	framer                *framer

	// sendVersionFlag is set on client packets until the server answered.
	sendVersionFlag bool
}

func (p *packer) hasCryptoData() bool {
	return p.cryptoStream.HasData() || p.retransmissionQueue.HasCryptoData()
}

// encryptionLevel picks the level of the next packet. Handshake data always
// goes out with the initial keys.
func (p *packer) encryptionLevel() protocol.EncryptionLevel {
	if p.hasCryptoData() {
		return protocol.EncryptionInitial
	}
	if _, err := p.keys.GetSealer(protocol.EncryptionForwardSecure); err != nil {
		return protocol.EncryptionInitial
	}
	return protocol.EncryptionForwardSecure
}

func (p *packer) header(level protocol.EncryptionLevel) *wire.Header {
	return &wire.Header{
		ConnectionID:    p.connID,
		VersionFlag:     p.sendVersionFlag,
		Version:         p.version,
		EncryptionLevel: level,
		PacketNumber:    p.sentPacketHandler.PeekPacketNumber(),
	}
}

// PackPacket packs the next packet. With onlyAck set, it packs an ACK if one
// is due and nothing else. With probe set, the packet is made ack-eliciting.
// It returns nil if there's nothing to send.
func (p *packer) PackPacket(now time.Time, onlyAck, probe bool) (*packedPacket, error) {
	level := p.encryptionLevel()
	sealer, err := p.keys.GetSealer(level)
	if err != nil {
		return nil, err
	}
	hdr := p.header(level)
	maxPayload := p.maxPacketSize - hdr.Len() - ByteCount(sealer.Overhead())

	var hasData bool
	if !onlyAck {
		if level == protocol.EncryptionInitial {
			hasData = p.hasCryptoData()
		} else {
			hasData = p.framer.HasData() || p.retransmissionQueue.HasControlData()
		}
	}
	pkt := &packedPacket{packetNumber: hdr.PacketNumber, encLevel: level}
	var length ByteCount
	pkt.ack = p.receivedPacketHandler.GetAckFrame(now, !hasData && !probe)
	if pkt.ack != nil {
		length += pkt.ack.Length()
	}

	var hasCrypto bool
	if !onlyAck {
		if level == protocol.EncryptionInitial {
			for {
				f := p.retransmissionQueue.GetCryptoFrame(maxPayload - length)
				if f == nil {
					break
				}
				pkt.frames = append(pkt.frames, ackhandler.Frame{Frame: f, Handler: p.retransmissionQueue.CryptoHandler()})
				pkt.isRetransmission = true
				length += f.Length()
			}
			if f := p.cryptoStream.PopCryptoFrame(maxPayload - length); f != nil {
				pkt.frames = append(pkt.frames, ackhandler.Frame{Frame: f, Handler: p.retransmissionQueue.CryptoHandler()})
				length += f.Length()
			}
			hasCrypto = len(pkt.frames) > 0
		} else {
			for {
				f := p.retransmissionQueue.GetControlFrame(maxPayload - length)
				if f == nil {
					break
				}
				pkt.frames = append(pkt.frames, ackhandler.Frame{Frame: f, Handler: p.retransmissionQueue.ControlHandler()})
				pkt.isRetransmission = true
				length += f.Length()
			}
			var l ByteCount
			pkt.frames, l = p.framer.AppendControlFrames(pkt.frames, maxPayload-length, p.retransmissionQueue.ControlHandler())
			length += l
			var retransmitted bool
			pkt.frames, l, retransmitted = p.framer.AppendStreamFrames(pkt.frames, maxPayload-length)
			length += l
			pkt.isRetransmission = pkt.isRetransmission || retransmitted
		}
	}
	if probe && len(pkt.frames) == 0 {
		ping := &wire.PingFrame{}
		pkt.frames = append(pkt.frames, ackhandler.Frame{Frame: ping})
		length += ping.Length()
	}
	if pkt.ack == nil && len(pkt.frames) == 0 {
		return nil, nil
	}

	var padding ByteCount
	// the client's handshake packets are padded, so that the server's answer
	// doesn't amplify
	if p.perspective == protocol.PerspectiveClient && hasCrypto {
		if size := hdr.Len() + length + ByteCount(sealer.Overhead()); size < protocol.MinInitialPacketSize {
			padding = protocol.MinInitialPacketSize - size
		}
	}
	if err := p.seal(pkt, hdr, sealer, padding); err != nil {
		return nil, err
	}
	return pkt, nil
}

// PackConnectionClose packs a packet carrying only a CONNECTION_CLOSE frame.
func (p *packer) PackConnectionClose(f *wire.ConnectionCloseFrame) (*packedPacket, error) {
	level := protocol.EncryptionInitial
	if p.keys.HandshakeComplete() {
		level = protocol.EncryptionForwardSecure
	}
	sealer, err := p.keys.GetSealer(level)
	if err != nil {
		return nil, err
	}
	hdr := p.header(level)
	maxPayload := p.maxPacketSize - hdr.Len() - ByteCount(sealer.Overhead())
	if f.Length() > maxPayload {
		f.ReasonPhrase = ""
	}
	pkt := &packedPacket{packetNumber: hdr.PacketNumber, encLevel: level}
	if err := p.sealFrames(pkt, hdr, sealer, []wire.Frame{f}, 0); err != nil {
		return nil, err
	}
	return pkt, nil
}

func (p *packer) seal(pkt *packedPacket, hdr *wire.Header, sealer handshake.Sealer, padding ByteCount) error {
	frames := make([]wire.Frame, 0, len(pkt.frames)+1)
	if pkt.ack != nil {
		frames = append(frames, pkt.ack)
	}
	for _, f := range pkt.frames {
		frames = append(frames, f.Frame)
	}
	return p.sealFrames(pkt, hdr, sealer, frames, padding)
}

func (p *packer) sealFrames(pkt *packedPacket, hdr *wire.Header, sealer handshake.Sealer, frames []wire.Frame, padding ByteCount) error {
	payload := make([]byte, 0, p.maxPacketSize)
	var err error
	for _, f := range frames {
		if payload, err = f.Append(payload); err != nil {
			return err
		}
	}
	payload = append(payload, make([]byte, padding)...)

	raw, err := hdr.Append(make([]byte, 0, p.maxPacketSize))
	if err != nil {
		return err
	}
	hdrLen := len(raw)
	pkt.raw = sealer.Seal(raw, payload, hdr.PacketNumber, raw[:hdrLen])
	p.sentPacketHandler.PopPacketNumber()
	return nil
}
