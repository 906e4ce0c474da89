package quicmux

import (
	"bytes"
	"errors"
	"math"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/Liangxia6/quicmux/internal/ackhandler"
	"github.com/Liangxia6/quicmux/internal/flowcontrol"
	"github.com/Liangxia6/quicmux/internal/handshake"
	"github.com/Liangxia6/quicmux/internal/protocol"
	"github.com/Liangxia6/quicmux/internal/qerr"
	"github.com/Liangxia6/quicmux/internal/utils"
	"github.com/Liangxia6/quicmux/internal/wire"
)

// maxPacketsPerSend bounds the packets sent in one go, so that a single call
// doesn't monopolize the caller's thread.
const maxPacketsPerSend = 64

type receivedPacket struct {
	data    []byte
	self    netip.AddrPort
	peer    netip.AddrPort
	rcvTime time.Time
	// replayed packets were buffered while undecryptable and already counted
	replayed bool
}

// frameReceiver handles the frames the connection doesn't handle itself.
type frameReceiver interface {
	handleCryptoFrame(*wire.CryptoFrame) error
	handleStreamFrame(*wire.StreamFrame, time.Time) error
	handleResetStreamFrame(*wire.ResetStreamFrame, time.Time) error
	handleMaxStreamDataFrame(*wire.MaxStreamDataFrame) error
	handleConnectionCloseFrame(*wire.ConnectionCloseFrame)
	onConnectionWindowUpdate()
	onForwardSecurePacket()
}

type connectionCounters struct {
	bytesSent             uint64
	packetsSent           uint64
	streamBytesSent       uint64
	packetsDiscarded      uint64
	bytesReceived         uint64
	packetsReceived       uint64
	packetsProcessed      uint64
	streamBytesReceived   uint64
	bytesRetransmitted    uint64
	packetsRetransmitted  uint64
	packetsDropped        uint64
	maxPacketSize         uint64
	maxReceivedPacketSize uint64
}

// connection provides reliable delivery of frames over a lossy datagram path:
// packet protection, acknowledgements, loss recovery, congestion and
// connection-level flow control.
type connection struct {
	perspective protocol.Perspective
	connID      ConnectionID

	selfAddr netip.AddrPort
	peerAddr netip.AddrPort

	keys     packetKeys
	receiver frameReceiver
	writer   *sharedWriter
	owner    blockedWriter

	rttStats              *utils.RTTStats
	sentPacketHandler     *ackhandler.SentPacketHandler
	receivedPacketHandler *ackhandler.ReceivedPacketHandler
	connFlowController    *flowcontrol.ConnectionFlowController
	retransmissionQueue   *retransmissionQueue
	cryptoStream          *cryptoStream
	framer                *framer
	packer                *packer

	// blockedPacket was refused by the writer and is sent first once it can write.
	blockedPacket *packedPacket

	undecryptablePackets []*receivedPacket

	lastPacketReceivedTime                   time.Time
	firstAckElicitingPacketAfterIdleSentTime time.Time

	counters connectionCounters
	logger   *zap.Logger
}

func newConnection(
	pers protocol.Perspective,
	connID ConnectionID,
	version Version,
	self, peer netip.AddrPort,
	conf *Config,
	keys packetKeys,
	receiver frameReceiver,
	streams streamGetter,
	writer *sharedWriter,
	owner blockedWriter,
	logger *zap.Logger,
) *connection {
	rttStats := &utils.RTTStats{}
	c := &connection{
		perspective:           pers,
		connID:                connID,
		selfAddr:              self,
		peerAddr:              peer,
		keys:                  keys,
		receiver:              receiver,
		writer:                writer,
		owner:                 owner,
		rttStats:              rttStats,
		sentPacketHandler:     ackhandler.NewSentPacketHandler(rttStats, logger),
		receivedPacketHandler: ackhandler.NewReceivedPacketHandler(),
		connFlowController: flowcontrol.NewConnectionFlowController(
			conf.InitialConnectionReceiveWindow,
			conf.MaxConnectionReceiveWindow,
			rttStats,
		),
		retransmissionQueue: newRetransmissionQueue(),
		cryptoStream:        &cryptoStream{},
		framer:              newFramer(streams),
		logger:              logger,
	}
	c.packer = &packer{
		perspective:           pers,
		connID:                connID,
		version:               version,
		maxPacketSize:         conf.MaxPacketSize,
		keys:                  keys,
		sentPacketHandler:     c.sentPacketHandler,
		receivedPacketHandler: c.receivedPacketHandler,
		cryptoStream:          c.cryptoStream,
		retransmissionQueue:   c.retransmissionQueue,
		framer:                c.framer,
		sendVersionFlag:       pers == protocol.PerspectiveClient,
	}
	return c
}

func (c *connection) dropPacket(p *receivedPacket, reason string, err error) {
	c.counters.packetsDropped++
	c.logger.Debug("dropping packet", zap.String("reason", reason), zap.Int("size", len(p.data)), zap.Error(err))
}

// handlePacket processes one datagram. A returned error is fatal for the
// connection; packets that can't be processed are dropped silently.
func (c *connection) handlePacket(p *receivedPacket) error {
	if !p.replayed {
		c.counters.packetsReceived++
		c.counters.bytesReceived += uint64(len(p.data))
		c.counters.maxReceivedPacketSize = max(c.counters.maxReceivedPacketSize, uint64(len(p.data)))
	}

	hdr, err := wire.ParseHeader(p.data)
	if err != nil {
		c.dropPacket(p, "header", err)
		return nil
	}
	if hdr.ConnectionID != c.connID || hdr.IsVersionNegotiation {
		c.dropPacket(p, "unexpected packet", nil)
		return nil
	}
	if hdr.VersionFlag && hdr.Version != c.packer.version {
		c.dropPacket(p, "version mismatch", nil)
		return nil
	}
	opener, err := c.keys.GetOpener(hdr.EncryptionLevel)
	if errors.Is(err, handshake.ErrKeysNotYetAvailable) {
		c.queueUndecryptablePacket(p)
		return nil
	}
	if err != nil {
		return err
	}
	if c.receivedPacketHandler.IsPotentiallyDuplicate(hdr.PacketNumber) {
		c.dropPacket(p, "duplicate", nil)
		return nil
	}
	payload, err := opener.Open(nil, p.data[hdr.ParsedLen:], hdr.PacketNumber, p.data[:hdr.ParsedLen])
	if err != nil {
		c.dropPacket(p, "decryption", err)
		return nil
	}

	// the packet is authentic from here on
	c.packer.sendVersionFlag = false
	c.lastPacketReceivedTime = p.rcvTime
	c.firstAckElicitingPacketAfterIdleSentTime = time.Time{}
	c.selfAddr = p.self
	if p.peer != c.peerAddr {
		c.logger.Info("peer address changed", zap.Stringer("from", c.peerAddr), zap.Stringer("to", p.peer))
		c.peerAddr = p.peer
	}
	if hdr.EncryptionLevel == protocol.EncryptionForwardSecure {
		c.receiver.onForwardSecurePacket()
	}
	isAckEliciting, err := c.handleFrames(payload, hdr.EncryptionLevel, p.rcvTime)
	if err != nil {
		return err
	}
	c.receivedPacketHandler.ReceivedPacket(hdr.PacketNumber, p.rcvTime, isAckEliciting)
	c.counters.packetsProcessed++
	return nil
}

func (c *connection) queueUndecryptablePacket(p *receivedPacket) {
	if len(c.undecryptablePackets) >= protocol.MaxUndecryptablePackets {
		c.dropPacket(p, "undecryptable queue full", nil)
		return
	}
	c.logger.Debug("queueing undecryptable packet", zap.Int("size", len(p.data)))
	buffered := *p
	buffered.data = append([]byte(nil), p.data...)
	buffered.replayed = true
	c.undecryptablePackets = append(c.undecryptablePackets, &buffered)
}

// popUndecryptablePackets returns the queued packets once 1-RTT keys are available.
func (c *connection) popUndecryptablePackets() []*receivedPacket {
	if len(c.undecryptablePackets) == 0 {
		return nil
	}
	if _, err := c.keys.GetOpener(protocol.EncryptionForwardSecure); err != nil {
		return nil
	}
	packets := c.undecryptablePackets
	c.undecryptablePackets = nil
	return packets
}

func allowedAtInitialLevel(f wire.Frame) bool {
	switch f.(type) {
	case *wire.PingFrame, *wire.AckFrame, *wire.CryptoFrame, *wire.ConnectionCloseFrame:
		return true
	}
	return false
}

func (c *connection) handleFrames(payload []byte, level protocol.EncryptionLevel, rcvTime time.Time) (isAckEliciting bool, _ error) {
	r := bytes.NewReader(payload)
	for {
		frame, err := wire.ParseNextFrame(r)
		if err != nil {
			return false, qerr.NewError(protocol.InvalidFrameData, err.Error())
		}
		if frame == nil {
			return isAckEliciting, nil
		}
		if level == protocol.EncryptionInitial && !allowedAtInitialLevel(frame) {
			return false, qerr.NewErrorf(protocol.ProtocolViolation, "%T in an initial packet", frame)
		}
		if wire.IsAckEliciting(frame) {
			isAckEliciting = true
		}
		switch f := frame.(type) {
		case *wire.PingFrame:
		case *wire.AckFrame:
			err = c.sentPacketHandler.ReceivedAck(f, rcvTime)
		case *wire.CryptoFrame:
			err = c.receiver.handleCryptoFrame(f)
		case *wire.StreamFrame:
			err = c.receiver.handleStreamFrame(f, rcvTime)
		case *wire.ResetStreamFrame:
			err = c.receiver.handleResetStreamFrame(f, rcvTime)
		case *wire.MaxDataFrame:
			if c.connFlowController.UpdateSendWindow(f.MaximumData) {
				c.receiver.onConnectionWindowUpdate()
			}
		case *wire.MaxStreamDataFrame:
			err = c.receiver.handleMaxStreamDataFrame(f)
		case *wire.ConnectionCloseFrame:
			c.receiver.handleConnectionCloseFrame(f)
			return isAckEliciting, nil
		}
		if err != nil {
			return false, err
		}
	}
}

// queueWindowUpdate queues a MAX_DATA frame if the receive window moved enough.
func (c *connection) queueWindowUpdate(now time.Time) {
	if offset := c.connFlowController.GetWindowUpdate(now); offset > 0 {
		c.framer.QueueControlFrame(&wire.MaxDataFrame{MaximumData: offset})
	}
}

// sendPackets sends as many packets as the congestion controller and the
// writer allow.
func (c *connection) sendPackets(now time.Time) error {
	if c.blockedPacket != nil {
		if !c.writePacket(c.blockedPacket, now) {
			return nil
		}
		c.blockedPacket = nil
	}
	for i := 0; i < maxPacketsPerSend; i++ {
		if c.writer.IsBlocked() {
			c.writer.AddBlocked(c.owner)
			return nil
		}
		var onlyAck, probe bool
		switch c.sentPacketHandler.SendMode() {
		case ackhandler.SendAck:
			onlyAck = true
		case ackhandler.SendPTO:
			probe = true
			c.sentPacketHandler.QueueProbePacket()
		}
		p, err := c.packer.PackPacket(now, onlyAck, probe)
		if err != nil {
			return err
		}
		if p == nil {
			return nil
		}
		if !c.writePacket(p, now) {
			c.blockedPacket = p
			return nil
		}
		if onlyAck {
			return nil
		}
	}
	return nil
}

// writePacket hands a packet to the writer. It returns false if the writer
// didn't take it.
func (c *connection) writePacket(p *packedPacket, now time.Time) bool {
	res := c.writer.WritePacket(p.raw, c.selfAddr, c.peerAddr)
	switch res.Status {
	case WriteBlocked:
		c.writer.AddBlocked(c.owner)
		return false
	case WriteError:
		c.logger.Debug("writing packet failed", zap.Uint64("pn", uint64(p.packetNumber)), zap.Error(res.Err))
	}
	c.sentPacket(p, now)
	return true
}

func (c *connection) sentPacket(p *packedPacket, now time.Time) {
	size := uint64(len(p.raw))
	c.counters.packetsSent++
	c.counters.bytesSent += size
	c.counters.maxPacketSize = max(c.counters.maxPacketSize, size)
	if p.isRetransmission {
		c.counters.packetsRetransmitted++
		c.counters.bytesRetransmitted += size
	}
	if p.IsAckEliciting() && c.firstAckElicitingPacketAfterIdleSentTime.IsZero() {
		c.firstAckElicitingPacketAfterIdleSentTime = now
	}
	c.sentPacketHandler.SentPacket(now, p.packetNumber, p.frames, p.encLevel, ByteCount(size))
}

// discardBlockedPacket forgets the packet the writer refused, when the
// connection is closed.
func (c *connection) discardBlockedPacket() {
	if c.blockedPacket != nil {
		c.counters.packetsDiscarded++
		c.blockedPacket = nil
	}
}

// nextTimeout returns the earliest of the loss detection and ACK alarms.
func (c *connection) nextTimeout() time.Time {
	return earliest(c.sentPacketHandler.GetLossDetectionTimeout(), c.receivedPacketHandler.GetAlarmTimeout())
}

func (c *connection) onTimeout(now time.Time) {
	if t := c.sentPacketHandler.GetLossDetectionTimeout(); !t.IsZero() && !t.After(now) {
		c.sentPacketHandler.OnLossDetectionTimeout(now)
	}
}

// idleStart is the time the idle timeout is counted from.
func (c *connection) idleStart(created time.Time) time.Time {
	t := c.lastPacketReceivedTime
	if t.IsZero() {
		t = created
	}
	if c.firstAckElicitingPacketAfterIdleSentTime.After(t) {
		t = c.firstAckElicitingPacketAfterIdleSentTime
	}
	return t
}

func (c *connection) getStats() ConnectionStats {
	sent := c.sentPacketHandler.Stats()
	rcvd := c.receivedPacketHandler.Stats()
	bandwidth := uint64(c.sentPacketHandler.BandwidthEstimate())
	if bandwidth == math.MaxUint64 {
		bandwidth = 0
	}
	return ConnectionStats{
		ConnectionID:                   uint64(c.connID),
		BytesSent:                      c.counters.bytesSent,
		PacketsSent:                    c.counters.packetsSent,
		StreamBytesSent:                c.counters.streamBytesSent,
		PacketsDiscarded:               c.counters.packetsDiscarded,
		BytesReceived:                  c.counters.bytesReceived,
		PacketsReceived:                c.counters.packetsReceived,
		PacketsProcessed:               c.counters.packetsProcessed,
		StreamBytesReceived:            c.counters.streamBytesReceived,
		BytesRetransmitted:             c.counters.bytesRetransmitted,
		PacketsRetransmitted:           c.counters.packetsRetransmitted,
		BytesSpuriouslyRetransmitted:   uint64(sent.BytesSpuriouslyRetransmitted),
		PacketsSpuriouslyRetransmitted: sent.PacketsSpuriouslyRetransmitted,
		PacketsLost:                    sent.PacketsLost,
		SlowstartPacketsSent:           sent.SlowstartPacketsSent,
		SlowstartPacketsLost:           sent.SlowstartPacketsLost,
		PacketsDropped:                 c.counters.packetsDropped,
		CryptoRetransmitCount:          sent.CryptoRetransmitCount,
		LossTimeoutCount:               sent.LossTimeoutCount,
		TLPCount:                       sent.TLPCount,
		RTOCount:                       sent.RTOCount,
		MinRTTUs:                       c.rttStats.MinRTT().Microseconds(),
		SRTTUs:                         c.rttStats.SmoothedRTT().Microseconds(),
		MaxPacketSize:                  c.counters.maxPacketSize,
		MaxReceivedPacketSize:          c.counters.maxReceivedPacketSize,
		EstimatedBandwidth:             bandwidth,
		PacketsReordered:               rcvd.PacketsReordered,
		MaxSequenceReordering:          rcvd.MaxSequenceReordering,
		MaxTimeReorderingUs:            rcvd.MaxTimeReordering.Microseconds(),
		TCPLossEvents:                  sent.TCPLossEvents,
		CongestionWindow:               uint64(c.sentPacketHandler.CongestionWindow()),
	}
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || (!b.IsZero() && b.Before(a)) {
		return b
	}
	return a
}
