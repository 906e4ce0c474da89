package quicmux

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/Liangxia6/quicmux/internal/flowcontrol"
	"github.com/Liangxia6/quicmux/internal/handshake"
	"github.com/Liangxia6/quicmux/internal/protocol"
	"github.com/Liangxia6/quicmux/internal/qerr"
	"github.com/Liangxia6/quicmux/internal/wire"
)

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	StateCreated SessionState = iota
	StateHandshakeInProgress
	StateEstablished
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateHandshakeInProgress:
		return "handshake in progress"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown state %d", int(s))
	}
}

// drainPTOs is how many PTOs a closing session waits for a blocked writer.
const drainPTOs = 3

// sessionRunner is the owner of a session.
type sessionRunner interface {
	// onSessionClosed is called exactly once, when the session reaches
	// StateClosed. closePacket is the CONNECTION_CLOSE packet that was sent, if any.
	onSessionClosed(s *Session, closePacket []byte)
}

// Session is one connection between a client and a server, together with its
// streams. All methods must be called from the owner's thread.
type Session struct {
	perspective protocol.Perspective
	connID      ConnectionID
	version     Version
	config      *Config
	clock       Clock

	serverCrypto *ServerCryptoConfig
	clientCrypto *ClientCryptoConfig

	cryptoSetup *handshake.CryptoSetup
	conn        *connection
	writer      *sharedWriter
	runner      sessionRunner
	alarm       *alarm

	streams            map[StreamID]*Stream
	nextOutgoingStream StreamID
	nextIncomingStream StreamID
	numOutgoingStreams int
	numIncomingStreams int
	maxOutgoingStreams int

	peerParams  *handshake.TransportParameters
	idleTimeout time.Duration

	state    SessionState
	closeErr error
	// closePacket is kept while the writer refuses it.
	closePacket        []byte
	closePacketPending bool

	createdTime       time.Time
	handshakeDeadline time.Time
	drainDeadline     time.Time

	versionNegotiated bool
	// processing is set while a packet or an alarm is handled. Sending is
	// deferred until it is done.
	processing bool

	logger *zap.Logger
}

func newSession(
	pers protocol.Perspective,
	connID ConnectionID,
	version Version,
	self, peer netip.AddrPort,
	conf *Config,
	writer *sharedWriter,
	alarms *alarmRegistry,
	runner sessionRunner,
) *Session {
	s := &Session{
		perspective:        pers,
		connID:             connID,
		version:            version,
		config:             conf,
		clock:              conf.Clock,
		writer:             writer,
		runner:             runner,
		streams:            make(map[StreamID]*Stream),
		nextOutgoingStream: protocol.FirstStream(pers),
		nextIncomingStream: protocol.FirstStream(pers.Opposite()),
		idleTimeout:        conf.IdleTimeout,
		createdTime:        conf.Clock.Now(),
		logger: conf.Logger.With(
			zap.String("session", connID.String()),
			zap.Stringer("perspective", pers),
		),
	}
	s.alarm = alarms.newAlarm(s.onAlarm)
	return s
}

func newServerSession(
	connID ConnectionID,
	version Version,
	self, peer netip.AddrPort,
	conf *Config,
	cryptoConfig *ServerCryptoConfig,
	writer *sharedWriter,
	alarms *alarmRegistry,
	runner sessionRunner,
) (*Session, error) {
	s := newSession(protocol.PerspectiveServer, connID, version, self, peer, conf, writer, alarms, runner)
	s.serverCrypto = cryptoConfig
	if err := s.setupConnection(self, peer); err != nil {
		s.alarm.release()
		return nil, err
	}
	return s, nil
}

func newClientSession(
	connID ConnectionID,
	version Version,
	self, peer netip.AddrPort,
	conf *Config,
	cryptoConfig *ClientCryptoConfig,
	writer *sharedWriter,
	alarms *alarmRegistry,
	runner sessionRunner,
) (*Session, error) {
	s := newSession(protocol.PerspectiveClient, connID, version, self, peer, conf, writer, alarms, runner)
	s.clientCrypto = cryptoConfig
	if err := s.setupConnection(self, peer); err != nil {
		s.alarm.release()
		return nil, err
	}
	return s, nil
}

func (s *Session) transportParameters() *handshake.TransportParameters {
	return &handshake.TransportParameters{
		InitialMaxStreamData: s.config.InitialStreamReceiveWindow,
		InitialMaxData:       s.config.InitialConnectionReceiveWindow,
		MaxIncomingStreams:   uint64(s.config.MaxIncomingStreams),
		IdleTimeout:          s.config.IdleTimeout,
	}
}

// setupConnection creates the handshake and the connection for the current version.
func (s *Session) setupConnection(self, peer netip.AddrPort) error {
	var err error
	runner := (*handshakeRunner)(s)
	logger := s.logger.Named("handshake")
	if s.perspective == protocol.PerspectiveServer {
		s.cryptoSetup, err = handshake.NewCryptoSetupServer(
			s.connID, s.version, s.serverCrypto, s.transportParameters(), s.config.Random, runner, logger,
		)
	} else {
		var verify handshake.VerifyFunc
		var serverName string
		if s.clientCrypto != nil {
			serverName = s.clientCrypto.ServerName
			if s.clientCrypto.Verifier != nil {
				verify = handshake.VerifyFunc(s.clientCrypto.Verifier)
			}
		}
		s.cryptoSetup, err = handshake.NewCryptoSetupClient(
			s.connID, s.version, serverName, verify, s.transportParameters(), s.config.Random, runner, logger,
		)
	}
	if err != nil {
		return err
	}
	s.conn = newConnection(
		s.perspective, s.connID, s.version, self, peer,
		s.config, s.cryptoSetup, s, s, s.writer, s, s.logger,
	)
	return nil
}

// Initialize starts the session and arms its timers.
func (s *Session) Initialize() {
	if s.state != StateCreated {
		return
	}
	s.handshakeDeadline = s.createdTime.Add(s.config.HandshakeTimeout)
	s.setState(StateHandshakeInProgress)
	s.updateAlarm()
}

// CryptoConnect sends the client hello.
func (s *Session) CryptoConnect() error {
	if s.perspective != protocol.PerspectiveClient {
		return errors.New("CryptoConnect called on a server session")
	}
	if s.state != StateHandshakeInProgress {
		return fmt.Errorf("CryptoConnect in state %s", s.state)
	}
	if err := s.cryptoSetup.StartHandshake(); err != nil {
		s.closeLocal(err)
		return err
	}
	s.sendPackets()
	s.updateAlarm()
	return nil
}

// ProcessPacket handles a datagram received for this session. data is not
// retained after the call.
func (s *Session) ProcessPacket(self, peer netip.AddrPort, data []byte) {
	if s.state != StateHandshakeInProgress && s.state != StateEstablished {
		return
	}
	now := s.clock.Now()
	if s.perspective == protocol.PerspectiveClient && wire.IsVersionNegotiationPacket(data) {
		s.handleVersionNegotiation(data)
		return
	}

	s.processing = true
	err := s.conn.handlePacket(&receivedPacket{data: data, self: self, peer: peer, rcvTime: now})
	if err == nil {
		for _, p := range s.conn.popUndecryptablePackets() {
			if err = s.conn.handlePacket(p); err != nil {
				break
			}
		}
	}
	s.processing = false

	if err != nil {
		s.closeLocal(err)
		return
	}
	if s.state >= StateClosing {
		return
	}
	s.conn.queueWindowUpdate(now)
	s.sendPackets()
	s.updateAlarm()
}

// handleVersionNegotiation restarts the handshake with a version the server
// supports, once.
func (s *Session) handleVersionNegotiation(data []byte) {
	hdr, err := wire.ParseHeader(data)
	if err != nil || hdr.ConnectionID != s.connID {
		return
	}
	// a server that answered already agreed on our version
	if s.versionNegotiated || s.conn.counters.packetsProcessed > 0 || s.state != StateHandshakeInProgress {
		return
	}
	if slices.Contains(hdr.SupportedVersions, s.version) {
		return
	}
	var newVersion Version
	var found bool
	for _, v := range s.config.Versions {
		if slices.Contains(hdr.SupportedVersions, v) {
			newVersion = v
			found = true
			break
		}
	}
	if !found {
		s.closeSilently(qerr.NewErrorf(protocol.InvalidVersion, "no compatible version, server supports %v", hdr.SupportedVersions))
		return
	}
	s.logger.Info("switching version", zap.Stringer("from", s.version), zap.Stringer("to", newVersion))
	s.versionNegotiated = true
	s.version = newVersion
	counters := s.conn.counters
	self, peer := s.conn.selfAddr, s.conn.peerAddr
	s.writer.RemoveBlocked(s)
	if err := s.setupConnection(self, peer); err != nil {
		s.closeSilently(err)
		return
	}
	s.conn.counters = counters
	if err := s.CryptoConnect(); err != nil {
		s.logger.Debug("restarting handshake failed", zap.Error(err))
	}
}

// CreateOutgoingStream opens a new stream.
func (s *Session) CreateOutgoingStream(priority Priority) (*Stream, error) {
	switch s.state {
	case StateClosing, StateClosed:
		return nil, ErrSessionClosed
	case StateEstablished:
	default:
		return nil, ErrHandshakeNotComplete
	}
	if s.numOutgoingStreams >= s.maxOutgoingStreams {
		return nil, fmt.Errorf("%w: peer allows %d", ErrTooManyStreams, s.maxOutgoingStreams)
	}
	id := s.nextOutgoingStream
	s.nextOutgoingStream += protocol.StreamIDIncrement
	s.numOutgoingStreams++
	str := s.newStream(id, priority)
	s.streams[id] = str
	return str, nil
}

func (s *Session) newStream(id StreamID, priority Priority) *Stream {
	var initialSendWindow ByteCount
	if s.peerParams != nil {
		initialSendWindow = s.peerParams.InitialMaxStreamData
	}
	fc := flowcontrol.NewStreamFlowController(
		id,
		s.conn.connFlowController,
		s.config.InitialStreamReceiveWindow,
		s.config.MaxStreamReceiveWindow,
		initialSendWindow,
		s.conn.rttStats,
	)
	return newStream(id, priority, s, fc, s.clock)
}

// getOrOpenStream returns the stream a frame is for. Streams the peer opens
// are created implicitly, lower IDs first. It returns nil for closed streams.
func (s *Session) getOrOpenStream(id StreamID) (*Stream, error) {
	if str, ok := s.streams[id]; ok {
		return str, nil
	}
	if id.InitiatedBy() == s.perspective {
		if id >= s.nextOutgoingStream {
			return nil, qerr.NewErrorf(protocol.ProtocolViolation, "peer sent a frame for stream %d, which wasn't opened", id)
		}
		return nil, nil
	}
	if id < s.nextIncomingStream {
		return nil, nil
	}
	var str *Stream
	for ; s.nextIncomingStream <= id; s.nextIncomingStream += protocol.StreamIDIncrement {
		sid := s.nextIncomingStream
		if s.numIncomingStreams >= s.config.MaxIncomingStreams {
			s.logger.Debug("refusing stream", zap.Uint64("stream", uint64(sid)))
			s.queueControlFrame(&wire.ResetStreamFrame{StreamID: sid, ErrorCode: protocol.StreamRefused})
			continue
		}
		s.numIncomingStreams++
		str = s.newStream(sid, DefaultPriority)
		s.streams[sid] = str
		if s.config.NewStreamHandler != nil {
			str.SetHandler(s.config.NewStreamHandler(s, str))
		}
	}
	// the stream may have been refused, or closed by its handler already
	return s.streams[id], nil
}

func (s *Session) getStream(id StreamID) *Stream { return s.streams[id] }

// NumActiveStreams returns the number of open streams.
func (s *Session) NumActiveStreams() int { return len(s.streams) }

// State returns the lifecycle state.
func (s *Session) State() SessionState { return s.state }

// IsEncryptionEstablished says if 1-RTT packets can be sent.
func (s *Session) IsEncryptionEstablished() bool {
	return s.cryptoSetup.HasForwardSecureSealer()
}

// IsConnected says if the handshake completed and the session isn't closing.
func (s *Session) IsConnected() bool { return s.state == StateEstablished }

// ConnectionID returns the connection ID.
func (s *Session) ConnectionID() ConnectionID { return s.connID }

// Version returns the negotiated version.
func (s *Session) Version() Version { return s.version }

// PeerAddr returns the peer's current address.
func (s *Session) PeerAddr() netip.AddrPort { return s.conn.peerAddr }

// CloseError returns the error the session was closed with, or nil.
func (s *Session) CloseError() error { return s.closeErr }

// ConnectionStats returns a snapshot of the connection's counters.
func (s *Session) ConnectionStats() ConnectionStats { return s.conn.getStats() }

// Close closes the session without an error.
func (s *Session) Close() {
	s.CloseWithError(NoError, "")
}

// CloseWithError closes the session and sends the code to the peer. Closing
// a closed session has no effect.
func (s *Session) CloseWithError(code ErrorCode, reason string) {
	s.closeLocal(qerr.NewError(code, reason))
}

func (s *Session) setState(state SessionState) {
	if s.state == state {
		return
	}
	s.logger.Debug("state change", zap.Stringer("from", s.state), zap.Stringer("to", state))
	s.state = state
	if s.config.OnSessionStateChange != nil {
		s.config.OnSessionStateChange(s, state)
	}
}

func (s *Session) onHandshakeComplete() {
	if s.state != StateHandshakeInProgress {
		return
	}
	s.handshakeDeadline = time.Time{}
	s.logger.Info("handshake complete", zap.Stringer("version", s.version), zap.Stringer("peer", s.conn.peerAddr))
	s.setState(StateEstablished)
}

func (s *Session) applyPeerParams(p *handshake.TransportParameters) {
	s.peerParams = p
	s.maxOutgoingStreams = int(min(p.MaxIncomingStreams, math.MaxInt32))
	if p.IdleTimeout > 0 {
		s.idleTimeout = min(s.idleTimeout, p.IdleTimeout)
	}
	if s.conn.connFlowController.UpdateSendWindow(p.InitialMaxData) {
		s.onConnectionWindowUpdate()
	}
	for _, str := range s.streams {
		str.handleMaxStreamDataFrame(&wire.MaxStreamDataFrame{StreamID: str.id, MaximumStreamData: p.InitialMaxStreamData})
	}
}

// frameReceiver

func (s *Session) handleCryptoFrame(f *wire.CryptoFrame) error {
	if err := s.conn.cryptoStream.HandleCryptoFrame(f); err != nil {
		return err
	}
	if data := s.conn.cryptoStream.GetCryptoData(); len(data) > 0 {
		return s.cryptoSetup.HandleCryptoData(data)
	}
	return nil
}

func (s *Session) handleStreamFrame(f *wire.StreamFrame, now time.Time) error {
	str, err := s.getOrOpenStream(f.StreamID)
	if err != nil || str == nil {
		return err
	}
	return str.handleStreamFrame(f, now)
}

func (s *Session) handleResetStreamFrame(f *wire.ResetStreamFrame, now time.Time) error {
	str, err := s.getOrOpenStream(f.StreamID)
	if err != nil || str == nil {
		return err
	}
	return str.handleResetStreamFrame(f, now)
}

func (s *Session) handleMaxStreamDataFrame(f *wire.MaxStreamDataFrame) error {
	str, err := s.getOrOpenStream(f.StreamID)
	if err != nil || str == nil {
		return err
	}
	str.handleMaxStreamDataFrame(f)
	return nil
}

func (s *Session) handleConnectionCloseFrame(f *wire.ConnectionCloseFrame) {
	s.logger.Info("peer closed the session", zap.Stringer("code", f.ErrorCode), zap.String("reason", f.ReasonPhrase))
	s.closeSilently(&qerr.TransportError{Code: f.ErrorCode, Reason: f.ReasonPhrase, Remote: true})
}

func (s *Session) onConnectionWindowUpdate() {
	ids := maps.Keys(s.streams)
	slices.Sort(ids)
	for _, id := range ids {
		s.streams[id].onSendWindowUpdate()
	}
}

func (s *Session) onForwardSecurePacket() {
	s.cryptoSetup.ReceivedForwardSecurePacket()
}

// streamSender

func (s *Session) onHasStreamData(id StreamID) {
	if str, ok := s.streams[id]; ok {
		s.conn.framer.AddActiveStream(str)
	}
}

func (s *Session) onStreamCompleted(id StreamID) {
	if _, ok := s.streams[id]; !ok {
		return
	}
	delete(s.streams, id)
	if id.InitiatedBy() == s.perspective {
		s.numOutgoingStreams--
	} else {
		s.numIncomingStreams--
	}
}

func (s *Session) queueControlFrame(f wire.Frame) { s.conn.framer.QueueControlFrame(f) }

func (s *Session) scheduleSending() {
	if s.processing {
		return
	}
	s.sendPackets()
	s.updateAlarm()
}

func (s *Session) onStreamBytesSent(n ByteCount) { s.conn.counters.streamBytesSent += uint64(n) }

func (s *Session) onStreamBytesReceived(n ByteCount) {
	s.conn.counters.streamBytesReceived += uint64(n)
}

// sending and timers

func (s *Session) sendPackets() {
	if s.state != StateHandshakeInProgress && s.state != StateEstablished {
		return
	}
	if err := s.conn.sendPackets(s.clock.Now()); err != nil {
		s.closeLocal(err)
	}
}

// onCanWrite is called by the shared writer when this session may write again.
func (s *Session) onCanWrite() {
	switch s.state {
	case StateClosing:
		s.writeClosePacket()
	case StateHandshakeInProgress, StateEstablished:
		s.sendPackets()
		s.updateAlarm()
	}
}

func (s *Session) idleDeadline() time.Time {
	return s.conn.idleStart(s.createdTime).Add(s.idleTimeout)
}

func (s *Session) updateAlarm() {
	switch s.state {
	case StateHandshakeInProgress, StateEstablished:
		deadline := earliest(s.conn.nextTimeout(), s.idleDeadline())
		deadline = earliest(deadline, s.handshakeDeadline)
		s.alarm.Set(deadline)
	case StateClosing:
		s.alarm.Set(s.drainDeadline)
	default:
		s.alarm.Cancel()
	}
}

func (s *Session) onAlarm(now time.Time) {
	switch s.state {
	case StateClosing:
		if !now.Before(s.drainDeadline) {
			s.logger.Debug("writer stayed blocked, dropping the close packet")
			s.conn.counters.packetsDiscarded++
			s.closePacketPending = false
			s.writer.RemoveBlocked(s)
			s.setClosed()
			return
		}
		s.updateAlarm()
		return
	case StateHandshakeInProgress, StateEstablished:
	default:
		return
	}
	if !s.handshakeDeadline.IsZero() && !now.Before(s.handshakeDeadline) {
		s.closeLocal(qerr.NewErrorf(protocol.HandshakeTimeout, "no handshake after %s", s.config.HandshakeTimeout))
		return
	}
	if !now.Before(s.idleDeadline()) {
		s.closeSilently(qerr.NewErrorf(protocol.IdleTimeout, "no recent network activity after %s", s.idleTimeout))
		return
	}
	s.processing = true
	s.conn.onTimeout(now)
	s.processing = false
	s.sendPackets()
	s.updateAlarm()
}

// closing

// closeLocal closes the session after a local decision or a fatal error, and
// tells the peer.
func (s *Session) closeLocal(err error) {
	if s.state >= StateClosing {
		return
	}
	terr := qerr.ToTransportError(err)
	s.closeErr = terr
	if terr.Code != protocol.NoError {
		s.logger.Info("closing session", zap.Error(terr))
	} else {
		s.logger.Debug("closing session")
	}
	s.teardown()
	pkt, perr := s.conn.packer.PackConnectionClose(&wire.ConnectionCloseFrame{ErrorCode: terr.Code, ReasonPhrase: terr.Reason})
	if perr != nil {
		s.logger.Debug("packing CONNECTION_CLOSE failed", zap.Error(perr))
		s.setClosed()
		return
	}
	s.closePacket = pkt.raw
	s.closePacketPending = true
	s.drainDeadline = s.clock.Now().Add(drainPTOs * s.conn.rttStats.PTO())
	s.writeClosePacket()
}

// closeSilently closes the session without sending anything. It is used when
// the peer closed the session, or can't be reached anyway.
func (s *Session) closeSilently(err error) {
	if s.state >= StateClosing {
		return
	}
	s.closeErr = err
	var terr *qerr.TransportError
	if errors.As(err, &terr) && terr.Remote {
		s.logger.Debug("session closed by peer", zap.Error(err))
	} else {
		s.logger.Info("closing session", zap.Error(err))
	}
	s.teardown()
	s.setClosed()
}

// teardown moves the session to StateClosing and aborts all streams.
func (s *Session) teardown() {
	s.setState(StateClosing)
	ids := maps.Keys(s.streams)
	slices.Sort(ids)
	for _, id := range ids {
		s.streams[id].closeForShutdown(s.closeErr)
	}
	s.streams = make(map[StreamID]*Stream)
	s.numOutgoingStreams = 0
	s.numIncomingStreams = 0
	s.conn.framer.Reset()
	s.conn.retransmissionQueue.Drop()
	s.conn.discardBlockedPacket()
}

func (s *Session) writeClosePacket() {
	if !s.closePacketPending {
		return
	}
	res := s.writer.WritePacket(s.closePacket, s.conn.selfAddr, s.conn.peerAddr)
	if res.Status == WriteBlocked {
		s.writer.AddBlocked(s)
		s.updateAlarm()
		return
	}
	s.closePacketPending = false
	size := uint64(len(s.closePacket))
	s.conn.counters.packetsSent++
	s.conn.counters.bytesSent += size
	s.conn.counters.maxPacketSize = max(s.conn.counters.maxPacketSize, size)
	s.setClosed()
}

func (s *Session) setClosed() {
	if s.state == StateClosed {
		return
	}
	s.setState(StateClosed)
	s.alarm.release()
	s.writer.RemoveBlocked(s)
	s.runner.onSessionClosed(s, s.closePacket)
}

// abandon closes the session when its owner goes away, without waiting for
// the writer.
func (s *Session) abandon() {
	if s.state == StateClosed {
		return
	}
	if s.closePacketPending {
		s.closePacketPending = false
		s.conn.counters.packetsDiscarded++
	}
	s.setClosed()
}

// handshakeRunner receives the handshake's callbacks.
type handshakeRunner Session

func (r *handshakeRunner) WriteCryptoData(b []byte) { r.conn.cryptoStream.Write(b) }

func (r *handshakeRunner) OnReceivedParams(p *handshake.TransportParameters) {
	(*Session)(r).applyPeerParams(p)
}

func (r *handshakeRunner) OnHandshakeComplete() { (*Session)(r).onHandshakeComplete() }
