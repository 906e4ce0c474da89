package quicmux

import (
	"errors"
	"net/netip"
	"slices"

	"github.com/armon/go-metrics"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/Liangxia6/quicmux/internal/protocol"
	"github.com/Liangxia6/quicmux/internal/wire"
)

// DispatcherStats counts what a Dispatcher did with the datagrams it received.
type DispatcherStats struct {
	SessionsCreated     uint64
	SessionsClosed      uint64
	PacketsDropped      uint64
	TimeWaitResponses   uint64
	VersionNegotiations uint64
}

// Dispatcher demultiplexes the datagrams of one socket to the server
// sessions, creating a session for every new connection ID. Callers must
// serialize all calls.
type Dispatcher struct {
	config       *Config
	cryptoConfig *ServerCryptoConfig
	writer       *sharedWriter
	alarms       *alarmRegistry

	sessions map[ConnectionID]*Session
	// closed holds the sessions closed during the current call.
	closed   []*Session
	timeWait *timeWaitList

	shutdown bool
	stats    DispatcherStats

	logger *zap.Logger
}

// NewDispatcher creates a Dispatcher. All sessions share writer and
// cryptoConfig; their timers are armed on alarms, which reports fires back
// through OnAlarm.
func NewDispatcher(writer PacketWriter, alarms AlarmScheduler, cryptoConfig *ServerCryptoConfig, conf *Config) (*Dispatcher, error) {
	if writer == nil {
		return nil, errors.New("quicmux: nil PacketWriter")
	}
	if alarms == nil {
		return nil, errors.New("quicmux: nil AlarmScheduler")
	}
	if cryptoConfig == nil {
		return nil, errors.New("quicmux: nil ServerCryptoConfig")
	}
	conf = populateConfig(conf)
	timeWait, err := newTimeWaitList(conf.TimeWaitCapacity)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		config:       conf,
		cryptoConfig: cryptoConfig,
		writer:       newSharedWriter(writer),
		alarms:       newAlarmRegistry(alarms, conf.Clock),
		sessions:     make(map[ConnectionID]*Session),
		timeWait:     timeWait,
		logger:       conf.Logger.Named("dispatcher"),
	}, nil
}

// ProcessPacket handles a datagram received on the socket. data is not
// retained after the call.
func (d *Dispatcher) ProcessPacket(self, peer netip.AddrPort, data []byte) {
	defer d.clearClosed()
	if d.shutdown {
		d.dropPacket(peer, "dispatcher shut down")
		return
	}
	connID, err := wire.ParseConnectionID(data)
	if err != nil {
		d.dropPacket(peer, "unparseable header")
		return
	}
	if s, ok := d.sessions[connID]; ok {
		s.ProcessPacket(self, peer, data)
		return
	}

	now := d.config.Clock.Now()
	if d.timeWait.Contains(connID, now) {
		metrics.IncrCounter([]string{"packets", "time_wait"}, 1)
		if closePacket := d.timeWait.ReceivedPacket(connID, now); closePacket != nil {
			d.stats.TimeWaitResponses++
			d.writer.WritePacket(closePacket, self, peer)
		}
		return
	}
	if !wire.HasVersionFlag(data) || wire.IsVersionNegotiationPacket(data) {
		d.dropPacket(peer, "packet for unknown connection")
		return
	}
	hdr, err := wire.ParseHeader(data)
	if err != nil {
		d.dropPacket(peer, "unparseable header")
		return
	}
	if !protocol.IsSupportedVersion(d.config.Versions, hdr.Version) {
		d.logger.Debug("sending version negotiation", zap.Stringer("peer", peer), zap.Stringer("version", hdr.Version))
		d.stats.VersionNegotiations++
		d.writer.WritePacket(wire.ComposeVersionNegotiation(connID, d.config.Versions), self, peer)
		return
	}

	s, err := newServerSession(connID, hdr.Version, self, peer, d.config, d.cryptoConfig, d.writer, d.alarms, d)
	if err != nil {
		d.logger.Error("creating session failed", zap.Stringer("connection", connID), zap.Error(err))
		d.dropPacket(peer, "session creation failed")
		return
	}
	d.logger.Debug("new session", zap.Stringer("connection", connID), zap.Stringer("peer", peer))
	d.sessions[connID] = s
	d.stats.SessionsCreated++
	metrics.IncrCounter([]string{"sessions", "created"}, 1)
	metrics.SetGauge([]string{"sessions", "active"}, float32(len(d.sessions)))
	s.Initialize()
	s.ProcessPacket(self, peer, data)
}

func (d *Dispatcher) dropPacket(peer netip.AddrPort, reason string) {
	d.stats.PacketsDropped++
	metrics.IncrCounter([]string{"packets", "dropped"}, 1)
	d.logger.Debug("dropping packet", zap.Stringer("peer", peer), zap.String("reason", reason))
}

func (d *Dispatcher) onSessionClosed(s *Session, closePacket []byte) {
	if d.sessions[s.ConnectionID()] != s {
		return
	}
	delete(d.sessions, s.ConnectionID())
	d.closed = append(d.closed, s)
	d.timeWait.Add(s.ConnectionID(), closePacket, d.config.Clock.Now())
	d.stats.SessionsClosed++
	metrics.IncrCounter([]string{"sessions", "closed"}, 1)
	metrics.SetGauge([]string{"sessions", "active"}, float32(len(d.sessions)))
	d.logger.Debug("session closed", zap.Stringer("connection", s.ConnectionID()), zap.Error(s.CloseError()))
}

// clearClosed drops the sessions closed during the current call.
func (d *Dispatcher) clearClosed() {
	clear(d.closed)
	d.closed = d.closed[:0]
}

// OnWriteComplete finishes a write the PacketWriter reported as pending.
// A negative rc keeps the writer paused until OnCanWrite.
func (d *Dispatcher) OnWriteComplete(rc int) {
	defer d.clearClosed()
	d.writer.OnWriteComplete(rc)
}

// OnCanWrite resumes the sessions that were blocked on the writer.
func (d *Dispatcher) OnCanWrite() {
	defer d.clearClosed()
	d.writer.OnCanWrite()
}

// OnAlarm is called by the AlarmScheduler when the alarm for token fires.
func (d *Dispatcher) OnAlarm(token uint64) {
	defer d.clearClosed()
	d.alarms.fire(token)
}

// NumSessions returns the number of live sessions.
func (d *Dispatcher) NumSessions() int { return len(d.sessions) }

// Session returns the live session for id.
func (d *Dispatcher) Session(id ConnectionID) (*Session, bool) {
	s, ok := d.sessions[id]
	return s, ok
}

// Stats returns the dispatcher's counters.
func (d *Dispatcher) Stats() DispatcherStats { return d.stats }

// Shutdown closes all sessions with PeerGoingAway. Packets received
// afterwards are dropped. Calling it again has no effect.
func (d *Dispatcher) Shutdown() {
	if d.shutdown {
		return
	}
	d.shutdown = true
	defer d.clearClosed()
	ids := maps.Keys(d.sessions)
	slices.Sort(ids)
	d.logger.Info("shutting down", zap.Int("sessions", len(ids)))
	for _, id := range ids {
		s, ok := d.sessions[id]
		if !ok {
			continue
		}
		s.CloseWithError(PeerGoingAway, "Shutdown")
		// the writer may be blocked, don't wait for it
		s.abandon()
	}
	clear(d.sessions)
	metrics.SetGauge([]string{"sessions", "active"}, 0)
}
