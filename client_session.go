package quicmux

import (
	"errors"
	"fmt"
	"net/netip"

	"go.uber.org/zap"

	"github.com/Liangxia6/quicmux/internal/utils"
)

// Client owns a single client session. It plays the Dispatcher's role for an
// outgoing connection: it routes datagrams, write completions and alarms to
// its session. Callers must serialize all calls.
type Client struct {
	config       *Config
	cryptoConfig *ClientCryptoConfig
	writer       *sharedWriter
	alarms       *alarmRegistry

	session *Session
	closed  bool

	logger *zap.Logger
}

// NewClient creates a client session from self to peer, with a random
// connection ID. Connect starts the handshake.
func NewClient(
	writer PacketWriter,
	alarms AlarmScheduler,
	self, peer netip.AddrPort,
	cryptoConfig *ClientCryptoConfig,
	conf *Config,
) (*Client, error) {
	if writer == nil {
		return nil, errors.New("quicmux: nil PacketWriter")
	}
	if alarms == nil {
		return nil, errors.New("quicmux: nil AlarmScheduler")
	}
	conf = populateConfig(conf)
	id, err := utils.RandUint64(conf.Random)
	if err != nil {
		return nil, fmt.Errorf("generating connection ID: %w", err)
	}
	c := &Client{
		config:       conf,
		cryptoConfig: cryptoConfig,
		writer:       newSharedWriter(writer),
		alarms:       newAlarmRegistry(alarms, conf.Clock),
		logger:       conf.Logger.Named("client"),
	}
	c.session, err = newClientSession(ConnectionID(id), conf.Versions[0], self, peer, conf, cryptoConfig, c.writer, c.alarms, c)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Session returns the client's session.
func (c *Client) Session() *Session { return c.session }

// Connect initializes the session and sends the client hello.
func (c *Client) Connect() error {
	c.session.Initialize()
	return c.session.CryptoConnect()
}

// ProcessPacket handles a datagram received from the server.
func (c *Client) ProcessPacket(self, peer netip.AddrPort, data []byte) {
	if c.closed {
		return
	}
	c.session.ProcessPacket(self, peer, data)
}

// OnAlarm is called by the AlarmScheduler when the alarm for token fires.
func (c *Client) OnAlarm(token uint64) { c.alarms.fire(token) }

// OnWriteComplete finishes a write the PacketWriter reported as pending.
func (c *Client) OnWriteComplete(rc int) { c.writer.OnWriteComplete(rc) }

// OnCanWrite resumes sending after the writer was blocked.
func (c *Client) OnCanWrite() { c.writer.OnCanWrite() }

// Close closes the session with PeerGoingAway.
func (c *Client) Close() {
	if c.closed {
		return
	}
	c.session.CloseWithError(PeerGoingAway, "Client disconnecting")
	c.session.abandon()
}

func (c *Client) onSessionClosed(s *Session, _ []byte) {
	c.closed = true
	c.logger.Debug("session closed", zap.Stringer("connection", s.ConnectionID()), zap.Error(s.CloseError()))
}
