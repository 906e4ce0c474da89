package handshake

import (
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/Liangxia6/quicmux/internal/protocol"
	"github.com/Liangxia6/quicmux/internal/qerr"
)

// Runner is notified of handshake progress.
type Runner interface {
	WriteCryptoData([]byte)
	OnReceivedParams(*TransportParameters)
	OnHandshakeComplete()
}

// ServerProofSource provides the server's long-lived crypto material.
type ServerProofSource interface {
	ConfigID() []byte
	CertChain() ([][]byte, error)
	SignProof(data []byte) ([]byte, error)
	EphemeralKey() (KeyExchange, error)
}

// VerifyFunc checks the server's certificate chain and its signature over signedData.
type VerifyFunc func(serverName string, certs [][]byte, signedData, signature []byte) error

// CryptoSetup runs the handshake for one connection.
type CryptoSetup struct {
	perspective protocol.Perspective
	version     protocol.Version
	rand        io.Reader
	runner      Runner
	logger      *zap.Logger

	ourParams *TransportParameters

	// client
	serverName  string
	verify      VerifyFunc
	clientKey   KeyExchange
	clientNonce []byte
	clientHello []byte

	// server
	proofSource ServerProofSource

	buf []byte

	initialSealer Sealer
	initialOpener Opener
	fsSealer      Sealer
	fsOpener      Opener

	receivedHello     bool
	handshakeComplete bool
}

func newCryptoSetup(
	connID protocol.ConnectionID,
	pers protocol.Perspective,
	version protocol.Version,
	params *TransportParameters,
	rand io.Reader,
	runner Runner,
	logger *zap.Logger,
) (*CryptoSetup, error) {
	sealer, opener, err := NewInitialAEAD(connID, pers)
	if err != nil {
		return nil, err
	}
	return &CryptoSetup{
		perspective:   pers,
		version:       version,
		rand:          rand,
		runner:        runner,
		logger:        logger,
		ourParams:     params,
		initialSealer: sealer,
		initialOpener: opener,
	}, nil
}

// NewCryptoSetupClient creates a client-side handshake.
func NewCryptoSetupClient(
	connID protocol.ConnectionID,
	version protocol.Version,
	serverName string,
	verify VerifyFunc,
	params *TransportParameters,
	rand io.Reader,
	runner Runner,
	logger *zap.Logger,
) (*CryptoSetup, error) {
	cs, err := newCryptoSetup(connID, protocol.PerspectiveClient, version, params, rand, runner, logger)
	if err != nil {
		return nil, err
	}
	cs.serverName = serverName
	cs.verify = verify
	return cs, nil
}

// NewCryptoSetupServer creates a server-side handshake.
func NewCryptoSetupServer(
	connID protocol.ConnectionID,
	version protocol.Version,
	proofSource ServerProofSource,
	params *TransportParameters,
	rand io.Reader,
	runner Runner,
	logger *zap.Logger,
) (*CryptoSetup, error) {
	cs, err := newCryptoSetup(connID, protocol.PerspectiveServer, version, params, rand, runner, logger)
	if err != nil {
		return nil, err
	}
	cs.proofSource = proofSource
	return cs, nil
}

// StartHandshake sends the client hello. It's a no-op for servers.
func (h *CryptoSetup) StartHandshake() error {
	if h.perspective == protocol.PerspectiveServer {
		return nil
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(h.rand, nonce); err != nil {
		return err
	}
	key, err := NewX25519Key(h.rand)
	if err != nil {
		return err
	}
	h.clientKey = key
	h.clientNonce = nonce
	chlo := &clientHello{
		Version:    h.version,
		Nonce:      nonce,
		PublicKey:  key.PublicKey(),
		ServerName: h.serverName,
		Params:     *h.ourParams,
	}
	msg, err := appendMessage(nil, typeClientHello, chlo)
	if err != nil {
		return err
	}
	// the server signs the hash of the encoded client hello
	_, h.clientHello, _, _ = splitMessage(msg)
	h.runner.WriteCryptoData(msg)
	return nil
}

// HandleCryptoData processes in-order data from the crypto stream.
func (h *CryptoSetup) HandleCryptoData(data []byte) error {
	h.buf = append(h.buf, data...)
	for len(h.buf) > 0 {
		typ, body, rest, err := splitMessage(h.buf)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return qerr.NewError(protocol.CryptoMessageError, err.Error())
		}
		if err := h.handleMessage(typ, body); err != nil {
			return err
		}
		h.buf = rest
	}
	return nil
}

func (h *CryptoSetup) handleMessage(typ messageType, body []byte) error {
	if h.receivedHello {
		return qerr.NewErrorf(protocol.CryptoMessageError, "unexpected handshake message %d", typ)
	}
	switch {
	case h.perspective == protocol.PerspectiveServer && typ == typeClientHello:
		h.receivedHello = true
		return h.handleClientHello(body)
	case h.perspective == protocol.PerspectiveClient && typ == typeServerHello:
		h.receivedHello = true
		return h.handleServerHello(body)
	default:
		return qerr.NewErrorf(protocol.CryptoMessageError, "unexpected handshake message %d", typ)
	}
}

func (h *CryptoSetup) handleClientHello(body []byte) error {
	var chlo clientHello
	if err := decMode.Unmarshal(body, &chlo); err != nil {
		return qerr.NewErrorf(protocol.CryptoMessageError, "invalid client hello: %v", err)
	}
	if chlo.Version != h.version {
		return qerr.NewErrorf(protocol.InvalidVersion, "client hello for version %s on a %s connection", chlo.Version, h.version)
	}
	if len(chlo.Nonce) != nonceLen {
		return qerr.NewErrorf(protocol.CryptoMessageError, "invalid client nonce length %d", len(chlo.Nonce))
	}
	key, err := h.proofSource.EphemeralKey()
	if err != nil {
		return qerr.NewErrorf(protocol.InternalError, "ephemeral key: %v", err)
	}
	shared, err := key.SharedKey(chlo.PublicKey)
	if err != nil {
		return qerr.NewErrorf(protocol.CryptoMessageError, "key exchange: %v", err)
	}
	chain, err := h.proofSource.CertChain()
	if err != nil {
		return qerr.NewErrorf(protocol.InternalError, "certificate chain: %v", err)
	}
	configID := h.proofSource.ConfigID()
	sig, err := h.proofSource.SignProof(proofData(body, key.PublicKey(), configID))
	if err != nil {
		return qerr.NewErrorf(protocol.InternalError, "signing proof: %v", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(h.rand, nonce); err != nil {
		return qerr.NewErrorf(protocol.InternalError, "nonce: %v", err)
	}
	h.fsSealer, h.fsOpener, err = newForwardSecureAEAD(shared, chlo.Nonce, nonce, configID, h.perspective)
	if err != nil {
		return qerr.NewErrorf(protocol.InternalError, "deriving keys: %v", err)
	}
	msg, err := appendMessage(nil, typeServerHello, &serverHello{
		ConfigID:  configID,
		Nonce:     nonce,
		PublicKey: key.PublicKey(),
		CertChain: chain,
		Signature: sig,
		Params:    *h.ourParams,
	})
	if err != nil {
		return qerr.NewErrorf(protocol.InternalError, "encoding server hello: %v", err)
	}
	h.logger.Debug("received client hello", zap.String("sni", chlo.ServerName), zap.Stringer("params", &chlo.Params))
	h.runner.OnReceivedParams(&chlo.Params)
	h.runner.WriteCryptoData(msg)
	return nil
}

func (h *CryptoSetup) handleServerHello(body []byte) error {
	var shlo serverHello
	if err := decMode.Unmarshal(body, &shlo); err != nil {
		return qerr.NewErrorf(protocol.CryptoMessageError, "invalid server hello: %v", err)
	}
	if len(shlo.Nonce) != nonceLen {
		return qerr.NewErrorf(protocol.CryptoMessageError, "invalid server nonce length %d", len(shlo.Nonce))
	}
	if len(shlo.CertChain) == 0 {
		return qerr.NewError(protocol.CryptoVerificationFailed, "no certificates")
	}
	if h.verify == nil {
		return qerr.NewError(protocol.CryptoVerificationFailed, "no proof verifier")
	}
	signed := proofData(h.clientHello, shlo.PublicKey, shlo.ConfigID)
	if err := h.verify(h.serverName, shlo.CertChain, signed, shlo.Signature); err != nil {
		return qerr.NewError(protocol.CryptoVerificationFailed, err.Error())
	}
	shared, err := h.clientKey.SharedKey(shlo.PublicKey)
	if err != nil {
		return qerr.NewErrorf(protocol.CryptoMessageError, "key exchange: %v", err)
	}
	h.fsSealer, h.fsOpener, err = newForwardSecureAEAD(shared, h.clientNonce, shlo.Nonce, shlo.ConfigID, h.perspective)
	if err != nil {
		return qerr.NewErrorf(protocol.InternalError, "deriving keys: %v", err)
	}
	h.logger.Debug("received server hello", zap.Binary("config_id", shlo.ConfigID), zap.Stringer("params", &shlo.Params))
	h.runner.OnReceivedParams(&shlo.Params)
	h.handshakeComplete = true
	h.runner.OnHandshakeComplete()
	return nil
}

// ReceivedForwardSecurePacket is called for every 1-RTT packet that was opened.
// The server considers the handshake complete on the first one.
func (h *CryptoSetup) ReceivedForwardSecurePacket() {
	if h.handshakeComplete || h.perspective == protocol.PerspectiveClient {
		return
	}
	h.handshakeComplete = true
	h.runner.OnHandshakeComplete()
}

// HandshakeComplete says if the handshake completed.
func (h *CryptoSetup) HandshakeComplete() bool { return h.handshakeComplete }

// GetSealer returns the sealer for an encryption level.
func (h *CryptoSetup) GetSealer(level protocol.EncryptionLevel) (Sealer, error) {
	switch level {
	case protocol.EncryptionInitial:
		return h.initialSealer, nil
	case protocol.EncryptionForwardSecure:
		if h.fsSealer == nil {
			return nil, ErrKeysNotYetAvailable
		}
		return h.fsSealer, nil
	}
	return nil, errors.New("invalid encryption level")
}

// GetOpener returns the opener for an encryption level.
func (h *CryptoSetup) GetOpener(level protocol.EncryptionLevel) (Opener, error) {
	switch level {
	case protocol.EncryptionInitial:
		return h.initialOpener, nil
	case protocol.EncryptionForwardSecure:
		if h.fsOpener == nil {
			return nil, ErrKeysNotYetAvailable
		}
		return h.fsOpener, nil
	}
	return nil, errors.New("invalid encryption level")
}

// HasForwardSecureSealer says if 1-RTT packets can be sent.
func (h *CryptoSetup) HasForwardSecureSealer() bool { return h.fsSealer != nil }
