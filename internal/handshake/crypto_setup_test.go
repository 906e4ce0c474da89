package handshake

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Liangxia6/quicmux/internal/protocol"
	"github.com/Liangxia6/quicmux/internal/qerr"
)

type testRunner struct {
	data     [][]byte
	params   *TransportParameters
	complete int
}

func (r *testRunner) WriteCryptoData(b []byte) { r.data = append(r.data, b) }
func (r *testRunner) OnReceivedParams(p *TransportParameters) { r.params = p }
func (r *testRunner) OnHandshakeComplete() { r.complete++ }

func (r *testRunner) take() []byte {
	var b []byte
	for _, d := range r.data {
		b = append(b, d...)
	}
	r.data = nil
	return b
}

type testProofSource struct {
	priv ed25519.PrivateKey
	key  KeyExchange
}

func (s *testProofSource) ConfigID() []byte { return []byte("config-1") }
func (s *testProofSource) CertChain() ([][]byte, error) {
	return [][]byte{[]byte("leaf"), []byte("root")}, nil
}
func (s *testProofSource) EphemeralKey() (KeyExchange, error) { return s.key, nil }
func (s *testProofSource) SignProof(data []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, data), nil
}

func newTestProofSource(t *testing.T) (*testProofSource, ed25519.PublicKey) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := NewX25519Key(rand.Reader)
	require.NoError(t, err)
	return &testProofSource{priv: priv, key: key}, pub
}

func ed25519Verifier(pub ed25519.PublicKey) VerifyFunc {
	return func(_ string, _ [][]byte, signed, sig []byte) error {
		if !ed25519.Verify(pub, signed, sig) {
			return errors.New("invalid signature")
		}
		return nil
	}
}

var (
	clientParams = &TransportParameters{InitialMaxStreamData: 1000, InitialMaxData: 5000, MaxIncomingStreams: 10, IdleTimeout: 30 * time.Second}
	serverParams = &TransportParameters{InitialMaxStreamData: 2000, InitialMaxData: 6000, MaxIncomingStreams: 20, IdleTimeout: 20 * time.Second}
)

func newTestHandshake(t *testing.T, verify VerifyFunc) (*CryptoSetup, *testRunner, *CryptoSetup, *testRunner) {
	proofSource, pub := newTestProofSource(t)
	if verify == nil {
		verify = ed25519Verifier(pub)
	}
	cRunner, sRunner := &testRunner{}, &testRunner{}
	client, err := NewCryptoSetupClient(0x1337, protocol.Version2, "example.org", verify, clientParams, rand.Reader, cRunner, zap.NewNop())
	require.NoError(t, err)
	server, err := NewCryptoSetupServer(0x1337, protocol.Version2, proofSource, serverParams, rand.Reader, sRunner, zap.NewNop())
	require.NoError(t, err)
	return client, cRunner, server, sRunner
}

func TestHandshake(t *testing.T) {
	client, cRunner, server, sRunner := newTestHandshake(t, nil)

	require.NoError(t, server.StartHandshake())
	require.Empty(t, sRunner.data)
	require.NoError(t, client.StartHandshake())
	chlo := cRunner.take()
	require.NotEmpty(t, chlo)

	// deliver the client hello one byte at a time
	for i := range chlo {
		require.NoError(t, server.HandleCryptoData(chlo[i:i+1]))
	}
	require.Equal(t, clientParams, sRunner.params)
	require.True(t, server.HasForwardSecureSealer())
	require.False(t, server.HandshakeComplete())

	require.NoError(t, client.HandleCryptoData(sRunner.take()))
	require.True(t, client.HandshakeComplete())
	require.Equal(t, 1, cRunner.complete)
	require.Equal(t, serverParams, cRunner.params)

	server.ReceivedForwardSecurePacket()
	server.ReceivedForwardSecurePacket()
	require.True(t, server.HandshakeComplete())
	require.Equal(t, 1, sRunner.complete)

	// both sides derived the same 1-RTT keys
	ad := []byte("header")
	cSealer, err := client.GetSealer(protocol.EncryptionForwardSecure)
	require.NoError(t, err)
	sOpener, err := server.GetOpener(protocol.EncryptionForwardSecure)
	require.NoError(t, err)
	sealed := cSealer.Seal(nil, []byte("foobar"), 42, ad)
	require.Len(t, sealed, 6+cSealer.Overhead())
	opened, err := sOpener.Open(nil, sealed, 42, ad)
	require.NoError(t, err)
	require.Equal(t, []byte("foobar"), opened)

	_, err = sOpener.Open(nil, sealed, 43, ad)
	require.ErrorIs(t, err, ErrDecryptionFailed)
	_, err = sOpener.Open(nil, sealed, 42, []byte("other"))
	require.ErrorIs(t, err, ErrDecryptionFailed)

	sSealer, err := server.GetSealer(protocol.EncryptionForwardSecure)
	require.NoError(t, err)
	cOpener, err := client.GetOpener(protocol.EncryptionForwardSecure)
	require.NoError(t, err)
	opened, err = cOpener.Open(nil, sSealer.Seal(nil, []byte("response"), 1, ad), 1, ad)
	require.NoError(t, err)
	require.Equal(t, []byte("response"), opened)
}

func TestInitialKeysMatch(t *testing.T) {
	cSealer, _, err := NewInitialAEAD(99, protocol.PerspectiveClient)
	require.NoError(t, err)
	_, sOpener, err := NewInitialAEAD(99, protocol.PerspectiveServer)
	require.NoError(t, err)
	opened, err := sOpener.Open(nil, cSealer.Seal(nil, []byte("chlo"), 1, nil), 1, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("chlo"), opened)

	// keys depend on the connection ID
	_, otherOpener, err := NewInitialAEAD(100, protocol.PerspectiveServer)
	require.NoError(t, err)
	_, err = otherOpener.Open(nil, cSealer.Seal(nil, []byte("chlo"), 1, nil), 1, nil)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestKeysNotYetAvailable(t *testing.T) {
	client, _, _, _ := newTestHandshake(t, nil)
	_, err := client.GetSealer(protocol.EncryptionForwardSecure)
	require.ErrorIs(t, err, ErrKeysNotYetAvailable)
	_, err = client.GetOpener(protocol.EncryptionForwardSecure)
	require.ErrorIs(t, err, ErrKeysNotYetAvailable)
	_, err = client.GetSealer(protocol.EncryptionInitial)
	require.NoError(t, err)
}

func TestVerifierRejects(t *testing.T) {
	reject := func(string, [][]byte, []byte, []byte) error { return errors.New("untrusted") }
	client, cRunner, server, sRunner := newTestHandshake(t, reject)
	require.NoError(t, client.StartHandshake())
	require.NoError(t, server.HandleCryptoData(cRunner.take()))

	err := client.HandleCryptoData(sRunner.take())
	require.ErrorIs(t, err, qerr.ErrCryptoVerificationFailed)
	require.False(t, client.HandshakeComplete())
	require.Zero(t, cRunner.complete)
	_, err = client.GetSealer(protocol.EncryptionForwardSecure)
	require.ErrorIs(t, err, ErrKeysNotYetAvailable)
}

func TestServerRejectsVersionMismatch(t *testing.T) {
	proofSource, _ := newTestProofSource(t)
	cRunner, sRunner := &testRunner{}, &testRunner{}
	client, err := NewCryptoSetupClient(1, protocol.Version1, "", nil, clientParams, rand.Reader, cRunner, zap.NewNop())
	require.NoError(t, err)
	server, err := NewCryptoSetupServer(1, protocol.Version2, proofSource, serverParams, rand.Reader, sRunner, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, client.StartHandshake())
	err = server.HandleCryptoData(cRunner.take())
	require.ErrorIs(t, err, qerr.ErrVersionNegotiation)
}

func TestUnexpectedMessages(t *testing.T) {
	client, cRunner, server, _ := newTestHandshake(t, nil)
	require.NoError(t, client.StartHandshake())
	chlo := cRunner.take()

	// a client doesn't accept a client hello
	err := client.HandleCryptoData(chlo)
	require.ErrorIs(t, err, qerr.ErrProtocolViolation)

	// a server accepts only one
	require.NoError(t, server.HandleCryptoData(chlo))
	require.ErrorIs(t, server.HandleCryptoData(chlo), qerr.ErrProtocolViolation)
}

func TestSplitMessage(t *testing.T) {
	msg, err := appendMessage(nil, typeClientHello, &clientHello{Nonce: make([]byte, nonceLen)})
	require.NoError(t, err)
	msg = append(msg, 0x2)

	typ, body, rest, err := splitMessage(msg)
	require.NoError(t, err)
	require.Equal(t, typeClientHello, typ)
	require.NotEmpty(t, body)
	require.Equal(t, []byte{0x2}, rest)

	_, _, _, err = splitMessage(msg[:len(msg)-2])
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
