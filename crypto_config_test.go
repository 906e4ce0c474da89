package quicmux

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProofSourceChain(t *testing.T) {
	cert := newTestCert(t)
	ps := NewProofSource(cert.key)
	_, err := ps.CertChain()
	require.ErrorIs(t, err, errChainNotBuilt)
	require.Error(t, ps.BuildCertChain())
	require.Error(t, ps.AddCert(nil))

	require.NoError(t, ps.AddCert(cert.der))
	require.NoError(t, ps.BuildCertChain())
	chain, err := ps.CertChain()
	require.NoError(t, err)
	require.Equal(t, [][]byte{cert.der}, chain)

	require.ErrorIs(t, ps.AddCert(cert.der), errChainBuilt)
	require.ErrorIs(t, ps.BuildCertChain(), errChainBuilt)
}

func TestServerCryptoConfigNeedsChain(t *testing.T) {
	_, err := NewServerCryptoConfig(nil, nil, nil)
	require.Error(t, err)
	_, err = NewServerCryptoConfig(NewProofSource(newTestCert(t).key), nil, nil)
	require.ErrorIs(t, err, errChainNotBuilt)
}

func TestX509VerifierAcceptsProof(t *testing.T) {
	cert := newTestCert(t)
	cc := cert.serverCryptoConfig(t, nil)
	chain, err := cc.CertChain()
	require.NoError(t, err)
	data := []byte("handshake transcript")
	sig, err := cc.SignProof(data)
	require.NoError(t, err)

	verify := NewX509ProofVerifier(cert.roots, false)
	require.NoError(t, verify("localhost", chain, data, sig))
	require.Error(t, verify("localhost", chain, []byte("other transcript"), sig))
	require.Error(t, verify("localhost", nil, data, sig))
	require.Error(t, verify("localhost", [][]byte{{1, 2, 3}}, data, sig))
	// the system pool doesn't know the test CA
	require.Error(t, NewX509ProofVerifier(nil, false)("localhost", chain, data, sig))
	require.NoError(t, NewX509ProofVerifier(nil, true)("localhost", chain, data, sig))
}

func TestProofSourceEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ps := NewProofSource(priv)
	data := []byte("handshake transcript")
	sig, err := ps.Sign(data)
	require.NoError(t, err)
	require.True(t, ed25519.Verify(pub, data, sig))
}

func TestEphemeralKeyRotation(t *testing.T) {
	clock := newManualClock()
	src := NewEphemeralKeySource(nil, clock)
	k1, err := src.current()
	require.NoError(t, err)
	require.Len(t, k1.PublicKey(), 32)

	clock.Advance(EphemeralKeyLifetime - time.Second)
	k2, err := src.current()
	require.NoError(t, err)
	require.Equal(t, k1.PublicKey(), k2.PublicKey())

	clock.Advance(time.Second)
	k3, err := src.current()
	require.NoError(t, err)
	require.NotEqual(t, k1.PublicKey(), k3.PublicKey())
}

func TestRotateConfigID(t *testing.T) {
	cc := newTestCert(t).serverCryptoConfig(t, nil)
	id := cc.ConfigID()
	require.Len(t, id, configIDLen)
	require.NoError(t, cc.RotateConfigID())
	require.Len(t, cc.ConfigID(), configIDLen)
	require.NotEqual(t, id, cc.ConfigID())
}
