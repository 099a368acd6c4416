package pki

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/hdlt"
	"go.dedis.ch/onet/v3/log"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

var suiteNames = []string{Ed25519, Secp256k1}

func TestVerify(t *testing.T) {
	msg := []byte("hello")
	for _, name := range suiteNames {
		t.Run(name, func(t *testing.T) {
			s, err := NewSigner(name)
			require.NoError(t, err)
			sig, err := s.Sign(msg)
			require.NoError(t, err)

			require.True(t, Verify(s.Public(), msg, sig))
			require.False(t, Verify(s.Public(), []byte("hellO"), sig))

			bad := append([]byte{}, sig...)
			bad[0] ^= 1
			require.False(t, Verify(s.Public(), msg, bad))
			require.False(t, Verify(s.Public(), msg, sig[:10]))
			require.False(t, Verify(s.Public(), msg, nil))

			other, err := NewSigner(name)
			require.NoError(t, err)
			require.False(t, Verify(other.Public(), msg, sig))
		})
	}
}

func TestVerify_Malformed(t *testing.T) {
	s, err := NewSigner(Ed25519)
	require.NoError(t, err)
	sig, err := s.Sign([]byte("m"))
	require.NoError(t, err)

	require.False(t, Verify(PublicKey{Suite: "rsa", Data: s.Public().Data}, []byte("m"), sig))
	require.False(t, Verify(PublicKey{Suite: Ed25519, Data: []byte{1, 2, 3}}, []byte("m"), sig))
	require.False(t, Verify(PublicKey{Suite: Secp256k1, Data: s.Public().Data}, []byte("m"), sig))
	require.False(t, Verify(PublicKey{}, []byte("m"), sig))
}

func TestLoadSigner(t *testing.T) {
	for _, name := range suiteNames {
		s, err := NewSigner(name)
		require.NoError(t, err)
		s2, err := LoadSigner(name, s.Private())
		require.NoError(t, err)
		require.Equal(t, s.Public(), s2.Public())

		pk, err := ParsePublicKey(name, hex.EncodeToString(s.Public().Data))
		require.NoError(t, err)
		require.Equal(t, s.Public(), pk)
	}

	_, err := LoadSigner("rsa", "00")
	require.Error(t, err)
	_, err = ParsePublicKey(Ed25519, "zz")
	require.Error(t, err)
	_, err = ParsePublicKey(Secp256k1, "0102")
	require.Error(t, err)
}

func TestRegistry(t *testing.T) {
	alice, err := NewSigner(Ed25519)
	require.NoError(t, err)
	bob, err := NewSigner(Secp256k1)
	require.NoError(t, err)
	ha, err := NewSigner(Ed25519)
	require.NoError(t, err)

	r := NewRegistry(nil, nil).With(1, alice.Public()).With(2, bob.Public())
	msg := []byte("where")
	sigA, err := alice.Sign(msg)
	require.NoError(t, err)
	sigH, err := ha.Sign(msg)
	require.NoError(t, err)

	require.True(t, r.VerifyUser(1, msg, sigA))
	require.False(t, r.VerifyUser(2, msg, sigA))
	require.False(t, r.VerifyUser(3, msg, sigA))
	require.False(t, r.VerifyHA(msg, sigH))

	r2 := r.WithHA(ha.Public())
	require.True(t, r2.VerifyHA(msg, sigH))
	require.False(t, r.VerifyHA(msg, sigH))
	require.Equal(t, []hdlt.UserID{1, 2}, r2.Users())

	var buf bytes.Buffer
	require.NoError(t, r2.Write(&buf))
	log.Lvl3("registry:", buf.String())
	r3, err := ParseRegistry(buf.String())
	require.NoError(t, err)
	require.True(t, r3.VerifyUser(1, msg, sigA))
	require.True(t, r3.VerifyHA(msg, sigH))
	pk, ok := r3.User(2)
	require.True(t, ok)
	require.Equal(t, bob.Public(), pk)
}

func TestRegistry_Invalid(t *testing.T) {
	_, err := ParseRegistry(`
[[Users]]
  ID = 1
  Suite = "Ed25519"
  Public = "00"
`)
	require.Error(t, err)

	s, err := NewSigner(Ed25519)
	require.NoError(t, err)
	h := hex.EncodeToString(s.Public().Data)
	_, err = ParseRegistry(`
[[Users]]
  ID = 1
  Suite = "Ed25519"
  Public = "` + h + `"
[[Users]]
  ID = 1
  Suite = "Ed25519"
  Public = "` + h + `"
`)
	require.Error(t, err)
}
