package pki

import (
	"crypto/ecdsa"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/crypto"
	"go.dedis.ch/hdlt"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/util/encoding"
	"go.dedis.ch/kyber/v3/util/key"
	"golang.org/x/xerrors"
)

// Signer holds a private key and signs messages with it.
type Signer interface {
	Public() PublicKey
	Sign(msg []byte) ([]byte, error)
	// Private returns the hexadecimal encoding of the private key.
	Private() string
}

// NewSigner creates a new random key pair of the given suite.
func NewSigner(suite string) (Signer, error) {
	switch suite {
	case Ed25519:
		return NewEd25519Signer(key.NewKeyPair(hdlt.Suite).Private), nil
	case Secp256k1:
		priv, err := crypto.GenerateKey()
		if err != nil {
			return nil, xerrors.Errorf("generating key: %v", err)
		}
		return NewSecp256k1Signer(priv), nil
	}
	return nil, xerrors.Errorf("unknown suite %q", suite)
}

// LoadSigner returns the signer of the hexadecimal private key.
func LoadSigner(suite, private string) (Signer, error) {
	switch suite {
	case Ed25519:
		s, err := encoding.StringHexToScalar(hdlt.Suite, private)
		if err != nil {
			return nil, xerrors.Errorf("decoding private key: %v", err)
		}
		return NewEd25519Signer(s), nil
	case Secp256k1:
		priv, err := crypto.HexToECDSA(private)
		if err != nil {
			return nil, xerrors.Errorf("decoding private key: %v", err)
		}
		return NewSecp256k1Signer(priv), nil
	}
	return nil, xerrors.Errorf("unknown suite %q", suite)
}

// Ed25519Signer signs with schnorr on Ed25519.
type Ed25519Signer struct {
	priv kyber.Scalar
	pub  kyber.Point
}

// NewEd25519Signer returns the signer of the private scalar.
func NewEd25519Signer(priv kyber.Scalar) *Ed25519Signer {
	return &Ed25519Signer{
		priv: priv,
		pub:  hdlt.Suite.Point().Mul(priv, nil),
	}
}

// Public implements Signer.
func (s *Ed25519Signer) Public() PublicKey {
	buf, err := s.pub.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return PublicKey{Suite: Ed25519, Data: buf}
}

// Sign implements Signer.
func (s *Ed25519Signer) Sign(msg []byte) ([]byte, error) {
	return schnorr.Sign(hdlt.Suite, s.priv, msg)
}

// Private implements Signer.
func (s *Ed25519Signer) Private() string {
	h, err := encoding.ScalarToStringHex(hdlt.Suite, s.priv)
	if err != nil {
		panic(err)
	}
	return h
}

// Secp256k1Signer signs with ECDSA on secp256k1.
type Secp256k1Signer struct {
	priv *ecdsa.PrivateKey
}

// NewSecp256k1Signer returns the signer of the private key.
func NewSecp256k1Signer(priv *ecdsa.PrivateKey) *Secp256k1Signer {
	return &Secp256k1Signer{priv: priv}
}

// Public implements Signer. The key is in compressed form.
func (s *Secp256k1Signer) Public() PublicKey {
	return PublicKey{Suite: Secp256k1, Data: crypto.CompressPubkey(&s.priv.PublicKey)}
}

// Sign implements Signer.
func (s *Secp256k1Signer) Sign(msg []byte) ([]byte, error) {
	return crypto.Sign(crypto.Keccak256(msg), s.priv)
}

// Private implements Signer.
func (s *Secp256k1Signer) Private() string {
	return hex.EncodeToString(crypto.FromECDSA(s.priv))
}
