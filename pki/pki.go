// Package pki verifies the signatures of the users and of the health
// authority. Keys are registered out of band and never change while the
// service is running.
//
// Two suites are supported: "Ed25519" with schnorr signatures from kyber, and
// "secp256k1" with ECDSA signatures over the Keccak-256 hash of the message,
// as produced by mobile wallets.
package pki

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"go.dedis.ch/hdlt"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"golang.org/x/xerrors"
)

// Names of the supported suites.
const (
	Ed25519   = "Ed25519"
	Secp256k1 = "secp256k1"
)

// VerifyFunc verifies the signature of a message given the marshalled public
// key.
type VerifyFunc func(pub, msg, sig []byte) error

var verifyRegister = map[string]VerifyFunc{
	Ed25519: func(pub, msg, sig []byte) error {
		p := hdlt.Suite.Point()
		if err := p.UnmarshalBinary(pub); err != nil {
			return err
		}
		return schnorr.Verify(hdlt.Suite, p, msg, sig)
	},
	Secp256k1: func(pub, msg, sig []byte) error {
		// crypto.Sign appends the recovery id, which is not needed here.
		if len(sig) == crypto.SignatureLength {
			sig = sig[:crypto.SignatureLength-1]
		}
		if !crypto.VerifySignature(pub, crypto.Keccak256(msg), sig) {
			return xerrors.New("invalid ecdsa signature")
		}
		return nil
	},
}

// PublicKey is the public key of a principal together with the suite it
// belongs to.
type PublicKey struct {
	Suite string
	Data  []byte
}

func (pk PublicKey) String() string {
	return fmt.Sprintf("%s:%x", pk.Suite, pk.Data)
}

// ParsePublicKey returns the key given its suite and hexadecimal encoding.
// The key is checked to be a valid point of the suite.
func ParsePublicKey(suite, h string) (PublicKey, error) {
	data, err := hex.DecodeString(h)
	if err != nil {
		return PublicKey{}, xerrors.Errorf("decoding key: %v", err)
	}
	switch suite {
	case Ed25519:
		if len(data) != hdlt.Suite.PointLen() {
			return PublicKey{}, xerrors.Errorf("invalid %s key: wrong length", suite)
		}
		if err := hdlt.Suite.Point().UnmarshalBinary(data); err != nil {
			return PublicKey{}, xerrors.Errorf("invalid %s key: %v", suite, err)
		}
	case Secp256k1:
		if _, err := decodeSecp256k1(data); err != nil {
			return PublicKey{}, xerrors.Errorf("invalid %s key: %v", suite, err)
		}
	default:
		return PublicKey{}, xerrors.Errorf("unknown suite %q", suite)
	}
	return PublicKey{Suite: suite, Data: data}, nil
}

func decodeSecp256k1(data []byte) (*ecdsa.PublicKey, error) {
	if len(data) == 33 {
		return crypto.DecompressPubkey(data)
	}
	return crypto.UnmarshalPubkey(data)
}

// Verify returns true if sig is a valid signature of msg under pub. Every
// failure, including a malformed key or signature and an unknown suite,
// returns false.
func Verify(pub PublicKey, msg, sig []byte) (ok bool) {
	f := verifyRegister[pub.Suite]
	if f == nil || len(pub.Data) == 0 || len(sig) == 0 {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return f(pub.Data, msg, sig) == nil
}
