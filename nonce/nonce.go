// Package nonce hands out single-use tokens and makes sure each of them is
// consumed at most once. It is the only guard against replayed proofs and
// replayed health-authority queries.
package nonce

import (
	"go.dedis.ch/hdlt"
	"go.dedis.ch/hdlt/store"
	"go.dedis.ch/kyber/v3/util/random"
	"go.dedis.ch/onet/v3/network"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

// ErrReplay is returned for a nonce that was already consumed, was never
// issued, or was issued for another channel or user.
var ErrReplay = xerrors.New("replayed nonce")

// Channel is a namespace of nonces.
type Channel int32

const (
	// User is the channel of the requests and proofs of the users.
	User Channel = iota + 1
	// HealthAuthority is the channel of the health-authority queries.
	HealthAuthority
)

func (c Channel) String() string {
	switch c {
	case User:
		return "user"
	case HealthAuthority:
		return "ha"
	default:
		return "unknown"
	}
}

func init() {
	network.RegisterMessages(&record{})
}

// record is stored in store.Issued for every nonce handed out. Consumed
// nonces keep their record, while the Nonces and HANonces tables are the
// consumed sets of each channel. Epoch is the epoch the nonce was issued in.
type record struct {
	Channel  int32
	User     int64
	Consumed bool
	Epoch    int64
}

// Epochs gives the current epoch.
type Epochs interface {
	Current() hdlt.Epoch
}

// Guard issues and consumes nonces.
type Guard struct {
	store  store.Store
	epochs Epochs
}

// NewGuard returns a guard keeping its state in s. Nonces are stamped with
// the current epoch of ep, or with epoch 0 if ep is nil.
func NewGuard(s store.Store, ep Epochs) *Guard {
	return &Guard{store: s, epochs: ep}
}

// Issue returns a fresh nonce bound to the channel and the user. For the
// health-authority channel the user is not checked on consumption.
func (g *Guard) Issue(ch Channel, user hdlt.UserID) (hdlt.Nonce, error) {
	if ch != User && ch != HealthAuthority {
		return nil, xerrors.Errorf("unknown channel %d", ch)
	}
	n := hdlt.Nonce(random.Bits(hdlt.NonceLength*8, true, random.New()))
	r := &record{Channel: int32(ch), User: int64(user)}
	if g.epochs != nil {
		r.Epoch = int64(g.epochs.Current())
	}
	buf, err := protobuf.Encode(r)
	if err != nil {
		return nil, xerrors.Errorf("encoding nonce: %v", err)
	}
	err = g.store.Update(func(tx store.Tx) error {
		return tx.Put(store.Issued, n, buf)
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Check returns nil if the nonce can still be consumed by user on channel
// ch. It doesn't change anything, so a later Consume can still fail if
// somebody else consumed the nonce in between.
func (g *Guard) Check(ch Channel, n hdlt.Nonce, user hdlt.UserID) error {
	return g.store.View(func(tx store.Tx) error {
		_, err := fresh(tx, ch, n, &user)
		return err
	})
}

// Consume atomically checks the nonce and marks it as used.
func (g *Guard) Consume(ch Channel, n hdlt.Nonce) error {
	return g.store.Update(func(tx store.Tx) error {
		return consume(tx, ch, n, nil)
	})
}

// Prune removes the nonces issued before the given epoch that were never
// consumed. Using one of them afterwards fails with ErrReplay. It returns the
// number of removed nonces.
func (g *Guard) Prune(before hdlt.Epoch) (int, error) {
	var stale [][]byte
	err := g.store.Update(func(tx store.Tx) error {
		stale = nil
		err := tx.ForEach(store.Issued, nil, func(k, v []byte) error {
			r := &record{}
			if err := protobuf.Decode(v, r); err != nil {
				return xerrors.Errorf("corrupted record %v: %w", err, store.ErrUnavailable)
			}
			if !r.Consumed && r.Epoch < int64(before) {
				stale = append(stale, k)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := tx.Delete(store.Issued, k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

// ConsumeTx is like Consume, but uses the given transaction, so that the
// consumption only happens if the rest of the transaction commits. The nonce
// must have been issued to user.
func ConsumeTx(tx store.Tx, ch Channel, n hdlt.Nonce, user hdlt.UserID) error {
	return consume(tx, ch, n, &user)
}

func fresh(tx store.Tx, ch Channel, n hdlt.Nonce, user *hdlt.UserID) (*record, error) {
	if len(n) != hdlt.NonceLength {
		return nil, xerrors.Errorf("wrong length: %w", ErrReplay)
	}
	buf, err := tx.Get(store.Issued, n)
	if err != nil {
		return nil, err
	}
	if buf == nil {
		return nil, xerrors.Errorf("unknown nonce: %w", ErrReplay)
	}
	r := &record{}
	if err := protobuf.Decode(buf, r); err != nil {
		return nil, xerrors.Errorf("corrupted record %v: %w", err, store.ErrUnavailable)
	}
	switch {
	case r.Consumed:
		return nil, xerrors.Errorf("already consumed: %w", ErrReplay)
	case Channel(r.Channel) != ch:
		return nil, xerrors.Errorf("issued for channel %s: %w", Channel(r.Channel), ErrReplay)
	case ch == User && user != nil && hdlt.UserID(r.User) != *user:
		return nil, xerrors.Errorf("issued to another user: %w", ErrReplay)
	}
	return r, nil
}

func consume(tx store.Tx, ch Channel, n hdlt.Nonce, user *hdlt.UserID) error {
	r, err := fresh(tx, ch, n, user)
	if err != nil {
		return err
	}
	r.Consumed = true
	buf, err := protobuf.Encode(r)
	if err != nil {
		return xerrors.Errorf("encoding nonce: %v", err)
	}
	if err := tx.Put(store.Issued, n, buf); err != nil {
		return err
	}
	if ch == HealthAuthority {
		return tx.Put(store.HANonces, n, []byte{1})
	}
	return tx.Put(store.Nonces, store.Join(store.Key(r.User), n), []byte{1})
}
