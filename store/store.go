// Package store is the transactional key/value storage of the location
// service. Every logical table of the service is a bucket (bbolt) or a key
// prefix (badger) of one database.
//
// Errors returned by the functions passed to View and Update are handed back
// unchanged, so they can be used to abort a transaction. Every failure of
// the database itself is reported as ErrUnavailable.
package store

import (
	"encoding/binary"

	"go.dedis.ch/hdlt"
	"golang.org/x/xerrors"
)

// ErrUnavailable is returned when the underlying database failed. The
// operation had no effect and can be retried later.
var ErrUnavailable = xerrors.New("storage unavailable")

// Table is the name of a logical table.
type Table string

// The tables of the location service.
const (
	// Reports holds one row per certified report, keyed by epoch|user.
	Reports Table = "reports"
	// Proofs holds the admitted witness proofs, keyed by epoch|prover|witness.
	Proofs Table = "proofs"
	// Nonces holds the consumed user nonces, keyed by user|nonce.
	Nonces Table = "nonces"
	// HANonces holds the consumed health-authority nonces, keyed by nonce.
	HANonces Table = "ha_nonces"
	// UserRequests is the append-only log of user requests, keyed by
	// user|timestamp|sequence.
	UserRequests Table = "user_requests"
	// Issued holds the nonces that were handed out, keyed by nonce. Unused
	// nonces are removed once their epoch left the window.
	Issued Table = "issued"
	// Meta holds the state of the service, like the current epoch.
	Meta Table = "meta"
)

// Tables lists all tables a backend has to provide.
var Tables = []Table{Reports, Proofs, Nonces, HANonces, UserRequests, Issued, Meta}

// Store gives transactional access to the tables. Update transactions are
// serialisable, so a Get followed by a Put inside one Update is an atomic
// check-and-set.
type Store interface {
	View(fn func(Tx) error) error
	Update(fn func(Tx) error) error
	Close() error
}

// Tx is a transaction on the store. The slices it returns are copies and
// stay valid after the transaction ended.
type Tx interface {
	// Get returns nil if the key is not present.
	Get(t Table, key []byte) ([]byte, error)
	Put(t Table, key, value []byte) error
	Delete(t Table, key []byte) error
	// ForEach calls fn for every key starting with prefix, in key order.
	ForEach(t Table, prefix []byte, fn func(k, v []byte) error) error
}

// Key concatenates the fixed-width big-endian encodings of the given
// values, so that keys sort like the tuples they encode.
func Key(vals ...int64) []byte {
	k := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint64(k[8*i:], uint64(v))
	}
	return k
}

// Join appends the parts to a new key.
func Join(parts ...[]byte) []byte {
	var k []byte
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

// Int64At decodes the i-th value of a key created by Key.
func Int64At(key []byte, i int) int64 {
	if len(key) < 8*(i+1) {
		return 0
	}
	return int64(binary.BigEndian.Uint64(key[8*i:]))
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return hdlt.AnnotateSkip("store", xerrors.Errorf("%v: %w", err, ErrUnavailable), 2)
}
