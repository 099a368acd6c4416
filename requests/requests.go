// Package requests keeps the append-only log of the requests of every user
// and rejects users that send too many of them.
package requests

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.dedis.ch/hdlt"
	"go.dedis.ch/hdlt/store"
	"golang.org/x/xerrors"
)

// ErrTooManyRequests is returned if a user sent more requests in the last
// second than allowed.
var ErrTooManyRequests = xerrors.New("too many requests")

// Log records the requests in store.UserRequests, keyed by
// user|second|nanosecond|sequence.
type Log struct {
	store store.Store
	clock clock.Clock
	max   int
	seq   int64
}

// New returns a log allowing max requests per user and second. A max of 0
// disables the limit.
func New(s store.Store, clk clock.Clock, max int) *Log {
	return &Log{store: s, clock: clk, max: max}
}

// Record appends a request of the user, unless the user already reached the
// limit.
func (l *Log) Record(u hdlt.UserID) error {
	now := l.clock.Now()
	seq := atomic.AddInt64(&l.seq, 1)
	return l.store.Update(func(tx store.Tx) error {
		if l.max > 0 {
			n, err := count(tx, u, now.Add(-time.Second), now)
			if err != nil {
				return err
			}
			if n >= l.max {
				return xerrors.Errorf("user %d: %w", u, ErrTooManyRequests)
			}
		}
		k := store.Key(int64(u), now.Unix(), int64(now.Nanosecond()), seq)
		return tx.Put(store.UserRequests, k, store.Key(now.UnixNano()))
	})
}

// Since returns the requests of the user from the given time on.
func (l *Log) Since(u hdlt.UserID, from time.Time) ([]hdlt.UserRequest, error) {
	var reqs []hdlt.UserRequest
	err := l.store.View(func(tx store.Tx) error {
		return tx.ForEach(store.UserRequests, store.Key(int64(u)), func(_, v []byte) error {
			ts := store.Int64At(v, 0)
			if ts >= from.UnixNano() {
				reqs = append(reqs, hdlt.UserRequest{User: u, Timestamp: ts})
			}
			return nil
		})
	})
	return reqs, err
}

// count returns the requests in (from, to]. Only the seconds of both ends
// are scanned.
func count(tx store.Tx, u hdlt.UserID, from, to time.Time) (int, error) {
	n := 0
	for sec := from.Unix(); sec <= to.Unix(); sec++ {
		err := tx.ForEach(store.UserRequests, store.Key(int64(u), sec), func(_, v []byte) error {
			ts := store.Int64At(v, 0)
			if ts > from.UnixNano() && ts <= to.UnixNano() {
				n++
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return n, nil
}
