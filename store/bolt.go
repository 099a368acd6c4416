package store

import (
	"bytes"
	"time"

	bbolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

// Bolt is a Store on top of a bbolt database, one bucket per table.
type Bolt struct {
	db      *bbolt.DB
	buckets map[Table][]byte
	owned   bool
}

// NewBolt uses the given buckets of db. Missing buckets are created. The
// database is not closed by Close, as it belongs to the caller.
func NewBolt(db *bbolt.DB, buckets map[Table][]byte) (*Bolt, error) {
	for _, t := range Tables {
		if buckets[t] == nil {
			return nil, xerrors.Errorf("no bucket for table %s", t)
		}
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return &Bolt{db: db, buckets: buckets}, nil
}

// OpenBolt opens or creates the database file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, unavailable(err)
	}
	buckets := make(map[Table][]byte)
	for _, t := range Tables {
		buckets[t] = []byte(t)
	}
	b, err := NewBolt(db, buckets)
	if err != nil {
		db.Close()
		return nil, err
	}
	b.owned = true
	return b, nil
}

// View runs fn in a read-only transaction.
func (b *Bolt) View(fn func(Tx) error) error {
	var fnErr error
	err := b.db.View(func(tx *bbolt.Tx) error {
		fnErr = fn(&boltTx{tx: tx, buckets: b.buckets})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	return unavailable(err)
}

// Update runs fn in a read-write transaction. bbolt only allows one writer
// at a time.
func (b *Bolt) Update(fn func(Tx) error) error {
	var fnErr error
	err := b.db.Update(func(tx *bbolt.Tx) error {
		fnErr = fn(&boltTx{tx: tx, buckets: b.buckets})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	return unavailable(err)
}

// Close closes the database if it was opened by OpenBolt.
func (b *Bolt) Close() error {
	if !b.owned {
		return nil
	}
	return unavailable(b.db.Close())
}

type boltTx struct {
	tx      *bbolt.Tx
	buckets map[Table][]byte
}

func (t *boltTx) bucket(table Table) (*bbolt.Bucket, error) {
	b := t.tx.Bucket(t.buckets[table])
	if b == nil {
		return nil, unavailable(xerrors.Errorf("missing bucket for %s", table))
	}
	return b, nil
}

func (t *boltTx) Get(table Table, key []byte) ([]byte, error) {
	b, err := t.bucket(table)
	if err != nil {
		return nil, err
	}
	v := b.Get(key)
	if v == nil {
		return nil, nil
	}
	return append([]byte{}, v...), nil
}

func (t *boltTx) Put(table Table, key, value []byte) error {
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	return unavailable(b.Put(key, value))
}

func (t *boltTx) Delete(table Table, key []byte) error {
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	return unavailable(b.Delete(key))
}

func (t *boltTx) ForEach(table Table, prefix []byte, fn func(k, v []byte) error) error {
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(append([]byte{}, k...), append([]byte{}, v...)); err != nil {
			return err
		}
	}
	return nil
}
