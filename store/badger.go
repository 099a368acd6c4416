package store

import (
	badger "github.com/dgraph-io/badger/v4"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// conflictRetries is how often an Update is replayed when badger detects a
// conflicting concurrent transaction.
const conflictRetries = 16

// Badger is a Store on top of a badger database. Tables are key prefixes.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens or creates the badger database in the directory path.
func OpenBadger(path string) (*Badger, error) {
	return openBadger(badger.DefaultOptions(path))
}

// OpenBadgerInMemory creates a badger database that lives only in memory.
func OpenBadgerInMemory() (*Badger, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true))
}

func openBadger(opts badger.Options) (*Badger, error) {
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, unavailable(err)
	}
	return &Badger{db: db}, nil
}

// View runs fn in a read-only transaction.
func (b *Badger) View(fn func(Tx) error) error {
	var fnErr error
	err := b.db.View(func(txn *badger.Txn) error {
		fnErr = fn(&badgerTx{txn: txn})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	return unavailable(err)
}

// Update runs fn in a read-write transaction. Badger transactions are
// optimistic: if another transaction wrote a key this one read, the commit
// fails and fn is run again on the new state.
func (b *Badger) Update(fn func(Tx) error) error {
	for i := 0; i < conflictRetries; i++ {
		var fnErr error
		err := b.db.Update(func(txn *badger.Txn) error {
			fnErr = fn(&badgerTx{txn: txn})
			return fnErr
		})
		if fnErr != nil {
			return fnErr
		}
		if xerrors.Is(err, badger.ErrConflict) {
			log.Lvl3("badger conflict, retrying transaction")
			continue
		}
		return unavailable(err)
	}
	return unavailable(badger.ErrConflict)
}

// Close closes the database.
func (b *Badger) Close() error {
	return unavailable(b.db.Close())
}

type badgerTx struct {
	txn *badger.Txn
}

func tableKey(t Table, key []byte) []byte {
	return Join([]byte(t), []byte{0}, key)
}

func (t *badgerTx) Get(table Table, key []byte) ([]byte, error) {
	item, err := t.txn.Get(tableKey(table, key))
	if xerrors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	v, err := item.ValueCopy(nil)
	return v, unavailable(err)
}

func (t *badgerTx) Put(table Table, key, value []byte) error {
	return unavailable(t.txn.Set(tableKey(table, key), value))
}

func (t *badgerTx) Delete(table Table, key []byte) error {
	return unavailable(t.txn.Delete(tableKey(table, key)))
}

func (t *badgerTx) ForEach(table Table, prefix []byte, fn func(k, v []byte) error) error {
	tp := tableKey(table, nil)
	p := tableKey(table, prefix)
	it := t.txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		item := it.Item()
		v, err := item.ValueCopy(nil)
		if err != nil {
			return unavailable(err)
		}
		if err := fn(item.KeyCopy(nil)[len(tp):], v); err != nil {
			return err
		}
	}
	return nil
}
