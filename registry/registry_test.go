package registry

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/hdlt"
	"go.dedis.ch/hdlt/store"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

func newRegistry(t *testing.T) (*Registry, store.Store) {
	s, err := store.OpenBolt(filepath.Join(t.TempDir(), "reports.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	r, err := New(s, 2)
	require.NoError(t, err)
	return r, s
}

func TestRegistry_Certify(t *testing.T) {
	r, _ := newRegistry(t)
	rep := hdlt.LocationReport{User: 1, Epoch: 3, Location: hdlt.Location{X: 2, Y: 2}}

	cr, err := r.Lookup(1, 3)
	require.NoError(t, err)
	require.Nil(t, cr)
	ws, err := r.CoLocated(1, 3)
	require.NoError(t, err)
	require.Empty(t, ws)

	require.NoError(t, r.Certify(rep, []hdlt.UserID{4, 2, 3}))
	cr, err = r.Lookup(1, 3)
	require.NoError(t, err)
	require.Equal(t, rep, cr.Report)
	ws, err = r.CoLocated(1, 3)
	require.NoError(t, err)
	require.Equal(t, []hdlt.UserID{2, 3, 4}, ws)

	// The first certification stays.
	other := rep
	other.Location.X = 9
	err = r.Certify(other, []hdlt.UserID{5})
	require.True(t, xerrors.Is(err, ErrAlreadyCertified))
	cr, err = r.Lookup(1, 3)
	require.NoError(t, err)
	require.Equal(t, rep, cr.Report)

	// The registry doesn't depend on its cache.
	r.cache.Purge()
	cr, err = r.Lookup(1, 3)
	require.NoError(t, err)
	require.Equal(t, rep, cr.Report)
	require.Equal(t, []hdlt.UserID{2, 3, 4}, cr.Witnesses)
}

func TestRegistry_Concurrent(t *testing.T) {
	r, _ := newRegistry(t)
	rep := hdlt.LocationReport{User: 1, Epoch: 0}
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.Certify(rep, []hdlt.UserID{2, 3, 4})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else if !xerrors.Is(err, ErrAlreadyCertified) {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, ok)
}

func TestRegistry_UsersAt(t *testing.T) {
	r, _ := newRegistry(t)
	a := hdlt.Location{X: 1, Y: 1}
	b := hdlt.Location{X: 5, Y: 1}
	require.NoError(t, r.Certify(hdlt.LocationReport{User: 3, Epoch: 1, Location: a}, nil))
	require.NoError(t, r.Certify(hdlt.LocationReport{User: 1, Epoch: 1, Location: a}, nil))
	require.NoError(t, r.Certify(hdlt.LocationReport{User: 2, Epoch: 1, Location: b}, nil))
	require.NoError(t, r.Certify(hdlt.LocationReport{User: 4, Epoch: 2, Location: a}, nil))

	users, err := r.UsersAt(1, a)
	require.NoError(t, err)
	require.Equal(t, []hdlt.UserID{1, 3}, users)
	users, err = r.UsersAt(3, a)
	require.NoError(t, err)
	require.Empty(t, users)

	reports, err := r.Epoch(1)
	require.NoError(t, err)
	require.Len(t, reports, 3)
}

func TestRegistry_Unavailable(t *testing.T) {
	r, s := newRegistry(t)
	require.NoError(t, s.Close())
	err := r.Certify(hdlt.LocationReport{User: 1}, nil)
	require.True(t, xerrors.Is(err, store.ErrUnavailable))
	_, err = r.Lookup(1, 0)
	require.True(t, xerrors.Is(err, store.ErrUnavailable))
}
