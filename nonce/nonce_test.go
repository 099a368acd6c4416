package nonce

import (
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

// now is a settable current epoch.
type now struct {
	sync.Mutex
	e hdlt.Epoch
}

func (n *now) Current() hdlt.Epoch {
	n.Lock()
	defer n.Unlock()
	return n.e
}

func (n *now) set(e hdlt.Epoch) {
	n.Lock()
	n.e = e
	n.Unlock()
}

func newGuard(t *testing.T) *Guard {
	s, err := store.OpenBadgerInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewGuard(s, nil)
}

func TestGuard_IssueConsume(t *testing.T) {
	g := newGuard(t)
	n, err := g.Issue(User, 1)
	require.NoError(t, err)
	require.Len(t, n, hdlt.NonceLength)

	n2, err := g.Issue(User, 1)
	require.NoError(t, err)
	require.NotEqual(t, n, n2)

	require.NoError(t, g.Check(User, n, 1))
	require.NoError(t, g.Consume(User, n))

	err = g.Consume(User, n)
	require.True(t, xerrors.Is(err, ErrReplay))
	require.Equal(t, "already consumed: replayed nonce", err.Error())
	err = g.Check(User, n, 1)
	require.True(t, xerrors.Is(err, ErrReplay))

	// The second nonce is independent of the first one.
	require.NoError(t, g.Consume(User, n2))
}

func TestGuard_Unknown(t *testing.T) {
	g := newGuard(t)
	n := make(hdlt.Nonce, hdlt.NonceLength)
	require.True(t, xerrors.Is(g.Check(User, n, 1), ErrReplay))
	require.True(t, xerrors.Is(g.Consume(User, n), ErrReplay))
	require.True(t, xerrors.Is(g.Consume(User, hdlt.Nonce{1, 2}), ErrReplay))
}

func TestGuard_Channels(t *testing.T) {
	g := newGuard(t)
	n, err := g.Issue(HealthAuthority, 0)
	require.NoError(t, err)
	require.True(t, xerrors.Is(g.Consume(User, n), ErrReplay))
	require.NoError(t, g.Consume(HealthAuthority, n))
	require.True(t, xerrors.Is(g.Consume(HealthAuthority, n), ErrReplay))

	_, err = g.Issue(Channel(42), 0)
	require.Error(t, err)
}

func TestGuard_Owner(t *testing.T) {
	g := newGuard(t)
	n, err := g.Issue(User, 1)
	require.NoError(t, err)
	require.True(t, xerrors.Is(g.Check(User, n, 2), ErrReplay))

	err = g.store.Update(func(tx store.Tx) error {
		return ConsumeTx(tx, User, n, 2)
	})
	require.True(t, xerrors.Is(err, ErrReplay))

	require.NoError(t, g.store.Update(func(tx store.Tx) error {
		return ConsumeTx(tx, User, n, 1)
	}))
	require.NoError(t, g.store.View(func(tx store.Tx) error {
		v, err := tx.Get(store.Nonces, store.Join(store.Key(1), n))
		require.NoError(t, err)
		require.NotNil(t, v)
		return nil
	}))
}

func TestGuard_AbortedConsume(t *testing.T) {
	g := newGuard(t)
	n, err := g.Issue(User, 1)
	require.NoError(t, err)

	abort := xerrors.New("abort")
	err = g.store.Update(func(tx store.Tx) error {
		if err := ConsumeTx(tx, User, n, 1); err != nil {
			return err
		}
		return abort
	})
	require.Equal(t, abort, err)
	require.NoError(t, g.Consume(User, n))
}

func TestGuard_Concurrent(t *testing.T) {
	g := newGuard(t)
	n, err := g.Issue(User, 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Consume(User, n)
			if err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			} else if !xerrors.Is(err, ErrReplay) {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, won)
}

func TestGuard_Prune(t *testing.T) {
	s, err := store.OpenBolt(t.TempDir() + "/nonces.db")
	require.NoError(t, err)
	defer s.Close()
	clk := &now{}
	g := NewGuard(s, clk)

	used, err := g.Issue(User, 1)
	require.NoError(t, err)
	require.NoError(t, g.Consume(User, used))
	old, err := g.Issue(User, 1)
	require.NoError(t, err)
	oldHA, err := g.Issue(HealthAuthority, 0)
	require.NoError(t, err)
	clk.set(3)
	recent, err := g.Issue(User, 2)
	require.NoError(t, err)

	n, err := g.Prune(3)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.True(t, xerrors.Is(g.Check(User, old, 1), ErrReplay))
	require.True(t, xerrors.Is(g.Consume(HealthAuthority, oldHA), ErrReplay))
	require.True(t, xerrors.Is(g.Consume(User, used), ErrReplay))
	require.NoError(t, g.Consume(User, recent))

	n, err = g.Prune(3)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
