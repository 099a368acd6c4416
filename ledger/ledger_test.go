package ledger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/hdlt"
	"go.dedis.ch/hdlt/epoch"
	"go.dedis.ch/hdlt/nonce"
	"go.dedis.ch/hdlt/pki"
	"go.dedis.ch/hdlt/quorum"
	"go.dedis.ch/hdlt/store"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

// failing makes every Update fail while broken is set, and every View
// while unreadable is set.
type failing struct {
	store.Store
	sync.Mutex
	broken     bool
	unreadable bool
}

func (f *failing) View(fn func(store.Tx) error) error {
	f.Lock()
	unreadable := f.unreadable
	f.Unlock()
	if unreadable {
		return xerrors.Errorf("disk unreadable: %w", store.ErrUnavailable)
	}
	return f.Store.View(fn)
}

func (f *failing) Update(fn func(store.Tx) error) error {
	f.Lock()
	broken := f.broken
	f.Unlock()
	if broken {
		return xerrors.Errorf("disk on fire: %w", store.ErrUnavailable)
	}
	return f.Store.Update(fn)
}

func (f *failing) setBroken(b bool) {
	f.Lock()
	f.broken = b
	f.Unlock()
}

func (f *failing) setUnreadable(b bool) {
	f.Lock()
	f.unreadable = b
	f.Unlock()
}

type ledgerTest struct {
	t       *testing.T
	store   *failing
	guard   *nonce.Guard
	clock   *epoch.Clock
	signers map[hdlt.UserID]pki.Signer
	ledger  *Ledger
}

func newLedgerTest(t *testing.T, users int) *ledgerTest {
	s, err := store.OpenBadgerInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	lt := &ledgerTest{
		t:       t,
		store:   &failing{Store: s},
		signers: make(map[hdlt.UserID]pki.Signer),
	}
	lt.guard = nonce.NewGuard(lt.store, nil)
	lt.clock, err = epoch.NewClock(0, 2)
	require.NoError(t, err)
	reg := pki.NewRegistry(nil, nil)
	for i := 1; i <= users; i++ {
		suite := pki.Ed25519
		if i%2 == 0 {
			suite = pki.Secp256k1
		}
		sig, err := pki.NewSigner(suite)
		require.NoError(t, err)
		lt.signers[hdlt.UserID(i)] = sig
		reg = reg.With(hdlt.UserID(i), sig.Public())
	}
	lt.ledger = New(lt.store, lt.guard, reg, lt.clock)
	return lt
}

// proof returns a proof of witness for prover signed with a fresh nonce.
func (lt *ledgerTest) proof(prover, witness hdlt.UserID, e hdlt.Epoch, l hdlt.Location) hdlt.Proof {
	n, err := lt.guard.Issue(nonce.User, witness)
	require.NoError(lt.t, err)
	p := hdlt.Proof{Prover: prover, Witness: witness, Epoch: e, Location: l, Nonce: n}
	p.Signature, err = lt.signers[witness].Sign(p.Message())
	require.NoError(lt.t, err)
	return p
}

func (lt *ledgerTest) tally(prover hdlt.UserID, e hdlt.Epoch) quorum.Tally {
	tl, err := lt.ledger.Tally(prover, e)
	require.NoError(lt.t, err)
	return tl
}

var here = hdlt.Location{X: 1, Y: 1}

func TestLedger_SubmitDuplicate(t *testing.T) {
	lt := newLedgerTest(t, 3)
	p := lt.proof(1, 2, 0, here)

	a, err := lt.ledger.Submit(p)
	require.NoError(t, err)
	require.Equal(t, Admitted, a)
	require.Equal(t, 1, lt.tally(1, 0).Count)

	a, err = lt.ledger.Submit(p)
	require.NoError(t, err)
	require.Equal(t, Duplicate, a)
	require.Equal(t, 1, lt.tally(1, 0).Count)

	// Same witness with a new nonce doesn't count twice.
	a, err = lt.ledger.Submit(lt.proof(1, 2, 0, here))
	require.NoError(t, err)
	require.Equal(t, Duplicate, a)
	require.Equal(t, 1, lt.tally(1, 0).Count)

	a, err = lt.ledger.Submit(lt.proof(1, 3, 0, here))
	require.NoError(t, err)
	require.Equal(t, Admitted, a)
	require.Equal(t, 2, lt.tally(1, 0).Count)
	ws, err := lt.ledger.Witnesses(1, 0)
	require.NoError(t, err)
	require.Equal(t, []hdlt.UserID{2, 3}, ws)
}

func TestLedger_Replay(t *testing.T) {
	lt := newLedgerTest(t, 3)
	p := lt.proof(1, 2, 0, here)
	_, err := lt.ledger.Submit(p)
	require.NoError(t, err)

	// Consumed nonce for another prover, with a valid signature.
	p2 := hdlt.Proof{Prover: 3, Witness: 2, Epoch: 0, Location: here, Nonce: p.Nonce}
	p2.Signature, err = lt.signers[2].Sign(p2.Message())
	require.NoError(t, err)
	_, err = lt.ledger.Submit(p2)
	require.True(t, xerrors.Is(err, ErrReplay))

	// And with an invalid signature.
	p2.Signature = []byte("nope")
	_, err = lt.ledger.Submit(p2)
	require.True(t, xerrors.Is(err, ErrReplay))

	// A nonce issued to another user is not accepted either.
	n, err := lt.guard.Issue(nonce.User, 3)
	require.NoError(t, err)
	p3 := hdlt.Proof{Prover: 1, Witness: 2, Epoch: 1, Location: here, Nonce: n}
	p3.Signature, err = lt.signers[2].Sign(p3.Message())
	require.NoError(t, err)
	lt.clock.Advance()
	_, err = lt.ledger.Submit(p3)
	require.True(t, xerrors.Is(err, ErrReplay))
}

func TestLedger_BadSignature(t *testing.T) {
	lt := newLedgerTest(t, 3)
	p := lt.proof(1, 2, 0, here)
	p.Location.X++
	_, err := lt.ledger.Submit(p)
	require.True(t, xerrors.Is(err, ErrBadSignature))

	// Signed by someone else.
	p = lt.proof(1, 2, 0, here)
	p.Signature, err = lt.signers[3].Sign(p.Message())
	require.NoError(t, err)
	_, err = lt.ledger.Submit(p)
	require.True(t, xerrors.Is(err, ErrBadSignature))

	// Unknown witness.
	p = lt.proof(1, 2, 0, here)
	p.Witness = 42
	_, err = lt.ledger.Submit(p)
	require.Error(t, err)

	// The nonce of a rejected proof is still usable.
	p = lt.proof(1, 2, 0, here)
	sig := p.Signature
	p.Signature = []byte{1}
	_, err = lt.ledger.Submit(p)
	require.True(t, xerrors.Is(err, ErrBadSignature))
	p.Signature = sig
	a, err := lt.ledger.Submit(p)
	require.NoError(t, err)
	require.Equal(t, Admitted, a)
}

func TestLedger_SelfProof(t *testing.T) {
	lt := newLedgerTest(t, 2)
	_, err := lt.ledger.Submit(lt.proof(1, 1, 0, here))
	require.True(t, xerrors.Is(err, ErrSelfProof))
	require.Equal(t, 0, lt.tally(1, 0).Count)
}

func TestLedger_StaleEpoch(t *testing.T) {
	lt := newLedgerTest(t, 2)
	for i := 0; i < 3; i++ {
		lt.clock.Advance()
	}
	_, err := lt.ledger.Submit(lt.proof(1, 2, 0, here))
	require.True(t, xerrors.Is(err, ErrStaleEpoch))
	require.Equal(t, "epoch 0: epoch outside of the window", err.Error())
	_, err = lt.ledger.Submit(lt.proof(1, 2, 4, here))
	require.True(t, xerrors.Is(err, ErrStaleEpoch))
	a, err := lt.ledger.Submit(lt.proof(1, 2, 1, here))
	require.NoError(t, err)
	require.Equal(t, Admitted, a)

	err = lt.ledger.Claim(hdlt.LocationReport{User: 1, Epoch: 0, Location: here}, nil)
	require.True(t, xerrors.Is(err, ErrStaleEpoch))
}

func TestLedger_Claim(t *testing.T) {
	lt := newLedgerTest(t, 4)
	there := hdlt.Location{X: 5, Y: 5}
	for _, w := range []hdlt.UserID{2, 3} {
		_, err := lt.ledger.Submit(lt.proof(1, w, 0, here))
		require.NoError(t, err)
	}
	_, err := lt.ledger.Submit(lt.proof(1, 4, 0, there))
	require.NoError(t, err)

	tl := lt.tally(1, 0)
	require.False(t, tl.Claimed)
	require.Equal(t, 3, tl.Count)

	n, err := lt.guard.Issue(nonce.User, 1)
	require.NoError(t, err)
	require.NoError(t, lt.ledger.Claim(hdlt.LocationReport{User: 1, Epoch: 0, Location: here}, n))
	tl = lt.tally(1, 0)
	require.True(t, tl.Claimed)
	require.Equal(t, 2, tl.Count)
	require.Equal(t, here, tl.Location)
	ws, err := lt.ledger.Witnesses(1, 0)
	require.NoError(t, err)
	require.Equal(t, []hdlt.UserID{2, 3}, ws)

	// The nonce is gone.
	err = lt.ledger.Claim(hdlt.LocationReport{User: 1, Epoch: 0, Location: here}, n)
	require.True(t, xerrors.Is(err, ErrReplay))

	err = lt.ledger.Claim(hdlt.LocationReport{User: 1, Epoch: 0, Location: there}, nil)
	require.True(t, xerrors.Is(err, ErrConflictingClaim))
	l, ok, err := lt.ledger.Pending(1, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, here, l)
}

func TestLedger_StorageFailure(t *testing.T) {
	lt := newLedgerTest(t, 3)
	p := lt.proof(1, 2, 0, here)

	lt.store.setBroken(true)
	_, err := lt.ledger.Submit(p)
	require.True(t, xerrors.Is(err, store.ErrUnavailable))
	require.Equal(t, 0, lt.tally(1, 0).Count)
	err = lt.ledger.Claim(hdlt.LocationReport{User: 1, Epoch: 0, Location: here}, nil)
	require.True(t, xerrors.Is(err, store.ErrUnavailable))
	_, ok, err := lt.ledger.Pending(1, 0)
	require.NoError(t, err)
	require.False(t, ok)

	// The nonce was not consumed, so the same proof succeeds later.
	lt.store.setBroken(false)
	a, err := lt.ledger.Submit(p)
	require.NoError(t, err)
	require.Equal(t, Admitted, a)
}

func TestLedger_ReadFailure(t *testing.T) {
	lt := newLedgerTest(t, 3)
	require.NoError(t, lt.ledger.Claim(hdlt.LocationReport{User: 1, Epoch: 0, Location: here}, nil))
	require.Equal(t, 1, lt.ledger.Prune(1))

	lt.store.setUnreadable(true)
	_, err := lt.ledger.Tally(1, 0)
	require.True(t, xerrors.Is(err, store.ErrUnavailable))
	qc, err := quorum.NewConfig(1)
	require.NoError(t, err)
	_, err = quorum.NewValidator(qc, lt.ledger).Evaluate(1, 0)
	require.True(t, xerrors.Is(err, store.ErrUnavailable))

	lt.store.setUnreadable(false)
	tl := lt.tally(1, 0)
	require.True(t, tl.Claimed)
}

func TestLedger_Reload(t *testing.T) {
	lt := newLedgerTest(t, 3)
	require.NoError(t, lt.ledger.Claim(hdlt.LocationReport{User: 1, Epoch: 0, Location: here}, nil))
	p := lt.proof(1, 2, 0, here)
	_, err := lt.ledger.Submit(p)
	require.NoError(t, err)

	require.Equal(t, 1, lt.ledger.Prune(1))
	tl := lt.tally(1, 0)
	require.True(t, tl.Claimed)
	require.Equal(t, 1, tl.Count)

	// A new ledger on the same store sees the same state.
	l2 := New(lt.store, lt.guard, pki.NewRegistry(nil, nil), lt.clock)
	tl2, err := l2.Tally(1, 0)
	require.NoError(t, err)
	require.Equal(t, tl, tl2)
	a, err := l2.Submit(p)
	require.NoError(t, err)
	require.Equal(t, Duplicate, a)

	proofs, err := lt.ledger.WitnessedBy(2, []hdlt.Epoch{0, 1})
	require.NoError(t, err)
	require.Len(t, proofs, 1)
	require.True(t, p.Equal(proofs[0]))
	require.Equal(t, ID(p), ID(proofs[0]))
	proofs, err = lt.ledger.WitnessedBy(3, []hdlt.Epoch{0})
	require.NoError(t, err)
	require.Len(t, proofs, 0)
}

func TestLedger_Concurrent(t *testing.T) {
	const users = 8
	lt := newLedgerTest(t, users)
	var proofs []hdlt.Proof
	for w := hdlt.UserID(2); w <= users; w++ {
		proofs = append(proofs, lt.proof(1, w, 0, here))
	}
	// Every proof is submitted twice at the same time.
	proofs = append(proofs, proofs...)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for _, p := range proofs {
		wg.Add(1)
		go func(p hdlt.Proof) {
			defer wg.Done()
			a, err := lt.ledger.Submit(p)
			if err != nil {
				t.Error(err)
				return
			}
			if a == Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	require.Equal(t, users-1, admitted)
	require.Equal(t, users-1, lt.tally(1, 0).Count)
}
