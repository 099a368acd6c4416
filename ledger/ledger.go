// Package ledger collects the witness proofs of every (prover, epoch) and
// counts the distinct witnesses that corroborate the location claimed by the
// prover.
//
// A proof goes through the following checks before anything is written:
// epoch window, idempotent resubmission, nonce freshness, witness signature
// and self-proof. The witness set of an entry is only updated after the
// store transaction consuming the nonce and recording the proof committed.
package ledger

import (
	"sort"
	"sync"

	uuid "github.com/satori/go.uuid"
	"go.dedis.ch/hdlt"
	"go.dedis.ch/hdlt/nonce"
	"go.dedis.ch/hdlt/pki"
	"go.dedis.ch/hdlt/quorum"
	"go.dedis.ch/hdlt/store"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

var (
	// ErrStaleEpoch is returned for epochs outside of the accepted window.
	ErrStaleEpoch = xerrors.New("epoch outside of the window")
	// ErrBadSignature is returned if the witness signature doesn't verify.
	ErrBadSignature = xerrors.New("invalid signature")
	// ErrSelfProof is returned if the witness is the prover.
	ErrSelfProof = xerrors.New("witness is the prover")
	// ErrReplay is returned if the nonce of the proof cannot be consumed.
	ErrReplay = nonce.ErrReplay
	// ErrConflictingClaim is returned if the prover already claimed
	// another location for the epoch.
	ErrConflictingClaim = xerrors.New("another location is already claimed")
)

// Admission is the result of a successful submission.
type Admission int

const (
	// Admitted proofs increased the count of their entry.
	Admitted Admission = iota + 1
	// Duplicate proofs were already known and changed nothing.
	Duplicate
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Window tells which epochs accept submissions.
type Window interface {
	IsAcceptable(e hdlt.Epoch) bool
}

var proofNamespace = uuid.NewV5(uuid.NamespaceURL, "https://dedis.ch/hdlt/proof")

// ID returns the identifier of the stored proof. Identical proofs have the
// same identifier.
func ID(p hdlt.Proof) uuid.UUID {
	return uuid.NewV5(proofNamespace, string(store.Join(p.Message(),
		store.Key(int64(p.Witness)), p.Signature)))
}

func init() {
	network.RegisterMessages(&proofRecord{})
}

type proofRecord struct {
	ID        []byte
	Prover    int64
	Witness   int64
	Epoch     int64
	X         int64
	Y         int64
	Nonce     []byte
	Signature []byte
}

func (r *proofRecord) proof() hdlt.Proof {
	return hdlt.Proof{
		Prover:    hdlt.UserID(r.Prover),
		Witness:   hdlt.UserID(r.Witness),
		Epoch:     hdlt.Epoch(r.Epoch),
		Location:  hdlt.Location{X: r.X, Y: r.Y},
		Nonce:     r.Nonce,
		Signature: r.Signature,
	}
}

type key struct {
	prover hdlt.UserID
	epoch  hdlt.Epoch
}

func (k key) proofs() []byte {
	return store.Key(int64(k.epoch), int64(k.prover))
}

func (k key) claim() []byte {
	return store.Join([]byte("claim"), store.Key(int64(k.epoch), int64(k.prover)))
}

// entry is the evidence of one (prover, epoch). Its mutex protects every
// field.
type entry struct {
	sync.Mutex
	loaded bool
	claim  *hdlt.Location
	proofs map[hdlt.UserID]hdlt.Proof
}

// tally must be called with the lock held.
func (e *entry) tally() quorum.Tally {
	t := quorum.Tally{Claimed: e.claim != nil}
	for _, p := range e.proofs {
		if e.claim == nil || p.Location == *e.claim {
			t.Count++
		}
	}
	if e.claim != nil {
		t.Location = *e.claim
	}
	return t
}

// Ledger holds the entries of all provers.
type Ledger struct {
	store    store.Store
	guard    *nonce.Guard
	verifier pki.Verifier
	window   Window

	mu      sync.RWMutex
	entries map[key]*entry
}

// New returns a ledger storing proofs in s.
func New(s store.Store, g *nonce.Guard, v pki.Verifier, w Window) *Ledger {
	return &Ledger{
		store:    s,
		guard:    g,
		verifier: v,
		window:   w,
		entries:  make(map[key]*entry),
	}
}

// lock returns the locked entry of k, reading it from the store on first use.
// The caller has to unlock it.
func (l *Ledger) lock(k key) (*entry, error) {
	l.mu.RLock()
	e := l.entries[k]
	l.mu.RUnlock()
	if e == nil {
		l.mu.Lock()
		e = l.entries[k]
		if e == nil {
			e = &entry{proofs: make(map[hdlt.UserID]hdlt.Proof)}
			l.entries[k] = e
		}
		l.mu.Unlock()
	}
	e.Lock()
	if !e.loaded {
		if err := l.load(k, e); err != nil {
			e.Unlock()
			return nil, err
		}
		e.loaded = true
	}
	return e, nil
}

func (l *Ledger) load(k key, e *entry) error {
	return l.store.View(func(tx store.Tx) error {
		buf, err := tx.Get(store.Meta, k.claim())
		if err != nil {
			return err
		}
		if buf != nil {
			e.claim = &hdlt.Location{X: store.Int64At(buf, 0), Y: store.Int64At(buf, 1)}
		}
		return tx.ForEach(store.Proofs, k.proofs(), func(_, v []byte) error {
			r := &proofRecord{}
			if err := protobuf.Decode(v, r); err != nil {
				return xerrors.Errorf("corrupted proof %v: %w", err, store.ErrUnavailable)
			}
			e.proofs[hdlt.UserID(r.Witness)] = r.proof()
			return nil
		})
	})
}

// Submit verifies the proof and adds its witness to the entry of the
// prover. Resubmitting an admitted proof returns Duplicate.
func (l *Ledger) Submit(p hdlt.Proof) (Admission, error) {
	if !l.window.IsAcceptable(p.Epoch) {
		return 0, xerrors.Errorf("epoch %d: %w", p.Epoch, ErrStaleEpoch)
	}
	k := key{p.Prover, p.Epoch}
	e, err := l.lock(k)
	if err != nil {
		return 0, err
	}
	old, known := e.proofs[p.Witness]
	e.Unlock()
	if known && old.Equal(p) {
		return Duplicate, nil
	}

	if err := l.guard.Check(nonce.User, p.Nonce, p.Witness); err != nil {
		// A concurrent submission of the same proof consumed the nonce.
		if xerrors.Is(err, ErrReplay) && l.admitted(k, p) {
			return Duplicate, nil
		}
		return 0, err
	}
	if !l.verifier.VerifyUser(p.Witness, p.Message(), p.Signature) {
		return 0, xerrors.Errorf("proof of %d by %d: %w", p.Prover, p.Witness, ErrBadSignature)
	}
	if p.Witness == p.Prover {
		return 0, ErrSelfProof
	}

	buf, err := protobuf.Encode(&proofRecord{
		ID:        ID(p).Bytes(),
		Prover:    int64(p.Prover),
		Witness:   int64(p.Witness),
		Epoch:     int64(p.Epoch),
		X:         p.Location.X,
		Y:         p.Location.Y,
		Nonce:     p.Nonce,
		Signature: p.Signature,
	})
	if err != nil {
		return 0, xerrors.Errorf("encoding proof: %v", err)
	}

	// The store transaction runs with the entry locked, so that the
	// witness set always reflects what was committed.
	e, err = l.lock(k)
	if err != nil {
		return 0, err
	}
	defer e.Unlock()
	if _, ok := e.proofs[p.Witness]; ok {
		return Duplicate, nil
	}
	err = l.store.Update(func(tx store.Tx) error {
		if err := nonce.ConsumeTx(tx, nonce.User, p.Nonce, p.Witness); err != nil {
			return err
		}
		return tx.Put(store.Proofs, store.Join(k.proofs(), store.Key(int64(p.Witness))), buf)
	})
	if err != nil {
		return 0, err
	}
	e.proofs[p.Witness] = p
	log.Lvlf3("admitted proof of %d by %d in epoch %d", p.Prover, p.Witness, p.Epoch)
	return Admitted, nil
}

func (l *Ledger) admitted(k key, p hdlt.Proof) bool {
	e, err := l.lock(k)
	if err != nil {
		return false
	}
	defer e.Unlock()
	old, ok := e.proofs[p.Witness]
	return ok && old.Equal(p)
}

// Claim records the location the prover claims for the epoch. If n is not
// nil, the user nonce is consumed in the same transaction. Claiming the same
// location again only consumes the nonce.
func (l *Ledger) Claim(r hdlt.LocationReport, n hdlt.Nonce) error {
	if !l.window.IsAcceptable(r.Epoch) {
		return xerrors.Errorf("epoch %d: %w", r.Epoch, ErrStaleEpoch)
	}
	k := key{r.User, r.Epoch}
	e, err := l.lock(k)
	if err != nil {
		return err
	}
	defer e.Unlock()
	if e.claim != nil && *e.claim != r.Location {
		return xerrors.Errorf("%s instead of %s: %w", e.claim, r.Location, ErrConflictingClaim)
	}
	err = l.store.Update(func(tx store.Tx) error {
		if n != nil {
			if err := nonce.ConsumeTx(tx, nonce.User, n, r.User); err != nil {
				return err
			}
		}
		if e.claim != nil {
			return nil
		}
		return tx.Put(store.Meta, k.claim(), store.Key(r.Location.X, r.Location.Y))
	})
	if err != nil {
		return err
	}
	loc := r.Location
	e.claim = &loc
	return nil
}

// Tally implements quorum.Counter.
func (l *Ledger) Tally(prover hdlt.UserID, ep hdlt.Epoch) (quorum.Tally, error) {
	e, err := l.lock(key{prover, ep})
	if err != nil {
		return quorum.Tally{}, err
	}
	defer e.Unlock()
	return e.tally(), nil
}

// Pending returns the claimed location of the prover.
func (l *Ledger) Pending(prover hdlt.UserID, ep hdlt.Epoch) (hdlt.Location, bool, error) {
	e, err := l.lock(key{prover, ep})
	if err != nil {
		return hdlt.Location{}, false, err
	}
	defer e.Unlock()
	if e.claim == nil {
		return hdlt.Location{}, false, nil
	}
	return *e.claim, true, nil
}

// Witnesses returns, in ascending order, the witnesses whose proofs agree
// with the claim of the prover. Without a claim all witnesses are returned.
func (l *Ledger) Witnesses(prover hdlt.UserID, ep hdlt.Epoch) ([]hdlt.UserID, error) {
	e, err := l.lock(key{prover, ep})
	if err != nil {
		return nil, err
	}
	defer e.Unlock()
	var ws []hdlt.UserID
	for w, p := range e.proofs {
		if e.claim == nil || p.Location == *e.claim {
			ws = append(ws, w)
		}
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i] < ws[j] })
	return ws, nil
}

// WitnessedBy returns the proofs signed by witness in the given epochs.
func (l *Ledger) WitnessedBy(witness hdlt.UserID, epochs []hdlt.Epoch) ([]hdlt.Proof, error) {
	var proofs []hdlt.Proof
	err := l.store.View(func(tx store.Tx) error {
		for _, ep := range epochs {
			err := tx.ForEach(store.Proofs, store.Key(int64(ep)), func(k, v []byte) error {
				if store.Int64At(k, 2) != int64(witness) {
					return nil
				}
				r := &proofRecord{}
				if err := protobuf.Decode(v, r); err != nil {
					return xerrors.Errorf("corrupted proof %v: %w", err, store.ErrUnavailable)
				}
				proofs = append(proofs, r.proof())
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return proofs, err
}

// Prune drops the in-memory entries of the epochs before the given one. The
// proofs stay in the store.
func (l *Ledger) Prune(before hdlt.Epoch) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k := range l.entries {
		if k.epoch < before {
			delete(l.entries, k)
			n++
		}
	}
	return n
}
