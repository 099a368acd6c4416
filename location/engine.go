// Package location is the location-proof service. The Engine ties the nonce
// guard, the proof ledger, the quorum validator and the report registry
// together, and the onet Service exposes it to the clients.
//
// A report of a prover is certified once its prover claimed a location for
// the epoch and 2F+1 distinct witnesses signed a proof for that location.
package location

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.dedis.ch/hdlt"
	"go.dedis.ch/hdlt/antispam"
	"go.dedis.ch/hdlt/epoch"
	"go.dedis.ch/hdlt/ledger"
	"go.dedis.ch/hdlt/nonce"
	"go.dedis.ch/hdlt/pki"
	"go.dedis.ch/hdlt/quorum"
	"go.dedis.ch/hdlt/registry"
	"go.dedis.ch/hdlt/requests"
	"go.dedis.ch/hdlt/store"
	"go.dedis.ch/onet/v3/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

var (
	// ErrProofMismatch is returned if a proof sent with a report is not
	// about the prover and epoch of the report.
	ErrProofMismatch = xerrors.New("proof doesn't match the report")
	// ErrInsufficientWork is returned if the proof of work of a report is
	// missing or wrong.
	ErrInsufficientWork = xerrors.New("insufficient proof of work")
)

var epochKey = []byte("epoch")

// Engine implements the operations of the location service.
type Engine struct {
	cfg      Config
	store    store.Store
	keys     pki.Verifier
	guard    *nonce.Guard
	clock    *epoch.Clock
	ledger   *ledger.Ledger
	quorum   *quorum.Validator
	registry *registry.Registry
	requests *requests.Log
	metrics  *metrics

	// advance serialises the epoch changes.
	advance sync.Mutex
}

// NewEngine returns an engine on the given store, restarting at the epoch
// stored there. clk is the time source of the request log.
func NewEngine(cfg Config, s store.Store, keys pki.Verifier, clk clock.Clock) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	qc, err := quorum.NewConfig(cfg.F)
	if err != nil {
		return nil, err
	}
	var start hdlt.Epoch
	err = s.View(func(tx store.Tx) error {
		buf, err := tx.Get(store.Meta, epochKey)
		if buf != nil {
			start = hdlt.Epoch(store.Int64At(buf, 0))
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	ec, err := epoch.NewClock(start, cfg.Window)
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(s, registry.DefaultCacheSize)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		store:    s,
		keys:     keys,
		guard:    nonce.NewGuard(s, ec),
		clock:    ec,
		registry: reg,
		requests: requests.New(s, clk, cfg.MaxRequestsPerSecond),
		metrics:  newMetrics(),
	}
	e.ledger = ledger.New(s, e.guard, keys, ec)
	e.quorum = quorum.NewValidator(qc, e.ledger)
	e.metrics.epoch.Set(float64(start))
	log.Lvlf2("engine starting at epoch %d, threshold %d", start, qc.Threshold())
	return e, nil
}

// Config returns the configuration of the engine.
func (e *Engine) Config() Config {
	return e.cfg
}

// Current returns the current epoch.
func (e *Engine) Current() hdlt.Epoch {
	return e.clock.Current()
}

// Metrics returns the registry of the metrics of the engine.
func (e *Engine) Metrics() *prometheus.Registry {
	return e.metrics.registry
}

// IssueNonce hands out a nonce of the channel to the user.
func (e *Engine) IssueNonce(ch nonce.Channel, u hdlt.UserID) (hdlt.Nonce, error) {
	n, err := e.guard.Issue(ch, u)
	if err != nil {
		return nil, err
	}
	e.metrics.nonces.WithLabelValues(ch.String()).Inc()
	return n, nil
}

// SubmitProof admits the proof of a witness and certifies the report of the
// prover if it reached the quorum.
func (e *Engine) SubmitProof(p hdlt.Proof) (ledger.Admission, quorum.Outcome, error) {
	a, err := e.submit(p)
	if err != nil {
		return 0, quorum.Outcome{}, err
	}
	o, err := e.evaluate(p.Prover, p.Epoch)
	return a, o, err
}

func (e *Engine) submit(p hdlt.Proof) (ledger.Admission, error) {
	a, err := e.ledger.Submit(p)
	switch {
	case err == nil:
		e.metrics.proofs.WithLabelValues(a.String()).Inc()
	case xerrors.Is(err, ledger.ErrBadSignature), xerrors.Is(err, ledger.ErrSelfProof),
		xerrors.Is(err, ledger.ErrReplay):
		log.Warnf("possible attack: proof of %d by %d rejected: %v", p.Prover, p.Witness, err)
		e.metrics.proofs.WithLabelValues("rejected").Inc()
	case xerrors.Is(err, store.ErrUnavailable):
		log.Error("storing proof:", err)
		e.metrics.proofs.WithLabelValues("failed").Inc()
	default:
		e.metrics.proofs.WithLabelValues("rejected").Inc()
	}
	return a, err
}

// evaluate certifies the report of the prover once it reached the quorum.
// Certification happens only once, and racing evaluations are harmless.
func (e *Engine) evaluate(prover hdlt.UserID, ep hdlt.Epoch) (quorum.Outcome, error) {
	cr, err := e.registry.Lookup(prover, ep)
	if err != nil {
		return quorum.Outcome{}, err
	}
	if cr != nil {
		return quorum.Outcome{Status: quorum.Certified, Count: len(cr.Witnesses),
			Location: cr.Report.Location}, nil
	}

	o, err := e.quorum.Evaluate(prover, ep)
	if err != nil {
		return o, hdlt.Annotate("evaluate", err)
	}
	if o.Status != quorum.Certified {
		return o, nil
	}
	ws, err := e.ledger.Witnesses(prover, ep)
	if err != nil {
		return o, err
	}
	rep := hdlt.LocationReport{User: prover, Epoch: ep, Location: o.Location}
	err = e.registry.Certify(rep, ws)
	switch {
	case err == nil:
		e.metrics.certified.Inc()
		log.Lvlf1("report of %d in epoch %d certified by %v", prover, ep, ws)
	case xerrors.Is(err, registry.ErrAlreadyCertified):
		log.Lvl3("report already certified:", prover, ep)
	default:
		return o, hdlt.Annotate("certify", err)
	}
	return o, nil
}

// ReportRequest is a report of a prover with the proofs of its witnesses.
type ReportRequest struct {
	Report    hdlt.LocationReport
	Nonce     hdlt.Nonce
	Signature []byte
	// Work is the proof of work over the report message, if the engine
	// asks for one.
	Work   uint64
	Proofs []hdlt.Proof
}

// Message returns the message signed by the prover.
func (r ReportRequest) Message() []byte {
	return hdlt.ReportMessage(r.Report.User, r.Report.Epoch, r.Report.Location, r.Nonce)
}

// ProofResult is what happened to one proof of a report.
type ProofResult struct {
	Admission ledger.Admission
	Err       error
}

// ReportResult is Certified if the report reached the quorum.
type ReportResult struct {
	Outcome quorum.Outcome
	Proofs  []ProofResult
}

// SubmitReport records the claim of the prover and admits the proofs sent
// along. A rejected proof doesn't reject the report.
func (e *Engine) SubmitReport(req ReportRequest) (*ReportResult, error) {
	res, err := e.submitReport(req)
	if err != nil {
		if s, _ := statusOf(err); s != StatusOK {
			e.metrics.reports.WithLabelValues("rejected").Inc()
		} else {
			e.metrics.reports.WithLabelValues("failed").Inc()
		}
		return nil, err
	}
	e.metrics.reports.WithLabelValues(res.Outcome.Status.String()).Inc()
	return res, nil
}

func (e *Engine) submitReport(req ReportRequest) (*ReportResult, error) {
	r := req.Report
	if !e.clock.IsAcceptable(r.Epoch) {
		return nil, xerrors.Errorf("epoch %d: %w", r.Epoch, ledger.ErrStaleEpoch)
	}
	msg := req.Message()
	if !antispam.Verify(msg, req.Work, e.cfg.WorkDifficulty) {
		return nil, ErrInsufficientWork
	}
	if err := e.guard.Check(nonce.User, req.Nonce, r.User); err != nil {
		return nil, err
	}
	if !e.keys.VerifyUser(r.User, msg, req.Signature) {
		log.Warnf("possible attack: bad signature on report of %d", r.User)
		return nil, xerrors.Errorf("report of %d: %w", r.User, ledger.ErrBadSignature)
	}
	if err := e.requests.Record(r.User); err != nil {
		return nil, err
	}
	for _, p := range req.Proofs {
		if p.Prover != r.User || p.Epoch != r.Epoch {
			return nil, xerrors.Errorf("proof of %d in epoch %d: %w", p.Prover, p.Epoch, ErrProofMismatch)
		}
	}
	if err := e.ledger.Claim(r, req.Nonce); err != nil {
		return nil, err
	}

	res := &ReportResult{Proofs: make([]ProofResult, len(req.Proofs))}
	var g errgroup.Group
	g.SetLimit(e.cfg.BatchParallelism)
	for i, p := range req.Proofs {
		i, p := i, p
		g.Go(func() error {
			a, err := e.submit(p)
			res.Proofs[i] = ProofResult{Admission: a, Err: err}
			return nil
		})
	}
	g.Wait()
	var errs error
	for _, pr := range res.Proofs {
		errs = multierr.Append(errs, pr.Err)
	}
	if errs != nil {
		log.Lvlf2("report of %d: %d proofs rejected: %v", r.User,
			len(multierr.Errors(errs)), errs)
	}

	o, err := e.evaluate(r.User, r.Epoch)
	if err != nil {
		return nil, err
	}
	res.Outcome = o
	return res, nil
}

// QueryLocation returns the certified location of the user.
func (e *Engine) QueryLocation(u hdlt.UserID, ep hdlt.Epoch) (hdlt.Location, bool, error) {
	cr, err := e.registry.Lookup(u, ep)
	if err != nil || cr == nil {
		return hdlt.Location{}, false, err
	}
	return cr.Report.Location, true, nil
}

// QueryCoLocated returns the witnesses that corroborated the report of the
// user. It is empty if the report is not certified.
func (e *Engine) QueryCoLocated(u hdlt.UserID, ep hdlt.Epoch) ([]hdlt.UserID, error) {
	return e.registry.CoLocated(u, ep)
}

// AdvanceEpoch moves to the next epoch and audits the epoch that left the
// window.
func (e *Engine) AdvanceEpoch() (hdlt.Epoch, []Suspicion, error) {
	e.advance.Lock()
	defer e.advance.Unlock()

	next := e.clock.Current() + 1
	err := e.store.Update(func(tx store.Tx) error {
		return tx.Put(store.Meta, epochKey, store.Key(int64(next)))
	})
	if err != nil {
		return 0, nil, hdlt.Annotate("advance epoch", err)
	}
	e.clock.Advance()
	e.metrics.epoch.Set(float64(next))
	pruned := e.ledger.Prune(e.clock.Oldest())
	log.Lvlf2("advanced to epoch %d, pruned %d entries", next, pruned)
	if n, err := e.guard.Prune(e.clock.Oldest()); err != nil {
		log.Error("pruning nonces:", err)
	} else if n > 0 {
		log.Lvlf2("dropped %d unused nonces", n)
	}

	closed := e.clock.Oldest() - 1
	if closed < 0 {
		return next, nil, nil
	}
	sus, err := e.Audit(closed)
	if err != nil {
		log.Error("audit of epoch", closed, "failed:", err)
	}
	return next, sus, nil
}

// ReadOwnReport returns the certified report of the user, which has to sign
// the request with a user nonce.
func (e *Engine) ReadOwnReport(u hdlt.UserID, ep hdlt.Epoch, n hdlt.Nonce, sig []byte) (*hdlt.CertifiedReport, error) {
	if err := e.authUser(u, n, hdlt.QueryMessage(u, ep, n), sig); err != nil {
		return nil, err
	}
	return e.registry.Lookup(u, ep)
}

// WitnessProofs returns the proofs the user signed as a witness in the given
// epochs.
func (e *Engine) WitnessProofs(u hdlt.UserID, epochs []hdlt.Epoch, n hdlt.Nonce, sig []byte) ([]hdlt.Proof, error) {
	if err := e.authUser(u, n, hdlt.WitnessQueryMessage(u, epochs, n), sig); err != nil {
		return nil, err
	}
	return e.ledger.WitnessedBy(u, epochs)
}

// HALocation returns the certified report of any user to the health
// authority.
func (e *Engine) HALocation(u hdlt.UserID, ep hdlt.Epoch, n hdlt.Nonce, sig []byte) (*hdlt.CertifiedReport, error) {
	if err := e.authHA(n, hdlt.QueryMessage(u, ep, n), sig); err != nil {
		return nil, err
	}
	return e.registry.Lookup(u, ep)
}

// HAUsersAt returns to the health authority the users certified at a
// location.
func (e *Engine) HAUsersAt(ep hdlt.Epoch, l hdlt.Location, n hdlt.Nonce, sig []byte) ([]hdlt.UserID, error) {
	if err := e.authHA(n, hdlt.LocationQueryMessage(ep, l, n), sig); err != nil {
		return nil, err
	}
	return e.registry.UsersAt(ep, l)
}

// authUser checks the nonce and signature of a request of u, and counts the
// request only once it is authenticated.
// HARequests returns to the health authority the requests the user issued
// from the given time on.
func (e *Engine) HARequests(u hdlt.UserID, from time.Time, n hdlt.Nonce, sig []byte) ([]hdlt.UserRequest, error) {
	if err := e.authHA(n, hdlt.RequestsMessage(u, from.UnixNano(), n), sig); err != nil {
		return nil, err
	}
	return e.requests.Since(u, from)
}

func (e *Engine) authUser(u hdlt.UserID, n hdlt.Nonce, msg, sig []byte) error {
	if err := e.guard.Check(nonce.User, n, u); err != nil {
		return err
	}
	if !e.keys.VerifyUser(u, msg, sig) {
		log.Warnf("possible attack: bad signature on request of %d", u)
		return xerrors.Errorf("request of %d: %w", u, ledger.ErrBadSignature)
	}
	if err := e.requests.Record(u); err != nil {
		return err
	}
	return e.guard.Consume(nonce.User, n)
}

func (e *Engine) authHA(n hdlt.Nonce, msg, sig []byte) error {
	if err := e.guard.Check(nonce.HealthAuthority, n, 0); err != nil {
		return err
	}
	if !e.keys.VerifyHA(msg, sig) {
		log.Warnf("possible attack: bad signature on health authority request")
		return xerrors.Errorf("health authority request: %w", ledger.ErrBadSignature)
	}
	return e.guard.Consume(nonce.HealthAuthority, n)
}
