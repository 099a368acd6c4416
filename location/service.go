package location

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.dedis.ch/hdlt"
	"go.dedis.ch/hdlt/epoch"
	"go.dedis.ch/hdlt/ledger"
	"go.dedis.ch/hdlt/nonce"
	"go.dedis.ch/hdlt/pki"
	"go.dedis.ch/hdlt/quorum"
	"go.dedis.ch/hdlt/store"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	bbolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

// ServiceName is the name of the location service.
const ServiceName = "Location"

var serviceID onet.ServiceID

func init() {
	var err error
	serviceID, err = onet.RegisterNewService(ServiceName, newService)
	log.ErrFatal(err)
}

// Service exposes the Engine to the clients.
type Service struct {
	*onet.ServiceProcessor
	engine  *Engine
	ticker  *epoch.Ticker
	metrics *http.Server
}

// Engine returns the engine of the service.
func (s *Service) Engine() *Engine {
	return s.engine
}

// Nonce hands out a fresh nonce.
func (s *Service) Nonce(req *NonceRequest) (*NonceReply, error) {
	n, err := s.engine.IssueNonce(nonce.Channel(req.Channel), req.User)
	if err != nil {
		return nil, err
	}
	return &NonceReply{Nonce: n}, nil
}

// CurrentEpoch returns the current epoch.
func (s *Service) CurrentEpoch(req *CurrentEpoch) (*CurrentEpochReply, error) {
	return &CurrentEpochReply{Epoch: s.engine.Current(), Window: int32(s.engine.cfg.Window)}, nil
}

// SubmitProof admits the proof of a witness.
func (s *Service) SubmitProof(req *SubmitProof) (*SubmitProofReply, error) {
	a, o, err := s.engine.SubmitProof(req.Proof)
	st, err := statusOf(err)
	if err != nil {
		return nil, err
	}
	reply := &SubmitProofReply{Status: st}
	if st != StatusOK {
		return reply, nil
	}
	if a == ledger.Duplicate {
		reply.Status = StatusDuplicate
	}
	reply.Count = int32(o.Count)
	reply.Certified = o.Status == quorum.Certified
	reply.ID = ledger.ID(req.Proof).Bytes()
	return reply, nil
}

// SubmitReport records the report of a prover and the proofs it carries.
func (s *Service) SubmitReport(req *SubmitReport) (*SubmitReportReply, error) {
	res, err := s.engine.SubmitReport(ReportRequest{
		Report:    req.Report,
		Nonce:     req.Nonce,
		Signature: req.Signature,
		Work:      req.Work,
		Proofs:    req.Proofs,
	})
	st, err := statusOf(err)
	if err != nil {
		return nil, err
	}
	reply := &SubmitReportReply{Status: st}
	if st != StatusOK {
		return reply, nil
	}
	if res.Outcome.Status != quorum.Certified {
		reply.Status = StatusPending
	}
	reply.Count = int32(res.Outcome.Count)
	for _, pr := range res.Proofs {
		ps, err := statusOf(pr.Err)
		if err != nil {
			return nil, err
		}
		if ps == StatusOK && pr.Admission == ledger.Duplicate {
			ps = StatusDuplicate
		}
		reply.Proofs = append(reply.Proofs, ps)
	}
	return reply, nil
}

// QueryLocation returns the certified location of a user.
func (s *Service) QueryLocation(req *QueryLocation) (*QueryLocationReply, error) {
	l, ok, err := s.engine.QueryLocation(req.User, req.Epoch)
	if err != nil {
		return nil, err
	}
	return &QueryLocationReply{Found: ok, Location: l}, nil
}

// QueryCoLocated returns the witnesses of the certified report of a user.
func (s *Service) QueryCoLocated(req *QueryCoLocated) (*QueryCoLocatedReply, error) {
	users, err := s.engine.QueryCoLocated(req.User, req.Epoch)
	if err != nil {
		return nil, err
	}
	return &QueryCoLocatedReply{Users: users}, nil
}

// AdvanceEpoch closes the current epoch. Only the holder of the private key
// of the conode can do it.
func (s *Service) AdvanceEpoch(req *AdvanceEpoch) (*AdvanceEpochReply, error) {
	err := schnorr.Verify(hdlt.Suite, s.ServerIdentity().Public,
		hdlt.AdvanceMessage(req.Current), req.Signature)
	if err != nil {
		log.Warnf("%s: refused advance of epoch %d: %v", s.ServerIdentity(), req.Current, err)
		return &AdvanceEpochReply{Status: StatusBadSignature, Epoch: s.engine.Current()}, nil
	}
	if cur := s.engine.Current(); cur != req.Current {
		return &AdvanceEpochReply{Status: StatusStaleEpoch, Epoch: cur}, nil
	}
	next, sus, err := s.engine.AdvanceEpoch()
	if err != nil {
		return nil, err
	}
	return &AdvanceEpochReply{Epoch: next, Suspicions: sus}, nil
}

// ReadReport returns the certified report of the user asking for it.
func (s *Service) ReadReport(req *ReadReport) (*ReadReportReply, error) {
	cr, err := s.engine.ReadOwnReport(req.User, req.Epoch, req.Nonce, req.Signature)
	return s.reportReply(req.User, req.Epoch, req.Nonce, cr, err)
}

// HALocation returns the certified report of a user to the health
// authority.
func (s *Service) HALocation(req *HALocation) (*ReadReportReply, error) {
	cr, err := s.engine.HALocation(req.User, req.Epoch, req.Nonce, req.Signature)
	return s.reportReply(req.User, req.Epoch, req.Nonce, cr, err)
}

// reportReply signs the answer to a read of the report of u, so that the
// client can check it comes from this conode.
func (s *Service) reportReply(u hdlt.UserID, e hdlt.Epoch, n hdlt.Nonce,
	cr *hdlt.CertifiedReport, err error) (*ReadReportReply, error) {
	st, err := statusOf(err)
	if err != nil {
		return nil, err
	}
	reply := &ReadReportReply{Status: st}
	if st != StatusOK {
		return reply, nil
	}
	if cr != nil {
		reply.Found = true
		reply.Report = *cr
	}
	reply.Signature, err = schnorr.Sign(hdlt.Suite, s.ServerIdentity().GetPrivate(),
		hdlt.ReportReplyMessage(u, e, cr, n))
	if err != nil {
		return nil, xerrors.Errorf("signing reply: %v", err)
	}
	return reply, nil
}

// HAUsersAt returns the users at a location to the health authority.
func (s *Service) HAUsersAt(req *HAUsersAt) (*UsersReply, error) {
	users, err := s.engine.HAUsersAt(req.Epoch, req.Location, req.Nonce, req.Signature)
	st, err := statusOf(err)
	if err != nil {
		return nil, err
	}
	return &UsersReply{Status: st, Users: users}, nil
}

// WitnessProofs returns the proofs a user gave as witness.
func (s *Service) WitnessProofs(req *WitnessProofs) (*WitnessProofsReply, error) {
	proofs, err := s.engine.WitnessProofs(req.User, req.Epochs, req.Nonce, req.Signature)
	st, err := statusOf(err)
	if err != nil {
		return nil, err
	}
	return &WitnessProofsReply{Status: st, Proofs: proofs}, nil
}

// HARequests returns the request history of a user to the health
// authority.
func (s *Service) HARequests(req *HARequests) (*RequestsReply, error) {
	reqs, err := s.engine.HARequests(req.User, time.Unix(0, req.From), req.Nonce, req.Signature)
	st, err := statusOf(err)
	if err != nil {
		return nil, err
	}
	return &RequestsReply{Status: st, Requests: reqs}, nil
}

// Close stops the epoch ticker and the metrics server.
func (s *Service) Close() error {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	if s.metrics != nil {
		return s.metrics.Close()
	}
	return nil
}

func (s *Service) tick() {
	e, sus, err := s.engine.AdvanceEpoch()
	if err != nil {
		log.Error(s.ServerIdentity(), "couldn't advance epoch:", err)
		return
	}
	log.Lvlf2("%s: epoch %d, %d suspicions", s.ServerIdentity(), e, len(sus))
}

// openStore returns the store given by the configuration. The bolt backend
// uses the database of the conode.
func openStore(c *onet.Context, cfg Config) (store.Store, error) {
	if cfg.Storage == StorageBadger {
		if cfg.BadgerPath == "" {
			return store.OpenBadgerInMemory()
		}
		dir := filepath.Join(cfg.BadgerPath, c.ServerIdentity().Public.String())
		return store.OpenBadger(dir)
	}
	buckets := make(map[store.Table][]byte)
	var db *bbolt.DB
	for _, t := range store.Tables {
		db, buckets[t] = c.GetAdditionalBucket([]byte("hdlt_" + string(t)))
	}
	return store.NewBolt(db, buckets)
}

func loadKeys(file string) (*pki.Registry, error) {
	if _, err := os.Stat(file); os.IsNotExist(err) {
		log.Warn("no key file", file, "- no user can sign")
		return pki.NewRegistry(nil, nil), nil
	}
	return pki.LoadRegistry(file)
}

func newService(c *onet.Context) (onet.Service, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, xerrors.Errorf("configuration: %v", err)
	}
	keys, err := loadKeys(cfg.KeysFile)
	if err != nil {
		return nil, err
	}
	st, err := openStore(c, cfg)
	if err != nil {
		return nil, err
	}
	eng, err := NewEngine(cfg, st, keys, clock.New())
	if err != nil {
		return nil, err
	}

	s := &Service{
		ServiceProcessor: onet.NewServiceProcessor(c),
		engine:           eng,
	}
	if err := s.RegisterHandlers(s.Nonce, s.CurrentEpoch, s.SubmitProof,
		s.SubmitReport, s.QueryLocation, s.QueryCoLocated, s.AdvanceEpoch,
		s.ReadReport, s.HALocation, s.HAUsersAt, s.WitnessProofs, s.HARequests); err != nil {
		return nil, xerrors.Errorf("couldn't register messages: %v", err)
	}

	if cfg.EpochInterval.Duration > 0 {
		s.ticker = epoch.NewTicker(clock.New(), cfg.EpochInterval.Duration, s.tick)
		s.ticker.Start()
	}
	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(eng.Metrics(), promhttp.HandlerOpts{}))
		s.metrics = &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
		go func() {
			if err := s.metrics.ListenAndServe(); err != http.ErrServerClosed {
				log.Error("metrics server:", err)
			}
		}()
	}
	return s, nil
}
