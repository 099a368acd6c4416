// Package registry keeps the certified location reports. A report is
// certified at most once and never changes afterwards.
package registry

import (
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.dedis.ch/hdlt"
	"go.dedis.ch/hdlt/store"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

// ErrAlreadyCertified is returned when certifying a report twice. The first
// record is kept.
var ErrAlreadyCertified = xerrors.New("report already certified")

// DefaultCacheSize is the number of reports kept in memory.
const DefaultCacheSize = 1024

func init() {
	network.RegisterMessages(&reportRecord{})
}

type reportRecord struct {
	User      int64
	Epoch     int64
	X         int64
	Y         int64
	Witnesses []int64
}

func (r *reportRecord) certified() *hdlt.CertifiedReport {
	cr := &hdlt.CertifiedReport{
		Report: hdlt.LocationReport{
			User:     hdlt.UserID(r.User),
			Epoch:    hdlt.Epoch(r.Epoch),
			Location: hdlt.Location{X: r.X, Y: r.Y},
		},
	}
	for _, w := range r.Witnesses {
		cr.Witnesses = append(cr.Witnesses, hdlt.UserID(w))
	}
	return cr
}

type key struct {
	user  hdlt.UserID
	epoch hdlt.Epoch
}

// Registry stores the certified reports.
type Registry struct {
	store store.Store
	cache *lru.Cache[key, *hdlt.CertifiedReport]
}

// New returns a registry on s keeping up to cacheSize reports in memory.
func New(s store.Store, cacheSize int) (*Registry, error) {
	c, err := lru.New[key, *hdlt.CertifiedReport](cacheSize)
	if err != nil {
		return nil, xerrors.Errorf("creating cache: %v", err)
	}
	return &Registry{store: s, cache: c}, nil
}

func reportKey(u hdlt.UserID, e hdlt.Epoch) []byte {
	return store.Key(int64(e), int64(u))
}

// Certify stores the report with the witnesses that corroborated it.
func (r *Registry) Certify(report hdlt.LocationReport, witnesses []hdlt.UserID) error {
	rec := &reportRecord{
		User:  int64(report.User),
		Epoch: int64(report.Epoch),
		X:     report.Location.X,
		Y:     report.Location.Y,
	}
	ws := append([]hdlt.UserID{}, witnesses...)
	sort.Slice(ws, func(i, j int) bool { return ws[i] < ws[j] })
	for _, w := range ws {
		rec.Witnesses = append(rec.Witnesses, int64(w))
	}
	buf, err := protobuf.Encode(rec)
	if err != nil {
		return xerrors.Errorf("encoding report: %v", err)
	}

	k := reportKey(report.User, report.Epoch)
	err = r.store.Update(func(tx store.Tx) error {
		old, err := tx.Get(store.Reports, k)
		if err != nil {
			return err
		}
		if old != nil {
			return ErrAlreadyCertified
		}
		return tx.Put(store.Reports, k, buf)
	})
	if err != nil {
		return err
	}
	r.cache.Add(key{report.User, report.Epoch}, rec.certified())
	log.Lvlf2("certified %d at %s in epoch %d", report.User, report.Location, report.Epoch)
	return nil
}

// Lookup returns the certified report of the user, or nil if there is none.
func (r *Registry) Lookup(u hdlt.UserID, e hdlt.Epoch) (*hdlt.CertifiedReport, error) {
	if cr, ok := r.cache.Get(key{u, e}); ok {
		return cr, nil
	}
	var cr *hdlt.CertifiedReport
	err := r.store.View(func(tx store.Tx) error {
		buf, err := tx.Get(store.Reports, reportKey(u, e))
		if err != nil || buf == nil {
			return err
		}
		cr, err = decode(buf)
		return err
	})
	if err != nil {
		return nil, err
	}
	if cr != nil {
		r.cache.Add(key{u, e}, cr)
	}
	return cr, nil
}

// CoLocated returns the witnesses of the certified report of the user. It
// is empty if the report is not certified.
func (r *Registry) CoLocated(u hdlt.UserID, e hdlt.Epoch) ([]hdlt.UserID, error) {
	cr, err := r.Lookup(u, e)
	if err != nil || cr == nil {
		return nil, err
	}
	return append([]hdlt.UserID{}, cr.Witnesses...), nil
}

// Epoch returns all the reports certified in the epoch, ordered by user.
func (r *Registry) Epoch(e hdlt.Epoch) ([]hdlt.CertifiedReport, error) {
	var reports []hdlt.CertifiedReport
	err := r.store.View(func(tx store.Tx) error {
		return tx.ForEach(store.Reports, store.Key(int64(e)), func(_, v []byte) error {
			cr, err := decode(v)
			if err != nil {
				return err
			}
			reports = append(reports, *cr)
			return nil
		})
	})
	return reports, err
}

// UsersAt returns the users certified at location l in epoch e.
func (r *Registry) UsersAt(e hdlt.Epoch, l hdlt.Location) ([]hdlt.UserID, error) {
	reports, err := r.Epoch(e)
	if err != nil {
		return nil, err
	}
	var users []hdlt.UserID
	for _, cr := range reports {
		if cr.Report.Location == l {
			users = append(users, cr.Report.User)
		}
	}
	return users, nil
}

func decode(buf []byte) (*hdlt.CertifiedReport, error) {
	rec := &reportRecord{}
	if err := protobuf.Decode(buf, rec); err != nil {
		return nil, xerrors.Errorf("corrupted report %v: %w", err, store.ErrUnavailable)
	}
	return rec.certified(), nil
}
