package location

import (
	"fmt"

	"go.dedis.ch/hdlt"
	"go.dedis.ch/onet/v3/log"
)

// Reason why a witness is suspicious.
type Reason int32

const (
	// NoReport means the witness has no certified report in the epoch, so
	// nothing shows it was there.
	NoReport Reason = iota + 1
	// TooFar means the certified location of the witness is farther from
	// the prover than the radius.
	TooFar
)

func (r Reason) String() string {
	switch r {
	case NoReport:
		return "no report"
	case TooFar:
		return "too far"
	}
	return "unknown"
}

// Suspicion is a witness that corroborated a report it probably could not
// have observed.
type Suspicion struct {
	Epoch   hdlt.Epoch
	Prover  hdlt.UserID
	Witness hdlt.UserID
	Reason  Reason
}

func (s Suspicion) String() string {
	return fmt.Sprintf("witness %d of %d in epoch %d: %s", s.Witness, s.Prover, s.Epoch, s.Reason)
}

// Audit checks the witnesses of all certified reports of the epoch against
// their own certified reports.
func (e *Engine) Audit(ep hdlt.Epoch) ([]Suspicion, error) {
	reports, err := e.registry.Epoch(ep)
	if err != nil {
		return nil, err
	}
	at := make(map[hdlt.UserID]hdlt.Location, len(reports))
	for _, cr := range reports {
		at[cr.Report.User] = cr.Report.Location
	}

	var sus []Suspicion
	for _, cr := range reports {
		for _, w := range cr.Witnesses {
			s := Suspicion{Epoch: ep, Prover: cr.Report.User, Witness: w}
			l, ok := at[w]
			switch {
			case !ok:
				s.Reason = NoReport
			case !l.Near(cr.Report.Location, e.cfg.Radius):
				s.Reason = TooFar
			default:
				continue
			}
			sus = append(sus, s)
		}
	}
	for _, s := range sus {
		log.Warnf("possible attack: %s", s)
	}
	e.metrics.suspicions.Add(float64(len(sus)))
	return sus, nil
}
