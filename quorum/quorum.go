// Package quorum decides whether the evidence collected for a report is
// enough to certify it while tolerating F Byzantine participants.
package quorum

import (
	"fmt"

	"go.dedis.ch/hdlt"
	"golang.org/x/xerrors"
)

// Config holds the fault tolerance of the system.
type Config struct {
	// F is the number of Byzantine participants tolerated.
	F int
}

// NewConfig checks f and returns the configuration.
func NewConfig(f int) (Config, error) {
	if f < 0 {
		return Config{}, xerrors.Errorf("negative fault tolerance %d", f)
	}
	return Config{F: f}, nil
}

// Threshold is the number of distinct witnesses needed: 2F+1.
func (c Config) Threshold() int {
	return 2*c.F + 1
}

// Universe is the smallest number of participants the threshold is safe
// for: 3F+1.
func (c Config) Universe() int {
	return 3*c.F + 1
}

// Tally is what the ledger knows about the proofs of a (prover, epoch).
type Tally struct {
	// Count is the number of distinct witnesses agreeing with the claim.
	Count int
	// Claimed is true if the prover submitted its own report.
	Claimed bool
	// Location is the claimed location, if any.
	Location hdlt.Location
}

// Counter gives the tally of a prover in an epoch.
type Counter interface {
	Tally(prover hdlt.UserID, e hdlt.Epoch) (Tally, error)
}

// Status of a report.
type Status int

const (
	// Pending reports need more witnesses.
	Pending Status = iota
	// Certified reports reached the threshold.
	Certified
)

func (s Status) String() string {
	if s == Certified {
		return "certified"
	}
	return "pending"
}

// Outcome is the result of an evaluation.
type Outcome struct {
	Status   Status
	Count    int
	Location hdlt.Location
}

func (o Outcome) String() string {
	return fmt.Sprintf("%s(%d)", o.Status, o.Count)
}

// Validator evaluates the tallies of a Counter.
type Validator struct {
	cfg     Config
	counter Counter
}

// NewValidator returns a validator using the configuration and counter.
func NewValidator(cfg Config, c Counter) *Validator {
	return &Validator{cfg: cfg, counter: c}
}

// Config returns the configuration of the validator.
func (v *Validator) Config() Config {
	return v.cfg
}

// Evaluate returns Certified if the prover claimed a location for the epoch
// and at least Threshold distinct witnesses agree with it. Errors of the
// counter are returned as they are.
func (v *Validator) Evaluate(prover hdlt.UserID, e hdlt.Epoch) (Outcome, error) {
	t, err := v.counter.Tally(prover, e)
	if err != nil {
		return Outcome{}, err
	}
	o := Outcome{Status: Pending, Count: t.Count, Location: t.Location}
	if t.Claimed && t.Count >= v.cfg.Threshold() {
		o.Status = Certified
	}
	return o, nil
}
