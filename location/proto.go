package location

import (
	"go.dedis.ch/hdlt"
	"go.dedis.ch/hdlt/ledger"
	"go.dedis.ch/hdlt/nonce"
	"go.dedis.ch/hdlt/requests"
	"go.dedis.ch/onet/v3/network"
	"golang.org/x/xerrors"
)

func init() {
	network.RegisterMessages(
		&NonceRequest{}, &NonceReply{},
		&CurrentEpoch{}, &CurrentEpochReply{},
		&SubmitProof{}, &SubmitProofReply{},
		&SubmitReport{}, &SubmitReportReply{},
		&QueryLocation{}, &QueryLocationReply{},
		&QueryCoLocated{}, &QueryCoLocatedReply{},
		&AdvanceEpoch{}, &AdvanceEpochReply{},
		&ReadReport{}, &HALocation{}, &ReadReportReply{},
		&HAUsersAt{}, &UsersReply{},
		&WitnessProofs{}, &WitnessProofsReply{},
		&HARequests{}, &RequestsReply{},
	)
}

// Status is the outcome of a request as seen by the client. Rejections are
// statuses and not errors, so that a client can tell a replayed nonce from a
// network failure.
type Status int32

// The statuses of the replies.
const (
	StatusOK Status = iota
	StatusDuplicate
	StatusPending
	StatusStaleEpoch
	StatusBadSignature
	StatusReplay
	StatusSelfProof
	StatusConflictingClaim
	StatusProofMismatch
	StatusTooManyRequests
	StatusInsufficientWork
)

var statusErrors = map[Status]error{
	StatusStaleEpoch:       ledger.ErrStaleEpoch,
	StatusBadSignature:     ledger.ErrBadSignature,
	StatusReplay:           nonce.ErrReplay,
	StatusSelfProof:        ledger.ErrSelfProof,
	StatusConflictingClaim: ledger.ErrConflictingClaim,
	StatusProofMismatch:    ErrProofMismatch,
	StatusTooManyRequests:  requests.ErrTooManyRequests,
	StatusInsufficientWork: ErrInsufficientWork,
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDuplicate:
		return "duplicate"
	case StatusPending:
		return "pending"
	}
	if err, ok := statusErrors[s]; ok {
		return err.Error()
	}
	return "unknown status"
}

// Err returns the error of a rejection, or nil.
func (s Status) Err() error {
	return statusErrors[s]
}

// statusOf returns the status of a rejection. Errors that are not
// rejections, like a failing storage, are returned unchanged.
func statusOf(err error) (Status, error) {
	if err == nil {
		return StatusOK, nil
	}
	for s, e := range statusErrors {
		if xerrors.Is(err, e) {
			return s, nil
		}
	}
	return 0, err
}

// PROTOSTART
// package location;
//
// option java_package = "ch.epfl.dedis.lib.proto";
// option java_outer_classname = "LocationProto";

// NonceRequest asks for a fresh nonce. Channel is 1 for users and 2 for the
// health authority.
type NonceRequest struct {
	Channel int32
	User    hdlt.UserID
}

// NonceReply holds the nonce.
type NonceReply struct {
	Nonce hdlt.Nonce
}

// CurrentEpoch asks for the epoch of the service.
type CurrentEpoch struct{}

// CurrentEpochReply holds the current epoch and the accepted window.
type CurrentEpochReply struct {
	Epoch  hdlt.Epoch
	Window int32
}

// SubmitProof sends the proof of a witness.
type SubmitProof struct {
	Proof hdlt.Proof
}

// SubmitProofReply tells whether the proof was admitted and how far the
// prover is from certification.
type SubmitProofReply struct {
	Status    Status
	Count     int32
	Certified bool
	ID        []byte
}

// SubmitReport sends the report of a prover together with the proofs it
// collected. Signature is the signature of the prover over
// hdlt.ReportMessage, Work the proof of work over the same message.
type SubmitReport struct {
	Report    hdlt.LocationReport
	Nonce     hdlt.Nonce
	Signature []byte
	Work      uint64
	Proofs    []hdlt.Proof
}

// SubmitReportReply has StatusOK if the report is certified and
// StatusPending otherwise. Proofs holds the status of every submitted proof.
type SubmitReportReply struct {
	Status Status
	Count  int32
	Proofs []Status
}

// QueryLocation asks for the certified location of a user.
type QueryLocation struct {
	User  hdlt.UserID
	Epoch hdlt.Epoch
}

// QueryLocationReply is empty if the report is not certified.
type QueryLocationReply struct {
	Found    bool
	Location hdlt.Location
}

// QueryCoLocated asks for the witnesses of a certified report.
type QueryCoLocated struct {
	User  hdlt.UserID
	Epoch hdlt.Epoch
}

// QueryCoLocatedReply holds the witnesses.
type QueryCoLocatedReply struct {
	Users []hdlt.UserID
}

// AdvanceEpoch closes the epoch Current. It has to be signed by the
// private key of the conode.
type AdvanceEpoch struct {
	Current   hdlt.Epoch
	Signature []byte
}

// AdvanceEpochReply holds the new epoch and the suspicious witnesses of the
// epoch that left the window.
type AdvanceEpochReply struct {
	Status     Status
	Epoch      hdlt.Epoch
	Suspicions []Suspicion
}

// ReadReport is a user asking for its own certified report. Signature is
// over hdlt.QueryMessage.
type ReadReport struct {
	User      hdlt.UserID
	Epoch     hdlt.Epoch
	Nonce     hdlt.Nonce
	Signature []byte
}

// HALocation is the health authority asking for the report of any user.
// Signature is over hdlt.QueryMessage.
type HALocation struct {
	User      hdlt.UserID
	Epoch     hdlt.Epoch
	Nonce     hdlt.Nonce
	Signature []byte
}

// ReadReportReply holds the report if it is certified.
type ReadReportReply struct {
	Status Status
	Found  bool
	Report hdlt.CertifiedReport
	// Signature is the schnorr signature of the conode over
	// hdlt.ReportReplyMessage. It is only set if Status is OK.
	Signature []byte
}

// HAUsersAt is the health authority asking for the users at a location.
// Signature is over hdlt.LocationQueryMessage.
type HAUsersAt struct {
	Epoch     hdlt.Epoch
	Location  hdlt.Location
	Nonce     hdlt.Nonce
	Signature []byte
}

// UsersReply holds a list of users.
type UsersReply struct {
	Status Status
	Users  []hdlt.UserID
}

// WitnessProofs is a user asking for the proofs it gave as witness.
// Signature is over hdlt.WitnessQueryMessage.
type WitnessProofs struct {
	User      hdlt.UserID
	Epochs    []hdlt.Epoch
	Nonce     hdlt.Nonce
	Signature []byte
}

// WitnessProofsReply holds the proofs.
type WitnessProofsReply struct {
	Status Status
	Proofs []hdlt.Proof
}

// HARequests is the health authority asking for the requests a user issued
// since From, in nanoseconds since the Unix epoch. Signature is over
// hdlt.RequestsMessage.
type HARequests struct {
	User      hdlt.UserID
	From      int64
	Nonce     hdlt.Nonce
	Signature []byte
}

// RequestsReply holds the requests of a user.
type RequestsReply struct {
	Status   Status
	Requests []hdlt.UserRequest
}
