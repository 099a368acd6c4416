package hdlt

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// UserID identifies a registered user. It never changes once the user is
// registered.
type UserID int64

// Epoch is a discrete time window of location reporting. Epochs only grow.
type Epoch int64

// Nonce is a single-use anti-replay token.
type Nonce []byte

// NonceLength is the number of random bytes in a nonce.
const NonceLength = 32

// Location is a position on the grid.
type Location struct {
	X int64
	Y int64
}

// Near returns true if o is at most radius cells away from l on both axes.
func (l Location) Near(o Location, radius int64) bool {
	return abs(l.X-o.X) <= radius && abs(l.Y-o.Y) <= radius
}

func (l Location) String() string {
	return fmt.Sprintf("(%d,%d)", l.X, l.Y)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// LocationReport is the position a user claims for an epoch. It is pending
// while it lacks corroboration and certified once a quorum of witnesses
// signed it.
type LocationReport struct {
	User     UserID
	Epoch    Epoch
	Location Location
}

// Proof is the evidence of a witness: "I observed Prover at Location during
// Epoch". The Signature is made by the witness over ProofMessage.
//
// Prover is the user being located and Witness the user co-signing. In the
// stored schema they are the requester and the prover respectively.
type Proof struct {
	Prover    UserID
	Witness   UserID
	Epoch     Epoch
	Location  Location
	Nonce     Nonce
	Signature []byte
}

// Message returns the bytes the witness has to sign.
func (p Proof) Message() []byte {
	return ProofMessage(p.Prover, p.Epoch, p.Location, p.Nonce)
}

// Equal returns true if both proofs carry the same content and signature.
func (p Proof) Equal(o Proof) bool {
	return p.Prover == o.Prover && p.Witness == o.Witness &&
		p.Epoch == o.Epoch && p.Location == o.Location &&
		bytes.Equal(p.Nonce, o.Nonce) && bytes.Equal(p.Signature, o.Signature)
}

// CertifiedReport is a location report that reached the quorum, together
// with the witnesses that corroborated it.
type CertifiedReport struct {
	Report    LocationReport
	Witnesses []UserID
}

// UserRequest records when a user issued a request.
type UserRequest struct {
	User      UserID
	Timestamp int64
}

// Domain separation tags of the signed messages. A signature over one kind
// of message never verifies for another kind.
const (
	tagProof     = "hdlt/proof"
	tagReport    = "hdlt/report"
	tagQuery     = "hdlt/query"
	tagAt        = "hdlt/at"
	tagWitnessed = "hdlt/witnessed"
	tagAdvance   = "hdlt/advance"
	tagReply     = "hdlt/reply"
	tagRequests  = "hdlt/requests"
)

// ProofMessage is the canonical encoding signed by a witness.
func ProofMessage(prover UserID, e Epoch, l Location, n Nonce) []byte {
	return encode(tagProof, int64(prover), int64(e), l.X, l.Y, n)
}

// ReportMessage is the canonical encoding signed by a user submitting its
// own location report.
func ReportMessage(user UserID, e Epoch, l Location, n Nonce) []byte {
	return encode(tagReport, int64(user), int64(e), l.X, l.Y, n)
}

// QueryMessage is the canonical encoding of a request for the report of
// user at epoch e.
func QueryMessage(user UserID, e Epoch, n Nonce) []byte {
	return encode(tagQuery, int64(user), int64(e), n)
}

// LocationQueryMessage is the canonical encoding of a request for all the
// users at a location.
func LocationQueryMessage(e Epoch, l Location, n Nonce) []byte {
	return encode(tagAt, int64(e), l.X, l.Y, n)
}

// WitnessQueryMessage is the canonical encoding of a request for the proofs
// a user issued as a witness.
func WitnessQueryMessage(user UserID, epochs []Epoch, n Nonce) []byte {
	args := []interface{}{int64(user), int64(len(epochs))}
	for _, e := range epochs {
		args = append(args, int64(e))
	}
	args = append(args, n)
	return encode(tagWitnessed, args...)
}

// AdvanceMessage is the canonical encoding of a request to close epoch
// current.
func AdvanceMessage(current Epoch) []byte {
	return encode(tagAdvance, int64(current))
}

// ReportReplyMessage is the canonical encoding a server signs when it
// answers a read of the report of user at epoch e, with n the nonce of the
// request. cr is nil if the report is not certified.
func ReportReplyMessage(user UserID, e Epoch, cr *CertifiedReport, n Nonce) []byte {
	args := []interface{}{int64(user), int64(e)}
	if cr == nil {
		args = append(args, int64(0))
	} else {
		args = append(args, int64(1), cr.Report.Location.X, cr.Report.Location.Y,
			int64(len(cr.Witnesses)))
		for _, w := range cr.Witnesses {
			args = append(args, int64(w))
		}
	}
	args = append(args, n)
	return encode(tagReply, args...)
}

// RequestsMessage is the canonical encoding of a request for the requests
// user issued from the given time on, in nanoseconds since the Unix epoch.
func RequestsMessage(user UserID, from int64, n Nonce) []byte {
	return encode(tagRequests, int64(user), from, n)
}

func encode(tag string, fields ...interface{}) []byte {
	var buf bytes.Buffer
	buf.WriteString(tag)
	for _, f := range fields {
		switch v := f.(type) {
		case int64:
			binary.Write(&buf, binary.BigEndian, v)
		case Nonce:
			binary.Write(&buf, binary.BigEndian, uint32(len(v)))
			buf.Write(v)
		default:
			panic(fmt.Sprintf("cannot encode %T", f))
		}
	}
	return buf.Bytes()
}
