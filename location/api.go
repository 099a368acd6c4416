package location

import (
	"time"

	"go.dedis.ch/hdlt"
	"go.dedis.ch/hdlt/antispam"
	"go.dedis.ch/hdlt/nonce"
	"go.dedis.ch/hdlt/pki"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/network"
	"golang.org/x/xerrors"
)

// ErrUnsignedReply is returned if a reply is not signed by the conode it
// was asked from.
var ErrUnsignedReply = xerrors.New("reply not signed by the conode")

// Client talks to the location service of a conode. Rejections are
// returned as errors that can be compared with xerrors.Is to the errors of
// the ledger, nonce, requests and location packages.
type Client struct {
	*onet.Client
}

// NewClient returns a client of the location service.
func NewClient() *Client {
	return &Client{Client: onet.NewClient(hdlt.Suite, ServiceName)}
}

// Nonce asks for a fresh nonce of the channel.
func (c *Client) Nonce(si *network.ServerIdentity, ch nonce.Channel, u hdlt.UserID) (hdlt.Nonce, error) {
	reply := &NonceReply{}
	err := c.SendProtobuf(si, &NonceRequest{Channel: int32(ch), User: u}, reply)
	if err != nil {
		return nil, err
	}
	return reply.Nonce, nil
}

// CurrentEpoch returns the current epoch of the service.
func (c *Client) CurrentEpoch(si *network.ServerIdentity) (hdlt.Epoch, error) {
	reply := &CurrentEpochReply{}
	if err := c.SendProtobuf(si, &CurrentEpoch{}, reply); err != nil {
		return 0, err
	}
	return reply.Epoch, nil
}

// Prove creates the proof of witness that prover is at l in epoch e, using a
// fresh nonce of the witness.
func (c *Client) Prove(si *network.ServerIdentity, witness hdlt.UserID, s pki.Signer,
	prover hdlt.UserID, e hdlt.Epoch, l hdlt.Location) (hdlt.Proof, error) {
	n, err := c.Nonce(si, nonce.User, witness)
	if err != nil {
		return hdlt.Proof{}, err
	}
	p := hdlt.Proof{Prover: prover, Witness: witness, Epoch: e, Location: l, Nonce: n}
	p.Signature, err = s.Sign(p.Message())
	if err != nil {
		return hdlt.Proof{}, xerrors.Errorf("signing proof: %v", err)
	}
	return p, nil
}

// SubmitProof sends the proof of a witness.
func (c *Client) SubmitProof(si *network.ServerIdentity, p hdlt.Proof) (*SubmitProofReply, error) {
	reply := &SubmitProofReply{}
	if err := c.SendProtobuf(si, &SubmitProof{Proof: p}, reply); err != nil {
		return nil, err
	}
	return reply, reply.Status.Err()
}

// SubmitReport signs and sends the report of user with the proofs of its
// witnesses. difficulty is the proof of work asked by the service.
func (c *Client) SubmitReport(si *network.ServerIdentity, s pki.Signer, r hdlt.LocationReport,
	difficulty int, proofs []hdlt.Proof) (*SubmitReportReply, error) {
	n, err := c.Nonce(si, nonce.User, r.User)
	if err != nil {
		return nil, err
	}
	msg := hdlt.ReportMessage(r.User, r.Epoch, r.Location, n)
	sig, err := s.Sign(msg)
	if err != nil {
		return nil, xerrors.Errorf("signing report: %v", err)
	}
	reply := &SubmitReportReply{}
	err = c.SendProtobuf(si, &SubmitReport{Report: r, Nonce: n, Signature: sig,
		Work: antispam.Solve(msg, difficulty), Proofs: proofs}, reply)
	if err != nil {
		return nil, err
	}
	return reply, reply.Status.Err()
}

// QueryLocation returns the certified location of a user.
func (c *Client) QueryLocation(si *network.ServerIdentity, u hdlt.UserID, e hdlt.Epoch) (hdlt.Location, bool, error) {
	reply := &QueryLocationReply{}
	if err := c.SendProtobuf(si, &QueryLocation{User: u, Epoch: e}, reply); err != nil {
		return hdlt.Location{}, false, err
	}
	return reply.Location, reply.Found, nil
}

// QueryCoLocated returns the witnesses of the certified report of a user.
func (c *Client) QueryCoLocated(si *network.ServerIdentity, u hdlt.UserID, e hdlt.Epoch) ([]hdlt.UserID, error) {
	reply := &QueryCoLocatedReply{}
	if err := c.SendProtobuf(si, &QueryCoLocated{User: u, Epoch: e}, reply); err != nil {
		return nil, err
	}
	return reply.Users, nil
}

// AdvanceEpoch closes the current epoch of the conode. priv is the private
// key of the conode.
func (c *Client) AdvanceEpoch(si *network.ServerIdentity, priv kyber.Scalar) (*AdvanceEpochReply, error) {
	cur, err := c.CurrentEpoch(si)
	if err != nil {
		return nil, err
	}
	sig, err := schnorr.Sign(hdlt.Suite, priv, hdlt.AdvanceMessage(cur))
	if err != nil {
		return nil, err
	}
	reply := &AdvanceEpochReply{}
	if err := c.SendProtobuf(si, &AdvanceEpoch{Current: cur, Signature: sig}, reply); err != nil {
		return nil, err
	}
	return reply, reply.Status.Err()
}

// ReadReport returns the certified report of the user owning s, or nil if
// it is not certified.
func (c *Client) ReadReport(si *network.ServerIdentity, u hdlt.UserID, s pki.Signer, e hdlt.Epoch) (*hdlt.CertifiedReport, error) {
	n, err := c.Nonce(si, nonce.User, u)
	if err != nil {
		return nil, err
	}
	sig, err := s.Sign(hdlt.QueryMessage(u, e, n))
	if err != nil {
		return nil, err
	}
	reply := &ReadReportReply{}
	err = c.SendProtobuf(si, &ReadReport{User: u, Epoch: e, Nonce: n, Signature: sig}, reply)
	return fromReportReply(si, u, e, n, reply, err)
}

// HALocation returns the certified report of any user. s is the key of the
// health authority.
func (c *Client) HALocation(si *network.ServerIdentity, s pki.Signer, u hdlt.UserID, e hdlt.Epoch) (*hdlt.CertifiedReport, error) {
	n, err := c.Nonce(si, nonce.HealthAuthority, 0)
	if err != nil {
		return nil, err
	}
	sig, err := s.Sign(hdlt.QueryMessage(u, e, n))
	if err != nil {
		return nil, err
	}
	reply := &ReadReportReply{}
	err = c.SendProtobuf(si, &HALocation{User: u, Epoch: e, Nonce: n, Signature: sig}, reply)
	return fromReportReply(si, u, e, n, reply, err)
}

// fromReportReply returns the report of the reply after checking the
// signature of si on it.
func fromReportReply(si *network.ServerIdentity, u hdlt.UserID, e hdlt.Epoch, n hdlt.Nonce,
	reply *ReadReportReply, err error) (*hdlt.CertifiedReport, error) {
	if err != nil {
		return nil, err
	}
	if err := reply.Status.Err(); err != nil {
		return nil, err
	}
	var cr *hdlt.CertifiedReport
	if reply.Found {
		cr = &reply.Report
	}
	err = schnorr.Verify(hdlt.Suite, si.Public, hdlt.ReportReplyMessage(u, e, cr, n), reply.Signature)
	if err != nil {
		return nil, xerrors.Errorf("report from %s: %v: %w", si.Address, err, ErrUnsignedReply)
	}
	return cr, nil
}

// HARequests returns the requests the user issued from the given time on. s
// is the key of the health authority.
func (c *Client) HARequests(si *network.ServerIdentity, s pki.Signer, u hdlt.UserID, from time.Time) ([]hdlt.UserRequest, error) {
	n, err := c.Nonce(si, nonce.HealthAuthority, 0)
	if err != nil {
		return nil, err
	}
	sig, err := s.Sign(hdlt.RequestsMessage(u, from.UnixNano(), n))
	if err != nil {
		return nil, err
	}
	reply := &RequestsReply{}
	err = c.SendProtobuf(si, &HARequests{User: u, From: from.UnixNano(), Nonce: n, Signature: sig}, reply)
	if err != nil {
		return nil, err
	}
	return reply.Requests, reply.Status.Err()
}

// HAUsersAt returns the users certified at a location. s is the key of the
// health authority.
func (c *Client) HAUsersAt(si *network.ServerIdentity, s pki.Signer, e hdlt.Epoch, l hdlt.Location) ([]hdlt.UserID, error) {
	n, err := c.Nonce(si, nonce.HealthAuthority, 0)
	if err != nil {
		return nil, err
	}
	sig, err := s.Sign(hdlt.LocationQueryMessage(e, l, n))
	if err != nil {
		return nil, err
	}
	reply := &UsersReply{}
	err = c.SendProtobuf(si, &HAUsersAt{Epoch: e, Location: l, Nonce: n, Signature: sig}, reply)
	if err != nil {
		return nil, err
	}
	return reply.Users, reply.Status.Err()
}

// WitnessProofs returns the proofs the user owning s gave as witness.
func (c *Client) WitnessProofs(si *network.ServerIdentity, u hdlt.UserID, s pki.Signer, epochs []hdlt.Epoch) ([]hdlt.Proof, error) {
	n, err := c.Nonce(si, nonce.User, u)
	if err != nil {
		return nil, err
	}
	sig, err := s.Sign(hdlt.WitnessQueryMessage(u, epochs, n))
	if err != nil {
		return nil, err
	}
	reply := &WitnessProofsReply{}
	err = c.SendProtobuf(si, &WitnessProofs{User: u, Epochs: epochs, Nonce: n, Signature: sig}, reply)
	if err != nil {
		return nil, err
	}
	return reply.Proofs, reply.Status.Err()
}
