package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"go.dedis.ch/hdlt"
	loc "go.dedis.ch/hdlt/location"
	"go.dedis.ch/hdlt/nonce"
	"go.dedis.ch/hdlt/pki"
	"go.dedis.ch/onet/v3/app"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
	"golang.org/x/xerrors"
	cli "gopkg.in/urfave/cli.v1"
)

// keyFile is the private key of a user. The health authority has ID 0.
type keyFile struct {
	ID      int64
	Suite   string
	Private string
}

func loadKey(file string) (hdlt.UserID, pki.Signer, error) {
	if file == "" {
		return 0, nil, xerrors.New("please give a key file")
	}
	kf := &keyFile{}
	if _, err := toml.DecodeFile(file, kf); err != nil {
		return 0, nil, xerrors.Errorf("reading key: %v", err)
	}
	s, err := pki.LoadSigner(kf.Suite, kf.Private)
	if err != nil {
		return 0, nil, err
	}
	return hdlt.UserID(kf.ID), s, nil
}

func writeKey(file string, id hdlt.UserID, s pki.Signer) error {
	f, err := os.OpenFile(file, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return xerrors.Errorf("creating key file: %v", err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(keyFile{ID: int64(id), Suite: s.Public().Suite,
		Private: s.Private()})
}

// server returns the first conode of the group.
func server(c *cli.Context) (*network.ServerIdentity, error) {
	f, err := os.Open(c.String("group"))
	if err != nil {
		return nil, xerrors.Errorf("couldn't open group file: %v", err)
	}
	defer f.Close()
	group, err := app.ReadGroupDescToml(f)
	if err != nil {
		return nil, xerrors.Errorf("wrong group file: %v", err)
	}
	if group.Roster == nil || len(group.Roster.List) == 0 {
		return nil, xerrors.New("no server defined")
	}
	return group.Roster.List[0], nil
}

func locationOf(c *cli.Context) hdlt.Location {
	return hdlt.Location{X: c.Int64("x"), Y: c.Int64("y")}
}

func keypair(c *cli.Context) error {
	if c.NArg() != 1 {
		return xerrors.New("please give the output key file")
	}
	s, err := pki.NewSigner(c.String("suite"))
	if err != nil {
		return err
	}
	id := hdlt.UserID(c.Int64("id"))
	if c.Bool("ha") {
		id = 0
	}

	keys := c.String("keys")
	reg := pki.NewRegistry(nil, nil)
	if _, err := os.Stat(keys); err == nil {
		reg, err = pki.LoadRegistry(keys)
		if err != nil {
			return err
		}
	}
	if c.Bool("ha") {
		reg = reg.WithHA(s.Public())
	} else {
		if _, ok := reg.User(id); ok {
			return xerrors.Errorf("user %d is already registered", id)
		}
		reg = reg.With(id, s.Public())
	}

	if err := writeKey(c.Args().First(), id, s); err != nil {
		return err
	}
	f, err := os.Create(keys)
	if err != nil {
		return xerrors.Errorf("writing registry: %v", err)
	}
	defer f.Close()
	if err := reg.Write(f); err != nil {
		return xerrors.Errorf("writing registry: %v", err)
	}
	log.Infof("Registered %s for user %d in %s", s.Public(), id, keys)
	return nil
}

func getNonce(c *cli.Context) error {
	si, err := server(c)
	if err != nil {
		return err
	}
	ch := nonce.User
	if c.Bool("ha") {
		ch = nonce.HealthAuthority
	}
	n, err := loc.NewClient().Nonce(si, ch, hdlt.UserID(c.Int64("id")))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%x\n", n)
	return nil
}

func prove(c *cli.Context) error {
	si, err := server(c)
	if err != nil {
		return err
	}
	id, s, err := loadKey(c.String("key"))
	if err != nil {
		return err
	}
	cl := loc.NewClient()
	p, err := cl.Prove(si, id, s, hdlt.UserID(c.Int64("prover")),
		hdlt.Epoch(c.Int64("epoch")), locationOf(c))
	if err != nil {
		return err
	}
	reply, err := cl.SubmitProof(si, p)
	if err != nil {
		return err
	}
	log.Infof("Proof %s: %d witnesses, certified: %t", reply.Status, reply.Count, reply.Certified)
	return nil
}

func report(c *cli.Context) error {
	si, err := server(c)
	if err != nil {
		return err
	}
	id, s, err := loadKey(c.String("key"))
	if err != nil {
		return err
	}
	r := hdlt.LocationReport{User: id, Epoch: hdlt.Epoch(c.Int64("epoch")), Location: locationOf(c)}
	reply, err := loc.NewClient().SubmitReport(si, s, r, c.Int("difficulty"), nil)
	if err != nil {
		return err
	}
	log.Infof("Report %s with %d witnesses", reply.Status, reply.Count)
	return nil
}

func location(c *cli.Context) error {
	si, err := server(c)
	if err != nil {
		return err
	}
	u := hdlt.UserID(c.Int64("user"))
	e := hdlt.Epoch(c.Int64("epoch"))
	cl := loc.NewClient()
	if c.String("ha") != "" {
		_, s, err := loadKey(c.String("ha"))
		if err != nil {
			return err
		}
		cr, err := cl.HALocation(si, s, u, e)
		if err != nil {
			return err
		}
		if cr == nil {
			return xerrors.Errorf("no certified location for %d in epoch %d", u, e)
		}
		fmt.Fprintf(c.App.Writer, "%s %v\n", cr.Report.Location, cr.Witnesses)
		return nil
	}
	l, ok, err := cl.QueryLocation(si, u, e)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.Errorf("no certified location for %d in epoch %d", u, e)
	}
	fmt.Fprintln(c.App.Writer, l)
	return nil
}

func coLocated(c *cli.Context) error {
	si, err := server(c)
	if err != nil {
		return err
	}
	users, err := loc.NewClient().QueryCoLocated(si, hdlt.UserID(c.Int64("user")),
		hdlt.Epoch(c.Int64("epoch")))
	if err != nil {
		return err
	}
	for _, u := range users {
		fmt.Fprintln(c.App.Writer, u)
	}
	return nil
}

func usersAt(c *cli.Context) error {
	si, err := server(c)
	if err != nil {
		return err
	}
	_, s, err := loadKey(c.String("ha"))
	if err != nil {
		return err
	}
	users, err := loc.NewClient().HAUsersAt(si, s, hdlt.Epoch(c.Int64("epoch")), locationOf(c))
	if err != nil {
		return err
	}
	for _, u := range users {
		fmt.Fprintln(c.App.Writer, u)
	}
	return nil
}

func advance(c *cli.Context) error {
	if c.NArg() != 1 {
		return xerrors.New("please give the private.toml of the conode")
	}
	ccfg, err := app.LoadCothority(c.Args().First())
	if err != nil {
		return err
	}
	si, err := ccfg.GetServerIdentity()
	if err != nil {
		return err
	}
	reply, err := loc.NewClient().AdvanceEpoch(si, si.GetPrivate())
	if err != nil {
		return err
	}
	log.Infof("Epoch %d started", reply.Epoch)
	for _, s := range reply.Suspicions {
		log.Warn("Suspicious", s)
	}
	return nil
}
