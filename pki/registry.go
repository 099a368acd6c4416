package pki

import (
	"encoding/hex"
	"io"
	"sort"

	"github.com/BurntSushi/toml"
	"go.dedis.ch/hdlt"
	"golang.org/x/xerrors"
)

// Verifier checks signatures of the registered principals. Unknown
// principals never verify.
type Verifier interface {
	VerifyUser(id hdlt.UserID, msg, sig []byte) bool
	VerifyHA(msg, sig []byte) bool
}

// Registry maps the users to their public keys and holds the key of the
// health authority. It is immutable.
type Registry struct {
	users map[hdlt.UserID]PublicKey
	ha    *PublicKey
}

// NewRegistry returns a registry of the given keys. ha can be nil if there is
// no health authority.
func NewRegistry(users map[hdlt.UserID]PublicKey, ha *PublicKey) *Registry {
	r := &Registry{users: make(map[hdlt.UserID]PublicKey, len(users))}
	for id, pk := range users {
		r.users[id] = pk
	}
	if ha != nil {
		cp := *ha
		r.ha = &cp
	}
	return r
}

// With returns a copy of the registry with the key of id set to pk.
func (r *Registry) With(id hdlt.UserID, pk PublicKey) *Registry {
	n := NewRegistry(r.users, r.ha)
	n.users[id] = pk
	return n
}

// WithHA returns a copy of the registry with the health-authority key set to
// pk.
func (r *Registry) WithHA(pk PublicKey) *Registry {
	return NewRegistry(r.users, &pk)
}

// User returns the key of a user.
func (r *Registry) User(id hdlt.UserID) (PublicKey, bool) {
	pk, ok := r.users[id]
	return pk, ok
}

// Users returns the registered users in ascending order.
func (r *Registry) Users() []hdlt.UserID {
	ids := make([]hdlt.UserID, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// VerifyUser implements Verifier.
func (r *Registry) VerifyUser(id hdlt.UserID, msg, sig []byte) bool {
	pk, ok := r.users[id]
	if !ok {
		return false
	}
	return Verify(pk, msg, sig)
}

// VerifyHA implements Verifier.
func (r *Registry) VerifyHA(msg, sig []byte) bool {
	if r.ha == nil {
		return false
	}
	return Verify(*r.ha, msg, sig)
}

type keyToml struct {
	ID     int64 `toml:",omitempty"`
	Suite  string
	Public string
}

type registryToml struct {
	HealthAuthority *keyToml
	Users           []keyToml
}

// LoadRegistry reads a registry from a TOML file of the form
//
//	[HealthAuthority]
//	  Suite = "Ed25519"
//	  Public = "..."
//
//	[[Users]]
//	  ID = 1
//	  Suite = "secp256k1"
//	  Public = "..."
func LoadRegistry(file string) (*Registry, error) {
	rt := &registryToml{}
	if _, err := toml.DecodeFile(file, rt); err != nil {
		return nil, xerrors.Errorf("reading %s: %v", file, err)
	}
	return rt.registry()
}

// ParseRegistry is like LoadRegistry but reads the TOML from a string.
func ParseRegistry(data string) (*Registry, error) {
	rt := &registryToml{}
	if _, err := toml.Decode(data, rt); err != nil {
		return nil, xerrors.Errorf("parsing registry: %v", err)
	}
	return rt.registry()
}

func (rt *registryToml) registry() (*Registry, error) {
	r := NewRegistry(nil, nil)
	for _, u := range rt.Users {
		if _, ok := r.users[hdlt.UserID(u.ID)]; ok {
			return nil, xerrors.Errorf("user %d registered twice", u.ID)
		}
		pk, err := ParsePublicKey(u.Suite, u.Public)
		if err != nil {
			return nil, xerrors.Errorf("user %d: %v", u.ID, err)
		}
		r.users[hdlt.UserID(u.ID)] = pk
	}
	if rt.HealthAuthority != nil {
		pk, err := ParsePublicKey(rt.HealthAuthority.Suite, rt.HealthAuthority.Public)
		if err != nil {
			return nil, xerrors.Errorf("health authority: %v", err)
		}
		r.ha = &pk
	}
	return r, nil
}

// Write stores the registry as TOML, readable by LoadRegistry.
func (r *Registry) Write(w io.Writer) error {
	rt := registryToml{}
	if r.ha != nil {
		rt.HealthAuthority = &keyToml{Suite: r.ha.Suite, Public: hex.EncodeToString(r.ha.Data)}
	}
	for _, id := range r.Users() {
		pk := r.users[id]
		rt.Users = append(rt.Users, keyToml{ID: int64(id), Suite: pk.Suite,
			Public: hex.EncodeToString(pk.Data)})
	}
	return toml.NewEncoder(w).Encode(rt)
}
