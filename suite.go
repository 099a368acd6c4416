package hdlt

import (
	"go.dedis.ch/kyber/v3/suites"
)

// Suite is the cryptographic suite used for the Ed25519 keys of the users,
// the health authority and the conodes.
var Suite = suites.MustFind("Ed25519")
