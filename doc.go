/*
Package hdlt holds the types shared by the highly dependable location
tracker.

Users periodically report their position for an epoch. Nearby users act as
witnesses and co-sign proofs that the user was at the claimed place during
that epoch. The location service collects these proofs and certifies a
report once 2f+1 distinct witnesses corroborated it, f being the number of
Byzantine participants the deployment tolerates.

The service itself lives in the location package. The building blocks are:

	nonce     single-use anti-replay tokens, per channel
	pki       the key registry and signature verification
	ledger    the witness proofs per (prover, epoch)
	quorum    the 2f+1 threshold rule
	registry  the certified reports
	epoch     the epoch clock and its ticker
	store     the transactional key/value storage
*/
package hdlt
