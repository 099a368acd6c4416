package quorum

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/hdlt"
	"golang.org/x/xerrors"
)

type fixed map[hdlt.UserID]Tally

var errDown = xerrors.New("counter down")

func (f fixed) Tally(p hdlt.UserID, e hdlt.Epoch) (Tally, error) {
	if p < 0 {
		return Tally{}, errDown
	}
	return f[p], nil
}

func status(t *testing.T, v *Validator, p hdlt.UserID) Status {
	o, err := v.Evaluate(p, 0)
	require.NoError(t, err)
	return o.Status
}

func TestConfig(t *testing.T) {
	for f, q := range []int{1, 3, 5, 7} {
		c, err := NewConfig(f)
		require.NoError(t, err)
		require.Equal(t, q, c.Threshold())
		require.Equal(t, 3*f+1, c.Universe())
	}
	_, err := NewConfig(-1)
	require.Error(t, err)
}

func TestValidator_Evaluate(t *testing.T) {
	c, err := NewConfig(1)
	require.NoError(t, err)
	l := hdlt.Location{X: 3, Y: 4}
	v := NewValidator(c, fixed{
		1: {Count: 2, Claimed: true, Location: l},
		2: {Count: 3, Claimed: true, Location: l},
		3: {Count: 5, Claimed: false},
		4: {Count: 4, Claimed: true, Location: l},
	})

	o, err := v.Evaluate(1, 0)
	require.NoError(t, err)
	require.Equal(t, Pending, o.Status)
	require.Equal(t, 2, o.Count)
	require.Equal(t, "pending(2)", o.String())

	o, err = v.Evaluate(2, 0)
	require.NoError(t, err)
	require.Equal(t, Certified, o.Status)
	require.Equal(t, l, o.Location)

	// Witnesses without a claim of the prover are not enough.
	require.Equal(t, Pending, status(t, v, 3))
	require.Equal(t, Certified, status(t, v, 4))
	require.Equal(t, Pending, status(t, v, 5))

	_, err = v.Evaluate(-1, 0)
	require.True(t, xerrors.Is(err, errDown))
}

func TestValidator_NoFaults(t *testing.T) {
	c, err := NewConfig(0)
	require.NoError(t, err)
	v := NewValidator(c, fixed{1: {Count: 1, Claimed: true}})
	require.Equal(t, Certified, status(t, v, 1))
}
