package hdlt

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

var errDisk = xerrors.New("disk full")

func failingWrite() error {
	return xerrors.Errorf("writing proof: %w", errDisk)
}

func annotateForCaller(err error) error {
	return AnnotateSkip("helper", err, 2)
}

func TestAnnotate(t *testing.T) {
	err := Annotate("submit", failingWrite())
	require.Equal(t, "submit: writing proof: disk full", err.Error())
	require.True(t, xerrors.Is(err, errDisk))
	require.Equal(t, "submit", err.(*Error).Op())
	require.Contains(t, fmt.Sprintf("%+v", err), "TestAnnotate")

	require.Nil(t, Annotate("submit", nil))
	require.Equal(t, "disk full", Annotate("", errDisk).Error())
}

func TestAnnotateSkip(t *testing.T) {
	err := annotateForCaller(errDisk)
	require.True(t, xerrors.Is(err, errDisk))
	require.Contains(t, fmt.Sprintf("%+v", err), "TestAnnotateSkip")
	require.NotContains(t, fmt.Sprintf("%+v", err), "annotateForCaller")
}
