package ferrors_test

import (
	"errors"
	"testing"

	"github.com/familyvault/familyvaultd/internal/ferrors"
	"github.com/stretchr/testify/require"
)

func TestKindOfForeignError(t *testing.T) {
	require.Equal(t, ferrors.Internal, ferrors.KindOf(errors.New("boom")))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := ferrors.Wrap(ferrors.IO, cause, "writing cache file")
	require.Equal(t, ferrors.IO, ferrors.KindOf(err))
	require.ErrorIs(t, err, cause)
}

func TestIsMatchesOnKind(t *testing.T) {
	a := ferrors.New(ferrors.NotFound, "file 1")
	b := ferrors.New(ferrors.NotFound, "file 2")
	require.True(t, errors.Is(a, b))

	c := ferrors.New(ferrors.Busy, "locked")
	require.False(t, errors.Is(a, c))
}
