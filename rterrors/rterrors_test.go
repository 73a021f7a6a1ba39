package rterrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapIsMatchesKind(t *testing.T) {
	cause := errors.New("native call failed")
	err := Wrap(NotReady, "event not finished", cause)

	require.True(t, errors.Is(err, ErrNotReady))
	require.False(t, errors.Is(err, ErrResourceBusy))
	require.Equal(t, cause, errors.Unwrap(err))
}

func TestKindOf(t *testing.T) {
	require.Equal(t, LaunchFailure, KindOf(New(LaunchFailure, "bad kernel")))
	require.Equal(t, Unknown, KindOf(errors.New("plain error")))
}

func TestKindString(t *testing.T) {
	require.Equal(t, "OutOfMemory", OutOfMemory.String())
	require.Equal(t, "Unknown", Kind(999).String())
}
