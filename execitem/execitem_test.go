package execitem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsZeroBlockDim(t *testing.T) {
	_, err := New(1, [3]uint32{1, 1, 1}, [3]uint32{0, 1, 1})
	require.Error(t, err)
}

func TestSetArgGrowsBufferExactly(t *testing.T) {
	e, err := New(1, [3]uint32{1, 1, 1}, [3]uint32{64, 1, 1})
	require.NoError(t, err)

	require.NoError(t, e.SetArg(0, 0, []byte{1, 2, 3, 4}))
	require.Len(t, e.argBuf, 4)

	require.NoError(t, e.SetArg(1, 8, []byte{5, 6}))
	require.Len(t, e.argBuf, 10)

	require.NoError(t, e.SetArg(0, 0, []byte{9, 9, 9, 9}))
	require.Len(t, e.argBuf, 10)
	require.Equal(t, byte(9), e.argBuf[0])
}

func TestLaunchArgsReflectsLayout(t *testing.T) {
	e, err := New(7, [3]uint32{2, 1, 1}, [3]uint32{32, 1, 1})
	require.NoError(t, err)
	require.NoError(t, e.SetArg(0, 0, []byte{1, 2, 3, 4, 5, 6, 7, 8}))

	args := e.LaunchArgs()
	require.Equal(t, uint32(2), args.GridDimX)
	require.Equal(t, uint32(32), args.BlockDimX)
	require.Len(t, args.ArgLayout, 1)
	require.Equal(t, 8, args.ArgLayout[0].Size)
}
