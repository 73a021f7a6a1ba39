package memalign

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestAlignedSize(t *testing.T) {
	require.Equal(t, uintptr(64), AlignedSize(1))
	require.Equal(t, uintptr(64), AlignedSize(64))
	require.Equal(t, uintptr(128), AlignedSize(65))
}

func TestAlignedBytes(t *testing.T) {
	buf := AlignedBytes(100)
	require.Len(t, buf, 100)
	require.True(t, IsAligned(uintptr(unsafe.Pointer(&buf[0]))))
}

func TestAlignedBytesZero(t *testing.T) {
	require.Nil(t, AlignedBytes(0))
}

func TestAlignUp(t *testing.T) {
	require.Equal(t, uintptr(16), AlignUp(10, 8))
	require.Equal(t, uintptr(5), AlignUp(5, 0))
}
