package kernels

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeMemory is a flat simulated heap addressed by uintptr, enough to
// exercise the catalog without pulling in simdriver.
type fakeMemory struct {
	heap map[uintptr][]byte
}

func newFakeMemory() *fakeMemory { return &fakeMemory{heap: make(map[uintptr][]byte)} }

func (m *fakeMemory) Read(ptr uintptr, size int) ([]byte, error) {
	return m.heap[ptr][:size], nil
}

func (m *fakeMemory) Write(ptr uintptr, data []byte) error {
	m.heap[ptr] = append([]byte(nil), data...)
	return nil
}

func encodeFloats(vs ...float32) []byte {
	buf := make([]byte, len(vs)*4)
	for i, v := range vs {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeFloats(buf []byte) []float32 {
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

func ptrArgs(ptrs ...uintptr) []byte {
	buf := make([]byte, len(ptrs)*8)
	for i, p := range ptrs {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(p))
	}
	return buf
}

func TestVectorAdd(t *testing.T) {
	mem := newFakeMemory()
	mem.Write(0x10, encodeFloats(1, 2, 3))
	mem.Write(0x20, encodeFloats(10, 20, 30))

	args := append(ptrArgs(0x30, 0x10, 0x20), 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(args[24:], 3)

	require.NoError(t, Catalog[VectorAdd](mem, args))
	out := decodeFloats(mem.heap[0x30])
	require.Equal(t, []float32{11, 22, 33}, out)
}

func TestVectorFill(t *testing.T) {
	mem := newFakeMemory()
	args := ptrArgs(0x40)
	args = append(args, 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(args[8:], 4)
	args = append(args, 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(args[12:], math.Float32bits(7))

	require.NoError(t, Catalog[VectorFill](mem, args))
	out := decodeFloats(mem.heap[0x40])
	require.Equal(t, []float32{7, 7, 7, 7}, out)
}

func TestVectorScale(t *testing.T) {
	mem := newFakeMemory()
	mem.Write(0x50, encodeFloats(1, 2, 3))

	args := ptrArgs(0x60, 0x50)
	args = append(args, 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(args[16:], 3)
	args = append(args, 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(args[20:], math.Float32bits(2))

	require.NoError(t, Catalog[VectorScale](mem, args))
	out := decodeFloats(mem.heap[0x60])
	require.Equal(t, []float32{2, 4, 6}, out)
}

func TestNoop(t *testing.T) {
	require.NoError(t, Catalog[Noop](newFakeMemory(), nil))
}
