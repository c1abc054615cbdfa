// Package wireformat implements the one shared on-wire/on-disk layout
// invariant of the enforcement core: fixed-length float32 vectors stored
// as bytes are raw little-endian, per §6 and §9's "Float vector BLOBs"
// design note. The session store's BLOB columns and intent.Vector's
// Bytes/FromBytes use this exact encoding so readers/writers in any
// language interoperate. The decision client does not use it: its JSON
// requests carry vectors as number arrays.
package wireformat

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeFloat32LE serializes vec as len(vec)*4 little-endian bytes.
func EncodeFloat32LE(vec []float32) []byte {
	b := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

// DecodeFloat32LE decodes b into want float32 values. Returns an error if
// the byte length does not match exactly.
func DecodeFloat32LE(b []byte, want int) ([]float32, error) {
	if len(b) != want*4 {
		return nil, fmt.Errorf("wireformat: expected %d bytes for %d float32 values, got %d", want*4, want, len(b))
	}
	out := make([]float32, want)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}
