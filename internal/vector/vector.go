// Package vector holds the float32 vector codec and similarity math shared
// by the query-embedding cache and the in-memory store.
package vector

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Encode converts a float32 slice to a length-prefixed little-endian frame.
func Encode(floats []float32) ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, int32(len(floats))); err != nil {
		return nil, fmt.Errorf("failed to write vector length: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, floats); err != nil {
		return nil, fmt.Errorf("failed to write vector values: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode converts a frame produced by Encode back to a float32 slice.
func Decode(data []byte) ([]float32, error) {
	buf := bytes.NewReader(data)

	var length int32
	if err := binary.Read(buf, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read vector length: %w", err)
	}
	if length < 0 || int(length)*4 != buf.Len() {
		return nil, fmt.Errorf("vector frame corrupt: claims %d values, %d bytes remain", length, buf.Len())
	}

	floats := make([]float32, length)
	if err := binary.Read(buf, binary.LittleEndian, floats); err != nil {
		return nil, fmt.Errorf("failed to read vector values: %w", err)
	}

	return floats, nil
}

// CosineSimilarity measures directional closeness of two vectors: 1 means
// identical direction, 0 orthogonal, -1 opposite.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same dimension: %d != %d", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0, fmt.Errorf("one or both vectors have zero magnitude")
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}
