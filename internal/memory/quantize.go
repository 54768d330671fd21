package memory

import (
	"math"
	"math/bits"
)

// QuantizeInt8 compresses a float vector to int8 (~16x smaller than float64
// storage) using symmetric max-abs scaling. The returned scale restores
// approximate magnitudes: value ~= int8 * scale.
func QuantizeInt8(v []float32) ([]int8, float32) {
	if len(v) == 0 {
		return nil, 0
	}
	var maxAbs float32
	for _, x := range v {
		if a := float32(math.Abs(float64(x))); a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs == 0 {
		return make([]int8, len(v)), 0
	}
	scale := maxAbs / 127
	out := make([]int8, len(v))
	for i, x := range v {
		q := math.Round(float64(x / scale))
		if q > 127 {
			q = 127
		} else if q < -127 {
			q = -127
		}
		out[i] = int8(q)
	}
	return out, scale
}

// QuantizeBits packs the sign of each dimension into one bit (~32x smaller).
func QuantizeBits(v []float32) []uint64 {
	if len(v) == 0 {
		return nil
	}
	words := (len(v) + 63) / 64
	out := make([]uint64, words)
	for i, x := range v {
		if x > 0 {
			out[i/64] |= 1 << uint(i%64)
		}
	}
	return out
}

// Hamming counts differing bits between two packed binary embeddings.
func Hamming(a, b []uint64) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	dist := 0
	for i := 0; i < n; i++ {
		dist += bits.OnesCount64(a[i] ^ b[i])
	}
	return dist
}

// CosineSimilarity over float vectors, mapped to [0,1].
func CosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return (cos + 1) / 2
}

// CosineSimilarityInt8 rescales both sides and scores like the float path.
func CosineSimilarityInt8(a []int8, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		x := float64(a[i])
		y := float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return (cos + 1) / 2
}
