package voice

import "math"

// DefaultThreshold is the acceptance bar for the maximum similarity between
// the live embedding and any enrollment embedding. Comparison is inclusive:
// a score of exactly DefaultThreshold authenticates.
const DefaultThreshold = 0.75

// CosineSimilarity returns dot(a,b) / (||a||*||b||), clipped to [-1, 1].
// Mismatched lengths or a zero vector score 0 rather than erroring; both
// indicate a broken embedding that must never authenticate.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim > 1 {
		sim = 1
	} else if sim < -1 {
		sim = -1
	}
	return sim
}
