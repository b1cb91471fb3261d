package frame

import "math"

// MotionThreshold is the default mean absolute luma difference above which
// two consecutive sampled frames are considered to contain motion.
const MotionThreshold = 12.0

// MotionScore returns the mean absolute luma difference between prev and cur.
// ok is false when the planes cannot be compared.
func MotionScore(prev, cur Gray) (score float64, ok bool) {
	if !prev.valid() || !cur.valid() || prev.Width != cur.Width || prev.Height != cur.Height {
		return 0, false
	}
	var sum float64
	for i := range cur.Pix {
		sum += math.Abs(float64(cur.Pix[i]) - float64(prev.Pix[i]))
	}
	return sum / float64(len(cur.Pix)), true
}

// DetectMotion reports whether cur differs from prev by more than threshold.
func DetectMotion(prev, cur Gray, threshold float64) bool {
	score, ok := MotionScore(prev, cur)
	return ok && score > threshold
}
