package frame

import "math"

const (
	// DefaultQuality is reported for frames that cannot be scored at all.
	DefaultQuality = 0.5
	// FallbackNoise is reported when the noise estimate cannot be computed.
	FallbackNoise = 25.0
)

// Calibration holds the divisors that normalise raw signals into [0,1].
// They are heuristics, not physical constants: a deployment may recalibrate
// them but must keep them fixed so that historical scores stay comparable.
type Calibration struct {
	// Sharpness divides the Laplacian variance.
	Sharpness float64 `json:"sharpness" toml:"sharpness"`
	// Brightness is the ideal mean intensity and the normaliser for its distance.
	Brightness float64 `json:"brightness" toml:"brightness"`
	// Contrast divides the intensity standard deviation.
	Contrast float64 `json:"contrast" toml:"contrast"`
	// Noise divides the noise estimate.
	Noise float64 `json:"noise" toml:"noise"`
}

// DefaultCalibration returns the reference constants 1000, 128, 64 and 50.
func DefaultCalibration() Calibration {
	return Calibration{Sharpness: 1000, Brightness: 128, Contrast: 64, Noise: 50}
}

func (c Calibration) withDefaults() Calibration {
	d := DefaultCalibration()
	if c.Sharpness <= 0 {
		c.Sharpness = d.Sharpness
	}
	if c.Brightness <= 0 {
		c.Brightness = d.Brightness
	}
	if c.Contrast <= 0 {
		c.Contrast = d.Contrast
	}
	if c.Noise <= 0 {
		c.Noise = d.Noise
	}
	return c
}

// QualityBreakdown exposes the four normalised sub-scores and their mean.
type QualityBreakdown struct {
	Sharpness  float64 `json:"sharpness"`
	Brightness float64 `json:"brightness"`
	Contrast   float64 `json:"contrast"`
	Noise      float64 `json:"noise"`
	Score      float64 `json:"score"`
}

// Assess computes the quality sub-scores of f. ok is false when the frame is
// malformed and nothing could be measured.
func Assess(f Frame, cal Calibration) (b QualityBreakdown, ok bool) {
	g := f.Gray()
	if !g.valid() {
		return QualityBreakdown{}, false
	}
	cal = cal.withDefaults()

	_, lapStd := meanStd(convolve(g, laplace4))
	mean, std := grayMeanStd(g)
	noise := EstimateNoise(g)

	b.Sharpness = math.Min(lapStd*lapStd/cal.Sharpness, 1)
	b.Brightness = clamp01(1 - math.Abs(mean-cal.Brightness)/cal.Brightness)
	b.Contrast = math.Min(std/cal.Contrast, 1)
	b.Noise = clamp01(1 - noise/cal.Noise)

	score := (b.Sharpness + b.Brightness + b.Contrast + b.Noise) / 4
	if !finite(score) {
		return QualityBreakdown{}, false
	}
	b.Score = round3(score)
	return b, true
}

// AssessQuality returns the unweighted mean of the sharpness, brightness,
// contrast and inverse-noise sub-scores rounded to three decimals.
// Malformed frames score DefaultQuality.
func AssessQuality(f Frame, cal Calibration) float64 {
	b, ok := Assess(f, cal)
	if !ok {
		return DefaultQuality
	}
	return b.Score
}

// EstimateNoise returns the standard deviation of the all-neighbour Laplacian
// response. It never fails: degenerate input yields FallbackNoise.
func EstimateNoise(g Gray) float64 {
	if !g.valid() {
		return FallbackNoise
	}
	_, std := meanStd(convolve(g, laplace8))
	if !finite(std) {
		return FallbackNoise
	}
	return std
}
