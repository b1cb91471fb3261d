package frame

import "math"

// Laplacian kernels. laplace4 is the default second-derivative kernel used for
// sharpness, laplace8 the all-neighbour edge response used for noise.
var (
	laplace4 = [3][3]float64{{0, 1, 0}, {1, -4, 1}, {0, 1, 0}}
	laplace8 = [3][3]float64{{-1, -1, -1}, {-1, 8, -1}, {-1, -1, -1}}
)

// reflect101 maps an out-of-range coordinate back into [0, n) mirroring
// around the edge pixel without repeating it (gfedcb|abcdefgh|gfedcba).
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}

// convolve applies a 3x3 kernel and returns the float response per pixel.
func convolve(g Gray, k [3][3]float64) []float64 {
	out := make([]float64, g.Width*g.Height)
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			var acc float64
			for ky := -1; ky <= 1; ky++ {
				row := reflect101(y+ky, g.Height) * g.Width
				for kx := -1; kx <= 1; kx++ {
					w := k[ky+1][kx+1]
					if w == 0 {
						continue
					}
					acc += w * float64(g.Pix[row+reflect101(x+kx, g.Width)])
				}
			}
			out[y*g.Width+x] = acc
		}
	}
	return out
}

// meanStd returns the mean and population standard deviation.
func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

func grayMeanStd(g Gray) (mean, std float64) {
	if !g.valid() {
		return 0, 0
	}
	var sum float64
	for _, p := range g.Pix {
		sum += float64(p)
	}
	mean = sum / float64(len(g.Pix))
	var sq float64
	for _, p := range g.Pix {
		d := float64(p) - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(g.Pix)))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
