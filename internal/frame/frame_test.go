package frame

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniform(w, h int, v uint8) Frame {
	pix := make([]uint8, w*h*3)
	for i := range pix {
		pix[i] = v
	}
	return Frame{Width: w, Height: h, Channels: 3, Pix: pix}
}

// halves fills the left half of a grayscale frame with a and the right half with b.
func halves(w, h int, a, b uint8) Frame {
	pix := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < w/2 {
				pix[y*w+x] = a
			} else {
				pix[y*w+x] = b
			}
		}
	}
	return Frame{Width: w, Height: h, Channels: 1, Pix: pix}
}

func checkerboard(w, h int) Frame {
	pix := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x+y)%2 == 0 {
				pix[y*w+x] = 255
			}
		}
	}
	return Frame{Width: w, Height: h, Channels: 1, Pix: pix}
}

func TestFrameValid(t *testing.T) {
	assert.True(t, uniform(4, 3, 0).Valid())
	assert.False(t, Frame{}.Valid())
	assert.False(t, Frame{Width: 2, Height: 2, Channels: 4, Pix: make([]uint8, 16)}.Valid())
	assert.False(t, Frame{Width: 2, Height: 2, Channels: 3, Pix: make([]uint8, 11)}.Valid())
}

func TestGrayConversion(t *testing.T) {
	// Pure red in BGR order.
	f := Frame{Width: 1, Height: 1, Channels: 3, Pix: []uint8{0, 0, 255}}
	g := f.Gray()
	require.Len(t, g.Pix, 1)
	assert.Equal(t, uint8(76), g.Pix[0])

	assert.Empty(t, Frame{Width: 1, Height: 1, Channels: 3}.Gray().Pix)
}

func TestFromImageRoundTrip(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	img.Set(1, 0, color.RGBA{R: 200, G: 100, B: 50, A: 255})

	f := FromImage(img)
	require.True(t, f.Valid())
	assert.Equal(t, []uint8{30, 20, 10, 50, 100, 200}, f.Pix)

	back := f.Image()
	assert.Equal(t, img.Pix, back.Pix)
}

func TestFromImageGray(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 3, 2))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 10)
	}
	f := FromImage(img)
	assert.Equal(t, 1, f.Channels)
	assert.Equal(t, []uint8{0, 10, 20, 30, 40, 50}, f.Pix)
}

// opaqueImage hides the concrete type so FromImage takes the generic path.
type opaqueImage struct{ image.Image }

func TestFromImageYCbCrMatchesGenericPath(t *testing.T) {
	for _, ratio := range []image.YCbCrSubsampleRatio{
		image.YCbCrSubsampleRatio444,
		image.YCbCrSubsampleRatio422,
		image.YCbCrSubsampleRatio420,
	} {
		img := image.NewYCbCr(image.Rect(0, 0, 7, 5), ratio)
		for i := range img.Y {
			img.Y[i] = uint8(i * 37)
		}
		for i := range img.Cb {
			img.Cb[i] = uint8(i*53 + 11)
			img.Cr[i] = uint8(255 - i*29)
		}
		sub := img.SubImage(image.Rect(1, 1, 6, 5))

		for _, src := range []image.Image{img, sub} {
			fast := FromImage(src)
			slow := FromImage(opaqueImage{src})
			require.True(t, fast.Valid(), ratio.String())
			assert.Equal(t, slow, fast, ratio.String())
		}
	}
}

func TestReflect101(t *testing.T) {
	assert.Equal(t, 1, reflect101(-1, 5))
	assert.Equal(t, 3, reflect101(5, 5))
	assert.Equal(t, 2, reflect101(2, 5))
	assert.Equal(t, 0, reflect101(-1, 1))
}

func TestAssess_UniformMidGrey(t *testing.T) {
	b, ok := Assess(uniform(16, 16, 128), DefaultCalibration())
	require.True(t, ok)

	assert.Equal(t, 1.0, b.Brightness)
	assert.Equal(t, 0.0, b.Sharpness)
	assert.Equal(t, 0.0, b.Contrast)
	assert.Equal(t, 1.0, b.Noise)
	assert.Equal(t, 0.5, b.Score)
}

func TestAssessQuality(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  float64
	}{
		{"black", uniform(8, 8, 0), 0.25},
		{"mid grey", uniform(8, 8, 128), 0.5},
		{"malformed", Frame{Width: 2, Height: 2, Channels: 4}, DefaultQuality},
		{"empty", Frame{}, DefaultQuality},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AssessQuality(tt.frame, DefaultCalibration()))
		})
	}
}

func TestAssessQuality_CheckerboardIsSharpAndNoisy(t *testing.T) {
	b, ok := Assess(checkerboard(16, 16), DefaultCalibration())
	require.True(t, ok)

	assert.Equal(t, 1.0, b.Sharpness)
	assert.Equal(t, 1.0, b.Contrast)
	assert.Equal(t, 0.0, b.Noise)
	assert.InDelta(t, 1-0.5/128, b.Brightness, 1e-9)
	assert.GreaterOrEqual(t, b.Score, 0.0)
	assert.LessOrEqual(t, b.Score, 1.0)
}

func TestAssessQuality_Deterministic(t *testing.T) {
	f := halves(32, 16, 40, 210)
	first := AssessQuality(f, DefaultCalibration())
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, AssessQuality(f, DefaultCalibration()))
	}
}

func TestAssessQuality_ZeroCalibrationFallsBackToDefaults(t *testing.T) {
	f := halves(32, 16, 40, 210)
	assert.Equal(t, AssessQuality(f, DefaultCalibration()), AssessQuality(f, Calibration{}))
}

func TestAssessQuality_Recalibrated(t *testing.T) {
	// Contrast divisor large enough that the half/half frame no longer saturates.
	f := halves(32, 16, 0, 100)
	def, _ := Assess(f, DefaultCalibration())
	cal := DefaultCalibration()
	cal.Contrast = 100
	got, _ := Assess(f, cal)

	assert.Equal(t, 0.78125, def.Contrast)
	assert.Equal(t, 0.5, got.Contrast)
}

func TestEstimateNoise(t *testing.T) {
	assert.Equal(t, 0.0, EstimateNoise(uniform(8, 8, 77).Gray()))
	assert.Greater(t, EstimateNoise(checkerboard(8, 8).Gray()), 50.0)
}

func TestEstimateNoise_FallbackOnMalformedInput(t *testing.T) {
	tests := []struct {
		name string
		g    Gray
	}{
		{"empty", Gray{}},
		{"buffer mismatch", Gray{Width: 4, Height: 4, Pix: make([]uint8, 3)}},
		{"negative size", Gray{Width: -1, Height: 4}},
		{"from wrong channel count", Frame{Width: 2, Height: 2, Channels: 2, Pix: make([]uint8, 8)}.Gray()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, FallbackNoise, EstimateNoise(tt.g))
		})
	}
}

func TestClassifyLighting(t *testing.T) {
	tests := []struct {
		v    uint8
		want string
	}{
		{0, LightingVeryDark},
		{49, LightingVeryDark},
		{50, LightingDark},
		{99, LightingDark},
		{100, LightingNormal},
		{179, LightingNormal},
		{180, LightingBright},
		{219, LightingBright},
		{220, LightingVeryBright},
		{255, LightingVeryBright},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyLighting(uniform(4, 4, tt.v).Gray()), "intensity %d", tt.v)
	}
}

func TestEstimateWeather(t *testing.T) {
	assert.Equal(t, WeatherFoggy, EstimateWeather(uniform(8, 8, 128).Gray()))
	assert.Equal(t, WeatherCloudy, EstimateWeather(halves(8, 8, 0, 180).Gray()))
	assert.Equal(t, WeatherSunny, EstimateWeather(halves(8, 8, 180, 250).Gray()))
	assert.Equal(t, WeatherOvercast, EstimateWeather(halves(8, 8, 0, 200).Gray()))
}

func TestEstimateTimeOfDay(t *testing.T) {
	tests := []struct {
		v    uint8
		want string
	}{
		{10, TimeNight},
		{50, TimeTwilight},
		{119, TimeTwilight},
		{120, TimeDaytime},
		{200, TimeDaytime},
		{201, TimeMidday},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EstimateTimeOfDay(uniform(4, 4, tt.v).Gray()), "intensity %d", tt.v)
	}
}

func TestClassifiersAreTotal(t *testing.T) {
	var g Gray
	assert.NotEmpty(t, ClassifyLighting(g))
	assert.NotEmpty(t, EstimateWeather(g))
	assert.NotEmpty(t, EstimateTimeOfDay(g))
}

func TestAssessEnvironment(t *testing.T) {
	env := AssessEnvironment(uniform(8, 8, 30))
	assert.Equal(t, Environment{
		Lighting:  LightingVeryDark,
		Weather:   WeatherFoggy,
		TimeOfDay: TimeNight,
		Noise:     0,
	}, env)
}

func TestEstimateCameraSpecs(t *testing.T) {
	specs := EstimateCameraSpecs(uniform(1920, 1080, 0))
	assert.Equal(t, "1920x1080", specs.ResolutionLabel)
	assert.Equal(t, 1.778, specs.AspectRatio)
	assert.Equal(t, 3, specs.ChannelCount)
	assert.Equal(t, 8, specs.BitDepth)
	assert.Equal(t, 3.5, specs.EstimatedFocalLength)
	assert.Equal(t, `1/2.3"`, specs.SensorSizeLabel)
}

func TestEstimateFocalLength(t *testing.T) {
	assert.Equal(t, 4.0, EstimateFocalLength(3840))
	assert.Equal(t, 3.5, EstimateFocalLength(3839))
	assert.Equal(t, 3.5, EstimateFocalLength(1920))
	assert.Equal(t, 3.0, EstimateFocalLength(1280))
	assert.Equal(t, 2.8, EstimateFocalLength(640))
}

func TestDetectMotion(t *testing.T) {
	dark := uniform(8, 8, 10).Gray()
	light := uniform(8, 8, 200).Gray()

	assert.False(t, DetectMotion(dark, dark, MotionThreshold))
	assert.True(t, DetectMotion(dark, light, MotionThreshold))
	assert.False(t, DetectMotion(Gray{}, light, MotionThreshold))
	assert.False(t, DetectMotion(uniform(4, 4, 0).Gray(), light, MotionThreshold))

	score, ok := MotionScore(dark, light)
	require.True(t, ok)
	assert.Equal(t, 190.0, score)
}
