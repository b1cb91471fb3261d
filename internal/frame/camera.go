package frame

import "fmt"

// CameraSpecs is an estimate of the capturing camera derived only from the
// frame geometry. It is an approximation, not a measurement.
type CameraSpecs struct {
	ResolutionLabel      string  `json:"resolution_label"`
	AspectRatio          float64 `json:"aspect_ratio"`
	ChannelCount         int     `json:"channel_count"`
	BitDepth             int     `json:"bit_depth"`
	EstimatedFocalLength float64 `json:"estimated_focal_length"`
	SensorSizeLabel      string  `json:"sensor_size_label"`
}

// EstimateCameraSpecs derives camera characteristics from frame dimensions.
func EstimateCameraSpecs(f Frame) CameraSpecs {
	var aspect float64
	if f.Height > 0 {
		aspect = round3(float64(f.Width) / float64(f.Height))
	}
	channels := f.Channels
	if channels == 0 {
		channels = 1
	}
	return CameraSpecs{
		ResolutionLabel:      fmt.Sprintf("%dx%d", f.Width, f.Height),
		AspectRatio:          aspect,
		ChannelCount:         channels,
		BitDepth:             8,
		EstimatedFocalLength: EstimateFocalLength(f.Width),
		SensorSizeLabel:      `1/2.3"`,
	}
}

// EstimateFocalLength buckets horizontal resolution into a typical focal
// length in millimetres.
func EstimateFocalLength(width int) float64 {
	switch {
	case width >= 3840:
		return 4.0
	case width >= 1920:
		return 3.5
	case width >= 1280:
		return 3.0
	default:
		return 2.8
	}
}
