// Package evidence defines the per-frame evidence record, the per-video
// summary built from it, and the streaming aggregator that folds the former
// into the latter.
package evidence

import (
	"maps"
	"slices"
	"time"

	"github.com/kalambet/exhibit/internal/frame"
)

// Resolution is a frame size in pixels.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// FrameBase is the metadata known about a sampled frame before analysis.
type FrameBase struct {
	DeviceID         string     `json:"device_id"`
	CaptureTimestamp time.Time  `json:"capture_timestamp"`
	Sequence         int        `json:"sequence_index"`
	RawIndex         int        `json:"raw_index"`
	Resolution       Resolution `json:"resolution"`
	FrameRate        float64    `json:"frame_rate"`
	Codec            string     `json:"codec_label"`
}

// ObjectDetection is one retained object in a frame.
type ObjectDetection struct {
	Label       string     `json:"label"`
	Confidence  float64    `json:"confidence"`
	BoundingBox [4]float64 `json:"bounding_box"`
	DetectedAt  time.Time  `json:"detected_at"`
}

// FaceFeatures are statistics derived from a face encoding vector.
type FaceFeatures struct {
	VectorLength          int     `json:"vector_length"`
	MeanValue             float64 `json:"mean_value"`
	StdDev                float64 `json:"std_dev"`
	LandmarksApproximated bool    `json:"landmarks_approximated"`
}

// FaceRecord is one face in a frame. FaceID is unique within the frame only.
type FaceRecord struct {
	FaceID     string       `json:"face_id"`
	Location   [4]int       `json:"location"`
	Encoding   []float64    `json:"encoding_vector"`
	Confidence float64      `json:"confidence"`
	Features   FaceFeatures `json:"derived_features"`
}

// Outcome statuses.
const (
	StatusOK      = "ok"
	StatusEmpty   = "empty"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Outcome records what one detection capability produced for a frame.
type Outcome struct {
	Capability string `json:"capability"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

// FrameRecord is the analysis result for one sampled frame. It is not
// modified after the analyzer returns it.
type FrameRecord struct {
	FrameBase
	Objects     []ObjectDetection `json:"objects"`
	Faces       []FaceRecord      `json:"faces"`
	Scene       string            `json:"scene,omitempty"`
	Motion      bool              `json:"motion_flag"`
	Quality     float64           `json:"quality_score"`
	Environment frame.Environment `json:"environment"`
	Camera      frame.CameraSpecs `json:"camera_estimate"`
	Outcomes    []Outcome         `json:"outcomes,omitempty"`
}

// Failed returns the capabilities whose outcome is StatusFailed.
func (r FrameRecord) Failed() []string {
	var out []string
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			out = append(out, o.Capability)
		}
	}
	return out
}

// QualityStats summarises quality scores across sampled frames.
type QualityStats struct {
	Mean float64 `json:"mean"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// SourceMeta describes the video a summary is built for.
type SourceMeta struct {
	DeviceID    string
	SourcePath  string
	FrameRate   float64
	Resolution  Resolution
	Codec       string
	TotalFrames int
}

// Summary is the per-video evidence result.
type Summary struct {
	DeviceID         string         `json:"device_id"`
	SourcePath       string         `json:"source_path"`
	FrameRate        float64        `json:"frame_rate"`
	Resolution       Resolution     `json:"resolution"`
	Codec            string         `json:"codec,omitempty"`
	TotalFrames      int            `json:"total_frame_count"`
	SampledFrames    int            `json:"sampled_frame_count"`
	Duration         float64        `json:"duration_seconds"`
	ObjectHistogram  map[string]int `json:"object_histogram"`
	FaceTotal        int            `json:"face_total_count"`
	Quality          QualityStats   `json:"quality_stats"`
	DetectorFailures map[string]int `json:"detector_failures,omitempty"`
	ProducedAt       time.Time      `json:"produced_at"`
}

// Clone returns a deep copy of s.
func (s *Summary) Clone() *Summary {
	if s == nil {
		return nil
	}
	c := *s
	c.ObjectHistogram = maps.Clone(s.ObjectHistogram)
	if c.ObjectHistogram == nil {
		c.ObjectHistogram = map[string]int{}
	}
	c.DetectorFailures = maps.Clone(s.DetectorFailures)
	return &c
}

// TopObjects returns histogram labels ordered by descending count, ties by
// label.
func (s *Summary) TopObjects() []string {
	labels := slices.Collect(maps.Keys(s.ObjectHistogram))
	slices.SortFunc(labels, func(a, b string) int {
		if d := s.ObjectHistogram[b] - s.ObjectHistogram[a]; d != 0 {
			return d
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	})
	return labels
}
