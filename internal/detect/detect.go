// Package detect defines the external detection capabilities the analyzer
// consumes and an HTTP client that implements them against an inference
// sidecar.
package detect

import (
	"context"

	"github.com/kalambet/exhibit/internal/frame"
)

// Capability names, used in outcomes, logs and metric labels.
const (
	CapabilityObjects = "objects"
	CapabilityFaces   = "faces"
	CapabilityScene   = "scene"
)

// Detection is one object reported by an ObjectDetector.
type Detection struct {
	ClassID    int        `json:"class_id"`
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
}

// FaceEncoding is one located face. Location is (top, right, bottom, left).
type FaceEncoding struct {
	Location [4]int    `json:"location"`
	Encoding []float64 `json:"encoding"`
}

// ObjectDetector finds objects in a frame.
type ObjectDetector interface {
	DetectObjects(ctx context.Context, f frame.Frame) ([]Detection, error)
}

// FaceEncoder locates faces and returns an encoding vector for each.
type FaceEncoder interface {
	LocateAndEncode(ctx context.Context, f frame.Frame) ([]FaceEncoding, error)
}

// SceneClassifier labels the scene. ok is false when no label is available.
type SceneClassifier interface {
	ClassifyScene(ctx context.Context, f frame.Frame) (label string, ok bool, err error)
}

// Health is the readiness report of a detection backend.
type Health struct {
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Has reports whether the backend advertises the named capability. A backend
// that advertises nothing is assumed to serve everything.
func (h Health) Has(capability string) bool {
	if len(h.Capabilities) == 0 {
		return true
	}
	for _, c := range h.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
