// Package analyzer turns a decoded frame into an evidence.FrameRecord by
// combining the deterministic frame signals with the external detection
// capabilities. A failing capability never aborts the frame.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/exhibit/internal/detect"
	"github.com/kalambet/exhibit/internal/evidence"
	"github.com/kalambet/exhibit/internal/frame"
)

const (
	// ObjectThreshold is the default confidence at or below which objects are
	// discarded.
	ObjectThreshold = 0.5
	// FaceConfidence is reported for every face because the face capability
	// has no native confidence signal.
	FaceConfidence = 0.95
	// FrameTimeout bounds the detector calls for a single frame.
	FrameTimeout = 30 * time.Second
)

// Config tunes the analyzer. Zero values take the package defaults.
type Config struct {
	ObjectThreshold float64
	FaceConfidence  float64
	FrameTimeout    time.Duration
	MotionThreshold float64
	Calibration     frame.Calibration
}

func (c Config) withDefaults() Config {
	if c.ObjectThreshold <= 0 {
		c.ObjectThreshold = ObjectThreshold
	}
	if c.FaceConfidence <= 0 {
		c.FaceConfidence = FaceConfidence
	}
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = FrameTimeout
	}
	if c.MotionThreshold <= 0 {
		c.MotionThreshold = frame.MotionThreshold
	}
	return c
}

// FailureObserver is notified of every failed capability call.
type FailureObserver interface {
	DetectorFailed(capability string)
}

// Deps are the capabilities the analyzer calls. Any of them may be nil, in
// which case its outcome is skipped.
type Deps struct {
	Objects  detect.ObjectDetector
	Faces    detect.FaceEncoder
	Scene    detect.SceneClassifier
	Observer FailureObserver
	Logger   *slog.Logger
}

// Analyzer is safe for concurrent use.
type Analyzer struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Analyzer.
func New(deps Deps, cfg Config) *Analyzer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{deps: deps, cfg: cfg.withDefaults(), logger: logger, now: time.Now}
}

// Analyze produces the record for one frame. Motion is always false; use a
// Session to track motion across consecutive frames.
func (a *Analyzer) Analyze(ctx context.Context, f frame.Frame, base evidence.FrameBase) evidence.FrameRecord {
	rec := evidence.FrameRecord{
		FrameBase:   base,
		Objects:     []evidence.ObjectDetection{},
		Faces:       []evidence.FaceRecord{},
		Quality:     frame.AssessQuality(f, a.cfg.Calibration),
		Environment: frame.AssessEnvironment(f),
		Camera:      frame.EstimateCameraSpecs(f),
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, a.cfg.FrameTimeout)
	defer cancel()

	var (
		objOut, faceOut, sceneOut evidence.Outcome
		g                         errgroup.Group
	)
	g.Go(func() error {
		rec.Objects, objOut = a.detectObjects(ctx, f)
		return nil
	})
	g.Go(func() error {
		rec.Faces, faceOut = a.detectFaces(ctx, f)
		return nil
	})
	g.Go(func() error {
		rec.Scene, sceneOut = a.classifyScene(ctx, f)
		return nil
	})
	_ = g.Wait()

	rec.Outcomes = []evidence.Outcome{objOut, faceOut, sceneOut}
	// A cancelled job aborts every call in flight; that is not a detector
	// failure.
	if parent.Err() != nil {
		a.logger.Debug("frame analysis interrupted",
			"device_id", base.DeviceID,
			"sequence", base.Sequence,
			"cause", context.Cause(parent),
		)
		return rec
	}
	for _, o := range rec.Outcomes {
		if o.Status != evidence.StatusFailed {
			continue
		}
		a.logger.Warn("detector failed",
			"capability", o.Capability,
			"device_id", base.DeviceID,
			"sequence", base.Sequence,
			"error", o.Reason,
		)
		if a.deps.Observer != nil {
			a.deps.Observer.DetectorFailed(o.Capability)
		}
	}
	return rec
}

func (a *Analyzer) detectObjects(ctx context.Context, f frame.Frame) ([]evidence.ObjectDetection, evidence.Outcome) {
	out := []evidence.ObjectDetection{}
	if a.deps.Objects == nil {
		return out, skipped(detect.CapabilityObjects)
	}
	dets, err := call(ctx, func(ctx context.Context) ([]detect.Detection, error) {
		return a.deps.Objects.DetectObjects(ctx, f)
	})
	if err != nil {
		return out, failed(detect.CapabilityObjects, err)
	}
	at := a.now().UTC()
	for _, d := range dets {
		if !(d.Confidence > a.cfg.ObjectThreshold) {
			continue
		}
		out = append(out, evidence.ObjectDetection{
			Label:       d.Label,
			Confidence:  d.Confidence,
			BoundingBox: d.BBox,
			DetectedAt:  at,
		})
	}
	return out, present(detect.CapabilityObjects, len(out))
}

func (a *Analyzer) detectFaces(ctx context.Context, f frame.Frame) ([]evidence.FaceRecord, evidence.Outcome) {
	out := []evidence.FaceRecord{}
	if a.deps.Faces == nil {
		return out, skipped(detect.CapabilityFaces)
	}
	encs, err := call(ctx, func(ctx context.Context) ([]detect.FaceEncoding, error) {
		return a.deps.Faces.LocateAndEncode(ctx, f)
	})
	if err != nil {
		return out, failed(detect.CapabilityFaces, err)
	}
	for i, e := range encs {
		out = append(out, evidence.FaceRecord{
			FaceID:     fmt.Sprintf("face_%d", i),
			Location:   e.Location,
			Encoding:   e.Encoding,
			Confidence: a.cfg.FaceConfidence,
			Features:   faceFeatures(e.Encoding),
		})
	}
	return out, present(detect.CapabilityFaces, len(out))
}

func (a *Analyzer) classifyScene(ctx context.Context, f frame.Frame) (string, evidence.Outcome) {
	if a.deps.Scene == nil {
		return "", skipped(detect.CapabilityScene)
	}
	type scene struct {
		label string
		ok    bool
	}
	s, err := call(ctx, func(ctx context.Context) (scene, error) {
		label, ok, err := a.deps.Scene.ClassifyScene(ctx, f)
		return scene{label, ok}, err
	})
	if err != nil {
		return "", failed(detect.CapabilityScene, err)
	}
	if !s.ok {
		return "", evidence.Outcome{Capability: detect.CapabilityScene, Status: evidence.StatusEmpty, Reason: "no label"}
	}
	return s.label, present(detect.CapabilityScene, 1)
}

// call runs fn and abandons it when ctx ends. A panicking capability is
// reported as an error.
func call[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func faceFeatures(enc []float64) evidence.FaceFeatures {
	ff := evidence.FaceFeatures{VectorLength: len(enc), LandmarksApproximated: true}
	if len(enc) == 0 {
		return ff
	}
	var sum float64
	for _, v := range enc {
		sum += v
	}
	mean := sum / float64(len(enc))
	var sq float64
	for _, v := range enc {
		sq += (v - mean) * (v - mean)
	}
	ff.MeanValue = mean
	ff.StdDev = math.Sqrt(sq / float64(len(enc)))
	return ff
}

func skipped(capability string) evidence.Outcome {
	return evidence.Outcome{Capability: capability, Status: evidence.StatusSkipped, Reason: "not configured"}
}

func failed(capability string, err error) evidence.Outcome {
	return evidence.Outcome{Capability: capability, Status: evidence.StatusFailed, Reason: err.Error()}
}

func present(capability string, n int) evidence.Outcome {
	if n == 0 {
		return evidence.Outcome{Capability: capability, Status: evidence.StatusEmpty}
	}
	return evidence.Outcome{Capability: capability, Status: evidence.StatusOK}
}
