package analyzer

import (
	"context"

	"github.com/kalambet/exhibit/internal/evidence"
	"github.com/kalambet/exhibit/internal/frame"
)

// MotionTracker compares each frame with the one observed before it.
// It is not safe for concurrent use.
type MotionTracker struct {
	threshold float64
	prev      frame.Gray
	seen      bool
}

// NewMotionTracker returns a tracker using threshold, or
// frame.MotionThreshold when threshold is not positive.
func NewMotionTracker(threshold float64) *MotionTracker {
	if threshold <= 0 {
		threshold = frame.MotionThreshold
	}
	return &MotionTracker{threshold: threshold}
}

// Observe records f and reports whether it moved relative to the previous
// frame. The first frame never reports motion.
func (t *MotionTracker) Observe(f frame.Frame) bool {
	g := f.Gray()
	moved := t.seen && frame.DetectMotion(t.prev, g, t.threshold)
	t.prev, t.seen = g, true
	return moved
}

// Session analyzes the frames of one video in order, carrying motion state
// between them.
type Session struct {
	a      *Analyzer
	motion *MotionTracker
}

// NewSession starts a per-video session.
func (a *Analyzer) NewSession() *Session {
	return &Session{a: a, motion: NewMotionTracker(a.cfg.MotionThreshold)}
}

// Analyze is Analyzer.Analyze with the motion flag filled in.
func (s *Session) Analyze(ctx context.Context, f frame.Frame, base evidence.FrameBase) evidence.FrameRecord {
	moved := s.motion.Observe(f)
	rec := s.a.Analyze(ctx, f, base)
	rec.Motion = moved
	return rec
}
