package evidence

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"time"
)

// ErrOutOfOrder is returned when a record arrives with a sequence index not
// greater than the previous one.
var ErrOutOfOrder = errors.New("frame record out of order")

// Aggregator folds frame records into a Summary in a single pass. Records are
// not retained; only running counters are kept.
type Aggregator struct {
	meta SourceMeta
	now  func() time.Time

	histogram map[string]int
	failures  map[string]int
	faces     int
	sampled   int
	rawSeen   int
	lastSeq   int

	qSum, qMin, qMax float64
}

// NewAggregator starts an empty fold for the given source.
func NewAggregator(meta SourceMeta) *Aggregator {
	return &Aggregator{
		meta:      meta,
		now:       time.Now,
		histogram: map[string]int{},
		failures:  map[string]int{},
		lastSeq:   -1,
	}
}

// Add folds one record. Sequence indices must be strictly ascending.
func (a *Aggregator) Add(r FrameRecord) error {
	if r.Sequence <= a.lastSeq {
		return fmt.Errorf("%w: sequence %d after %d", ErrOutOfOrder, r.Sequence, a.lastSeq)
	}
	a.lastSeq = r.Sequence

	for _, o := range r.Objects {
		a.histogram[o.Label]++
	}
	a.faces += len(r.Faces)
	for _, c := range r.Failed() {
		a.failures[c]++
	}

	q := r.Quality
	if a.sampled == 0 {
		a.qMin, a.qMax = q, q
	} else {
		a.qMin = math.Min(a.qMin, q)
		a.qMax = math.Max(a.qMax, q)
	}
	a.qSum += q
	a.sampled++

	a.ObserveRaw(r.RawIndex + 1)
	return nil
}

// ObserveRaw records that at least n raw frames were read from the source.
// It only ever raises the count.
func (a *Aggregator) ObserveRaw(n int) {
	if n > a.rawSeen {
		a.rawSeen = n
	}
}

// Sampled returns the number of records folded so far.
func (a *Aggregator) Sampled() int { return a.sampled }

// Finalize builds the summary. Zero records yield zero-valued statistics and
// an empty histogram.
func (a *Aggregator) Finalize() Summary {
	total := max(a.meta.TotalFrames, a.rawSeen, a.sampled)

	var duration float64
	if a.meta.FrameRate > 0 {
		duration = float64(total) / a.meta.FrameRate
	}

	var stats QualityStats
	if a.sampled > 0 {
		stats = QualityStats{
			Mean: math.Round(a.qSum/float64(a.sampled)*1000) / 1000,
			Min:  a.qMin,
			Max:  a.qMax,
		}
	}

	s := Summary{
		DeviceID:        a.meta.DeviceID,
		SourcePath:      a.meta.SourcePath,
		FrameRate:       a.meta.FrameRate,
		Resolution:      a.meta.Resolution,
		Codec:           a.meta.Codec,
		TotalFrames:     total,
		SampledFrames:   a.sampled,
		Duration:        duration,
		ObjectHistogram: make(map[string]int, len(a.histogram)),
		FaceTotal:       a.faces,
		Quality:         stats,
		ProducedAt:      a.now().UTC(),
	}
	for k, v := range a.histogram {
		s.ObjectHistogram[k] = v
	}
	if len(a.failures) > 0 {
		s.DetectorFailures = make(map[string]int, len(a.failures))
		for k, v := range a.failures {
			s.DetectorFailures[k] = v
		}
	}
	return s
}

// Fold aggregates every record in seq.
func Fold(meta SourceMeta, seq iter.Seq[FrameRecord]) (Summary, error) {
	a := NewAggregator(meta)
	for r := range seq {
		if err := a.Add(r); err != nil {
			return Summary{}, err
		}
	}
	return a.Finalize(), nil
}
