package evidence

import (
	"encoding/json"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(seq, raw int, quality float64, labels []string, faces int) FrameRecord {
	r := FrameRecord{
		FrameBase: FrameBase{DeviceID: "cam-1", Sequence: seq, RawIndex: raw},
		Quality:   quality,
	}
	for _, l := range labels {
		r.Objects = append(r.Objects, ObjectDetection{Label: l, Confidence: 0.9})
	}
	for i := 0; i < faces; i++ {
		r.Faces = append(r.Faces, FaceRecord{FaceID: "face_0"})
	}
	return r
}

func TestFinalize_ZeroRecords(t *testing.T) {
	s := NewAggregator(SourceMeta{DeviceID: "cam-1"}).Finalize()

	assert.Equal(t, QualityStats{}, s.Quality)
	require.NotNil(t, s.ObjectHistogram)
	assert.Empty(t, s.ObjectHistogram)
	assert.Zero(t, s.FaceTotal)
	assert.Zero(t, s.SampledFrames)
	assert.Zero(t, s.TotalFrames)
	assert.Zero(t, s.Duration)
	assert.Nil(t, s.DetectorFailures)

	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"object_histogram":{}`)
	assert.Contains(t, string(b), `"quality_stats":{"mean":0,"min":0,"max":0}`)
}

func TestAggregator_CountsEveryOccurrence(t *testing.T) {
	a := NewAggregator(SourceMeta{TotalFrames: 90, FrameRate: 30})
	require.NoError(t, a.Add(record(0, 0, 0.4, []string{"person", "person", "car"}, 2)))
	require.NoError(t, a.Add(record(1, 30, 0.8, []string{"person"}, 0)))
	require.NoError(t, a.Add(record(2, 60, 0.6, nil, 1)))

	s := a.Finalize()
	assert.Equal(t, map[string]int{"person": 3, "car": 1}, s.ObjectHistogram)
	assert.Equal(t, 3, s.FaceTotal)
	assert.Equal(t, 3, s.SampledFrames)
	assert.Equal(t, 90, s.TotalFrames)
	assert.Equal(t, 3.0, s.Duration)
	assert.Equal(t, QualityStats{Mean: 0.6, Min: 0.4, Max: 0.8}, s.Quality)
}

func TestAggregator_RejectsOutOfOrder(t *testing.T) {
	a := NewAggregator(SourceMeta{})
	require.NoError(t, a.Add(record(0, 0, 0.5, nil, 0)))
	require.NoError(t, a.Add(record(1, 30, 0.5, nil, 0)))

	err := a.Add(record(1, 60, 0.5, nil, 0))
	assert.ErrorIs(t, err, ErrOutOfOrder)
	err = a.Add(record(0, 90, 0.5, nil, 0))
	assert.ErrorIs(t, err, ErrOutOfOrder)

	assert.Equal(t, 2, a.Sampled())
}

func TestAggregator_TotalRaisedToRawFramesSeen(t *testing.T) {
	// Container claims 10 frames but the sampler read 301.
	a := NewAggregator(SourceMeta{TotalFrames: 10, FrameRate: 0})
	for i := 0; i <= 10; i++ {
		require.NoError(t, a.Add(record(i, i*30, 0.5, nil, 0)))
	}
	a.ObserveRaw(301)

	s := a.Finalize()
	assert.Equal(t, 11, s.SampledFrames)
	assert.Equal(t, 301, s.TotalFrames)
	assert.LessOrEqual(t, s.SampledFrames, s.TotalFrames)
	assert.Zero(t, s.Duration, "duration is zero without a frame rate")
}

func TestAggregator_ObserveRawNeverLowers(t *testing.T) {
	a := NewAggregator(SourceMeta{})
	a.ObserveRaw(50)
	a.ObserveRaw(20)
	assert.Equal(t, 50, a.Finalize().TotalFrames)
}

func TestAggregator_DetectorFailures(t *testing.T) {
	a := NewAggregator(SourceMeta{})
	r := record(0, 0, 0.5, nil, 0)
	r.Outcomes = []Outcome{
		{Capability: "objects", Status: StatusFailed, Reason: "boom"},
		{Capability: "faces", Status: StatusEmpty},
		{Capability: "scene", Status: StatusSkipped},
	}
	require.NoError(t, a.Add(r))
	r2 := record(1, 30, 0.7, nil, 0)
	r2.Outcomes = []Outcome{{Capability: "objects", Status: StatusFailed}}
	require.NoError(t, a.Add(r2))

	s := a.Finalize()
	assert.Equal(t, map[string]int{"objects": 2}, s.DetectorFailures)
	assert.Empty(t, s.ObjectHistogram)
	assert.Equal(t, 2, s.SampledFrames)
	assert.Equal(t, 0.5, s.Quality.Min)
}

func TestAggregator_ProducedAt(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewAggregator(SourceMeta{})
	a.now = func() time.Time { return fixed }
	assert.Equal(t, fixed, a.Finalize().ProducedAt)
}

func TestFold(t *testing.T) {
	records := []FrameRecord{
		record(0, 0, 0.2, []string{"dog"}, 0),
		record(1, 30, 0.4, []string{"dog"}, 1),
	}
	s, err := Fold(SourceMeta{DeviceID: "cam-9", SourcePath: "/tmp/a.mp4"}, slices.Values(records))
	require.NoError(t, err)
	assert.Equal(t, "cam-9", s.DeviceID)
	assert.Equal(t, "/tmp/a.mp4", s.SourcePath)
	assert.Equal(t, map[string]int{"dog": 2}, s.ObjectHistogram)
	assert.Equal(t, 0.3, s.Quality.Mean)

	_, err = Fold(SourceMeta{}, slices.Values([]FrameRecord{records[1], records[0]}))
	assert.ErrorIs(t, err, ErrOutOfOrder)
}

func TestSummaryClone_IsDeep(t *testing.T) {
	s := &Summary{
		ObjectHistogram:  map[string]int{"car": 1},
		DetectorFailures: map[string]int{"faces": 2},
	}
	c := s.Clone()
	c.ObjectHistogram["car"] = 99
	c.DetectorFailures["faces"] = 0

	assert.Equal(t, 1, s.ObjectHistogram["car"])
	assert.Equal(t, 2, s.DetectorFailures["faces"])
	assert.Nil(t, (*Summary)(nil).Clone())
}

func TestTopObjects(t *testing.T) {
	s := &Summary{ObjectHistogram: map[string]int{"car": 2, "person": 5, "bike": 2}}
	assert.Equal(t, []string{"person", "bike", "car"}, s.TopObjects())
}

func TestFrameRecordJSONFlattensBase(t *testing.T) {
	r := record(3, 90, 0.5, []string{"person"}, 0)
	b, err := json.Marshal(r)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, float64(3), m["sequence_index"])
	assert.Equal(t, "cam-1", m["device_id"])
	assert.Contains(t, m, "motion_flag")
	assert.Contains(t, m, "camera_estimate")
}
