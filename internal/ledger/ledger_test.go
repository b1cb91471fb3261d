package ledger

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/exhibit/internal/evidence"
)

func summary() evidence.Summary {
	return evidence.Summary{
		DeviceID:        "cam-1",
		SampledFrames:   3,
		TotalFrames:     90,
		ObjectHistogram: map[string]int{"person": 2},
		Quality:         evidence.QualityStats{Mean: 0.5, Min: 0.4, Max: 0.6},
	}
}

func TestCreate(t *testing.T) {
	l := New()
	id := l.Create(Meta{DeviceID: "cam-1", SourcePath: "/v/a.mp4"})
	require.NotEmpty(t, id)

	j, err := l.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, j.ID)
	assert.Equal(t, StatusPending, j.Status)
	assert.Zero(t, j.Progress)
	assert.Nil(t, j.Result)
	assert.Empty(t, j.Error)
	assert.Equal(t, "cam-1", j.DeviceID)
	assert.False(t, j.CreatedAt.IsZero())

	assert.NotEqual(t, id, l.Create(Meta{}))
}

func TestLifecycle_Complete(t *testing.T) {
	l := New()
	id := l.Create(Meta{})

	require.NoError(t, l.SetProcessing(id))
	require.NoError(t, l.SetProgress(id, 0.3))
	require.NoError(t, l.Complete(id, summary()))

	j, err := l.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, j.Status)
	assert.Equal(t, 1.0, j.Progress)
	require.NotNil(t, j.Result)
	assert.Equal(t, 3, j.Result.SampledFrames)
	assert.Empty(t, j.Error)
	assert.NotNil(t, j.StartedAt)
	assert.NotNil(t, j.CompletedAt)
}

func TestLifecycle_Fail(t *testing.T) {
	l := New()
	id := l.Create(Meta{})
	require.NoError(t, l.SetProcessing(id))
	require.NoError(t, l.Fail(id, "decode interrupted"))

	j, _ := l.Get(id)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, "decode interrupted", j.Error)
	assert.Nil(t, j.Result)
}

func TestFail_PendingJobAllowed(t *testing.T) {
	l := New()
	id := l.Create(Meta{})
	require.NoError(t, l.Fail(id, ""))
	j, _ := l.Get(id)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, "unknown error", j.Error)
}

func TestInvalidTransitions(t *testing.T) {
	l := New()
	id := l.Create(Meta{})

	assert.ErrorIs(t, l.Complete(id, summary()), ErrInvalidTransition)
	require.NoError(t, l.SetProcessing(id))
	assert.ErrorIs(t, l.SetProcessing(id), ErrInvalidTransition)
}

func TestTerminalIsMonotone(t *testing.T) {
	l := New()
	done := l.Create(Meta{})
	require.NoError(t, l.SetProcessing(done))
	require.NoError(t, l.Complete(done, summary()))

	failed := l.Create(Meta{})
	require.NoError(t, l.Fail(failed, "boom"))

	for _, id := range []string{done, failed} {
		before, _ := l.Get(id)

		assert.ErrorIs(t, l.Complete(id, evidence.Summary{SampledFrames: 99}), ErrTerminal)
		assert.ErrorIs(t, l.Fail(id, "again"), ErrTerminal)
		assert.ErrorIs(t, l.SetProcessing(id), ErrTerminal)
		assert.ErrorIs(t, l.SetProgress(id, 0.1), ErrTerminal)

		after, _ := l.Get(id)
		assert.Equal(t, before, after)
	}
}

func TestSetProgress_ClampedAndMonotone(t *testing.T) {
	l := New()
	id := l.Create(Meta{})
	require.NoError(t, l.SetProcessing(id))

	steps := []struct {
		in, want float64
	}{
		{0.4, 0.4},
		{0.2, 0.4},
		{1.7, 1.0},
		{-1, 1.0},
	}
	for _, s := range steps {
		require.NoError(t, l.SetProgress(id, s.in))
		j, _ := l.Get(id)
		assert.Equal(t, s.want, j.Progress, "after SetProgress(%v)", s.in)
	}
}

func TestNotFound(t *testing.T) {
	l := New()
	_, err := l.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, l.SetProcessing("nope"), ErrNotFound)
	assert.ErrorIs(t, l.SetProgress("nope", 1), ErrNotFound)
	assert.ErrorIs(t, l.Complete("nope", summary()), ErrNotFound)
	assert.ErrorIs(t, l.Fail("nope", "x"), ErrNotFound)
	assert.ErrorIs(t, l.Delete("nope"), ErrNotFound)
	_, _, err = l.Watch("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_IsIdempotentSnapshot(t *testing.T) {
	l := New()
	id := l.Create(Meta{})
	require.NoError(t, l.SetProcessing(id))
	require.NoError(t, l.Complete(id, summary()))

	first, _ := l.Get(id)
	b1, err := json.Marshal(first)
	require.NoError(t, err)

	first.Result.ObjectHistogram["person"] = 1000
	first.Result.SampledFrames = 0
	first.Status = StatusFailed

	for i := 0; i < 3; i++ {
		again, _ := l.Get(id)
		b2, err := json.Marshal(again)
		require.NoError(t, err)
		assert.Equal(t, string(b1), string(b2))
	}
}

func TestComplete_CopiesSummary(t *testing.T) {
	l := New()
	id := l.Create(Meta{})
	require.NoError(t, l.SetProcessing(id))
	s := summary()
	require.NoError(t, l.Complete(id, s))
	s.ObjectHistogram["person"] = 50

	j, _ := l.Get(id)
	assert.Equal(t, 2, j.Result.ObjectHistogram["person"])
}

func TestList(t *testing.T) {
	l := New()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, l.Create(Meta{DeviceID: fmt.Sprintf("cam-%d", i)}))
	}
	require.NoError(t, l.Fail(ids[1], "x"))
	require.NoError(t, l.Fail(ids[3], "y"))

	all, total := l.List(ListFilter{})
	assert.Equal(t, 5, total)
	require.Len(t, all, 5)
	for i, j := range all {
		assert.Equal(t, ids[i], j.ID, "creation order")
	}

	page, total := l.List(ListFilter{Offset: 1, Limit: 2})
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].ID)
	assert.Equal(t, ids[2], page[1].ID)

	failed, total := l.List(ListFilter{Status: StatusFailed})
	assert.Equal(t, 2, total)
	assert.Equal(t, ids[1], failed[0].ID)
	assert.Equal(t, ids[3], failed[1].ID)

	beyond, total := l.List(ListFilter{Offset: 10, Limit: 5})
	assert.Empty(t, beyond)
	assert.Equal(t, 5, total)
}

func TestDelete(t *testing.T) {
	l := New()
	a := l.Create(Meta{})
	b := l.Create(Meta{})
	require.NoError(t, l.Delete(a))

	_, err := l.Get(a)
	assert.ErrorIs(t, err, ErrNotFound)
	jobs, total := l.List(ListFilter{})
	assert.Equal(t, 1, total)
	assert.Equal(t, b, jobs[0].ID)
	assert.Equal(t, 1, l.Len())
}

func TestEvictTerminal(t *testing.T) {
	l := New()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	old := l.Create(Meta{})
	require.NoError(t, l.Fail(old, "x"))
	running := l.Create(Meta{})
	require.NoError(t, l.SetProcessing(running))

	clock = clock.Add(2 * time.Hour)
	fresh := l.Create(Meta{})
	require.NoError(t, l.Fail(fresh, "y"))

	evicted := l.EvictTerminal(clock.Add(-time.Hour))
	require.Len(t, evicted, 1)
	assert.Equal(t, old, evicted[0].ID)
	assert.Equal(t, StatusFailed, evicted[0].Status)
	_, err := l.Get(old)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.Get(running)
	assert.NoError(t, err, "non-terminal jobs are never evicted")
	_, err = l.Get(fresh)
	assert.NoError(t, err)
}

func TestCounts(t *testing.T) {
	l := New()
	l.Create(Meta{})
	id := l.Create(Meta{})
	require.NoError(t, l.SetProcessing(id))
	assert.Equal(t, map[Status]int{StatusPending: 1, StatusProcessing: 1}, l.Counts())
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("completed")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st)
	st, err = ParseStatus("")
	require.NoError(t, err)
	assert.Equal(t, Status(""), st)
	_, err = ParseStatus("done")
	assert.Error(t, err)
}

func TestConcurrentJobsDoNotInterfere(t *testing.T) {
	l := New()
	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := l.Create(Meta{DeviceID: fmt.Sprintf("cam-%d", i)})
			ids[i] = id
			_ = l.SetProcessing(id)
			for p := 1; p <= 10; p++ {
				_ = l.SetProgress(id, float64(p)/10)
				_, _ = l.Get(id)
				l.List(ListFilter{})
			}
			_ = l.Complete(id, evidence.Summary{DeviceID: fmt.Sprintf("cam-%d", i), SampledFrames: i})
		}(i)
	}
	wg.Wait()

	for i, id := range ids {
		j, err := l.Get(id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, j.Status)
		assert.Equal(t, i, j.Result.SampledFrames)
		assert.Equal(t, fmt.Sprintf("cam-%d", i), j.Result.DeviceID)
	}
}
