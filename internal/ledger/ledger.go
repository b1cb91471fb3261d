// Package ledger tracks evidence processing jobs in memory.
package ledger

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/exhibit/internal/evidence"
)

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrTerminal is returned when a completed or failed job is mutated.
	ErrTerminal = errors.New("job already in terminal state")
	// ErrInvalidTransition is returned for transitions the state machine
	// does not allow, such as completing a pending job.
	ErrInvalidTransition = errors.New("invalid job transition")
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus validates a status name. The empty string is accepted and
// means any status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case "", StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Meta is the caller-supplied description of a job.
type Meta struct {
	DeviceID     string `json:"device_id"`
	SourcePath   string `json:"source_path"`
	EvidenceType string `json:"evidence_type,omitempty"`
	Location     string `json:"location,omitempty"`
}

// Job is a snapshot of one job. Values returned by the Ledger are copies;
// mutating them does not affect the ledger.
type Job struct {
	ID          string            `json:"evidence_id"`
	Status      Status            `json:"status"`
	Progress    float64           `json:"progress"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Error       string            `json:"error,omitempty"`
	Result      *evidence.Summary `json:"result,omitempty"`
	Meta
}

func (j *Job) clone() Job {
	c := *j
	c.Result = j.Result.Clone()
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// ListFilter selects a page of jobs. A zero Limit means no limit.
type ListFilter struct {
	Status Status
	Offset int
	Limit  int
}

// Ledger is a concurrency-safe job table.
type Ledger struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	order    []string
	watchers map[string][]chan Job
	now      func() time.Time
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{
		jobs:     make(map[string]*Job),
		watchers: make(map[string][]chan Job),
		now:      time.Now,
	}
}

// Create registers a pending job and returns its id.
func (l *Ledger) Create(meta Meta) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := uuid.NewString()
	now := l.now().UTC()
	l.jobs[id] = &Job{
		ID:        id,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Meta:      meta,
	}
	l.order = append(l.order, id)
	return id
}

// update applies fn to the job under the write lock and notifies watchers.
func (l *Ledger) update(id string, fn func(j *Job) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	j, ok := l.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if j.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, j.Status)
	}
	if err := fn(j); err != nil {
		return err
	}
	j.UpdatedAt = l.now().UTC()
	l.notify(j)
	return nil
}

// SetProcessing moves a pending job to processing.
func (l *Ledger) SetProcessing(id string) error {
	return l.update(id, func(j *Job) error {
		if j.Status != StatusPending {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusProcessing)
		}
		t := l.now().UTC()
		j.Status = StatusProcessing
		j.StartedAt = &t
		return nil
	})
}

// SetProgress records progress in [0,1]. Values are clamped and progress
// never decreases.
func (l *Ledger) SetProgress(id string, v float64) error {
	return l.update(id, func(j *Job) error {
		v = max(0, min(1, v))
		if v > j.Progress {
			j.Progress = v
		}
		return nil
	})
}

// Complete marks a processing job completed with its summary.
func (l *Ledger) Complete(id string, s evidence.Summary) error {
	return l.update(id, func(j *Job) error {
		if j.Status != StatusProcessing {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusCompleted)
		}
		t := l.now().UTC()
		j.Status = StatusCompleted
		j.Progress = 1
		j.CompletedAt = &t
		j.Result = s.Clone()
		j.Error = ""
		return nil
	})
}

// Fail marks a pending or processing job failed.
func (l *Ledger) Fail(id, msg string) error {
	return l.update(id, func(j *Job) error {
		if msg == "" {
			msg = "unknown error"
		}
		t := l.now().UTC()
		j.Status = StatusFailed
		j.CompletedAt = &t
		j.Error = msg
		j.Result = nil
		return nil
	})
}

// Get returns a snapshot of the job.
func (l *Ledger) Get(id string) (Job, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	j, ok := l.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j.clone(), nil
}

// List returns matching jobs in creation order and the number of matches
// before paging.
func (l *Ledger) List(f ListFilter) ([]Job, int) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var matched []*Job
	for _, id := range l.order {
		j := l.jobs[id]
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		matched = append(matched, j)
	}
	total := len(matched)

	start := min(max(f.Offset, 0), total)
	end := total
	if f.Limit > 0 {
		end = min(start+f.Limit, total)
	}

	out := make([]Job, 0, end-start)
	for _, j := range matched[start:end] {
		out = append(out, j.clone())
	}
	return out, total
}

// Delete removes the job and closes its watchers.
func (l *Ledger) Delete(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	l.remove(id)
	return nil
}

// EvictTerminal removes completed and failed jobs last updated before
// olderThan and returns their final snapshots.
func (l *Ledger) EvictTerminal(olderThan time.Time) []Job {
	l.mu.Lock()
	defer l.mu.Unlock()

	var evicted []Job
	for _, id := range slices.Clone(l.order) {
		j := l.jobs[id]
		if j.Status.Terminal() && j.UpdatedAt.Before(olderThan) {
			evicted = append(evicted, j.clone())
			l.remove(id)
		}
	}
	return evicted
}

// Len returns the number of jobs.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.jobs)
}

// Counts returns the number of jobs per status.
func (l *Ledger) Counts() map[Status]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[Status]int, 4)
	for _, j := range l.jobs {
		out[j.Status]++
	}
	return out
}

func (l *Ledger) remove(id string) {
	delete(l.jobs, id)
	if i := slices.Index(l.order, id); i >= 0 {
		l.order = slices.Delete(l.order, i, i+1)
	}
	for _, ch := range l.watchers[id] {
		close(ch)
	}
	delete(l.watchers, id)
}
