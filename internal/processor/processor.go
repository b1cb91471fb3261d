// Package processor runs evidence jobs: it samples a video, analyzes each
// sampled frame, folds the records into a summary and records the outcome in
// the job ledger. It is the single fault boundary of the pipeline.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/exhibit/internal/analyzer"
	"github.com/kalambet/exhibit/internal/evidence"
	"github.com/kalambet/exhibit/internal/ledger"
	"github.com/kalambet/exhibit/internal/video"
)

// DefaultWorkers bounds how many jobs decode concurrently.
const DefaultWorkers = 4

// maxRunningProgress is the highest progress reported before completion.
const maxRunningProgress = 0.99

var (
	// ErrSourceUnreadable is returned by Submit when the video cannot be
	// opened. No job is created.
	ErrSourceUnreadable = video.ErrSourceUnreadable
	// ErrShuttingDown is returned by Submit after Shutdown.
	ErrShuttingDown = errors.New("processor is shutting down")
	// ErrNotRunning is returned by Cancel for jobs that are not in flight.
	ErrNotRunning = errors.New("job is not running")

	errCancelled = errors.New("cancelled")
)

// JobStore is the subset of the ledger the processor mutates.
type JobStore interface {
	Create(meta ledger.Meta) string
	SetProcessing(id string) error
	SetProgress(id string, v float64) error
	Complete(id string, s evidence.Summary) error
	Fail(id, msg string) error
}

// Archive persists completed summaries. DeleteEvidence undoes a save whose
// job could not be completed.
type Archive interface {
	SaveEvidence(ctx context.Context, id string, meta ledger.Meta, s evidence.Summary) error
	DeleteEvidence(ctx context.Context, id string) error
}

// Recorder receives job metrics. *metrics.Metrics implements it.
type Recorder interface {
	JobStarted()
	JobFinished(status string, d time.Duration)
	FrameSampled()
}

// Deps are the collaborators of a Processor. Archive and Metrics are
// optional.
type Deps struct {
	Ledger   JobStore
	Analyzer *analyzer.Analyzer
	Open     video.Opener
	Archive  Archive
	Metrics  Recorder
	Logger   *slog.Logger
}

// Options tunes a Processor. Zero values take defaults.
type Options struct {
	Stride  int
	Workers int
}

// Request describes a video to analyze.
type Request struct {
	Path         string
	DeviceID     string
	EvidenceType string
	Location     string
}

func (r Request) meta() ledger.Meta {
	return ledger.Meta{
		DeviceID:     r.DeviceID,
		SourcePath:   r.Path,
		EvidenceType: r.EvidenceType,
		Location:     r.Location,
	}
}

// Processor schedules one background task per submitted job, with at most
// Options.Workers tasks processing at a time.
type Processor struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	sem    *semaphore.Weighted
	now    func() time.Time

	base     context.Context
	stopBase context.CancelCauseFunc

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Processor.
func New(deps Deps, opts Options) (*Processor, error) {
	if deps.Ledger == nil || deps.Analyzer == nil || deps.Open == nil {
		return nil, errors.New("processor: ledger, analyzer and opener are required")
	}
	if opts.Stride == 0 {
		opts.Stride = video.DefaultStride
	}
	if opts.Stride < 1 {
		return nil, fmt.Errorf("processor: %w: got %d", video.ErrInvalidStride, opts.Stride)
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base, stop := context.WithCancelCause(context.Background())
	return &Processor{
		deps:     deps,
		opts:     opts,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(opts.Workers)),
		now:      time.Now,
		base:     base,
		stopBase: stop,
		cancels:  make(map[string]context.CancelCauseFunc),
	}, nil
}

// Submit opens the video, creates a pending job and schedules it. It returns
// without waiting for analysis. If the video cannot be opened the error wraps
// ErrSourceUnreadable and no job exists.
func (p *Processor) Submit(ctx context.Context, req Request) (string, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return "", ErrShuttingDown
	}

	src, err := p.deps.Open(ctx, req.Path)
	if err != nil {
		if errors.Is(err, ErrSourceUnreadable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrSourceUnreadable, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		src.Close()
		return "", ErrShuttingDown
	}

	id := p.deps.Ledger.Create(req.meta())
	jobCtx, cancel := context.WithCancelCause(p.base)
	p.cancels[id] = cancel
	p.wg.Add(1)
	go p.run(jobCtx, id, req, src)

	p.logger.Info("evidence submitted", "job_id", id, "device_id", req.DeviceID, "path", req.Path)
	return id, nil
}

// Cancel stops a pending or processing job. The job fails with "cancelled".
func (p *Processor) Cancel(id string) error {
	p.mu.Lock()
	cancel, ok := p.cancels[id]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	cancel(errCancelled)
	return nil
}

// Active returns the number of jobs not yet finished.
func (p *Processor) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancels)
}

// Shutdown rejects new submissions, cancels running jobs and waits for them
// to record a terminal state or for ctx to end.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.stopBase(ErrShuttingDown)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) run(ctx context.Context, id string, req Request, src video.Source) {
	logger := p.logger.With("job_id", id, "device_id", req.DeviceID)
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		if cancel, ok := p.cancels[id]; ok {
			cancel(nil)
			delete(p.cancels, id)
		}
		p.mu.Unlock()
	}()
	defer func() {
		if err := src.Close(); err != nil {
			logger.Warn("closing video source", "error", err)
		}
	}()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.fail(logger, id, context.Cause(ctx))
		return
	}
	defer p.sem.Release(1)

	if err := p.deps.Ledger.SetProcessing(id); err != nil {
		logger.Error("failed to mark job as processing", "error", err)
		return
	}

	start := p.now()
	if p.deps.Metrics != nil {
		p.deps.Metrics.JobStarted()
	}
	status := string(ledger.StatusFailed)
	defer func() {
		if p.deps.Metrics != nil {
			p.deps.Metrics.JobFinished(status, p.now().Sub(start))
		}
	}()

	summary, err := p.safeProcess(ctx, id, req, src)
	if err != nil {
		p.fail(logger, id, err)
		return
	}

	// The archive row must exist before the job reads as completed, so a
	// delete issued after completion always finds it.
	archived := false
	if p.deps.Archive != nil {
		if err := p.deps.Archive.SaveEvidence(context.WithoutCancel(ctx), id, req.meta(), summary); err != nil {
			logger.Warn("archiving summary failed", "error", err)
		} else {
			archived = true
		}
	}

	if err := p.deps.Ledger.Complete(id, summary); err != nil {
		logger.Error("failed to mark job as completed", "error", err)
		if archived {
			if derr := p.deps.Archive.DeleteEvidence(context.WithoutCancel(ctx), id); derr != nil {
				logger.Warn("removing archived summary of abandoned job", "error", derr)
			}
		}
		return
	}
	status = string(ledger.StatusCompleted)
	logger.Info("evidence processed",
		"sampled_frames", summary.SampledFrames,
		"total_frames", summary.TotalFrames,
		"faces", summary.FaceTotal,
	)
}

func (p *Processor) fail(logger *slog.Logger, id string, err error) {
	msg := err.Error()
	logger.Warn("evidence job failed", "error", msg)
	if ferr := p.deps.Ledger.Fail(id, msg); ferr != nil {
		logger.Error("failed to mark job as failed", "error", ferr)
	}
}

// safeProcess converts a panic anywhere below into a job failure.
func (p *Processor) safeProcess(ctx context.Context, id string, req Request, src video.Source) (s evidence.Summary, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while processing evidence", "job_id", id, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return p.process(ctx, id, req, src)
}

func (p *Processor) process(ctx context.Context, id string, req Request, src video.Source) (evidence.Summary, error) {
	info := src.Info()
	sampler, err := video.NewSampler(src, p.opts.Stride)
	if err != nil {
		return evidence.Summary{}, err
	}

	agg := evidence.NewAggregator(evidence.SourceMeta{
		DeviceID:    req.DeviceID,
		SourcePath:  req.Path,
		FrameRate:   info.FrameRate,
		Resolution:  evidence.Resolution{Width: info.Width, Height: info.Height},
		Codec:       info.Codec,
		TotalFrames: info.FrameCount,
	})
	expected := video.ExpectedSamples(info.FrameCount, p.opts.Stride)
	session := p.deps.Analyzer.NewSession()

	for sampler.Scan() {
		if ctx.Err() != nil {
			return evidence.Summary{}, context.Cause(ctx)
		}
		s := sampler.Frame()
		base := evidence.FrameBase{
			DeviceID:         req.DeviceID,
			CaptureTimestamp: p.now().UTC(),
			Sequence:         s.Sequence,
			RawIndex:         s.RawIndex,
			Resolution:       evidence.Resolution{Width: s.Frame.Width, Height: s.Frame.Height},
			FrameRate:        info.FrameRate,
			Codec:            info.Codec,
		}
		rec := session.Analyze(ctx, s.Frame, base)
		if err := agg.Add(rec); err != nil {
			return evidence.Summary{}, fmt.Errorf("aggregating frame %d: %w", s.Sequence, err)
		}
		if p.deps.Metrics != nil {
			p.deps.Metrics.FrameSampled()
		}

		if expected > 0 {
			progress := min(float64(agg.Sampled())/float64(expected), maxRunningProgress)
			if err := p.deps.Ledger.SetProgress(id, progress); err != nil {
				return evidence.Summary{}, fmt.Errorf("recording progress: %w", err)
			}
		}
	}
	if err := sampler.Err(); err != nil {
		return evidence.Summary{}, err
	}
	if ctx.Err() != nil {
		return evidence.Summary{}, context.Cause(ctx)
	}

	agg.ObserveRaw(sampler.Consumed())
	return agg.Finalize(), nil
}
