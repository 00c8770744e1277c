package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/service/inference"
	"github.com/khaledhikmat/vs-detect/service/lgr"
)

var (
	ErrNoLabels      = errors.New("inference backend has no labels")
	ErrEmptyFrame    = errors.New("empty frame")
	ErrEngineStopped = errors.New("engine stopped")
)

const (
	defaultResultTTL     = 30 * time.Second
	defaultSweepInterval = time.Second
)

type Parameters struct {
	// Used by callers that have no per-source thresholds of their own.
	ConfidenceThreshold float32
	NMSThreshold        float32

	// Completed results not acked within ResultTTL are evicted.
	ResultTTL     time.Duration
	SweepInterval time.Duration

	// Niceness is applied to the worker thread at start. 0 leaves it alone.
	Niceness int
}

type Option func(*Engine)

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

type entry struct {
	result model.DetectionResult
	// Reference taken by Submit, held until the result is acked or evicted.
	frame *model.Frame
}

// Engine runs detection jobs for any number of sources on one worker. Callers
// submit frames and poll for results; nothing in the public API blocks on
// inference.
type Engine struct {
	params Parameters
	infSvc inference.IService
	labels []string
	tracer trace.Tracer

	nextID atomic.Uint64

	queueMu sync.Mutex
	queue   []model.DetectionJob
	closed  bool
	jobSig  chan struct{}

	resultsMu sync.Mutex
	results   map[uint64]*entry
	// Closed and replaced every time a result lands.
	completed chan struct{}

	cancel context.CancelFunc
	done   chan struct{}

	submitted atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64
	evicted   atomic.Uint64
	acked     atomic.Uint64
	procNanos atomic.Int64
	startTime time.Time
}

func New(params Parameters, infSvc inference.IService, opts ...Option) (*Engine, error) {
	if infSvc == nil {
		return nil, xerrors.Errorf("creating engine: %w", ErrNoLabels)
	}

	labels := infSvc.Labels()
	if len(labels) == 0 {
		return nil, xerrors.Errorf("creating engine: %w", ErrNoLabels)
	}

	if params.ResultTTL <= 0 {
		params.ResultTTL = defaultResultTTL
	}
	if params.SweepInterval <= 0 {
		params.SweepInterval = defaultSweepInterval
	}

	e := &Engine{
		params:    params,
		infSvc:    infSvc,
		labels:    labels,
		tracer:    noop.NewTracerProvider().Tracer("vs-detect/engine"),
		jobSig:    make(chan struct{}, 1),
		results:   map[uint64]*entry{},
		completed: make(chan struct{}),
		startTime: time.Now(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

func (e *Engine) Parameters() Parameters {
	return e.params
}

func (e *Engine) Labels() []string {
	return e.labels
}

// Start launches the worker. Calling it twice is a no-op.
func (e *Engine) Start(ctx context.Context) {
	if e.done != nil {
		return
	}

	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	go e.run(ctx)
}

// Stop cancels the worker, waits for it and releases every queued job and
// pending result. Jobs submitted afterwards complete immediately with
// ErrEngineStopped; those results are evicted by later submits once the TTL
// has passed, or removed by Ack.
func (e *Engine) Stop() {
	e.queueMu.Lock()
	e.closed = true
	pending := e.queue
	e.queue = nil
	e.queueMu.Unlock()

	if e.cancel != nil {
		e.cancel()
		<-e.done
	}

	for _, job := range pending {
		job.Frame.Release()
	}

	e.resultsMu.Lock()
	for id, ent := range e.results {
		ent.frame.Release()
		delete(e.results, id)
	}
	e.resultsMu.Unlock()

	lgr.Logger.Info(
		"engine stopped....",
		slog.Int("abandonedJobs", len(pending)),
	)
}

// Submit queues a detection job and returns its id. The frame is retained for
// the job.
func (e *Engine) Submit(frame *model.Frame, source string, confThreshold, nmsThreshold float32) uint64 {
	job := model.DetectionJob{
		ID:                  e.nextID.Add(1),
		Frame:               frame.Retain(),
		Source:              source,
		ConfidenceThreshold: confThreshold,
		NMSThreshold:        nmsThreshold,
		SubmittedAt:         time.Now(),
	}
	e.submitted.Add(1)

	e.queueMu.Lock()
	if e.closed {
		e.queueMu.Unlock()
		job.Frame.Release()
		// The sweep has stopped with the worker.
		e.evict(time.Now())
		e.complete(job, nil, model.NullBatch(source), 0, ErrEngineStopped)
		return job.ID
	}
	e.queue = append(e.queue, job)
	e.queueMu.Unlock()

	select {
	case e.jobSig <- struct{}{}:
	default:
	}

	return job.ID
}

// Poll returns the result for a job if it has completed. It does not remove the
// result; the detections share the job's frame reference, so a caller that
// keeps the batch past Ack must retain it first.
func (e *Engine) Poll(id uint64) (model.DetectionResult, bool) {
	e.resultsMu.Lock()
	defer e.resultsMu.Unlock()

	ent, ok := e.results[id]
	if !ok {
		return model.DetectionResult{}, false
	}
	return ent.result, true
}

// Wait blocks until the job completes or the context is done.
func (e *Engine) Wait(ctx context.Context, id uint64) (model.DetectionResult, error) {
	for {
		e.resultsMu.Lock()
		ent, ok := e.results[id]
		completed := e.completed
		e.resultsMu.Unlock()

		if ok {
			return ent.result, nil
		}

		select {
		case <-ctx.Done():
			return model.DetectionResult{}, ctx.Err()
		case <-completed:
		}
	}
}

// Ack removes a consumed result and drops the engine's frame reference.
func (e *Engine) Ack(id uint64) {
	e.resultsMu.Lock()
	ent, ok := e.results[id]
	if ok {
		delete(e.results, id)
	}
	e.resultsMu.Unlock()

	if ok {
		ent.frame.Release()
		e.acked.Add(1)
	}
}

func (e *Engine) Stats() model.EngineStats {
	e.queueMu.Lock()
	depth := len(e.queue)
	e.queueMu.Unlock()

	e.resultsMu.Lock()
	pending := len(e.results)
	e.resultsMu.Unlock()

	processed := e.processed.Load()
	avg := 0.0
	if processed > 0 {
		avg = time.Duration(e.procNanos.Load() / int64(processed)).Seconds()
	}

	return model.EngineStats{
		Submitted:      e.submitted.Load(),
		Processed:      processed,
		Failed:         e.failed.Load(),
		Evicted:        e.evicted.Load(),
		Acked:          e.acked.Load(),
		QueueDepth:     depth,
		PendingResults: pending,
		AvgProcTime:    avg,
		Uptime:         int64(time.Since(e.startTime).Seconds()),
		Timestamp:      time.Now().Unix(),
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	// The nice value is per thread on Linux.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := setNiceness(e.params.Niceness); err != nil {
		lgr.Logger.Warn(
			"engine unable to lower worker priority",
			slog.Int("niceness", e.params.Niceness),
			slog.Any("error", err),
		)
	}

	lgr.Logger.Info(
		"engine worker starting....",
		slog.Int("labels", len(e.labels)),
		slog.Duration("resultTTL", e.params.ResultTTL),
	)

	sweep := time.NewTicker(e.params.SweepInterval)
	defer sweep.Stop()

	for {
		if job, ok := e.dequeue(); ok {
			e.process(ctx, job)

			select {
			case <-sweep.C:
				e.evict(time.Now())
			default:
			}
			continue
		}

		select {
		case <-ctx.Done():
			lgr.Logger.Info("engine worker context cancelled")
			return
		case <-e.jobSig:
		case <-sweep.C:
			e.evict(time.Now())
		}
	}
}

func (e *Engine) dequeue() (model.DetectionJob, bool) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()

	if len(e.queue) == 0 {
		return model.DetectionJob{}, false
	}

	job := e.queue[0]
	e.queue[0] = model.DetectionJob{}
	e.queue = e.queue[1:]
	return job, true
}

func (e *Engine) process(ctx context.Context, job model.DetectionJob) {
	start := time.Now()

	_, span := e.tracer.Start(ctx, "engine.detect", trace.WithAttributes(
		attribute.Int64("job.id", int64(job.ID)),
		attribute.String("job.source", job.Source),
	))
	defer span.End()

	batch, err := e.detect(job)
	elapsed := time.Since(start)

	e.processed.Add(1)
	e.procNanos.Add(int64(elapsed))

	if err != nil {
		e.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		lgr.Logger.Error(
			"engine job failed",
			slog.Uint64("jobID", job.ID),
			slog.String("source", job.Source),
			slog.Any("error", err),
		)
		batch = model.NullBatch(job.Source)
	}

	span.SetAttributes(attribute.Int("job.detections", len(batch.Positives())))

	// A null batch does not reference the frame, so nothing needs to hold it.
	frame := job.Frame
	if batch.Frame() == nil {
		frame.Release()
		frame = nil
	}

	e.complete(job, frame, batch, elapsed, err)
}

func (e *Engine) detect(job model.DetectionJob) (batch model.Batch, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Errorf("inference panic: %v", r)
		}
	}()

	if job.Frame.Empty() {
		return nil, ErrEmptyFrame
	}

	rows, err := e.infSvc.Forward(job.Frame)
	if err != nil {
		return nil, xerrors.Errorf("forward pass for %s: %w", job.Source, err)
	}

	cols, rowsPx := job.Frame.Width(), job.Frame.Height()
	candidates := Decode(rows, cols, rowsPx, job.ConfidenceThreshold)
	survivors := SuppressByClass(candidates, job.ConfidenceThreshold, job.NMSThreshold)

	for _, c := range survivors {
		batch = append(batch, model.Detection{
			Box:        c.Box,
			Confidence: c.Confidence,
			Class:      e.label(c.ClassID),
			Source:     job.Source,
			Frame:      job.Frame,
		})
	}

	if len(batch) == 0 {
		return model.NullBatch(job.Source), nil
	}
	return batch, nil
}

func (e *Engine) label(classID int) string {
	if classID >= 0 && classID < len(e.labels) {
		return e.labels[classID]
	}
	return fmt.Sprintf("class_%d", classID)
}

func (e *Engine) complete(job model.DetectionJob, frame *model.Frame, batch model.Batch, elapsed time.Duration, err error) {
	ent := &entry{
		result: model.DetectionResult{
			JobID:       job.ID,
			Batch:       batch,
			Elapsed:     elapsed,
			Err:         err,
			CompletedAt: time.Now(),
		},
		frame: frame,
	}

	e.resultsMu.Lock()
	e.results[job.ID] = ent
	close(e.completed)
	e.completed = make(chan struct{})
	e.resultsMu.Unlock()
}

func (e *Engine) evict(now time.Time) {
	var expired []*entry

	e.resultsMu.Lock()
	for id, ent := range e.results {
		if now.Sub(ent.result.CompletedAt) > e.params.ResultTTL {
			expired = append(expired, ent)
			delete(e.results, id)
		}
	}
	e.resultsMu.Unlock()

	for _, ent := range expired {
		ent.frame.Release()
	}

	if len(expired) > 0 {
		e.evicted.Add(uint64(len(expired)))
		lgr.Logger.Debug(
			"engine evicted stale results",
			slog.Int("count", len(expired)),
		)
	}
}
