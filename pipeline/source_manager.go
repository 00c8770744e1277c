package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/vs-detect/bus"
	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/service/lgr"
)

const (
	defaultFrameTimeout      = 5 * time.Second
	defaultEmptyFrameBackoff = time.Second
	defaultCooldown          = 5 * time.Second
)

type Parameters struct {
	Name string
	// Minimum time between two submissions. 0 submits on every frame while idle.
	DetectionPeriod     time.Duration
	ConfidenceThreshold float32
	NMSThreshold        float32

	FrameTimeout      time.Duration
	EmptyFrameBackoff time.Duration
	Cooldown          time.Duration
}

// PeriodFromFPS converts a detections-per-second rate into a detection period.
func PeriodFromFPS(fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / fps)
}

type Option func(*SourceManager)

func WithRenderer(r Renderer) Option {
	return func(m *SourceManager) {
		m.renderer = r
	}
}

// WithErrorStream sends loop failures as model.CustomError values.
func WithErrorStream(errorStream chan interface{}) Option {
	return func(m *SourceManager) {
		m.errorStream = errorStream
	}
}

type renderJob struct {
	frame *model.Frame
	batch model.Batch
}

// SourceManager drives one frame source: it pulls frames, submits at most one
// detection job at a time to the shared detector and publishes every completed
// batch on Detections exactly once.
type SourceManager struct {
	ID         string
	params     Parameters
	source     FrameSource
	detector   Detector
	Detections *bus.Event[model.Batch]

	renderer    Renderer
	renderCh    chan renderJob
	errorStream chan interface{}

	// Loop state, owned by the manager goroutine.
	inFlight   uint64
	lastSubmit time.Time

	batchMu   sync.Mutex
	lastBatch model.Batch

	statsMu   sync.Mutex
	stats     model.SourceStats
	startTime time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSourceManager(params Parameters, source FrameSource, detector Detector, opts ...Option) *SourceManager {
	if params.FrameTimeout <= 0 {
		params.FrameTimeout = defaultFrameTimeout
	}
	if params.EmptyFrameBackoff <= 0 {
		params.EmptyFrameBackoff = defaultEmptyFrameBackoff
	}
	if params.Cooldown <= 0 {
		params.Cooldown = defaultCooldown
	}

	m := &SourceManager{
		ID:         uuid.NewString(),
		params:     params,
		source:     source,
		detector:   detector,
		Detections: bus.NewEvent[model.Batch](params.Name),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.stats = model.SourceStats{
		ManagerID: m.ID,
		Source:    params.Name,
	}
	return m
}

func (m *SourceManager) Name() string {
	return m.params.Name
}

func (m *SourceManager) Start(ctx context.Context) error {
	lgr.Logger.Info(
		"source manager starting....",
		slog.String("managerID", m.ID),
		slog.String("source", m.params.Name),
		slog.Duration("period", m.params.DetectionPeriod),
		slog.Bool("interactive", m.renderer != nil),
	)

	if err := m.source.Start(); err != nil {
		return xerrors.Errorf("starting source %s: %w", m.params.Name, err)
	}

	m.startTime = time.Now()
	ctx, m.cancel = context.WithCancel(ctx)

	if m.renderer != nil {
		m.renderCh = make(chan renderJob, 1)
		m.wg.Add(1)
		go m.render()
	}

	m.wg.Add(1)
	go m.run(ctx)
	return nil
}

// Stop stops the loop and the frame source and waits for both goroutines.
func (m *SourceManager) Stop() {
	if m.cancel == nil {
		return
	}

	lgr.Logger.Info("source manager stopping....", slog.String("source", m.params.Name))

	m.cancel()
	m.source.Stop()
	m.wg.Wait()
	m.cancel = nil

	if m.inFlight != 0 {
		m.detector.Ack(m.inFlight)
		m.inFlight = 0
	}

	m.batchMu.Lock()
	m.lastBatch.Release()
	m.lastBatch = nil
	m.batchMu.Unlock()

	lgr.Logger.Info("source manager stopped", slog.String("source", m.params.Name))
}

// LastBatch returns a copy of the most recently published batch. Frame
// references are not retained for the caller.
func (m *SourceManager) LastBatch() model.Batch {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()

	if m.lastBatch == nil {
		return nil
	}
	return append(model.Batch(nil), m.lastBatch...)
}

func (m *SourceManager) Stats() model.SourceStats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	s := m.stats
	if !m.startTime.IsZero() {
		s.Uptime = int64(time.Since(m.startTime).Seconds())
	}
	s.Timestamp = time.Now().Unix()
	return s
}

func (m *SourceManager) run(ctx context.Context) {
	defer m.wg.Done()
	if m.renderCh != nil {
		defer close(m.renderCh)
	}

	for {
		err := m.manage(ctx)
		if err == nil {
			lgr.Logger.Info(
				"source manager context cancelled",
				slog.String("source", m.params.Name),
			)
			return
		}

		lgr.Logger.Error(
			"source manager loop failed, cooling down",
			slog.String("source", m.params.Name),
			slog.Duration("cooldown", m.params.Cooldown),
			slog.Any("error", err),
		)
		m.report(ctx, err, "source manager loop failed")
		m.count(func(s *model.SourceStats) { s.Restarts++ })

		if !sleep(ctx, m.params.Cooldown) {
			return
		}
	}
}

// manage runs until the context is cancelled (nil) or the loop fails.
func (m *SourceManager) manage(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Errorf("panic: %v", r)
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		frame := m.source.GetNextFrame(m.params.FrameTimeout)
		if ctx.Err() != nil {
			frame.Release()
			return nil
		}

		if frame.Empty() {
			frame.Release()
			m.count(func(s *model.SourceStats) { s.EmptyFrames++ })
			lgr.Logger.Error(
				"got an empty frame, will retry",
				slog.String("source", m.params.Name),
			)
			if !sleep(ctx, m.params.EmptyFrameBackoff) {
				return nil
			}
			continue
		}

		m.handle(ctx, frame)
	}
}

func (m *SourceManager) handle(ctx context.Context, frame *model.Frame) {
	defer frame.Release()
	m.step(ctx, frame)
}

func (m *SourceManager) step(ctx context.Context, frame *model.Frame) {
	m.count(func(s *model.SourceStats) { s.Frames++ })
	now := time.Now()

	if m.inFlight == 0 {
		if m.lastSubmit.IsZero() || now.Sub(m.lastSubmit) >= m.params.DetectionPeriod {
			m.inFlight = m.detector.Submit(frame, m.params.Name, m.params.ConfidenceThreshold, m.params.NMSThreshold)
			m.lastSubmit = now
			m.count(func(s *model.SourceStats) { s.Submitted++ })
		}
	} else if res, ok := m.detector.Poll(m.inFlight); ok {
		batch := res.Batch.Retain()
		m.detector.Ack(m.inFlight)
		m.inFlight = 0
		m.complete(ctx, res, batch)
	}

	if m.renderCh != nil {
		m.handOff(frame)
	}
}

func (m *SourceManager) complete(ctx context.Context, res model.DetectionResult, batch model.Batch) {
	if res.Err != nil {
		m.count(func(s *model.SourceStats) { s.JobErrors++ })
		lgr.Logger.Warn(
			"detection job failed",
			slog.String("source", m.params.Name),
			slog.Uint64("jobID", res.JobID),
			slog.Any("error", res.Err),
		)
		m.report(ctx, res.Err, "detection job %d failed", res.JobID)

		// Consumers still get the cycle, as a null batch.
		if !batch.IsNull() {
			batch.Release()
			batch = model.NullBatch(m.params.Name)
		}
	}

	m.batchMu.Lock()
	previous := m.lastBatch
	m.lastBatch = batch
	m.batchMu.Unlock()
	previous.Release()

	m.Detections.Publish(batch)
	m.count(func(s *model.SourceStats) { s.Published++ })
}

// handOff passes the frame and the current batch to the renderer unless it is
// still busy with the previous one.
func (m *SourceManager) handOff(frame *model.Frame) {
	m.batchMu.Lock()
	batch := append(model.Batch(nil), m.lastBatch...).Retain()
	m.batchMu.Unlock()

	job := renderJob{frame: frame.Retain(), batch: batch}
	select {
	case m.renderCh <- job:
	default:
		job.frame.Release()
		job.batch.Release()
	}
}

func (m *SourceManager) render() {
	defer m.wg.Done()
	defer m.renderer.Close()

	for job := range m.renderCh {
		m.renderer.Render(job.frame, job.batch)
		job.frame.Release()
		job.batch.Release()
	}
}

func (m *SourceManager) report(ctx context.Context, err error, messagef string, args ...interface{}) {
	if m.errorStream == nil {
		return
	}

	customErr := model.GenError("source_manager", err, map[string]interface{}{
		"source":    m.params.Name,
		"managerID": m.ID,
	}, messagef, args...)

	select {
	case m.errorStream <- customErr:
	case <-ctx.Done():
	}
}

func (m *SourceManager) count(update func(*model.SourceStats)) {
	m.statsMu.Lock()
	update(&m.stats)
	m.statsMu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
