package emitter

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/xerrors"

	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/service/lgr"
)

const waitTimeout = 500 * time.Millisecond

// Processor reacts to one detection batch. Implementations return
// model.ErrEmptyBatch for an empty batch.
type Processor interface {
	Name() string
	ProcessDetection(ctx context.Context, batch model.Batch) error
}

type closer interface {
	Close() error
}

type Option func(*Threaded)

// WithMaxQueue bounds the queue; the oldest batch is dropped when it is full.
// 0 leaves it unbounded.
func WithMaxQueue(n int) Option {
	return func(t *Threaded) {
		t.maxQueue = n
	}
}

func WithErrorStream(errorStream chan interface{}) Option {
	return func(t *Threaded) {
		t.errorStream = errorStream
	}
}

// Threaded decouples a Processor from the publishing goroutine: Enqueue only
// appends to a FIFO, and one worker goroutine feeds the processor.
type Threaded struct {
	proc        Processor
	maxQueue    int
	errorStream chan interface{}

	mu     sync.Mutex
	queue  []model.Batch
	signal chan struct{}

	cancel context.CancelFunc
	done   chan struct{}

	enqueued  atomic.Uint64
	processed atomic.Uint64
	errors    atomic.Uint64
	dropped   atomic.Uint64
	startTime time.Time
}

func NewThreaded(proc Processor, opts ...Option) *Threaded {
	t := &Threaded{
		proc:      proc,
		signal:    make(chan struct{}, 1),
		startTime: time.Now(),
	}

	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Threaded) Name() string {
	return t.proc.Name()
}

func (t *Threaded) Processor() Processor {
	return t.proc
}

// Enqueue retains the batch and hands it to the worker. It never blocks on the
// processor, which makes it usable as a bus handler.
func (t *Threaded) Enqueue(batch model.Batch) {
	batch.Retain()

	var dropped model.Batch
	t.mu.Lock()
	t.queue = append(t.queue, batch)
	if t.maxQueue > 0 && len(t.queue) > t.maxQueue {
		dropped = t.queue[0]
		t.queue[0] = nil
		t.queue = t.queue[1:]
	}
	t.mu.Unlock()

	t.enqueued.Add(1)
	if dropped != nil {
		dropped.Release()
		t.dropped.Add(1)
		lgr.Logger.Warn(
			"emitter queue full, dropped oldest batch",
			slog.String("emitter", t.Name()),
			slog.String("source", dropped.Source()),
		)
	}

	select {
	case t.signal <- struct{}{}:
	default:
	}
}

func (t *Threaded) Start(ctx context.Context) {
	if t.done != nil {
		return
	}

	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go t.run(ctx)
}

// Stop waits for the batch in progress, releases whatever is still queued and
// closes the processor when it has a Close method.
func (t *Threaded) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}

	t.mu.Lock()
	remaining := t.queue
	t.queue = nil
	t.mu.Unlock()

	for _, batch := range remaining {
		batch.Release()
	}

	if c, ok := t.proc.(closer); ok {
		if err := c.Close(); err != nil {
			lgr.Logger.Warn(
				"emitter close failed",
				slog.String("emitter", t.Name()),
				slog.Any("error", err),
			)
		}
	}

	lgr.Logger.Info(
		"emitter stopped",
		slog.String("emitter", t.Name()),
		slog.Int("unprocessed", len(remaining)),
	)
}

func (t *Threaded) Stats() model.EmitterStats {
	t.mu.Lock()
	depth := len(t.queue)
	t.mu.Unlock()

	return model.EmitterStats{
		Name:       t.Name(),
		Enqueued:   t.enqueued.Load(),
		Processed:  t.processed.Load(),
		Errors:     t.errors.Load(),
		Dropped:    t.dropped.Load(),
		QueueDepth: depth,
		Uptime:     int64(time.Since(t.startTime).Seconds()),
		Timestamp:  time.Now().Unix(),
	}
}

func (t *Threaded) run(ctx context.Context) {
	defer close(t.done)

	lgr.Logger.Info("emitter starting....", slog.String("emitter", t.Name()))

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.signal:
		case <-time.After(waitTimeout):
		}

		for ctx.Err() == nil {
			batch, ok := t.pop()
			if !ok {
				break
			}
			t.process(ctx, batch)
		}
	}
}

func (t *Threaded) pop() (model.Batch, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.queue) == 0 {
		return nil, false
	}

	batch := t.queue[0]
	t.queue[0] = nil
	t.queue = t.queue[1:]
	return batch, true
}

func (t *Threaded) process(ctx context.Context, batch model.Batch) {
	defer batch.Release()

	err := t.safeProcess(ctx, batch)
	t.processed.Add(1)
	if err == nil {
		return
	}

	t.errors.Add(1)
	lgr.Logger.Error(
		"emitter failed to process detection",
		slog.String("emitter", t.Name()),
		slog.String("source", batch.Source()),
		slog.Any("error", err),
	)

	if t.errorStream == nil {
		return
	}

	customErr := model.GenError(t.Name(), err, map[string]interface{}{
		"source": batch.Source(),
	}, "processing detection batch")

	select {
	case t.errorStream <- customErr:
	case <-ctx.Done():
	}
}

func (t *Threaded) safeProcess(ctx context.Context, batch model.Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Errorf("processor panic: %v", r)
		}
	}()

	return t.proc.ProcessDetection(ctx, batch)
}
