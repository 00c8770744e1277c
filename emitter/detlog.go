package emitter

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/vs-detect/model"
)

// DetectionLog appends one JSON line per batch with real detections.
type DetectionLog struct {
	mu  sync.Mutex
	out io.WriteCloser
	now func() time.Time
}

// NewDetectionLog writes to file, rotating it at maxSizeMB.
func NewDetectionLog(file string, maxSizeMB, maxBackups int) *DetectionLog {
	return NewDetectionLogWriter(&lumberjack.Logger{
		Filename:   file,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	})
}

func NewDetectionLogWriter(out io.WriteCloser) *DetectionLog {
	return &DetectionLog{
		out: out,
		now: time.Now,
	}
}

func (l *DetectionLog) Name() string {
	return "detection_log"
}

func (l *DetectionLog) ProcessDetection(_ context.Context, batch model.Batch) error {
	if len(batch) == 0 {
		return model.ErrEmptyBatch
	}
	if batch.IsNull() {
		return nil
	}

	line, err := batchJSON(batch, l.now())
	if err != nil {
		return xerrors.Errorf("encoding batch: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.out.Write(append(line, '\n')); err != nil {
		return xerrors.Errorf("writing detection log: %w", err)
	}
	return nil
}

func (l *DetectionLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}
