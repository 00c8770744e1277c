package inference

import (
	"time"

	"github.com/khaledhikmat/vs-detect/model"
)

// ForwardFunc computes the raw rows for a frame.
type ForwardFunc func(frame *model.Frame) ([][]float32, error)

type fakeService struct {
	labels  []string
	delay   time.Duration
	forward ForwardFunc
}

// NewFake returns a backend that answers every frame with the rows produced
// by forward (no rows when nil) after an optional simulated delay.
func NewFake(labels []string, delay time.Duration, forward ForwardFunc) IService {
	return &fakeService{
		labels:  labels,
		delay:   delay,
		forward: forward,
	}
}

// StaticRows answers every frame with the same rows.
func StaticRows(rows ...[]float32) ForwardFunc {
	return func(*model.Frame) ([][]float32, error) {
		return rows, nil
	}
}

// Row builds a raw output row for one box and one class score.
func Row(cx, cy, w, h float32, classID int, score float32, numClasses int) []float32 {
	row := make([]float32, ScoreOffset+numClasses)
	row[0], row[1], row[2], row[3] = cx, cy, w, h
	row[4] = score
	row[ScoreOffset+classID] = score
	return row
}

func (svc *fakeService) Forward(frame *model.Frame) ([][]float32, error) {
	if svc.delay > 0 {
		time.Sleep(svc.delay) // Simulate processing time
	}

	if svc.forward == nil {
		return nil, nil
	}
	return svc.forward(frame)
}

func (svc *fakeService) Labels() []string {
	return svc.labels
}

func (svc *fakeService) Close() error {
	return nil
}
