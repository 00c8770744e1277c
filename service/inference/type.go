package inference

import "github.com/khaledhikmat/vs-detect/model"

// ScoreOffset is the index of the first class score in a raw output row:
// [cx, cy, w, h, objectness, score0, score1, ...]. Box coordinates are
// normalized to [0,1] of the frame size.
const ScoreOffset = 5

// IService runs a network forward pass. Implementations are not safe for
// concurrent use; the detection engine calls them from a single worker.
type IService interface {
	Forward(frame *model.Frame) ([][]float32, error)
	Labels() []string
	Close() error
}
