package pipeline

import (
	"time"

	"github.com/khaledhikmat/vs-detect/model"
)

// FrameSource delivers frames for one camera or folder. GetNextFrame returns
// nil when nothing arrived within the timeout. The caller owns one reference on
// every returned frame.
type FrameSource interface {
	Start() error
	Stop()
	GetNextFrame(timeout time.Duration) *model.Frame
}

// Detector is the job interface of the shared detection engine.
type Detector interface {
	Submit(frame *model.Frame, source string, confThreshold, nmsThreshold float32) uint64
	Poll(id uint64) (model.DetectionResult, bool)
	Ack(id uint64)
}

// Renderer displays a frame with the most recent detections. It receives its
// own references and the manager releases them after Render returns.
type Renderer interface {
	Render(frame *model.Frame, batch model.Batch)
	Close()
}
