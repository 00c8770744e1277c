// Package vision holds everything that touches OpenCV: the YOLO network,
// the frame sources, the preview window and snapshots.
package vision

import (
	"errors"

	"gocv.io/x/gocv"

	"github.com/khaledhikmat/vs-detect/model"
)

var ErrNotAMat = errors.New("frame image is not a gocv mat")

// NewFrame takes ownership of mat and wraps it in a frame with one reference.
func NewFrame(mat gocv.Mat, source string, seq uint64) *model.Frame {
	m := mat
	return model.NewFrame(&m, source, seq)
}

// MatOf returns the mat behind a frame created by this package.
func MatOf(frame *model.Frame) (*gocv.Mat, error) {
	if frame == nil {
		return nil, ErrNotAMat
	}
	mat, ok := frame.Image.(*gocv.Mat)
	if !ok || mat.Empty() {
		return nil, ErrNotAMat
	}
	return mat, nil
}
