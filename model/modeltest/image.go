// Package modeltest provides in-memory images and frames for tests.
package modeltest

import (
	"sync/atomic"

	"github.com/khaledhikmat/vs-detect/model"
)

type Image struct {
	W, H   int
	closed atomic.Int32
}

func NewImage(w, h int) *Image {
	return &Image{W: w, H: h}
}

func (i *Image) Cols() int { return i.W }
func (i *Image) Rows() int { return i.H }

func (i *Image) Close() error {
	i.closed.Add(1)
	return nil
}

// Closed reports how many times Close was called.
func (i *Image) Closed() int {
	return int(i.closed.Load())
}

func NewFrame(source string, w, h int) (*model.Frame, *Image) {
	img := NewImage(w, h)
	return model.NewFrame(img, source, 0), img
}
