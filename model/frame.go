package model

import (
	"sync/atomic"
	"time"
)

// Image is the pixel buffer behind a frame. *gocv.Mat satisfies it.
type Image interface {
	Cols() int
	Rows() int
	Close() error
}

// Frame is a reference-counted handle over a captured image. It starts with one
// reference owned by whoever created it; the image is closed when the last
// reference is released. The image must not be modified after capture.
type Frame struct {
	Image     Image
	Source    string
	Seq       uint64
	Timestamp time.Time

	refs atomic.Int32
}

func NewFrame(img Image, source string, seq uint64) *Frame {
	f := &Frame{
		Image:     img,
		Source:    source,
		Seq:       seq,
		Timestamp: time.Now(),
	}
	f.refs.Store(1)
	return f
}

func (f *Frame) Retain() *Frame {
	if f != nil {
		f.refs.Add(1)
	}
	return f
}

func (f *Frame) Release() {
	if f == nil {
		return
	}
	if f.refs.Add(-1) == 0 && f.Image != nil {
		_ = f.Image.Close()
	}
}

func (f *Frame) Refs() int32 {
	if f == nil {
		return 0
	}
	return f.refs.Load()
}

func (f *Frame) Empty() bool {
	return f == nil || f.Image == nil || f.Image.Cols() <= 0 || f.Image.Rows() <= 0
}

func (f *Frame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Cols()
}

func (f *Frame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Rows()
}
