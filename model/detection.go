package model

import (
	"errors"
	"time"
)

var ErrEmptyBatch = errors.New("empty detection batch")

type Box struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Detection is one object found in a frame. A null detection (IsNull) only
// carries the source name and stands for a cycle that found nothing.
type Detection struct {
	Box        Box     `json:"box"`
	Confidence float32 `json:"confidence"`
	Class      string  `json:"class"`
	Source     string  `json:"source"`
	Frame      *Frame  `json:"-"`
	IsNull     bool    `json:"isNull"`
}

func NullDetection(source string) Detection {
	return Detection{
		Source: source,
		IsNull: true,
	}
}

// Name is the "<source>.<class>" key class filters match against.
func (d Detection) Name() string {
	return d.Source + "." + d.Class
}

func (d Detection) CenterX() int {
	return d.Box.Left + d.Box.Width/2
}

func (d Detection) CenterY() int {
	return d.Box.Top + d.Box.Height/2
}

// Batch is the ordered output of one detection cycle for one source. Producers
// never emit an empty batch: when nothing qualifies the batch holds exactly one
// null detection.
type Batch []Detection

func NullBatch(source string) Batch {
	return Batch{NullDetection(source)}
}

// Source returns the source name of the first detection.
func (b Batch) Source() string {
	if len(b) == 0 {
		return ""
	}
	return b[0].Source
}

// IsNull reports whether the batch carries no real detection.
func (b Batch) IsNull() bool {
	for _, d := range b {
		if !d.IsNull {
			return false
		}
	}
	return true
}

func (b Batch) Positives() Batch {
	out := make(Batch, 0, len(b))
	for _, d := range b {
		if !d.IsNull {
			out = append(out, d)
		}
	}
	return out
}

// Frame returns the first non-nil frame referenced by the batch.
func (b Batch) Frame() *Frame {
	for _, d := range b {
		if d.Frame != nil {
			return d.Frame
		}
	}
	return nil
}

// Retain takes one reference on every distinct frame in the batch. Holders that
// keep a batch beyond a synchronous publish must retain it and release it when done.
func (b Batch) Retain() Batch {
	for _, f := range b.frames() {
		f.Retain()
	}
	return b
}

func (b Batch) Release() {
	for _, f := range b.frames() {
		f.Release()
	}
}

func (b Batch) frames() []*Frame {
	var frames []*Frame
	for _, d := range b {
		if d.Frame == nil {
			continue
		}
		seen := false
		for _, f := range frames {
			if f == d.Frame {
				seen = true
				break
			}
		}
		if !seen {
			frames = append(frames, d.Frame)
		}
	}
	return frames
}

type DetectionJob struct {
	ID                  uint64
	Frame               *Frame
	Source              string
	ConfidenceThreshold float32
	NMSThreshold        float32
	SubmittedAt         time.Time
}

type DetectionResult struct {
	JobID       uint64
	Batch       Batch
	Elapsed     time.Duration
	Err         error
	CompletedAt time.Time
}
