package vision

import (
	"strconv"
	"sync"
	"time"

	"gocv.io/x/gocv"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/vs-detect/model"
)

// openCapture opens a camera index ("0", "1"...) or a stream/file location.
func openCapture(location string) (*gocv.VideoCapture, error) {
	var device interface{} = location
	if index, err := strconv.Atoi(location); err == nil {
		device = index
	}

	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, xerrors.Errorf("opening capture %s: %w", location, err)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, xerrors.Errorf("capture %s did not open", location)
	}
	return vc, nil
}

// Capture reads a frame from the device only when one is asked for. Frames
// buffered by the device in between are not skipped.
type Capture struct {
	name     string
	location string

	mu  sync.Mutex
	vc  *gocv.VideoCapture
	seq uint64
}

func NewCapture(name, location string) *Capture {
	return &Capture{
		name:     name,
		location: location,
	}
}

func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.vc != nil {
		return nil
	}
	vc, err := openCapture(c.location)
	if err != nil {
		return err
	}
	c.vc = vc
	return nil
}

func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.vc != nil {
		_ = c.vc.Close()
		c.vc = nil
	}
}

func (c *Capture) GetNextFrame(_ time.Duration) *model.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.vc == nil {
		return nil
	}

	img := gocv.NewMat()
	if ok := c.vc.Read(&img); !ok || img.Empty() {
		img.Close()
		return nil
	}
	c.seq++
	return NewFrame(img, c.name, c.seq)
}
