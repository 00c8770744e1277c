package vision

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/service/lgr"
)

const reopenDelay = time.Second

// slot holds the most recent frame. Setting a new frame releases the one it
// replaces; taking the frame hands its reference to the caller.
type slot struct {
	mu    sync.Mutex
	frame *model.Frame
	ready chan struct{}
}

func newSlot() *slot {
	return &slot{ready: make(chan struct{}, 1)}
}

func (s *slot) set(frame *model.Frame) {
	s.mu.Lock()
	old := s.frame
	s.frame = frame
	s.mu.Unlock()

	old.Release()
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *slot) take(timeout time.Duration) *model.Frame {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-s.ready:
		case <-timer.C:
			return nil
		}

		s.mu.Lock()
		frame := s.frame
		s.frame = nil
		s.mu.Unlock()
		if frame != nil {
			return frame
		}
	}
}

func (s *slot) clear() {
	s.set(nil)
}

// OverwritingGrabber reads the device as fast as it delivers and keeps only
// the newest frame, so a slow consumer always sees the present.
type OverwritingGrabber struct {
	name     string
	location string
	// minimum time between kept frames, zero keeps every frame
	period time.Duration

	latest *slot
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOverwritingGrabber(name, location string) *OverwritingGrabber {
	return &OverwritingGrabber{
		name:     name,
		location: location,
		latest:   newSlot(),
	}
}

// NewRateLimiter keeps at most frameRate frames per second and drops the
// rest as they are read.
func NewRateLimiter(name, location string, frameRate float64) *OverwritingGrabber {
	g := NewOverwritingGrabber(name, location)
	if frameRate > 0 {
		g.period = time.Duration(float64(time.Second) / frameRate)
	}
	return g
}

func (g *OverwritingGrabber) Start() error {
	if g.cancel != nil {
		return nil
	}

	vc, err := openCapture(g.location)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.wg.Add(1)
	go g.run(ctx, vc)
	return nil
}

func (g *OverwritingGrabber) Stop() {
	if g.cancel == nil {
		return
	}
	g.cancel()
	g.wg.Wait()
	g.cancel = nil
	g.latest.clear()
}

// GetNextFrame waits for a frame newer than the last one returned.
func (g *OverwritingGrabber) GetNextFrame(timeout time.Duration) *model.Frame {
	return g.latest.take(timeout)
}

func (g *OverwritingGrabber) run(ctx context.Context, vc *gocv.VideoCapture) {
	defer g.wg.Done()
	defer func() {
		if vc != nil {
			_ = vc.Close()
		}
	}()

	lgr.Logger.Info("grabber starting....",
		slog.String("source", g.name),
		slog.Duration("period", g.period),
	)

	var seq uint64
	var kept time.Time
	img := gocv.NewMat()
	defer img.Close()

	for {
		if ctx.Err() != nil {
			lgr.Logger.Info("grabber context cancelled", slog.String("source", g.name))
			return
		}

		if vc == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(reopenDelay):
			}
			var err error
			if vc, err = openCapture(g.location); err != nil {
				lgr.Logger.Warn("unable to reopen capture",
					slog.String("source", g.name),
					slog.Any("error", err),
				)
			}
			continue
		}

		if ok := vc.Read(&img); !ok || img.Empty() {
			lgr.Logger.Warn("capture returned no frame, reopening", slog.String("source", g.name))
			_ = vc.Close()
			vc = nil
			continue
		}

		if g.period > 0 && time.Since(kept) < g.period {
			continue
		}
		kept = time.Now()
		seq++
		g.latest.set(NewFrame(img.Clone(), g.name, seq))
	}
}
