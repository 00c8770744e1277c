package vision

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gocv.io/x/gocv"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/service/lgr"
)

const (
	defaultScanInterval = time.Second
	settleTimeout       = 5 * time.Second
	settleCheck         = 100 * time.Millisecond
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
}

// DirectoryFrames turns every image file added to a folder into a frame.
// Files already present at Start are ignored.
type DirectoryFrames struct {
	name         string
	folder       string
	scanInterval time.Duration

	mu      sync.Mutex
	seen    map[string]bool
	pending []string
	added   chan struct{}
	seq     uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDirectoryFrames(name, folder string, scanInterval time.Duration) *DirectoryFrames {
	if scanInterval <= 0 {
		scanInterval = defaultScanInterval
	}
	return &DirectoryFrames{
		name:         name,
		folder:       folder,
		scanInterval: scanInterval,
		seen:         map[string]bool{},
		added:        make(chan struct{}, 1),
	}
}

func (d *DirectoryFrames) Start() error {
	if d.cancel != nil {
		return nil
	}

	if err := os.MkdirAll(d.folder, 0o755); err != nil {
		return xerrors.Errorf("creating %s: %w", d.folder, err)
	}
	names, err := d.scan()
	if err != nil {
		return err
	}
	d.mu.Lock()
	for _, n := range names {
		d.seen[n] = true
	}
	d.mu.Unlock()

	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.wg.Add(1)
	go d.watch()
	return nil
}

func (d *DirectoryFrames) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
	d.cancel = nil
}

// GetNextFrame returns the oldest unread file as a frame, waiting up to
// timeout for one to appear. Files that never settle or do not decode are
// skipped.
func (d *DirectoryFrames) GetNextFrame(timeout time.Duration) *model.Frame {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		path, ok := d.next()
		if !ok {
			select {
			case <-d.added:
				continue
			case <-deadline.C:
				return nil
			}
		}

		if !d.settle(path) {
			lgr.Logger.Warn("file did not settle, skipping", slog.String("path", path))
			continue
		}

		img := gocv.IMRead(path, gocv.IMReadColor)
		if img.Empty() {
			img.Close()
			lgr.Logger.Warn("file is not a readable image", slog.String("path", path))
			continue
		}

		d.mu.Lock()
		d.seq++
		seq := d.seq
		d.mu.Unlock()
		return NewFrame(img, d.name, seq)
	}
}

func (d *DirectoryFrames) next() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.pending) == 0 {
		return "", false
	}
	path := d.pending[0]
	d.pending = d.pending[1:]
	return path, true
}

func (d *DirectoryFrames) watch() {
	defer d.wg.Done()

	lgr.Logger.Info("directory watcher starting....",
		slog.String("source", d.name),
		slog.String("folder", d.folder),
	)

	ticker := time.NewTicker(d.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			lgr.Logger.Info("directory watcher context cancelled", slog.String("source", d.name))
			return
		case <-ticker.C:
			names, err := d.scan()
			if err != nil {
				lgr.Logger.Error("unable to scan folder",
					slog.String("folder", d.folder),
					slog.Any("error", err),
				)
				continue
			}
			d.queue(names)
		}
	}
}

func (d *DirectoryFrames) queue(names []string) {
	d.mu.Lock()
	added := 0
	for _, n := range names {
		if d.seen[n] {
			continue
		}
		d.seen[n] = true
		d.pending = append(d.pending, filepath.Join(d.folder, n))
		added++
	}
	d.mu.Unlock()

	if added > 0 {
		select {
		case d.added <- struct{}{}:
		default:
		}
	}
}

// scan lists the image files in the folder, oldest first.
func (d *DirectoryFrames) scan() ([]string, error) {
	entries, err := os.ReadDir(d.folder)
	if err != nil {
		return nil, xerrors.Errorf("reading %s: %w", d.folder, err)
	}

	type file struct {
		name string
		mod  time.Time
	}
	var files []file
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, file{e.Name(), info.ModTime()})
	}
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].mod.Before(files[j].mod)
	})

	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.name
	}
	return names, nil
}

// settle waits until the file size stops changing, so half-written uploads
// are not decoded.
func (d *DirectoryFrames) settle(path string) bool {
	deadline := time.Now().Add(settleTimeout)
	last := int64(-1)
	for time.Now().Before(deadline) {
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		if info.Size() > 0 && info.Size() == last {
			return true
		}
		last = info.Size()

		select {
		case <-d.ctx.Done():
			return false
		case <-time.After(settleCheck):
		}
	}
	return false
}
