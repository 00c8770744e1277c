package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/service/lgr"
	"github.com/khaledhikmat/vs-detect/service/storage"
	"github.com/khaledhikmat/vs-detect/service/webhook"
)

var ErrUnexpectedStatus = errors.New("unexpected http status")

// Snapshotter writes a frame to an image file.
type Snapshotter interface {
	Snapshot(frame *model.Frame, path string) error
}

type URLParameters struct {
	Name        string
	URL         string
	Method      string
	Credentials webhook.Credentials
	SnapshotDir string
}

type URLOption func(*URL)

// WithSnapshots saves the batch's frame before each call and uploads it.
// The stored location is available to the URL as {snapshot}.
func WithSnapshots(snapshotter Snapshotter, storageSvc storage.IService) URLOption {
	return func(e *URL) {
		e.snapshotter = snapshotter
		e.storageSvc = storageSvc
	}
}

// URL calls a web hook for every batch with at least one real detection.
type URL struct {
	params     URLParameters
	webhookSvc webhook.IService

	snapshotter Snapshotter
	storageSvc  storage.IService
}

func NewURL(params URLParameters, webhookSvc webhook.IService, opts ...URLOption) *URL {
	if params.Name == "" {
		params.Name = "url"
	}
	if params.Method == "" {
		params.Method = http.MethodGet
	}

	e := &URL{
		params:     params,
		webhookSvc: webhookSvc,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *URL) Name() string {
	return e.params.Name
}

func (e *URL) ProcessDetection(ctx context.Context, batch model.Batch) error {
	if len(batch) == 0 {
		return model.ErrEmptyBatch
	}
	if batch.IsNull() {
		return nil
	}

	snapshot := e.snapshot(ctx, batch)
	target := Expand(e.params.URL, batch, snapshot)

	var status int
	var err error
	switch strings.ToUpper(e.params.Method) {
	case http.MethodPost:
		status, err = e.webhookSvc.Post(ctx, target, e.params.Credentials, batchPayload{
			Source:     batch.Source(),
			Timestamp:  time.Now(),
			Detections: toPayload(batch),
		})
	default:
		status, err = e.webhookSvc.Get(ctx, target, e.params.Credentials)
	}
	if err != nil {
		return xerrors.Errorf("calling %s: %w", e.params.URL, err)
	}

	if status < 200 || status > 299 {
		lgr.Logger.Warn(
			"web hook answered with an error",
			slog.String("emitter", e.params.Name),
			slog.String("url", target),
			slog.Int("status", status),
		)
		return xerrors.Errorf("%s returned %d: %w", e.params.Name, status, ErrUnexpectedStatus)
	}

	lgr.Logger.Info(
		"web hook called",
		slog.String("emitter", e.params.Name),
		slog.String("url", target),
		slog.Int("status", status),
	)
	return nil
}

// snapshot returns the stored snapshot location, or "" when snapshots are off
// or failed. Failures only cost the snapshot, never the call.
func (e *URL) snapshot(ctx context.Context, batch model.Batch) string {
	frame := batch.Frame()
	if e.snapshotter == nil || e.params.SnapshotDir == "" || frame == nil {
		return ""
	}

	if err := os.MkdirAll(e.params.SnapshotDir, 0o755); err != nil {
		lgr.Logger.Error("unable to create snapshot folder", slog.Any("error", err))
		return ""
	}

	path := filepath.Join(e.params.SnapshotDir,
		fmt.Sprintf("%s_%d_%d.jpg", batch.Source(), time.Now().UnixMilli(), frame.Seq))
	if err := e.snapshotter.Snapshot(frame, path); err != nil {
		lgr.Logger.Error(
			"unable to save snapshot",
			slog.String("path", path),
			slog.Any("error", err),
		)
		return ""
	}

	if e.storageSvc == nil {
		return path
	}

	location, err := e.storageSvc.StoreFile(ctx, path)
	if err != nil {
		lgr.Logger.Error(
			"unable to store snapshot",
			slog.String("path", path),
			slog.Any("error", err),
		)
		return path
	}
	return location
}

// Expand replaces {source}, {class}, {confidence} and {snapshot} in raw. {class}
// lists the distinct classes in batch order and {confidence} is the highest
// confidence, both taken from the real detections.
func Expand(raw string, batch model.Batch, snapshot string) string {
	if !strings.Contains(raw, "{") {
		return raw
	}

	positives := batch.Positives()
	classes := lo.Uniq(lo.Map(positives, func(d model.Detection, _ int) string {
		return d.Class
	}))
	best := lo.Max(lo.Map(positives, func(d model.Detection, _ int) float32 {
		return d.Confidence
	}))

	return strings.NewReplacer(
		"{source}", url.PathEscape(batch.Source()),
		"{class}", url.PathEscape(strings.Join(classes, ",")),
		"{confidence}", fmt.Sprintf("%.2f", best),
		"{snapshot}", url.QueryEscape(snapshot),
	).Replace(raw)
}

