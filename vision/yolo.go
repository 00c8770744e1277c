package vision

import (
	"errors"
	"image"
	"log/slog"
	"path/filepath"

	"gocv.io/x/gocv"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/service/config"
	"github.com/khaledhikmat/vs-detect/service/inference"
	"github.com/khaledhikmat/vs-detect/service/lgr"
)

var ErrModelNotLoaded = errors.New("network could not be loaded")

// Yolo runs a YOLO network through the OpenCV dnn module.
//
// WARNING: a net is not thread-safe. The detection engine is its only caller.
type Yolo struct {
	net     gocv.Net
	labels  []string
	outputs []string
	size    image.Point
	onnx    bool
}

// NewYolo loads the network and class labels described by cfg. Darknet
// models need a .cfg and .weights pair; ONNX models only the weights file.
func NewYolo(cfg config.Engine) (*Yolo, error) {
	labels, err := inference.LoadLabels(filepath.Join(cfg.ModelDir, cfg.Names))
	if err != nil {
		return nil, err
	}

	weights := filepath.Join(cfg.ModelDir, cfg.Weights)
	var net gocv.Net
	switch cfg.Backend {
	case config.BackendONNX:
		net = gocv.ReadNetFromONNX(weights)
	default:
		net = gocv.ReadNet(weights, filepath.Join(cfg.ModelDir, cfg.Config))
	}
	if net.Empty() {
		return nil, xerrors.Errorf("%s: %w", weights, ErrModelNotLoaded)
	}

	backend, target := preferences(cfg.Target)
	if err := net.SetPreferableBackend(backend); err != nil {
		_ = net.Close()
		return nil, xerrors.Errorf("setting dnn backend: %w", err)
	}
	if err := net.SetPreferableTarget(target); err != nil {
		_ = net.Close()
		return nil, xerrors.Errorf("setting dnn target: %w", err)
	}

	y := &Yolo{
		net:     net,
		labels:  labels,
		outputs: outputNames(&net),
		size:    image.Pt(cfg.AnalysisSize, cfg.AnalysisSize),
		onnx:    cfg.Backend == config.BackendONNX,
	}

	lgr.Logger.Info("yolo network loaded",
		slog.String("backend", cfg.Backend),
		slog.String("weights", weights),
		slog.String("target", cfg.Target),
		slog.Int("labels", len(labels)),
		slog.Any("outputs", y.outputs),
	)
	return y, nil
}

func preferences(target string) (gocv.NetBackendType, gocv.NetTargetType) {
	switch target {
	case "cuda":
		return gocv.NetBackendCUDA, gocv.NetTargetCUDA
	case "opencl":
		return gocv.NetBackendDefault, gocv.NetTargetOpenCL
	default:
		return gocv.NetBackendDefault, gocv.NetTargetCPU
	}
}

func outputNames(net *gocv.Net) []string {
	var names []string
	for _, id := range net.GetUnconnectedOutLayers() {
		layer := net.GetLayer(id)
		names = append(names, layer.GetName())
		layer.Close()
	}
	return names
}

func (y *Yolo) Labels() []string {
	return y.labels
}

func (y *Yolo) Close() error {
	return y.net.Close()
}

// Forward returns one row per candidate box in the layout the engine decodes:
// normalized [cx, cy, w, h, objectness, scores...].
func (y *Yolo) Forward(frame *model.Frame) ([][]float32, error) {
	mat, err := MatOf(frame)
	if err != nil {
		return nil, err
	}

	blob := gocv.BlobFromImage(*mat, 1.0/255.0, y.size, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	y.net.SetInput(blob, "")
	outputs := y.net.ForwardLayers(y.outputs)
	defer func() {
		for i := range outputs {
			outputs[i].Close()
		}
	}()

	var rows [][]float32
	for i := range outputs {
		out, err := y.collect(&outputs[i])
		if err != nil {
			return nil, err
		}
		rows = append(rows, out...)
	}
	return rows, nil
}

// collect copies the rows out of one output blob. Darknet layers are already
// [N, 5+classes]; ONNX exports are [1, N, 5+classes] with pixel coordinates
// and class scores that still need the objectness factor.
func (y *Yolo) collect(output *gocv.Mat) ([][]float32, error) {
	dims := output.Size()
	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, xerrors.Errorf("reading network output: %w", err)
	}

	var n, width int
	switch len(dims) {
	case 2:
		n, width = dims[0], dims[1]
	case 3:
		n, width = dims[1], dims[2]
	default:
		return nil, xerrors.Errorf("unexpected output shape %v", dims)
	}
	if width <= inference.ScoreOffset || len(data) < n*width {
		return nil, xerrors.Errorf("unexpected output shape %v", dims)
	}

	rows := make([][]float32, 0, n)
	for i := 0; i < n; i++ {
		row := make([]float32, width)
		copy(row, data[i*width:(i+1)*width])
		if y.onnx {
			y.normalize(row)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (y *Yolo) normalize(row []float32) {
	w, h := float32(y.size.X), float32(y.size.Y)
	row[0] /= w
	row[1] /= h
	row[2] /= w
	row[3] /= h

	objectness := row[4]
	for j := inference.ScoreOffset; j < len(row); j++ {
		row[j] *= objectness
	}
}
