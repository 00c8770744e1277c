package vision

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/khaledhikmat/vs-detect/model"
)

var (
	boxColor   = color.RGBA{G: 255, A: 255}
	labelColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	textColor  = color.RGBA{A: 255}
)

// WindowRenderer shows a source's frames with the latest boxes drawn on a
// copy. The window is created on first use, from the goroutine that renders.
type WindowRenderer struct {
	name   string
	window *gocv.Window
}

func NewWindowRenderer(name string) *WindowRenderer {
	return &WindowRenderer{name: name}
}

func (r *WindowRenderer) Render(frame *model.Frame, batch model.Batch) {
	mat, err := MatOf(frame)
	if err != nil {
		return
	}

	canvas := mat.Clone()
	defer canvas.Close()
	Annotate(&canvas, batch)

	if r.window == nil {
		r.window = gocv.NewWindow(r.name)
	}
	r.window.IMShow(canvas)
	r.window.WaitKey(1)
}

func (r *WindowRenderer) Close() {
	if r.window != nil {
		_ = r.window.Close()
		r.window = nil
	}
}

// Annotate draws a box and a "class: confidence" label for every real
// detection.
func Annotate(img *gocv.Mat, batch model.Batch) {
	for _, d := range batch.Positives() {
		rect := image.Rect(d.Box.Left, d.Box.Top, d.Box.Left+d.Box.Width, d.Box.Top+d.Box.Height)
		gocv.Rectangle(img, rect, boxColor, 1)

		label := fmt.Sprintf("%s: %.2f", d.Class, d.Confidence)
		size := gocv.GetTextSize(label, gocv.FontHersheySimplex, 0.5, 1)
		top := max(rect.Min.Y, size.Y)
		gocv.Rectangle(img, image.Rect(rect.Min.X, top-size.Y, rect.Min.X+size.X, top+4), labelColor, -1)
		gocv.PutText(img, label, image.Pt(rect.Min.X, top), gocv.FontHersheySimplex, 0.5, textColor, 1)
	}
}
