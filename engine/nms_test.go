package engine

import (
	"math"
	"testing"

	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/service/inference"
)

func TestIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b model.Box
		want float32
	}{
		{"identical", model.Box{Left: 0, Top: 0, Width: 10, Height: 10}, model.Box{Left: 0, Top: 0, Width: 10, Height: 10}, 1},
		{"disjoint", model.Box{Left: 0, Top: 0, Width: 10, Height: 10}, model.Box{Left: 20, Top: 20, Width: 5, Height: 5}, 0},
		{"touching", model.Box{Left: 0, Top: 0, Width: 10, Height: 10}, model.Box{Left: 10, Top: 0, Width: 10, Height: 10}, 0},
		{"half overlap", model.Box{Left: 0, Top: 0, Width: 10, Height: 10}, model.Box{Left: 5, Top: 0, Width: 10, Height: 10}, 50.0 / 150.0},
		{"contained", model.Box{Left: 0, Top: 0, Width: 10, Height: 10}, model.Box{Left: 0, Top: 0, Width: 5, Height: 5}, 0.25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IoU(tt.a, tt.b)
			if math.Abs(float64(got-tt.want)) > 1e-6 {
				t.Errorf("IoU = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNMS(t *testing.T) {
	boxes := []model.Box{
		{Left: 0, Top: 0, Width: 10, Height: 10},
		{Left: 1, Top: 1, Width: 10, Height: 10},   // overlaps box 0 heavily
		{Left: 50, Top: 50, Width: 10, Height: 10}, // separate
		{Left: 0, Top: 0, Width: 10, Height: 10},   // below score threshold
	}
	scores := []float32{0.7, 0.9, 0.5, 0.2}

	got := NMS(boxes, scores, 0.35, 0.3)
	want := []int{1, 2}
	if len(got) != len(want) {
		t.Fatalf("NMS = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("NMS = %v, want %v", got, want)
		}
	}
}

func TestNMSKeepsModerateOverlap(t *testing.T) {
	boxes := []model.Box{{Left: 0, Top: 0, Width: 10, Height: 10}, {Left: 5, Top: 0, Width: 10, Height: 10}}
	scores := []float32{0.9, 0.8}

	// IoU is 1/3, above 0.3 suppresses and above 0.5 keeps.
	if got := NMS(boxes, scores, 0.1, 0.3); len(got) != 1 {
		t.Errorf("expected suppression at 0.3, got %v", got)
	}
	if got := NMS(boxes, scores, 0.1, 0.5); len(got) != 2 {
		t.Errorf("expected both kept at 0.5, got %v", got)
	}
}

func TestDecode(t *testing.T) {
	rows := [][]float32{
		inference.Row(0.5, 0.5, 0.5, 0.5, 1, 0.8, 3),
		inference.Row(0.1, 0.1, 0.1, 0.1, 2, 0.35, 3), // not strictly above the threshold
		{0.1, 0.2}, // malformed
	}

	got := Decode(rows, 100, 200, 0.35)
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}

	c := got[0]
	if c.ClassID != 1 || c.Confidence != 0.8 {
		t.Errorf("unexpected candidate %+v", c)
	}
	want := model.Box{Left: 25, Top: 50, Width: 50, Height: 100}
	if c.Box != want {
		t.Errorf("box = %+v, want %+v", c.Box, want)
	}
}

func TestSuppressByClassOrdersByClass(t *testing.T) {
	candidates := []Candidate{
		{ClassID: 2, Confidence: 0.6, Box: model.Box{Left: 0, Top: 0, Width: 10, Height: 10}},
		{ClassID: 0, Confidence: 0.7, Box: model.Box{Left: 0, Top: 0, Width: 10, Height: 10}},
		{ClassID: 0, Confidence: 0.9, Box: model.Box{Left: 1, Top: 1, Width: 10, Height: 10}},
		{ClassID: 1, Confidence: 0.5, Box: model.Box{Left: 0, Top: 0, Width: 10, Height: 10}},
	}

	got := SuppressByClass(candidates, 0.35, 0.3)

	// Overlapping boxes of different classes never suppress each other.
	if len(got) != 3 {
		t.Fatalf("expected 3 survivors, got %+v", got)
	}
	wantClasses := []int{0, 1, 2}
	for i, c := range got {
		if c.ClassID != wantClasses[i] {
			t.Fatalf("survivor order %+v, want classes %v", got, wantClasses)
		}
	}
	if got[0].Confidence != 0.9 {
		t.Errorf("class 0 should keep its highest-confidence box")
	}
}
