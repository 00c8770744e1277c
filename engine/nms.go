package engine

import (
	"sort"

	"github.com/khaledhikmat/vs-detect/model"
)

// NMS performs greedy non-max suppression and returns the indices of the kept
// boxes, highest score first. Boxes scoring at or below scoreThreshold are
// ignored; a box is suppressed when its IoU with an already kept box exceeds
// nmsThreshold.
func NMS(boxes []model.Box, scores []float32, scoreThreshold, nmsThreshold float32) []int {
	order := make([]int, 0, len(scores))
	for i, s := range scores {
		if i < len(boxes) && s > scoreThreshold {
			order = append(order, i)
		}
	}

	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	kept := make([]int, 0, len(order))
	for _, i := range order {
		keep := true
		for _, k := range kept {
			if IoU(boxes[i], boxes[k]) > nmsThreshold {
				keep = false
				break
			}
		}
		if keep {
			kept = append(kept, i)
		}
	}
	return kept
}

// IoU is the intersection over union of two boxes.
func IoU(a, b model.Box) float32 {
	left := max(a.Left, b.Left)
	top := max(a.Top, b.Top)
	right := min(a.Left+a.Width, b.Left+b.Width)
	bottom := min(a.Top+a.Height, b.Top+b.Height)

	if right <= left || bottom <= top {
		return 0
	}

	inter := float32((right - left) * (bottom - top))
	union := float32(a.Width*a.Height+b.Width*b.Height) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
