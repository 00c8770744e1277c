package engine

import (
	"sort"

	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/service/inference"
)

type Candidate struct {
	ClassID    int
	Confidence float32
	Box        model.Box
}

// Decode turns raw network rows into candidate boxes. Each row contributes its
// best scoring class when that score exceeds the confidence threshold; the
// normalized center/size coordinates are scaled to the frame's pixel size.
func Decode(rows [][]float32, cols, rowsPx int, confThreshold float32) []Candidate {
	var candidates []Candidate
	for _, row := range rows {
		if len(row) <= inference.ScoreOffset {
			continue
		}

		classID := 0
		maxScore := row[inference.ScoreOffset]
		for j, score := range row[inference.ScoreOffset:] {
			if score > maxScore {
				maxScore = score
				classID = j
			}
		}

		if maxScore <= confThreshold {
			continue
		}

		centerX := int(row[0] * float32(cols))
		centerY := int(row[1] * float32(rowsPx))
		width := int(row[2] * float32(cols))
		height := int(row[3] * float32(rowsPx))

		candidates = append(candidates, Candidate{
			ClassID:    classID,
			Confidence: maxScore,
			Box: model.Box{
				Left:   centerX - width/2,
				Top:    centerY - height/2,
				Width:  width,
				Height: height,
			},
		})
	}
	return candidates
}

// SuppressByClass groups candidates by class id and runs NMS inside each group.
// Survivors are returned by ascending class id, then by descending confidence.
func SuppressByClass(candidates []Candidate, confThreshold, nmsThreshold float32) []Candidate {
	groups := map[int][]Candidate{}
	for _, c := range candidates {
		groups[c.ClassID] = append(groups[c.ClassID], c)
	}

	classIDs := make([]int, 0, len(groups))
	for id := range groups {
		classIDs = append(classIDs, id)
	}
	sort.Ints(classIDs)

	var survivors []Candidate
	for _, id := range classIDs {
		local := groups[id]
		boxes := make([]model.Box, len(local))
		scores := make([]float32, len(local))
		for i, c := range local {
			boxes[i] = c.Box
			scores[i] = c.Confidence
		}

		for _, idx := range NMS(boxes, scores, confThreshold, nmsThreshold) {
			survivors = append(survivors, local[idx])
		}
	}
	return survivors
}
