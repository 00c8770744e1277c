package emitter

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/khaledhikmat/vs-detect/model"
)

type boundingBox struct {
	Left    int `json:"left"`
	Top     int `json:"top"`
	Width   int `json:"width"`
	Height  int `json:"height"`
	CenterX int `json:"center_x"`
	CenterY int `json:"center_y"`
}

type detectionPayload struct {
	ClassName   string      `json:"classname"`
	Confidence  float32     `json:"confidence"`
	SourceName  string      `json:"source_name"`
	BoundingBox boundingBox `json:"bounding_box"`
}

type batchPayload struct {
	Source     string             `json:"source"`
	Timestamp  time.Time          `json:"timestamp"`
	Detections []detectionPayload `json:"detections"`
}

func toPayload(batch model.Batch) []detectionPayload {
	positives := batch.Positives()
	out := make([]detectionPayload, 0, len(positives))
	for _, d := range positives {
		out = append(out, detectionPayload{
			ClassName:  d.Class,
			Confidence: d.Confidence,
			SourceName: d.Source,
			BoundingBox: boundingBox{
				Left:    d.Box.Left,
				Top:     d.Box.Top,
				Width:   d.Box.Width,
				Height:  d.Box.Height,
				CenterX: d.CenterX(),
				CenterY: d.CenterY(),
			},
		})
	}
	return out
}

// detectionsJSON renders the positive detections as a JSON array. It returns
// nil when there are none.
func detectionsJSON(batch model.Batch) ([]byte, error) {
	payload := toPayload(batch)
	if len(payload) == 0 {
		return nil, nil
	}
	return json.Marshal(payload)
}

func batchJSON(batch model.Batch, ts time.Time) ([]byte, error) {
	return json.Marshal(batchPayload{
		Source:     batch.Source(),
		Timestamp:  ts,
		Detections: toPayload(batch),
	})
}
