package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/khaledhikmat/vs-detect/model"
)

const defaultErrors = 50

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handlers) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *Handlers) GetSourcesHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.status.Sources())
}

// GetLatestHandler returns the most recent batch published by a source.
func (h *Handlers) GetLatestHandler(w http.ResponseWriter, r *http.Request) {
	source := mux.Vars(r)["source"]

	batch, ok := h.status.LatestBatch(source)
	if !ok {
		http.Error(w, "Source not found", http.StatusNotFound)
		return
	}
	if len(batch) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, struct {
		Source     string      `json:"source"`
		Timestamp  time.Time   `json:"timestamp"`
		Detections interface{} `json:"detections"`
	}{
		Source:     source,
		Timestamp:  batchTime(batch),
		Detections: batch,
	})
}

func (h *Handlers) GetEngineStatsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.status.EngineStats())
}

func (h *Handlers) GetEmitterStatsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.status.EmitterStats())
}

func (h *Handlers) GetErrorsHandler(w http.ResponseWriter, r *http.Request) {
	max := defaultErrors
	if raw := r.URL.Query().Get("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid max", http.StatusBadRequest)
			return
		}
		max = n
	}

	records, err := h.dataSvc.RetrieveErrors(max)
	if err != nil {
		http.Error(w, "Failed to fetch errors", http.StatusInternalServerError)
		return
	}
	writeJSON(w, records)
}

func batchTime(batch model.Batch) time.Time {
	if frame := batch.Frame(); frame != nil {
		return frame.Timestamp
	}
	return time.Time{}
}
