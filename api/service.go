package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/service/data"
)

// Status is the read-only view of a running manager.
type Status interface {
	Sources() []model.SourceStats
	LatestBatch(source string) (model.Batch, bool)
	EngineStats() model.EngineStats
	EmitterStats() []model.EmitterStats
}

type Handlers struct {
	status  Status
	dataSvc data.IService
}

func NewHandlers(status Status, dataSvc data.IService) *Handlers {
	return &Handlers{status: status, dataSvc: dataSvc}
}

func NewRouter(h *Handlers) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.HealthHandler).Methods("GET")
	r.HandleFunc("/sources", h.GetSourcesHandler).Methods("GET")
	r.HandleFunc("/sources/{source}/latest", h.GetLatestHandler).Methods("GET")
	r.HandleFunc("/engine/stats", h.GetEngineStatsHandler).Methods("GET")
	r.HandleFunc("/emitters/stats", h.GetEmitterStatsHandler).Methods("GET")
	r.HandleFunc("/errors", h.GetErrorsHandler).Methods("GET")
	return r
}

func NewServer(addr string, h *Handlers) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
