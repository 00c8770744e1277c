package data

import "github.com/khaledhikmat/vs-detect/model"

// ErrorRecord is the persisted form of an error reported on the error stream.
type ErrorRecord struct {
	Timestamp  int64                  `json:"timestamp"`
	Processor  string                 `json:"processor"`
	Inner      string                 `json:"innerError"`
	Message    string                 `json:"message"`
	StackTrace string                 `json:"stackTrace"`
	Misc       map[string]interface{} `json:"misc"`
}

type IService interface {
	NewError(err interface{}) error
	RetrieveErrors(max int) ([]ErrorRecord, error)

	NewManagerStats(stats model.ManagerStats) error
	NewEngineStats(stats model.EngineStats) error
	NewSourceStats(stats model.SourceStats) error
	NewEmitterStats(stats model.EmitterStats) error
}
