package data

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/service/config"
)

// Each collection file keeps at most this many records, oldest dropped first.
const maxEntities = 1000

type filesDBService struct {
	CfgSvc config.IService

	mu sync.Mutex
}

// NewFilesDB stores every collection as a JSON array file in the data folder.
func NewFilesDB(cfgsvc config.IService) IService {
	return &filesDBService{
		CfgSvc: cfgsvc,
	}
}

func (svc *filesDBService) NewError(err interface{}) error {
	// Determine if the error is custom
	var customErr model.CustomError
	switch e := err.(type) {
	case model.CustomError:
		customErr = e
	case error:
		customErr.Processor = "N/A"
		customErr.Inner = e
		customErr.Message = e.Error()
		customErr.StackTrace = "N/A"
	default:
		customErr.Processor = "N/A"
		customErr.Message = fmt.Sprintf("%v", err)
		customErr.StackTrace = "N/A"
	}

	record := ErrorRecord{
		Timestamp:  time.Now().Unix(),
		Processor:  customErr.Processor,
		Message:    customErr.Message,
		StackTrace: customErr.StackTrace,
		Misc:       customErr.Misc,
	}
	if customErr.Inner != nil {
		record.Inner = customErr.Inner.Error()
	}
	return newEntity(svc, record, "errors")
}

// RetrieveErrors returns up to max of the most recent errors, newest last.
func (svc *filesDBService) RetrieveErrors(max int) ([]ErrorRecord, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	records, err := retrieveEntities[ErrorRecord](svc.path("errors"))
	if err != nil {
		return nil, err
	}
	if max > 0 && len(records) > max {
		records = records[len(records)-max:]
	}
	return records, nil
}

func (svc *filesDBService) NewManagerStats(stats model.ManagerStats) error {
	stats.Timestamp = time.Now().Unix()
	return newEntity(svc, stats, "manager-stats")
}

func (svc *filesDBService) NewEngineStats(stats model.EngineStats) error {
	stats.Timestamp = time.Now().Unix()
	return newEntity(svc, stats, "engine-stats")
}

func (svc *filesDBService) NewSourceStats(stats model.SourceStats) error {
	stats.Timestamp = time.Now().Unix()
	return newEntity(svc, stats, "source-stats")
}

func (svc *filesDBService) NewEmitterStats(stats model.EmitterStats) error {
	stats.Timestamp = time.Now().Unix()
	return newEntity(svc, stats, "emitter-stats")
}

func (svc *filesDBService) path(collection string) string {
	return filepath.Join(svc.CfgSvc.GetDataFolder(), collection+".json")
}

func newEntity[T any](svc *filesDBService, entity T, collection string) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	output := svc.path(collection)
	entities, err := retrieveEntities[T](output)
	if err != nil {
		return err
	}

	entities = append(entities, entity)
	if len(entities) > maxEntities {
		entities = entities[len(entities)-maxEntities:]
	}

	data, err := json.MarshalIndent(entities, "", "  ")
	if err != nil {
		return xerrors.Errorf("encoding %s: %w", collection, err)
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return xerrors.Errorf("creating data folder: %w", err)
	}
	// Write the JSON data to the file (with truncation)
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return xerrors.Errorf("writing %s: %w", collection, err)
	}
	return nil
}

func retrieveEntities[T any](path string) ([]T, error) {
	entities := []T{}

	data, err := os.ReadFile(path)
	if err != nil {
		// WARNING: File not found, return empty slice
		return entities, nil
	}

	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, xerrors.Errorf("decoding %s: %w", path, err)
	}
	return entities, nil
}
