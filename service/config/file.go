package config

type fileService struct {
	cfg *Config
}

// NewFromFile loads the configuration at path.
func NewFromFile(path string) (IService, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return New(cfg), nil
}

// New wraps an already validated configuration.
func New(cfg *Config) IService {
	return &fileService{cfg: cfg}
}

func (svc *fileService) GetInstanceID() string {
	return svc.cfg.InstanceID
}

func (svc *fileService) GetModeMaxShutdownTime() int {
	return svc.cfg.ShutdownTimeoutS
}

func (svc *fileService) GetStatsPeriodicTimeout() int {
	return svc.cfg.StatsPeriodS
}

func (svc *fileService) GetLogLevel() string {
	return svc.cfg.Log.Level
}

func (svc *fileService) GetLogFile() string {
	return svc.cfg.Log.File
}

func (svc *fileService) GetDataFolder() string {
	return svc.cfg.Data.Folder
}

func (svc *fileService) GetAPIAddress() string {
	return svc.cfg.API.Address
}

func (svc *fileService) GetEngine() Engine {
	return svc.cfg.Engine
}

func (svc *fileService) GetSources() map[string]Source {
	return svc.cfg.Sources
}

func (svc *fileService) GetMQTT() MQTT {
	return svc.cfg.MQTT
}

func (svc *fileService) GetURLs() map[string]URL {
	return svc.cfg.URLs
}

func (svc *fileService) GetKafka() Kafka {
	return svc.cfg.Kafka
}

func (svc *fileService) GetDetectionLog() DetectionLog {
	return svc.cfg.DetectionLog
}

func (svc *fileService) GetStorage() Storage {
	return svc.cfg.Storage
}
