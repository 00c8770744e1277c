package config

import (
	"errors"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const (
	BackendDarknet = "darknet"
	BackendONNX    = "onnx"
	BackendFake    = "fake"

	SourceGrabber   = "grabber"
	SourceLimiter   = "limiter"
	SourceDirectory = "directory"
	SourceCapture   = "capture"

	StorageLocal = "local"
	StorageMinio = "minio"

	DefaultFPS = 0.25
)

type Config struct {
	InstanceID       string `yaml:"instance_id" env:"VS_INSTANCE_ID"`
	ShutdownTimeoutS int    `yaml:"shutdown_timeout_s" env:"VS_SHUTDOWN_TIMEOUT_S"`
	StatsPeriodS     int    `yaml:"stats_period_s" env:"VS_STATS_PERIOD_S"`

	Log struct {
		Level string `yaml:"level" env:"VS_LOG_LEVEL"`
		File  string `yaml:"file" env:"VS_LOG_FILE"`
	} `yaml:"log"`

	Data struct {
		Folder string `yaml:"folder" env:"VS_DATA_FOLDER"`
	} `yaml:"data"`

	API struct {
		Address string `yaml:"address" env:"VS_API_ADDRESS"`
	} `yaml:"api"`

	Engine       Engine            `yaml:"engine"`
	Sources      map[string]Source `yaml:"sources"`
	MQTT         MQTT              `yaml:"mqtt"`
	URLs         map[string]URL    `yaml:"urls"`
	Kafka        Kafka             `yaml:"kafka"`
	DetectionLog DetectionLog      `yaml:"detection_log"`
	Storage      Storage           `yaml:"storage"`
}

type Engine struct {
	Backend             string        `yaml:"backend" env:"VS_ENGINE_BACKEND"`
	ModelDir            string        `yaml:"model_dir" env:"VS_ENGINE_MODEL_DIR"`
	Config              string        `yaml:"config"`
	Weights             string        `yaml:"weights"`
	Names               string        `yaml:"names"`
	Labels              []string      `yaml:"labels"`
	AnalysisSize        int           `yaml:"analysis_size" env:"VS_ENGINE_ANALYSIS_SIZE"`
	Target              string        `yaml:"target" env:"VS_ENGINE_TARGET"`
	ConfidenceThreshold float32       `yaml:"confidence_threshold" env:"VS_ENGINE_CONFIDENCE_THRESHOLD"`
	NMSThreshold        float32       `yaml:"nms_threshold" env:"VS_ENGINE_NMS_THRESHOLD"`
	ResultTTL           time.Duration `yaml:"result_ttl" env:"VS_ENGINE_RESULT_TTL"`
	Niceness            int           `yaml:"niceness" env:"VS_ENGINE_NICENESS"`
	FakeDelay           time.Duration `yaml:"fake_delay"`
}

// Route selects the detections a downstream consumer receives. Both lists are
// comma separated StringFilter patterns.
type Route struct {
	ClassFilter  string `yaml:"class_filter"`
	SourceFilter string `yaml:"source_filter"`
	MaxQueue     int    `yaml:"max_queue"`
}

// Unfiltered reports whether the consumer takes every batch as published.
func (r Route) Unfiltered() bool {
	return r.ClassFilter == "" && r.SourceFilter == ""
}

type Source struct {
	Type     string `yaml:"type"`
	Location string `yaml:"location"`
	// Detections per second; nil means DefaultFPS and 0 means every frame.
	FPS                 *float64      `yaml:"fps"`
	FrameRate           float64       `yaml:"frame_rate"`
	Interactive         bool          `yaml:"interactive"`
	ConfidenceThreshold float32       `yaml:"confidence_threshold"`
	NMSThreshold        float32       `yaml:"nms_threshold"`
	PollInterval        time.Duration `yaml:"poll_interval"`
}

func (s Source) DetectionFPS() float64 {
	if s.FPS == nil {
		return DefaultFPS
	}
	return *s.FPS
}

type MQTT struct {
	Route       `yaml:",inline"`
	Broker      string `yaml:"broker" env:"VS_MQTT_BROKER"`
	TopicPrefix string `yaml:"topic_prefix" env:"VS_MQTT_TOPIC_PREFIX"`
	QoS         byte   `yaml:"qos" env:"VS_MQTT_QOS"`
	Username    string `yaml:"username" env:"VS_MQTT_USERNAME"`
	Password    string `yaml:"password" env:"VS_MQTT_PASSWORD"`
	ClientID    string `yaml:"client_id" env:"VS_MQTT_CLIENT_ID"`
}

func (m MQTT) Enabled() bool {
	return m.Broker != ""
}

type URL struct {
	Route       `yaml:",inline"`
	URL         string `yaml:"url"`
	Method      string `yaml:"method"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	SnapshotDir string `yaml:"snapshot_dir"`
}

type Kafka struct {
	Route   `yaml:",inline"`
	Brokers []string `yaml:"brokers" env:"VS_KAFKA_BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic" env:"VS_KAFKA_TOPIC"`
}

func (k Kafka) Enabled() bool {
	return len(k.Brokers) > 0
}

type DetectionLog struct {
	Route      `yaml:",inline"`
	File       string `yaml:"file" env:"VS_DETLOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"VS_DETLOG_MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups"`
}

func (d DetectionLog) Enabled() bool {
	return d.File != ""
}

type Storage struct {
	Type      string `yaml:"type" env:"VS_STORAGE_TYPE"`
	Folder    string `yaml:"folder" env:"VS_STORAGE_FOLDER"`
	Endpoint  string `yaml:"endpoint" env:"VS_STORAGE_ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"VS_STORAGE_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"VS_STORAGE_SECRET_KEY"`
	Bucket    string `yaml:"bucket" env:"VS_STORAGE_BUCKET"`
	UseSSL    bool   `yaml:"use_ssl" env:"VS_STORAGE_USE_SSL"`
}

// Load reads a YAML file, applies environment overrides and validates the
// result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("reading config %s: %w", path, err)
	}

	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, xerrors.Errorf("parsing config: %w", err)
	}

	// Environment variables take priority over the file.
	if err := env.Parse(cfg); err != nil {
		return nil, xerrors.Errorf("parsing config environment: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills defaults and rejects configurations the manager cannot run.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "vs-detect"
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if cfg.StatsPeriodS <= 0 {
		cfg.StatsPeriodS = 30
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Data.Folder == "" {
		cfg.Data.Folder = "./settings"
	}

	e := &cfg.Engine
	if e.Backend == "" {
		e.Backend = BackendDarknet
	}
	switch e.Backend {
	case BackendDarknet, BackendONNX, BackendFake:
	default:
		return xerrors.Errorf("unknown engine backend %q: %w", e.Backend, ErrInvalidConfig)
	}
	if e.Backend == BackendFake && len(e.Labels) == 0 && e.Names == "" {
		return xerrors.Errorf("fake backend needs engine.labels or engine.names: %w", ErrInvalidConfig)
	}
	if e.AnalysisSize <= 0 {
		e.AnalysisSize = 416
	}
	if e.Target == "" {
		e.Target = "cpu"
	}
	if e.ConfidenceThreshold <= 0 {
		e.ConfidenceThreshold = 0.35
	}
	if e.NMSThreshold <= 0 {
		e.NMSThreshold = 0.48
	}
	if e.ResultTTL <= 0 {
		e.ResultTTL = 30 * time.Second
	}

	if len(cfg.Sources) == 0 {
		return xerrors.Errorf("no sources configured: %w", ErrInvalidConfig)
	}
	for name, src := range cfg.Sources {
		if src.Type == "" {
			src.Type = SourceGrabber
		}
		switch src.Type {
		case SourceGrabber, SourceLimiter, SourceDirectory, SourceCapture:
		default:
			return xerrors.Errorf("source %s has unknown type %q: %w", name, src.Type, ErrInvalidConfig)
		}
		if src.Location == "" {
			return xerrors.Errorf("source %s has no location: %w", name, ErrInvalidConfig)
		}
		if src.DetectionFPS() < 0 {
			return xerrors.Errorf("source %s fps must be >= 0: %w", name, ErrInvalidConfig)
		}
		if src.ConfidenceThreshold <= 0 {
			src.ConfidenceThreshold = e.ConfidenceThreshold
		}
		if src.NMSThreshold <= 0 {
			src.NMSThreshold = e.NMSThreshold
		}
		cfg.Sources[name] = src
	}

	if cfg.MQTT.Enabled() && cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "vs-detect/" + cfg.InstanceID
	}

	for name, u := range cfg.URLs {
		if u.URL == "" {
			return xerrors.Errorf("url emitter %s has no url: %w", name, ErrInvalidConfig)
		}
		if u.Method == "" {
			u.Method = "GET"
		}
		cfg.URLs[name] = u
	}

	if cfg.Kafka.Enabled() && cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "detections"
	}

	if cfg.DetectionLog.MaxSizeMB <= 0 {
		cfg.DetectionLog.MaxSizeMB = 10
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = StorageLocal
	}
	switch cfg.Storage.Type {
	case StorageLocal:
	case StorageMinio:
		if cfg.Storage.Endpoint == "" || cfg.Storage.Bucket == "" {
			return xerrors.Errorf("minio storage needs endpoint and bucket: %w", ErrInvalidConfig)
		}
	default:
		return xerrors.Errorf("unknown storage type %q: %w", cfg.Storage.Type, ErrInvalidConfig)
	}

	return nil
}
