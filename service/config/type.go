package config

type IService interface {
	GetInstanceID() string
	GetModeMaxShutdownTime() int
	GetStatsPeriodicTimeout() int
	GetLogLevel() string
	GetLogFile() string
	GetDataFolder() string
	GetAPIAddress() string

	GetEngine() Engine
	GetSources() map[string]Source
	GetMQTT() MQTT
	GetURLs() map[string]URL
	GetKafka() Kafka
	GetDetectionLog() DetectionLog
	GetStorage() Storage
}
