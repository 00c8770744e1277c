package config

import "time"

// NewHardCoded returns a self-contained demo setup: the fake inference backend
// watching ./frames/front_door, with a rotating detection log and the status
// API on :8080.
func NewHardCoded() IService {
	cfg := &Config{
		InstanceID: "vs-detect-demo",
	}
	cfg.Data.Folder = "./settings"
	cfg.API.Address = ":8080"

	cfg.Engine = Engine{
		Backend:   BackendFake,
		Labels:    []string{"person", "bicycle", "car", "dog", "cat"},
		FakeDelay: 50 * time.Millisecond,
	}

	fps := 1.0
	cfg.Sources = map[string]Source{
		"front_door": {
			Type:         SourceDirectory,
			Location:     "./frames/front_door",
			FPS:          &fps,
			PollInterval: time.Second,
		},
	}

	cfg.DetectionLog = DetectionLog{
		File: "./logs/detections.log",
	}

	// The literal above always validates.
	_ = Validate(cfg)
	return New(cfg)
}
