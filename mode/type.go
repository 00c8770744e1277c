package mode

import (
	"context"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/khaledhikmat/vs-detect/emitter"
	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/pipeline"
	"github.com/khaledhikmat/vs-detect/service/config"
	"github.com/khaledhikmat/vs-detect/service/data"
	"github.com/khaledhikmat/vs-detect/service/inference"
	"github.com/khaledhikmat/vs-detect/service/lgr"
	"github.com/khaledhikmat/vs-detect/service/storage"
	"github.com/khaledhikmat/vs-detect/service/webhook"
)

// Services is everything a mode processor runs on. The factories let the
// binary plug in the OpenCV implementations and tests plug in fakes.
type Services struct {
	CfgSvc       config.IService
	DataSvc      data.IService
	InferenceSvc inference.IService
	StorageSvc   storage.IService
	WebhookSvc   webhook.IService

	NewSource   func(name string, src config.Source) (pipeline.FrameSource, error)
	NewRenderer func(name string) pipeline.Renderer
	Snapshotter emitter.Snapshotter
	MQTTClient  func(opts *mqtt.ClientOptions) mqtt.Client
}

func (svcs Services) mqttClient(opts *mqtt.ClientOptions) mqtt.Client {
	if svcs.MQTTClient != nil {
		return svcs.MQTTClient(opts)
	}
	return mqtt.NewClient(opts)
}

type Processor func(canxCtx context.Context, svcs Services) error

func procStats(datasvc data.IService, stats interface{}) {
	var err error
	switch stats := stats.(type) {
	case model.ManagerStats:
		err = datasvc.NewManagerStats(stats)
	case model.EngineStats:
		err = datasvc.NewEngineStats(stats)
	case model.SourceStats:
		err = datasvc.NewSourceStats(stats)
	case model.EmitterStats:
		err = datasvc.NewEmitterStats(stats)
	default:
		lgr.Logger.Error(
			"unknown stats type",
			slog.Any("stats", stats),
		)
		return
	}

	if err != nil {
		lgr.Logger.Error(
			"failed to store stats",
			slog.Any("stats", stats),
			slog.Any("error", err),
		)
	}
}

func procError(datasvc data.IService, err interface{}) {
	lgr.Logger.Error(
		"processor reported an error",
		slog.Any("error", err),
	)

	errTemp := datasvc.NewError(err)
	if errTemp != nil {
		lgr.Logger.Error(
			"failed to store error",
			slog.Any("error", errTemp),
		)
	}
}
