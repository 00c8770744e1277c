package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/vs-detect/mode"
	"github.com/khaledhikmat/vs-detect/pipeline"
	"github.com/khaledhikmat/vs-detect/service/config"
	"github.com/khaledhikmat/vs-detect/service/data"
	"github.com/khaledhikmat/vs-detect/service/inference"
	"github.com/khaledhikmat/vs-detect/service/lgr"
	"github.com/khaledhikmat/vs-detect/service/storage"
	"github.com/khaledhikmat/vs-detect/service/webhook"
	"github.com/khaledhikmat/vs-detect/vision"
)

const (
	// WARNING: this has to be bigger that the mode processor shutdown time
	waitOnShutdown = 8 * time.Second

	webhookTimeout = 10 * time.Second
)

var modeProcessors = map[string]mode.Processor{
	"manager": mode.Manager,
	"monitor": mode.Monitor,
}

func main() {
	configPath := flag.String("config", os.Getenv("VS_CONFIG"), "path to the YAML configuration, the built-in demo when empty")
	flag.Parse()

	rootCtx := context.Background()
	canxCtx, canxFn := context.WithCancel(rootCtx)

	// Hook up a signal handler to cancel the context
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		lgr.Logger.Info(
			"received kill signal",
			slog.Any("signal", sig),
		)
		canxFn()
	}()

	// Load env vars if we are in DEV mode
	if os.Getenv("RUN_TIME_ENV") == "dev" || os.Getenv("RUN_TIME_ENV") == "" {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			lgr.Logger.Error("error loading .env file", slog.Any("error", xerrors.New(err.Error())))
			panic("error loading .env file")
		}
	}

	modeType := "manager"
	args := flag.Args()
	if len(args) > 0 {
		modeType = args[0]
	}

	modeProc, ok := modeProcessors[modeType]
	if !ok {
		lgr.Logger.Error("invalid mode", slog.String("mode", modeType))
		panic("invalid mode")
	}

	// Config service
	cfgSvc := config.NewHardCoded()
	if *configPath != "" {
		var err error
		cfgSvc, err = config.NewFromFile(*configPath)
		if err != nil {
			lgr.Logger.Error("unable to load configuration", slog.Any("error", err))
			os.Exit(1)
		}
	}
	lgr.Configure(cfgSvc.GetLogLevel(), cfgSvc.GetLogFile())

	svcs, err := newServices(canxCtx, cfgSvc, modeType)
	if err != nil {
		lgr.Logger.Error("unable to create services", slog.Any("error", err))
		os.Exit(1)
	}
	if svcs.InferenceSvc != nil {
		defer svcs.InferenceSvc.Close()
	}

	// Buffered so the processor never blocks on a main that stopped waiting
	modeProcResult := make(chan error, 1)

	// Start the mode processor
	go func() {
		modeProcResult <- modeProc(canxCtx, svcs)
	}()

	// Wait for cancellation or mode proc
	for {
		select {
		case <-canxCtx.Done():
			lgr.Logger.Info(
				"vs-detect context cancelled",
			)
			goto resume

		case err := <-modeProcResult:
			if err != nil {
				lgr.Logger.Info(
					"vs-detect mode processor exited",
					slog.Any("error", xerrors.New(err.Error())),
				)
			}
			goto exit
		}
	}

	// Wait in a non-blocking way for `waitOnShutdown` for the mode processor
	// to stop its components
resume:
	lgr.Logger.Info(
		"vs-detect is waiting for all go routines to exit",
	)

	select {
	case <-time.After(waitOnShutdown):
		// Timer expired, proceed with shutdown
		lgr.Logger.Info(
			"vs-detect shutdown waiting period expired. Exiting now",
			slog.Duration("period", waitOnShutdown),
		)

	case err := <-modeProcResult:
		if err != nil {
			lgr.Logger.Info(
				"vs-detect mode processor exited",
				slog.Any("error", xerrors.New(err.Error())),
			)
		}
	}

exit:
	canxFn()
}

// newServices builds the services a mode runs on. Only the manager needs the
// network and the frame sources.
func newServices(ctx context.Context, cfgSvc config.IService, modeType string) (mode.Services, error) {
	svcs := mode.Services{
		CfgSvc:      cfgSvc,
		DataSvc:     data.NewFilesDB(cfgSvc),
		WebhookSvc:  webhook.NewHTTP(webhookTimeout),
		NewSource:   vision.NewSource,
		Snapshotter: vision.Snapshotter{},
		NewRenderer: func(name string) pipeline.Renderer {
			return vision.NewWindowRenderer(name)
		},
	}
	if modeType != "manager" {
		return svcs, nil
	}

	st := cfgSvc.GetStorage()
	switch st.Type {
	case config.StorageMinio:
		storageSvc, err := storage.NewMinio(ctx, st.Endpoint, st.AccessKey, st.SecretKey, st.Bucket, st.UseSSL)
		if err != nil {
			return svcs, err
		}
		svcs.StorageSvc = storageSvc
	default:
		svcs.StorageSvc = storage.NewLocal(st.Folder)
	}

	infSvc, err := newInference(cfgSvc.GetEngine())
	if err != nil {
		return svcs, err
	}
	svcs.InferenceSvc = infSvc
	return svcs, nil
}

func newInference(cfg config.Engine) (inference.IService, error) {
	if cfg.Backend != config.BackendFake {
		yolo, err := vision.NewYolo(cfg)
		if err != nil {
			return nil, err
		}
		return yolo, nil
	}

	labels := cfg.Labels
	if len(labels) == 0 {
		var err error
		if labels, err = inference.LoadLabels(filepath.Join(cfg.ModelDir, cfg.Names)); err != nil {
			return nil, err
		}
	}
	return inference.NewFake(labels, cfg.FakeDelay, nil), nil
}
