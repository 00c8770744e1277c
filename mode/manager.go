package mode

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/khaledhikmat/vs-detect/api"
	"github.com/khaledhikmat/vs-detect/emitter"
	"github.com/khaledhikmat/vs-detect/engine"
	"github.com/khaledhikmat/vs-detect/filter"
	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/pipeline"
	"github.com/khaledhikmat/vs-detect/service/config"
	"github.com/khaledhikmat/vs-detect/service/lgr"
	"github.com/khaledhikmat/vs-detect/service/webhook"
)

const errorStreamSize = 100

type route struct {
	config.Route
	emitter *emitter.Threaded
}

// runtime is the set of running components. It backs the status API.
type runtime struct {
	id        string
	startTime time.Time
	engine    *engine.Engine
	sources   map[string]*pipeline.SourceManager
	routes    []route
}

func (rt *runtime) Sources() []model.SourceStats {
	stats := make([]model.SourceStats, 0, len(rt.sources))
	for _, name := range rt.sourceNames() {
		stats = append(stats, rt.sources[name].Stats())
	}
	return stats
}

func (rt *runtime) LatestBatch(source string) (model.Batch, bool) {
	m, ok := rt.sources[source]
	if !ok {
		return nil, false
	}
	return m.LastBatch(), true
}

func (rt *runtime) EngineStats() model.EngineStats {
	return rt.engine.Stats()
}

func (rt *runtime) EmitterStats() []model.EmitterStats {
	stats := make([]model.EmitterStats, 0, len(rt.routes))
	for _, r := range rt.routes {
		stats = append(stats, r.emitter.Stats())
	}
	return stats
}

func (rt *runtime) sourceNames() []string {
	names := make([]string, 0, len(rt.sources))
	for name := range rt.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (rt *runtime) managerStats() model.ManagerStats {
	return model.ManagerStats{
		ID:             rt.id,
		RunningSources: len(rt.sources),
		Routes:         len(rt.routes),
		Uptime:         int64(time.Since(rt.startTime).Seconds()),
	}
}

// Manager runs the detection engine, one source manager per configured source
// and every configured emitter, until the context is cancelled.
func Manager(canxCtx context.Context, svcs Services) error {
	cfgSvc := svcs.CfgSvc

	errorStream := make(chan interface{}, errorStreamSize)

	engCfg := cfgSvc.GetEngine()
	eng, err := engine.New(engine.Parameters{
		ConfidenceThreshold: engCfg.ConfidenceThreshold,
		NMSThreshold:        engCfg.NMSThreshold,
		ResultTTL:           engCfg.ResultTTL,
		Niceness:            engCfg.Niceness,
	}, svcs.InferenceSvc, engine.WithTracer(otel.Tracer("vs-detect/engine")))
	if err != nil {
		return err
	}

	rt := &runtime{
		id:        cfgSvc.GetInstanceID(),
		startTime: time.Now(),
		engine:    eng,
		sources:   map[string]*pipeline.SourceManager{},
	}

	lgr.Logger.Info("manager starting....",
		slog.String("id", rt.id),
		slog.Int("labels", len(eng.Labels())),
	)
	eng.Start(canxCtx)

	rt.routes = buildRoutes(canxCtx, svcs, errorStream)
	for _, r := range rt.routes {
		r.emitter.Start(canxCtx)
	}

	// Routes are subscribed before any source starts so no batch is published
	// to an empty subscriber list.
	createSources(svcs, rt, errorStream)
	connectRoutes(rt)
	startSources(canxCtx, svcs, rt)

	var server *http.Server
	if addr := cfgSvc.GetAPIAddress(); addr != "" {
		server = api.NewServer(addr, api.NewHandlers(rt, svcs.DataSvc))
		go func() {
			lgr.Logger.Info("status api listening", slog.String("address", addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorStream <- model.GenError("manager", err, map[string]interface{}{"address": addr}, "status api stopped")
			}
		}()
	}

	ticker := time.NewTicker(time.Duration(cfgSvc.GetStatsPeriodicTimeout()) * time.Second)
	defer ticker.Stop()

	// Wait for cancellation, stats timeout or errors
	for {
		select {
		case <-canxCtx.Done():
			lgr.Logger.Info(
				"manager context cancelled",
			)
			goto resume

		case <-ticker.C:
			reportStats(svcs, rt)

		case e := <-errorStream:
			procError(svcs.DataSvc, e)
		}
	}

	// Stop everything in the background while still draining the error stream.
	// Sources go first so their in-flight jobs are acked before the engine stops.
resume:
	lgr.Logger.Info(
		"manager is waiting for all go routines to exit",
	)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = server.Shutdown(shutdownCtx)
			cancel()
		}
		stopAll(rt)
	}()

	timer := time.NewTimer(time.Duration(cfgSvc.GetModeMaxShutdownTime()) * time.Second)
	defer timer.Stop()

	for {
		select {
		case <-stopped:
			drain(svcs, errorStream)
			reportStats(svcs, rt)
			lgr.Logger.Info("manager stopped")
			return nil

		case <-timer.C:
			// Timer expired, proceed with shutdown
			lgr.Logger.Info(
				"manager shutdown waiting period expired. Exiting now",
				slog.Duration("period", time.Duration(cfgSvc.GetModeMaxShutdownTime())*time.Second),
			)
			return nil

		case e := <-errorStream:
			procError(svcs.DataSvc, e)
		}
	}
}

func buildRoutes(canxCtx context.Context, svcs Services, errorStream chan interface{}) []route {
	cfgSvc := svcs.CfgSvc
	var routes []route

	add := func(r config.Route, proc emitter.Processor) {
		opts := []emitter.Option{emitter.WithErrorStream(errorStream)}
		if r.MaxQueue > 0 {
			opts = append(opts, emitter.WithMaxQueue(r.MaxQueue))
		}
		routes = append(routes, route{Route: r, emitter: emitter.NewThreaded(proc, opts...)})
		lgr.Logger.Info("emitter configured",
			slog.String("emitter", proc.Name()),
			slog.String("classFilter", r.ClassFilter),
			slog.String("sourceFilter", r.SourceFilter),
		)
	}
	fail := func(name string, err error) {
		errorStream <- model.GenError("manager", err, map[string]interface{}{"emitter": name}, "unable to create emitter")
	}

	if m := cfgSvc.GetMQTT(); m.Enabled() {
		params := emitter.MQTTParameters{
			Broker:      m.Broker,
			Username:    m.Username,
			Password:    m.Password,
			ClientID:    m.ClientID,
			TopicPrefix: m.TopicPrefix,
			QoS:         m.QoS,
		}
		opts, err := emitter.NewMQTTClientOptions(params)
		if err != nil {
			fail("mqtt", err)
		} else {
			e := emitter.NewMQTTWithClient(params, svcs.mqttClient(opts))
			if err := e.Connect(canxCtx); err != nil {
				// The client keeps retrying and every publish reconnects.
				lgr.Logger.Warn("mqtt broker not reachable yet", slog.Any("error", err))
			}
			add(m.Route, e)
		}
	}

	urls := cfgSvc.GetURLs()
	names := make([]string, 0, len(urls))
	for name := range urls {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		u := urls[name]
		var opts []emitter.URLOption
		if svcs.Snapshotter != nil && u.SnapshotDir != "" {
			opts = append(opts, emitter.WithSnapshots(svcs.Snapshotter, svcs.StorageSvc))
		}
		add(u.Route, emitter.NewURL(emitter.URLParameters{
			Name:        name,
			URL:         u.URL,
			Method:      u.Method,
			Credentials: webhook.Credentials{Username: u.Username, Password: u.Password},
			SnapshotDir: u.SnapshotDir,
		}, svcs.WebhookSvc, opts...))
	}

	if k := cfgSvc.GetKafka(); k.Enabled() {
		e, err := emitter.NewKafka(k.Brokers, k.Topic)
		if err != nil {
			fail("kafka", err)
		} else {
			add(k.Route, e)
		}
	}

	if d := cfgSvc.GetDetectionLog(); d.Enabled() {
		add(d.Route, emitter.NewDetectionLog(d.File, d.MaxSizeMB, d.MaxBackups))
	}

	return routes
}

func createSources(svcs Services, rt *runtime, errorStream chan interface{}) {
	sources := svcs.CfgSvc.GetSources()
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		src := sources[name]
		fs, err := svcs.NewSource(name, src)
		if err != nil {
			procError(svcs.DataSvc, model.GenError("manager", err, map[string]interface{}{"source": name}, "unable to create source"))
			continue
		}

		opts := []pipeline.Option{pipeline.WithErrorStream(errorStream)}
		if src.Interactive && svcs.NewRenderer != nil {
			opts = append(opts, pipeline.WithRenderer(svcs.NewRenderer(name)))
		}

		rt.sources[name] = pipeline.NewSourceManager(pipeline.Parameters{
			Name:                name,
			DetectionPeriod:     pipeline.PeriodFromFPS(src.DetectionFPS()),
			ConfidenceThreshold: src.ConfidenceThreshold,
			NMSThreshold:        src.NMSThreshold,
		}, fs, rt.engine, opts...)
	}
}

// startSources starts every created source manager. One that fails to start
// is dropped; its subscriptions never see a batch.
func startSources(canxCtx context.Context, svcs Services, rt *runtime) {
	for _, name := range rt.sourceNames() {
		if err := rt.sources[name].Start(canxCtx); err != nil {
			procError(svcs.DataSvc, model.GenError("manager", err, map[string]interface{}{"source": name}, "unable to start source"))
			delete(rt.sources, name)
		}
	}
}

// connectRoutes subscribes every emitter to every source, through a filter
// when the route has one.
func connectRoutes(rt *runtime) {
	for _, r := range rt.routes {
		name := r.emitter.Name()
		if r.Unfiltered() {
			for _, src := range rt.sourceNames() {
				rt.sources[src].Detections.Subscribe(name, r.emitter.Enqueue)
			}
			continue
		}

		f, err := filter.Parse(name, r.ClassFilter, r.SourceFilter)
		if err != nil {
			lgr.Logger.Warn("some filter entries were ignored",
				slog.String("emitter", name),
				slog.Any("error", err),
			)
		}
		f.Filtered.Subscribe(name, r.emitter.Enqueue)
		for _, src := range rt.sourceNames() {
			rt.sources[src].Detections.Subscribe(name, f.OnDetection)
		}
	}
}

func stopAll(rt *runtime) {
	var wg sync.WaitGroup
	for _, m := range rt.sources {
		wg.Add(1)
		go func(m *pipeline.SourceManager) {
			defer wg.Done()
			m.Stop()
		}(m)
	}
	wg.Wait()

	for _, r := range rt.routes {
		r.emitter.Stop()
	}
	rt.engine.Stop()
}

func reportStats(svcs Services, rt *runtime) {
	procStats(svcs.DataSvc, rt.managerStats())
	procStats(svcs.DataSvc, rt.EngineStats())
	for _, s := range rt.Sources() {
		procStats(svcs.DataSvc, s)
	}
	for _, s := range rt.EmitterStats() {
		procStats(svcs.DataSvc, s)
	}
}

func drain(svcs Services, errorStream chan interface{}) {
	for {
		select {
		case e := <-errorStream:
			procError(svcs.DataSvc, e)
		default:
			return
		}
	}
}
