package mode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"

	"github.com/khaledhikmat/vs-detect/emitter/emittertest"
	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/model/modeltest"
	"github.com/khaledhikmat/vs-detect/pipeline"
	"github.com/khaledhikmat/vs-detect/service/config"
	"github.com/khaledhikmat/vs-detect/service/data"
	"github.com/khaledhikmat/vs-detect/service/inference"
	"github.com/khaledhikmat/vs-detect/service/storage"
	"github.com/khaledhikmat/vs-detect/service/webhook"
)

type fakeSource struct {
	name       string
	startDelay time.Duration
	seq        uint64
}

func (s *fakeSource) Start() error {
	time.Sleep(s.startDelay)
	return nil
}
func (s *fakeSource) Stop()        {}

func (s *fakeSource) GetNextFrame(time.Duration) *model.Frame {
	time.Sleep(5 * time.Millisecond)
	s.seq++
	frame, _ := modeltest.NewFrame(s.name, 640, 480)
	frame.Seq = s.seq
	return frame
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	every := 0.0

	cfg := &config.Config{
		InstanceID:       "test",
		ShutdownTimeoutS: 5,
		StatsPeriodS:     1,
	}
	cfg.Data.Folder = filepath.Join(dir, "settings")
	cfg.Engine = config.Engine{Backend: config.BackendFake, Labels: []string{"person", "car"}}
	cfg.Sources = map[string]config.Source{
		"front_door": {Type: config.SourceDirectory, Location: dir, FPS: &every},
		"garage":     {Type: config.SourceDirectory, Location: dir, FPS: &every},
	}
	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.TopicPrefix = "home"
	cfg.MQTT.ClassFilter = "front_door.person"
	cfg.DetectionLog.File = filepath.Join(dir, "detections.log")

	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func testServices(cfg *config.Config, client *emittertest.Client, rows inference.ForwardFunc) Services {
	cfgSvc := config.New(cfg)
	return Services{
		CfgSvc:       cfgSvc,
		DataSvc:      data.NewFilesDB(cfgSvc),
		InferenceSvc: inference.NewFake(cfg.Engine.Labels, 0, rows),
		StorageSvc:   storage.NewLocal(""),
		WebhookSvc:   webhook.NewHTTP(time.Second),
		NewSource: func(name string, _ config.Source) (pipeline.FrameSource, error) {
			return &fakeSource{name: name}, nil
		},
		MQTTClient: func(opts *mqtt.ClientOptions) mqtt.Client {
			client.OnConnect = opts.OnConnect
			return client
		},
	}
}

func TestManagerRoutesDetectionsToEmitters(t *testing.T) {
	cfg := testConfig(t)
	client := emittertest.NewClient()
	person := inference.Row(0.5, 0.5, 0.2, 0.4, 0, 0.9, 2)
	svcs := testServices(cfg, client, inference.StaticRows(person))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Manager(ctx, svcs) }()

	waitUntil(t, "front_door presence", func() bool {
		v, _ := client.Last("home/front_door/person")
		return v == "1"
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Manager: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("manager did not stop")
	}

	// The filter only lets front_door through.
	for _, msg := range client.Published() {
		if strings.Contains(msg.TopicName, "garage") {
			t.Errorf("garage should be filtered out, got %s", msg.TopicName)
		}
	}

	// The detection log is unfiltered and sees both sources.
	logged, err := os.ReadFile(cfg.DetectionLog.File)
	if err != nil {
		t.Fatalf("detection log: %v", err)
	}
	if !strings.Contains(string(logged), "front_door") || !strings.Contains(string(logged), "garage") {
		t.Errorf("detection log should hold both sources:\n%s", logged)
	}

	for _, collection := range []string{"manager-stats", "engine-stats", "source-stats", "emitter-stats"} {
		if _, err := os.Stat(filepath.Join(cfg.Data.Folder, collection+".json")); err != nil {
			t.Errorf("%s not persisted: %v", collection, err)
		}
	}
}

func lastStats[T any](t *testing.T, folder, collection string, match func(T) bool) T {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(folder, collection+".json"))
	if err != nil {
		t.Fatalf("%s: %v", collection, err)
	}
	var records []T
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("%s: %v", collection, err)
	}
	for i := len(records) - 1; i >= 0; i-- {
		if match(records[i]) {
			return records[i]
		}
	}
	t.Fatalf("no matching record in %s", collection)
	var zero T
	return zero
}

func TestManagerSubscribesRoutesBeforeSourcesStart(t *testing.T) {
	cfg := testConfig(t)
	client := emittertest.NewClient()
	person := inference.Row(0.5, 0.5, 0.2, 0.4, 0, 0.9, 2)
	svcs := testServices(cfg, client, inference.StaticRows(person))
	svcs.NewSource = func(name string, _ config.Source) (pipeline.FrameSource, error) {
		src := &fakeSource{name: name}
		if name == "garage" {
			src.startDelay = 300 * time.Millisecond
		}
		return src, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- Manager(ctx, svcs) }()

	waitUntil(t, "front_door presence", func() bool {
		v, _ := client.Last("home/front_door/person")
		return v == "1"
	})
	if elapsed := time.Since(start); elapsed >= 300*time.Millisecond {
		t.Errorf("front_door presence waited %v for the garage source to start", elapsed)
	}
	time.Sleep(100 * time.Millisecond)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Manager: %v", err)
	}

	published := 0
	for _, name := range []string{"front_door", "garage"} {
		s := lastStats(t, cfg.Data.Folder, "source-stats", func(s model.SourceStats) bool { return s.Source == name })
		if s.Published == 0 {
			t.Errorf("%s published nothing", name)
		}
		published += s.Published
	}

	detlog := lastStats(t, cfg.Data.Folder, "emitter-stats", func(s model.EmitterStats) bool { return s.Name == "detection_log" })
	if detlog.Enqueued != uint64(published) {
		t.Errorf("detection log got %d batches, sources published %d", detlog.Enqueued, published)
	}
}

func TestManagerRecordsSourceFailures(t *testing.T) {
	cfg := testConfig(t)
	client := emittertest.NewClient()
	svcs := testServices(cfg, client, nil)
	svcs.NewSource = func(name string, _ config.Source) (pipeline.FrameSource, error) {
		if name == "garage" {
			return nil, errors.New("no such camera")
		}
		return &fakeSource{name: name}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Manager(ctx, svcs) }()

	waitUntil(t, "the mqtt emitter", func() bool { return client.Connects() > 0 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Manager: %v", err)
	}

	records, err := svcs.DataSvc.RetrieveErrors(0)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range records {
		if r.Processor == "manager" && r.Inner == "no such camera" {
			found = true
		}
	}
	if !found {
		t.Errorf("source failure not recorded: %+v", records)
	}
}

func TestManagerNeedsLabels(t *testing.T) {
	cfg := testConfig(t)
	svcs := testServices(cfg, emittertest.NewClient(), nil)
	svcs.InferenceSvc = inference.NewFake(nil, 0, nil)

	if err := Manager(context.Background(), svcs); err == nil {
		t.Errorf("expected an error without labels")
	}
}

func TestPresenceBoard(t *testing.T) {
	board := newPresenceBoard("home")
	client := emittertest.NewClient()
	client.Subscribe("home/#", 0, board.onMessage)

	client.Deliver("home/front_door/person", []byte("1"))
	client.Deliver("home/garage/car", []byte("1"))
	client.Deliver("home/full_detection_array", []byte(`[{"classname":"person"}]`))

	present := board.Present()
	sort.Strings(present)
	if len(present) != 2 || present[0] != "front_door.person" || present[1] != "garage.car" {
		t.Fatalf("unexpected presence %v", present)
	}

	client.Deliver("home/garage/car", []byte("0"))
	if present := board.Present(); len(present) != 1 || present[0] != "front_door.person" {
		t.Errorf("car should be gone: %v", present)
	}
}

func TestMonitor(t *testing.T) {
	cfg := testConfig(t)

	noBroker := *cfg
	noBroker.MQTT.Broker = ""
	if err := Monitor(context.Background(), testServices(&noBroker, emittertest.NewClient(), nil)); !errors.Is(err, ErrNoBroker) {
		t.Errorf("expected ErrNoBroker, got %v", err)
	}

	refused := emittertest.NewClient()
	refused.ConnectErr = errors.New("connection refused")
	if err := Monitor(context.Background(), testServices(cfg, refused, nil)); !errors.Is(err, refused.ConnectErr) {
		t.Errorf("expected the connect error, got %v", err)
	}

	client := emittertest.NewClient()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Monitor(ctx, testServices(cfg, client, nil)) }()

	waitUntil(t, "the connection", client.IsConnected)
	client.Deliver("home/front_door/person", []byte("1"))

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	if client.IsConnected() {
		t.Errorf("monitor should disconnect on exit")
	}
}
