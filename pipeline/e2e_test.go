package pipeline_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/khaledhikmat/vs-detect/emitter"
	"github.com/khaledhikmat/vs-detect/emitter/emittertest"
	"github.com/khaledhikmat/vs-detect/engine"
	"github.com/khaledhikmat/vs-detect/filter"
	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/model/modeltest"
	"github.com/khaledhikmat/vs-detect/pipeline"
	"github.com/khaledhikmat/vs-detect/service/inference"
)

type cameraSource struct {
	name string

	mu     sync.Mutex
	seq    uint64
	images []*modeltest.Image
}

func (s *cameraSource) Start() error { return nil }
func (s *cameraSource) Stop()        {}

func (s *cameraSource) GetNextFrame(time.Duration) *model.Frame {
	time.Sleep(2 * time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	img := modeltest.NewImage(640, 480)
	s.images = append(s.images, img)
	return model.NewFrame(img, s.name, s.seq)
}

func (s *cameraSource) leaked() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, img := range s.images {
		if img.Closed() != 1 {
			n++
		}
	}
	return n
}

func TestFrontDoorPersonReachesMQTT(t *testing.T) {
	labels := []string{"person", "bicycle", "car"}
	person := inference.Row(0.5, 0.5, 0.2, 0.4, 0, 0.6, len(labels))

	eng, err := engine.New(engine.Parameters{}, inference.NewFake(labels, time.Millisecond, inference.StaticRows(person)))
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	client := emittertest.NewClient()
	mqttEmitter := emitter.NewMQTTWithClient(emitter.MQTTParameters{TopicPrefix: "home/detect"}, client)
	threaded := emitter.NewThreaded(mqttEmitter)
	threaded.Start(ctx)

	route, err := filter.Parse("mqtt", "front_door.person", "")
	if err != nil {
		t.Fatalf("filter.Parse: %v", err)
	}
	route.Filtered.Subscribe("mqtt", threaded.Enqueue)

	src := &cameraSource{name: "front_door"}
	mgr := pipeline.NewSourceManager(pipeline.Parameters{
		Name:                "front_door",
		ConfidenceThreshold: 0.35,
		NMSThreshold:        0.3,
	}, src, eng)
	mgr.Detections.Subscribe("mqtt", route.OnDetection)

	if _, seen := mqttEmitter.PresenceState("front_door")["person"]; seen {
		t.Fatalf("person should not be present before the first detection")
	}

	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if v, _ := client.Last("home/detect/front_door/person"); v == "1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("person presence never published")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if state := mqttEmitter.PresenceState("front_door"); state["person"] != 1 {
		t.Errorf("presence state = %v", state)
	}
	for _, msg := range client.Published() {
		if msg.TopicName == "home/detect/front_door/person" {
			if string(msg.Body) != "1" {
				t.Errorf("first presence message = %q, want \"1\"", msg.Body)
			}
			break
		}
	}

	latest := mgr.LastBatch()
	if len(latest) != 1 || latest[0].Class != "person" || latest[0].Confidence != 0.6 || latest[0].Box != (model.Box{Left: 256, Top: 144, Width: 128, Height: 192}) {
		t.Errorf("unexpected latest batch %+v", latest)
	}

	mgr.Stop()
	threaded.Stop()
	eng.Stop()

	if n := src.leaked(); n != 0 {
		t.Errorf("%d frames were not released exactly once", n)
	}
}
