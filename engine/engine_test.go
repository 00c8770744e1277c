package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/model/modeltest"
	"github.com/khaledhikmat/vs-detect/service/inference"
)

var labels = []string{"person", "car", "dog"}

func newEngine(t *testing.T, params Parameters, forward inference.ForwardFunc) *Engine {
	t.Helper()

	e, err := New(params, inference.NewFake(labels, 0, forward))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e
}

func waitResult(t *testing.T, e *Engine, id uint64) model.DetectionResult {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := e.Wait(ctx, id)
	if err != nil {
		t.Fatalf("job %d: %v", id, err)
	}
	return res
}

func TestNewRequiresLabels(t *testing.T) {
	_, err := New(Parameters{}, inference.NewFake(nil, 0, nil))
	if !errors.Is(err, ErrNoLabels) {
		t.Fatalf("expected ErrNoLabels, got %v", err)
	}
}

func TestSingleDetection(t *testing.T) {
	e := newEngine(t, Parameters{}, inference.StaticRows(
		inference.Row(0.5, 0.5, 0.2, 0.4, 0, 0.6, len(labels)),
	))

	frame, _ := modeltest.NewFrame("front_door", 640, 480)
	defer frame.Release()

	id := e.Submit(frame, "front_door", 0.35, 0.3)
	res := waitResult(t, e, id)

	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if len(res.Batch) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(res.Batch))
	}

	d := res.Batch[0]
	if d.IsNull || d.Class != "person" || d.Source != "front_door" {
		t.Errorf("unexpected detection %+v", d)
	}
	if d.Confidence != 0.6 {
		t.Errorf("confidence = %v, want 0.6", d.Confidence)
	}

	want := model.Box{Left: 320 - 64, Top: 240 - 96, Width: 128, Height: 192}
	if d.Box != want {
		t.Errorf("box = %+v, want %+v", d.Box, want)
	}
	if d.Frame != frame {
		t.Errorf("detection should reference the submitted frame")
	}
}

func TestNothingDetectedYieldsNullBatch(t *testing.T) {
	e := newEngine(t, Parameters{}, inference.StaticRows(
		inference.Row(0.5, 0.5, 0.2, 0.2, 1, 0.2, len(labels)),
	))

	frame, img := modeltest.NewFrame("garage", 100, 100)
	id := e.Submit(frame, "garage", 0.35, 0.3)
	res := waitResult(t, e, id)

	if len(res.Batch) != 1 || !res.Batch[0].IsNull || res.Batch[0].Source != "garage" {
		t.Fatalf("expected null placeholder, got %+v", res.Batch)
	}

	// The engine does not hold the frame for a null result.
	frame.Release()
	if img.Closed() != 1 {
		t.Errorf("frame should be closed once the caller releases it")
	}
}

func TestForwardErrorYieldsErrorResult(t *testing.T) {
	boom := errors.New("gpu lost")
	e := newEngine(t, Parameters{}, func(*model.Frame) ([][]float32, error) {
		return nil, boom
	})

	frame, _ := modeltest.NewFrame("yard", 10, 10)
	defer frame.Release()

	res := waitResult(t, e, e.Submit(frame, "yard", 0.35, 0.3))
	if !errors.Is(res.Err, boom) {
		t.Fatalf("expected wrapped forward error, got %v", res.Err)
	}
	if len(res.Batch) != 1 || !res.Batch[0].IsNull {
		t.Fatalf("error result must carry the null placeholder, got %+v", res.Batch)
	}
	if e.Stats().Failed != 1 {
		t.Errorf("expected one failed job")
	}
}

func TestEmptyFrameYieldsErrorResult(t *testing.T) {
	e := newEngine(t, Parameters{}, nil)

	res := waitResult(t, e, e.Submit(nil, "porch", 0.35, 0.3))
	if !errors.Is(res.Err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", res.Err)
	}
	if !res.Batch.IsNull() || len(res.Batch) != 1 {
		t.Fatalf("expected null placeholder, got %+v", res.Batch)
	}
}

func TestForwardPanicIsRecovered(t *testing.T) {
	e := newEngine(t, Parameters{}, func(*model.Frame) ([][]float32, error) {
		panic("bad tensor")
	})

	frame, _ := modeltest.NewFrame("attic", 10, 10)
	defer frame.Release()

	res := waitResult(t, e, e.Submit(frame, "attic", 0.35, 0.3))
	if res.Err == nil {
		t.Fatalf("expected an error result")
	}

	// Worker must survive the panic.
	res = waitResult(t, e, e.Submit(frame, "attic", 0.35, 0.3))
	if res.Err == nil {
		t.Fatalf("expected a second error result")
	}
}

func TestPollIsIdempotent(t *testing.T) {
	e := newEngine(t, Parameters{}, inference.StaticRows(
		inference.Row(0.5, 0.5, 0.2, 0.2, 2, 0.9, len(labels)),
	))

	frame, _ := modeltest.NewFrame("kitchen", 200, 200)
	defer frame.Release()

	id := e.Submit(frame, "kitchen", 0.35, 0.3)
	waitResult(t, e, id)

	first, ok1 := e.Poll(id)
	second, ok2 := e.Poll(id)
	if !ok1 || !ok2 {
		t.Fatalf("poll should keep returning the result")
	}
	if first.JobID != second.JobID || len(first.Batch) != len(second.Batch) ||
		first.Batch[0] != second.Batch[0] || first.CompletedAt != second.CompletedAt {
		t.Errorf("poll results differ: %+v vs %+v", first, second)
	}
}

func TestPollUnknownJob(t *testing.T) {
	e := newEngine(t, Parameters{}, nil)
	if _, ok := e.Poll(42); ok {
		t.Errorf("unknown job must not be ready")
	}
}

func TestFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []string

	e := newEngine(t, Parameters{}, func(f *model.Frame) ([][]float32, error) {
		mu.Lock()
		order = append(order, f.Source)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	})

	sources := []string{"a", "b", "a", "c", "b"}
	var ids []uint64
	for _, s := range sources {
		frame, _ := modeltest.NewFrame(s, 10, 10)
		ids = append(ids, e.Submit(frame, s, 0.35, 0.3))
		frame.Release()
	}

	var completed []time.Time
	for _, id := range ids {
		completed = append(completed, waitResult(t, e, id).CompletedAt)
	}

	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("job ids must increase: %v", ids)
		}
		if completed[i].Before(completed[i-1]) {
			t.Errorf("job %d completed before job %d", ids[i], ids[i-1])
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, s := range sources {
		if order[i] != s {
			t.Fatalf("processing order %v, want %v", order, sources)
		}
	}
}

func TestConcurrentSubmit(t *testing.T) {
	e := newEngine(t, Parameters{}, nil)

	var wg sync.WaitGroup
	ids := make(chan uint64, 100)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				ids <- e.Submit(nil, "cam", 0.35, 0.3)
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[uint64]bool{}
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate job id %d", id)
		}
		seen[id] = true
		waitResult(t, e, id)
	}

	if got := e.Stats().Submitted; got != 100 {
		t.Errorf("submitted = %d, want 100", got)
	}
}

func TestAckReleasesFrame(t *testing.T) {
	e := newEngine(t, Parameters{}, inference.StaticRows(
		inference.Row(0.5, 0.5, 0.2, 0.2, 0, 0.8, len(labels)),
	))

	frame, img := modeltest.NewFrame("door", 100, 100)
	id := e.Submit(frame, "door", 0.35, 0.3)
	frame.Release()

	waitResult(t, e, id)
	if img.Closed() != 0 {
		t.Fatalf("pending result must keep the frame alive")
	}

	e.Ack(id)
	if _, ok := e.Poll(id); ok {
		t.Errorf("acked result should be gone")
	}
	if img.Closed() != 1 {
		t.Errorf("ack should release the last frame reference")
	}

	e.Ack(id)
	if got := e.Stats().Acked; got != 1 {
		t.Errorf("acked = %d, want 1", got)
	}
}

func TestStaleResultsAreEvicted(t *testing.T) {
	e := newEngine(t, Parameters{
		ResultTTL:     20 * time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
	}, inference.StaticRows(
		inference.Row(0.5, 0.5, 0.2, 0.2, 0, 0.8, len(labels)),
	))

	frame, img := modeltest.NewFrame("door", 100, 100)
	id := e.Submit(frame, "door", 0.35, 0.3)
	frame.Release()
	waitResult(t, e, id)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := e.Poll(id); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("result was never evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if img.Closed() != 1 {
		t.Errorf("eviction should release the frame")
	}
	if e.Stats().Evicted != 1 {
		t.Errorf("expected one eviction")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	e, err := New(Parameters{}, inference.NewFake(labels, 0, nil))
	if err != nil {
		t.Fatal(err)
	}
	e.Start(context.Background())
	e.Stop()

	frame, img := modeltest.NewFrame("door", 10, 10)
	id := e.Submit(frame, "door", 0.35, 0.3)
	frame.Release()

	res, ok := e.Poll(id)
	if !ok || !errors.Is(res.Err, ErrEngineStopped) {
		t.Fatalf("expected immediate ErrEngineStopped result, got %+v %v", res, ok)
	}
	if img.Closed() != 1 {
		t.Errorf("frame should not leak after stop")
	}
}

func TestStoppedResultsExpire(t *testing.T) {
	e, err := New(Parameters{ResultTTL: 10 * time.Millisecond}, inference.NewFake(labels, 0, nil))
	if err != nil {
		t.Fatal(err)
	}
	e.Start(context.Background())
	e.Stop()

	frame, _ := modeltest.NewFrame("door", 10, 10)
	defer frame.Release()

	first := e.Submit(frame, "door", 0.35, 0.3)
	time.Sleep(30 * time.Millisecond)
	second := e.Submit(frame, "door", 0.35, 0.3)

	if _, ok := e.Poll(first); ok {
		t.Errorf("result of job %d should have expired", first)
	}
	if _, ok := e.Poll(second); !ok {
		t.Errorf("result of job %d should still be readable", second)
	}
	if e.Stats().Evicted != 1 {
		t.Errorf("expected one eviction, got %d", e.Stats().Evicted)
	}
}

func TestStopReleasesQueuedJobs(t *testing.T) {
	e, err := New(Parameters{}, inference.NewFake(labels, 0, nil))
	if err != nil {
		t.Fatal(err)
	}

	// Never started: jobs stay queued until Stop.
	frame, img := modeltest.NewFrame("door", 10, 10)
	e.Submit(frame, "door", 0.35, 0.3)
	e.Submit(frame, "door", 0.35, 0.3)
	frame.Release()

	if e.Stats().QueueDepth != 2 {
		t.Fatalf("expected two queued jobs")
	}

	e.Stop()
	if img.Closed() != 1 {
		t.Errorf("queued jobs should release their frames at stop")
	}
}
