package filter

import (
	"testing"

	"github.com/khaledhikmat/vs-detect/model"
)

func detection(source, class string) model.Detection {
	return model.Detection{Source: source, Class: class, Confidence: 0.9}
}

func TestPassRequiresPositiveHitInEachList(t *testing.T) {
	f := New("mqtt",
		[]StringFilter{MustCompile("cam1.person")},
		[]StringFilter{MustCompile("cam1")},
	)

	if !f.Pass(detection("cam1", "person")) {
		t.Error("cam1.person should pass")
	}
	if f.Pass(detection("cam2", "person")) {
		t.Error("cam2.person should fail: no source match")
	}
	if f.Pass(detection("cam1", "dog")) {
		t.Error("cam1.dog should fail: no class match")
	}
}

func TestNegatingFilterVetoes(t *testing.T) {
	f := New("mqtt",
		[]StringFilter{MustCompile("cam1.person"), MustCompile("!cam1.*")},
		[]StringFilter{MustCompile("*")},
	)
	if f.Pass(detection("cam1", "person")) {
		t.Error("negating class filter must exclude the detection")
	}

	f = New("mqtt",
		[]StringFilter{MustCompile("*")},
		[]StringFilter{MustCompile("*"), MustCompile("!garage")},
	)
	if f.Pass(detection("garage", "car")) {
		t.Error("negating source filter must exclude the detection")
	}
	if !f.Pass(detection("porch", "car")) {
		t.Error("porch.car should pass")
	}
}

func TestOnDetectionForwardsNullUnchanged(t *testing.T) {
	f := New("mqtt", []StringFilter{MustCompile("nothing")}, []StringFilter{MustCompile("nothing")})

	var got model.Batch
	f.Filtered.Subscribe("sink", func(b model.Batch) { got = b })

	f.OnDetection(model.NullBatch("camX"))

	if len(got) != 1 || !got[0].IsNull || got[0].Source != "camX" {
		t.Errorf("expected the null placeholder for camX, got %+v", got)
	}
}

func TestOnDetectionSynthesizesNullWhenNothingPasses(t *testing.T) {
	f := New("mqtt", []StringFilter{MustCompile("*.person")}, []StringFilter{MustCompile("*")})

	var published []model.Batch
	f.Filtered.Subscribe("sink", func(b model.Batch) { published = append(published, b) })

	f.OnDetection(model.Batch{detection("yard", "dog"), detection("yard", "cat")})

	if len(published) != 1 {
		t.Fatalf("expected exactly one publish, got %d", len(published))
	}
	b := published[0]
	if len(b) != 1 || !b[0].IsNull || b[0].Source != "yard" {
		t.Errorf("expected null placeholder for yard, got %+v", b)
	}
}

func TestOnDetectionKeepsOnlyPassingDetections(t *testing.T) {
	f := New("mqtt", []StringFilter{MustCompile("*.person")}, []StringFilter{MustCompile("*")})

	var got model.Batch
	f.Filtered.Subscribe("sink", func(b model.Batch) { got = b })

	f.OnDetection(model.Batch{detection("yard", "dog"), detection("yard", "person")})

	if len(got) != 1 || got[0].Class != "person" {
		t.Errorf("expected only the person detection, got %+v", got)
	}
}

func TestOnDetectionIgnoresEmptyBatch(t *testing.T) {
	f := New("mqtt", nil, nil)

	published := 0
	f.Filtered.Subscribe("sink", func(model.Batch) { published++ })

	f.OnDetection(nil)

	if published != 0 {
		t.Errorf("expected no publish for an empty batch, got %d", published)
	}
}

func TestParseDefaultsToWildcard(t *testing.T) {
	f, err := Parse("url", "front_door.person", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.Pass(detection("front_door", "person")) {
		t.Error("front_door.person should pass with a default source list")
	}
}
