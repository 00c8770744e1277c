package filter

import (
	"errors"
	"log/slog"

	"github.com/khaledhikmat/vs-detect/bus"
	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/service/lgr"
)

// Filter routes detection batches to one downstream consumer. A detection
// passes when at least one positive class filter and at least one positive
// source filter match it, and no negating filter in either list does.
type Filter struct {
	Name     string
	Filtered *bus.Event[model.Batch]

	classFilters  []StringFilter
	sourceFilters []StringFilter
}

func New(name string, classFilters, sourceFilters []StringFilter) *Filter {
	return &Filter{
		Name:          name,
		Filtered:      bus.NewEvent[model.Batch](name + ".filtered"),
		classFilters:  classFilters,
		sourceFilters: sourceFilters,
	}
}

// Parse builds a filter from comma separated lists. An empty list defaults to "*".
func Parse(name, classList, sourceList string) (*Filter, error) {
	if classList == "" {
		classList = "*"
	}
	if sourceList == "" {
		sourceList = "*"
	}

	classFilters, classErr := ParseList(classList)
	sourceFilters, sourceErr := ParseList(sourceList)

	return New(name, classFilters, sourceFilters), errors.Join(classErr, sourceErr)
}

func (f *Filter) Pass(d model.Detection) bool {
	classPassed := false
	sourcePassed := false
	negated := false

	for _, cf := range f.classFilters {
		if cf.Negating() {
			negated = negated || cf.Match(d.Name())
		} else {
			classPassed = classPassed || cf.Match(d.Name())
		}
	}

	for _, sf := range f.sourceFilters {
		if sf.Negating() {
			negated = negated || sf.Match(d.Source)
		} else {
			sourcePassed = sourcePassed || sf.Match(d.Source)
		}
	}

	return classPassed && sourcePassed && !negated
}

// Apply returns the sub-batch that passes. Null detections always pass, and a
// synthesized null detection replaces an empty result.
func (f *Filter) Apply(batch model.Batch) model.Batch {
	filtered := make(model.Batch, 0, len(batch))
	for _, d := range batch {
		if d.IsNull || f.Pass(d) {
			filtered = append(filtered, d)
		}
	}

	if len(filtered) == 0 {
		return model.NullBatch(batch.Source())
	}
	return filtered
}

// OnDetection is the bus handler sources publish into.
func (f *Filter) OnDetection(batch model.Batch) {
	if len(batch) == 0 {
		lgr.Logger.Warn("filter received an empty batch",
			slog.String("filter", f.Name),
		)
		return
	}

	f.Filtered.Publish(f.Apply(batch))
}
