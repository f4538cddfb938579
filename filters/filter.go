// filters/filter.go
package filters

import (
	"context"

	"atra_engine/logs"
	"atra_engine/market"
)

// Result is the verdict of a single filter over one window. Produced fresh
// per evaluation and never mutated afterwards.
type Result struct {
	FilterID   string
	Passed     bool
	Reason     string
	Confidence float64 // in [0, 1]
}

// Filter is a stateless predicate over a market window. Implementations must
// not hold mutable state between calls; anything cached (reference windows,
// sentiment scores) lives in caller-owned cache objects injected at
// construction. A filter that cannot see its data returns an error wrapping
// market.ErrDataUnavailable and the registry degrades it fail-open.
type Filter interface {
	ID() string
	Check(ctx context.Context, w *market.Window, side market.Side) (Result, error)
}

// Registry runs an independent set of filters. Filters never see each
// other's results, so the run order carries no meaning.
type Registry struct {
	filters []Filter
}

func NewRegistry(filters ...Filter) *Registry {
	return &Registry{filters: filters}
}

// Add appends a filter to the registry.
func (r *Registry) Add(f Filter) {
	r.filters = append(r.filters, f)
}

// Len returns the number of registered filters.
func (r *Registry) Len() int { return len(r.filters) }

// Run evaluates every filter against the window. A filter error caused by
// missing data degrades to a neutral pass (passed=true, confidence=0): one
// dead data source must not suppress all signals forever. That degradation
// is a data-quality event, not a trading decision, and is logged as such.
func (r *Registry) Run(ctx context.Context, w *market.Window, side market.Side) []Result {
	results := make([]Result, 0, len(r.filters))
	for _, f := range r.filters {
		res, err := f.Check(ctx, w, side)
		if err != nil {
			logs.Warnf("[DataQuality] Filter %s degraded to neutral pass for %s: %v", f.ID(), w.Symbol, err)
			res = Result{
				FilterID:   f.ID(),
				Passed:     true,
				Reason:     "data unavailable, neutral pass",
				Confidence: 0,
			}
		}
		res.FilterID = f.ID()
		results = append(results, res)
	}
	return results
}
