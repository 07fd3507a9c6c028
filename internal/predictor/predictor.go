// Package predictor provides the per-location model capability: a five
// value feature vector in, three values (temperature max, temperature min,
// precipitation) out.
package predictor

import (
	"context"
	"fmt"
	"sync"

	"github.com/kjstillabower/station-forecast-service/internal/locations"
	"github.com/kjstillabower/station-forecast-service/internal/observability"
)

// OutputSize is the number of values every prediction must return.
const OutputSize = 3

// Predictor maps a feature vector to (temperature_max, temperature_min, precipitation).
// Implementations must be safe for concurrent use.
type Predictor interface {
	Predict(ctx context.Context, features []float64) ([]float64, error)
}

// Loader builds the predictor for one location from its artifact handle.
type Loader func(ctx context.Context, loc locations.Location) (Predictor, error)

// Registry loads each location's predictor once and hands out the shared,
// read-only instance. Failed loads are not cached. Loads run outside the
// lock; concurrent callers for the same location wait on one load.
type Registry struct {
	table   *locations.Table
	load    Loader
	mu      sync.Mutex
	loaded  map[string]Predictor
	loading map[string]*loadCall
}

// loadCall is one in-progress load that other callers may wait on.
type loadCall struct {
	done chan struct{}
	p    Predictor
	err  error
}

// NewRegistry creates a Registry over table using load to materialize artifacts.
func NewRegistry(table *locations.Table, load Loader) *Registry {
	return &Registry{
		table:   table,
		load:    load,
		loaded:  make(map[string]Predictor),
		loading: make(map[string]*loadCall),
	}
}

// Predictor returns the predictor bound to location id.
func (r *Registry) Predictor(ctx context.Context, id string) (Predictor, error) {
	loc, ok := r.table.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("no artifact configured for %s", id)
	}

	r.mu.Lock()
	if p, ok := r.loaded[id]; ok {
		r.mu.Unlock()
		return p, nil
	}
	if call, ok := r.loading[id]; ok {
		r.mu.Unlock()
		select {
		case <-call.done:
			return call.p, call.err
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for %s predictor: %w", id, ctx.Err())
		}
	}
	call := &loadCall{done: make(chan struct{})}
	r.loading[id] = call
	r.mu.Unlock()

	call.p, call.err = r.load(ctx, loc)
	if call.err != nil {
		observability.PredictorLoadsTotal.WithLabelValues("error").Inc()
		call.p = nil
		call.err = fmt.Errorf("load artifact %s for %s: %w", loc.Artifact, id, call.err)
	} else {
		observability.PredictorLoadsTotal.WithLabelValues("success").Inc()
	}

	r.mu.Lock()
	if call.err == nil {
		r.loaded[id] = call.p
	}
	delete(r.loading, id)
	r.mu.Unlock()
	close(call.done)
	return call.p, call.err
}

// Invalidate drops the cached predictor for id so the next call reloads it.
func (r *Registry) Invalidate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loaded, id)
}

// Warm loads every configured location. It returns the first error encountered
// after attempting all of them.
func (r *Registry) Warm(ctx context.Context) error {
	var first error
	for _, id := range r.table.IDs() {
		if _, err := r.Predictor(ctx, id); err != nil && first == nil {
			first = err
		}
	}
	return first
}
