// Package failpoint provides named points where tests can inject failures
// or pauses into the write path.
package failpoint

import (
	"context"
	"sync"
	"time"

	"github.com/strata-db/strata/pkg/models"
)

// Names of the points the write path checks.
const (
	HangTimeseriesInsertBeforeCommit = "hangTimeseriesInsertBeforeCommit"
	HangTimeseriesInsertBeforeWrite  = "hangTimeseriesInsertBeforeWrite"
	FailTimeseriesInsert             = "failTimeseriesInsert"
	HangBeforeMigrationDecision      = "hangWriteBeforeWaitingForMigrationDecision"
)

type point struct {
	enabled bool
	data    models.Document
}

// Registry holds the enabled failpoints.
type Registry struct {
	mu     sync.RWMutex
	points map[string]*point
}

// NewRegistry creates an empty failpoint registry.
func NewRegistry() *Registry {
	return &Registry{points: make(map[string]*point)}
}

// Enable turns a failpoint on with optional match data.
func (r *Registry) Enable(name string, data models.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points[name] = &point{enabled: true, data: data}
}

// Disable turns a failpoint off.
func (r *Registry) Disable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.points, name)
}

// Enabled reports whether the point is on.
func (r *Registry) Enabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.points[name]
	return ok && p.enabled
}

// Data returns the match data for an enabled point.
func (r *Registry) Data(name string) models.Document {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.points[name]; ok {
		return p.data
	}
	return nil
}

// ShouldFail reports whether the point is enabled and its data matches the
// given fields. A point with no data matches everything; otherwise every
// data field must equal the corresponding given field.
func (r *Registry) ShouldFail(name string, fields models.Document) bool {
	r.mu.RLock()
	p, ok := r.points[name]
	r.mu.RUnlock()
	if !ok || !p.enabled {
		return false
	}
	for k, want := range p.data {
		if !models.ValuesEqual(fields[k], want, nil) {
			return false
		}
	}
	return true
}

// PauseWhileSet blocks while the point stays enabled. Returns ctx.Err() if
// the context expires first.
func (r *Registry) PauseWhileSet(ctx context.Context, name string) error {
	for r.Enabled(name) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

// List returns the names of all enabled points.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.points))
	for name := range r.points {
		names = append(names, name)
	}
	return names
}
