// Package migration models chunk-migration interaction with the write path.
// When a write lands on a namespace whose migration is critically in flight,
// the write must park until the migration commits or aborts, then report an
// outcome code the router understands.
package migration

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/strata-db/strata/internal/logger"
	"github.com/strata-db/strata/internal/status"
	"github.com/strata-db/strata/pkg/models"
)

// Outcome is the terminal state of a migration.
type Outcome int

const (
	// OutcomeCommitted means ownership moved; the router must refresh.
	OutcomeCommitted Outcome = iota
	// OutcomeAborted means the migration failed and ownership is unchanged.
	OutcomeAborted
)

// Code maps the outcome to the error code a blocked write reports.
func (o Outcome) Code() status.Code {
	if o == OutcomeCommitted {
		return status.CodeMigrationCommitted
	}
	return status.CodeMigrationAborted
}

type inflight struct {
	done    chan struct{}
	outcome Outcome
}

// Blocker tracks which namespaces have a migration in its critical section.
type Blocker struct {
	mu       sync.Mutex
	inflight map[string]*inflight
	logger   zerolog.Logger
}

// NewBlocker creates an empty blocker.
func NewBlocker() *Blocker {
	return &Blocker{
		inflight: make(map[string]*inflight),
		logger:   logger.Get("migration"),
	}
}

// Begin marks the namespace's migration as entering its critical section.
// Writes hitting the namespace block in WaitCompleted until End is called.
func (b *Blocker) Begin(ns models.Namespace) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inflight[ns.String()]; ok {
		return
	}
	b.inflight[ns.String()] = &inflight{done: make(chan struct{})}
	b.logger.Info().Str("namespace", ns.String()).Msg("Migration critical section entered")
}

// End resolves the namespace's migration with the given outcome, releasing
// all blocked writers.
func (b *Blocker) End(ns models.Namespace, outcome Outcome) {
	b.mu.Lock()
	m, ok := b.inflight[ns.String()]
	if ok {
		m.outcome = outcome
		delete(b.inflight, ns.String())
	}
	b.mu.Unlock()
	if ok {
		close(m.done)
		b.logger.Info().
			Str("namespace", ns.String()).
			Bool("committed", outcome == OutcomeCommitted).
			Msg("Migration critical section ended")
	}
}

// Active reports whether the namespace is in a migration critical section.
func (b *Blocker) Active(ns models.Namespace) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.inflight[ns.String()]
	return ok
}

// WaitCompleted blocks until the namespace's in-flight migration resolves,
// returning its outcome code. Returns CodeInterrupted if ctx expires first,
// and ok=false if no migration was in flight.
func (b *Blocker) WaitCompleted(ctx context.Context, ns models.Namespace) (status.Code, bool) {
	b.mu.Lock()
	m, ok := b.inflight[ns.String()]
	b.mu.Unlock()
	if !ok {
		return status.CodeOK, false
	}

	select {
	case <-m.done:
		return m.outcome.Code(), true
	case <-ctx.Done():
		return status.CodeInterrupted, true
	}
}
