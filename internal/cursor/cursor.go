// Package cursor implements server-side cursors for find/getMore batching.
package cursor

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/strata-db/strata/internal/logger"
	"github.com/strata-db/strata/internal/metrics"
	"github.com/strata-db/strata/internal/status"
	"github.com/strata-db/strata/pkg/models"
)

// Cursor holds the undelivered remainder of a find result.
type Cursor struct {
	ID        int64
	Namespace models.Namespace
	remaining []models.Document
	lastUsed  time.Time
}

// Manager owns all open cursors.
type Manager struct {
	mu      sync.Mutex
	cursors map[int64]*Cursor
	timeout time.Duration
	logger  zerolog.Logger
}

// NewManager creates a cursor manager whose cursors expire after timeout of
// inactivity.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		cursors: make(map[int64]*Cursor),
		timeout: timeout,
		logger:  logger.Get("cursor"),
	}
}

// Open registers the undelivered remainder of a result set and returns a
// non-zero cursor id. An empty remainder returns id 0 and opens nothing.
func (m *Manager) Open(ns models.Namespace, remaining []models.Document) int64 {
	if len(remaining) == 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := rand.Int63()
	for id == 0 || m.cursors[id] != nil {
		id = rand.Int63()
	}
	m.cursors[id] = &Cursor{
		ID:        id,
		Namespace: ns,
		remaining: remaining,
		lastUsed:  time.Now(),
	}
	metrics.Get().SetCursorsOpen(int64(len(m.cursors)))
	return id
}

// Next returns up to batchSize documents from the cursor. The returned id is
// the input id while the cursor has more documents, and 0 once exhausted.
func (m *Manager) Next(id int64, ns models.Namespace, batchSize int) ([]models.Document, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cursors[id]
	if !ok {
		return nil, 0, status.Errorf(status.CodeCursorNotFound, "cursor id %d not found", id)
	}
	if c.Namespace != ns {
		return nil, 0, status.Errorf(status.CodeBadValue,
			"cursor %d belongs to %s", id, c.Namespace)
	}

	if batchSize <= 0 || batchSize > len(c.remaining) {
		batchSize = len(c.remaining)
	}
	batch := c.remaining[:batchSize]
	c.remaining = c.remaining[batchSize:]
	c.lastUsed = time.Now()

	if len(c.remaining) == 0 {
		delete(m.cursors, id)
		metrics.Get().SetCursorsOpen(int64(len(m.cursors)))
		return batch, 0, nil
	}
	return batch, id, nil
}

// Kill closes a cursor, reporting whether it existed.
func (m *Manager) Kill(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cursors[id]; !ok {
		return false
	}
	delete(m.cursors, id)
	metrics.Get().SetCursorsOpen(int64(len(m.cursors)))
	return true
}

// Count returns the number of open cursors.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cursors)
}

// ExpireIdle closes cursors idle past the timeout and returns how many were
// closed.
func (m *Manager) ExpireIdle() int {
	cutoff := time.Now().Add(-m.timeout)
	m.mu.Lock()
	defer m.mu.Unlock()
	var closed int
	for id, c := range m.cursors {
		if c.lastUsed.Before(cutoff) {
			delete(m.cursors, id)
			closed++
		}
	}
	if closed > 0 {
		metrics.Get().IncCursorsTimedOut(int64(closed))
		metrics.Get().SetCursorsOpen(int64(len(m.cursors)))
		m.logger.Debug().Int("count", closed).Msg("Expired idle cursors")
	}
	return closed
}
