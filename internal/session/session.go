// Package session tracks logical sessions for retryable writes. A session
// remembers which statement ids have already executed so a retried command
// reports success for them without re-applying the write.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/strata-db/strata/internal/logger"
)

// Session is one logical session. All methods are safe for concurrent use;
// drivers may retry a command on a second connection while the first is
// still in flight.
type Session struct {
	mu        sync.Mutex
	id        uuid.UUID
	txnNumber int64
	executed  map[int32]struct{}
	inTxn     bool
	lastUsed  time.Time

	retriedStatements int64
	retriedCommands   int64
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID { return s.id }

// BeginTxnNumber observes a command's transaction number. A higher number
// starts a fresh retry window so earlier statement ids no longer count as
// executed.
func (s *Session) BeginTxnNumber(txnNumber int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = time.Now()
	if txnNumber > s.txnNumber {
		s.txnNumber = txnNumber
		s.executed = make(map[int32]struct{})
	}
}

// CheckExecuted reports whether the statement already ran in this retry
// window. The first statement seen as executed also counts the command as
// retried.
func (s *Session) CheckExecuted(stmtID int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = time.Now()
	if _, ok := s.executed[stmtID]; ok {
		s.retriedStatements++
		if s.retriedStatements == 1 {
			s.retriedCommands++
		}
		return true
	}
	return false
}

// MarkExecuted records statement ids as committed.
func (s *Session) MarkExecuted(stmtIDs ...int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.executed == nil {
		s.executed = make(map[int32]struct{})
	}
	for _, id := range stmtIDs {
		s.executed[id] = struct{}{}
	}
}

// SetInTransaction flags the session as inside a multi-document transaction.
func (s *Session) SetInTransaction(inTxn bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTxn = inTxn
}

// InTransaction reports whether the session is inside a transaction.
func (s *Session) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTxn
}

// RetryStats returns how many statements and commands were retried.
func (s *Session) RetryStats() (statements, commands int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retriedStatements, s.retriedCommands
}

// Registry owns all live sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	logger   zerolog.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]*Session),
		logger:   logger.Get("session"),
	}
}

// Get returns the session with the given id, creating it if needed.
func (r *Registry) Get(id uuid.UUID) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = &Session{id: id, lastUsed: time.Now()}
		r.sessions[id] = s
		r.logger.Debug().Str("session_id", id.String()).Msg("Session created")
	}
	return s
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ExpireIdle removes sessions unused for longer than maxIdle and returns
// how many were dropped.
func (r *Registry) ExpireIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	r.mu.Lock()
	defer r.mu.Unlock()
	var dropped int
	for id, s := range r.sessions {
		s.mu.Lock()
		idle := s.lastUsed.Before(cutoff)
		s.mu.Unlock()
		if idle {
			delete(r.sessions, id)
			dropped++
		}
	}
	if dropped > 0 {
		r.logger.Debug().Int("count", dropped).Msg("Expired idle sessions")
	}
	return dropped
}
