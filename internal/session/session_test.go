package session

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRegistryGetCreates(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()

	s := r.Get(id)
	if s == nil {
		t.Fatal("expected a session")
	}
	if s.ID() != id {
		t.Errorf("session id = %v, want %v", s.ID(), id)
	}
	if r.Get(id) != s {
		t.Error("expected the same session on repeat lookup")
	}
	if r.Count() != 1 {
		t.Errorf("count = %d, want 1", r.Count())
	}
}

func TestCheckAndMarkExecuted(t *testing.T) {
	s := &Session{id: uuid.New()}
	s.BeginTxnNumber(1)

	if s.CheckExecuted(0) {
		t.Error("statement 0 should not be executed yet")
	}
	s.MarkExecuted(0, 1)
	if !s.CheckExecuted(0) || !s.CheckExecuted(1) {
		t.Error("statements 0 and 1 should be executed")
	}
	if s.CheckExecuted(2) {
		t.Error("statement 2 should not be executed")
	}

	statements, commands := s.RetryStats()
	if statements != 2 {
		t.Errorf("retried statements = %d, want 2", statements)
	}
	if commands != 1 {
		t.Errorf("retried commands = %d, want 1", commands)
	}
}

func TestHigherTxnNumberResetsWindow(t *testing.T) {
	s := &Session{id: uuid.New()}
	s.BeginTxnNumber(1)
	s.MarkExecuted(0)

	s.BeginTxnNumber(2)
	if s.CheckExecuted(0) {
		t.Error("new txnNumber should clear executed statements")
	}

	// A lower or equal number keeps the current window
	s.MarkExecuted(5)
	s.BeginTxnNumber(1)
	if !s.CheckExecuted(5) {
		t.Error("stale txnNumber should not clear executed statements")
	}
}

func TestExpireIdle(t *testing.T) {
	r := NewRegistry()
	s := r.Get(uuid.New())

	if dropped := r.ExpireIdle(time.Hour); dropped != 0 {
		t.Errorf("dropped %d fresh sessions", dropped)
	}

	s.mu.Lock()
	s.lastUsed = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	if dropped := r.ExpireIdle(30 * time.Minute); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if r.Count() != 0 {
		t.Errorf("count = %d, want 0", r.Count())
	}
}
