// Package repl tracks the replication identity the write path stamps into
// its replies. There is no actual replication here; the coordinator hands out
// monotonically increasing operation times and the current election id so
// drivers with retryable-write logic see consistent stamps.
package repl

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/strata-db/strata/pkg/models"
)

// Mode selects how replies are stamped.
type Mode int

const (
	// ModeNone stamps nothing, matching a standalone deployment.
	ModeNone Mode = iota
	// ModeReplSet stamps opTime and electionId on every write reply.
	ModeReplSet
)

// ParseMode maps a config string to a Mode, defaulting to ModeReplSet.
func ParseMode(s string) Mode {
	if strings.EqualFold(s, "none") {
		return ModeNone
	}
	return ModeReplSet
}

// Coordinator hands out operation times for committed writes.
type Coordinator struct {
	mu         sync.Mutex
	mode       Mode
	setName    string
	term       int64
	counter    int64
	electionID uuid.UUID
}

// NewCoordinator starts a coordinator at the given term with a fresh
// election id.
func NewCoordinator(mode Mode, setName string, term int64) *Coordinator {
	return &Coordinator{
		mode:       mode,
		setName:    setName,
		term:       term,
		electionID: uuid.New(),
	}
}

// Mode reports the replication mode.
func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetName returns the configured replica set name.
func (c *Coordinator) SetName() string {
	return c.setName
}

// Advance assigns the next operation time. Each committed write gets a
// distinct, increasing time within the current term.
func (c *Coordinator) Advance() models.OpTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	return models.OpTime{Term: c.term, Counter: c.counter}
}

// Last returns the most recently assigned operation time.
func (c *Coordinator) Last() models.OpTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.OpTime{Term: c.term, Counter: c.counter}
}

// ElectionID returns the id of the current election.
func (c *Coordinator) ElectionID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.electionID
}

// StepUp starts a new term with a fresh election id. Exposed for tests and
// the admin endpoint.
func (c *Coordinator) StepUp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.term++
	c.counter = 0
	c.electionID = uuid.New()
	return c.term
}
