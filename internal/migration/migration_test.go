package migration

import (
	"context"
	"testing"
	"time"

	"github.com/strata-db/strata/internal/status"
	"github.com/strata-db/strata/pkg/models"
)

var testNS = models.Namespace{Database: "weather", Collection: "stations"}

func TestBeginActiveEnd(t *testing.T) {
	b := NewBlocker()
	if b.Active(testNS) {
		t.Error("namespace should start inactive")
	}

	b.Begin(testNS)
	if !b.Active(testNS) {
		t.Error("namespace should be active after Begin")
	}
	b.Begin(testNS) // idempotent

	b.End(testNS, OutcomeAborted)
	if b.Active(testNS) {
		t.Error("namespace should be inactive after End")
	}
	b.End(testNS, OutcomeAborted) // no-op
}

func TestWaitCompletedNoMigration(t *testing.T) {
	b := NewBlocker()
	code, ok := b.WaitCompleted(context.Background(), testNS)
	if ok {
		t.Error("expected ok=false with no migration in flight")
	}
	if code != status.CodeOK {
		t.Errorf("code = %v, want OK", code)
	}
}

func TestWaitCompletedOutcomes(t *testing.T) {
	for _, tc := range []struct {
		outcome Outcome
		want    status.Code
	}{
		{OutcomeCommitted, status.CodeMigrationCommitted},
		{OutcomeAborted, status.CodeMigrationAborted},
	} {
		b := NewBlocker()
		b.Begin(testNS)
		go func() {
			time.Sleep(20 * time.Millisecond)
			b.End(testNS, tc.outcome)
		}()

		code, ok := b.WaitCompleted(context.Background(), testNS)
		if !ok {
			t.Fatal("expected ok=true")
		}
		if code != tc.want {
			t.Errorf("code = %v, want %v", code, tc.want)
		}
	}
}

func TestWaitCompletedInterrupted(t *testing.T) {
	b := NewBlocker()
	b.Begin(testNS)
	defer b.End(testNS, OutcomeAborted)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	code, ok := b.WaitCompleted(ctx, testNS)
	if !ok || code != status.CodeInterrupted {
		t.Errorf("code = %v ok = %v, want interrupted true", code, ok)
	}
}
