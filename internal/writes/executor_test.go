package writes

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-db/strata/internal/bucketcatalog"
	"github.com/strata-db/strata/internal/config"
	"github.com/strata-db/strata/internal/cursor"
	"github.com/strata-db/strata/internal/failpoint"
	"github.com/strata-db/strata/internal/migration"
	"github.com/strata-db/strata/internal/repl"
	"github.com/strata-db/strata/internal/session"
	"github.com/strata-db/strata/internal/status"
	"github.com/strata-db/strata/internal/store"
	"github.com/strata-db/strata/pkg/models"
)

var plainNS = models.Namespace{Database: "weather", Collection: "stations"}

func testWritesConfig() config.WritesConfig {
	return config.WritesConfig{
		MaxBatchSize:     100,
		MaxReplySize:     1 << 20,
		DefaultBatchSize: 101,
	}
}

func newTestExecutor(t *testing.T, mode repl.Mode, cfg config.WritesConfig) *Executor {
	t.Helper()
	st, err := store.Open(store.Config{
		Path:   filepath.Join(t.TempDir(), "strata.db"),
		NoSync: true,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return NewExecutor(
		st,
		bucketcatalog.New(bucketcatalog.DefaultLimits(), zerolog.Nop()),
		repl.NewCoordinator(mode, "rs0", 1),
		session.NewRegistry(),
		migration.NewBlocker(),
		failpoint.NewRegistry(),
		cursor.NewManager(time.Minute),
		cfg,
	)
}

func dispatch(t *testing.T, ex *Executor, db string, cmd models.Document) models.Document {
	t.Helper()
	req, err := Parse(db, cmd)
	require.NoError(t, err)
	reply, err := Dispatch(context.Background(), ex, req)
	require.NoError(t, err)
	return reply
}

func writeErrorsOf(t *testing.T, reply models.Document) []models.WriteError {
	t.Helper()
	raw, ok := reply["writeErrors"]
	require.True(t, ok, "reply has no writeErrors: %v", reply)
	errs, ok := raw.([]models.WriteError)
	require.True(t, ok)
	return errs
}

func TestParseInsert(t *testing.T) {
	sid := uuid.New()
	cmd := models.Document{
		"insert":         "stations",
		"documents":      []any{models.Document{"_id": "a"}},
		"ordered":        false,
		"stmtId":         int64(5),
		"lsid":           sid.String(),
		"txnNumber":      int64(3),
		"routingVersion": int64(2),
	}
	req, err := Parse("weather", cmd)
	require.NoError(t, err)
	require.Equal(t, OpInsert, req.Kind)

	ins := req.Insert
	assert.Equal(t, plainNS, ins.NS)
	assert.False(t, ins.Ordered)
	assert.Len(t, ins.Documents, 1)
	require.NotNil(t, ins.StmtID)
	assert.Equal(t, int32(5), *ins.StmtID)
	assert.Equal(t, int32(6), ins.EffectiveStmtID(1))
	require.NotNil(t, ins.SessionID)
	assert.Equal(t, sid, *ins.SessionID)
	require.NotNil(t, ins.TxnNumber)
	assert.Equal(t, int64(3), *ins.TxnNumber)
	assert.True(t, ins.Retryable())
	require.NotNil(t, ins.RoutingVersion)
	assert.Equal(t, int64(2), *ins.RoutingVersion)
}

func TestParseDefaultsAndErrors(t *testing.T) {
	req, err := Parse("weather", models.Document{
		"insert":    "stations",
		"documents": []any{models.Document{"_id": "a"}},
	})
	require.NoError(t, err)
	assert.True(t, req.Insert.Ordered)
	assert.False(t, req.Insert.Retryable())

	_, err = Parse("weather", models.Document{"frobnicate": "stations"})
	assert.Equal(t, status.CodeBadValue, status.CodeOf(err))

	_, err = Parse("weather", models.Document{"insert": "stations", "documents": []any{}})
	assert.Equal(t, status.CodeInvalidLength, status.CodeOf(err))

	_, err = Parse("weather", models.Document{"insert": ""})
	assert.Equal(t, status.CodeBadValue, status.CodeOf(err))

	_, err = Parse("weather", models.Document{
		"insert":    "stations",
		"documents": []any{models.Document{"_id": "a"}},
		"lsid":      "not-a-uuid",
	})
	assert.Equal(t, status.CodeBadValue, status.CodeOf(err))
}

func TestInsertCommand(t *testing.T) {
	ex := newTestExecutor(t, repl.ModeNone, testWritesConfig())

	reply := dispatch(t, ex, "weather", models.Document{
		"insert":    "stations",
		"documents": []any{models.Document{"_id": "a"}, models.Document{"_id": "b"}},
	})
	assert.Equal(t, int64(2), reply["n"])
	assert.Equal(t, 1, reply["ok"])
	_, hasErrs := reply["writeErrors"]
	assert.False(t, hasErrs)

	docs, err := ex.store.Scan(context.Background(), plainNS, 0)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestInsertOrderedStopsAtFirstError(t *testing.T) {
	ex := newTestExecutor(t, repl.ModeNone, testWritesConfig())
	require.NoError(t, ex.store.Insert(context.Background(), plainNS, models.Document{"_id": "dup"}))

	reply := dispatch(t, ex, "weather", models.Document{
		"insert": "stations",
		"documents": []any{
			models.Document{"_id": "a"},
			models.Document{"_id": "dup"},
			models.Document{"_id": "b"},
		},
	})
	assert.Equal(t, int64(1), reply["n"])
	errs := writeErrorsOf(t, reply)
	require.Len(t, errs, 1)
	assert.Equal(t, 1, errs[0].Index)
	assert.Equal(t, int32(status.CodeDuplicateKey), errs[0].Code)

	// The third document was never attempted
	_, ok, err := ex.store.Get(context.Background(), plainNS, "b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInsertUnorderedContinuesPastError(t *testing.T) {
	ex := newTestExecutor(t, repl.ModeNone, testWritesConfig())
	require.NoError(t, ex.store.Insert(context.Background(), plainNS, models.Document{"_id": "dup"}))

	reply := dispatch(t, ex, "weather", models.Document{
		"insert":  "stations",
		"ordered": false,
		"documents": []any{
			models.Document{"_id": "a"},
			models.Document{"_id": "dup"},
			models.Document{"_id": "b"},
		},
	})
	assert.Equal(t, int64(2), reply["n"])
	errs := writeErrorsOf(t, reply)
	require.Len(t, errs, 1)
	assert.Equal(t, 1, errs[0].Index)
}

func TestInsertRetryableSkipsExecuted(t *testing.T) {
	ex := newTestExecutor(t, repl.ModeNone, testWritesConfig())
	sid := uuid.New()
	cmd := models.Document{
		"insert":    "stations",
		"documents": []any{models.Document{"_id": "a"}, models.Document{"_id": "b"}},
		"lsid":      sid.String(),
		"txnNumber": int64(1),
		"stmtId":    int64(0),
	}

	first := dispatch(t, ex, "weather", cmd)
	assert.Equal(t, int64(2), first["n"])

	// Retrying the same statements reports success without re-inserting
	second := dispatch(t, ex, "weather", cmd)
	assert.Equal(t, int64(2), second["n"])
	_, hasErrs := second["writeErrors"]
	assert.False(t, hasErrs)

	docs, err := ex.store.Scan(context.Background(), plainNS, 0)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestInsertValidatorRejects(t *testing.T) {
	ex := newTestExecutor(t, repl.ModeNone, testWritesConfig())
	require.NoError(t, ex.store.CreateCollection(plainNS, store.CollectionOptions{
		Validator: models.Document{"name": int64(1)},
	}))

	reply := dispatch(t, ex, "weather", models.Document{
		"insert":    "stations",
		"documents": []any{models.Document{"_id": "a"}},
	})
	errs := writeErrorsOf(t, reply)
	require.Len(t, errs, 1)
	assert.Equal(t, int32(status.CodeDocumentValidationFailure), errs[0].Code)
	assert.Equal(t, "Document failed validation", errs[0].Errmsg)
	require.NotNil(t, errs[0].ErrInfo)
	assert.Contains(t, errs[0].ErrInfo, "details")

	// bypassDocumentValidation skips the validator
	reply = dispatch(t, ex, "weather", models.Document{
		"insert":                   "stations",
		"documents":                []any{models.Document{"_id": "b"}},
		"bypassDocumentValidation": true,
	})
	assert.Equal(t, int64(1), reply["n"])
}

func TestStaleRoutingVersion(t *testing.T) {
	ex := newTestExecutor(t, repl.ModeNone, testWritesConfig())
	require.NoError(t, ex.store.CreateCollection(plainNS, store.CollectionOptions{RoutingVersion: 2}))

	reply := dispatch(t, ex, "weather", models.Document{
		"insert":         "stations",
		"ordered":        false,
		"routingVersion": int64(1),
		"documents": []any{
			models.Document{"_id": "a"},
			models.Document{"_id": "b"},
			models.Document{"_id": "c"},
		},
	})
	assert.Equal(t, int64(0), reply["n"])

	// Stale routing stops even an unordered batch, and the unattempted tail
	// reports the same outcome with the message scrubbed.
	errs := writeErrorsOf(t, reply)
	require.Len(t, errs, 3)
	for i, we := range errs {
		assert.Equal(t, i, we.Index)
		assert.Equal(t, int32(status.CodeStaleRoutingVersion), we.Code)
		require.NotNil(t, we.ErrInfo)
		assert.Equal(t, int64(2), we.ErrInfo["version"])
		assert.Equal(t, int64(1), we.ErrInfo["wantedVersion"])
	}
	assert.NotEmpty(t, errs[0].Errmsg)
	assert.Empty(t, errs[1].Errmsg)
	assert.Empty(t, errs[2].Errmsg)
}

func TestMigrationConflictWaitsForOutcome(t *testing.T) {
	ex := newTestExecutor(t, repl.ModeNone, testWritesConfig())
	ex.migrations.Begin(plainNS)

	go func() {
		time.Sleep(50 * time.Millisecond)
		ex.migrations.End(plainNS, migration.OutcomeAborted)
	}()

	reply := dispatch(t, ex, "weather", models.Document{
		"insert":    "stations",
		"documents": []any{models.Document{"_id": "a"}},
	})
	errs := writeErrorsOf(t, reply)
	require.Len(t, errs, 1)
	assert.Equal(t, int32(status.CodeMigrationAborted), errs[0].Code)
}

func TestUpdateCommand(t *testing.T) {
	ex := newTestExecutor(t, repl.ModeNone, testWritesConfig())
	ctx := context.Background()
	require.NoError(t, ex.store.Insert(ctx, plainNS, models.Document{"_id": "a", "v": int64(1)}))

	reply := dispatch(t, ex, "weather", models.Document{
		"update": "stations",
		"updates": []any{
			models.Document{"q": models.Document{"_id": "a"}, "u": models.Document{"v": int64(2)}},
			models.Document{"q": models.Document{"_id": "new"}, "u": models.Document{"v": int64(3)}, "upsert": true},
			models.Document{"q": models.Document{"_id": "missing"}, "u": models.Document{"v": int64(4)}},
		},
	})
	assert.Equal(t, int64(2), reply["n"])
	assert.Equal(t, int64(1), reply["nModified"])

	upserted, ok := reply["upserted"].([]models.Upserted)
	require.True(t, ok)
	require.Len(t, upserted, 1)
	assert.Equal(t, 1, upserted[0].Index)
	assert.Equal(t, "new", upserted[0].ID)

	got, _, err := ex.store.Get(ctx, plainNS, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got["v"])
}

func TestUpdateRequiresIDFilter(t *testing.T) {
	ex := newTestExecutor(t, repl.ModeNone, testWritesConfig())

	reply := dispatch(t, ex, "weather", models.Document{
		"update": "stations",
		"updates": []any{
			models.Document{"q": models.Document{"v": int64(1)}, "u": models.Document{"v": int64(2)}},
		},
	})
	errs := writeErrorsOf(t, reply)
	require.Len(t, errs, 1)
	assert.Equal(t, int32(status.CodeBadValue), errs[0].Code)
}

func TestDeleteCommand(t *testing.T) {
	ex := newTestExecutor(t, repl.ModeNone, testWritesConfig())
	ctx := context.Background()
	require.NoError(t, ex.store.Insert(ctx, plainNS, models.Document{"_id": "a"}))

	reply := dispatch(t, ex, "weather", models.Document{
		"delete": "stations",
		"deletes": []any{
			models.Document{"q": models.Document{"_id": "a"}, "limit": int64(1)},
			models.Document{"q": models.Document{"_id": "missing"}, "limit": int64(1)},
		},
	})
	assert.Equal(t, int64(1), reply["n"])
	_, hasErrs := reply["writeErrors"]
	assert.False(t, hasErrs)
}

func TestFindAndGetMore(t *testing.T) {
	ex := newTestExecutor(t, repl.ModeNone, testWritesConfig())
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, ex.store.Insert(ctx, plainNS, models.Document{"_id": id}))
	}

	reply := dispatch(t, ex, "weather", models.Document{
		"find":      "stations",
		"batchSize": int64(2),
	})
	cur := reply["cursor"].(models.Document)
	first := cur["firstBatch"].([]models.Document)
	assert.Len(t, first, 2)
	cursorID := cur["id"].(int64)
	require.NotZero(t, cursorID)

	reply = dispatch(t, ex, "weather", models.Document{
		"getMore":    cursorID,
		"collection": "stations",
		"batchSize":  int64(2),
	})
	cur = reply["cursor"].(models.Document)
	assert.Len(t, cur["nextBatch"].([]models.Document), 2)
	assert.Equal(t, cursorID, cur["id"])

	// Final batch exhausts the cursor
	reply = dispatch(t, ex, "weather", models.Document{
		"getMore":    cursorID,
		"collection": "stations",
		"batchSize":  int64(2),
	})
	cur = reply["cursor"].(models.Document)
	assert.Len(t, cur["nextBatch"].([]models.Document), 1)
	assert.Equal(t, int64(0), cur["id"])

	req, err := Parse("weather", models.Document{"getMore": cursorID, "collection": "stations"})
	require.NoError(t, err)
	_, err = Dispatch(ctx, ex, req)
	assert.Equal(t, status.CodeCursorNotFound, status.CodeOf(err))
}

func TestFindExhaustedInline(t *testing.T) {
	ex := newTestExecutor(t, repl.ModeNone, testWritesConfig())
	require.NoError(t, ex.store.Insert(context.Background(), plainNS, models.Document{"_id": "a"}))

	reply := dispatch(t, ex, "weather", models.Document{"find": "stations"})
	cur := reply["cursor"].(models.Document)
	assert.Len(t, cur["firstBatch"].([]models.Document), 1)
	assert.Equal(t, int64(0), cur["id"])
}

func TestBatchSizeLimit(t *testing.T) {
	cfg := testWritesConfig()
	cfg.MaxBatchSize = 2
	ex := newTestExecutor(t, repl.ModeNone, cfg)

	req, err := Parse("weather", models.Document{
		"insert": "stations",
		"documents": []any{
			models.Document{"_id": "a"},
			models.Document{"_id": "b"},
			models.Document{"_id": "c"},
		},
	})
	require.NoError(t, err)
	_, err = Dispatch(context.Background(), ex, req)
	assert.Equal(t, status.CodeInvalidLength, status.CodeOf(err))
}

func TestStmtIDsLengthMismatch(t *testing.T) {
	ex := newTestExecutor(t, repl.ModeNone, testWritesConfig())

	req, err := Parse("weather", models.Document{
		"insert":    "stations",
		"documents": []any{models.Document{"_id": "a"}, models.Document{"_id": "b"}},
		"stmtIds":   []any{int64(0)},
	})
	require.NoError(t, err)
	_, err = Dispatch(context.Background(), ex, req)
	assert.Equal(t, status.CodeInvalidLength, status.CodeOf(err))
}

func TestSystemCollectionWriteRejected(t *testing.T) {
	ex := newTestExecutor(t, repl.ModeNone, testWritesConfig())

	req, err := Parse("weather", models.Document{
		"insert":    "system.indexes",
		"documents": []any{models.Document{"_id": "a"}},
	})
	require.NoError(t, err)
	_, err = Dispatch(context.Background(), ex, req)
	assert.Equal(t, status.CodeIllegalOperation, status.CodeOf(err))
}

func TestErrmsgTruncation(t *testing.T) {
	cfg := testWritesConfig()
	cfg.MaxReplySize = 10
	ex := newTestExecutor(t, repl.ModeNone, cfg)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, ex.store.Insert(ctx, plainNS, models.Document{"_id": id}))
	}

	reply := dispatch(t, ex, "weather", models.Document{
		"insert":  "stations",
		"ordered": false,
		"documents": []any{
			models.Document{"_id": "a"},
			models.Document{"_id": "b"},
			models.Document{"_id": "c"},
		},
	})
	errs := writeErrorsOf(t, reply)
	require.Len(t, errs, 3)
	assert.NotEmpty(t, errs[0].Errmsg)
	assert.NotEmpty(t, errs[1].Errmsg)
	assert.Empty(t, errs[2].Errmsg)
}

func TestReplSetReplyStamps(t *testing.T) {
	ex := newTestExecutor(t, repl.ModeReplSet, testWritesConfig())

	reply := dispatch(t, ex, "weather", models.Document{
		"insert":    "stations",
		"documents": []any{models.Document{"_id": "a"}},
	})
	opTime, ok := reply["opTime"].(models.Document)
	require.True(t, ok)
	assert.Equal(t, int64(1), opTime["t"])
	assert.NotEmpty(t, reply["electionId"])
}

func TestStandaloneReplyOmitsStamps(t *testing.T) {
	ex := newTestExecutor(t, repl.ModeNone, testWritesConfig())

	reply := dispatch(t, ex, "weather", models.Document{
		"insert":    "stations",
		"documents": []any{models.Document{"_id": "a"}},
	})
	_, hasOpTime := reply["opTime"]
	assert.False(t, hasOpTime)
}

func TestMigrationDecisionHangPoint(t *testing.T) {
	ex := newTestExecutor(t, repl.ModeNone, testWritesConfig())
	ex.migrations.Begin(plainNS)
	ex.failpoints.Enable(failpoint.HangBeforeMigrationDecision, nil)

	req, err := Parse("weather", models.Document{
		"insert":    "stations",
		"documents": []any{models.Document{"_id": "a"}},
	})
	require.NoError(t, err)

	replies := make(chan models.Document, 1)
	go func() {
		reply, derr := Dispatch(context.Background(), ex, req)
		if derr != nil {
			replies <- models.Document{}
			return
		}
		replies <- reply
	}()

	// While the point is set, error assembly must pause before consulting
	// the migration decision.
	select {
	case <-replies:
		t.Fatal("reply arrived while the hang point was set")
	case <-time.After(60 * time.Millisecond):
	}

	ex.failpoints.Disable(failpoint.HangBeforeMigrationDecision)
	time.Sleep(50 * time.Millisecond)
	ex.migrations.End(plainNS, migration.OutcomeAborted)

	select {
	case reply := <-replies:
		errs := writeErrorsOf(t, reply)
		require.Len(t, errs, 1)
		assert.Equal(t, int32(status.CodeMigrationAborted), errs[0].Code)
	case <-time.After(time.Second):
		t.Fatal("reply did not arrive after the hang point was released")
	}
}
