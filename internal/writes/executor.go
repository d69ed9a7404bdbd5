package writes

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/strata-db/strata/internal/bucketcatalog"
	"github.com/strata-db/strata/internal/config"
	"github.com/strata-db/strata/internal/cursor"
	"github.com/strata-db/strata/internal/failpoint"
	"github.com/strata-db/strata/internal/logger"
	"github.com/strata-db/strata/internal/metrics"
	"github.com/strata-db/strata/internal/migration"
	"github.com/strata-db/strata/internal/repl"
	"github.com/strata-db/strata/internal/session"
	"github.com/strata-db/strata/internal/status"
	"github.com/strata-db/strata/internal/store"
	"github.com/strata-db/strata/pkg/models"
)

// Executor bundles the services a command needs. One executor is live per
// process; it is passed explicitly rather than reached through globals.
type Executor struct {
	store      *store.Store
	catalog    *bucketcatalog.Catalog
	repl       *repl.Coordinator
	sessions   *session.Registry
	migrations *migration.Blocker
	failpoints *failpoint.Registry
	cursors    *cursor.Manager
	cfg        config.WritesConfig
	logger     zerolog.Logger
}

// NewExecutor wires an executor from its services.
func NewExecutor(
	st *store.Store,
	catalog *bucketcatalog.Catalog,
	rc *repl.Coordinator,
	sessions *session.Registry,
	migrations *migration.Blocker,
	failpoints *failpoint.Registry,
	cursors *cursor.Manager,
	cfg config.WritesConfig,
) *Executor {
	return &Executor{
		store:      st,
		catalog:    catalog,
		repl:       rc,
		sessions:   sessions,
		migrations: migrations,
		failpoints: failpoints,
		cursors:    cursors,
		cfg:        cfg,
		logger:     logger.Get("writes"),
	}
}

// Catalog exposes the bucket catalog for stats endpoints.
func (e *Executor) Catalog() *bucketcatalog.Catalog { return e.catalog }

// Failpoints exposes the failpoint registry for the admin endpoint.
func (e *Executor) Failpoints() *failpoint.Registry { return e.failpoints }

// Migrations exposes the migration blocker for the admin endpoint.
func (e *Executor) Migrations() *migration.Blocker { return e.migrations }

// Store exposes the document store.
func (e *Executor) Store() *store.Store { return e.store }

// sessionFor returns the request's session, or nil for sessionless commands.
func (e *Executor) sessionFor(base *Base) *session.Session {
	if base.SessionID == nil {
		return nil
	}
	s := e.sessions.Get(*base.SessionID)
	if base.TxnNumber != nil {
		s.BeginTxnNumber(*base.TxnNumber)
	}
	s.SetInTransaction(base.InTxn)
	return s
}

// checkPlacement fails when the router's view of the collection is stale or
// a migration holds the namespace.
func (e *Executor) checkPlacement(base *Base) error {
	if base.RoutingVersion != nil {
		opts, ok, err := e.store.Options(base.NS)
		if err != nil {
			return err
		}
		if ok && opts.RoutingVersion != *base.RoutingVersion {
			return status.Errorf(status.CodeStaleRoutingInfo,
				"routing version mismatch for %s", base.NS).
				WithInfo(models.Document{
					"version":       opts.RoutingVersion,
					"wantedVersion": *base.RoutingVersion,
					"ns":            base.NS.String(),
				})
		}
	}
	if e.migrations.Active(base.NS) {
		return status.Errorf(status.CodeMigrationConflict,
			"write to %s blocked by in-flight migration", base.NS)
	}
	return nil
}

// validateAgainstSchema applies the collection validator: every field the
// validator names must be present with a non-nil value.
func validateAgainstSchema(validator, doc models.Document) error {
	if len(validator) == 0 {
		return nil
	}
	var missing []string
	for field := range validator {
		if v, ok := doc[field]; !ok || v == nil {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return status.New(status.CodeDocumentValidationFailure, "Document failed validation").
			WithInfo(models.Document{"missingFields": missing})
	}
	return nil
}

// stopBatch reports whether the batch stops after this error: always for
// ordered batches, and for routing/migration errors even when unordered,
// since the router must retarget everything that follows.
func stopBatch(base *Base, err error) bool {
	if base.Ordered {
		return true
	}
	code := status.CodeOf(err)
	return status.IsStaleRouting(code) || code == status.CodeStaleRoutingVersion ||
		status.IsMigrationError(code) || code == status.CodeMigrationConflict
}

// runInsert routes inserts to the time-series driver when the collection has
// time-series options, and otherwise inserts documents directly.
func (e *Executor) runInsert(ctx context.Context, req *InsertRequest) (models.Document, error) {
	metrics.Get().IncInsertCommands()

	opts, ok, err := e.store.Options(req.NS)
	if err != nil {
		return nil, err
	}
	if ok && opts.Timeseries != nil && !req.NS.IsBuckets() {
		return e.runTimeseriesInsert(ctx, req, opts)
	}

	sess := e.sessionFor(&req.Base)
	results := make([]opResult, len(req.Documents))
	for i, doc := range req.Documents {
		if err := ctx.Err(); err != nil {
			results[i].Err = status.Errorf(status.CodeInterrupted, "insert interrupted: %v", err)
			if stopBatch(&req.Base, results[i].Err) {
				results = results[:i+1]
				break
			}
			continue
		}

		if sess != nil && sess.CheckExecuted(req.EffectiveStmtID(i)) {
			metrics.Get().IncWriteRetries()
			results[i].N = 1
			continue
		}

		if err := e.checkPlacement(&req.Base); err != nil {
			results[i].Err = err
			if stopBatch(&req.Base, results[i].Err) {
				results = results[:i+1]
				break
			}
			continue
		}
		if ok && !req.BypassDocumentValidation {
			if err := validateAgainstSchema(opts.Validator, doc); err != nil {
				results[i].Err = err
				if req.Ordered {
					results = results[:i+1]
					break
				}
				continue
			}
		}

		if err := e.store.Insert(ctx, req.NS, doc); err != nil {
			results[i].Err = err
			if stopBatch(&req.Base, results[i].Err) {
				results = results[:i+1]
				break
			}
			continue
		}
		results[i].N = 1
		if sess != nil {
			sess.MarkExecuted(req.EffectiveStmtID(i))
		}
	}

	reply := e.populateReply(ctx, &req.Base, results, len(req.Documents), nil)
	if n, ok := reply["n"].(int64); ok {
		metrics.Get().IncDocumentsInserted(n)
	}
	return reply, nil
}

// runUpdate applies replacement updates by _id.
func (e *Executor) runUpdate(ctx context.Context, req *UpdateRequest) (models.Document, error) {
	metrics.Get().IncUpdateCommands()

	opts, hasOpts, err := e.store.Options(req.NS)
	if err != nil {
		return nil, err
	}

	sess := e.sessionFor(&req.Base)
	var nModified int64
	var upserted []models.Upserted

	results := make([]opResult, len(req.Updates))
	for i, op := range req.Updates {
		if err := ctx.Err(); err != nil {
			results[i].Err = status.Errorf(status.CodeInterrupted, "update interrupted: %v", err)
			if stopBatch(&req.Base, results[i].Err) {
				results = results[:i+1]
				break
			}
			continue
		}

		if sess != nil && sess.CheckExecuted(req.EffectiveStmtID(i)) {
			metrics.Get().IncWriteRetries()
			results[i].N = 1
			continue
		}
		if err := e.checkPlacement(&req.Base); err != nil {
			results[i].Err = err
			if stopBatch(&req.Base, results[i].Err) {
				results = results[:i+1]
				break
			}
			continue
		}

		id, ok := op.Filter["_id"]
		if !ok {
			results[i].Err = status.New(status.CodeBadValue, "update filter must contain _id")
			if stopBatch(&req.Base, results[i].Err) {
				results = results[:i+1]
				break
			}
			continue
		}
		if hasOpts && !req.BypassDocumentValidation {
			if err := validateAgainstSchema(opts.Validator, op.Update); err != nil {
				results[i].Err = err
				if req.Ordered {
					results = results[:i+1]
					break
				}
				continue
			}
		}

		n, mod, upsertedID, err := e.store.Replace(ctx, req.NS, id, op.Update, op.Upsert)
		if err != nil {
			results[i].Err = err
			if stopBatch(&req.Base, results[i].Err) {
				results = results[:i+1]
				break
			}
			continue
		}
		results[i].N = n
		results[i].NModified = mod
		if upsertedID != nil {
			results[i].Upserted = &models.Upserted{Index: i, ID: upsertedID}
		}
		if sess != nil {
			sess.MarkExecuted(req.EffectiveStmtID(i))
		}
	}

	reply := e.populateReply(ctx, &req.Base, results, len(req.Updates), &replyHooks{
		onSuccess: func(r *opResult) {
			nModified += r.NModified
			if r.Upserted != nil {
				upserted = append(upserted, *r.Upserted)
			}
		},
		postProcess: func(reply models.Document) {
			reply["nModified"] = nModified
			if len(upserted) > 0 {
				reply["upserted"] = upserted
			}
		},
	})
	metrics.Get().IncDocumentsUpdated(nModified)
	return reply, nil
}

// runDelete removes documents by _id.
func (e *Executor) runDelete(ctx context.Context, req *DeleteRequest) (models.Document, error) {
	metrics.Get().IncDeleteCommands()

	results := make([]opResult, len(req.Deletes))
	for i, op := range req.Deletes {
		if err := ctx.Err(); err != nil {
			results[i].Err = status.Errorf(status.CodeInterrupted, "delete interrupted: %v", err)
			if stopBatch(&req.Base, results[i].Err) {
				results = results[:i+1]
				break
			}
			continue
		}
		if err := e.checkPlacement(&req.Base); err != nil {
			results[i].Err = err
			if stopBatch(&req.Base, results[i].Err) {
				results = results[:i+1]
				break
			}
			continue
		}

		id, ok := op.Filter["_id"]
		if !ok {
			results[i].Err = status.New(status.CodeBadValue, "delete filter must contain _id")
			if stopBatch(&req.Base, results[i].Err) {
				results = results[:i+1]
				break
			}
			continue
		}
		n, err := e.store.Delete(ctx, req.NS, id)
		if err != nil {
			results[i].Err = err
			if stopBatch(&req.Base, results[i].Err) {
				results = results[:i+1]
				break
			}
			continue
		}
		results[i].N = n
	}

	reply := e.populateReply(ctx, &req.Base, results, len(req.Deletes), nil)
	if n, ok := reply["n"].(int64); ok {
		metrics.Get().IncDocumentsDeleted(n)
	}
	return reply, nil
}

// runFind scans the collection and opens a cursor over the remainder.
func (e *Executor) runFind(ctx context.Context, req *FindRequest) (models.Document, error) {
	metrics.Get().IncFindCommands()

	docs, err := e.store.Scan(ctx, req.NS, req.Limit)
	if err != nil {
		return nil, err
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = e.cfg.DefaultBatchSize
	}
	if batchSize > len(docs) {
		batchSize = len(docs)
	}
	firstBatch := docs[:batchSize]
	cursorID := e.cursors.Open(req.NS, docs[batchSize:])

	metrics.Get().IncDocumentsReturned(int64(len(firstBatch)))
	if firstBatch == nil {
		firstBatch = []models.Document{}
	}
	return models.Document{
		"cursor": models.Document{
			"id":         cursorID,
			"ns":         req.NS.String(),
			"firstBatch": firstBatch,
		},
		"ok": 1,
	}, nil
}

// runGetMore drains the next batch from an open cursor.
func (e *Executor) runGetMore(ctx context.Context, req *GetMoreRequest) (models.Document, error) {
	metrics.Get().IncGetMoreCommands()

	if err := ctx.Err(); err != nil {
		return nil, status.Errorf(status.CodeInterrupted, "getMore interrupted: %v", err)
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = e.cfg.DefaultBatchSize
	}
	batch, id, err := e.cursors.Next(req.CursorID, req.NS, batchSize)
	if err != nil {
		return nil, err
	}

	metrics.Get().IncDocumentsReturned(int64(len(batch)))
	if batch == nil {
		batch = []models.Document{}
	}
	return models.Document{
		"cursor": models.Document{
			"id":        id,
			"ns":        req.NS.String(),
			"nextBatch": batch,
		},
		"ok": 1,
	}, nil
}
