package writes

import (
	"context"

	"github.com/strata-db/strata/internal/bucketcatalog"
	"github.com/strata-db/strata/internal/failpoint"
	"github.com/strata-db/strata/internal/metrics"
	"github.com/strata-db/strata/internal/repl"
	"github.com/strata-db/strata/internal/session"
	"github.com/strata-db/strata/internal/status"
	"github.com/strata-db/strata/internal/store"
	"github.com/strata-db/strata/internal/timeseries"
	"github.com/strata-db/strata/pkg/models"
)

// tsDriver drives one time-series insert command. Measurements are routed
// through the bucket catalog, commits are claimed per batch, and any
// measurement whose bucket vanished mid-commit is rejoined from scratch.
type tsDriver struct {
	ex        *Executor
	req       *InsertRequest
	opts      *timeseries.Options
	coll      *models.Collation
	bucketsNS models.Namespace
	sess      *session.Session

	results []opResult

	// maxOpTime is the latest stamp across the commits this command drove
	// or joined; the reply carries it instead of the coordinator's global
	// last op.
	maxOpTime models.OpTime
}

// runTimeseriesInsert is the entry point for inserts into a time-series
// collection. The measurements land in the buckets namespace, never in the
// view namespace the request names.
func (e *Executor) runTimeseriesInsert(ctx context.Context, req *InsertRequest, collOpts *store.CollectionOptions) (models.Document, error) {
	if req.InTxn {
		return nil, status.New(status.CodeIllegalOperation,
			"cannot perform a time-series insert in a multi-document transaction")
	}

	d := &tsDriver{
		ex:        e,
		req:       req,
		opts:      collOpts.Timeseries,
		coll:      collOpts.Collation,
		bucketsNS: req.NS.Buckets(),
		sess:      e.sessionFor(&req.Base),
		results:   make([]opResult, len(req.Documents)),
	}

	// Placement holds for the whole command: a stale router version or an
	// in-flight migration fails every measurement before any is staged.
	if err := e.checkPlacement(&req.Base); err != nil {
		d.results[0] = opResult{Err: err}
		d.results = d.results[:1]
	} else if req.Ordered {
		d.performOrdered(ctx)
	} else {
		d.performAll(ctx, allIndices(len(req.Documents)))
	}

	reply := e.populateReply(ctx, &req.Base, d.results, len(req.Documents), nil)
	if e.repl.Mode() == repl.ModeReplSet && !d.maxOpTime.IsZero() {
		reply["opTime"] = models.Document{"t": d.maxOpTime.Term, "i": d.maxOpTime.Counter}
	}
	if n, ok := reply["n"].(int64); ok {
		metrics.Get().IncDocumentsInserted(n)
	}
	return reply, nil
}

func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// performOrdered commits measurements one index at a time, stopping at the
// first terminal error so no later measurement commits after a failed one.
func (d *tsDriver) performOrdered(ctx context.Context) {
	for i := range d.req.Documents {
		d.performAll(ctx, []int{i})
		if d.results[i].Err != nil {
			d.results = d.results[:i+1]
			return
		}
	}
}

// performAll runs the unordered algorithm over the given indices, looping on
// docsToRetry until every measurement has a terminal outcome. The loop
// terminates because a cleared bucket never reappears: each retry rejoins
// the catalog against a fresh bucket.
func (d *tsDriver) performAll(ctx context.Context, indices []int) {
	for len(indices) > 0 {
		retry := d.performUnordered(ctx, indices)
		if len(retry) > 0 {
			metrics.Get().IncWriteRetries()
		}
		indices = retry
	}
}

type stashedBatch struct {
	batch *bucketcatalog.WriteBatch
	index int
}

// performUnordered stages the given measurements into the catalog, drives
// the commits it wins, joins the ones it does not, and returns the indices
// that must be retried because their bucket was cleared.
func (d *tsDriver) performUnordered(ctx context.Context, indices []int) (docsToRetry []int) {
	var stashed []stashedBatch
	for _, i := range indices {
		stmtID := d.req.EffectiveStmtID(i)
		if d.sess != nil && d.req.Retryable() && d.sess.CheckExecuted(stmtID) {
			metrics.Get().IncWriteRetries()
			d.results[i] = opResult{N: 1}
			continue
		}

		// Retryable writes keep their batch private so the recorded
		// statement ids stay exclusive to this session.
		combine := bucketcatalog.CombineAllow
		if d.req.Retryable() {
			combine = bucketcatalog.CombineDisallow
		}
		batch, err := d.ex.catalog.Insert(ctx, d.req.NS, d.coll, d.opts, d.req.Documents[i], combine)
		if err != nil {
			d.results[i] = opResult{Err: err}
			continue
		}
		if d.req.Retryable() && len(d.req.StmtIDs) == 0 {
			batch.AddPendingStmtID(stmtID)
		}
		stashed = append(stashed, stashedBatch{batch: batch, index: i})
	}

	claimed := make(map[int]bool)
	for _, sb := range stashed {
		if !sb.batch.ClaimCommitRights() {
			continue
		}
		claimed[sb.index] = true
		if d.commitBatch(ctx, sb) {
			docsToRetry = append(docsToRetry, sb.index)
		}
	}

	// Batches another caller owns: wait for their outcome. A bucket-cleared
	// failure is never surfaced, only retried.
	for _, sb := range stashed {
		if claimed[sb.index] {
			continue
		}
		info, err := sb.batch.GetResult(ctx)
		if err != nil {
			if status.CodeOf(err) == status.CodeBucketCleared {
				docsToRetry = append(docsToRetry, sb.index)
			} else {
				d.results[sb.index] = opResult{Err: err}
			}
			continue
		}
		d.maxOpTime = d.maxOpTime.Max(info.OpTime)
		d.results[sb.index] = opResult{N: 1}
		d.markExecuted(sb.batch, sb.index)
	}
	return docsToRetry
}

// commitBatch drives the two-phase commit for a batch this caller claimed.
// Returns true when the caller's measurement must rejoin the catalog.
func (d *tsDriver) commitBatch(ctx context.Context, sb stashedBatch) (retry bool) {
	batch := sb.batch

	if err := d.ex.failpoints.PauseWhileSet(ctx, failpoint.HangTimeseriesInsertBeforeCommit); err != nil {
		ierr := status.Errorf(status.CodeInterrupted, "insert interrupted: %v", err)
		d.ex.catalog.Abort(batch, ierr)
		d.results[sb.index] = opResult{Err: ierr}
		return false
	}

	if !d.ex.catalog.PrepareCommit(batch) {
		// The bucket was cleared before we could prepare; the batch is
		// already finished with a bucket-cleared error.
		return true
	}

	_, metaValue, hasMeta := d.ex.catalog.Metadata(batch)
	if d.ex.failpoints.ShouldFail(failpoint.FailTimeseriesInsert, models.Document{"metadata": metaValue}) {
		err := status.New(status.CodeFailPointEnabled, "failTimeseriesInsert fail point enabled")
		d.ex.catalog.Abort(batch, err)
		d.results[sb.index] = opResult{Err: err}
		return false
	}

	if err := d.ex.failpoints.PauseWhileSet(ctx, failpoint.HangTimeseriesInsertBeforeWrite); err != nil {
		ierr := status.Errorf(status.CodeInterrupted, "insert interrupted: %v", err)
		d.ex.catalog.Abort(batch, ierr)
		d.results[sb.index] = opResult{Err: ierr}
		return false
	}

	if batch.NumPreviouslyCommitted() == 0 {
		doc := makeNewBucketDoc(batch, d.opts.MetaField, metaValue, hasMeta)
		if err := d.ex.store.Insert(ctx, d.bucketsNS, doc); err != nil {
			d.ex.catalog.Abort(batch, err)
			d.results[sb.index] = opResult{Err: err}
			return false
		}
		metrics.Get().IncBucketInserts()
	} else {
		diff := makeBucketDiff(batch, d.opts.MetaField)
		nModified, err := d.ex.store.UpdateDiff(ctx, d.bucketsNS, batch.BucketID().String(), diff)
		if err != nil {
			d.ex.catalog.Abort(batch, err)
			d.results[sb.index] = opResult{Err: err}
			return false
		}
		if nModified == 0 {
			// The bucket document was removed under us; every measurement in
			// the batch rejoins against a fresh bucket.
			d.ex.catalog.Abort(batch, status.New(status.CodeBucketCleared,
				"bucket removed during commit"))
			return true
		}
		metrics.Get().IncBucketUpdates()
	}

	opTime := d.ex.repl.Advance()
	d.maxOpTime = d.maxOpTime.Max(opTime)
	d.ex.catalog.Finish(batch, bucketcatalog.CommitInfo{
		N:          int64(len(batch.Measurements())),
		OpTime:     opTime,
		ElectionID: d.ex.repl.ElectionID(),
	})
	d.results[sb.index] = opResult{N: 1}
	d.markExecuted(batch, sb.index)
	return false
}

// markExecuted records the request's statement ids as committed: this
// caller's own id plus any pending ids appended by other indices staged into
// the same batch.
func (d *tsDriver) markExecuted(batch *bucketcatalog.WriteBatch, index int) {
	if d.sess == nil || !d.req.Retryable() {
		return
	}
	ids := append([]int32{d.req.EffectiveStmtID(index)}, batch.PendingStmtIDs()...)
	d.sess.MarkExecuted(ids...)
}
