package writes

import (
	"context"

	"github.com/strata-db/strata/internal/failpoint"
	"github.com/strata-db/strata/internal/metrics"
	"github.com/strata-db/strata/internal/repl"
	"github.com/strata-db/strata/internal/status"
	"github.com/strata-db/strata/pkg/models"
)

// opResult is the outcome of one operation in a write command.
type opResult struct {
	N         int64
	NModified int64
	Upserted  *models.Upserted
	Err       error
}

// replyHooks customize reply assembly per command kind.
type replyHooks struct {
	// onSuccess runs for every successful result, in order.
	onSuccess func(r *opResult)
	// postProcess runs once on the assembled reply body.
	postProcess func(reply models.Document)
}

// errAccumulator enforces the error-message size budget: once more than
// maxSize bytes of messages have accumulated and at least two errors exist,
// later messages are dropped.
type errAccumulator struct {
	totalSize int64
	count     int
	maxSize   int64
}

func (a *errAccumulator) truncate() bool {
	return a.totalSize > a.maxSize && a.count >= 2
}

func (a *errAccumulator) add(msg string) string {
	if a.truncate() {
		a.count++
		return ""
	}
	a.totalSize += int64(len(msg))
	a.count++
	return msg
}

// generateError turns an operation error into a write error for the reply.
// Routing staleness is rewritten to the canonical stale code with its info
// attached; validation failures carry their details; migration conflicts
// block until the migration resolves and report the outcome code with the
// original message.
func (e *Executor) generateError(ctx context.Context, err error, index int, ns models.Namespace, acc *errAccumulator) *models.WriteError {
	if err == nil {
		return nil
	}

	code := status.CodeOf(err)
	msg := status.MessageOf(err)
	info := status.InfoOf(err)
	var errInfo models.Document

	switch {
	case status.IsStaleRouting(code):
		code = status.CodeStaleRoutingVersion
		errInfo = info
	case code == status.CodeDocumentValidationFailure:
		errInfo = models.Document{"details": info}
	case code == status.CodeMigrationConflict:
		if err := e.failpoints.PauseWhileSet(ctx, failpoint.HangBeforeMigrationDecision); err != nil {
			code = status.CodeInterrupted
			break
		}
		if outcome, ok := e.migrations.WaitCompleted(ctx, ns); ok {
			code = outcome
		}
	default:
		errInfo = info
	}

	return &models.WriteError{
		Index:   index,
		Code:    int32(code),
		Errmsg:  acc.add(msg),
		ErrInfo: errInfo,
	}
}

// terminalBatchError reports whether an unordered batch propagates this
// error to its remaining indices.
func terminalBatchError(code status.Code) bool {
	return code == status.CodeStaleRoutingVersion || status.IsMigrationError(code)
}

// populateReply assembles the command reply from per-operation results.
// results may be shorter than totalOps when the command stopped early; the
// unattempted tail is reported per the ordered/unordered rules.
func (e *Executor) populateReply(ctx context.Context, base *Base, results []opResult, totalOps int, hooks *replyHooks) models.Document {
	var n int64
	var writeErrors []models.WriteError
	acc := &errAccumulator{maxSize: e.cfg.MaxReplySize}

	for i := range results {
		r := &results[i]
		if r.Err == nil {
			n += r.N
			if hooks != nil && hooks.onSuccess != nil {
				hooks.onSuccess(r)
			}
			continue
		}
		if we := e.generateError(ctx, r.Err, i, base.NS, acc); we != nil {
			writeErrors = append(writeErrors, *we)
		}
	}

	// An unordered batch that died on a routing or migration error reports
	// the same outcome for every index it never attempted, message scrubbed
	// so the router retargets them all.
	if !base.Ordered && len(writeErrors) > 0 && len(results) < totalOps {
		last := writeErrors[len(writeErrors)-1]
		if terminalBatchError(status.Code(last.Code)) {
			for i := len(results); i < totalOps; i++ {
				writeErrors = append(writeErrors, models.WriteError{
					Index:   i,
					Code:    last.Code,
					ErrInfo: last.ErrInfo,
				})
			}
		}
	}

	reply := models.Document{"n": n, "ok": 1}
	if len(writeErrors) > 0 {
		reply["writeErrors"] = writeErrors
	}
	if e.repl.Mode() == repl.ModeReplSet {
		opTime := e.repl.Last()
		reply["opTime"] = models.Document{"t": opTime.Term, "i": opTime.Counter}
		reply["electionId"] = e.repl.ElectionID().String()
	}
	if hooks != nil && hooks.postProcess != nil {
		hooks.postProcess(reply)
	}

	if len(writeErrors) > 0 {
		metrics.Get().IncWriteErrors(int64(len(writeErrors)))
	}
	return reply
}
