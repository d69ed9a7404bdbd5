package bucketcatalog

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/strata-db/strata/internal/status"
	"github.com/strata-db/strata/pkg/models"
)

// CombinePolicy controls whether an insert may share a write batch with
// concurrent callers. Retryable writes disallow combining so their statement
// ids stay exclusive to one batch.
type CombinePolicy int

const (
	CombineAllow CombinePolicy = iota
	CombineDisallow
)

// CommitInfo is the persistent outcome of a committed batch.
type CommitInfo struct {
	N          int64
	NModified  int64
	OpTime     models.OpTime
	ElectionID uuid.UUID
}

// WriteBatch is the unit of work for one bucket: the staging area shared by
// every insert that joined it and, after claimCommitRights, driven to a
// single physical write by exactly one owner. Staging fields are guarded by
// the owning bucket's mutex; after PrepareCommit only the commit owner
// mutates, and joiners read results through GetResult.
type WriteBatch struct {
	bucket *Bucket

	measurements     []models.Document
	min, max         models.Document
	newFieldNames    map[string]struct{}
	numPrevCommitted int

	pendingStmtIDs []int32

	active bool

	commitRights atomic.Bool
	done         chan struct{}
	result       CommitInfo
	err          error
}

func newWriteBatch(b *Bucket) *WriteBatch {
	return &WriteBatch{
		bucket:        b,
		newFieldNames: make(map[string]struct{}),
		active:        true,
		done:          make(chan struct{}),
	}
}

// ClaimCommitRights grants the commit token to the first caller only.
func (w *WriteBatch) ClaimCommitRights() bool {
	return w.commitRights.CompareAndSwap(false, true)
}

// GetResult blocks until the commit owner finishes or aborts the batch.
func (w *WriteBatch) GetResult(ctx context.Context) (CommitInfo, error) {
	select {
	case <-w.done:
		return w.result, w.err
	case <-ctx.Done():
		return CommitInfo{}, status.Errorf(status.CodeInterrupted,
			"interrupted waiting for batch commit: %v", ctx.Err())
	}
}

// Finished reports whether the batch reached a terminal state. It only gives
// a stable answer to the commit owner or after GetResult returned.
func (w *WriteBatch) Finished() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Err returns the terminal error recorded on the batch, if any.
func (w *WriteBatch) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

// BucketID identifies the bucket this batch targets.
func (w *WriteBatch) BucketID() uuid.UUID {
	return w.bucket.id
}

// Measurements returns the frozen measurement list. Valid after a
// successful PrepareCommit.
func (w *WriteBatch) Measurements() []models.Document { return w.measurements }

// Min returns the control.min widenings this batch must persist; the full
// minimum on a bucket's first commit.
func (w *WriteBatch) Min() models.Document { return w.min }

// Max is the control.max counterpart of Min.
func (w *WriteBatch) Max() models.Document { return w.max }

// NewFieldNames lists field names this batch introduces to the bucket.
func (w *WriteBatch) NewFieldNames() map[string]struct{} { return w.newFieldNames }

// NumPreviouslyCommitted is the bucket's committed measurement count when
// the batch was prepared; zero selects the insert path.
func (w *WriteBatch) NumPreviouslyCommitted() int { return w.numPrevCommitted }

// AddPendingStmtID records a retryable statement id to be persisted with
// this batch's physical write. Caller holds no lock; staged only from the
// insert path before commit.
func (w *WriteBatch) AddPendingStmtID(id int32) {
	w.pendingStmtIDs = append(w.pendingStmtIDs, id)
}

// PendingStmtIDs returns the statement ids staged on this batch.
func (w *WriteBatch) PendingStmtIDs() []int32 { return w.pendingStmtIDs }

// addMeasurement stages a document. Bucket mutex held.
func (w *WriteBatch) addMeasurement(doc models.Document) {
	w.measurements = append(w.measurements, doc)
}

// recordNewFields marks fields never before seen in the bucket. Bucket
// mutex held.
func (w *WriteBatch) recordNewFields(fields []string) {
	for _, f := range fields {
		w.newFieldNames[f] = struct{}{}
	}
}

// prepare freezes the batch for commit. Bucket mutex held.
func (w *WriteBatch) prepare() {
	w.active = false
	w.numPrevCommitted = w.bucket.numCommitted
	if w.numPrevCommitted == 0 {
		w.min = w.bucket.minmax.Min()
		w.max = w.bucket.minmax.Max()
	} else {
		w.min = w.bucket.minmax.MinUpdates()
		w.max = w.bucket.minmax.MaxUpdates()
	}
}

// finish records the outcome and wakes waiters. At most one of finish and
// abort runs, exactly once.
func (w *WriteBatch) finish(info CommitInfo) {
	w.active = false
	w.result = info
	close(w.done)
}

func (w *WriteBatch) abort(err error) {
	w.active = false
	if err == nil {
		err = status.New(status.CodeInternal, "time-series write batch aborted")
	}
	w.err = err
	close(w.done)
}
