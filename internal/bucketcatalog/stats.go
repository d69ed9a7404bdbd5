package bucketcatalog

import (
	"sync/atomic"

	"github.com/strata-db/strata/pkg/models"
)

// ExecutionStats counts catalog activity per namespace. All fields are
// atomics; snapshots are lock-free.
type ExecutionStats struct {
	NumBucketInserts                 atomic.Int64
	NumBucketUpdates                 atomic.Int64
	NumBucketsOpenedDueToMetadata    atomic.Int64
	NumBucketsClosedDueToCount       atomic.Int64
	NumBucketsClosedDueToSize        atomic.Int64
	NumBucketsClosedDueToTimeForward atomic.Int64
	NumBucketsClosedDueToTimeBackward atomic.Int64
	NumBucketsClosedDueToMemory      atomic.Int64
	NumCommits                       atomic.Int64
	NumWaits                         atomic.Int64
	NumMeasurementsCommitted         atomic.Int64
}

// Snapshot renders the counters as a document for server status reporting.
func (s *ExecutionStats) Snapshot() models.Document {
	return models.Document{
		"numBucketInserts":                     s.NumBucketInserts.Load(),
		"numBucketUpdates":                     s.NumBucketUpdates.Load(),
		"numBucketsOpenedDueToMetadata":        s.NumBucketsOpenedDueToMetadata.Load(),
		"numBucketsClosedDueToCount":           s.NumBucketsClosedDueToCount.Load(),
		"numBucketsClosedDueToSize":            s.NumBucketsClosedDueToSize.Load(),
		"numBucketsClosedDueToTimeForward":     s.NumBucketsClosedDueToTimeForward.Load(),
		"numBucketsClosedDueToTimeBackward":    s.NumBucketsClosedDueToTimeBackward.Load(),
		"numBucketsClosedDueToMemoryThreshold": s.NumBucketsClosedDueToMemory.Load(),
		"numCommits":                           s.NumCommits.Load(),
		"numWaits":                             s.NumWaits.Load(),
		"numMeasurementsCommitted":             s.NumMeasurementsCommitted.Load(),
	}
}
