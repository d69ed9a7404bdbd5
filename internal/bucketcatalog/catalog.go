// Package bucketcatalog maintains the process-wide registry of open
// time-series buckets. Incoming measurements are grouped by (namespace,
// canonical metadata) into open buckets, staged into write batches, and
// committed through a two-phase prepare/finish protocol. The catalog owns
// all bucket records; commit owners interact with it exclusively through
// Insert, PrepareCommit, Finish and Abort.
package bucketcatalog

import (
	"container/list"
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/strata-db/strata/internal/status"
	"github.com/strata-db/strata/internal/timeseries"
	"github.com/strata-db/strata/pkg/models"
)

// bucketState tracks the commit/clear lifecycle of a bucket independently of
// the open-bucket map. Cleared is orthogonal to prepared: clearing a bucket
// with an outstanding prepared commit defers its teardown to the commit
// owner.
type bucketState int

const (
	stateNormal bucketState = iota
	statePrepared
	stateCleared
	statePreparedAndCleared
)

// Limits bounds open buckets and catalog memory.
type Limits struct {
	MaxMeasurements int
	MaxBytes        int64
	MemoryThreshold int64
	MaxClockSkew    time.Duration
}

// DefaultLimits mirrors the server defaults: 1000 measurements or 125KB per
// bucket, 100MB of catalog memory.
func DefaultLimits() Limits {
	return Limits{
		MaxMeasurements: 1000,
		MaxBytes:        125 * 1024,
		MemoryThreshold: 100 * 1024 * 1024,
		MaxClockSkew:    15 * time.Minute,
	}
}

const numStripes = 16

type stripe struct {
	mu   sync.Mutex
	open map[bucketKey]*Bucket
}

// Catalog routes measurements to open buckets. Lookup is partitioned across
// stripes; individual buckets carry their own mutex. Never acquire a stripe
// lock while holding a bucket lock.
type Catalog struct {
	limits Limits

	stripes [numStripes]stripe

	statesMu sync.Mutex
	states   map[uuid.UUID]bucketState

	idleMu sync.Mutex
	idle   *list.List

	statsMu sync.RWMutex
	stats   map[string]*ExecutionStats

	memoryMu sync.Mutex
	memory   int64

	logger zerolog.Logger
}

// New creates an empty catalog.
func New(limits Limits, logger zerolog.Logger) *Catalog {
	c := &Catalog{
		limits: limits,
		states: make(map[uuid.UUID]bucketState),
		idle:   list.New(),
		stats:  make(map[string]*ExecutionStats),
		logger: logger.With().Str("component", "bucket-catalog").Logger(),
	}
	for i := range c.stripes {
		c.stripes[i].open = make(map[bucketKey]*Bucket)
	}
	return c
}

func (c *Catalog) stripeFor(key bucketKey) *stripe {
	h := fnv.New32a()
	h.Write([]byte(key.ns))
	h.Write([]byte{0})
	h.Write([]byte(key.meta))
	return &c.stripes[h.Sum32()%numStripes]
}

// Insert routes one measurement to an open bucket, appending it to the
// bucket's current write batch. CombineDisallow forces a batch private to
// this caller. The returned batch must eventually be committed or observed
// via GetResult by the caller.
func (c *Catalog) Insert(ctx context.Context, ns models.Namespace, coll *models.Collation,
	opts *timeseries.Options, doc models.Document, combine CombinePolicy) (*WriteBatch, error) {

	if err := ctx.Err(); err != nil {
		return nil, status.Errorf(status.CodeInterrupted, "insert interrupted: %v", err)
	}

	t, err := timeseries.ValidateMeasurement(doc, opts, c.limits.MaxClockSkew)
	if err != nil {
		return nil, err
	}

	meta := makeBucketMetadata(doc, opts.MetaField, coll)
	key := bucketKey{ns: ns.String(), meta: meta.canonical}
	stats := c.executionStats(ns)

	s := c.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.open[key]
	if b != nil && c.isCleared(b.id) {
		delete(s.open, key)
		b = nil
	}
	if b == nil {
		b = c.allocateBucket(ns, key, meta, coll, t)
		s.open[key] = b
		stats.NumBucketsOpenedDueToMetadata.Add(1)
	}

	b.mu.Lock()
	newFields, sizeAdded := b.fieldsAndSizeChange(doc, opts.MetaField)

	if reason := c.rolloverReason(b, t, sizeAdded, opts); reason != rolloverNone {
		c.closeBucketLocked(b, s, key, reason, stats)
		b.mu.Unlock()

		b = c.allocateBucket(ns, key, meta, coll, t)
		s.open[key] = b
		b.mu.Lock()
		newFields, sizeAdded = b.fieldsAndSizeChange(doc, opts.MetaField)
	}

	batchKey := uuid.Nil
	if combine == CombineDisallow {
		batchKey = uuid.New()
	}
	batch := b.activeBatch(batchKey)
	batch.addMeasurement(doc)
	batch.recordNewFields(newFields)
	for _, f := range newFields {
		b.fieldNames[f] = struct{}{}
	}
	b.minmax.Update(doc, opts.MetaField)
	b.numMeasurements++
	b.size += sizeAdded
	b.memory += sizeAdded
	if t.After(b.latestTime) {
		b.latestTime = t
	}
	b.mu.Unlock()

	c.markNotIdle(b)
	c.addMemory(sizeAdded)
	c.maybeExpireIdleBuckets(stats)

	return batch, nil
}

type rolloverReason int

const (
	rolloverNone rolloverReason = iota
	rolloverCount
	rolloverSize
	rolloverTimeForward
	rolloverTimeBackward
)

// rolloverReason decides whether adding a measurement at time t would push
// the bucket past its limits. Bucket mutex held. Fresh buckets never roll.
func (c *Catalog) rolloverReason(b *Bucket, t time.Time, sizeAdded int64, opts *timeseries.Options) rolloverReason {
	if b.numMeasurements == 0 {
		return rolloverNone
	}
	switch {
	case b.numMeasurements+1 > c.limits.MaxMeasurements:
		return rolloverCount
	case b.size+sizeAdded > c.limits.MaxBytes:
		return rolloverSize
	case t.After(b.minTime.Add(opts.BucketMaxSpan())):
		return rolloverTimeForward
	case t.Before(b.minTime):
		return rolloverTimeBackward
	}
	return rolloverNone
}

// closeBucketLocked marks a full bucket closed and detaches it from the open
// map; pending commits drain before the record is destroyed. Stripe and
// bucket mutexes held.
func (c *Catalog) closeBucketLocked(b *Bucket, s *stripe, key bucketKey, reason rolloverReason, stats *ExecutionStats) {
	b.full = true
	delete(s.open, key)

	switch reason {
	case rolloverCount:
		stats.NumBucketsClosedDueToCount.Add(1)
	case rolloverSize:
		stats.NumBucketsClosedDueToSize.Add(1)
	case rolloverTimeForward:
		stats.NumBucketsClosedDueToTimeForward.Add(1)
	case rolloverTimeBackward:
		stats.NumBucketsClosedDueToTimeBackward.Add(1)
	}

	if b.allCommitted() && b.numCommitted == b.numMeasurements {
		// Nothing in flight; destroy once the caller releases the bucket.
		go c.destroyBucket(b)
	}
}

func (c *Catalog) allocateBucket(ns models.Namespace, key bucketKey, meta bucketMetadata,
	coll *models.Collation, t time.Time) *Bucket {

	b := newBucket(ns, key, meta, coll, t)
	c.statesMu.Lock()
	c.states[b.id] = stateNormal
	c.statesMu.Unlock()
	c.addMemory(b.memory)
	return b
}

// PrepareCommit transitions a batch from staging to preparing. The caller
// must hold commit rights. Returns false if the owning bucket was cleared,
// in which case the batch finishes with a bucket-cleared error and its
// measurements must be reinserted.
func (c *Catalog) PrepareCommit(batch *WriteBatch) bool {
	b := batch.bucket
	stats := c.executionStats(b.ns)

	b.mu.Lock()
	for b.preparedBatch != nil && b.preparedBatch != batch {
		stats.NumWaits.Add(1)
		b.cond.Wait()
	}

	if !c.transitionPrepared(b.id) {
		c.detachBatchLocked(b, batch)
		batch.abort(status.New(status.CodeBucketCleared,
			"time-series bucket was cleared before commit"))
		b.mu.Unlock()
		return false
	}

	c.detachBatchLocked(b, batch)
	batch.prepare()
	b.preparedBatch = batch
	b.mu.Unlock()
	return true
}

// detachBatchLocked removes the batch from the bucket's staging map so new
// inserts open a fresh batch. Bucket mutex held.
func (c *Catalog) detachBatchLocked(b *Bucket, batch *WriteBatch) {
	for k, v := range b.batches {
		if v == batch {
			delete(b.batches, k)
			return
		}
	}
}

// Finish records a successful commit, wakes batch waiters and the next
// prepared-slot contender, and advances the bucket's committed count.
func (c *Catalog) Finish(batch *WriteBatch, info CommitInfo) {
	b := batch.bucket
	stats := c.executionStats(b.ns)

	b.mu.Lock()
	first := b.numCommitted == 0
	b.numCommitted += len(batch.measurements)
	b.preparedBatch = nil
	b.cond.Broadcast()
	batch.finish(info)

	stats.NumCommits.Add(1)
	stats.NumMeasurementsCommitted.Add(int64(len(batch.measurements)))
	if first {
		stats.NumBucketInserts.Add(1)
	} else {
		stats.NumBucketUpdates.Add(1)
	}

	cleared := c.transitionUnprepared(b.id)
	destroy := cleared && b.allCommitted() || b.full && b.allCommitted()
	idle := !destroy && !cleared && !b.full && b.allCommitted()
	b.mu.Unlock()

	if destroy {
		c.destroyBucket(b)
	} else if idle {
		c.markIdle(b)
	}
}

// Abort finishes the batch with err (or a generic error) and clears the
// owning bucket: its persisted document can no longer be trusted to match
// the in-memory bounds, so queued batches fail their prepare and retry into
// a fresh bucket.
func (c *Catalog) Abort(batch *WriteBatch, err error) {
	b := batch.bucket

	b.mu.Lock()
	if b.preparedBatch == batch {
		b.preparedBatch = nil
		c.transitionUnprepared(b.id)
	}
	c.detachBatchLocked(b, batch)
	batch.abort(err)
	b.cond.Broadcast()
	drained := b.allCommitted()
	b.mu.Unlock()

	c.transitionCleared(b.id)
	c.removeFromOpen(b)
	if drained {
		c.destroyBucket(b)
	}
}

// Clear marks every open bucket whose namespace matches the predicate as
// cleared. In-flight batches on cleared buckets complete with a
// bucket-cleared error; subsequent inserts open fresh buckets.
func (c *Catalog) Clear(pred func(ns models.Namespace) bool) {
	for i := range c.stripes {
		s := &c.stripes[i]
		s.mu.Lock()
		for key, b := range s.open {
			if pred(b.ns) {
				delete(s.open, key)
				c.transitionCleared(b.id)
			}
		}
		s.mu.Unlock()
	}
}

// ClearNamespace clears the open buckets of one namespace.
func (c *Catalog) ClearNamespace(ns models.Namespace) {
	c.Clear(func(other models.Namespace) bool { return other == ns })
}

// ClearBucket clears a single bucket by id. Eviction from the open map
// happens lazily on the next insert that observes the cleared state.
func (c *Catalog) ClearBucket(id uuid.UUID) {
	c.transitionCleared(id)
}

// Metadata returns the stored metadata of the batch's bucket: its field name
// and value. ok is false when the collection has no metadata field or the
// measurement carried none.
func (c *Catalog) Metadata(batch *WriteBatch) (field string, value any, ok bool) {
	meta := batch.bucket.meta
	if !meta.present() {
		return "", nil, false
	}
	return meta.field, meta.value, true
}

// state helpers ----------------------------------------------------------

func (c *Catalog) isCleared(id uuid.UUID) bool {
	c.statesMu.Lock()
	defer c.statesMu.Unlock()
	st, ok := c.states[id]
	return !ok || st == stateCleared || st == statePreparedAndCleared
}

// transitionPrepared moves normal -> prepared. Returns false when the bucket
// is cleared or gone.
func (c *Catalog) transitionPrepared(id uuid.UUID) bool {
	c.statesMu.Lock()
	defer c.statesMu.Unlock()
	st, ok := c.states[id]
	if !ok || st == stateCleared || st == statePreparedAndCleared {
		return false
	}
	c.states[id] = statePrepared
	return true
}

// transitionUnprepared releases the prepared slot. Returns true if the
// bucket was cleared while prepared.
func (c *Catalog) transitionUnprepared(id uuid.UUID) bool {
	c.statesMu.Lock()
	defer c.statesMu.Unlock()
	switch c.states[id] {
	case statePreparedAndCleared:
		c.states[id] = stateCleared
		return true
	case statePrepared:
		c.states[id] = stateNormal
	}
	return false
}

func (c *Catalog) transitionCleared(id uuid.UUID) {
	c.statesMu.Lock()
	defer c.statesMu.Unlock()
	st, ok := c.states[id]
	if !ok {
		return
	}
	switch st {
	case statePrepared:
		c.states[id] = statePreparedAndCleared
	case stateNormal:
		c.states[id] = stateCleared
	}
}

func (c *Catalog) removeState(id uuid.UUID) {
	c.statesMu.Lock()
	delete(c.states, id)
	c.statesMu.Unlock()
}

// idle / memory ----------------------------------------------------------

func (c *Catalog) markIdle(b *Bucket) {
	c.idleMu.Lock()
	if b.idleEntry == nil {
		b.idleEntry = c.idle.PushFront(b)
	}
	c.idleMu.Unlock()
}

func (c *Catalog) markNotIdle(b *Bucket) {
	c.idleMu.Lock()
	if b.idleEntry != nil {
		c.idle.Remove(b.idleEntry)
		b.idleEntry = nil
	}
	c.idleMu.Unlock()
}

func (c *Catalog) addMemory(n int64) {
	c.memoryMu.Lock()
	c.memory += n
	c.memoryMu.Unlock()
}

// MemoryUsage returns the catalog's approximate memory footprint.
func (c *Catalog) MemoryUsage() int64 {
	c.memoryMu.Lock()
	defer c.memoryMu.Unlock()
	return c.memory
}

// maybeExpireIdleBuckets evicts the oldest idle buckets while memory sits
// above the configured threshold.
func (c *Catalog) maybeExpireIdleBuckets(stats *ExecutionStats) {
	if c.limits.MemoryThreshold <= 0 {
		return
	}
	for c.MemoryUsage() > c.limits.MemoryThreshold {
		c.idleMu.Lock()
		back := c.idle.Back()
		if back == nil {
			c.idleMu.Unlock()
			return
		}
		b := back.Value.(*Bucket)
		c.idle.Remove(back)
		b.idleEntry = nil
		c.idleMu.Unlock()

		c.transitionCleared(b.id)
		c.removeFromOpen(b)
		c.destroyBucket(b)
		stats.NumBucketsClosedDueToMemory.Add(1)
	}
}

// ExpireIdleBuckets runs one eviction sweep; the cron scheduler calls this
// periodically in addition to the opportunistic sweep on insert.
func (c *Catalog) ExpireIdleBuckets() int {
	before := c.idleLen()
	c.maybeExpireIdleBuckets(c.executionStats(models.Namespace{Database: "admin", Collection: "catalog"}))
	return before - c.idleLen()
}

// OpenBuckets returns the number of buckets currently accepting inserts.
func (c *Catalog) OpenBuckets() int {
	var n int
	for i := range c.stripes {
		s := &c.stripes[i]
		s.mu.Lock()
		n += len(s.open)
		s.mu.Unlock()
	}
	return n
}

func (c *Catalog) idleLen() int {
	c.idleMu.Lock()
	defer c.idleMu.Unlock()
	return c.idle.Len()
}

func (c *Catalog) removeFromOpen(b *Bucket) {
	s := c.stripeFor(b.key)
	s.mu.Lock()
	if s.open[b.key] == b {
		delete(s.open, b.key)
	}
	s.mu.Unlock()
}

// destroyBucket releases a bucket record entirely.
func (c *Catalog) destroyBucket(b *Bucket) {
	c.markNotIdle(b)
	c.removeState(b.id)

	b.mu.Lock()
	mem := b.memory
	b.memory = 0
	b.mu.Unlock()
	c.addMemory(-mem)
}

// stats ------------------------------------------------------------------

func (c *Catalog) executionStats(ns models.Namespace) *ExecutionStats {
	key := ns.String()
	c.statsMu.RLock()
	s, ok := c.stats[key]
	c.statsMu.RUnlock()
	if ok {
		return s
	}

	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	if s, ok = c.stats[key]; ok {
		return s
	}
	s = &ExecutionStats{}
	c.stats[key] = s
	return s
}

// AppendExecutionStats returns the per-namespace catalog counters.
func (c *Catalog) AppendExecutionStats(ns models.Namespace) models.Document {
	return c.executionStats(ns).Snapshot()
}
