package bucketcatalog

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/strata-db/strata/pkg/models"
)

// bucketKey addresses the open bucket for a (namespace, canonical metadata)
// pair.
type bucketKey struct {
	ns   string
	meta string
}

// Bucket is the in-memory record of one open bucket. The catalog exclusively
// owns these; write batches keep a pointer for identity but the bucket's
// liveness is always re-checked through the state registry on commit.
type Bucket struct {
	mu   sync.Mutex
	cond *sync.Cond // signaled when the prepared batch slot frees up

	id   uuid.UUID
	ns   models.Namespace
	key  bucketKey
	meta bucketMetadata

	// Top-level field names of measurements already staged or committed.
	fieldNames map[string]struct{}

	minmax *minMax

	// minTime anchors the bucket's accepted time range; latestTime is the
	// newest measurement staged so far.
	minTime    time.Time
	latestTime time.Time

	// Serialized byte estimate including staged measurements.
	size int64

	numMeasurements int
	numCommitted    int

	// full closes the bucket to new inserts; it is evicted once the pending
	// commits drain.
	full bool

	preparedBatch *WriteBatch
	batches       map[uuid.UUID]*WriteBatch

	idleEntry *list.Element
	memory    int64
}

func newBucket(ns models.Namespace, key bucketKey, meta bucketMetadata, coll *models.Collation, t time.Time) *Bucket {
	b := &Bucket{
		id:         uuid.New(),
		ns:         ns,
		key:        key,
		meta:       meta,
		fieldNames: make(map[string]struct{}),
		minmax:     newMinMax(coll),
		minTime:    t,
		latestTime: t,
		batches:    make(map[uuid.UUID]*WriteBatch),
		memory:     baseBucketMemory,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

const baseBucketMemory = 512

// ID returns the identifier of the underlying bucket document.
func (b *Bucket) ID() uuid.UUID { return b.id }

// allCommitted reports whether no uncommitted measurements remain. Mutex
// held.
func (b *Bucket) allCommitted() bool {
	return len(b.batches) == 0 && b.preparedBatch == nil
}

// activeBatch returns the open batch for the given staging key, opening one
// if the current batch is absent or frozen. Mutex held.
func (b *Bucket) activeBatch(key uuid.UUID) *WriteBatch {
	if batch, ok := b.batches[key]; ok && batch.active {
		return batch
	}
	batch := newWriteBatch(b)
	b.batches[key] = batch
	return batch
}

// fieldsAndSizeChange computes which of doc's fields are new to the bucket
// and the serialized growth adding it would cause. Mutex held.
func (b *Bucket) fieldsAndSizeChange(doc models.Document, metaField string) (newFields []string, sizeAdded int64) {
	for field, value := range doc {
		if metaField != "" && field == metaField {
			continue
		}
		if _, ok := b.fieldNames[field]; !ok {
			newFields = append(newFields, field)
			// A new field costs its name in the data map plus two control
			// bound entries.
			sizeAdded += int64(len(field))*3 + estimateValueSize(value)*2
		}
		// Index key plus the value itself.
		sizeAdded += 4 + estimateValueSize(value)
	}
	return newFields, sizeAdded
}

// estimateValueSize approximates the serialized size of a value. Exactness
// is not required; the bound only has to keep buckets near the configured
// byte ceiling.
func estimateValueSize(v any) int64 {
	switch val := v.(type) {
	case nil:
		return 1
	case bool:
		return 1
	case string:
		return int64(len(val)) + 2
	case time.Time:
		return 12
	case []any:
		var n int64 = 2
		for _, e := range val {
			n += estimateValueSize(e)
		}
		return n
	case models.Document:
		return estimateDocSize(val)
	case map[string]any:
		return estimateDocSize(models.Document(val))
	default:
		return 8
	}
}

func estimateDocSize(doc models.Document) int64 {
	var n int64 = 2
	for k, v := range doc {
		n += int64(len(k)) + 1 + estimateValueSize(v)
	}
	return n
}
