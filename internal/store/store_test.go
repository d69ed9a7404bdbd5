package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/strata-db/strata/internal/metrics"
	"github.com/strata-db/strata/internal/status"
	"github.com/strata-db/strata/internal/timeseries"
	"github.com/strata-db/strata/pkg/models"
)

var testNS = models.Namespace{Database: "weather", Collection: "readings"}

func openTestStore(t *testing.T, compression string) *Store {
	t.Helper()
	s, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "strata.db"),
		Compression: compression,
		NoSync:      true,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateCollection(t *testing.T) {
	s := openTestStore(t, "none")

	opts := CollectionOptions{
		Timeseries:     &timeseries.Options{TimeField: "ts", MetaField: "sensor"},
		RoutingVersion: 3,
	}
	require.NoError(t, s.CreateCollection(testNS, opts))

	got, ok, err := s.Options(testNS)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ts", got.Timeseries.TimeField)
	assert.Equal(t, "sensor", got.Timeseries.MetaField)
	assert.Equal(t, int64(3), got.RoutingVersion)

	// Creating twice is an error
	err = s.CreateCollection(testNS, opts)
	require.Error(t, err)
	assert.Equal(t, status.CodeIllegalOperation, status.CodeOf(err))
}

func TestCreateCollectionInvalidTimeseries(t *testing.T) {
	s := openTestStore(t, "none")

	err := s.CreateCollection(testNS, CollectionOptions{
		Timeseries: &timeseries.Options{TimeField: ""},
	})
	require.Error(t, err)
	assert.Equal(t, status.CodeInvalidOptions, status.CodeOf(err))

	err = s.CreateCollection(testNS, CollectionOptions{
		Timeseries: &timeseries.Options{TimeField: "ts", Granularity: "weeks"},
	})
	require.Error(t, err)
	assert.Equal(t, status.CodeInvalidOptions, status.CodeOf(err))
}

func TestDropCollection(t *testing.T) {
	s := openTestStore(t, "none")
	ctx := context.Background()

	require.NoError(t, s.CreateCollection(testNS, CollectionOptions{}))
	require.NoError(t, s.Insert(ctx, testNS, models.Document{"_id": "a", "v": int64(1)}))

	require.NoError(t, s.DropCollection(testNS))

	_, ok, err := s.Options(testNS)
	require.NoError(t, err)
	assert.False(t, ok)

	docs, err := s.Scan(ctx, testNS, 0)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSetRoutingVersion(t *testing.T) {
	s := openTestStore(t, "none")

	require.NoError(t, s.CreateCollection(testNS, CollectionOptions{RoutingVersion: 1}))
	require.NoError(t, s.SetRoutingVersion(testNS, 7))

	got, ok, err := s.Options(testNS)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(7), got.RoutingVersion)

	err = s.SetRoutingVersion(models.Namespace{Database: "weather", Collection: "nope"}, 1)
	require.Error(t, err)
	assert.Equal(t, status.CodeNamespaceNotFound, status.CodeOf(err))
}

func TestInsertAndGet(t *testing.T) {
	s := openTestStore(t, "none")
	ctx := context.Background()

	doc := models.Document{
		"_id":  "b-1",
		"temp": 21.5,
		"tags": models.Document{"site": "north"},
	}
	require.NoError(t, s.Insert(ctx, testNS, doc))

	got, ok, err := s.Get(ctx, testNS, "b-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 21.5, got["temp"])
	tags, isDoc := got["tags"].(models.Document)
	require.True(t, isDoc)
	assert.Equal(t, "north", tags["site"])

	_, ok, err = s.Get(ctx, testNS, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInsertDuplicateKey(t *testing.T) {
	s := openTestStore(t, "none")
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, testNS, models.Document{"_id": "dup", "v": int64(1)}))

	err := s.Insert(ctx, testNS, models.Document{"_id": "dup", "v": int64(2)})
	require.Error(t, err)
	assert.Equal(t, status.CodeDuplicateKey, status.CodeOf(err))
	assert.Contains(t, status.MessageOf(err), "E11000")

	info := status.InfoOf(err)
	require.NotNil(t, info)
	keyValue, ok := info["keyValue"].(models.Document)
	require.True(t, ok)
	assert.Equal(t, "dup", keyValue["_id"])
}

func TestInsertMissingID(t *testing.T) {
	s := openTestStore(t, "none")

	err := s.Insert(context.Background(), testNS, models.Document{"v": int64(1)})
	require.Error(t, err)
	assert.Equal(t, status.CodeBadValue, status.CodeOf(err))
}

func TestNumericAndTimeIDs(t *testing.T) {
	s := openTestStore(t, "none")
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Insert(ctx, testNS, models.Document{"_id": int64(42), "v": "n"}))
	require.NoError(t, s.Insert(ctx, testNS, models.Document{"_id": ts, "v": "t"}))

	// Numeric ids are keyed by value, not representation
	got, ok, err := s.Get(ctx, testNS, float64(42))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "n", got["v"])

	got, ok, err = s.Get(ctx, testNS, ts)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t", got["v"])
}

func TestReplace(t *testing.T) {
	s := openTestStore(t, "none")
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, testNS, models.Document{"_id": "r", "v": int64(1)}))

	n, nModified, upserted, err := s.Replace(ctx, testNS, "r", models.Document{"v": int64(2)}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(1), nModified)
	assert.Nil(t, upserted)

	got, _, err := s.Get(ctx, testNS, "r")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got["v"])

	// Missing document without upsert matches nothing
	n, nModified, upserted, err = s.Replace(ctx, testNS, "missing", models.Document{"v": int64(3)}, false)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, nModified)
	assert.Nil(t, upserted)

	// With upsert the document is created
	n, nModified, upserted, err = s.Replace(ctx, testNS, "up", models.Document{"v": int64(4)}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Zero(t, nModified)
	assert.Equal(t, "up", upserted)
}

func TestDelete(t *testing.T) {
	s := openTestStore(t, "none")
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, testNS, models.Document{"_id": "d", "v": int64(1)}))

	n, err := s.Delete(ctx, testNS, "d")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Delete(ctx, testNS, "d")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScan(t *testing.T) {
	s := openTestStore(t, "none")
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Insert(ctx, testNS, models.Document{"_id": id}))
	}

	docs, err := s.Scan(ctx, testNS, 0)
	require.NoError(t, err)
	assert.Len(t, docs, 3)

	docs, err = s.Scan(ctx, testNS, 2)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	docs, err = s.Scan(ctx, models.Namespace{Database: "weather", Collection: "empty"}, 0)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestContextInterruption(t *testing.T) {
	s := openTestStore(t, "none")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Insert(ctx, testNS, models.Document{"_id": "x"})
	assert.Equal(t, status.CodeInterrupted, status.CodeOf(err))

	_, _, err = s.Get(ctx, testNS, "x")
	assert.Equal(t, status.CodeInterrupted, status.CodeOf(err))

	_, err = s.Scan(ctx, testNS, 0)
	assert.Equal(t, status.CodeInterrupted, status.CodeOf(err))
}

func TestZstdRoundTrip(t *testing.T) {
	s := openTestStore(t, "zstd")
	ctx := context.Background()

	doc := models.Document{"_id": "z", "payload": string(make([]byte, 4096))}
	require.NoError(t, s.Insert(ctx, testNS, doc))

	got, ok, err := s.Get(ctx, testNS, "z")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got["payload"], 4096)
}

func TestUpdateDiff(t *testing.T) {
	s := openTestStore(t, "none")
	ctx := context.Background()

	bucket := models.Document{
		"_id": "bkt-1",
		"control": models.Document{
			"version": int64(1),
			"min":     models.Document{"temp": 20.0},
			"max":     models.Document{"temp": 22.0},
		},
		"data": models.Document{
			"temp": models.Document{"0": 20.0, "1": 22.0},
		},
	}
	require.NoError(t, s.Insert(ctx, testNS, bucket))

	diff := &models.BucketDiff{
		ControlMax: models.Document{"temp": 25.0},
		DataNew: map[string]models.Document{
			"humidity": {"2": 40.0},
		},
		DataExtend: map[string]models.Document{
			"temp": {"2": 25.0},
		},
	}

	nModified, err := s.UpdateDiff(ctx, testNS, "bkt-1", diff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), nModified)

	got, ok, err := s.Get(ctx, testNS, "bkt-1")
	require.NoError(t, err)
	require.True(t, ok)

	control := got["control"].(models.Document)
	assert.Equal(t, 20.0, control["min"].(models.Document)["temp"])
	assert.Equal(t, 25.0, control["max"].(models.Document)["temp"])

	data := got["data"].(models.Document)
	temp := data["temp"].(models.Document)
	assert.Equal(t, 25.0, temp["2"])
	humidity := data["humidity"].(models.Document)
	assert.Equal(t, 40.0, humidity["2"])
}

func TestUpdateDiffMissingDocument(t *testing.T) {
	s := openTestStore(t, "none")

	nModified, err := s.UpdateDiff(context.Background(), testNS, "gone", &models.BucketDiff{
		ControlMax: models.Document{"temp": 1.0},
	})
	require.NoError(t, err)
	assert.Zero(t, nModified)
}

func TestStoreCountersAdvance(t *testing.T) {
	s := openTestStore(t, "none")
	ctx := context.Background()

	snapInt := func(key string) int64 {
		v, _ := metrics.Get().Snapshot()[key].(int64)
		return v
	}
	writesBefore := snapInt("store_writes_total")
	bytesBefore := snapInt("store_write_bytes_total")
	readsBefore := snapInt("store_reads_total")

	require.NoError(t, s.Insert(ctx, testNS, models.Document{"_id": "m1", "v": int64(1)}))
	_, found, err := s.Get(ctx, testNS, "m1")
	require.NoError(t, err)
	require.True(t, found)

	assert.Greater(t, snapInt("store_writes_total"), writesBefore)
	assert.Greater(t, snapInt("store_write_bytes_total"), bytesBefore)
	assert.Greater(t, snapInt("store_reads_total"), readsBefore)
}
