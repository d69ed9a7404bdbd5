package writes

import (
	"strconv"

	"github.com/strata-db/strata/internal/bucketcatalog"
	"github.com/strata-db/strata/pkg/models"
)

// makeNewBucketDoc builds the full bucket document for a batch committing
// into a fresh bucket. Data columns map dense decimal indices starting at
// "0" to values; the metadata value, if any, is written under "meta"
// regardless of its source field name.
func makeNewBucketDoc(batch *bucketcatalog.WriteBatch, metaField string, metaValue any, hasMeta bool) models.Document {
	data := models.Document{}
	for i, m := range batch.Measurements() {
		idx := strconv.Itoa(i)
		for field, v := range m {
			if field == metaField {
				continue
			}
			column, _ := data[field].(models.Document)
			if column == nil {
				column = models.Document{}
				data[field] = column
			}
			column[idx] = v
		}
	}

	doc := models.Document{
		"_id": batch.BucketID().String(),
		"control": models.Document{
			"version": 1,
			"min":     batch.Min(),
			"max":     batch.Max(),
		},
		"data": data,
	}
	if hasMeta {
		doc["meta"] = metaValue
	}
	return doc
}

// makeBucketDiff builds the compact patch for a batch extending an existing
// bucket: control.min/max widenings for fields this batch moved, new data
// columns for fields the bucket had never seen, and index extensions for
// the rest. Indices start at the bucket's previously committed count.
func makeBucketDiff(batch *bucketcatalog.WriteBatch, metaField string) *models.BucketDiff {
	diff := &models.BucketDiff{
		ControlMin: batch.Min(),
		ControlMax: batch.Max(),
		DataNew:    make(map[string]models.Document),
		DataExtend: make(map[string]models.Document),
	}

	offset := batch.NumPreviouslyCommitted()
	newFields := batch.NewFieldNames()
	for i, m := range batch.Measurements() {
		idx := strconv.Itoa(offset + i)
		for field, v := range m {
			if field == metaField {
				continue
			}
			target := diff.DataExtend
			if _, isNew := newFields[field]; isNew {
				target = diff.DataNew
			}
			column := target[field]
			if column == nil {
				column = models.Document{}
				target[field] = column
			}
			column[idx] = v
		}
	}
	return diff
}
