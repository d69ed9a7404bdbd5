package store

import (
	"context"

	bolt "go.etcd.io/bbolt"

	"github.com/strata-db/strata/internal/status"
	"github.com/strata-db/strata/pkg/models"
)

// UpdateDiff applies a bucket diff to the document with the given _id:
// control.min/control.max fields are merged, new data columns are set whole,
// and existing columns are extended with the new row indexes. Returns the
// modified count — 0 means the document no longer exists, which the write
// path treats as a concurrently removed bucket.
func (s *Store) UpdateDiff(ctx context.Context, ns models.Namespace, id any, diff *models.BucketDiff) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, status.Errorf(status.CodeInterrupted, "update interrupted: %v", err)
	}

	key, err := keyFor(id)
	if err != nil {
		return 0, err
	}

	var nModified int64
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ns.String()))
		if b == nil {
			return nil
		}
		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		doc, derr := s.decodeDocument(raw)
		if derr != nil {
			return derr
		}

		applyDiff(doc, diff)

		value, eerr := s.encodeDocument(doc)
		if eerr != nil {
			return eerr
		}
		nModified = 1
		return b.Put(key, value)
	})
	return nModified, err
}

func applyDiff(doc models.Document, diff *models.BucketDiff) {
	control, _ := doc["control"].(models.Document)
	if control == nil {
		control = models.Document{}
		doc["control"] = control
	}
	if len(diff.ControlMin) > 0 {
		mergeInto(control, "min", diff.ControlMin)
	}
	if len(diff.ControlMax) > 0 {
		mergeInto(control, "max", diff.ControlMax)
	}

	if len(diff.DataNew) == 0 && len(diff.DataExtend) == 0 {
		return
	}
	data, _ := doc["data"].(models.Document)
	if data == nil {
		data = models.Document{}
		doc["data"] = data
	}
	for field, column := range diff.DataNew {
		data[field] = column.Clone()
	}
	for field, rows := range diff.DataExtend {
		column, _ := data[field].(models.Document)
		if column == nil {
			column = models.Document{}
			data[field] = column
		}
		for idx, v := range rows {
			column[idx] = v
		}
	}
}

func mergeInto(control models.Document, key string, updates models.Document) {
	sub, _ := control[key].(models.Document)
	if sub == nil {
		sub = models.Document{}
		control[key] = sub
	}
	for k, v := range updates {
		sub[k] = v
	}
}
