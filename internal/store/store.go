// Package store is the underlying document store consumed by the write
// path: an embedded bbolt database holding one key space per collection plus
// a catalog of collection options. It offers exactly the contract the write
// layer needs — single-document inserts, diff-updates and point lookups by
// _id — and nothing resembling a query engine.
package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/strata-db/strata/internal/status"
	"github.com/strata-db/strata/internal/timeseries"
	"github.com/strata-db/strata/pkg/models"
)

// collectionsBucket holds the options document for every collection.
const collectionsBucket = "_collections"

// Config controls the embedded store.
type Config struct {
	Path        string
	Compression string // "zstd" or "none"
	NoSync      bool   // skip fsync on commit; test environments only
}

// CollectionOptions is everything the write path reads back about a
// collection.
type CollectionOptions struct {
	Timeseries     *timeseries.Options `msgpack:"timeseries,omitempty"`
	Collation      *models.Collation   `msgpack:"collation,omitempty"`
	Validator      models.Document     `msgpack:"validator,omitempty"`
	RoutingVersion int64               `msgpack:"routingVersion"`
}

// Store is a bbolt-backed document store.
type Store struct {
	db       *bolt.DB
	compress bool
	logger   zerolog.Logger
}

// Open opens (creating if needed) the store at cfg.Path.
func Open(cfg Config, logger zerolog.Logger) (*Store, error) {
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", cfg.Path, err)
	}
	db.NoSync = cfg.NoSync

	s := &Store{
		db:       db,
		compress: cfg.Compression == "zstd",
		logger:   logger.With().Str("component", "store").Logger(),
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(collectionsBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	s.logger.Info().Str("path", cfg.Path).Bool("compression", s.compress).Msg("Store opened")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateCollection registers a collection and its options. Fails if the
// collection already exists.
func (s *Store) CreateCollection(ns models.Namespace, opts CollectionOptions) error {
	if opts.Timeseries != nil {
		if err := opts.Timeseries.Validate(); err != nil {
			return err
		}
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(collectionsBucket))
		if meta.Get([]byte(ns.String())) != nil {
			return status.Errorf(status.CodeIllegalOperation, "collection %s already exists", ns)
		}
		raw, err := msgpack.Marshal(&opts)
		if err != nil {
			return fmt.Errorf("failed to encode collection options: %w", err)
		}
		if err := meta.Put([]byte(ns.String()), raw); err != nil {
			return err
		}
		_, err = tx.CreateBucketIfNotExists([]byte(ns.String()))
		return err
	})
}

// DropCollection removes a collection and its documents.
func (s *Store) DropCollection(ns models.Namespace) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(collectionsBucket)).Delete([]byte(ns.String())); err != nil {
			return err
		}
		if tx.Bucket([]byte(ns.String())) != nil {
			return tx.DeleteBucket([]byte(ns.String()))
		}
		return nil
	})
}

// Options returns the collection's options, and whether it exists.
func (s *Store) Options(ns models.Namespace) (*CollectionOptions, bool, error) {
	var opts *CollectionOptions
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(collectionsBucket)).Get([]byte(ns.String()))
		if raw == nil {
			return nil
		}
		opts = &CollectionOptions{}
		return msgpack.Unmarshal(raw, opts)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to read options for %s: %w", ns, err)
	}
	return opts, opts != nil, nil
}

// SetRoutingVersion bumps the collection's routing version; writes carrying
// an older expected version fail as stale.
func (s *Store) SetRoutingVersion(ns models.Namespace, version int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(collectionsBucket))
		raw := meta.Get([]byte(ns.String()))
		if raw == nil {
			return status.Errorf(status.CodeNamespaceNotFound, "collection %s not found", ns)
		}
		var opts CollectionOptions
		if err := msgpack.Unmarshal(raw, &opts); err != nil {
			return err
		}
		opts.RoutingVersion = version
		out, err := msgpack.Marshal(&opts)
		if err != nil {
			return err
		}
		return meta.Put([]byte(ns.String()), out)
	})
}

// keyFor renders a document _id as a stable key.
func keyFor(id any) ([]byte, error) {
	switch v := id.(type) {
	case string:
		return []byte("s" + v), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		var f float64
		switch n := v.(type) {
		case float64:
			f = n
		case float32:
			f = float64(n)
		default:
			f, _ = strconv.ParseFloat(fmt.Sprint(n), 64)
		}
		return []byte("n" + strconv.FormatFloat(f, 'g', -1, 64)), nil
	case time.Time:
		return []byte("t" + strconv.FormatInt(v.UnixNano(), 10)), nil
	case nil:
		return nil, status.New(status.CodeBadValue, "document is missing _id")
	default:
		return nil, status.Errorf(status.CodeBadValue, "unsupported _id type %T", id)
	}
}

// Insert stores one document keyed by its _id. Duplicate ids fail with a
// duplicate-key error. The collection is created implicitly if absent.
func (s *Store) Insert(ctx context.Context, ns models.Namespace, doc models.Document) error {
	if err := ctx.Err(); err != nil {
		return status.Errorf(status.CodeInterrupted, "insert interrupted: %v", err)
	}

	key, err := keyFor(doc["_id"])
	if err != nil {
		return err
	}
	value, err := s.encodeDocument(doc)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(ns.String()))
		if err != nil {
			return err
		}
		if b.Get(key) != nil {
			return status.Errorf(status.CodeDuplicateKey,
				"E11000 duplicate key error collection: %s dup key: { _id: %v }", ns, doc["_id"]).
				WithInfo(models.Document{"keyValue": models.Document{"_id": doc["_id"]}})
		}
		return b.Put(key, value)
	})
}

// Get returns the document with the given _id.
func (s *Store) Get(ctx context.Context, ns models.Namespace, id any) (models.Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, status.Errorf(status.CodeInterrupted, "read interrupted: %v", err)
	}

	key, err := keyFor(id)
	if err != nil {
		return nil, false, err
	}

	var doc models.Document
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ns.String()))
		if b == nil {
			return nil
		}
		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		var derr error
		doc, derr = s.decodeDocument(raw)
		return derr
	})
	if err != nil {
		return nil, false, err
	}
	return doc, doc != nil, nil
}

// Replace overwrites the document with the given _id. Returns the matched
// and modified counts; with upsert, a missing document is created and its
// id returned.
func (s *Store) Replace(ctx context.Context, ns models.Namespace, id any, doc models.Document, upsert bool) (n, nModified int64, upsertedID any, err error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, nil, status.Errorf(status.CodeInterrupted, "update interrupted: %v", err)
	}

	key, err := keyFor(id)
	if err != nil {
		return 0, 0, nil, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b, berr := tx.CreateBucketIfNotExists([]byte(ns.String()))
		if berr != nil {
			return berr
		}
		existing := b.Get(key)
		if existing == nil {
			if !upsert {
				return nil
			}
			doc = doc.Clone()
			doc["_id"] = id
			value, eerr := s.encodeDocument(doc)
			if eerr != nil {
				return eerr
			}
			upsertedID = id
			n = 1
			return b.Put(key, value)
		}

		doc = doc.Clone()
		doc["_id"] = id
		value, eerr := s.encodeDocument(doc)
		if eerr != nil {
			return eerr
		}
		n, nModified = 1, 1
		return b.Put(key, value)
	})
	return n, nModified, upsertedID, err
}

// Delete removes the document with the given _id, returning 1 if one was
// removed.
func (s *Store) Delete(ctx context.Context, ns models.Namespace, id any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, status.Errorf(status.CodeInterrupted, "delete interrupted: %v", err)
	}

	key, err := keyFor(id)
	if err != nil {
		return 0, err
	}

	var n int64
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ns.String()))
		if b == nil || b.Get(key) == nil {
			return nil
		}
		n = 1
		return b.Delete(key)
	})
	return n, err
}

// Scan returns up to limit documents from the collection in key order.
// limit <= 0 means no limit.
func (s *Store) Scan(ctx context.Context, ns models.Namespace, limit int) ([]models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.Errorf(status.CodeInterrupted, "scan interrupted: %v", err)
	}

	var docs []models.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ns.String()))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			doc, derr := s.decodeDocument(v)
			if derr != nil {
				return derr
			}
			docs = append(docs, doc)
			if limit > 0 && len(docs) >= limit {
				return nil
			}
		}
		return nil
	})
	return docs, err
}
