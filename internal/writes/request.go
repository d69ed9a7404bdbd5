// Package writes implements the write command layer: request parsing,
// capability-set dispatch, the direct document path, the time-series bucket
// path, and reply assembly.
package writes

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/strata-db/strata/internal/status"
	"github.com/strata-db/strata/pkg/models"
)

// OpKind tags a parsed command.
type OpKind int

const (
	OpInsert OpKind = iota
	OpUpdate
	OpDelete
	OpFind
	OpGetMore
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpFind:
		return "find"
	case OpGetMore:
		return "getMore"
	}
	return "unknown"
}

// Base carries the fields shared by every write command.
type Base struct {
	NS                       models.Namespace
	Ordered                  bool
	BypassDocumentValidation bool

	// Retryable-write context. StmtID is the base id for position-derived
	// statement ids; StmtIDs, when present, supplies one id per operation.
	StmtID    *int32
	StmtIDs   []int32
	SessionID *uuid.UUID
	TxnNumber *int64
	InTxn     bool

	// RoutingVersion is the router's view of the collection placement, if
	// the request came through a router.
	RoutingVersion *int64
}

// Retryable reports whether the command participates in retryable writes.
func (b *Base) Retryable() bool {
	return b.SessionID != nil && b.TxnNumber != nil && !b.InTxn
}

// EffectiveStmtID returns the statement id for the operation at index.
func (b *Base) EffectiveStmtID(index int) int32 {
	if len(b.StmtIDs) > 0 {
		return b.StmtIDs[index]
	}
	var base int32
	if b.StmtID != nil {
		base = *b.StmtID
	}
	return base + int32(index)
}

// InsertRequest is a parsed insert command.
type InsertRequest struct {
	Base
	Documents []models.Document
}

// UpdateOp is one entry of an update command. Only replacement updates by
// _id are supported on the direct path.
type UpdateOp struct {
	Filter models.Document
	Update models.Document
	Upsert bool
	Multi  bool
}

// UpdateRequest is a parsed update command.
type UpdateRequest struct {
	Base
	Updates []UpdateOp
}

// DeleteOp is one entry of a delete command.
type DeleteOp struct {
	Filter models.Document
	Limit  int
}

// DeleteRequest is a parsed delete command.
type DeleteRequest struct {
	Base
	Deletes []DeleteOp
}

// FindRequest is a parsed find command.
type FindRequest struct {
	NS        models.Namespace
	BatchSize int
	Limit     int
}

// GetMoreRequest is a parsed getMore command.
type GetMoreRequest struct {
	NS        models.Namespace
	CursorID  int64
	BatchSize int
}

// Request is the tagged union handed to the dispatcher.
type Request struct {
	Kind    OpKind
	Insert  *InsertRequest
	Update  *UpdateRequest
	Delete  *DeleteRequest
	Find    *FindRequest
	GetMore *GetMoreRequest
}

// NS returns the request's target namespace.
func (r *Request) NS() models.Namespace {
	switch r.Kind {
	case OpInsert:
		return r.Insert.NS
	case OpUpdate:
		return r.Update.NS
	case OpDelete:
		return r.Delete.NS
	case OpFind:
		return r.Find.NS
	case OpGetMore:
		return r.GetMore.NS
	}
	return models.Namespace{}
}

// Parse turns a command document into a Request. The command's first key
// names the operation and holds the collection name.
func Parse(db string, cmd models.Document) (*Request, error) {
	for _, kind := range []struct {
		key  string
		op   OpKind
	}{
		{"insert", OpInsert},
		{"update", OpUpdate},
		{"delete", OpDelete},
		{"find", OpFind},
		{"getMore", OpGetMore},
	} {
		if _, ok := cmd[kind.key]; ok {
			return parseKind(db, kind.op, kind.key, cmd)
		}
	}
	return nil, status.New(status.CodeBadValue, "unrecognized command")
}

func parseKind(db string, op OpKind, key string, cmd models.Document) (*Request, error) {
	if op == OpGetMore {
		return parseGetMore(db, cmd)
	}

	coll, ok := cmd[key].(string)
	if !ok || coll == "" {
		return nil, status.Errorf(status.CodeBadValue, "%s requires a collection name", key)
	}
	ns := models.Namespace{Database: db, Collection: coll}

	switch op {
	case OpInsert:
		base, err := parseBase(ns, cmd)
		if err != nil {
			return nil, err
		}
		docs, err := documentSlice(cmd["documents"])
		if err != nil || len(docs) == 0 {
			return nil, status.New(status.CodeInvalidLength, "insert requires a non-empty documents array")
		}
		return &Request{Kind: OpInsert, Insert: &InsertRequest{Base: base, Documents: docs}}, nil

	case OpUpdate:
		base, err := parseBase(ns, cmd)
		if err != nil {
			return nil, err
		}
		raw, err := documentSlice(cmd["updates"])
		if err != nil || len(raw) == 0 {
			return nil, status.New(status.CodeInvalidLength, "update requires a non-empty updates array")
		}
		ops := make([]UpdateOp, 0, len(raw))
		for _, entry := range raw {
			filter, _ := models.AsDocument(entry["q"])
			update, _ := models.AsDocument(entry["u"])
			if filter == nil || update == nil {
				return nil, status.New(status.CodeBadValue, "update entries require q and u documents")
			}
			upsert, _ := entry["upsert"].(bool)
			multi, _ := entry["multi"].(bool)
			ops = append(ops, UpdateOp{Filter: filter, Update: update, Upsert: upsert, Multi: multi})
		}
		return &Request{Kind: OpUpdate, Update: &UpdateRequest{Base: base, Updates: ops}}, nil

	case OpDelete:
		base, err := parseBase(ns, cmd)
		if err != nil {
			return nil, err
		}
		raw, err := documentSlice(cmd["deletes"])
		if err != nil || len(raw) == 0 {
			return nil, status.New(status.CodeInvalidLength, "delete requires a non-empty deletes array")
		}
		ops := make([]DeleteOp, 0, len(raw))
		for _, entry := range raw {
			filter, _ := models.AsDocument(entry["q"])
			if filter == nil {
				return nil, status.New(status.CodeBadValue, "delete entries require a q document")
			}
			limit := 0
			if v, ok := asInt64(entry["limit"]); ok {
				limit = int(v)
			}
			ops = append(ops, DeleteOp{Filter: filter, Limit: limit})
		}
		return &Request{Kind: OpDelete, Delete: &DeleteRequest{Base: base, Deletes: ops}}, nil

	case OpFind:
		req := &FindRequest{NS: ns}
		if v, ok := asInt64(cmd["batchSize"]); ok {
			req.BatchSize = int(v)
		}
		if v, ok := asInt64(cmd["limit"]); ok {
			req.Limit = int(v)
		}
		return &Request{Kind: OpFind, Find: req}, nil
	}
	return nil, status.Errorf(status.CodeInternal, "unhandled op kind %v", op)
}

func parseGetMore(db string, cmd models.Document) (*Request, error) {
	id, ok := asInt64(cmd["getMore"])
	if !ok {
		return nil, status.New(status.CodeBadValue, "getMore requires a numeric cursor id")
	}
	coll, ok := cmd["collection"].(string)
	if !ok || coll == "" {
		return nil, status.New(status.CodeBadValue, "getMore requires a collection name")
	}
	req := &GetMoreRequest{
		NS:       models.Namespace{Database: db, Collection: coll},
		CursorID: id,
	}
	if v, ok := asInt64(cmd["batchSize"]); ok {
		req.BatchSize = int(v)
	}
	return &Request{Kind: OpGetMore, GetMore: req}, nil
}

func parseBase(ns models.Namespace, cmd models.Document) (Base, error) {
	base := Base{NS: ns, Ordered: true}
	if v, ok := cmd["ordered"].(bool); ok {
		base.Ordered = v
	}
	if v, ok := cmd["bypassDocumentValidation"].(bool); ok {
		base.BypassDocumentValidation = v
	}
	if v, ok := asInt64(cmd["stmtId"]); ok {
		id := int32(v)
		base.StmtID = &id
	}
	if raw, ok := cmd["stmtIds"].([]any); ok {
		for _, entry := range raw {
			v, ok := asInt64(entry)
			if !ok {
				return base, status.New(status.CodeBadValue, "stmtIds entries must be integers")
			}
			base.StmtIDs = append(base.StmtIDs, int32(v))
		}
	}
	if v, ok := cmd["lsid"].(string); ok {
		id, err := uuid.Parse(v)
		if err != nil {
			return base, status.Errorf(status.CodeBadValue, "invalid lsid: %v", err)
		}
		base.SessionID = &id
	}
	if v, ok := asInt64(cmd["txnNumber"]); ok {
		base.TxnNumber = &v
	}
	if v, ok := cmd["autocommit"].(bool); ok && !v {
		base.InTxn = true
	}
	if v, ok := asInt64(cmd["routingVersion"]); ok {
		base.RoutingVersion = &v
	}
	// writeConcern is accepted for wire compatibility. The embedded store
	// acknowledges on commit, so there is nothing further to wait for.
	if raw, present := cmd["writeConcern"]; present && raw != nil {
		if _, ok := models.AsDocument(raw); !ok {
			return base, status.New(status.CodeBadValue, "writeConcern must be a document")
		}
	}
	return base, nil
}

func documentSlice(v any) ([]models.Document, error) {
	raw, ok := v.([]any)
	if !ok {
		if docs, ok := v.([]models.Document); ok {
			return docs, nil
		}
		return nil, fmt.Errorf("expected an array of documents")
	}
	docs := make([]models.Document, 0, len(raw))
	for _, entry := range raw {
		doc, ok := models.AsDocument(entry)
		if !ok {
			return nil, fmt.Errorf("array entries must be documents")
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	}
	return 0, false
}
