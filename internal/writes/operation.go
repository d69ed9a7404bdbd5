package writes

import (
	"context"

	"github.com/strata-db/strata/internal/status"
	"github.com/strata-db/strata/pkg/models"
)

// Operation is the capability set for one command kind. Each kind is a
// value in the table below rather than a type of its own; the dispatcher
// runs Validate, CheckAuth, then Run.
type Operation struct {
	Kind OpKind

	// Validate rejects structurally bad requests before any work happens.
	Validate func(ex *Executor, req *Request) error

	// CheckAuth verifies the request may touch its namespace.
	CheckAuth func(ex *Executor, req *Request) error

	// Run executes the command and produces the reply body.
	Run func(ctx context.Context, ex *Executor, req *Request) (models.Document, error)

	// Mirrorable, when set, derives the read that mirrors this write.
	Mirrorable func(req *Request) (models.Document, bool)
}

var operations = map[OpKind]Operation{
	OpInsert: {
		Kind:      OpInsert,
		Validate:  validateInsert,
		CheckAuth: checkAuthWrite,
		Run: func(ctx context.Context, ex *Executor, req *Request) (models.Document, error) {
			return ex.runInsert(ctx, req.Insert)
		},
	},
	OpUpdate: {
		Kind:      OpUpdate,
		Validate:  validateUpdate,
		CheckAuth: checkAuthWrite,
		Run: func(ctx context.Context, ex *Executor, req *Request) (models.Document, error) {
			return ex.runUpdate(ctx, req.Update)
		},
		Mirrorable: func(req *Request) (models.Document, bool) {
			if len(req.Update.Updates) == 0 {
				return nil, false
			}
			// Mirror the first update's filter as a point read.
			return models.Document{
				"find":      req.Update.NS.Collection,
				"filter":    req.Update.Updates[0].Filter,
				"batchSize": 1,
			}, true
		},
	},
	OpDelete: {
		Kind:      OpDelete,
		Validate:  validateDelete,
		CheckAuth: checkAuthWrite,
		Run: func(ctx context.Context, ex *Executor, req *Request) (models.Document, error) {
			return ex.runDelete(ctx, req.Delete)
		},
	},
	OpFind: {
		Kind:      OpFind,
		Validate:  func(*Executor, *Request) error { return nil },
		CheckAuth: checkAuthRead,
		Run: func(ctx context.Context, ex *Executor, req *Request) (models.Document, error) {
			return ex.runFind(ctx, req.Find)
		},
	},
	OpGetMore: {
		Kind:      OpGetMore,
		Validate:  func(*Executor, *Request) error { return nil },
		CheckAuth: checkAuthRead,
		Run: func(ctx context.Context, ex *Executor, req *Request) (models.Document, error) {
			return ex.runGetMore(ctx, req.GetMore)
		},
	},
}

// Dispatch validates and runs the request.
func Dispatch(ctx context.Context, ex *Executor, req *Request) (models.Document, error) {
	op, ok := operations[req.Kind]
	if !ok {
		return nil, status.Errorf(status.CodeInternal, "no operation for kind %v", req.Kind)
	}
	if err := op.Validate(ex, req); err != nil {
		return nil, err
	}
	if err := op.CheckAuth(ex, req); err != nil {
		return nil, err
	}
	return op.Run(ctx, ex, req)
}

func validateInsert(ex *Executor, req *Request) error {
	r := req.Insert
	if len(r.Documents) > ex.cfg.MaxBatchSize {
		return status.Errorf(status.CodeInvalidLength,
			"insert batch of %d exceeds maximum of %d", len(r.Documents), ex.cfg.MaxBatchSize)
	}
	if len(r.StmtIDs) > 0 && len(r.StmtIDs) != len(r.Documents) {
		return status.New(status.CodeInvalidLength, "stmtIds must match the number of documents")
	}
	return nil
}

func validateUpdate(ex *Executor, req *Request) error {
	r := req.Update
	if len(r.Updates) > ex.cfg.MaxBatchSize {
		return status.Errorf(status.CodeInvalidLength,
			"update batch of %d exceeds maximum of %d", len(r.Updates), ex.cfg.MaxBatchSize)
	}
	if len(r.StmtIDs) > 0 && len(r.StmtIDs) != len(r.Updates) {
		return status.New(status.CodeInvalidLength, "stmtIds must match the number of updates")
	}
	return nil
}

func validateDelete(ex *Executor, req *Request) error {
	r := req.Delete
	if len(r.Deletes) > ex.cfg.MaxBatchSize {
		return status.Errorf(status.CodeInvalidLength,
			"delete batch of %d exceeds maximum of %d", len(r.Deletes), ex.cfg.MaxBatchSize)
	}
	return nil
}

func checkAuthWrite(ex *Executor, req *Request) error {
	ns := req.NS()
	if ns.IsSystem() && !ns.IsBuckets() {
		return status.Errorf(status.CodeIllegalOperation, "cannot write to system collection %s", ns)
	}
	return nil
}

func checkAuthRead(ex *Executor, req *Request) error {
	return nil
}
