// Package status carries coded errors across the write path. A *status.Error
// holds a stable numeric code, a message, and an optional info document that
// reply assembly serializes under errInfo.
package status

import (
	"errors"
	"fmt"

	"github.com/strata-db/strata/pkg/models"
)

// Code identifies an error class on the wire.
type Code int32

const (
	CodeOK                        Code = 0
	CodeInternal                  Code = 1
	CodeBadValue                  Code = 2
	CodeIllegalOperation          Code = 20
	CodeNamespaceNotFound         Code = 26
	CodeCursorNotFound            Code = 43
	CodeExceededTimeLimit         Code = 50
	CodeStaleRoutingVersion       Code = 63
	CodeInvalidOptions            Code = 72
	CodeDocumentValidationFailure Code = 121
	CodeFailPointEnabled          Code = 192
	CodeMigrationAborted          Code = 325
	CodeMigrationConflict         Code = 326
	CodeMigrationCommitted        Code = 327
	CodeDuplicateKey              Code = 11000
	CodeInterrupted               Code = 11601
	CodeInvalidLength             Code = 16819
	CodeStaleRoutingInfo          Code = 13388

	// Time-series specific codes.
	CodeBucketCleared      Code = 5100
	CodeInvalidMeasurement Code = 5101
)

// Error is a coded error with optional structured info.
type Error struct {
	code Code
	msg  string
	info models.Document
}

func New(code Code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

func Errorf(code Code, format string, args ...any) *Error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...)}
}

// WithInfo attaches an info document, returning the same error.
func (e *Error) WithInfo(info models.Document) *Error {
	e.info = info
	return e
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%d] %s", e.code, e.msg)
}

func (e *Error) Code() Code             { return e.code }
func (e *Error) Message() string        { return e.msg }
func (e *Error) Info() models.Document  { return e.info }

// CodeOf extracts the code from any error. Non-status errors map to
// CodeInternal; nil maps to CodeOK.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.code
	}
	return CodeInternal
}

// MessageOf returns the bare message, without the code prefix, of any error.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.msg
	}
	return err.Error()
}

// InfoOf returns the attached info document, if any.
func InfoOf(err error) models.Document {
	var se *Error
	if errors.As(err, &se) {
		return se.info
	}
	return nil
}

// IsMigrationError reports whether the code belongs to the tenant-migration
// family.
func IsMigrationError(c Code) bool {
	return c == CodeMigrationConflict || c == CodeMigrationCommitted || c == CodeMigrationAborted
}

// IsStaleRouting reports whether the code signals stale routing information.
func IsStaleRouting(c Code) bool {
	return c == CodeStaleRoutingInfo || c == CodeStaleRoutingVersion
}
