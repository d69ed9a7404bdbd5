package models

import "fmt"

// WriteError is one per-operation failure inside a command reply. Index is
// the position of the failed operation in the request batch.
type WriteError struct {
	Index   int      `msgpack:"index" json:"index"`
	Code    int32    `msgpack:"code" json:"code"`
	Errmsg  string   `msgpack:"errmsg" json:"errmsg"`
	ErrInfo Document `msgpack:"errInfo,omitempty" json:"errInfo,omitempty"`
}

func (e WriteError) String() string {
	return fmt.Sprintf("writeError{index:%d code:%d %s}", e.Index, e.Code, e.Errmsg)
}

// Upserted records the _id a direct update created, by request index.
type Upserted struct {
	Index int `msgpack:"index" json:"index"`
	ID    any `msgpack:"_id" json:"_id"`
}

// OpTime is the logical time a write replicated at. Term advances on
// election, Counter on every acknowledged physical write.
type OpTime struct {
	Term    int64 `msgpack:"t" json:"t"`
	Counter int64 `msgpack:"ts" json:"ts"`
}

// IsZero reports whether the op time carries no stamp.
func (o OpTime) IsZero() bool {
	return o.Term == 0 && o.Counter == 0
}

// After reports whether o is strictly later than other.
func (o OpTime) After(other OpTime) bool {
	if o.Term != other.Term {
		return o.Term > other.Term
	}
	return o.Counter > other.Counter
}

// Max returns the later of the two op times.
func (o OpTime) Max(other OpTime) OpTime {
	if other.After(o) {
		return other
	}
	return o
}
