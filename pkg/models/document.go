package models

import (
	"fmt"
	"strings"
)

// Document is the generic structured document flowing through the write path:
// user measurements, bucket documents, command bodies and error info objects.
// Field order is not significant; deterministic encodings sort keys.
type Document map[string]any

// Clone returns a deep copy of the document. Nested documents and arrays are
// copied; scalar values are shared.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Document:
		return val.Clone()
	case map[string]any:
		return Document(val).Clone()
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Lookup returns the value for a (possibly dotted) path.
func (d Document) Lookup(path string) (any, bool) {
	cur := any(d)
	for _, part := range strings.Split(path, ".") {
		doc, ok := asDocument(cur)
		if !ok {
			return nil, false
		}
		cur, ok = doc[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// asDocument normalizes the two map shapes a decoded payload may carry.
func asDocument(v any) (Document, bool) {
	switch val := v.(type) {
	case Document:
		return val, true
	case map[string]any:
		return Document(val), true
	default:
		return nil, false
	}
}

// AsDocument converts a decoded value to a Document if it has map shape.
func AsDocument(v any) (Document, bool) {
	return asDocument(v)
}

// Namespace identifies a collection within a database.
type Namespace struct {
	Database   string
	Collection string
}

// bucketsPrefix marks the physical collection backing a time-series
// collection. Measurements are never stored under the logical namespace.
const bucketsPrefix = "buckets."

// ParseNamespace parses "db.collection" into a Namespace.
func ParseNamespace(s string) (Namespace, error) {
	i := strings.Index(s, ".")
	if i <= 0 || i == len(s)-1 {
		return Namespace{}, fmt.Errorf("invalid namespace %q", s)
	}
	return Namespace{Database: s[:i], Collection: s[i+1:]}, nil
}

func (ns Namespace) String() string {
	return ns.Database + "." + ns.Collection
}

// Buckets returns the namespace of the physical buckets collection backing
// this time-series namespace.
func (ns Namespace) Buckets() Namespace {
	return Namespace{Database: ns.Database, Collection: bucketsPrefix + ns.Collection}
}

// IsBuckets reports whether this namespace is itself a buckets collection.
func (ns Namespace) IsBuckets() bool {
	return strings.HasPrefix(ns.Collection, bucketsPrefix)
}

// IsSystem reports whether the namespace is reserved for internal use.
func (ns Namespace) IsSystem() bool {
	return strings.HasPrefix(ns.Collection, "system.") || ns.IsBuckets()
}
