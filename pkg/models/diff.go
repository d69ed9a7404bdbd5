package models

// BucketDiff is the compact patch a committed batch applies to an existing
// bucket document: widened control bounds plus appended data entries. Data
// maps use dense decimal string indices ("0", "1", ...) continuing from the
// bucket's committed measurement count.
type BucketDiff struct {
	// ControlMin / ControlMax carry only the fields whose bounds widened.
	ControlMin Document `msgpack:"controlMin,omitempty" json:"controlMin,omitempty"`
	ControlMax Document `msgpack:"controlMax,omitempty" json:"controlMax,omitempty"`

	// DataNew inserts a whole data.<field> subdocument for fields the bucket
	// has never stored. DataExtend appends entries to an existing one.
	DataNew    map[string]Document `msgpack:"dataNew,omitempty" json:"dataNew,omitempty"`
	DataExtend map[string]Document `msgpack:"dataExtend,omitempty" json:"dataExtend,omitempty"`
}

// Empty reports whether the diff would not modify the bucket at all.
func (d *BucketDiff) Empty() bool {
	return d == nil ||
		(len(d.ControlMin) == 0 && len(d.ControlMax) == 0 &&
			len(d.DataNew) == 0 && len(d.DataExtend) == 0)
}
