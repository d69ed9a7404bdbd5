package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/strata-db/strata/internal/metrics"
	"github.com/strata-db/strata/pkg/models"
)

// Stored values carry a one-byte format tag so compression can be toggled
// without rewriting existing data.
const (
	formatRaw  byte = 0x01
	formatZstd byte = 0x02
)

// Shared zstd state; both types are documented as safe for concurrent use.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

func (s *Store) encodeDocument(doc models.Document) ([]byte, error) {
	raw, err := msgpack.Marshal(map[string]any(doc))
	if err != nil {
		metrics.Get().IncStoreErrors()
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	out := []byte{formatRaw}
	if s.compress {
		out = zstdEncoder.EncodeAll(raw, []byte{formatZstd})
	} else {
		out = append(out, raw...)
	}
	metrics.Get().IncStoreWrites()
	metrics.Get().IncStoreWriteBytes(int64(len(out)))
	return out, nil
}

func (s *Store) decodeDocument(data []byte) (models.Document, error) {
	if len(data) == 0 {
		metrics.Get().IncStoreErrors()
		return nil, fmt.Errorf("empty stored document")
	}

	payload := data[1:]
	switch data[0] {
	case formatRaw:
	case formatZstd:
		var err error
		payload, err = zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			metrics.Get().IncStoreErrors()
			return nil, fmt.Errorf("failed to decompress document: %w", err)
		}
	default:
		metrics.Get().IncStoreErrors()
		return nil, fmt.Errorf("unknown document format tag 0x%02x", data[0])
	}

	var raw map[string]any
	if err := msgpack.Unmarshal(payload, &raw); err != nil {
		metrics.Get().IncStoreErrors()
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	metrics.Get().IncStoreReads()
	return normalizeDocument(raw), nil
}

// normalizeDocument rewrites decoded map values to the Document shape used
// throughout the write path.
func normalizeDocument(m map[string]any) models.Document {
	doc := make(models.Document, len(m))
	for k, v := range m {
		doc[k] = normalizeValue(v)
	}
	return doc
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return normalizeDocument(val)
	case map[any]any:
		doc := make(models.Document, len(val))
		for k, e := range val {
			doc[fmt.Sprint(k)] = normalizeValue(e)
		}
		return doc
	case []any:
		for i, e := range val {
			val[i] = normalizeValue(e)
		}
		return val
	default:
		return v
	}
}
