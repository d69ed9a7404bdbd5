package bucketcatalog

import "github.com/strata-db/strata/pkg/models"

// minMax tracks the field-wise minimum and maximum across every measurement
// a bucket has seen, plus which bounds widened since the last drain. The
// update flags feed the control sub-diff on commit: only widened fields are
// rewritten.
type minMax struct {
	min map[string]any
	max map[string]any

	updatedMin map[string]struct{}
	updatedMax map[string]struct{}

	coll *models.Collation
}

func newMinMax(coll *models.Collation) *minMax {
	return &minMax{
		min:        make(map[string]any),
		max:        make(map[string]any),
		updatedMin: make(map[string]struct{}),
		updatedMax: make(map[string]struct{}),
		coll:       coll,
	}
}

// Update folds one measurement in, skipping the metadata field.
func (m *minMax) Update(doc models.Document, metaField string) {
	for field, value := range doc {
		if metaField != "" && field == metaField {
			continue
		}
		cur, ok := m.min[field]
		if !ok || models.Compare(value, cur, m.coll) < 0 {
			m.min[field] = value
			m.updatedMin[field] = struct{}{}
		}
		cur, ok = m.max[field]
		if !ok || models.Compare(value, cur, m.coll) > 0 {
			m.max[field] = value
			m.updatedMax[field] = struct{}{}
		}
	}
}

// Min returns the full minimum document and clears the pending update flags.
func (m *minMax) Min() models.Document {
	out := make(models.Document, len(m.min))
	for k, v := range m.min {
		out[k] = v
	}
	m.updatedMin = make(map[string]struct{})
	return out
}

// Max returns the full maximum document and clears the pending update flags.
func (m *minMax) Max() models.Document {
	out := make(models.Document, len(m.max))
	for k, v := range m.max {
		out[k] = v
	}
	m.updatedMax = make(map[string]struct{})
	return out
}

// MinUpdates drains the fields whose minimum widened since the last drain.
func (m *minMax) MinUpdates() models.Document {
	if len(m.updatedMin) == 0 {
		return nil
	}
	out := make(models.Document, len(m.updatedMin))
	for k := range m.updatedMin {
		out[k] = m.min[k]
	}
	m.updatedMin = make(map[string]struct{})
	return out
}

// MaxUpdates drains the fields whose maximum widened since the last drain.
func (m *minMax) MaxUpdates() models.Document {
	if len(m.updatedMax) == 0 {
		return nil
	}
	out := make(models.Document, len(m.updatedMax))
	for k := range m.updatedMax {
		out[k] = m.max[k]
	}
	m.updatedMax = make(map[string]struct{})
	return out
}
