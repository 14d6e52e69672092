// Package department maps department identifiers between their trimmed
// form (used for all comparisons and cross-store lookups) and the raw,
// possibly padded form stored in the local fixed-width schema. Inserts that
// reference a department must use the raw form or the foreign key rejects
// them.
package department

import (
	"strings"

	"github.com/fekuna/omnipos-sync-agent/internal/model"
)

type Resolver struct {
	byTrimmed map[string]string
}

func NewResolver() *Resolver {
	return &Resolver{byTrimmed: map[string]string{}}
}

// Prime rebuilds the mapping from the local department list. Called once
// per cycle, before transfers and inventory are processed, so the map never
// outlives the rows it was built from.
func (r *Resolver) Prime(depts []model.LocalDepartment) {
	r.byTrimmed = make(map[string]string, len(depts))
	for _, d := range depts {
		r.byTrimmed[d.Key()] = d.DeptID
	}
}

// Resolve returns the raw stored identifier for a trimmed department id,
// falling back to the trimmed value when unmapped. Callers treat the
// fallback as "not yet known locally" and rely on the local store's
// auto-create path to materialize the row.
func (r *Resolver) Resolve(trimmed string) string {
	trimmed = strings.TrimSpace(trimmed)
	if raw, ok := r.byTrimmed[trimmed]; ok {
		return raw
	}
	return trimmed
}
