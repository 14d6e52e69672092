package department

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fekuna/omnipos-sync-agent/internal/model"
)

func TestResolveReturnsRawPaddedID(t *testing.T) {
	r := NewResolver()
	r.Prime([]model.LocalDepartment{
		{DeptID: "GROC      "},
		{DeptID: "TOBACCO "},
	})

	assert.Equal(t, "GROC      ", r.Resolve("GROC"))
	assert.Equal(t, "TOBACCO ", r.Resolve("TOBACCO"))
	// Padded input resolves the same as trimmed input.
	assert.Equal(t, "GROC      ", r.Resolve("GROC   "))
}

func TestResolveFallsBackToTrimmedWhenUnmapped(t *testing.T) {
	r := NewResolver()
	r.Prime(nil)

	assert.Equal(t, "BEER", r.Resolve("BEER"))
	assert.Equal(t, "BEER", r.Resolve("  BEER  "))
}

func TestPrimeReplacesPreviousCycleMapping(t *testing.T) {
	r := NewResolver()
	r.Prime([]model.LocalDepartment{{DeptID: "OLD  "}})
	r.Prime([]model.LocalDepartment{{DeptID: "NEW  "}})

	assert.Equal(t, "NEW  ", r.Resolve("NEW"))
	// The stale entry is gone, so the trimmed fallback applies.
	assert.Equal(t, "OLD", r.Resolve("OLD"))
}
