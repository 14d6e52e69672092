package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tolerance = 3 * time.Second

func newUTCResolver() *Resolver {
	return New(time.UTC, tolerance)
}

func TestResolveBothSidesOfToleranceBoundary(t *testing.T) {
	r := newUTCResolver()
	local := time.Date(2026, 8, 30, 12, 0, 10, 0, time.UTC)

	tests := []struct {
		name   string
		remote string
		want   Decision
	}{
		{"remote clearly newer", "2026-08-30T12:00:20Z", RemoteWins},
		{"remote equal", "2026-08-30T12:00:10Z", RemoteWins},
		{"remote inside tolerance window", "2026-08-30T12:00:08Z", RemoteWins},
		{"remote exactly at boundary", "2026-08-30T12:00:07Z", RemoteWins},
		{"remote just past boundary", "2026-08-30T12:00:06.999Z", LocalWins},
		{"remote clearly older", "2026-08-30T11:59:00Z", LocalWins},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(local, tt.remote))
		})
	}
}

func TestResolveInterpretsLocalInConfiguredZone(t *testing.T) {
	chicago, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	r := New(chicago, tolerance)

	// August: CDT, UTC-5. Naive local 12:00 means 17:00 UTC.
	local := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, RemoteWins, r.Resolve(local, "2026-08-30T17:00:00Z"))
	assert.Equal(t, LocalWins, r.Resolve(local, "2026-08-30T16:00:00Z"))

	// January: CST, UTC-6. The same wall-clock time converts differently;
	// an additive constant offset would get one of these wrong.
	winter := time.Date(2026, 1, 30, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, RemoteWins, r.Resolve(winter, "2026-01-30T18:00:00Z"))
	assert.Equal(t, LocalWins, r.Resolve(winter, "2026-01-30T17:00:00Z"))
}

func TestResolveMissingTimestampsProceed(t *testing.T) {
	r := newUTCResolver()
	local := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, Indeterminate, r.Resolve(time.Time{}, "2026-08-30T12:00:00Z"))
	assert.Equal(t, Indeterminate, r.Resolve(local, ""))
	assert.Equal(t, Indeterminate, r.Resolve(local, "not-a-timestamp"))
	assert.Equal(t, Indeterminate, r.Resolve(time.Time{}, ""))

	// Absence of ordering information never blocks either direction.
	assert.True(t, r.ShouldPush(time.Time{}, ""))
	assert.True(t, r.ShouldApply(time.Time{}, ""))
}

func TestShouldPushAndShouldApplyAreComplementaryWhenOrdered(t *testing.T) {
	r := newUTCResolver()
	local := time.Date(2026, 8, 30, 12, 0, 10, 0, time.UTC)

	// Remote newer: apply, don't push.
	assert.False(t, r.ShouldPush(local, "2026-08-30T12:00:30Z"))
	assert.True(t, r.ShouldApply(local, "2026-08-30T12:00:30Z"))

	// Local newer: push, don't apply.
	assert.True(t, r.ShouldPush(local, "2026-08-30T11:00:00Z"))
	assert.False(t, r.ShouldApply(local, "2026-08-30T11:00:00Z"))
}

func TestParseRemoteAcceptsPostgRESTVariants(t *testing.T) {
	r := newUTCResolver()
	local := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	for _, remote := range []string{
		"2026-08-30T12:00:05+00:00",
		"2026-08-30T12:00:05.123456+00:00",
		"2026-08-30 12:00:05+00:00",
		"2026-08-30T12:00:05Z",
	} {
		assert.Equal(t, RemoteWins, r.Resolve(local, remote), remote)
	}
}
