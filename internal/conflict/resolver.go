// Package conflict decides, per record, whether the local or the remote
// version wins. The same rule serves the push path (send unless the remote
// copy supersedes ours) and the pull path (apply unless our copy supersedes
// the remote one), so the two directions can never both act on one record
// in one cycle.
package conflict

import (
	"strings"
	"time"
)

type Decision int

const (
	// LocalWins: the local copy is authoritative. Push it; do not overwrite it.
	LocalWins Decision = iota
	// RemoteWins: the remote copy is authoritative. Apply it; do not push.
	RemoteWins
	// Indeterminate: no usable ordering information on one or both sides.
	// Callers proceed with whatever operation is underway — a missing
	// timestamp must never stall convergence.
	Indeterminate
)

// Resolver normalizes both timestamps to UTC before comparing. Local
// timestamps are naive values recorded in the database server's wall-clock
// zone; they are interpreted in loc rather than shifted by a fixed offset,
// so comparisons stay correct across daylight-saving transitions.
type Resolver struct {
	loc       *time.Location
	tolerance time.Duration
}

func New(loc *time.Location, tolerance time.Duration) *Resolver {
	if loc == nil {
		loc = time.UTC
	}
	return &Resolver{loc: loc, tolerance: tolerance}
}

// Resolve compares a naive local timestamp against a remote RFC3339
// timestamp string. The remote side wins whenever it is no older than the
// local side minus the tolerance window; the window absorbs clock and
// precision drift so near-simultaneous writes do not ping-pong between
// stores.
func (r *Resolver) Resolve(local time.Time, remote string) Decision {
	remoteTS, ok := parseRemote(remote)
	if local.IsZero() || !ok {
		return Indeterminate
	}

	// Reinterpret the naive local value in the configured zone. The stored
	// wall-clock fields are kept; only the zone changes.
	localUTC := time.Date(
		local.Year(), local.Month(), local.Day(),
		local.Hour(), local.Minute(), local.Second(), local.Nanosecond(),
		r.loc,
	).UTC()

	if !remoteTS.Before(localUTC.Add(-r.tolerance)) {
		return RemoteWins
	}
	return LocalWins
}

// ShouldPush reports whether the local version should be sent to the
// remote store.
func (r *Resolver) ShouldPush(local time.Time, remote string) bool {
	return r.Resolve(local, remote) != RemoteWins
}

// ShouldApply reports whether the remote version should be written over
// the local one.
func (r *Resolver) ShouldApply(local time.Time, remote string) bool {
	return r.Resolve(local, remote) != LocalWins
}

func parseRemote(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	// PostgREST emits RFC3339 with either a Z or a numeric offset, at
	// varying sub-second precision.
	raw = strings.Replace(raw, " ", "T", 1)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
