// risk/fetch.go
package risk

import (
	"fmt"
	"time"

	"trailguard/state"
)

// HandleFetchFailure records one failed price fetch for a position. When
// the consecutive-failure cap is reached the record is force-deactivated:
// an explicit terminal state, not retried, until manually re-armed. The
// caller must persist the record either way.
func HandleFetchFailure(rec *state.PositionRecord, now time.Time) (deactivated bool) {
	rec.ConsecutiveFetchFailures++
	if rec.MaxFetchFailures > 0 && rec.ConsecutiveFetchFailures >= rec.MaxFetchFailures {
		rec.Active = false
		rec.PendingClose = false
		rec.CloseReason = fmt.Sprintf("auto-deactivated: %d consecutive fetch failures", rec.ConsecutiveFetchFailures)
		closedAt := now
		rec.ClosedAt = &closedAt
		return true
	}
	return false
}

// ResetFetchFailures clears the failure counter after a successful fetch.
func ResetFetchFailures(rec *state.PositionRecord) {
	rec.ConsecutiveFetchFailures = 0
}
