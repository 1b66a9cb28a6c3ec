package risk

import (
	"strings"
	"testing"
	"time"
)

func TestFetchFailureDeactivatesAtCap(t *testing.T) {
	rec := newLongRecord()
	rec.MaxFetchFailures = 3
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if HandleFetchFailure(rec, now) || HandleFetchFailure(rec, now) {
		t.Fatal("Deactivation must not fire below the failure cap")
	}
	if !rec.Active {
		t.Fatal("Record should still be active below the cap")
	}

	if !HandleFetchFailure(rec, now) {
		t.Fatal("Third consecutive failure should deactivate")
	}
	if rec.Active || rec.PendingClose {
		t.Error("Deactivated record must not keep ticking")
	}
	if !strings.Contains(rec.CloseReason, "3 consecutive fetch failures") {
		t.Errorf("Unexpected close reason %q", rec.CloseReason)
	}
	if rec.ClosedAt == nil {
		t.Error("Deactivation should stamp closed_at")
	}
}

func TestFetchFailureCounterResets(t *testing.T) {
	rec := newLongRecord()
	rec.MaxFetchFailures = 3

	HandleFetchFailure(rec, time.Now())
	HandleFetchFailure(rec, time.Now())
	ResetFetchFailures(rec)
	if rec.ConsecutiveFetchFailures != 0 {
		t.Errorf("Expected counter reset, got %d", rec.ConsecutiveFetchFailures)
	}
	if HandleFetchFailure(rec, time.Now()) {
		t.Error("A single failure after reset must not deactivate")
	}
}

func TestFetchFailureCapDisabledWhenZero(t *testing.T) {
	rec := newLongRecord()
	rec.MaxFetchFailures = 0

	for i := 0; i < 50; i++ {
		if HandleFetchFailure(rec, time.Now()) {
			t.Fatal("Cap of zero disables forced deactivation")
		}
	}
	if !rec.Active {
		t.Error("Record should remain active with the cap disabled")
	}
}
