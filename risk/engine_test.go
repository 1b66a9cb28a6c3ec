package risk

import (
	"math"
	"strings"
	"testing"
	"time"

	"trailguard/state"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newLongRecord builds the reference long position used across these tests:
// 0.01 BTC at 65000 with 7x leverage, one 5%-trigger / 20%-lock tier, and a
// phase-1 trail of 2% with three required breaches.
func newLongRecord() *state.PositionRecord {
	return &state.PositionRecord{
		Asset:      "BTC",
		Direction:  state.Long,
		Wallet:     "0xabc",
		EntryPrice: 65000,
		Size:       0.01,
		Leverage:   7,

		Active:             true,
		Phase:              1,
		HighWaterPrice:     65000,
		HighWaterTimestamp: t0,
		CurrentTierIndex:   -1,
		BreachDecayMode:    state.DecayHard,

		Tiers: []state.Tier{
			{Name: "tier-1", TriggerPct: 5, LockPct: 20},
		},
		Phase1: state.PhaseConfig{
			RetraceThreshold: 0.02,
			BreachesRequired: 3,
			AbsoluteFloor:    63700,
		},
		Phase2: state.PhaseConfig{
			RetraceThreshold: 0.01,
			BreachesRequired: 2,
		},
		Phase2TriggerTier: 1,

		CloseRetries: 1,
		CreatedAt:    t0,
	}
}

func alwaysClose(wallet, asset, reason string) (bool, string) {
	return true, "filled"
}

func TestTickTierActivationThenBreachClose(t *testing.T) {
	rec := newLongRecord()

	res := Tick(rec, 66000, t0.Add(time.Minute), alwaysClose)

	if got, want := res.UnrealizedPnL, 10.0; math.Abs(got-want) > 1e-9 {
		t.Errorf("Expected pnl %.4f, got %.4f", want, got)
	}
	wantROE := 10.0 / (65000 * 0.01 / 7) * 100
	if math.Abs(res.ROEPct-wantROE) > 1e-6 {
		t.Errorf("Expected ROE %.4f, got %.4f", wantROE, res.ROEPct)
	}
	if !res.TierChanged || rec.CurrentTierIndex != 0 {
		t.Fatalf("Expected tier 0 to activate, got tierChanged=%v index=%d", res.TierChanged, rec.CurrentTierIndex)
	}
	if rec.TierFloorPrice == nil || math.Abs(*rec.TierFloorPrice-65200) > 1e-9 {
		t.Errorf("Expected tier floor 65200, got %v", rec.TierFloorPrice)
	}
	if rec.Phase != 1 {
		t.Errorf("Tier 0 is below the phase-2 trigger tier, expected to stay in phase 1, got phase %d", rec.Phase)
	}
	// Trailing 2% below the 66000 high water beats the 63700 absolute floor.
	if math.Abs(res.FloorPrice-64680) > 1e-9 {
		t.Errorf("Expected effective floor 64680, got %.4f", res.FloorPrice)
	}
	if res.Status != StatusTightened {
		t.Errorf("Expected status %s, got %s", StatusTightened, res.Status)
	}

	// Three consecutive ticks below the floor force the close.
	for i := 1; i <= 3; i++ {
		res = Tick(rec, 63000, t0.Add(time.Duration(i+1)*time.Minute), alwaysClose)
		if !res.Breached {
			t.Fatalf("Tick %d: expected breach at 63000 against floor %.2f", i, res.FloorPrice)
		}
		if res.BreachCount != i {
			t.Fatalf("Tick %d: expected breach count %d, got %d", i, i, res.BreachCount)
		}
	}
	if res.Status != StatusClosed {
		t.Fatalf("Expected close after 3 breaches, got status %s (reason %q)", res.Status, res.Reason)
	}
	if rec.Active || rec.PendingClose {
		t.Error("Closed record should be neither active nor pending")
	}
	if rec.ClosedAt == nil {
		t.Error("Closed record should carry a closed_at timestamp")
	}
	if !strings.Contains(res.Reason, "breached 3 consecutive times") {
		t.Errorf("Unexpected close reason %q", res.Reason)
	}
	if res.ReasonCode != CloseReasonBreach {
		t.Errorf("Expected reason code %q, got %q", CloseReasonBreach, res.ReasonCode)
	}
}

func TestFloorNeverLoosens(t *testing.T) {
	rec := newLongRecord()
	rec.Phase2TriggerTier = 0

	prevFloor := 0.0
	prices := []float64{66000, 67000, 68000, 67500, 67000}
	for i, p := range prices {
		res := Tick(rec, p, t0.Add(time.Duration(i)*time.Minute), alwaysClose)
		if res.Status == StatusClosed {
			t.Fatalf("Unexpected close at price %.0f", p)
		}
		if res.FloorPrice < prevFloor {
			t.Fatalf("Floor loosened from %.4f to %.4f at price %.0f", prevFloor, res.FloorPrice, p)
		}
		prevFloor = res.FloorPrice
	}
}

func TestShortFloorIsMirrored(t *testing.T) {
	rec := newLongRecord()
	rec.Direction = state.Short
	rec.Phase1.AbsoluteFloor = 66300

	res := Tick(rec, 64000, t0.Add(time.Minute), alwaysClose)
	// Trailing 2% above the 64000 high water beats the 66300 absolute floor.
	if math.Abs(res.FloorPrice-65280) > 1e-9 {
		t.Errorf("Expected short floor 65280, got %.4f", res.FloorPrice)
	}
	if res.Breached {
		t.Error("Price 64000 is below the short floor, should not breach")
	}

	res = Tick(rec, 65500, t0.Add(2*time.Minute), alwaysClose)
	if !res.Breached {
		t.Errorf("Price 65500 is above short floor %.2f, expected breach", res.FloorPrice)
	}
}

func TestPhase2TransitionResetsBreachCount(t *testing.T) {
	rec := newLongRecord()
	rec.Phase2TriggerTier = 0
	rec.CurrentBreachCount = 2

	res := Tick(rec, 68500, t0.Add(time.Minute), alwaysClose)
	if !res.PhaseChanged || rec.Phase != 2 {
		t.Fatalf("Expected phase-2 transition, got phaseChanged=%v phase=%d", res.PhaseChanged, rec.Phase)
	}
	if rec.CurrentBreachCount != 0 {
		t.Errorf("Phase transition must reset the breach count, got %d", rec.CurrentBreachCount)
	}
	if res.BreachesRequired != 2 {
		t.Errorf("Expected phase-2 breach requirement 2, got %d", res.BreachesRequired)
	}
}

func TestSoftDecaySteps(t *testing.T) {
	rec := newLongRecord()
	rec.BreachDecayMode = state.DecaySoft
	rec.Phase1.BreachesRequired = 5

	Tick(rec, 63000, t0.Add(1*time.Minute), alwaysClose)
	Tick(rec, 63000, t0.Add(2*time.Minute), alwaysClose)
	if rec.CurrentBreachCount != 2 {
		t.Fatalf("Expected 2 breaches, got %d", rec.CurrentBreachCount)
	}

	res := Tick(rec, 66000, t0.Add(3*time.Minute), alwaysClose)
	if res.Breached {
		t.Fatal("Recovery tick should not breach")
	}
	if rec.CurrentBreachCount != 1 {
		t.Errorf("Soft decay should step the count to 1, got %d", rec.CurrentBreachCount)
	}
}

func TestHardDecayResets(t *testing.T) {
	rec := newLongRecord()
	rec.Phase1.BreachesRequired = 5

	Tick(rec, 63000, t0.Add(1*time.Minute), alwaysClose)
	Tick(rec, 63000, t0.Add(2*time.Minute), alwaysClose)
	Tick(rec, 66000, t0.Add(3*time.Minute), alwaysClose)
	if rec.CurrentBreachCount != 0 {
		t.Errorf("Hard decay should zero the count, got %d", rec.CurrentBreachCount)
	}
}

func TestCloseRetrySucceedsWithinAttempts(t *testing.T) {
	rec := newLongRecord()
	rec.Phase1.BreachesRequired = 1
	rec.CloseRetries = 3
	rec.CloseRetryDelaySeconds = 0

	calls := 0
	closer := func(wallet, asset, reason string) (bool, string) {
		calls++
		if calls < 3 {
			return false, "exchange busy"
		}
		return true, "filled"
	}

	res := Tick(rec, 60000, t0.Add(time.Minute), closer)
	if res.Status != StatusClosed {
		t.Fatalf("Expected close on the third attempt, got %s", res.Status)
	}
	if calls != 3 {
		t.Errorf("Expected 3 close attempts, got %d", calls)
	}
	if rec.PendingClose {
		t.Error("Successful close must not leave the record pending")
	}
}

func TestCloseRetryExhaustionParksPendingThenRetries(t *testing.T) {
	rec := newLongRecord()
	rec.Phase1.BreachesRequired = 1
	rec.CloseRetries = 2
	rec.CloseRetryDelaySeconds = 0

	failing := func(wallet, asset, reason string) (bool, string) { return false, "rejected" }
	res := Tick(rec, 60000, t0.Add(time.Minute), failing)
	if res.Status != StatusPendingClose {
		t.Fatalf("Expected pending close after retry exhaustion, got %s", res.Status)
	}
	if !rec.PendingClose || !rec.ActiveOrPending() {
		t.Fatal("Record should stay in pending-close and keep ticking")
	}

	// The next tick retries unconditionally, even at a favorable price with
	// no breach in sight.
	res = Tick(rec, 66000, t0.Add(2*time.Minute), alwaysClose)
	if res.Status != StatusClosed {
		t.Fatalf("Pending close must retry regardless of price, got %s", res.Status)
	}
	if res.ReasonCode != CloseReasonPendingRetry {
		t.Errorf("Expected reason code %q, got %q", CloseReasonPendingRetry, res.ReasonCode)
	}
	if rec.Active || rec.PendingClose {
		t.Error("Record should be fully closed after the pending retry succeeds")
	}
}

func TestStagnationClose(t *testing.T) {
	rec := newLongRecord()
	rec.Stagnation = &state.StagnationConfig{MinROEPct: 5, StaleMinutes: 30, PriceBandPct: 0.5}
	rec.HighWaterPrice = 66000
	rec.HighWaterTimestamp = t0

	// In profit, hovering at the high water, 45 minutes with no progress.
	res := Tick(rec, 65900, t0.Add(45*time.Minute), alwaysClose)
	if res.Status != StatusClosed {
		t.Fatalf("Expected stagnation close, got %s (reason %q)", res.Status, res.Reason)
	}
	if !strings.Contains(res.Reason, "stagnation") {
		t.Errorf("Unexpected reason %q", res.Reason)
	}
	if res.ReasonCode != CloseReasonStagnation {
		t.Errorf("Expected reason code %q, got %q", CloseReasonStagnation, res.ReasonCode)
	}
}

func TestStagnationRequiresProfit(t *testing.T) {
	rec := newLongRecord()
	rec.Stagnation = &state.StagnationConfig{MinROEPct: 5, StaleMinutes: 30, PriceBandPct: 0.5}

	// Flat at entry: ROE ~0, below the stagnation profit gate.
	res := Tick(rec, 65000, t0.Add(2*time.Hour), alwaysClose)
	if res.Status == StatusClosed {
		t.Fatalf("Stagnation must not fire below MinROEPct, reason %q", res.Reason)
	}
}

func TestPhase1Timeout(t *testing.T) {
	rec := newLongRecord()
	rec.Phase1TimeoutMinutes = 240

	res := Tick(rec, 65100, t0.Add(241*time.Minute), alwaysClose)
	if res.Status != StatusClosed {
		t.Fatalf("Expected phase-1 timeout close, got %s", res.Status)
	}
	if !strings.Contains(res.Reason, "phase-1 timeout") {
		t.Errorf("Unexpected reason %q", res.Reason)
	}
	if res.ReasonCode != CloseReasonTimeout {
		t.Errorf("Expected reason code %q, got %q", CloseReasonTimeout, res.ReasonCode)
	}
}

func TestWeakPeakCut(t *testing.T) {
	rec := newLongRecord()
	rec.WeakPeakMinutes = 60
	rec.WeakPeakROEPct = 3

	// Peak ROE reaches ~2.15%, under the 3% threshold.
	Tick(rec, 65200, t0.Add(10*time.Minute), alwaysClose)
	// An hour in, fading below the peak.
	res := Tick(rec, 65050, t0.Add(65*time.Minute), alwaysClose)
	if res.Status != StatusClosed {
		t.Fatalf("Expected weak-peak cut, got %s (reason %q)", res.Status, res.Reason)
	}
	if !strings.Contains(res.Reason, "weak peak") {
		t.Errorf("Unexpected reason %q", res.Reason)
	}
	if res.ReasonCode != CloseReasonWeakPeak {
		t.Errorf("Expected reason code %q, got %q", CloseReasonWeakPeak, res.ReasonCode)
	}
}

func TestInactiveRecordSkipped(t *testing.T) {
	rec := newLongRecord()
	rec.Active = false

	res := Tick(rec, 66000, t0, alwaysClose)
	if res.Status != StatusInactive {
		t.Errorf("Expected inactive status, got %s", res.Status)
	}
	if !rec.LastCheckedAt.IsZero() {
		t.Error("Inactive tick must not stamp the record")
	}
}

func TestNonFinitePriceSkipped(t *testing.T) {
	rec := newLongRecord()

	for _, p := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		res := Tick(rec, p, t0, alwaysClose)
		if res.Status != StatusSkipped {
			t.Errorf("Price %v: expected skipped, got %s", p, res.Status)
		}
	}
	if rec.HighWaterPrice != 65000 || rec.CurrentBreachCount != 0 {
		t.Error("Skipped ticks must not mutate risk state")
	}
}

func TestNilCloserParksPending(t *testing.T) {
	rec := newLongRecord()
	rec.Phase1.BreachesRequired = 1

	res := Tick(rec, 60000, t0.Add(time.Minute), nil)
	if res.Status != StatusPendingClose {
		t.Fatalf("Expected pending close with no closer wired, got %s", res.Status)
	}
	if !rec.PendingClose {
		t.Error("Record should be parked pending-close")
	}
}
