// risk/engine.go
package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"trailguard/state"
	"trailguard/utils"
)

// CloseFunc submits a market close for the position and reports (ok,
// detail). The engine calls it only when a close decision fires; passing
// nil turns Tick into a pure decision step that parks the record in
// pending-close for the caller to act on.
type CloseFunc func(wallet, asset, reason string) (bool, string)

// Status is the outcome of one tick.
type Status string

const (
	StatusInactive     Status = "inactive"
	StatusHold         Status = "hold"
	StatusTightened    Status = "tightened"
	StatusClosed       Status = "closed"
	StatusPendingClose Status = "pending_close"
	StatusSkipped      Status = "skipped"
)

// Close reason codes. Reason carries the human-readable detail with
// prices and counts baked in; ReasonCode is the fixed vocabulary meant
// for metric labels and programmatic matching.
const (
	CloseReasonBreach       = "breach"
	CloseReasonStagnation   = "stagnation"
	CloseReasonTimeout      = "phase1_timeout"
	CloseReasonWeakPeak     = "weak_peak"
	CloseReasonPendingRetry = "pending_retry"
)

// TickResult carries everything notification and journaling collaborators
// need about one tick: it never has to be re-derived from the record.
type TickResult struct {
	Asset            string  `json:"asset"`
	Status           Status  `json:"status"`
	Price            float64 `json:"price"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	ROEPct           float64 `json:"roe_pct"`
	FloorPrice       float64 `json:"floor_price"`
	TierName         string  `json:"tier_name,omitempty"`
	TierChanged      bool    `json:"tier_changed"`
	PhaseChanged     bool    `json:"phase_changed"`
	Breached         bool    `json:"breached"`
	BreachCount      int     `json:"breach_count"`
	BreachesRequired int     `json:"breaches_required"`
	ShouldClose      bool    `json:"should_close"`
	CloseOK          bool    `json:"close_ok"`
	CloseDetail      string  `json:"close_detail,omitempty"`
	Reason           string  `json:"reason,omitempty"`
	ReasonCode       string  `json:"reason_code,omitempty"`
}

// Tick runs one decision cycle for a position against the current price.
// It mutates rec in place; the caller is responsible for persisting the
// updated record atomically. The steps are strictly ordered: tier
// advancement, then floor computation, then breach accounting, then the
// close decision.
func Tick(rec *state.PositionRecord, price float64, now time.Time, closer CloseFunc) TickResult {
	res := TickResult{Asset: rec.Asset, Price: price, Status: StatusHold}

	if !rec.ActiveOrPending() {
		res.Status = StatusInactive
		return res
	}
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		res.Status = StatusSkipped
		res.Reason = "non-finite or non-positive price"
		return res
	}

	// 1. Unrealized PnL and ROE.
	margin := rec.EntryPrice * rec.Size / rec.Leverage
	var pnl float64
	if rec.IsLong() {
		pnl = (price - rec.EntryPrice) * rec.Size
	} else {
		pnl = (rec.EntryPrice - price) * rec.Size
	}
	roe := 0.0
	if margin > 0 {
		roe = pnl / margin * 100
	}
	res.UnrealizedPnL = pnl
	res.ROEPct = roe
	if roe > rec.PeakROEPct {
		rec.PeakROEPct = roe
	}

	// 2. High-water update. The timestamp feeds stagnation detection.
	if rec.MoreFavorable(price, rec.HighWaterPrice) {
		rec.HighWaterPrice = price
		rec.HighWaterTimestamp = now
	}

	// 3. Tier advancement. Tiers are ordered by ascending trigger, so the
	// scan stops at the first tier ROE has not reached. The tier floor
	// locks a fraction of the favorable excursion, not a fraction of ROE.
	for i := rec.CurrentTierIndex + 1; i < len(rec.Tiers); i++ {
		if roe < rec.Tiers[i].TriggerPct {
			break
		}
		rec.CurrentTierIndex = i
		lock := tierLockFloor(rec, rec.Tiers[i].LockPct)
		rec.TierFloorPrice = &lock
		res.TierChanged = true

		if rec.Phase == 1 && i >= rec.Phase2TriggerTier {
			rec.Phase = 2
			rec.CurrentBreachCount = 0
			res.PhaseChanged = true
		}
	}
	if t := rec.ActiveTier(); t != nil {
		res.TierName = t.Name
	}

	// 4. Effective floor. Always computed, never accepted from outside.
	floor := effectiveFloor(rec)
	rec.FloorPrice = floor
	res.FloorPrice = floor

	// 5. Breach accounting.
	breached := rec.MoreFavorable(floor, price) || price == floor
	if breached {
		rec.CurrentBreachCount++
	} else if rec.BreachDecayMode == state.DecaySoft {
		if rec.CurrentBreachCount > 0 {
			rec.CurrentBreachCount--
		}
	} else {
		rec.CurrentBreachCount = 0
	}
	res.Breached = breached
	res.BreachCount = rec.CurrentBreachCount
	res.BreachesRequired = rec.EffectiveBreachesRequired()

	// 6–7. Close decision. A pending close from a failed earlier attempt
	// is retried unconditionally, independent of breach recovery.
	var reason string
	switch {
	case rec.PendingClose:
		reason = rec.CloseReason
		if reason == "" {
			reason = "pending close retry"
		}
		res.ReasonCode = CloseReasonPendingRetry
	case rec.CurrentBreachCount >= res.BreachesRequired:
		reason = fmt.Sprintf("floor %.6g breached %d consecutive times", floor, rec.CurrentBreachCount)
		res.ReasonCode = CloseReasonBreach
	case stagnated(rec, price, roe, now):
		reason = fmt.Sprintf("stagnation: ROE %.2f%% with no high-water progress for %dm", roe, rec.Stagnation.StaleMinutes)
		res.ReasonCode = CloseReasonStagnation
	case phase1TimedOut(rec, now):
		reason = fmt.Sprintf("phase-1 timeout after %dm", rec.Phase1TimeoutMinutes)
		res.ReasonCode = CloseReasonTimeout
	case weakPeakFading(rec, roe, now):
		reason = fmt.Sprintf("weak peak cut: peak ROE %.2f%% stayed below %.2f%% and is fading", rec.PeakROEPct, rec.WeakPeakROEPct)
		res.ReasonCode = CloseReasonWeakPeak
	}
	res.ShouldClose = reason != ""

	// 8. Execute the close with bounded retry.
	if res.ShouldClose {
		executeClose(rec, &res, reason, now, closer)
	} else if res.TierChanged {
		res.Status = StatusTightened
	}

	// 9. Stamp the tick.
	rec.LastCheckedAt = now
	rec.LastPrice = price
	return res
}

func executeClose(rec *state.PositionRecord, res *TickResult, reason string, now time.Time, closer CloseFunc) {
	res.Reason = reason
	rec.CloseReason = reason

	if closer == nil {
		rec.PendingClose = true
		res.Status = StatusPendingClose
		return
	}

	attempts := rec.CloseRetries
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(rec.CloseRetryDelaySeconds) * time.Second

	var detail string
	err := utils.Retry(context.Background(), attempts, delay, func() error {
		ok, d := closer(rec.Wallet, rec.Asset, reason)
		detail = d
		if !ok {
			return fmt.Errorf("close rejected: %s", d)
		}
		return nil
	})
	res.CloseDetail = detail

	if err != nil {
		// Exhausted retries: park in pending-close so the next tick
		// retries unconditionally.
		rec.PendingClose = true
		res.Status = StatusPendingClose
		return
	}

	rec.Active = false
	rec.PendingClose = false
	closedAt := now
	rec.ClosedAt = &closedAt
	res.Status = StatusClosed
	res.CloseOK = true
}

// effectiveFloor computes the stop-out price for the record's current
// phase and tier state. Phase 1 trails the high water bounded below by the
// absolute floor; phase 2 trails bounded below by the locked tier floor.
// Both are mirrored for shorts.
func effectiveFloor(rec *state.PositionRecord) float64 {
	hw := rec.HighWaterPrice

	if rec.Phase == 2 {
		retrace := rec.Phase2.RetraceThreshold
		if t := rec.ActiveTier(); t != nil && t.Retrace > 0 {
			retrace = t.Retrace
		}
		trailing := trailFloor(hw, retrace, rec.IsLong())
		tierFloor := trailing
		if rec.TierFloorPrice != nil {
			tierFloor = *rec.TierFloorPrice
		}
		return tighterFloor(tierFloor, trailing, rec.IsLong())
	}

	// Re-derive a missing or wrong-side absolute floor rather than trusting it.
	if rec.Phase1.AbsoluteFloor <= 0 || !rec.MoreFavorable(rec.EntryPrice, rec.Phase1.AbsoluteFloor) {
		rec.Phase1.AbsoluteFloor = state.DeriveAbsoluteFloor(rec.EntryPrice, rec.Phase1.RetraceThreshold, rec.Direction)
	}
	trailing := trailFloor(hw, rec.Phase1.RetraceThreshold, rec.IsLong())
	return tighterFloor(rec.Phase1.AbsoluteFloor, trailing, rec.IsLong())
}

// tierLockFloor locks lockPct percent of the entry-to-high-water excursion.
func tierLockFloor(rec *state.PositionRecord, lockPct float64) float64 {
	if rec.IsLong() {
		return rec.EntryPrice + (rec.HighWaterPrice-rec.EntryPrice)*lockPct/100
	}
	return rec.EntryPrice - (rec.EntryPrice-rec.HighWaterPrice)*lockPct/100
}

func trailFloor(hw, retrace float64, long bool) float64 {
	if long {
		return hw * (1 - retrace)
	}
	return hw * (1 + retrace)
}

// tighterFloor picks the floor closer to the current price: max for longs,
// min for shorts.
func tighterFloor(a, b float64, long bool) float64 {
	if long {
		return math.Max(a, b)
	}
	return math.Min(a, b)
}

func stagnated(rec *state.PositionRecord, price, roe float64, now time.Time) bool {
	s := rec.Stagnation
	if s == nil || rec.HighWaterPrice <= 0 {
		return false
	}
	if roe < s.MinROEPct {
		return false
	}
	if now.Sub(rec.HighWaterTimestamp) < time.Duration(s.StaleMinutes)*time.Minute {
		return false
	}
	band := math.Abs(price-rec.HighWaterPrice) / rec.HighWaterPrice * 100
	return band <= s.PriceBandPct
}

func phase1TimedOut(rec *state.PositionRecord, now time.Time) bool {
	return rec.Phase == 1 && rec.Phase1TimeoutMinutes > 0 &&
		now.Sub(rec.CreatedAt) >= time.Duration(rec.Phase1TimeoutMinutes)*time.Minute
}

// weakPeakFading cuts a phase-1 position whose momentum never developed:
// old enough, peak ROE never cleared the threshold, and now below its peak.
func weakPeakFading(rec *state.PositionRecord, roe float64, now time.Time) bool {
	if rec.Phase != 1 || rec.WeakPeakMinutes <= 0 {
		return false
	}
	if now.Sub(rec.CreatedAt) < time.Duration(rec.WeakPeakMinutes)*time.Minute {
		return false
	}
	return rec.PeakROEPct <= rec.WeakPeakROEPct && roe < rec.PeakROEPct
}
