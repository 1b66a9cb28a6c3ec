// state/record.go
package state

import (
	"fmt"
	"time"

	"trailguard/config"
	"trailguard/gateway"
)

// Direction re-exports the gateway position direction for persisted records.
type Direction = gateway.Direction

const (
	Long  = gateway.Long
	Short = gateway.Short
)

// Breach decay modes. Hard decay resets the breach counter on any
// non-breaching tick; soft decay steps it back toward zero by one.
const (
	DecayHard = "hard"
	DecaySoft = "soft"
)

// Tier is one rung of the profit ladder: once ROE crosses TriggerPct, a
// LockPct fraction of the favorable excursion is locked in as the floor.
type Tier struct {
	Name             string  `json:"name,omitempty"`
	TriggerPct       float64 `json:"trigger_pct"`
	LockPct          float64 `json:"lock_pct"`
	Retrace          float64 `json:"retrace,omitempty"`
	BreachesRequired int     `json:"breaches_required,omitempty"`
}

// PhaseConfig holds the trailing parameters of one phase. RetraceThreshold
// is canonically a raw price fraction (e.g. 0.02 = 2% of the high-water
// price); legacy ROE-percent values are converted on load.
type PhaseConfig struct {
	RetraceThreshold float64 `json:"retrace_threshold"`
	BreachesRequired int     `json:"breaches_required"`
	AbsoluteFloor    float64 `json:"absolute_floor,omitempty"`
}

// StagnationConfig configures the stagnation auto-cut: sustained profit
// with no new high-water progress for the configured duration.
type StagnationConfig struct {
	MinROEPct    float64 `json:"min_roe_pct"`
	StaleMinutes int     `json:"stale_minutes"`
	PriceBandPct float64 `json:"price_band_pct"`
}

// PositionRecord is the locally persisted intended risk state for one
// position. One JSON document per position, written atomically.
type PositionRecord struct {
	Asset     string    `json:"asset"`
	Direction Direction `json:"direction"`
	Wallet    string    `json:"wallet"`

	EntryPrice float64 `json:"entry_price"`
	Size       float64 `json:"size"`
	Leverage   float64 `json:"leverage"`

	Active       bool `json:"active"`
	PendingClose bool `json:"pending_close"`
	Phase        int  `json:"phase"`

	HighWaterPrice     float64   `json:"high_water_price"`
	HighWaterTimestamp time.Time `json:"high_water_timestamp"`

	CurrentTierIndex   int      `json:"current_tier_index"`
	TierFloorPrice     *float64 `json:"tier_floor_price,omitempty"`
	FloorPrice         float64  `json:"floor_price"`
	CurrentBreachCount int      `json:"current_breach_count"`
	BreachDecayMode    string   `json:"breach_decay_mode"`
	PeakROEPct         float64  `json:"peak_roe_pct"`

	Tiers             []Tier      `json:"tiers"`
	Phase1            PhaseConfig `json:"phase1"`
	Phase2            PhaseConfig `json:"phase2"`
	Phase2TriggerTier int         `json:"phase2_trigger_tier"`

	Stagnation           *StagnationConfig `json:"stagnation,omitempty"`
	Phase1TimeoutMinutes int               `json:"phase1_timeout_minutes,omitempty"`
	WeakPeakMinutes      int               `json:"weak_peak_minutes,omitempty"`
	WeakPeakROEPct       float64           `json:"weak_peak_roe_pct,omitempty"`

	ConsecutiveFetchFailures int `json:"consecutive_fetch_failures"`
	MaxFetchFailures         int `json:"max_fetch_failures"`
	CloseRetries             int `json:"close_retries"`
	CloseRetryDelaySeconds   int `json:"close_retry_delay_seconds"`

	PreviousDirection Direction `json:"previous_direction,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	LastCheckedAt time.Time  `json:"last_checked_at,omitempty"`
	LastPrice     float64    `json:"last_price,omitempty"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	CloseReason   string     `json:"close_reason,omitempty"`

	SchemaVersion int `json:"schema_version"`
}

// NewRecordFromTemplate builds a fresh, schema-current record from an
// instance's risk template, seeded with fill data from the exchange.
func NewRecordFromTemplate(tmpl *config.TemplateConfig, wallet, asset string, dir Direction, entry, size, leverage float64, now time.Time) *PositionRecord {
	rec := &PositionRecord{
		Asset:      asset,
		Direction:  dir,
		Wallet:     wallet,
		EntryPrice: entry,
		Size:       size,
		Leverage:   leverage,

		Active:             true,
		Phase:              1,
		HighWaterPrice:     entry,
		HighWaterTimestamp: now,
		CurrentTierIndex:   -1,
		BreachDecayMode:    tmpl.BreachDecayMode,

		Phase1: PhaseConfig{
			RetraceThreshold: tmpl.Phase1.RetraceThreshold,
			BreachesRequired: tmpl.Phase1.BreachesRequired,
			AbsoluteFloor:    tmpl.Phase1.AbsoluteFloor,
		},
		Phase2: PhaseConfig{
			RetraceThreshold: tmpl.Phase2.RetraceThreshold,
			BreachesRequired: tmpl.Phase2.BreachesRequired,
		},
		Phase2TriggerTier: tmpl.Phase2TriggerTier,

		Phase1TimeoutMinutes: tmpl.Phase1TimeoutMinutes,
		WeakPeakMinutes:      tmpl.WeakPeakMinutes,
		WeakPeakROEPct:       tmpl.WeakPeakROEPct,

		MaxFetchFailures:       tmpl.MaxFetchFailures,
		CloseRetries:           tmpl.CloseRetries,
		CloseRetryDelaySeconds: tmpl.CloseRetryDelaySeconds,

		CreatedAt:     now,
		SchemaVersion: SchemaVersion,
	}

	for i, t := range tmpl.Tiers {
		name := t.Name
		if name == "" {
			name = fmt.Sprintf("tier-%d", i+1)
		}
		rec.Tiers = append(rec.Tiers, Tier{
			Name:             name,
			TriggerPct:       t.TriggerPct,
			LockPct:          t.LockPct,
			Retrace:          t.Retrace,
			BreachesRequired: t.BreachesRequired,
		})
	}

	if tmpl.Stagnation != nil {
		rec.Stagnation = &StagnationConfig{
			MinROEPct:    tmpl.Stagnation.MinROEPct,
			StaleMinutes: tmpl.Stagnation.StaleMinutes,
			PriceBandPct: tmpl.Stagnation.PriceBandPct,
		}
	}

	// Templates usually leave the absolute floor to be derived per position.
	if !absoluteFloorValid(rec.Phase1.AbsoluteFloor, entry, dir) {
		rec.Phase1.AbsoluteFloor = DeriveAbsoluteFloor(entry, rec.Phase1.RetraceThreshold, dir)
	}
	rec.FloorPrice = rec.Phase1.AbsoluteFloor

	return rec
}

// DeriveAbsoluteFloor computes the default hard floor one retrace distance
// away from entry, on the losing side.
func DeriveAbsoluteFloor(entry, retrace float64, dir Direction) float64 {
	if dir == Short {
		return entry * (1 + retrace)
	}
	return entry * (1 - retrace)
}

func absoluteFloorValid(floor, entry float64, dir Direction) bool {
	if floor <= 0 {
		return false
	}
	if dir == Short {
		return floor > entry
	}
	return floor < entry
}

// IsLong reports whether the position profits from a rising price.
func (r *PositionRecord) IsLong() bool {
	return r.Direction != Short
}

// MoreFavorable reports whether price a is more favorable than b for this
// position's direction.
func (r *PositionRecord) MoreFavorable(a, b float64) bool {
	if r.IsLong() {
		return a > b
	}
	return a < b
}

// ActiveOrPending reports whether the engine should still tick this record.
func (r *PositionRecord) ActiveOrPending() bool {
	return r.Active || r.PendingClose
}

// ActiveTier returns the currently locked tier, or nil before the first
// tier activates.
func (r *PositionRecord) ActiveTier() *Tier {
	if r.CurrentTierIndex < 0 || r.CurrentTierIndex >= len(r.Tiers) {
		return nil
	}
	return &r.Tiers[r.CurrentTierIndex]
}

// EffectiveBreachesRequired resolves the consecutive-breach requirement:
// active tier override first, then the current phase's default.
func (r *PositionRecord) EffectiveBreachesRequired() int {
	if t := r.ActiveTier(); t != nil && t.BreachesRequired > 0 {
		return t.BreachesRequired
	}
	if r.Phase == 2 {
		return r.Phase2.BreachesRequired
	}
	return r.Phase1.BreachesRequired
}

// Validate checks structural integrity of a loaded record. Records failing
// this are reported as SCHEMA_INVALID by the reconciliation controller.
func (r *PositionRecord) Validate() error {
	if r.Asset == "" {
		return fmt.Errorf("record has no asset")
	}
	if r.Direction != Long && r.Direction != Short {
		return fmt.Errorf("record has invalid direction %q", r.Direction)
	}
	if r.EntryPrice <= 0 || r.Size <= 0 || r.Leverage <= 0 {
		return fmt.Errorf("record has non-positive entry/size/leverage")
	}
	if r.Phase != 1 && r.Phase != 2 {
		return fmt.Errorf("record has invalid phase %d", r.Phase)
	}
	if len(r.Tiers) == 0 {
		return fmt.Errorf("record has no tiers")
	}
	if r.BreachDecayMode != DecayHard && r.BreachDecayMode != DecaySoft {
		return fmt.Errorf("record has invalid breach decay mode %q", r.BreachDecayMode)
	}
	if r.Phase1.RetraceThreshold <= 0 || r.Phase1.RetraceThreshold >= 1 {
		return fmt.Errorf("record phase1 retrace %.4f is not a canonical price fraction", r.Phase1.RetraceThreshold)
	}
	if r.Phase2.RetraceThreshold <= 0 || r.Phase2.RetraceThreshold >= 1 {
		return fmt.Errorf("record phase2 retrace %.4f is not a canonical price fraction", r.Phase2.RetraceThreshold)
	}
	if r.Phase1.BreachesRequired <= 0 || r.Phase2.BreachesRequired <= 0 {
		return fmt.Errorf("record phase breaches_required must be positive")
	}
	return nil
}
