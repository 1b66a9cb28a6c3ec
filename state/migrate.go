// state/migrate.go
package state

import (
	"encoding/json"
	"fmt"
)

// SchemaVersion is the current position record schema.
//
// History:
//   v1: nested phase blocks replace the original flat phase-1 fields.
//   v2: retrace thresholds canonicalized to raw price fractions; legacy
//       files stored either a fraction (0.02) or an ROE percent (5 meaning
//       5% ROE) and re-derived the meaning at every read site.
//   v3: phase-1 absolute floor always present and on the losing side of
//       entry, derived when missing.
const SchemaVersion = 3

// legacyFlatFields is the pre-v1 shape, where phase-1 parameters lived at
// the top level of the document.
type legacyFlatFields struct {
	RetraceThreshold float64 `json:"retrace_threshold"`
	BreachesRequired int     `json:"breaches_required"`
	AbsoluteFloor    float64 `json:"absolute_floor"`
}

// migrate upgrades a freshly decoded record to the current schema in one
// explicit pass. raw is the original document, needed to lift pre-v1 flat
// fields. Returns whether the record was upgraded.
func migrate(rec *PositionRecord, raw []byte) (bool, error) {
	if rec.SchemaVersion >= SchemaVersion {
		return false, nil
	}
	if rec.Leverage <= 0 {
		return false, fmt.Errorf("cannot migrate record for %s: non-positive leverage", rec.Asset)
	}

	if rec.SchemaVersion < 1 {
		var flat legacyFlatFields
		if err := json.Unmarshal(raw, &flat); err != nil {
			return false, fmt.Errorf("failed to decode legacy flat fields: %w", err)
		}
		if rec.Phase1.RetraceThreshold == 0 && flat.RetraceThreshold > 0 {
			rec.Phase1.RetraceThreshold = flat.RetraceThreshold
			rec.Phase1.BreachesRequired = flat.BreachesRequired
			rec.Phase1.AbsoluteFloor = flat.AbsoluteFloor
		}
		if rec.Phase == 0 {
			rec.Phase = 1
		}
		if rec.BreachDecayMode == "" {
			rec.BreachDecayMode = DecayHard
		}
	}

	if rec.SchemaVersion < 2 {
		// Legacy documents often carried no phase-2 block at all. A zero
		// retrace would trail at exactly the high water, so inherit the
		// phase-1 values before canonicalizing; that way a legacy ROE
		// percentage converts uniformly across both phases.
		if rec.Phase2.RetraceThreshold == 0 {
			rec.Phase2.RetraceThreshold = rec.Phase1.RetraceThreshold
		}
		if rec.Phase2.BreachesRequired == 0 {
			rec.Phase2.BreachesRequired = rec.Phase1.BreachesRequired
		}
		// Values > 1 are legacy ROE percentages: an ROE move of p% equals a
		// price move of p/leverage %, so the price fraction is p/100/leverage.
		rec.Phase1.RetraceThreshold = canonicalRetrace(rec.Phase1.RetraceThreshold, rec.Leverage)
		rec.Phase2.RetraceThreshold = canonicalRetrace(rec.Phase2.RetraceThreshold, rec.Leverage)
		for i := range rec.Tiers {
			rec.Tiers[i].Retrace = canonicalRetrace(rec.Tiers[i].Retrace, rec.Leverage)
		}
	}

	if rec.SchemaVersion < 3 {
		if !absoluteFloorValid(rec.Phase1.AbsoluteFloor, rec.EntryPrice, rec.Direction) {
			rec.Phase1.AbsoluteFloor = DeriveAbsoluteFloor(rec.EntryPrice, rec.Phase1.RetraceThreshold, rec.Direction)
		}
		if rec.HighWaterPrice == 0 {
			rec.HighWaterPrice = rec.EntryPrice
		}
	}

	rec.SchemaVersion = SchemaVersion
	return true, nil
}

// canonicalRetrace converts a legacy ROE-percent retrace to a price
// fraction. Canonical fractions (<= 1) pass through untouched.
func canonicalRetrace(value, leverage float64) float64 {
	if value <= 1 {
		return value
	}
	return value / 100 / leverage
}
