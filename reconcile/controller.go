// reconcile/controller.go
package reconcile

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"trailguard/config"
	"trailguard/gateway"
	"trailguard/logs"
	"trailguard/state"
	"trailguard/utils"
)

// Drift tolerances: differences below these fractions are exchange noise,
// not drift worth patching.
const (
	sizeTolerance     = 0.01
	leverageTolerance = 0.01
	entryTolerance    = 0.001
)

const orphanCloseReason = "externally closed, detected by reconciliation"

// Controller keeps the locally persisted risk state in agreement with the
// authoritative exchange ledger. Every corrective action is idempotent:
// re-running Reconcile immediately with unchanged external data produces
// no further action for the same item.
type Controller struct {
	store       *state.Store
	gw          gateway.Gateway
	margin      *config.MarginConfig
	staleness   time.Duration
	orphanGrace time.Duration
	nowFn       func() time.Time
}

// NewController wires a controller from the loaded configuration.
func NewController(st *state.Store, gw gateway.Gateway, cfg *config.Config) *Controller {
	return &Controller{
		store:       st,
		gw:          gw,
		margin:      cfg.Margin,
		staleness:   time.Duration(cfg.Normal.StalenessMinutes) * time.Minute,
		orphanGrace: time.Duration(cfg.Normal.OrphanGraceMinutes) * time.Minute,
		nowFn:       time.Now,
	}
}

// Reconcile runs one full reconciliation pass for an instance. prices is
// the shared batch-fetched price map; it may be nil, in which case the
// margin checks fetch their own.
func (c *Controller) Reconcile(ctx context.Context, inst *config.InstanceConfig, prices map[string]float64) *Report {
	now := c.nowFn()
	rep := &Report{InstanceKey: inst.Key, Wallet: inst.Wallet, GeneratedAt: now, Status: "ok"}

	// Step 1: one snapshot call covers all sub-ledgers. A transient fetch
	// error must never look like "no positions" and trigger mass orphan
	// deactivation, so a failure suspends every destructive action.
	snap, err := c.gw.FetchPositions(ctx, inst.Wallet)
	if err != nil {
		logs.Warnf("[Reconcile] %s: position snapshot fetch failed: %v", inst.Key, err)
		rep.FetchFailed = true
		rep.add(LevelWarning, TypeFetchFailed, "", ActionSkippedFetchErr,
			fmt.Sprintf("position snapshot fetch failed (%v); create/deactivate actions suspended this pass", err))
		return rep
	}

	ext := make(map[string]gateway.ExternalPosition, len(snap.Positions))
	for _, p := range snap.Positions {
		if p.Size <= 0 {
			continue
		}
		ext[p.Coin] = p
		rep.OnChainAssets = append(rep.OnChainAssets, p.Coin)
	}
	sort.Strings(rep.OnChainAssets)

	// Steps 2–3: walk every exchange position.
	for _, coin := range rep.OnChainAssets {
		pos := ext[coin]
		rec, err := c.store.LoadPosition(inst.Key, coin)
		switch {
		case err != nil && os.IsNotExist(err):
			c.createMissing(inst, pos, rep, now)
		case err != nil:
			c.replaceOrAlert(inst, pos, rep, now, fmt.Sprintf("stored record unreadable: %v", err))
		default:
			c.checkMatched(inst, rec, pos, rep, now)
		}
	}

	// Step 4: orphan detection over the local records.
	c.deactivateOrphans(inst, ext, rep, now)

	// Step 5: instance-level bookkeeping.
	c.reconcileInstanceState(inst, ext, rep, now)

	// Step 6: margin safety, only when a margin configuration is supplied.
	c.checkMarginSafety(ctx, inst, snap, ext, prices, rep)

	return rep
}

// createMissing handles an exchange position with no local record.
func (c *Controller) createMissing(inst *config.InstanceConfig, pos gateway.ExternalPosition, rep *Report, now time.Time) {
	if !pos.HasCompleteFillData() {
		rep.add(LevelCritical, TypeMissingDSL, pos.Coin, ActionAlertOnly,
			fmt.Sprintf("exchange position %s has no local risk record and incomplete fill data (entry=%.6g size=%.6g lev=%.6g); cannot synthesize risk parameters",
				pos.Coin, pos.EntryPrice, pos.Size, pos.Leverage))
		return
	}

	rec := state.NewRecordFromTemplate(inst.Template, inst.Wallet, pos.Coin, pos.Direction, pos.EntryPrice, pos.Size, pos.Leverage, now)
	if err := c.store.SavePosition(inst.Key, rec); err != nil {
		rep.add(LevelCritical, TypeMissingDSL, pos.Coin, ActionFailed,
			fmt.Sprintf("failed to persist auto-created record for %s: %v", pos.Coin, err))
		return
	}
	logs.Infof("[Reconcile] %s: auto-created risk record for unmanaged %s %s position.", inst.Key, pos.Coin, pos.Direction)
	rep.add(LevelWarning, TypeMissingDSL, pos.Coin, ActionAutoCreated,
		fmt.Sprintf("exchange position %s %s had no local risk record; created one from the instance template", pos.Coin, pos.Direction))
}

// replaceOrAlert replaces an unusable record from the template when the
// exchange data is complete enough, and alerts otherwise.
func (c *Controller) replaceOrAlert(inst *config.InstanceConfig, pos gateway.ExternalPosition, rep *Report, now time.Time, detail string) {
	if !pos.HasCompleteFillData() {
		rep.add(LevelCritical, TypeSchemaInvalid, pos.Coin, ActionAlertOnly,
			fmt.Sprintf("%s: %s, and exchange fill data is incomplete; manual repair required", pos.Coin, detail))
		return
	}
	rec := state.NewRecordFromTemplate(inst.Template, inst.Wallet, pos.Coin, pos.Direction, pos.EntryPrice, pos.Size, pos.Leverage, now)
	if err := c.store.SavePosition(inst.Key, rec); err != nil {
		rep.add(LevelCritical, TypeSchemaInvalid, pos.Coin, ActionFailed,
			fmt.Sprintf("failed to persist replacement record for %s: %v", pos.Coin, err))
		return
	}
	rep.add(LevelWarning, TypeSchemaInvalid, pos.Coin, ActionAutoReplaced,
		fmt.Sprintf("%s: %s; replaced with a freshly templated record", pos.Coin, detail))
}

// checkMatched runs the per-pair checks: schema, protection, direction,
// drift and freshness, in that order.
func (c *Controller) checkMatched(inst *config.InstanceConfig, rec *state.PositionRecord, pos gateway.ExternalPosition, rep *Report, now time.Time) {
	if err := rec.Validate(); err != nil {
		c.replaceOrAlert(inst, pos, rep, now, fmt.Sprintf("stored record failed schema validation: %v", err))
		return
	}

	// An inactive record fronting a live position is a risk decision, not
	// drift: synthesizing a fresh floor without operator awareness would
	// itself be a hazard. Alert only.
	if !rec.ActiveOrPending() {
		rep.add(LevelCritical, TypeInactiveOpen, pos.Coin, ActionAlertOnly,
			fmt.Sprintf("local record for %s is deactivated (%s) but the exchange position is still open; position is unprotected", pos.Coin, rec.CloseReason))
		return
	}

	if rec.Direction != pos.Direction {
		fresh := state.NewRecordFromTemplate(inst.Template, inst.Wallet, pos.Coin, pos.Direction, pos.EntryPrice, pos.Size, pos.Leverage, now)
		fresh.PreviousDirection = rec.Direction
		if err := c.store.SavePosition(inst.Key, fresh); err != nil {
			rep.add(LevelCritical, TypeDirectionMismatch, pos.Coin, ActionFailed,
				fmt.Sprintf("failed to persist direction-corrected record for %s: %v", pos.Coin, err))
			return
		}
		rep.add(LevelWarning, TypeDirectionMismatch, pos.Coin, ActionAutoReplaced,
			fmt.Sprintf("stored direction %s disagrees with exchange direction %s for %s; replaced with a fresh record", rec.Direction, pos.Direction, pos.Coin))
		return
	}

	var patched []string
	if utils.RelDiff(pos.Size, rec.Size) > sizeTolerance {
		patched = append(patched, fmt.Sprintf("size %.6g→%.6g", rec.Size, pos.Size))
		rec.Size = pos.Size
	}
	if utils.RelDiff(pos.Leverage, rec.Leverage) > leverageTolerance {
		patched = append(patched, fmt.Sprintf("leverage %.6g→%.6g", rec.Leverage, pos.Leverage))
		rec.Leverage = pos.Leverage
	}
	if utils.RelDiff(pos.EntryPrice, rec.EntryPrice) > entryTolerance {
		patched = append(patched, fmt.Sprintf("entry %.6g→%.6g", rec.EntryPrice, pos.EntryPrice))
		rec.EntryPrice = pos.EntryPrice
		// An entry revision that crosses the stored high water in the
		// unfavorable direction invalidates it; restart from the new entry.
		if rec.MoreFavorable(rec.EntryPrice, rec.HighWaterPrice) {
			rec.HighWaterPrice = rec.EntryPrice
			rec.HighWaterTimestamp = now
		}
	}
	if len(patched) > 0 {
		if err := c.store.SavePosition(inst.Key, rec); err != nil {
			rep.add(LevelCritical, TypeStateReconciled, pos.Coin, ActionFailed,
				fmt.Sprintf("failed to persist drift patch for %s: %v", pos.Coin, err))
			return
		}
		rep.add(LevelInfo, TypeStateReconciled, pos.Coin, ActionUpdatedState,
			fmt.Sprintf("reconciled %s against exchange: %s", pos.Coin, strings.Join(patched, ", ")))
	}

	// Freshness: a stale lastCheckedAt means the tick loop may not be
	// running. Never mutates state.
	if !rec.LastCheckedAt.IsZero() && now.Sub(rec.LastCheckedAt) > c.staleness {
		rep.add(LevelWarning, TypeDSLStale, pos.Coin, ActionAlertOnly,
			fmt.Sprintf("record for %s last ticked %s ago (threshold %s); is the tick loop running?",
				pos.Coin, now.Sub(rec.LastCheckedAt).Round(time.Second), c.staleness))
	}
}

// deactivateOrphans terminates active records whose exchange position is
// gone. Freshly created records get a grace window so a lagging snapshot
// cannot produce false positives.
func (c *Controller) deactivateOrphans(inst *config.InstanceConfig, ext map[string]gateway.ExternalPosition, rep *Report, now time.Time) {
	recs, err := c.store.LoadPositions(inst.Key)
	if err != nil {
		rep.add(LevelWarning, TypeOrphanDSL, "", ActionFailed,
			fmt.Sprintf("failed to list local records: %v", err))
		return
	}

	for _, rec := range recs {
		if !rec.ActiveOrPending() {
			continue
		}
		if _, open := ext[rec.Asset]; open {
			rep.LocalActive = append(rep.LocalActive, rec.Asset)
			continue
		}
		if now.Sub(rec.CreatedAt) < c.orphanGrace {
			logs.Debugf("[Reconcile] %s: %s record is within the orphan grace window, skipping.", inst.Key, rec.Asset)
			rep.LocalActive = append(rep.LocalActive, rec.Asset)
			continue
		}

		rec.Active = false
		rec.PendingClose = false
		rec.CloseReason = orphanCloseReason
		closedAt := now
		rec.ClosedAt = &closedAt
		if err := c.store.SavePosition(inst.Key, rec); err != nil {
			rep.add(LevelCritical, TypeOrphanDSL, rec.Asset, ActionFailed,
				fmt.Sprintf("failed to persist orphan deactivation for %s: %v", rec.Asset, err))
			continue
		}
		rep.add(LevelWarning, TypeOrphanDSL, rec.Asset, ActionAutoDeactivated,
			fmt.Sprintf("active record for %s has no matching exchange position; deactivated (%s)", rec.Asset, orphanCloseReason))
	}
	sort.Strings(rep.LocalActive)
}

// reconcileInstanceState diffs the aggregate active-positions map and the
// cached slot counter against the exchange snapshot. All three findings
// auto-fix at informational/warning severity.
func (c *Controller) reconcileInstanceState(inst *config.InstanceConfig, ext map[string]gateway.ExternalPosition, rep *Report, now time.Time) {
	ist, err := c.store.LoadInstance(inst.Key, inst.SlotCapacity)
	if err != nil {
		rep.add(LevelWarning, TypeSlotMismatch, "", ActionFailed,
			fmt.Sprintf("failed to load instance descriptor: %v", err))
		return
	}

	changed := false
	for asset := range ist.ActivePositions {
		if _, open := ext[asset]; !open {
			delete(ist.ActivePositions, asset)
			changed = true
			rep.add(LevelInfo, TypeStalePosition, asset, ActionUpdatedState,
				fmt.Sprintf("bookkeeping listed %s as active but the exchange shows no position; removed", asset))
		}
	}
	for asset, pos := range ext {
		if _, tracked := ist.ActivePositions[asset]; !tracked {
			ist.ActivePositions[asset] = state.ActiveEntry{Direction: pos.Direction, Size: pos.Size, OpenedAt: now}
			changed = true
			rep.add(LevelInfo, TypePhantomPosition, asset, ActionUpdatedState,
				fmt.Sprintf("exchange shows an open %s position missing from bookkeeping; added", asset))
		}
	}

	wantSlots := ist.SlotCapacity - len(ist.ActivePositions)
	if wantSlots < 0 {
		wantSlots = 0
	}
	if ist.SlotsAvailable != wantSlots {
		rep.add(LevelWarning, TypeSlotMismatch, "", ActionUpdatedState,
			fmt.Sprintf("cached slots-available %d disagrees with computed %d; rewritten", ist.SlotsAvailable, wantSlots))
		ist.SlotsAvailable = wantSlots
		changed = true
	}

	if changed {
		if err := c.store.SaveInstance(ist); err != nil {
			rep.add(LevelWarning, TypeSlotMismatch, "", ActionFailed,
				fmt.Sprintf("failed to persist instance descriptor: %v", err))
		}
	}
}
