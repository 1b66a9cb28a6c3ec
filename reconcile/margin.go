// reconcile/margin.go
package reconcile

import (
	"context"
	"fmt"
	"sort"

	"trailguard/config"
	"trailguard/gateway"
	"trailguard/logs"
	"trailguard/utils"
)

// checkMarginSafety evaluates account-wide margin utilization and the
// per-position gap between the liquidation price and the protection floor.
// All findings are advisory except the optional single auto-downsize.
func (c *Controller) checkMarginSafety(ctx context.Context, inst *config.InstanceConfig, snap *gateway.PositionSnapshot, ext map[string]gateway.ExternalPosition, prices map[string]float64, rep *Report) {
	if c.margin == nil {
		return
	}
	if snap.Margin.AccountValue <= 0 {
		return
	}

	util := snap.Margin.TotalMarginUsed / snap.Margin.AccountValue * 100
	rep.UtilizationPct = util

	// implicated collects positions whose liquidation sits dangerously
	// close; the downsize targets these before the biggest margin user.
	var implicated []string

	assets := make([]string, 0, len(ext))
	for a := range ext {
		assets = append(assets, a)
	}
	sort.Strings(assets)

	for _, asset := range assets {
		pos := ext[asset]
		if pos.LiquidationPrice <= 0 {
			continue
		}
		price, ok := prices[asset]
		if !ok {
			fetched, err := c.gw.FetchPrice(ctx, asset)
			if err != nil {
				logs.Warnf("[Reconcile] %s: margin check skipped for %s, price fetch failed: %v", inst.Key, asset, err)
				continue
			}
			price = fetched
		}
		if price <= 0 {
			continue
		}

		liqDist := (price - pos.LiquidationPrice) / price * 100
		if pos.Direction == gateway.Short {
			liqDist = (pos.LiquidationPrice - price) / price * 100
		}

		// Liquidation inside the floor means the exchange would seize the
		// position before the trailing stop ever fires.
		if rec, err := c.store.LoadPosition(inst.Key, asset); err == nil && rec.ActiveOrPending() && rec.FloorPrice > 0 {
			floorDist := (price - rec.FloorPrice) / price * 100
			if rec.Direction == gateway.Short {
				floorDist = (rec.FloorPrice - price) / price * 100
			}
			if liqDist < floorDist {
				implicated = append(implicated, asset)
				rep.add(LevelCritical, TypeLiqInsideDSL, asset, ActionAlertOnly,
					fmt.Sprintf("%s liquidation (%.2f%% away) sits inside the protection floor (%.2f%% away); the stop cannot fire before liquidation", asset, liqDist, floorDist))
				continue
			}
		}

		switch {
		case liqDist < c.margin.LiqDistanceCriticalPct:
			implicated = append(implicated, asset)
			rep.add(LevelCritical, TypeLiqClose, asset, ActionAlertOnly,
				fmt.Sprintf("%s liquidation is %.2f%% away (critical threshold %.2f%%)", asset, liqDist, c.margin.LiqDistanceCriticalPct))
		case liqDist < c.margin.LiqDistanceWarnPct:
			rep.add(LevelWarning, TypeLiqClose, asset, ActionAlertOnly,
				fmt.Sprintf("%s liquidation is %.2f%% away (warn threshold %.2f%%)", asset, liqDist, c.margin.LiqDistanceWarnPct))
		}
	}

	switch {
	case util >= c.margin.UtilizationCriticalPct:
		rep.add(LevelCritical, TypeMarginHigh, "", ActionAlertOnly,
			fmt.Sprintf("margin utilization %.1f%% exceeds critical threshold %.1f%%", util, c.margin.UtilizationCriticalPct))
	case util >= c.margin.UtilizationWarnPct:
		rep.add(LevelWarning, TypeMarginHigh, "", ActionAlertOnly,
			fmt.Sprintf("margin utilization %.1f%% exceeds warn threshold %.1f%%", util, c.margin.UtilizationWarnPct))
	}

	// Any critical condition, utilization or liquidation proximity, arms
	// the downsize.
	if util >= c.margin.UtilizationCriticalPct || len(implicated) > 0 {
		c.autoDownsize(ctx, inst, snap, ext, implicated, rep)
	}
}

// autoDownsize issues at most one bounded reduce order per pass. The target
// is the first implicated position, falling back to the largest margin
// consumer, and the reduction is sized to bring utilization back toward the
// configured target.
func (c *Controller) autoDownsize(ctx context.Context, inst *config.InstanceConfig, snap *gateway.PositionSnapshot, ext map[string]gateway.ExternalPosition, implicated []string, rep *Report) {
	if !c.margin.AutoDownsize {
		return
	}

	var target gateway.ExternalPosition
	var found bool
	for _, asset := range implicated {
		if p, ok := ext[asset]; ok {
			target = p
			found = true
			break
		}
	}
	if !found {
		for _, p := range ext {
			if !found || p.MarginUsed > target.MarginUsed ||
				(p.MarginUsed == target.MarginUsed && p.Coin < target.Coin) {
				target = p
				found = true
			}
		}
	}
	if !found || target.MarginUsed <= 0 {
		return
	}

	// A liquidation-proximity trigger can fire with utilization already
	// under target; the minimum reduction still applies then.
	reducePct := c.margin.MinReducePct
	excess := snap.Margin.TotalMarginUsed - c.margin.TargetUtilizationPct/100*snap.Margin.AccountValue
	if excess > 0 {
		reducePct = utils.Clamp(excess/target.MarginUsed*100, c.margin.MinReducePct, c.margin.MaxReducePct)
	}

	reason := fmt.Sprintf("margin auto-downsize: utilization %.1f%%, target %.1f%%",
		snap.Margin.TotalMarginUsed/snap.Margin.AccountValue*100, c.margin.TargetUtilizationPct)
	ok, detail := c.gw.ReducePosition(ctx, inst.Wallet, target.Coin, reducePct, reason)
	if !ok {
		rep.add(LevelCritical, TypeMarginHigh, target.Coin, ActionFailed,
			fmt.Sprintf("auto-downsize of %s by %.1f%% rejected: %s", target.Coin, reducePct, detail))
		return
	}
	logs.Warnf("[Reconcile] %s: auto-downsized %s by %.1f%% to relieve margin pressure.", inst.Key, target.Coin, reducePct)
	rep.add(LevelWarning, TypeMarginHigh, target.Coin, ActionAutoDownsized,
		fmt.Sprintf("reduced %s by %.1f%% toward %.1f%% target utilization (%s)", target.Coin, reducePct, c.margin.TargetUtilizationPct, detail))

	// Refresh the local record's size estimate so the next risk tick is not
	// working from the pre-reduce size.
	if rec, err := c.store.LoadPosition(inst.Key, target.Coin); err == nil && rec.ActiveOrPending() {
		rec.Size = rec.Size * (1 - reducePct/100)
		if err := c.store.SavePosition(inst.Key, rec); err != nil {
			logs.Warnf("[Reconcile] %s: failed to persist post-downsize size for %s: %v", inst.Key, target.Coin, err)
		}
	}
}
