// Package monitor drives the periodic pass: reconcile each instance
// against the exchange, then tick every live risk record.
package monitor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"trailguard/config"
	"trailguard/gateway"
	"trailguard/logs"
	"trailguard/metrics"
	"trailguard/reconcile"
	"trailguard/risk"
	"trailguard/state"
)

// InstanceResult is the per-instance slice of a pass summary.
type InstanceResult struct {
	Key    string            `json:"key"`
	Report *reconcile.Report `json:"report,omitempty"`
	Ticks  []risk.TickResult `json:"ticks,omitempty"`
	Err    string            `json:"error,omitempty"`
}

// Summary describes one complete monitoring pass.
type Summary struct {
	PassID    string           `json:"pass_id"`
	StartedAt time.Time        `json:"started_at"`
	Duration  string           `json:"duration"`
	Status    string           `json:"status"`
	Instances []InstanceResult `json:"instances"`
}

// Runner owns the pass loop. One runner serves every configured instance.
type Runner struct {
	cfg   *config.Config
	store *state.Store
	gw    gateway.Gateway
	ctrl  *reconcile.Controller
	nowFn func() time.Time
}

func NewRunner(cfg *config.Config, st *state.Store, gw gateway.Gateway, ctrl *reconcile.Controller) *Runner {
	return &Runner{cfg: cfg, store: st, gw: gw, ctrl: ctrl, nowFn: time.Now}
}

// RunPass executes one reconcile-then-tick cycle across every enabled
// instance. Instance failures are isolated: one broken instance never
// aborts the others.
func (r *Runner) RunPass(ctx context.Context) *Summary {
	started := r.nowFn()
	sum := &Summary{PassID: uuid.NewString(), StartedAt: started, Status: "ok"}
	defer func() {
		sum.Duration = time.Since(started).Round(time.Millisecond).String()
		metrics.ObservePass(started)
	}()

	// One batch price call serves every instance; per-asset fallback
	// fetches cover anything the batch missed.
	prices, err := r.gw.FetchAllPrices(ctx)
	if err != nil {
		logs.Warnf("[Monitor] Batch price fetch failed, falling back to per-asset fetches: %v", err)
		prices = nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Normal.MaxConcurrentInstances)

	for i := range r.cfg.Instances {
		inst := r.cfg.Instances[i]
		if !inst.Enabled {
			continue
		}
		g.Go(func() error {
			res := r.runInstance(gctx, inst, prices)
			mu.Lock()
			sum.Instances = append(sum.Instances, res)
			if res.Err != "" {
				sum.Status = "degraded"
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return sum
}

func (r *Runner) runInstance(ctx context.Context, inst *config.InstanceConfig, prices map[string]float64) InstanceResult {
	res := InstanceResult{Key: inst.Key}

	// Reconciliation first, so the tick loop works from corrected records.
	rep := r.ctrl.Reconcile(ctx, inst, prices)
	res.Report = rep
	recordReportMetrics(inst.Key, rep)

	recs, err := r.store.LoadPositions(inst.Key)
	if err != nil {
		res.Err = fmt.Sprintf("failed to list position records: %v", err)
		logs.Errorf("[Monitor] %s: %s", inst.Key, res.Err)
		return res
	}

	now := r.nowFn()
	for _, rec := range recs {
		if !rec.ActiveOrPending() {
			continue
		}

		price, ok := prices[rec.Asset]
		if !ok {
			price, err = r.gw.FetchPrice(ctx, rec.Asset)
			if err != nil {
				logs.Warnf("[Monitor] %s: price fetch failed for %s: %v", inst.Key, rec.Asset, err)
				if risk.HandleFetchFailure(rec, now) {
					logs.Errorf("[Monitor] %s: %s deactivated after repeated fetch failures.", inst.Key, rec.Asset)
				}
				if serr := r.store.SavePosition(inst.Key, rec); serr != nil {
					logs.Errorf("[Monitor] %s: failed to persist fetch-failure state for %s: %v", inst.Key, rec.Asset, serr)
				}
				continue
			}
		}
		risk.ResetFetchFailures(rec)

		closer := func(wallet, asset, reason string) (bool, string) {
			return r.gw.ClosePosition(ctx, wallet, asset, reason)
		}
		tick := risk.Tick(rec, price, now, closer)
		res.Ticks = append(res.Ticks, tick)
		recordTickMetrics(inst.Key, tick)

		if tick.Status == risk.StatusClosed {
			logs.Infof("[Monitor] %s: closed %s (%s) pnl=%.4f roe=%.2f%%",
				inst.Key, rec.Asset, tick.Reason, tick.UnrealizedPnL, tick.ROEPct)
			r.bookRealizedPnL(inst, rec.Asset, tick.UnrealizedPnL)
		}

		if err := r.store.SavePosition(inst.Key, rec); err != nil {
			res.Err = fmt.Sprintf("failed to persist %s after tick: %v", rec.Asset, err)
			logs.Errorf("[Monitor] %s: %s", inst.Key, res.Err)
		}
	}

	return res
}

// bookRealizedPnL folds a completed close into the instance ledger.
func (r *Runner) bookRealizedPnL(inst *config.InstanceConfig, asset string, pnl float64) {
	ist, err := r.store.LoadInstance(inst.Key, inst.SlotCapacity)
	if err != nil {
		logs.Warnf("[Monitor] %s: failed to load instance ledger: %v", inst.Key, err)
		return
	}
	ist.RealizedPnL += pnl
	delete(ist.ActivePositions, asset)
	ist.SlotsAvailable = ist.SlotCapacity - len(ist.ActivePositions)
	ist.UpdatedAt = r.nowFn()
	if err := r.store.SaveInstance(ist); err != nil {
		logs.Warnf("[Monitor] %s: failed to persist instance ledger: %v", inst.Key, err)
	}
}

// Watch runs passes on the configured interval until ctx is cancelled.
func (r *Runner) Watch(ctx context.Context) error {
	interval := time.Duration(r.cfg.Normal.WatchIntervalSeconds) * time.Second
	heartbeat := time.Duration(r.cfg.Normal.HeartbeatIntervalMins) * time.Minute

	var srv interface{ Shutdown(context.Context) error }
	if addr := r.cfg.Normal.MetricsListenAddr; addr != "" {
		srv = metrics.Serve(addr)
	}
	defer func() {
		if srv != nil {
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shCtx)
		}
	}()

	logs.Infof("[Monitor] Watch mode started, interval=%s heartbeat=%s", interval, heartbeat)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	beat := time.NewTicker(heartbeat)
	defer beat.Stop()

	r.logPass(r.RunPass(ctx))
	for {
		select {
		case <-ctx.Done():
			logs.Info("[Monitor] Watch mode stopping.")
			return ctx.Err()
		case <-beat.C:
			r.logHeartbeat()
		case <-ticker.C:
			r.logPass(r.RunPass(ctx))
		}
	}
}

func (r *Runner) logPass(sum *Summary) {
	active := 0
	criticals := 0
	for _, ir := range sum.Instances {
		active += len(ir.Ticks)
		if ir.Report != nil {
			criticals += ir.Report.CriticalCount
		}
	}
	if criticals > 0 || sum.Status != "ok" {
		logs.Warnf("[Monitor] Pass %s %s in %s: %d instances, %d ticks, %d criticals",
			sum.PassID, sum.Status, sum.Duration, len(sum.Instances), active, criticals)
		return
	}
	logs.Debugf("[Monitor] Pass %s ok in %s: %d instances, %d ticks",
		sum.PassID, sum.Duration, len(sum.Instances), active)
}

func (r *Runner) logHeartbeat() {
	host, _ := os.Hostname()
	enabled := 0
	for _, inst := range r.cfg.Instances {
		if inst.Enabled {
			enabled++
		}
	}
	logs.Infof("[Monitor] Heartbeat: alive on %s, %d enabled instances, interval=%ds",
		host, enabled, r.cfg.Normal.WatchIntervalSeconds)
}

func recordTickMetrics(instanceKey string, t risk.TickResult) {
	metrics.TicksTotal.WithLabelValues(instanceKey, string(t.Status)).Inc()
	if t.Breached {
		metrics.BreachesTotal.Inc()
	}
	if t.Status == risk.StatusClosed {
		// The free-form Reason embeds prices and counts; only the fixed
		// code is safe as a label.
		metrics.ClosesTotal.WithLabelValues(t.ReasonCode).Inc()
	}
}

func recordReportMetrics(instanceKey string, rep *reconcile.Report) {
	for _, iss := range rep.Issues {
		metrics.ReconcileIssuesTotal.WithLabelValues(string(iss.Type), string(iss.Level)).Inc()
		metrics.ReconcileActionsTotal.WithLabelValues(string(iss.Action)).Inc()
	}
	if rep.UtilizationPct > 0 {
		metrics.MarginUtilizationPct.WithLabelValues(instanceKey).Set(rep.UtilizationPct)
	}
}
