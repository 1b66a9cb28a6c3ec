// orchestrator.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"trailguard/config"
	"trailguard/gateway"
	"trailguard/logs"
	"trailguard/monitor"
	"trailguard/reconcile"
	"trailguard/state"
)

type Orchestrator struct {
	cfg    *config.Config
	gw     gateway.Gateway
	store  *state.Store
	runner *monitor.Runner
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOrchestrator(cfg *config.Config, envCfg *config.EnvConfig) (*Orchestrator, error) {
	var gw gateway.Gateway
	if cfg.UseSimulation {
		gw = gateway.NewMockGateway()
		logs.Warnf("<<<<<<<<<< WARNING: Running in simulation mode, no orders will reach the exchange >>>>>>>>>>")
	} else {
		if envCfg.GatewayBaseURL == "" {
			return nil, fmt.Errorf("TRAILGUARD_GATEWAY_URL is not set; cannot reach the trading gateway")
		}
		gw = gateway.NewAPIClient(envCfg.GatewayBaseURL, envCfg.GatewayToken, cfg.Gateway)
	}

	st := state.NewStore(cfg.Normal.StateDirectory)
	ctrl := reconcile.NewController(st, gw, cfg)
	runner := monitor.NewRunner(cfg, st, gw, ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:    cfg,
		gw:     gw,
		store:  st,
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// RunOnce executes a single pass and writes the summary as JSON to stdout,
// so the binary composes with cron and shell pipelines.
func (o *Orchestrator) RunOnce() error {
	sum := o.runner.RunPass(o.ctx)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		return fmt.Errorf("failed to encode pass summary: %w", err)
	}
	if sum.Status != "ok" {
		return fmt.Errorf("pass completed with status %q", sum.Status)
	}
	return nil
}

// Start launches the watch loop in the background.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.runner.Watch(o.ctx); err != nil && err != context.Canceled {
			logs.Errorf("[Orchestrator] Watch loop exited: %v", err)
		}
	}()
}

// Stop cancels the watch loop and waits for it to drain.
func (o *Orchestrator) Stop() {
	logs.Info("[Orchestrator] Shutting down...")
	o.cancel()
	o.wg.Wait()
	logs.Info("[Orchestrator] Shutdown complete.")
}
