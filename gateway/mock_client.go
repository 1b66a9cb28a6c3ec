// gateway/mock_client.go
package gateway

import (
	"context"
	"fmt"
	"sync"
)

// Ensure MockGateway implements the Gateway interface.
var _ Gateway = (*MockGateway)(nil)

// OrderCall records one close/reduce invocation for test assertions.
type OrderCall struct {
	Wallet    string
	Asset     string
	ReducePct float64
	Reason    string
}

// MockGateway is an in-memory Gateway used in simulation mode and by tests.
// Prices, snapshots and order outcomes are all settable; every close/reduce
// call is recorded.
type MockGateway struct {
	mu sync.Mutex

	prices    map[string]float64
	snapshots map[string]*PositionSnapshot

	failPrices    bool
	failPositions bool

	// closeOutcomes is consumed front-to-back; when empty, closes succeed.
	closeOutcomes  []bool
	reduceOutcomes []bool

	CloseCalls  []OrderCall
	ReduceCalls []OrderCall
}

// NewMockGateway creates an empty mock gateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		prices:    make(map[string]float64),
		snapshots: make(map[string]*PositionSnapshot),
	}
}

// SetPrice sets the quoted price for an asset.
func (m *MockGateway) SetPrice(asset string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[asset] = price
}

// SetSnapshot sets the position snapshot returned for a wallet.
func (m *MockGateway) SetSnapshot(wallet string, snap *PositionSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[wallet] = snap
}

// FailPriceFetches makes all price fetches return an error.
func (m *MockGateway) FailPriceFetches(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPrices = fail
}

// FailPositionFetches makes FetchPositions return an error.
func (m *MockGateway) FailPositionFetches(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPositions = fail
}

// ScriptCloseOutcomes queues the results of upcoming ClosePosition calls.
func (m *MockGateway) ScriptCloseOutcomes(outcomes ...bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeOutcomes = append(m.closeOutcomes, outcomes...)
}

// ScriptReduceOutcomes queues the results of upcoming ReducePosition calls.
func (m *MockGateway) ScriptReduceOutcomes(outcomes ...bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reduceOutcomes = append(m.reduceOutcomes, outcomes...)
}

func (m *MockGateway) FetchPrice(_ context.Context, asset string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPrices {
		return 0, fmt.Errorf("mock: price fetch failed for %s", asset)
	}
	price, ok := m.prices[asset]
	if !ok {
		return 0, fmt.Errorf("mock: no price set for %s", asset)
	}
	return price, nil
}

func (m *MockGateway) FetchAllPrices(_ context.Context) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPrices {
		return nil, fmt.Errorf("mock: batch price fetch failed")
	}
	out := make(map[string]float64, len(m.prices))
	for k, v := range m.prices {
		out[k] = v
	}
	return out, nil
}

func (m *MockGateway) FetchPositions(_ context.Context, wallet string) (*PositionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPositions {
		return nil, fmt.Errorf("mock: position fetch failed for %s", wallet)
	}
	snap, ok := m.snapshots[wallet]
	if !ok {
		return &PositionSnapshot{}, nil
	}
	// Copy so callers cannot mutate the stored snapshot.
	cp := *snap
	cp.Positions = append([]ExternalPosition(nil), snap.Positions...)
	return &cp, nil
}

func (m *MockGateway) ClosePosition(_ context.Context, wallet, asset, reason string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls = append(m.CloseCalls, OrderCall{Wallet: wallet, Asset: asset, Reason: reason})
	if len(m.closeOutcomes) > 0 {
		ok := m.closeOutcomes[0]
		m.closeOutcomes = m.closeOutcomes[1:]
		if !ok {
			return false, "mock: close rejected"
		}
	}
	return true, "filled"
}

func (m *MockGateway) ReducePosition(_ context.Context, wallet, asset string, reducePct float64, reason string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReduceCalls = append(m.ReduceCalls, OrderCall{Wallet: wallet, Asset: asset, ReducePct: reducePct, Reason: reason})
	if len(m.reduceOutcomes) > 0 {
		ok := m.reduceOutcomes[0]
		m.reduceOutcomes = m.reduceOutcomes[1:]
		if !ok {
			return false, "mock: reduce rejected"
		}
	}
	return true, "reduced"
}
