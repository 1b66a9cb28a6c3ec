package gateway

import "context"

// Direction of a perp position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// ExternalPosition is one on-chain position as reported by the trading
// gateway. It is read-only from this module's point of view: the exchange
// ledger is authoritative and local state is reconciled against it.
type ExternalPosition struct {
	Coin             string    `json:"coin"`
	Direction        Direction `json:"direction"`
	Size             float64   `json:"size"`
	EntryPrice       float64   `json:"entry_price"`
	Leverage         float64   `json:"leverage"`
	MarginUsed       float64   `json:"margin_used"`
	PositionValue    float64   `json:"position_value"`
	LiquidationPrice float64   `json:"liquidation_price"`
}

// HasCompleteFillData reports whether the position carries enough data to
// safely synthesize a local risk record from it.
func (p *ExternalPosition) HasCompleteFillData() bool {
	return p.EntryPrice > 0 && p.Size > 0 && p.Leverage > 0
}

// MarginSummary is the account-level margin snapshot.
type MarginSummary struct {
	AccountValue    float64 `json:"account_value"`
	TotalMarginUsed float64 `json:"total_margin_used"`
	TotalNotional   float64 `json:"total_notional"`
}

// PositionSnapshot bundles one wallet's positions across all sub-ledgers
// (main and isolated margin) with the account margin summary.
type PositionSnapshot struct {
	Positions         []ExternalPosition `json:"positions"`
	Margin            MarginSummary      `json:"margin"`
	MaintenanceMargin float64            `json:"maintenance_margin"`
}

// Gateway is the capability interface over the external trading gateway.
// Close and reduce report (ok, detail) rather than an error: a rejected
// order is an outcome to record, not a transport failure.
type Gateway interface {
	// FetchPrice returns the current mid price for one asset.
	FetchPrice(ctx context.Context, asset string) (float64, error)

	// FetchAllPrices returns a market-wide price map. Preferred when
	// ticking many positions: fetch once, share read-only.
	FetchAllPrices(ctx context.Context) (map[string]float64, error)

	// FetchPositions returns the wallet's full position snapshot.
	FetchPositions(ctx context.Context, wallet string) (*PositionSnapshot, error)

	// ClosePosition market-closes the wallet's position in asset.
	// A "no open position" response counts as success (idempotent close).
	ClosePosition(ctx context.Context, wallet, asset, reason string) (bool, string)

	// ReducePosition reduces the position by reducePct percent of its size.
	ReducePosition(ctx context.Context, wallet, asset string, reducePct float64, reason string) (bool, string)
}
