// reconcile/issues.go
package reconcile

import (
	"time"

	"github.com/google/uuid"
)

// Level is the severity of a reconciliation issue.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// IssueType classifies what the controller found.
type IssueType string

const (
	// TypeFetchFailed: the position snapshot could not be fetched; all
	// destructive actions are suspended for the pass.
	TypeFetchFailed IssueType = "FETCH_FAILED"
	// TypeMissingDSL: an exchange position has no local risk record.
	TypeMissingDSL IssueType = "MISSING_DSL"
	// TypeSchemaInvalid: the local record is unreadable or structurally invalid.
	TypeSchemaInvalid IssueType = "SCHEMA_INVALID"
	// TypeInactiveOpen: a deactivated local record fronts a still-open
	// position. Never auto-fixed.
	TypeInactiveOpen IssueType = "INACTIVE_OPEN"
	// TypeDirectionMismatch: stored direction disagrees with the exchange.
	TypeDirectionMismatch IssueType = "DIRECTION_MISMATCH"
	// TypeStateReconciled: size/entry/leverage drift patched in place.
	TypeStateReconciled IssueType = "STATE_RECONCILED"
	// TypeDSLStale: the record has not been ticked within the staleness window.
	TypeDSLStale IssueType = "DSL_STALE"
	// TypeOrphanDSL: an active local record with no exchange position.
	TypeOrphanDSL IssueType = "ORPHAN_DSL"
	// Instance-level bookkeeping drift.
	TypeStalePosition   IssueType = "STALE_POSITION"
	TypePhantomPosition IssueType = "PHANTOM_POSITION"
	TypeSlotMismatch    IssueType = "SLOT_MISMATCH"
	// Margin safety.
	TypeLiqInsideDSL IssueType = "LIQ_INSIDE_DSL"
	TypeLiqClose     IssueType = "LIQ_CLOSE"
	TypeMarginHigh   IssueType = "MARGIN_HIGH"
)

// Action is the concrete corrective action taken (or deliberately not taken).
type Action string

const (
	ActionAutoCreated      Action = "auto_created"
	ActionAutoReplaced     Action = "auto_replaced"
	ActionAutoDeactivated  Action = "auto_deactivated"
	ActionUpdatedState     Action = "updated_state"
	ActionAutoDownsized    Action = "auto_downsized"
	ActionAlertOnly        Action = "alert_only"
	ActionSkippedFetchErr  Action = "skipped_fetch_error"
	ActionFailed           Action = "failed"
)

// Issue is one finding of a reconciliation pass, with the action taken so a
// consuming operator can distinguish "fixed automatically", "needs your
// attention" and "skipped because data was unreliable this pass".
type Issue struct {
	ID          string    `json:"id"`
	Level       Level     `json:"level"`
	Type        IssueType `json:"type"`
	InstanceKey string    `json:"instance_key"`
	Asset       string    `json:"asset,omitempty"`
	Action      Action    `json:"action"`
	Message     string    `json:"message"`
}

// Report bundles one instance's reconciliation outcome. Status is "ok"
// until the first critical issue flips it to "critical".
type Report struct {
	InstanceKey    string    `json:"instance_key"`
	Wallet         string    `json:"wallet"`
	GeneratedAt    time.Time `json:"generated_at"`
	Status         string    `json:"status"`
	FetchFailed    bool      `json:"fetch_failed"`
	OnChainAssets  []string  `json:"on_chain_assets"`
	LocalActive    []string  `json:"local_active"`
	UtilizationPct float64   `json:"utilization_pct,omitempty"`
	Issues         []Issue   `json:"issues"`
	CriticalCount  int       `json:"critical_count"`
	ActionsTaken   int       `json:"actions_taken"`
}

func (r *Report) add(level Level, typ IssueType, asset string, action Action, message string) {
	r.Issues = append(r.Issues, Issue{
		ID:          uuid.NewString(),
		Level:       level,
		Type:        typ,
		InstanceKey: r.InstanceKey,
		Asset:       asset,
		Action:      action,
		Message:     message,
	})
	if level == LevelCritical {
		r.CriticalCount++
		r.Status = "critical"
	}
	switch action {
	case ActionAutoCreated, ActionAutoReplaced, ActionAutoDeactivated, ActionUpdatedState, ActionAutoDownsized:
		r.ActionsTaken++
	}
}
