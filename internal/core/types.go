// Package core defines the domain model and interfaces for the execution gateway
package core

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the local lifecycle status of an order
type OrderStatus string

const (
	StatusPendingNew           OrderStatus = "pending_new"
	StatusSubmittedUnconfirmed OrderStatus = "submitted_unconfirmed"
	StatusNew                  OrderStatus = "new"
	StatusPartiallyFilled      OrderStatus = "partially_filled"
	StatusFilled               OrderStatus = "filled"
	StatusCanceled             OrderStatus = "canceled"
	StatusExpired              OrderStatus = "expired"
	StatusRejected             OrderStatus = "rejected"
	StatusFailed               OrderStatus = "failed"
)

// TerminalStatuses is the set of statuses an order never leaves
var TerminalStatuses = []OrderStatus{
	StatusFilled,
	StatusCanceled,
	StatusExpired,
	StatusRejected,
	StatusFailed,
}

// IsTerminal reports whether the status is absorbing
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// SourcePriority ranks concurrent writers; lower wins on conflict
type SourcePriority int

const (
	PriorityManual         SourcePriority = 1
	PriorityReconciliation SourcePriority = 2
	PriorityWebhook        SourcePriority = 3
)

// Fill sources
const (
	FillSourceWebhook        = "webhook"
	FillSourceAlpacaActivity = "alpaca_activity"
	FillSourceReconBackfill  = "reconciliation_backfill"
	FillSourceReconDB        = "reconciliation_db_backfill"
)

// StrategyExternal is the sentinel strategy for orders the gateway never placed
const StrategyExternal = "external"

// StrategyWildcard blocks every strategy on a symbol when used in a quarantine key
const StrategyWildcard = "*"

// FillQty holds a fill quantity as stored in order metadata. Integer-valued
// quantities serialize as bare JSON numbers, fractional ones as strings so
// precision survives round-trips through metadata blobs.
type FillQty string

// NewFillQty builds a FillQty from a decimal
func NewFillQty(d decimal.Decimal) FillQty {
	return FillQty(d.String())
}

// Decimal parses the quantity. Legacy metadata rows may carry garbage here;
// callers skip records whose quantity does not parse.
func (q FillQty) Decimal() (decimal.Decimal, error) {
	return decimal.NewFromString(string(q))
}

// MarshalJSON emits an integer-valued quantity as a number, otherwise a string
func (q FillQty) MarshalJSON() ([]byte, error) {
	if d, err := decimal.NewFromString(string(q)); err == nil && d.IsInteger() {
		return []byte(d.String()), nil
	}
	return json.Marshal(string(q))
}

// UnmarshalJSON accepts both number and string forms
func (q *FillQty) UnmarshalJSON(data []byte) error {
	if strings.HasPrefix(string(data), `"`) {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*q = FillQty(v)
		return nil
	}
	*q = FillQty(data)
	return nil
}

// FillRecord is a single fill persisted in an order's metadata
type FillRecord struct {
	FillID     string  `json:"fill_id"`
	FillQty    FillQty `json:"fill_qty"`
	FillPrice  string  `json:"fill_price"`
	RealizedPL string  `json:"realized_pl"`
	Timestamp  string  `json:"timestamp"`
	Synthetic  bool    `json:"synthetic,omitempty"`
	Source     string  `json:"source,omitempty"`
	Superseded bool    `json:"superseded,omitempty"`
}

// SyntheticFill is the in-memory result of the fill gap computation. The
// missing quantity is carried for logging only and never persisted.
type SyntheticFill struct {
	Record     FillRecord
	MissingQty decimal.Decimal
}

// OrderMetadata is the structured metadata blob attached to an order
type OrderMetadata struct {
	Fills []FillRecord `json:"fills"`
}

// Order is a locally tracked order, identified by its client order id
type Order struct {
	ClientOrderID  string
	BrokerOrderID  string
	Symbol         string
	StrategyID     string
	Side           string
	Status         OrderStatus
	SourcePriority SourcePriority
	FilledQty      *decimal.Decimal
	FilledAvgPrice *decimal.Decimal
	Metadata       OrderMetadata
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FilledAt       *time.Time
}

// CASUpdate is a compare-and-swap order state transition request
type CASUpdate struct {
	ClientOrderID  string
	Status         OrderStatus
	SourcePriority SourcePriority
	FilledQty      *decimal.Decimal
	FilledAvgPrice *decimal.Decimal
	UpdatedAt      time.Time
	BrokerOrderID  string
}

// Position is a locally tracked position snapshot
type Position struct {
	Symbol        string
	Qty           decimal.Decimal
	AvgEntryPrice decimal.Decimal
	CurrentPrice  *string // opaque broker value, passed through unchanged
	UpdatedAt     time.Time
}

// OrphanOrder records a broker order the gateway never placed
type OrphanOrder struct {
	BrokerOrderID     string
	ClientOrderID     string
	Symbol            string
	StrategyID        string
	Side              string
	Status            string
	Qty               *decimal.Decimal
	FilledQty         *decimal.Decimal
	LimitPrice        *decimal.Decimal
	EstimatedNotional decimal.Decimal
	FirstSeenAt       time.Time
	LastSeenAt        time.Time
	ResolvedAt        *time.Time
}

// BrokerOrder is the narrow parsed view of a broker order record
type BrokerOrder struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           string
	Status         string
	Qty            *decimal.Decimal
	FilledQty      *decimal.Decimal
	FilledAvgPrice *decimal.Decimal
	LimitPrice     *decimal.Decimal
	Notional       *decimal.Decimal
	CreatedAt      *time.Time
	UpdatedAt      *time.Time
}

// EffectiveTime returns the order's most recent known timestamp, if any
func (o *BrokerOrder) EffectiveTime() *time.Time {
	if o.UpdatedAt != nil {
		return o.UpdatedAt
	}
	return o.CreatedAt
}

// BrokerPosition is the narrow parsed view of a broker position record
type BrokerPosition struct {
	Symbol        string
	Qty           *decimal.Decimal
	AvgEntryPrice *decimal.Decimal
	CurrentPrice  *string // opaque, not parsed
}

// Activity is a single account activity (FILL) from the broker
type Activity struct {
	ID              string
	OrderID         string
	Symbol          string
	Side            string
	Qty             *decimal.Decimal
	Price           *decimal.Decimal
	TransactionTime *time.Time
	ActivityTime    *time.Time
}

// TradeUpdate is a message from the broker's trade update stream
type TradeUpdate struct {
	Event       string
	ExecutionID string
	Order       BrokerOrder
	FillQty     *decimal.Decimal
	FillPrice   *decimal.Decimal
	Timestamp   *time.Time
}

// CycleResult is the outcome of a single reconciliation cycle
type CycleResult struct {
	Status             string    `json:"status"`
	Source             string    `json:"source"`
	StartedAt          time.Time `json:"started_at"`
	CompletedAt        time.Time `json:"completed_at"`
	OrdersSynced       int       `json:"orders_synced"`
	ConflictsSkipped   int       `json:"conflicts_skipped"`
	MissingChecked     int       `json:"missing_checked"`
	OrphansDetected    int       `json:"orphans_detected"`
	FillsBackfilled    int       `json:"fills_backfilled"`
	PositionsUpdated   int       `json:"positions_updated"`
	PositionsFlattened int       `json:"positions_flattened"`
	Error              string    `json:"error,omitempty"`
	Mode               string    `json:"mode,omitempty"`
}

// Cycle result statuses
const (
	CycleSuccess = "success"
	CycleFailed  = "failed"
)

// BackfillResult is the outcome of a broker activity backfill pass
type BackfillResult struct {
	Status        string    `json:"status"`
	FillsSeen     int       `json:"fills_seen"`
	FillsInserted int       `json:"fills_inserted"`
	Unmatched     int       `json:"unmatched"`
	PnLUpdates    int       `json:"pnl_updates"`
	PnLFailures   int       `json:"pnl_failures"`
	After         time.Time `json:"after"`
	Until         time.Time `json:"until"`
}

// Backfill result statuses
const (
	BackfillDisabled = "disabled"
	BackfillOK       = "ok"
)

// OverrideContext records a forced startup bypass
type OverrideContext struct {
	UserID     string       `json:"user_id"`
	Reason     string       `json:"reason"`
	Timestamp  time.Time    `json:"timestamp"`
	LastResult *CycleResult `json:"last_reconciliation_result,omitempty"`
}
