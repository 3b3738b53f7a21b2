package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// GetOrdersRequest filters a broker order listing
type GetOrdersRequest struct {
	State string // "open", "closed" or "" for all
	After *time.Time
	Until *time.Time
}

// ActivityRequest pages through broker account activities
type ActivityRequest struct {
	After     time.Time
	Until     time.Time
	PageSize  int
	PageToken string
	Direction string // "asc" or "desc"
}

// IBrokerClient is the broker of record. All methods may fail with
// apperrors.ErrConnection when the broker is unreachable.
type IBrokerClient interface {
	GetOrders(ctx context.Context, req GetOrdersRequest) ([]BrokerOrder, error)
	// GetOrderByClientID returns (nil, nil) when the broker has no such order.
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*BrokerOrder, error)
	GetAllPositions(ctx context.Context) ([]BrokerPosition, error)
	GetAccountActivities(ctx context.Context, req ActivityRequest) ([]Activity, error)
}

// IStoreTx groups the store operations that run inside a transaction.
// Implementations commit on clean return from the Transaction callback and
// roll back when it returns an error.
type IStoreTx interface {
	// GetOrderForUpdate locks and returns an order, or (nil, nil) if absent.
	GetOrderForUpdate(ctx context.Context, clientOrderID string) (*Order, error)
	// AppendFillToOrderMetadata appends a fill, idempotent on FillID.
	// Returns (nil, nil) when the fill id is already present.
	AppendFillToOrderMetadata(ctx context.Context, clientOrderID string, fill FillRecord) (*Order, error)
	// MarkSyntheticFillsSuperseded flags unsuperseded synthetic fills on an
	// order, returning how many were flagged.
	MarkSyntheticFillsSuperseded(ctx context.Context, clientOrderID string) (int, error)
	// UpdateOrderStatusCAS applies a guarded state transition, or returns
	// (nil, nil) when the guards reject it.
	UpdateOrderStatusCAS(ctx context.Context, upd CASUpdate) (*Order, error)
	// RecalculateTradeRealizedPnL recomputes realized P&L for a strategy's
	// trades on a symbol, returning the number of trades updated.
	RecalculateTradeRealizedPnL(ctx context.Context, strategyID, symbol string, updateAll bool) (int, error)
}

// IStore is the durable store behind the gateway
type IStore interface {
	// High-water marks
	GetHighWaterMark(ctx context.Context, name string) (*time.Time, error)
	SetHighWaterMark(ctx context.Context, name string, mark time.Time) error

	// Orders
	GetNonTerminalOrders(ctx context.Context) ([]Order, error)
	GetOrderIDsByClientIDs(ctx context.Context, clientOrderIDs []string) (map[string]struct{}, error)
	GetOrdersByBrokerIDs(ctx context.Context, brokerOrderIDs []string) (map[string]Order, error)
	GetFilledOrdersMissingFills(ctx context.Context, limit int) ([]Order, error)
	UpdateOrderStatusCAS(ctx context.Context, upd CASUpdate) (*Order, error)

	// Orphans
	CreateOrphanOrder(ctx context.Context, orphan OrphanOrder) error
	UpdateOrphanOrderStatus(ctx context.Context, brokerOrderID, status string, resolvedAt *time.Time) error
	GetOrphanExposure(ctx context.Context, symbol, strategyID string) (decimal.Decimal, error)

	// Positions
	GetAllPositions(ctx context.Context) ([]Position, error)
	UpsertPositionSnapshot(ctx context.Context, pos Position) error

	// Transaction runs fn inside a single transaction
	Transaction(ctx context.Context, fn func(tx IStoreTx) error) error
}

// ICache is the quarantine/exposure key-value cache. Writes may fail
// independently of the store; callers on the reconciliation path log and
// swallow cache errors because the submission path fails closed.
type ICache interface {
	Set(ctx context.Context, key, value string) error
}

// IReconciler drives reconciliation against the broker of record
type IReconciler interface {
	Start(ctx context.Context) error
	Stop() error
	RunOnce(ctx context.Context, source string) (*CycleResult, error)
	TriggerManual(ctx context.Context) (*CycleResult, error)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
