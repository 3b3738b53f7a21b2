// Package store implements the durable order/position/orphan store on SQLite
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"execution_gateway/internal/core"
	"execution_gateway/pkg/apperrors"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// timeLayout is fixed-width so stored timestamps compare correctly as text
// (the CAS guard and high-water-mark upsert compare them in SQL)
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SQLiteStore implements core.IStore
type SQLiteStore struct {
	db     *sql.DB
	logger core.ILogger
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		client_order_id  TEXT PRIMARY KEY,
		broker_order_id  TEXT NOT NULL DEFAULT '',
		symbol           TEXT NOT NULL,
		strategy_id      TEXT NOT NULL,
		side             TEXT NOT NULL,
		status           TEXT NOT NULL,
		source_priority  INTEGER NOT NULL DEFAULT 3,
		filled_qty       TEXT,
		filled_avg_price TEXT,
		metadata         TEXT,
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL,
		filled_at        TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_broker_id ON orders(broker_order_id)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
	`CREATE TABLE IF NOT EXISTS orphan_orders (
		broker_order_id    TEXT PRIMARY KEY,
		client_order_id    TEXT NOT NULL DEFAULT '',
		symbol             TEXT NOT NULL,
		strategy_id        TEXT NOT NULL,
		side               TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL,
		qty                TEXT,
		filled_qty         TEXT,
		limit_price        TEXT,
		estimated_notional TEXT NOT NULL DEFAULT '0',
		first_seen_at      TEXT NOT NULL,
		last_seen_at       TEXT NOT NULL,
		resolved_at        TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS positions (
		symbol          TEXT PRIMARY KEY,
		qty             TEXT NOT NULL,
		avg_entry_price TEXT NOT NULL,
		current_price   TEXT,
		updated_at      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy_id  TEXT NOT NULL,
		symbol       TEXT NOT NULL,
		realized_pnl TEXT NOT NULL DEFAULT '0',
		pnl_stale    INTEGER NOT NULL DEFAULT 1,
		updated_at   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_strategy_symbol ON trades(strategy_id, symbol)`,
	`CREATE TABLE IF NOT EXISTS reconciliation_marks (
		name    TEXT PRIMARY KEY,
		mark_at TEXT NOT NULL
	)`,
}

// NewSQLiteStore opens the database, enables WAL and applies the schema
func NewSQLiteStore(dbPath string, logger core.ILogger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_store"),
	}, nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- helpers ---

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func decToNull(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func timeToNull(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func terminalPlaceholders() (string, []interface{}) {
	ph := make([]string, len(core.TerminalStatuses))
	args := make([]interface{}, len(core.TerminalStatuses))
	for i, st := range core.TerminalStatuses {
		ph[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(ph, ","), args
}

const orderColumns = `client_order_id, broker_order_id, symbol, strategy_id, side, status,
	source_priority, filled_qty, filled_avg_price, metadata, created_at, updated_at, filled_at`

func scanOrder(row interface{ Scan(...interface{}) error }) (*core.Order, error) {
	var (
		o                        core.Order
		priority                 int
		filledQty, filledPrice   sql.NullString
		metadata                 sql.NullString
		createdAt, updatedAt     string
		filledAt                 sql.NullString
	)
	err := row.Scan(
		&o.ClientOrderID, &o.BrokerOrderID, &o.Symbol, &o.StrategyID, &o.Side, &o.Status,
		&priority, &filledQty, &filledPrice, &metadata, &createdAt, &updatedAt, &filledAt,
	)
	if err != nil {
		return nil, err
	}
	o.SourcePriority = core.SourcePriority(priority)

	if filledQty.Valid {
		d, err := decimal.NewFromString(filledQty.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt filled_qty for %s: %w", o.ClientOrderID, err)
		}
		o.FilledQty = &d
	}
	if filledPrice.Valid {
		d, err := decimal.NewFromString(filledPrice.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt filled_avg_price for %s: %w", o.ClientOrderID, err)
		}
		o.FilledAvgPrice = &d
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &o.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata for %s: %w", o.ClientOrderID, err)
		}
	}
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("corrupt created_at for %s: %w", o.ClientOrderID, err)
	}
	if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("corrupt updated_at for %s: %w", o.ClientOrderID, err)
	}
	if filledAt.Valid {
		t, err := parseTime(filledAt.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt filled_at for %s: %w", o.ClientOrderID, err)
		}
		o.FilledAt = &t
	}
	return &o, nil
}

func getOrder(ctx context.Context, q querier, clientOrderID string) (*core.Order, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE client_order_id = ?`, clientOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

// --- high-water marks ---

// GetHighWaterMark returns the mark for a named stream, or nil when unset
func (s *SQLiteStore) GetHighWaterMark(ctx context.Context, name string) (*time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT mark_at FROM reconciliation_marks WHERE name = ?`, name).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read high-water mark %q: %w", name, err)
	}
	t, err := parseTime(raw)
	if err != nil {
		return nil, fmt.Errorf("corrupt high-water mark %q: %w", name, err)
	}
	return &t, nil
}

// SetHighWaterMark advances the mark for a named stream; it never regresses
func (s *SQLiteStore) SetHighWaterMark(ctx context.Context, name string, mark time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reconciliation_marks(name, mark_at) VALUES(?, ?)
		 ON CONFLICT(name) DO UPDATE SET mark_at = excluded.mark_at
		 WHERE excluded.mark_at > reconciliation_marks.mark_at`,
		name, fmtTime(mark))
	if err != nil {
		return fmt.Errorf("failed to set high-water mark %q: %w", name, err)
	}
	return nil
}

// --- orders ---

// GetNonTerminalOrders returns every order still in flight
func (s *SQLiteStore) GetNonTerminalOrders(ctx context.Context) ([]core.Order, error) {
	ph, args := terminalPlaceholders()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status NOT IN (`+ph+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query non-terminal orders: %w", err)
	}
	defer rows.Close()

	var orders []core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// GetOrderIDsByClientIDs returns which of the given client order ids exist locally
func (s *SQLiteStore) GetOrderIDsByClientIDs(ctx context.Context, clientOrderIDs []string) (map[string]struct{}, error) {
	known := make(map[string]struct{}, len(clientOrderIDs))
	if len(clientOrderIDs) == 0 {
		return known, nil
	}

	ph := make([]string, len(clientOrderIDs))
	args := make([]interface{}, len(clientOrderIDs))
	for i, id := range clientOrderIDs {
		ph[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT client_order_id FROM orders WHERE client_order_id IN (`+strings.Join(ph, ",")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query order ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		known[id] = struct{}{}
	}
	return known, rows.Err()
}

// GetOrdersByBrokerIDs returns local orders keyed by broker order id
func (s *SQLiteStore) GetOrdersByBrokerIDs(ctx context.Context, brokerOrderIDs []string) (map[string]core.Order, error) {
	result := make(map[string]core.Order, len(brokerOrderIDs))
	if len(brokerOrderIDs) == 0 {
		return result, nil
	}

	ph := make([]string, len(brokerOrderIDs))
	args := make([]interface{}, len(brokerOrderIDs))
	for i, id := range brokerOrderIDs {
		ph[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE broker_order_id IN (`+strings.Join(ph, ",")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders by broker ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result[o.BrokerOrderID] = *o
	}
	return result, rows.Err()
}

// GetFilledOrdersMissingFills returns filled orders whose metadata has no fill records
func (s *SQLiteStore) GetFilledOrdersMissingFills(ctx context.Context, limit int) ([]core.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = ? AND filled_qty IS NOT NULL
		   AND (metadata IS NULL
		        OR json_extract(metadata, '$.fills') IS NULL
		        OR json_array_length(json_extract(metadata, '$.fills')) = 0)
		 LIMIT ?`,
		string(core.StatusFilled), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query filled orders missing fills: %w", err)
	}
	defer rows.Close()

	var orders []core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// updateOrderStatusCAS applies the guarded transition on any querier
func updateOrderStatusCAS(ctx context.Context, q querier, upd core.CASUpdate) (*core.Order, error) {
	ph, terminalArgs := terminalPlaceholders()

	args := []interface{}{
		string(upd.Status),
		int(upd.SourcePriority),
		decToNull(upd.FilledQty),
		decToNull(upd.FilledAvgPrice),
		fmtTime(upd.UpdatedAt),
		upd.BrokerOrderID, upd.BrokerOrderID,
		string(upd.Status), string(core.StatusFilled), fmtTime(upd.UpdatedAt),
		upd.ClientOrderID,
		int(upd.SourcePriority),
	}
	args = append(args, terminalArgs...)
	args = append(args, fmtTime(upd.UpdatedAt))

	res, err := q.ExecContext(ctx,
		`UPDATE orders SET
			status = ?,
			source_priority = ?,
			filled_qty = COALESCE(?, filled_qty),
			filled_avg_price = COALESCE(?, filled_avg_price),
			updated_at = ?,
			broker_order_id = CASE WHEN ? != '' THEN ? ELSE broker_order_id END,
			filled_at = CASE WHEN ? = ? AND filled_at IS NULL THEN ? ELSE filled_at END
		 WHERE client_order_id = ?
		   AND source_priority >= ?
		   AND status NOT IN (`+ph+`)
		   AND updated_at <= ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("CAS update failed for %s: %w", upd.ClientOrderID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// guard rejected: terminal, higher-priority writer, or stale timestamp
		return nil, nil
	}
	return getOrder(ctx, q, upd.ClientOrderID)
}

// UpdateOrderStatusCAS applies a guarded transition outside any caller transaction
func (s *SQLiteStore) UpdateOrderStatusCAS(ctx context.Context, upd core.CASUpdate) (*core.Order, error) {
	var out *core.Order
	err := s.Transaction(ctx, func(tx core.IStoreTx) error {
		var err error
		out, err = tx.UpdateOrderStatusCAS(ctx, upd)
		return err
	})
	return out, err
}

// --- orphans ---

// CreateOrphanOrder persists an orphan sighting, updating it in place when
// the broker order has been seen before
func (s *SQLiteStore) CreateOrphanOrder(ctx context.Context, orphan core.OrphanOrder) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orphan_orders (
			broker_order_id, client_order_id, symbol, strategy_id, side, status,
			qty, filled_qty, limit_price, estimated_notional, first_seen_at, last_seen_at, resolved_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(broker_order_id) DO UPDATE SET
			status = excluded.status,
			qty = excluded.qty,
			filled_qty = excluded.filled_qty,
			estimated_notional = excluded.estimated_notional,
			last_seen_at = excluded.last_seen_at`,
		orphan.BrokerOrderID, orphan.ClientOrderID, orphan.Symbol, orphan.StrategyID,
		orphan.Side, orphan.Status,
		decToNull(orphan.Qty), decToNull(orphan.FilledQty), decToNull(orphan.LimitPrice),
		orphan.EstimatedNotional.String(),
		fmtTime(orphan.FirstSeenAt), fmtTime(orphan.LastSeenAt), timeToNull(orphan.ResolvedAt))
	if err != nil {
		return fmt.Errorf("failed to persist orphan order %s: %w", orphan.BrokerOrderID, err)
	}
	return nil
}

// UpdateOrphanOrderStatus updates an orphan's status and stamps resolution
func (s *SQLiteStore) UpdateOrphanOrderStatus(ctx context.Context, brokerOrderID, status string, resolvedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orphan_orders SET status = ?, resolved_at = COALESCE(?, resolved_at)
		 WHERE broker_order_id = ?`,
		status, timeToNull(resolvedAt), brokerOrderID)
	if err != nil {
		return fmt.Errorf("failed to update orphan order %s: %w", brokerOrderID, err)
	}
	return nil
}

// GetOrphanExposure sums the estimated notional of unresolved orphans
func (s *SQLiteStore) GetOrphanExposure(ctx context.Context, symbol, strategyID string) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT estimated_notional FROM orphan_orders
		 WHERE symbol = ? AND strategy_id = ? AND resolved_at IS NULL`,
		symbol, strategyID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query orphan exposure: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, err
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt estimated_notional for %s:%s: %w", strategyID, symbol, err)
		}
		total = total.Add(d)
	}
	return total, rows.Err()
}

// --- positions ---

// GetAllPositions returns every locally tracked position
func (s *SQLiteStore) GetAllPositions(ctx context.Context) ([]core.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, qty, avg_entry_price, current_price, updated_at FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []core.Position
	for rows.Next() {
		var (
			p            core.Position
			qty, avg     string
			currentPrice sql.NullString
			updatedAt    string
		)
		if err := rows.Scan(&p.Symbol, &qty, &avg, &currentPrice, &updatedAt); err != nil {
			return nil, err
		}
		if p.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("corrupt qty for position %s: %w", p.Symbol, err)
		}
		if p.AvgEntryPrice, err = decimal.NewFromString(avg); err != nil {
			return nil, fmt.Errorf("corrupt avg_entry_price for position %s: %w", p.Symbol, err)
		}
		if currentPrice.Valid {
			v := currentPrice.String
			p.CurrentPrice = &v
		}
		if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("corrupt updated_at for position %s: %w", p.Symbol, err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// UpsertPositionSnapshot writes a broker-authoritative position snapshot
func (s *SQLiteStore) UpsertPositionSnapshot(ctx context.Context, pos core.Position) error {
	var currentPrice interface{}
	if pos.CurrentPrice != nil {
		currentPrice = *pos.CurrentPrice
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO positions (symbol, qty, avg_entry_price, current_price, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(symbol) DO UPDATE SET
			qty = excluded.qty,
			avg_entry_price = excluded.avg_entry_price,
			current_price = excluded.current_price,
			updated_at = excluded.updated_at`,
		pos.Symbol, pos.Qty.String(), pos.AvgEntryPrice.String(), currentPrice, fmtTime(pos.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert position %s: %w", pos.Symbol, err)
	}
	return nil
}

// --- transactions ---

type sqliteTx struct {
	tx *sql.Tx
}

// Transaction runs fn in a single transaction, committing on clean return
func (s *SQLiteStore) Transaction(ctx context.Context, fn func(tx core.IStoreTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// GetOrderForUpdate returns an order under the transaction's write lock
func (t *sqliteTx) GetOrderForUpdate(ctx context.Context, clientOrderID string) (*core.Order, error) {
	return getOrder(ctx, t.tx, clientOrderID)
}

// UpdateOrderStatusCAS applies a guarded transition inside the transaction
func (t *sqliteTx) UpdateOrderStatusCAS(ctx context.Context, upd core.CASUpdate) (*core.Order, error) {
	return updateOrderStatusCAS(ctx, t.tx, upd)
}

// AppendFillToOrderMetadata appends a fill record, rejecting duplicate fill ids
func (t *sqliteTx) AppendFillToOrderMetadata(ctx context.Context, clientOrderID string, fill core.FillRecord) (*core.Order, error) {
	order, err := getOrder(ctx, t.tx, clientOrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, clientOrderID)
	}

	for _, existing := range order.Metadata.Fills {
		if existing.FillID == fill.FillID {
			// idempotent on fill id
			return nil, nil
		}
	}

	order.Metadata.Fills = append(order.Metadata.Fills, fill)
	data, err := json.Marshal(order.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata for %s: %w", clientOrderID, err)
	}

	// fill timestamps arrive as RFC3339Nano; filled_at is stored in the
	// fixed-width layout the row scanners and the CAS guard compare on. A
	// timestamp that does not parse leaves filled_at alone.
	var filledAt interface{}
	if ts, err := time.Parse(time.RFC3339Nano, fill.Timestamp); err == nil {
		filledAt = fmtTime(ts)
	}

	if _, err := t.tx.ExecContext(ctx,
		`UPDATE orders SET metadata = ?,
			filled_at = COALESCE(filled_at, ?)
		 WHERE client_order_id = ?`,
		string(data), filledAt, clientOrderID); err != nil {
		return nil, fmt.Errorf("failed to append fill to %s: %w", clientOrderID, err)
	}

	return order, nil
}

// MarkSyntheticFillsSuperseded flags every unsuperseded synthetic fill on the order
func (t *sqliteTx) MarkSyntheticFillsSuperseded(ctx context.Context, clientOrderID string) (int, error) {
	order, err := getOrder(ctx, t.tx, clientOrderID)
	if err != nil {
		return 0, err
	}
	if order == nil {
		return 0, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, clientOrderID)
	}

	marked := 0
	for i := range order.Metadata.Fills {
		if order.Metadata.Fills[i].Synthetic && !order.Metadata.Fills[i].Superseded {
			order.Metadata.Fills[i].Superseded = true
			marked++
		}
	}
	if marked == 0 {
		return 0, nil
	}

	data, err := json.Marshal(order.Metadata)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal metadata for %s: %w", clientOrderID, err)
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE orders SET metadata = ? WHERE client_order_id = ?`,
		string(data), clientOrderID); err != nil {
		return 0, fmt.Errorf("failed to supersede synthetic fills on %s: %w", clientOrderID, err)
	}
	return marked, nil
}

// RecalculateTradeRealizedPnL recomputes a strategy/symbol trade group's
// realized P&L from the non-superseded fills recorded on its orders
func (t *sqliteTx) RecalculateTradeRealizedPnL(ctx context.Context, strategyID, symbol string, updateAll bool) (int, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT metadata FROM orders WHERE strategy_id = ? AND symbol = ? AND metadata IS NOT NULL`,
		strategyID, symbol)
	if err != nil {
		return 0, fmt.Errorf("failed to query orders for pnl recalc: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return 0, err
		}
		var meta core.OrderMetadata
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return 0, fmt.Errorf("corrupt metadata in pnl recalc for %s:%s: %w", strategyID, symbol, err)
		}
		for _, fill := range meta.Fills {
			if fill.Superseded {
				continue
			}
			pl, err := decimal.NewFromString(fill.RealizedPL)
			if err != nil {
				continue
			}
			total = total.Add(pl)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	query := `UPDATE trades SET realized_pnl = ?, pnl_stale = 0, updated_at = ?
		  WHERE strategy_id = ? AND symbol = ?`
	if !updateAll {
		query += ` AND pnl_stale = 1`
	}
	res, err := t.tx.ExecContext(ctx, query,
		total.String(), fmtTime(time.Now()), strategyID, symbol)
	if err != nil {
		return 0, fmt.Errorf("failed to update trades for %s:%s: %w", strategyID, symbol, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// InsertOrder creates an order row. Order entry lives outside the
// reconciliation core; this is the insert path it (and the tests) use.
func (s *SQLiteStore) InsertOrder(ctx context.Context, o core.Order) error {
	var metadata interface{}
	if len(o.Metadata.Fills) > 0 {
		data, err := json.Marshal(o.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for %s: %w", o.ClientOrderID, err)
		}
		metadata = string(data)
	}
	priority := o.SourcePriority
	if priority == 0 {
		priority = core.PriorityWebhook
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (
			client_order_id, broker_order_id, symbol, strategy_id, side, status,
			source_priority, filled_qty, filled_avg_price, metadata, created_at, updated_at, filled_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ClientOrderID, o.BrokerOrderID, o.Symbol, o.StrategyID, o.Side, string(o.Status),
		int(priority), decToNull(o.FilledQty), decToNull(o.FilledAvgPrice), metadata,
		fmtTime(o.CreatedAt), fmtTime(o.UpdatedAt), timeToNull(o.FilledAt))
	if err != nil {
		return fmt.Errorf("failed to insert order %s: %w", o.ClientOrderID, err)
	}
	return nil
}

// InsertTrade creates a trade row for P&L tracking
func (s *SQLiteStore) InsertTrade(ctx context.Context, strategyID, symbol string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (strategy_id, symbol, updated_at) VALUES (?, ?, ?)`,
		strategyID, symbol, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to insert trade for %s:%s: %w", strategyID, symbol, err)
	}
	return nil
}
