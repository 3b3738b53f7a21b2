package reconciler

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"execution_gateway/internal/core"
)

// reconcilePositions snapshots the broker's positions into the store. The
// broker is authoritative: local symbols the broker no longer holds are
// flattened to zero. Returns (updated, flattened) counts.
func (s *Service) reconcilePositions(ctx context.Context, now time.Time) (int, int, error) {
	brokerPositions, err := s.broker.GetAllPositions(ctx)
	if err != nil {
		return 0, 0, err
	}

	// duplicate symbols: last occurrence wins
	bySymbol := make(map[string]core.BrokerPosition, len(brokerPositions))
	for _, bp := range brokerPositions {
		bySymbol[bp.Symbol] = bp
	}

	dbPositions, err := s.store.GetAllPositions(ctx)
	if err != nil {
		return 0, 0, err
	}

	if s.cfg.DryRun {
		s.logger.Info("Dry run: would reconcile positions",
			"broker_positions", len(bySymbol),
			"db_positions", len(dbPositions),
		)
		return 0, 0, nil
	}

	updated := 0
	for symbol, bp := range bySymbol {
		qty := decimal.Zero
		if bp.Qty != nil {
			qty = *bp.Qty
		}
		avgEntry := decimal.Zero
		if bp.AvgEntryPrice != nil {
			avgEntry = *bp.AvgEntryPrice
		}
		err := s.store.UpsertPositionSnapshot(ctx, core.Position{
			Symbol:        symbol,
			Qty:           qty,
			AvgEntryPrice: avgEntry,
			CurrentPrice:  bp.CurrentPrice,
			UpdatedAt:     now,
		})
		if err != nil {
			return updated, 0, err
		}
		updated++
	}

	flattened := 0
	for _, dbPos := range dbPositions {
		if _, held := bySymbol[dbPos.Symbol]; held {
			continue
		}
		if dbPos.Qty.IsZero() {
			continue
		}
		err := s.store.UpsertPositionSnapshot(ctx, core.Position{
			Symbol:        dbPos.Symbol,
			Qty:           decimal.Zero,
			AvgEntryPrice: decimal.Zero,
			CurrentPrice:  nil,
			UpdatedAt:     now,
		})
		if err != nil {
			return updated, flattened, err
		}
		s.logger.Warn("Position flattened",
			"symbol", dbPos.Symbol,
			"previous_qty", dbPos.Qty.String(),
		)
		flattened++
	}

	return updated, flattened, nil
}
