package reconciler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"execution_gateway/internal/core"
)

// Computation sources, distinct from the persisted Source field
const (
	synthSourceBroker = "recon"
	synthSourceDB     = "recon_db"
)

// computeSyntheticFill derives the fill that would close the gap between
// the broker's reported filled quantity and the fills already on record.
// Superseded fills are excluded from the sums and fills whose quantity does
// not parse are skipped. Returns nil when real fills already cover the
// broker's view or nothing is missing.
func computeSyntheticFill(
	clientOrderID string,
	brokerFilledQty decimal.Decimal,
	brokerFilledAvgPrice decimal.Decimal,
	now time.Time,
	existing []core.FillRecord,
	source string,
) *core.SyntheticFill {
	realSum := decimal.Zero
	syntheticSum := decimal.Zero
	for _, f := range existing {
		if f.Superseded {
			continue
		}
		qty, err := f.FillQty.Decimal()
		if err != nil {
			continue
		}
		if f.Synthetic {
			syntheticSum = syntheticSum.Add(qty)
		} else {
			realSum = realSum.Add(qty)
		}
	}

	if brokerFilledQty.LessThanOrEqual(realSum) {
		return nil
	}
	missing := brokerFilledQty.Sub(realSum).Sub(syntheticSum)
	if missing.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	fillID := fmt.Sprintf("%s_%s_%s_%s", clientOrderID, source, brokerFilledQty.String(), missing.String())
	fillID = strings.ReplaceAll(fillID, ".", "_")

	return &core.SyntheticFill{
		Record: core.FillRecord{
			FillID:     fillID,
			FillQty:    core.NewFillQty(missing),
			FillPrice:  brokerFilledAvgPrice.String(),
			RealizedPL: "0",
			Timestamp:  now.UTC().Format(time.RFC3339Nano),
			Synthetic:  true,
			Source:     source,
		},
		MissingQty: missing,
	}
}

// backfillFromBrokerOrder closes a fill gap using the broker's order
// snapshot. The order is re-locked inside the transaction; cached is only a
// pre-check to avoid opening one when nothing is missing. Returns whether a
// fill was inserted; failures are logged and absorbed.
func (s *Service) backfillFromBrokerOrder(ctx context.Context, clientOrderID string, bo core.BrokerOrder, cached *core.Order, now time.Time) bool {
	if bo.FilledAvgPrice == nil || bo.FilledQty == nil {
		s.logger.Debug("Skipping backfill without broker fill data", "client_order_id", clientOrderID)
		return false
	}

	ts := now
	if t := bo.EffectiveTime(); t != nil {
		ts = *t
	}

	if cached != nil {
		if computeSyntheticFill(clientOrderID, *bo.FilledQty, *bo.FilledAvgPrice, ts, cached.Metadata.Fills, synthSourceBroker) == nil {
			return false
		}
	}

	if s.cfg.DryRun {
		s.logger.Info("Dry run: would backfill synthetic fill", "client_order_id", clientOrderID)
		return false
	}

	inserted := false
	err := s.store.Transaction(ctx, func(tx core.IStoreTx) error {
		order, err := tx.GetOrderForUpdate(ctx, clientOrderID)
		if err != nil {
			return err
		}
		if order == nil {
			return nil
		}
		synth := computeSyntheticFill(clientOrderID, *bo.FilledQty, *bo.FilledAvgPrice, ts, order.Metadata.Fills, synthSourceBroker)
		if synth == nil {
			return nil
		}
		s.logger.Info("Backfilling synthetic fill",
			"client_order_id", clientOrderID,
			"missing_qty", synth.MissingQty.String(),
			"fill_id", synth.Record.FillID,
		)
		rec := synth.Record
		rec.Source = core.FillSourceReconBackfill
		row, err := tx.AppendFillToOrderMetadata(ctx, clientOrderID, rec)
		if err != nil {
			return err
		}
		inserted = row != nil
		return nil
	})
	if err != nil {
		s.logger.Warn("Synthetic fill backfill failed",
			"client_order_id", clientOrderID,
			"error", err.Error(),
		)
		return false
	}
	if inserted {
		s.metrics.RecordFillBackfilled(ctx, core.FillSourceReconBackfill)
	}
	return inserted
}

// backfillFromDBOrder closes a fill gap using only the local order row, for
// orders already marked filled whose metadata never received fills
func (s *Service) backfillFromDBOrder(ctx context.Context, order core.Order, now time.Time) bool {
	if order.FilledQty == nil || order.FilledAvgPrice == nil {
		s.logger.Debug("Skipping DB backfill without fill data", "client_order_id", order.ClientOrderID)
		return false
	}

	ts := now
	if order.FilledAt != nil {
		ts = *order.FilledAt
	} else if !order.UpdatedAt.IsZero() {
		ts = order.UpdatedAt
	}

	if s.cfg.DryRun {
		s.logger.Info("Dry run: would backfill synthetic fill from DB", "client_order_id", order.ClientOrderID)
		return false
	}

	inserted := false
	err := s.store.Transaction(ctx, func(tx core.IStoreTx) error {
		locked, err := tx.GetOrderForUpdate(ctx, order.ClientOrderID)
		if err != nil {
			return err
		}
		if locked == nil {
			return nil
		}
		synth := computeSyntheticFill(order.ClientOrderID, *order.FilledQty, *order.FilledAvgPrice, ts, locked.Metadata.Fills, synthSourceDB)
		if synth == nil {
			return nil
		}
		s.logger.Info("Backfilling synthetic fill from local order",
			"client_order_id", order.ClientOrderID,
			"missing_qty", synth.MissingQty.String(),
			"fill_id", synth.Record.FillID,
		)
		rec := synth.Record
		rec.Source = core.FillSourceReconDB
		row, err := tx.AppendFillToOrderMetadata(ctx, order.ClientOrderID, rec)
		if err != nil {
			return err
		}
		inserted = row != nil
		return nil
	})
	if err != nil {
		s.logger.Warn("DB synthetic fill backfill failed",
			"client_order_id", order.ClientOrderID,
			"error", err.Error(),
		)
		return false
	}
	if inserted {
		s.metrics.RecordFillBackfilled(ctx, core.FillSourceReconDB)
	}
	return inserted
}

// backfillMissingFillsScan sweeps filled orders whose metadata carries no
// fills and backfills each from its own row. Top-level errors are absorbed;
// the scan retries next cycle.
func (s *Service) backfillMissingFillsScan(ctx context.Context, limit int, now time.Time) int {
	orders, err := s.store.GetFilledOrdersMissingFills(ctx, limit)
	if err != nil {
		s.logger.Warn("Missing-fills scan failed", "error", err.Error())
		return 0
	}
	count := 0
	for _, order := range orders {
		if s.backfillFromDBOrder(ctx, order, now) {
			count++
		}
	}
	if count > 0 {
		s.logger.Info("Missing-fills scan backfilled orders", "count", count)
	}
	return count
}
