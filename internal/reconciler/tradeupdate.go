package reconciler

import (
	"context"
	"errors"
	"time"

	"execution_gateway/internal/core"
	"execution_gateway/pkg/apperrors"
)

// eventStatus maps trade update events to order statuses, for messages
// whose embedded order snapshot omits one
var eventStatus = map[string]core.OrderStatus{
	"new":          core.StatusNew,
	"accepted":     core.StatusNew,
	"pending_new":  core.StatusPendingNew,
	"partial_fill": core.StatusPartiallyFilled,
	"fill":         core.StatusFilled,
	"canceled":     core.StatusCanceled,
	"expired":      core.StatusExpired,
	"rejected":     core.StatusRejected,
}

// HandleTradeUpdate applies one trade update from the broker's stream.
// The status transition goes through CAS at webhook priority and may lose
// to state reconciliation already stamped. The execution itself is
// authoritative either way: a real fill is appended regardless of the
// status outcome and supersedes any synthetic fills reconciliation
// previously fabricated, so the next backfill pass recomputes the gap
// against real fills only.
func (s *Service) HandleTradeUpdate(ctx context.Context, tu core.TradeUpdate) {
	clientOrderID := tu.Order.ClientOrderID
	if clientOrderID == "" {
		s.logger.Debug("Trade update without client order id, ignoring", "event", tu.Event)
		return
	}

	status := core.OrderStatus(tu.Order.Status)
	if status == "" {
		mapped, ok := eventStatus[tu.Event]
		if !ok {
			s.logger.Debug("Trade update with unknown event, ignoring",
				"event", tu.Event,
				"client_order_id", clientOrderID,
			)
			return
		}
		status = mapped
	}

	now := s.now()
	updatedAt := now
	if tu.Timestamp != nil {
		updatedAt = *tu.Timestamp
	}

	if s.cfg.DryRun {
		s.logger.Info("Dry run: would apply trade update",
			"client_order_id", clientOrderID,
			"event", tu.Event,
		)
		return
	}

	isFill := tu.Event == "fill" || tu.Event == "partial_fill"

	err := s.store.Transaction(ctx, func(tx core.IStoreTx) error {
		updated, err := tx.UpdateOrderStatusCAS(ctx, core.CASUpdate{
			ClientOrderID:  clientOrderID,
			Status:         status,
			SourcePriority: core.PriorityWebhook,
			FilledQty:      tu.Order.FilledQty,
			FilledAvgPrice: tu.Order.FilledAvgPrice,
			UpdatedAt:      updatedAt,
			BrokerOrderID:  tu.Order.ID,
		})
		if err != nil {
			return err
		}
		if updated == nil {
			s.metrics.RecordConflictSkipped(ctx, "stale_trade_update")
			s.logger.Debug("Trade update status rejected by CAS",
				"client_order_id", clientOrderID,
				"event", tu.Event,
			)
			// fall through: a rejected status transition does not drop
			// the execution
		}

		if !isFill {
			return nil
		}
		if tu.ExecutionID == "" || tu.FillQty == nil || tu.FillPrice == nil {
			s.logger.Warn("Fill event without execution data, skipping fill append",
				"client_order_id", clientOrderID,
				"event", tu.Event,
			)
			return nil
		}

		fill := core.FillRecord{
			FillID:     tu.ExecutionID,
			FillQty:    core.NewFillQty(*tu.FillQty),
			FillPrice:  tu.FillPrice.String(),
			RealizedPL: "0",
			Timestamp:  updatedAt.UTC().Format(time.RFC3339Nano),
			Synthetic:  false,
			Source:     core.FillSourceWebhook,
		}
		row, err := tx.AppendFillToOrderMetadata(ctx, clientOrderID, fill)
		if err != nil {
			if errors.Is(err, apperrors.ErrOrderNotFound) {
				s.logger.Debug("Fill for unknown order, ignoring",
					"client_order_id", clientOrderID,
					"execution_id", tu.ExecutionID,
				)
				return nil
			}
			return err
		}
		if row == nil {
			// duplicate delivery; synthetics were handled first time around
			return nil
		}

		superseded, err := tx.MarkSyntheticFillsSuperseded(ctx, clientOrderID)
		if err != nil {
			return err
		}
		if superseded > 0 {
			s.logger.Info("Real fill superseded synthetic fills",
				"client_order_id", clientOrderID,
				"superseded", superseded,
			)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to apply trade update",
			"client_order_id", clientOrderID,
			"event", tu.Event,
			"error", err.Error(),
		)
	}
}
