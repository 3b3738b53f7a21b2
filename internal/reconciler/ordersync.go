package reconciler

import (
	"context"
	"time"

	"execution_gateway/internal/core"
)

// mergeBrokerOrders combines the open and recent broker listings into a
// single view keyed by client order id. When the same order appears in both
// windows the record with the newer timestamp wins; on equal timestamps the
// first-seen record is kept, and a record with any timestamp beats one with
// none. Orders without a client order id cannot be correlated and are
// skipped here; orphan detection sees them separately.
func mergeBrokerOrders(open, recent []core.BrokerOrder) map[string]core.BrokerOrder {
	merged := make(map[string]core.BrokerOrder, len(open)+len(recent))
	for _, batch := range [][]core.BrokerOrder{open, recent} {
		for _, bo := range batch {
			if bo.ClientOrderID == "" {
				continue
			}
			existing, seen := merged[bo.ClientOrderID]
			if !seen {
				merged[bo.ClientOrderID] = bo
				continue
			}
			et, nt := existing.EffectiveTime(), bo.EffectiveTime()
			if nt == nil {
				continue
			}
			if et == nil || nt.After(*et) {
				merged[bo.ClientOrderID] = bo
			}
		}
	}
	return merged
}

// applyBrokerUpdate pushes one broker snapshot into the store via CAS.
// A rejected CAS is not an error: a higher-priority writer already holds
// newer state, so the conflict is counted and the snapshot dropped. An
// accepted update that reports fills triggers a synthetic fill backfill.
func (s *Service) applyBrokerUpdate(ctx context.Context, bo core.BrokerOrder, now time.Time, result *core.CycleResult) error {
	status := core.OrderStatus(bo.Status)

	updatedAt := now
	if t := bo.EffectiveTime(); t != nil {
		updatedAt = *t
	}

	if s.cfg.DryRun {
		s.logger.Info("Dry run: would apply broker update",
			"client_order_id", bo.ClientOrderID,
			"status", bo.Status,
		)
		return nil
	}

	updated, err := s.store.UpdateOrderStatusCAS(ctx, core.CASUpdate{
		ClientOrderID:  bo.ClientOrderID,
		Status:         status,
		SourcePriority: core.PriorityReconciliation,
		FilledQty:      bo.FilledQty,
		FilledAvgPrice: bo.FilledAvgPrice,
		UpdatedAt:      updatedAt,
		BrokerOrderID:  bo.ID,
	})
	if err != nil {
		return err
	}
	if updated == nil {
		result.ConflictsSkipped++
		s.metrics.RecordConflictSkipped(ctx, "cas_guard")
		s.logger.Debug("CAS update rejected",
			"client_order_id", bo.ClientOrderID,
			"broker_status", bo.Status,
		)
		return nil
	}

	result.OrdersSynced++
	s.logger.Info("Order synced from broker",
		"client_order_id", bo.ClientOrderID,
		"status", status,
	)

	if status == core.StatusPartiallyFilled || status == core.StatusFilled {
		if s.backfillFromBrokerOrder(ctx, bo.ClientOrderID, bo, updated, now) {
			result.FillsBackfilled++
		}
	}
	return nil
}

// reconcileMissingOrders handles local non-terminal orders the broker
// windows did not return. Orders stuck in submitted_unconfirmed past the
// grace window are confirmed absent with an individual lookup and failed;
// anything else gets a best-effort lookup without escalation. Individual
// lookups across both branches are capped per cycle.
func (s *Service) reconcileMissingOrders(
	ctx context.Context,
	dbOrders []core.Order,
	merged map[string]core.BrokerOrder,
	after *time.Time,
	now time.Time,
	result *core.CycleResult,
) error {
	lookups := 0
	grace := s.cfg.Grace()

	for i := range dbOrders {
		order := &dbOrders[i]
		if _, ok := merged[order.ClientOrderID]; ok {
			continue
		}
		if lookups >= s.cfg.MaxIndividualLookups {
			s.logger.Warn("Individual lookup cap reached, deferring remaining missing orders",
				"cap", s.cfg.MaxIndividualLookups,
			)
			break
		}
		if order.Status == core.StatusSubmittedUnconfirmed {
			if now.Sub(order.CreatedAt) <= grace {
				s.logger.Debug("Order within submission grace window, deferring",
					"client_order_id", order.ClientOrderID,
				)
				continue
			}
			result.MissingChecked++
			lookups++
			bo, err := s.broker.GetOrderByClientID(ctx, order.ClientOrderID)
			if err != nil {
				return err
			}
			if bo != nil {
				if err := s.applyBrokerUpdate(ctx, *bo, now, result); err != nil {
					return err
				}
				continue
			}
			if err := s.failUnconfirmedOrder(ctx, order, now, result); err != nil {
				return err
			}
			continue
		}

		// A recently created order may simply postdate the broker window.
		if after != nil && !order.CreatedAt.Before(*after) {
			continue
		}
		result.MissingChecked++
		lookups++
		bo, err := s.broker.GetOrderByClientID(ctx, order.ClientOrderID)
		if err != nil {
			return err
		}
		if bo == nil {
			// Absent but not in the grace-managed flow: leave it for the
			// owning writer rather than guessing a terminal state.
			s.logger.Warn("Order missing at broker",
				"client_order_id", order.ClientOrderID,
				"status", order.Status,
			)
			s.metrics.RecordMismatch(ctx, order.Symbol, order.StrategyID)
			continue
		}
		if err := s.applyBrokerUpdate(ctx, *bo, now, result); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) failUnconfirmedOrder(ctx context.Context, order *core.Order, now time.Time, result *core.CycleResult) error {
	s.logger.Warn("Unconfirmed order absent at broker past grace window, marking failed",
		"client_order_id", order.ClientOrderID,
		"age", now.Sub(order.CreatedAt).String(),
	)
	s.metrics.RecordMismatch(ctx, order.Symbol, order.StrategyID)

	if s.cfg.DryRun {
		s.logger.Info("Dry run: would mark order failed", "client_order_id", order.ClientOrderID)
		return nil
	}

	updated, err := s.store.UpdateOrderStatusCAS(ctx, core.CASUpdate{
		ClientOrderID:  order.ClientOrderID,
		Status:         core.StatusFailed,
		SourcePriority: core.PriorityReconciliation,
		UpdatedAt:      now,
	})
	if err != nil {
		return err
	}
	if updated == nil {
		result.ConflictsSkipped++
		s.metrics.RecordConflictSkipped(ctx, "cas_guard")
		return nil
	}
	result.OrdersSynced++
	return nil
}
