package reconciler

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"execution_gateway/internal/cache"
	"execution_gateway/internal/core"
	"execution_gateway/pkg/retry"
)

// cacheRetryPolicy bounds quarantine/exposure write retries so a flapping
// cache cannot stall the cycle
var cacheRetryPolicy = retry.Policy{
	MaxAttempts:    2,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     200 * time.Millisecond,
}

// setCacheKey writes a cache key with a bounded retry. Failures are logged
// and swallowed; the submission path treats a missing cache answer as
// quarantined, so a lost write fails closed.
func (s *Service) setCacheKey(ctx context.Context, key, value string) {
	err := retry.Do(ctx, cacheRetryPolicy, retry.Always, func() error {
		return s.cache.Set(ctx, key, value)
	})
	if err != nil {
		s.logger.Warn("Cache write failed",
			"key", key,
			"error", err.Error(),
		)
	}
}

// detectOrphans flags broker orders the gateway never placed. Orders from
// the open window stay unresolved; orders from the recent window that are
// already terminal at the broker are stamped resolved on sight.
func (s *Service) detectOrphans(
	ctx context.Context,
	open, recent []core.BrokerOrder,
	known map[string]struct{},
	now time.Time,
	result *core.CycleResult,
) error {
	for _, bo := range open {
		if s.isOrphan(bo, known) {
			handled, err := s.handleOrphan(ctx, bo, false, now)
			if err != nil {
				return err
			}
			if handled {
				result.OrphansDetected++
			}
		}
	}
	for _, bo := range recent {
		if s.isOrphan(bo, known) {
			handled, err := s.handleOrphan(ctx, bo, true, now)
			if err != nil {
				return err
			}
			if handled {
				result.OrphansDetected++
			}
		}
	}
	return nil
}

func (s *Service) isOrphan(bo core.BrokerOrder, known map[string]struct{}) bool {
	if bo.ClientOrderID == "" {
		return true
	}
	_, ok := known[bo.ClientOrderID]
	return !ok
}

// handleOrphan persists the orphan, quarantines its symbol and publishes
// the external exposure. Cache failures are swallowed: the persisted record
// plus the quarantine check on the submission path keep trading blocked
// even when the cache write is lost.
func (s *Service) handleOrphan(ctx context.Context, bo core.BrokerOrder, resolveTerminal bool, now time.Time) (bool, error) {
	if bo.Symbol == "" || bo.ID == "" {
		s.logger.Debug("Skipping orphan candidate without symbol or broker id")
		return false, nil
	}

	status := bo.Status
	if status == "" {
		status = "untracked"
	}

	notional := estimateNotional(bo)

	s.logger.Warn("Orphan order detected",
		"broker_order_id", bo.ID,
		"symbol", bo.Symbol,
		"status", status,
		"estimated_notional", notional.String(),
	)
	s.metrics.RecordOrphanDetected(ctx, bo.Symbol)

	if s.cfg.DryRun {
		s.logger.Info("Dry run: would quarantine symbol", "symbol", bo.Symbol)
		return true, nil
	}

	orphan := core.OrphanOrder{
		BrokerOrderID:     bo.ID,
		ClientOrderID:     bo.ClientOrderID,
		Symbol:            bo.Symbol,
		StrategyID:        core.StrategyExternal,
		Side:              bo.Side,
		Status:            status,
		Qty:               bo.Qty,
		FilledQty:         bo.FilledQty,
		LimitPrice:        bo.LimitPrice,
		EstimatedNotional: notional,
		FirstSeenAt:       now,
		LastSeenAt:        now,
	}
	if err := s.store.CreateOrphanOrder(ctx, orphan); err != nil {
		return false, err
	}

	var resolvedAt *time.Time
	if resolveTerminal && core.OrderStatus(status).IsTerminal() {
		resolvedAt = &now
	}
	if err := s.store.UpdateOrphanOrderStatus(ctx, bo.ID, status, resolvedAt); err != nil {
		return false, err
	}

	s.setCacheKey(ctx, cache.QuarantineKey(core.StrategyWildcard, bo.Symbol), cache.QuarantineValue)

	s.syncOrphanExposure(ctx, bo.Symbol)
	s.metrics.RecordSymbolQuarantined(ctx, bo.Symbol)
	return true, nil
}

// syncOrphanExposure publishes the unresolved external notional for a
// symbol to the cache. Store and cache errors here are logged and
// swallowed; the exposure key is advisory.
func (s *Service) syncOrphanExposure(ctx context.Context, symbol string) {
	exposure, err := s.store.GetOrphanExposure(ctx, symbol, core.StrategyExternal)
	if err != nil {
		s.logger.Warn("Failed to read orphan exposure",
			"symbol", symbol,
			"error", err.Error(),
		)
		return
	}
	s.setCacheKey(ctx, cache.OrphanExposureKey(core.StrategyExternal, symbol), exposure.String())
}

// estimateNotional approximates the money at risk in a broker order when
// the broker did not state it outright
func estimateNotional(bo core.BrokerOrder) decimal.Decimal {
	if bo.Notional != nil {
		return *bo.Notional
	}
	if bo.Qty != nil && bo.LimitPrice != nil {
		return bo.Qty.Mul(*bo.LimitPrice)
	}
	if bo.Qty != nil && bo.FilledAvgPrice != nil {
		return bo.Qty.Mul(*bo.FilledAvgPrice)
	}
	return decimal.Zero
}
