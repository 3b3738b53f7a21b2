package reconciler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"execution_gateway/internal/core"
	"execution_gateway/pkg/apperrors"
)

// RunFillsBackfillOnce runs a standalone activity backfill under the
// reconciliation mutex, for the admin surface
func (s *Service) RunFillsBackfillOnce(ctx context.Context, lookbackHours *int, recalcAll bool) (*core.BackfillResult, error) {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	return s.BackfillBrokerFills(ctx, lookbackHours, recalcAll)
}

// BackfillBrokerFills pages through the broker's FILL account activities
// and inserts real fills for matching local orders, then recalculates the
// realized P&L of every affected trade inside the same transaction. The
// caller holds the reconciliation mutex.
//
// An explicit lookbackHours forces a run even when the feature flag is off.
func (s *Service) BackfillBrokerFills(ctx context.Context, lookbackHours *int, recalcAll bool) (*core.BackfillResult, error) {
	if !s.cfg.FillsBackfillEnabled && lookbackHours == nil {
		return &core.BackfillResult{Status: core.BackfillDisabled}, nil
	}

	now := s.now()
	after, err := s.activityWindowStart(ctx, lookbackHours, now)
	if err != nil {
		return nil, err
	}

	result := &core.BackfillResult{
		Status: core.BackfillOK,
		After:  after,
		Until:  now,
	}

	activities, err := s.collectActivities(ctx, after, now)
	if err != nil {
		return nil, err
	}
	result.FillsSeen = len(activities)
	s.metrics.RecordActivityFills(ctx, len(activities))

	if len(activities) == 0 {
		if !s.cfg.DryRun {
			if err := s.store.SetHighWaterMark(ctx, hwmAlpacaFills, now); err != nil {
				return nil, err
			}
		}
		return result, nil
	}

	brokerIDs := make([]string, 0, len(activities))
	seen := make(map[string]struct{}, len(activities))
	for _, a := range activities {
		if a.OrderID == "" {
			continue
		}
		if _, ok := seen[a.OrderID]; ok {
			continue
		}
		seen[a.OrderID] = struct{}{}
		brokerIDs = append(brokerIDs, a.OrderID)
	}
	orders, err := s.store.GetOrdersByBrokerIDs(ctx, brokerIDs)
	if err != nil {
		return nil, err
	}

	type tradeKey struct {
		strategyID string
		symbol     string
	}
	fillsByOrder := make(map[string][]core.FillRecord)
	affected := make(map[tradeKey]struct{})

	for _, a := range activities {
		if a.OrderID == "" {
			result.Unmatched++
			continue
		}
		order, ok := orders[a.OrderID]
		if !ok {
			result.Unmatched++
			continue
		}
		fillsByOrder[order.ClientOrderID] = append(fillsByOrder[order.ClientOrderID], activityFillRecord(a, now))
		affected[tradeKey{order.StrategyID, order.Symbol}] = struct{}{}
	}

	if s.cfg.DryRun {
		s.logger.Info("Dry run: would insert activity fills",
			"fills_seen", result.FillsSeen,
			"unmatched", result.Unmatched,
		)
		return result, nil
	}

	err = s.store.Transaction(ctx, func(tx core.IStoreTx) error {
		for clientOrderID, fills := range fillsByOrder {
			for _, fill := range fills {
				row, err := tx.AppendFillToOrderMetadata(ctx, clientOrderID, fill)
				if err != nil {
					return err
				}
				if row != nil {
					result.FillsInserted++
				}
			}
		}
		for key := range affected {
			updated, err := tx.RecalculateTradeRealizedPnL(ctx, key.strategyID, key.symbol, recalcAll)
			if err != nil {
				result.PnLFailures++
				return &apperrors.RecalculationError{
					StrategyID: key.strategyID,
					Symbol:     key.symbol,
					Err:        err,
				}
			}
			result.PnLUpdates += updated
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.SetHighWaterMark(ctx, hwmAlpacaFills, now); err != nil {
		return nil, err
	}

	s.logger.Info("Activity fill backfill complete",
		"fills_seen", result.FillsSeen,
		"fills_inserted", result.FillsInserted,
		"unmatched", result.Unmatched,
		"pnl_updates", result.PnLUpdates,
	)
	return result, nil
}

// activityWindowStart resolves the backfill window. Explicit lookback wins;
// otherwise the activity high-water mark rewound by the overlap; otherwise
// the configured initial lookback.
func (s *Service) activityWindowStart(ctx context.Context, lookbackHours *int, now time.Time) (time.Time, error) {
	if lookbackHours != nil {
		return now.Add(-time.Duration(*lookbackHours) * time.Hour), nil
	}
	hwm, err := s.store.GetHighWaterMark(ctx, hwmAlpacaFills)
	if err != nil {
		return time.Time{}, err
	}
	if hwm != nil {
		return hwm.Add(-s.cfg.Overlap()), nil
	}
	return now.Add(-s.cfg.InitialLookback()), nil
}

// collectActivities pages through FILL activities newest-first. The broker
// re-serves the page-token activity at the top of each continuation page,
// so one extra record is requested and the duplicate dropped.
func (s *Service) collectActivities(ctx context.Context, after, until time.Time) ([]core.Activity, error) {
	pageSize := s.cfg.FillsBackfillPageSize
	maxPages := s.cfg.FillsBackfillMaxPages

	var collected []core.Activity
	pageToken := ""
	lastActivityID := ""

	for pages := 0; pages < maxPages; pages++ {
		requested := pageSize
		if pageToken != "" {
			requested = pageSize + 1
		}
		batch, err := s.broker.GetAccountActivities(ctx, core.ActivityRequest{
			After:     after,
			Until:     until,
			PageSize:  requested,
			PageToken: pageToken,
			Direction: "desc",
		})
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}

		for _, a := range batch {
			if pageToken != "" && a.ID == lastActivityID {
				continue
			}
			collected = append(collected, a)
		}

		if len(batch) < requested {
			break
		}
		last := batch[len(batch)-1]
		if last.ID == "" {
			break
		}
		lastActivityID = last.ID
		pageToken = lastActivityID
	}
	return collected, nil
}

// activityFillRecord converts a broker activity into a persistable fill
func activityFillRecord(a core.Activity, now time.Time) core.FillRecord {
	qty := "0"
	if a.Qty != nil {
		qty = a.Qty.String()
	}
	price := "0"
	if a.Price != nil {
		price = a.Price.String()
	}

	ts := now
	if a.TransactionTime != nil {
		ts = *a.TransactionTime
	} else if a.ActivityTime != nil {
		ts = *a.ActivityTime
	}

	fillID := a.ID
	if fillID == "" {
		fillID = activityFingerprint(a)
	}

	return core.FillRecord{
		FillID:     fillID,
		FillQty:    core.FillQty(qty),
		FillPrice:  price,
		RealizedPL: "0",
		Timestamp:  ts.UTC().Format(time.RFC3339Nano),
		Synthetic:  false,
		Source:     core.FillSourceAlpacaActivity,
	}
}

// activityFingerprint derives a deterministic fill id for activities the
// broker served without one. The hash input is the sorted key=value tuple
// so field ordering can never shift the id.
func activityFingerprint(a core.Activity) string {
	fields := map[string]string{
		"broker_order_id":  a.OrderID,
		"symbol":           a.Symbol,
		"side":             a.Side,
		"qty":              "",
		"price":            "",
		"transaction_time": "",
		"activity_time":    "",
		"id_hint":          a.ID,
	}
	if a.Qty != nil {
		fields["qty"] = a.Qty.String()
	}
	if a.Price != nil {
		fields["price"] = a.Price.String()
	}
	if a.TransactionTime != nil {
		fields["transaction_time"] = a.TransactionTime.UTC().Format(time.RFC3339Nano)
	}
	if a.ActivityTime != nil {
		fields["activity_time"] = a.ActivityTime.UTC().Format(time.RFC3339Nano)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:32]
}
