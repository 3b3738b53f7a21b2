package reconciler

import (
	"context"
	"testing"
	"time"

	"execution_gateway/internal/core"
)

func TestHandleTradeUpdate_FillSupersedesSynthetics(t *testing.T) {
	svc, _, st, _ := newTestService(testConfig())
	st.SeedOrder(core.Order{
		ClientOrderID:  "ord1",
		Symbol:         "AAPL",
		StrategyID:     "alpha",
		Status:         core.StatusPartiallyFilled,
		SourcePriority: core.PriorityWebhook,
		UpdatedAt:      testNow.Add(-time.Minute),
		Metadata: core.OrderMetadata{Fills: []core.FillRecord{
			{FillID: "ord1_recon_10_10", FillQty: "10", Synthetic: true, Source: core.FillSourceReconBackfill},
		}},
	})

	svc.HandleTradeUpdate(context.Background(), core.TradeUpdate{
		Event:       "fill",
		ExecutionID: "exec1",
		Order: core.BrokerOrder{
			ID:             "b1",
			ClientOrderID:  "ord1",
			Status:         string(core.StatusFilled),
			FilledQty:      decPtr("10"),
			FilledAvgPrice: decPtr("150"),
		},
		FillQty:   decPtr("10"),
		FillPrice: decPtr("150"),
		Timestamp: timePtr(testNow),
	})

	order := st.Order("ord1")
	if order.Status != core.StatusFilled {
		t.Errorf("Expected filled, got %s", order.Status)
	}
	if len(order.Metadata.Fills) != 2 {
		t.Fatalf("Expected synthetic + real fill, got %d", len(order.Metadata.Fills))
	}
	var synthetic, real *core.FillRecord
	for i := range order.Metadata.Fills {
		f := &order.Metadata.Fills[i]
		if f.Synthetic {
			synthetic = f
		} else {
			real = f
		}
	}
	if synthetic == nil || !synthetic.Superseded {
		t.Errorf("Synthetic fill not superseded: %+v", synthetic)
	}
	if real == nil || real.FillID != "exec1" || real.Source != core.FillSourceWebhook {
		t.Errorf("Real fill wrong: %+v", real)
	}
}

func TestHandleTradeUpdate_FillLandsAfterReconciliationStampedPriority(t *testing.T) {
	// reconciliation already synced this order (priority 2), so the stream's
	// webhook-priority status transition loses CAS; the execution must still
	// be recorded and the synthetic superseded
	svc, _, st, _ := newTestService(testConfig())
	st.SeedOrder(core.Order{
		ClientOrderID:  "ord1",
		Symbol:         "AAPL",
		StrategyID:     "alpha",
		Status:         core.StatusPartiallyFilled,
		SourcePriority: core.PriorityReconciliation,
		UpdatedAt:      testNow.Add(-time.Minute),
		Metadata: core.OrderMetadata{Fills: []core.FillRecord{
			{FillID: "ord1_recon_5_5", FillQty: "5", Synthetic: true, Source: core.FillSourceReconBackfill},
		}},
	})

	svc.HandleTradeUpdate(context.Background(), core.TradeUpdate{
		Event:       "fill",
		ExecutionID: "exec1",
		Order: core.BrokerOrder{
			ID:             "b1",
			ClientOrderID:  "ord1",
			Status:         string(core.StatusFilled),
			FilledQty:      decPtr("10"),
			FilledAvgPrice: decPtr("150"),
		},
		FillQty:   decPtr("10"),
		FillPrice: decPtr("150"),
		Timestamp: timePtr(testNow),
	})

	order := st.Order("ord1")
	if order.SourcePriority != core.PriorityReconciliation {
		t.Errorf("Rejected status transition changed priority: %d", order.SourcePriority)
	}
	if len(order.Metadata.Fills) != 2 {
		t.Fatalf("Real fill dropped on CAS rejection: %d fills", len(order.Metadata.Fills))
	}
	var synthetic, real *core.FillRecord
	for i := range order.Metadata.Fills {
		f := &order.Metadata.Fills[i]
		if f.Synthetic {
			synthetic = f
		} else {
			real = f
		}
	}
	if synthetic == nil || !synthetic.Superseded {
		t.Errorf("Synthetic fill not superseded: %+v", synthetic)
	}
	if real == nil || real.FillID != "exec1" {
		t.Errorf("Real fill wrong: %+v", real)
	}
}

func TestHandleTradeUpdate_DuplicateDeliveryIgnored(t *testing.T) {
	svc, _, st, _ := newTestService(testConfig())
	st.SeedOrder(core.Order{
		ClientOrderID:  "ord1",
		Status:         core.StatusNew,
		SourcePriority: core.PriorityWebhook,
		UpdatedAt:      testNow.Add(-time.Minute),
	})

	upd := core.TradeUpdate{
		Event:       "partial_fill",
		ExecutionID: "exec1",
		Order:       core.BrokerOrder{ClientOrderID: "ord1", Status: string(core.StatusPartiallyFilled)},
		FillQty:     decPtr("5"),
		FillPrice:   decPtr("100"),
		Timestamp:   timePtr(testNow),
	}
	svc.HandleTradeUpdate(context.Background(), upd)
	svc.HandleTradeUpdate(context.Background(), upd)

	order := st.Order("ord1")
	if len(order.Metadata.Fills) != 1 {
		t.Errorf("Duplicate execution appended twice: %d fills", len(order.Metadata.Fills))
	}
}

func TestHandleTradeUpdate_StaleUpdateRejected(t *testing.T) {
	svc, _, st, _ := newTestService(testConfig())
	st.SeedOrder(core.Order{
		ClientOrderID:  "ord1",
		Status:         core.StatusPartiallyFilled,
		SourcePriority: core.PriorityWebhook,
		UpdatedAt:      testNow,
	})

	svc.HandleTradeUpdate(context.Background(), core.TradeUpdate{
		Event:     "canceled",
		Order:     core.BrokerOrder{ClientOrderID: "ord1", Status: string(core.StatusCanceled)},
		Timestamp: timePtr(testNow.Add(-time.Hour)),
	})

	if order := st.Order("ord1"); order.Status != core.StatusPartiallyFilled {
		t.Errorf("Stale update applied: %s", order.Status)
	}
}

func TestHandleTradeUpdate_EventMappingFallback(t *testing.T) {
	svc, _, st, _ := newTestService(testConfig())
	st.SeedOrder(core.Order{
		ClientOrderID:  "ord1",
		Status:         core.StatusSubmittedUnconfirmed,
		SourcePriority: core.PriorityWebhook,
		UpdatedAt:      testNow.Add(-time.Minute),
	})

	// no embedded order status: the event name decides
	svc.HandleTradeUpdate(context.Background(), core.TradeUpdate{
		Event:     "accepted",
		Order:     core.BrokerOrder{ClientOrderID: "ord1"},
		Timestamp: timePtr(testNow),
	})

	if order := st.Order("ord1"); order.Status != core.StatusNew {
		t.Errorf("Expected accepted mapped to new, got %s", order.Status)
	}
}

func TestHandleTradeUpdate_IgnoresUncorrelatable(t *testing.T) {
	svc, _, st, _ := newTestService(testConfig())
	svc.HandleTradeUpdate(context.Background(), core.TradeUpdate{Event: "fill"})
	if len(st.CASCalls) != 0 {
		t.Error("Update without client order id reached the store")
	}
}
