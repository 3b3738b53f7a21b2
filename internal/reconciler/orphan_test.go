package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"execution_gateway/internal/core"
)

func TestDetectOrphans_TerminalRecentOrder(t *testing.T) {
	svc, _, st, c := newTestService(testConfig())

	recent := []core.BrokerOrder{{
		ID:        "b1",
		Symbol:    "TSLA",
		Side:      "buy",
		Status:    string(core.StatusFilled),
		Qty:       decPtr("10"),
		LimitPrice: decPtr("250"),
	}}

	result := &core.CycleResult{}
	if err := svc.detectOrphans(context.Background(), nil, recent, map[string]struct{}{}, testNow, result); err != nil {
		t.Fatal(err)
	}
	if result.OrphansDetected != 1 {
		t.Fatalf("Expected 1 orphan, got %d", result.OrphansDetected)
	}

	orphan := st.Orphan("b1")
	if orphan == nil {
		t.Fatal("Orphan record not persisted")
	}
	if orphan.StrategyID != core.StrategyExternal {
		t.Errorf("Expected external strategy sentinel, got %q", orphan.StrategyID)
	}
	if !orphan.EstimatedNotional.Equal(dec("2500")) {
		t.Errorf("Expected notional 2500, got %s", orphan.EstimatedNotional)
	}
	// terminal status seen in the recent window is resolved on sight
	if orphan.ResolvedAt == nil || !orphan.ResolvedAt.Equal(testNow) {
		t.Errorf("Expected resolved_at stamped at now, got %v", orphan.ResolvedAt)
	}

	if v, ok := c.Get("quarantine:*:TSLA"); !ok || v != "orphan_order_detected" {
		t.Errorf("Quarantine key missing or wrong: %q %v", v, ok)
	}
	if _, ok := c.Get("orphan_exposure:external:TSLA"); !ok {
		t.Error("Exposure key missing")
	}
}

func TestDetectOrphans_OpenOrderStaysUnresolved(t *testing.T) {
	svc, _, st, _ := newTestService(testConfig())

	open := []core.BrokerOrder{{
		ID:     "b2",
		Symbol: "NVDA",
		Status: string(core.StatusFilled), // terminal, but open-window orphans are not auto-resolved
		Qty:    decPtr("1"),
	}}

	result := &core.CycleResult{}
	if err := svc.detectOrphans(context.Background(), open, nil, map[string]struct{}{}, testNow, result); err != nil {
		t.Fatal(err)
	}
	if orphan := st.Orphan("b2"); orphan == nil || orphan.ResolvedAt != nil {
		t.Errorf("Open-window orphan must stay unresolved: %+v", orphan)
	}
}

func TestDetectOrphans_KnownOrdersIgnored(t *testing.T) {
	svc, _, st, _ := newTestService(testConfig())
	open := []core.BrokerOrder{{ID: "b1", ClientOrderID: "ord1", Symbol: "AAPL", Status: "new"}}
	known := map[string]struct{}{"ord1": {}}

	result := &core.CycleResult{}
	if err := svc.detectOrphans(context.Background(), open, nil, known, testNow, result); err != nil {
		t.Fatal(err)
	}
	if result.OrphansDetected != 0 {
		t.Errorf("Known order flagged as orphan")
	}
	if st.Orphan("b1") != nil {
		t.Error("Orphan record created for a known order")
	}
}

func TestHandleOrphan_SkipsWithoutSymbolOrID(t *testing.T) {
	svc, _, _, _ := newTestService(testConfig())

	handled, err := svc.handleOrphan(context.Background(), core.BrokerOrder{ID: "b1"}, false, testNow)
	if err != nil || handled {
		t.Errorf("Expected skip without symbol: handled=%v err=%v", handled, err)
	}
	handled, err = svc.handleOrphan(context.Background(), core.BrokerOrder{Symbol: "AAPL"}, false, testNow)
	if err != nil || handled {
		t.Errorf("Expected skip without broker id: handled=%v err=%v", handled, err)
	}
}

func TestHandleOrphan_NotionalFallbacks(t *testing.T) {
	cases := []struct {
		name string
		bo   core.BrokerOrder
		want string
	}{
		{"explicit", core.BrokerOrder{Notional: decPtr("123.45"), Qty: decPtr("10"), LimitPrice: decPtr("99")}, "123.45"},
		{"qty_x_limit", core.BrokerOrder{Qty: decPtr("10"), LimitPrice: decPtr("99")}, "990"},
		{"qty_x_avg", core.BrokerOrder{Qty: decPtr("10"), FilledAvgPrice: decPtr("98.5")}, "985"},
		{"none", core.BrokerOrder{Qty: decPtr("10")}, "0"},
	}
	for _, tc := range cases {
		got := estimateNotional(tc.bo)
		if !got.Equal(dec(tc.want)) {
			t.Errorf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestHandleOrphan_CacheFailureIsSwallowed(t *testing.T) {
	svc, _, st, c := newTestService(testConfig())
	c.SetErr = errors.New("redis down")

	bo := core.BrokerOrder{ID: "b1", Symbol: "TSLA", Status: "new", Qty: decPtr("1"), LimitPrice: decPtr("100")}
	handled, err := svc.handleOrphan(context.Background(), bo, false, testNow)
	if err != nil {
		t.Fatalf("Cache failure must be swallowed: %v", err)
	}
	if !handled {
		t.Fatal("Expected orphan handled despite cache failure")
	}
	// the durable record is the fail-closed backstop
	if st.Orphan("b1") == nil {
		t.Error("Orphan record must persist when the cache write fails")
	}
}

func TestDetectOrphans_Resighting(t *testing.T) {
	svc, _, st, _ := newTestService(testConfig())
	bo := core.BrokerOrder{ID: "b1", Symbol: "TSLA", Status: "new", Qty: decPtr("2"), LimitPrice: decPtr("100")}

	if _, err := svc.handleOrphan(context.Background(), bo, false, testNow); err != nil {
		t.Fatal(err)
	}
	later := testNow.Add(5 * time.Minute)
	bo.Status = string(core.StatusCanceled)
	if _, err := svc.handleOrphan(context.Background(), bo, true, later); err != nil {
		t.Fatal(err)
	}

	orphan := st.Orphan("b1")
	if orphan.Status != string(core.StatusCanceled) {
		t.Errorf("Expected status updated in place, got %s", orphan.Status)
	}
	if orphan.ResolvedAt == nil {
		t.Error("Expected resolution on terminal re-sighting")
	}
}
