package reconciler

import (
	"context"
	"testing"

	"execution_gateway/internal/core"
)

func TestComputeSyntheticFill_Gap(t *testing.T) {
	existing := []core.FillRecord{
		{FillID: "real1", FillQty: "30", Synthetic: false},
	}

	synth := computeSyntheticFill("ord1", dec("100"), dec("150.5"), testNow, existing, synthSourceBroker)
	if synth == nil {
		t.Fatal("Expected a synthetic fill, got nil")
	}
	if !synth.MissingQty.Equal(dec("70")) {
		t.Errorf("Expected missing qty 70, got %s", synth.MissingQty)
	}
	if synth.Record.FillID != "ord1_recon_100_70" {
		t.Errorf("Unexpected fill id: %s", synth.Record.FillID)
	}
	if string(synth.Record.FillQty) != "70" {
		t.Errorf("Expected fill qty 70, got %s", synth.Record.FillQty)
	}
	if synth.Record.FillPrice != "150.5" {
		t.Errorf("Expected fill price 150.5, got %s", synth.Record.FillPrice)
	}
	if synth.Record.RealizedPL != "0" {
		t.Errorf("Expected zero realized P&L, got %s", synth.Record.RealizedPL)
	}
	if !synth.Record.Synthetic {
		t.Error("Expected synthetic flag set")
	}
}

func TestComputeSyntheticFill_FractionalQuantitiesInFillID(t *testing.T) {
	synth := computeSyntheticFill("ord1", dec("10.5"), dec("99.9"), testNow, nil, synthSourceBroker)
	if synth == nil {
		t.Fatal("Expected a synthetic fill, got nil")
	}
	// decimal points become underscores so the id survives key-like usage
	if synth.Record.FillID != "ord1_recon_10_5_10_5" {
		t.Errorf("Unexpected fill id: %s", synth.Record.FillID)
	}
}

func TestComputeSyntheticFill_RealFillsCoverBroker(t *testing.T) {
	existing := []core.FillRecord{
		{FillID: "real1", FillQty: "100"},
	}
	if synth := computeSyntheticFill("ord1", dec("100"), dec("150"), testNow, existing, synthSourceBroker); synth != nil {
		t.Errorf("Expected nil when real fills cover broker qty, got %+v", synth)
	}
}

func TestComputeSyntheticFill_SyntheticAlreadyCoversGap(t *testing.T) {
	existing := []core.FillRecord{
		{FillID: "real1", FillQty: "30"},
		{FillID: "synth1", FillQty: "70", Synthetic: true},
	}
	if synth := computeSyntheticFill("ord1", dec("100"), dec("150"), testNow, existing, synthSourceBroker); synth != nil {
		t.Errorf("Expected nil when synthetics already cover the gap, got %+v", synth)
	}
}

func TestComputeSyntheticFill_SupersededAndGarbageSkipped(t *testing.T) {
	existing := []core.FillRecord{
		{FillID: "real1", FillQty: "30"},
		{FillID: "old_synth", FillQty: "70", Synthetic: true, Superseded: true},
		{FillID: "junk", FillQty: "not-a-number"},
	}
	synth := computeSyntheticFill("ord1", dec("100"), dec("150"), testNow, existing, synthSourceBroker)
	if synth == nil {
		t.Fatal("Expected a synthetic fill: superseded and unparseable fills must not count")
	}
	if !synth.MissingQty.Equal(dec("70")) {
		t.Errorf("Expected missing qty 70, got %s", synth.MissingQty)
	}
}

func TestBackfillFromBrokerOrder_PersistedSource(t *testing.T) {
	svc, _, st, _ := newTestService(testConfig())
	st.SeedOrder(core.Order{
		ClientOrderID:  "ord1",
		Symbol:         "AAPL",
		StrategyID:     "alpha",
		Status:         core.StatusFilled,
		SourcePriority: core.PriorityWebhook,
		Metadata:       core.OrderMetadata{},
	})

	bo := core.BrokerOrder{
		ID:             "b1",
		ClientOrderID:  "ord1",
		FilledQty:      decPtr("100"),
		FilledAvgPrice: decPtr("150.5"),
	}
	if !svc.backfillFromBrokerOrder(context.Background(), "ord1", bo, nil, testNow) {
		t.Fatal("Expected a fill to be inserted")
	}

	order := st.Order("ord1")
	if len(order.Metadata.Fills) != 1 {
		t.Fatalf("Expected 1 fill, got %d", len(order.Metadata.Fills))
	}
	fill := order.Metadata.Fills[0]
	if fill.Source != core.FillSourceReconBackfill {
		t.Errorf("Expected persisted source %q, got %q", core.FillSourceReconBackfill, fill.Source)
	}
	// computation source stays in the id, persisted source is the long form
	if fill.FillID != "ord1_recon_100_100" {
		t.Errorf("Unexpected fill id: %s", fill.FillID)
	}

	// idempotent: a second pass computes no gap
	if svc.backfillFromBrokerOrder(context.Background(), "ord1", bo, nil, testNow) {
		t.Error("Expected no insertion on second pass")
	}
}

func TestBackfillFromBrokerOrder_SkipsWithoutPrice(t *testing.T) {
	svc, _, st, _ := newTestService(testConfig())
	st.SeedOrder(core.Order{ClientOrderID: "ord1", Status: core.StatusFilled, SourcePriority: core.PriorityWebhook})

	bo := core.BrokerOrder{ID: "b1", ClientOrderID: "ord1", FilledQty: decPtr("10")}
	if svc.backfillFromBrokerOrder(context.Background(), "ord1", bo, nil, testNow) {
		t.Error("Expected skip when broker reports no filled average price")
	}
}

func TestBackfillFromDBOrder_UsesDBSource(t *testing.T) {
	svc, _, st, _ := newTestService(testConfig())
	st.SeedOrder(core.Order{
		ClientOrderID:  "ord2",
		Symbol:         "MSFT",
		StrategyID:     "alpha",
		Status:         core.StatusFilled,
		SourcePriority: core.PriorityWebhook,
		FilledQty:      decPtr("5"),
		FilledAvgPrice: decPtr("200"),
		UpdatedAt:      testNow,
	})

	order := st.Order("ord2")
	if !svc.backfillFromDBOrder(context.Background(), *order, testNow) {
		t.Fatal("Expected a fill to be inserted")
	}

	got := st.Order("ord2")
	if len(got.Metadata.Fills) != 1 {
		t.Fatalf("Expected 1 fill, got %d", len(got.Metadata.Fills))
	}
	if got.Metadata.Fills[0].Source != core.FillSourceReconDB {
		t.Errorf("Expected source %q, got %q", core.FillSourceReconDB, got.Metadata.Fills[0].Source)
	}
	if got.Metadata.Fills[0].FillID != "ord2_recon_db_5_5" {
		t.Errorf("Unexpected fill id: %s", got.Metadata.Fills[0].FillID)
	}
}

func TestBackfillMissingFillsScan(t *testing.T) {
	svc, _, st, _ := newTestService(testConfig())
	for _, id := range []string{"a", "b"} {
		st.SeedOrder(core.Order{
			ClientOrderID:  id,
			Symbol:         "AAPL",
			StrategyID:     "alpha",
			Status:         core.StatusFilled,
			SourcePriority: core.PriorityWebhook,
			FilledQty:      decPtr("10"),
			FilledAvgPrice: decPtr("100"),
			UpdatedAt:      testNow,
		})
	}
	// this one has fills already and must be left alone
	st.SeedOrder(core.Order{
		ClientOrderID:  "c",
		Status:         core.StatusFilled,
		SourcePriority: core.PriorityWebhook,
		FilledQty:      decPtr("10"),
		FilledAvgPrice: decPtr("100"),
		Metadata:       core.OrderMetadata{Fills: []core.FillRecord{{FillID: "f1", FillQty: "10"}}},
	})

	if got := svc.backfillMissingFillsScan(context.Background(), 200, testNow); got != 2 {
		t.Errorf("Expected 2 backfills, got %d", got)
	}
}

func TestBackfillDryRunWritesNothing(t *testing.T) {
	cfg := testConfig()
	cfg.DryRun = true
	svc, _, st, _ := newTestService(cfg)
	st.SeedOrder(core.Order{
		ClientOrderID:  "ord1",
		Status:         core.StatusFilled,
		SourcePriority: core.PriorityWebhook,
		FilledQty:      decPtr("10"),
		FilledAvgPrice: decPtr("100"),
	})

	bo := core.BrokerOrder{ID: "b1", ClientOrderID: "ord1", FilledQty: decPtr("10"), FilledAvgPrice: decPtr("100")}
	if svc.backfillFromBrokerOrder(context.Background(), "ord1", bo, nil, testNow) {
		t.Error("Dry run must not insert fills")
	}
	if got := st.Order("ord1"); len(got.Metadata.Fills) != 0 {
		t.Errorf("Dry run wrote %d fills", len(got.Metadata.Fills))
	}
}
