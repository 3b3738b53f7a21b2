package reconciler

import (
	"time"

	"github.com/shopspring/decimal"

	"execution_gateway/internal/config"
	"execution_gateway/internal/core"
	"execution_gateway/internal/mock"
)

var testNow = time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

func testConfig() config.ReconciliationConfig {
	return config.ReconciliationConfig{
		PollIntervalSeconds:               300,
		TimeoutSeconds:                    300,
		MaxIndividualLookups:              100,
		OverlapSeconds:                    60,
		SubmittedUnconfirmedGraceSeconds:  300,
		FillsBackfillInitialLookbackHours: 24,
		FillsBackfillPageSize:             100,
		FillsBackfillMaxPages:             5,
	}
}

func newTestService(cfg config.ReconciliationConfig) (*Service, *mock.MockBrokerClient, *mock.MemStore, *mock.MockCache) {
	brokerClient := mock.NewMockBrokerClient()
	st := mock.NewMemStore()
	c := mock.NewMockCache()
	svc := NewService(brokerClient, st, c, cfg, mock.NewNopLogger())
	svc.now = func() time.Time { return testNow }
	svc.state.now = func() time.Time { return testNow }
	return svc, brokerClient, st, c
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func seedOrder(st *mock.MemStore, clientOrderID string, status core.OrderStatus, priority core.SourcePriority, createdAt, updatedAt time.Time) {
	st.SeedOrder(core.Order{
		ClientOrderID:  clientOrderID,
		Symbol:         "AAPL",
		StrategyID:     "alpha",
		Side:           "buy",
		Status:         status,
		SourcePriority: priority,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	})
}
