// Package mock provides in-memory test doubles for the gateway's interfaces
package mock

import (
	"context"
	"sync"

	"execution_gateway/internal/core"
)

// MockBrokerClient implements core.IBrokerClient for testing. Responses are
// scripted through the exported fields; requests are recorded for
// assertions.
type MockBrokerClient struct {
	mu sync.Mutex

	// GetOrders responses: Open is served for state="open", Recent for
	// everything else.
	Open   []core.BrokerOrder
	Recent []core.BrokerOrder

	// GetOrderByClientID responses; absent keys return (nil, nil)
	OrdersByClientID map[string]*core.BrokerOrder

	Positions []core.BrokerPosition

	// ActivityPages are served in order, one per GetAccountActivities
	// call; exhausted pages return empty.
	ActivityPages [][]core.Activity

	GetOrdersErr  error
	LookupErr     error
	PositionsErr  error
	ActivitiesErr error

	GetOrdersCalls   []core.GetOrdersRequest
	LookupCalls      []string
	ActivityRequests []core.ActivityRequest

	activityPage int
}

func NewMockBrokerClient() *MockBrokerClient {
	return &MockBrokerClient{
		OrdersByClientID: make(map[string]*core.BrokerOrder),
	}
}

func (m *MockBrokerClient) GetOrders(ctx context.Context, req core.GetOrdersRequest) ([]core.BrokerOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetOrdersCalls = append(m.GetOrdersCalls, req)
	if m.GetOrdersErr != nil {
		return nil, m.GetOrdersErr
	}
	if req.State == "open" {
		return append([]core.BrokerOrder(nil), m.Open...), nil
	}
	return append([]core.BrokerOrder(nil), m.Recent...), nil
}

func (m *MockBrokerClient) GetOrderByClientID(ctx context.Context, clientOrderID string) (*core.BrokerOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LookupCalls = append(m.LookupCalls, clientOrderID)
	if m.LookupErr != nil {
		return nil, m.LookupErr
	}
	bo, ok := m.OrdersByClientID[clientOrderID]
	if !ok {
		return nil, nil
	}
	cp := *bo
	return &cp, nil
}

func (m *MockBrokerClient) GetAllPositions(ctx context.Context) ([]core.BrokerPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PositionsErr != nil {
		return nil, m.PositionsErr
	}
	return append([]core.BrokerPosition(nil), m.Positions...), nil
}

func (m *MockBrokerClient) GetAccountActivities(ctx context.Context, req core.ActivityRequest) ([]core.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ActivityRequests = append(m.ActivityRequests, req)
	if m.ActivitiesErr != nil {
		return nil, m.ActivitiesErr
	}
	if m.activityPage >= len(m.ActivityPages) {
		return nil, nil
	}
	page := m.ActivityPages[m.activityPage]
	m.activityPage++
	return append([]core.Activity(nil), page...), nil
}
