package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"execution_gateway/internal/config"
	"execution_gateway/internal/core"
	"execution_gateway/pkg/apperrors"
	"execution_gateway/pkg/httpclient"

	"golang.org/x/time/rate"
)

// headerSigner attaches Alpaca API key headers
type headerSigner struct {
	apiKey    string
	secretKey string
}

func (s *headerSigner) SignRequest(req *http.Request) error {
	req.Header.Set("APCA-API-KEY-ID", s.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", s.secretKey)
	return nil
}

// AlpacaClient implements core.IBrokerClient against the Alpaca trading API
type AlpacaClient struct {
	http    *httpclient.Client
	limiter *rate.Limiter
	logger  core.ILogger
}

// NewAlpacaClient builds a client with retry, circuit breaking and rate limiting
func NewAlpacaClient(cfg config.BrokerConfig, logger core.ILogger) *AlpacaClient {
	signer := &headerSigner{
		apiKey:    cfg.APIKey.Value(),
		secretKey: cfg.SecretKey.Value(),
	}
	return &AlpacaClient{
		http:    httpclient.NewClient(cfg.BaseURL, time.Duration(cfg.TimeoutSeconds)*time.Second, signer),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RatePerSecond),
		logger:  logger.WithField("component", "alpaca_client"),
	}
}

// get runs a rate-limited GET. Transport failures, 429 and 5xx map to
// ErrConnection; the caller decides what 4xx means for its endpoint.
func (c *AlpacaClient) get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := c.http.Get(ctx, path, params)
	if err != nil {
		var apiErr *httpclient.APIError
		if errors.As(err, &apiErr) {
			if apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests {
				return nil, fmt.Errorf("%w: %v", apperrors.ErrConnection, err)
			}
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrConnection, err)
	}
	return body, nil
}

// GetOrders lists broker orders, optionally filtered by state and time window
func (c *AlpacaClient) GetOrders(ctx context.Context, req core.GetOrdersRequest) ([]core.BrokerOrder, error) {
	params := map[string]string{
		"limit":     "500",
		"direction": "asc",
	}
	if req.State != "" {
		params["status"] = req.State
	}
	if req.After != nil {
		params["after"] = req.After.UTC().Format(time.RFC3339Nano)
	}
	if req.Until != nil {
		params["until"] = req.Until.UTC().Format(time.RFC3339Nano)
	}

	body, err := c.get(ctx, "/v2/orders", params)
	if err != nil {
		return nil, err
	}

	var payloads []orderPayload
	if err := json.Unmarshal(body, &payloads); err != nil {
		return nil, fmt.Errorf("%w: orders response: %v", apperrors.ErrValidation, err)
	}

	orders := make([]core.BrokerOrder, 0, len(payloads))
	for i := range payloads {
		order, err := payloads[i].toBrokerOrder()
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// GetOrderByClientID looks up a single order; (nil, nil) when the broker has none
func (c *AlpacaClient) GetOrderByClientID(ctx context.Context, clientOrderID string) (*core.BrokerOrder, error) {
	body, err := c.get(ctx, "/v2/orders:by_client_order_id", map[string]string{
		"client_order_id": clientOrderID,
	})
	if err != nil {
		var apiErr *httpclient.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}

	var payload orderPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: order response: %v", apperrors.ErrValidation, err)
	}
	order, err := payload.toBrokerOrder()
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetAllPositions lists every open broker position
func (c *AlpacaClient) GetAllPositions(ctx context.Context) ([]core.BrokerPosition, error) {
	body, err := c.get(ctx, "/v2/positions", nil)
	if err != nil {
		return nil, err
	}

	var payloads []positionPayload
	if err := json.Unmarshal(body, &payloads); err != nil {
		return nil, fmt.Errorf("%w: positions response: %v", apperrors.ErrValidation, err)
	}

	positions := make([]core.BrokerPosition, 0, len(payloads))
	for i := range payloads {
		pos, err := payloads[i].toBrokerPosition()
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// GetAccountActivities pages through FILL activities
func (c *AlpacaClient) GetAccountActivities(ctx context.Context, req core.ActivityRequest) ([]core.Activity, error) {
	params := map[string]string{
		"after":     req.After.UTC().Format(time.RFC3339Nano),
		"until":     req.Until.UTC().Format(time.RFC3339Nano),
		"page_size": strconv.Itoa(req.PageSize),
	}
	if req.PageToken != "" {
		params["page_token"] = req.PageToken
	}
	if req.Direction != "" {
		params["direction"] = req.Direction
	}

	body, err := c.get(ctx, "/v2/account/activities/FILL", params)
	if err != nil {
		return nil, err
	}

	var payloads []activityPayload
	if err := json.Unmarshal(body, &payloads); err != nil {
		return nil, fmt.Errorf("%w: activities response: %v", apperrors.ErrValidation, err)
	}

	activities := make([]core.Activity, 0, len(payloads))
	for i := range payloads {
		act, err := payloads[i].toActivity()
		if err != nil {
			return nil, err
		}
		activities = append(activities, act)
	}
	return activities, nil
}
