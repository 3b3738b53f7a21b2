package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"execution_gateway/internal/config"
	"execution_gateway/internal/core"
	"execution_gateway/pkg/concurrency"

	"github.com/gorilla/websocket"
)

const reconnectDelay = 5 * time.Second

// UpdateHandler consumes trade updates off the stream
type UpdateHandler func(ctx context.Context, upd core.TradeUpdate)

// streamEnvelope is the outer frame of a stream message
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// tradeUpdatePayload is the wire shape of a trade_updates event
type tradeUpdatePayload struct {
	Event       string       `json:"event"`
	ExecutionID string       `json:"execution_id"`
	Qty         *string      `json:"qty"`
	Price       *string      `json:"price"`
	Timestamp   *string      `json:"timestamp"`
	Order       orderPayload `json:"order"`
}

// TradeUpdateStream subscribes to the broker's trade_updates stream and
// dispatches events to a handler on a worker pool. This is the webhook-path
// writer: it races the reconciler through the store's CAS, not through memory.
type TradeUpdateStream struct {
	url       string
	apiKey    string
	secretKey string
	handler   UpdateHandler
	pool      *concurrency.WorkerPool
	logger    core.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTradeUpdateStream creates a stream client
func NewTradeUpdateStream(cfg config.BrokerConfig, handler UpdateHandler, pool *concurrency.WorkerPool, logger core.ILogger) *TradeUpdateStream {
	return &TradeUpdateStream{
		url:       cfg.StreamURL,
		apiKey:    cfg.APIKey.Value(),
		secretKey: cfg.SecretKey.Value(),
		handler:   handler,
		pool:      pool,
		logger:    logger.WithField("component", "trade_update_stream"),
	}
}

// Start begins the connect/listen/reconnect loop
func (s *TradeUpdateStream) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.runLoop()
	return nil
}

// Stop terminates the stream and waits for the loop to exit
func (s *TradeUpdateStream) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return nil
}

func (s *TradeUpdateStream) runLoop() {
	defer s.wg.Done()

	for {
		if s.ctx.Err() != nil {
			return
		}

		if err := s.connectAndListen(); err != nil {
			s.logger.Warn("Trade update stream disconnected", "error", err)
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *TradeUpdateStream) connectAndListen() error {
	conn, _, err := websocket.DefaultDialer.DialContext(s.ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	auth := map[string]interface{}{
		"action": "auth",
		"key":    s.apiKey,
		"secret": s.secretKey,
	}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("auth write failed: %w", err)
	}

	listen := map[string]interface{}{
		"action": "listen",
		"data":   map[string]interface{}{"streams": []string{"trade_updates"}},
	}
	if err := conn.WriteJSON(listen); err != nil {
		return fmt.Errorf("listen write failed: %w", err)
	}

	s.logger.Info("Trade update stream connected", "url", s.url)

	// unblock ReadMessage when the stream is stopped
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}
		s.dispatch(payload)
	}
}

func (s *TradeUpdateStream) dispatch(payload []byte) {
	var envelope streamEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		s.logger.Warn("Dropping unparseable stream message", "error", err)
		return
	}
	if envelope.Stream != "trade_updates" {
		return
	}

	var raw tradeUpdatePayload
	if err := json.Unmarshal(envelope.Data, &raw); err != nil {
		s.logger.Warn("Dropping unparseable trade update", "error", err)
		return
	}

	upd, err := raw.toTradeUpdate()
	if err != nil {
		s.logger.Warn("Dropping invalid trade update", "error", err)
		return
	}

	if err := s.pool.Submit(func() {
		s.handler(s.ctx, upd)
	}); err != nil {
		s.logger.Error("Trade update dropped, worker pool full", "event", upd.Event)
	}
}

func (p *tradeUpdatePayload) toTradeUpdate() (core.TradeUpdate, error) {
	upd := core.TradeUpdate{
		Event:       p.Event,
		ExecutionID: p.ExecutionID,
	}
	var err error
	if upd.Order, err = p.Order.toBrokerOrder(); err != nil {
		return upd, err
	}
	if upd.FillQty, err = parseDecimalField("qty", p.Qty); err != nil {
		return upd, err
	}
	if upd.FillPrice, err = parseDecimalField("price", p.Price); err != nil {
		return upd, err
	}
	if upd.Timestamp, err = parseTimeField("timestamp", p.Timestamp); err != nil {
		return upd, err
	}
	return upd, nil
}
