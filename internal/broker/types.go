// Package broker implements the Alpaca broker-of-record client
package broker

import (
	"fmt"
	"time"

	"execution_gateway/internal/core"
	"execution_gateway/pkg/apperrors"

	"github.com/shopspring/decimal"
)

// orderPayload is the wire shape of an Alpaca order record. Every field the
// broker may omit is a pointer; conversion to core.BrokerOrder is where
// validation happens.
type orderPayload struct {
	ID             string  `json:"id"`
	ClientOrderID  string  `json:"client_order_id"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Status         string  `json:"status"`
	Qty            *string `json:"qty"`
	FilledQty      *string `json:"filled_qty"`
	FilledAvgPrice *string `json:"filled_avg_price"`
	LimitPrice     *string `json:"limit_price"`
	Notional       *string `json:"notional"`
	CreatedAt      *string `json:"created_at"`
	UpdatedAt      *string `json:"updated_at"`
}

// positionPayload is the wire shape of an Alpaca position record
type positionPayload struct {
	Symbol        string  `json:"symbol"`
	Qty           *string `json:"qty"`
	AvgEntryPrice *string `json:"avg_entry_price"`
	CurrentPrice  *string `json:"current_price"`
}

// activityPayload is the wire shape of an Alpaca FILL activity
type activityPayload struct {
	ID              string  `json:"id"`
	OrderID         string  `json:"order_id"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	Qty             *string `json:"qty"`
	Price           *string `json:"price"`
	TransactionTime *string `json:"transaction_time"`
	ActivityTime    *string `json:"activity_time"`
}

func parseDecimalField(field string, raw *string) (*decimal.Decimal, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(*raw)
	if err != nil {
		return nil, fmt.Errorf("%w: bad %s %q", apperrors.ErrValidation, field, *raw)
	}
	return &d, nil
}

func parseTimeField(field string, raw *string) (*time.Time, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, *raw)
	if err != nil {
		return nil, fmt.Errorf("%w: bad %s %q", apperrors.ErrValidation, field, *raw)
	}
	return &t, nil
}

func (p *orderPayload) toBrokerOrder() (core.BrokerOrder, error) {
	out := core.BrokerOrder{
		ID:            p.ID,
		ClientOrderID: p.ClientOrderID,
		Symbol:        p.Symbol,
		Side:          p.Side,
		Status:        p.Status,
	}
	var err error
	if out.Qty, err = parseDecimalField("qty", p.Qty); err != nil {
		return out, err
	}
	if out.FilledQty, err = parseDecimalField("filled_qty", p.FilledQty); err != nil {
		return out, err
	}
	if out.FilledAvgPrice, err = parseDecimalField("filled_avg_price", p.FilledAvgPrice); err != nil {
		return out, err
	}
	if out.LimitPrice, err = parseDecimalField("limit_price", p.LimitPrice); err != nil {
		return out, err
	}
	if out.Notional, err = parseDecimalField("notional", p.Notional); err != nil {
		return out, err
	}
	if out.CreatedAt, err = parseTimeField("created_at", p.CreatedAt); err != nil {
		return out, err
	}
	if out.UpdatedAt, err = parseTimeField("updated_at", p.UpdatedAt); err != nil {
		return out, err
	}
	return out, nil
}

func (p *positionPayload) toBrokerPosition() (core.BrokerPosition, error) {
	out := core.BrokerPosition{
		Symbol:       p.Symbol,
		CurrentPrice: p.CurrentPrice, // opaque passthrough, not parsed
	}
	var err error
	if out.Qty, err = parseDecimalField("qty", p.Qty); err != nil {
		return out, err
	}
	if out.AvgEntryPrice, err = parseDecimalField("avg_entry_price", p.AvgEntryPrice); err != nil {
		return out, err
	}
	return out, nil
}

func (p *activityPayload) toActivity() (core.Activity, error) {
	out := core.Activity{
		ID:      p.ID,
		OrderID: p.OrderID,
		Symbol:  p.Symbol,
		Side:    p.Side,
	}
	var err error
	if out.Qty, err = parseDecimalField("qty", p.Qty); err != nil {
		return out, err
	}
	if out.Price, err = parseDecimalField("price", p.Price); err != nil {
		return out, err
	}
	if out.TransactionTime, err = parseTimeField("transaction_time", p.TransactionTime); err != nil {
		return out, err
	}
	if out.ActivityTime, err = parseTimeField("activity_time", p.ActivityTime); err != nil {
		return out, err
	}
	return out, nil
}
