// Package broker is the order submission boundary. The paper implementation
// simulates fills against a live quote source so the rest of the pipeline
// runs unchanged without a real brokerage account.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yiyiliu551/stock-trading-agent/pkg/retrier"
)

// Action is the order intent.
type Action string

const (
	ActionSellShort  Action = "sell_short"
	ActionBuyToCover Action = "buy_to_cover"
)

// OrderStatus is the broker-side lifecycle of one order.
type OrderStatus string

const (
	StatusAccepted OrderStatus = "accepted"
	StatusFilled   OrderStatus = "filled"
	StatusRejected OrderStatus = "rejected"
)

// OrderRequest is one order submission. ClientOrderID makes retries
// idempotent: resubmitting an already accepted ID returns the existing order.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Action        Action
	Quantity      decimal.Decimal
}

// Order is the broker's view of a submitted order.
type Order struct {
	ClientOrderID string
	Symbol        string
	Action        Action
	Quantity      decimal.Decimal
	Filled        decimal.Decimal
	AvgPrice      decimal.Decimal
	Status        OrderStatus
	SubmittedAt   time.Time
}

type priceSource interface {
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Paper is an in-memory simulated broker. Orders fill in full at the quote
// observed on the first status poll after submission. Submissions are rate
// limited the way a real brokerage API would throttle them.
type Paper struct {
	prices  priceSource
	limiter *rate.Limiter
	logger  *zap.Logger

	mu     sync.Mutex
	orders map[string]*Order
}

// NewPaper creates a paper broker allowing rps submissions per second.
func NewPaper(prices priceSource, rps float64, logger *zap.Logger) *Paper {
	if rps <= 0 {
		rps = 5
	}
	return &Paper{
		prices:  prices,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger,
		orders:  make(map[string]*Order),
	}
}

// PlaceOrder submits an order. Duplicate client order IDs return the already
// known order without creating a second one.
func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if req.ClientOrderID == "" {
		return nil, retrier.Permanent(errors.New("client order ID is required"))
	}
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, retrier.Permanent(errors.New("order quantity must be greater than zero"))
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "order rate limit")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.orders[req.ClientOrderID]; ok {
		return cloneOrder(existing), nil
	}

	order := &Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Action:        req.Action,
		Quantity:      req.Quantity,
		Status:        StatusAccepted,
		SubmittedAt:   time.Now().UTC(),
	}
	p.orders[req.ClientOrderID] = order

	p.logger.Debug("paper order accepted",
		zap.String("order", req.ClientOrderID),
		zap.String("symbol", req.Symbol),
		zap.String("action", string(req.Action)),
		zap.String("quantity", req.Quantity.String()))

	return cloneOrder(order), nil
}

// OrderStatus returns the current order state, filling an accepted order in
// full at the latest quote.
func (p *Paper) OrderStatus(ctx context.Context, clientOrderID string) (*Order, error) {
	p.mu.Lock()
	order, ok := p.orders[clientOrderID]
	p.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("unknown order %s", clientOrderID)
	}

	if order.Status != StatusAccepted {
		return cloneOrder(order), nil
	}

	price, err := p.prices.LatestPrice(ctx, order.Symbol)
	if err != nil {
		return nil, errors.Wrap(err, "quote for fill")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if order.Status == StatusAccepted {
		order.Status = StatusFilled
		order.Filled = order.Quantity
		order.AvgPrice = price
	}
	return cloneOrder(order), nil
}

func cloneOrder(o *Order) *Order {
	c := *o
	return &c
}
