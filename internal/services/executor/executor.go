// Package executor carries out staged entries and covers. An entry is split
// into fixed-ratio tranches submitted strictly one at a time, with a price
// guard between tranches and bounded retries on broker failures.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yiyiliu551/stock-trading-agent/internal/domain"
	"github.com/yiyiliu551/stock-trading-agent/internal/services/broker"
	"github.com/yiyiliu551/stock-trading-agent/pkg/retrier"
)

// ErrNoFill means the broker accepted nothing: every entry tranche failed and
// the position never opened.
var ErrNoFill = errors.New("no tranche filled")

const maxFillPolls = 30

type orderBroker interface {
	PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.Order, error)
	OrderStatus(ctx context.Context, clientOrderID string) (*broker.Order, error)
}

type priceSource interface {
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// fillSink receives the position after every entry tranche fill, before the
// next tranche is submitted. The risk monitor implements it.
type fillSink interface {
	ReportFill(ctx context.Context, pos *domain.Position)
}

// Config tunes the staged execution.
type Config struct {
	BatchRatios      []decimal.Decimal
	GuardBandPercent decimal.Decimal
	FillPollInterval time.Duration
	// RetryInterval is the initial backoff between broker retries.
	RetryInterval time.Duration
}

// Executor submits tranches for one position at a time per symbol.
type Executor struct {
	broker  orderBroker
	prices  priceSource
	sink    fillSink
	retrier *retrier.Retrier
	cfg     Config
	logger  *zap.Logger

	mu         sync.Mutex
	interrupts map[string]string
}

// New creates an executor. sink may be nil when no one watches partial fills.
func New(b orderBroker, prices priceSource, sink fillSink, cfg Config, logger *zap.Logger) *Executor {
	if cfg.FillPollInterval <= 0 {
		cfg.FillPollInterval = 2 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	return &Executor{
		broker: b,
		prices: prices,
		sink:   sink,
		retrier: retrier.New(
			retrier.WithMaxRetries(3),
			retrier.WithInitialInterval(cfg.RetryInterval),
			retrier.WithMaxInterval(10*cfg.RetryInterval),
		),
		cfg:        cfg,
		logger:     logger,
		interrupts: make(map[string]string),
	}
}

// Interrupt stops the in-flight staged entry for the symbol before its next
// tranche. The tranche already submitted still completes; remaining ones are
// marked aborted.
func (e *Executor) Interrupt(symbol, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interrupts[symbol] = reason
}

func (e *Executor) takeInterrupt(symbol string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reason, ok := e.interrupts[symbol]
	if ok {
		delete(e.interrupts, symbol)
	}
	return reason, ok
}

// Enter opens a staged short position. It returns the position with whatever
// fills landed: a partial entry is a valid position, only a fully empty one
// is an error.
func (e *Executor) Enter(ctx context.Context, plan domain.PositionPlan) (*domain.Position, error) {
	pos, err := domain.NewPosition(plan, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	sizes := splitSizes(plan.TargetSize, e.cfg.BatchRatios)
	for i, size := range sizes {
		if i > 0 {
			if reason, ok := e.takeInterrupt(plan.Symbol); ok {
				e.logger.Warn("entry interrupted",
					zap.String("symbol", plan.Symbol),
					zap.String("reason", reason))
				markRemaining(pos, sizes[i:], i+1, domain.TrancheAborted)
				break
			}
			ok, guardErr := e.withinGuardBand(ctx, plan)
			if guardErr != nil {
				e.logger.Warn("price guard quote failed, halting remaining tranches",
					zap.String("symbol", plan.Symbol), zap.Error(guardErr))
				markRemaining(pos, sizes[i:], i+1, domain.TrancheAborted)
				break
			}
			if !ok {
				e.logger.Info("price left the guard band, keeping partial entry",
					zap.String("symbol", plan.Symbol),
					zap.Int("tranches_filled", i))
				markRemaining(pos, sizes[i:], i+1, domain.TrancheAborted)
				break
			}
		}

		tranche, err := e.runTranche(ctx, plan.Symbol, broker.ActionSellShort, i+1, size)
		if err != nil {
			e.logger.Error("entry tranche failed",
				zap.String("symbol", plan.Symbol),
				zap.Int("sequence", i+1),
				zap.Error(err))
			markRemaining(pos, sizes[i:], i+1, domain.TrancheAborted)
			break
		}
		if err := pos.ApplyFill(*tranche); err != nil {
			return nil, err
		}

		e.logger.Info("entry tranche filled",
			zap.String("symbol", plan.Symbol),
			zap.Int("sequence", i+1),
			zap.String("filled", tranche.Filled.String()),
			zap.String("avg_price", tranche.AvgPrice.String()))

		if e.sink != nil {
			e.sink.ReportFill(ctx, pos)
		}
	}

	if pos.FilledSize.IsZero() {
		return nil, ErrNoFill
	}
	return pos, nil
}

// Unwind covers the open exposure in the same staged ratios. No price guard
// applies on the way out: once an exit reason exists the position must close.
func (e *Executor) Unwind(ctx context.Context, pos *domain.Position, reason string) error {
	remaining := pos.FilledSize.Sub(pos.CoveredSize)
	if remaining.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	pos.ExitReason = reason

	sizes := splitSizes(remaining, e.cfg.BatchRatios)
	var lastErr error
	for i, size := range sizes {
		tranche, err := e.runTranche(ctx, pos.Symbol, broker.ActionBuyToCover, i+1, size)
		if err != nil {
			lastErr = err
			e.logger.Error("cover tranche failed",
				zap.String("symbol", pos.Symbol),
				zap.Int("sequence", i+1),
				zap.Error(err))
			continue
		}
		if err := pos.ApplyCover(*tranche); err != nil {
			return err
		}

		e.logger.Info("cover tranche filled",
			zap.String("symbol", pos.Symbol),
			zap.Int("sequence", i+1),
			zap.String("filled", tranche.Filled.String()),
			zap.String("avg_price", tranche.AvgPrice.String()))
	}

	if pos.Open() {
		return errors.Wrapf(lastErr, "position %s still holds %s uncovered",
			pos.Symbol, pos.FilledSize.Sub(pos.CoveredSize).String())
	}
	return nil
}

// runTranche submits one order with bounded retries and polls it to a
// terminal state.
func (e *Executor) runTranche(ctx context.Context, symbol string, action broker.Action, seq int, size decimal.Decimal) (*domain.Tranche, error) {
	req := broker.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        symbol,
		Action:        action,
		Quantity:      size,
	}

	order, err := retrier.DoWithData(e.retrier, ctx, func(ctx context.Context) (*broker.Order, error) {
		return e.broker.PlaceOrder(ctx, req)
	})
	if err != nil {
		return nil, errors.Wrap(err, "place order")
	}

	final, err := e.awaitFill(ctx, order.ClientOrderID)
	if err != nil {
		return nil, err
	}

	status := domain.TrancheFilled
	switch final.Status {
	case broker.StatusRejected:
		status = domain.TrancheCanceled
	case broker.StatusAccepted:
		// Poll budget exhausted without a terminal answer.
		status = domain.TrancheCanceled
	}

	return &domain.Tranche{
		Sequence:      seq,
		ClientOrderID: order.ClientOrderID,
		Requested:     size,
		Filled:        final.Filled,
		AvgPrice:      final.AvgPrice,
		Status:        status,
	}, nil
}

func (e *Executor) awaitFill(ctx context.Context, clientOrderID string) (*broker.Order, error) {
	ticker := time.NewTicker(e.cfg.FillPollInterval)
	defer ticker.Stop()

	var last *broker.Order
	for polls := 0; polls < maxFillPolls; polls++ {
		order, err := e.broker.OrderStatus(ctx, clientOrderID)
		if err != nil {
			return nil, errors.Wrap(err, "poll order status")
		}
		last = order
		if order.Status != broker.StatusAccepted {
			return order, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
	return last, nil
}

// withinGuardBand reports whether the latest quote is still inside the band
// around the reference price. Outside the band the remaining tranches would
// chase a price that already moved, so they are skipped.
func (e *Executor) withinGuardBand(ctx context.Context, plan domain.PositionPlan) (bool, error) {
	price, err := e.prices.LatestPrice(ctx, plan.Symbol)
	if err != nil {
		return false, err
	}

	band := plan.ReferencePrice.Mul(e.cfg.GuardBandPercent).Div(decimal.NewFromInt(100))
	deviation := price.Sub(plan.ReferencePrice).Abs()
	return deviation.LessThanOrEqual(band), nil
}

func markRemaining(pos *domain.Position, sizes []decimal.Decimal, firstSeq int, status domain.TrancheStatus) {
	for i, size := range sizes {
		pos.Tranches = append(pos.Tranches, domain.Tranche{
			Sequence:  firstSeq + i,
			Requested: size,
			Status:    status,
		})
	}
}

// splitSizes divides total into whole-share tranches by ratio. Rounding
// remainders accumulate into the last tranche so the parts always sum to the
// total. Ratios that floor to zero shares are dropped.
func splitSizes(total decimal.Decimal, ratios []decimal.Decimal) []decimal.Decimal {
	if len(ratios) == 0 {
		return []decimal.Decimal{total}
	}

	sizes := make([]decimal.Decimal, 0, len(ratios))
	allocated := decimal.Zero
	for i, r := range ratios {
		var size decimal.Decimal
		if i == len(ratios)-1 {
			size = total.Sub(allocated)
		} else {
			size = total.Mul(r).Floor()
		}
		if size.LessThanOrEqual(decimal.Zero) {
			continue
		}
		sizes = append(sizes, size)
		allocated = allocated.Add(size)
	}
	if len(sizes) == 0 {
		sizes = append(sizes, total)
	}
	return sizes
}
