// Package riskmonitor supervises an open short position and emits exactly one
// exit trigger: stop-loss, take-profit, or holding timeout.
package riskmonitor

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yiyiliu551/stock-trading-agent/internal/domain"
	"github.com/yiyiliu551/stock-trading-agent/internal/services/detector"
)

const volatilityPeriod = 14

type priceSource interface {
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	RecentBars(ctx context.Context, symbol string, n int) ([]domain.Bar, error)
}

// entryInterrupter stops a staged entry before its next tranche.
type entryInterrupter interface {
	Interrupt(symbol, reason string)
}

// Config tunes exit thresholds.
type Config struct {
	TakeProfitPercent decimal.Decimal
	PollInterval      time.Duration
	MaxHoldDuration   time.Duration
}

// Monitor polls quotes for open positions and decides when to exit.
type Monitor struct {
	prices      priceSource
	interrupter entryInterrupter
	cfg         Config
	logger      *zap.Logger
}

// New creates a risk monitor.
func New(prices priceSource, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	return &Monitor{prices: prices, cfg: cfg, logger: logger}
}

// BindInterrupter routes risk triggers observed mid-entry back to the
// executor. Called once at wiring time; the executor and monitor reference
// each other, so this cannot be a constructor argument.
func (m *Monitor) BindInterrupter(i entryInterrupter) {
	m.interrupter = i
}

// ReportFill receives the position after each entry tranche fill, while the
// entry is still being staged. A trigger on the partial exposure interrupts
// the remaining tranches before the next one is submitted.
func (m *Monitor) ReportFill(ctx context.Context, pos *domain.Position) {
	m.logger.Info("entry fill reported",
		zap.String("symbol", pos.Symbol),
		zap.String("filled", pos.FilledSize.String()),
		zap.String("avg_entry", pos.EntryPrice.StringFixed(2)))

	trigger, err := m.Evaluate(ctx, pos, time.Now().UTC())
	if err != nil {
		m.logger.Warn("risk check on partial entry failed",
			zap.String("symbol", pos.Symbol), zap.Error(err))
		return
	}
	if trigger == nil || m.interrupter == nil {
		return
	}

	m.logger.Warn("risk trigger during staged entry",
		zap.String("symbol", pos.Symbol),
		zap.String("trigger", string(trigger.Kind)))
	m.interrupter.Interrupt(pos.Symbol, string(trigger.Kind))
}

// Watch supervises the position until one trigger fires or the context ends.
// The returned channel delivers at most one trigger and is then closed.
func (m *Monitor) Watch(ctx context.Context, pos *domain.Position) <-chan domain.RiskTrigger {
	out := make(chan domain.RiskTrigger, 1)

	go func() {
		defer close(out)

		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()

		for {
			trigger, err := m.Evaluate(ctx, pos, time.Now().UTC())
			if err != nil {
				m.logger.Warn("risk evaluation failed",
					zap.String("symbol", pos.Symbol), zap.Error(err))
			} else if trigger != nil {
				out <- *trigger
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return out
}

// Evaluate performs one risk check at the given instant. It returns nil when
// the position should stay open.
func (m *Monitor) Evaluate(ctx context.Context, pos *domain.Position, now time.Time) (*domain.RiskTrigger, error) {
	if !now.Before(pos.OpenedAt.Add(m.cfg.MaxHoldDuration)) {
		m.logger.Info("holding period expired", zap.String("symbol", pos.Symbol))
		return &domain.RiskTrigger{Kind: domain.TriggerTimeout, At: now}, nil
	}

	price, err := m.prices.LatestPrice(ctx, pos.Symbol)
	if err != nil {
		return nil, errors.Wrap(err, "latest quote")
	}

	stop, err := m.StopLossPrice(ctx, pos)
	if err != nil {
		return nil, err
	}
	if price.GreaterThanOrEqual(stop) {
		m.logger.Warn("stop-loss hit",
			zap.String("symbol", pos.Symbol),
			zap.String("price", price.StringFixed(2)),
			zap.String("stop", stop.StringFixed(2)))
		return &domain.RiskTrigger{Kind: domain.TriggerStopLoss, Price: price, At: now}, nil
	}

	take := m.TakeProfitPrice(pos)
	if price.LessThanOrEqual(take) {
		m.logger.Info("take-profit hit",
			zap.String("symbol", pos.Symbol),
			zap.String("price", price.StringFixed(2)),
			zap.String("target", take.StringFixed(2)))
		return &domain.RiskTrigger{Kind: domain.TriggerTakeProfit, Price: price, At: now}, nil
	}

	return nil, nil
}

// TieredStopPercent maps daily volatility to the stop distance for a short:
// wider in volatile names so ordinary noise does not shake the position out.
// Volatility above 3% widens the stop to 8% over entry, 2% to 3% uses 6%,
// calmer names use 5%.
func TieredStopPercent(dailyVolPercent decimal.Decimal) decimal.Decimal {
	switch {
	case dailyVolPercent.GreaterThan(decimal.NewFromInt(3)):
		return decimal.NewFromInt(8)
	case dailyVolPercent.GreaterThanOrEqual(decimal.NewFromInt(2)):
		return decimal.NewFromInt(6)
	default:
		return decimal.NewFromInt(5)
	}
}

// StopLossPrice returns the volatility-tiered stop above the average entry.
func (m *Monitor) StopLossPrice(ctx context.Context, pos *domain.Position) (decimal.Decimal, error) {
	bars, err := m.prices.RecentBars(ctx, pos.Symbol, volatilityPeriod+1)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "bars for volatility")
	}

	vol := detector.HistoricalVolatilityPercent(bars, volatilityPeriod)
	stopPct := TieredStopPercent(vol)

	hundred := decimal.NewFromInt(100)
	return pos.EntryPrice.Mul(hundred.Add(stopPct)).Div(hundred), nil
}

// TakeProfitPrice is the cover target below the average entry.
func (m *Monitor) TakeProfitPrice(pos *domain.Position) decimal.Decimal {
	hundred := decimal.NewFromInt(100)
	return pos.EntryPrice.Mul(hundred.Sub(m.cfg.TakeProfitPercent)).Div(hundred)
}
