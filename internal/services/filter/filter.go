// Package filter gates candidate events before the costly AI validation:
// it pairs surges with corroborating slowdowns, applies the market-health
// and price guards, and enforces one open candidate per symbol.
package filter

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yiyiliu551/stock-trading-agent/internal/domain"
)

// Config holds the filter's policy knobs.
type Config struct {
	// PairWindow bounds how long after a surge a slowdown may corroborate it.
	PairWindow time.Duration
	// PriceGuardMinGain is the minimum absolute gain over the pre-earnings
	// reference required to justify the trade.
	PriceGuardMinGain decimal.Decimal
	// MaxIndexDropPercent marks the broad market unhealthy when an index is
	// down more than this on the day.
	MaxIndexDropPercent decimal.Decimal
	// MaxShortNotional caps the proposed position value.
	MaxShortNotional decimal.Decimal
}

// Filter is safe for concurrent use across per-symbol runs.
type Filter struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	open map[string]struct{}
}

// New creates a filter.
func New(cfg Config, logger *zap.Logger) *Filter {
	return &Filter{cfg: cfg, logger: logger, open: make(map[string]struct{})}
}

// MarketHealthy reports whether every tracked index change is above the
// configured drop limit. A weak broad market raises short-squeeze risk.
func (f *Filter) MarketHealthy(indexChanges map[string]decimal.Decimal) bool {
	limit := f.cfg.MaxIndexDropPercent.Neg()
	for symbol, change := range indexChanges {
		if change.LessThanOrEqual(limit) {
			f.logger.Info("market unhealthy",
				zap.String("index", symbol),
				zap.String("change_pct", change.StringFixed(2)))
			return false
		}
	}
	return true
}

// Pair matches each surge with the earliest subsequent slowdown for the same
// symbol inside the pairing window and returns the first candidate that
// passes the price guard and the dedup rule. Returns nil when nothing
// qualifies.
func (f *Filter) Pair(events []domain.SignalEvent, preEarningsPrice, stopLoss decimal.Decimal) *domain.TradeCandidate {
	for i, ev := range events {
		if ev.Kind != domain.SignalSurge {
			continue
		}

		slowdown, ok := f.earliestSlowdown(events[i+1:], ev)
		if !ok {
			continue
		}

		// Price guard: require a minimum absolute gain over the pre-earnings
		// close before committing capital to a reversal.
		gain := slowdown.Price.Sub(preEarningsPrice)
		if preEarningsPrice.IsPositive() && gain.LessThan(f.cfg.PriceGuardMinGain) {
			f.logger.Info("price guard rejected candidate",
				zap.String("symbol", ev.Symbol),
				zap.String("gain", gain.StringFixed(2)),
				zap.String("required", f.cfg.PriceGuardMinGain.String()))
			continue
		}

		if !f.tryOpen(ev.Symbol) {
			f.logger.Debug("candidate already open for symbol", zap.String("symbol", ev.Symbol))
			continue
		}

		size := f.proposedSize(slowdown.Price)
		cand, err := domain.NewTradeCandidate(ev, slowdown, size, stopLoss)
		if err != nil {
			f.Release(ev.Symbol)
			f.logger.Warn("candidate rejected", zap.Error(err))
			continue
		}
		return cand
	}
	return nil
}

// Release frees the per-symbol slot once the candidate's run resolves.
func (f *Filter) Release(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.open, symbol)
}

// HasOpen reports whether a candidate is currently open for the symbol.
func (f *Filter) HasOpen(symbol string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.open[symbol]
	return ok
}

func (f *Filter) tryOpen(symbol string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.open[symbol]; ok {
		return false
	}
	f.open[symbol] = struct{}{}
	return true
}

func (f *Filter) earliestSlowdown(rest []domain.SignalEvent, surge domain.SignalEvent) (domain.SignalEvent, bool) {
	deadline := surge.Timestamp.Add(f.cfg.PairWindow)
	for _, ev := range rest {
		if ev.Symbol != surge.Symbol || ev.Kind != domain.SignalSlowdown {
			continue
		}
		if !ev.Timestamp.After(surge.Timestamp) {
			continue
		}
		if ev.Timestamp.After(deadline) {
			// Events are ordered, nothing later can pair either.
			return domain.SignalEvent{}, false
		}
		return ev, true
	}
	return domain.SignalEvent{}, false
}

func (f *Filter) proposedSize(entryPrice decimal.Decimal) decimal.Decimal {
	if !entryPrice.IsPositive() {
		return decimal.Zero
	}
	return f.cfg.MaxShortNotional.Div(entryPrice).Floor()
}
