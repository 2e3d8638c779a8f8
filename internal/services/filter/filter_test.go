package filter

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yiyiliu551/stock-trading-agent/internal/domain"
)

func testConfig() Config {
	return Config{
		PairWindow:          10 * time.Minute,
		PriceGuardMinGain:   decimal.NewFromInt(40),
		MaxIndexDropPercent: decimal.NewFromInt(2),
		MaxShortNotional:    decimal.NewFromInt(10000),
	}
}

func event(symbol string, kind domain.SignalKind, at time.Time, price float64) domain.SignalEvent {
	return domain.SignalEvent{
		Symbol:    symbol,
		Timestamp: at,
		Kind:      kind,
		Price:     decimal.NewFromFloat(price),
	}
}

func TestMarketHealthy(t *testing.T) {
	f := New(testConfig(), zap.NewNop())

	require.True(t, f.MarketHealthy(map[string]decimal.Decimal{
		"SPX":  decimal.NewFromFloat(-1.2),
		"NDX":  decimal.NewFromFloat(0.4),
	}))
	require.False(t, f.MarketHealthy(map[string]decimal.Decimal{
		"SPX": decimal.NewFromFloat(-2.5),
	}))
	require.False(t, f.MarketHealthy(map[string]decimal.Decimal{
		"SPX": decimal.NewFromInt(-2),
	}), "a drop exactly at the limit counts as unhealthy")
	require.True(t, f.MarketHealthy(nil))
}

func TestPairMatchesEarliestSlowdownInWindow(t *testing.T) {
	f := New(testConfig(), zap.NewNop())
	base := time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC)

	events := []domain.SignalEvent{
		event("NVDA", domain.SignalSurge, base, 520),
		event("NVDA", domain.SignalSlowdown, base.Add(4*time.Minute), 515),
		event("NVDA", domain.SignalSlowdown, base.Add(6*time.Minute), 512),
	}

	pre := decimal.NewFromInt(460)
	cand := f.Pair(events, pre, decimal.NewFromInt(540))
	require.NotNil(t, cand)
	require.Equal(t, "NVDA", cand.Symbol)
	require.True(t, cand.Slowdown.Timestamp.Equal(base.Add(4*time.Minute)), "earliest slowdown wins")
	// 10000 notional at 515 floors to 19 shares.
	require.True(t, cand.ProposedSize.Equal(decimal.NewFromInt(19)), "got %s", cand.ProposedSize)
}

func TestPairRejectsSlowdownOutsideWindow(t *testing.T) {
	f := New(testConfig(), zap.NewNop())
	base := time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC)

	events := []domain.SignalEvent{
		event("NVDA", domain.SignalSurge, base, 520),
		event("NVDA", domain.SignalSlowdown, base.Add(11*time.Minute), 515),
	}

	require.Nil(t, f.Pair(events, decimal.NewFromInt(460), decimal.NewFromInt(540)))
}

func TestPairPriceGuard(t *testing.T) {
	f := New(testConfig(), zap.NewNop())
	base := time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC)

	events := []domain.SignalEvent{
		event("NVDA", domain.SignalSurge, base, 520),
		event("NVDA", domain.SignalSlowdown, base.Add(4*time.Minute), 515),
	}

	// Gain over the pre-earnings close is only 15, below the 40 minimum.
	require.Nil(t, f.Pair(events, decimal.NewFromInt(500), decimal.NewFromInt(540)))

	// A 75 gain clears the guard.
	require.NotNil(t, f.Pair(events, decimal.NewFromInt(440), decimal.NewFromInt(540)))
}

func TestPairDeduplicatesPerSymbol(t *testing.T) {
	f := New(testConfig(), zap.NewNop())
	base := time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC)

	events := []domain.SignalEvent{
		event("NVDA", domain.SignalSurge, base, 520),
		event("NVDA", domain.SignalSlowdown, base.Add(4*time.Minute), 515),
	}
	pre := decimal.NewFromInt(460)
	stop := decimal.NewFromInt(540)

	require.NotNil(t, f.Pair(events, pre, stop))
	require.True(t, f.HasOpen("NVDA"))
	require.Nil(t, f.Pair(events, pre, stop), "second candidate for the same symbol is blocked")

	f.Release("NVDA")
	require.False(t, f.HasOpen("NVDA"))
	require.NotNil(t, f.Pair(events, pre, stop))
}

func TestPairConcurrentSurgesYieldOneCandidate(t *testing.T) {
	f := New(testConfig(), zap.NewNop())
	base := time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC)

	events := []domain.SignalEvent{
		event("NVDA", domain.SignalSurge, base, 520),
		event("NVDA", domain.SignalSlowdown, base.Add(4*time.Minute), 515),
	}
	pre := decimal.NewFromInt(460)
	stop := decimal.NewFromInt(540)

	const workers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		count int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cand := f.Pair(events, pre, stop); cand != nil {
				mu.Lock()
				count++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, count, "exactly one concurrent pairing may win the slot")
}
