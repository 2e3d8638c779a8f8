package riskmonitor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yiyiliu551/stock-trading-agent/internal/domain"
)

type fakeFeed struct {
	price decimal.Decimal
	bars  []domain.Bar
}

func (f *fakeFeed) LatestPrice(_ context.Context, _ string) (decimal.Decimal, error) {
	return f.price, nil
}

func (f *fakeFeed) RecentBars(_ context.Context, _ string, _ int) ([]domain.Bar, error) {
	return f.bars, nil
}

// calmBars yields near-zero ATR so the tier test sees volatility below 2%.
func calmBars(n int) []domain.Bar {
	bars := make([]domain.Bar, 0, n)
	for i := 0; i < n; i++ {
		p := decimal.NewFromInt(515)
		bars = append(bars, domain.Bar{High: p, Low: p, Close: p})
	}
	return bars
}

func openPosition(t *testing.T, entry int64, openedAt time.Time) *domain.Position {
	t.Helper()
	pos, err := domain.NewPosition(domain.PositionPlan{
		Symbol:         "NVDA",
		Direction:      domain.SideShort,
		TargetSize:     decimal.NewFromInt(100),
		ReferencePrice: decimal.NewFromInt(entry),
	}, openedAt)
	require.NoError(t, err)
	require.NoError(t, pos.ApplyFill(domain.Tranche{
		Sequence: 1,
		Filled:   decimal.NewFromInt(100),
		AvgPrice: decimal.NewFromInt(entry),
		Status:   domain.TrancheFilled,
	}))
	return pos
}

func testConfig() Config {
	return Config{
		TakeProfitPercent: decimal.NewFromInt(3),
		PollInterval:      time.Millisecond,
		MaxHoldDuration:   7 * 24 * time.Hour,
	}
}

func TestTieredStopPercent(t *testing.T) {
	require.True(t, TieredStopPercent(decimal.NewFromFloat(3.5)).Equal(decimal.NewFromInt(8)))
	require.True(t, TieredStopPercent(decimal.NewFromFloat(2.5)).Equal(decimal.NewFromInt(6)))
	require.True(t, TieredStopPercent(decimal.NewFromInt(2)).Equal(decimal.NewFromInt(6)))
	require.True(t, TieredStopPercent(decimal.NewFromFloat(1.2)).Equal(decimal.NewFromInt(5)))
	require.True(t, TieredStopPercent(decimal.Zero).Equal(decimal.NewFromInt(5)))
}

func TestEvaluateHoldsInsideBands(t *testing.T) {
	feed := &fakeFeed{price: decimal.NewFromInt(510), bars: calmBars(20)}
	m := New(feed, testConfig(), zap.NewNop())

	now := time.Date(2026, 2, 10, 15, 0, 0, 0, time.UTC)
	pos := openPosition(t, 515, now.Add(-time.Hour))

	trigger, err := m.Evaluate(context.Background(), pos, now)
	require.NoError(t, err)
	require.Nil(t, trigger, "price between stop and take-profit keeps the position open")
}

func TestEvaluateStopLoss(t *testing.T) {
	// Calm volatility tiers the stop at 5% over the 515 entry: 540.75.
	feed := &fakeFeed{price: decimal.NewFromInt(541), bars: calmBars(20)}
	m := New(feed, testConfig(), zap.NewNop())

	now := time.Date(2026, 2, 10, 15, 0, 0, 0, time.UTC)
	pos := openPosition(t, 515, now.Add(-time.Hour))

	trigger, err := m.Evaluate(context.Background(), pos, now)
	require.NoError(t, err)
	require.NotNil(t, trigger)
	require.Equal(t, domain.TriggerStopLoss, trigger.Kind)
	require.True(t, trigger.Price.Equal(decimal.NewFromInt(541)))
}

func TestEvaluateTakeProfit(t *testing.T) {
	// 3% below the 515 entry is 499.55.
	feed := &fakeFeed{price: decimal.NewFromInt(499), bars: calmBars(20)}
	m := New(feed, testConfig(), zap.NewNop())

	now := time.Date(2026, 2, 10, 15, 0, 0, 0, time.UTC)
	pos := openPosition(t, 515, now.Add(-time.Hour))

	trigger, err := m.Evaluate(context.Background(), pos, now)
	require.NoError(t, err)
	require.NotNil(t, trigger)
	require.Equal(t, domain.TriggerTakeProfit, trigger.Kind)
}

func TestEvaluateHoldingTimeout(t *testing.T) {
	feed := &fakeFeed{price: decimal.NewFromInt(510), bars: calmBars(20)}
	m := New(feed, testConfig(), zap.NewNop())

	now := time.Date(2026, 2, 17, 15, 0, 0, 0, time.UTC)
	pos := openPosition(t, 515, now.Add(-7*24*time.Hour))

	trigger, err := m.Evaluate(context.Background(), pos, now)
	require.NoError(t, err)
	require.NotNil(t, trigger)
	require.Equal(t, domain.TriggerTimeout, trigger.Kind)
}

type fakeInterrupter struct {
	symbol string
	reason string
	calls  int
}

func (f *fakeInterrupter) Interrupt(symbol, reason string) {
	f.symbol = symbol
	f.reason = reason
	f.calls++
}

func TestReportFillInterruptsEntryOnTrigger(t *testing.T) {
	// Calm volatility tiers the stop at 5% over the 515 entry: 540.75. The
	// quote already sits above it when the first tranche fill comes in.
	feed := &fakeFeed{price: decimal.NewFromInt(541), bars: calmBars(20)}
	m := New(feed, testConfig(), zap.NewNop())
	interrupter := &fakeInterrupter{}
	m.BindInterrupter(interrupter)

	pos := openPosition(t, 515, time.Now().UTC())
	m.ReportFill(context.Background(), pos)

	require.Equal(t, 1, interrupter.calls)
	require.Equal(t, "NVDA", interrupter.symbol)
	require.Equal(t, string(domain.TriggerStopLoss), interrupter.reason)
}

func TestReportFillHoldsInsideBands(t *testing.T) {
	feed := &fakeFeed{price: decimal.NewFromInt(515), bars: calmBars(20)}
	m := New(feed, testConfig(), zap.NewNop())
	interrupter := &fakeInterrupter{}
	m.BindInterrupter(interrupter)

	pos := openPosition(t, 515, time.Now().UTC())
	m.ReportFill(context.Background(), pos)

	require.Zero(t, interrupter.calls, "a fill at the entry price is no reason to stop staging")
}

func TestWatchDeliversSingleTrigger(t *testing.T) {
	feed := &fakeFeed{price: decimal.NewFromInt(499), bars: calmBars(20)}
	m := New(feed, testConfig(), zap.NewNop())

	pos := openPosition(t, 515, time.Now().UTC())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch := m.Watch(ctx, pos)
	trigger, ok := <-ch
	require.True(t, ok)
	require.Equal(t, domain.TriggerTakeProfit, trigger.Kind)

	_, ok = <-ch
	require.False(t, ok, "channel closes after the single trigger")
}

func TestWatchStopsOnContextCancel(t *testing.T) {
	feed := &fakeFeed{price: decimal.NewFromInt(510), bars: calmBars(20)}
	m := New(feed, testConfig(), zap.NewNop())

	pos := openPosition(t, 515, time.Now().UTC())

	ctx, cancel := context.WithCancel(context.Background())
	ch := m.Watch(ctx, pos)
	cancel()

	select {
	case _, ok := <-ch:
		require.False(t, ok, "cancel closes the channel without a trigger")
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}
