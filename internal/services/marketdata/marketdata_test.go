package marketdata

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/yiyiliu551/stock-trading-agent/internal/domain"
)

func sampleBars(n int, start float64) []domain.Bar {
	base := time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC)
	bars := make([]domain.Bar, 0, n)
	for i := 0; i < n; i++ {
		p := decimal.NewFromFloat(start + float64(i))
		bars = append(bars, domain.Bar{
			Time:   base.Add(time.Duration(i) * time.Minute),
			Open:   p,
			High:   p,
			Low:    p,
			Close:  p,
			Volume: decimal.NewFromInt(1000),
		})
	}
	return bars
}

func TestReplayCursor(t *testing.T) {
	r := NewReplay()
	ctx := context.Background()
	r.Load("NVDA", sampleBars(10, 500), decimal.NewFromInt(460))

	bars, err := r.Bars(ctx, "NVDA")
	require.NoError(t, err)
	require.Len(t, bars, 10, "full series visible by default")

	r.Rewind("NVDA", 3)
	bars, err = r.Bars(ctx, "NVDA")
	require.NoError(t, err)
	require.Len(t, bars, 3)

	price, err := r.LatestPrice(ctx, "NVDA")
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.NewFromInt(502)), "latest is the close under the cursor")

	r.Advance("NVDA", 4)
	bars, err = r.Bars(ctx, "NVDA")
	require.NoError(t, err)
	require.Len(t, bars, 7)

	r.Advance("NVDA", 100)
	bars, err = r.Bars(ctx, "NVDA")
	require.NoError(t, err)
	require.Len(t, bars, 10, "cursor clamps at the series end")
}

func TestReplayRecentBars(t *testing.T) {
	r := NewReplay()
	ctx := context.Background()
	r.Load("NVDA", sampleBars(10, 500), decimal.NewFromInt(460))

	recent, err := r.RecentBars(ctx, "NVDA", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	require.True(t, recent[2].Close.Equal(decimal.NewFromInt(509)))

	recent, err = r.RecentBars(ctx, "NVDA", 50)
	require.NoError(t, err)
	require.Len(t, recent, 10)
}

func TestReplayUnknownSymbol(t *testing.T) {
	r := NewReplay()
	ctx := context.Background()

	_, err := r.Bars(ctx, "NVDA")
	require.Error(t, err)
	_, err = r.LatestPrice(ctx, "NVDA")
	require.Error(t, err)
	_, err = r.PreEarningsPrice(ctx, "NVDA")
	require.Error(t, err)
}

func TestReplayIndexChanges(t *testing.T) {
	r := NewReplay()
	ctx := context.Background()
	// Opens at 100, last close 95: down 5% on the session.
	bars := sampleBars(6, 100)
	for i := range bars {
		bars[i].Close = decimal.NewFromFloat(100 - float64(i))
	}
	r.LoadIndex("SPX", bars)

	changes, err := r.IndexChanges(ctx)
	require.NoError(t, err)
	require.True(t, changes["SPX"].Equal(decimal.NewFromInt(-5)), "got %s", changes["SPX"])
}

func TestLoadFile(t *testing.T) {
	payload := `{
	  "symbols": {
	    "NVDA": {
	      "pre_earnings_close": "460",
	      "bars": [
	        {"time": "2026-02-10T14:30:00Z", "open": "500", "high": "502", "low": "499", "close": "501", "volume": "1000"},
	        {"time": "2026-02-10T14:31:00Z", "open": "501", "high": "505", "low": "500", "close": "504", "volume": "1200"}
	      ]
	    }
	  },
	  "indexes": {
	    "SPX": [
	      {"time": "2026-02-10T14:30:00Z", "open": "6000", "high": "6010", "low": "5990", "close": "6005", "volume": "0"}
	    ]
	  }
	}`

	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o600))

	r := NewReplay()
	require.NoError(t, r.LoadFile(path))

	ctx := context.Background()
	bars, err := r.Bars(ctx, "NVDA")
	require.NoError(t, err)
	require.Len(t, bars, 2)
	require.True(t, bars[1].Close.Equal(decimal.NewFromInt(504)))

	pre, err := r.PreEarningsPrice(ctx, "NVDA")
	require.NoError(t, err)
	require.True(t, pre.Equal(decimal.NewFromInt(460)))

	changes, err := r.IndexChanges(ctx)
	require.NoError(t, err)
	require.Contains(t, changes, "SPX")
}

func TestLoadFileRejectsBadPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"symbols": {"NVDA": {"pre_earnings_close": "nope", "bars": []}}}`), 0o600))

	r := NewReplay()
	require.Error(t, r.LoadFile(path))
}
