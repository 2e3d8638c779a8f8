// Package marketdata supplies normalized bars and quotes. The replay provider
// feeds recorded sessions through the pipeline as a forward-only stream, so
// detection, execution, and risk monitoring all see the same clock.
package marketdata

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/yiyiliu551/stock-trading-agent/internal/domain"
)

// Provider is the market data surface the agent consumes.
type Provider interface {
	Bars(ctx context.Context, symbol string) ([]domain.Bar, error)
	RecentBars(ctx context.Context, symbol string, n int) ([]domain.Bar, error)
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	PreEarningsPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	IndexChanges(ctx context.Context) (map[string]decimal.Decimal, error)
}

type series struct {
	bars        []domain.Bar
	preEarnings decimal.Decimal
	cursor      int
}

// Replay replays recorded bar series. Each symbol has a cursor bounding which
// bars are visible; Advance moves the session forward.
type Replay struct {
	mu      sync.RWMutex
	symbols map[string]*series
	indexes map[string]*series
}

// NewReplay creates an empty replay provider.
func NewReplay() *Replay {
	return &Replay{
		symbols: make(map[string]*series),
		indexes: make(map[string]*series),
	}
}

// Load registers a symbol's full session with its pre-earnings reference
// close. The cursor starts at the end, exposing the whole series.
func (r *Replay) Load(symbol string, bars []domain.Bar, preEarnings decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.symbols[symbol] = &series{bars: bars, preEarnings: preEarnings, cursor: len(bars)}
}

// LoadIndex registers a market index series used for the health gate.
func (r *Replay) LoadIndex(symbol string, bars []domain.Bar) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexes[symbol] = &series{bars: bars, cursor: len(bars)}
}

// Rewind resets the symbol's cursor to n visible bars.
func (r *Replay) Rewind(symbol string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.symbols[symbol]; ok {
		if n > len(s.bars) {
			n = len(s.bars)
		}
		s.cursor = n
	}
}

// Advance exposes n more bars of the symbol's session.
func (r *Replay) Advance(symbol string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.symbols[symbol]; ok {
		s.cursor += n
		if s.cursor > len(s.bars) {
			s.cursor = len(s.bars)
		}
	}
}

// Bars returns the visible bars for the symbol.
func (r *Replay) Bars(_ context.Context, symbol string) ([]domain.Bar, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.symbols[symbol]
	if !ok {
		return nil, errors.Errorf("no data loaded for %s", symbol)
	}
	out := make([]domain.Bar, s.cursor)
	copy(out, s.bars[:s.cursor])
	return out, nil
}

// RecentBars returns the last n visible bars.
func (r *Replay) RecentBars(ctx context.Context, symbol string, n int) ([]domain.Bar, error) {
	bars, err := r.Bars(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return bars, nil
}

// LatestPrice is the close of the last visible bar.
func (r *Replay) LatestPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.symbols[symbol]
	if !ok || s.cursor == 0 {
		return decimal.Zero, errors.Errorf("no quote available for %s", symbol)
	}
	return s.bars[s.cursor-1].Close, nil
}

// PreEarningsPrice is the reference close before the earnings release.
func (r *Replay) PreEarningsPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.symbols[symbol]
	if !ok {
		return decimal.Zero, errors.Errorf("no data loaded for %s", symbol)
	}
	if !s.preEarnings.IsPositive() {
		return decimal.Zero, errors.Errorf("no pre-earnings reference for %s", symbol)
	}
	return s.preEarnings, nil
}

// IndexChanges reports each index's percent change from its first visible bar
// to its last.
func (r *Replay) IndexChanges(_ context.Context) (map[string]decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hundred := decimal.NewFromInt(100)
	changes := make(map[string]decimal.Decimal, len(r.indexes))
	for name, s := range r.indexes {
		if s.cursor == 0 {
			continue
		}
		open := s.bars[0].Open
		last := s.bars[s.cursor-1].Close
		if !open.IsPositive() {
			continue
		}
		changes[name] = last.Sub(open).Div(open).Mul(hundred)
	}
	return changes, nil
}

type sessionFile struct {
	Symbols map[string]struct {
		PreEarningsClose string    `json:"pre_earnings_close"`
		Bars             []fileBar `json:"bars"`
	} `json:"symbols"`
	Indexes map[string][]fileBar `json:"indexes"`
}

type fileBar struct {
	Time   time.Time `json:"time"`
	Open   string    `json:"open"`
	High   string    `json:"high"`
	Low    string    `json:"low"`
	Close  string    `json:"close"`
	Volume string    `json:"volume"`
}

// LoadFile populates the replay provider from a recorded session JSON file.
func (r *Replay) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read session file")
	}

	var f sessionFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return errors.Wrap(err, "decode session file")
	}

	for symbol, s := range f.Symbols {
		pre, err := decimal.NewFromString(s.PreEarningsClose)
		if err != nil {
			return errors.Wrapf(err, "pre_earnings_close for %s", symbol)
		}
		bars, err := parseBars(s.Bars)
		if err != nil {
			return errors.Wrapf(err, "bars for %s", symbol)
		}
		r.Load(symbol, bars, pre)
	}
	for name, fb := range f.Indexes {
		bars, err := parseBars(fb)
		if err != nil {
			return errors.Wrapf(err, "bars for index %s", name)
		}
		r.LoadIndex(name, bars)
	}
	return nil
}

func parseBars(in []fileBar) ([]domain.Bar, error) {
	bars := make([]domain.Bar, 0, len(in))
	for i, fb := range in {
		var (
			bar domain.Bar
			err error
		)
		bar.Time = fb.Time
		if bar.Open, err = decimal.NewFromString(fb.Open); err != nil {
			return nil, errors.Wrapf(err, "bar %d open", i)
		}
		if bar.High, err = decimal.NewFromString(fb.High); err != nil {
			return nil, errors.Wrapf(err, "bar %d high", i)
		}
		if bar.Low, err = decimal.NewFromString(fb.Low); err != nil {
			return nil, errors.Wrapf(err, "bar %d low", i)
		}
		if bar.Close, err = decimal.NewFromString(fb.Close); err != nil {
			return nil, errors.Wrapf(err, "bar %d close", i)
		}
		if bar.Volume, err = decimal.NewFromString(fb.Volume); err != nil {
			return nil, errors.Wrapf(err, "bar %d volume", i)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}
