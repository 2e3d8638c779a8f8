// Package detector classifies surge and slowdown signal events from
// normalized price/volume bars.
package detector

import (
	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yiyiliu551/stock-trading-agent/internal/domain"
)

const volumeLookback = 6

// Config holds detection thresholds. Values are policy, not architecture, and
// come from the agent configuration.
type Config struct {
	// SurgeThresholdPercent is the minimum rise over the trailing baseline
	// that qualifies as a surge.
	SurgeThresholdPercent decimal.Decimal
	// BaselineWindow is the number of trailing bars forming the baseline SMA.
	BaselineWindow int
	// SlowdownMaxMovePercent is the largest bar-over-bar move still counting
	// as slowing momentum.
	SlowdownMaxMovePercent decimal.Decimal
	// VolumeDropRatio is the minimum volume contraction vs the prior 6-bar
	// average.
	VolumeDropRatio decimal.Decimal
	// PullbackPercent is the minimum retrace from the surge peak.
	PullbackPercent decimal.Decimal
	// MinRules is how many of the three slowdown rules must hold.
	MinRules int
}

// Detector emits signal events for one symbol's bar series. Detect is pure:
// it never mutates its input and re-running it over the same series yields
// the same ordered events.
type Detector struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a detector with the given thresholds.
func New(cfg Config, logger *zap.Logger) *Detector {
	if cfg.MinRules <= 0 {
		cfg.MinRules = 2
	}
	return &Detector{cfg: cfg, logger: logger}
}

// MinBars is the smallest series length that can produce any event.
func (d *Detector) MinBars() int {
	return d.cfg.BaselineWindow + 1
}

// Detect scans the bar series and returns surge and slowdown events in bar
// order. With insufficient history for the trailing baseline it returns no
// events.
func (d *Detector) Detect(symbol string, bars []domain.Bar) []domain.SignalEvent {
	w := d.cfg.BaselineWindow
	if len(bars) <= w {
		d.logger.Debug("insufficient history for baseline",
			zap.String("symbol", symbol),
			zap.Int("bars", len(bars)),
			zap.Int("window", w))
		return nil
	}

	baselines := trailingSMA(bars, w)

	var (
		events  []domain.SignalEvent
		inSurge bool
		peak    decimal.Decimal
	)

	hundred := decimal.NewFromInt(100)
	for i := w; i < len(bars); i++ {
		bar := bars[i]
		// Baseline is the SMA of the w bars strictly before bar i.
		baseline := baselines[i-w]
		if baseline.LessThanOrEqual(decimal.Zero) || bar.Close.LessThanOrEqual(decimal.Zero) {
			continue
		}

		if !inSurge {
			surgePct := bar.Close.Sub(baseline).Div(baseline).Mul(hundred)
			if surgePct.GreaterThanOrEqual(d.cfg.SurgeThresholdPercent) {
				inSurge = true
				peak = bar.High
				events = append(events, domain.SignalEvent{
					Symbol:    symbol,
					Timestamp: bar.Time,
					Kind:      domain.SignalSurge,
					Magnitude: surgePct,
					Price:     bar.Close,
					Metrics:   domain.SignalMetrics{Baseline: baseline, SurgePeak: peak, Volume: bar.Volume},
				})
				d.logger.Info("surge detected",
					zap.String("symbol", symbol),
					zap.String("surge_pct", surgePct.StringFixed(2)),
					zap.Time("at", bar.Time))
			}
			continue
		}

		if bar.High.GreaterThan(peak) {
			peak = bar.High
		}

		metrics := d.slowdownRules(bars, i, peak)
		if metrics.RulesMet >= d.cfg.MinRules {
			pullback := peak.Sub(bar.Close).Div(peak).Mul(hundred)
			metrics.SurgePeak = peak
			metrics.Volume = bar.Volume
			events = append(events, domain.SignalEvent{
				Symbol:    symbol,
				Timestamp: bar.Time,
				Kind:      domain.SignalSlowdown,
				Magnitude: pullback,
				Price:     bar.Close,
				Metrics:   metrics,
			})
			d.logger.Info("slowdown detected",
				zap.String("symbol", symbol),
				zap.Int("rules_met", metrics.RulesMet),
				zap.Time("at", bar.Time))
			inSurge = false
		}
	}

	return events
}

// slowdownRules evaluates the three quantitative exhaustion criteria at bar i:
// momentum below threshold, volume contraction vs the prior 6-bar average,
// and pullback from the surge peak.
func (d *Detector) slowdownRules(bars []domain.Bar, i int, peak decimal.Decimal) domain.SignalMetrics {
	hundred := decimal.NewFromInt(100)
	m := domain.SignalMetrics{}

	prev := bars[i-1].Close
	if prev.IsPositive() {
		move := bars[i].Close.Sub(prev).Div(prev).Mul(hundred).Abs()
		m.Momentum = move.LessThan(d.cfg.SlowdownMaxMovePercent)
	}

	if i >= volumeLookback {
		sum := decimal.Zero
		for j := i - volumeLookback; j < i; j++ {
			sum = sum.Add(bars[j].Volume)
		}
		priorAvg := sum.Div(decimal.NewFromInt(volumeLookback))
		if priorAvg.IsPositive() {
			drop := priorAvg.Sub(bars[i].Volume).Div(priorAvg)
			m.VolumeDrop = drop.GreaterThanOrEqual(d.cfg.VolumeDropRatio)
		}
	}

	if peak.IsPositive() && bars[i].Close.IsPositive() {
		pullback := peak.Sub(bars[i].Close).Div(peak).Mul(hundred)
		m.Pullback = pullback.GreaterThanOrEqual(d.cfg.PullbackPercent)
	}

	for _, ok := range []bool{m.Momentum, m.VolumeDrop, m.Pullback} {
		if ok {
			m.RulesMet++
		}
	}
	return m
}

// trailingSMA computes the simple moving average series of closes. Entry j of
// the result is the SMA of bars [j, j+period).
func trailingSMA(bars []domain.Bar, period int) []decimal.Decimal {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i], _ = b.Close.Float64()
	}

	sma := trend.NewSmaWithPeriod[float64](period)
	out := helper.ChanToSlice(sma.Compute(helper.SliceToChan(closes)))

	result := make([]decimal.Decimal, len(out))
	for i, v := range out {
		result[i] = decimal.NewFromFloat(v)
	}
	return result
}

// HistoricalVolatilityPercent estimates daily volatility as ATR(period)
// relative to the latest close, in percent. Returns zero with insufficient
// history.
func HistoricalVolatilityPercent(bars []domain.Bar, period int) decimal.Decimal {
	if len(bars) < period+1 {
		return decimal.Zero
	}

	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		highs[i], _ = b.High.Float64()
		lows[i], _ = b.Low.Float64()
		closes[i], _ = b.Close.Float64()
	}

	atr := volatility.NewAtrWithPeriod[float64](period)
	out := helper.ChanToSlice(atr.Compute(
		helper.SliceToChan(highs),
		helper.SliceToChan(lows),
		helper.SliceToChan(closes),
	))
	if len(out) == 0 {
		return decimal.Zero
	}

	last := bars[len(bars)-1].Close
	if !last.IsPositive() {
		return decimal.Zero
	}
	return decimal.NewFromFloat(out[len(out)-1]).Div(last).Mul(decimal.NewFromInt(100))
}
