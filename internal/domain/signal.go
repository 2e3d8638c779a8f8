package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalKind classifies a market signal event.
type SignalKind string

const (
	// SignalSurge marks an abnormal upward move above the trailing baseline.
	SignalSurge SignalKind = "surge"
	// SignalSlowdown marks a measurable deceleration of a running surge.
	SignalSlowdown SignalKind = "slowdown"
)

// SignalMetrics carries the raw measurements behind a signal event.
type SignalMetrics struct {
	Baseline   decimal.Decimal `json:"baseline"`
	SurgePeak  decimal.Decimal `json:"surge_peak"`
	Volume     decimal.Decimal `json:"volume"`
	RulesMet   int             `json:"rules_met"`
	Momentum   bool            `json:"momentum_slow"`
	VolumeDrop bool            `json:"volume_drop"`
	Pullback   bool            `json:"pullback"`
}

// SignalEvent is an immutable market observation emitted by the detector.
type SignalEvent struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"ts"`
	Kind      SignalKind      `json:"kind"`
	Magnitude decimal.Decimal `json:"magnitude"`
	Price     decimal.Decimal `json:"price"`
	Metrics   SignalMetrics   `json:"metrics"`
}

// Bar is one normalized price/volume bar from the market data collaborator.
type Bar struct {
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}
