package domain

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Side is the direction of a position.
type Side string

const (
	// SideShort sells to open, buys to cover.
	SideShort Side = "short"
)

// TradeCandidate pairs a surge with its corroborating slowdown for one symbol.
// A candidate always references exactly one surge and one slowdown event, both
// for the same symbol, with the slowdown strictly after the surge.
type TradeCandidate struct {
	Symbol       string          `json:"symbol"`
	Surge        SignalEvent     `json:"surge"`
	Slowdown     SignalEvent     `json:"slowdown"`
	Direction    Side            `json:"direction"`
	ProposedSize decimal.Decimal `json:"proposed_size"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	StopLoss     decimal.Decimal `json:"stop_loss"`
}

// NewTradeCandidate validates the dual-validation invariant and builds a short
// candidate sized by proposedSize shares at the slowdown price.
func NewTradeCandidate(surge, slowdown SignalEvent, proposedSize, stopLoss decimal.Decimal) (*TradeCandidate, error) {
	if surge.Kind != SignalSurge {
		return nil, errors.Errorf("first event must be a surge, got %s", surge.Kind)
	}
	if slowdown.Kind != SignalSlowdown {
		return nil, errors.Errorf("second event must be a slowdown, got %s", slowdown.Kind)
	}
	if surge.Symbol != slowdown.Symbol {
		return nil, errors.Errorf("events reference different symbols: %s vs %s", surge.Symbol, slowdown.Symbol)
	}
	if !slowdown.Timestamp.After(surge.Timestamp) {
		return nil, errors.New("slowdown must occur strictly after surge")
	}
	if proposedSize.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("proposed size must be greater than zero")
	}

	return &TradeCandidate{
		Symbol:       surge.Symbol,
		Surge:        surge,
		Slowdown:     slowdown,
		Direction:    SideShort,
		ProposedSize: proposedSize,
		EntryPrice:   slowdown.Price,
		StopLoss:     stopLoss,
	}, nil
}
