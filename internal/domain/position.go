package domain

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// TrancheStatus is the lifecycle state of one partial order submission.
type TrancheStatus string

const (
	TranchePending   TrancheStatus = "pending"
	TrancheSubmitted TrancheStatus = "submitted"
	TrancheFilled    TrancheStatus = "filled"
	TrancheCanceled  TrancheStatus = "canceled"
	TrancheAborted   TrancheStatus = "aborted"
)

// Terminal reports whether no further fills can arrive for this status.
func (s TrancheStatus) Terminal() bool {
	return s == TrancheFilled || s == TrancheCanceled || s == TrancheAborted
}

// Tranche is one of the fixed number of partial submissions composing an
// entry or exit.
type Tranche struct {
	Sequence      int             `json:"sequence"`
	ClientOrderID string          `json:"client_order_id"`
	Requested     decimal.Decimal `json:"requested"`
	Filled        decimal.Decimal `json:"filled"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	Status        TrancheStatus   `json:"status"`
}

// PositionPlan describes an entry the execution engine should carry out.
type PositionPlan struct {
	Symbol         string
	Direction      Side
	TargetSize     decimal.Decimal
	ReferencePrice decimal.Decimal
	StopLoss       decimal.Decimal
}

// Position is a staged short position. It is mutated only by the execution
// engine (fills) and the risk monitor (exit reason).
type Position struct {
	Symbol        string          `json:"symbol"`
	Direction     Side            `json:"direction"`
	TargetSize    decimal.Decimal `json:"target_size"`
	FilledSize    decimal.Decimal `json:"filled_size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	StopLoss      decimal.Decimal `json:"stop_loss"`
	Tranches      []Tranche       `json:"tranches"`
	OpenedAt      time.Time       `json:"opened_at"`
	CoveredSize   decimal.Decimal `json:"covered_size"`
	AvgCoverPrice decimal.Decimal `json:"avg_cover_price"`
	CoverTranches []Tranche       `json:"cover_tranches,omitempty"`
	ExitReason    string          `json:"exit_reason,omitempty"`
}

// NewPosition opens an empty position for the given plan.
func NewPosition(plan PositionPlan, openedAt time.Time) (*Position, error) {
	if plan.TargetSize.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("target size must be greater than zero")
	}
	if plan.ReferencePrice.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("reference price must be greater than zero")
	}
	return &Position{
		Symbol:     plan.Symbol,
		Direction:  plan.Direction,
		TargetSize: plan.TargetSize,
		StopLoss:   plan.StopLoss,
		OpenedAt:   openedAt,
	}, nil
}

// ApplyFill records a terminal entry tranche. Tranches must arrive in
// non-decreasing sequence order and the filled total may never exceed the
// target size.
func (p *Position) ApplyFill(t Tranche) error {
	if n := len(p.Tranches); n > 0 && t.Sequence < p.Tranches[n-1].Sequence {
		return errors.Errorf("tranche %d out of order after %d", t.Sequence, p.Tranches[n-1].Sequence)
	}
	next := p.FilledSize.Add(t.Filled)
	if next.GreaterThan(p.TargetSize) {
		return errors.Errorf("fill %s would exceed target %s", next.String(), p.TargetSize.String())
	}

	if t.Filled.IsPositive() {
		notional := p.EntryPrice.Mul(p.FilledSize).Add(t.AvgPrice.Mul(t.Filled))
		p.EntryPrice = notional.Div(next)
		p.FilledSize = next
	}
	p.Tranches = append(p.Tranches, t)
	return nil
}

// ApplyCover records a terminal unwind tranche.
func (p *Position) ApplyCover(t Tranche) error {
	next := p.CoveredSize.Add(t.Filled)
	if next.GreaterThan(p.FilledSize) {
		return errors.Errorf("cover %s would exceed filled size %s", next.String(), p.FilledSize.String())
	}

	if t.Filled.IsPositive() {
		notional := p.AvgCoverPrice.Mul(p.CoveredSize).Add(t.AvgPrice.Mul(t.Filled))
		p.AvgCoverPrice = notional.Div(next)
		p.CoveredSize = next
	}
	p.CoverTranches = append(p.CoverTranches, t)
	return nil
}

// Open reports whether uncovered exposure remains.
func (p *Position) Open() bool {
	return p != nil && p.FilledSize.GreaterThan(p.CoveredSize)
}

// PnL is the realized profit for the covered part of a short position.
func (p *Position) PnL() decimal.Decimal {
	if p == nil || p.CoveredSize.IsZero() {
		return decimal.Zero
	}
	return p.EntryPrice.Sub(p.AvgCoverPrice).Mul(p.CoveredSize)
}
