package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome labels how an episode ended.
type Outcome string

const (
	OutcomeProfit  Outcome = "profit"
	OutcomeLoss    Outcome = "loss"
	OutcomeAborted Outcome = "aborted"
)

// Episode is one complete record of a trade decision cycle. It is the sole
// unit persisted to the memory store and is immutable once written.
type Episode struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	Symbol      string          `json:"symbol"`
	Candidate   *TradeCandidate `json:"candidate,omitempty"`
	Verdict     *Verdict        `json:"verdict,omitempty"`
	Position    *Position       `json:"position,omitempty"`
	PnL         decimal.Decimal `json:"pnl"`
	ExitReason  string          `json:"exit_reason,omitempty"`
	AbortReason AbortReason     `json:"abort_reason,omitempty"`
	Outcome     Outcome         `json:"outcome"`
	ClosedAt    time.Time       `json:"closed_at"`
}

// NewEpisode derives the terminal record for a finished run.
func NewEpisode(run *WorkflowRun, closedAt time.Time) Episode {
	ep := Episode{
		ID:          run.ID + "_" + closedAt.UTC().Format(time.RFC3339),
		RunID:       run.ID,
		Symbol:      run.Symbol,
		Candidate:   run.Candidate,
		Verdict:     run.Verdict,
		Position:    run.Position,
		AbortReason: run.AbortReason,
		ClosedAt:    closedAt,
	}

	if run.Position != nil {
		ep.PnL = run.Position.PnL()
		ep.ExitReason = run.Position.ExitReason
	}

	switch {
	case run.State == RunAborted && run.Position == nil:
		ep.Outcome = OutcomeAborted
	case ep.PnL.IsNegative():
		ep.Outcome = OutcomeLoss
	default:
		ep.Outcome = OutcomeProfit
	}
	return ep
}

// TriggerKind classifies a risk monitor exit instruction.
type TriggerKind string

const (
	TriggerStopLoss   TriggerKind = "stop_loss"
	TriggerTakeProfit TriggerKind = "take_profit"
	TriggerTimeout    TriggerKind = "timeout"
)

// RiskTrigger is the interrupt the risk monitor delivers when a position must
// be unwound.
type RiskTrigger struct {
	Kind  TriggerKind     `json:"kind"`
	Price decimal.Decimal `json:"price"`
	At    time.Time       `json:"at"`
}
