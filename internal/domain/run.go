package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Step names one stage of the workflow state machine.
type Step string

const (
	StepDetecting     Step = "detecting"
	StepFiltering     Step = "filtering"
	StepValidating    Step = "validating"
	StepAwaitingHuman Step = "awaiting_human"
	StepExecuting     Step = "executing"
	StepMonitoring    Step = "monitoring"
	StepReflecting    Step = "reflecting"
)

// RunState is the coarse lifecycle of a workflow run.
type RunState string

const (
	RunActive    RunState = "active"
	RunSuspended RunState = "suspended"
	RunCompleted RunState = "completed"
	RunAborted   RunState = "aborted"
)

// Terminal reports whether the run can no longer advance.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunAborted
}

// AbortReason is the structured cause recorded when a run terminates without
// completing its intended action.
type AbortReason string

const (
	AbortNone                      AbortReason = ""
	AbortInsufficientData          AbortReason = "insufficient_data"
	AbortMarketUnhealthy           AbortReason = "market_unhealthy"
	AbortNoCandidate               AbortReason = "no_candidate"
	AbortValidatorRejected         AbortReason = "validator_rejected"
	AbortValidatorUnavailable      AbortReason = "validator_unavailable"
	AbortHumanRejected             AbortReason = "human_rejected"
	AbortHumanTimeout              AbortReason = "human_timeout"
	AbortBrokerUnavailable         AbortReason = "broker_unavailable"
	AbortConfirmationUndeliverable AbortReason = "confirmation_undeliverable"
)

// WorkflowRun owns one decision cycle for a single symbol, from detection to
// reflection. It is serializable while parked at the human gate.
type WorkflowRun struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Step          Step            `json:"step"`
	State         RunState        `json:"state"`
	AbortReason   AbortReason     `json:"abort_reason,omitempty"`
	Candidate     *TradeCandidate `json:"candidate,omitempty"`
	Verdict       *Verdict        `json:"verdict,omitempty"`
	Position      *Position       `json:"position,omitempty"`
	HumanDecision *bool           `json:"human_decision,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	SuspendedAt   *time.Time      `json:"suspended_at,omitempty"`

	// Events produced by the detecting step, consumed by the filtering step.
	Events []SignalEvent `json:"events,omitempty"`
	// PreEarningsPrice is the reference close before the earnings release.
	PreEarningsPrice decimal.Decimal `json:"pre_earnings_price"`
}

// NewWorkflowRun starts a run at the detecting step.
func NewWorkflowRun(symbol string) *WorkflowRun {
	return &WorkflowRun{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Step:      StepDetecting,
		State:     RunActive,
		CreatedAt: time.Now().UTC(),
	}
}

// Abort moves the run to its aborted terminal state.
func (r *WorkflowRun) Abort(reason AbortReason) {
	r.State = RunAborted
	r.AbortReason = reason
}

// Complete moves the run to its completed terminal state.
func (r *WorkflowRun) Complete() {
	r.State = RunCompleted
}
