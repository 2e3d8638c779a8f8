// Package gate delivers the mandatory human confirmation request and
// arbitrates the reply. No order is ever submitted without an explicit
// approval passing through here.
package gate

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/yiyiliu551/stock-trading-agent/internal/clients"
	"github.com/yiyiliu551/stock-trading-agent/internal/domain"
)

// ErrConflict is returned when a second, contradictory decision arrives for a
// run that already recorded one. The first decision wins.
var ErrConflict = errors.New("conflicting human decision")

// Gate composes and delivers approval requests and records decisions on the
// run.
type Gate struct {
	notifier clients.Notifier
	logger   *zap.Logger
}

// New creates a confirmation gate.
func New(notifier clients.Notifier, logger *zap.Logger) *Gate {
	return &Gate{notifier: notifier, logger: logger}
}

// RequestApproval sends the out-of-band confirmation message for the run's
// candidate. A delivery failure means the human cannot be reached and the
// caller must abort rather than wait.
func (g *Gate) RequestApproval(ctx context.Context, run *domain.WorkflowRun) error {
	if run.Candidate == nil {
		return errors.New("run has no candidate to confirm")
	}

	body := composeAlert(run)
	if err := g.notifier.Send(ctx, body); err != nil {
		return errors.Wrap(err, "deliver approval request")
	}

	g.logger.Info("approval request sent",
		zap.String("run", run.ID),
		zap.String("symbol", run.Symbol))
	return nil
}

// Resolve records the human decision on the run. Duplicate identical
// decisions are a no-op, contradictory ones return ErrConflict.
func (g *Gate) Resolve(run *domain.WorkflowRun, approved bool) error {
	if run.HumanDecision != nil {
		if *run.HumanDecision == approved {
			return nil
		}
		return errors.Wrapf(ErrConflict, "run %s already decided %t", run.ID, *run.HumanDecision)
	}

	run.HumanDecision = &approved
	g.logger.Info("human decision recorded",
		zap.String("run", run.ID),
		zap.String("symbol", run.Symbol),
		zap.Bool("approved", approved))
	return nil
}

func composeAlert(run *domain.WorkflowRun) string {
	cand := run.Candidate
	confidence := 0
	rationale := ""
	if run.Verdict != nil {
		confidence = run.Verdict.Confidence
		rationale = run.Verdict.Rationale
	}

	return fmt.Sprintf(
		"TRADE ALERT: Short %s\nEntry: %s Size: %s Stop: %s\nAI confidence: %d%%\n%s\nReply YES to confirm or NO to abort.",
		cand.Symbol,
		cand.EntryPrice.StringFixed(2),
		cand.ProposedSize.String(),
		cand.StopLoss.StringFixed(2),
		confidence,
		rationale,
	)
}
