package gate

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yiyiliu551/stock-trading-agent/internal/domain"
)

type fakeNotifier struct {
	sent []string
	err  error
}

func (f *fakeNotifier) Send(_ context.Context, body string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, body)
	return nil
}

func runWithCandidate(t *testing.T) *domain.WorkflowRun {
	t.Helper()
	base := time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC)
	cand, err := domain.NewTradeCandidate(
		domain.SignalEvent{Symbol: "NVDA", Timestamp: base, Kind: domain.SignalSurge, Price: decimal.NewFromInt(520)},
		domain.SignalEvent{Symbol: "NVDA", Timestamp: base.Add(5 * time.Minute), Kind: domain.SignalSlowdown, Price: decimal.NewFromInt(515)},
		decimal.NewFromInt(19),
		decimal.NewFromInt(540),
	)
	require.NoError(t, err)

	run := domain.NewWorkflowRun("NVDA")
	run.Candidate = cand
	run.Verdict = &domain.Verdict{Symbol: "NVDA", Confidence: 82, Rationale: "momentum exhausted"}
	return run
}

func TestRequestApprovalMessage(t *testing.T) {
	notifier := &fakeNotifier{}
	g := New(notifier, zap.NewNop())

	require.NoError(t, g.RequestApproval(context.Background(), runWithCandidate(t)))
	require.Len(t, notifier.sent, 1)

	msg := notifier.sent[0]
	require.Contains(t, msg, "TRADE ALERT: Short NVDA")
	require.Contains(t, msg, "Entry: 515.00")
	require.Contains(t, msg, "Size: 19")
	require.Contains(t, msg, "Stop: 540.00")
	require.Contains(t, msg, "AI confidence: 82%")
	require.Contains(t, msg, "Reply YES to confirm or NO to abort.")
}

func TestRequestApprovalDeliveryFailure(t *testing.T) {
	g := New(&fakeNotifier{err: errors.New("twilio down")}, zap.NewNop())

	err := g.RequestApproval(context.Background(), runWithCandidate(t))
	require.Error(t, err)
}

func TestRequestApprovalWithoutCandidate(t *testing.T) {
	g := New(&fakeNotifier{}, zap.NewNop())

	err := g.RequestApproval(context.Background(), domain.NewWorkflowRun("NVDA"))
	require.Error(t, err)
}

func TestResolveIdempotency(t *testing.T) {
	g := New(&fakeNotifier{}, zap.NewNop())
	run := runWithCandidate(t)

	require.NoError(t, g.Resolve(run, true))
	require.NotNil(t, run.HumanDecision)
	require.True(t, *run.HumanDecision)

	// Same decision repeats cleanly.
	require.NoError(t, g.Resolve(run, true))

	// The opposite decision conflicts and the first one stands.
	err := g.Resolve(run, false)
	require.ErrorIs(t, err, ErrConflict)
	require.True(t, *run.HumanDecision)
}
