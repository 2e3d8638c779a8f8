package internal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yiyiliu551/stock-trading-agent/internal/domain"
)

type fakeRunner struct {
	mu         sync.Mutex
	restored   int
	runs       []string
	restoreErr error
	runErr     map[string]error
}

func (f *fakeRunner) Restore(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored++
	return f.restoreErr
}

func (f *fakeRunner) Run(_ context.Context, symbol string) (*domain.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, symbol)
	if err := f.runErr[symbol]; err != nil {
		return nil, err
	}
	run := domain.NewWorkflowRun(symbol)
	run.Abort(domain.AbortNoCandidate)
	return run, nil
}

func (f *fakeRunner) ranSymbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runs...)
}

type fakeTracker struct {
	open map[string]bool
}

func (f *fakeTracker) HasOpen(symbol string) bool { return f.open[symbol] }

func TestAgentRestoresBeforePolling(t *testing.T) {
	runner := &fakeRunner{restoreErr: errors.New("wal corrupt")}
	a := NewAgent(runner, &fakeTracker{}, []string{"NVDA"}, time.Hour, zap.NewNop())

	err := a.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, runner.restored)
	require.Empty(t, runner.ranSymbols(), "no polling after a failed restore")
}

func TestAgentTicksEverySymbol(t *testing.T) {
	runner := &fakeRunner{}
	a := NewAgent(runner, &fakeTracker{}, []string{"NVDA", "TSLA"}, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(runner.ranSymbols()) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, []string{"NVDA", "TSLA"}, runner.ranSymbols())
}

func TestAgentSkipsSymbolsWithLiveRuns(t *testing.T) {
	runner := &fakeRunner{}
	tracker := &fakeTracker{open: map[string]bool{"NVDA": true}}
	a := NewAgent(runner, tracker, []string{"NVDA", "TSLA"}, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(runner.ranSymbols()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	require.Equal(t, []string{"TSLA"}, runner.ranSymbols())
}

func TestAgentContinuesPastRunErrors(t *testing.T) {
	runner := &fakeRunner{runErr: map[string]error{"NVDA": errors.New("feed down")}}
	a := NewAgent(runner, &fakeTracker{}, []string{"NVDA", "TSLA"}, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(runner.ranSymbols()) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
