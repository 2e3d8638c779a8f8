package internal

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/yiyiliu551/stock-trading-agent/internal/domain"
)

type workflowRunner interface {
	Run(ctx context.Context, symbol string) (*domain.WorkflowRun, error)
	Restore(ctx context.Context) error
}

type openTracker interface {
	HasOpen(symbol string) bool
}

// Agent polls the watched symbols and starts one workflow run per symbol per
// tick. The filter's per-symbol slot keeps a new run from starting while an
// earlier one is still live.
type Agent struct {
	workflow     workflowRunner
	filter       openTracker
	symbols      []string
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewAgent creates the polling agent.
func NewAgent(wf workflowRunner, filter openTracker, symbols []string,
	pollInterval time.Duration, logger *zap.Logger) *Agent {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Minute
	}
	return &Agent{
		workflow:     wf,
		filter:       filter,
		symbols:      symbols,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Run restores parked runs and then drives the poll loop until ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.workflow.Restore(ctx); err != nil {
		return errors.Wrap(err, "restore parked runs")
	}

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	a.logger.Info("agent started",
		zap.Strings("symbols", a.symbols),
		zap.Duration("poll_interval", a.pollInterval))

	for {
		a.tick(ctx)

		select {
		case <-ctx.Done():
			a.logger.Info("agent stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *Agent) tick(ctx context.Context) {
	for _, symbol := range a.symbols {
		if ctx.Err() != nil {
			return
		}
		if a.filter.HasOpen(symbol) {
			a.logger.Debug("run already live for symbol", zap.String("symbol", symbol))
			continue
		}

		run, err := a.workflow.Run(ctx, symbol)
		if err != nil {
			a.logger.Error("run failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}

		a.logger.Debug("run finished tick",
			zap.String("symbol", symbol),
			zap.String("run", run.ID),
			zap.String("state", string(run.State)),
			zap.String("step", string(run.Step)))
	}
}
