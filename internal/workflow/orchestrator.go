// Package workflow sequences one decision cycle per symbol through the fixed
// step order: detecting, filtering, validating, awaiting_human, executing,
// monitoring, reflecting. Steps either continue, abort the run with a
// structured reason, or park it at the human gate.
package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yiyiliu551/stock-trading-agent/internal/domain"
	"github.com/yiyiliu551/stock-trading-agent/internal/services/detector"
	"github.com/yiyiliu551/stock-trading-agent/internal/services/riskmonitor"
)

// ErrUnknownRun is returned by Resume for a run ID that is not parked.
var ErrUnknownRun = errors.New("unknown or already resolved run")

const volatilityPeriod = 14

type marketProvider interface {
	Bars(ctx context.Context, symbol string) ([]domain.Bar, error)
	RecentBars(ctx context.Context, symbol string, n int) ([]domain.Bar, error)
	PreEarningsPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	IndexChanges(ctx context.Context) (map[string]decimal.Decimal, error)
}

type signalDetector interface {
	Detect(symbol string, bars []domain.Bar) []domain.SignalEvent
	MinBars() int
}

type candidateFilter interface {
	MarketHealthy(indexChanges map[string]decimal.Decimal) bool
	Pair(events []domain.SignalEvent, preEarningsPrice, stopLoss decimal.Decimal) *domain.TradeCandidate
	Release(symbol string)
}

type verdictValidator interface {
	Validate(ctx context.Context, cand *domain.TradeCandidate) (*domain.Verdict, error)
}

type approvalGate interface {
	RequestApproval(ctx context.Context, run *domain.WorkflowRun) error
	Resolve(run *domain.WorkflowRun, approved bool) error
}

type tradeExecutor interface {
	Enter(ctx context.Context, plan domain.PositionPlan) (*domain.Position, error)
	Unwind(ctx context.Context, pos *domain.Position, reason string) error
}

type positionMonitor interface {
	Watch(ctx context.Context, pos *domain.Position) <-chan domain.RiskTrigger
}

type episodeMemory interface {
	Record(ctx context.Context, ep domain.Episode) error
	Reflect(ctx context.Context, ep domain.Episode) (string, error)
}

type runStore interface {
	SaveRun(run *domain.WorkflowRun) error
	SuspendedRuns() ([]*domain.WorkflowRun, error)
	MonitoringRuns() ([]*domain.WorkflowRun, error)
}

type parked struct {
	run   *domain.WorkflowRun
	timer *time.Timer
}

// Orchestrator drives workflow runs. One run exists per symbol at a time; the
// filter enforces that.
type Orchestrator struct {
	market         marketProvider
	detector       signalDetector
	filter         candidateFilter
	validator      verdictValidator
	gate           approvalGate
	executor       tradeExecutor
	monitor        positionMonitor
	memory         episodeMemory
	runs           runStore
	approvalWindow time.Duration
	logger         *zap.Logger

	mu       sync.Mutex
	parked   map[string]*parked
	resolved map[string]*domain.WorkflowRun
}

// New wires the orchestrator.
func New(market marketProvider, det signalDetector, filt candidateFilter,
	val verdictValidator, gate approvalGate, exec tradeExecutor,
	mon positionMonitor, mem episodeMemory, runs runStore,
	approvalWindow time.Duration, logger *zap.Logger) *Orchestrator {
	if approvalWindow <= 0 {
		approvalWindow = 5 * time.Minute
	}
	return &Orchestrator{
		market:         market,
		detector:       det,
		filter:         filt,
		validator:      val,
		gate:           gate,
		executor:       exec,
		monitor:        mon,
		memory:         mem,
		runs:           runs,
		approvalWindow: approvalWindow,
		logger:         logger,
	}
}

// Run executes one decision cycle for the symbol up to the human gate. It
// returns a terminal run when an early step aborts, or a suspended run parked
// for approval. Execution past the gate happens in Resume.
func (o *Orchestrator) Run(ctx context.Context, symbol string) (*domain.WorkflowRun, error) {
	run := domain.NewWorkflowRun(symbol)
	o.logger.Info("run started", zap.String("run", run.ID), zap.String("symbol", symbol))

	if done := o.detect(ctx, run); done {
		return run, nil
	}
	if done := o.filterStep(ctx, run); done {
		return run, nil
	}
	if done := o.validate(ctx, run); done {
		return run, nil
	}
	if done := o.requestHuman(ctx, run); done {
		return run, nil
	}

	// The run is now parked in awaiting_human until Resume or timeout.
	return run, nil
}

// Resume applies the human decision to a parked run and, on approval, carries
// the run through execution, monitoring, and reflection before returning.
func (o *Orchestrator) Resume(ctx context.Context, runID string, approved bool) (*domain.WorkflowRun, error) {
	o.mu.Lock()
	p, ok := o.parked[runID]
	if !ok {
		// A repeated decision for an already resolved run is a no-op; a
		// contradictory one is a conflict. Both come from gate.Resolve.
		if done, seen := o.resolved[runID]; seen {
			err := o.gate.Resolve(done, approved)
			o.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return done, nil
		}
		o.mu.Unlock()
		return nil, ErrUnknownRun
	}
	run := p.run

	if err := o.gate.Resolve(run, approved); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(o.parked, runID)
	if o.resolved == nil {
		o.resolved = make(map[string]*domain.WorkflowRun)
	}
	o.resolved[runID] = run
	o.mu.Unlock()

	run.State = domain.RunActive
	run.SuspendedAt = nil

	if !approved {
		o.logger.Info("human rejected trade", zap.String("run", run.ID), zap.String("symbol", run.Symbol))
		o.abort(ctx, run, domain.AbortHumanRejected)
		return run, nil
	}

	o.logger.Info("human approved trade", zap.String("run", run.ID), zap.String("symbol", run.Symbol))

	if done := o.execute(ctx, run); done {
		return run, nil
	}
	if o.monitorStep(ctx, run) {
		o.reflect(ctx, run)
	}
	return run, nil
}

// Restore re-parks runs that were suspended when the process stopped and
// resumes the risk watch for runs that held an open position at monitoring.
// Parked runs whose approval window already elapsed abort immediately with
// human_timeout.
func (o *Orchestrator) Restore(ctx context.Context) error {
	suspended, err := o.runs.SuspendedRuns()
	if err != nil {
		return errors.Wrap(err, "load suspended runs")
	}

	now := time.Now().UTC()
	for _, run := range suspended {
		var elapsed time.Duration
		if run.SuspendedAt != nil {
			elapsed = now.Sub(*run.SuspendedAt)
		}
		if elapsed >= o.approvalWindow {
			o.logger.Info("restored run already expired",
				zap.String("run", run.ID), zap.String("symbol", run.Symbol))
			o.abort(ctx, run, domain.AbortHumanTimeout)
			continue
		}

		o.park(run, o.approvalWindow-elapsed)
		o.logger.Info("run restored at human gate",
			zap.String("run", run.ID),
			zap.String("symbol", run.Symbol),
			zap.Duration("remaining", o.approvalWindow-elapsed))
	}

	monitoring, err := o.runs.MonitoringRuns()
	if err != nil {
		return errors.Wrap(err, "load monitoring runs")
	}
	for _, run := range monitoring {
		run := run
		o.logger.Info("resuming position monitoring",
			zap.String("run", run.ID),
			zap.String("symbol", run.Symbol),
			zap.String("open_size", run.Position.FilledSize.Sub(run.Position.CoveredSize).String()))
		go func() {
			if o.monitorStep(ctx, run) {
				o.reflect(ctx, run)
			}
		}()
	}
	return nil
}

// Parked returns the parked run by ID, if any.
func (o *Orchestrator) Parked(runID string) (*domain.WorkflowRun, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.parked[runID]
	if !ok {
		return nil, false
	}
	return p.run, true
}

// ParkedRuns lists runs currently waiting at the human gate, oldest first.
func (o *Orchestrator) ParkedRuns() []*domain.WorkflowRun {
	o.mu.Lock()
	defer o.mu.Unlock()

	runs := make([]*domain.WorkflowRun, 0, len(o.parked))
	for _, p := range o.parked {
		runs = append(runs, p.run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
	return runs
}

func (o *Orchestrator) detect(ctx context.Context, run *domain.WorkflowRun) bool {
	run.Step = domain.StepDetecting

	bars, err := o.market.Bars(ctx, run.Symbol)
	if err != nil || len(bars) < o.detector.MinBars() {
		if err != nil {
			o.logger.Warn("bar history unavailable", zap.String("symbol", run.Symbol), zap.Error(err))
		}
		o.abort(ctx, run, domain.AbortInsufficientData)
		return true
	}

	pre, err := o.market.PreEarningsPrice(ctx, run.Symbol)
	if err != nil {
		o.logger.Warn("pre-earnings reference unavailable", zap.String("symbol", run.Symbol), zap.Error(err))
		o.abort(ctx, run, domain.AbortInsufficientData)
		return true
	}
	run.PreEarningsPrice = pre

	run.Events = o.detector.Detect(run.Symbol, bars)
	if len(run.Events) == 0 {
		o.abort(ctx, run, domain.AbortNoCandidate)
		return true
	}
	return false
}

func (o *Orchestrator) filterStep(ctx context.Context, run *domain.WorkflowRun) bool {
	run.Step = domain.StepFiltering

	changes, err := o.market.IndexChanges(ctx)
	if err != nil {
		o.logger.Warn("index data unavailable", zap.Error(err))
		o.abort(ctx, run, domain.AbortInsufficientData)
		return true
	}
	if !o.filter.MarketHealthy(changes) {
		o.abort(ctx, run, domain.AbortMarketUnhealthy)
		return true
	}

	stop, err := o.initialStop(ctx, run.Symbol)
	if err != nil {
		o.logger.Warn("stop estimate unavailable", zap.String("symbol", run.Symbol), zap.Error(err))
		o.abort(ctx, run, domain.AbortInsufficientData)
		return true
	}

	cand := o.filter.Pair(run.Events, run.PreEarningsPrice, stop)
	if cand == nil {
		o.abort(ctx, run, domain.AbortNoCandidate)
		return true
	}
	run.Candidate = cand
	return false
}

func (o *Orchestrator) validate(ctx context.Context, run *domain.WorkflowRun) bool {
	run.Step = domain.StepValidating

	verdict, err := o.validator.Validate(ctx, run.Candidate)
	if err != nil {
		o.logger.Error("validation unavailable", zap.String("symbol", run.Symbol), zap.Error(err))
		o.abort(ctx, run, domain.AbortValidatorUnavailable)
		return true
	}
	run.Verdict = verdict

	if !verdict.Accepted {
		o.abort(ctx, run, domain.AbortValidatorRejected)
		return true
	}
	return false
}

func (o *Orchestrator) requestHuman(ctx context.Context, run *domain.WorkflowRun) bool {
	run.Step = domain.StepAwaitingHuman

	if err := o.gate.RequestApproval(ctx, run); err != nil {
		o.logger.Error("approval request undeliverable", zap.String("run", run.ID), zap.Error(err))
		o.abort(ctx, run, domain.AbortConfirmationUndeliverable)
		return true
	}

	now := time.Now().UTC()
	run.State = domain.RunSuspended
	run.SuspendedAt = &now
	o.park(run, o.approvalWindow)
	o.persist(run)
	return false
}

func (o *Orchestrator) execute(ctx context.Context, run *domain.WorkflowRun) bool {
	run.Step = domain.StepExecuting
	cand := run.Candidate

	pos, err := o.executor.Enter(ctx, domain.PositionPlan{
		Symbol:         cand.Symbol,
		Direction:      cand.Direction,
		TargetSize:     cand.ProposedSize,
		ReferencePrice: cand.EntryPrice,
		StopLoss:       cand.StopLoss,
	})
	if err != nil {
		o.logger.Error("entry failed", zap.String("symbol", run.Symbol), zap.Error(err))
		o.abort(ctx, run, domain.AbortBrokerUnavailable)
		return true
	}

	run.Position = pos
	o.persist(run)
	return false
}

// monitorStep blocks on the risk watch and unwinds on the trigger. It returns
// false when the context ended before any trigger fired: the position stays
// open, the snapshot stays at monitoring, and Restore picks the run back up on
// the next process start.
func (o *Orchestrator) monitorStep(ctx context.Context, run *domain.WorkflowRun) bool {
	run.Step = domain.StepMonitoring
	o.persist(run)

	trigger, ok := <-o.monitor.Watch(ctx, run.Position)
	if !ok {
		o.persist(run)
		return false
	}

	if err := o.executor.Unwind(ctx, run.Position, string(trigger.Kind)); err != nil {
		o.logger.Error("unwind incomplete",
			zap.String("symbol", run.Symbol),
			zap.String("trigger", string(trigger.Kind)),
			zap.Error(err))
	}
	o.persist(run)
	return true
}

func (o *Orchestrator) reflect(ctx context.Context, run *domain.WorkflowRun) {
	run.Step = domain.StepReflecting
	run.Complete()
	o.finalize(ctx, run)
}

// abort terminates the run with the reason and records the aborted episode so
// the memory layer can learn from runs that never traded.
func (o *Orchestrator) abort(ctx context.Context, run *domain.WorkflowRun, reason domain.AbortReason) {
	run.Abort(reason)
	o.logger.Info("run aborted",
		zap.String("run", run.ID),
		zap.String("symbol", run.Symbol),
		zap.String("step", string(run.Step)),
		zap.String("reason", string(reason)))
	o.finalize(ctx, run)
}

// finalize records the terminal episode, runs reflection, releases the
// per-symbol slot, and persists the final run snapshot.
func (o *Orchestrator) finalize(ctx context.Context, run *domain.WorkflowRun) {
	ep := domain.NewEpisode(run, time.Now().UTC())

	if err := o.memory.Record(ctx, ep); err != nil {
		o.logger.Error("episode record failed", zap.String("run", run.ID), zap.Error(err))
	}
	if _, err := o.memory.Reflect(ctx, ep); err != nil {
		o.logger.Warn("reflection failed", zap.String("run", run.ID), zap.Error(err))
	}

	if run.Candidate != nil {
		o.filter.Release(run.Symbol)
	}
	o.persist(run)
}

func (o *Orchestrator) park(run *domain.WorkflowRun, window time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.parked == nil {
		o.parked = make(map[string]*parked)
	}

	p := &parked{run: run}
	p.timer = time.AfterFunc(window, func() { o.expire(run.ID) })
	o.parked[run.ID] = p
}

// expire fires when the approval window elapses without a decision.
func (o *Orchestrator) expire(runID string) {
	o.mu.Lock()
	p, ok := o.parked[runID]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(o.parked, runID)
	o.mu.Unlock()

	run := p.run
	run.State = domain.RunActive
	run.SuspendedAt = nil
	o.logger.Info("approval window expired",
		zap.String("run", run.ID), zap.String("symbol", run.Symbol))
	o.abort(context.Background(), run, domain.AbortHumanTimeout)
}

func (o *Orchestrator) persist(run *domain.WorkflowRun) {
	if err := o.runs.SaveRun(run); err != nil {
		o.logger.Error("run snapshot failed", zap.String("run", run.ID), zap.Error(err))
	}
}

// initialStop estimates the candidate stop from recent volatility around the
// latest visible price. The executor and monitor recompute the live stop from
// the actual average entry.
func (o *Orchestrator) initialStop(ctx context.Context, symbol string) (decimal.Decimal, error) {
	bars, err := o.market.RecentBars(ctx, symbol, volatilityPeriod+1)
	if err != nil {
		return decimal.Zero, err
	}
	if len(bars) == 0 {
		return decimal.Zero, errors.New("no recent bars")
	}

	vol := detector.HistoricalVolatilityPercent(bars, volatilityPeriod)
	stopPct := riskmonitor.TieredStopPercent(vol)

	hundred := decimal.NewFromInt(100)
	last := bars[len(bars)-1].Close
	return last.Mul(hundred.Add(stopPct)).Div(hundred), nil
}
