// Package validator wraps the reasoning collaborator with a fixed-iteration
// self-verification loop and memory-conditioned context.
package validator

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/yiyiliu551/stock-trading-agent/internal/clients"
	"github.com/yiyiliu551/stock-trading-agent/internal/domain"
	"github.com/yiyiliu551/stock-trading-agent/internal/services/memory"
	"github.com/yiyiliu551/stock-trading-agent/internal/services/promptbuilder"
)

// ErrUnavailable marks a reasoning collaborator failure. The workflow aborts
// the run on it instead of guessing a verdict.
var ErrUnavailable = errors.New("validator unavailable")

const contextEpisodes = 3

type episodeRetriever interface {
	Retrieve(ctx context.Context, q memory.Query) ([]domain.Episode, error)
	Notes(ctx context.Context, symbol string, limit int) ([]string, error)
}

// Validator produces a validation verdict for a trade candidate.
type Validator struct {
	llm                 clients.LLMClient
	memory              episodeRetriever
	prompts             *promptbuilder.PromptBuilder
	iterations          int
	confidenceThreshold int
	logger              *zap.Logger
}

// New creates a validator. iterations is the fixed number of
// self-verification rounds after the initial assessment.
func New(llm clients.LLMClient, mem episodeRetriever, prompts *promptbuilder.PromptBuilder,
	iterations, confidenceThreshold int, logger *zap.Logger) *Validator {
	if iterations < 0 {
		iterations = 0
	}
	return &Validator{
		llm:                 llm,
		memory:              mem,
		prompts:             prompts,
		iterations:          iterations,
		confidenceThreshold: confidenceThreshold,
		logger:              logger,
	}
}

// Validate runs the initial assessment plus the fixed number of critique
// iterations and returns the final verdict. Any transport or parse failure
// on any iteration returns ErrUnavailable.
func (v *Validator) Validate(ctx context.Context, cand *domain.TradeCandidate) (*domain.Verdict, error) {
	episodes, notes := v.recall(ctx, cand.Symbol)

	prompt := v.prompts.BuildValidationPrompt(cand, episodes, notes)

	raw, err := v.llm.Chat(ctx, promptbuilder.SystemPrompt, prompt)
	if err != nil {
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}

	verdict, err := domain.ParseVerdict(raw)
	if err != nil {
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}

	// Iteration stops at the fixed cap regardless of convergence.
	for i := 0; i < v.iterations; i++ {
		critique := v.prompts.BuildCritiquePrompt(raw)
		raw, err = v.llm.Chat(ctx, promptbuilder.SystemPrompt, critique)
		if err != nil {
			return nil, errors.Wrap(ErrUnavailable, err.Error())
		}
		verdict, err = domain.ParseVerdict(raw)
		if err != nil {
			return nil, errors.Wrap(ErrUnavailable, err.Error())
		}

		v.logger.Debug("self-verification iteration",
			zap.String("symbol", cand.Symbol),
			zap.Int("iteration", i+1),
			zap.Bool("confirmed", verdict.Confirmed),
			zap.Int("confidence", verdict.Confidence))
	}

	verdict.Symbol = cand.Symbol
	verdict.Iterations = 1 + v.iterations
	verdict.Accepted = verdict.Confirmed && verdict.Confidence >= v.confidenceThreshold

	v.logger.Info("validation verdict",
		zap.String("symbol", cand.Symbol),
		zap.Bool("accepted", verdict.Accepted),
		zap.Int("confidence", verdict.Confidence),
		zap.String("rationale", verdict.Rationale))

	return verdict, nil
}

// recall fetches similar past episodes and reflection notes. Retrieval is
// best-effort: failures degrade to an empty context, they never block
// validation.
func (v *Validator) recall(ctx context.Context, symbol string) ([]domain.Episode, []string) {
	if v.memory == nil {
		return nil, nil
	}

	episodes, err := v.memory.Retrieve(ctx, memory.Query{Symbol: symbol, Limit: contextEpisodes})
	if err != nil {
		v.logger.Warn("episode retrieval failed", zap.String("symbol", symbol), zap.Error(err))
	}
	notes, err := v.memory.Notes(ctx, symbol, contextEpisodes)
	if err != nil {
		v.logger.Warn("note retrieval failed", zap.String("symbol", symbol), zap.Error(err))
	}
	return episodes, notes
}
