// Package memory is the two-tier memory and reflection layer: an append-only
// session log plus an indexed long-term store, behind one facade.
package memory

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/yiyiliu551/stock-trading-agent/internal/clients"
	"github.com/yiyiliu551/stock-trading-agent/internal/domain"
	"github.com/yiyiliu551/stock-trading-agent/internal/services/promptbuilder"
	"github.com/yiyiliu551/stock-trading-agent/internal/storage/longterm"
)

// Query selects similar episodes from the long-term store.
type Query = longterm.Query

type sessionLog interface {
	SaveEpisode(ep domain.Episode) error
}

type indexedStore interface {
	SaveEpisode(ctx context.Context, ep domain.Episode) error
	SimilarEpisodes(ctx context.Context, q longterm.Query) ([]domain.Episode, error)
	SaveNote(ctx context.Context, symbol, note string) error
	Notes(ctx context.Context, symbol string, limit int) ([]string, error)
}

// Service records completed episodes to both tiers and serves similarity
// retrieval for the validator's context.
type Service struct {
	session sessionLog
	store   indexedStore
	llm     clients.LLMClient
	prompts *promptbuilder.PromptBuilder
	logger  *zap.Logger
}

// New creates the memory service.
func New(session sessionLog, store indexedStore, llm clients.LLMClient,
	prompts *promptbuilder.PromptBuilder, logger *zap.Logger) *Service {
	return &Service{
		session: session,
		store:   store,
		llm:     llm,
		prompts: prompts,
		logger:  logger,
	}
}

// Record appends the episode to the session log and upserts it into the
// long-term store. Both tiers receive every terminal episode, including
// aborted runs, so reflections can trace why a run never traded.
func (s *Service) Record(ctx context.Context, ep domain.Episode) error {
	if err := s.session.SaveEpisode(ep); err != nil {
		return errors.Wrap(err, "append episode to session log")
	}
	if err := s.store.SaveEpisode(ctx, ep); err != nil {
		return errors.Wrap(err, "store episode")
	}

	s.logger.Info("episode recorded",
		zap.String("symbol", ep.Symbol),
		zap.String("outcome", string(ep.Outcome)),
		zap.String("pnl", ep.PnL.StringFixed(2)))
	return nil
}

// Retrieve returns ranked similar episodes. Ordering is deterministic for an
// identical store snapshot.
func (s *Service) Retrieve(ctx context.Context, q Query) ([]domain.Episode, error) {
	return s.store.SimilarEpisodes(ctx, q)
}

// Notes returns the most recent reflection notes for the symbol.
func (s *Service) Notes(ctx context.Context, symbol string, limit int) ([]string, error) {
	return s.store.Notes(ctx, symbol, limit)
}

// Reflect asks the reasoning collaborator for three lessons from the episode
// and writes them as a durable note. Reflection is best-effort: a model
// failure is logged, not fatal, because the episode itself is already
// recorded.
func (s *Service) Reflect(ctx context.Context, ep domain.Episode) (string, error) {
	payload, err := json.Marshal(ep)
	if err != nil {
		return "", errors.Wrap(err, "marshal episode for reflection")
	}

	prompt := s.prompts.BuildReflectionPrompt(string(payload))
	note, err := s.llm.Chat(ctx, promptbuilder.SystemPrompt, prompt)
	if err != nil {
		s.logger.Warn("reflection unavailable", zap.String("symbol", ep.Symbol), zap.Error(err))
		return "", nil
	}

	if err := s.store.SaveNote(ctx, ep.Symbol, note); err != nil {
		return "", errors.Wrap(err, "save reflection note")
	}

	s.logger.Info("reflection recorded", zap.String("symbol", ep.Symbol))
	return note, nil
}
