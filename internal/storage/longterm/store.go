// Package longterm is the cross-session indexed episode store. Retrieval is
// best-effort similarity ranking with deterministic ordering.
package longterm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yiyiliu551/stock-trading-agent/internal/domain"
)

// EpisodeRecord is the persisted row for one episode. The full episode is
// kept as a JSON payload; indexed columns exist only for retrieval.
type EpisodeRecord struct {
	ID        uint      `gorm:"primaryKey"`
	EpisodeID string    `gorm:"uniqueIndex;size:128"`
	Symbol    string    `gorm:"index;size:16"`
	Outcome   string    `gorm:"index;size:16"`
	PnL       float64   ``
	ClosedAt  time.Time `gorm:"index"`
	Payload   []byte    ``
}

// ReflectionNote is one durable lesson summary written by the reflection step.
type ReflectionNote struct {
	ID        uint   `gorm:"primaryKey"`
	Symbol    string `gorm:"index;size:16"`
	Note      string ``
	CreatedAt time.Time
}

// Query selects similar episodes. Symbol match ranks above outcome match;
// ties break by recency, then by insertion order, so results are stable for
// an identical store snapshot.
type Query struct {
	Symbol  string
	Outcome domain.Outcome
	Limit   int
}

// Store wraps the sqlite database.
type Store struct {
	db *gorm.DB
}

// NewStore opens (or creates) the sqlite store and migrates the schema.
func NewStore(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open long-term store")
	}

	if err := db.AutoMigrate(&EpisodeRecord{}, &ReflectionNote{}); err != nil {
		return nil, errors.Wrap(err, "migrate long-term store")
	}

	return &Store{db: db}, nil
}

// SaveEpisode upserts one episode keyed by its ID.
func (s *Store) SaveEpisode(ctx context.Context, ep domain.Episode) error {
	payload, err := json.Marshal(ep)
	if err != nil {
		return errors.Wrap(err, "marshal episode")
	}

	pnl, _ := ep.PnL.Float64()
	rec := EpisodeRecord{
		EpisodeID: ep.ID,
		Symbol:    ep.Symbol,
		Outcome:   string(ep.Outcome),
		PnL:       pnl,
		ClosedAt:  ep.ClosedAt,
		Payload:   payload,
	}

	err = s.db.WithContext(ctx).
		Where(EpisodeRecord{EpisodeID: ep.ID}).
		Assign(rec).
		FirstOrCreate(&EpisodeRecord{}).Error
	return errors.Wrap(err, "save episode")
}

// SimilarEpisodes ranks stored episodes against the query: symbol match
// scores 3, outcome match scores 1, ties break by closed_at desc then id
// desc. Ranking is best-effort; the ordering is total so repeated calls over
// an identical snapshot return the same sequence.
func (s *Store) SimilarEpisodes(ctx context.Context, q Query) ([]domain.Episode, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 3
	}

	var recs []EpisodeRecord
	err := s.db.WithContext(ctx).
		Select("*, (CASE WHEN symbol = ? THEN 3 ELSE 0 END) + (CASE WHEN outcome = ? THEN 1 ELSE 0 END) AS score",
			q.Symbol, string(q.Outcome)).
		Order("score DESC, closed_at DESC, id DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, errors.Wrap(err, "query similar episodes")
	}

	episodes := make([]domain.Episode, 0, len(recs))
	for _, rec := range recs {
		var ep domain.Episode
		if err := json.Unmarshal(rec.Payload, &ep); err != nil {
			return nil, errors.Wrap(err, "decode episode payload")
		}
		episodes = append(episodes, ep)
	}
	return episodes, nil
}

// SaveNote appends a reflection note for the symbol.
func (s *Store) SaveNote(ctx context.Context, symbol, note string) error {
	err := s.db.WithContext(ctx).Create(&ReflectionNote{
		Symbol:    symbol,
		Note:      note,
		CreatedAt: time.Now().UTC(),
	}).Error
	return errors.Wrap(err, "save reflection note")
}

// Notes returns the most recent reflection notes for the symbol.
func (s *Store) Notes(ctx context.Context, symbol string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 3
	}

	var recs []ReflectionNote
	err := s.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, errors.Wrap(err, "query reflection notes")
	}

	notes := make([]string, 0, len(recs))
	for _, rec := range recs {
		notes = append(notes, rec.Note)
	}
	return notes, nil
}
