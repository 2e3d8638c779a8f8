// Package episodes persists the session-scoped run trace: completed episodes
// and parked run snapshots, in an append-only WAL.
package episodes

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/yiyiliu551/stock-trading-agent/internal/domain"
)

const (
	defaultDir   = "./wal/episodes"
	segmentLimit = 100
	maxSegments  = 10

	episodeKeyPrefix = "episode_"
	runKeyPrefix     = "run_"
)

// WALStore is an append-only episode and run-snapshot log. Safe for
// concurrent writers across symbols.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore initializes a WAL-backed store under the provided directory.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = defaultDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "log_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init episode WAL")
	}

	return &WALStore{wal: wal}, nil
}

// SaveEpisode appends one completed episode.
func (s *WALStore) SaveEpisode(ep domain.Episode) error {
	if s == nil || s.wal == nil {
		return errors.New("episode store is not initialized")
	}
	if ep.Symbol == "" {
		return fmt.Errorf("episode symbol is required")
	}

	payload, err := json.Marshal(ep)
	if err != nil {
		return errors.Wrap(err, "marshal episode")
	}

	key := fmt.Sprintf("%s%s", episodeKeyPrefix, ep.Symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	return s.wal.Write(nextIndex, key, payload)
}

// SaveRun appends a serialized run snapshot so a parked run survives a
// process restart.
func (s *WALStore) SaveRun(run *domain.WorkflowRun) error {
	if s == nil || s.wal == nil {
		return errors.New("episode store is not initialized")
	}

	payload, err := json.Marshal(run)
	if err != nil {
		return errors.Wrap(err, "marshal run snapshot")
	}

	key := fmt.Sprintf("%s%s", runKeyPrefix, run.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	return s.wal.Write(nextIndex, key, payload)
}

// SuspendedRuns replays the log and returns the latest snapshot of every run
// still parked in a non-terminal state.
func (s *WALStore) SuspendedRuns() ([]*domain.WorkflowRun, error) {
	return s.latestRuns(func(run *domain.WorkflowRun) bool {
		return run.State == domain.RunSuspended
	})
}

// MonitoringRuns replays the log and returns the latest snapshot of every run
// that was still watching an open position when the process stopped.
func (s *WALStore) MonitoringRuns() ([]*domain.WorkflowRun, error) {
	return s.latestRuns(func(run *domain.WorkflowRun) bool {
		return run.State == domain.RunActive &&
			run.Step == domain.StepMonitoring &&
			run.Position != nil && run.Position.Open()
	})
}

func (s *WALStore) latestRuns(keep func(*domain.WorkflowRun) bool) ([]*domain.WorkflowRun, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("episode store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]*domain.WorkflowRun)
	order := make([]string, 0)
	for msg := range s.wal.Iterator() {
		if !strings.HasPrefix(msg.Key, runKeyPrefix) {
			continue
		}
		var run domain.WorkflowRun
		if err := json.Unmarshal(msg.Value, &run); err != nil {
			return nil, errors.Wrap(err, "decode run snapshot")
		}
		if _, seen := latest[run.ID]; !seen {
			order = append(order, run.ID)
		}
		latest[run.ID] = &run
	}

	var runs []*domain.WorkflowRun
	for _, id := range order {
		if run := latest[id]; keep(run) {
			runs = append(runs, run)
		}
	}
	return runs, nil
}

// Episodes replays the log and returns all recorded episodes in write order.
func (s *WALStore) Episodes() ([]domain.Episode, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("episode store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var eps []domain.Episode
	for msg := range s.wal.Iterator() {
		if !strings.HasPrefix(msg.Key, episodeKeyPrefix) {
			continue
		}
		var ep domain.Episode
		if err := json.Unmarshal(msg.Value, &ep); err != nil {
			return nil, errors.Wrap(err, "decode episode")
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("episode store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
