package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yiyiliu551/stock-trading-agent/internal/domain"
	"github.com/yiyiliu551/stock-trading-agent/internal/workflow"
)

type fakeResumer struct {
	parked []*domain.WorkflowRun
	err    error

	mu        sync.Mutex
	decisions map[string]bool
}

func (f *fakeResumer) Resume(_ context.Context, runID string, approved bool) (*domain.WorkflowRun, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, run := range f.parked {
		if run.ID == runID {
			f.mu.Lock()
			if f.decisions == nil {
				f.decisions = make(map[string]bool)
			}
			f.decisions[runID] = approved
			f.mu.Unlock()
			return run, nil
		}
	}
	return nil, workflow.ErrUnknownRun
}

func (f *fakeResumer) ParkedRuns() []*domain.WorkflowRun { return f.parked }

func (f *fakeResumer) decision(runID string) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	approved, ok := f.decisions[runID]
	return approved, ok
}

func (f *fakeResumer) decisionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.decisions)
}

func parkedRun(symbol string) *domain.WorkflowRun {
	run := domain.NewWorkflowRun(symbol)
	run.Step = domain.StepAwaitingHuman
	run.State = domain.RunSuspended
	return run
}

func waitForDecision(t *testing.T, f *fakeResumer, runID string) bool {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := f.decision(runID)
		return ok
	}, time.Second, 5*time.Millisecond)
	approved, _ := f.decision(runID)
	return approved
}

func TestHandleApproval(t *testing.T) {
	run := parkedRun("NVDA")
	resumer := &fakeResumer{parked: []*domain.WorkflowRun{run}}
	s := NewServer(":0", resumer, zap.NewNop())

	body := strings.NewReader(`{"run_id": "` + run.ID + `", "approved": true}`)
	req := httptest.NewRequest(http.MethodPost, "/approvals", body)
	rec := httptest.NewRecorder()
	s.handleApproval(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, waitForDecision(t, resumer, run.ID))
}

func TestHandleApprovalUnknownRun(t *testing.T) {
	resumer := &fakeResumer{}
	s := NewServer(":0", resumer, zap.NewNop())

	body := strings.NewReader(`{"run_id": "missing", "approved": true}`)
	req := httptest.NewRequest(http.MethodPost, "/approvals", body)
	rec := httptest.NewRecorder()
	s.handleApproval(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleApprovalBadRequest(t *testing.T) {
	s := NewServer(":0", &fakeResumer{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/approvals", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	s.handleApproval(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/approvals", nil)
	rec = httptest.NewRecorder()
	s.handleApproval(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleSMSCallback(t *testing.T) {
	t.Run("YES approves the oldest parked run", func(t *testing.T) {
		run := parkedRun("NVDA")
		resumer := &fakeResumer{parked: []*domain.WorkflowRun{run}}
		s := NewServer(":0", resumer, zap.NewNop())

		form := url.Values{"Body": {"yes"}}
		req := httptest.NewRequest(http.MethodPost, "/sms/callback", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		s.handleSMSCallback(rec, req)

		require.Equal(t, http.StatusAccepted, rec.Code)
		require.True(t, waitForDecision(t, resumer, run.ID))
	})

	t.Run("NO rejects", func(t *testing.T) {
		run := parkedRun("NVDA")
		resumer := &fakeResumer{parked: []*domain.WorkflowRun{run}}
		s := NewServer(":0", resumer, zap.NewNop())

		form := url.Values{"Body": {"NO"}}
		req := httptest.NewRequest(http.MethodPost, "/sms/callback", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		s.handleSMSCallback(rec, req)

		require.Equal(t, http.StatusAccepted, rec.Code)
		require.False(t, waitForDecision(t, resumer, run.ID))
	})

	t.Run("unrelated text is ignored", func(t *testing.T) {
		run := parkedRun("NVDA")
		resumer := &fakeResumer{parked: []*domain.WorkflowRun{run}}
		s := NewServer(":0", resumer, zap.NewNop())

		form := url.Values{"Body": {"maybe later"}}
		req := httptest.NewRequest(http.MethodPost, "/sms/callback", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		s.handleSMSCallback(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		require.Zero(t, resumer.decisionCount())
	})

	t.Run("no parked runs", func(t *testing.T) {
		resumer := &fakeResumer{}
		s := NewServer(":0", resumer, zap.NewNop())

		form := url.Values{"Body": {"YES"}}
		req := httptest.NewRequest(http.MethodPost, "/sms/callback", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		s.handleSMSCallback(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestHandleParked(t *testing.T) {
	resumer := &fakeResumer{parked: []*domain.WorkflowRun{parkedRun("NVDA"), parkedRun("TSLA")}}
	s := NewServer(":0", resumer, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/runs/parked", nil)
	rec := httptest.NewRecorder()
	s.handleParked(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "NVDA")
	require.Contains(t, rec.Body.String(), "TSLA")
}
