// Package web exposes the approval callback endpoints: a JSON endpoint for
// direct decisions and a Twilio-compatible SMS webhook.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yiyiliu551/stock-trading-agent/internal/domain"
	"github.com/yiyiliu551/stock-trading-agent/internal/workflow"
)

type runResumer interface {
	Resume(ctx context.Context, runID string, approved bool) (*domain.WorkflowRun, error)
	ParkedRuns() []*domain.WorkflowRun
}

// Server is the HTTP surface for human decisions.
type Server struct {
	addr     string
	workflow runResumer
	logger   *zap.Logger
}

// NewServer creates the approval server.
func NewServer(addr string, wf runResumer, logger *zap.Logger) *Server {
	return &Server{addr: addr, workflow: wf, logger: logger}
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/approvals", s.handleApproval)
	mux.HandleFunc("/sms/callback", s.handleSMSCallback)
	mux.HandleFunc("/runs/parked", s.handleParked)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type approvalRequest struct {
	RunID    string `json:"run_id"`
	Approved bool   `json:"approved"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RunID == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.resolve(w, req.RunID, req.Approved)
}

// handleSMSCallback accepts a Twilio inbound-message webhook. A YES reply
// approves the oldest parked run, a NO rejects it; anything else is ignored.
func (s *Server) handleSMSCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	body := strings.ToUpper(strings.TrimSpace(r.FormValue("Body")))
	var approved bool
	switch body {
	case "YES":
		approved = true
	case "NO":
		approved = false
	default:
		s.logger.Debug("ignoring SMS reply", zap.String("body", body))
		w.WriteHeader(http.StatusOK)
		return
	}

	parked := s.workflow.ParkedRuns()
	if len(parked) == 0 {
		s.logger.Warn("SMS decision arrived with no parked run", zap.String("body", body))
		w.WriteHeader(http.StatusOK)
		return
	}

	s.resolve(w, parked[0].ID, approved)
}

func (s *Server) handleParked(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.workflow.ParkedRuns()); err != nil {
		s.logger.Error("encode parked runs", zap.Error(err))
	}
}

// resolve applies the decision in the background: on approval the run goes on
// to execute and monitor the position, which can far outlive this request.
func (s *Server) resolve(w http.ResponseWriter, runID string, approved bool) {
	if _, ok := s.lookup(runID); !ok {
		// Resume still handles resolved-run idempotency; only probe parked
		// state for a fast 404 on garbage IDs.
		if _, err := s.workflow.Resume(context.Background(), runID, approved); err != nil {
			status := http.StatusNotFound
			if !errors.Is(err, workflow.ErrUnknownRun) {
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	go func() {
		if _, err := s.workflow.Resume(context.Background(), runID, approved); err != nil {
			s.logger.Error("resume failed",
				zap.String("run", runID),
				zap.Bool("approved", approved),
				zap.Error(err))
		}
	}()

	s.logger.Info("decision accepted",
		zap.String("run", runID),
		zap.Bool("approved", approved))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) lookup(runID string) (*domain.WorkflowRun, bool) {
	for _, run := range s.workflow.ParkedRuns() {
		if run.ID == runID {
			return run, true
		}
	}
	return nil, false
}
