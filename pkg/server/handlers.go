package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jllopis/watt/pkg/core"
	"github.com/jllopis/watt/pkg/engine"
	"github.com/jllopis/watt/pkg/errors"
	"github.com/jllopis/watt/pkg/governance"
	"github.com/jllopis/watt/pkg/runtime"
)

// StartRunRequest is the body of POST /api/v1/agents/{agentID}/runs.
type StartRunRequest struct {
	Input    string `json:"input"`
	UserID   string `json:"user_id,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
	RunID    string `json:"run_id,omitempty"`
	Async    bool   `json:"async,omitempty"`
}

// ResolveRequest is the optional body of approve and deny.
type ResolveRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var body StartRunRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	req := engine.RunRequest{
		AgentID:  chi.URLParam(r, "agentID"),
		Input:    body.Input,
		UserID:   body.UserID,
		TenantID: body.TenantID,
		RunID:    body.RunID,
	}

	if body.Async {
		if s.submitter == nil {
			writeError(w, errors.New(errors.CodeInvalidInput, "asynchronous runs are not enabled", nil))
			return
		}
		runID, results, err := s.submitter.Submit(r.Context(), s.svc, req)
		if err != nil {
			writeError(w, err)
			return
		}
		go s.drain(runID, results)
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
		return
	}

	run, err := s.svc.Run(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) drain(runID string, results <-chan runtime.Result) {
	res := <-results
	if res.Err != nil {
		s.logger.Warn("server.run.async.error",
			slog.String("run_id", runID),
			slog.String("error", res.Err.Error()),
		)
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.svc.Cancel(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancelling"})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recs, err := s.svc.ListApprovals(r.Context(), governance.ApprovalFilter{
		Status:   governance.ApprovalStatus(q.Get("status")),
		AgentID:  q.Get("agent_id"),
		TenantID: q.Get("tenant_id"),
		RunID:    q.Get("run_id"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []governance.ApprovalRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": recs})
}

func (s *Server) handleResolve(granted bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body ResolveRequest
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		id := chi.URLParam(r, "approvalID")
		resolve := s.svc.Deny
		if granted {
			resolve = s.svc.Approve
		}
		run, err := resolve(r.Context(), id, body.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func (s *Server) handleKPIs(w http.ResponseWriter, r *http.Request) {
	tr, err := timeRange(r)
	if err != nil {
		writeError(w, err)
		return
	}
	kpis, err := s.svc.KPIs(r.Context(), chi.URLParam(r, "agentID"), tr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kpis)
}

func (s *Server) handleTenantCosts(w http.ResponseWriter, r *http.Request) {
	tr, err := timeRange(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sum, err := s.svc.TenantCosts(r.Context(), chi.URLParam(r, "tenantID"), tr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy"}
	code := http.StatusOK
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), s.healthLimit)
		defer cancel()
		adapters := make(map[string]bool)
		for t, ok := range s.health.HealthCheck(ctx) {
			adapters[string(t)] = ok
			if !ok {
				resp["status"] = "degraded"
				code = http.StatusServiceUnavailable
			}
		}
		resp["adapters"] = adapters
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// timeRange reads the optional from and to query parameters (RFC 3339).
// Either bound may be omitted.
func timeRange(r *http.Request) (*core.TimeRange, error) {
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	if from == "" && to == "" {
		return nil, nil
	}
	tr := &core.TimeRange{To: time.Now().UTC()}
	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return nil, errors.New(errors.CodeInvalidInput, "invalid from", err)
		}
		tr.From = t
	}
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return nil, errors.New(errors.CodeInvalidInput, "invalid to", err)
		}
		tr.To = t
	}
	if tr.To.Before(tr.From) {
		return nil, errors.New(errors.CodeInvalidInput, "to is before from", nil)
	}
	return tr, nil
}

// decodeJSON accepts an empty body.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
	if err == nil || err == io.EOF {
		return nil
	}
	return errors.New(errors.CodeInvalidInput, "invalid request body", err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	we := errors.AsWattError(err)
	status := we.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]any{"error": we})
}
