package api

import (
	"net/http"

	"github.com/CShear/regen-compute-credits/internal/batch"
	"github.com/CShear/regen-compute-credits/internal/pool"
	"github.com/CShear/regen-compute-credits/internal/subsync"
)

// handleRecordContribution appends one pool contribution. Replays of
// the same externalEventId return the original record with
// duplicate=true rather than an error.
func (s *Server) handleRecordContribution(w http.ResponseWriter, r *http.Request) {
	var in pool.RecordInput
	if !s.decodeBody(w, r, &in) {
		return
	}

	result, err := s.deps.Pool.RecordContribution(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, s.log, http.StatusOK, result)
}

func (s *Server) handleMonthSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Pool.GetMonthlySummary(r.Context(), r.PathValue("month"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, s.log, http.StatusOK, summary)
}

func (s *Server) handleUserSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Pool.GetUserSummary(r.Context(), r.PathValue("userId"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, s.log, http.StatusOK, summary)
}

// handleSyncInvoices pulls paid gateway invoices into the pool for one
// customer, one email, or everyone.
func (s *Server) handleSyncInvoices(w http.ResponseWriter, r *http.Request) {
	var req subsync.Request
	if !s.decodeBody(w, r, &req) {
		return
	}

	summary, err := s.deps.Invoices.Sync(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, s.log, http.StatusOK, summary)
}

// handleRunBatch kicks off one monthly execution. Whether it is a dry
// run, live, or preflight-only comes from the request body; the result
// carries both the reconciliation run and the execution it produced.
func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	var req batch.RunRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	result, err := s.deps.Batches.Run(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, s.log, http.StatusOK, result)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	month := r.URL.Query().Get("month")
	if month == "" {
		writeError(w, s.log, http.StatusBadRequest, codeInvalidRequest, "month query parameter is required", nil)
		return
	}

	execs, err := s.deps.BatchReads.ExecutionsForMonth(month)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if execs == nil {
		execs = []batch.Execution{}
	}
	writeJSON(w, s.log, http.StatusOK, map[string]interface{}{"executions": execs})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.BatchReads.GetExecution(r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if exec == nil {
		writeError(w, s.log, http.StatusNotFound, codeNotFound, "execution not found", nil)
		return
	}
	writeJSON(w, s.log, http.StatusOK, exec)
}
