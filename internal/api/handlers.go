package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/jordanhubbard/weft/pkg/models"
)

// handleHealth handles GET /api/v1/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	status := map[string]string{"status": "ok"}
	if err := s.db.Ping(); err != nil {
		status["status"] = "degraded"
		status["database"] = err.Error()
		s.respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

// handleItems handles POST /api/v1/items
func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var item models.WorkItem
	if err := s.parseJSON(r, &item); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	assignment, err := s.engine.SubmitWorkItem(r.Context(), &item)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, assignment)
}

// outcomeRequest carries the work item together with its reported outcome so
// the memory record can be derived without a separate item lookup.
type outcomeRequest struct {
	WorkItem models.WorkItem `json:"work_item"`
	Outcome  models.Outcome  `json:"outcome"`
}

// handleOutcomes handles POST /api/v1/outcomes
func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req outcomeRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	record, err := s.engine.ReportOutcome(r.Context(), &req.WorkItem, &req.Outcome)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, record)
}

// executionRequest starts or resumes a workflow for a matched item.
type executionRequest struct {
	WorkItem models.WorkItem `json:"work_item"`
	WorkerID string          `json:"worker_id"`
}

// handleExecutions handles POST /api/v1/executions
func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req executionRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.WorkerID == "" {
		s.respondError(w, http.StatusBadRequest, "worker_id is required")
		return
	}

	cp, err := s.engine.RunAssignment(r.Context(), &req.WorkItem, req.WorkerID)
	if err != nil {
		var sf *models.StepFailure
		if errors.As(err, &sf) {
			s.respondJSON(w, http.StatusConflict, map[string]interface{}{
				"error":      sf.Error(),
				"checkpoint": cp,
			})
			return
		}
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, cp)
}

// handleExecution handles GET /api/v1/executions/{workflowID}
func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	workflowID := s.extractID(r.URL.Path, "/api/v1/executions")
	cp, err := s.db.GetCheckpoint(workflowID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cp == nil {
		s.respondError(w, http.StatusNotFound, "Execution not found")
		return
	}
	s.respondJSON(w, http.StatusOK, cp)
}

// handleWorkers handles GET/POST /api/v1/workers
func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		workers, err := s.engine.Workers(r.Context())
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondJSON(w, http.StatusOK, workers)

	case http.MethodPost:
		var profile models.WorkerProfile
		if err := s.parseJSON(r, &profile); err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if err := s.engine.RegisterWorker(&profile); err != nil {
			s.respondEngineError(w, err)
			return
		}
		s.respondJSON(w, http.StatusCreated, &profile)

	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleMemories handles GET /api/v1/memories/{workerID} and
// GET /api/v1/memories/{workerID}/stats
func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	rest := s.extractID(r.URL.Path, "/api/v1/memories")
	if rest == "" {
		s.respondError(w, http.StatusBadRequest, "worker id is required")
		return
	}

	if strings.HasSuffix(rest, "/stats") {
		workerID := strings.TrimSuffix(rest, "/stats")
		stats, err := s.engine.MemoryStats(r.Context(), workerID)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondJSON(w, http.StatusOK, stats)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	records := s.engine.Memories(r.Context(), rest, r.URL.Query().Get("q"), limit)
	if records == nil {
		records = []*models.MemoryRecord{}
	}
	s.respondJSON(w, http.StatusOK, records)
}

// handlePrune handles POST /api/v1/memories/prune
func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	n, err := s.engine.Prune(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{"pruned": n})
}

// handlePlan handles GET/POST /api/v1/plans/{planID}[/run]
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	rest := s.extractID(r.URL.Path, "/api/v1/plans")

	if strings.HasSuffix(rest, "/run") {
		if r.Method != http.MethodPost {
			s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		s.runPlan(w, r, strings.TrimSuffix(rest, "/run"))
		return
	}

	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	plan, err := s.db.GetPlan(rest)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if plan == nil {
		s.respondError(w, http.StatusNotFound, "Plan not found")
		return
	}
	s.respondJSON(w, http.StatusOK, plan)
}

func (s *Server) runPlan(w http.ResponseWriter, r *http.Request, planID string) {
	plan, err := s.db.GetPlan(planID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if plan == nil {
		s.respondError(w, http.StatusNotFound, "Plan not found")
		return
	}

	subtaskErrs, err := s.engine.RunPlan(r.Context(), plan)
	body := map[string]interface{}{"plan": plan}

	failures := map[string]string{}
	for id, serr := range subtaskErrs {
		if serr != nil {
			failures[id] = serr.Error()
		}
	}
	if len(failures) > 0 {
		body["failures"] = failures
	}

	var pf *models.PlanFailure
	switch {
	case err == nil:
		s.respondJSON(w, http.StatusOK, body)
	case errors.As(err, &pf):
		body["error"] = pf.Error()
		s.respondJSON(w, http.StatusConflict, body)
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// respondEngineError maps the engine's typed errors onto HTTP statuses.
func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	var verr *models.ValidationError
	var nce *models.NoCandidateError
	switch {
	case errors.As(err, &verr):
		s.respondError(w, http.StatusBadRequest, verr.Error())
	case errors.As(err, &nce):
		s.respondError(w, http.StatusConflict, nce.Error())
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}
