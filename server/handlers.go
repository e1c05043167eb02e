package server

import (
	"io"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/internal/version"
	"github.com/ensembleworks/ensemble/persona"
	"github.com/ensembleworks/ensemble/workflow"
)

// HandleHealth reports server liveness
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"version":   version.String(),
		"timestamp": time.Now().Format(time.RFC3339),
		"services": map[string]string{
			"persona_registry": "active",
			"workflow_engine":  "active",
			"chat":             "active",
		},
	})
}

// HandlePersonas lists personas (GET) or creates one (POST)
func (s *Server) HandlePersonas(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		personas := s.registry.List()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"personas": personas,
			"count":    len(personas),
		})

	case http.MethodPost:
		var p persona.Persona
		if readJSON(w, r, &p) != nil {
			return
		}
		if err := s.registry.Create(&p); err != nil {
			writeDomainError(w, err)
			return
		}
		s.logger.Infow("Persona created", "id", p.ID, "name", p.Name)
		writeJSON(w, http.StatusCreated, &p)

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// HandlePersona fetches (GET) or deletes (DELETE) a single persona
func (s *Server) HandlePersona(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/personas/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "Persona ID required")
		return
	}
	id := parts[0]

	switch r.Method {
	case http.MethodGet:
		p, err := s.registry.Get(id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)

	case http.MethodDelete:
		if err := s.registry.Delete(id); err != nil {
			writeDomainError(w, err)
			return
		}
		s.logger.Infow("Persona deleted", "id", id)
		writeJSON(w, http.StatusOK, map[string]string{"deleted": id})

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// HandleWorkflows lists workflows (GET) or creates one (POST)
func (s *Server) HandleWorkflows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		workflows, err := s.workflows.ListWorkflows()
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"workflows": workflows,
			"count":     len(workflows),
		})

	case http.MethodPost:
		var wf workflow.Workflow
		if readJSON(w, r, &wf) != nil {
			return
		}
		if wf.ID == "" {
			wf.ID = uuid.NewString()
		}
		wf.Active = true
		if err := s.engine.Validate(wf.PersonaIDs); err != nil {
			writeDomainError(w, err)
			return
		}
		if err := s.workflows.CreateWorkflow(&wf); err != nil {
			writeDomainError(w, err)
			return
		}
		s.logger.Infow("Workflow created", "id", wf.ID, "name", wf.Name, "steps", len(wf.PersonaIDs))
		writeJSON(w, http.StatusCreated, &wf)

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// HandleWorkflow fetches a single workflow
func (s *Server) HandleWorkflow(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	parts := extractPathParts(r.URL.Path, "/api/workflows/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "Workflow ID required")
		return
	}

	wf, err := s.workflows.GetWorkflow(parts[0])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

type executeRequest struct {
	WorkflowID string            `json:"workflow_id"`
	Document   workflow.Document `json:"document"`
	UserID     string            `json:"user_id"`
}

// HandleExecute runs a workflow against a document and returns the
// stored analysis. Progress events stream to WebSocket clients while
// the request is in flight.
func (s *Server) HandleExecute(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req executeRequest
	if readJSON(w, r, &req) != nil {
		return
	}

	wf, err := s.workflows.GetWorkflow(req.WorkflowID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	analysis, err := s.engine.Execute(r.Context(), wf, req.Document, req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, analysis)
}

// HandleAnalyses lists stored analyses, optionally filtered by user
func (s *Server) HandleAnalyses(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	analyses, err := s.workflows.ListAnalyses(r.URL.Query().Get("user"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"analyses": analyses,
		"count":    len(analyses),
	})
}

// HandleAnalysis fetches a single analysis, or exports it via
// GET /api/analysis/{id}/export?format=json|yaml
func (s *Server) HandleAnalysis(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	parts := extractPathParts(r.URL.Path, "/api/analysis/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "Analysis ID required")
		return
	}

	analysis, err := s.workflows.GetAnalysis(parts[0])
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if len(parts) > 1 && parts[1] == "export" {
		format := r.URL.Query().Get("format")
		if format == "" {
			format = "json"
		}
		out, err := analysis.Export(format)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		contentType := "application/json"
		if format == "yaml" || format == "yml" {
			contentType = "application/x-yaml"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, out)
		return
	}

	writeJSON(w, http.StatusOK, analysis)
}

// HandleUsageStats returns aggregate usage over a trailing window
func (s *Server) HandleUsageStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	days := parseDaysParam(r, 30)
	stats, err := s.usage.GetUsageStats(time.Now().AddDate(0, 0, -days))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"days":  days,
		"stats": stats,
	})
}

// HandleBreakdown returns per-model usage over a trailing window
func (s *Server) HandleBreakdown(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	days := parseDaysParam(r, 30)
	breakdown, err := s.usage.GetModelBreakdown(time.Now().AddDate(0, 0, -days))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"days":   days,
		"models": breakdown,
	})
}

// HandleTimeSeries returns daily usage totals
func (s *Server) HandleTimeSeries(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	days := parseDaysParam(r, 30)
	points, err := s.usage.GetTimeSeriesData(days)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"days":   days,
		"points": points,
	})
}

type budgetUpdateRequest struct {
	DailyBudgetUSD   *float64 `json:"daily_budget_usd"`
	WeeklyBudgetUSD  *float64 `json:"weekly_budget_usd"`
	MonthlyBudgetUSD *float64 `json:"monthly_budget_usd"`
}

// HandleBudget reports budget status (GET) or updates limits (PATCH)
func (s *Server) HandleBudget(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		status, err := s.budgetTracker.GetStatus()
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": status,
			"limits": s.budgetTracker.GetBudgetLimits(),
		})

	case http.MethodPatch:
		var req budgetUpdateRequest
		if readJSON(w, r, &req) != nil {
			return
		}
		if req.DailyBudgetUSD != nil {
			if err := s.budgetTracker.UpdateDailyBudget(*req.DailyBudgetUSD); err != nil {
				writeDomainError(w, err)
				return
			}
		}
		if req.WeeklyBudgetUSD != nil {
			if err := s.budgetTracker.UpdateWeeklyBudget(*req.WeeklyBudgetUSD); err != nil {
				writeDomainError(w, err)
				return
			}
		}
		if req.MonthlyBudgetUSD != nil {
			if err := s.budgetTracker.UpdateMonthlyBudget(*req.MonthlyBudgetUSD); err != nil {
				writeDomainError(w, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"limits": s.budgetTracker.GetBudgetLimits(),
		})

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// HandleUpload accepts a multipart document upload and returns its
// content for use in an execute request.
func (s *Server) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	maxBytes := s.cfg.Server.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing file field")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read upload: "+err.Error())
		return
	}

	// Documents are analyzed as text; binary uploads are rejected.
	if !utf8.Valid(content) {
		writeError(w, http.StatusBadRequest, "File content must be UTF-8 text")
		return
	}

	s.logger.Infow("Document uploaded",
		"filename", header.Filename,
		"size_bytes", len(content),
	)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"filename":     header.Filename,
		"content_type": header.Header.Get("Content-Type"),
		"size":         len(content),
		"content":      string(content),
	})
}

func parseDaysParam(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("days")
	if raw == "" {
		return fallback
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days <= 0 {
		return fallback
	}
	return days
}
