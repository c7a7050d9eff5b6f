// Package api is the collaborator REST surface: agent registration, audit
// reads, compliance checks, dashboard aggregates and report generation. All
// interaction-record access goes through the ledger's read-only operations.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentguard/agentguard/internal/compliance"
	"github.com/agentguard/agentguard/internal/domain"
	"github.com/agentguard/agentguard/internal/interceptor"
	"github.com/agentguard/agentguard/internal/ledger"
	"github.com/agentguard/agentguard/internal/report"
	"github.com/agentguard/agentguard/internal/storage"
)

const maxAuditPageSize = 500

// Handler bundles the collaborator endpoints.
type Handler struct {
	agents    storage.AgentStore
	ledger    ledger.Ledger
	stats     storage.StatsStore
	checks    storage.ComplianceStore
	engine    *compliance.Engine
	generator *report.Generator
	logger    *slog.Logger
}

// New builds the handler.
func New(agents storage.AgentStore, led ledger.Ledger, stats storage.StatsStore, checks storage.ComplianceStore, engine *compliance.Engine, generator *report.Generator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		agents:    agents,
		ledger:    led,
		stats:     stats,
		checks:    checks,
		engine:    engine,
		generator: generator,
		logger:    logger,
	}
}

// Routes returns the /api router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/agents", func(r chi.Router) {
		r.Post("/register", h.registerAgent)
		r.Get("/", h.listAgents)
		r.Get("/{agentID}", h.getAgent)
		r.Delete("/{agentID}", h.deactivateAgent)
	})
	r.Route("/audit", func(r chi.Router) {
		r.Get("/{agentID}", h.listRecords)
		r.Get("/{agentID}/stats", h.agentStats)
		r.Get("/{agentID}/verify", h.verifyChain)
	})
	r.Route("/compliance", func(r chi.Router) {
		r.Post("/check", h.runComplianceCheck)
		r.Get("/{agentID}/history", h.complianceHistory)
	})
	r.Get("/dashboard/summary", h.dashboardSummary)
	r.Route("/reports", func(r chi.Router) {
		r.Post("/generate", h.generateReport)
		r.Get("/{reportID}/download", h.downloadReport)
	})

	return r
}

type registerAgentRequest struct {
	Name            string               `json:"name"`
	Description     string               `json:"description"`
	Provider        string               `json:"provider"`
	Model           string               `json:"model"`
	RiskLevel       string               `json:"risk_level"`
	RegulationScope []string             `json:"regulation_scope"`
	Attestations    storage.Attestations `json:"attestations"`
}

type registerAgentResponse struct {
	ID           string `json:"id"`
	APIKeyHeader string `json:"api_key_header"`
	APIKeyValue  string `json:"api_key_value"`
	Message      string `json:"message"`
}

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		domain.WriteError(w, domain.ErrInvalidRequest("malformed request body"))
		return
	}
	if req.Name == "" || req.Provider == "" || req.Model == "" {
		domain.WriteError(w, domain.ErrInvalidRequest("name, provider and model are required"))
		return
	}
	if req.RiskLevel == "" {
		req.RiskLevel = "minimal"
	}

	agent := &storage.Agent{
		ID:              uuid.NewString(),
		Name:            req.Name,
		Description:     req.Description,
		Provider:        req.Provider,
		Model:           req.Model,
		RiskLevel:       req.RiskLevel,
		RegulationScope: req.RegulationScope,
		Attestations:    req.Attestations,
	}
	if err := h.agents.CreateAgent(r.Context(), agent); err != nil {
		h.logger.Error("agent registration failed", "error", err)
		domain.WriteError(w, domain.ErrServer("failed to register agent"))
		return
	}

	respondJSON(w, http.StatusCreated, registerAgentResponse{
		ID:           agent.ID,
		APIKeyHeader: interceptor.AgentIDHeader,
		APIKeyValue:  agent.ID,
		Message:      "Add '" + interceptor.AgentIDHeader + ": " + agent.ID + "' header to all proxied AI calls",
	})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.agents.ListAgents(r.Context())
	if err != nil {
		h.logger.Error("agent list failed", "error", err)
		domain.WriteError(w, domain.ErrServer("failed to list agents"))
		return
	}
	if agents == nil {
		agents = []*storage.Agent{}
	}
	respondJSON(w, http.StatusOK, agents)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agents.GetAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		domain.WriteError(w, domain.ErrNotFound("agent not found"))
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (h *Handler) deactivateAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.agents.DeactivateAgent(r.Context(), chi.URLParam(r, "agentID")); err != nil {
		domain.WriteError(w, domain.ErrNotFound("agent not found"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	opts := ledger.ReadOptions{Limit: 50}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxAuditPageSize {
			domain.WriteError(w, domain.ErrInvalidRequest("limit must be between 1 and 500"))
			return
		}
		opts.Limit = n
	}
	if v := q.Get("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			domain.WriteError(w, domain.ErrInvalidRequest("after_seq must be a non-negative integer"))
			return
		}
		opts.AfterSeq = n
	}
	opts.MinTier = q.Get("min_tier")

	records, err := h.ledger.Read(r.Context(), agentID, opts)
	if err != nil {
		h.logger.Error("audit read failed", "agent_id", agentID, "error", err)
		domain.WriteError(w, domain.ErrServer("failed to read audit records"))
		return
	}
	if records == nil {
		records = []*ledger.Record{}
	}
	respondJSON(w, http.StatusOK, records)
}

func (h *Handler) agentStats(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if _, err := h.agents.GetAgent(r.Context(), agentID); err != nil {
		domain.WriteError(w, domain.ErrNotFound("agent not found"))
		return
	}

	stats, err := h.stats.AgentStats(r.Context(), agentID, time.Time{})
	if err != nil {
		h.logger.Error("audit stats failed", "agent_id", agentID, "error", err)
		domain.WriteError(w, domain.ErrServer("failed to aggregate audit stats"))
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *Handler) verifyChain(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	res, err := h.ledger.Verify(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownAgent) {
			domain.WriteError(w, domain.ErrNotFound("agent not found"))
			return
		}
		h.logger.Error("chain verification failed", "agent_id", agentID, "error", err)
		domain.WriteError(w, domain.ErrServer("failed to verify audit chain"))
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type complianceCheckRequest struct {
	AgentID    string `json:"agent_id"`
	Regulation string `json:"regulation"`
	DaysBack   int    `json:"days_back"`
}

func (h *Handler) runComplianceCheck(w http.ResponseWriter, r *http.Request) {
	var req complianceCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		domain.WriteError(w, domain.ErrInvalidRequest("malformed request body"))
		return
	}
	if req.AgentID == "" {
		domain.WriteError(w, domain.ErrInvalidRequest("agent_id is required"))
		return
	}

	rep, err := h.engine.Check(r.Context(), req.AgentID, compliance.Regulation(req.Regulation), req.DaysBack)
	if err != nil {
		h.logger.Error("compliance check failed", "agent_id", req.AgentID, "regulation", req.Regulation, "error", err)
		domain.WriteError(w, domain.ErrInvalidRequest(err.Error()))
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

func (h *Handler) complianceHistory(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	checks, err := h.checks.ListComplianceChecks(r.Context(), agentID, 20)
	if err != nil {
		h.logger.Error("compliance history failed", "agent_id", agentID, "error", err)
		domain.WriteError(w, domain.ErrServer("failed to list compliance checks"))
		return
	}
	if checks == nil {
		checks = []*storage.ComplianceCheck{}
	}
	respondJSON(w, http.StatusOK, checks)
}

func (h *Handler) dashboardSummary(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.FleetStats(r.Context())
	if err != nil {
		h.logger.Error("dashboard summary failed", "error", err)
		domain.WriteError(w, domain.ErrServer("failed to aggregate fleet stats"))
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

type generateReportRequest struct {
	AgentID    string `json:"agent_id"`
	ReportType string `json:"report_type"`
	PeriodDays int    `json:"period_days"`
}

func (h *Handler) generateReport(w http.ResponseWriter, r *http.Request) {
	var req generateReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		domain.WriteError(w, domain.ErrInvalidRequest("malformed request body"))
		return
	}

	rep, err := h.generator.Generate(r.Context(), req.AgentID, req.ReportType, req.PeriodDays)
	if err != nil {
		domain.WriteError(w, domain.ErrInvalidRequest(err.Error()))
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"report_id": rep.ID,
		"status":    rep.Status,
		"message":   "Report generation started",
	})
}

func (h *Handler) downloadReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.generator.Get(r.Context(), chi.URLParam(r, "reportID"))
	if err != nil {
		domain.WriteError(w, domain.ErrNotFound("report not found"))
		return
	}
	if rep.Status != storage.ReportCompleted {
		respondJSON(w, http.StatusOK, map[string]string{
			"status":  rep.Status,
			"message": "Report not ready yet",
		})
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+rep.Type+"-"+rep.ID+`.md"`)
	w.Write([]byte(rep.Content))
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
