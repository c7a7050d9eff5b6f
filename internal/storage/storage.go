// Package storage defines the persistent types and store interfaces shared by
// the collaborator APIs. The interaction ledger itself lives in
// internal/ledger; the SQLite backend under storage/sqlite implements both.
package storage

import (
	"context"
	"time"
)

// Attestations are the manually attested compliance controls an agent's
// operator declares at registration. They feed the compliance engine's
// rule checks, never the hot path.
type Attestations struct {
	HumanOversight   bool `json:"has_human_oversight" koanf:"has_human_oversight"`
	QMS              bool `json:"has_qms" koanf:"has_qms"`
	AccessControls   bool `json:"has_access_controls" koanf:"has_access_controls"`
	Encryption       bool `json:"has_encryption" koanf:"has_encryption"`
	PolicyDocs       bool `json:"has_policy_docs" koanf:"has_policy_docs"`
	BAA              bool `json:"has_baa" koanf:"has_baa"`
	InternalControls bool `json:"has_internal_controls" koanf:"has_internal_controls"`
	RetentionPolicy  bool `json:"has_retention_policy" koanf:"has_retention_policy"`
	ChangeManagement bool `json:"has_change_management" koanf:"has_change_management"`
}

// Agent is a registered caller identity. Created by the registration API and
// referenced, never mutated, by the interceptor.
type Agent struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Description     string       `json:"description"`
	Provider        string       `json:"provider"`
	Model           string       `json:"model"`
	RiskLevel       string       `json:"risk_level"`
	RegulationScope []string     `json:"regulation_scope"`
	Attestations    Attestations `json:"attestations"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	Active          bool         `json:"is_active"`
}

// AgentStore manages agent identities.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	DeactivateAgent(ctx context.Context, id string) error
}

// AgentStats aggregates one agent's audit history for the compliance engine
// and the audit stats endpoint.
type AgentStats struct {
	Total     int       `json:"total"`
	Sensitive int       `json:"sensitive"`
	HighRisk  int       `json:"high_risk"`
	Flagged   int       `json:"flagged"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// FleetStats aggregates across all agents for the dashboard summary.
type FleetStats struct {
	Agents       int     `json:"agents_count"`
	Interactions int     `json:"total_interactions"`
	Sensitive    int     `json:"sensitive_interactions"`
	HighRisk     int     `json:"high_risk_count"`
	AvgScore     float64 `json:"avg_compliance_score"`
}

// StatsStore computes read-only aggregates over the audit history.
type StatsStore interface {
	AgentStats(ctx context.Context, agentID string, since time.Time) (*AgentStats, error)
	FleetStats(ctx context.Context) (*FleetStats, error)
}

// Finding is one failed compliance rule in a check.
type Finding struct {
	Code        string   `json:"code"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Severity    string   `json:"severity"`
	Article     string   `json:"article"`
	Evidence    []string `json:"evidence,omitempty"`
	Remediation string   `json:"remediation"`
}

// ComplianceCheck is a persisted compliance engine run.
type ComplianceCheck struct {
	ID              string    `json:"id"`
	AgentID         string    `json:"agent_id"`
	CheckDate       time.Time `json:"check_date"`
	Regulation      string    `json:"regulation"`
	Score           float64   `json:"overall_score"`
	Grade           string    `json:"grade"`
	Summary         string    `json:"summary"`
	Findings        []Finding `json:"findings"`
	Recommendations []string  `json:"recommendations"`
}

// ComplianceStore persists compliance check results.
type ComplianceStore interface {
	SaveComplianceCheck(ctx context.Context, check *ComplianceCheck) error
	ListComplianceChecks(ctx context.Context, agentID string, limit int) ([]*ComplianceCheck, error)
}

// Report statuses.
const (
	ReportGenerating = "generating"
	ReportCompleted  = "completed"
	ReportFailed     = "failed"
)

// Report tracks one generated compliance document.
type Report struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Type      string    `json:"report_type"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
	Content   string    `json:"-"`
}

// ReportStore persists generated reports.
type ReportStore interface {
	CreateReport(ctx context.Context, report *Report) error
	GetReport(ctx context.Context, id string) (*Report, error)
	FinishReport(ctx context.Context, id, status, content string) error
}
