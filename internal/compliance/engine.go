// Package compliance maps an agent's audit history and attested controls to
// regulation rule tables and produces scored, graded check reports.
package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentguard/agentguard/internal/storage"
)

// Regulation names a supported rule table.
type Regulation string

const (
	RegulationEUAIAct Regulation = "EU_AI_ACT"
	RegulationHIPAA   Regulation = "HIPAA"
	RegulationSOX     Regulation = "SOX"
)

// Severity levels for findings.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Regulations returns the supported regulation names.
func Regulations() []Regulation {
	return []Regulation{RegulationEUAIAct, RegulationHIPAA, RegulationSOX}
}

// Rule is one compliance requirement. Check names the predicate evaluated
// against the agent's stats, attestations and generated documents; rules are
// data, the engine is the only code path.
type Rule struct {
	Code        string
	Title       string
	Description string
	Article     string
	Severity    string
	Weight      float64
	Check       string
}

var euAIActRules = []Rule{
	{
		Code:        "EUAIA-ART13-001",
		Title:       "Transparency & Documentation",
		Description: "High-risk AI systems must provide instructions and documentation",
		Article:     "Article 13",
		Severity:    SeverityHigh,
		Weight:      0.15,
		Check:       "has_documentation",
	},
	{
		Code:        "EUAIA-ART14-001",
		Title:       "Human Oversight Mechanisms",
		Description: "High-risk AI must enable human oversight and intervention",
		Article:     "Article 14",
		Severity:    SeverityHigh,
		Weight:      0.15,
		Check:       "has_human_oversight",
	},
	{
		Code:        "EUAIA-ART17-001",
		Title:       "Quality Management System",
		Description: "Providers of high-risk AI must maintain a quality management system",
		Article:     "Article 17",
		Severity:    SeverityMedium,
		Weight:      0.10,
		Check:       "has_qms",
	},
	{
		Code:        "EUAIA-ART9-001",
		Title:       "Risk Management System",
		Description: "Providers must establish continuous risk management",
		Article:     "Article 9",
		Severity:    SeverityHigh,
		Weight:      0.15,
		Check:       "has_risk_management",
	},
	{
		Code:        "EUAIA-ANNIV-001",
		Title:       "Technical Documentation (Annex IV)",
		Description: "Detailed technical documentation must be maintained and available for audit",
		Article:     "Annex IV",
		Severity:    SeverityHigh,
		Weight:      0.20,
		Check:       "has_technical_docs",
	},
	{
		Code:        "EUAIA-ART12-001",
		Title:       "Record Keeping & Audit Logs",
		Description: "High-risk AI must keep automatic logs to ensure traceability",
		Article:     "Article 12",
		Severity:    SeverityCritical,
		Weight:      0.25,
		Check:       "has_audit_logs",
	},
}

var hipaaRules = []Rule{
	{
		Code:        "HIPAA-164-502",
		Title:       "PHI Disclosure Tracking",
		Description: "All PHI access and disclosures must be logged and traceable",
		Article:     "45 CFR 164.502",
		Severity:    SeverityCritical,
		Weight:      0.30,
		Check:       "phi_disclosure_tracking",
	},
	{
		Code:        "HIPAA-164-308",
		Title:       "Access Controls",
		Description: "AI systems accessing PHI must implement access controls",
		Article:     "45 CFR 164.308(a)(4)",
		Severity:    SeverityHigh,
		Weight:      0.25,
		Check:       "has_access_controls",
	},
	{
		Code:        "HIPAA-164-312",
		Title:       "Encryption in Transit",
		Description: "All PHI transmitted via AI agent must be encrypted",
		Article:     "45 CFR 164.312(e)(1)",
		Severity:    SeverityHigh,
		Weight:      0.20,
		Check:       "has_encryption",
	},
	{
		Code:        "HIPAA-164-316",
		Title:       "Policy Documentation",
		Description: "Policies governing AI use with PHI must be documented",
		Article:     "45 CFR 164.316",
		Severity:    SeverityMedium,
		Weight:      0.15,
		Check:       "has_policy_docs",
	},
	{
		Code:        "HIPAA-BAA",
		Title:       "Business Associate Agreement",
		Description: "BAA required with AI model providers processing PHI",
		Article:     "45 CFR 164.504(e)",
		Severity:    SeverityCritical,
		Weight:      0.10,
		Check:       "has_baa",
	},
}

var soxRules = []Rule{
	{
		Code:        "SOX-302-001",
		Title:       "AI Decision Auditability",
		Description: "AI-assisted financial decisions must be auditable",
		Article:     "SOX Section 302",
		Severity:    SeverityCritical,
		Weight:      0.35,
		Check:       "has_decision_audit_trail",
	},
	{
		Code:        "SOX-404-001",
		Title:       "Internal Controls Documentation",
		Description: "Internal controls over AI use in financial reporting",
		Article:     "SOX Section 404",
		Severity:    SeverityHigh,
		Weight:      0.30,
		Check:       "has_internal_controls",
	},
	{
		Code:        "SOX-802-001",
		Title:       "Records Retention",
		Description: "AI interaction records must be retained for 7 years",
		Article:     "SOX Section 802",
		Severity:    SeverityHigh,
		Weight:      0.20,
		Check:       "has_retention_policy",
	},
	{
		Code:        "SOX-ICFR-001",
		Title:       "Change Management",
		Description: "AI model changes must follow a documented change control process",
		Article:     "PCAOB AS 2201",
		Severity:    SeverityMedium,
		Weight:      0.15,
		Check:       "has_change_management",
	},
}

var regulationRules = map[Regulation][]Rule{
	RegulationEUAIAct: euAIActRules,
	RegulationHIPAA:   hipaaRules,
	RegulationSOX:     soxRules,
}

var remediations = map[string]string{
	"has_audit_logs":           "Route all agent traffic through the proxy so every interaction is logged",
	"has_documentation":        "Generate technical documentation with the report generator",
	"has_human_oversight":      "Add human-in-the-loop review for high-risk decisions with override mechanisms",
	"has_qms":                  "Document the quality management system including testing, monitoring and improvement cycles",
	"has_risk_management":      "Establish continuous risk assessment; route traffic through the proxy for risk scoring",
	"has_technical_docs":       "Generate Annex IV documentation with the report generator",
	"phi_disclosure_tracking":  "Enable proxy logging for all PHI-touching agents so every disclosure is traceable",
	"has_access_controls":      "Implement role-based access control and document it in the system architecture",
	"has_encryption":           "Ensure all AI API calls use TLS 1.2+ and field-level encryption for PHI",
	"has_policy_docs":          "Create and document AI governance policies; review quarterly",
	"has_baa":                  "Execute Business Associate Agreements with model providers before using PHI",
	"has_decision_audit_trail": "Log all AI-assisted financial decisions with inputs, outputs and approver",
	"has_internal_controls":    "Document AI controls in the SOX compliance framework",
	"has_retention_policy":     "Configure 7-year retention for interaction records",
	"has_change_management":    "Track model versions and document each model update",
}

// AgentDirectory resolves the agent under check.
type AgentDirectory interface {
	GetAgent(ctx context.Context, id string) (*storage.Agent, error)
}

// StatsSource aggregates the agent's audit history.
type StatsSource interface {
	AgentStats(ctx context.Context, agentID string, since time.Time) (*storage.AgentStats, error)
}

// DocSource reports how many generated documents exist for an agent.
type DocSource interface {
	CountReports(ctx context.Context, agentID, reportType string) (int, error)
}

// Report is one completed check, ready to persist and return.
type Report struct {
	storage.ComplianceCheck

	PeriodStart       time.Time `json:"period_start"`
	PeriodEnd         time.Time `json:"period_end"`
	TotalInteractions int       `json:"total_interactions"`
	Flagged           int       `json:"flagged_interactions"`
	SensitiveCount    int       `json:"pii_exposures"`
	HighRiskCount     int       `json:"high_risk_interactions"`
}

// Engine evaluates the rule tables. Read-only over the audit history.
type Engine struct {
	agents AgentDirectory
	stats  StatsSource
	docs   DocSource
	checks storage.ComplianceStore
}

// NewEngine wires the engine to its stores.
func NewEngine(agents AgentDirectory, stats StatsSource, docs DocSource, checks storage.ComplianceStore) *Engine {
	return &Engine{agents: agents, stats: stats, docs: docs, checks: checks}
}

// Check runs one regulation's rule table over the agent's last daysBack days
// and persists the result.
func (e *Engine) Check(ctx context.Context, agentID string, regulation Regulation, daysBack int) (*Report, error) {
	rules, ok := regulationRules[regulation]
	if !ok {
		return nil, fmt.Errorf("unsupported regulation %q", regulation)
	}
	if daysBack <= 0 {
		daysBack = 30
	}

	agent, err := e.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}

	periodEnd := time.Now().UTC()
	periodStart := periodEnd.AddDate(0, 0, -daysBack)
	stats, err := e.stats.AgentStats(ctx, agentID, periodStart)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate audit stats: %w", err)
	}

	var findings []storage.Finding
	var score, maxScore float64
	for _, rule := range rules {
		maxScore += rule.Weight
		passed, evidence, err := e.evaluate(ctx, rule.Check, agent, stats)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate %s: %w", rule.Code, err)
		}
		if passed {
			score += rule.Weight
			continue
		}
		score -= rule.Weight
		findings = append(findings, storage.Finding{
			Code:        rule.Code,
			Title:       rule.Title,
			Description: rule.Description,
			Severity:    rule.Severity,
			Article:     rule.Article,
			Evidence:    evidence,
			Remediation: remediations[rule.Check],
		})
	}

	overall := clamp(score/maxScore*100, 0, 100)

	report := &Report{
		ComplianceCheck: storage.ComplianceCheck{
			ID:              uuid.NewString(),
			AgentID:         agentID,
			CheckDate:       periodEnd,
			Regulation:      string(regulation),
			Score:           round1(overall),
			Grade:           grade(overall),
			Summary:         summarize(overall, findings, stats, regulation),
			Findings:        findings,
			Recommendations: recommend(findings, stats),
		},
		PeriodStart:       periodStart,
		PeriodEnd:         periodEnd,
		TotalInteractions: stats.Total,
		Flagged:           stats.Flagged,
		SensitiveCount:    stats.Sensitive,
		HighRiskCount:     stats.HighRisk,
	}

	if err := e.checks.SaveComplianceCheck(ctx, &report.ComplianceCheck); err != nil {
		return nil, fmt.Errorf("failed to persist compliance check: %w", err)
	}
	return report, nil
}

// evaluate runs one named predicate. Attestation checks read registration
// flags; logging checks read the aggregated history; documentation checks
// count generated reports.
func (e *Engine) evaluate(ctx context.Context, check string, agent *storage.Agent, stats *storage.AgentStats) (bool, []string, error) {
	a := agent.Attestations
	switch check {
	case "has_audit_logs", "has_decision_audit_trail":
		return stats.Total > 0, []string{fmt.Sprintf("logged interactions: %d", stats.Total)}, nil
	case "has_risk_management":
		// The proxy itself is the risk scoring system; logs prove it ran.
		return stats.Total > 0, []string{fmt.Sprintf("risk-scored interactions: %d", stats.Total)}, nil
	case "phi_disclosure_tracking":
		var evidence []string
		if stats.Sensitive > 0 {
			evidence = []string{fmt.Sprintf("sensitive-data disclosures detected and logged: %d", stats.Sensitive)}
		}
		return stats.Total > 0, evidence, nil
	case "has_documentation", "has_technical_docs":
		n, err := e.docs.CountReports(ctx, agent.ID, "annex_iv")
		if err != nil {
			return false, nil, err
		}
		return n > 0, nil, nil
	case "has_human_oversight":
		return a.HumanOversight, nil, nil
	case "has_qms":
		return a.QMS, nil, nil
	case "has_access_controls":
		return a.AccessControls, nil, nil
	case "has_encryption":
		return a.Encryption, nil, nil
	case "has_policy_docs":
		return a.PolicyDocs, nil, nil
	case "has_baa":
		return a.BAA, nil, nil
	case "has_internal_controls":
		return a.InternalControls, nil, nil
	case "has_retention_policy":
		return a.RetentionPolicy, nil, nil
	case "has_change_management":
		return a.ChangeManagement, nil, nil
	default:
		return false, nil, nil
	}
}

func grade(score float64) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

func recommend(findings []storage.Finding, stats *storage.AgentStats) []string {
	var critical, high int
	for _, f := range findings {
		switch f.Severity {
		case SeverityCritical:
			critical++
		case SeverityHigh:
			high++
		}
	}

	var recs []string
	if critical > 0 {
		recs = append(recs, fmt.Sprintf("URGENT: resolve %d critical findings before enterprise deployment", critical))
	}
	if high > 0 {
		recs = append(recs, fmt.Sprintf("Address %d high-severity gaps within 30 days", high))
	}
	if stats.Sensitive > 0 {
		recs = append(recs, fmt.Sprintf("Implement sensitive-data masking: %d exposures detected in AI interactions", stats.Sensitive))
	}
	if stats.HighRisk > 0 {
		recs = append(recs, fmt.Sprintf("Review %d high-risk interactions for appropriate human oversight", stats.HighRisk))
	}
	recs = append(recs, "Schedule monthly automated compliance reviews")
	return recs
}

func summarize(score float64, findings []storage.Finding, stats *storage.AgentStats, regulation Regulation) string {
	var critical, high int
	for _, f := range findings {
		switch f.Severity {
		case SeverityCritical:
			critical++
		case SeverityHigh:
			high++
		}
	}

	var status, action string
	switch {
	case score >= 80:
		status = "substantially compliant"
		action = "Minor gaps identified. Focus on closing remaining findings."
	case score >= 60:
		status = "partially compliant"
		action = "Significant gaps require attention before audit."
	default:
		status = "non-compliant"
		action = "Immediate action required. Do not deploy to regulated environments."
	}

	return fmt.Sprintf(
		"This AI agent is currently %s with %s requirements, achieving a compliance score of %.1f/100. "+
			"Analysis of %d logged interactions identified %d findings (%d critical, %d high severity). %s",
		status, regulation, score, stats.Total, len(findings), critical, high, action)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
