// Package report generates compliance documents (Annex IV technical
// documentation, audit summaries) as markdown, in the background.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentguard/agentguard/internal/ledger"
	"github.com/agentguard/agentguard/internal/storage"
)

// Report types.
const (
	TypeAnnexIV      = "annex_iv"
	TypeAuditSummary = "audit_summary"
)

// Generator builds report documents from the stores. Generation runs on a
// background goroutine; the report row tracks its progress.
type Generator struct {
	agents  storage.AgentStore
	stats   storage.StatsStore
	checks  storage.ComplianceStore
	reports storage.ReportStore
	ledger  ledger.Ledger
	logger  *slog.Logger
}

// NewGenerator wires the generator to its stores.
func NewGenerator(agents storage.AgentStore, stats storage.StatsStore, checks storage.ComplianceStore, reports storage.ReportStore, led ledger.Ledger, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{agents: agents, stats: stats, checks: checks, reports: reports, ledger: led, logger: logger}
}

// Generate creates the report row and starts background generation. The
// returned report is in the generating state.
func (g *Generator) Generate(ctx context.Context, agentID, reportType string, periodDays int) (*storage.Report, error) {
	switch reportType {
	case TypeAnnexIV, TypeAuditSummary:
	default:
		return nil, fmt.Errorf("unsupported report type %q", reportType)
	}
	if _, err := g.agents.GetAgent(ctx, agentID); err != nil {
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	if periodDays <= 0 {
		periodDays = 30
	}

	report := &storage.Report{
		ID:      uuid.NewString(),
		AgentID: agentID,
		Type:    reportType,
	}
	if err := g.reports.CreateReport(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to create report: %w", err)
	}

	go g.run(context.WithoutCancel(ctx), report.ID, agentID, reportType, periodDays)
	return report, nil
}

// Get loads a report row, whatever its state.
func (g *Generator) Get(ctx context.Context, id string) (*storage.Report, error) {
	return g.reports.GetReport(ctx, id)
}

func (g *Generator) run(ctx context.Context, reportID, agentID, reportType string, periodDays int) {
	content, err := g.build(ctx, agentID, reportType, periodDays)
	if err != nil {
		g.logger.Error("report generation failed",
			"report_id", reportID, "agent_id", agentID, "type", reportType, "error", err)
		if ferr := g.reports.FinishReport(ctx, reportID, storage.ReportFailed, ""); ferr != nil {
			g.logger.Error("failed to mark report failed", "report_id", reportID, "error", ferr)
		}
		return
	}
	if err := g.reports.FinishReport(ctx, reportID, storage.ReportCompleted, content); err != nil {
		g.logger.Error("failed to store report content", "report_id", reportID, "error", err)
	}
}

func (g *Generator) build(ctx context.Context, agentID, reportType string, periodDays int) (string, error) {
	agent, err := g.agents.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}

	switch reportType {
	case TypeAnnexIV:
		checks, err := g.checks.ListComplianceChecks(ctx, agentID, 1)
		if err != nil {
			return "", err
		}
		var latest *storage.ComplianceCheck
		if len(checks) > 0 {
			latest = checks[0]
		}
		return buildAnnexIV(agent, latest), nil

	case TypeAuditSummary:
		since := time.Now().UTC().AddDate(0, 0, -periodDays)
		stats, err := g.stats.AgentStats(ctx, agentID, since)
		if err != nil {
			return "", err
		}
		verify, err := g.ledger.Verify(ctx, agentID)
		if err != nil {
			return "", err
		}
		return buildAuditSummary(agent, stats, verify, periodDays), nil
	}
	return "", fmt.Errorf("unsupported report type %q", reportType)
}

func buildAnnexIV(agent *storage.Agent, check *storage.ComplianceCheck) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Annex IV Technical Documentation\n\n")
	fmt.Fprintf(&b, "Generated %s\n\n", time.Now().UTC().Format("2006-01-02"))

	fmt.Fprintf(&b, "## 1. General description of the AI system\n\n")
	fmt.Fprintf(&b, "- **Name:** %s\n", agent.Name)
	if agent.Description != "" {
		fmt.Fprintf(&b, "- **Intended purpose:** %s\n", agent.Description)
	}
	fmt.Fprintf(&b, "- **Provider:** %s\n", agent.Provider)
	fmt.Fprintf(&b, "- **Model:** %s\n", agent.Model)
	fmt.Fprintf(&b, "- **Declared risk level:** %s\n", agent.RiskLevel)
	if len(agent.RegulationScope) > 0 {
		fmt.Fprintf(&b, "- **Regulation scope:** %s\n", strings.Join(agent.RegulationScope, ", "))
	}
	fmt.Fprintf(&b, "- **Registered:** %s\n\n", agent.CreatedAt.Format("2006-01-02"))

	fmt.Fprintf(&b, "## 2. Record keeping\n\n")
	fmt.Fprintf(&b, "Every model interaction is intercepted and written to a per-agent "+
		"hash-chained audit ledger before further processing. Records store payload "+
		"digests only; prompt and response text never persist.\n\n")

	fmt.Fprintf(&b, "## 3. Compliance assessment\n\n")
	if check == nil {
		fmt.Fprintf(&b, "No compliance check has been run for this agent yet.\n")
		return b.String()
	}
	fmt.Fprintf(&b, "- **Regulation:** %s\n", check.Regulation)
	fmt.Fprintf(&b, "- **Checked:** %s\n", check.CheckDate.Format("2006-01-02"))
	fmt.Fprintf(&b, "- **Score:** %.1f/100 (grade %s)\n\n", check.Score, check.Grade)
	fmt.Fprintf(&b, "%s\n\n", check.Summary)

	if len(check.Findings) > 0 {
		fmt.Fprintf(&b, "### Open findings\n\n")
		fmt.Fprintf(&b, "| Code | Title | Severity | Reference | Remediation |\n")
		fmt.Fprintf(&b, "|------|-------|----------|-----------|-------------|\n")
		for _, f := range check.Findings {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
				f.Code, f.Title, f.Severity, f.Article, f.Remediation)
		}
		fmt.Fprintf(&b, "\n")
	}
	if len(check.Recommendations) > 0 {
		fmt.Fprintf(&b, "### Recommendations\n\n")
		for _, r := range check.Recommendations {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	return b.String()
}

func buildAuditSummary(agent *storage.Agent, stats *storage.AgentStats, verify ledger.VerifyResult, periodDays int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Audit Summary: %s\n\n", agent.Name)
	fmt.Fprintf(&b, "Period: last %d days, generated %s\n\n",
		periodDays, time.Now().UTC().Format("2006-01-02"))

	fmt.Fprintf(&b, "## Interaction volume\n\n")
	fmt.Fprintf(&b, "- **Total interactions:** %d\n", stats.Total)
	fmt.Fprintf(&b, "- **With sensitive data:** %d\n", stats.Sensitive)
	fmt.Fprintf(&b, "- **High or unacceptable risk:** %d\n", stats.HighRisk)
	fmt.Fprintf(&b, "- **With compliance flags:** %d\n", stats.Flagged)
	if !stats.FirstSeen.IsZero() {
		fmt.Fprintf(&b, "- **Activity window:** %s to %s\n",
			stats.FirstSeen.Format(time.RFC3339), stats.LastSeen.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "\n## Ledger integrity\n\n")
	if verify.Intact {
		fmt.Fprintf(&b, "Hash chain verified over %d records: **intact**.\n", verify.Records)
	} else {
		fmt.Fprintf(&b, "Hash chain verification FAILED at sequence %d of %d records. "+
			"The ledger has been altered after the fact; treat downstream records as unverified.\n",
			verify.FirstBadSeq, verify.Records)
	}
	return b.String()
}
