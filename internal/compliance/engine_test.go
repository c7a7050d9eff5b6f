package compliance

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/agentguard/agentguard/internal/storage"
)

type stubStores struct {
	agent   *storage.Agent
	stats   *storage.AgentStats
	reports map[string]int
	saved   []*storage.ComplianceCheck
}

func (s *stubStores) GetAgent(_ context.Context, id string) (*storage.Agent, error) {
	if s.agent == nil || s.agent.ID != id {
		return nil, errors.New("agent not found")
	}
	return s.agent, nil
}

func (s *stubStores) AgentStats(_ context.Context, _ string, _ time.Time) (*storage.AgentStats, error) {
	return s.stats, nil
}

func (s *stubStores) CountReports(_ context.Context, _ string, reportType string) (int, error) {
	return s.reports[reportType], nil
}

func (s *stubStores) SaveComplianceCheck(_ context.Context, check *storage.ComplianceCheck) error {
	s.saved = append(s.saved, check)
	return nil
}

func (s *stubStores) ListComplianceChecks(_ context.Context, _ string, _ int) ([]*storage.ComplianceCheck, error) {
	return s.saved, nil
}

func newStubStores() *stubStores {
	return &stubStores{
		agent: &storage.Agent{
			ID:        "agent-001",
			Name:      "claims bot",
			RiskLevel: "high",
			Active:    true,
		},
		stats:   &storage.AgentStats{},
		reports: map[string]int{},
	}
}

func newEngine(s *stubStores) *Engine {
	return NewEngine(s, s, s, s)
}

func TestCheck_FullyAttestedAgentScoresA(t *testing.T) {
	s := newStubStores()
	s.agent.Attestations = storage.Attestations{
		HumanOversight: true, QMS: true, AccessControls: true,
		Encryption: true, PolicyDocs: true, BAA: true,
		InternalControls: true, RetentionPolicy: true, ChangeManagement: true,
	}
	s.stats = &storage.AgentStats{Total: 120, Sensitive: 0, HighRisk: 0}
	s.reports["annex_iv"] = 1

	report, err := newEngine(s).Check(context.Background(), "agent-001", RegulationEUAIAct, 30)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if report.Score != 100 || report.Grade != "A" {
		t.Errorf("score = %v grade = %q, want 100/A", report.Score, report.Grade)
	}
	if len(report.Findings) != 0 {
		t.Errorf("findings = %+v, want none", report.Findings)
	}
	if len(s.saved) != 1 {
		t.Error("check was not persisted")
	}
}

func TestCheck_NoLogsFailsAuditRules(t *testing.T) {
	s := newStubStores()

	report, err := newEngine(s).Check(context.Background(), "agent-001", RegulationEUAIAct, 30)
	if err != nil {
		t.Fatal(err)
	}
	if report.Grade != "F" {
		t.Errorf("grade = %q, want F for an unattested silent agent", report.Grade)
	}

	var codes []string
	for _, f := range report.Findings {
		codes = append(codes, f.Code)
	}
	joined := strings.Join(codes, ",")
	if !strings.Contains(joined, "EUAIA-ART12-001") {
		t.Errorf("findings %v missing record-keeping failure", codes)
	}
	for _, f := range report.Findings {
		if f.Remediation == "" {
			t.Errorf("finding %s has no remediation", f.Code)
		}
	}
}

func TestCheck_HIPAAUsesAttestations(t *testing.T) {
	s := newStubStores()
	s.stats = &storage.AgentStats{Total: 40, Sensitive: 3}
	s.agent.Attestations = storage.Attestations{
		AccessControls: true, Encryption: true, PolicyDocs: true, BAA: true,
	}

	report, err := newEngine(s).Check(context.Background(), "agent-001", RegulationHIPAA, 30)
	if err != nil {
		t.Fatal(err)
	}
	// Everything passes: PHI tracking via logs, the rest via attestations.
	if report.Score != 100 {
		t.Errorf("score = %v, findings = %+v", report.Score, report.Findings)
	}

	// Dropping the BAA attestation fails a critical rule.
	s.agent.Attestations.BAA = false
	report, err = newEngine(s).Check(context.Background(), "agent-001", RegulationHIPAA, 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Findings) != 1 || report.Findings[0].Code != "HIPAA-BAA" {
		t.Fatalf("findings = %+v, want single HIPAA-BAA", report.Findings)
	}
	if report.Findings[0].Severity != SeverityCritical {
		t.Errorf("severity = %q", report.Findings[0].Severity)
	}
	if !strings.Contains(strings.Join(report.Recommendations, " "), "URGENT") {
		t.Errorf("recommendations = %v, want urgent critical callout", report.Recommendations)
	}
}

func TestCheck_SOXRetention(t *testing.T) {
	s := newStubStores()
	s.stats = &storage.AgentStats{Total: 10}
	s.agent.Attestations = storage.Attestations{InternalControls: true, ChangeManagement: true}

	report, err := newEngine(s).Check(context.Background(), "agent-001", RegulationSOX, 30)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, f := range report.Findings {
		if f.Code == "SOX-802-001" {
			found = true
		}
	}
	if !found {
		t.Errorf("findings = %+v, want SOX-802-001 for missing retention policy", report.Findings)
	}
}

func TestCheck_UnknownRegulation(t *testing.T) {
	s := newStubStores()
	if _, err := newEngine(s).Check(context.Background(), "agent-001", Regulation("CCPA"), 30); err == nil {
		t.Fatal("Check() accepted an unsupported regulation")
	}
}

func TestCheck_UnknownAgent(t *testing.T) {
	s := newStubStores()
	if _, err := newEngine(s).Check(context.Background(), "ghost", RegulationEUAIAct, 30); err == nil {
		t.Fatal("Check() accepted an unknown agent")
	}
}

func TestGrade(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{95, "A"}, {85, "B"}, {75, "C"}, {65, "D"}, {30, "F"},
	}
	for _, tt := range tests {
		if got := grade(tt.score); got != tt.want {
			t.Errorf("grade(%v) = %q, want %q", tt.score, got, tt.want)
		}
	}
}
