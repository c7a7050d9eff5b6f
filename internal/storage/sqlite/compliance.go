package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentguard/agentguard/internal/storage"
)

func (s *Store) SaveComplianceCheck(ctx context.Context, check *storage.ComplianceCheck) error {
	findings, err := json.Marshal(check.Findings)
	if err != nil {
		return fmt.Errorf("failed to marshal findings: %w", err)
	}
	recs, err := json.Marshal(emptyIfNil(check.Recommendations))
	if err != nil {
		return fmt.Errorf("failed to marshal recommendations: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO compliance_checks (id, agent_id, check_date, regulation,
			overall_score, grade, summary, findings, recommendations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		check.ID, check.AgentID, check.CheckDate.UTC().Format(time.RFC3339Nano),
		check.Regulation, check.Score, check.Grade, check.Summary,
		string(findings), string(recs))
	if err != nil {
		return fmt.Errorf("failed to save compliance check: %w", err)
	}
	return nil
}

func (s *Store) ListComplianceChecks(ctx context.Context, agentID string, limit int) ([]*storage.ComplianceCheck, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, check_date, regulation, overall_score, grade,
			summary, findings, recommendations
		FROM compliance_checks WHERE agent_id = ?
		ORDER BY check_date DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query compliance checks: %w", err)
	}
	defer rows.Close()

	var checks []*storage.ComplianceCheck
	for rows.Next() {
		var check storage.ComplianceCheck
		var date, findings, recs string
		var summary sql.NullString

		if err := rows.Scan(&check.ID, &check.AgentID, &date, &check.Regulation,
			&check.Score, &check.Grade, &summary, &findings, &recs); err != nil {
			return nil, fmt.Errorf("failed to scan compliance check: %w", err)
		}
		check.Summary = summary.String
		if check.CheckDate, err = time.Parse(time.RFC3339Nano, date); err != nil {
			return nil, fmt.Errorf("failed to parse check_date: %w", err)
		}
		if err := json.Unmarshal([]byte(findings), &check.Findings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal findings: %w", err)
		}
		if err := json.Unmarshal([]byte(recs), &check.Recommendations); err != nil {
			return nil, fmt.Errorf("failed to unmarshal recommendations: %w", err)
		}
		checks = append(checks, &check)
	}
	return checks, rows.Err()
}

// CountReports counts completed reports of one type for an agent. An empty
// reportType counts every type.
func (s *Store) CountReports(ctx context.Context, agentID, reportType string) (int, error) {
	query := `SELECT COUNT(*) FROM reports WHERE agent_id = ? AND status = ?`
	args := []any{agentID, storage.ReportCompleted}
	if reportType != "" {
		query += ` AND report_type = ?`
		args = append(args, reportType)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count reports: %w", err)
	}
	return n, nil
}

func (s *Store) CreateReport(ctx context.Context, report *storage.Report) error {
	report.CreatedAt = time.Now().UTC()
	report.Status = storage.ReportGenerating

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (id, agent_id, report_type, created_at, status, content)
		VALUES (?, ?, ?, ?, ?, '')`,
		report.ID, report.AgentID, report.Type,
		report.CreatedAt.Format(time.RFC3339Nano), report.Status)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	return nil
}

func (s *Store) GetReport(ctx context.Context, id string) (*storage.Report, error) {
	var report storage.Report
	var createdAt string
	var content sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, report_type, created_at, status, content
		FROM reports WHERE id = ?`, id).
		Scan(&report.ID, &report.AgentID, &report.Type, &createdAt, &report.Status, &content)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("report %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query report: %w", err)
	}

	report.Content = content.String
	if report.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return &report, nil
}

func (s *Store) FinishReport(ctx context.Context, id, status, content string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET status = ?, content = ? WHERE id = ?`, status, content, id)
	if err != nil {
		return fmt.Errorf("failed to finish report: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("report %s not found", id)
	}
	return nil
}
