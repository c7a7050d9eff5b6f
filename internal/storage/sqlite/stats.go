package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentguard/agentguard/internal/storage"
)

// AgentStats implements storage.StatsStore with SQL aggregates so the
// compliance engine never pages full histories into memory.
func (s *Store) AgentStats(ctx context.Context, agentID string, since time.Time) (*storage.AgentStats, error) {
	var stats storage.AgentStats
	var first, last sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN detected_categories != '[]' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN risk_tier IN ('high', 'unacceptable') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN triggered_flags != '[]' THEN 1 ELSE 0 END), 0),
			MIN(timestamp), MAX(timestamp)
		FROM interactions
		WHERE agent_id = ? AND timestamp >= ?`,
		agentID, since.UTC().Format(time.RFC3339Nano)).
		Scan(&stats.Total, &stats.Sensitive, &stats.HighRisk, &stats.Flagged, &first, &last)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent stats: %w", err)
	}

	if first.Valid {
		if stats.FirstSeen, err = time.Parse(time.RFC3339Nano, first.String); err != nil {
			return nil, fmt.Errorf("failed to parse first_seen: %w", err)
		}
	}
	if last.Valid {
		if stats.LastSeen, err = time.Parse(time.RFC3339Nano, last.String); err != nil {
			return nil, fmt.Errorf("failed to parse last_seen: %w", err)
		}
	}
	return &stats, nil
}

// FleetStats implements storage.StatsStore.
func (s *Store) FleetStats(ctx context.Context) (*storage.FleetStats, error) {
	var stats storage.FleetStats

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE is_active = 1`).Scan(&stats.Agents)
	if err != nil {
		return nil, fmt.Errorf("failed to count agents: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN detected_categories != '[]' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN risk_tier IN ('high', 'unacceptable') THEN 1 ELSE 0 END), 0)
		FROM interactions`).
		Scan(&stats.Interactions, &stats.Sensitive, &stats.HighRisk)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate interactions: %w", err)
	}

	// Average over each agent's most recent check only, so a frequently
	// re-checked agent does not dominate the fleet score.
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(overall_score), 0) FROM compliance_checks c
		WHERE check_date = (
			SELECT MAX(check_date) FROM compliance_checks WHERE agent_id = c.agent_id
		)`).Scan(&stats.AvgScore)
	if err != nil {
		return nil, fmt.Errorf("failed to average compliance scores: %w", err)
	}

	return &stats, nil
}
