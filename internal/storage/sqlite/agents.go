package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentguard/agentguard/internal/storage"
)

func (s *Store) CreateAgent(ctx context.Context, agent *storage.Agent) error {
	agent.CreatedAt = time.Now().UTC()
	agent.UpdatedAt = agent.CreatedAt
	agent.Active = true

	scope, err := json.Marshal(emptyIfNil(agent.RegulationScope))
	if err != nil {
		return fmt.Errorf("failed to marshal regulation scope: %w", err)
	}
	attest, err := json.Marshal(agent.Attestations)
	if err != nil {
		return fmt.Errorf("failed to marshal attestations: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, description, provider, model, risk_level,
			regulation_scope, attestations, created_at, updated_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		agent.ID, agent.Name, agent.Description, agent.Provider, agent.Model,
		agent.RiskLevel, string(scope), string(attest),
		agent.CreatedAt.Format(time.RFC3339Nano), agent.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*storage.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, provider, model, risk_level,
			regulation_scope, attestations, created_at, updated_at, is_active
		FROM agents WHERE id = ?`, id)

	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]*storage.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, provider, model, risk_level,
			regulation_scope, attestations, created_at, updated_at, is_active
		FROM agents WHERE is_active = 1 ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []*storage.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func (s *Store) DeactivateAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET is_active = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent %s not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*storage.Agent, error) {
	var agent storage.Agent
	var desc sql.NullString
	var scope, attest, createdAt, updatedAt string
	var active int

	if err := row.Scan(&agent.ID, &agent.Name, &desc, &agent.Provider, &agent.Model,
		&agent.RiskLevel, &scope, &attest, &createdAt, &updatedAt, &active); err != nil {
		return nil, err
	}

	agent.Description = desc.String
	agent.Active = active == 1
	if err := json.Unmarshal([]byte(scope), &agent.RegulationScope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal regulation scope: %w", err)
	}
	if err := json.Unmarshal([]byte(attest), &agent.Attestations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attestations: %w", err)
	}

	var err error
	if agent.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if agent.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &agent, nil
}
