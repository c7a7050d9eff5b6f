// Package sqlite is the durable backend for the audit ledger and the
// collaborator stores, built on modernc.org/sqlite via database/sql.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentguard/agentguard/internal/ledger"
	"github.com/agentguard/agentguard/internal/storage"
)

// Store implements ledger.Ledger plus the agent, stats, compliance and report
// stores over one SQLite database.
type Store struct {
	db *sql.DB

	// agentLocks serializes appends per agent so no two appends read the
	// same chain tail. Appends for different agents proceed concurrently.
	mu         sync.Mutex
	agentLocks map[string]*sync.Mutex
}

var (
	_ ledger.Ledger           = (*Store)(nil)
	_ storage.AgentStore      = (*Store)(nil)
	_ storage.StatsStore      = (*Store)(nil)
	_ storage.ComplianceStore = (*Store)(nil)
	_ storage.ReportStore     = (*Store)(nil)
)

// New opens (or creates) the database at dbPath and initializes the schema.
// synchronous=FULL because a successful ledger append must survive a crash.
// Pragmas ride the DSN so every pooled connection carries them; a plain Exec
// would only configure whichever connection happened to run it.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, agentLocks: make(map[string]*sync.Mutex)}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func dsn(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep +
		"_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=foreign_keys(1)"
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			risk_level TEXT NOT NULL DEFAULT 'minimal',
			regulation_scope TEXT NOT NULL DEFAULT '[]',
			attestations TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS interactions (
			agent_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			id TEXT NOT NULL UNIQUE,
			timestamp TEXT NOT NULL,
			provider TEXT NOT NULL,
			endpoint_path TEXT NOT NULL,
			model TEXT,
			request_hash TEXT,
			response_hash TEXT,
			detected_categories TEXT NOT NULL DEFAULT '[]',
			risk_tier TEXT NOT NULL,
			triggered_flags TEXT NOT NULL DEFAULT '[]',
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			response_tokens INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			upstream_status TEXT NOT NULL,
			http_status INTEGER NOT NULL DEFAULT 0,
			chain_hash TEXT NOT NULL,
			PRIMARY KEY (agent_id, seq),
			FOREIGN KEY (agent_id) REFERENCES agents(id)
		)`,
		`CREATE TABLE IF NOT EXISTS compliance_checks (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			check_date TEXT NOT NULL,
			regulation TEXT NOT NULL,
			overall_score REAL NOT NULL,
			grade TEXT NOT NULL,
			summary TEXT,
			findings TEXT NOT NULL DEFAULT '[]',
			recommendations TEXT NOT NULL DEFAULT '[]',
			FOREIGN KEY (agent_id) REFERENCES agents(id)
		)`,
		`CREATE TABLE IF NOT EXISTS reports (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			report_type TEXT NOT NULL,
			created_at TEXT NOT NULL,
			status TEXT NOT NULL,
			content TEXT,
			FOREIGN KEY (agent_id) REFERENCES agents(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_timestamp ON interactions(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_tier ON interactions(agent_id, risk_tier)`,
		`CREATE INDEX IF NOT EXISTS idx_compliance_agent ON compliance_checks(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_agent ON reports(agent_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lockFor(agentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.agentLocks[agentID]
	if !ok {
		l = &sync.Mutex{}
		s.agentLocks[agentID] = l
	}
	return l
}

// Append implements ledger.Ledger. The tail read and the insert happen inside
// one transaction while the per-agent lock is held, so the chain cannot fork.
func (s *Store) Append(ctx context.Context, rec *ledger.Record) error {
	l := s.lockFor(rec.AgentID)
	l.Lock()
	defer l.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ledger.ErrUnavailable, err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE id = ?`, rec.AgentID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%w: agent lookup: %v", ledger.ErrUnavailable, err)
	}
	if exists == 0 {
		return ledger.ErrUnknownAgent
	}

	prev := ledger.ChainSeed
	rec.Seq = 1
	var tailSeq int64
	var tailHash string
	err = tx.QueryRowContext(ctx,
		`SELECT seq, chain_hash FROM interactions WHERE agent_id = ? ORDER BY seq DESC LIMIT 1`,
		rec.AgentID).Scan(&tailSeq, &tailHash)
	switch {
	case err == sql.ErrNoRows:
		// first record for this agent, chain from the seed
	case err != nil:
		return fmt.Errorf("%w: tail read: %v", ledger.ErrUnavailable, err)
	default:
		prev = tailHash
		rec.Seq = tailSeq + 1
	}

	// Normalize the timestamp so the canonical serialization survives the
	// text round trip through the database.
	rec.Time = rec.Time.UTC()
	rec.ChainHash = ledger.ComputeChainHash(rec, prev)

	categories, err := json.Marshal(emptyIfNil(rec.DetectedCategories))
	if err != nil {
		return fmt.Errorf("failed to marshal categories: %w", err)
	}
	flags, err := json.Marshal(emptyIfNil(rec.TriggeredFlags))
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO interactions (agent_id, seq, id, timestamp, provider, endpoint_path, model,
			request_hash, response_hash, detected_categories, risk_tier, triggered_flags,
			prompt_tokens, response_tokens, latency_ms, upstream_status, http_status, chain_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.AgentID, rec.Seq, rec.ID, rec.Time.Format(time.RFC3339Nano),
		rec.Provider, rec.EndpointPath, rec.Model,
		rec.RequestHash, rec.ResponseHash, string(categories), rec.RiskTier, string(flags),
		rec.PromptTokens, rec.ResponseTokens, rec.LatencyMS,
		string(rec.UpstreamStatus), rec.HTTPStatus, rec.ChainHash)
	if err != nil {
		return fmt.Errorf("%w: insert: %v", ledger.ErrUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ledger.ErrUnavailable, err)
	}
	return nil
}

// Read implements ledger.Ledger.
func (s *Store) Read(ctx context.Context, agentID string, opts ledger.ReadOptions) ([]*ledger.Record, error) {
	query := `SELECT agent_id, seq, id, timestamp, provider, endpoint_path, model,
			request_hash, response_hash, detected_categories, risk_tier, triggered_flags,
			prompt_tokens, response_tokens, latency_ms, upstream_status, http_status, chain_hash
		FROM interactions WHERE agent_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{agentID, opts.AfterSeq}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ledger.ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*ledger.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if !ledger.TierAtLeast(rec.RiskTier, opts.MinTier) {
			continue
		}
		out = append(out, rec)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, rows.Err()
}

func scanRecord(rows *sql.Rows) (*ledger.Record, error) {
	var rec ledger.Record
	var ts, categories, flags, status string
	var model, reqHash, respHash sql.NullString

	if err := rows.Scan(&rec.AgentID, &rec.Seq, &rec.ID, &ts, &rec.Provider, &rec.EndpointPath,
		&model, &reqHash, &respHash, &categories, &rec.RiskTier, &flags,
		&rec.PromptTokens, &rec.ResponseTokens, &rec.LatencyMS, &status, &rec.HTTPStatus,
		&rec.ChainHash); err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	rec.Time = parsed
	rec.Model = model.String
	rec.RequestHash = reqHash.String
	rec.ResponseHash = respHash.String
	rec.UpstreamStatus = ledger.UpstreamStatus(status)

	if err := json.Unmarshal([]byte(categories), &rec.DetectedCategories); err != nil {
		return nil, fmt.Errorf("failed to unmarshal categories: %w", err)
	}
	if err := json.Unmarshal([]byte(flags), &rec.TriggeredFlags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flags: %w", err)
	}
	if len(rec.DetectedCategories) == 0 {
		rec.DetectedCategories = nil
	}
	if len(rec.TriggeredFlags) == 0 {
		rec.TriggeredFlags = nil
	}
	return &rec, nil
}

// Verify implements ledger.Ledger: a read-only recomputation of one agent's
// full chain.
func (s *Store) Verify(ctx context.Context, agentID string) (ledger.VerifyResult, error) {
	records, err := s.Read(ctx, agentID, ledger.ReadOptions{})
	if err != nil {
		return ledger.VerifyResult{}, err
	}

	res := ledger.VerifyResult{AgentID: agentID, Records: len(records), Intact: true}
	if bad := ledger.VerifyChain(records); bad >= 0 {
		res.Intact = false
		res.FirstBadSeq = records[bad].Seq
	}
	return res, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
