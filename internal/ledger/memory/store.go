// Package memory is an in-memory Ledger used by tests and by deployments that
// opt out of durable storage (storage.type: memory).
package memory

import (
	"context"
	"sync"

	"github.com/agentguard/agentguard/internal/ledger"
)

// Store keeps one chain per agent in memory. Per-agent appends serialize on a
// per-chain mutex; different agents append concurrently.
var _ ledger.Ledger = (*Store)(nil)

type Store struct {
	mu     sync.RWMutex
	chains map[string]*chain
	agents map[string]bool
}

type chain struct {
	mu      sync.Mutex
	records []*ledger.Record
}

// New creates an empty in-memory ledger.
func New() *Store {
	return &Store{
		chains: make(map[string]*chain),
		agents: make(map[string]bool),
	}
}

// RegisterAgent makes agentID a valid append target.
func (s *Store) RegisterAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agentID] = true
}

// KnowsAgent reports whether agentID is registered.
func (s *Store) KnowsAgent(ctx context.Context, agentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agents[agentID], nil
}

func (s *Store) chainFor(agentID string) (*chain, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.agents[agentID] {
		return nil, false
	}
	c, ok := s.chains[agentID]
	if !ok {
		c = &chain{}
		s.chains[agentID] = c
	}
	return c, true
}

func (s *Store) Append(ctx context.Context, rec *ledger.Record) error {
	c, ok := s.chainFor(rec.AgentID)
	if !ok {
		return ledger.ErrUnknownAgent
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := ledger.ChainSeed
	rec.Seq = 1
	if n := len(c.records); n > 0 {
		tail := c.records[n-1]
		prev = tail.ChainHash
		rec.Seq = tail.Seq + 1
	}
	rec.ChainHash = ledger.ComputeChainHash(rec, prev)

	stored := *rec
	c.records = append(c.records, &stored)
	return nil
}

func (s *Store) Read(ctx context.Context, agentID string, opts ledger.ReadOptions) ([]*ledger.Record, error) {
	s.mu.RLock()
	c, ok := s.chains[agentID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*ledger.Record
	for _, r := range c.records {
		if r.Seq <= opts.AfterSeq {
			continue
		}
		if !ledger.TierAtLeast(r.RiskTier, opts.MinTier) {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

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
