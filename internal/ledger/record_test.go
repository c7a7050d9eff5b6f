package ledger

import (
	"testing"
	"time"
)

func sampleRecord(seq int64, agent string) *Record {
	return &Record{
		Seq:                seq,
		ID:                 "rec-1",
		AgentID:            agent,
		Time:               time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
		Provider:           "openai",
		EndpointPath:       "/v1/chat/completions",
		Model:              "gpt-4o-mini",
		RequestHash:        HashText("hello"),
		DetectedCategories: []string{"email"},
		RiskTier:           "limited",
		TriggeredFlags:     []string{"EU-AI-ACT-ART12", "GDPR-ART5"},
		LatencyMS:          42,
		UpstreamStatus:     StatusSuccess,
		HTTPStatus:         200,
	}
}

func TestComputeChainHash_Deterministic(t *testing.T) {
	a := sampleRecord(1, "agent-001")
	b := sampleRecord(1, "agent-001")

	if ComputeChainHash(a, ChainSeed) != ComputeChainHash(b, ChainSeed) {
		t.Fatal("identical records produced different chain hashes")
	}
}

func TestComputeChainHash_CoversEveryField(t *testing.T) {
	base := ComputeChainHash(sampleRecord(1, "agent-001"), ChainSeed)

	mutations := map[string]func(*Record){
		"seq":        func(r *Record) { r.Seq = 2 },
		"agent":      func(r *Record) { r.AgentID = "agent-002" },
		"time":       func(r *Record) { r.Time = r.Time.Add(time.Nanosecond) },
		"model":      func(r *Record) { r.Model = "gpt-4o" },
		"req hash":   func(r *Record) { r.RequestHash = HashText("other") },
		"categories": func(r *Record) { r.DetectedCategories = []string{"phone"} },
		"tier":       func(r *Record) { r.RiskTier = "high" },
		"flags":      func(r *Record) { r.TriggeredFlags = nil },
		"status":     func(r *Record) { r.UpstreamStatus = StatusTimeout },
		"http":       func(r *Record) { r.HTTPStatus = 504 },
	}

	for name, mutate := range mutations {
		r := sampleRecord(1, "agent-001")
		mutate(r)
		if ComputeChainHash(r, ChainSeed) == base {
			t.Errorf("mutating %s did not change the chain hash", name)
		}
	}
}

func TestComputeChainHash_DependsOnPredecessor(t *testing.T) {
	r := sampleRecord(2, "agent-001")
	if ComputeChainHash(r, ChainSeed) == ComputeChainHash(r, "ab"+ChainSeed[2:]) {
		t.Fatal("chain hash ignores predecessor")
	}
}

func TestVerifyChain(t *testing.T) {
	var records []*Record
	prev := ChainSeed
	for i := int64(1); i <= 5; i++ {
		r := sampleRecord(i, "agent-001")
		r.ID = HashText(string(rune(i)))
		r.ChainHash = ComputeChainHash(r, prev)
		prev = r.ChainHash
		records = append(records, r)
	}

	if bad := VerifyChain(records); bad != -1 {
		t.Fatalf("VerifyChain() = %d on intact chain", bad)
	}

	// Retroactive alteration of a middle record breaks verification at that
	// record.
	records[2].RiskTier = "minimal"
	if bad := VerifyChain(records); bad != 2 {
		t.Fatalf("VerifyChain() = %d after tampering record 2", bad)
	}
}

func TestHashText(t *testing.T) {
	if HashText("") != "" {
		t.Error("empty text must hash to empty string")
	}
	if HashText("a") == HashText("b") {
		t.Error("distinct texts collided")
	}
	if len(HashText("payload")) != 64 {
		t.Error("hash is not hex sha-256")
	}
}

func TestTierAtLeast(t *testing.T) {
	tests := []struct {
		tier, min string
		want      bool
	}{
		{"high", "", true},
		{"high", "limited", true},
		{"limited", "high", false},
		{"unacceptable", "high", true},
		{"bogus", "minimal", false},
	}
	for _, tt := range tests {
		if got := TierAtLeast(tt.tier, tt.min); got != tt.want {
			t.Errorf("TierAtLeast(%q, %q) = %v, want %v", tt.tier, tt.min, got, tt.want)
		}
	}
}
