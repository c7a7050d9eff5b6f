// Package ledger defines the append-only, per-agent hash-chained audit log of
// proxied AI interactions. Records never carry raw payload text, only content
// digests and derived classification metadata.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ChainSeed is the fixed predecessor digest for the first record of every
// agent's chain: 32 zero bytes, hex encoded.
const ChainSeed = "0000000000000000000000000000000000000000000000000000000000000000"

// UpstreamStatus classifies the outcome of the proxied upstream call.
type UpstreamStatus string

const (
	StatusSuccess        UpstreamStatus = "success"
	StatusUpstreamError  UpstreamStatus = "upstream_error"
	StatusTimeout        UpstreamStatus = "timeout"
	StatusTransportError UpstreamStatus = "transport_error"
	StatusAborted        UpstreamStatus = "aborted"
)

// Record is one immutable audit entry for a single proxied call. Seq and
// ChainHash are assigned by the ledger at append time; everything else is set
// by the interceptor.
type Record struct {
	// Seq is monotonic per agent, starting at 1.
	Seq int64 `json:"seq"`
	// ID is a globally unique identifier for external reference.
	ID      string    `json:"id"`
	AgentID string    `json:"agent_id"`
	Time    time.Time `json:"timestamp"`

	Provider     string `json:"provider"`
	EndpointPath string `json:"endpoint_path"`
	Model        string `json:"model"`

	// SHA-256 digests of the request and response text; empty when the
	// corresponding payload was absent.
	RequestHash  string `json:"request_hash"`
	ResponseHash string `json:"response_hash"`

	DetectedCategories []string `json:"detected_categories"`
	RiskTier           string   `json:"risk_tier"`
	TriggeredFlags     []string `json:"triggered_flags"`

	PromptTokens   int            `json:"prompt_tokens"`
	ResponseTokens int            `json:"response_tokens"`
	LatencyMS      int64          `json:"latency_ms"`
	UpstreamStatus UpstreamStatus `json:"upstream_status"`
	HTTPStatus     int            `json:"http_status"`

	ChainHash string `json:"chain_hash"`
}

// HashText returns the hex SHA-256 of a payload's text, or "" for empty text.
func HashText(text string) string {
	if text == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// canonical produces the deterministic field serialization that the chain
// hash covers. Any change here breaks verification of existing chains.
func canonical(r *Record) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(r.Seq, 10))
	b.WriteByte('\n')
	b.WriteString(r.ID)
	b.WriteByte('\n')
	b.WriteString(r.AgentID)
	b.WriteByte('\n')
	b.WriteString(r.Time.UTC().Format(time.RFC3339Nano))
	b.WriteByte('\n')
	b.WriteString(r.Provider)
	b.WriteByte('\n')
	b.WriteString(r.EndpointPath)
	b.WriteByte('\n')
	b.WriteString(r.Model)
	b.WriteByte('\n')
	b.WriteString(r.RequestHash)
	b.WriteByte('\n')
	b.WriteString(r.ResponseHash)
	b.WriteByte('\n')
	b.WriteString(strings.Join(r.DetectedCategories, ","))
	b.WriteByte('\n')
	b.WriteString(r.RiskTier)
	b.WriteByte('\n')
	b.WriteString(strings.Join(r.TriggeredFlags, ","))
	b.WriteByte('\n')
	b.WriteString(strconv.Itoa(r.PromptTokens))
	b.WriteByte('\n')
	b.WriteString(strconv.Itoa(r.ResponseTokens))
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(r.LatencyMS, 10))
	b.WriteByte('\n')
	b.WriteString(string(r.UpstreamStatus))
	b.WriteByte('\n')
	b.WriteString(strconv.Itoa(r.HTTPStatus))
	return b.String()
}

// ComputeChainHash derives a record's chain hash from its content and the
// predecessor's chain hash (ChainSeed for the first record of an agent).
func ComputeChainHash(r *Record, prevChainHash string) string {
	h := sha256.New()
	h.Write([]byte(canonical(r)))
	h.Write([]byte{'\n'})
	h.Write([]byte(prevChainHash))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain recomputes the chain over records (which must be in Seq order)
// and returns the index of the first corrupt record, or -1 when intact.
func VerifyChain(records []*Record) int {
	prev := ChainSeed
	for i, r := range records {
		if ComputeChainHash(r, prev) != r.ChainHash {
			return i
		}
		prev = r.ChainHash
	}
	return -1
}

// VerifyResult reports the outcome of a full-chain verification.
type VerifyResult struct {
	AgentID string `json:"agent_id"`
	Records int    `json:"records"`
	Intact  bool   `json:"intact"`
	// FirstBadSeq is the Seq of the first corrupt record when not intact.
	FirstBadSeq int64 `json:"first_bad_seq,omitempty"`
}

func (v VerifyResult) String() string {
	if v.Intact {
		return fmt.Sprintf("chain intact (%d records)", v.Records)
	}
	return fmt.Sprintf("chain broken at seq %d (%d records)", v.FirstBadSeq, v.Records)
}
