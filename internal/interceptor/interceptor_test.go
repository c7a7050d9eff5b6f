package interceptor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentguard/agentguard/internal/ledger"
	"github.com/agentguard/agentguard/internal/ledger/memory"
	"github.com/agentguard/agentguard/internal/storage"
	"github.com/agentguard/agentguard/internal/upstream"
)

type stubDirectory struct {
	agents map[string]*storage.Agent
}

func (d *stubDirectory) GetAgent(_ context.Context, id string) (*storage.Agent, error) {
	agent, ok := d.agents[id]
	if !ok {
		return nil, errors.New("agent not found")
	}
	return agent, nil
}

type harness struct {
	interceptor *Interceptor
	ledger      *memory.Store
	upstream    *httptest.Server
}

func newHarness(t *testing.T, upstreamHandler http.HandlerFunc, opts ...Option) *harness {
	t.Helper()

	srv := httptest.NewServer(upstreamHandler)
	t.Cleanup(srv.Close)

	led := memory.New()
	led.RegisterAgent("agent-001")

	dir := &stubDirectory{agents: map[string]*storage.Agent{
		"agent-001": {ID: "agent-001", Name: "test", Provider: "openai", Model: "gpt-4o-mini", RiskLevel: "minimal", Active: true},
	}}

	fwd := upstream.New(map[string]string{"openai": "sk-test"},
		upstream.WithBaseURL("openai", srv.URL),
		upstream.WithMaxRetries(0))

	return &harness{
		interceptor: New(dir, led, fwd, opts...),
		ledger:      led,
		upstream:    srv,
	}
}

func proxyRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/openai/v1/chat/completions", strings.NewReader(body))
	req.Header.Set(AgentIDHeader, "agent-001")
	req.Header.Set("Content-Type", "application/json")
	return req
}

func records(t *testing.T, h *harness) []*ledger.Record {
	t.Helper()
	recs, err := h.ledger.Read(context.Background(), "agent-001", ledger.ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return recs
}

func chatRequestBody(text string) string {
	return `{"model":"gpt-4o-mini","messages":[{"role":"user","content":` + jsonString(text) + `}]}`
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

const cleanChatResponse = `{"id":"chatcmpl-1","model":"gpt-4o-mini",` +
	`"choices":[{"message":{"role":"assistant","content":"Understood."}}],` +
	`"usage":{"prompt_tokens":12,"completion_tokens":3}}`

func TestHandle_SensitivePromptRecorded(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, cleanChatResponse)
	})

	rr := httptest.NewRecorder()
	h.interceptor.Routes().ServeHTTP(rr, proxyRequest(chatRequestBody("My SSN is 123-45-6789")))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	recs := records(t, h)
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	rec := recs[0]
	if len(rec.DetectedCategories) != 1 || rec.DetectedCategories[0] != "national_id" {
		t.Errorf("DetectedCategories = %v, want [national_id]", rec.DetectedCategories)
	}
	if rec.RiskTier != "high" {
		t.Errorf("RiskTier = %q, want high", rec.RiskTier)
	}
	hasFlag := func(want string) bool {
		for _, f := range rec.TriggeredFlags {
			if f == want {
				return true
			}
		}
		return false
	}
	if !hasFlag("EU-AI-ACT-ART12") || !hasFlag("HIPAA-164-502") {
		t.Errorf("TriggeredFlags = %v, want ART12 and HIPAA flags", rec.TriggeredFlags)
	}
	if rec.UpstreamStatus != ledger.StatusSuccess {
		t.Errorf("UpstreamStatus = %q", rec.UpstreamStatus)
	}
	if rec.PromptTokens != 12 || rec.ResponseTokens != 3 {
		t.Errorf("tokens = %d/%d, want usage passthrough 12/3", rec.PromptTokens, rec.ResponseTokens)
	}
	if strings.Contains(rec.RequestHash, "123-45-6789") || rec.RequestHash == "" {
		t.Error("request hash missing or leaking plaintext")
	}
}

func TestHandle_MissingAgentHeaderRejectedWithoutUpstreamContact(t *testing.T) {
	var upstreamCalls atomic.Int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
	})

	req := httptest.NewRequest(http.MethodPost, "/openai/v1/chat/completions", strings.NewReader("{}"))
	rr := httptest.NewRecorder()
	h.interceptor.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
	if upstreamCalls.Load() != 0 {
		t.Error("upstream contacted for unauthenticated call")
	}
	if len(records(t, h)) != 0 {
		t.Error("record written for rejected call")
	}

	var envelope struct {
		Error struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "unknown_agent" {
		t.Errorf("error code = %q", envelope.Error.Code)
	}
}

func TestHandle_UnknownAgentRejected(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {})

	req := proxyRequest(chatRequestBody("hello"))
	req.Header.Set(AgentIDHeader, "ghost")
	rr := httptest.NewRecorder()
	h.interceptor.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
	if len(records(t, h)) != 0 {
		t.Error("record written for unknown agent")
	}
}

func TestHandle_DeactivatedAgentRejected(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {})
	h.interceptor.agents.(*stubDirectory).agents["agent-001"].Active = false

	rr := httptest.NewRecorder()
	h.interceptor.Routes().ServeHTTP(rr, proxyRequest(chatRequestBody("hello")))

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
	if len(records(t, h)) != 0 {
		t.Error("record written for deactivated agent")
	}
}

func TestHandle_UnknownProviderRejected(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodPost, "/mistral/v1/chat/completions", strings.NewReader("{}"))
	req.Header.Set(AgentIDHeader, "agent-001")
	rr := httptest.NewRecorder()
	h.interceptor.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
	if len(records(t, h)) != 0 {
		t.Error("record written for unsupported provider")
	}
}

func TestHandle_UpstreamTimeoutRecorded(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}, WithUpstreamTimeout(30*time.Millisecond))

	rr := httptest.NewRecorder()
	h.interceptor.Routes().ServeHTTP(rr, proxyRequest(chatRequestBody("My SSN is 123-45-6789")))

	if rr.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rr.Code)
	}

	recs := records(t, h)
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.UpstreamStatus != ledger.StatusTimeout {
		t.Errorf("UpstreamStatus = %q, want timeout", rec.UpstreamStatus)
	}
	// Risk is computed over the request payload alone.
	if rec.RiskTier != "high" || rec.ResponseHash != "" {
		t.Errorf("RiskTier = %q, ResponseHash = %q", rec.RiskTier, rec.ResponseHash)
	}
}

func TestHandle_TransportErrorRecorded(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {})
	h.upstream.Close() // nothing listens anymore

	rr := httptest.NewRecorder()
	h.interceptor.Routes().ServeHTTP(rr, proxyRequest(chatRequestBody("hello")))

	if rr.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rr.Code)
	}
	recs := records(t, h)
	if len(recs) != 1 || recs[0].UpstreamStatus != ledger.StatusTransportError {
		t.Fatalf("records = %+v", recs)
	}
}

func TestHandle_UpstreamErrorRelayedAndRecorded(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"type":"rate_limit","message":"slow down"}}`)
	})

	rr := httptest.NewRecorder()
	h.interceptor.Routes().ServeHTTP(rr, proxyRequest(chatRequestBody("hello")))

	// Non-2xx upstream answers pass through untouched.
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "slow down") {
		t.Errorf("body = %q", rr.Body.String())
	}

	recs := records(t, h)
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].UpstreamStatus != ledger.StatusUpstreamError || recs[0].HTTPStatus != 429 {
		t.Errorf("record = %+v", recs[0])
	}
}

func TestHandle_SequentialCallsChain(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, cleanChatResponse)
	})

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		h.interceptor.Routes().ServeHTTP(rr, proxyRequest(chatRequestBody("plain question")))
		if rr.Code != http.StatusOK {
			t.Fatalf("call %d status = %d", i, rr.Code)
		}
	}

	recs := records(t, h)
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	for _, rec := range recs {
		if rec.RiskTier != "minimal" {
			t.Errorf("seq %d RiskTier = %q, want minimal", rec.Seq, rec.RiskTier)
		}
	}
	if recs[1].ChainHash != ledger.ComputeChainHash(recs[1], recs[0].ChainHash) {
		t.Error("second record does not chain from the first")
	}
}

func TestHandle_StreamingMirroredAndReassembled(t *testing.T) {
	chunks := []string{
		`data: {"choices":[{"delta":{"content":"My email is "}}]}` + "\n\n",
		`data: {"choices":[{"delta":{"content":"bob@example.com"}}]}` + "\n\n",
		`data: {"usage":{"prompt_tokens":5,"completion_tokens":7},"choices":[]}` + "\n\n",
		"data: [DONE]\n\n",
	}
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range chunks {
			io.WriteString(w, chunk)
			flusher.Flush()
		}
	})

	rr := httptest.NewRecorder()
	h.interceptor.Routes().ServeHTTP(rr, proxyRequest(chatRequestBody("what is your email")))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	// Callers get the raw SSE bytes, unmodified.
	if got, want := rr.Body.String(), strings.Join(chunks, ""); got != want {
		t.Errorf("relayed stream = %q, want %q", got, want)
	}

	recs := records(t, h)
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	rec := recs[0]
	// Classification saw the reassembled text, not individual chunks.
	if len(rec.DetectedCategories) != 1 || rec.DetectedCategories[0] != "email" {
		t.Errorf("DetectedCategories = %v, want [email]", rec.DetectedCategories)
	}
	if rec.ResponseHash != ledger.HashText("My email is bob@example.com") {
		t.Error("response hash does not cover the reassembled stream text")
	}
	if rec.PromptTokens != 5 || rec.ResponseTokens != 7 {
		t.Errorf("tokens = %d/%d", rec.PromptTokens, rec.ResponseTokens)
	}
	if rec.UpstreamStatus != ledger.StatusSuccess {
		t.Errorf("UpstreamStatus = %q", rec.UpstreamStatus)
	}
}

type failingLedger struct {
	*memory.Store
}

func (f *failingLedger) Append(ctx context.Context, rec *ledger.Record) error {
	return ledger.ErrUnavailable
}

func TestHandle_LedgerFailureInvisibleToCaller(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, cleanChatResponse)
	})
	h.interceptor.ledger = &failingLedger{h.ledger}

	rr := httptest.NewRecorder()
	h.interceptor.Routes().ServeHTTP(rr, proxyRequest(chatRequestBody("hello")))

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, ledger failure leaked to caller", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Understood.") {
		t.Errorf("body = %q", rr.Body.String())
	}
}

func TestHandle_StrictAuditBlocksResponseOnAppendFailure(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, cleanChatResponse)
	}, WithStrictAudit(true))
	h.interceptor.ledger = &failingLedger{h.ledger}

	rr := httptest.NewRecorder()
	h.interceptor.Routes().ServeHTTP(rr, proxyRequest(chatRequestBody("hello")))

	if rr.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "audit_unavailable") {
		t.Errorf("body = %q, want audit_unavailable envelope", rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), "Understood.") {
		t.Error("upstream payload leaked despite strict audit failure")
	}
}

func TestHandle_StrictAuditAppendsBeforeRespond(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, cleanChatResponse)
	}, WithStrictAudit(true))

	rr := httptest.NewRecorder()
	h.interceptor.Routes().ServeHTTP(rr, proxyRequest(chatRequestBody("hello")))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if len(records(t, h)) != 1 {
		t.Fatal("strict mode did not record")
	}
}

func TestHandle_AnthropicResponseShape(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"model":"claude-sonnet-4","content":[{"type":"text","text":"Call me at 415-555-2671"}],"usage":{"input_tokens":9,"output_tokens":8}}`)
	})

	rr := httptest.NewRecorder()
	h.interceptor.Routes().ServeHTTP(rr, proxyRequest(`{"model":"claude-sonnet-4","system":"be terse","messages":[{"role":"user","content":[{"type":"text","text":"my number please"}]}]}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	recs := records(t, h)
	if len(recs) != 1 {
		t.Fatalf("got %d records", len(recs))
	}
	rec := recs[0]
	if len(rec.DetectedCategories) != 1 || rec.DetectedCategories[0] != "phone" {
		t.Errorf("DetectedCategories = %v, want [phone]", rec.DetectedCategories)
	}
	if rec.PromptTokens != 9 || rec.ResponseTokens != 8 {
		t.Errorf("tokens = %d/%d, want input/output usage 9/8", rec.PromptTokens, rec.ResponseTokens)
	}
	if rec.Model != "claude-sonnet-4" {
		t.Errorf("Model = %q", rec.Model)
	}
}

func TestHandle_NonJSONBodyStillForwardedAndRecorded(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"object":"list","data":[]}`)
	})

	req := httptest.NewRequest(http.MethodGet, "/openai/v1/models", nil)
	req.Header.Set(AgentIDHeader, "agent-001")
	rr := httptest.NewRecorder()
	h.interceptor.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	recs := records(t, h)
	if len(recs) != 1 {
		t.Fatalf("got %d records", len(recs))
	}
	if recs[0].RiskTier != "minimal" || recs[0].EndpointPath != "/v1/models" {
		t.Errorf("record = %+v", recs[0])
	}
}

func TestHandle_CaptureCapNeverTruncatesBufferedResponse(t *testing.T) {
	// Body well past the capture cap; the filler keeps the payload valid JSON
	// so parsing exercises the capped capture, not the full body.
	filler := strings.Repeat("x", 4096)
	bigResponse := `{"id":"chatcmpl-1","model":"gpt-4o-mini",` +
		`"choices":[{"message":{"role":"assistant","content":"` + filler + `"}}]}`

	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, bigResponse)
	}, WithMaxCaptureBytes(1024))

	rr := httptest.NewRecorder()
	h.interceptor.Routes().ServeHTTP(rr, proxyRequest(chatRequestBody("hello")))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := rr.Body.String(); got != bigResponse {
		t.Fatalf("caller received %d bytes, upstream sent %d: relay must mirror the full body",
			len(got), len(bigResponse))
	}

	recs := records(t, h)
	if len(recs) != 1 {
		t.Fatalf("got %d records", len(recs))
	}
	if recs[0].UpstreamStatus != ledger.StatusSuccess {
		t.Errorf("UpstreamStatus = %q", recs[0].UpstreamStatus)
	}
}
