// Package interceptor is the proxy core: it validates the calling agent,
// forwards the call upstream, mirrors the response to the caller while
// capturing it for classification, and appends exactly one audit record per
// attempted call.
package interceptor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentguard/agentguard/internal/classify"
	"github.com/agentguard/agentguard/internal/detect"
	"github.com/agentguard/agentguard/internal/domain"
	"github.com/agentguard/agentguard/internal/ledger"
	"github.com/agentguard/agentguard/internal/metrics"
	"github.com/agentguard/agentguard/internal/storage"
	"github.com/agentguard/agentguard/internal/tokens"
	"github.com/agentguard/agentguard/internal/upstream"
)

const (
	// AgentIDHeader identifies the calling agent. Calls without it never
	// reach upstream.
	AgentIDHeader = "X-Agent-ID"

	defaultUpstreamTimeout = 120 * time.Second
	defaultMaxCaptureBytes = 16 << 20
)

// AgentDirectory is the slice of the agent store the hot path needs.
type AgentDirectory interface {
	GetAgent(ctx context.Context, id string) (*storage.Agent, error)
}

// Option configures the interceptor.
type Option func(*Interceptor)

// WithUpstreamTimeout bounds each upstream call.
func WithUpstreamTimeout(d time.Duration) Option {
	return func(i *Interceptor) { i.upstreamTimeout = d }
}

// WithStrictAudit makes non-streaming responses wait for a durable audit
// record; append failure turns into a caller-visible 502.
func WithStrictAudit(strict bool) Option {
	return func(i *Interceptor) { i.strict = strict }
}

// WithRecordOnDisconnect controls whether capture continues after the caller
// goes away. Default true: the attempt happened, so it gets a record.
func WithRecordOnDisconnect(record bool) Option {
	return func(i *Interceptor) { i.recordOnDisconnect = record }
}

// WithDetector overrides the default detector.
func WithDetector(d *detect.Detector) Option {
	return func(i *Interceptor) { i.detector = d }
}

// WithClassifier overrides the default classifier.
func WithClassifier(c *classify.Classifier) Option {
	return func(i *Interceptor) { i.classifier = c }
}

// WithMetrics wires the Prometheus counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Interceptor) { i.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Interceptor) { i.logger = logger }
}

// WithMaxCaptureBytes caps the audit capture buffer for streamed responses.
func WithMaxCaptureBytes(n int) Option {
	return func(i *Interceptor) { i.maxCaptureBytes = n }
}

// Interceptor orchestrates one audited call end to end.
type Interceptor struct {
	agents    AgentDirectory
	ledger    ledger.Ledger
	forwarder upstream.Forwarder

	detector   *detect.Detector
	classifier *classify.Classifier
	counter    *tokens.Counter
	metrics    *metrics.Metrics
	logger     *slog.Logger

	upstreamTimeout    time.Duration
	strict             bool
	recordOnDisconnect bool
	maxCaptureBytes    int
}

// New builds an interceptor with default detector, classifier and token
// counter.
func New(agents AgentDirectory, led ledger.Ledger, fwd upstream.Forwarder, opts ...Option) *Interceptor {
	i := &Interceptor{
		agents:             agents,
		ledger:             led,
		forwarder:          fwd,
		detector:           detect.New(),
		classifier:         classify.New(nil),
		counter:            tokens.NewCounter(),
		logger:             slog.Default(),
		upstreamTimeout:    defaultUpstreamTimeout,
		recordOnDisconnect: true,
		maxCaptureBytes:    defaultMaxCaptureBytes,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Routes returns the proxy surface, mounted as /{provider}/*.
func (i *Interceptor) Routes() chi.Router {
	r := chi.NewRouter()
	r.HandleFunc("/{provider}/*", i.handle)
	return r
}

// call is the per-request state threaded through the pipeline. All of it is
// call-local; the ledger tail is the only shared mutable state downstream.
type call struct {
	start  time.Time
	agent  *storage.Agent
	rec    *ledger.Record
	prompt string
}

func (i *Interceptor) handle(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	path := "/" + chi.URLParam(r, "*")

	// Received: fail fast with zero records on identity problems. No record
	// means no upstream call was attempted.
	agentID := r.Header.Get(AgentIDHeader)
	if agentID == "" {
		domain.WriteError(w, domain.ErrUnknownAgent("missing "+AgentIDHeader+" header"))
		return
	}
	agent, err := i.agents.GetAgent(r.Context(), agentID)
	if err != nil {
		domain.WriteError(w, domain.ErrUnknownAgent("agent "+agentID+" is not registered"))
		return
	}
	if !agent.Active {
		domain.WriteError(w, domain.ErrInactiveAgent("agent "+agentID+" is deactivated"))
		return
	}
	if !knownProvider(provider) {
		domain.WriteError(w, domain.ErrUnknownProvider("unsupported provider "+provider))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		domain.WriteError(w, domain.ErrInvalidRequest("failed to read request body"))
		return
	}
	model, prompt, _ := parseRequest(body)

	c := &call{
		start:  time.Now(),
		agent:  agent,
		prompt: prompt,
		rec: &ledger.Record{
			ID:           uuid.NewString(),
			AgentID:      agentID,
			Time:         time.Now().UTC(),
			Provider:     provider,
			EndpointPath: path,
			Model:        model,
			RequestHash:  ledger.HashText(prompt),
		},
	}

	// Forwarding. When capture must survive a caller disconnect the upstream
	// context detaches from the request context; the timeout still binds it.
	base := r.Context()
	if i.recordOnDisconnect {
		base = context.WithoutCancel(base)
	}
	upCtx, cancel := context.WithTimeout(base, i.upstreamTimeout)
	defer cancel()

	resp, err := i.forwarder.Forward(upCtx, &upstream.Request{
		Provider: provider,
		Method:   r.Method,
		Path:     path,
		Header:   r.Header,
		Body:     body,
	})
	if err != nil {
		i.finishWithoutResponse(w, c, len(body), err)
		return
	}
	defer resp.Body.Close()

	if isEventStream(resp.Header) {
		i.relayStream(w, c, resp, len(body))
		return
	}
	i.relayBuffered(w, c, resp, len(body))
}

// finishWithoutResponse handles upstream attempts that produced no response
// at all. The record is appended before the error envelope goes out.
func (i *Interceptor) finishWithoutResponse(w http.ResponseWriter, c *call, requestBytes int, err error) {
	var apiErr *domain.APIError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		c.rec.UpstreamStatus = ledger.StatusTimeout
		apiErr = domain.ErrUpstreamTimeout("upstream did not answer in time")
	default:
		c.rec.UpstreamStatus = ledger.StatusTransportError
		apiErr = domain.ErrUpstreamUnreachable("upstream request failed")
	}
	c.rec.HTTPStatus = apiErr.HTTPStatusCode()

	i.classify(c, "", nil, requestBytes)
	i.metrics.ObserveUpstreamFailure(c.rec.Provider, string(c.rec.UpstreamStatus))

	if appendErr := i.append(c); appendErr != nil && i.strict {
		apiErr = domain.ErrAuditUnavailable("audit record could not be written")
	}
	domain.WriteError(w, apiErr)
}

// relayBuffered handles non-streaming responses: capture fully, classify,
// then release. Strict mode appends before the first response byte. The
// capture cap bounds classification input only; the caller always receives
// the complete body.
func (i *Interceptor) relayBuffered(w http.ResponseWriter, c *call, resp *upstream.Response, requestBytes int) {
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		i.finishWithoutResponse(w, c, requestBytes, err)
		return
	}

	c.rec.HTTPStatus = resp.StatusCode
	c.rec.UpstreamStatus = statusFor(resp.StatusCode)

	capture := respBody
	if len(capture) > i.maxCaptureBytes {
		capture = capture[:i.maxCaptureBytes]
	}
	text, u := parseResponse(capture)
	i.classify(c, text, u, requestBytes)

	if i.strict {
		if err := i.append(c); err != nil {
			domain.WriteError(w, domain.ErrAuditUnavailable("audit record could not be written"))
			return
		}
		i.writeResponse(w, resp, respBody)
		return
	}

	i.writeResponse(w, resp, respBody)
	i.append(c)
}

// relayStream mirrors upstream bytes to the caller chunk by chunk, flushing
// per write, while the capture buffer accumulates the same bytes for
// classification after the stream ends.
func (i *Interceptor) relayStream(w http.ResponseWriter, c *call, resp *upstream.Response, requestBytes int) {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	var captured bytes.Buffer
	buf := make([]byte, 32*1024)
	aborted := false
	var streamErr error

	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if captured.Len() < i.maxCaptureBytes {
				captured.Write(buf[:n])
			}
			if !aborted {
				if _, werr := w.Write(buf[:n]); werr != nil {
					aborted = true
					if !i.recordOnDisconnect {
						break
					}
				} else if flusher != nil {
					flusher.Flush()
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
	}

	c.rec.HTTPStatus = resp.StatusCode
	switch {
	case aborted:
		c.rec.UpstreamStatus = ledger.StatusAborted
	case streamErr != nil:
		c.rec.UpstreamStatus = ledger.StatusTransportError
		i.metrics.ObserveUpstreamFailure(c.rec.Provider, string(ledger.StatusTransportError))
	default:
		c.rec.UpstreamStatus = statusFor(resp.StatusCode)
	}

	text, u := reassembleStream(captured.Bytes())
	i.classify(c, text, u, requestBytes)
	i.append(c)
}

// classify runs the detector and classifier over the combined captured
// payloads and fills the derived record fields.
func (i *Interceptor) classify(c *call, responseText string, u *usage, requestBytes int) {
	combined := strings.TrimSpace(c.prompt + " " + responseText)

	findings := i.detector.Scan(combined)
	cats := detect.Categories(findings)
	markers := markerStrings(detect.ScanMarkers(combined))

	res := i.classifier.Evaluate(classify.Input{
		Categories: cats,
		Markers:    markers,
		Provider:   c.rec.Provider,
		Model:      c.rec.Model,
		Agent: classify.AgentMetadata{
			DeclaredRiskTier: classify.Tier(c.agent.RiskLevel),
			RegulationScope:  c.agent.RegulationScope,
		},
		RequestBytes: requestBytes,
	})

	c.rec.DetectedCategories = cats
	c.rec.RiskTier = string(res.Tier)
	c.rec.TriggeredFlags = res.Flags
	c.rec.ResponseHash = ledger.HashText(responseText)
	c.rec.PromptTokens = u.prompt()
	if c.rec.PromptTokens == 0 && c.prompt != "" {
		c.rec.PromptTokens = i.counter.Count(c.rec.Model, c.prompt)
	}
	c.rec.ResponseTokens = u.completion()
	if c.rec.ResponseTokens == 0 && responseText != "" {
		c.rec.ResponseTokens = i.counter.Count(c.rec.Model, responseText)
	}
	c.rec.LatencyMS = time.Since(c.start).Milliseconds()
}

// append writes the record. A failed append is an operational alert, never a
// caller-visible error (strict mode handles its own escalation).
func (i *Interceptor) append(c *call) error {
	err := i.ledger.Append(context.WithoutCancel(context.Background()), c.rec)
	if err != nil {
		i.metrics.ObserveLedgerFailure()
		i.logger.Error("audit append failed",
			"agent_id", c.rec.AgentID,
			"record_id", c.rec.ID,
			"provider", c.rec.Provider,
			"error", err)
		return err
	}

	i.metrics.ObserveInteraction(c.rec.Provider, c.rec.RiskTier)
	i.metrics.ObserveLatency(c.rec.Provider, time.Since(c.start).Seconds())
	if ledger.TierAtLeast(c.rec.RiskTier, "high") {
		i.logger.Warn("high risk interaction recorded",
			"agent_id", c.rec.AgentID,
			"record_id", c.rec.ID,
			"risk_tier", c.rec.RiskTier,
			"flags", c.rec.TriggeredFlags)
	}
	return nil
}

func (i *Interceptor) writeResponse(w http.ResponseWriter, resp *upstream.Response, body []byte) {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isEventStream(h http.Header) bool {
	return strings.HasPrefix(h.Get("Content-Type"), "text/event-stream")
}

func statusFor(code int) ledger.UpstreamStatus {
	if code >= 200 && code < 300 {
		return ledger.StatusSuccess
	}
	return ledger.StatusUpstreamError
}

func knownProvider(name string) bool {
	for _, p := range upstream.Providers() {
		if p == name {
			return true
		}
	}
	return false
}

func markerStrings(markers []detect.Marker) []string {
	if len(markers) == 0 {
		return nil
	}
	out := make([]string, len(markers))
	for i, m := range markers {
		out[i] = string(m)
	}
	return out
}
