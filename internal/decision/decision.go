// Package decision implements the optional Decision Engine, an LLM-backed
// allocator that proposes strategy weights ahead of the deterministic
// Portfolio Scheduler (spec §4.8). Every proposal is strictly validated;
// any violation falls back to the Portfolio Scheduler rather than trading
// on an unvalidated model output. The raw request/response, latency, and
// outcome of every call are persisted for audit.
//
// Grounded on the teacher's domain.BrokerClient adapter-interface pattern
// (a narrow interface the caller depends on, with a Live/mock
// implementation pair) generalized from a brokerage API client to an LLM
// provider client, and on spec §9's explicit tagged-variant design note
// for the Propose/Reject outcome.
package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/store"
)

// StrategyAllocation is one line of the model's proposed allocation.
type StrategyAllocation struct {
	StrategyID string  `json:"strategy_id"`
	Weight     float64 `json:"weight"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Proposal is the model's raw response shape (spec §4.8).
type Proposal struct {
	MarketRegime        string                `json:"market_regime"`
	StrategyAllocations []StrategyAllocation  `json:"strategy_allocations"`
	TotalPosition        float64              `json:"total_position"`
	Confidence           float64              `json:"confidence"`
	Reasoning            string               `json:"reasoning"`
}

// Request is the payload sent to the model: the market snapshot, the
// current regime, recent per-strategy performance feedback, and the
// catalog of strategies it is allowed to allocate to.
type Request struct {
	MarketRegime     string             `json:"market_regime"`
	Snapshot         json.RawMessage    `json:"snapshot"`
	RecentPerformance map[string]float64 `json:"recent_performance"` // strategy_id -> recent win rate
	EnabledStrategies []string           `json:"enabled_strategies"`
}

// Outcome tags why a call did or didn't produce a usable proposal — the
// tagged-variant result spec §9 calls for instead of a bare (Proposal, error).
type Outcome string

const (
	OutcomeAccepted Outcome = "ACCEPTED"
	OutcomeRejected Outcome = "REJECTED"
	OutcomeError    Outcome = "ERROR"
)

// Result is the Decision Engine's verdict for one cycle.
type Result struct {
	Outcome  Outcome
	Proposal Proposal // zero value when Outcome != ACCEPTED
	Reason   string   // rejection reason or error text
}

// weightSumTolerance and bounds implement spec §4.8's validation rules.
const weightSumTolerance = 0.05

// Client is the narrow provider adapter the Engine depends on — a single
// blocking call that returns the model's raw JSON text.
type Client interface {
	Complete(ctx context.Context, req Request) (raw []byte, err error)
}

// HTTPClient is a Client backed by an HTTP JSON completion endpoint (any
// OpenAI-compatible chat-completions provider).
type HTTPClient struct {
	http    *retryablehttp.Client
	baseURL string
	apiKey  string
	model   string
}

// HTTPClientConfig parameterizes HTTPClient (spec §9's DECISION_* settings).
type HTTPClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewHTTPClient builds an HTTPClient with bounded retries, matching the
// venue adapters' retryablehttp usage so every outbound network call in
// this system shares the same retry/backoff posture.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil
	if cfg.Timeout > 0 {
		rc.HTTPClient.Timeout = cfg.Timeout
	} else {
		rc.HTTPClient.Timeout = 20 * time.Second
	}
	return &HTTPClient{http: rc, baseURL: cfg.BaseURL, apiKey: cfg.APIKey, model: cfg.Model}
}

type chatCompletionRequest struct {
	Model    string              `json:"model"`
	Messages []chatMessage       `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends the allocation request as a single user-role message and
// returns the model's text content, expected to be the Proposal JSON.
func (c *HTTPClient) Complete(ctx context.Context, req Request) ([]byte, error) {
	prompt, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("decision client: marshal request: %w", err)
	}

	body := chatCompletionRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: "Respond only with JSON matching the requested allocation schema."},
			{Role: "user", Content: string(prompt)},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("decision client: marshal completion body: %w", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("decision client: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("decision client: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decision client: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("decision client: provider returned status %d: %s", resp.StatusCode, string(data))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decision client: decode completion envelope: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("decision client: empty choices in completion response")
	}
	return []byte(parsed.Choices[0].Message.Content), nil
}

// Engine wraps a Client with validation, fallback signaling, and audit
// persistence.
type Engine struct {
	client Client
	store  *store.Store
	log    zerolog.Logger
}

// New builds an Engine. client may be nil, in which case Propose always
// returns OutcomeRejected immediately — the caller treats this identically
// to a validation failure and proceeds to the Portfolio Scheduler.
func New(client Client, s *store.Store, log zerolog.Logger) *Engine {
	return &Engine{client: client, store: s, log: log.With().Str("component", "decision_engine").Logger()}
}

// Propose asks the model for an allocation, validates it, and records the
// audit trail. enabledStrategies is the set strategy_id must be drawn from.
func (e *Engine) Propose(ctx context.Context, req Request, enabledStrategies map[string]bool) Result {
	if e.client == nil {
		return Result{Outcome: OutcomeRejected, Reason: "decision engine disabled"}
	}

	start := time.Now()
	rawReq, _ := json.Marshal(req)

	raw, err := e.client.Complete(ctx, req)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		e.audit(ctx, rawReq, nil, latency, OutcomeError, err.Error())
		return Result{Outcome: OutcomeError, Reason: err.Error()}
	}

	var proposal Proposal
	if err := json.Unmarshal(raw, &proposal); err != nil {
		reason := fmt.Sprintf("malformed proposal JSON: %v", err)
		e.audit(ctx, rawReq, raw, latency, OutcomeRejected, reason)
		return Result{Outcome: OutcomeRejected, Reason: reason}
	}

	if reason := validate(proposal, enabledStrategies); reason != "" {
		e.audit(ctx, rawReq, raw, latency, OutcomeRejected, reason)
		return Result{Outcome: OutcomeRejected, Reason: reason}
	}

	e.audit(ctx, rawReq, raw, latency, OutcomeAccepted, "")
	return Result{Outcome: OutcomeAccepted, Proposal: proposal}
}

// validate applies every rule from spec §4.8; the first violated rule is
// returned as the rejection reason.
func validate(p Proposal, enabledStrategies map[string]bool) string {
	sumWeights := 0.0
	for _, a := range p.StrategyAllocations {
		if a.Weight < 0 {
			return fmt.Sprintf("strategy %s has negative weight %.4f", a.StrategyID, a.Weight)
		}
		if !enabledStrategies[a.StrategyID] {
			return fmt.Sprintf("strategy %s is not in the enabled set", a.StrategyID)
		}
		sumWeights += a.Weight
	}
	if math.Abs(sumWeights-1.0) > weightSumTolerance {
		return fmt.Sprintf("sum of weights %.4f is not within +/-%.2f of 1.0", sumWeights, weightSumTolerance)
	}
	if p.TotalPosition < -1 || p.TotalPosition > 1 {
		return fmt.Sprintf("total_position %.4f outside [-1, 1]", p.TotalPosition)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Sprintf("confidence %.4f outside [0, 1]", p.Confidence)
	}
	return ""
}

func (e *Engine) audit(ctx context.Context, reqBlob, respBlob []byte, latencyMs int64, outcome Outcome, errMsg string) {
	// msgpack re-encoding gives the audit blob a compact, schema-stable
	// representation independent of the provider's raw JSON formatting.
	reqPacked, err := msgpack.Marshal(json.RawMessage(reqBlob))
	if err != nil {
		e.log.Error().Err(err).Msg("failed to pack request for llm_runs audit")
		reqPacked = reqBlob
	}
	var respPacked []byte
	if respBlob != nil {
		if respPacked, err = msgpack.Marshal(json.RawMessage(respBlob)); err != nil {
			e.log.Error().Err(err).Msg("failed to pack response for llm_runs audit")
			respPacked = respBlob
		}
	}

	if err := e.store.InsertLLMRun(ctx, time.Now().UnixMilli(), reqPacked, respPacked, latencyMs, string(outcome), errMsg); err != nil {
		e.log.Error().Err(err).Msg("failed to persist llm_runs audit row")
	}
}
