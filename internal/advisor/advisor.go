// Package advisor calls an external LLM for a contextual fraud opinion.
//
// The advisor is advisory in the literal sense: it can escalate but the
// deterministic rule layer never depends on it being up. Every failure mode,
// timeout, bad status, malformed JSON, unknown verdict, degrades to the same
// conservative REVIEW fallback so a flaky upstream can slow transactions down
// but never approve or lose them.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fubapay/fubapay/internal/circuitbreaker"
	"github.com/fubapay/fubapay/internal/fraud"
	"github.com/fubapay/fubapay/internal/metrics"
)

// DefaultTimeout bounds a single advisor call when the caller's context does
// not impose a sooner deadline.
const DefaultTimeout = 8 * time.Second

const systemPrompt = "You are a financial fraud detection AI for a crypto fintech " +
	"called FubaPay operating in Africa. " +
	"Return ONLY valid JSON in this format: " +
	`{"decision": "APPROVE|REVIEW|BLOCK", "risk_score": 0-100, "reason": "short explanation"}`

// Verdict is the advisor's opinion on a transaction.
type Verdict struct {
	Decision  fraud.Decision `json:"decision"`
	RiskScore int            `json:"risk_score"`
	Reason    string         `json:"reason"`
}

// Fallback is the verdict used whenever the advisor cannot produce a valid
// one. REVIEW routes the transaction to a human instead of guessing.
func Fallback() Verdict {
	return Verdict{Decision: fraud.DecisionReview, RiskScore: 50, Reason: "AI parsing error"}
}

// TransactionContext is the evidence sent to the advisor. Amounts are floats
// here: this payload informs a model, it never settles money.
type TransactionContext struct {
	Transaction struct {
		Amount    float64 `json:"amount"`
		Currency  string  `json:"currency"`
		Status    string  `json:"status"`
		CreatedAt string  `json:"created_at"`
	} `json:"transaction"`
	Actor struct {
		ReputationScore   int     `json:"reputation_score"`
		TrustTier         string  `json:"trust_tier"`
		TotalVolume       float64 `json:"total_volume"`
		TotalTransactions int     `json:"total_transactions"`
		DisputeCount      int     `json:"dispute_count"`
		IsFrozen          bool    `json:"is_frozen"`
	} `json:"agent"`
}

// Advisor produces a verdict for a transaction. Implementations must not
// return errors; degraded verdicts are part of the contract.
type Advisor interface {
	Evaluate(ctx context.Context, tc TransactionContext) Verdict
}

// breakerKey identifies the advisor upstream in the circuit breaker.
const breakerKey = "advisor"

// Client talks to an OpenAI-compatible chat completions endpoint. A circuit
// breaker skips the network round trip entirely while the upstream is down,
// so a dead advisor costs nothing instead of a timeout per transaction.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	timeout time.Duration
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient creates an advisor client. baseURL is the API root, e.g.
// "https://api.openai.com/v1".
func NewClient(baseURL, apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		timeout: DefaultTimeout,
		http:    &http.Client{Timeout: DefaultTimeout + 2*time.Second},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Evaluate sends the transaction context to the model and parses its verdict.
// Never returns an error: any failure degrades to Fallback.
func (c *Client) Evaluate(ctx context.Context, tc TransactionContext) Verdict {
	if !c.breaker.Allow(breakerKey) {
		metrics.AdvisorFailuresTotal.WithLabelValues("circuit_open").Inc()
		return Fallback()
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	v, cause, err := c.evaluate(ctx, tc)
	if err != nil {
		// Only infrastructure failures trip the breaker. A reachable model
		// talking nonsense is a parsing problem, not an outage.
		switch cause {
		case "transport", "status":
			c.breaker.RecordFailure(breakerKey)
		default:
			c.breaker.RecordSuccess(breakerKey)
		}
		metrics.AdvisorFailuresTotal.WithLabelValues(cause).Inc()
		c.logger.Warn("advisor call degraded to fallback", "cause", cause, "error", err)
		return Fallback()
	}
	c.breaker.RecordSuccess(breakerKey)
	return v
}

func (c *Client) evaluate(ctx context.Context, tc TransactionContext) (Verdict, string, error) {
	payload, err := json.Marshal(tc)
	if err != nil {
		return Verdict{}, "encode", fmt.Errorf("advisor: encode context: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(payload)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return Verdict{}, "encode", fmt.Errorf("advisor: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Verdict{}, "request", fmt.Errorf("advisor: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return Verdict{}, "transport", fmt.Errorf("advisor: call model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Verdict{}, "status", fmt.Errorf("advisor: model returned status %d", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return Verdict{}, "decode", fmt.Errorf("advisor: decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return Verdict{}, "empty", fmt.Errorf("advisor: response carried no choices")
	}

	return parseVerdict(chat.Choices[0].Message.Content)
}

// parseVerdict strictly parses the model's message content. The contract is
// a single JSON object; anything else is a failure, never a guess.
func parseVerdict(content string) (Verdict, string, error) {
	var raw struct {
		Decision  string `json:"decision"`
		RiskScore int    `json:"risk_score"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return Verdict{}, "parse", fmt.Errorf("advisor: parse verdict: %w", err)
	}

	decision, ok := fraud.ParseDecision(raw.Decision)
	if !ok {
		return Verdict{}, "verdict", fmt.Errorf("advisor: unknown decision %q", raw.Decision)
	}

	score := raw.RiskScore
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return Verdict{Decision: decision, RiskScore: score, Reason: raw.Reason}, "", nil
}
