// Package llm is the HTTP client for the structured completion service.
// Each research stage maps to one typed operation: query planning,
// coverage reflection and answer synthesis.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/circuitbreaker"
	"github.com/fathomlabs/fathom/internal/config"
	"github.com/fathomlabs/fathom/internal/metrics"
)

// Plan is the planner's structured output.
type Plan struct {
	Queries   []string `json:"queries"`
	Rationale string   `json:"rationale"`
}

// Reflection is the coverage evaluator's structured output.
type Reflection struct {
	Sufficient      bool     `json:"sufficient"`
	KnowledgeGap    string   `json:"knowledge_gap"`
	FollowUpQueries []string `json:"follow_up_queries"`
}

// Usage reports token accounting from the completion service.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Client talks to the completion service over HTTP JSON.
type Client struct {
	baseURL    string
	httpClient *http.Client
	prompts    *Prompts
	breaker    *circuitbreaker.Breaker
	logger     *zap.Logger
}

// NewClient builds a completion client. Prompt templates may be overridden
// from a YAML file via WithPrompts.
func NewClient(cfg config.LLMConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		prompts:    DefaultPrompts(),
		breaker:    circuitbreaker.New("llm", circuitbreaker.DefaultSettings(), logger),
		logger:     logger,
	}
}

// WithPrompts replaces the default prompt templates.
func (c *Client) WithPrompts(p *Prompts) *Client {
	if p != nil {
		c.prompts = p
	}
	return c
}

type completionRequest struct {
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Model        string  `json:"model,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature"`
	Operation    string  `json:"operation,omitempty"`
}

type completionResponse struct {
	Success  bool   `json:"success"`
	Response string `json:"response"`
	Model    string `json:"model_used"`
	Provider string `json:"provider"`
	Usage    Usage  `json:"usage"`
	Error    string `json:"error,omitempty"`
}

// PlanQueries turns a research topic into search queries.
func (c *Client) PlanQueries(ctx context.Context, topic string, numQueries int, model string) (*Plan, error) {
	system := c.prompts.Planner
	user := fmt.Sprintf("Research topic:\n%s\n\nGenerate exactly %d search queries. Current date: %s.",
		topic, numQueries, time.Now().Format("2006-01-02"))

	raw, err := c.complete(ctx, "plan", completionRequest{
		Prompt:       user,
		SystemPrompt: system,
		Model:        model,
		MaxTokens:    1024,
		Temperature:  0.7,
		Operation:    "plan",
	})
	if err != nil {
		return nil, err
	}

	var plan Plan
	if err := decodeJSON(raw, &plan); err != nil {
		return nil, fmt.Errorf("parse plan response: %w", err)
	}
	if len(plan.Queries) == 0 {
		return nil, fmt.Errorf("planner returned no queries")
	}
	if len(plan.Queries) > numQueries {
		plan.Queries = plan.Queries[:numQueries]
	}
	return &plan, nil
}

// EvaluateCoverage decides whether gathered summaries answer the topic and,
// if not, proposes follow-up queries.
func (c *Client) EvaluateCoverage(ctx context.Context, topic string, summaries []string, model string) (*Reflection, error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Research topic:\n%s\n\nGathered summaries:\n", topic))
	for i, s := range summaries {
		sb.WriteString(fmt.Sprintf("--- Summary %d ---\n%s\n\n", i+1, s))
	}

	raw, err := c.complete(ctx, "reflect", completionRequest{
		Prompt:       sb.String(),
		SystemPrompt: c.prompts.Reflection,
		Model:        model,
		MaxTokens:    1024,
		Temperature:  0.2,
		Operation:    "reflect",
	})
	if err != nil {
		return nil, err
	}

	var refl Reflection
	if err := decodeJSON(raw, &refl); err != nil {
		return nil, fmt.Errorf("parse reflection response: %w", err)
	}
	return &refl, nil
}

// Synthesize produces the final prose answer from the gathered summaries.
// The returned text may contain short reference links which the caller
// resolves back to source URIs.
func (c *Client) Synthesize(ctx context.Context, topic string, summaries []string, model string) (string, error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Research topic:\n%s\n\nSource summaries (keep their citation links intact):\n", topic))
	for i, s := range summaries {
		sb.WriteString(fmt.Sprintf("--- Summary %d ---\n%s\n\n", i+1, s))
	}

	raw, err := c.complete(ctx, "synthesize", completionRequest{
		Prompt:       sb.String(),
		SystemPrompt: c.prompts.Synthesis,
		Model:        model,
		MaxTokens:    8192,
		Temperature:  0.4,
		Operation:    "synthesize",
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("synthesizer returned empty answer")
	}
	return raw, nil
}

func (c *Client) complete(ctx context.Context, operation string, reqBody completionRequest) (string, error) {
	start := time.Now()
	var result string
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		var cerr error
		result, cerr = c.doComplete(ctx, reqBody)
		return cerr
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.CompletionCalls.WithLabelValues(operation, status).Inc()
	metrics.CompletionDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	return result, err
}

func (c *Client) doComplete(ctx context.Context, reqBody completionRequest) (string, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/complete", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion service call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("Completion service returned non-2xx",
			zap.Int("status", resp.StatusCode),
			zap.String("operation", reqBody.Operation),
			zap.ByteString("body", body),
		)
		return "", fmt.Errorf("completion service HTTP %d", resp.StatusCode)
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if !out.Success {
		return "", fmt.Errorf("completion service error: %s", out.Error)
	}
	return out.Response, nil
}

// decodeJSON extracts the first JSON object from a model response that may
// be wrapped in prose or markdown code fences.
func decodeJSON(raw string, v interface{}) error {
	cleaned := stripCodeFences(raw)
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start == -1 || end <= start {
		return fmt.Errorf("no JSON object found in response")
	}
	return json.Unmarshal([]byte(cleaned[start:end+1]), v)
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
