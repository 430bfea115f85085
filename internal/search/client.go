// Package search is the HTTP client for the grounded search service. Each
// result carries the evidence needed for citation rewriting: source chunks
// and the character spans of the text they support.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fathomlabs/fathom/internal/circuitbreaker"
	"github.com/fathomlabs/fathom/internal/config"
	"github.com/fathomlabs/fathom/internal/metrics"
)

// GroundingChunk names one source document returned for a query.
type GroundingChunk struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// GroundingSupport ties a character span of the result text to the chunks
// that substantiate it. EndOffset is a pointer because the service may omit
// it, in which case the span has no usable anchor.
type GroundingSupport struct {
	StartOffset int   `json:"start_offset"`
	EndOffset   *int  `json:"end_offset"`
	ChunkIdxs   []int `json:"chunk_indices"`
}

// Result is one grounded search response.
type Result struct {
	Text     string             `json:"text"`
	Chunks   []GroundingChunk   `json:"grounding_chunks"`
	Supports []GroundingSupport `json:"grounding_supports"`
}

// Client queries the search service with client-side rate limiting.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	breaker     *circuitbreaker.Breaker
	maxSnippets int
	logger      *zap.Logger
}

// NewClient builds a search client from configuration. A rate_limit of 0
// disables throttling.
func NewClient(cfg config.SearchConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     limiter,
		breaker:     circuitbreaker.New("search", circuitbreaker.DefaultSettings(), logger),
		maxSnippets: cfg.MaxSnippets,
		logger:      logger,
	}
}

// Search executes one grounded query. The limiter wait respects ctx so a
// run hitting its deadline does not queue behind the rate bucket.
func (c *Client) Search(ctx context.Context, query string) (*Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	start := time.Now()
	var result *Result
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		var serr error
		result, serr = c.doSearch(ctx, query)
		return serr
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.SearchesExecuted.WithLabelValues(status).Inc()
	metrics.SearchDuration.Observe(time.Since(start).Seconds())
	return result, err
}

func (c *Client) doSearch(ctx context.Context, query string) (*Result, error) {
	u := fmt.Sprintf("%s/v1/search?q=%s", c.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search service call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("Search service returned non-2xx",
			zap.Int("status", resp.StatusCode),
			zap.String("query", truncate(query, 80)),
			zap.ByteString("body", body),
		)
		return nil, fmt.Errorf("search service HTTP %d", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if c.maxSnippets > 0 && len(result.Chunks) > c.maxSnippets {
		result.Chunks = result.Chunks[:c.maxSnippets]
		result.Supports = filterSupports(result.Supports, c.maxSnippets)
	}
	return &result, nil
}

// filterSupports drops chunk indices that point past the snippet cap and
// removes supports left with no chunks at all.
func filterSupports(supports []GroundingSupport, limit int) []GroundingSupport {
	out := supports[:0]
	for _, s := range supports {
		kept := s.ChunkIdxs[:0]
		for _, idx := range s.ChunkIdxs {
			if idx < limit {
				kept = append(kept, idx)
			}
		}
		s.ChunkIdxs = kept
		if len(s.ChunkIdxs) > 0 {
			out = append(out, s)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
