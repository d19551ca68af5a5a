// Package llmclient implements the multi-endpoint failover chat-
// completion client (C5): bounded retries with jittered backoff, token
// estimation, prompt validation/truncation, and JSON extraction from
// free-form model output. Grounded on the teacher's internal/llm/llm.go
// (HTTP shape, content extraction) and the original's
// repositories/llm_client.py (failover loop, token estimation, JSON
// extraction cascade, mock mode).
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"regexp"
	"strings"
	"time"

	"peg-analysis-go/internal/apierrors"
	"peg-analysis-go/internal/config"

	"github.com/cenkalti/backoff/v4"
)

// Client is a resilient, multi-endpoint OpenAI-compatible chat
// completion client.
type Client struct {
	cfg        config.LLMSettings
	httpClient *http.Client
	logger     *slog.Logger
}

// New constructs a Client from settings, reusing a single pooled
// *http.Client across calls (spec §5: "one connection pool per
// process").
func New(cfg config.LLMSettings, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, httpClient: httpClient, logger: logger}
}

// EstimateTokens returns ceil(len(text)/charsPerToken), falling back to
// an integer-floor len/4 ratio on a misconfigured (non-positive) ratio —
// mirroring the original's try/except fallback path.
func (c *Client) EstimateTokens(text string) int {
	ratio := c.cfg.CharsPerToken
	if ratio <= 0 {
		return len(text) / 4
	}
	return int(math.Ceil(float64(len(text)) / ratio))
}

// ValidatePrompt reports whether text fits the configured token and
// character budgets.
func (c *Client) ValidatePrompt(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	if c.EstimateTokens(text) > c.cfg.MaxTokens {
		return false
	}
	maxChars := c.cfg.MaxPromptChars
	if maxChars <= 0 {
		maxChars = 80000
	}
	return len(text) <= maxChars
}

const truncationMarker = "\n\n[...truncated due to safety guard...]\n"

// TruncatePromptIfNeeded head-truncates text to maxChars-buffer and
// appends a visible truncation marker, per spec §4.7.
func (c *Client) TruncatePromptIfNeeded(text string) string {
	maxChars := c.cfg.MaxPromptChars
	if maxChars <= 0 {
		maxChars = 80000
	}
	if len(text) <= maxChars {
		return text
	}
	buffer := c.cfg.TruncateBuffer
	if buffer <= 0 {
		buffer = 200
	}
	cut := maxChars - buffer
	if cut < 0 {
		cut = 0
	}
	if cut > len(text) {
		cut = len(text)
	}
	return text[:cut] + truncationMarker
}

// chatRequest is the OpenAI-compatible chat-completion request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnalyzeData is the main entry point (spec §4.7): validates/truncates
// the prompt, builds the chat body, and executes failover across
// configured endpoints. If enableMock or the client's mock_enabled flag
// is set, a synthetic response is returned instead of a network call.
func (c *Client) AnalyzeData(ctx context.Context, prompt string, enableMock bool) (map[string]any, error) {
	if enableMock || c.cfg.MockEnabled {
		return c.mockResponse(prompt), nil
	}

	if !c.ValidatePrompt(prompt) {
		c.logger.Warn("prompt exceeds configured budget, truncating", "chars", len(prompt))
		prompt = c.TruncatePromptIfNeeded(prompt)
	}

	body := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}

	return c.executeWithFailover(ctx, body)
}

func (c *Client) mockResponse(prompt string) map[string]any {
	return map[string]any{
		"summary":                        "Mock analysis summary",
		"key_findings":                   []any{},
		"recommendations":                []any{},
		"technical_analysis":             map[string]any{"overall_status": "normal", "critical_issues": []any{}, "performance_trends": map[string]any{}},
		"cells_with_significant_change":  map[string]any{},
		"_mock":                          true,
		"_prompt_chars":                  len(prompt),
	}
}

func (c *Client) executeWithFailover(ctx context.Context, body chatRequest) (map[string]any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &apierrors.LLMError{Kind: apierrors.LLMErrorClient, Message: fmt.Sprintf("failed to marshal request: %v", err)}
	}

	var lastErr error
	for _, endpoint := range c.cfg.Endpoints {
		content, statusCode, err := c.postWithRetry(ctx, endpoint, payload)
		if err != nil {
			lastErr = err
			c.logger.Warn("llm endpoint failed, moving to next", "endpoint", endpoint, "error", err)
			continue
		}
		parsed, err := ExtractJSON(content)
		if err != nil {
			lastErr = &apierrors.LLMError{Kind: apierrors.LLMErrorParse, Endpoint: endpoint, StatusCode: statusCode, Message: err.Error()}
			c.logger.Warn("llm response was not valid JSON, moving to next endpoint", "endpoint", endpoint, "error", err)
			continue
		}
		return parsed, nil
	}

	return nil, &apierrors.LLMError{
		Kind:      apierrors.LLMErrorServer,
		Message:   fmt.Sprintf("failed to connect to any of %d LLM endpoints", len(c.cfg.Endpoints)),
		Endpoints: c.cfg.Endpoints,
		LastError: lastErr,
	}
}

// postWithRetry posts body to endpoint/v1/chat/completions, retrying on
// retryable HTTP statuses with exponential backoff + jitter (spec §9:
// "backoff = base × 2^(attempt−1), capped at max_delay, multiplied by
// uniform jitter in [0.5, 1.5]").
func (c *Client) postWithRetry(ctx context.Context, endpoint string, payload []byte) (content string, statusCode int, err error) {
	url := strings.TrimRight(endpoint, "/") + "/v1/chat/completions"

	attempt := 0
	operation := func() error {
		attempt++
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if reqErr != nil {
			return backoff.Permanent(reqErr)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}

		resp, doErr := c.httpClient.Do(req)
		if doErr != nil {
			return doErr // network errors are retryable
		}
		defer resp.Body.Close()
		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return readErr
		}
		statusCode = resp.StatusCode

		if resp.StatusCode == http.StatusOK {
			extracted, extractErr := extractChoiceContent(raw)
			if extractErr != nil {
				return backoff.Permanent(extractErr)
			}
			content = extracted
			return nil
		}

		if apierrors.IsRetryableStatus(resp.StatusCode) {
			return fmt.Errorf("retryable status %d: %s", resp.StatusCode, string(raw))
		}
		return backoff.Permanent(fmt.Errorf("non-retryable status %d: %s", resp.StatusCode, string(raw)))
	}

	bo := c.retryPolicy()
	err = backoff.Retry(operation, backoff.WithContext(bo, ctx))
	return content, statusCode, err
}

// retryPolicy builds an exponential backoff policy allowing at most
// max_retries retries after the first attempt, matching spec §4.7/§9's retry_delay × 2^(n-1)
// capped-and-jittered shape. backoff/v4's ExponentialBackOff already
// applies RandomizationFactor jitter around each interval; the factor
// is chosen to approximate the spec's [0.5x, 1.5x] uniform jitter band.
func (c *Client) retryPolicy() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.RetryDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.5
	eb.MaxInterval = c.cfg.RetryDelay * time.Duration(1<<uint(maxRetriesOrDefault(c.cfg.MaxRetries)))
	return backoff.WithMaxRetries(eb, uint64(maxRetriesOrDefault(c.cfg.MaxRetries)))
}

func maxRetriesOrDefault(n int) int {
	if n <= 0 {
		return 3
	}
	return n
}

func extractChoiceContent(raw []byte) (string, error) {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return string(raw), nil // non-JSON body: treat as raw content, per teacher's getFirstChoiceContent fallback
	}
	if errVal, ok := generic["error"]; ok {
		return "", fmt.Errorf("llm server reported an error: %v", errVal)
	}
	if choices, ok := generic["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if msg, ok := choice["message"].(map[string]any); ok {
				if text, ok := msg["content"].(string); ok {
					return text, nil
				}
			}
		}
	}
	if text, ok := generic["content"].(string); ok {
		return text, nil
	}
	return string(raw), nil
}

var (
	fencedJSONRe   = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")
	fencedGenericRe = regexp.MustCompile("(?s)```\\s*(\\{.*?\\})\\s*```")
)

// ExtractJSON recovers a JSON object from free-form LLM output, trying
// in order: a fenced ```json block, a fenced generic code block, a
// brace-balanced substring, and finally the whole trimmed content — per
// spec §4.7 step 6.
func ExtractJSON(content string) (map[string]any, error) {
	if m := fencedJSONRe.FindStringSubmatch(content); m != nil {
		if parsed, err := tryParse(m[1]); err == nil {
			return parsed, nil
		}
	}
	if m := fencedGenericRe.FindStringSubmatch(content); m != nil {
		if parsed, err := tryParse(m[1]); err == nil {
			return parsed, nil
		}
	}
	if substr, ok := braceBalancedSubstring(content); ok {
		if parsed, err := tryParse(substr); err == nil {
			return parsed, nil
		}
	}
	if parsed, err := tryParse(strings.TrimSpace(content)); err == nil {
		return parsed, nil
	}
	preview := content
	if len(preview) > 500 {
		preview = preview[:500]
	}
	return nil, fmt.Errorf("no valid JSON object found in LLM response (preview=%q)", preview)
}

func tryParse(s string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// braceBalancedSubstring finds the first top-level {...} span by brace
// counting, tolerant of nested objects.
func braceBalancedSubstring(content string) (string, bool) {
	start := strings.IndexByte(content, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	for i := start; i < len(content); i++ {
		switch content[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return content[start : i+1], true
			}
		}
	}
	return "", false
}
