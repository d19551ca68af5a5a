package llmclient

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"peg-analysis-go/internal/config"

	"github.com/stretchr/testify/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(ioutil.Discard, nil))
}

func TestEstimateTokens(t *testing.T) {
	c := New(config.LLMSettings{CharsPerToken: 4}, nil, testLogger())
	assert.Equal(t, 3, c.EstimateTokens("12345678901")) // ceil(11/4)=3
}

func TestValidatePrompt_TooManyTokens(t *testing.T) {
	c := New(config.LLMSettings{CharsPerToken: 1, MaxTokens: 5, MaxPromptChars: 1000}, nil, testLogger())
	assert.False(t, c.ValidatePrompt("123456789012345678901234567890"))
}

func TestTruncatePromptIfNeeded(t *testing.T) {
	c := New(config.LLMSettings{MaxPromptChars: 20, TruncateBuffer: 5}, nil, testLogger())
	out := c.TruncatePromptIfNeeded("0123456789012345678901234567890")
	assert.Contains(t, out, "[...truncated due to safety guard...]")
	assert.True(t, len(out) > 0 && len(out) < 100)
}

func TestAnalyzeData_MockMode(t *testing.T) {
	c := New(config.LLMSettings{MockEnabled: true}, nil, testLogger())
	resp, err := c.AnalyzeData(context.Background(), "hello", false)
	assert.NoError(t, err)
	assert.Equal(t, true, resp["_mock"])
}

func TestAnalyzeData_SuccessOnFirstEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"choices": []any{
				map[string]any{"message": map[string]any{"content": `{"executive_summary":"ok"}`}},
			},
		}
		json.NewEncoder(w).Encode(body)
	}))
	defer server.Close()

	cfg := config.LLMSettings{
		Model:      "test-model",
		MaxTokens:  100,
		Endpoints:  []string{server.URL},
		MaxRetries: 1,
		RetryDelay: 10 * time.Millisecond,
		MaxPromptChars: 1000,
		CharsPerToken: 4,
	}
	c := New(cfg, server.Client(), testLogger())
	resp, err := c.AnalyzeData(context.Background(), "analyze this", false)
	assert.NoError(t, err)
	assert.Equal(t, "ok", resp["executive_summary"])
}

func TestAnalyzeData_FailoverToSecondEndpoint(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"choices": []any{
				map[string]any{"message": map[string]any{"content": `{"executive_summary":"second endpoint"}`}},
			},
		}
		json.NewEncoder(w).Encode(body)
	}))
	defer good.Close()

	cfg := config.LLMSettings{
		Model:      "test-model",
		MaxTokens:  100,
		Endpoints:  []string{bad.URL, good.URL},
		MaxRetries: 1,
		RetryDelay: 10 * time.Millisecond,
		MaxPromptChars: 1000,
		CharsPerToken: 4,
	}
	c := New(cfg, bad.Client(), testLogger())
	resp, err := c.AnalyzeData(context.Background(), "analyze this", false)
	assert.NoError(t, err)
	assert.Equal(t, "second endpoint", resp["executive_summary"])
}

func TestExtractJSON_FencedJSONBlock(t *testing.T) {
	content := "here is the result:\n```json\n{\"a\": 1}\n```\nthanks"
	m, err := ExtractJSON(content)
	assert.NoError(t, err)
	assert.Equal(t, 1.0, m["a"])
}

func TestExtractJSON_FencedGenericBlock(t *testing.T) {
	content := "```\n{\"b\": 2}\n```"
	m, err := ExtractJSON(content)
	assert.NoError(t, err)
	assert.Equal(t, 2.0, m["b"])
}

func TestExtractJSON_BraceBalanced(t *testing.T) {
	content := `prefix text {"c": {"nested": 3}} suffix text`
	m, err := ExtractJSON(content)
	assert.NoError(t, err)
	nested, ok := m["c"].(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, 3.0, nested["nested"])
}

func TestExtractJSON_WholeContent(t *testing.T) {
	content := `{"d": 4}`
	m, err := ExtractJSON(content)
	assert.NoError(t, err)
	assert.Equal(t, 4.0, m["d"])
}

func TestExtractJSON_NoJSONFound(t *testing.T) {
	_, err := ExtractJSON("not json at all")
	assert.Error(t, err)
}
