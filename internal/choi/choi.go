// Package choi implements the optional deterministic-judgement backend
// adapter (spec §6.4): POSTs a fixed JSON body to
// `<backend>/api/kpi/choi-analysis` and normalizes the response into a
// Judgement. A schema mismatch on required keys is fatal
// (apierrors.BackendSchemaError); HTTP 5xx is retried up to
// cfg.MaxRetries with jittered backoff, mirroring
// internal/llmclient's failover retry loop; HTTP 4xx is fatal
// (apierrors.BackendHTTPError). No original-source file documents this
// adapter's wire shape precisely; the request/response keys below are
// the ones spec §6.4 and §9 record as observed.
package choi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"peg-analysis-go/internal/apierrors"
	"peg-analysis-go/internal/config"

	"github.com/cenkalti/backoff/v4"
)

// Judgement is the normalized deterministic-judgement result, mirroring
// spec §6.2's peg_analysis.choi_judgement block.
type Judgement struct {
	Overall           string
	Reasons           []string
	ByKPI             map[string]any
	AbnormalDetection any
	Warnings          []string
	AlgorithmVersion  string
	ProcessingTimeMS  int64
}

// Client calls the backend's choi-analysis endpoint.
type Client struct {
	cfg        config.BackendSettings
	httpClient *http.Client
	logger     *slog.Logger
}

// New constructs a Client over the shared backend HTTP settings.
func New(cfg config.BackendSettings, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, httpClient: httpClient, logger: logger}
}

type requestBody struct {
	InputData   map[string]any `json:"input_data"`
	CellIDs     []string       `json:"cell_ids"`
	TimeRange   string         `json:"time_range"`
	CompareMode string         `json:"compare_mode"`
}

// Evaluate POSTs the deterministic-judgement request and returns the
// normalized Judgement, or a fatal *apierrors.BackendSchemaError /
// *apierrors.BackendHTTPError / *apierrors.BackendTimeoutError.
func (c *Client) Evaluate(ctx context.Context, inputData map[string]any, cellIDs []string, timeRangeText, compareMode string) (*Judgement, error) {
	if c.cfg.URL == "" {
		return nil, &apierrors.BackendHTTPError{Message: "backend service URL is not configured"}
	}

	payload, err := json.Marshal(requestBody{
		InputData:   inputData,
		CellIDs:     cellIDs,
		TimeRange:   timeRangeText,
		CompareMode: compareMode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal choi request: %w", err)
	}

	start := time.Now()
	raw, statusCode, err := c.postWithRetry(ctx, payload)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &apierrors.BackendTimeoutError{Message: err.Error()}
		}
		if statusCode != 0 {
			return nil, &apierrors.BackendHTTPError{StatusCode: statusCode, Message: err.Error()}
		}
		return nil, &apierrors.BackendTimeoutError{Message: err.Error()}
	}

	judgement, err := parseResponse(raw)
	if err != nil {
		return nil, err
	}
	judgement.ProcessingTimeMS = elapsed.Milliseconds()
	return judgement, nil
}

func (c *Client) postWithRetry(ctx context.Context, payload []byte) ([]byte, int, error) {
	url := strings.TrimRight(c.cfg.URL, "/") + "/api/kpi/choi-analysis"

	var raw []byte
	var statusCode int
	operation := func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if reqErr != nil {
			return backoff.Permanent(reqErr)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.AuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
		}

		resp, doErr := c.httpClient.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return readErr
		}
		statusCode = resp.StatusCode

		if resp.StatusCode == http.StatusOK {
			raw = body
			return nil
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("retryable status %d: %s", resp.StatusCode, string(body))
		}
		return backoff.Permanent(fmt.Errorf("non-retryable status %d: %s", resp.StatusCode, string(body)))
	}

	bo := c.retryPolicy()
	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	return raw, statusCode, err
}

func (c *Client) retryPolicy() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.5
	maxRetries := c.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	eb.MaxInterval = eb.InitialInterval * time.Duration(1<<uint(maxRetries))
	return backoff.WithMaxRetries(eb, uint64(maxRetries))
}

// parseResponse normalizes the raw backend body into a Judgement,
// rejecting a response missing any of the required keys (spec §6.4:
// "A schema mismatch on required keys is a fatal BackendSchemaError").
func parseResponse(raw []byte) (*Judgement, error) {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, &apierrors.BackendSchemaError{Message: fmt.Sprintf("response is not valid JSON: %v", err)}
	}

	var missing []string

	algorithmVersion, ok := generic["algorithm_version"].(string)
	if !ok {
		missing = append(missing, "algorithm_version")
	}

	kpiJudgement, ok := generic["kpi_judgement"].(map[string]any)
	if !ok {
		missing = append(missing, "kpi_judgement")
	}

	var overall string
	var reasons []string
	var byKPI map[string]any
	if ok {
		overall, ok = kpiJudgement["overall"].(string)
		if !ok {
			missing = append(missing, "kpi_judgement.overall")
		}
		reasons = toStringSlice(kpiJudgement["reasons"])
		if _, present := kpiJudgement["reasons"]; !present {
			missing = append(missing, "kpi_judgement.reasons")
		}
		byKPI, ok = kpiJudgement["by_kpi"].(map[string]any)
		if !ok {
			missing = append(missing, "kpi_judgement.by_kpi")
		}
	}

	if len(missing) > 0 {
		return nil, &apierrors.BackendSchemaError{
			MissingKeys: missing,
			Message:     "deterministic judgement response is missing required keys",
		}
	}

	return &Judgement{
		Overall:           overall,
		Reasons:           reasons,
		ByKPI:             byKPI,
		AbnormalDetection: generic["abnormal_detection"],
		Warnings:          toStringSlice(generic["processing_warnings"]),
		AlgorithmVersion:  algorithmVersion,
	}, nil
}

func toStringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
