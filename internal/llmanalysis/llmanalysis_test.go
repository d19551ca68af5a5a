package llmanalysis

import (
	"io/ioutil"
	"log/slog"
	"testing"

	"peg-analysis-go/internal/apierrors"
	"peg-analysis-go/internal/pegprocessing"

	"github.com/stretchr/testify/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(ioutil.Discard, nil))
}

func pct(v float64) *float64 { return &v }

func TestFilterForPrompt_ExcludesNullChangePct(t *testing.T) {
	rows := []pegprocessing.Row{
		{PEGName: "a", ChangePct: pct(5)},
		{PEGName: "b", ChangePct: nil},
		{PEGName: "c", ChangePct: pct(-2)},
	}
	filtered := FilterForPrompt(rows, true)
	assert.Equal(t, 2, len(filtered))
}

func TestFilterForPrompt_KeepsAllRowsWhenExcludeZeroBothIsFalse(t *testing.T) {
	rows := []pegprocessing.Row{
		{PEGName: "a", ChangePct: pct(5)},
		{PEGName: "b", ChangePct: nil},
	}
	filtered := FilterForPrompt(rows, false)
	assert.Equal(t, 2, len(filtered))
}

func TestBuildPrompt_AllNullChangePctRaisesLLMAnalysisError(t *testing.T) {
	rows := []pegprocessing.Row{
		{PEGName: "a", ChangePct: nil},
		{PEGName: "b", ChangePct: nil},
	}
	_, err := BuildPrompt(defaultTemplate, "r1", "r2", rows, true)
	assert.Error(t, err)

	var analysisErr *apierrors.LLMAnalysisError
	assert.ErrorAs(t, err, &analysisErr)
}

func TestBuildPrompt_SubstitutesNamedPlaceholders(t *testing.T) {
	rows := []pegprocessing.Row{{PEGName: "pmThp", AvgValue: 10, Period: "N", ChangePct: pct(5)}}
	prompt, err := BuildPrompt(defaultTemplate, "2025-01-01_00:00~2025-01-01_01:00", "2025-01-02_00:00~2025-01-02_01:00", rows, true)
	assert.NoError(t, err)
	assert.Contains(t, prompt, "2025-01-01_00:00~2025-01-01_01:00")
	assert.Contains(t, prompt, "pmThp")
	assert.NotContains(t, prompt, "{n1_range}")
}

func TestBuildPrompt_EmptyInputIsNotAnError(t *testing.T) {
	prompt, err := BuildPrompt(defaultTemplate, "r1", "r2", nil, true)
	assert.NoError(t, err)
	assert.Contains(t, prompt, "no data available")
}

func TestSubstitute_UnknownPlaceholderIsConfigurationError(t *testing.T) {
	_, err := substitute("hello {unknown_var}", map[string]string{"n1_range": "x"})
	assert.Error(t, err)
}

func TestLoadTemplate_MissingFileFallsBackToDefault(t *testing.T) {
	tmpl := LoadTemplate(testLogger(), "/nonexistent/path/prompt.yaml")
	assert.Equal(t, defaultTemplate, tmpl)
}

func TestLoadTemplate_EmptyPathFallsBackToDefault(t *testing.T) {
	tmpl := LoadTemplate(testLogger(), "")
	assert.Equal(t, defaultTemplate, tmpl)
}

func TestPostProcess_FillsRequiredDefaults(t *testing.T) {
	rows := []pegprocessing.Row{{PEGName: "pmThp"}}
	result := postProcess(map[string]any{}, "test-model", rows)
	assert.Equal(t, "no analysis summary was provided", result["executive_summary"])
	assert.Equal(t, []any{}, result["diagnostic_findings"])
	assert.Equal(t, []any{}, result["recommended_actions"])
	meta, ok := result["_analysis_metadata"].(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, AnalysisType, meta["analysis_type"])
}

func TestPostProcess_PreservesProvidedFields(t *testing.T) {
	raw := map[string]any{"executive_summary": "custom summary"}
	result := postProcess(raw, "test-model", nil)
	assert.Equal(t, "custom summary", result["executive_summary"])
}

func TestFormatDataPreview_EmptyRows(t *testing.T) {
	assert.Equal(t, "no data available", formatDataPreview(nil))
}

func TestFormatDataPreview_RendersNullChangePct(t *testing.T) {
	rows := []pegprocessing.Row{{PEGName: "pmThp", AvgValue: 1, Period: "N", ChangePct: nil}}
	out := formatDataPreview(rows)
	assert.Contains(t, out, "null")
}
