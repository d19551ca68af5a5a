// Package llmanalysis implements the LLM Analysis Service (C7): the
// single in-scope "enhanced diagnostic" prompt strategy, the
// token-saving filter, YAML-template loading, and response
// post-processing. Grounded on the original's
// services/llm_service.py (EnhancedAnalysisPromptStrategy,
// _post_process_analysis_result) and config/prompt_loader.py's
// YAML-keyed template lookup.
package llmanalysis

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"peg-analysis-go/internal/apierrors"
	"peg-analysis-go/internal/llmclient"
	"peg-analysis-go/internal/pegprocessing"

	"gopkg.in/yaml.v3"
)

// AnalysisType is the only prompt strategy in scope (spec §4.6: "exactly
// one prompt strategy").
const AnalysisType = "enhanced"

// defaultTemplate mirrors the original's hardcoded fallback: a fixed
// senior-engineer persona plus a 4-stage chain-of-thought workflow
// ([LLM-1]-[LLM-4]), with named {placeholder} substitution.
const defaultTemplate = `[Persona and Mission]
You are a senior network diagnostics and optimization strategist with 20 years of experience at a Tier-1 mobile operator. Your mission is to perform rapid root-cause analysis (RCA), prioritize issues by customer impact, and deliver a clear, actionable plan for field engineering teams. Your analysis must align with 3GPP standards (TS 36/38.xxx series) and operational best practices, and must be rigorous and evidence-based.

[Context and Assumptions]
- The analysis target is PEG (Performance Event Group) counter changes across two periods.
- Period n-1: {n1_range}
- Period n: {n_range}
- Key assumption: both periods were measured under the same test environment (same hardware, default parameters, traffic model).
- Input data is aggregated per PEG; individual cell-level data is not included. Cell-specific root causes cannot be identified; perform macro-level analysis on the aggregated data.

[Input Data]
- Columns: peg_name, avg_value, period, change_pct
- Data table:
{data_preview}

[Analysis Workflow Instructions]
Follow this 4-stage chain-of-thought diagnostic workflow strictly.

# [LLM-1] Triage and Significance Assessment
Review every PEG in the input table and identify the top 3-5 PEGs with the most severe negative change. Judge "significance" from the magnitude of change_pct combined with the PEG's operational customer impact. Classify impact by the 3GPP service category it affects (Accessibility, Retainability, Mobility, Integrity, Latency) and select the most urgent issues.

# [LLM-2] Thematic Grouping and Primary Hypothesis Generation
Group the related PEGs from [LLM-1]'s high-priority issues into diagnostic themes (e.g. multiple access-related PEGs degrading -> "Accessibility Degradation"). For each theme, formulate the single most plausible primary hypothesis grounded in 3GPP call-flow procedures and operational experience. The hypothesis must be specific and testable.

# [LLM-3] Systemic Factor Analysis and Confounding Variable Assessment
To test the primary hypothesis, analyze the full data table for other PEG changes that support or contradict it. Explicitly consider confounding factors that could break the "same environment" assumption (routing policy changes, minor software patches, parameter rollbacks, device mix shifts), and reason about whether each is a likely cause.

# [LLM-4] Formulation of an Evidence-Based Verification Plan
For each primary hypothesis, formulate a concrete, prioritized verification plan a field engineer can execute immediately. Actions must be specific (e.g. "analyze the trend of counter pmRachAtt" rather than "check logs"). Assign a priority of P1 (immediate action), P2 (deep investigation), or P3 (periodic audit) to each action, and name the data or tools required.

[Output Format Constraints]
- The result must conform exactly to the JSON schema below.
- All string values must be written in English.
- Follow every field description and enum value exactly.

{
  "executive_summary": "a 1-2 sentence top-level summary of the network state change and the most critical issue identified",
  "diagnostic_findings": [
    {
      "primary_hypothesis": "the single most likely root-cause hypothesis",
      "supporting_evidence": "other PEG changes or logical grounds in the data table that support the hypothesis",
      "confounding_factors_assessment": "assessment of confounding variables and the reasoning behind it"
    }
  ],
  "recommended_actions": [
    {
      "priority": "P1|P2|P3",
      "action": "a concrete action item",
      "details": "required data/tools and how to execute it"
    }
  ]
}`

var placeholderRe = regexp.MustCompile(`\{[a-zA-Z_][a-zA-Z0-9_]*\}`)

// LoadTemplate reads a YAML file keyed by "enhanced" at path and returns
// its template text; on any load failure it logs a warning and falls
// back to the bundled default, per spec §4.6.
func LoadTemplate(logger *slog.Logger, path string) string {
	if path == "" {
		return defaultTemplate
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("failed to read prompt template YAML, using bundled default", "path", path, "error", err)
		return defaultTemplate
	}
	var doc map[string]string
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		logger.Warn("failed to parse prompt template YAML, using bundled default", "path", path, "error", err)
		return defaultTemplate
	}
	tmpl, ok := doc[AnalysisType]
	if !ok || strings.TrimSpace(tmpl) == "" {
		logger.Warn("prompt template YAML missing 'enhanced' key, using bundled default", "path", path)
		return defaultTemplate
	}
	return tmpl
}

// substitute replaces every {name} placeholder in tmpl from vars. Any
// placeholder left unresolved is a configuration error (spec §4.6:
// "missing placeholders raise a configuration error").
func substitute(tmpl string, vars map[string]string) (string, error) {
	out := tmpl
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	if m := placeholderRe.FindString(out); m != "" {
		return "", fmt.Errorf("prompt template references unknown placeholder %q", m)
	}
	return out, nil
}

// formatDataPreview renders the filtered long-form rows as a fixed-width
// table, mirroring the original's DataFrame.to_string() preview.
func formatDataPreview(rows []pegprocessing.Row) string {
	if len(rows) == 0 {
		return "no data available"
	}
	sorted := make([]pegprocessing.Row, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].PEGName != sorted[j].PEGName {
			return sorted[i].PEGName < sorted[j].PEGName
		}
		return sorted[i].Period < sorted[j].Period
	})

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "peg_name\tavg_value\tperiod\tchange_pct")
	for _, r := range sorted {
		pct := "null"
		if r.ChangePct != nil {
			pct = strconv.FormatFloat(*r.ChangePct, 'f', 2, 64)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.PEGName, strconv.FormatFloat(r.AvgValue, 'f', 4, 64), r.Period, pct)
	}
	w.Flush()
	return strings.TrimRight(buf.String(), "\n")
}

// FilterForPrompt applies the token-saving filter (spec §4.6): rows
// whose change_pct is null carry no comparative signal and are dropped,
// but only when excludeZeroBoth is set (PEG_EXCLUDE_ZERO_BOTH_FROM_PROMPT),
// mirroring the original's conditional
// format_dataframe_for_prompt(settings.peg_exclude_zero_both_from_prompt).
func FilterForPrompt(rows []pegprocessing.Row, excludeZeroBoth bool) []pegprocessing.Row {
	if !excludeZeroBoth {
		return rows
	}
	var out []pegprocessing.Row
	for _, r := range rows {
		if r.ChangePct != nil {
			out = append(out, r)
		}
	}
	return out
}

// BuildPrompt assembles the enhanced-diagnostic prompt from the
// processing service's long-form output.
func BuildPrompt(template, n1Range, nRange string, rows []pegprocessing.Row, excludeZeroBoth bool) (string, error) {
	filtered := FilterForPrompt(rows, excludeZeroBoth)
	if len(rows) > 0 && len(filtered) == 0 {
		return "", &apierrors.LLMAnalysisError{
			AnalysisType: AnalysisType,
			Message:      "no PEG data remains for the prompt after excluding rows with a null change_pct",
		}
	}

	vars := map[string]string{
		"n1_range":          n1Range,
		"n_range":           nRange,
		"data_preview":      formatDataPreview(filtered),
		"selected_pegs_str": "All PEGs",
	}
	prompt, err := substitute(template, vars)
	if err != nil {
		return "", &apierrors.LLMAnalysisError{AnalysisType: AnalysisType, Message: err.Error()}
	}
	return prompt, nil
}

// Result is the post-processed analysis payload returned to the
// orchestrator (C11), ready to be embedded in AnalysisResponse.
type Result map[string]any

// requiredDefaults ensures the Enhanced strategy's minimum output shape
// is always present, per spec §4.6.
var requiredDefaults = map[string]any{
	"executive_summary":  "no analysis summary was provided",
	"diagnostic_findings": []any{},
	"recommended_actions": []any{},
}

// postProcess attaches defaults and metadata to the parsed LLM response.
func postProcess(raw map[string]any, model string, rows []pegprocessing.Row) Result {
	result := Result{}
	for k, v := range raw {
		result[k] = v
	}
	for field, def := range requiredDefaults {
		if _, ok := result[field]; !ok {
			result[field] = def
		}
	}

	uniquePegs := map[string]struct{}{}
	for _, r := range rows {
		uniquePegs[r.PEGName] = struct{}{}
	}
	result["_analysis_metadata"] = map[string]any{
		"analysis_type": AnalysisType,
		"data_rows":     len(rows),
		"unique_pegs":   len(uniquePegs),
		"strategy_used": AnalysisType,
	}
	result["model_name"] = model
	result["model_used"] = model
	return result
}

// Analyze runs the full C7 pipeline: build the prompt, invoke the LLM
// client, and post-process the response.
func Analyze(ctx context.Context, logger *slog.Logger, client *llmclient.Client, template, n1Range, nRange string, rows []pegprocessing.Row, model string, enableMock, excludeZeroBoth bool) (Result, error) {
	prompt, err := BuildPrompt(template, n1Range, nRange, rows, excludeZeroBoth)
	if err != nil {
		return nil, err
	}

	raw, err := client.AnalyzeData(ctx, prompt, enableMock)
	if err != nil {
		preview := prompt
		if len(preview) > 200 {
			preview = preview[:200]
		}
		return nil, &apierrors.LLMAnalysisError{
			AnalysisType:  AnalysisType,
			PromptPreview: preview,
			Message:       fmt.Sprintf("llm call failed: %v", err),
		}
	}

	return postProcess(raw, model, rows), nil
}
