// Package response assembles the two outward-facing payload shapes of
// the pipeline (C10): the caller-facing AnalysisResponse (spec §6.2) and
// the downstream backend's V2 report payload (spec §6.3), grounded on
// the original's utils/backend_payload_builder.py
// (BackendPayloadBuilder.build_v2_payload and its identifier-precedence
// and analysis-period-parsing helpers) plus the AnalysisService result
// shape the Python source builds its response dict from.
package response

import (
	"time"

	"peg-analysis-go/internal/apierrors"
	"peg-analysis-go/internal/choi"
	"peg-analysis-go/internal/config"
	"peg-analysis-go/internal/dataprocessor"
	"peg-analysis-go/internal/llmanalysis"
	"peg-analysis-go/internal/timerange"
	"peg-analysis-go/internal/utils"
)

const timestampLayout = "2006-01-02T15:04:05Z07:00"
const periodLayout = "2006-01-02 15:04:05"

// TimeRangeInfo is one side of the response's time_ranges block.
type TimeRangeInfo struct {
	Start     string `json:"start"`
	End       string `json:"end"`
	RangeText string `json:"range_text"`
}

func timeRangeInfo(r timerange.Range) TimeRangeInfo {
	return TimeRangeInfo{
		Start:     r.Start.Format(timestampLayout),
		End:       r.End.Format(timestampLayout),
		RangeText: r.RawText,
	}
}

// DataSummary is the response's top-level PEG coverage summary.
type DataSummary struct {
	TotalPEGs           int  `json:"total_pegs"`
	CompleteDataPEGs    int  `json:"complete_data_pegs"`
	IncompleteDataPEGs  int  `json:"incomplete_data_pegs"`
	HasData             bool `json:"has_data"`
}

// PEGResult is one row of peg_analysis.results.
type PEGResult struct {
	PEGName            string   `json:"peg_name"`
	NMinus1Value       *float64 `json:"n_minus_1_value"`
	NValue             *float64 `json:"n_value"`
	AbsoluteChange      *float64 `json:"absolute_change"`
	PercentageChange    *float64 `json:"percentage_change"`
	LLMAnalysisSummary  *string  `json:"llm_analysis_summary,omitempty"`
}

// Statistics mirrors dataprocessor.SummaryStatistics under its public
// JSON field names.
type Statistics struct {
	TotalPEGs           int      `json:"total_pegs"`
	CompleteDataPEGs    int      `json:"complete_data_pegs"`
	IncompleteDataPEGs  int      `json:"incomplete_data_pegs"`
	PositiveChanges     int      `json:"positive_changes"`
	NegativeChanges     int      `json:"negative_changes"`
	NoChange            int      `json:"no_change"`
	AvgPercentageChange *float64 `json:"avg_percentage_change"`
}

func toStatistics(s dataprocessor.SummaryStatistics) Statistics {
	return Statistics{
		TotalPEGs:           s.TotalPEGs,
		CompleteDataPEGs:    s.CompleteDataPEGs,
		IncompleteDataPEGs:  s.IncompleteDataPEGs,
		PositiveChanges:     s.PositiveChanges,
		NegativeChanges:     s.NegativeChanges,
		NoChange:            s.NoChange,
		AvgPercentageChange: s.AvgPercentageChange,
	}
}

// ChoiJudgementView is the response's optional
// peg_analysis.choi_judgement block.
type ChoiJudgementView struct {
	Overall           string         `json:"overall"`
	Reasons           []string       `json:"reasons"`
	ByKPI             map[string]any `json:"by_kpi"`
	AbnormalDetection any            `json:"abnormal_detection,omitempty"`
	Warnings          []string       `json:"warnings,omitempty"`
	AlgorithmVersion  string         `json:"algorithm_version"`
	ProcessingTimeMS  int64          `json:"processing_time_ms"`
}

func toChoiView(j *choi.Judgement) *ChoiJudgementView {
	if j == nil {
		return nil
	}
	return &ChoiJudgementView{
		Overall:           j.Overall,
		Reasons:           j.Reasons,
		ByKPI:             j.ByKPI,
		AbnormalDetection: j.AbnormalDetection,
		Warnings:          j.Warnings,
		AlgorithmVersion:  j.AlgorithmVersion,
		ProcessingTimeMS:  j.ProcessingTimeMS,
	}
}

// PEGAnalysis is the response's peg_analysis block.
type PEGAnalysis struct {
	Results       []PEGResult        `json:"results"`
	Statistics    Statistics         `json:"statistics"`
	ChoiJudgement *ChoiJudgementView `json:"choi_judgement,omitempty"`
}

// LLMAnalysisView is the response's llm_analysis block.
type LLMAnalysisView struct {
	ExecutiveSummary   string         `json:"executive_summary"`
	DiagnosticFindings []any          `json:"diagnostic_findings"`
	RecommendedActions []any          `json:"recommended_actions"`
	ModelUsed          string         `json:"model_used"`
	AnalysisMetadata   map[string]any `json:"_analysis_metadata"`
}

func toLLMView(result llmanalysis.Result) *LLMAnalysisView {
	if result == nil {
		return nil
	}
	view := &LLMAnalysisView{}
	if v, ok := result["executive_summary"].(string); ok {
		view.ExecutiveSummary = v
	}
	if v, ok := result["diagnostic_findings"].([]any); ok {
		view.DiagnosticFindings = v
	}
	if v, ok := result["recommended_actions"].([]any); ok {
		view.RecommendedActions = v
	}
	if v, ok := result["model_name"].(string); ok {
		view.ModelUsed = v
	}
	if v, ok := result["_analysis_metadata"].(map[string]any); ok {
		view.AnalysisMetadata = v
	}
	return view
}

// Metadata is the response's top-level metadata block.
type Metadata struct {
	WorkflowVersion     string `json:"workflow_version"`
	ProcessingTimestamp string `json:"processing_timestamp"`
	RequestID           string `json:"request_id"`
	EnableMock          bool   `json:"enable_mock"`
}

// ErrorDetails is the response's error_details block, populated only
// when Status == "error".
type ErrorDetails struct {
	Stage   string         `json:"stage"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// AnalysisResponse is the full caller-facing payload (spec §6.2).
type AnalysisResponse struct {
	Status              string                   `json:"status"`
	Message             string                   `json:"message"`
	AnalysisID          string                   `json:"analysis_id"`
	RequestTimestamp    string                   `json:"request_timestamp"`
	CompletionTimestamp string                   `json:"completion_timestamp"`
	DurationSeconds     float64                  `json:"duration_seconds"`
	TimeRanges          map[string]TimeRangeInfo `json:"time_ranges"`
	DataSummary         DataSummary              `json:"data_summary"`
	PEGAnalysis         PEGAnalysis              `json:"peg_analysis"`
	LLMAnalysis         *LLMAnalysisView         `json:"llm_analysis,omitempty"`
	Metadata            Metadata                 `json:"metadata"`
	ErrorDetails        *ErrorDetails            `json:"error_details,omitempty"`
}

// SuccessInput bundles everything BuildSuccess needs to assemble a
// completed AnalysisResponse.
type SuccessInput struct {
	AnalysisID       string
	RequestID        string
	RequestTimestamp time.Time
	CompletionTime   time.Time
	N1Range          timerange.Range
	NRange           timerange.Range
	Analyzed         []dataprocessor.AnalyzedPEG
	Statistics       dataprocessor.SummaryStatistics
	LLMResult        llmanalysis.Result
	ChoiJudgement    *choi.Judgement
	EnableMock       bool
}

// BuildSuccess assembles a status="completed" AnalysisResponse.
func BuildSuccess(in SuccessInput) AnalysisResponse {
	results := make([]PEGResult, 0, len(in.Analyzed))
	hasData := false
	for _, a := range in.Analyzed {
		if a.NMinus1Value != nil || a.NValue != nil {
			hasData = true
		}
		results = append(results, PEGResult{
			PEGName:            a.PEGName,
			NMinus1Value:       a.NMinus1Value,
			NValue:             a.NValue,
			AbsoluteChange:     a.AbsoluteChange,
			PercentageChange:   a.PercentageChange,
			LLMAnalysisSummary: a.LLMAnalysisSummary,
		})
	}

	return AnalysisResponse{
		Status:               "completed",
		Message:              "analysis completed successfully",
		AnalysisID:           in.AnalysisID,
		RequestTimestamp:     in.RequestTimestamp.Format(timestampLayout),
		CompletionTimestamp:  in.CompletionTime.Format(timestampLayout),
		DurationSeconds:      in.CompletionTime.Sub(in.RequestTimestamp).Seconds(),
		TimeRanges: map[string]TimeRangeInfo{
			"n_minus_1": timeRangeInfo(in.N1Range),
			"n":         timeRangeInfo(in.NRange),
		},
		DataSummary: DataSummary{
			TotalPEGs:          in.Statistics.TotalPEGs,
			CompleteDataPEGs:   in.Statistics.CompleteDataPEGs,
			IncompleteDataPEGs: in.Statistics.IncompleteDataPEGs,
			HasData:            hasData,
		},
		PEGAnalysis: PEGAnalysis{
			Results:       results,
			Statistics:    toStatistics(in.Statistics),
			ChoiJudgement: toChoiView(in.ChoiJudgement),
		},
		LLMAnalysis: toLLMView(in.LLMResult),
		Metadata: Metadata{
			WorkflowVersion:     config.Version,
			ProcessingTimestamp: in.CompletionTime.Format(timestampLayout),
			RequestID:           in.RequestID,
			EnableMock:          in.EnableMock,
		},
	}
}

// BuildError assembles a status="error" AnalysisResponse from a stage
// failure, per spec §4.11: "Any stage raising a typed error aborts the
// pipeline and yields an error response containing
// {stage, code, message, details}."
func BuildError(stageErr *apierrors.StageError, analysisID, requestID string, requestTimestamp, completionTime time.Time, enableMock bool) AnalysisResponse {
	return AnalysisResponse{
		Status:               "error",
		Message:              stageErr.Message,
		AnalysisID:           analysisID,
		RequestTimestamp:     requestTimestamp.Format(timestampLayout),
		CompletionTimestamp:  completionTime.Format(timestampLayout),
		DurationSeconds:      completionTime.Sub(requestTimestamp).Seconds(),
		Metadata: Metadata{
			WorkflowVersion:     config.Version,
			ProcessingTimestamp: completionTime.Format(timestampLayout),
			RequestID:           requestID,
			EnableMock:          enableMock,
		},
		ErrorDetails: &ErrorDetails{
			Stage:   stageErr.Stage,
			Code:    stageErr.Code,
			Message: stageErr.Message,
			Details: stageErr.Details,
		},
	}
}

// DBIdentifiers holds identifiers resolved from the database during
// retrieval (C4), when available.
type DBIdentifiers struct {
	NEID   string
	CellID string
	SWName string
}

// PeriodStats is one side of a peg_comparisons entry. Only Avg is
// populated by this pipeline (spec §9: the processing service computes
// a running mean only, "no wide matrix is required"); the percentile/
// min/max/std fields are left nil, matching a backend consumer that
// tolerates partial stats blocks.
type PeriodStats struct {
	Avg   *float64 `json:"avg"`
	Pct95 *float64 `json:"pct_95"`
	Pct99 *float64 `json:"pct_99"`
	Min   *float64 `json:"min"`
	Max   *float64 `json:"max"`
	Count int      `json:"count"`
	Std   *float64 `json:"std"`
}

// PEGComparison is one entry of the backend payload's peg_comparisons.
type PEGComparison struct {
	PEGName          string      `json:"peg_name"`
	NMinus1          PeriodStats `json:"n_minus_1"`
	N                PeriodStats `json:"n"`
	ChangeAbsolute   *float64    `json:"change_absolute"`
	ChangePercentage *float64    `json:"change_percentage"`
	LLMInsight       *string     `json:"llm_insight,omitempty"`
}

// AnalysisPeriod is the backend payload's analysis_period block, in
// "YYYY-MM-DD HH:MM:SS" wall-clock text (spec §6.3).
type AnalysisPeriod struct {
	NMinus1Start string `json:"n_minus_1_start"`
	NMinus1End   string `json:"n_minus_1_end"`
	NStart       string `json:"n_start"`
	NEnd         string `json:"n_end"`
}

// ChoiResult is the backend payload's choi_result block.
type ChoiResult struct {
	Enabled bool           `json:"enabled"`
	Status  string         `json:"status"`
	Score   *float64       `json:"score,omitempty"`
	Details map[string]any `json:"details"`
}

// BackendLLMAnalysis is the backend payload's llm_analysis block
// (distinct field set from the caller-facing LLMAnalysisView).
type BackendLLMAnalysis struct {
	Summary         string   `json:"summary"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
	Confidence      *float64 `json:"confidence,omitempty"`
	ModelName       string   `json:"model_name"`
}

// BackendPayload is the full V2 report payload (spec §6.3).
type BackendPayload struct {
	NEID           string              `json:"ne_id"`
	CellID         string              `json:"cell_id"`
	SWName         string              `json:"swname"`
	RelVer         *string             `json:"rel_ver"`
	AnalysisPeriod AnalysisPeriod      `json:"analysis_period"`
	ChoiResult     *ChoiResult         `json:"choi_result"`
	LLMAnalysis    BackendLLMAnalysis  `json:"llm_analysis"`
	PEGComparisons []PEGComparison     `json:"peg_comparisons"`
	AnalysisID     string              `json:"analysis_id"`
}

func firstOrEmpty(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// BackendInput bundles everything BuildBackendPayload needs.
type BackendInput struct {
	DB            DBIdentifiers
	Filters       map[string][]string
	N1Range       timerange.Range
	NRange        timerange.Range
	ChoiJudgement *choi.Judgement
	LLMResult     llmanalysis.Result
	Analyzed      []dataprocessor.AnalyzedPEG
	AnalysisID    string
}

// BuildBackendPayload assembles the V2 payload, applying the
// identifier-precedence rule of spec §6.3 / testable property #6: DB >
// request filters > "unknown". rel_ver is taken only from the request
// (never resolved from the DB) and left null if absent, per the
// original's _extract_identifier(..., default=None).
func BuildBackendPayload(in BackendInput) BackendPayload {
	neID := utils.Choose(in.DB.NEID, utils.Choose(firstOrEmpty(in.Filters["ne"]), "unknown"))
	cellID := utils.Choose(in.DB.CellID, utils.Choose(firstOrEmpty(in.Filters["cellid"]), "unknown"))
	swname := utils.Choose(in.DB.SWName, utils.Choose(firstOrEmpty(in.Filters["swname"]), "unknown"))

	var relVer *string
	if v := firstOrEmpty(in.Filters["rel_ver"]); v != "" {
		relVer = &v
	}

	comparisons := make([]PEGComparison, 0, len(in.Analyzed))
	for _, a := range in.Analyzed {
		comparisons = append(comparisons, PEGComparison{
			PEGName:          a.PEGName,
			NMinus1:          PeriodStats{Avg: a.NMinus1Value},
			N:                PeriodStats{Avg: a.NValue},
			ChangeAbsolute:   a.AbsoluteChange,
			ChangePercentage: a.PercentageChange,
			LLMInsight:       a.LLMAnalysisSummary,
		})
	}

	return BackendPayload{
		NEID:   neID,
		CellID: cellID,
		SWName: swname,
		RelVer: relVer,
		AnalysisPeriod: AnalysisPeriod{
			NMinus1Start: in.N1Range.Start.Format(periodLayout),
			NMinus1End:   in.N1Range.End.Format(periodLayout),
			NStart:       in.NRange.Start.Format(periodLayout),
			NEnd:         in.NRange.End.Format(periodLayout),
		},
		ChoiResult:     toBackendChoiResult(in.ChoiJudgement),
		LLMAnalysis:    toBackendLLMAnalysis(in.LLMResult),
		PEGComparisons: comparisons,
		AnalysisID:     in.AnalysisID,
	}
}

func toBackendChoiResult(j *choi.Judgement) *ChoiResult {
	if j == nil {
		return nil
	}
	return &ChoiResult{
		Enabled: true,
		Status:  j.Overall,
		Details: j.ByKPI,
	}
}

func toBackendLLMAnalysis(result llmanalysis.Result) BackendLLMAnalysis {
	out := BackendLLMAnalysis{Issues: []string{}, Recommendations: []string{}}
	if result == nil {
		return out
	}
	if v, ok := result["executive_summary"].(string); ok {
		out.Summary = v
	}
	if v, ok := result["diagnostic_findings"].([]any); ok {
		out.Issues = toStringList(v)
	}
	if v, ok := result["recommended_actions"].([]any); ok {
		out.Recommendations = toStringList(v)
	}
	if v, ok := result["model_name"].(string); ok {
		out.ModelName = v
	}
	return out
}

func toStringList(items []any) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
			continue
		}
		out = append(out, "")
	}
	return out
}
