// Package dataprocessor implements the Data Processor (C8): merges the
// N-1/N long-form output of the PEG Processing Service (C6) into one
// record per PEG, computes absolute/percentage change under the same
// null policy as C6, optionally attaches an LLM analysis summary per
// PEG, and produces summary statistics. Grounded on the original's
// utils/data_processor.py (DataProcessor._merge_peg_data,
// _calculate_change_rates, _integrate_llm_analysis,
// create_summary_statistics).
package dataprocessor

import (
	"math"
	"sort"
	"strings"

	"peg-analysis-go/internal/pegprocessing"
)

// AnalyzedPEG is one PEG's merged N-1/N comparison, mirroring the
// original's AnalyzedPEGResult.
type AnalyzedPEG struct {
	PEGName            string
	NMinus1Value       *float64
	NValue             *float64
	AbsoluteChange     *float64
	PercentageChange   *float64
	LLMAnalysisSummary *string
}

// HasCompleteData reports whether both N-1 and N values are present.
func (a AnalyzedPEG) HasCompleteData() bool {
	return a.NMinus1Value != nil && a.NValue != nil
}

// HasChangeData reports whether both change fields were computable.
func (a AnalyzedPEG) HasChangeData() bool {
	return a.AbsoluteChange != nil && a.PercentageChange != nil
}

type mergedValue struct {
	nMinus1 *float64
	n       *float64
}

// mergePEGData collapses the long-form rows into one entry per PEG,
// keyed across both periods (spec §4.8: "union-by-peg-name").
func mergePEGData(rows []pegprocessing.Row) map[string]mergedValue {
	merged := map[string]mergedValue{}
	for _, r := range rows {
		v := merged[r.PEGName]
		value := r.AvgValue
		switch r.Period {
		case pegprocessing.PeriodNMinus1:
			v.nMinus1 = &value
		case pegprocessing.PeriodN:
			v.n = &value
		}
		merged[r.PEGName] = v
	}
	return merged
}

// calculateChangeRates computes AnalyzedPEG entries from the merged
// map, applying the same null policy as spec §4.5: absolute/percentage
// change are only computed when both sides are present, and percentage
// change is additionally null when n_minus_1 == 0.
func calculateChangeRates(merged map[string]mergedValue) []AnalyzedPEG {
	results := make([]AnalyzedPEG, 0, len(merged))
	for pegName, v := range merged {
		result := AnalyzedPEG{PEGName: pegName, NMinus1Value: v.nMinus1, NValue: v.n}
		if v.nMinus1 != nil && v.n != nil {
			absChange := *v.n - *v.nMinus1
			result.AbsoluteChange = &absChange
			if *v.nMinus1 != 0 {
				pctChange := absChange / *v.nMinus1 * 100
				result.PercentageChange = &pctChange
			}
		}
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].PEGName < results[j].PEGName })
	return results
}

// integrateLLMAnalysis attaches a per-PEG summary from a peg_name ->
// summary map, matched case-insensitively, per the original's
// _integrate_llm_analysis.
func integrateLLMAnalysis(results []AnalyzedPEG, llmPegAnalysis map[string]string) []AnalyzedPEG {
	if len(llmPegAnalysis) == 0 {
		return results
	}
	lowered := make(map[string]string, len(llmPegAnalysis))
	for k, v := range llmPegAnalysis {
		lowered[strings.ToLower(k)] = v
	}
	for i := range results {
		if summary, ok := lowered[strings.ToLower(results[i].PEGName)]; ok {
			s := summary
			results[i].LLMAnalysisSummary = &s
		}
	}
	return results
}

// Process runs the full C8 pipeline over the processing service's
// long-form output. llmSummary, when non-empty, is truncated to 200
// characters and applied to every PEG, mirroring the original's
// whole-summary fallback when no per-PEG analysis is available.
func Process(rows []pegprocessing.Row, llmSummary string) []AnalyzedPEG {
	merged := mergePEGData(rows)
	results := calculateChangeRates(merged)

	if llmSummary == "" {
		return results
	}
	truncated := llmSummary
	if len(truncated) > 200 {
		truncated = truncated[:200] + "..."
	}
	perPEG := make(map[string]string, len(results))
	for _, r := range results {
		perPEG[r.PEGName] = truncated
	}
	return integrateLLMAnalysis(results, perPEG)
}

// SummaryStatistics is the totals bag attached to the final response.
type SummaryStatistics struct {
	TotalPEGs           int
	CompleteDataPEGs    int
	IncompleteDataPEGs  int
	PositiveChanges     int
	NegativeChanges     int
	NoChange            int
	AvgPercentageChange *float64
}

// CreateSummaryStatistics aggregates totals across the analyzed PEGs,
// per the original's create_summary_statistics.
func CreateSummaryStatistics(results []AnalyzedPEG) SummaryStatistics {
	if len(results) == 0 {
		return SummaryStatistics{}
	}

	var validChanges []float64
	completeCount, positive, negative, noChange := 0, 0, 0, 0
	for _, r := range results {
		if r.HasCompleteData() {
			completeCount++
		}
		if r.PercentageChange != nil {
			v := *r.PercentageChange
			validChanges = append(validChanges, v)
			switch {
			case v > 0:
				positive++
			case v < 0:
				negative++
			default:
				noChange++
			}
		}
	}

	stats := SummaryStatistics{
		TotalPEGs:          len(results),
		CompleteDataPEGs:   completeCount,
		IncompleteDataPEGs: len(results) - completeCount,
		PositiveChanges:    positive,
		NegativeChanges:    negative,
		NoChange:           noChange,
	}
	if len(validChanges) > 0 {
		sum := 0.0
		for _, v := range validChanges {
			sum += v
		}
		avg := roundTo2(sum / float64(len(validChanges)))
		stats.AvgPercentageChange = &avg
	}
	return stats
}

func roundTo2(v float64) float64 {
	return math.Round(v*100) / 100
}
