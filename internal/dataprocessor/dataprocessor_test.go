package dataprocessor

import (
	"testing"

	"peg-analysis-go/internal/pegprocessing"

	"github.com/stretchr/testify/assert"
)

func row(peg, period string, value float64) pegprocessing.Row {
	return pegprocessing.Row{PEGName: peg, Period: period, AvgValue: value}
}

func TestProcess_MergesBothPeriods(t *testing.T) {
	rows := []pegprocessing.Row{
		row("pmThp", pegprocessing.PeriodNMinus1, 100),
		row("pmThp", pegprocessing.PeriodN, 150),
	}
	results := Process(rows, "")
	assert.Equal(t, 1, len(results))
	r := results[0]
	assert.True(t, r.HasCompleteData())
	assert.InDelta(t, 100, *r.NMinus1Value, 0.001)
	assert.InDelta(t, 150, *r.NValue, 0.001)
	assert.InDelta(t, 50, *r.AbsoluteChange, 0.001)
	assert.InDelta(t, 50, *r.PercentageChange, 0.001)
}

func TestProcess_MissingSideYieldsIncompleteData(t *testing.T) {
	rows := []pegprocessing.Row{row("pmOnly", pegprocessing.PeriodNMinus1, 10)}
	results := Process(rows, "")
	assert.Equal(t, 1, len(results))
	r := results[0]
	assert.False(t, r.HasCompleteData())
	assert.Nil(t, r.AbsoluteChange)
	assert.Nil(t, r.PercentageChange)
}

func TestProcess_ZeroNMinus1YieldsNilPercentageButComputesAbsolute(t *testing.T) {
	rows := []pegprocessing.Row{
		row("pmZero", pegprocessing.PeriodNMinus1, 0),
		row("pmZero", pegprocessing.PeriodN, 5),
	}
	results := Process(rows, "")
	r := results[0]
	assert.NotNil(t, r.AbsoluteChange)
	assert.InDelta(t, 5, *r.AbsoluteChange, 0.001)
	assert.Nil(t, r.PercentageChange)
	assert.False(t, r.HasChangeData())
}

func TestProcess_AttachesTruncatedLLMSummaryToEveryPEG(t *testing.T) {
	longSummary := make([]byte, 300)
	for i := range longSummary {
		longSummary[i] = 'x'
	}
	rows := []pegprocessing.Row{row("pmA", pegprocessing.PeriodN, 1), row("pmB", pegprocessing.PeriodN, 2)}
	results := Process(rows, string(longSummary))
	for _, r := range results {
		assert.NotNil(t, r.LLMAnalysisSummary)
		assert.True(t, len(*r.LLMAnalysisSummary) <= 203)
	}
}

func TestProcess_ResultsSortedByPEGName(t *testing.T) {
	rows := []pegprocessing.Row{
		row("zzz", pegprocessing.PeriodN, 1),
		row("aaa", pegprocessing.PeriodN, 1),
	}
	results := Process(rows, "")
	assert.Equal(t, "aaa", results[0].PEGName)
	assert.Equal(t, "zzz", results[1].PEGName)
}

func TestCreateSummaryStatistics_CountsByDirection(t *testing.T) {
	rows := []pegprocessing.Row{
		row("up", pegprocessing.PeriodNMinus1, 10), row("up", pegprocessing.PeriodN, 20),
		row("down", pegprocessing.PeriodNMinus1, 20), row("down", pegprocessing.PeriodN, 10),
		row("same", pegprocessing.PeriodNMinus1, 5), row("same", pegprocessing.PeriodN, 5),
	}
	results := Process(rows, "")
	stats := CreateSummaryStatistics(results)
	assert.Equal(t, 3, stats.TotalPEGs)
	assert.Equal(t, 3, stats.CompleteDataPEGs)
	assert.Equal(t, 1, stats.PositiveChanges)
	assert.Equal(t, 1, stats.NegativeChanges)
	assert.Equal(t, 1, stats.NoChange)
	assert.NotNil(t, stats.AvgPercentageChange)
}

func TestCreateSummaryStatistics_EmptyInput(t *testing.T) {
	stats := CreateSummaryStatistics(nil)
	assert.Equal(t, 0, stats.TotalPEGs)
	assert.Nil(t, stats.AvgPercentageChange)
}
