package pegprocessing

import (
	"io/ioutil"
	"log/slog"
	"testing"
	"time"

	"peg-analysis-go/internal/apierrors"
	"peg-analysis-go/internal/pegfilter"
	"peg-analysis-go/internal/pegrepo"

	"github.com/stretchr/testify/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(ioutil.Discard, nil))
}

func sample(peg string, value float64, dims string) pegrepo.PEGSample {
	return pegrepo.PEGSample{
		Timestamp:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		PEGName:    peg,
		Value:      value,
		Dimensions: dims,
	}
}

func findRow(t *testing.T, rows []Row, peg, period string) Row {
	t.Helper()
	for _, r := range rows {
		if r.PEGName == peg && r.Period == period {
			return r
		}
	}
	t.Fatalf("no row found for peg=%s period=%s", peg, period)
	return Row{}
}

func TestProcess_ThroughputAveraging(t *testing.T) {
	in := Input{
		N1Samples: []pegrepo.PEGSample{
			sample("pmThp", 100, "CellIdentity=1"),
			sample("pmThp", 200, "CellIdentity=2"),
		},
		NSamples: []pegrepo.PEGSample{
			sample("pmThp", 150, "CellIdentity=1"),
			sample("pmThp", 250, "CellIdentity=2"),
		},
		HasCellidFilter: false,
	}
	rows, err := Process(testLogger(), in)
	assert.NoError(t, err)

	n1 := findRow(t, rows, "pmThp", PeriodNMinus1)
	n := findRow(t, rows, "pmThp", PeriodN)
	assert.InDelta(t, 150, n1.AvgValue, 0.001) // mean(100,200)
	assert.InDelta(t, 200, n.AvgValue, 0.001)  // mean(150,250)
	assert.NotNil(t, n1.ChangePct)
	assert.InDelta(t, (200.0-150.0)/150.0*100, *n1.ChangePct, 0.001)
	assert.Equal(t, *n1.ChangePct, *n.ChangePct)
}

func TestProcess_ZeroNMinus1YieldsNullChangePct(t *testing.T) {
	in := Input{
		N1Samples: []pegrepo.PEGSample{sample("pmErr", 0, "")},
		NSamples:  []pegrepo.PEGSample{sample("pmErr", 5, "")},
	}
	rows, err := Process(testLogger(), in)
	assert.NoError(t, err)

	n1 := findRow(t, rows, "pmErr", PeriodNMinus1)
	n := findRow(t, rows, "pmErr", PeriodN)
	assert.Nil(t, n1.ChangePct)
	assert.Nil(t, n.ChangePct)
}

func TestProcess_MissingOneSideYieldsNullChangePct(t *testing.T) {
	in := Input{
		N1Samples: []pegrepo.PEGSample{sample("pmOnlyOld", 10, "")},
		NSamples:  nil,
	}
	rows, err := Process(testLogger(), in)
	assert.NoError(t, err)

	var found bool
	for _, r := range rows {
		if r.PEGName == "pmOnlyOld" {
			found = true
			assert.Nil(t, r.ChangePct)
			assert.Equal(t, PeriodNMinus1, r.Period)
		}
	}
	assert.True(t, found)
}

func TestProcess_DerivedPEGEvaluatedFromDependencies(t *testing.T) {
	derived := []pegfilter.DerivedPEGDefinition{
		{OutputPEG: "success_rate", Formula: "pmSucc / pmAtt * 100", Dependencies: map[string]struct{}{"pmSucc": {}, "pmAtt": {}}},
	}
	in := Input{
		N1Samples: []pegrepo.PEGSample{sample("pmSucc", 90, ""), sample("pmAtt", 100, "")},
		NSamples:  []pegrepo.PEGSample{sample("pmSucc", 95, ""), sample("pmAtt", 100, "")},
		Derived:   derived,
	}
	rows, err := Process(testLogger(), in)
	assert.NoError(t, err)

	n1 := findRow(t, rows, "success_rate", PeriodNMinus1)
	n := findRow(t, rows, "success_rate", PeriodN)
	assert.True(t, n1.IsDerived)
	assert.InDelta(t, 90, n1.AvgValue, 0.001)
	assert.InDelta(t, 95, n.AvgValue, 0.001)
}

func TestProcess_DerivedPEGChainedDependency(t *testing.T) {
	// b depends on a, both derived; b must see a's computed value.
	derived := []pegfilter.DerivedPEGDefinition{
		{OutputPEG: "b", Formula: "a + 1", Dependencies: map[string]struct{}{"a": {}}},
		{OutputPEG: "a", Formula: "base * 2", Dependencies: map[string]struct{}{"base": {}}},
	}
	in := Input{
		N1Samples: []pegrepo.PEGSample{sample("base", 5, "")},
		NSamples:  []pegrepo.PEGSample{sample("base", 10, "")},
		Derived:   derived,
	}
	rows, err := Process(testLogger(), in)
	assert.NoError(t, err)

	bN1 := findRow(t, rows, "b", PeriodNMinus1)
	bN := findRow(t, rows, "b", PeriodN)
	assert.InDelta(t, 11, bN1.AvgValue, 0.001) // a=10, b=11
	assert.InDelta(t, 21, bN.AvgValue, 0.001)  // a=20, b=21
}

func TestProcess_DerivedPEGCycleRaisesDependencyResolutionError(t *testing.T) {
	derived := []pegfilter.DerivedPEGDefinition{
		{OutputPEG: "A", Formula: "B + 1", Dependencies: map[string]struct{}{"B": {}}},
		{OutputPEG: "B", Formula: "A + 1", Dependencies: map[string]struct{}{"A": {}}},
	}
	in := Input{Derived: derived}
	_, err := Process(testLogger(), in)
	assert.Error(t, err)

	var pegErr *apierrors.PEGProcessingError
	assert.ErrorAs(t, err, &pegErr)
	assert.Equal(t, apierrors.StepDependencyResolution, pegErr.Step)
}

func TestResolveDependencyOrder_TopologicalProperty(t *testing.T) {
	derived := []pegfilter.DerivedPEGDefinition{
		{OutputPEG: "c", Formula: "b + 1", Dependencies: map[string]struct{}{"b": {}}},
		{OutputPEG: "a", Formula: "raw * 2", Dependencies: map[string]struct{}{"raw": {}}},
		{OutputPEG: "b", Formula: "a + 1", Dependencies: map[string]struct{}{"a": {}}},
	}
	order, err := ResolveDependencyOrder(derived)
	assert.NoError(t, err)

	pos := map[string]int{}
	for i, d := range order {
		pos[d.OutputPEG] = i
	}
	assert.True(t, pos["a"] < pos["b"])
	assert.True(t, pos["b"] < pos["c"])
}

func TestProcess_MultiCellAveragingStripsCellIdentityWhenNoCellidFilter(t *testing.T) {
	in := Input{
		N1Samples: []pegrepo.PEGSample{
			sample("pmThp", 10, "CellIdentity=1,QCI=5"),
			sample("pmThp", 30, "CellIdentity=2,QCI=5"),
		},
		NSamples:        nil,
		HasCellidFilter: false,
	}
	rows, err := Process(testLogger(), in)
	assert.NoError(t, err)

	assert.Equal(t, 1, len(rows))
	assert.Equal(t, "QCI=5", rows[0].Dimensions)
	assert.InDelta(t, 20, rows[0].AvgValue, 0.001)
}

func TestProcess_PreservesDimensionsWhenCellidFilterPresent(t *testing.T) {
	in := Input{
		N1Samples: []pegrepo.PEGSample{
			sample("pmThp", 10, "CellIdentity=1"),
			sample("pmThp", 30, "CellIdentity=2"),
		},
		HasCellidFilter: true,
	}
	rows, err := Process(testLogger(), in)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(rows))
}

func TestProcess_SortOrderBasePrecedesDerived(t *testing.T) {
	derived := []pegfilter.DerivedPEGDefinition{
		{OutputPEG: "zzz_derived", Formula: "pmA + 1", Dependencies: map[string]struct{}{"pmA": {}}},
	}
	in := Input{
		N1Samples: []pegrepo.PEGSample{sample("pmA", 1, "")},
		NSamples:  []pegrepo.PEGSample{sample("pmA", 2, "")},
		Derived:   derived,
	}
	rows, err := Process(testLogger(), in)
	assert.NoError(t, err)
	assert.True(t, len(rows) >= 2)
	assert.False(t, rows[0].IsDerived)
	assert.True(t, rows[len(rows)-1].IsDerived)
}
