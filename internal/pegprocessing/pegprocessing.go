// Package pegprocessing implements the PEG Processing Service (C6):
// retrieval -> validation -> multi-cell averaging -> aggregation ->
// topologically-ordered derived-PEG evaluation -> percent-change. This
// is the long-form output consumed by the LLM Analysis Service (C7) and
// the Data Processor (C8). Grounded on the original's
// services/peg_processing_service.py.
package pegprocessing

import (
	"log/slog"
	"regexp"
	"sort"

	"peg-analysis-go/internal/apierrors"
	"peg-analysis-go/internal/expr"
	"peg-analysis-go/internal/pegfilter"
	"peg-analysis-go/internal/pegrepo"
)

const (
	PeriodNMinus1 = "N-1"
	PeriodN       = "N"
)

// Row is one line of the long-form output table (spec §4.5): a PEG's
// average value for a single period, carrying the peg-level percent
// change and is_derived flag. change_pct is identical on the N-1 and N
// rows of the same peg (computed once, attached to both).
type Row struct {
	PEGName    string
	Dimensions string
	Period     string
	AvgValue   float64
	ChangePct  *float64
	IsDerived  bool
}

// Input bundles the two retrieved windows and the derived-PEG
// definitions to evaluate against them.
type Input struct {
	N1Samples       []pegrepo.PEGSample
	NSamples        []pegrepo.PEGSample
	Derived         []pegfilter.DerivedPEGDefinition
	HasCellidFilter bool
}

// aggValue accumulates a running mean.
type aggValue struct {
	sum   float64
	count int
}

func (a *aggValue) add(v float64) {
	a.sum += v
	a.count++
}

func (a *aggValue) mean() float64 {
	if a.count == 0 {
		return 0
	}
	return a.sum / float64(a.count)
}

var cellIdentityRe = regexp.MustCompile(`CellIdentity=\d+,?`)

// stripCellIdentity removes `CellIdentity=<n>` tokens from a dimensions
// string, per spec §4.5 step 4 and the Open Question it flags as
// authoritative: strip only CellIdentity, group by the remainder.
func stripCellIdentity(dims string) string {
	return cellIdentityRe.ReplaceAllString(dims, "")
}

type dimsKey struct {
	peg  string
	dims string
}

// aggregateWindow applies multi-cell averaging (when no cellid filter is
// present) then groups by (peg_name[, dimensions]) taking the mean of
// value, per spec §4.5 steps 4-5. It also returns a dims-agnostic
// per-peg mean, used as the variable map for derived-PEG evaluation
// (spec §4.5 step 6: "pivot ... ignoring dimensions").
func aggregateWindow(samples []pegrepo.PEGSample, hasCellidFilter bool) (map[dimsKey]*aggValue, map[string]*aggValue) {
	stage := samples
	if !hasCellidFilter {
		type cellKey struct {
			timestamp int64
			peg       string
			dims      string
		}
		merged := map[cellKey]*pegrepo.PEGSample{}
		sums := map[cellKey]*aggValue{}
		var order []cellKey
		for _, s := range samples {
			dims := stripCellIdentity(s.Dimensions)
			k := cellKey{s.Timestamp.UnixNano(), s.PEGName, dims}
			if _, ok := merged[k]; !ok {
				first := s
				first.Dimensions = dims
				merged[k] = &first
				sums[k] = &aggValue{}
				order = append(order, k)
			}
			sums[k].add(s.Value)
		}
		stage = make([]pegrepo.PEGSample, 0, len(order))
		for _, k := range order {
			row := *merged[k]
			row.Value = sums[k].mean()
			stage = append(stage, row)
		}
	}

	byDims := map[dimsKey]*aggValue{}
	byPeg := map[string]*aggValue{}
	for _, s := range stage {
		dk := dimsKey{s.PEGName, s.Dimensions}
		if _, ok := byDims[dk]; !ok {
			byDims[dk] = &aggValue{}
		}
		byDims[dk].add(s.Value)

		if _, ok := byPeg[s.PEGName]; !ok {
			byPeg[s.PEGName] = &aggValue{}
		}
		byPeg[s.PEGName].add(s.Value)
	}
	return byDims, byPeg
}

// ResolveDependencyOrder runs Kahn's topological sort over the derived
// PEG DAG (spec §4.2/§9), returning definitions in an order where every
// dependency that is itself a derived PEG precedes its dependent. A
// FIFO queue keeps the ordering stable among equal in-degree ties.
func ResolveDependencyOrder(derived []pegfilter.DerivedPEGDefinition) ([]pegfilter.DerivedPEGDefinition, error) {
	outputSet := map[string]bool{}
	byName := map[string]pegfilter.DerivedPEGDefinition{}
	for _, d := range derived {
		outputSet[d.OutputPEG] = true
		byName[d.OutputPEG] = d
	}

	inDegree := map[string]int{}
	adj := map[string][]string{}
	for _, d := range derived {
		inDegree[d.OutputPEG] = 0
	}
	for _, d := range derived {
		for dep := range d.Dependencies {
			if outputSet[dep] {
				inDegree[d.OutputPEG]++
				adj[dep] = append(adj[dep], d.OutputPEG)
			}
		}
	}

	var queue []string
	for _, d := range derived {
		if inDegree[d.OutputPEG] == 0 {
			queue = append(queue, d.OutputPEG)
		}
	}

	var sorted []pegfilter.DerivedPEGDefinition
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		sorted = append(sorted, byName[name])
		for _, dependent := range adj[name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) != len(derived) {
		var circular []string
		for name, deg := range inDegree {
			if deg > 0 {
				circular = append(circular, name)
			}
		}
		sort.Strings(circular)
		return nil, &apierrors.PEGProcessingError{
			Step:    apierrors.StepDependencyResolution,
			Message: "circular dependency among derived PEGs",
			Details: map[string]any{"circular_dependencies": circular},
		}
	}
	return sorted, nil
}

// computeChangePct applies the load-bearing null policy of spec §4.5
// step 7 / §3's ProcessedPEG: null unless both sides are present and
// n_minus_1 != 0.
func computeChangePct(n1 float64, hasN1 bool, n float64, hasN bool) *float64 {
	if !hasN1 || !hasN || n1 == 0 {
		return nil
	}
	pct := (n - n1) / n1 * 100
	return &pct
}

// Process runs the full C6 pipeline over already-retrieved samples and
// returns the sorted long-form table.
func Process(logger *slog.Logger, in Input) ([]Row, error) {
	if len(in.N1Samples) == 0 {
		logger.Warn("N-1 window returned no samples")
	}
	if len(in.NSamples) == 0 {
		logger.Warn("N window returned no samples")
	}
	for _, s := range in.N1Samples {
		if s.PEGName == "" {
			return nil, &apierrors.PEGProcessingError{Step: apierrors.StepDataValidation, Message: "N-1 sample missing peg_name"}
		}
	}
	for _, s := range in.NSamples {
		if s.PEGName == "" {
			return nil, &apierrors.PEGProcessingError{Step: apierrors.StepDataValidation, Message: "N sample missing peg_name"}
		}
	}

	n1Dims, n1Peg := aggregateWindow(in.N1Samples, in.HasCellidFilter)
	nDims, nPeg := aggregateWindow(in.NSamples, in.HasCellidFilter)

	order, err := ResolveDependencyOrder(in.Derived)
	if err != nil {
		return nil, err
	}

	vars1 := map[string]float64{}
	for k, v := range n1Peg {
		vars1[k] = v.mean()
	}
	varsN := map[string]float64{}
	for k, v := range nPeg {
		varsN[k] = v.mean()
	}
	derived1 := map[string]float64{}
	derivedN := map[string]float64{}
	for _, d := range order {
		if v, err := expr.Eval(d.Formula, vars1); err == nil && expr.IsUsable(v) {
			derived1[d.OutputPEG] = v
			vars1[d.OutputPEG] = v
		} else if err != nil {
			logger.Warn("derived PEG formula rejected for N-1 window", "peg", d.OutputPEG, "error", err)
		} else {
			logger.Warn("derived PEG produced a non-finite result for N-1 window, omitting", "peg", d.OutputPEG)
		}
		if v, err := expr.Eval(d.Formula, varsN); err == nil && expr.IsUsable(v) {
			derivedN[d.OutputPEG] = v
			varsN[d.OutputPEG] = v
		} else if err != nil {
			logger.Warn("derived PEG formula rejected for N window", "peg", d.OutputPEG, "error", err)
		} else {
			logger.Warn("derived PEG produced a non-finite result for N window, omitting", "peg", d.OutputPEG)
		}
	}

	var rows []Row

	allKeys := map[dimsKey]struct{}{}
	for k := range n1Dims {
		allKeys[k] = struct{}{}
	}
	for k := range nDims {
		allKeys[k] = struct{}{}
	}
	for k := range allKeys {
		v1, ok1 := n1Dims[k]
		vN, okN := nDims[k]
		var m1, mN float64
		if ok1 {
			m1 = v1.mean()
		}
		if okN {
			mN = vN.mean()
		}
		changePct := computeChangePct(m1, ok1, mN, okN)
		if ok1 {
			rows = append(rows, Row{PEGName: k.peg, Dimensions: k.dims, Period: PeriodNMinus1, AvgValue: m1, ChangePct: changePct, IsDerived: false})
		}
		if okN {
			rows = append(rows, Row{PEGName: k.peg, Dimensions: k.dims, Period: PeriodN, AvgValue: mN, ChangePct: changePct, IsDerived: false})
		}
	}

	for _, d := range order {
		name := d.OutputPEG
		v1, ok1 := derived1[name]
		vN, okN := derivedN[name]
		if !ok1 && !okN {
			continue
		}
		changePct := computeChangePct(v1, ok1, vN, okN)
		if ok1 {
			rows = append(rows, Row{PEGName: name, Period: PeriodNMinus1, AvgValue: v1, ChangePct: changePct, IsDerived: true})
		}
		if okN {
			rows = append(rows, Row{PEGName: name, Period: PeriodN, AvgValue: vN, ChangePct: changePct, IsDerived: true})
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].IsDerived != rows[j].IsDerived {
			return !rows[i].IsDerived // base PEGs precede derived
		}
		if rows[i].PEGName != rows[j].PEGName {
			return rows[i].PEGName < rows[j].PEGName
		}
		return rows[i].Period < rows[j].Period
	})

	return rows, nil
}
