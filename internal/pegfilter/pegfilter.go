// Package pegfilter loads the CSV-based {family_id -> {peg_name}} filter
// set and derived-PEG formula definitions used by the PEG repository
// (C4) and processing service (C6), grounded on the original's
// csv_filter_loader.py.
package pegfilter

import (
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"peg-analysis-go/internal/expr"
)

// DerivedPEGDefinition mirrors spec §3's DerivedPEGDefinition: an output
// PEG computed from a formula over other PEGs.
type DerivedPEGDefinition struct {
	OutputPEG    string
	Formula      string
	Dependencies map[string]struct{}
}

// LoadResult is the pair of products a CSV filter file yields.
type LoadResult struct {
	// Filter maps family_id to the set of peg_name values to retain.
	Filter map[int]map[string]struct{}
	// Derived holds every row with a non-empty `define` column.
	Derived []DerivedPEGDefinition
}

// Load reads family_id/peg_name/define rows from path. A missing file,
// an empty file, or a malformed row is logged as a warning, never
// returned as an error — spec §4.3: "Missing file, empty file, or
// malformed rows are warnings, not errors; empty products are returned."
func Load(logger *slog.Logger, path string) LoadResult {
	empty := LoadResult{Filter: map[int]map[string]struct{}{}, Derived: nil}

	f, err := os.Open(path)
	if err != nil {
		logger.Warn("peg filter CSV not found, proceeding with empty filter set", "path", path, "error", err)
		return empty
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err == io.EOF {
		logger.Warn("peg filter CSV is empty, proceeding with empty filter set", "path", path)
		return empty
	}
	if err != nil {
		logger.Error("failed to read peg filter CSV header, proceeding with empty filter set", "path", path, "error", err)
		return empty
	}

	colIdx := map[string]int{}
	for i, name := range header {
		colIdx[strings.TrimSpace(strings.ToLower(name))] = i
	}

	result := LoadResult{Filter: map[int]map[string]struct{}{}}

	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Warn("skipping malformed peg filter CSV row", "path", path, "error", err)
			continue
		}
		cell := func(col string) string {
			idx, ok := colIdx[col]
			if !ok || idx >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[idx])
		}

		define := cell("define")
		if define != "" {
			def, ok := parseDerivedDefinition(logger, define)
			if ok {
				result.Derived = append(result.Derived, def)
			}
			continue
		}

		familyRaw := cell("family_id")
		pegName := cell("peg_name")
		if familyRaw == "" || pegName == "" {
			continue
		}
		familyID, err := strconv.Atoi(familyRaw)
		if err != nil {
			logger.Warn("family_id is not an integer, skipping row", "family_id", familyRaw, "peg_name", pegName, "error", err)
			continue
		}
		set, ok := result.Filter[familyID]
		if !ok {
			set = map[string]struct{}{}
			result.Filter[familyID] = set
		}
		set[pegName] = struct{}{}
	}

	logger.Info("loaded peg filter CSV", "path", path, "families", len(result.Filter), "derived_pegs", len(result.Derived))
	return result
}

// parseDerivedDefinition parses a "define" cell of the form "OUT = FORMULA".
func parseDerivedDefinition(logger *slog.Logger, define string) (DerivedPEGDefinition, bool) {
	if !strings.Contains(define, "=") {
		logger.Warn("malformed define column, expected '=', skipping", "define", define)
		return DerivedPEGDefinition{}, false
	}
	parts := strings.SplitN(define, "=", 2)
	outputPeg := strings.TrimSpace(parts[0])
	formula := strings.TrimSpace(parts[1])
	if outputPeg == "" || formula == "" {
		logger.Warn("malformed define column, empty output peg or formula, skipping", "define", define)
		return DerivedPEGDefinition{}, false
	}
	return DerivedPEGDefinition{
		OutputPEG:    outputPeg,
		Formula:      formula,
		Dependencies: expr.Dependencies(formula),
	}, true
}
