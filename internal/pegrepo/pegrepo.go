// Package pegrepo implements the JSONB counter-expansion query (C4):
// dynamic, always-parameterized SQL that expands a nested JSONB document
// into a flat (timestamp, family_name, peg_name, value, dimensions)
// stream, with per-dimension filtering. Grounded on the original's
// database.py fetch_peg_data and on the retrieval pack's pgxpool dynamic
// WHERE-clause pattern (see DESIGN.md).
package pegrepo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"peg-analysis-go/internal/apierrors"
	"peg-analysis-go/internal/timerange"

	"github.com/jackc/pgx/v5/pgxpool"
)

// dimensionAliasMap maps a request-facing filter key to the JSONB
// "index_name" value it selects, per spec §3's FilterSet.
var dimensionAliasMap = map[string]string{
	"cellid": "CellIdentity",
	"qci":    "QCI",
	"bpu_id": "BPU_ID",
}

// TableConfig names the physical columns of the PEG counter table.
type TableConfig struct {
	Table     string
	TimeCol   string
	FamilyCol string // family_name text column
	ValuesCol string // JSONB column
	NECol     string // optional
	SWNameCol string // optional
	RelVerCol string // optional
}

// FilterSet mirrors spec §3's FilterSet: identifier filters plus
// dimension-index filters, each either a single value or multiple.
type FilterSet struct {
	NE      []string
	Cellid  []string
	Swname  []string
	RelVer  []string
	Host    []string
	QCI     []string
	BPUID   []string
	Columns map[string][]string // arbitrary column-name -> allowed values
}

// FamilyFilter is the CSV-derived {family_id -> {peg_name}} restriction
// (C3's output, passed verbatim to C4 per spec §4.3).
type FamilyFilter map[int]map[string]struct{}

// PEGSample is a single expanded row, matching spec §3's PEGSample.
type PEGSample struct {
	Timestamp  time.Time
	FamilyID   int
	FamilyName string
	PEGName    string
	Value      float64
	NE         string
	SWName     string
	RelVer     string
	Dimensions string
}

// Repository executes the JSONB expansion query against a pgx connection
// pool.
type Repository struct {
	Pool  *pgxpool.Pool
	Table TableConfig
}

// New constructs a Repository over an already-established pool.
func New(pool *pgxpool.Pool, table TableConfig) *Repository {
	return &Repository{Pool: pool, Table: table}
}

// FetchPEGData executes the JSONB expansion query for the given time
// window, filters, and optional family filter, returning flat samples
// ordered by time. limit <= 0 means unbounded.
func (r *Repository) FetchPEGData(ctx context.Context, rng timerange.Range, filters FilterSet, family FamilyFilter, limit int) ([]PEGSample, error) {
	sql, args := r.buildQuery(rng, filters, family, limit)

	rows, err := r.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, &apierrors.DatabaseError{
			Operation:    "read",
			QueryPreview: sql,
			ParamKeys:    paramKeyNames(len(args)),
			Code:         "QUERY_FAILED",
			Message:      err.Error(),
		}
	}
	defer rows.Close()

	var out []PEGSample
	for rows.Next() {
		var s PEGSample
		var ne, swname, relVer, dims *string
		var value *float64
		dest := []any{&s.Timestamp, &s.FamilyName, &s.PEGName, &value, &dims}
		if r.Table.NECol != "" {
			dest = append(dest, &ne)
		}
		if r.Table.SWNameCol != "" {
			dest = append(dest, &swname)
		}
		if r.Table.RelVerCol != "" {
			dest = append(dest, &relVer)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, &apierrors.DatabaseError{
				Operation: "read",
				Code:      "SCAN_FAILED",
				Message:   err.Error(),
			}
		}
		if value == nil {
			continue // non-numeric metric value, dropped per spec §4.4 meta exclusion
		}
		s.Value = *value
		if ne != nil {
			s.NE = *ne
		}
		if swname != nil {
			s.SWName = *swname
		}
		if relVer != nil {
			s.RelVer = *relVer
		}
		if dims != nil {
			s.Dimensions = *dims
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, &apierrors.DatabaseError{Operation: "read", Code: "ROWS_ERROR", Message: err.Error()}
	}
	return out, nil
}

func paramKeyNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("$%d", i+1)
	}
	return names
}

// buildQuery constructs the dynamic, always-parameterized JSONB
// expansion SQL and its positional argument slice, per spec §4.4.
// Testable property #5 (spec §8): no filter value literal is ever
// concatenated into the SQL text — every value is a bound $N parameter.
func (r *Repository) buildQuery(rng timerange.Range, filters FilterSet, family FamilyFilter, limit int) (string, []any) {
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	peg_name_expr := "(CASE WHEN jsonb_typeof(idx.val) = 'object' " +
		"THEN (metric.key || '[' || idx.key || ']') " +
		"ELSE metric.key END)"
	indexNameExpr := "(t." + r.Table.ValuesCol + "->>'index_name')"

	dimensionsExpr := "(CASE WHEN jsonb_typeof(idx.val) = 'object' " +
		"THEN (" + indexNameExpr + " || '=' || idx.key) ELSE NULL END)"

	selectParts := []string{
		"t." + r.Table.TimeCol + " AS timestamp",
		"t." + r.Table.FamilyCol + " AS family_name",
		peg_name_expr + " AS peg_name",
		"NULLIF(regexp_replace(metric.value, '[^0-9\\.\\-eE]', '', 'g'), '')::numeric AS value",
		dimensionsExpr + " AS dimensions",
	}
	if r.Table.NECol != "" {
		selectParts = append(selectParts, "t."+r.Table.NECol+" AS ne")
	}
	if r.Table.SWNameCol != "" {
		selectParts = append(selectParts, "t."+r.Table.SWNameCol+" AS swname")
	}
	if r.Table.RelVerCol != "" {
		selectParts = append(selectParts, "t."+r.Table.RelVerCol+" AS rel_ver")
	}

	fromClause := fmt.Sprintf(
		"FROM %s t "+
			"CROSS JOIN LATERAL jsonb_each(t.%s) AS idx(key, val) "+
			"CROSS JOIN LATERAL jsonb_each_text("+
			"CASE WHEN jsonb_typeof(idx.val) = 'object' THEN idx.val ELSE jsonb_build_object(idx.key, idx.val) END"+
			") AS metric(key, value)",
		r.Table.Table, r.Table.ValuesCol,
	)

	var whereParts []string
	whereParts = append(whereParts, fmt.Sprintf("t.%s BETWEEN %s AND %s", r.Table.TimeCol, arg(rng.Start), arg(rng.End)))

	// Dimension filtering (load-bearing, spec §4.4/§9/testable property #5).
	if dimClause := buildDimensionClause(filters, indexNameExpr, arg); dimClause != "" {
		whereParts = append(whereParts, dimClause)
	}

	// Column filters.
	whereParts = append(whereParts, buildColumnFilters(r.Table, filters, arg)...)

	// Family/PEG CSV filter (optional).
	if famClause := buildFamilyFilterClause(r.Table, family, arg); famClause != "" {
		whereParts = append(whereParts, famClause)
	}

	// Meta exclusion: drop the index_name bookkeeping key and anything
	// that fails to parse as a number.
	whereParts = append(whereParts, "metric.key <> 'index_name'")
	whereParts = append(whereParts, "regexp_replace(metric.value, '[^0-9\\.\\-eE]', '', 'g') <> ''")

	sql := fmt.Sprintf("SELECT %s %s WHERE %s ORDER BY t.%s",
		strings.Join(selectParts, ", "), fromClause, strings.Join(whereParts, " AND "), r.Table.TimeCol)
	if limit > 0 {
		sql += " LIMIT " + arg(limit)
	}
	return sql, args
}

// buildDimensionClause builds the OR-of-per-dimension-clauses-plus-
// "others"-clause shape described in spec §4.4 and §9: filtering one
// dimension must not remove rows belonging to any other, unfiltered
// dimension.
func buildDimensionClause(filters FilterSet, indexNameExpr string, arg func(any) string) string {
	type dimFilter struct {
		indexName string
		values    []string
	}
	var active []dimFilter
	if len(filters.Cellid) > 0 {
		active = append(active, dimFilter{dimensionAliasMap["cellid"], filters.Cellid})
	}
	if len(filters.QCI) > 0 {
		active = append(active, dimFilter{dimensionAliasMap["qci"], filters.QCI})
	}
	if len(filters.BPUID) > 0 {
		active = append(active, dimFilter{dimensionAliasMap["bpu_id"], filters.BPUID})
	}

	if len(active) == 0 {
		return ""
	}

	var subClauses []string
	var mentionedIndexNames []string
	for _, f := range active {
		mentionedIndexNames = append(mentionedIndexNames, f.indexName)
		var valPlaceholders []string
		for _, v := range f.values {
			valPlaceholders = append(valPlaceholders, arg(v))
		}
		subClauses = append(subClauses, fmt.Sprintf(
			"(%s = %s AND idx.key IN (%s))",
			indexNameExpr, arg(f.indexName), strings.Join(valPlaceholders, ", "),
		))
	}

	var mentionedPlaceholders []string
	for _, n := range mentionedIndexNames {
		mentionedPlaceholders = append(mentionedPlaceholders, arg(n))
	}
	othersClause := fmt.Sprintf(
		"(%s IS NULL OR %s NOT IN (%s))",
		indexNameExpr, indexNameExpr, strings.Join(mentionedPlaceholders, ", "),
	)

	return "(" + strings.Join(subClauses, " OR ") + " OR " + othersClause + ")"
}

func buildColumnFilters(table TableConfig, filters FilterSet, arg func(any) string) []string {
	var clauses []string
	addColumn := func(col string, values []string) {
		if col == "" || len(values) == 0 {
			return
		}
		if len(values) == 1 {
			clauses = append(clauses, fmt.Sprintf("t.%s = %s", col, arg(values[0])))
			return
		}
		var placeholders []string
		for _, v := range values {
			placeholders = append(placeholders, arg(v))
		}
		clauses = append(clauses, fmt.Sprintf("t.%s IN (%s)", col, strings.Join(placeholders, ", ")))
	}
	addColumn(table.NECol, filters.NE)
	addColumn(table.SWNameCol, filters.Swname)
	addColumn(table.RelVerCol, filters.RelVer)
	for col, values := range filters.Columns {
		addColumn(col, values)
	}
	return clauses
}

func buildFamilyFilterClause(table TableConfig, family FamilyFilter, arg func(any) string) string {
	if len(family) == 0 {
		return ""
	}
	var clauses []string
	for familyID, pegNames := range family {
		var placeholders []string
		for name := range pegNames {
			placeholders = append(placeholders, arg(name))
		}
		clauses = append(clauses, fmt.Sprintf(
			"(t.family_id = %s AND metric.key IN (%s))", arg(familyID), strings.Join(placeholders, ", "),
		))
	}
	return "(" + strings.Join(clauses, " OR ") + ")"
}

// ConnectionInfo reports non-secret pool diagnostics, per spec §7's "no
// secrets" requirement and the original's get_connection_info().
type ConnectionInfo struct {
	Host     string
	Port     int
	DBName   string
	PoolSize int
}

func ConnectionInfoFrom(host string, port int, dbname string, poolSize int) ConnectionInfo {
	return ConnectionInfo{Host: host, Port: port, DBName: dbname, PoolSize: poolSize}
}
