// Package validate implements the Request Validator (C9): structural,
// type, range, and cross-field checks over the dynamic analysis
// request, followed by alias normalization and default application.
// Grounded on the original's utils/validators.py (RequestValidator).
package validate

import (
	"fmt"
	"log/slog"

	"peg-analysis-go/internal/apierrors"
	"peg-analysis-go/internal/expr"
	"peg-analysis-go/internal/timerange"

	"github.com/go-playground/validator/v10"
)

var v = validator.New()

// supportedFilterFields lists the filter keys whose value types
// ValidateFilters checks; any other filter key is ignored.
var supportedFilterFields = map[string]bool{"ne": true, "cellid": true, "cell": true, "host": true, "swname": true, "rel_ver": true, "qci": true, "bpu_id": true}

// DBConfig mirrors the original's validate_db_config.
type DBConfig struct {
	Host     string `validate:"required"`
	DBName   string `validate:"required"`
	Port     int    `validate:"omitempty,gte=1,lte=65535"`
	User     string
	Password string
}

// ScalarParameters is the subset of the request validated by range/enum
// rules, per the original's validate_scalar_parameters.
type ScalarParameters struct {
	OutputDir       string `validate:"omitempty"`
	AnalysisType    string `validate:"omitempty,oneof=enhanced"`
	MaxPromptTokens int    `validate:"omitempty,gt=0,lte=50000"`
	MaxPromptChars  int    `validate:"omitempty,gt=0"`
}

// optionalDefaults mirrors the original's optional_field_defaults,
// applied after validation (spec §4.9).
var optionalDefaults = map[string]any{
	"output_dir":        "./analysis_output",
	"table":             "summary",
	"analysis_type":     "enhanced",
	"enable_mock":       false,
	"max_prompt_tokens": 8000,
	"max_prompt_chars":  32000,
}

// NormalizedRequest is the validated, alias-resolved, defaulted request
// ready for C11's orchestration.
type NormalizedRequest struct {
	NMinus1         string
	N               string
	OutputDir       string
	Table           string
	AnalysisType    string
	EnableMock      bool
	MaxPromptTokens int
	MaxPromptChars  int
	DB              *DBConfig
	Filters         map[string][]string
	SelectedPEGs    []string
	PEGDefinitions  map[string]string
	UseChoi         bool
	PEGFilterFile   string
	DataLimit       int
	BackendURL      string
	RequestID       string
}

func fieldErr(field string, value any, rule, message string) *apierrors.ValidationError {
	return &apierrors.ValidationError{Field: field, Message: fmt.Sprintf("%s (value=%v, rule=%s)", message, value, rule)}
}

// ValidateStructure rejects a non-map or empty request, per the
// original's validate_structure.
func ValidateStructure(request map[string]any) error {
	if len(request) == 0 {
		return &apierrors.ValidationError{Field: "request", Message: "request is empty"}
	}
	return nil
}

// ValidateRequiredFields checks for n_minus_1 (or its n1 alias) and n.
func ValidateRequiredFields(request map[string]any) error {
	var missing []string
	if !hasNonEmpty(request, "n_minus_1") && !hasNonEmpty(request, "n1") {
		missing = append(missing, "n_minus_1 (or n1)")
	}
	if !hasNonEmpty(request, "n") {
		missing = append(missing, "n")
	}
	if len(missing) > 0 {
		return &apierrors.ValidationError{Field: "required_fields", Message: fmt.Sprintf("missing required fields: %v", missing)}
	}
	return nil
}

func hasNonEmpty(request map[string]any, key string) bool {
	v, ok := request[key]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return s != ""
	}
	return true
}

// ValidateScalarParameters type- and range-checks output_dir,
// max_prompt_tokens, max_prompt_chars, and analysis_type.
func ValidateScalarParameters(request map[string]any) error {
	params := ScalarParameters{}
	if v, ok := request["output_dir"].(string); ok {
		params.OutputDir = v
	} else if _, present := request["output_dir"]; present {
		return fieldErr("output_dir", request["output_dir"], "string_type", "output_dir must be a string")
	}
	if v, ok := request["analysis_type"].(string); ok {
		params.AnalysisType = v
	}
	if v, present := request["max_prompt_tokens"]; present {
		n, ok := asInt(v)
		if !ok {
			return fieldErr("max_prompt_tokens", v, "positive_integer", "max_prompt_tokens must be a positive integer")
		}
		params.MaxPromptTokens = n
	}
	if v, present := request["max_prompt_chars"]; present {
		n, ok := asInt(v)
		if !ok {
			return fieldErr("max_prompt_chars", v, "positive_integer", "max_prompt_chars must be a positive integer")
		}
		params.MaxPromptChars = n
	}

	if err := v.Struct(params); err != nil {
		return &apierrors.ValidationError{Field: "scalar_parameters", Message: err.Error()}
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), n == float64(int(n))
	default:
		return 0, false
	}
}

// ValidateTimeRanges cross-validates the n_minus_1/n range strings
// against C1's parser. N-1 end >= N start is only a warning (spec
// §4.9), never a rejection.
func ValidateTimeRanges(logger *slog.Logger, n1Text, nText, tzOffset string) error {
	if n1Text != "" {
		if _, err := timerange.Parse(n1Text, tzOffset); err != nil {
			return &apierrors.ValidationError{Field: "n_minus_1", Message: err.Error()}
		}
	}
	if nText != "" {
		if _, err := timerange.Parse(nText, tzOffset); err != nil {
			return &apierrors.ValidationError{Field: "n", Message: err.Error()}
		}
	}
	if n1Text != "" && nText != "" {
		n1Range, _ := timerange.Parse(n1Text, tzOffset)
		nRange, _ := timerange.Parse(nText, tzOffset)
		if !n1Range.End.Before(nRange.Start) {
			logger.Warn("time ranges overlap or are out of order", "n_minus_1_end", n1Range.End, "n_start", nRange.Start)
		}
	}
	return nil
}

// ValidateDBConfig checks the nested db configuration block.
func ValidateDBConfig(raw map[string]any) error {
	cfg := DBConfig{}
	if h, ok := raw["host"].(string); ok {
		cfg.Host = h
	}
	if d, ok := raw["dbname"].(string); ok {
		cfg.DBName = d
	}
	if p, present := raw["port"]; present {
		n, ok := asInt(p)
		if !ok {
			return fieldErr("db.port", p, "port_range", "port must be an integer")
		}
		cfg.Port = n
	}
	if err := v.Struct(cfg); err != nil {
		return &apierrors.ValidationError{Field: "db", Message: err.Error()}
	}
	return nil
}

// ValidateFilters checks filter value types: each value must be a
// string or a list of primitives.
func ValidateFilters(filters map[string]any) error {
	for name, value := range filters {
		if !supportedFilterFields[name] {
			continue // unsupported filter fields are ignored, not rejected
		}
		if value == nil {
			continue
		}
		switch val := value.(type) {
		case string:
			// ok
		case []any:
			for i, item := range val {
				switch item.(type) {
				case string, int, int64, float64:
					// ok
				default:
					return fieldErr(fmt.Sprintf("filters.%s[%d]", name, i), item, "filter_item_type", "filter list items must be string or numeric")
				}
			}
		default:
			return fieldErr("filters."+name, value, "filter_value_type", "filter values must be a string or a list")
		}
	}
	return nil
}

// ValidatePEGConfig checks selected_pegs and peg_definitions (derived
// PEG formulas), including the formula character whitelist (spec
// §4.9/§9).
func ValidatePEGConfig(selectedPEGs []any, pegDefinitions map[string]any) error {
	for i, peg := range selectedPEGs {
		name, ok := peg.(string)
		if !ok || name == "" {
			return fieldErr(fmt.Sprintf("selected_pegs[%d]", i), peg, "non_empty_string", "selected_pegs entries must be non-empty strings")
		}
	}
	for pegName, formula := range pegDefinitions {
		formulaStr, ok := formula.(string)
		if pegName == "" || !ok || formulaStr == "" {
			return fieldErr("peg_definitions."+pegName, formula, "non_empty_string", "derived peg name and formula must be non-empty strings")
		}
		if !expr.ValidateFormulaChars(formulaStr) {
			return fieldErr("peg_definitions."+pegName, formulaStr, "formula_syntax", "formula contains characters outside the allowed whitelist")
		}
	}
	return nil
}

// ValidateRequest runs the full C9 pipeline: structure, required
// fields, scalars, time ranges, nested structures, then normalizes
// aliases and applies defaults.
func ValidateRequest(logger *slog.Logger, request map[string]any, tzOffset string) (*NormalizedRequest, error) {
	if err := ValidateStructure(request); err != nil {
		return nil, err
	}
	if err := ValidateRequiredFields(request); err != nil {
		return nil, err
	}
	if err := ValidateScalarParameters(request); err != nil {
		return nil, err
	}

	n1Text, _ := request["n_minus_1"].(string)
	if n1Text == "" {
		n1Text, _ = request["n1"].(string)
	}
	nText, _ := request["n"].(string)
	if err := ValidateTimeRanges(logger, n1Text, nText, tzOffset); err != nil {
		return nil, err
	}

	var dbConfig *DBConfig
	if rawDB, ok := request["db"].(map[string]any); ok && len(rawDB) > 0 {
		if err := ValidateDBConfig(rawDB); err != nil {
			return nil, err
		}
		dbConfig = &DBConfig{}
		if h, ok := rawDB["host"].(string); ok {
			dbConfig.Host = h
		}
		if d, ok := rawDB["dbname"].(string); ok {
			dbConfig.DBName = d
		}
		if p, present := rawDB["port"]; present {
			n, _ := asInt(p)
			dbConfig.Port = n
		}
		if u, ok := rawDB["user"].(string); ok {
			dbConfig.User = u
		}
		if pw, ok := rawDB["password"].(string); ok {
			dbConfig.Password = pw
		}
	}

	var rawFilters map[string]any
	if f, ok := request["filters"].(map[string]any); ok {
		rawFilters = f
		if err := ValidateFilters(f); err != nil {
			return nil, err
		}
	}

	var selectedPEGsRaw []any
	if sp, ok := request["selected_pegs"].([]any); ok {
		selectedPEGsRaw = sp
	}
	var pegDefinitionsRaw map[string]any
	if pd, ok := request["peg_definitions"].(map[string]any); ok {
		pegDefinitionsRaw = pd
	}
	if len(selectedPEGsRaw) > 0 || len(pegDefinitionsRaw) > 0 {
		if err := ValidatePEGConfig(selectedPEGsRaw, pegDefinitionsRaw); err != nil {
			return nil, err
		}
	}

	return normalize(request, n1Text, nText, dbConfig, rawFilters, selectedPEGsRaw, pegDefinitionsRaw), nil
}

// normalize resolves the n1 -> n_minus_1 and cell -> cellid aliases and
// applies optionalDefaults, per the original's _normalize_request.
func normalize(request map[string]any, n1Text, nText string, db *DBConfig, rawFilters map[string]any, selectedPEGsRaw []any, pegDefinitionsRaw map[string]any) *NormalizedRequest {
	n := &NormalizedRequest{
		NMinus1: n1Text,
		N:       nText,
		DB:      db,
	}

	n.OutputDir, _ = valueOrDefault(request, "output_dir", optionalDefaults["output_dir"]).(string)
	n.Table, _ = valueOrDefault(request, "table", optionalDefaults["table"]).(string)
	n.AnalysisType, _ = valueOrDefault(request, "analysis_type", optionalDefaults["analysis_type"]).(string)
	n.EnableMock, _ = valueOrDefault(request, "enable_mock", optionalDefaults["enable_mock"]).(bool)
	n.MaxPromptTokens, _ = asInt(valueOrDefault(request, "max_prompt_tokens", optionalDefaults["max_prompt_tokens"]))
	n.MaxPromptChars, _ = asInt(valueOrDefault(request, "max_prompt_chars", optionalDefaults["max_prompt_chars"]))
	if useChoi, ok := request["use_choi"].(bool); ok {
		n.UseChoi = useChoi
	}
	if f, ok := request["peg_filter_file"].(string); ok {
		n.PEGFilterFile = f
	}
	if v, present := request["data_limit"]; present {
		n.DataLimit, _ = asInt(v)
	}
	if b, ok := request["backend_url"].(string); ok {
		n.BackendURL = b
	}
	if r, ok := request["request_id"].(string); ok {
		n.RequestID = r
	}

	n.Filters = normalizeFilters(rawFilters)

	for _, peg := range selectedPEGsRaw {
		if name, ok := peg.(string); ok {
			n.SelectedPEGs = append(n.SelectedPEGs, name)
		}
	}
	if len(pegDefinitionsRaw) > 0 {
		n.PEGDefinitions = map[string]string{}
		for name, formula := range pegDefinitionsRaw {
			if f, ok := formula.(string); ok {
				n.PEGDefinitions[name] = f
			}
		}
	}
	return n
}

func valueOrDefault(request map[string]any, key string, def any) any {
	if v, ok := request[key]; ok && v != nil {
		return v
	}
	return def
}

// normalizeFilters applies the cell -> cellid alias and coerces every
// value into a string slice.
func normalizeFilters(raw map[string]any) map[string][]string {
	if raw == nil {
		return nil
	}
	out := map[string][]string{}
	for name, value := range raw {
		key := name
		if key == "cell" {
			key = "cellid"
		}
		out[key] = append(out[key], toStringSlice(value)...)
	}
	return out
}

func toStringSlice(value any) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []any:
		var out []string
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	default:
		return nil
	}
}
