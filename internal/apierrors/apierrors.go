// Package apierrors defines the closed set of typed errors surfaced at
// pipeline stage boundaries. Every stage returns one of these (wrapped
// via errors.As-compatible struct types) instead of an ad-hoc error
// string, so the top-level orchestrator can pattern-match a stage
// failure into the response's error_details block.
package apierrors

import "fmt"

// ValidationError reports request shape, type, or rule violations.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %q: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// TimeParsingErrorCode enumerates the time parser's error kinds.
type TimeParsingErrorCode string

const (
	TimeErrorType   TimeParsingErrorCode = "TYPE_ERROR"
	TimeErrorFormat TimeParsingErrorCode = "FORMAT_ERROR"
	TimeErrorValue  TimeParsingErrorCode = "VALUE_ERROR"
	TimeErrorLogic  TimeParsingErrorCode = "LOGIC_ERROR"
)

// TimeParsingError is the error the time-range parser (C1) returns for
// every rejected input. Code and Message are always set. Format errors
// also carry Input and a Hint; value errors carry Input but no Hint;
// logic errors (start >= end) carry neither Input nor Hint.
type TimeParsingError struct {
	Code    TimeParsingErrorCode
	Input   string
	Message string
	Hint    string
}

func (e *TimeParsingError) Error() string {
	return fmt.Sprintf("%s: %s (input=%q)", e.Code, e.Message, e.Input)
}

// PEGProcessingStep enumerates the PEG processing service's failure
// points.
type PEGProcessingStep string

const (
	StepDataRetrieval       PEGProcessingStep = "data_retrieval"
	StepDataValidation      PEGProcessingStep = "data_validation"
	StepAggregation         PEGProcessingStep = "aggregation"
	StepDerivedCalculation  PEGProcessingStep = "derived_calculation"
	StepDependencyResolution PEGProcessingStep = "dependency_resolution"
)

// PEGProcessingError reports a C6 pipeline stage failure.
type PEGProcessingError struct {
	Step    PEGProcessingStep
	Message string
	Details map[string]any
}

func (e *PEGProcessingError) Error() string {
	return fmt.Sprintf("peg processing failed at %s: %s", e.Step, e.Message)
}

// DatabaseError reports a C4 repository failure. QueryPreview must never
// contain bound parameter values, only the parameterized SQL text.
type DatabaseError struct {
	Operation    string // "read" | "write"
	QueryPreview string
	ParamKeys    []string
	Code         string
	Message      string
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error (%s, code=%s): %s", e.Operation, e.Code, e.Message)
}

// LLMErrorKind enumerates the LLM client's failure categories.
type LLMErrorKind string

const (
	LLMErrorClient  LLMErrorKind = "CLIENT"
	LLMErrorServer  LLMErrorKind = "SERVER"
	LLMErrorTimeout LLMErrorKind = "TIMEOUT"
	LLMErrorParse   LLMErrorKind = "PARSE"
)

// LLMError reports a C5 client failure, possibly after trying every
// configured endpoint.
type LLMError struct {
	Kind        LLMErrorKind
	Endpoint    string
	StatusCode  int
	Message     string
	IsRetryable bool
	Endpoints   []string
	LastError   error
}

func (e *LLMError) Error() string {
	return fmt.Sprintf("llm error (%s, status=%d, endpoint=%s): %s", e.Kind, e.StatusCode, e.Endpoint, e.Message)
}

func (e *LLMError) Unwrap() error { return e.LastError }

// IsRetryableStatus reports whether an LLM/backend HTTP status code is
// transient and worth retrying, per spec §7.
func IsRetryableStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// BackendSchemaError reports the deterministic-judgement backend
// returning a response missing required keys.
type BackendSchemaError struct {
	MissingKeys []string
	Message     string
}

func (e *BackendSchemaError) Error() string {
	return fmt.Sprintf("backend schema error: %s (missing=%v)", e.Message, e.MissingKeys)
}

// BackendHTTPError reports a non-2xx, non-retryable backend response.
type BackendHTTPError struct {
	StatusCode int
	Message    string
}

func (e *BackendHTTPError) Error() string {
	return fmt.Sprintf("backend http error (status=%d): %s", e.StatusCode, e.Message)
}

// BackendTimeoutError reports a deterministic-judgement call exceeding
// its timeout budget.
type BackendTimeoutError struct {
	Message string
}

func (e *BackendTimeoutError) Error() string {
	return fmt.Sprintf("backend timeout: %s", e.Message)
}

// LLMAnalysisError reports a C7 failure, e.g. the token-saving filter
// removing every row.
type LLMAnalysisError struct {
	AnalysisType  string
	PromptPreview string
	Message       string
}

func (e *LLMAnalysisError) Error() string {
	return fmt.Sprintf("llm analysis error (%s): %s", e.AnalysisType, e.Message)
}

// StageError is the shape the top-level orchestrator (C11) attaches to
// an error response's error_details block.
type StageError struct {
	Stage   string
	Code    string
	Message string
	Details map[string]any
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed (%s): %s", e.Stage, e.Code, e.Message)
}
