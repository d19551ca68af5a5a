// Package analysis implements the top-level Analysis Service (C11): it
// wires every lower component into the seven-stage pipeline of spec
// §4.11 (request_validation -> time_parsing -> peg_processing ->
// llm_analysis -> deterministic_judgement -> data_transformation ->
// result_assembly) and exposes it over plain net/http, generalizing the
// teacher's internal/server/server.go State-struct-plus-LoggingHandler
// wiring from MCP tool registration to a single JSON analysis endpoint.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"peg-analysis-go/internal/apierrors"
	"peg-analysis-go/internal/choi"
	"peg-analysis-go/internal/config"
	"peg-analysis-go/internal/dataprocessor"
	"peg-analysis-go/internal/expr"
	"peg-analysis-go/internal/llmanalysis"
	"peg-analysis-go/internal/llmclient"
	"peg-analysis-go/internal/pegfilter"
	"peg-analysis-go/internal/pegprocessing"
	"peg-analysis-go/internal/pegrepo"
	"peg-analysis-go/internal/response"
	"peg-analysis-go/internal/timerange"
	"peg-analysis-go/internal/utils"
	"peg-analysis-go/internal/validate"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// State holds every constructed, reusable component the pipeline
// threads requests through, replacing the teacher's single global MCP
// server with an explicit, constructor-built snapshot (spec §9:
// "explicit construction over global singleton").
type State struct {
	Settings   *config.Settings
	Pool       *pegrepo.Repository
	LLMClient  *llmclient.Client
	ChoiClient *choi.Client
	Logger     *slog.Logger
	PromptPath string
}

// NewState constructs a State from settings, opening the database pool
// and the table configuration it will query against. table is the
// TableConfig describing the physical schema; it is passed in rather
// than hard-coded so tests can point at a fixture table.
func NewState(ctx context.Context, settings *config.Settings, table pegrepo.TableConfig, promptPath string, logger *slog.Logger) (*State, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		settings.DB.User, settings.DB.Password, settings.DB.Host, settings.DB.Port, settings.DB.Name)
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}
	if settings.DB.PoolSize > 0 {
		poolCfg.MaxConns = int32(settings.DB.PoolSize)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database pool: %w", err)
	}

	return &State{
		Settings:   settings,
		Pool:       pegrepo.New(pool, table),
		LLMClient:  llmclient.New(settings.LLM, nil, logger),
		ChoiClient: choi.New(settings.Backend, nil, logger),
		Logger:     logger,
		PromptPath: promptPath,
	}, nil
}

// Run starts the HTTP server, wired with the teacher's logging
// middleware (internal/utils.LoggingHandler).
func Run(addr string, st *State) {
	mux := http.NewServeMux()
	mux.HandleFunc("/analyze", st.handleAnalyze)

	handler := utils.LoggingHandler(mux)

	st.Logger.Info("analysis server listening", "address", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		st.Logger.Error("analysis server stopped", "error", err)
		os.Exit(1)
	}
}

func (st *State) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request map[string]any
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	resp := st.RunAnalysis(r.Context(), request)

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == "error" {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	json.NewEncoder(w).Encode(resp)
}

// RunAnalysis drives the seven pipeline stages, never returning a Go
// error itself: every stage failure is folded into a status="error"
// response per spec §4.11.
func (st *State) RunAnalysis(ctx context.Context, request map[string]any) response.AnalysisResponse {
	requestTimestamp := time.Now()
	analysisID := uuid.New().String()
	requestID, _ := request["request_id"].(string)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	ctx, cancel := context.WithTimeout(ctx, st.Settings.MaxProcessingTime)
	defer cancel()

	// Stage 1: request_validation (C9).
	normalized, err := validate.ValidateRequest(st.Logger, request, st.Settings.AppTimezoneOffset)
	if err != nil {
		return st.errorResponse("request_validation", err, analysisID, requestID, requestTimestamp, false)
	}
	if normalized.RequestID == "" {
		normalized.RequestID = requestID
	}

	// Stage 2: time_parsing (C1, twice).
	n1Range, err := timerange.Parse(normalized.NMinus1, st.Settings.AppTimezoneOffset)
	if err != nil {
		return st.errorResponse("time_parsing", err, analysisID, requestID, requestTimestamp, normalized.EnableMock)
	}
	nRange, err := timerange.Parse(normalized.N, st.Settings.AppTimezoneOffset)
	if err != nil {
		return st.errorResponse("time_parsing", err, analysisID, requestID, requestTimestamp, normalized.EnableMock)
	}

	// Stage 3: peg_processing (C3 + C4 + C6).
	loaded := pegfilter.LoadResult{Filter: map[int]map[string]struct{}{}}
	if st.Settings.PEG.FilterEnabled {
		filterPath := normalized.PEGFilterFile
		if filterPath == "" {
			filterPath = st.Settings.PEG.FilterDirPath + "/" + st.Settings.PEG.FilterDefaultFile
		}
		loaded = pegfilter.Load(st.Logger, filterPath)
	}
	derived := loaded.Derived
	for outputPEG, formula := range normalized.PEGDefinitions {
		derived = append(derived, pegfilter.DerivedPEGDefinition{
			OutputPEG:    outputPEG,
			Formula:      formula,
			Dependencies: expr.Dependencies(formula),
		})
	}

	filters := toRepoFilterSet(normalized.Filters)
	n1Samples, err := st.Pool.FetchPEGData(ctx, n1Range, filters, loaded.Filter, normalized.DataLimit)
	if err != nil {
		return st.errorResponse("peg_processing", err, analysisID, requestID, requestTimestamp, normalized.EnableMock)
	}
	nSamples, err := st.Pool.FetchPEGData(ctx, nRange, filters, loaded.Filter, normalized.DataLimit)
	if err != nil {
		return st.errorResponse("peg_processing", err, analysisID, requestID, requestTimestamp, normalized.EnableMock)
	}

	rows, err := pegprocessing.Process(st.Logger, pegprocessing.Input{
		N1Samples:       n1Samples,
		NSamples:        nSamples,
		Derived:         derived,
		HasCellidFilter: len(normalized.Filters["cellid"]) > 0,
	})
	if err != nil {
		return st.errorResponse("peg_processing", err, analysisID, requestID, requestTimestamp, normalized.EnableMock)
	}

	// Stage 4: llm_analysis (C7 + C5).
	template := llmanalysis.LoadTemplate(st.Logger, st.PromptPath)
	llmResult, err := llmanalysis.Analyze(ctx, st.Logger, st.LLMClient, template, normalized.NMinus1, normalized.N, rows, st.Settings.LLM.Model, normalized.EnableMock, st.Settings.PEG.ExcludeZeroBothPEG)
	if err != nil {
		return st.errorResponse("llm_analysis", err, analysisID, requestID, requestTimestamp, normalized.EnableMock)
	}

	// Stage 5: deterministic_judgement (optional; soft-warn on failure).
	var judgement *choi.Judgement
	if normalized.UseChoi {
		cellIDs := normalized.Filters["cellid"]
		rangeText := normalized.NMinus1 + "~" + normalized.N
		j, choiErr := st.ChoiClient.Evaluate(ctx, map[string]any{"rows": len(rows)}, cellIDs, rangeText, "window")
		if choiErr != nil {
			st.Logger.Warn("deterministic judgement failed, continuing without it", "error", choiErr)
		} else {
			judgement = j
		}
	}

	// Stage 6: data_transformation (C8).
	var llmSummary string
	if s, ok := llmResult["executive_summary"].(string); ok {
		llmSummary = s
	}
	analyzed := dataprocessor.Process(rows, llmSummary)
	stats := dataprocessor.CreateSummaryStatistics(analyzed)

	// Stage 7: result_assembly (C10).
	completionTime := time.Now()
	resp := response.BuildSuccess(response.SuccessInput{
		AnalysisID:       analysisID,
		RequestID:        normalized.RequestID,
		RequestTimestamp: requestTimestamp,
		CompletionTime:   completionTime,
		N1Range:          n1Range,
		NRange:           nRange,
		Analyzed:         analyzed,
		Statistics:       stats,
		LLMResult:        llmResult,
		ChoiJudgement:    judgement,
		EnableMock:       normalized.EnableMock,
	})

	if normalized.BackendURL != "" {
		payload := response.BuildBackendPayload(response.BackendInput{
			DB:            extractDBIdentifiers(nSamples, n1Samples),
			Filters:       normalized.Filters,
			N1Range:       n1Range,
			NRange:        nRange,
			ChoiJudgement: judgement,
			LLMResult:     llmResult,
			Analyzed:      analyzed,
			AnalysisID:    analysisID,
		})
		st.submitBackendPayload(ctx, normalized.BackendURL, payload)
	}

	return resp
}

// extractDBIdentifiers pulls ne/swname off the first sample that
// carries a non-empty value, preferring the N window since it is the
// more recent of the two (cell_id is left empty: PEGSample carries no
// resolved cell identifier column, only the dimensions string, so the
// backend payload falls back to the request's cellid filter per the
// identifier-precedence rule).
func extractDBIdentifiers(preferred, fallback []pegrepo.PEGSample) response.DBIdentifiers {
	var ids response.DBIdentifiers
	for _, samples := range [][]pegrepo.PEGSample{preferred, fallback} {
		for _, s := range samples {
			if ids.NEID == "" && s.NE != "" {
				ids.NEID = s.NE
			}
			if ids.SWName == "" && s.SWName != "" {
				ids.SWName = s.SWName
			}
		}
	}
	return ids
}

// submitBackendPayload POSTs the V2 report to the configured backend,
// best-effort: a delivery failure is logged and does not fail the
// pipeline, mirroring spec §7's general soft-fail policy for peripheral
// concerns (the backend report submission has no caller-visible
// contract in §6, unlike the choi-analysis adapter).
func (st *State) submitBackendPayload(ctx context.Context, backendURL string, payload response.BackendPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		st.Logger.Warn("failed to marshal backend payload, skipping submission", "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(backendURL, "/")+"/api/analysis/report", bytes.NewReader(body))
	if err != nil {
		st.Logger.Warn("failed to build backend submission request, skipping", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		st.Logger.Warn("backend payload submission failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		st.Logger.Warn("backend rejected payload submission", "status", resp.StatusCode)
	}
}

func (st *State) errorResponse(stage string, err error, analysisID, requestID string, requestTimestamp time.Time, enableMock bool) response.AnalysisResponse {
	stageErr := toStageError(stage, err)
	st.Logger.Error("pipeline stage failed", "stage", stage, "code", stageErr.Code, "error", err)
	return response.BuildError(stageErr, analysisID, requestID, requestTimestamp, time.Now(), enableMock)
}

// toStageError classifies an underlying typed error into the closed
// error-kind set of spec §7, for the response's error_details.code.
func toStageError(stage string, err error) *apierrors.StageError {
	code := "UNKNOWN_ERROR"
	switch e := err.(type) {
	case *apierrors.ValidationError:
		code = "VALIDATION_ERROR"
	case *apierrors.TimeParsingError:
		code = string(e.Code)
	case *apierrors.PEGProcessingError:
		code = "PEG_PROCESSING_ERROR"
	case *apierrors.DatabaseError:
		code = "DATABASE_ERROR"
	case *apierrors.LLMError:
		code = "LLM_ERROR"
	case *apierrors.LLMAnalysisError:
		code = "LLM_ANALYSIS_ERROR"
	case *apierrors.BackendSchemaError:
		code = "BACKEND_SCHEMA_ERROR"
	case *apierrors.BackendHTTPError:
		code = "BACKEND_HTTP_ERROR"
	case *apierrors.BackendTimeoutError:
		code = "BACKEND_TIMEOUT_ERROR"
	}
	return &apierrors.StageError{Stage: stage, Code: code, Message: err.Error()}
}

func toRepoFilterSet(filters map[string][]string) pegrepo.FilterSet {
	fs := pegrepo.FilterSet{
		NE:     filters["ne"],
		Cellid: filters["cellid"],
		Swname: filters["swname"],
		RelVer: filters["rel_ver"],
		Host:   filters["host"],
		QCI:    filters["qci"],
		BPUID:  filters["bpu_id"],
	}
	return fs
}
