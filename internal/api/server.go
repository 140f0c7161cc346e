// Package api exposes the experience store, retrieval and evaluation over
// HTTP and MCP. Every route except /health requires the bearer token.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/memprobe/internal/eval"
	"github.com/kalambet/memprobe/internal/experience"
	"github.com/kalambet/memprobe/internal/indexer"
	"github.com/kalambet/memprobe/internal/poison"
	"github.com/kalambet/memprobe/internal/retrieval"
	"github.com/kalambet/memprobe/internal/scenario"
	"github.com/kalambet/memprobe/internal/screening"
	"github.com/kalambet/memprobe/internal/snapshot"
	"github.com/kalambet/memprobe/internal/storage"
)

const (
	maxRequestBodySize = 1 << 20  // 1MB for single-object requests
	maxBatchBodySize   = 10 << 20 // 10MB for batch seeding

	defaultListLimit = 50
	maxListLimit     = 500

	defaultRunsLimit = 20
	maxRunsLimit     = 100
)

// adHocScenario labels runs evaluated from an inline query list rather than a
// named scenario.
const adHocScenario = "ad-hoc"

// JobQueue is the slice of the job store the handlers need: admitting a
// record queues its indexing.
type JobQueue interface {
	EnqueueJob(job storage.Job) error
}

// AppDeps holds everything the HTTP handlers operate on.
type AppDeps struct {
	Records     *experience.Store
	Runs        *storage.Store
	Retriever   retrieval.Retriever
	Classifier  *poison.Classifier
	Scenarios   *scenario.Library
	Eval        eval.Config
	Thresholds  eval.Thresholds
	SnapshotDir string
	Token       string
	Jobs        JobQueue // optional; if nil, admitted records are not queued for vector indexing
}

// NewAppHandler builds the HTTP API. /health stays outside the auth group so
// probes work without a token.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Thresholds == (eval.Thresholds{}) {
		deps.Thresholds = eval.DefaultThresholds
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/experiences", handleAddExperience(deps))
		r.Post("/experiences/batch", handleBatchExperiences(deps))
		r.Get("/experiences", handleListExperiences(deps))
		r.Get("/experiences/stats", handleExperienceStats(deps))
		r.Post("/search", handleSearch(deps))
		r.Post("/evaluate", handleEvaluate(deps))
		r.Get("/runs", handleListRuns(deps))
		r.Get("/runs/top-retrieved", handleTopRetrieved(deps))
		r.Get("/runs/{id}", handleGetRun(deps))
		r.Post("/snapshot", handleSnapshot(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleAddExperience(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var rec experience.Record
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		status, err := admitRecord(deps, &rec)
		if err != nil {
			writeAdmitError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{
			"id":     rec.ID,
			"status": status,
		})
	}
}

// handleBatchExperiences admits a benign and a poisoned record set in one
// call. Section membership decides provenance regardless of what the records
// carry, and benign records are admitted first. Admission is sequential: on
// error, records admitted before the failure remain in the store.
func handleBatchExperiences(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBatchBodySize)
		defer r.Body.Close()

		var req struct {
			Benign   []experience.Record `json:"benign"`
			Poisoned []experience.Record `json:"poisoned"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Benign) == 0 && len(req.Poisoned) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one record is required")
			return
		}

		for i := range req.Benign {
			req.Benign[i].Provenance = experience.ProvenanceBenign
			if _, err := admitRecord(deps, &req.Benign[i]); err != nil {
				writeAdmitError(w, fmt.Errorf("benign record %d: %w", i, err))
				return
			}
		}
		for i := range req.Poisoned {
			req.Poisoned[i].Provenance = experience.ProvenanceInjected
			if _, err := admitRecord(deps, &req.Poisoned[i]); err != nil {
				writeAdmitError(w, fmt.Errorf("poisoned record %d: %w", i, err))
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]int{
			"benign":   len(req.Benign),
			"poisoned": len(req.Poisoned),
			"total":    len(req.Benign) + len(req.Poisoned),
		})
	}
}

// errIndexQueue marks failures that happened after the record was already
// stored, so they map to 500 rather than 400.
var errIndexQueue = errors.New("index queueing failed")

// admitRecord fills defaults, stores the record and queues it for indexing
// when a job queue is wired. The record's ID and provenance are updated in
// place. It returns "queued" when an index job was enqueued, "stored"
// otherwise.
func admitRecord(deps AppDeps, rec *experience.Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	switch rec.Provenance {
	case "":
		rec.Provenance = experience.ProvenanceBenign
	case experience.ProvenanceBenign, experience.ProvenanceInjected:
	default:
		return "", fmt.Errorf("unknown provenance %q", rec.Provenance)
	}

	if err := deps.Records.Add(*rec); err != nil {
		return "", err
	}

	if deps.Jobs == nil {
		return "stored", nil
	}
	job, err := indexer.NewIndexJob(rec.ID)
	if err != nil {
		return "", fmt.Errorf("%w for record %s: %v", errIndexQueue, rec.ID, err)
	}
	if err := deps.Jobs.EnqueueJob(job); err != nil {
		return "", fmt.Errorf("%w for record %s: %v", errIndexQueue, rec.ID, err)
	}
	return "queued", nil
}

func writeAdmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errIndexQueue):
		httpError(w, http.StatusInternalServerError, "api_error", "record stored but %v", err)
	case errors.Is(err, experience.ErrDuplicateID):
		httpError(w, http.StatusConflict, "invalid_request_error", "%v", err)
	default:
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	}
}

func handleListExperiences(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", defaultListLimit, maxListLimit)
		offset := parseIntParam(r, "offset", 0, 0)

		var records []experience.Record
		if category := r.URL.Query().Get("category"); category != "" {
			records = deps.Records.ByCategory(category)
		} else {
			records = deps.Records.All()
		}

		total := len(records)
		if offset > len(records) {
			offset = len(records)
		}
		records = records[offset:]
		if limit < len(records) {
			records = records[:limit]
		}
		if records == nil {
			records = []experience.Record{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"experiences": records,
			"total":       total,
		})
	}
}

func handleExperienceStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type statsResponse struct {
			Total      int            `json:"total"`
			Benign     int            `json:"benign"`
			Injected   int            `json:"injected"`
			Flagged    int            `json:"flagged"`
			Categories map[string]int `json:"categories"`
		}

		resp := statsResponse{Categories: map[string]int{}}
		for _, rec := range deps.Records.All() {
			resp.Total++
			if rec.Provenance == experience.ProvenanceInjected {
				resp.Injected++
			} else {
				resp.Benign++
			}
			if rec.Category != "" {
				resp.Categories[rec.Category]++
			}
			if deps.Classifier.IsPoisoned(rec.ResponseText) {
				resp.Flagged++
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Query    string  `json:"query"`
			TopK     int     `json:"top_k"`
			MinScore float64 `json:"min_score"`
			Category string  `json:"category"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.TopK == 0 {
			req.TopK = retrieval.DefaultTopK
		}

		results, err := deps.Retriever.Retrieve(r.Context(), req.Query, retrieval.Params{
			TopK:     req.TopK,
			MinScore: req.MinScore,
			Category: req.Category,
		})
		if err != nil {
			if errors.Is(err, retrieval.ErrEmptyQuery) || errors.Is(err, retrieval.ErrInvalidTopK) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}

		type searchHit struct {
			Score    float64           `json:"score"`
			Poisoned bool              `json:"poisoned"`
			Record   experience.Record `json:"record"`
		}

		hits := make([]searchHit, len(results))
		for i, res := range results {
			hits[i] = searchHit{
				Score:    res.Score,
				Poisoned: deps.Classifier.IsPoisoned(res.Record.ResponseText),
				Record:   res.Record,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"results": hits})
	}
}

func handleEvaluate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Queries  []string `json:"queries"`
			Scenario string   `json:"scenario"`
			TopK     int      `json:"top_k"`
			MinScore float64  `json:"min_score"`
			Category string   `json:"category"`
			Screen   bool     `json:"screen"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		runID, scenarioName, report, err := runEvaluation(r.Context(), deps, evalSpec{
			Scenario: req.Scenario,
			Queries:  req.Queries,
			TopK:     req.TopK,
			MinScore: req.MinScore,
			Category: req.Category,
			Screen:   req.Screen,
		})
		if err != nil {
			switch {
			case errors.Is(err, scenario.ErrNotFound):
				httpError(w, http.StatusNotFound, "not_found", "%v", err)
			case errors.Is(err, errNoQueries), errors.Is(err, retrieval.ErrEmptyQuery), errors.Is(err, retrieval.ErrInvalidTopK):
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			default:
				httpError(w, http.StatusInternalServerError, "api_error", "evaluation failed: %v", err)
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"run_id":   runID,
			"scenario": scenarioName,
			"severity": deps.Thresholds.Classify(report.PRR),
			"report":   report,
		})
	}
}

var errNoQueries = errors.New("queries or scenario is required")

// evalSpec is one evaluation request after decoding, shared by the HTTP and
// MCP surfaces.
type evalSpec struct {
	Scenario string
	Queries  []string
	TopK     int
	MinScore float64
	Category string
	Screen   bool
}

// resolveEval merges a named scenario (if any) with explicit overrides into
// the run label, query list and evaluator config. Explicit fields win over
// scenario fields, which win over the configured defaults.
func resolveEval(deps AppDeps, spec evalSpec) (string, []string, eval.Config, error) {
	name := adHocScenario
	queries := spec.Queries
	cfg := deps.Eval

	if spec.Scenario != "" {
		sc, err := deps.Scenarios.Get(spec.Scenario)
		if err != nil {
			return "", nil, eval.Config{}, err
		}
		name = sc.Name
		if len(queries) == 0 {
			queries = sc.Queries
		}
		if sc.TopK > 0 {
			cfg.TopK = sc.TopK
		}
		if sc.MinScore > 0 {
			cfg.MinScore = sc.MinScore
		}
		if sc.Category != "" {
			cfg.Category = sc.Category
		}
	}
	if spec.TopK > 0 {
		cfg.TopK = spec.TopK
	}
	if spec.MinScore > 0 {
		cfg.MinScore = spec.MinScore
	}
	if spec.Category != "" {
		cfg.Category = spec.Category
	}
	if len(queries) == 0 {
		return "", nil, eval.Config{}, errNoQueries
	}
	return name, queries, cfg, nil
}

// runEvaluation resolves the request, evaluates the batch through a
// recording retriever and persists the run with its audit trail. It returns
// the new run's ID, the scenario label and the report.
func runEvaluation(ctx context.Context, deps AppDeps, spec evalSpec) (string, string, eval.Report, error) {
	name, queries, cfg, err := resolveEval(deps, spec)
	if err != nil {
		return "", "", eval.Report{}, err
	}

	ret := deps.Retriever
	if spec.Screen {
		ret = screening.NewRetriever(ret, screening.NewSignatureScreener(deps.Classifier))
	}
	recorder := eval.NewHitRecorder(ret, deps.Classifier)

	report, err := eval.New(recorder, deps.Classifier, cfg).Evaluate(ctx, queries)
	if err != nil {
		return "", "", eval.Report{}, err
	}

	runID, err := persistRun(deps, name, report, recorder.Hits())
	if err != nil {
		return "", "", eval.Report{}, err
	}
	return runID, name, report, nil
}

// persistRun stores the run row and its per-hit audit trail.
func persistRun(deps AppDeps, scenarioName string, report eval.Report, hits []eval.Hit) (string, error) {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("encoding report: %w", err)
	}

	runID := uuid.New().String()
	run := storage.Run{
		ID:             runID,
		CreatedAt:      report.Timestamp,
		Scenario:       scenarioName,
		QueryCount:     len(report.PerQuery),
		TotalRetrieved: report.TotalRetrieved,
		PoisonedHits:   report.PoisonedHits,
		PRR:            report.PRR,
		ReportJSON:     string(reportJSON),
	}
	if err := deps.Runs.SaveRun(run); err != nil {
		return "", fmt.Errorf("saving run: %w", err)
	}

	events := make([]storage.RetrievalEvent, len(hits))
	for i, h := range hits {
		events[i] = storage.RetrievalEvent{
			RunID:    runID,
			Query:    h.Query,
			RecordID: h.RecordID,
			Rank:     h.Rank,
			Score:    h.Score,
			Poisoned: h.Poisoned,
		}
	}
	if err := deps.Runs.LogRetrievals(runID, events); err != nil {
		return "", fmt.Errorf("saving retrieval log: %w", err)
	}
	return runID, nil
}

type runSummary struct {
	ID             string        `json:"id"`
	CreatedAt      time.Time     `json:"created_at"`
	Scenario       string        `json:"scenario"`
	QueryCount     int           `json:"query_count"`
	TotalRetrieved int           `json:"total_retrieved"`
	PoisonedHits   int           `json:"poisoned_hits"`
	PRR            float64       `json:"prr"`
	Severity       eval.Severity `json:"severity"`
}

func newRunSummary(run storage.Run, t eval.Thresholds) runSummary {
	return runSummary{
		ID:             run.ID,
		CreatedAt:      run.CreatedAt,
		Scenario:       run.Scenario,
		QueryCount:     run.QueryCount,
		TotalRetrieved: run.TotalRetrieved,
		PoisonedHits:   run.PoisonedHits,
		PRR:            run.PRR,
		Severity:       t.Classify(run.PRR),
	}
}

func handleListRuns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", defaultRunsLimit, maxRunsLimit)
		offset := parseIntParam(r, "offset", 0, 0)

		runs, err := deps.Runs.ListRuns(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing runs: %v", err)
			return
		}

		summaries := make([]runSummary, len(runs))
		for i, run := range runs {
			summaries[i] = newRunSummary(run, deps.Thresholds)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"runs": summaries})
	}
}

// handleTopRetrieved reports which records surface most across all persisted
// runs. A poisoned record with a high hit count is the attack succeeding.
func handleTopRetrieved(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 10, maxRunsLimit)

		hits, err := deps.Runs.TopRetrieved(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "aggregating retrievals: %v", err)
			return
		}

		type recordHits struct {
			RecordID string `json:"record_id"`
			Hits     int    `json:"hits"`
			Poisoned bool   `json:"poisoned"`
		}
		rows := make([]recordHits, len(hits))
		for i, h := range hits {
			rows[i] = recordHits{RecordID: h.RecordID, Hits: h.Hits, Poisoned: h.Poisoned}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"records": rows})
	}
}

func handleGetRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		run, err := deps.Runs.GetRun(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "run %q not found", id)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "loading run: %v", err)
			return
		}

		events, err := deps.Runs.ListRetrievals(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading retrieval log: %v", err)
			return
		}

		type retrievalRow struct {
			Query    string  `json:"query"`
			RecordID string  `json:"record_id"`
			Rank     int     `json:"rank"`
			Score    float64 `json:"score"`
			Poisoned bool    `json:"poisoned"`
		}
		rows := make([]retrievalRow, len(events))
		for i, ev := range events {
			rows[i] = retrievalRow{
				Query:    ev.Query,
				RecordID: ev.RecordID,
				Rank:     ev.Rank,
				Score:    ev.Score,
				Poisoned: ev.Poisoned,
			}
		}

		type runDetail struct {
			runSummary
			Report     json.RawMessage `json:"report"`
			Retrievals []retrievalRow  `json:"retrievals"`
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(runDetail{
			runSummary: newRunSummary(run, deps.Thresholds),
			Report:     json.RawMessage(run.ReportJSON),
			Retrievals: rows,
		})
	}
}

func handleSnapshot(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := snapshot.Save(deps.Records, deps.SnapshotDir); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "writing snapshot: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "saved",
			"path":    filepath.Join(deps.SnapshotDir, snapshot.FileName),
			"records": deps.Records.Count(),
		})
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
