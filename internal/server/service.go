package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"strength-arena/internal/bench"
)

// ErrTestNotFound marks a run request naming an unknown test definition.
var ErrTestNotFound = errors.New("test definition not found")

// RunService executes benchmark runs synchronously: resolve the test
// definition, orchestrate the iterations, allocate a strict run id and
// persist. It also serves the derived aggregates (profiles, comparisons).
type RunService struct {
	cfg    BenchConfig
	defs   *bench.DefinitionCache
	caller bench.ModelCaller
	store  RunStore
	obs    *Observability
}

func NewRunService(cfg BenchConfig, defs *bench.DefinitionCache, caller bench.ModelCaller, store RunStore, obs *Observability) *RunService {
	return &RunService{
		cfg:    cfg,
		defs:   defs,
		caller: caller,
		store:  store,
		obs:    obs,
	}
}

// instrumentedStore counts id-reservation collisions without changing
// the allocator's behavior.
type instrumentedStore struct {
	RunStore
	obs *Observability
}

func (s *instrumentedStore) SaveRun(ctx context.Context, runID string, record *bench.RunRecord, overwrite bool) error {
	err := s.RunStore.SaveRun(ctx, runID, record, overwrite)
	if errors.Is(err, ErrRunExists) {
		s.obs.MarkIDRetry(ctx, runID)
	}
	return err
}

// ExecuteRun runs the full pipeline for one request and returns the
// persisted record. The run record is only persisted when every
// iteration settled inside the global timeout.
func (s *RunService) ExecuteRun(ctx context.Context, req RunRequest) (*bench.RunRecord, error) {
	if strings.TrimSpace(req.ModelName) == "" {
		return nil, fmt.Errorf("model_name is required")
	}
	if req.Iterations < 1 {
		return nil, fmt.Errorf("iterations must be >= 1")
	}
	if req.Iterations > s.cfg.MaxIterations {
		return nil, fmt.Errorf("iterations must be <= %d", s.cfg.MaxIterations)
	}
	def, ok, err := s.defs.Get(strings.TrimSpace(req.TestID))
	if err != nil {
		return nil, fmt.Errorf("load test definitions: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTestNotFound, req.TestID)
	}

	runner := &bench.Runner{
		Caller:      s.caller,
		Concurrency: int64(s.cfg.ConcurrencyLimit),
		Timeout:     time.Duration(s.cfg.RunTimeoutSec) * time.Second,
	}
	if def.Kind == bench.KindParadox && strings.TrimSpace(s.cfg.ClassifierModel) != "" {
		runner.Extractor = &bench.Extractor{
			Classifier:      s.caller,
			ClassifierModel: s.cfg.ClassifierModel,
		}
	}

	started := time.Now()
	record, err := runner.ExecuteRun(ctx, bench.RunSpec{
		ModelName:    req.ModelName,
		Test:         def,
		Iterations:   req.Iterations,
		SystemPrompt: req.SystemPrompt,
		Params:       req.Params,
	})
	if err != nil {
		s.obs.MarkRun(ctx, string(def.Kind), "failed")
		return nil, err
	}
	s.obs.MarkRun(ctx, string(def.Kind), "completed")
	s.obs.MarkIteration(ctx, req.ModelName, time.Since(started).Milliseconds()/int64(req.Iterations))
	if record.Summary.Paradox != nil {
		s.obs.MarkUndecided(ctx, def.ID, int64(record.Summary.Paradox.Undecided))
	}

	store := &instrumentedStore{RunStore: s.store, obs: s.obs}
	runID, err := AllocateRun(ctx, store, req.ModelName, record)
	if err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}
	slog.Info("run persisted",
		"run_id", runID, "model", req.ModelName, "test", def.ID, "iterations", req.Iterations)
	return record, nil
}

// AppendInsight attaches an analysis note to a stored run. Insights are
// append-only; the rest of the record is rewritten unchanged.
func (s *RunService) AppendInsight(ctx context.Context, runID string, req InsightRequest) (*bench.RunRecord, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("content is required")
	}
	record, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	record.Insights = append(record.Insights, bench.Insight{
		AnalystModel: strings.TrimSpace(req.AnalystModel),
		Content:      req.Content,
		Timestamp:    nowRFC3339(),
	})
	if err := s.store.SaveRun(ctx, runID, record, true); err != nil {
		return nil, fmt.Errorf("save insight: %w", err)
	}
	return record, nil
}

// Profile rebuilds a model's strength profile from its stored capability
// runs.
func (s *RunService) Profile(ctx context.Context, modelName string) (bench.StrengthProfile, error) {
	defs, err := s.defs.Load()
	if err != nil {
		return bench.StrengthProfile{}, err
	}
	runs, err := s.capabilityRuns(ctx, map[string]bool{modelName: true})
	if err != nil {
		return bench.StrengthProfile{}, err
	}
	return bench.BuildStrengthProfile(modelName, runs[modelName], defs), nil
}

// Compare ranks the requested models over the (optionally
// category-filtered) capability test set.
func (s *RunService) Compare(ctx context.Context, req CompareRequest) (bench.ComparisonResult, error) {
	if len(req.Models) < 2 {
		return bench.ComparisonResult{}, fmt.Errorf("at least two models are required")
	}
	defs, err := s.defs.Load()
	if err != nil {
		return bench.ComparisonResult{}, err
	}
	wanted := map[string]bool{}
	for _, model := range req.Models {
		if name := strings.TrimSpace(model); name != "" {
			wanted[name] = true
		}
	}
	runs, err := s.capabilityRuns(ctx, wanted)
	if err != nil {
		return bench.ComparisonResult{}, err
	}
	for model := range wanted {
		if _, ok := runs[model]; !ok {
			runs[model] = nil
		}
	}
	return bench.CompareModels(runs, defs, req.Categories), nil
}

// capabilityRuns loads the full records of every stored capability run
// belonging to one of the wanted models, keeping only the latest run per
// (model, test) pair.
func (s *RunService) capabilityRuns(ctx context.Context, wanted map[string]bool) (map[string][]bench.RunRecord, error) {
	entries, err := s.store.ListRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := map[string][]bench.RunRecord{}
	latest := map[string]bool{}
	// entries are newest-first, so the first (model, test) hit wins
	for _, entry := range entries {
		if !wanted[entry.ModelName] {
			continue
		}
		if entry.TestKind != "" && entry.TestKind != string(bench.KindCapability) {
			continue
		}
		key := entry.ModelName + "\x00" + entry.TestID
		if latest[key] {
			continue
		}
		record, err := s.store.GetRun(ctx, entry.RunID)
		if err != nil {
			slog.Warn("skipping unreadable run", "run_id", entry.RunID, "error", err)
			continue
		}
		if record.Summary.Capability == nil {
			continue
		}
		latest[key] = true
		out[entry.ModelName] = append(out[entry.ModelName], *record)
	}
	return out, nil
}
