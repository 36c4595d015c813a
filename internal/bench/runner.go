package bench

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// DefaultConcurrency bounds in-flight completion calls per run.
	DefaultConcurrency = 2
	// DefaultRunTimeout is the global budget for one whole batch.
	DefaultRunTimeout = 300 * time.Second
)

// RunSpec describes one orchestrated run.
type RunSpec struct {
	ModelName    string
	Test         TestDefinition
	Iterations   int
	SystemPrompt string
	Params       *GenerationParams
}

// Runner fans a run's iterations out through a bounded semaphore, converts
// per-iteration failures into error-variant results, and fails the whole
// batch on global timeout. It performs no storage I/O; the caller assigns
// the run id and persists.
type Runner struct {
	Caller      ModelCaller
	Extractor   *Extractor
	Concurrency int64
	Timeout     time.Duration
}

// Validate checks the generation parameter ranges.
func (p GenerationParams) Validate() error {
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("temperature must be in [0, 2]")
	}
	if p.TopP < 0 || p.TopP > 1 {
		return fmt.Errorf("top_p must be in [0, 1]")
	}
	if p.MaxTokens < 1 || p.MaxTokens > 4000 {
		return fmt.Errorf("max_tokens must be in [1, 4000]")
	}
	if p.FrequencyPenalty < 0 || p.FrequencyPenalty > 2 {
		return fmt.Errorf("frequency_penalty must be in [0, 2]")
	}
	if p.PresencePenalty < 0 || p.PresencePenalty > 2 {
		return fmt.Errorf("presence_penalty must be in [0, 2]")
	}
	if p.Seed != nil && *p.Seed < 0 {
		return fmt.Errorf("seed must be >= 0")
	}
	return nil
}

// ExecuteRun runs all iterations of spec and assembles the run record
// (without a run id). Results land at their iteration's position
// regardless of completion order. A global timeout fails the entire run
// with no partial record.
func (r *Runner) ExecuteRun(ctx context.Context, spec RunSpec) (*RunRecord, error) {
	if strings.TrimSpace(spec.ModelName) == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if spec.Iterations < 1 {
		return nil, fmt.Errorf("iterations must be >= 1")
	}
	params := DefaultGenerationParams()
	if spec.Params != nil {
		params = *spec.Params
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	var prompt, systemPrompt string
	switch spec.Test.Kind {
	case KindCapability:
		if spec.Test.Evaluation == nil {
			return nil, fmt.Errorf("capability test %s has no evaluation", spec.Test.ID)
		}
		prompt = spec.Test.PromptTemplate
		if strings.TrimSpace(spec.SystemPrompt) != "" {
			prompt = "PERSONA: " + spec.SystemPrompt + "\n\n" + prompt
		}
	case KindParadox:
		if len(spec.Test.Options) < 2 {
			return nil, fmt.Errorf("paradox scenario %s has no options", spec.Test.ID)
		}
		prompt = BuildParadoxPrompt(spec.Test)
		systemPrompt = spec.SystemPrompt
	default:
		return nil, fmt.Errorf("unsupported test kind: %s", spec.Test.Kind)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	limit := r.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Indexed slots keep positional ordering independent of completion
	// order.
	responses := make([]IterationResult, spec.Iterations)
	sem := semaphore.NewWeighted(limit)
	var wg sync.WaitGroup
	for i := 0; i < spec.Iterations; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			if err := sem.Acquire(runCtx, 1); err != nil {
				// Batch is being cancelled; the run fails as a whole.
				return
			}
			defer sem.Release(1)
			responses[slot] = r.runIteration(runCtx, spec, slot+1, prompt, systemPrompt, params)
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-runCtx.Done():
		<-done
	}
	// Both channels can be ready at once; the deadline decides, not
	// select order. An expired batch never yields a partial record.
	if err := runCtx.Err(); err != nil {
		return nil, fmt.Errorf("run exceeded %s timeout: %w", timeout, err)
	}

	record := &RunRecord{
		ModelName:      spec.ModelName,
		TestID:         spec.Test.ID,
		TestKind:       spec.Test.Kind,
		Category:       spec.Test.Category,
		Prompt:         prompt,
		SystemPrompt:   spec.SystemPrompt,
		IterationCount: spec.Iterations,
		Params:         params,
		Responses:      responses,
		Timestamp:      nowRFC3339(),
	}
	switch spec.Test.Kind {
	case KindCapability:
		stats := AggregateCapabilityStats(responses, spec.Test.Evaluation.PassThreshold)
		record.Summary.Capability = &stats
	case KindParadox:
		stats := AggregateParadoxStats(responses, spec.Test.Options)
		record.Summary.Paradox = &stats
	}
	return record, nil
}

func (r *Runner) runIteration(ctx context.Context, spec RunSpec, iteration int, prompt, systemPrompt string, params GenerationParams) IterationResult {
	result := IterationResult{
		Iteration: iteration,
		Timestamp: nowRFC3339(),
	}

	raw, err := r.Caller.Call(ctx, spec.ModelName, prompt, systemPrompt, params)
	if err != nil {
		// Per-iteration failures never abort sibling iterations.
		result.Error = err.Error()
		result.Raw = err.Error()
		if spec.Test.Kind == KindCapability {
			zero := 0.0
			failed := false
			result.Score = &zero
			result.Passed = &failed
			result.MatchedRequired = []string{}
			result.MissingRequired = []string{}
			result.MatchedForbidden = []string{}
		}
		return result
	}
	result.Raw = raw

	switch spec.Test.Kind {
	case KindCapability:
		score := EvaluateCapabilityResponse(raw, *spec.Test.Evaluation)
		result.Score = &score.Score
		result.Passed = &score.Passed
		result.MatchedRequired = score.MatchedRequired
		result.MissingRequired = score.MissingRequired
		result.MatchedForbidden = score.MatchedForbidden
	case KindParadox:
		decision := r.Extractor.Extract(ctx, raw, len(spec.Test.Options))
		if decision.Decided() {
			id := decision.OptionID
			result.OptionID = &id
			result.DecisionToken = decision.Token
			result.Explanation = decision.Explanation
			if decision.Method != MethodStrict {
				result.Inferred = true
				result.InferenceMethod = decision.Method
			}
		}
	}
	return result
}

// AggregateParadoxStats counts decided options per id and undecided
// iterations (error iterations count as undecided, never as decided).
func AggregateParadoxStats(responses []IterationResult, options []Option) ParadoxStats {
	stats := ParadoxStats{Total: len(responses)}
	counts := map[int]int{}
	for _, response := range responses {
		if response.Error != "" || response.OptionID == nil {
			continue
		}
		counts[*response.OptionID]++
		stats.Decided++
		if response.Inferred {
			stats.InferredCount++
		}
	}
	stats.Undecided = stats.Total - stats.Decided
	for _, opt := range options {
		count := counts[opt.ID]
		percent := 0.0
		if stats.Total > 0 {
			percent = float64(count) / float64(stats.Total) * 100
		}
		stats.Options = append(stats.Options, OptionCount{
			OptionID: opt.ID,
			Label:    opt.Label,
			Count:    count,
			Percent:  percent,
		})
	}
	if stats.Total > 0 {
		stats.UndecidedPercent = float64(stats.Undecided) / float64(stats.Total) * 100
	}
	return stats
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
