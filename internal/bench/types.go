package bench

import "context"

// TestKind discriminates the two test definition variants.
type TestKind string

const (
	KindCapability TestKind = "capability"
	KindParadox    TestKind = "paradox"
)

// Evaluation is the rule-based scorer config for capability tests.
type Evaluation struct {
	Required      []string `json:"required"`
	Forbidden     []string `json:"forbidden,omitempty"`
	PassThreshold float64  `json:"pass_threshold"`
	IgnoreCase    bool     `json:"ignore_case,omitempty"`
}

// Option is a single choice in an N-way paradox scenario.
type Option struct {
	ID          int    `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

// TestDefinition is a tagged union: Evaluation is set for capability
// tests, Options for paradox scenarios. Definitions are validated at
// load time and immutable afterwards.
type TestDefinition struct {
	ID             string      `json:"id"`
	Title          string      `json:"title"`
	Kind           TestKind    `json:"type"`
	Category       string      `json:"category,omitempty"`
	PromptTemplate string      `json:"promptTemplate"`
	Evaluation     *Evaluation `json:"evaluation,omitempty"`
	Options        []Option    `json:"options,omitempty"`
}

// GenerationParams is a per-request value object for the completion API.
type GenerationParams struct {
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"top_p"`
	MaxTokens        int     `json:"max_tokens"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	PresencePenalty  float64 `json:"presence_penalty"`
	Seed             *int    `json:"seed,omitempty"`
}

// DefaultGenerationParams mirrors the service defaults applied when the
// caller leaves params unset.
func DefaultGenerationParams() GenerationParams {
	return GenerationParams{
		Temperature: 1.0,
		TopP:        1.0,
		MaxTokens:   1000,
	}
}

// InferenceMethod records which extraction stage produced a decision.
type InferenceMethod string

const (
	MethodStrict       InferenceMethod = "strict"
	MethodHeuristic    InferenceMethod = "heuristic"
	MethodAIClassifier InferenceMethod = "ai_classifier"
)

// IterationResult holds one iteration's outcome. Exactly one variant is
// populated: capability fields, paradox fields, or Error. Error-variant
// iterations count toward totals but never toward pass/decided counts.
type IterationResult struct {
	Iteration int    `json:"iteration"`
	Raw       string `json:"raw"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error,omitempty"`

	// capability variant
	Score            *float64 `json:"score,omitempty"`
	Passed           *bool    `json:"passed,omitempty"`
	MatchedRequired  []string `json:"matchedRequired,omitempty"`
	MissingRequired  []string `json:"missingRequired,omitempty"`
	MatchedForbidden []string `json:"matchedForbidden,omitempty"`

	// paradox variant
	DecisionToken   string          `json:"decisionToken,omitempty"`
	OptionID        *int            `json:"optionId,omitempty"`
	Explanation     string          `json:"explanation,omitempty"`
	Inferred        bool            `json:"inferred,omitempty"`
	InferenceMethod InferenceMethod `json:"inferenceMethod,omitempty"`
}

// CapabilityStats aggregates scored capability iterations.
type CapabilityStats struct {
	Total         int     `json:"total"`
	AverageScore  float64 `json:"averageScore"`
	MinScore      float64 `json:"minScore"`
	MaxScore      float64 `json:"maxScore"`
	PassCount     int     `json:"passCount"`
	PassRate      float64 `json:"passRate"`
	PassThreshold float64 `json:"passThreshold"`
}

// OptionCount is one slot of a paradox run summary.
type OptionCount struct {
	OptionID int     `json:"optionId"`
	Label    string  `json:"label"`
	Count    int     `json:"count"`
	Percent  float64 `json:"percent"`
}

// ParadoxStats aggregates decided/undecided iterations of a paradox run.
type ParadoxStats struct {
	Total            int           `json:"total"`
	Decided          int           `json:"decided"`
	Undecided        int           `json:"undecided"`
	UndecidedPercent float64       `json:"undecidedPercent"`
	Options          []OptionCount `json:"options"`
	InferredCount    int           `json:"inferredCount"`
}

// RunSummary carries whichever aggregate matches the run's test kind.
type RunSummary struct {
	Capability *CapabilityStats `json:"capability,omitempty"`
	Paradox    *ParadoxStats    `json:"paradox,omitempty"`
}

// Insight is an analysis note appended by an external collaborator.
// The core never mutates insights beyond appending.
type Insight struct {
	AnalystModel string `json:"analystModel"`
	Content      string `json:"content"`
	Timestamp    string `json:"timestamp"`
}

// RunRecord is the durable aggregate of one orchestrated run.
// RunID matches ^[A-Za-z0-9_-]+-\d{3}$ and len(Responses) == IterationCount.
type RunRecord struct {
	RunID          string            `json:"runId"`
	ModelName      string            `json:"modelName"`
	TestID         string            `json:"testId"`
	TestKind       TestKind          `json:"testKind"`
	Category       string            `json:"category,omitempty"`
	Prompt         string            `json:"prompt"`
	SystemPrompt   string            `json:"systemPrompt,omitempty"`
	IterationCount int               `json:"iterationCount"`
	Params         GenerationParams  `json:"params"`
	Responses      []IterationResult `json:"responses"`
	Summary        RunSummary        `json:"summary"`
	Timestamp      string            `json:"timestamp"`
	Insights       []Insight         `json:"insights,omitempty"`
}

// ModelCaller is the completion API capability the core consumes. The
// orchestrator treats every failure uniformly as "iteration failed";
// retries, if any, belong behind this interface.
type ModelCaller interface {
	Call(ctx context.Context, model, prompt, systemPrompt string, params GenerationParams) (string, error)
}

// CallerFunc adapts a plain function to ModelCaller.
type CallerFunc func(ctx context.Context, model, prompt, systemPrompt string, params GenerationParams) (string, error)

func (f CallerFunc) Call(ctx context.Context, model, prompt, systemPrompt string, params GenerationParams) (string, error) {
	return f(ctx, model, prompt, systemPrompt, params)
}
