package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"strength-arena/internal/bench"
	"strength-arena/internal/openrouter"
)

func main() {
	baseURL := flag.String("base-url", envOr("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"), "OpenRouter-compatible base URL")
	apiKey := flag.String("api-key", envOr("OPENROUTER_API_KEY", ""), "API key for endpoint")
	model := flag.String("model", envOr("ARENA_MODEL", ""), "Model ID, e.g. openai/gpt-4o")
	testID := flag.String("test", "", "Test definition ID to run")
	iterations := flag.Int("iterations", 3, "Iterations per run")
	systemPrompt := flag.String("system-prompt", "", "Optional system prompt / persona")
	temperature := flag.Float64("temperature", 1.0, "Sampling temperature (0-2)")
	topP := flag.Float64("top-p", 1.0, "Nucleus sampling (0-1)")
	maxTokens := flag.Int("max-tokens", 1000, "Max completion tokens")
	seed := flag.Int("seed", -1, "Deterministic seed (-1 disables)")
	concurrency := flag.Int64("concurrency", bench.DefaultConcurrency, "Concurrent iterations")
	runTimeout := flag.Duration("run-timeout", bench.DefaultRunTimeout, "Global run timeout")
	classifierModel := flag.String("classifier-model", "openai/gpt-4o-mini", "Classifier model for paradox decision fallback (empty disables)")
	capsPath := flag.String("capabilities", "", "Path to capability test bank JSON (empty uses embedded bank)")
	paradoxesPath := flag.String("paradoxes", "", "Path to paradox scenario bank JSON (empty uses embedded bank)")
	listTests := flag.Bool("list", false, "List available test definitions and exit")
	format := flag.String("format", "text", "Output format: text|json")
	outputPath := flag.String("out", "", "Write full run record JSON to this file")
	flag.Parse()

	defs := bench.NewDefinitionCache(*capsPath, *paradoxesPath)

	if *listTests {
		all, err := defs.Load()
		if err != nil {
			exitWith("failed to load test definitions: " + err.Error())
		}
		for _, def := range all {
			fmt.Printf("%-32s %-10s %-20s %s\n", def.ID, def.Kind, def.Category, def.Title)
		}
		return
	}

	if strings.TrimSpace(*apiKey) == "" {
		exitWith("OPENROUTER_API_KEY or -api-key is required")
	}
	if strings.TrimSpace(*model) == "" {
		exitWith("ARENA_MODEL or -model is required")
	}
	if strings.TrimSpace(*testID) == "" {
		exitWith("-test is required")
	}

	def, ok, err := defs.Get(strings.TrimSpace(*testID))
	if err != nil {
		exitWith("failed to load test definitions: " + err.Error())
	}
	if !ok {
		exitWith("unknown test: " + *testID)
	}

	client, err := openrouter.NewClient(openrouter.Config{
		BaseURL: *baseURL,
		APIKey:  *apiKey,
	})
	if err != nil {
		exitWith("failed to create client: " + err.Error())
	}

	runner := &bench.Runner{
		Caller:      client,
		Concurrency: *concurrency,
		Timeout:     *runTimeout,
	}
	if def.Kind == bench.KindParadox && strings.TrimSpace(*classifierModel) != "" {
		runner.Extractor = &bench.Extractor{
			Classifier:      client,
			ClassifierModel: *classifierModel,
		}
	}

	params := bench.GenerationParams{
		Temperature: *temperature,
		TopP:        *topP,
		MaxTokens:   *maxTokens,
	}
	if *seed >= 0 {
		seedValue := *seed
		params.Seed = &seedValue
	}

	ctx, cancel := context.WithTimeout(context.Background(), *runTimeout+30*time.Second)
	defer cancel()

	record, err := runner.ExecuteRun(ctx, bench.RunSpec{
		ModelName:    *model,
		Test:         def,
		Iterations:   *iterations,
		SystemPrompt: *systemPrompt,
		Params:       &params,
	})
	if err != nil {
		exitWith("run failed: " + err.Error())
	}

	switch strings.ToLower(strings.TrimSpace(*format)) {
	case "json":
		printJSON(record)
	default:
		printText(record)
	}

	if strings.TrimSpace(*outputPath) != "" {
		if err := writeRecord(*outputPath, record); err != nil {
			exitWith("failed to write record: " + err.Error())
		}
	}
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func printText(record *bench.RunRecord) {
	fmt.Printf("Model: %s\n", record.ModelName)
	fmt.Printf("Test: %s (%s)\n", record.TestID, record.TestKind)
	fmt.Printf("Generated: %s\n\n", record.Timestamp)

	for _, resp := range record.Responses {
		if resp.Error != "" {
			fmt.Printf("[%d] ERROR: %s\n", resp.Iteration, resp.Error)
			continue
		}
		switch record.TestKind {
		case bench.KindCapability:
			status := "FAIL"
			if resp.Passed != nil && *resp.Passed {
				status = "PASS"
			}
			score := 0.0
			if resp.Score != nil {
				score = *resp.Score
			}
			fmt.Printf("[%d] %s score=%.2f matched=%d missing=%d\n",
				resp.Iteration, status, score, len(resp.MatchedRequired), len(resp.MissingRequired))
		case bench.KindParadox:
			if resp.OptionID == nil {
				fmt.Printf("[%d] UNDECIDED\n", resp.Iteration)
				continue
			}
			method := resp.InferenceMethod
			if method == "" {
				method = bench.MethodStrict
			}
			fmt.Printf("[%d] option=%d method=%s\n", resp.Iteration, *resp.OptionID, method)
		}
	}
	fmt.Println()

	if stats := record.Summary.Capability; stats != nil {
		fmt.Printf("Average score: %.3f (min %.2f, max %.2f)\n", stats.AverageScore, stats.MinScore, stats.MaxScore)
		fmt.Printf("Pass rate: %.1f%% (%d/%d at threshold %.2f)\n",
			stats.PassRate, stats.PassCount, stats.Total, stats.PassThreshold)
		fmt.Printf("Strength: %s\n", bench.ClassifyStrength(stats.AverageScore))
	}
	if stats := record.Summary.Paradox; stats != nil {
		fmt.Printf("Decided: %d/%d (undecided %.1f%%, inferred %d)\n",
			stats.Decided, stats.Total, stats.UndecidedPercent, stats.InferredCount)
		for _, opt := range stats.Options {
			fmt.Printf("  {%d} %-24s %d (%.1f%%)\n", opt.OptionID, opt.Label, opt.Count, opt.Percent)
		}
	}
}

func printJSON(record *bench.RunRecord) {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		exitWith("failed to encode record JSON: " + err.Error())
	}
	fmt.Println(string(data))
}

func writeRecord(path string, record *bench.RunRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Clean(path), data, 0o644)
}

func exitWith(message string) {
	fmt.Fprintln(os.Stderr, "error:", message)
	os.Exit(2)
}
