package bench

import "sort"

// StrengthLabel is the qualitative bucket of a normalized score.
type StrengthLabel string

const (
	StrengthStrong     StrengthLabel = "Strong"
	StrengthDeveloping StrengthLabel = "Developing"
	StrengthWeak       StrengthLabel = "Weak"
)

// ClassifyStrength maps a normalized score to its qualitative label.
func ClassifyStrength(score float64) StrengthLabel {
	switch {
	case score >= 0.8:
		return StrengthStrong
	case score >= 0.6:
		return StrengthDeveloping
	default:
		return StrengthWeak
	}
}

// TestSummary is one run's compact score summary inside a profile.
type TestSummary struct {
	RunID        string        `json:"runId"`
	TestID       string        `json:"testId"`
	Title        string        `json:"title"`
	Category     string        `json:"category"`
	AverageScore float64       `json:"averageScore"`
	PassRate     float64       `json:"passRate"`
	Strength     StrengthLabel `json:"strength"`
}

// CategoryScore is a per-category average inside a profile.
type CategoryScore struct {
	Category     string        `json:"category"`
	AverageScore float64       `json:"averageScore"`
	Strength     StrengthLabel `json:"strength"`
	TestCount    int           `json:"testCount"`
}

// StrengthProfile is a per-model aggregate derived on demand from
// completed runs. It is never persisted as authoritative state.
type StrengthProfile struct {
	ModelName         string          `json:"modelName"`
	Timestamp         string          `json:"timestamp"`
	OverallScore      float64         `json:"overallScore"`
	OverallStrength   StrengthLabel   `json:"overallStrength"`
	Tests             []TestSummary   `json:"tests"`
	CategoryBreakdown []CategoryScore `json:"categoryBreakdown"`
	StrongestAreas    []TestSummary   `json:"strongestAreas"`
	WeakestAreas      []TestSummary   `json:"weakestAreas"`
}

// ModelRanking is one model's slot in a comparison.
type ModelRanking struct {
	Rank          int             `json:"rank"`
	ModelName     string          `json:"modelName"`
	AdjustedScore float64         `json:"adjustedScore"`
	Coverage      float64         `json:"coverage"`
	Partial       bool            `json:"partial"`
	Profile       StrengthProfile `json:"profile"`
}

// CategoryLeader names the best-scoring model for one category.
type CategoryLeader struct {
	Category     string  `json:"category"`
	ModelName    string  `json:"modelName"`
	AverageScore float64 `json:"averageScore"`
}

// ComparisonResult ranks several models over a shared test set.
type ComparisonResult struct {
	ModelsCompared  int              `json:"modelsCompared"`
	TestsPerModel   int              `json:"testsPerModel"`
	Categories      []string         `json:"categories,omitempty"`
	Rankings        []ModelRanking   `json:"rankings"`
	CategoryLeaders []CategoryLeader `json:"categoryLeaders"`
	Timestamp       string           `json:"timestamp"`
}

// BuildStrengthProfile folds a model's completed capability runs into one
// profile. A run whose test id has no matching definition falls back to a
// synthetic General category titled with the raw id; it is never dropped.
// An empty run set yields a zeroed Weak profile, not an error.
func BuildStrengthProfile(modelName string, runs []RunRecord, defs []TestDefinition) StrengthProfile {
	byID := make(map[string]TestDefinition, len(defs))
	for _, def := range defs {
		byID[def.ID] = def
	}

	var tests []TestSummary
	categoryScores := map[string][]float64{}
	categoryOrder := []string{}
	for _, run := range runs {
		title := run.TestID
		category := "General"
		if def, ok := byID[run.TestID]; ok {
			title = def.Title
			if def.Category != "" {
				category = def.Category
			}
		}
		summary := TestSummary{
			RunID:    run.RunID,
			TestID:   run.TestID,
			Title:    title,
			Category: category,
		}
		if run.Summary.Capability != nil {
			summary.AverageScore = run.Summary.Capability.AverageScore
			summary.PassRate = run.Summary.Capability.PassRate
		}
		summary.Strength = ClassifyStrength(summary.AverageScore)
		tests = append(tests, summary)
		if _, seen := categoryScores[category]; !seen {
			categoryOrder = append(categoryOrder, category)
		}
		categoryScores[category] = append(categoryScores[category], summary.AverageScore)
	}

	profile := StrengthProfile{
		ModelName:         modelName,
		Timestamp:         nowRFC3339(),
		OverallStrength:   StrengthWeak,
		Tests:             []TestSummary{},
		CategoryBreakdown: []CategoryScore{},
		StrongestAreas:    []TestSummary{},
		WeakestAreas:      []TestSummary{},
	}
	if len(tests) == 0 {
		return profile
	}

	sum := 0.0
	for _, t := range tests {
		sum += t.AverageScore
	}
	profile.OverallScore = sum / float64(len(tests))
	profile.OverallStrength = ClassifyStrength(profile.OverallScore)

	for _, category := range categoryOrder {
		values := categoryScores[category]
		total := 0.0
		for _, v := range values {
			total += v
		}
		avg := total / float64(len(values))
		profile.CategoryBreakdown = append(profile.CategoryBreakdown, CategoryScore{
			Category:     category,
			AverageScore: avg,
			Strength:     ClassifyStrength(avg),
			TestCount:    len(values),
		})
	}
	sort.SliceStable(profile.CategoryBreakdown, func(i, j int) bool {
		return profile.CategoryBreakdown[i].AverageScore > profile.CategoryBreakdown[j].AverageScore
	})

	sorted := make([]TestSummary, len(tests))
	copy(sorted, tests)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].AverageScore > sorted[j].AverageScore
	})
	profile.Tests = sorted

	strongestCount := 3
	if strongestCount > len(sorted) {
		strongestCount = len(sorted)
	}
	profile.StrongestAreas = sorted[:strongestCount]

	// The weakest slice never repeats a test already claimed as
	// strongest, so tiny test sets yield an empty weakest list instead
	// of an overlapping one.
	strongestIDs := map[string]bool{}
	for _, t := range profile.StrongestAreas {
		strongestIDs[t.TestID] = true
	}
	for i := len(sorted) - 1; i >= 0 && len(profile.WeakestAreas) < 3; i-- {
		if strongestIDs[sorted[i].TestID] {
			continue
		}
		profile.WeakestAreas = append(profile.WeakestAreas, sorted[i])
	}
	return profile
}

// CompareModels builds per-model profiles over the shared test set and
// ranks them descending by (adjustedScore, coverage, rawOverallScore),
// where adjustedScore = overallScore x coverage penalizes partial
// completion. Ties on the full chain share a dense 1-based rank.
func CompareModels(runsByModel map[string][]RunRecord, defs []TestDefinition, categories []string) ComparisonResult {
	selected := FilterTestsByCategory(defs, categories)
	totalTests := len(selected)
	selectedIDs := make(map[string]bool, totalTests)
	for _, def := range selected {
		selectedIDs[def.ID] = true
	}

	models := make([]string, 0, len(runsByModel))
	for model := range runsByModel {
		models = append(models, model)
	}
	sort.Strings(models)

	rankings := make([]ModelRanking, 0, len(models))
	for _, model := range models {
		var runs []RunRecord
		completed := map[string]bool{}
		for _, run := range runsByModel[model] {
			if !selectedIDs[run.TestID] {
				continue
			}
			runs = append(runs, run)
			completed[run.TestID] = true
		}
		profile := BuildStrengthProfile(model, runs, defs)
		coverage := 0.0
		if totalTests > 0 {
			coverage = float64(len(completed)) / float64(totalTests)
		}
		rankings = append(rankings, ModelRanking{
			ModelName:     model,
			AdjustedScore: profile.OverallScore * coverage,
			Coverage:      coverage,
			Partial:       coverage < 1,
			Profile:       profile,
		})
	}

	sort.SliceStable(rankings, func(i, j int) bool {
		a, b := rankings[i], rankings[j]
		if a.AdjustedScore != b.AdjustedScore {
			return a.AdjustedScore > b.AdjustedScore
		}
		if a.Coverage != b.Coverage {
			return a.Coverage > b.Coverage
		}
		return a.Profile.OverallScore > b.Profile.OverallScore
	})
	rank := 0
	for i := range rankings {
		if i == 0 || !sameRankKey(rankings[i], rankings[i-1]) {
			rank++
		}
		rankings[i].Rank = rank
	}

	return ComparisonResult{
		ModelsCompared:  len(rankings),
		TestsPerModel:   totalTests,
		Categories:      categories,
		Rankings:        rankings,
		CategoryLeaders: categoryLeaders(rankings, selected),
		Timestamp:       nowRFC3339(),
	}
}

func sameRankKey(a, b ModelRanking) bool {
	return a.AdjustedScore == b.AdjustedScore &&
		a.Coverage == b.Coverage &&
		a.Profile.OverallScore == b.Profile.OverallScore
}

// categoryLeaders picks, for each category in the selected test set, the
// model with the highest category average.
func categoryLeaders(rankings []ModelRanking, selected []TestDefinition) []CategoryLeader {
	categories := []string{}
	seen := map[string]bool{}
	for _, def := range selected {
		category := def.Category
		if category == "" {
			category = "General"
		}
		if !seen[category] {
			seen[category] = true
			categories = append(categories, category)
		}
	}

	leaders := []CategoryLeader{}
	for _, category := range categories {
		best := CategoryLeader{Category: category, AverageScore: -1}
		for _, ranking := range rankings {
			for _, breakdown := range ranking.Profile.CategoryBreakdown {
				if breakdown.Category != category {
					continue
				}
				if breakdown.AverageScore > best.AverageScore {
					best.ModelName = ranking.ModelName
					best.AverageScore = breakdown.AverageScore
				}
			}
		}
		if best.ModelName != "" {
			leaders = append(leaders, best)
		}
	}
	return leaders
}
