package bench

import (
	"math"
	"testing"
)

func runWithScore(runID, testID string, avg float64) RunRecord {
	return RunRecord{
		RunID:    runID,
		TestID:   testID,
		TestKind: KindCapability,
		Summary: RunSummary{Capability: &CapabilityStats{
			AverageScore: avg,
			PassRate:     avg * 100,
		}},
	}
}

func TestClassifyStrength(t *testing.T) {
	cases := []struct {
		score float64
		want  StrengthLabel
	}{
		{1.0, StrengthStrong},
		{0.8, StrengthStrong},
		{0.79, StrengthDeveloping},
		{0.6, StrengthDeveloping},
		{0.59, StrengthWeak},
		{0, StrengthWeak},
	}
	for _, c := range cases {
		if got := ClassifyStrength(c.score); got != c.want {
			t.Fatalf("ClassifyStrength(%v) = %s, want %s", c.score, got, c.want)
		}
	}
}

func TestBuildStrengthProfileEmpty(t *testing.T) {
	profile := BuildStrengthProfile("test/model", nil, nil)
	if profile.OverallScore != 0 {
		t.Fatalf("overallScore = %v", profile.OverallScore)
	}
	if profile.OverallStrength != StrengthWeak {
		t.Fatalf("overallStrength = %s, want Weak", profile.OverallStrength)
	}
	if len(profile.Tests) != 0 || len(profile.StrongestAreas) != 0 || len(profile.WeakestAreas) != 0 {
		t.Fatalf("empty run set must yield empty slices: %+v", profile)
	}
}

func TestBuildStrengthProfileNoOverlapOnTinySet(t *testing.T) {
	defs := []TestDefinition{
		{ID: "a", Title: "A", Kind: KindCapability, Category: "Reasoning"},
		{ID: "b", Title: "B", Kind: KindCapability, Category: "Mathematics"},
	}
	runs := []RunRecord{
		runWithScore("a-001", "a", 0.9),
		runWithScore("b-001", "b", 0.4),
	}
	profile := BuildStrengthProfile("test/model", runs, defs)
	if len(profile.StrongestAreas) != 2 {
		t.Fatalf("strongest = %d (both runs fit in top 3)", len(profile.StrongestAreas))
	}
	if profile.StrongestAreas[0].AverageScore != 0.9 {
		t.Fatalf("strongest[0] = %+v", profile.StrongestAreas[0])
	}
	if len(profile.WeakestAreas) != 0 {
		t.Fatalf("weakest must be empty when every test is already strongest, got %+v", profile.WeakestAreas)
	}
	if math.Abs(profile.OverallScore-0.65) > 1e-9 {
		t.Fatalf("overallScore = %v, want 0.65", profile.OverallScore)
	}
	if profile.OverallStrength != StrengthDeveloping {
		t.Fatalf("overallStrength = %s", profile.OverallStrength)
	}
}

func TestBuildStrengthProfileUnknownTestID(t *testing.T) {
	runs := []RunRecord{runWithScore("mystery-001", "mystery-test", 0.7)}
	profile := BuildStrengthProfile("test/model", runs, nil)
	if len(profile.Tests) != 1 {
		t.Fatalf("unknown test id must never drop the run")
	}
	got := profile.Tests[0]
	if got.Category != "General" || got.Title != "mystery-test" {
		t.Fatalf("synthetic fallback = %+v", got)
	}
}

func TestBuildStrengthProfileCategoryBreakdown(t *testing.T) {
	defs := []TestDefinition{
		{ID: "r1", Title: "R1", Kind: KindCapability, Category: "Reasoning"},
		{ID: "r2", Title: "R2", Kind: KindCapability, Category: "Reasoning"},
		{ID: "m1", Title: "M1", Kind: KindCapability, Category: "Mathematics"},
	}
	runs := []RunRecord{
		runWithScore("r1-001", "r1", 0.5),
		runWithScore("r2-001", "r2", 0.7),
		runWithScore("m1-001", "m1", 0.9),
	}
	profile := BuildStrengthProfile("test/model", runs, defs)
	if len(profile.CategoryBreakdown) != 2 {
		t.Fatalf("categories = %d", len(profile.CategoryBreakdown))
	}
	top := profile.CategoryBreakdown[0]
	if top.Category != "Mathematics" || top.AverageScore != 0.9 || top.TestCount != 1 {
		t.Fatalf("top category = %+v", top)
	}
	second := profile.CategoryBreakdown[1]
	if second.Category != "Reasoning" || math.Abs(second.AverageScore-0.6) > 1e-9 || second.TestCount != 2 {
		t.Fatalf("second category = %+v", second)
	}
}

func TestCompareModelsCoverageTieBreak(t *testing.T) {
	defs := []TestDefinition{
		{ID: "a", Title: "A", Kind: KindCapability, Category: "Reasoning"},
		{ID: "b", Title: "B", Kind: KindCapability, Category: "Reasoning"},
	}
	// full: both tests at 0.4 -> adjusted 0.4*1.0 = 0.4
	// partial: one test at 0.8 -> adjusted 0.8*0.5 = 0.4, same adjusted,
	// lower coverage, so full must rank first.
	runsByModel := map[string][]RunRecord{
		"full": {
			runWithScore("a-001", "a", 0.4),
			runWithScore("b-001", "b", 0.4),
		},
		"partial": {
			runWithScore("a-002", "a", 0.8),
		},
	}
	result := CompareModels(runsByModel, defs, nil)
	if result.ModelsCompared != 2 || result.TestsPerModel != 2 {
		t.Fatalf("result header = %+v", result)
	}
	if result.Rankings[0].ModelName != "full" {
		t.Fatalf("rankings[0] = %s, want full (higher coverage on tied adjusted score)", result.Rankings[0].ModelName)
	}
	if result.Rankings[0].Rank != 1 || result.Rankings[1].Rank != 2 {
		t.Fatalf("ranks = %d/%d", result.Rankings[0].Rank, result.Rankings[1].Rank)
	}
	if !result.Rankings[1].Partial {
		t.Fatalf("partial model not flagged")
	}
}

func TestCompareModelsDenseRanksOnFullTie(t *testing.T) {
	defs := []TestDefinition{{ID: "a", Title: "A", Kind: KindCapability, Category: "Reasoning"}}
	runsByModel := map[string][]RunRecord{
		"one":   {runWithScore("a-001", "a", 0.7)},
		"two":   {runWithScore("a-002", "a", 0.7)},
		"three": {runWithScore("a-003", "a", 0.5)},
	}
	result := CompareModels(runsByModel, defs, nil)
	if result.Rankings[0].Rank != 1 || result.Rankings[1].Rank != 1 {
		t.Fatalf("tied models must share rank 1, got %d/%d", result.Rankings[0].Rank, result.Rankings[1].Rank)
	}
	if result.Rankings[2].Rank != 2 {
		t.Fatalf("dense rank after tie = %d, want 2", result.Rankings[2].Rank)
	}
}

func TestCompareModelsCategoryLeaders(t *testing.T) {
	defs := []TestDefinition{
		{ID: "r1", Title: "R1", Kind: KindCapability, Category: "Reasoning"},
		{ID: "m1", Title: "M1", Kind: KindCapability, Category: "Mathematics"},
	}
	runsByModel := map[string][]RunRecord{
		"alpha": {
			runWithScore("r1-001", "r1", 0.9),
			runWithScore("m1-001", "m1", 0.2),
		},
		"beta": {
			runWithScore("r1-002", "r1", 0.3),
			runWithScore("m1-002", "m1", 0.8),
		},
	}
	result := CompareModels(runsByModel, defs, nil)
	leaders := map[string]string{}
	for _, leader := range result.CategoryLeaders {
		leaders[leader.Category] = leader.ModelName
	}
	if leaders["Reasoning"] != "alpha" || leaders["Mathematics"] != "beta" {
		t.Fatalf("leaders = %v", leaders)
	}
}

func TestCompareModelsCategoryFilter(t *testing.T) {
	defs := []TestDefinition{
		{ID: "r1", Title: "R1", Kind: KindCapability, Category: "Reasoning"},
		{ID: "m1", Title: "M1", Kind: KindCapability, Category: "Mathematics"},
	}
	runsByModel := map[string][]RunRecord{
		"alpha": {
			runWithScore("r1-001", "r1", 0.9),
			runWithScore("m1-001", "m1", 0.1),
		},
	}
	result := CompareModels(runsByModel, defs, []string{"reasoning"})
	if result.TestsPerModel != 1 {
		t.Fatalf("testsPerModel = %d, want 1 after filter", result.TestsPerModel)
	}
	ranking := result.Rankings[0]
	if ranking.Coverage != 1 || ranking.AdjustedScore != 0.9 {
		t.Fatalf("ranking = %+v (math run must be excluded)", ranking)
	}
}
