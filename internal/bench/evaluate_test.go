package bench

import (
	"math"
	"testing"
)

func TestEvaluateCapabilityResponseFullMatch(t *testing.T) {
	eval := Evaluation{
		Required:      []string{`\bno\b`, `syllogism`},
		Forbidden:     []string{`\byes\b`},
		PassThreshold: 1.0,
		IgnoreCase:    true,
	}
	res := EvaluateCapabilityResponse("No. By the syllogism, no glimmer is a widget.", eval)
	if res.Score != 1.0 {
		t.Fatalf("score = %v, want 1.0", res.Score)
	}
	if !res.Passed {
		t.Fatalf("expected pass at threshold 1.0")
	}
	if len(res.MatchedRequired) != 2 || len(res.MissingRequired) != 0 {
		t.Fatalf("matched=%v missing=%v", res.MatchedRequired, res.MissingRequired)
	}
}

func TestEvaluateCapabilityResponseForbiddenPenalty(t *testing.T) {
	eval := Evaluation{
		Required:      []string{`alpha`, `beta`},
		Forbidden:     []string{`gamma`},
		PassThreshold: 0.8,
	}
	res := EvaluateCapabilityResponse("alpha beta gamma", eval)
	if res.Score != 0.5 {
		t.Fatalf("score = %v, want 0.5 (1.0 base - 0.5 penalty)", res.Score)
	}
	if res.Passed {
		t.Fatalf("0.5 must not pass threshold 0.8")
	}
	if len(res.MatchedForbidden) != 1 {
		t.Fatalf("matchedForbidden = %v", res.MatchedForbidden)
	}
}

func TestEvaluateCapabilityResponseScoreFloor(t *testing.T) {
	eval := Evaluation{
		Required:  []string{`alpha`, `beta`},
		Forbidden: []string{`gamma`, `delta`},
	}
	res := EvaluateCapabilityResponse("alpha gamma delta", eval)
	if res.Score != 0 {
		t.Fatalf("score = %v, want floor at 0", res.Score)
	}
}

func TestEvaluateCapabilityResponseScoreRange(t *testing.T) {
	eval := Evaluation{Required: []string{`x`}, Forbidden: []string{`y`}}
	for _, text := range []string{"", "x", "y", "x y", "zzz"} {
		res := EvaluateCapabilityResponse(text, eval)
		if res.Score < 0 || res.Score > 1 {
			t.Fatalf("text %q: score %v out of [0,1]", text, res.Score)
		}
	}
}

func TestEvaluateCapabilityResponseIdempotent(t *testing.T) {
	eval := Evaluation{Required: []string{`\d+`}, Forbidden: []string{`error`}, PassThreshold: 0.8}
	first := EvaluateCapabilityResponse("the answer is 42", eval)
	second := EvaluateCapabilityResponse("the answer is 42", eval)
	if first.Score != second.Score || first.Passed != second.Passed {
		t.Fatalf("evaluation not idempotent: %+v vs %+v", first, second)
	}
}

func TestEvaluateCapabilityResponseMalformedPattern(t *testing.T) {
	eval := Evaluation{
		Required:      []string{`[unclosed`, `fine`},
		PassThreshold: 0.8,
	}
	res := EvaluateCapabilityResponse("fine", eval)
	if res.Score != 0.5 {
		t.Fatalf("score = %v, want 0.5 (malformed pattern counts as non-match)", res.Score)
	}
	if len(res.MissingRequired) != 1 {
		t.Fatalf("missing = %v", res.MissingRequired)
	}
}

func TestEvaluateCapabilityResponseDefaultThreshold(t *testing.T) {
	eval := Evaluation{Required: []string{`a`}}
	res := EvaluateCapabilityResponse("a", eval)
	if res.PassThreshold != 0.8 {
		t.Fatalf("threshold = %v, want default 0.8", res.PassThreshold)
	}
}

func TestEvaluateCapabilityResponseMultilineAnchors(t *testing.T) {
	eval := Evaluation{Required: []string{`^22$`}}
	res := EvaluateCapabilityResponse("Working it out:\n22\ndone", eval)
	if res.Score != 1.0 {
		t.Fatalf("score = %v, want 1.0 with (?m) anchors", res.Score)
	}
}

func TestAggregateCapabilityStatsEmpty(t *testing.T) {
	stats := AggregateCapabilityStats(nil, 0.8)
	if stats.Total != 0 || stats.AverageScore != 0 || stats.PassRate != 0 {
		t.Fatalf("empty input must yield zeroed stats, got %+v", stats)
	}
}

func TestAggregateCapabilityStats(t *testing.T) {
	score := func(v float64, passed bool) IterationResult {
		return IterationResult{Score: &v, Passed: &passed}
	}
	responses := []IterationResult{
		score(1.0, true),
		score(0.5, false),
		{Error: "boom", Score: ptrFloat(0)},
	}
	stats := AggregateCapabilityStats(responses, 0.8)
	if stats.Total != 3 {
		t.Fatalf("total = %d", stats.Total)
	}
	if math.Abs(stats.AverageScore-0.5) > 1e-9 {
		t.Fatalf("averageScore = %v, want 0.5", stats.AverageScore)
	}
	if stats.PassCount != 1 {
		t.Fatalf("passCount = %d, want 1 (error iteration never passes)", stats.PassCount)
	}
	if math.Abs(stats.PassRate-100.0/3) > 1e-9 {
		t.Fatalf("passRate = %v", stats.PassRate)
	}
	if stats.MinScore != 0 || stats.MaxScore != 1 {
		t.Fatalf("min/max = %v/%v", stats.MinScore, stats.MaxScore)
	}
}

func ptrFloat(v float64) *float64 { return &v }
