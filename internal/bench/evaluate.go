package bench

import (
	"log/slog"
	"regexp"
	"strings"
)

// ScoreResult is the outcome of scoring one capability response.
type ScoreResult struct {
	Score            float64  `json:"score"`
	Passed           bool     `json:"passed"`
	PassThreshold    float64  `json:"passThreshold"`
	MatchedRequired  []string `json:"matchedRequired"`
	MissingRequired  []string `json:"missingRequired"`
	MatchedForbidden []string `json:"matchedForbidden"`
}

func compileEvaluationPattern(pattern string, ignoreCase bool) (*regexp.Regexp, error) {
	prefix := "(?m)"
	if ignoreCase {
		prefix = "(?mi)"
	}
	return regexp.Compile(prefix + pattern)
}

// EvaluateCapabilityResponse deterministically scores a response against
// the evaluation rules. Base score is matchedRequired/totalRequired, each
// forbidden hit subtracts 0.5, floored at 0. A malformed pattern counts as
// a non-match and never aborts the remaining patterns.
func EvaluateCapabilityResponse(responseText string, eval Evaluation) ScoreResult {
	required := nonEmptyPatterns(eval.Required)
	forbidden := nonEmptyPatterns(eval.Forbidden)

	threshold := eval.PassThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}

	matched := []string{}
	missing := []string{}
	for _, pattern := range required {
		re, err := compileEvaluationPattern(pattern, eval.IgnoreCase)
		if err != nil {
			slog.Warn("invalid required evaluation regex", "pattern", pattern, "error", err)
			missing = append(missing, pattern)
			continue
		}
		if re.MatchString(responseText) {
			matched = append(matched, pattern)
		} else {
			missing = append(missing, pattern)
		}
	}

	forbiddenHits := []string{}
	for _, pattern := range forbidden {
		re, err := compileEvaluationPattern(pattern, eval.IgnoreCase)
		if err != nil {
			slog.Warn("invalid forbidden evaluation regex", "pattern", pattern, "error", err)
			continue
		}
		if re.MatchString(responseText) {
			forbiddenHits = append(forbiddenHits, pattern)
		}
	}

	// Required is non-empty per the definition invariant; 1.0 is the
	// defensive value if a caller hands us an empty rule set anyway.
	baseScore := 1.0
	if len(required) > 0 {
		baseScore = float64(len(matched)) / float64(len(required))
	}
	score := baseScore - 0.5*float64(len(forbiddenHits))
	if score < 0 {
		score = 0
	}

	return ScoreResult{
		Score:            score,
		Passed:           score >= threshold,
		PassThreshold:    threshold,
		MatchedRequired:  matched,
		MissingRequired:  missing,
		MatchedForbidden: forbiddenHits,
	}
}

// AggregateCapabilityStats folds scored iterations into run statistics.
// Empty input yields zeroed stats, not an error. Error-variant iterations
// contribute score 0 and never count as passes.
func AggregateCapabilityStats(responses []IterationResult, passThreshold float64) CapabilityStats {
	stats := CapabilityStats{PassThreshold: passThreshold}
	if len(responses) == 0 {
		return stats
	}

	stats.Total = len(responses)
	sum := 0.0
	minScore := 0.0
	maxScore := 0.0
	for i, response := range responses {
		score := 0.0
		if response.Error == "" && response.Score != nil {
			score = *response.Score
		}
		sum += score
		if i == 0 || score < minScore {
			minScore = score
		}
		if i == 0 || score > maxScore {
			maxScore = score
		}
		if response.Error == "" && response.Passed != nil && *response.Passed {
			stats.PassCount++
		}
	}
	stats.AverageScore = sum / float64(stats.Total)
	stats.MinScore = minScore
	stats.MaxScore = maxScore
	stats.PassRate = float64(stats.PassCount) / float64(stats.Total) * 100
	return stats
}

func nonEmptyPatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		if strings.TrimSpace(pattern) != "" {
			out = append(out, pattern)
		}
	}
	return out
}
