package server

import (
	"time"

	"strength-arena/internal/bench"
)

type Principal struct {
	Subject  string `json:"subject"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// RunRequest is the API payload for starting a benchmark run.
type RunRequest struct {
	ModelName    string                  `json:"model_name"`
	TestID       string                  `json:"test_id"`
	Iterations   int                     `json:"iterations"`
	SystemPrompt string                  `json:"system_prompt,omitempty"`
	Params       *bench.GenerationParams `json:"params,omitempty"`
}

type InsightRequest struct {
	AnalystModel string `json:"analyst_model"`
	Content      string `json:"content"`
}

type CompareRequest struct {
	Models     []string `json:"models"`
	Categories []string `json:"categories,omitempty"`
}

// RunListEntry is the metadata-only view of a persisted run.
type RunListEntry struct {
	RunID          string `json:"runId"`
	Timestamp      string `json:"timestamp"`
	ModelName      string `json:"modelName"`
	TestID         string `json:"testId"`
	TestKind       string `json:"testKind,omitempty"`
	IterationCount int    `json:"iterationCount"`
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
