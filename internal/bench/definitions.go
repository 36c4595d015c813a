package bench

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

//go:embed capabilities.json
var defaultCapabilitiesJSON []byte

//go:embed paradoxes.json
var defaultParadoxesJSON []byte

type rawEvaluation struct {
	Required      []string `json:"required"`
	Forbidden     []string `json:"forbidden"`
	PassThreshold *float64 `json:"pass_threshold"`
	IgnoreCase    bool     `json:"ignore_case"`
}

type rawDefinition struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Type           string         `json:"type"`
	Category       string         `json:"category"`
	PromptTemplate string         `json:"promptTemplate"`
	Evaluation     *rawEvaluation `json:"evaluation"`
	Options        []Option       `json:"options"`
	Group1Default  string         `json:"group1Default"`
	Group2Default  string         `json:"group2Default"`
}

// ParseCapabilityBank decodes and validates a capability test bank.
func ParseCapabilityBank(data []byte) ([]TestDefinition, error) {
	var items []rawDefinition
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode capability bank: %w", err)
	}
	defs := make([]TestDefinition, 0, len(items))
	seen := map[string]bool{}
	for i, item := range items {
		def, err := normalizeCapability(item)
		if err != nil {
			return nil, fmt.Errorf("capability entry %d: %w", i, err)
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("duplicate capability id: %s", def.ID)
		}
		seen[def.ID] = true
		defs = append(defs, def)
	}
	return defs, nil
}

// ParseParadoxBank decodes and validates a paradox scenario bank. Legacy
// binary entries (group1Default/group2Default) are normalized to two
// options.
func ParseParadoxBank(data []byte) ([]TestDefinition, error) {
	var items []rawDefinition
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode paradox bank: %w", err)
	}
	defs := make([]TestDefinition, 0, len(items))
	seen := map[string]bool{}
	for i, item := range items {
		def, err := normalizeParadox(item)
		if err != nil {
			return nil, fmt.Errorf("paradox entry %d: %w", i, err)
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("duplicate paradox id: %s", def.ID)
		}
		seen[def.ID] = true
		defs = append(defs, def)
	}
	return defs, nil
}

func normalizeCapability(item rawDefinition) (TestDefinition, error) {
	if strings.TrimSpace(item.ID) == "" || strings.TrimSpace(item.Title) == "" || strings.TrimSpace(item.PromptTemplate) == "" {
		return TestDefinition{}, fmt.Errorf("id, title and promptTemplate are required")
	}
	if item.Type != "" && item.Type != string(KindCapability) {
		return TestDefinition{}, fmt.Errorf("unsupported capability type: %s", item.Type)
	}
	if item.Evaluation == nil {
		return TestDefinition{}, fmt.Errorf("evaluation is required")
	}
	required := nonEmptyPatterns(item.Evaluation.Required)
	if len(required) == 0 {
		return TestDefinition{}, fmt.Errorf("evaluation.required must be non-empty")
	}
	forbidden := nonEmptyPatterns(item.Evaluation.Forbidden)
	threshold := 0.8
	if item.Evaluation.PassThreshold != nil {
		threshold = *item.Evaluation.PassThreshold
	}
	if threshold <= 0 || threshold > 1 {
		return TestDefinition{}, fmt.Errorf("pass_threshold must be in (0, 1]")
	}
	return TestDefinition{
		ID:             item.ID,
		Title:          item.Title,
		Kind:           KindCapability,
		Category:       item.Category,
		PromptTemplate: item.PromptTemplate,
		Evaluation: &Evaluation{
			Required:      required,
			Forbidden:     forbidden,
			PassThreshold: threshold,
			IgnoreCase:    item.Evaluation.IgnoreCase,
		},
	}, nil
}

func normalizeParadox(item rawDefinition) (TestDefinition, error) {
	if strings.TrimSpace(item.ID) == "" || strings.TrimSpace(item.Title) == "" || strings.TrimSpace(item.PromptTemplate) == "" {
		return TestDefinition{}, fmt.Errorf("id, title and promptTemplate are required")
	}
	options := item.Options
	if len(options) == 0 {
		// legacy binary schema
		if strings.TrimSpace(item.Group1Default) == "" || strings.TrimSpace(item.Group2Default) == "" {
			return TestDefinition{}, fmt.Errorf("options or legacy group defaults are required")
		}
		options = []Option{
			{ID: 1, Label: "Option 1", Description: item.Group1Default},
			{ID: 2, Label: "Option 2", Description: item.Group2Default},
		}
	}
	if len(options) < 2 || len(options) > 4 {
		return TestDefinition{}, fmt.Errorf("options length must be 2..4, got %d", len(options))
	}
	sorted := make([]Option, len(options))
	copy(sorted, options)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for i, opt := range sorted {
		if opt.ID != i+1 {
			return TestDefinition{}, fmt.Errorf("option ids must be exactly 1..%d", len(options))
		}
		if strings.TrimSpace(opt.Label) == "" || strings.TrimSpace(opt.Description) == "" {
			return TestDefinition{}, fmt.Errorf("option %d: label and description are required", opt.ID)
		}
	}
	return TestDefinition{
		ID:             item.ID,
		Title:          item.Title,
		Kind:           KindParadox,
		Category:       item.Category,
		PromptTemplate: item.PromptTemplate,
		Options:        sorted,
	}, nil
}

type bankState struct {
	path  string
	mtime time.Time
}

// DefinitionCache loads the capability and paradox banks, revalidating a
// file-backed bank whenever its mtime changes. Empty paths fall back to
// the embedded default banks. Definitions are immutable once loaded.
type DefinitionCache struct {
	mu         sync.Mutex
	capability bankState
	paradox    bankState
	defs       []TestDefinition
	byID       map[string]TestDefinition
	loaded     bool
}

func NewDefinitionCache(capabilitiesPath, paradoxesPath string) *DefinitionCache {
	return &DefinitionCache{
		capability: bankState{path: strings.TrimSpace(capabilitiesPath)},
		paradox:    bankState{path: strings.TrimSpace(paradoxesPath)},
	}
}

// Load returns the validated definitions, re-reading any file-backed bank
// whose modification time changed since the previous load.
func (c *DefinitionCache) Load() ([]TestDefinition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	capStale, capMtime, err := c.stale(c.capability)
	if err != nil {
		return nil, err
	}
	parStale, parMtime, err := c.stale(c.paradox)
	if err != nil {
		return nil, err
	}
	if c.loaded && !capStale && !parStale {
		return c.defs, nil
	}

	capData, err := bankBytes(c.capability.path, defaultCapabilitiesJSON)
	if err != nil {
		return nil, err
	}
	parData, err := bankBytes(c.paradox.path, defaultParadoxesJSON)
	if err != nil {
		return nil, err
	}
	capDefs, err := ParseCapabilityBank(capData)
	if err != nil {
		return nil, err
	}
	parDefs, err := ParseParadoxBank(parData)
	if err != nil {
		return nil, err
	}

	defs := make([]TestDefinition, 0, len(capDefs)+len(parDefs))
	defs = append(defs, capDefs...)
	defs = append(defs, parDefs...)
	byID := make(map[string]TestDefinition, len(defs))
	for _, def := range defs {
		if _, dup := byID[def.ID]; dup {
			return nil, fmt.Errorf("definition id %s appears in both banks", def.ID)
		}
		byID[def.ID] = def
	}

	c.defs = defs
	c.byID = byID
	c.capability.mtime = capMtime
	c.paradox.mtime = parMtime
	c.loaded = true
	return defs, nil
}

// Get looks up one definition by id, loading the banks if needed.
func (c *DefinitionCache) Get(id string) (TestDefinition, bool, error) {
	if _, err := c.Load(); err != nil {
		return TestDefinition{}, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	def, ok := c.byID[id]
	return def, ok, nil
}

// Invalidate forces the next Load to re-read both banks.
func (c *DefinitionCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
}

func (c *DefinitionCache) stale(state bankState) (bool, time.Time, error) {
	if state.path == "" {
		return false, time.Time{}, nil
	}
	info, err := os.Stat(filepath.Clean(state.path))
	if err != nil {
		return false, time.Time{}, fmt.Errorf("stat definition bank: %w", err)
	}
	return !c.loaded || !info.ModTime().Equal(state.mtime), info.ModTime(), nil
}

func bankBytes(path string, embedded []byte) ([]byte, error) {
	if path == "" {
		return embedded, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read definition bank: %w", err)
	}
	return data, nil
}

// FilterTestsByCategory returns capability tests, optionally restricted
// to the given categories (case-insensitive).
func FilterTestsByCategory(defs []TestDefinition, categories []string) []TestDefinition {
	filter := map[string]bool{}
	for _, category := range categories {
		name := strings.ToLower(strings.TrimSpace(category))
		if name != "" {
			filter[name] = true
		}
	}
	selected := make([]TestDefinition, 0, len(defs))
	for _, def := range defs {
		if def.Kind != KindCapability {
			continue
		}
		if len(filter) == 0 || filter[strings.ToLower(strings.TrimSpace(def.Category))] {
			selected = append(selected, def)
		}
	}
	return selected
}

// ExtractScenarioText returns the scenario body before the instruction
// marker, used by display layers.
func ExtractScenarioText(promptTemplate string) string {
	parts := strings.SplitN(promptTemplate, "**Instructions**", 2)
	return strings.TrimSpace(parts[0])
}
