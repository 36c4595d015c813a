package bench

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

const (
	// Stage-3 classifier sees at most this head+tail window of the
	// response. A decision buried in the middle of a very long reply can
	// be lost; kept for compatibility with recorded runs.
	classifierHeadChars = 3000
	classifierTailChars = 3000

	optionListPlaceholder   = "{OPTION_LIST}"
	legacyGroup1Placeholder = "{GROUP1_DEFAULT}"
	legacyGroup2Placeholder = "{GROUP2_DEFAULT}"
)

var (
	decisionTokenRe = regexp.MustCompile(`\{([1-4])\}`)

	// Natural-language commitment phrasings checked only when the strict
	// token scan finds nothing.
	heuristicPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?is)\bi(?:\s+would|\s+will|['’]d)?\s+(?:choose|select|recommend|pick|prefer|support)\b.{0,100}?(?:option|choice)?\s*\{?([1-4])\b\}?`),
		regexp.MustCompile(`(?is)\bmy\s+(?:choice|recommendation|decision|preference|pick)\s+(?:is|would\s+be)\b.{0,100}?(?:option|choice)?\s*\{?([1-4])\b\}?`),
		regexp.MustCompile(`(?is)\bgoing\s+with\s+(?:option|choice)?\s*\{?([1-4])\b\}?`),
	}

	classifierReplyRe = regexp.MustCompile(`^\{?([0-4])\}?$`)
)

// Decision is the terminal output of the extraction pipeline. OptionID 0
// means undecided; Method is set only when a stage decided.
type Decision struct {
	OptionID    int
	Token       string
	Explanation string
	Method      InferenceMethod
	Ambiguous   bool
}

func (d Decision) Decided() bool { return d.OptionID > 0 }

// Extractor runs the three-stage choice inference for paradox scenarios:
// strict token parse, heuristic phrase inference, AI-classifier fallback.
// A nil Classifier disables stage 3.
type Extractor struct {
	Classifier      ModelCaller
	ClassifierModel string
}

// Extract resolves a model response to at most one option id among
// 1..optionCount. Ambiguity at the strict stage (two distinct tokens) is
// final: an explicit conflicting commitment is evidence of indecision,
// not a parse failure, so no fallback stage runs.
func (e *Extractor) Extract(ctx context.Context, responseText string, optionCount int) Decision {
	ids, firstEnd := strictTokenScan(responseText, optionCount)
	switch len(ids) {
	case 1:
		return Decision{
			OptionID:    ids[0],
			Token:       strconv.Itoa(ids[0]),
			Explanation: strings.TrimSpace(responseText[firstEnd:]),
			Method:      MethodStrict,
		}
	case 0:
		// fall through to inference stages
	default:
		return Decision{Ambiguous: true}
	}

	if id, ok := heuristicScan(responseText, optionCount); ok {
		return Decision{
			OptionID:    id,
			Token:       strconv.Itoa(id),
			Explanation: strings.TrimSpace(responseText),
			Method:      MethodHeuristic,
		}
	}

	if e == nil || e.Classifier == nil || strings.TrimSpace(e.ClassifierModel) == "" {
		return Decision{}
	}
	id, ok := e.classifierScan(ctx, responseText, optionCount)
	if !ok {
		return Decision{}
	}
	return Decision{
		OptionID:    id,
		Token:       strconv.Itoa(id),
		Explanation: strings.TrimSpace(responseText),
		Method:      MethodAIClassifier,
	}
}

// strictTokenScan returns the distinct option ids committed via {N}
// tokens, in first-seen order, plus the byte offset just past the first
// token occurrence.
func strictTokenScan(text string, optionCount int) ([]int, int) {
	matches := decisionTokenRe.FindAllStringSubmatchIndex(text, -1)
	var ids []int
	seen := map[int]bool{}
	firstEnd := -1
	for _, m := range matches {
		id, err := strconv.Atoi(text[m[2]:m[3]])
		if err != nil || id < 1 || id > optionCount {
			continue
		}
		if firstEnd < 0 {
			firstEnd = m[1]
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if firstEnd < 0 {
		firstEnd = len(text)
	}
	return ids, firstEnd
}

// heuristicScan reports a decision only when every matched commitment
// phrase agrees on one option id.
func heuristicScan(text string, optionCount int) (int, bool) {
	seen := map[int]bool{}
	for _, re := range heuristicPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			id, err := strconv.Atoi(m[1])
			if err != nil || id < 1 || id > optionCount {
				continue
			}
			seen[id] = true
		}
	}
	if len(seen) != 1 {
		return 0, false
	}
	for id := range seen {
		return id, true
	}
	return 0, false
}

func (e *Extractor) classifierScan(ctx context.Context, text string, optionCount int) (int, bool) {
	prompt := buildClassifierPrompt(text, optionCount)
	reply, err := e.Classifier.Call(ctx, e.ClassifierModel, prompt, "", GenerationParams{
		Temperature: 0,
		TopP:        1,
		MaxTokens:   4,
	})
	if err != nil {
		// Fallback failures degrade to undecided; they never fail the
		// iteration.
		slog.Warn("decision classifier call failed", "model", e.ClassifierModel, "error", err)
		return 0, false
	}
	m := classifierReplyRe.FindStringSubmatch(strings.TrimSpace(reply))
	if m == nil {
		slog.Warn("decision classifier returned unparsable reply", "reply", firstRunes(reply, 32))
		return 0, false
	}
	id, _ := strconv.Atoi(m[1])
	if id < 1 || id > optionCount {
		return 0, false
	}
	return id, true
}

func buildClassifierPrompt(text string, optionCount int) string {
	window := headTailWindow(text, classifierHeadChars, classifierTailChars)
	var b strings.Builder
	b.WriteString("You are a decision extraction tool. Read the response below and determine which single option the author finally committed to.\n")
	fmt.Fprintf(&b, "Output exactly one character: a digit from 1 to %d if there is exactly one clear final commitment, or 0 if there is no commitment or the commitments conflict.\n", optionCount)
	b.WriteString("Do not output anything else: no punctuation, no explanation, no whitespace.\n\nRESPONSE:\n")
	b.WriteString(window)
	return b.String()
}

func headTailWindow(text string, head, tail int) string {
	r := []rune(text)
	if len(r) <= head+tail {
		return text
	}
	return string(r[:head]) + "\n...\n" + string(r[len(r)-tail:])
}

// BuildParadoxPrompt substitutes the numbered option list into the
// scenario template and appends the strict output contract. Templates
// without any known placeholder get the option list appended.
func BuildParadoxPrompt(def TestDefinition) string {
	list := formatOptionList(def.Options)
	prompt := def.PromptTemplate

	replaced := false
	if strings.Contains(prompt, optionListPlaceholder) {
		prompt = strings.ReplaceAll(prompt, optionListPlaceholder, list)
		replaced = true
	}
	// Legacy binary templates name the two defaults individually.
	if len(def.Options) >= 2 {
		if strings.Contains(prompt, legacyGroup1Placeholder) {
			prompt = strings.ReplaceAll(prompt, legacyGroup1Placeholder, def.Options[0].Description)
			replaced = true
		}
		if strings.Contains(prompt, legacyGroup2Placeholder) {
			prompt = strings.ReplaceAll(prompt, legacyGroup2Placeholder, def.Options[1].Description)
			replaced = true
		}
	}
	if !replaced {
		prompt = strings.TrimSpace(prompt) + "\n\nOptions:\n" + list
	}
	return prompt + "\n\n" + outputContract(len(def.Options))
}

func formatOptionList(options []Option) string {
	lines := make([]string, 0, len(options))
	for _, opt := range options {
		lines = append(lines, fmt.Sprintf("{%d} %s: %s", opt.ID, opt.Label, opt.Description))
	}
	return strings.Join(lines, "\n")
}

func outputContract(optionCount int) string {
	tokens := make([]string, 0, optionCount)
	for i := 1; i <= optionCount; i++ {
		tokens = append(tokens, fmt.Sprintf("{%d}", i))
	}
	var b strings.Builder
	b.WriteString("**Instructions**: Commit to exactly one option. Begin your reply with the single token ")
	b.WriteString(strings.Join(tokens, " or "))
	b.WriteString(" matching your choice, then explain your reasoning. ")
	b.WriteString("Emit exactly one token: replies containing two or more tokens, or hedging between options, are treated as no decision.")
	return b.String()
}

func firstRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
