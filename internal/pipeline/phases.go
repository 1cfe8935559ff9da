package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/docketloop/docket/internal/llm"
	"github.com/docketloop/docket/internal/rules"
)

const resultVersion = 1

// parsePlaceholder is substituted for fields the model failed to return as
// parsable JSON. Processing continues; the review UI shows the marker.
const parsePlaceholder = "error"

// Result is the committed outcome of a full analysis. The shape is versioned
// so readers can detect growth across schema revisions; re-analysis replaces
// the whole object rather than merging into it.
type Result struct {
	Version           int      `json:"version"`
	DocType           string   `json:"docType,omitempty"`
	Extraction        string   `json:"extraction"`
	BaselineAnalysis  string   `json:"baselineAnalysis"`
	SearchContext     string   `json:"searchContext,omitempty"`
	FinalAnalysis     string   `json:"finalAnalysis"`
	Issues            []string `json:"issues,omitempty"`
	ContextInfluenced bool     `json:"contextInfluenced"`
	ContextPreview    string   `json:"contextPreview,omitempty"`
}

// phase1Result is the structured output of the extraction phase.
type phase1Result struct {
	DocType          string `json:"docType"`
	Facts            string `json:"facts"`
	BaselineAnalysis string `json:"baselineAnalysis"`
	SearchContext    string `json:"searchContext"`
}

// phase3Result is the structured output of the final-report phase.
type phase3Result struct {
	FinalAnalysis     string   `json:"finalAnalysis"`
	Issues            []string `json:"issues"`
	ContextInfluenced bool     `json:"contextInfluenced"`
}

var phase1Schema = &llm.Schema{
	Type: "object",
	Properties: map[string]llm.SchemaProperty{
		"docType":          {Type: "string", Description: "Document category, e.g. contract, complaint, judgment"},
		"facts":            {Type: "string", Description: "Extracted key facts"},
		"baselineAnalysis": {Type: "string", Description: "Legal interpretation based on the document alone"},
		"searchContext":    {Type: "string", Description: "Short query describing this case for similarity search"},
	},
	Required: []string{"docType", "facts", "baselineAnalysis", "searchContext"},
}

var phase3Schema = &llm.Schema{
	Type: "object",
	Properties: map[string]llm.SchemaProperty{
		"finalAnalysis":     {Type: "string", Description: "Final narrative analysis"},
		"issues":            {Type: "array", Description: "Enumerated legal issues", Items: &llm.SchemaProperty{Type: "string"}},
		"contextInfluenced": {Type: "boolean", Description: "Whether past cases materially influenced the result"},
	},
	Required: []string{"finalAnalysis", "issues", "contextInfluenced"},
}

// phase1 runs extraction with the default rule entry; the document type is
// not known yet, it is part of what phase 1 determines.
func (a *Analyzer) phase1(ctx context.Context, ruleDocs rules.Rules, docText string) (phase1Result, error) {
	return a.phase1Typed(ctx, ruleDocs, docText, "")
}

func (a *Analyzer) phase1Typed(ctx context.Context, ruleDocs rules.Rules, docText string, docType string) (phase1Result, error) {
	system := fmt.Sprintf(
		"You are a legal document analyst. Extract the key facts, give a baseline interpretation, "+
			"and produce a short search query describing the case.\n\nExtraction rules:\n%s",
		ruleDocs.ExtractionFor(docType),
	)
	user := "Document:\n" + truncate(docText, maxDocumentChars)

	raw, err := a.generate(ctx, system, user, phase1Schema)
	if err != nil {
		return phase1Result{}, fmt.Errorf("extraction phase: %w", err)
	}

	var p phase1Result
	if err := json.Unmarshal([]byte(stripFences(raw)), &p); err != nil {
		slog.Warn("extraction response unparsable, using placeholders", "error", err)
		return phase1Result{
			DocType:          docType,
			Facts:            parsePlaceholder,
			BaselineAnalysis: parsePlaceholder,
		}, nil
	}
	if docType != "" {
		p.DocType = docType
	}
	return p, nil
}

func (a *Analyzer) phase3(ctx context.Context, ruleDocs rules.Rules, p1 phase1Result, caseContext string) (phase3Result, error) {
	system := fmt.Sprintf(
		"You are a legal document analyst producing a final report. Weigh the baseline interpretation "+
			"against the past cases provided and state whether they changed your conclusion.\n\nInterpretation logic:\n%s",
		ruleDocs.LogicFor(p1.DocType),
	)
	user := fmt.Sprintf("Baseline interpretation:\n%s\n\nSimilar past cases:\n%s", p1.BaselineAnalysis, caseContext)

	raw, err := a.generate(ctx, system, user, phase3Schema)
	if err != nil {
		return phase3Result{}, fmt.Errorf("final report phase: %w", err)
	}

	var p phase3Result
	if err := json.Unmarshal([]byte(stripFences(raw)), &p); err != nil {
		slog.Warn("final report response unparsable, using placeholders", "error", err)
		return phase3Result{FinalAnalysis: parsePlaceholder}, nil
	}
	return p, nil
}

// generate wraps one generation call in the rate-limit retry discipline.
func (a *Analyzer) generate(ctx context.Context, system, user string, schema *llm.Schema) (string, error) {
	messages := []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
	return llm.WithRetry(ctx, a.opts.MaxRetries, a.opts.InitialDelay, func() (string, error) {
		return a.gen.Chat(ctx, a.opts.Model, messages, schema)
	})
}

// stripFences removes a markdown code fence the model may have wrapped its
// JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := s[:limit]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "…"
}
