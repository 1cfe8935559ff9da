// Package pipeline drives the multi-phase analysis of queued legal documents:
// download, LLM extraction with a baseline interpretation, retrieval of similar
// past cases, and a retrieval-augmented final report, with every status
// transition persisted to the ledger.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/docketloop/docket/internal/llm"
	"github.com/docketloop/docket/internal/objstore"
	"github.com/docketloop/docket/internal/rules"
	"github.com/docketloop/docket/internal/storage"
)

// NoSearchContext is fed to the final report when phase 1 produced no usable
// search context.
const NoSearchContext = "No retrieval context available."

const (
	defaultBatchSize = 1
	maxBatchSize     = 5

	// contextPreviewChars bounds the retrieved-context excerpt stored in the
	// committed result.
	contextPreviewChars = 500

	// maxDocumentChars bounds the document text injected into the extraction
	// prompt.
	maxDocumentChars = 16000
)

// Mode selects the analysis variant.
type Mode int

const (
	// ModeStandard is the three-phase queue flow: extraction, retrieval,
	// final report.
	ModeStandard Mode = iota
	// ModeComparative additionally produces a retrieval-augmented analysis
	// next to the baseline, for manual training review.
	ModeComparative
)

// Ledger is the slice of the document ledger the pipeline needs.
type Ledger interface {
	InsertEntry(e storage.QueueEntry) error
	GetEntry(id string) (storage.QueueEntry, error)
	ActiveFilenames() (map[string]bool, error)
	ListByStatus(statuses []string, order string, limit int) ([]storage.QueueEntry, error)
	ClaimEntry(id string) (bool, error)
	MarkProcessed(id string, resultJSON string) error
	MarkError(id string, reason string) error
}

// Generator is the slice of the generation service the pipeline needs.
type Generator interface {
	Chat(ctx context.Context, model string, messages []llm.Message, jsonSchema *llm.Schema) (string, error)
}

// SimilarCaseFinder supplies the formatted past-case context block.
type SimilarCaseFinder interface {
	FindSimilar(ctx context.Context, query string, topK int) string
}

// RuleSource supplies the analysis rule documents.
type RuleSource interface {
	Load(ctx context.Context) rules.Rules
}

// Options tunes the analyzer.
type Options struct {
	Model        string        // generation model name
	MaxRetries   int           // throttling retries per generation call
	InitialDelay time.Duration // first backoff delay
	Pace         time.Duration // delay between generation calls and entries; 0 disables
	TopK         int           // similar cases retrieved per entry
}

// Analyzer runs the document analysis state machine.
type Analyzer struct {
	ledger  Ledger
	objects objstore.Store
	gen     Generator
	finder  SimilarCaseFinder
	rules   RuleSource
	opts    Options
	logger  *slog.Logger
}

// NewAnalyzer wires an Analyzer. Zero option fields get safe defaults.
func NewAnalyzer(ledger Ledger, objects objstore.Store, gen Generator, finder SimilarCaseFinder, ruleSrc RuleSource, opts Options) *Analyzer {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 2 * time.Second
	}
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	return &Analyzer{
		ledger:  ledger,
		objects: objects,
		gen:     gen,
		finder:  finder,
		rules:   ruleSrc,
		opts:    opts,
		logger:  slog.Default(),
	}
}

// RunOptions selects what a single pipeline invocation processes.
type RunOptions struct {
	// EntryID forces processing of one entry regardless of status. Empty
	// selects the oldest pending/error entries instead.
	EntryID string
	// BatchSize bounds auto-mode selection (clamped to 1..5, default 1).
	BatchSize int
	// Reanalyze forces a fresh analysis of an already-processed entry. Without
	// it, a forced run on a processed entry re-serves the stored result.
	Reanalyze bool
}

// EntryResult is the per-entry outcome of a pipeline invocation.
type EntryResult struct {
	ID       string  `json:"id"`
	Filename string  `json:"filename"`
	Status   string  `json:"status"`
	Result   *Result `json:"result,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Run executes one pipeline invocation. Entry-level failures are recorded on
// the entry and reported in the returned slice; only batch-level failures
// (ledger unreachable, unknown forced id) return an error.
func (a *Analyzer) Run(ctx context.Context, opts RunOptions) ([]EntryResult, error) {
	if opts.EntryID != "" {
		res, err := a.runForced(ctx, opts)
		if err != nil {
			return nil, err
		}
		return []EntryResult{res}, nil
	}
	return a.runAuto(ctx, opts)
}

func (a *Analyzer) runForced(ctx context.Context, opts RunOptions) (EntryResult, error) {
	entry, err := a.ledger.GetEntry(opts.EntryID)
	if err != nil {
		return EntryResult{}, fmt.Errorf("loading entry %s: %w", opts.EntryID, err)
	}

	// Idempotent re-serve: a processed entry with a stored result is returned
	// as-is unless re-analysis was explicitly requested.
	if entry.Status == storage.StatusProcessed && entry.AIResult != "" && !opts.Reanalyze {
		var cached Result
		if err := json.Unmarshal([]byte(entry.AIResult), &cached); err != nil {
			return EntryResult{}, fmt.Errorf("parsing stored result for %s: %w", entry.ID, err)
		}
		a.logger.Info("re-serving cached analysis", "entry_id", entry.ID, "filename", entry.Filename)
		return EntryResult{ID: entry.ID, Filename: entry.Filename, Status: entry.Status, Result: &cached}, nil
	}

	ruleDocs := a.rules.Load(ctx)
	return a.processEntry(ctx, entry, ruleDocs), nil
}

func (a *Analyzer) runAuto(ctx context.Context, opts RunOptions) ([]EntryResult, error) {
	a.discover(ctx)

	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	if batch > maxBatchSize {
		batch = maxBatchSize
	}

	entries, err := a.ledger.ListByStatus([]string{storage.StatusPending, storage.StatusError}, "asc", batch)
	if err != nil {
		return nil, fmt.Errorf("selecting candidates: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	ruleDocs := a.rules.Load(ctx)

	var results []EntryResult
	for i, entry := range entries {
		if i > 0 {
			if err := a.pace(ctx); err != nil {
				return results, err
			}
		}

		claimed, err := a.ledger.ClaimEntry(entry.ID)
		if err != nil {
			return results, fmt.Errorf("claiming entry %s: %w", entry.ID, err)
		}
		if !claimed {
			// Another invocation got there first.
			a.logger.Info("entry already claimed, skipping", "entry_id", entry.ID)
			continue
		}

		results = append(results, a.processEntry(ctx, entry, ruleDocs))
	}
	return results, nil
}

// discover inserts a pending ledger entry for every uploaded file without an
// active row. Failure here degrades to processing the existing queue.
func (a *Analyzer) discover(ctx context.Context) {
	names, err := a.objects.List(ctx)
	if err != nil {
		a.logger.Warn("listing uploads failed, skipping discovery", "error", err)
		return
	}
	if len(names) == 0 {
		return
	}

	active, err := a.ledger.ActiveFilenames()
	if err != nil {
		a.logger.Warn("loading active filenames failed, skipping discovery", "error", err)
		return
	}

	for _, name := range names {
		if active[name] {
			continue
		}
		entry := storage.QueueEntry{ID: uuid.New().String(), Filename: name}
		if err := a.ledger.InsertEntry(entry); err != nil {
			a.logger.Warn("queueing new upload failed", "filename", name, "error", err)
			continue
		}
		a.logger.Info("queued new upload", "entry_id", entry.ID, "filename", name)
	}
}

// processEntry drives one entry through download and the three analysis
// phases. Every failure is recorded on the entry, never propagated, so one
// bad document cannot block the batch.
func (a *Analyzer) processEntry(ctx context.Context, entry storage.QueueEntry, ruleDocs rules.Rules) EntryResult {
	result, err := a.analyzeEntry(ctx, entry, ruleDocs)
	if err != nil {
		a.logger.Warn("entry analysis failed", "entry_id", entry.ID, "filename", entry.Filename, "error", err)
		if markErr := a.ledger.MarkError(entry.ID, err.Error()); markErr != nil {
			a.logger.Error("recording entry failure failed", "entry_id", entry.ID, "error", markErr)
		}
		return EntryResult{ID: entry.ID, Filename: entry.Filename, Status: storage.StatusError, Error: err.Error()}
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		a.ledger.MarkError(entry.ID, err.Error())
		return EntryResult{ID: entry.ID, Filename: entry.Filename, Status: storage.StatusError, Error: err.Error()}
	}
	if err := a.ledger.MarkProcessed(entry.ID, string(encoded)); err != nil {
		a.logger.Error("committing result failed", "entry_id", entry.ID, "error", err)
		return EntryResult{ID: entry.ID, Filename: entry.Filename, Status: storage.StatusError, Error: err.Error()}
	}

	a.logger.Info("entry processed", "entry_id", entry.ID, "filename", entry.Filename)
	return EntryResult{ID: entry.ID, Filename: entry.Filename, Status: storage.StatusProcessed, Result: result}
}

func (a *Analyzer) analyzeEntry(ctx context.Context, entry storage.QueueEntry, ruleDocs rules.Rules) (*Result, error) {
	// Download.
	data, err := a.objects.Download(ctx, entry.Filename)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", entry.Filename, err)
	}
	text, err := DocumentText(data)
	if err != nil {
		return nil, fmt.Errorf("extracting text from %s: %w", entry.Filename, err)
	}

	// Phase 1: extraction and baseline interpretation.
	p1, err := a.phase1(ctx, ruleDocs, text)
	if err != nil {
		return nil, err
	}

	if err := a.pace(ctx); err != nil {
		return nil, err
	}

	// Phase 2: similar past cases.
	caseContext := NoSearchContext
	if p1.SearchContext != "" && p1.SearchContext != parsePlaceholder {
		caseContext = a.finder.FindSimilar(ctx, p1.SearchContext, a.opts.TopK)
	}

	if err := a.pace(ctx); err != nil {
		return nil, err
	}

	// Phase 3: retrieval-augmented final report.
	p3, err := a.phase3(ctx, ruleDocs, p1, caseContext)
	if err != nil {
		return nil, err
	}

	return &Result{
		Version:           resultVersion,
		DocType:           p1.DocType,
		Extraction:        p1.Facts,
		BaselineAnalysis:  p1.BaselineAnalysis,
		SearchContext:     p1.SearchContext,
		FinalAnalysis:     p3.FinalAnalysis,
		Issues:            p3.Issues,
		ContextInfluenced: p3.ContextInfluenced,
		ContextPreview:    truncate(caseContext, contextPreviewChars),
	}, nil
}

// TrainAnalysis is the outcome of a manual training run over uploaded bytes.
// Nothing is written to the ledger.
type TrainAnalysis struct {
	Extraction       string `json:"extraction"`
	BaselineAnalysis string `json:"baselineAnalysis"`
	RAGAnalysis      string `json:"ragAnalysis,omitempty"`
}

// AnalyzeUpload analyzes raw document bytes outside the queue, for the manual
// training flow. ModeComparative adds a retrieval-augmented analysis next to
// the baseline; ModeStandard stops after extraction and baseline. Unlike queue
// processing this is interactive, so failures propagate to the caller.
func (a *Analyzer) AnalyzeUpload(ctx context.Context, data []byte, docType string, mode Mode) (TrainAnalysis, error) {
	text, err := DocumentText(data)
	if err != nil {
		return TrainAnalysis{}, fmt.Errorf("extracting text: %w", err)
	}

	ruleDocs := a.rules.Load(ctx)
	p1, err := a.phase1Typed(ctx, ruleDocs, text, docType)
	if err != nil {
		return TrainAnalysis{}, err
	}

	out := TrainAnalysis{Extraction: p1.Facts, BaselineAnalysis: p1.BaselineAnalysis}
	if mode != ModeComparative {
		return out, nil
	}

	query := p1.SearchContext
	if query == "" || query == parsePlaceholder {
		query = p1.BaselineAnalysis
	}
	caseContext := a.finder.FindSimilar(ctx, query, a.opts.TopK)

	if err := a.pace(ctx); err != nil {
		return TrainAnalysis{}, err
	}

	p1.DocType = docType
	p3, err := a.phase3(ctx, ruleDocs, p1, caseContext)
	if err != nil {
		return TrainAnalysis{}, err
	}
	out.RAGAnalysis = p3.FinalAnalysis
	return out, nil
}

// pace sleeps the configured inter-call delay, honouring cancellation. The
// delay exists purely to stay inside upstream request quotas.
func (a *Analyzer) pace(ctx context.Context) error {
	if a.opts.Pace <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(a.opts.Pace):
		return nil
	}
}
