// Package review keeps the document ledger and the semantic store in sync as
// a human reviewer confirms, edits, or discards analyzed cases. Confirmed
// cases become retrieval units that influence future analyses.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/docketloop/docket/internal/pipeline"
	"github.com/docketloop/docket/internal/retrieval"
	"github.com/docketloop/docket/internal/storage"
)

// previewChars bounds the content preview stored in vector metadata.
const previewChars = 300

// Ledger is the slice of the document ledger the review flow needs.
type Ledger interface {
	GetEntry(id string) (storage.QueueEntry, error)
	Complete(id string, feedback string) error
	SetResult(id string, resultJSON string) error
	SoftDelete(id string) error
}

// TextEmbedder turns review text into an embedding vector.
type TextEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Manager applies reviewer decisions to both stores.
type Manager struct {
	ledger   Ledger
	vectors  retrieval.VectorStore
	embedder TextEmbedder
	logger   *slog.Logger
}

// NewManager wires a Manager over the ledger, vector store and embedder.
func NewManager(ledger Ledger, vectors retrieval.VectorStore, embedder TextEmbedder) *Manager {
	return &Manager{ledger: ledger, vectors: vectors, embedder: embedder, logger: slog.Default()}
}

// Confirm accepts the stored analysis of an entry with the reviewer's
// feedback: the canonical rendering is embedded and upserted under the entry
// id, then the ledger row moves to completed with the feedback recorded and
// the indexed flag set. The vector write happens first so a completed entry
// always has its retrieval unit.
func (m *Manager) Confirm(ctx context.Context, id string, feedback string) error {
	entry, err := m.ledger.GetEntry(id)
	if err != nil {
		return fmt.Errorf("loading entry %s: %w", id, err)
	}

	result := storedResult(entry)
	text := canonicalText(result.DocType, result.FinalAnalysis, feedback, result.Extraction)

	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embedding confirmed case %s: %w", id, err)
	}

	rec := retrieval.Record{
		ID:        entry.ID,
		Embedding: vec,
		Metadata: retrieval.Metadata{
			Filename: entry.Filename,
			DocType:  result.DocType,
			Feedback: feedback,
			Preview:  truncate(result.FinalAnalysis, previewChars),
		},
	}
	if err := m.vectors.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("indexing confirmed case %s: %w", id, err)
	}

	if err := m.ledger.Complete(entry.ID, feedback); err != nil {
		return fmt.Errorf("completing entry %s: %w", id, err)
	}
	m.logger.Info("case confirmed", "entry_id", entry.ID, "filename", entry.Filename)
	return nil
}

// UpdatePayload carries a reviewer's edits to an already-reviewed case.
type UpdatePayload struct {
	Content  string `json:"content"`
	Feedback string `json:"feedback"`
	DocType  string `json:"docType"`
}

// Update re-embeds the edited case text and fully overwrites the existing
// vector and its metadata, then synchronizes the ledger: the edited analysis
// replaces the stored final analysis and the row is completed with the new
// feedback.
func (m *Manager) Update(ctx context.Context, id string, payload UpdatePayload) error {
	entry, err := m.ledger.GetEntry(id)
	if err != nil {
		return fmt.Errorf("loading entry %s: %w", id, err)
	}

	result := storedResult(entry)
	if payload.DocType != "" {
		result.DocType = payload.DocType
	}
	if payload.Content != "" {
		result.FinalAnalysis = payload.Content
	}

	text := canonicalText(result.DocType, result.FinalAnalysis, payload.Feedback, result.Extraction)
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embedding edited case %s: %w", id, err)
	}

	rec := retrieval.Record{
		ID:        entry.ID,
		Embedding: vec,
		Metadata: retrieval.Metadata{
			Filename: entry.Filename,
			DocType:  result.DocType,
			Feedback: payload.Feedback,
			Preview:  truncate(result.FinalAnalysis, previewChars),
		},
	}
	if err := m.vectors.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("re-indexing case %s: %w", id, err)
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding edited result for %s: %w", id, err)
	}
	if err := m.ledger.SetResult(entry.ID, string(encoded)); err != nil {
		return fmt.Errorf("storing edited result for %s: %w", id, err)
	}
	if err := m.ledger.Complete(entry.ID, payload.Feedback); err != nil {
		return fmt.Errorf("completing entry %s: %w", id, err)
	}
	m.logger.Info("case updated", "entry_id", entry.ID)
	return nil
}

// Delete removes the case from retrieval and soft-deletes the ledger row. A
// missing vector is tolerated so that unconfirmed entries can be deleted too;
// the ledger row is retained under status deleted for auditability.
func (m *Manager) Delete(ctx context.Context, id string) error {
	entry, err := m.ledger.GetEntry(id)
	if err != nil {
		return fmt.Errorf("loading entry %s: %w", id, err)
	}

	if err := m.vectors.Delete(ctx, entry.ID); err != nil && !errors.Is(err, retrieval.ErrNotFound) {
		return fmt.Errorf("removing vector for %s: %w", id, err)
	}
	if err := m.ledger.SoftDelete(entry.ID); err != nil {
		return fmt.Errorf("deleting entry %s: %w", id, err)
	}
	m.logger.Info("case deleted", "entry_id", entry.ID, "filename", entry.Filename)
	return nil
}

// SaveTraining indexes a manually reviewed training analysis as a retrieval
// unit without a ledger row, under a synthetic timestamped id. Returns the
// vector id.
func (m *Manager) SaveTraining(ctx context.Context, docType, extraction, analysis, feedback string) (string, error) {
	text := canonicalText(docType, analysis, feedback, extraction)
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("embedding training case: %w", err)
	}

	id := fmt.Sprintf("training-%s-%s", time.Now().UTC().Format("20060102T150405"), uuid.New().String()[:8])
	rec := retrieval.Record{
		ID:        id,
		Embedding: vec,
		Metadata: retrieval.Metadata{
			DocType:  docType,
			Feedback: feedback,
			Preview:  truncate(analysis, previewChars),
		},
	}
	if err := m.vectors.Upsert(ctx, rec); err != nil {
		return "", fmt.Errorf("indexing training case: %w", err)
	}
	m.logger.Info("training case saved", "vector_id", id, "doc_type", docType)
	return id, nil
}

// CaseDetail is the denormalized review view of a case.
type CaseDetail struct {
	ID       string `json:"id"`
	Filename string `json:"filename,omitempty"`
	DocType  string `json:"docType,omitempty"`
	Status   string `json:"status,omitempty"`
	Feedback string `json:"feedback,omitempty"`
	Preview  string `json:"preview,omitempty"`
	Indexed  bool   `json:"indexed"`
}

// Detail returns the review view of a case. The vector store metadata is
// authoritative for confirmed cases; entries never indexed fall back to the
// ledger row alone.
func (m *Manager) Detail(ctx context.Context, id string) (CaseDetail, error) {
	rec, err := m.vectors.Fetch(ctx, id)
	switch {
	case err == nil:
		detail := CaseDetail{
			ID:       rec.ID,
			Filename: rec.Metadata.Filename,
			DocType:  rec.Metadata.DocType,
			Feedback: rec.Metadata.Feedback,
			Preview:  rec.Metadata.Preview,
			Indexed:  true,
		}
		// Training vectors have no ledger row; ignore its absence.
		if entry, lerr := m.ledger.GetEntry(id); lerr == nil {
			detail.Status = entry.Status
		}
		return detail, nil
	case errors.Is(err, retrieval.ErrNotFound):
		entry, lerr := m.ledger.GetEntry(id)
		if lerr != nil {
			return CaseDetail{}, fmt.Errorf("loading entry %s: %w", id, lerr)
		}
		result := storedResult(entry)
		return CaseDetail{
			ID:       entry.ID,
			Filename: entry.Filename,
			DocType:  result.DocType,
			Status:   entry.Status,
			Feedback: entry.UserFeedback,
			Preview:  truncate(result.FinalAnalysis, previewChars),
		}, nil
	default:
		return CaseDetail{}, fmt.Errorf("fetching vector %s: %w", id, err)
	}
}

// storedResult parses the entry's committed analysis. Entries confirmed
// before processing finished have none; an empty result keeps the flow going.
func storedResult(entry storage.QueueEntry) pipeline.Result {
	if entry.AIResult == "" {
		return pipeline.Result{}
	}
	var r pipeline.Result
	if err := json.Unmarshal([]byte(entry.AIResult), &r); err != nil {
		slog.Warn("stored result unparsable, treating as empty", "entry_id", entry.ID, "error", err)
		return pipeline.Result{}
	}
	return r
}

// canonicalText is the single rendering embedded for every retrieval unit, so
// confirmed queue cases and manual training cases live in the same vector
// space.
func canonicalText(docType, analysis, feedback, extraction string) string {
	var b strings.Builder
	if docType != "" {
		fmt.Fprintf(&b, "Document type: %s\n", docType)
	}
	if analysis != "" {
		fmt.Fprintf(&b, "Analysis: %s\n", analysis)
	}
	if feedback != "" {
		fmt.Fprintf(&b, "Reviewer feedback: %s\n", feedback)
	}
	if extraction != "" {
		fmt.Fprintf(&b, "Key facts: %s\n", extraction)
	}
	return strings.TrimRight(b.String(), "\n")
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
