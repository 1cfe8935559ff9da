package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// Sentinel strings returned by FindSimilar. The pipeline feeds them straight
// into the final-report prompt, so they read as prose rather than error codes.
const (
	NoSimilarCases       = "No similar past cases found."
	RetrievalUnavailable = "Past case retrieval unavailable."
)

const (
	defaultTopK = 3

	// maxContextChars bounds the formatted context block injected into the
	// final-report prompt.
	maxContextChars = 2400

	// previewChars bounds the per-match content preview.
	previewChars = 300
)

// Retriever finds prior confirmed cases similar to a query and renders them
// as a prompt-ready context block.
type Retriever struct {
	embedder *Embedder
	store    VectorStore
}

// NewRetriever creates a Retriever backed by the given Embedder and VectorStore.
func NewRetriever(embedder *Embedder, store VectorStore) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// FindSimilar embeds query, fetches the topK nearest prior cases (default 3
// if topK <= 0) and formats them into a bounded context block. Retrieval
// failure must never abort the surrounding analysis: embed or query errors
// are logged and converted into the RetrievalUnavailable sentinel, zero
// matches into NoSimilarCases.
func (r *Retriever) FindSimilar(ctx context.Context, query string, topK int) string {
	if topK <= 0 {
		topK = defaultTopK
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		slog.Warn("retrieval: embedding query failed", "error", err)
		return RetrievalUnavailable
	}

	scored, err := r.store.Query(ctx, vec, topK)
	if err != nil {
		slog.Warn("retrieval: semantic store query failed", "error", err)
		return RetrievalUnavailable
	}
	if len(scored) == 0 {
		return NoSimilarCases
	}

	lines := make([]string, 0, len(scored))
	for _, s := range scored {
		lines = append(lines, formatMatch(s))
	}

	block := strings.Join(lines, "\n\n")
	return truncate(block, maxContextChars)
}

// formatMatch renders one prior case as a one-line summary. Missing metadata
// fields get explicit placeholders so the model never sees empty slots.
func formatMatch(s ScoredRecord) string {
	docType := s.Metadata.DocType
	if docType == "" {
		docType = "unknown"
	}
	preview := truncate(s.Metadata.Preview, previewChars)
	if preview == "" {
		preview = "no content preview"
	}
	feedback := s.Metadata.Feedback
	if feedback == "" {
		feedback = "no feedback"
	}
	return fmt.Sprintf("- [%s] (similarity %.2f) %s | Reviewer: %s", docType, s.Score, preview, feedback)
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
