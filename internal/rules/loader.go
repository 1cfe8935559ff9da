// Package rules fetches the static analysis rule documents (extraction
// strategy and interpretation logic) from a remote source. The pipeline must
// stay operable when that source is down, so failures degrade to a sentinel
// instead of propagating.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Unavailable is substituted into prompts when the rule source is unreachable.
const Unavailable = "rules unavailable"

const (
	extractionDoc = "extraction.json"
	logicDoc      = "logic.json"

	fetchTimeout = 10 * time.Second
)

// RuleSet maps a document type to its rule body. The "default" entry is the
// fallback for unknown types.
type RuleSet map[string]json.RawMessage

// ForType returns the rule body for docType, falling back to the "default"
// entry, falling back to an empty object.
func (rs RuleSet) ForType(docType string) json.RawMessage {
	if r, ok := rs[docType]; ok {
		return r
	}
	if r, ok := rs["default"]; ok {
		return r
	}
	return json.RawMessage("{}")
}

// Rules holds both rule documents. Degraded is set when fetching or parsing
// failed and the rule bodies are unusable.
type Rules struct {
	Extraction RuleSet
	Logic      RuleSet
	Degraded   bool
}

// ExtractionFor renders the extraction rules for docType as prompt text.
func (r Rules) ExtractionFor(docType string) string {
	if r.Degraded {
		return Unavailable
	}
	return string(r.Extraction.ForType(docType))
}

// LogicFor renders the interpretation logic for docType as prompt text.
func (r Rules) LogicFor(docType string) string {
	if r.Degraded {
		return Unavailable
	}
	return string(r.Logic.ForType(docType))
}

// Loader fetches and caches the rule documents.
type Loader struct {
	baseURL    string
	httpClient *http.Client
	ttl        time.Duration

	mu        sync.Mutex
	cached    Rules
	fetchedAt time.Time
}

// NewLoader creates a Loader fetching from baseURL. Successful results are
// cached for ttl (default 5 minutes if <= 0).
func NewLoader(baseURL string, ttl time.Duration) *Loader {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Loader{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: fetchTimeout},
		ttl:        ttl,
	}
}

// Load returns the current rule documents, fetching both concurrently when the
// cache is stale. Any fetch or parse failure yields Rules{Degraded: true} —
// never an error, so a dead rule source cannot take the pipeline down with it.
func (l *Loader) Load(ctx context.Context) Rules {
	l.mu.Lock()
	if !l.fetchedAt.IsZero() && time.Since(l.fetchedAt) < l.ttl {
		cached := l.cached
		l.mu.Unlock()
		return cached
	}
	l.mu.Unlock()

	var extraction, logic RuleSet
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		extraction, err = l.fetchDoc(gCtx, extractionDoc)
		return err
	})
	g.Go(func() error {
		var err error
		logic, err = l.fetchDoc(gCtx, logicDoc)
		return err
	})

	if err := g.Wait(); err != nil {
		slog.Warn("rule source unavailable, continuing degraded", "error", err)
		return Rules{Degraded: true}
	}

	rules := Rules{Extraction: extraction, Logic: logic}
	l.mu.Lock()
	l.cached = rules
	l.fetchedAt = time.Now()
	l.mu.Unlock()
	return rules
}

func (l *Loader) fetchDoc(ctx context.Context, name string) (RuleSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/"+name, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", name, err)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: unexpected status %d", name, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}

	var rs RuleSet
	if err := json.Unmarshal(body, &rs); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}
	return rs, nil
}
