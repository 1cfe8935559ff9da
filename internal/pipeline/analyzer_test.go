package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docketloop/docket/internal/llm"
	"github.com/docketloop/docket/internal/objstore"
	"github.com/docketloop/docket/internal/retrieval"
	"github.com/docketloop/docket/internal/rules"
	"github.com/docketloop/docket/internal/storage"
)

const (
	phase1JSON = `{"docType":"contract","facts":"parties A and B, delivery by March","baselineAnalysis":"the contract is enforceable","searchContext":"contract late delivery dispute"}`
	phase3JSON = `{"finalAnalysis":"delivery clause likely breached","issues":["late delivery","notice period"],"contextInfluenced":true}`
)

// fakeGenerator implements Generator with scripted per-phase responses.
type fakeGenerator struct {
	calls      int
	systems    []string
	phase1Resp string
	phase3Resp string
	err        error
}

func (g *fakeGenerator) Chat(_ context.Context, _ string, messages []llm.Message, schema *llm.Schema) (string, error) {
	g.calls++
	if len(messages) > 0 {
		g.systems = append(g.systems, messages[0].Content)
	}
	if g.err != nil {
		return "", g.err
	}
	if schema == phase1Schema {
		return g.phase1Resp, nil
	}
	return g.phase3Resp, nil
}

// fakeFinder implements SimilarCaseFinder, recording queries.
type fakeFinder struct {
	out     string
	queries []string
}

func (f *fakeFinder) FindSimilar(_ context.Context, query string, _ int) string {
	f.queries = append(f.queries, query)
	if f.out == "" {
		return "- [contract] prior delivery dispute | Reviewer: upheld"
	}
	return f.out
}

// fixedRules implements RuleSource with a static value.
type fixedRules struct {
	r rules.Rules
}

func (f fixedRules) Load(context.Context) rules.Rules { return f.r }

func liveRules() rules.Rules {
	return rules.Rules{
		Extraction: rules.RuleSet{"default": json.RawMessage(`{"focus":"parties and dates"}`)},
		Logic:      rules.RuleSet{"default": json.RawMessage(`{"method":"issue spotting"}`)},
	}
}

type fixture struct {
	store    *storage.Store
	dir      string
	gen      *fakeGenerator
	finder   *fakeFinder
	analyzer *Analyzer
}

func newFixture(t *testing.T, ruleSrc RuleSource) *fixture {
	t.Helper()

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	dir := t.TempDir()
	objects, err := objstore.NewDir(dir)
	if err != nil {
		t.Fatalf("creating object store: %v", err)
	}

	gen := &fakeGenerator{phase1Resp: phase1JSON, phase3Resp: phase3JSON}
	finder := &fakeFinder{}

	analyzer := NewAnalyzer(store, objects, gen, finder, ruleSrc, Options{
		Model:        "test-model",
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
	})
	return &fixture{store: store, dir: dir, gen: gen, finder: finder, analyzer: analyzer}
}

func (f *fixture) addUpload(t *testing.T, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("writing upload: %v", err)
	}
}

func (f *fixture) addEntry(t *testing.T, id, filename string, age time.Duration) {
	t.Helper()
	err := f.store.InsertEntry(storage.QueueEntry{
		ID:        id,
		Filename:  filename,
		CreatedAt: time.Now().UTC().Add(-age),
	})
	if err != nil {
		t.Fatalf("inserting entry %s: %v", id, err)
	}
}

func TestRun_AutoDiscoversAndProcessesUpload(t *testing.T) {
	f := newFixture(t, fixedRules{liveRules()})
	f.addUpload(t, "lease.txt", "lease agreement between A and B")

	results, err := f.analyzer.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}

	r := results[0]
	if r.Status != storage.StatusProcessed {
		t.Fatalf("status = %q, error = %q", r.Status, r.Error)
	}
	if r.Result.FinalAnalysis != "delivery clause likely breached" {
		t.Errorf("final analysis = %q", r.Result.FinalAnalysis)
	}
	if len(r.Result.Issues) != 2 {
		t.Errorf("issues = %v", r.Result.Issues)
	}
	if !r.Result.ContextInfluenced {
		t.Error("contextInfluenced not carried through")
	}
	if r.Result.DocType != "contract" {
		t.Errorf("docType = %q", r.Result.DocType)
	}

	// Two generation calls: extraction and final report.
	if f.gen.calls != 2 {
		t.Errorf("generator called %d times, want 2", f.gen.calls)
	}
	// Retrieval driven by the phase-1 search context.
	if len(f.finder.queries) != 1 || f.finder.queries[0] != "contract late delivery dispute" {
		t.Errorf("finder queries = %v", f.finder.queries)
	}

	// Ledger committed.
	entry, err := f.store.GetEntry(r.ID)
	if err != nil {
		t.Fatalf("loading entry: %v", err)
	}
	if entry.Status != storage.StatusProcessed {
		t.Errorf("ledger status = %q", entry.Status)
	}
	var stored Result
	if err := json.Unmarshal([]byte(entry.AIResult), &stored); err != nil {
		t.Fatalf("stored result unparsable: %v", err)
	}
	if stored.Version != resultVersion {
		t.Errorf("stored version = %d", stored.Version)
	}
}

func TestRun_BatchIsolation(t *testing.T) {
	f := newFixture(t, fixedRules{liveRules()})
	f.addUpload(t, "a.txt", "first document")
	f.addUpload(t, "c.txt", "third document")
	// b.txt never uploaded: its download must fail without sinking the batch.
	f.addEntry(t, "e1", "a.txt", 3*time.Minute)
	f.addEntry(t, "e2", "b.txt", 2*time.Minute)
	f.addEntry(t, "e3", "c.txt", time.Minute)

	results, err := f.analyzer.Run(context.Background(), RunOptions{BatchSize: 3})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}

	byID := map[string]EntryResult{}
	for _, r := range results {
		byID[r.ID] = r
	}
	if byID["e1"].Status != storage.StatusProcessed {
		t.Errorf("e1 status = %q", byID["e1"].Status)
	}
	if byID["e2"].Status != storage.StatusError {
		t.Errorf("e2 status = %q", byID["e2"].Status)
	}
	if !strings.Contains(byID["e2"].Error, "b.txt") {
		t.Errorf("e2 error lacks filename: %q", byID["e2"].Error)
	}
	if byID["e3"].Status != storage.StatusProcessed {
		t.Errorf("e3 status = %q", byID["e3"].Status)
	}

	entry, _ := f.store.GetEntry("e2")
	if entry.Status != storage.StatusError || entry.ErrorReason == "" {
		t.Errorf("ledger e2 = %q / %q", entry.Status, entry.ErrorReason)
	}
}

func TestRun_OldestFirstWithinBatchLimit(t *testing.T) {
	f := newFixture(t, fixedRules{liveRules()})
	f.addUpload(t, "old.txt", "old")
	f.addUpload(t, "new.txt", "new")
	f.addEntry(t, "newer", "new.txt", time.Minute)
	f.addEntry(t, "older", "old.txt", time.Hour)

	results, err := f.analyzer.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(results) != 1 || results[0].ID != "older" {
		t.Errorf("results = %+v, want single run of the oldest entry", results)
	}
}

func TestRun_ForcedReServesCachedResult(t *testing.T) {
	f := newFixture(t, fixedRules{liveRules()})
	f.addEntry(t, "e1", "a.txt", time.Minute)

	cached := Result{Version: resultVersion, FinalAnalysis: "already analyzed"}
	encoded, _ := json.Marshal(cached)
	if err := f.store.MarkProcessed("e1", string(encoded)); err != nil {
		t.Fatalf("marking processed: %v", err)
	}

	results, err := f.analyzer.Run(context.Background(), RunOptions{EntryID: "e1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if results[0].Result.FinalAnalysis != "already analyzed" {
		t.Errorf("result = %+v", results[0].Result)
	}
	if f.gen.calls != 0 {
		t.Errorf("generator called %d times, want 0 for cached re-serve", f.gen.calls)
	}
}

func TestRun_ForcedReanalyzeInvokesGenerator(t *testing.T) {
	f := newFixture(t, fixedRules{liveRules()})
	f.addUpload(t, "a.txt", "document")
	f.addEntry(t, "e1", "a.txt", time.Minute)
	f.store.MarkProcessed("e1", `{"version":1,"finalAnalysis":"stale"}`)

	results, err := f.analyzer.Run(context.Background(), RunOptions{EntryID: "e1", Reanalyze: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.gen.calls != 2 {
		t.Errorf("generator called %d times, want 2", f.gen.calls)
	}
	if results[0].Result.FinalAnalysis != "delivery clause likely breached" {
		t.Errorf("result not refreshed: %+v", results[0].Result)
	}
}

func TestRun_ForcedUnknownIDIsBatchError(t *testing.T) {
	f := newFixture(t, fixedRules{liveRules()})
	if _, err := f.analyzer.Run(context.Background(), RunOptions{EntryID: "missing"}); err == nil {
		t.Fatal("expected batch-level error for unknown forced id")
	}
}

func TestRun_DegradedRulesStillCommits(t *testing.T) {
	f := newFixture(t, fixedRules{rules.Rules{Degraded: true}})
	f.addUpload(t, "a.txt", "document")

	results, err := f.analyzer.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if results[0].Status != storage.StatusProcessed {
		t.Fatalf("status = %q, want processed despite degraded rules", results[0].Status)
	}
	// The prompts carried the sentinel rather than aborting.
	for _, sys := range f.gen.systems {
		if !strings.Contains(sys, rules.Unavailable) {
			t.Errorf("prompt lacks degraded-rules sentinel: %q", sys)
		}
	}
}

func TestRun_RetrievalFailureStillCommits(t *testing.T) {
	f := newFixture(t, fixedRules{liveRules()})
	f.finder.out = retrieval.RetrievalUnavailable
	f.addUpload(t, "a.txt", "document")

	results, err := f.analyzer.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if results[0].Status != storage.StatusProcessed {
		t.Fatalf("status = %q", results[0].Status)
	}
	if results[0].Result.ContextPreview != retrieval.RetrievalUnavailable {
		t.Errorf("context preview = %q", results[0].Result.ContextPreview)
	}
}

func TestRun_UnparsableModelOutputDegrades(t *testing.T) {
	f := newFixture(t, fixedRules{liveRules()})
	f.gen.phase1Resp = "I cannot answer in JSON"
	f.gen.phase3Resp = "still not JSON"
	f.addUpload(t, "a.txt", "document")

	results, err := f.analyzer.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	r := results[0]
	if r.Status != storage.StatusProcessed {
		t.Fatalf("status = %q", r.Status)
	}
	if r.Result.Extraction != parsePlaceholder || r.Result.FinalAnalysis != parsePlaceholder {
		t.Errorf("placeholders missing: %+v", r.Result)
	}
	// Empty search context means no retrieval call was made.
	if len(f.finder.queries) != 0 {
		t.Errorf("finder called with queries %v", f.finder.queries)
	}
	if r.Result.ContextPreview != NoSearchContext {
		t.Errorf("context preview = %q", r.Result.ContextPreview)
	}
}

func TestRun_SkipsEntryClaimedElsewhere(t *testing.T) {
	f := newFixture(t, fixedRules{liveRules()})
	f.addUpload(t, "a.txt", "document")
	f.addEntry(t, "e1", "a.txt", time.Minute)

	// Simulate a concurrent invocation winning the claim.
	if ok, _ := f.store.ClaimEntry("e1"); !ok {
		t.Fatal("setup claim failed")
	}

	results, err := f.analyzer.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("claimed entry should be skipped, got %+v", results)
	}
	if f.gen.calls != 0 {
		t.Errorf("generator called %d times, want 0", f.gen.calls)
	}
}

func TestAnalyzeUpload_Comparative(t *testing.T) {
	f := newFixture(t, fixedRules{liveRules()})

	out, err := f.analyzer.AnalyzeUpload(context.Background(), []byte("training document"), "contract", ModeComparative)
	if err != nil {
		t.Fatalf("analyze upload: %v", err)
	}
	if out.Extraction != "parties A and B, delivery by March" {
		t.Errorf("extraction = %q", out.Extraction)
	}
	if out.BaselineAnalysis != "the contract is enforceable" {
		t.Errorf("baseline = %q", out.BaselineAnalysis)
	}
	if out.RAGAnalysis != "delivery clause likely breached" {
		t.Errorf("rag analysis = %q", out.RAGAnalysis)
	}
	if f.gen.calls != 2 {
		t.Errorf("generator called %d times, want 2", f.gen.calls)
	}
}

func TestAnalyzeUpload_StandardSkipsRetrieval(t *testing.T) {
	f := newFixture(t, fixedRules{liveRules()})

	out, err := f.analyzer.AnalyzeUpload(context.Background(), []byte("doc"), "contract", ModeStandard)
	if err != nil {
		t.Fatalf("analyze upload: %v", err)
	}
	if out.RAGAnalysis != "" {
		t.Errorf("rag analysis = %q, want empty in standard mode", out.RAGAnalysis)
	}
	if len(f.finder.queries) != 0 {
		t.Errorf("finder should not be called in standard mode")
	}
	if f.gen.calls != 1 {
		t.Errorf("generator called %d times, want 1", f.gen.calls)
	}
}

func TestDocumentText_PlainBytes(t *testing.T) {
	got, err := DocumentText([]byte("plain text content"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "plain text content" {
		t.Errorf("text = %q", got)
	}
}

func TestDocumentText_CorruptPDF(t *testing.T) {
	if _, err := DocumentText([]byte("%PDF-1.7 not actually a pdf")); err == nil {
		t.Error("expected error for corrupt pdf")
	}
}
