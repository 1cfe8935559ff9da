package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/docketloop/docket/internal/storage"
)

func openVectorStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewSQLiteStore(s.DB())
}

func TestUpsertFetchRoundTrip(t *testing.T) {
	vs := openVectorStore(t)
	ctx := context.Background()

	rec := Record{
		ID:        "case-1",
		Embedding: []float32{0.1, 0.2, 0.3},
		Metadata: Metadata{
			Filename: "lease.pdf",
			DocType:  "contract",
			Feedback: "approved",
			Preview:  "tenant obligations…",
		},
	}
	if err := vs.Upsert(ctx, rec); err != nil {
		t.Fatalf("upserting: %v", err)
	}

	got, err := vs.Fetch(ctx, "case-1")
	if err != nil {
		t.Fatalf("fetching: %v", err)
	}
	if got.Metadata != rec.Metadata {
		t.Errorf("metadata = %+v, want %+v", got.Metadata, rec.Metadata)
	}
	if len(got.Embedding) != 3 || got.Embedding[1] != 0.2 {
		t.Errorf("embedding = %v", got.Embedding)
	}
}

func TestUpsertOverwritesExisting(t *testing.T) {
	vs := openVectorStore(t)
	ctx := context.Background()

	vs.Upsert(ctx, Record{ID: "case-1", Embedding: []float32{1, 0}, Metadata: Metadata{Feedback: "old"}})
	if err := vs.Upsert(ctx, Record{ID: "case-1", Embedding: []float32{0, 1}, Metadata: Metadata{Feedback: "edited"}}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := vs.Fetch(ctx, "case-1")
	if err != nil {
		t.Fatalf("fetching: %v", err)
	}
	if got.Metadata.Feedback != "edited" {
		t.Errorf("feedback = %q, want %q", got.Metadata.Feedback, "edited")
	}
	if got.Embedding[0] != 0 || got.Embedding[1] != 1 {
		t.Errorf("embedding not overwritten: %v", got.Embedding)
	}
}

func TestFetchMissing(t *testing.T) {
	vs := openVectorStore(t)
	if _, err := vs.Fetch(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestQueryRanksBySimilarity(t *testing.T) {
	vs := openVectorStore(t)
	ctx := context.Background()

	vs.Upsert(ctx, Record{ID: "aligned", Embedding: []float32{1, 0, 0}})
	vs.Upsert(ctx, Record{ID: "close", Embedding: []float32{0.9, 0.1, 0}})
	vs.Upsert(ctx, Record{ID: "orthogonal", Embedding: []float32{0, 1, 0}})

	got, err := vs.Query(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("querying: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].ID != "aligned" || got[1].ID != "close" {
		t.Errorf("ranking = %s, %s; want aligned, close", got[0].ID, got[1].ID)
	}
	if got[0].Score < got[1].Score {
		t.Errorf("scores not descending: %v, %v", got[0].Score, got[1].Score)
	}
}

func TestQueryEmptyStore(t *testing.T) {
	vs := openVectorStore(t)
	got, err := vs.Query(context.Background(), []float32{1, 0}, 3)
	if err != nil {
		t.Fatalf("querying: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil results, got %v", got)
	}
}

func TestDelete(t *testing.T) {
	vs := openVectorStore(t)
	ctx := context.Background()

	vs.Upsert(ctx, Record{ID: "case-1", Embedding: []float32{1}})
	if err := vs.Delete(ctx, "case-1"); err != nil {
		t.Fatalf("deleting: %v", err)
	}
	if _, err := vs.Fetch(ctx, "case-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("fetch after delete = %v, want ErrNotFound", err)
	}
	if err := vs.Delete(ctx, "case-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}
