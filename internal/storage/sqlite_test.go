package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertGetEntry(t *testing.T) {
	s := openTestStore(t)

	e := QueueEntry{ID: "e1", Filename: "lease-2024.pdf"}
	if err := s.InsertEntry(e); err != nil {
		t.Fatalf("inserting entry: %v", err)
	}

	got, err := s.GetEntry("e1")
	if err != nil {
		t.Fatalf("getting entry: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %q, want %q", got.Status, StatusPending)
	}
	if got.Filename != "lease-2024.pdf" {
		t.Errorf("filename = %q", got.Filename)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}

	if _, err := s.GetEntry("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing entry error = %v, want ErrNotFound", err)
	}
}

func TestActiveFilenameUniqueness(t *testing.T) {
	s := openTestStore(t)

	if err := s.InsertEntry(QueueEntry{ID: "e1", Filename: "claim.pdf"}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := s.InsertEntry(QueueEntry{ID: "e2", Filename: "claim.pdf"}); err == nil {
		t.Fatal("second active entry for the same filename should be rejected")
	}

	// A soft-deleted entry releases the filename for re-upload.
	if err := s.SoftDelete("e1"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if err := s.InsertEntry(QueueEntry{ID: "e3", Filename: "claim.pdf"}); err != nil {
		t.Errorf("insert after soft delete: %v", err)
	}
}

func TestActiveFilenames(t *testing.T) {
	s := openTestStore(t)

	s.InsertEntry(QueueEntry{ID: "e1", Filename: "a.pdf"})
	s.InsertEntry(QueueEntry{ID: "e2", Filename: "b.pdf"})
	s.SoftDelete("e2")

	names, err := s.ActiveFilenames()
	if err != nil {
		t.Fatalf("listing filenames: %v", err)
	}
	if !names["a.pdf"] {
		t.Error("a.pdf missing from active filenames")
	}
	if names["b.pdf"] {
		t.Error("deleted b.pdf should not be active")
	}
}

func TestListByStatusOrderAndLimit(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"e1", "e2", "e3"} {
		err := s.InsertEntry(QueueEntry{
			ID:        id,
			Filename:  id + ".pdf",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("inserting %s: %v", id, err)
		}
	}
	if err := s.MarkError("e2", "download failed"); err != nil {
		t.Fatalf("marking error: %v", err)
	}

	got, err := s.ListByStatus([]string{StatusPending, StatusError}, "asc", 2)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got[0].ID != "e1" || got[1].ID != "e2" {
		t.Errorf("order = %s, %s; want e1, e2", got[0].ID, got[1].ID)
	}

	errOnly, err := s.ListByStatus([]string{StatusError}, "desc", 0)
	if err != nil {
		t.Fatalf("listing errors: %v", err)
	}
	if len(errOnly) != 1 || errOnly[0].ID != "e2" {
		t.Errorf("error filter returned %v", errOnly)
	}
	if errOnly[0].ErrorReason != "download failed" {
		t.Errorf("error reason = %q", errOnly[0].ErrorReason)
	}
}

func TestCountByStatus(t *testing.T) {
	s := openTestStore(t)

	s.InsertEntry(QueueEntry{ID: "e1", Filename: "a.pdf"})
	s.InsertEntry(QueueEntry{ID: "e2", Filename: "b.pdf"})
	s.MarkProcessed("e2", `{"version":1}`)

	n, err := s.CountByStatus([]string{StatusPending})
	if err != nil {
		t.Fatalf("counting: %v", err)
	}
	if n != 1 {
		t.Errorf("pending count = %d, want 1", n)
	}

	all, err := s.CountByStatus(nil)
	if err != nil {
		t.Fatalf("counting all: %v", err)
	}
	if all != 2 {
		t.Errorf("total count = %d, want 2", all)
	}
}

func TestClaimEntry(t *testing.T) {
	s := openTestStore(t)

	s.InsertEntry(QueueEntry{ID: "e1", Filename: "a.pdf"})

	ok, err := s.ClaimEntry("e1")
	if err != nil {
		t.Fatalf("claiming: %v", err)
	}
	if !ok {
		t.Fatal("claim of pending entry should succeed")
	}

	// Second claim loses the race.
	ok, err = s.ClaimEntry("e1")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Error("claim of a processing entry should fail")
	}

	// Error entries are claimable again for replay.
	if err := s.MarkError("e1", "boom"); err != nil {
		t.Fatalf("marking error: %v", err)
	}
	ok, _ = s.ClaimEntry("e1")
	if !ok {
		t.Error("claim of error entry should succeed")
	}

	// Processed entries are not auto-claimable.
	if err := s.MarkProcessed("e1", `{}`); err != nil {
		t.Fatalf("marking processed: %v", err)
	}
	ok, _ = s.ClaimEntry("e1")
	if ok {
		t.Error("claim of processed entry should fail")
	}
}

func TestMarkProcessedClearsErrorReason(t *testing.T) {
	s := openTestStore(t)

	s.InsertEntry(QueueEntry{ID: "e1", Filename: "a.pdf"})
	s.MarkError("e1", "transient failure")
	if err := s.MarkProcessed("e1", `{"version":1}`); err != nil {
		t.Fatalf("marking processed: %v", err)
	}

	got, _ := s.GetEntry("e1")
	if got.Status != StatusProcessed {
		t.Errorf("status = %q", got.Status)
	}
	if got.ErrorReason != "" {
		t.Errorf("error reason not cleared: %q", got.ErrorReason)
	}
	if got.AIResult != `{"version":1}` {
		t.Errorf("ai_result = %q", got.AIResult)
	}
}

func TestCompleteSetsIndexedAndFeedback(t *testing.T) {
	s := openTestStore(t)

	s.InsertEntry(QueueEntry{ID: "e1", Filename: "a.pdf"})
	if err := s.Complete("e1", "analysis confirmed"); err != nil {
		t.Fatalf("completing: %v", err)
	}

	got, _ := s.GetEntry("e1")
	if got.Status != StatusCompleted {
		t.Errorf("status = %q", got.Status)
	}
	if !got.Indexed {
		t.Error("indexed flag not set")
	}
	if got.UserFeedback != "analysis confirmed" {
		t.Errorf("feedback = %q", got.UserFeedback)
	}
}

func TestSoftDeleteRetainsRow(t *testing.T) {
	s := openTestStore(t)

	s.InsertEntry(QueueEntry{ID: "e1", Filename: "a.pdf"})
	if err := s.SoftDelete("e1"); err != nil {
		t.Fatalf("deleting: %v", err)
	}

	got, err := s.GetEntry("e1")
	if err != nil {
		t.Fatalf("soft-deleted row should remain readable: %v", err)
	}
	if got.Status != StatusDeleted {
		t.Errorf("status = %q, want %q", got.Status, StatusDeleted)
	}
	if got.Indexed {
		t.Error("indexed should be cleared on delete")
	}

	if err := s.SoftDelete("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleting missing entry = %v, want ErrNotFound", err)
	}
}
