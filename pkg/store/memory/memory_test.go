package memory

import (
	"context"
	"errors"
	"testing"

	"tagwatch/pkg/document"
	"tagwatch/pkg/store"
)

var cols = []string{document.ColDateKey, document.ColTagID, document.ColTagName, document.ColImpressions}

const today = "2025-06-15"

func seatKey(id string) store.Key {
	return store.Key{Class: store.Seat, ID: id}
}

func TestMergeAndGet(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	rows := []document.Row{
		{"2025-06-13", "t1", "Tag One", 1000.0},
		{"2025-06-14", "t1", "Tag One", 1200.0},
	}

	n, err := s.Merge(ctx, seatKey("s1"), cols, rows, today)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 appended, got %d", n)
	}

	doc, err := s.Get(ctx, seatKey("s1"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(doc.Rows) != 2 {
		t.Errorf("expected 2 rows, got %d", len(doc.Rows))
	}
	if doc.UpdatedAt.IsZero() {
		t.Error("updated_at should advance on merge")
	}

	// Zero-row merge is a successful no-op that still touches the doc.
	before := doc.UpdatedAt
	if n, err = s.Merge(ctx, seatKey("s1"), cols, rows, today); err != nil || n != 0 {
		t.Fatalf("duplicate merge: n=%d err=%v", n, err)
	}
	doc, _ = s.Get(ctx, seatKey("s1"))
	if doc.UpdatedAt.Before(before) {
		t.Error("updated_at went backwards")
	}
}

func TestGetMissing(t *testing.T) {
	s := New()
	defer s.Close()

	_, err := s.Get(context.Background(), seatKey("absent"))
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	s.Merge(ctx, seatKey("s1"), cols, []document.Row{{"2025-06-14", "t1", "Tag One", 1.0}}, today)

	doc, _ := s.Get(ctx, seatKey("s1"))
	doc.Rows[0][3] = 999.0

	again, _ := s.Get(ctx, seatKey("s1"))
	if document.CellNumber(again.Rows[0][3]) != 1.0 {
		t.Error("mutating a Get result must not affect stored data")
	}
}

func TestPurgeTag(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	s.Merge(ctx, seatKey("s1"), cols, []document.Row{
		{"2025-06-13", "t1", "Tag One", 1.0},
		{"2025-06-13", "t2", "Tag Two", 2.0},
	}, today)
	s.Merge(ctx, seatKey("s2"), cols, []document.Row{
		{"2025-06-13", "t1", "Tag One", 3.0},
	}, today)

	touched, err := s.PurgeTag(ctx, "t1")
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if touched != 2 {
		t.Errorf("expected 2 documents touched, got %d", touched)
	}

	doc, err := s.Get(ctx, seatKey("s1"))
	if err != nil {
		t.Fatalf("s1 should survive with rows left: %v", err)
	}
	if len(doc.Rows) != 1 {
		t.Errorf("expected 1 row left in s1, got %d", len(doc.Rows))
	}

	// s2 only held t1 rows, so the empty document is deleted.
	if _, err := s.Get(ctx, seatKey("s2")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("emptied document should be deleted, got %v", err)
	}
}

func TestStats(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	s.Merge(ctx, seatKey("s1"), cols, []document.Row{
		{"2025-06-10", "t1", "Tag One", 1.0},
		{"2025-06-14", "t1", "Tag One", 2.0},
	}, today)
	s.Merge(ctx, store.Key{Class: store.Publisher, ID: "58"}, cols, []document.Row{
		{"2025-06-12", "p1", "Pub Tag", 3.0},
	}, today)

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Documents != 2 || stats.SeatDocuments != 1 || stats.PublisherDocuments != 1 {
		t.Errorf("unexpected document counts: %+v", stats)
	}
	if stats.TotalRows != 3 {
		t.Errorf("expected 3 total rows, got %d", stats.TotalRows)
	}
	if stats.OldestDate != "2025-06-10" || stats.NewestDate != "2025-06-14" {
		t.Errorf("unexpected date range: %s to %s", stats.OldestDate, stats.NewestDate)
	}
}

func TestRulesSlot(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	if _, err := s.LoadRules(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound before save, got %v", err)
	}

	if err := s.SaveRules(ctx, []byte(`{"global_thresholds":{}}`)); err != nil {
		t.Fatalf("save rules failed: %v", err)
	}
	data, err := s.LoadRules(ctx)
	if err != nil {
		t.Fatalf("load rules failed: %v", err)
	}
	if string(data) != `{"global_thresholds":{}}` {
		t.Errorf("rules did not round trip: %s", data)
	}

	// Clearing the cache must not clear the rules slot.
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if _, err := s.LoadRules(ctx); err != nil {
		t.Errorf("rules should survive cache clear: %v", err)
	}
}
