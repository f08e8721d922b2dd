package plan

import (
	"testing"

	"tagwatch/pkg/dates"
	"tagwatch/pkg/document"
)

var cols = []string{document.ColDateKey, document.ColTagID, document.ColImpressions}

const today = "2025-06-15"

func docWithDates(ds ...string) *document.Document {
	doc := document.New(cols)
	rows := make([]document.Row, len(ds))
	for i, d := range ds {
		rows[i] = document.Row{d, "t1", 100.0}
	}
	doc.Merge(cols, rows, today)
	return doc
}

func TestMissing_NoDocument(t *testing.T) {
	got := Missing(nil, dates.Range{From: "2025-06-01", To: "2025-06-10"}, today)
	if len(got) != 1 {
		t.Fatalf("expected 1 range, got %d", len(got))
	}
	if got[0].From != "2025-06-01" || got[0].To != "2025-06-10" {
		t.Errorf("unexpected range: %v", got[0])
	}
}

func TestMissing_ClampsToday(t *testing.T) {
	got := Missing(nil, dates.Range{From: "2025-06-10", To: "2025-06-20"}, today)
	if len(got) != 1 {
		t.Fatalf("expected 1 range, got %d", len(got))
	}
	if got[0].To != "2025-06-14" {
		t.Errorf("range should stop at yesterday, got %s", got[0].To)
	}
}

func TestMissing_InvertedRangeAfterClamp(t *testing.T) {
	got := Missing(nil, dates.Range{From: "2025-06-15", To: "2025-06-20"}, today)
	if got != nil {
		t.Errorf("expected empty plan for range entirely in the future, got %v", got)
	}
}

func TestMissing_FullyCached(t *testing.T) {
	doc := docWithDates("2025-06-01", "2025-06-02", "2025-06-03")
	got := Missing(doc, dates.Range{From: "2025-06-01", To: "2025-06-03"}, today)
	if got != nil {
		t.Errorf("expected empty plan, got %v", got)
	}
}

func TestMissing_GapsBecomeRuns(t *testing.T) {
	// Cached: 1st, 2nd, 5th, 9th. Request 1st-10th.
	doc := docWithDates("2025-06-01", "2025-06-02", "2025-06-05", "2025-06-09")
	got := Missing(doc, dates.Range{From: "2025-06-01", To: "2025-06-10"}, today)

	want := []dates.Range{
		{From: "2025-06-03", To: "2025-06-04"},
		{From: "2025-06-06", To: "2025-06-08"},
		{From: "2025-06-10", To: "2025-06-10"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d ranges, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestMissing_ChunksLongRuns(t *testing.T) {
	// 40 missing dates: 2025-04-01 .. 2025-05-10.
	got := Missing(nil, dates.Range{From: "2025-04-01", To: "2025-05-10"}, today)
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %v", len(got), got)
	}
	wantDays := []int{14, 14, 12}
	for i, r := range got {
		if r.Days() != wantDays[i] {
			t.Errorf("chunk %d: expected %d days, got %d", i, wantDays[i], r.Days())
		}
	}
}

func TestMissing_Deterministic(t *testing.T) {
	doc := docWithDates("2025-06-02", "2025-06-05")
	r := dates.Range{From: "2025-06-01", To: "2025-06-08"}

	first := Missing(doc, r, today)
	for i := 0; i < 5; i++ {
		again := Missing(doc, r, today)
		if len(again) != len(first) {
			t.Fatalf("plan size changed between calls")
		}
		for j := range first {
			if again[j] != first[j] {
				t.Fatalf("plan changed between calls: %v vs %v", first, again)
			}
		}
	}
}

func TestMissing_GapCoverage(t *testing.T) {
	// Simulate fetch-and-merge of exactly the planned ranges; the
	// follow-up plan over the same request must be empty.
	doc := docWithDates("2025-06-03", "2025-06-07")
	r := dates.Range{From: "2025-06-01", To: "2025-06-12"}

	for _, missing := range Missing(doc, r, today) {
		var rows []document.Row
		for _, d := range missing.Enumerate() {
			rows = append(rows, document.Row{d, "t1", 100.0})
		}
		if _, err := doc.Merge(cols, rows, today); err != nil {
			t.Fatalf("merge failed: %v", err)
		}
	}

	if again := Missing(doc, r, today); again != nil {
		t.Errorf("expected zero missing dates after covering fetch, got %v", again)
	}
}
