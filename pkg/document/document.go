// Package document models the per-entity cache document: an ordered column
// list plus fixed-width rows of daily tag metrics. Rows are deduplicated on
// the (date_key, tag_id) pair and never carry the current processing day.
package document

import (
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Well-known column names.
const (
	ColDateKey     = "date_key"
	ColTagID       = "tag_id"
	ColTagName     = "tag_name"
	ColImpressions = "total_impressions"
)

// Row is one fixed-width tuple. Cell values survive a JSON round trip, so
// numeric cells read back as float64.
type Row = []any

// Document is the cached {columns, rows} record for one entity.
type Document struct {
	Columns   []string  `json:"columns"`
	Rows      []Row     `json:"rows"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates an empty document with the given column order.
func New(columns []string) *Document {
	return &Document{
		Columns: append([]string(nil), columns...),
		Rows:    make([]Row, 0),
	}
}

// ValidationError reports a structural mismatch between columns and rows.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid document structure: " + e.Reason
}

// Validate checks that every row matches the column width and that the
// columns needed for deduplication are present. The whole batch is rejected
// on the first mismatch.
func Validate(columns []string, rows []Row) error {
	if len(columns) == 0 {
		return &ValidationError{Reason: "no columns provided"}
	}
	if indexOf(columns, ColDateKey) < 0 || indexOf(columns, ColTagID) < 0 {
		return &ValidationError{Reason: fmt.Sprintf("columns %v missing %s or %s", columns, ColDateKey, ColTagID)}
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return &ValidationError{
				Reason: fmt.Sprintf("row %d has %d cells, expected %d", i, len(row), len(columns)),
			}
		}
	}
	return nil
}

// ColumnIndex returns the position of a column, or -1 when absent.
func (d *Document) ColumnIndex(name string) int {
	return indexOf(d.Columns, name)
}

// Migrate rewrites the document to a new column order. Stored rows are
// remapped by column name: cells whose column survives keep their value,
// columns new to the document backfill as nil. This keeps positional reads
// consistent after an upstream schema change instead of trusting stale
// alignment.
func (d *Document) Migrate(newColumns []string) {
	if equalColumns(d.Columns, newColumns) {
		return
	}
	old := make(map[string]int, len(d.Columns))
	for i, c := range d.Columns {
		old[c] = i
	}
	migrated := make([]Row, len(d.Rows))
	for ri, row := range d.Rows {
		next := make(Row, len(newColumns))
		for ci, c := range newColumns {
			if oi, ok := old[c]; ok && oi < len(row) {
				next[ci] = row[oi]
			}
		}
		migrated[ri] = next
	}
	d.Columns = append([]string(nil), newColumns...)
	d.Rows = migrated
}

// Merge validates and appends new rows, skipping duplicates of an existing
// (date_key, tag_id) pair and any row dated today or later. Returns the
// number of rows actually appended. A structural mismatch rejects the whole
// batch and leaves the document untouched.
func (d *Document) Merge(columns []string, rows []Row, today string) (int, error) {
	if err := Validate(columns, rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		// An empty batch must not migrate the column layout.
		return 0, nil
	}
	if !equalColumns(d.Columns, columns) {
		d.Migrate(columns)
	}

	dateIdx := indexOf(columns, ColDateKey)
	tagIdx := indexOf(columns, ColTagID)

	seen := make(map[uint64]struct{}, len(d.Rows)+len(rows))
	for _, row := range d.Rows {
		seen[dedupKey(CellString(row[dateIdx]), CellString(row[tagIdx]))] = struct{}{}
	}

	appended := 0
	for _, row := range rows {
		date := CellString(row[dateIdx])
		if date >= today {
			// Today's partial data never enters the cache.
			continue
		}
		key := dedupKey(date, CellString(row[tagIdx]))
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		d.Rows = append(d.Rows, row)
		appended++
	}
	return appended, nil
}

// CachedDates returns the set of date_key values present in the document.
func (d *Document) CachedDates() map[string]struct{} {
	idx := d.ColumnIndex(ColDateKey)
	if idx < 0 {
		return nil
	}
	out := make(map[string]struct{}, len(d.Rows))
	for _, row := range d.Rows {
		if idx < len(row) {
			out[CellString(row[idx])] = struct{}{}
		}
	}
	return out
}

// FilterByDate returns the rows whose date_key falls inside the range.
func (d *Document) FilterByDate(from, to string) []Row {
	idx := d.ColumnIndex(ColDateKey)
	if idx < 0 {
		return nil
	}
	out := make([]Row, 0, len(d.Rows))
	for _, row := range d.Rows {
		if idx >= len(row) {
			continue
		}
		date := CellString(row[idx])
		if from <= date && date <= to {
			out = append(out, row)
		}
	}
	return out
}

// SearchTags returns rows in the date range whose tag name or tag id
// contains the search term, case-insensitively.
func (d *Document) SearchTags(term, from, to string) []Row {
	dateIdx := d.ColumnIndex(ColDateKey)
	tagIdx := d.ColumnIndex(ColTagID)
	nameIdx := d.ColumnIndex(ColTagName)
	if dateIdx < 0 || tagIdx < 0 {
		return nil
	}
	term = strings.ToLower(term)

	var out []Row
	for _, row := range d.Rows {
		if dateIdx >= len(row) || tagIdx >= len(row) {
			continue
		}
		name := ""
		if nameIdx >= 0 && nameIdx < len(row) {
			name = strings.ToLower(CellString(row[nameIdx]))
		}
		id := strings.ToLower(CellString(row[tagIdx]))
		if !strings.Contains(name, term) && !strings.Contains(id, term) {
			continue
		}
		date := CellString(row[dateIdx])
		if from <= date && date <= to {
			out = append(out, row)
		}
	}
	return out
}

// RemoveTag deletes every row belonging to the given tag id and returns the
// number of rows removed.
func (d *Document) RemoveTag(tagID string) int {
	idx := d.ColumnIndex(ColTagID)
	if idx < 0 {
		return 0
	}
	kept := d.Rows[:0]
	removed := 0
	for _, row := range d.Rows {
		if idx < len(row) && CellString(row[idx]) == tagID {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	d.Rows = kept
	return removed
}

// Clone returns a deep copy safe to hand to concurrent readers.
func (d *Document) Clone() *Document {
	c := &Document{
		Columns:   append([]string(nil), d.Columns...),
		Rows:      make([]Row, len(d.Rows)),
		UpdatedAt: d.UpdatedAt,
	}
	for i, row := range d.Rows {
		c.Rows[i] = append(Row(nil), row...)
	}
	return c
}

// CellString renders any cell as a comparable string. Nil cells render empty.
func CellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		// JSON numbers decode as float64; whole values print without a
		// fractional part so ids survive the round trip.
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%v", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// CellNumber coerces a cell to float64, treating nil and non-numeric cells
// as zero the way the upstream aggregates do.
func CellNumber(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	default:
		return 0
	}
}

func dedupKey(date, tag string) uint64 {
	return xxhash.Sum64String(date + "|" + tag)
}

func indexOf(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}

func equalColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
