package provider

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"tagwatch/pkg/dates"
	"tagwatch/pkg/document"
	"tagwatch/pkg/store"
)

// Mock is a deterministic in-process provider used when no warehouse URL
// is configured. The same (entity, date) request always produces the same
// rows, so reconciliation and dedup behave exactly as with real data.
type Mock struct{}

// NewMock creates the mock provider.
func NewMock() *Mock { return &Mock{} }

// Fetch synthesizes daily rows for a fixed set of tags per entity. Values
// wobble around a per-tag baseline, with an occasional sharp drop so the
// alert engine has something to find.
func (m *Mock) Fetch(_ context.Context, class store.EntityClass, entityID string, r dates.Range) ([]string, []document.Row, error) {
	tags := 3
	if class == store.Publisher {
		tags = 2
	}

	columns := []string{document.ColDateKey, document.ColTagID, document.ColTagName, document.ColImpressions}
	rows := make([]document.Row, 0, len(r.Enumerate())*tags)
	for _, date := range r.Enumerate() {
		for i := 0; i < tags; i++ {
			tagID := fmt.Sprintf("%s-tag-%d", entityID, i+1)
			rows = append(rows, document.Row{
				date,
				tagID,
				fmt.Sprintf("Mock Tag %d (%s)", i+1, entityID),
				mockImpressions(tagID, date, i),
			})
		}
	}
	return columns, rows, nil
}

func mockImpressions(tagID, date string, tagIndex int) float64 {
	base := float64(10000 + tagIndex*5000)
	h := xxhash.Sum64String(tagID + "|" + date)

	// Sharp drop roughly once every two weeks per tag.
	if h%13 == 0 {
		return base * 0.4
	}
	// Otherwise wobble within +/-20% of the baseline.
	pct := float64(int(h%41)-20) / 100
	return base * (1 + pct)
}
