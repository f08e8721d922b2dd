// Package plan computes which date sub-ranges of a request are absent from
// a cache document and must be fetched upstream.
package plan

import (
	"sort"

	"tagwatch/pkg/config"
	"tagwatch/pkg/dates"
	"tagwatch/pkg/document"
)

// Missing returns the ordered list of date ranges inside [r.From, r.To]
// that the document does not cover, grouped into maximal contiguous runs
// and chunked to bounded fetch sizes. A nil document means the whole range
// is missing. Pure function of the cached-date set and the request: the
// same inputs always yield the same plan.
func Missing(doc *document.Document, r dates.Range, today string) []dates.Range {
	r.To = dates.ClampBefore(r.To, today)
	if r.From > r.To {
		// Nothing fetchable; the caller treats an empty plan for an
		// inverted range as an input error.
		return nil
	}

	if doc == nil {
		return dates.Split(r, config.ChunkTargetDays, config.ChunkCeilingDays)
	}

	cached := doc.CachedDates()
	var missing []string
	for _, d := range r.Enumerate() {
		if _, ok := cached[d]; !ok {
			missing = append(missing, d)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)

	var out []dates.Range
	for _, run := range dates.Runs(missing) {
		out = append(out, dates.Split(run, config.ChunkTargetDays, config.ChunkCeilingDays)...)
	}
	return out
}
