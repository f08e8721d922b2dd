package alert

import (
	"sort"

	"tagwatch/pkg/dates"
	"tagwatch/pkg/document"
)

// Trend compares a tag's trailing 7-day average against the 7 days
// before that.
type Trend struct {
	TagID         string  `json:"tag_id"`
	TagName       string  `json:"tag_name"`
	RecentAverage float64 `json:"recent_7d_avg"`
	PriorAverage  float64 `json:"prior_7d_avg"`
	ChangePercent float64 `json:"change_percent"`
	Direction     string  `json:"direction"` // up, down, or stable
}

// Trends summarizes each tag's moving-average direction. Tags without
// data in the prior window are reported with a zero change.
func Trends(doc *document.Document, today string) []Trend {
	series := partition(doc, today)

	tagIDs := make([]string, 0, len(series))
	for id := range series {
		tagIDs = append(tagIDs, id)
	}
	sort.Strings(tagIDs)

	out := make([]Trend, 0, len(tagIDs))
	for _, tagID := range tagIDs {
		points := series[tagID]
		sort.Slice(points, func(i, j int) bool { return points[i].date > points[j].date })

		latest := points[0].date
		recentFrom := dates.AddDays(latest, -6)
		priorTo := dates.AddDays(latest, -7)
		priorFrom := dates.AddDays(latest, -13)

		recent := windowAverage(points, recentFrom, latest)
		prior := windowAverage(points, priorFrom, priorTo)

		t := Trend{
			TagID:         tagID,
			TagName:       displayName(tagID, points),
			RecentAverage: recent,
			PriorAverage:  prior,
			Direction:     "stable",
		}
		if prior > 0 {
			t.ChangePercent = (recent - prior) / prior * 100
			switch {
			case t.ChangePercent >= 5:
				t.Direction = "up"
			case t.ChangePercent <= -5:
				t.Direction = "down"
			}
		}
		out = append(out, t)
	}
	return out
}

func windowAverage(points []point, from, to string) float64 {
	var sum float64
	n := 0
	for _, p := range points {
		if p.date >= from && p.date <= to {
			sum += p.value
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Summary aggregates a document's rows for the read API.
type Summary struct {
	TotalImpressions float64 `json:"total_impressions"`
	DailyAverage     float64 `json:"daily_average"`
	Days             int     `json:"days"`
	Tags             int     `json:"tags"`
	Rows             int     `json:"rows"`
	FirstDate        string  `json:"first_date,omitempty"`
	LastDate         string  `json:"last_date,omitempty"`
}

// Summarize totals impressions across the document, excluding rows at
// or past today.
func Summarize(doc *document.Document, today string) Summary {
	series := partition(doc, today)

	s := Summary{Tags: len(series)}
	daySet := map[string]struct{}{}
	for _, points := range series {
		for _, p := range points {
			s.TotalImpressions += p.value
			s.Rows++
			daySet[p.date] = struct{}{}
			if s.FirstDate == "" || p.date < s.FirstDate {
				s.FirstDate = p.date
			}
			if p.date > s.LastDate {
				s.LastDate = p.date
			}
		}
	}
	s.Days = len(daySet)
	if s.Days > 0 {
		s.DailyAverage = s.TotalImpressions / float64(s.Days)
	}
	return s
}
