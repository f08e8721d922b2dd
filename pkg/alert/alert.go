// Package alert scans cached per-tag daily series for day-over-day,
// week-over-week, and gap-tolerant changes and classifies their severity.
// Evaluation is a pure function of one document plus a rule set snapshot;
// alerts are recomputed on demand and never persisted.
package alert

import (
	"fmt"
	"sort"

	"tagwatch/pkg/dates"
	"tagwatch/pkg/document"
	"tagwatch/pkg/rules"
)

// Severity levels, ordered low < medium < high.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Alert is one detected change on one tag's series.
type Alert struct {
	TagID         string  `json:"tag_id"`
	TagName       string  `json:"tag_name"`
	Metric        string  `json:"metric"`
	Date          string  `json:"date"`
	CurrentValue  float64 `json:"current_value"`
	PreviousValue float64 `json:"previous_value"`
	ChangePercent float64 `json:"change_percent"` // signed, negative = drop
	Severity      string  `json:"severity"`
	Type          string  `json:"alert_type"`
	Message       string  `json:"message"`

	ComparisonDate string `json:"comparison_date,omitempty"`
	CurrentWeek    string `json:"current_week,omitempty"`
	PreviousWeek   string `json:"previous_week,omitempty"`
	DaysGap        int    `json:"days_gap,omitempty"`
}

type point struct {
	date  string
	value float64
	name  string
}

// Evaluate scans every tag series in doc and returns the alerts the
// rule set's thresholds produce. Rows dated today or later are ignored.
// Missing required columns yield an empty result, not an error.
func Evaluate(doc *document.Document, rs rules.RuleSet, today string) []Alert {
	if doc == nil {
		return nil
	}
	series := partition(doc, today)

	tagIDs := make([]string, 0, len(series))
	for id := range series {
		tagIDs = append(tagIDs, id)
	}
	sort.Strings(tagIDs)

	var alerts []Alert
	for _, tagID := range tagIDs {
		points := series[tagID]
		if len(points) < 2 {
			continue
		}
		// Newest first.
		sort.Slice(points, func(i, j int) bool { return points[i].date > points[j].date })

		name := displayName(tagID, points)
		alerts = append(alerts, dayOverDay(tagID, name, points, rs)...)
		alerts = append(alerts, weekOverWeek(tagID, name, points, rs)...)
		alerts = append(alerts, gapTolerant(tagID, name, points, rs)...)
	}
	return alerts
}

// partition splits the document into per-tag series, skipping rows with
// unusable dates or values and rows at or past today.
func partition(doc *document.Document, today string) map[string][]point {
	dateIdx := doc.ColumnIndex(document.ColDateKey)
	tagIdx := doc.ColumnIndex(document.ColTagID)
	valIdx := doc.ColumnIndex(document.ColImpressions)
	if dateIdx < 0 || tagIdx < 0 || valIdx < 0 {
		return nil
	}
	nameIdx := doc.ColumnIndex(document.ColTagName)

	series := map[string][]point{}
	for _, row := range doc.Rows {
		date := document.CellString(row[dateIdx])
		tagID := document.CellString(row[tagIdx])
		if tagID == "" || !dates.Valid(date) || date >= today {
			continue
		}
		p := point{date: date, value: document.CellNumber(row[valIdx])}
		if nameIdx >= 0 {
			p.name = document.CellString(row[nameIdx])
		}
		series[tagID] = append(series[tagID], p)
	}
	return series
}

// displayName resolves a human-readable tag name, falling back to a
// truncated id label when the source never carried one.
func displayName(tagID string, points []point) string {
	for _, p := range points {
		if p.name != "" {
			return p.name
		}
	}
	if len(tagID) > 8 {
		return "Tag " + tagID[:8] + "..."
	}
	return "Tag " + tagID
}

func severityFor(magnitude, high, medium float64) string {
	switch {
	case magnitude >= high:
		return SeverityHigh
	case magnitude >= medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func dayOverDay(tagID, name string, points []point, rs rules.RuleSet) []Alert {
	current, previous := points[0], points[1]
	if dates.DaysBetween(previous.date, current.date) != 1 {
		return nil
	}
	if previous.value <= rs.GlobalThresholds.MinimumImpressions {
		return nil
	}

	drop := (previous.value - current.value) / previous.value * 100
	if drop < rs.ThresholdFor(tagID, rules.TypeDayOverDay) {
		return nil
	}
	return []Alert{{
		TagID:          tagID,
		TagName:        name,
		Metric:         document.ColImpressions,
		Date:           current.date,
		CurrentValue:   current.value,
		PreviousValue:  previous.value,
		ChangePercent:  -drop,
		Severity:       severityFor(drop, 50, 35),
		Type:           rules.TypeDayOverDay,
		Message:        fmt.Sprintf("%s: impressions dropped %.1f%% vs the previous day", name, drop),
		ComparisonDate: previous.date,
	}}
}

func weekOverWeek(tagID, name string, points []point, rs rules.RuleSet) []Alert {
	currentDate := points[0].date
	curFrom := dates.AddDays(currentDate, -6)
	prevTo := dates.AddDays(currentDate, -7)
	prevFrom := dates.AddDays(currentDate, -13)

	var curSum, prevSum float64
	for _, p := range points {
		switch {
		case p.date >= curFrom && p.date <= currentDate:
			curSum += p.value
		case p.date >= prevFrom && p.date <= prevTo:
			prevSum += p.value
		}
	}
	if prevSum <= rs.GlobalThresholds.MinimumImpressions {
		return nil
	}

	base := Alert{
		TagID:         tagID,
		TagName:       name,
		Metric:        document.ColImpressions,
		Date:          currentDate,
		CurrentValue:  curSum,
		PreviousValue: prevSum,
		CurrentWeek:   curFrom + " to " + currentDate,
		PreviousWeek:  prevFrom + " to " + prevTo,
	}

	if drop := (prevSum - curSum) / prevSum * 100; drop >= rs.ThresholdFor(tagID, rules.TypeWeekOverWeek) {
		base.ChangePercent = -drop
		base.Severity = severityFor(drop, 40, 25)
		base.Type = rules.TypeWeekOverWeek
		base.Message = fmt.Sprintf("%s: weekly impressions dropped %.1f%% vs the prior week", name, drop)
		return []Alert{base}
	}
	if rise := (curSum - prevSum) / prevSum * 100; rise >= rs.ThresholdFor(tagID, rules.TypeWeekOverWeekIncrease) {
		base.ChangePercent = rise
		base.Severity = severityFor(rise, 50, 35)
		base.Type = rules.TypeWeekOverWeekIncrease
		base.Message = fmt.Sprintf("%s: weekly impressions rose %.1f%% vs the prior week", name, rise)
		return []Alert{base}
	}
	return nil
}

// gapTolerant compares current to the nearest prior row within a 1-3 day
// gap, so a missing day in the source does not hide a drop. The bar is
// lower than day-over-day's: 0.8x the resolved day threshold.
func gapTolerant(tagID, name string, points []point, rs rules.RuleSet) []Alert {
	current := points[0]

	lookback := points[1:]
	if len(lookback) > 3 {
		lookback = lookback[:3]
	}
	for _, prior := range lookback {
		gap := dates.DaysBetween(prior.date, current.date)
		if gap < 1 || gap > 3 {
			continue
		}
		if prior.value <= rs.GlobalThresholds.MinimumImpressions {
			continue
		}

		drop := (prior.value - current.value) / prior.value * 100
		if drop < 0.8*rs.ThresholdFor(tagID, rules.TypeDayOverDay) {
			return nil
		}
		return []Alert{{
			TagID:          tagID,
			TagName:        name,
			Metric:         document.ColImpressions,
			Date:           current.date,
			CurrentValue:   current.value,
			PreviousValue:  prior.value,
			ChangePercent:  -drop,
			Severity:       severityFor(drop, 50, 35),
			Type:           rules.TypeGapTolerant,
			Message:        fmt.Sprintf("%s: impressions dropped %.1f%% across a %d-day gap", name, drop, gap),
			ComparisonDate: prior.date,
			DaysGap:        gap,
		}}
	}
	return nil
}
