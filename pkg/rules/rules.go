// Package rules holds the alert rule configuration: global and per-tag
// thresholds, time-based suppression, frequency limits, and custom
// conditions. The rule set is persisted as a single JSON document and
// mutated only through the Manager.
package rules

import (
	"math"
	"strings"
	"time"

	"github.com/friendsofgo/errors"
)

// Alert type names the thresholds are keyed by.
const (
	TypeDayOverDay           = "day_over_day"
	TypeWeekOverWeek         = "week_over_week"
	TypeWeekOverWeekIncrease = "week_over_week_increase"
	TypeGapTolerant          = "gap_tolerant"
)

// FallbackThreshold applies when neither a tag override nor a global
// threshold covers an alert type.
const FallbackThreshold = 35

// GlobalThresholds are the default drop/increase percentages per alert
// type, plus the minimum prior-period traffic required before a change
// is eligible to alert at all.
type GlobalThresholds struct {
	DayOverDayDrop       float64 `json:"day_over_day_drop"`
	WeekOverWeekDrop     float64 `json:"week_over_week_drop"`
	WeekOverWeekIncrease float64 `json:"week_over_week_increase"`
	GapTolerantDrop      float64 `json:"gap_tolerant_drop"`
	MinimumImpressions   float64 `json:"minimum_impressions"`
}

// TagRule overrides thresholds for a single tag, keyed by alert type.
type TagRule struct {
	Thresholds map[string]float64 `json:"thresholds"`
}

// TimeRules suppress alert emission based on wall-clock time at
// evaluation, not on the alert's data date.
type TimeRules struct {
	BusinessHoursOnly bool     `json:"business_hours_only"`
	WeekendAlerts     bool     `json:"weekend_alerts"`
	HolidayExceptions []string `json:"holiday_exceptions"`
}

// FrequencyLimits cap how often a single tag may emit.
type FrequencyLimits struct {
	MaxAlertsPerTagPerDay int `json:"max_alerts_per_tag_per_day"`
	CooldownMinutes       int `json:"cooldown_minutes"`
}

// Condition types.
const (
	CondTagPattern      = "tag_pattern"
	CondSeverityMinimum = "severity_minimum"
	CondChangeThreshold = "change_threshold"
	CondTimeRange       = "time_range"
)

// Condition is one predicate in the custom condition chain. All
// configured conditions must pass for an alert to emit.
type Condition struct {
	Type      string  `json:"type"`
	Pattern   string  `json:"pattern,omitempty"`
	Severity  string  `json:"severity,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	StartHour int     `json:"start_hour,omitempty"`
	EndHour   int     `json:"end_hour,omitempty"`
}

// RuleSet is the complete persisted rule configuration.
type RuleSet struct {
	GlobalThresholds GlobalThresholds   `json:"global_thresholds"`
	TagRules         map[string]TagRule `json:"tag_specific_rules"`
	TimeRules        TimeRules          `json:"time_based_rules"`
	FrequencyLimits  FrequencyLimits    `json:"frequency_limits"`
	Conditions       []Condition        `json:"custom_conditions"`
}

// Defaults returns the built-in rule set used when no persisted copy
// exists or the persisted copy cannot be read.
func Defaults() RuleSet {
	return RuleSet{
		GlobalThresholds: GlobalThresholds{
			DayOverDayDrop:       35,
			WeekOverWeekDrop:     20,
			WeekOverWeekIncrease: 25,
			GapTolerantDrop:      28,
			MinimumImpressions:   2500,
		},
		TagRules: map[string]TagRule{},
		TimeRules: TimeRules{
			WeekendAlerts: true,
		},
		FrequencyLimits: FrequencyLimits{
			MaxAlertsPerTagPerDay: 3,
			CooldownMinutes:       360,
		},
	}
}

// Clone deep-copies the rule set.
func (rs RuleSet) Clone() RuleSet {
	out := rs
	out.TagRules = make(map[string]TagRule, len(rs.TagRules))
	for id, r := range rs.TagRules {
		cp := TagRule{Thresholds: make(map[string]float64, len(r.Thresholds))}
		for k, v := range r.Thresholds {
			cp.Thresholds[k] = v
		}
		out.TagRules[id] = cp
	}
	out.TimeRules.HolidayExceptions = append([]string(nil), rs.TimeRules.HolidayExceptions...)
	out.Conditions = append([]Condition(nil), rs.Conditions...)
	return out
}

// ThresholdFor resolves the threshold for a tag and alert type: tag
// override first, then the global value, then the hardcoded fallback.
func (rs RuleSet) ThresholdFor(tagID, alertType string) float64 {
	if tr, ok := rs.TagRules[tagID]; ok {
		if v, ok := tr.Thresholds[alertType]; ok {
			return v
		}
	}
	switch alertType {
	case TypeDayOverDay:
		if rs.GlobalThresholds.DayOverDayDrop > 0 {
			return rs.GlobalThresholds.DayOverDayDrop
		}
	case TypeWeekOverWeek:
		if rs.GlobalThresholds.WeekOverWeekDrop > 0 {
			return rs.GlobalThresholds.WeekOverWeekDrop
		}
	case TypeWeekOverWeekIncrease:
		if rs.GlobalThresholds.WeekOverWeekIncrease > 0 {
			return rs.GlobalThresholds.WeekOverWeekIncrease
		}
	case TypeGapTolerant:
		if rs.GlobalThresholds.GapTolerantDrop > 0 {
			return rs.GlobalThresholds.GapTolerantDrop
		}
	}
	return FallbackThreshold
}

func severityRank(s string) int {
	switch s {
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	}
	return 0
}

// timeAllows applies the time-based suppression rules at wall-clock now.
func (rs RuleSet) timeAllows(now time.Time) bool {
	if rs.TimeRules.BusinessHoursOnly {
		if h := now.Hour(); h < 9 || h >= 17 {
			return false
		}
	}
	if !rs.TimeRules.WeekendAlerts {
		if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return false
		}
	}
	today := now.Format("2006-01-02")
	for _, holiday := range rs.TimeRules.HolidayExceptions {
		if holiday == today {
			return false
		}
	}
	return true
}

// conditionsAllow evaluates the custom condition chain. Every configured
// condition must pass.
func (rs RuleSet) conditionsAllow(tagID, severity string, changePercent float64, now time.Time) bool {
	for _, c := range rs.Conditions {
		switch c.Type {
		case CondTagPattern:
			if !strings.Contains(tagID, c.Pattern) {
				return false
			}
		case CondSeverityMinimum:
			if severityRank(severity) < severityRank(c.Severity) {
				return false
			}
		case CondChangeThreshold:
			if math.Abs(changePercent) < c.Threshold {
				return false
			}
		case CondTimeRange:
			h := c.StartHour <= now.Hour() && now.Hour() < c.EndHour
			if c.StartHour > c.EndHour { // overnight window
				h = now.Hour() >= c.StartHour || now.Hour() < c.EndHour
			}
			if !h {
				return false
			}
		}
	}
	return true
}

func validateCondition(c Condition) error {
	switch c.Type {
	case CondTagPattern:
		if c.Pattern == "" {
			return errors.New("tag_pattern condition requires a pattern")
		}
	case CondSeverityMinimum:
		if severityRank(c.Severity) == 0 {
			return errors.Errorf("unknown severity %q", c.Severity)
		}
	case CondChangeThreshold:
		if c.Threshold <= 0 {
			return errors.New("change_threshold condition requires a positive threshold")
		}
	case CondTimeRange:
		if c.StartHour < 0 || c.StartHour > 23 || c.EndHour < 0 || c.EndHour > 23 {
			return errors.New("time_range hours must be within 0..23")
		}
	default:
		return errors.Errorf("unknown condition type %q", c.Type)
	}
	return nil
}

func validThresholdType(alertType string) bool {
	switch alertType {
	case TypeDayOverDay, TypeWeekOverWeek, TypeWeekOverWeekIncrease, TypeGapTolerant:
		return true
	}
	return false
}
