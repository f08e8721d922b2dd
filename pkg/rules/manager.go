package rules

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/friendsofgo/errors"
	"go.uber.org/zap"

	storage "tagwatch/pkg/store"
)

// Persistence is the storage slot the rule set is saved to.
type Persistence interface {
	LoadRules(ctx context.Context) ([]byte, error)
	SaveRules(ctx context.Context, data []byte) error
}

// Manager owns the in-memory rule set, keeps it consistent with the
// persisted copy, and tracks per-tag emissions for frequency limiting.
// All methods are safe for concurrent use.
type Manager struct {
	mu    sync.RWMutex
	store Persistence
	rs    RuleSet
	log   *zap.SugaredLogger

	// Rolling emission log per tag, trimmed to the last 24h on access.
	emissions map[string][]time.Time
}

// NewManager loads the persisted rule set, falling back to the built-in
// defaults on any load or parse error. Startup never fails on bad rules.
func NewManager(ctx context.Context, store Persistence, log *zap.SugaredLogger) *Manager {
	m := &Manager{
		store:     store,
		rs:        Defaults(),
		log:       log,
		emissions: map[string][]time.Time{},
	}
	data, err := store.LoadRules(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warnw("loading alert rules failed, using defaults", "error", err)
		}
		return m
	}
	if len(data) == 0 {
		return m
	}
	var rs RuleSet
	if err := json.Unmarshal(data, &rs); err != nil {
		log.Warnw("parsing alert rules failed, using defaults", "error", err)
		return m
	}
	for _, c := range rs.Conditions {
		if err := validateCondition(c); err != nil {
			log.Warnw("persisted rules contain an invalid condition, using defaults", "error", err)
			return m
		}
	}
	if rs.TagRules == nil {
		rs.TagRules = map[string]TagRule{}
	}
	m.rs = rs
	return m
}

// Snapshot returns a deep copy of the current rule set.
func (m *Manager) Snapshot() RuleSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rs.Clone()
}

// ThresholdFor resolves the threshold for a tag and alert type.
func (m *Manager) ThresholdFor(tagID, alertType string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rs.ThresholdFor(tagID, alertType)
}

// ShouldEmit decides whether an alert with the given attributes may be
// delivered right now. It is read-only; callers on the delivery path
// record the emission separately once delivery happens, so repeated
// read-API evaluations do not consume the tag's budget.
func (m *Manager) ShouldEmit(tagID, severity string, changePercent float64, now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.rs.timeAllows(now) {
		return false
	}
	if !m.rs.conditionsAllow(tagID, severity, changePercent, now) {
		return false
	}

	limits := m.rs.FrequencyLimits
	log := m.emissions[tagID]
	if limits.MaxAlertsPerTagPerDay > 0 {
		sameDay := 0
		for _, at := range log {
			if at.Format("2006-01-02") == now.Format("2006-01-02") {
				sameDay++
			}
		}
		if sameDay >= limits.MaxAlertsPerTagPerDay {
			return false
		}
	}
	if limits.CooldownMinutes > 0 && len(log) > 0 {
		last := log[len(log)-1]
		if now.Sub(last) < time.Duration(limits.CooldownMinutes)*time.Minute {
			return false
		}
	}
	return true
}

// RecordEmission logs a delivered alert for frequency accounting.
func (m *Manager) RecordEmission(tagID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.emissions[tagID][:0]
	for _, at := range m.emissions[tagID] {
		if now.Sub(at) < 24*time.Hour {
			kept = append(kept, at)
		}
	}
	m.emissions[tagID] = append(kept, now)
}

// mutate applies fn to a copy of the rule set and persists the result.
// On save failure the in-memory set is left at the last persisted state.
func (m *Manager) mutate(ctx context.Context, fn func(*RuleSet) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.rs.Clone()
	if err := fn(&next); err != nil {
		return err
	}
	data, err := json.Marshal(next)
	if err != nil {
		return errors.Wrap(err, "encode rules")
	}
	if err := m.store.SaveRules(ctx, data); err != nil {
		return errors.Wrap(err, "persist rules")
	}
	m.rs = next
	return nil
}

// AddTagRule sets per-tag threshold overrides.
func (m *Manager) AddTagRule(ctx context.Context, tagID string, thresholds map[string]float64) error {
	if tagID == "" {
		return errors.New("tag id is required")
	}
	if len(thresholds) == 0 {
		return errors.New("at least one threshold is required")
	}
	for alertType, v := range thresholds {
		if !validThresholdType(alertType) {
			return errors.Errorf("unknown alert type %q", alertType)
		}
		if v <= 0 || v > 100 {
			return errors.Errorf("threshold for %s must be within (0, 100]", alertType)
		}
	}
	return m.mutate(ctx, func(rs *RuleSet) error {
		cp := make(map[string]float64, len(thresholds))
		for k, v := range thresholds {
			cp[k] = v
		}
		rs.TagRules[tagID] = TagRule{Thresholds: cp}
		return nil
	})
}

// RemoveTagRule drops a tag's overrides.
func (m *Manager) RemoveTagRule(ctx context.Context, tagID string) error {
	return m.mutate(ctx, func(rs *RuleSet) error {
		if _, ok := rs.TagRules[tagID]; !ok {
			return errors.Errorf("no rule for tag %q", tagID)
		}
		delete(rs.TagRules, tagID)
		return nil
	})
}

// AddCondition appends a custom condition to the chain.
func (m *Manager) AddCondition(ctx context.Context, c Condition) error {
	if err := validateCondition(c); err != nil {
		return err
	}
	return m.mutate(ctx, func(rs *RuleSet) error {
		rs.Conditions = append(rs.Conditions, c)
		return nil
	})
}

// UpdateGlobalThresholds overwrites the listed global thresholds.
func (m *Manager) UpdateGlobalThresholds(ctx context.Context, updates map[string]float64) error {
	if len(updates) == 0 {
		return errors.New("no thresholds given")
	}
	return m.mutate(ctx, func(rs *RuleSet) error {
		for key, v := range updates {
			if v <= 0 {
				return errors.Errorf("threshold %q must be positive", key)
			}
			switch key {
			case TypeDayOverDay:
				rs.GlobalThresholds.DayOverDayDrop = v
			case TypeWeekOverWeek:
				rs.GlobalThresholds.WeekOverWeekDrop = v
			case TypeWeekOverWeekIncrease:
				rs.GlobalThresholds.WeekOverWeekIncrease = v
			case TypeGapTolerant:
				rs.GlobalThresholds.GapTolerantDrop = v
			case "minimum_impressions":
				rs.GlobalThresholds.MinimumImpressions = v
			default:
				return errors.Errorf("unknown threshold %q", key)
			}
		}
		return nil
	})
}

// Replace swaps in a whole rule set after validation.
func (m *Manager) Replace(ctx context.Context, rs RuleSet) error {
	for tagID, tr := range rs.TagRules {
		for alertType := range tr.Thresholds {
			if !validThresholdType(alertType) {
				return errors.Errorf("tag %q: unknown alert type %q", tagID, alertType)
			}
		}
	}
	for _, c := range rs.Conditions {
		if err := validateCondition(c); err != nil {
			return err
		}
	}
	return m.mutate(ctx, func(dst *RuleSet) error {
		*dst = rs.Clone()
		if dst.TagRules == nil {
			dst.TagRules = map[string]TagRule{}
		}
		return nil
	})
}
