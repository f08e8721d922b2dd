package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/friendsofgo/errors"
	"github.com/gorilla/mux"

	"tagwatch/pkg/alert"
	"tagwatch/pkg/collector"
	"tagwatch/pkg/config"
	"tagwatch/pkg/dates"
	"tagwatch/pkg/document"
	"tagwatch/pkg/export"
	"tagwatch/pkg/httpx"
	"tagwatch/pkg/reconcile"
	"tagwatch/pkg/rules"
	"tagwatch/pkg/store"
)

func entityKey(r *http.Request) (store.Key, error) {
	vars := mux.Vars(r)
	class, err := store.ParseClass(vars["class"])
	if err != nil {
		return store.Key{}, err
	}
	if vars["id"] == "" {
		return store.Key{}, errors.New("entity id is required")
	}
	return store.Key{Class: class, ID: vars["id"]}, nil
}

// queryRange reads from/to query params, defaulting to the trailing
// lookback window ending yesterday.
func queryRange(r *http.Request, today string) (dates.Range, error) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if to == "" {
		to = dates.Yesterday(today)
	}
	if from == "" {
		from = dates.AddDays(to, -(config.DefaultLookbackDays - 1))
	}
	if !dates.Valid(from) || !dates.Valid(to) {
		return dates.Range{}, errors.New("dates must be formatted YYYY-MM-DD")
	}
	return dates.Range{From: from, To: to}, nil
}

type metricsResponse struct {
	Entity        string         `json:"entity"`
	From          string         `json:"from"`
	To            string         `json:"to"`
	Columns       []string       `json:"columns"`
	Rows          []document.Row `json:"rows"`
	RowCount      int            `json:"row_count"`
	RangesFetched int            `json:"ranges_fetched"`
	RangesFailed  int            `json:"ranges_failed"`
	RowsAppended  int            `json:"rows_appended"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// handleMetrics is the reconciling read: missing dates are fetched from
// the provider before the filtered rows are returned.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	key, err := entityKey(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	today := dates.Today(time.Now())
	rng, err := queryRange(r, today)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.orch.Reconcile(r.Context(), key, rng, today)
	if err != nil {
		if errors.Is(err, reconcile.ErrInvalidRange) {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, metricsResponse{
		Entity:        key.String(),
		From:          rng.From,
		To:            dates.ClampBefore(rng.To, today),
		Columns:       res.Document.Columns,
		Rows:          res.Document.Rows,
		RowCount:      len(res.Document.Rows),
		RangesFetched: res.Fetched,
		RangesFailed:  res.Failed,
		RowsAppended:  res.RowsAppended,
		UpdatedAt:     res.Document.UpdatedAt,
	})
}

type alertsResponse struct {
	Entity     string        `json:"entity,omitempty"`
	From       string        `json:"from"`
	To         string        `json:"to"`
	Alerts     []alert.Alert `json:"alerts"`
	AlertCount int           `json:"alert_count"`
	Suppressed int           `json:"suppressed"`
}

// emittable filters evaluated alerts through the rule set's suppression
// logic. Evaluation is read-only; nothing is recorded against the
// frequency budget here.
func (s *Server) emittable(alerts []alert.Alert, now time.Time) (kept []alert.Alert, suppressed int) {
	kept = make([]alert.Alert, 0, len(alerts))
	for _, a := range alerts {
		if s.rules.ShouldEmit(a.TagID, a.Severity, a.ChangePercent, now) {
			kept = append(kept, a)
		} else {
			suppressed++
		}
	}
	return kept, suppressed
}

// handleEntityAlerts reconciles the window and recomputes alerts for one
// entity's document.
func (s *Server) handleEntityAlerts(w http.ResponseWriter, r *http.Request) {
	key, err := entityKey(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	now := time.Now()
	today := dates.Today(now)
	rng, err := queryRange(r, today)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.orch.Reconcile(r.Context(), key, rng, today)
	if err != nil {
		if errors.Is(err, reconcile.ErrInvalidRange) {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	alerts := alert.Evaluate(res.Document, s.rules.Snapshot(), today)
	kept, suppressed := s.emittable(alerts, now)
	httpx.RespondJSON(w, http.StatusOK, alertsResponse{
		Entity:     key.String(),
		From:       rng.From,
		To:         dates.ClampBefore(rng.To, today),
		Alerts:     kept,
		AlertCount: len(kept),
		Suppressed: suppressed,
	})
}

// handleAllAlerts recomputes alerts across every cached document without
// triggering provider fetches.
func (s *Server) handleAllAlerts(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	today := dates.Today(now)
	rng, err := queryRange(r, today)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	keys, err := s.store.Keys(r.Context())
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	snapshot := s.rules.Snapshot()
	var all []alert.Alert
	for _, key := range keys {
		doc, err := s.store.Get(r.Context(), key)
		if err != nil {
			s.log.Warnw("skipping unreadable document", "key", key.String(), "error", err)
			continue
		}
		scoped := &document.Document{Columns: doc.Columns, Rows: doc.FilterByDate(rng.From, rng.To)}
		all = append(all, alert.Evaluate(scoped, snapshot, today)...)
	}

	kept, suppressed := s.emittable(all, now)
	httpx.RespondJSON(w, http.StatusOK, alertsResponse{
		From:       rng.From,
		To:         dates.ClampBefore(rng.To, today),
		Alerts:     kept,
		AlertCount: len(kept),
		Suppressed: suppressed,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	key, err := entityKey(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	term := r.URL.Query().Get("q")
	if term == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "query parameter q is required")
		return
	}
	today := dates.Today(time.Now())
	rng, err := queryRange(r, today)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	doc, err := s.store.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.RespondErrorString(w, http.StatusNotFound, "no cached data for entity")
			return
		}
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	rows := doc.SearchTags(term, rng.From, rng.To)
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"entity":    key.String(),
		"query":     term,
		"columns":   doc.Columns,
		"rows":      rows,
		"row_count": len(rows),
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	key, err := entityKey(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	today := dates.Today(time.Now())
	rng, err := queryRange(r, today)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	doc, err := s.store.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.RespondErrorString(w, http.StatusNotFound, "no cached data for entity")
			return
		}
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	scoped := &document.Document{Columns: doc.Columns, Rows: doc.FilterByDate(rng.From, rng.To)}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"entity":  key.String(),
		"from":    rng.From,
		"to":      rng.To,
		"summary": alert.Summarize(scoped, today),
		"trends":  alert.Trends(scoped, today),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Clear(r.Context()); err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("cache cleared")
	httpx.RespondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	key, err := entityKey(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.Delete(r.Context(), key); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.RespondErrorString(w, http.StatusNotFound, "no cached data for entity")
			return
		}
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]string{"deleted": key.String()})
}

func (s *Server) handlePurgeTag(w http.ResponseWriter, r *http.Request) {
	tag := mux.Vars(r)["tag"]
	touched, err := s.store.PurgeTag(r.Context(), tag)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"tag":               tag,
		"documents_touched": touched,
	})
}

func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, s.rules.Snapshot())
}

func (s *Server) handleReplaceRules(w http.ResponseWriter, r *http.Request) {
	var rs rules.RuleSet
	if err := json.NewDecoder(r.Body).Decode(&rs); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.rules.Replace(r.Context(), rs); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, s.rules.Snapshot())
}

func (s *Server) handleAddTagRule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Thresholds map[string]float64 `json:"thresholds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	tag := mux.Vars(r)["tag"]
	if err := s.rules.AddTagRule(r.Context(), tag, body.Thresholds); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, s.rules.Snapshot())
}

func (s *Server) handleRemoveTagRule(w http.ResponseWriter, r *http.Request) {
	tag := mux.Vars(r)["tag"]
	if err := s.rules.RemoveTagRule(r.Context(), tag); err != nil {
		httpx.RespondError(w, http.StatusNotFound, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, s.rules.Snapshot())
}

func (s *Server) handleAddCondition(w http.ResponseWriter, r *http.Request) {
	var cond rules.Condition
	if err := json.NewDecoder(r.Body).Decode(&cond); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.rules.AddCondition(r.Context(), cond); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, s.rules.Snapshot())
}

func (s *Server) handleUpdateThresholds(w http.ResponseWriter, r *http.Request) {
	var updates map[string]float64
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.rules.UpdateGlobalThresholds(r.Context(), updates); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, s.rules.Snapshot())
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", "attachment; filename=tagwatch-snapshot.json")
	if _, err := export.WriteJSON(r.Context(), s.store, w); err != nil {
		s.log.Warnw("export failed", "error", err)
	}
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	res, err := export.Import(r.Context(), s.store, r.Body, dates.Today(time.Now()))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, res)
}

func (s *Server) handleCollectorStatus(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, s.coll.Status())
}

func (s *Server) handleCollectorRun(w http.ResponseWriter, r *http.Request) {
	summary, err := s.coll.RunOnce(r.Context())
	if err != nil {
		if collector.IsAlreadyRunning(err) {
			httpx.RespondError(w, http.StatusConflict, err)
			return
		}
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, summary)
}
