package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tagwatch/pkg/collector"
	"tagwatch/pkg/dates"
	"tagwatch/pkg/document"
	"tagwatch/pkg/provider"
	"tagwatch/pkg/reconcile"
	"tagwatch/pkg/rules"
	"tagwatch/pkg/store"
	"tagwatch/pkg/store/memory"
)

// silentProvider returns no rows, so tests control the cache contents.
type silentProvider struct{}

func (silentProvider) Fetch(context.Context, store.EntityClass, string, dates.Range) ([]string, []document.Row, error) {
	return []string{document.ColDateKey, document.ColTagID}, nil, nil
}

type env struct {
	store  store.Store
	router http.Handler
	today  string
}

func newEnv(t *testing.T, p provider.Provider) *env {
	t.Helper()
	st := memory.New()
	logger := zap.NewNop().Sugar()
	orch := reconcile.New(st, p, 2, logger)
	rm := rules.NewManager(context.Background(), st, logger)
	coll := collector.New(collector.Config{LookbackDays: 2, Workers: 1}, st, orch, logger)
	return &env{
		store:  st,
		router: New(st, orch, rm, coll, logger).Routes(),
		today:  dates.Today(time.Now()),
	}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (e *env) seed(t *testing.T, key store.Key, rows ...document.Row) {
	t.Helper()
	cols := []string{document.ColDateKey, document.ColTagID, document.ColTagName, document.ColImpressions}
	_, err := e.store.Merge(context.Background(), key, cols, rows, e.today)
	require.NoError(t, err)
}

func TestMetricsReconcilingRead(t *testing.T) {
	e := newEnv(t, provider.NewMock())

	from := dates.AddDays(e.today, -3)
	to := dates.Yesterday(e.today)
	rec := e.do(t, "GET", fmt.Sprintf("/v1/entities/seat/s1/metrics?from=%s&to=%s", from, to), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[map[string]any](t, rec)
	require.Equal(t, "seat_id_s1", resp["entity"])
	require.Equal(t, float64(9), resp["row_count"]) // 3 days x 3 mock tags
	require.Equal(t, float64(9), resp["rows_appended"])

	// A second identical read serves from cache.
	rec = e.do(t, "GET", fmt.Sprintf("/v1/entities/seat/s1/metrics?from=%s&to=%s", from, to), nil)
	resp = decode[map[string]any](t, rec)
	require.Equal(t, float64(9), resp["row_count"])
	require.Equal(t, float64(0), resp["rows_appended"])
}

func TestMetricsRejectsBadInput(t *testing.T) {
	e := newEnv(t, provider.NewMock())

	rec := e.do(t, "GET", "/v1/entities/team/x/metrics", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, "GET", "/v1/entities/seat/s1/metrics?from=garbage", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, "GET", fmt.Sprintf("/v1/entities/seat/s1/metrics?from=%s&to=%s", e.today, e.today), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEntityAlerts(t *testing.T) {
	e := newEnv(t, silentProvider{})
	key := store.Key{Class: store.Seat, ID: "s1"}
	e.seed(t, key,
		document.Row{dates.AddDays(e.today, -1), "T1", "Tag One", 1000.0},
		document.Row{dates.AddDays(e.today, -2), "T1", "Tag One", 4000.0},
	)

	rec := e.do(t, "GET", "/v1/entities/seat/s1/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[struct {
		Alerts []struct {
			TagID    string  `json:"tag_id"`
			Type     string  `json:"alert_type"`
			Severity string  `json:"severity"`
			Change   float64 `json:"change_percent"`
		} `json:"alerts"`
		AlertCount int `json:"alert_count"`
	}](t, rec)

	require.NotZero(t, resp.AlertCount)
	require.Equal(t, "T1", resp.Alerts[0].TagID)
	require.Equal(t, "day_over_day", resp.Alerts[0].Type)
	require.Equal(t, "high", resp.Alerts[0].Severity)
	require.InDelta(t, -75, resp.Alerts[0].Change, 0.01)
}

func TestAllAlertsAcrossDocuments(t *testing.T) {
	e := newEnv(t, silentProvider{})
	e.seed(t, store.Key{Class: store.Seat, ID: "s1"},
		document.Row{dates.AddDays(e.today, -1), "A", "Tag A", 1000.0},
		document.Row{dates.AddDays(e.today, -2), "A", "Tag A", 4000.0},
	)
	e.seed(t, store.Key{Class: store.Publisher, ID: "p1"},
		document.Row{dates.AddDays(e.today, -1), "B", "Tag B", 1000.0},
		document.Row{dates.AddDays(e.today, -2), "B", "Tag B", 4000.0},
	)

	rec := e.do(t, "GET", "/v1/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[map[string]any](t, rec)
	alerts := resp["alerts"].([]any)
	tags := map[string]bool{}
	for _, a := range alerts {
		tags[a.(map[string]any)["tag_id"].(string)] = true
	}
	require.True(t, tags["A"])
	require.True(t, tags["B"])
}

func TestSearchTags(t *testing.T) {
	e := newEnv(t, silentProvider{})
	key := store.Key{Class: store.Seat, ID: "s1"}
	e.seed(t, key,
		document.Row{dates.AddDays(e.today, -1), "T1", "Video Preroll", 100.0},
		document.Row{dates.AddDays(e.today, -1), "T2", "Banner", 200.0},
	)

	rec := e.do(t, "GET", "/v1/entities/seat/s1/search?q=video", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[map[string]any](t, rec)
	require.Equal(t, float64(1), resp["row_count"])

	rec = e.do(t, "GET", "/v1/entities/seat/s1/search", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, "GET", "/v1/entities/seat/missing/search?q=video", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSummary(t *testing.T) {
	e := newEnv(t, silentProvider{})
	key := store.Key{Class: store.Seat, ID: "s1"}
	e.seed(t, key,
		document.Row{dates.AddDays(e.today, -1), "T1", "Tag One", 1000.0},
		document.Row{dates.AddDays(e.today, -2), "T1", "Tag One", 3000.0},
	)

	rec := e.do(t, "GET", "/v1/entities/seat/s1/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[map[string]any](t, rec)
	summary := resp["summary"].(map[string]any)
	require.Equal(t, float64(4000), summary["total_impressions"])
	require.Equal(t, float64(2), summary["days"])
}

func TestStatsAndHealth(t *testing.T) {
	e := newEnv(t, silentProvider{})
	e.seed(t, store.Key{Class: store.Seat, ID: "s1"},
		document.Row{dates.AddDays(e.today, -1), "T1", "Tag One", 100.0})

	rec := e.do(t, "GET", "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[map[string]any](t, rec)
	require.Equal(t, float64(1), stats["documents"])

	rec = e.do(t, "GET", "/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminCachePurges(t *testing.T) {
	e := newEnv(t, silentProvider{})
	e.seed(t, store.Key{Class: store.Seat, ID: "s1"},
		document.Row{dates.AddDays(e.today, -1), "T1", "Tag One", 100.0},
		document.Row{dates.AddDays(e.today, -1), "T2", "Tag Two", 100.0},
	)

	rec := e.do(t, "DELETE", "/v1/admin/tags/T1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[map[string]any](t, rec)
	require.Equal(t, float64(1), resp["documents_touched"])

	rec = e.do(t, "DELETE", "/v1/admin/entities/seat/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, "DELETE", "/v1/admin/entities/seat/s1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, "DELETE", "/v1/admin/cache", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRulesCRUD(t *testing.T) {
	e := newEnv(t, silentProvider{})

	rec := e.do(t, "GET", "/v1/admin/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rs := decode[rules.RuleSet](t, rec)
	require.Equal(t, float64(35), rs.GlobalThresholds.DayOverDayDrop)

	rec = e.do(t, "POST", "/v1/admin/rules/tags/T1", map[string]any{
		"thresholds": map[string]float64{"day_over_day": 10},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rs = decode[rules.RuleSet](t, rec)
	require.Equal(t, float64(10), rs.TagRules["T1"].Thresholds["day_over_day"])

	rec = e.do(t, "POST", "/v1/admin/rules/tags/T1", map[string]any{
		"thresholds": map[string]float64{"bogus": 10},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, "PUT", "/v1/admin/rules/thresholds", map[string]float64{"week_over_week": 30})
	require.Equal(t, http.StatusOK, rec.Code)
	rs = decode[rules.RuleSet](t, rec)
	require.Equal(t, float64(30), rs.GlobalThresholds.WeekOverWeekDrop)

	rec = e.do(t, "POST", "/v1/admin/rules/conditions", rules.Condition{Type: "severity_minimum", Severity: "medium"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, "DELETE", "/v1/admin/rules/tags/T1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, "DELETE", "/v1/admin/rules/tags/T1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExportImportEndpoints(t *testing.T) {
	e := newEnv(t, silentProvider{})
	e.seed(t, store.Key{Class: store.Seat, ID: "s1"},
		document.Row{dates.AddDays(e.today, -1), "T1", "Tag One", 100.0})

	rec := e.do(t, "GET", "/v1/admin/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snapshot := rec.Body.Bytes()

	fresh := newEnv(t, silentProvider{})
	req := httptest.NewRequest("POST", "/v1/admin/import", bytes.NewReader(snapshot))
	imp := httptest.NewRecorder()
	fresh.router.ServeHTTP(imp, req)
	require.Equal(t, http.StatusOK, imp.Code)
	result := decode[map[string]any](t, imp)
	require.Equal(t, float64(1), result["documents"])
	require.Equal(t, float64(1), result["rows_appended"])
}

func TestCollectorEndpoints(t *testing.T) {
	e := newEnv(t, silentProvider{})

	rec := e.do(t, "GET", "/v1/admin/collector", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[map[string]any](t, rec)
	require.Equal(t, false, status["enabled"])

	rec = e.do(t, "POST", "/v1/admin/collector/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, "GET", "/v1/admin/collector", nil)
	status = decode[map[string]any](t, rec)
	require.NotNil(t, status["last_run"])
}
