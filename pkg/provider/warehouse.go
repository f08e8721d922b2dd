package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/friendsofgo/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tagwatch/pkg/config"
	"tagwatch/pkg/dates"
	"tagwatch/pkg/document"
	"tagwatch/pkg/store"
)

// ClientConfig holds the analytical query endpoint settings.
type ClientConfig struct {
	URL        string
	Token      string
	Schema     string
	DatabaseID int

	// Interval spaces provider calls out as a courtesy to the upstream
	// service. Zero disables the pause.
	Interval time.Duration
}

// Client executes SQL-lab style queries against the analytical warehouse
// API and normalizes the {columns, data} payload shapes it returns.
type Client struct {
	http    *http.Client
	cfg     ClientConfig
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

// NewClient creates a warehouse client. Calls share one rate limiter so
// concurrent reconciliations stay within the courtesy pacing.
func NewClient(cfg ClientConfig, log *zap.SugaredLogger) *Client {
	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval)
	}
	return &Client{
		http:    &http.Client{Timeout: config.ProviderTimeout},
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		log:     log,
	}
}

type executeRequest struct {
	DatabaseID int    `json:"database_id"`
	SQL        string `json:"sql"`
	Schema     string `json:"schema"`
}

// Fetch runs the per-class query for one entity and date range.
func (c *Client) Fetch(ctx context.Context, class store.EntityClass, entityID string, r dates.Range) ([]string, []document.Row, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	var sql string
	switch class {
	case store.Seat:
		sql = seatQuery(entityID, r)
	case store.Publisher:
		sql = publisherQuery(entityID, r)
	default:
		return nil, nil, errors.Errorf("unknown entity class %q", class)
	}

	body, err := json.Marshal(executeRequest{
		DatabaseID: c.cfg.DatabaseID,
		SQL:        sql,
		Schema:     c.cfg.Schema,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	c.log.Debugw("executing warehouse query", "class", class, "entity", entityID, "range", r.String())

	resp, err := c.http.Do(req)
	if err != nil {
		if IsTimeout(err) {
			return nil, nil, errors.Wrapf(ErrTimeout, "query %s %s", entityID, r)
		}
		return nil, nil, errors.Wrap(err, "execute query")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, nil, errors.Errorf("warehouse rejected credentials (status %d)", resp.StatusCode)
	case http.StatusGatewayTimeout:
		return nil, nil, errors.Wrapf(ErrTimeout, "query %s %s", entityID, r)
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, nil, errors.Errorf("warehouse returned status %d: %s", resp.StatusCode, snippet)
	}

	var payload any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, nil, errors.Wrap(err, "decode response")
	}
	return normalizePayload(payload)
}

// normalizePayload extracts (columns, rows) from the response shapes the
// warehouse API is known to produce: a result envelope under "data", a
// direct {columns, data} object, or a bare list of row objects.
func normalizePayload(v any) ([]string, []document.Row, error) {
	switch p := v.(type) {
	case map[string]any:
		if inner, ok := p["data"]; ok {
			switch d := inner.(type) {
			case map[string]any:
				return columnsAndRows(d["columns"], d["data"])
			case []any:
				return columnsAndRows(p["columns"], d)
			}
		}
		return columnsAndRows(p["columns"], p["data"])
	case []any:
		return columnsAndRows(nil, p)
	}
	return nil, nil, errors.Errorf("unexpected response payload %T", v)
}

func columnsAndRows(rawCols, rawRows any) ([]string, []document.Row, error) {
	columns := normalizeColumns(rawCols)

	list, _ := rawRows.([]any)
	if len(list) == 0 {
		return columns, nil, nil
	}

	// Object rows carry their own column names; derive a stable order
	// when the payload did not declare one.
	if _, isObject := list[0].(map[string]any); isObject && len(columns) == 0 {
		first := list[0].(map[string]any)
		for name := range first {
			columns = append(columns, name)
		}
		sort.Strings(columns)
	}

	rows := make([]document.Row, 0, len(list))
	for _, item := range list {
		switch row := item.(type) {
		case []any:
			rows = append(rows, document.Row(row))
		case map[string]any:
			tuple := make(document.Row, len(columns))
			for i, name := range columns {
				tuple[i] = row[name]
			}
			rows = append(rows, tuple)
		default:
			return nil, nil, errors.Errorf("unexpected row shape %T", item)
		}
	}
	return columns, rows, nil
}

func normalizeColumns(raw any) []string {
	list, _ := raw.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		switch c := item.(type) {
		case string:
			out = append(out, c)
		case map[string]any:
			for _, key := range []string{"name", "column_name", "label"} {
				if name, ok := c[key].(string); ok {
					out = append(out, name)
					break
				}
			}
		}
	}
	return out
}

// escapeLiteral guards SQL string literals built into the query text.
func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func seatQuery(seatID string, r dates.Range) string {
	return fmt.Sprintf(`
SELECT
    t.name AS tag_name,
    m.seat_id,
    m.tag_id,
    SUM(m.ad_query_requests) AS total_ad_query_requests,
    SUM(m.ad_query_responses) AS total_ad_query_responses,
    SUM(m.ad_slot_requests) AS total_ad_slot_requests,
    SUM(m.ad_slot_responses) AS total_ad_slot_responses,
    SUM(m.ad_creative_fetches) AS total_ad_creative_fetches,
    SUM(m.ad_creative_responses) AS total_ad_creative_responses,
    SUM(m.num_impressions) AS total_impressions,
    m.date_key
FROM advertising.agg_tag_metrics_daily m
LEFT JOIN ads.dim_tags_history t ON m.tag_id = t.tag_id AND t.date_key = m.date_key
WHERE m.date_key BETWEEN '%s' AND '%s'
  AND m.seat_id = '%s'
GROUP BY t.name, m.seat_id, m.tag_id, m.date_key
ORDER BY m.date_key DESC`, r.From, r.To, escapeLiteral(seatID))
}

func publisherQuery(publisherID string, r dates.Range) string {
	return fmt.Sprintf(`
WITH aggregated_requests AS (
    SELECT tag_id, date_key,
        SUM(pod_based_ad_requests) AS total_pod_based_ad_requests,
        SUM(num_unfiltered_ad_requests) AS total_num_unfiltered_ad_requests
    FROM advertising.granular_video_ad_requests
    WHERE date_key BETWEEN '%s' AND '%s'
    GROUP BY tag_id, date_key
),
aggregated_impressions AS (
    SELECT tag_id, date_key,
        SUM(num_unfiltered_impressions) AS total_impressions
    FROM advertising.granular_video_ad_impressions
    WHERE date_key BETWEEN '%s' AND '%s'
    GROUP BY tag_id, date_key
)
SELECT
    t.publisher_id,
    t.tag_id,
    t.name AS tag_name,
    r.date_key,
    r.total_pod_based_ad_requests,
    r.total_num_unfiltered_ad_requests,
    i.total_impressions
FROM ads.dim_tags_history t
JOIN aggregated_requests r ON t.tag_id = r.tag_id AND t.date_key = r.date_key
JOIN aggregated_impressions i ON t.tag_id = i.tag_id AND t.date_key = i.date_key
WHERE t.publisher_id = '%s'
ORDER BY t.tag_id, r.date_key DESC`, r.From, r.To, r.From, r.To, escapeLiteral(publisherID))
}
