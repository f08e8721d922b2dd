// Package reconcile fills gaps between cached metric documents and the
// provider: it plans the missing date ranges, fetches them with bounded
// concurrency, retries timeouts with smaller chunks, and merges whatever
// arrived into the store.
package reconcile

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/friendsofgo/errors"
	"go.uber.org/zap"

	"tagwatch/pkg/config"
	"tagwatch/pkg/dates"
	"tagwatch/pkg/document"
	"tagwatch/pkg/plan"
	"tagwatch/pkg/provider"
	"tagwatch/pkg/store"
)

// ErrInvalidRange is returned when the requested window is empty after
// clamping, i.e. from is later than the last completed day.
var ErrInvalidRange = errors.New("reconcile: invalid date range")

const lockStripes = 32

// Result reports what one reconciliation did.
type Result struct {
	Document     *document.Document
	Planned      int // missing ranges the planner produced
	Fetched      int // ranges fetched successfully (including retry chunks)
	Failed       int // ranges abandoned after errors
	RowsAppended int
}

// Orchestrator coordinates plan, fetch, and merge for one store/provider
// pair. Reconciliations of the same entity are serialized on a striped
// lock; provider traffic across all entities shares one fetch semaphore.
type Orchestrator struct {
	store    store.Store
	provider provider.Provider
	log      *zap.SugaredLogger

	locks [lockStripes]sync.Mutex
	sem   chan struct{}
}

// New creates an orchestrator with the given fetch concurrency bound.
func New(st store.Store, p provider.Provider, workers int, log *zap.SugaredLogger) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{
		store:    st,
		provider: p,
		log:      log,
		sem:      make(chan struct{}, workers),
	}
}

func (o *Orchestrator) lockFor(key store.Key) *sync.Mutex {
	return &o.locks[xxhash.Sum64String(key.String())%lockStripes]
}

// Reconcile makes the cached document for key cover r (clamped to exclude
// today and later), fetching only the missing dates, and returns the rows
// within the requested window. Individual fetch failures are logged and
// skipped so one bad chunk does not discard the rest.
func (o *Orchestrator) Reconcile(ctx context.Context, key store.Key, r dates.Range, today string) (*Result, error) {
	r.To = dates.ClampBefore(r.To, today)
	if r.From > r.To {
		return nil, ErrInvalidRange
	}

	lock := o.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	doc, err := o.store.Get(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, errors.Wrap(err, "load document")
	}

	missing := plan.Missing(doc, r, today)
	res := &Result{Planned: len(missing)}

	if len(missing) > 0 {
		o.log.Infow("reconciling", "key", key.String(), "range", r.String(), "missing_ranges", len(missing))
		fetched := o.fetchAll(ctx, key, missing, res)
		for _, f := range fetched {
			appended, err := o.store.Merge(ctx, key, f.columns, f.rows, today)
			if err != nil {
				// Structural problems reject the whole chunk; the rest
				// of the fetched data still lands.
				o.log.Warnw("merge rejected", "key", key.String(), "range", f.r.String(), "error", err)
				res.Failed++
				continue
			}
			res.RowsAppended += appended
		}
	}

	doc, err = o.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			res.Document = &document.Document{}
			return res, nil
		}
		return nil, errors.Wrap(err, "reload document")
	}
	res.Document = &document.Document{
		Columns:   doc.Columns,
		Rows:      doc.FilterByDate(r.From, r.To),
		UpdatedAt: doc.UpdatedAt,
	}
	return res, nil
}

type fetched struct {
	r       dates.Range
	columns []string
	rows    []document.Row
}

// fetchAll fetches every missing range concurrently. A range that times
// out is re-split once into smaller chunks and retried; chunks that fail
// again, and non-timeout errors, are counted and dropped.
func (o *Orchestrator) fetchAll(ctx context.Context, key store.Key, ranges []dates.Range, res *Result) []fetched {
	var (
		mu  sync.Mutex
		out []fetched
		wg  sync.WaitGroup
	)

	record := func(f fetched, ok bool) {
		mu.Lock()
		defer mu.Unlock()
		if ok {
			out = append(out, f)
			res.Fetched++
		} else {
			res.Failed++
		}
	}

	for _, r := range ranges {
		wg.Add(1)
		go func(r dates.Range) {
			defer wg.Done()

			select {
			case o.sem <- struct{}{}:
				defer func() { <-o.sem }()
			case <-ctx.Done():
				record(fetched{r: r}, false)
				return
			}

			cols, rows, err := o.provider.Fetch(ctx, key.Class, key.ID, r)
			if err == nil {
				record(fetched{r: r, columns: cols, rows: rows}, true)
				return
			}
			if !provider.IsTimeout(err) {
				o.log.Warnw("fetch failed", "key", key.String(), "range", r.String(), "error", err)
				record(fetched{r: r}, false)
				return
			}

			// One level of retry only: smaller chunks that still time
			// out are abandoned.
			o.log.Warnw("fetch timed out, retrying in smaller chunks", "key", key.String(), "range", r.String())
			for _, sub := range dates.Split(r, config.RetryChunkDays, config.RetryChunkDays) {
				cols, rows, err := o.provider.Fetch(ctx, key.Class, key.ID, sub)
				if err != nil {
					o.log.Warnw("retry fetch failed", "key", key.String(), "range", sub.String(), "error", err)
					record(fetched{r: sub}, false)
					continue
				}
				record(fetched{r: sub, columns: cols, rows: rows}, true)
			}
		}(r)
	}

	wg.Wait()
	return out
}
