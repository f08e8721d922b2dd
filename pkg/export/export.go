// Package export backs up and restores the cache document store as a
// single JSON snapshot, for migrations between backends and for seeding
// test environments.
package export

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/friendsofgo/errors"

	"tagwatch/pkg/document"
	"tagwatch/pkg/store"
)

// Snapshot is the on-disk backup format: every cache document keyed by
// its entity key text form, plus metadata about when it was taken.
type Snapshot struct {
	Metadata struct {
		ExportedAt    time.Time `json:"exported_at"`
		DocumentCount int       `json:"document_count"`
		Version       string    `json:"version"`
	} `json:"metadata"`
	Documents map[string]*document.Document `json:"documents"`
}

const snapshotVersion = "1"

// Export reads every document from the store into a snapshot.
func Export(ctx context.Context, st store.Store) (*Snapshot, error) {
	keys, err := st.Keys(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list entities")
	}

	snap := &Snapshot{Documents: make(map[string]*document.Document, len(keys))}
	for _, key := range keys {
		doc, err := st.Get(ctx, key)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", key.String())
		}
		snap.Documents[key.String()] = doc
	}
	snap.Metadata.ExportedAt = time.Now()
	snap.Metadata.DocumentCount = len(snap.Documents)
	snap.Metadata.Version = snapshotVersion
	return snap, nil
}

// WriteJSON streams a snapshot to w.
func WriteJSON(ctx context.Context, st store.Store, w io.Writer) (*Snapshot, error) {
	snap, err := Export(ctx, st)
	if err != nil {
		return nil, err
	}
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		return nil, errors.Wrap(err, "encode snapshot")
	}
	return snap, nil
}

// ImportResult reports what a restore did.
type ImportResult struct {
	Documents    int      `json:"documents"`
	RowsAppended int      `json:"rows_appended"`
	Skipped      []string `json:"skipped,omitempty"`
}

// Import merges a snapshot into the store. Existing rows win: the merge
// path deduplicates on (date_key, tag_id), so restoring over live data
// only fills holes. Unparseable keys and invalid documents are skipped
// and reported, never fatal.
func Import(ctx context.Context, st store.Store, r io.Reader, today string) (*ImportResult, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, errors.Wrap(err, "decode snapshot")
	}

	res := &ImportResult{}
	for keyText, doc := range snap.Documents {
		key, ok := store.ParseKey(keyText)
		if !ok {
			res.Skipped = append(res.Skipped, keyText)
			continue
		}
		if doc == nil {
			res.Skipped = append(res.Skipped, keyText)
			continue
		}
		appended, err := st.Merge(ctx, key, doc.Columns, doc.Rows, today)
		if err != nil {
			res.Skipped = append(res.Skipped, keyText)
			continue
		}
		res.Documents++
		res.RowsAppended += appended
	}
	return res, nil
}
