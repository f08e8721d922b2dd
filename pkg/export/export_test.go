package export

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"tagwatch/pkg/document"
	"tagwatch/pkg/store"
	"tagwatch/pkg/store/memory"
)

const today = "2026-08-29"

var cols = []string{document.ColDateKey, document.ColTagID, document.ColImpressions}

func seed(t *testing.T, st store.Store, key store.Key, rows ...document.Row) {
	t.Helper()
	_, err := st.Merge(context.Background(), key, cols, rows, today)
	require.NoError(t, err)
}

func TestExportImportRoundTrip(t *testing.T) {
	src := memory.New()
	seed(t, src, store.Key{Class: store.Seat, ID: "s1"},
		document.Row{"2026-08-27", "t1", 100.0},
		document.Row{"2026-08-28", "t1", 200.0},
	)
	seed(t, src, store.Key{Class: store.Publisher, ID: "p1"},
		document.Row{"2026-08-28", "t2", 300.0},
	)

	var buf bytes.Buffer
	snap, err := WriteJSON(context.Background(), src, &buf)
	require.NoError(t, err)
	require.Equal(t, 2, snap.Metadata.DocumentCount)

	dst := memory.New()
	res, err := Import(context.Background(), dst, &buf, today)
	require.NoError(t, err)
	require.Equal(t, 2, res.Documents)
	require.Equal(t, 3, res.RowsAppended)
	require.Empty(t, res.Skipped)

	doc, err := dst.Get(context.Background(), store.Key{Class: store.Seat, ID: "s1"})
	require.NoError(t, err)
	require.Len(t, doc.Rows, 2)
}

func TestImportIsAdditive(t *testing.T) {
	src := memory.New()
	seed(t, src, store.Key{Class: store.Seat, ID: "s1"},
		document.Row{"2026-08-27", "t1", 100.0},
		document.Row{"2026-08-28", "t1", 200.0},
	)
	var buf bytes.Buffer
	_, err := WriteJSON(context.Background(), src, &buf)
	require.NoError(t, err)

	// The destination already has one of the two rows.
	dst := memory.New()
	seed(t, dst, store.Key{Class: store.Seat, ID: "s1"},
		document.Row{"2026-08-27", "t1", 999.0},
	)

	res, err := Import(context.Background(), dst, &buf, today)
	require.NoError(t, err)
	require.Equal(t, 1, res.RowsAppended)

	doc, err := dst.Get(context.Background(), store.Key{Class: store.Seat, ID: "s1"})
	require.NoError(t, err)
	require.Len(t, doc.Rows, 2)
}

func TestImportSkipsBadEntries(t *testing.T) {
	payload := []byte(`{"documents":{
		"bogus_key": {"columns":["date_key","tag_id"],"rows":[]},
		"seat_id_s1": {"columns":["wrong"],"rows":[["x"]]}
	}}`)

	dst := memory.New()
	res, err := Import(context.Background(), dst, bytes.NewReader(payload), today)
	require.NoError(t, err)
	require.Equal(t, 0, res.Documents)
	require.Len(t, res.Skipped, 2)

	_, err = Import(context.Background(), dst, bytes.NewReader([]byte("{broken")), today)
	require.Error(t, err)
}
