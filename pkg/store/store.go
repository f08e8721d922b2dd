// Package store defines the cache document storage contract.
package store

import (
	"context"

	"github.com/friendsofgo/errors"

	"tagwatch/pkg/document"
)

// EntityClass identifies the kind of entity a document belongs to.
type EntityClass string

const (
	Seat      EntityClass = "seat"
	Publisher EntityClass = "publisher"
)

// ParseClass validates an entity class string.
func ParseClass(s string) (EntityClass, error) {
	switch EntityClass(s) {
	case Seat, Publisher:
		return EntityClass(s), nil
	}
	return "", errors.Errorf("unknown entity class %q", s)
}

// Key identifies one cache document.
type Key struct {
	Class EntityClass
	ID    string
}

// String renders the storage key text form, e.g. "seat_id_0011600001nYnDu".
func (k Key) String() string {
	return string(k.Class) + "_id_" + k.ID
}

// ParseKey parses the text form back into a Key.
func ParseKey(s string) (Key, bool) {
	for _, class := range []EntityClass{Seat, Publisher} {
		prefix := string(class) + "_id_"
		if len(s) > len(prefix) && s[:len(prefix)] == prefix {
			return Key{Class: class, ID: s[len(prefix):]}, true
		}
	}
	return Key{}, false
}

// ErrNotFound is returned when no document exists for a key.
var ErrNotFound = errors.New("document not found")

// Stats summarizes the cache contents.
type Stats struct {
	Documents          int    `json:"documents"`
	SeatDocuments      int    `json:"seat_documents"`
	PublisherDocuments int    `json:"publisher_documents"`
	TotalRows          int    `json:"total_rows"`
	OldestDate         string `json:"oldest_date,omitempty"`
	NewestDate         string `json:"newest_date,omitempty"`
}

// Store persists one document per entity plus the alert-rule configuration
// slot. Merge is the only row-level write path; everything else is reads and
// administrative purges.
type Store interface {
	// Get returns a copy of the document for the key, or ErrNotFound.
	Get(ctx context.Context, key Key) (*document.Document, error)

	// Merge validates and appends new rows into the keyed document,
	// creating it on first write. Returns the appended row count. The
	// document's updated_at advances on any successful merge, including
	// zero-row no-ops.
	Merge(ctx context.Context, key Key, columns []string, rows []document.Row, today string) (int, error)

	// Delete removes one document entirely.
	Delete(ctx context.Context, key Key) error

	// Keys lists every stored entity key.
	Keys(ctx context.Context) ([]Key, error)

	// PurgeTag removes every row for a tag across all documents and
	// deletes documents left empty. Returns the number of documents
	// touched.
	PurgeTag(ctx context.Context, tagID string) (int, error)

	// Clear removes every cache document. The rules slot survives.
	Clear(ctx context.Context) error

	// Stats summarizes cache health.
	Stats(ctx context.Context) (*Stats, error)

	// LoadRules and SaveRules access the serialized alert-rule document.
	// LoadRules returns ErrNotFound when no rules have been saved.
	LoadRules(ctx context.Context) ([]byte, error)
	SaveRules(ctx context.Context, data []byte) error

	// Close cleanly shuts down the backend.
	Close() error
}
