// Package badgerstore persists cache documents in BadgerDB (LSM tree),
// one JSON-encoded document per entity key plus a configuration slot for
// the alert-rule document.
package badgerstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/friendsofgo/errors"

	"tagwatch/pkg/document"
	"tagwatch/pkg/store"
)

const (
	docPrefix = "doc:"
	rulesKey  = "config:alert_rules"
)

// Store implements store.Store using BadgerDB.
type Store struct {
	db *badger.DB
}

// Config holds BadgerDB configuration.
type Config struct {
	// Path to store database files.
	Path string

	// InMemory mode (for testing).
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = defaults).
	MaxMemoryMB int64
}

// New opens a BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Documents are read-modify-write blobs of a few MB at most; keep
	// Badger's memory appetite bounded the same way regardless of host.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumCompactors(1).
		WithValueThreshold(1024).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}
	return &Store{db: db}, nil
}

// Get returns the document for the key, or store.ErrNotFound.
func (s *Store) Get(ctx context.Context, key store.Key) (*document.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var doc document.Document
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(docPrefix + key.String()))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &doc)
		})
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Merge appends new rows into the keyed document inside one transaction,
// creating the document on first write.
func (s *Store) Merge(ctx context.Context, key store.Key, columns []string, rows []document.Row, today string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	appended := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		doc := document.New(columns)
		item, err := txn.Get([]byte(docPrefix + key.String()))
		if err == nil {
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, doc)
			}); err != nil {
				return errors.Wrap(err, "decode document")
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		appended, err = doc.Merge(columns, rows, today)
		if err != nil {
			return err
		}
		doc.UpdatedAt = time.Now()

		data, err := json.Marshal(doc)
		if err != nil {
			return errors.Wrap(err, "encode document")
		}
		return txn.Set([]byte(docPrefix+key.String()), data)
	})
	if err != nil {
		return 0, err
	}
	return appended, nil
}

// Delete removes one document.
func (s *Store) Delete(ctx context.Context, key store.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		k := []byte(docPrefix + key.String())
		if _, err := txn.Get(k); errors.Is(err, badger.ErrKeyNotFound) {
			return store.ErrNotFound
		}
		return txn.Delete(k)
	})
}

// Keys lists every stored entity key.
func (s *Store) Keys(ctx context.Context) ([]store.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []store.Key
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(docPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			name := string(it.Item().Key())[len(docPrefix):]
			if key, ok := store.ParseKey(name); ok {
				keys = append(keys, key)
			}
		}
		return nil
	})
	return keys, err
}

// PurgeTag removes a tag's rows from every document. Runs as a scan in a
// goroutine so a cancelled context cannot leave the caller blocked on a
// large cache.
func (s *Store) PurgeTag(ctx context.Context, tagID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	type result struct {
		touched int
		err     error
	}
	done := make(chan result, 1)

	go func() {
		var res result
		res.err = s.db.Update(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(docPrefix)

			it := txn.NewIterator(opts)
			defer it.Close()

			type update struct {
				key  []byte
				data []byte // nil means delete
			}
			var updates []update
			var iterCount int

			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%100 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				item := it.Item()
				var doc document.Document
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &doc)
				}); err != nil {
					return errors.Wrap(err, "decode document")
				}

				if doc.RemoveTag(tagID) == 0 {
					continue
				}
				key := item.KeyCopy(nil)
				if len(doc.Rows) == 0 {
					updates = append(updates, update{key: key})
					continue
				}
				doc.UpdatedAt = time.Now()
				data, err := json.Marshal(&doc)
				if err != nil {
					return errors.Wrap(err, "encode document")
				}
				updates = append(updates, update{key: key, data: data})
			}

			for _, u := range updates {
				if u.data == nil {
					if err := txn.Delete(u.key); err != nil {
						return err
					}
				} else if err := txn.Set(u.key, u.data); err != nil {
					return err
				}
				res.touched++
			}
			return nil
		})
		done <- res
	}()

	select {
	case res := <-done:
		return res.touched, res.err
	case <-ctx.Done():
		return 0, errors.Wrap(ctx.Err(), "purge cancelled")
	}
}

// Clear removes every cache document, leaving the rules slot intact.
func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(docPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stats summarizes the cache contents. Runs the scan in a goroutine with
// periodic context checks, matching the other long iterations.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type result struct {
		stats *store.Stats
		err   error
	}
	done := make(chan result, 1)

	go func() {
		stats := &store.Stats{}
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(docPrefix)

			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%100 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				item := it.Item()
				name := string(item.Key())[len(docPrefix):]
				key, ok := store.ParseKey(name)
				if !ok {
					continue
				}
				stats.Documents++
				switch key.Class {
				case store.Seat:
					stats.SeatDocuments++
				case store.Publisher:
					stats.PublisherDocuments++
				}

				var doc document.Document
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &doc)
				}); err != nil {
					return errors.Wrap(err, "decode document")
				}
				stats.TotalRows += len(doc.Rows)
				for date := range doc.CachedDates() {
					if stats.OldestDate == "" || date < stats.OldestDate {
						stats.OldestDate = date
					}
					if date > stats.NewestDate {
						stats.NewestDate = date
					}
				}
			}
			return nil
		})
		done <- result{stats: stats, err: err}
	}()

	select {
	case res := <-done:
		return res.stats, res.err
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "stats cancelled")
	}
}

// LoadRules returns the serialized alert-rule document.
func (s *Store) LoadRules(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(rulesKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// SaveRules replaces the serialized alert-rule document.
func (s *Store) SaveRules(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(rulesKey), data)
	})
}

// RunGC runs BadgerDB's value log garbage collection.
func (s *Store) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Close shuts down BadgerDB cleanly.
func (s *Store) Close() error {
	return s.db.Close()
}
