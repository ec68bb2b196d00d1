// Package badgerstore implements domain.ObservationStore on top of an
// embedded BadgerDB LSM tree, for deployments that want a single
// self-contained data file with no SQL dependency.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tutu-network/forecast-core/internal/domain"
)

// Key prefixes, one byte each, keeping observation rows and the item-index
// rows in disjoint keyspaces so a prefix scan never has to filter by value.
const (
	prefixObservation = byte(0x01) // obs:itemID(len-prefixed):ts(8 bytes BE) -> JSON
	prefixItemIndex   = byte(0x02) // idx:itemID -> empty, existence marker for ItemIDs
)

// Store implements domain.ObservationStore over a *badger.DB.
type Store struct {
	db *badger.DB
}

// Options mirrors the subset of badger.Options the forecasting core cares
// about; zero value is a sane on-disk default.
type Options struct {
	DataDir    string
	InMemory   bool
	SyncWrites bool
}

// Open opens (creating if necessary) a BadgerDB store at opts.DataDir.
func Open(opts Options) (*Store, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir).WithLogger(nil)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, domain.NewForecastError(domain.KindStoreUnavailable, "", "open badger store", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func observationKey(itemID string, ts time.Time) []byte {
	idBytes := []byte(itemID)
	buf := make([]byte, 1+2+len(idBytes)+8)
	buf[0] = prefixObservation
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(idBytes)))
	copy(buf[3:], idBytes)
	binary.BigEndian.PutUint64(buf[3+len(idBytes):], uint64(ts.UTC().UnixNano()))
	return buf
}

func observationPrefix(itemID string) []byte {
	idBytes := []byte(itemID)
	buf := make([]byte, 1+2+len(idBytes))
	buf[0] = prefixObservation
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(idBytes)))
	copy(buf[3:], idBytes)
	return buf
}

func itemIndexKey(itemID string) []byte {
	return append([]byte{prefixItemIndex}, []byte(itemID)...)
}

func decodeTimestampFromKey(key []byte) time.Time {
	nanos := int64(binary.BigEndian.Uint64(key[len(key)-8:]))
	return time.Unix(0, nanos).UTC()
}

type storedObservation struct {
	Quantity float64                  `json:"quantity"`
	Source   domain.ObservationSource `json:"source"`
}

// Append writes obs. Appending at an existing (item_id, ts) overwrites the
// prior value, matching domain.Observation's "later record wins" rule.
func (s *Store) Append(ctx context.Context, obs domain.Observation) error {
	data, err := json.Marshal(storedObservation{Quantity: obs.Quantity, Source: obs.Source})
	if err != nil {
		return domain.NewForecastError(domain.KindStoreUnavailable, obs.ItemID, "encode observation", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(observationKey(obs.ItemID, obs.Timestamp), data); err != nil {
			return err
		}
		return txn.Set(itemIndexKey(obs.ItemID), []byte{})
	})
	if err != nil {
		return domain.NewForecastError(domain.KindStoreUnavailable, obs.ItemID, "append observation", err)
	}
	return nil
}

// Range returns every observation for itemID with timestamp in [from, to],
// oldest first — a single forward prefix scan thanks to the big-endian
// timestamp suffix sorting lexicographically the same as chronologically.
func (s *Store) Range(ctx context.Context, itemID string, from, to time.Time) (domain.ObservationIterator, error) {
	prefix := observationPrefix(itemID)
	lowKey := observationKey(itemID, from)

	var out []domain.Observation
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(lowKey); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			ts := decodeTimestampFromKey(item.KeyCopy(nil))
			if ts.After(to) {
				break
			}
			var stored storedObservation
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &stored)
			}); err != nil {
				return err
			}
			out = append(out, domain.Observation{ItemID: itemID, Timestamp: ts, Quantity: stored.Quantity, Source: stored.Source})
		}
		return nil
	})
	if err != nil {
		return nil, domain.NewForecastError(domain.KindStoreUnavailable, itemID, "range observations", err)
	}
	return &sliceIterator{items: out, idx: -1}, nil
}

// Last returns the most recent observation for itemID, or nil if none exist.
func (s *Store) Last(ctx context.Context, itemID string) (*domain.Observation, error) {
	prefix := observationPrefix(itemID)
	var result *domain.Observation

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Badger's reverse iteration needs a seek key at or past the end of
		// the prefix range to land on the last matching key.
		seekKey := append(append([]byte{}, prefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		it.Seek(seekKey)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		item := it.Item()
		ts := decodeTimestampFromKey(item.KeyCopy(nil))
		var stored storedObservation
		if err := item.Value(func(v []byte) error {
			return json.Unmarshal(v, &stored)
		}); err != nil {
			return err
		}
		result = &domain.Observation{ItemID: itemID, Timestamp: ts, Quantity: stored.Quantity, Source: stored.Source}
		return nil
	})
	if err != nil {
		return nil, domain.NewForecastError(domain.KindStoreUnavailable, itemID, "last observation", err)
	}
	return result, nil
}

// ItemIDs enumerates every item with at least one recorded observation.
func (s *Store) ItemIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixItemIndex}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte{prefixItemIndex}); it.ValidForPrefix([]byte{prefixItemIndex}); it.Next() {
			key := it.Item().KeyCopy(nil)
			ids = append(ids, string(bytes.TrimPrefix(key, []byte{prefixItemIndex})))
		}
		return nil
	})
	if err != nil {
		return nil, domain.NewForecastError(domain.KindStoreUnavailable, "", "list item ids", err)
	}
	return ids, nil
}

type sliceIterator struct {
	items []domain.Observation
	idx   int
}

func (it *sliceIterator) Next() bool {
	it.idx++
	return it.idx < len(it.items)
}
func (it *sliceIterator) Observation() domain.Observation { return it.items[it.idx] }
func (it *sliceIterator) Err() error                      { return nil }
func (it *sliceIterator) Close() error                    { return nil }
