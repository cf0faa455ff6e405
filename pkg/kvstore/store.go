package kvstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-settlement/internal/metrics"
)

// recentlyCreatedWindow bounds which puts are logged at debug level.
const recentlyCreatedWindow = 10 * time.Second

// Entry is a single partial update.
type Entry struct {
	Key   string
	Value any
}

// KeyValue is a scan result.
type KeyValue struct {
	Key   string
	Value Record
}

// KeyFilter bounds a scan over the lexicographic key space of a store.
// Empty bounds are ignored. Limit <= 0 means no limit.
type KeyFilter struct {
	GT      string
	GTE     string
	LT      string
	LTE     string
	Limit   int
	Reverse bool
}

// Store is a logical, prefixed view over a shared LevelDB handle.
//
// Reads are lock-free snapshots. Every write is a read-modify-write merge
// executed under the store's mutex, so concurrent partial updates never drop
// each other's fields.
type Store struct {
	db        *leveldb.DB
	prefix    string
	keyPrefix []byte
	logger    *zap.Logger
	now       func() time.Time

	mu sync.Mutex
}

func newStore(db *leveldb.DB, prefix string, logger *zap.Logger, now func() time.Time) *Store {
	return &Store{
		db:        db,
		prefix:    prefix,
		keyPrefix: []byte("!" + prefix + "!"),
		logger:    logger,
		now:       now,
	}
}

// Prefix returns the composite namespace:prefix of the store.
func (s *Store) Prefix() string {
	return s.prefix
}

func (s *Store) dbKey(key string) []byte {
	k := make([]byte, 0, len(s.keyPrefix)+len(key))
	k = append(k, s.keyPrefix...)
	return append(k, key...)
}

// Get returns the record stored at key, or ErrNotFound.
func (s *Store) Get(key string) (Record, error) {
	raw, err := s.db.Get(s.dbKey(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		s.logger.Error("Get failed", zap.String("key", key), zap.Error(err))
		metrics.StoreOperations.WithLabelValues(s.prefix, "get", "error").Inc()
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return decodeRecord(key, raw)
}

// GetByID returns the record at key, or defaultValue when the key is absent.
// A missing key is not an error and is not logged.
func (s *Store) GetByID(key string, defaultValue Record) (Record, error) {
	rec, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return defaultValue, nil
	}
	if err != nil {
		return defaultValue, err
	}
	if rec == nil {
		return defaultValue, nil
	}
	return rec, nil
}

// BatchGetByIDs loads every id. Ids that resolve to nothing are dropped.
func (s *Store) BatchGetByIDs(ids []string) ([]Record, error) {
	items := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetByID(id, nil)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			items = append(items, rec)
		}
	}
	return items, nil
}

// Update merges data over the current value of key.
func (s *Store) Update(key string, data any) error {
	return s.BatchUpdate([]Entry{{Key: key, Value: data}})
}

// BatchUpdate merges every entry over its current value and writes the
// results as one atomic batch.
func (s *Store) BatchUpdate(entries []Entry) error {
	return s.Transact(func(*Store) ([]Entry, error) {
		return entries, nil
	})
}

// Transact runs fn inside the store's critical section and applies the
// entries it returns as merges in one atomic batch. fn may read through the
// given store; it must not call Update, BatchUpdate or Transact.
func (s *Store) Transact(fn func(tx *Store) ([]Entry, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := fn(s)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	pending := make(map[string]Record, len(entries))
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		data, err := ToRecord(e.Value)
		if err != nil {
			return fmt.Errorf("update %q: %w", e.Key, err)
		}
		current, ok := pending[e.Key]
		if !ok {
			current, err = s.createdOrCurrent(e.Key)
			if err != nil {
				return err
			}
			order = append(order, e.Key)
		}
		pending[e.Key] = merge(current, data)
	}

	batch := new(leveldb.Batch)
	for _, key := range order {
		value := pending[key]
		raw, err := encodeRecord(value)
		if err != nil {
			return fmt.Errorf("encode %q: %w", key, err)
		}
		batch.Put(s.dbKey(key), raw)
		s.logPut(key, value)
	}

	if err := s.db.Write(batch, nil); err != nil {
		s.logger.Error("Write failed", zap.Int("entries", len(order)), zap.Error(err))
		metrics.StoreOperations.WithLabelValues(s.prefix, "write", "error").Inc()
		return fmt.Errorf("write batch: %w", err)
	}
	metrics.StoreOperations.WithLabelValues(s.prefix, "write", "ok").Add(float64(len(order)))
	return nil
}

func (s *Store) createdOrCurrent(key string) (Record, error) {
	createdAt, _ := json.Marshal(s.now().UnixMilli())
	return s.GetByID(key, Record{FieldCreatedAt: createdAt})
}

func (s *Store) logPut(key string, value Record) {
	createdAt := value.Int64(FieldCreatedAt)
	if createdAt != 0 && s.now().UnixMilli()-createdAt < recentlyCreatedWindow.Milliseconds() {
		s.logger.Debug("put item", zap.String("key", key))
	}
}

// GetKeys returns the keys matching filter.
func (s *Store) GetKeys(filter KeyFilter) ([]string, error) {
	kv, err := s.GetKeyValues(filter)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(kv))
	for _, item := range kv {
		keys = append(keys, item.Key)
	}
	return keys, nil
}

// GetValues returns the values matching filter.
func (s *Store) GetValues(filter KeyFilter) ([]Record, error) {
	kv, err := s.GetKeyValues(filter)
	if err != nil {
		return nil, err
	}
	values := make([]Record, 0, len(kv))
	for _, item := range kv {
		if item.Value != nil {
			values = append(values, item.Value)
		}
	}
	return values, nil
}

// GetKeyValues scans the store in key order (or reverse key order) within the
// bounds of filter.
func (s *Store) GetKeyValues(filter KeyFilter) ([]KeyValue, error) {
	iter := s.db.NewIterator(s.scanRange(filter), nil)
	defer iter.Release()

	ok, step := iter.First(), iter.Next
	if filter.Reverse {
		ok, step = iter.Last(), iter.Prev
	}

	var kv []KeyValue
	for ; ok; ok = step() {
		key := string(bytes.TrimPrefix(iter.Key(), s.keyPrefix))
		if key == legacyIDsKey {
			continue
		}
		value, err := decodeRecord(key, append([]byte(nil), iter.Value()...))
		if err != nil {
			return nil, err
		}
		kv = append(kv, KeyValue{Key: key, Value: value})
		if filter.Limit > 0 && len(kv) >= filter.Limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		s.logger.Error("Scan failed", zap.Error(err))
		return nil, fmt.Errorf("scan %s: %w", s.prefix, err)
	}
	return kv, nil
}

func (s *Store) scanRange(filter KeyFilter) *util.Range {
	rng := util.BytesPrefix(s.keyPrefix)

	switch {
	case filter.GT != "" && (filter.GTE == "" || filter.GT >= filter.GTE):
		rng.Start = append(s.dbKey(filter.GT), 0)
	case filter.GTE != "":
		rng.Start = s.dbKey(filter.GTE)
	}

	switch {
	case filter.LT != "" && (filter.LTE == "" || filter.LT <= filter.LTE):
		rng.Limit = s.dbKey(filter.LT)
	case filter.LTE != "":
		rng.Limit = append(s.dbKey(filter.LTE), 0)
	}
	return rng
}
