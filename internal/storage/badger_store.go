// internal/storage/badger_store.go
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	lscerrors "lsc/internal/errors"
)

// OpenBadger opens (or creates) a badger database at path. An empty path
// opens an in-memory database.
func OpenBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %q: %w", path, err)
	}
	return db, nil
}

// BadgerStore stores JSON values under "<prefix>:<id>" keys. All methods
// run inside a caller supplied transaction so several stores can change
// together atomically.
type BadgerStore struct {
	db     *badger.DB
	prefix string
}

func NewBadgerStore(db *badger.DB, prefix string) *BadgerStore {
	return &BadgerStore{
		db:     db,
		prefix: prefix,
	}
}

func (s *BadgerStore) makeKey(id string) []byte {
	return []byte(s.prefix + ":" + id)
}

func (s *BadgerStore) stripPrefix(key []byte) string {
	return strings.TrimPrefix(string(key), s.prefix+":")
}

// Create stores v under id, failing if id is taken.
func (s *BadgerStore) Create(txn *badger.Txn, id string, v any) error {
	if id == "" {
		return fmt.Errorf("%s id cannot be empty", s.prefix)
	}
	exists, err := s.Exists(txn, id)
	if err != nil {
		return err
	}
	if exists {
		return lscerrors.AlreadyExists(fmt.Sprintf("%s %s already exists", s.prefix, id))
	}
	return s.Put(txn, id, v)
}

// Put stores v under id, replacing any previous value.
func (s *BadgerStore) Put(txn *badger.Txn, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", s.prefix, err)
	}
	return txn.Set(s.makeKey(id), data)
}

// Get decodes the value stored under id into v.
func (s *BadgerStore) Get(txn *badger.Txn, id string, v any) error {
	item, err := txn.Get(s.makeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return lscerrors.NotFound(fmt.Sprintf("%s %s not found", s.prefix, id))
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func (s *BadgerStore) Exists(txn *badger.Txn, id string) (bool, error) {
	_, err := txn.Get(s.makeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *BadgerStore) Delete(txn *badger.Txn, id string) error {
	exists, err := s.Exists(txn, id)
	if err != nil {
		return err
	}
	if !exists {
		return lscerrors.NotFound(fmt.Sprintf("%s %s not found", s.prefix, id))
	}
	return txn.Delete(s.makeKey(id))
}

// Scan calls fn for every entry whose id starts with sub.
func (s *BadgerStore) Scan(txn *badger.Txn, sub string, fn func(id string, val []byte) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	prefix := s.makeKey(sub)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		id := s.stripPrefix(item.KeyCopy(nil))
		if err := item.Value(func(val []byte) error {
			return fn(id, val)
		}); err != nil {
			return err
		}
	}
	return nil
}

// List decodes every entry whose id starts with sub.
func List[T any](txn *badger.Txn, s *BadgerStore, sub string) ([]*T, error) {
	var out []*T
	err := s.Scan(txn, sub, func(id string, val []byte) error {
		v := new(T)
		if err := json.Unmarshal(val, v); err != nil {
			return fmt.Errorf("decoding %s %s: %w", s.prefix, id, err)
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

// Update runs fn in a read-write transaction. A write conflict with a
// concurrent transaction is reported as ConcurrentModification.
func Update(db *badger.DB, fn func(txn *badger.Txn) error) error {
	err := db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		return lscerrors.ConcurrentModification("concurrent update, retry")
	}
	return err
}

// UpdateRetry is Update retried a few times on write conflicts, for
// operations whose outcome is decided by re-reading state.
func UpdateRetry(db *badger.DB, attempts int, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return lscerrors.ConcurrentModification("concurrent update, retry")
}
