package realtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

const mediaKeyPrefix = "media:"

// BadgerMediaStore is a MediaStore backed by an embedded BadgerDB. It is the
// single-node blob backend; keys are namespaced under "media:" so the same
// database directory could host other keyspaces later.
//
// Ownership model: the store owns the DB handle and closes it in Close.
type BadgerMediaStore struct {
	db    *badger.DB
	owned bool
}

// OpenBadgerMediaStore opens (or creates) a Badger database at dir.
func OpenBadgerMediaStore(dir string) (*BadgerMediaStore, error) {
	opts := badger.DefaultOptions(dir)
	// Badger logs through its own logger by default; keep it quiet and let
	// slog own process output.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger media store: %w", err)
	}
	return &BadgerMediaStore{db: db, owned: true}, nil
}

// NewBadgerMediaStore wraps an existing DB handle. The caller keeps ownership;
// Close is then a no-op.
func NewBadgerMediaStore(db *badger.DB) *BadgerMediaStore {
	return &BadgerMediaStore{db: db}
}

// Put stores data under key.
func (s *BadgerMediaStore) Put(ctx context.Context, key string, data []byte) error {
	if s == nil || s.db == nil {
		return errors.New("realtime: nil media store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(mediaKey(key), data)
	})
}

// Get returns the object stored under key.
func (s *BadgerMediaStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("realtime: nil media store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(mediaKey(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrMediaNotFound
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the object under key. Absent keys are not an error.
func (s *BadgerMediaStore) Delete(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return errors.New("realtime: nil media store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(mediaKey(key))
	})
}

// Close closes the underlying database when this store opened it.
func (s *BadgerMediaStore) Close() error {
	if s == nil || s.db == nil || !s.owned {
		return nil
	}
	return s.db.Close()
}

func mediaKey(key string) []byte {
	return []byte(mediaKeyPrefix + key)
}
