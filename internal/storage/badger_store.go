package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/devghori1264/aerophoenix/powerbot/internal/models"
	badger "github.com/dgraph-io/badger/v4"
)

var (
	ErrNotFound = errors.New("not found")
)

// Registry remembers where each layout was last published per channel.
type Registry interface {
	Put(ctx context.Context, key string, loc models.Location) error
	Get(ctx context.Context, key string) (models.Location, error)
	Remove(ctx context.Context, key string) error
	ListKeys(ctx context.Context) ([]string, error)
	Close() error
}

// BadgerStore implements Registry with Badger DB.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the registry at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil                         // badger is chatty; we log at the call sites
	opts = opts.WithValueLogFileSize(1 << 20) // records are tiny
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

// NewInMemoryStore returns a registry that lives only as long as the process.
func NewInMemoryStore() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

const keyPrefix = "message:"

func messageKey(key string) []byte {
	return []byte(keyPrefix + key)
}

// Put stores loc under key, overwriting any previous record.
func (s *BadgerStore) Put(ctx context.Context, key string, loc models.Location) error {
	data, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(key), data)
	})
}

func (s *BadgerStore) Get(ctx context.Context, key string) (models.Location, error) {
	var out models.Location
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(messageKey(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return models.Location{}, err
	}
	return out, nil
}

// Remove deletes key. Removing a missing key is not an error.
func (s *BadgerStore) Remove(ctx context.Context, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(messageKey(key))
	})
}

func (s *BadgerStore) ListKeys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

var _ Registry = (*BadgerStore)(nil)
