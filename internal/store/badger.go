package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerOptions configures the embedded LSM store.
type BadgerOptions struct {
	// Path is the data directory; ignored when InMemory is set.
	Path     string
	InMemory bool
	// Prefix namespaces keys so the database can be shared.
	Prefix string
}

type badgerStore struct {
	db     *badger.DB
	prefix []byte
}

// NewBadger opens a badger database. Entry TTLs are enforced by badger
// itself, so expired keys disappear without a sweep.
func NewBadger(opts BadgerOptions) (Store, error) {
	var bopts badger.Options
	switch {
	case opts.InMemory:
		bopts = badger.DefaultOptions("").WithInMemory(true)
	case opts.Path != "":
		bopts = badger.DefaultOptions(opts.Path)
	default:
		return nil, errors.New("store: badger path required unless inMemory is set")
	}
	bopts = bopts.WithLogger(nil)
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger: %w", err)
	}
	return &badgerStore{db: db, prefix: []byte(opts.Prefix)}, nil
}

func (s *badgerStore) makeKey(key string) []byte {
	out := make([]byte, 0, len(s.prefix)+len(key))
	out = append(out, s.prefix...)
	return append(out, key...)
}

func (s *badgerStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	var payload []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.makeKey(key))
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: badger get: %w", err)
	}
	return payload, true, nil
}

func (s *badgerStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("store: badger ttl required")
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(s.makeKey(key), cloneBytes(value)).WithTTL(ttl))
	})
	if err != nil {
		return fmt.Errorf("store: badger set: %w", err)
	}
	return nil
}

func (s *badgerStore) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.makeKey(key))
	})
	if err != nil {
		return fmt.Errorf("store: badger delete: %w", err)
	}
	return nil
}

func (s *badgerStore) Size(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = s.prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: badger size: %w", err)
	}
	return count, nil
}

func (s *badgerStore) Close(context.Context) error {
	return s.db.Close()
}
