package kv

import (
	"context"
	"errors"
	"strings"

	"github.com/tidwall/buntdb"
)

// BuntStore persists to a single append-only file via buntdb. Keys iterate
// in lexical order, which gives ScanPrefix its sorted contract for free.
type BuntStore struct {
	db *buntdb.DB
}

// NewBuntStore opens (or creates) the store at path; ":memory:" keeps it
// off disk.
func NewBuntStore(path string) (*BuntStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	return &BuntStore{db: db}, nil
}

func (s *BuntStore) Put(_ context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(value), nil)
		return err
	})
}

func (s *BuntStore) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			return err
		}
		out = []byte(v)
		return nil
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BuntStore) ScanPrefix(_ context.Context, prefix string) ([]Pair, error) {
	pairs := make([]Pair, 0)
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			if !strings.HasPrefix(key, prefix) {
				// Keys are sorted; once past the prefix range we can stop.
				return key < prefix
			}
			pairs = append(pairs, Pair{Key: key, Value: []byte(value)})
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return pairs, nil
}

func (s *BuntStore) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil
	}
	return err
}

func (s *BuntStore) Close() error { return s.db.Close() }
