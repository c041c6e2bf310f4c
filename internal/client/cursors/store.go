// Package cursors persists the last consumed revision of every synchronizer.
package cursors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/nebula/internal/protocol"
	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "cursor/"

var errMissingPath = errors.New("cursors: path is required")

// Store is a badger-backed cursor table keyed by synchronizer id.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the cursor store under path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errMissingPath
	}
	options := badger.DefaultOptions(path)
	options.Logger = nil
	return open(options)
}

// OpenInMemory opens a store that lives only as long as the process.
func OpenInMemory() (*Store, error) {
	options := badger.DefaultOptions("").WithInMemory(true)
	options.Logger = nil
	return open(options)
}

func open(options badger.Options) (*Store, error) {
	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("cursors: open: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the stored cursor of id, or zero when none was stored.
func (s *Store) Get(id string) (protocol.Revision, error) {
	var cursor protocol.Revision
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return cursor.UnmarshalText(value)
		})
	})
	if err != nil {
		return protocol.ZeroRevision, fmt.Errorf("cursors: get %s: %w", id, err)
	}
	return cursor, nil
}

// Set stores cursor for id. A cursor lower than the stored one is ignored.
func (s *Store) Set(id string, cursor protocol.Revision) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		switch {
		case err == nil:
			var stored protocol.Revision
			if err := item.Value(func(value []byte) error { return stored.UnmarshalText(value) }); err != nil {
				return err
			}
			if !cursor.After(stored) {
				return nil
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		encoded, err := cursor.MarshalText()
		if err != nil {
			return err
		}
		return txn.Set(key(id), encoded)
	})
	if err != nil {
		return fmt.Errorf("cursors: set %s: %w", id, err)
	}
	return nil
}

// Delete forgets the cursor of id.
func (s *Store) Delete(id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(id))
	})
	if err != nil {
		return fmt.Errorf("cursors: delete %s: %w", id, err)
	}
	return nil
}

// All returns every stored cursor.
func (s *Store) All() (map[string]protocol.Revision, error) {
	cursors := make(map[string]protocol.Revision)
	err := s.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Prefix = []byte(keyPrefix)
		iterator := txn.NewIterator(options)
		defer iterator.Close()
		for iterator.Rewind(); iterator.Valid(); iterator.Next() {
			item := iterator.Item()
			var cursor protocol.Revision
			if err := item.Value(func(value []byte) error { return cursor.UnmarshalText(value) }); err != nil {
				return err
			}
			cursors[strings.TrimPrefix(string(item.Key()), keyPrefix)] = cursor
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cursors: list: %w", err)
	}
	return cursors, nil
}

func key(id string) []byte {
	return []byte(keyPrefix + id)
}
