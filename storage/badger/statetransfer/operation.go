package statetransfer

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v2"

	"github.com/myh1000/concord-bft/storage"
)

func insert(key []byte, entity interface{}) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		val, err := encodeEntity(entity)
		if err != nil {
			return fmt.Errorf("could not encode entity: %w", err)
		}
		if err := tx.Set(key, val); err != nil {
			return fmt.Errorf("could not store data: %w", err)
		}
		return nil
	}
}

// insertNew behaves like insert, but rejects the write with
// storage.ErrAlreadyExists if the key is already set.
func insertNew(key []byte, entity interface{}) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		_, err := tx.Get(key)
		if err == nil {
			return storage.ErrAlreadyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("could not check key: %w", err)
		}
		return insert(key, entity)(tx)
	}
}

// insertOrRejectMismatch implements the setCheckpointDesc contract:
// writing the same key twice is fine iff the content matches; otherwise
// it is a protocol bug and is rejected.
func insertOrRejectMismatch(key []byte, entity interface{}, equal func(existing []byte) (bool, error)) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		item, err := tx.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return insert(key, entity)(tx)
		}
		if err != nil {
			return fmt.Errorf("could not check key: %w", err)
		}
		var matches bool
		err = item.Value(func(val []byte) error {
			ok, err := equal(val)
			matches = ok
			return err
		})
		if err != nil {
			return fmt.Errorf("could not compare existing value: %w", err)
		}
		if !matches {
			return storage.ErrDataMismatch
		}
		return nil
	}
}

func retrieve(key []byte, entity interface{}) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		item, err := tx.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("could not load data: %w", err)
		}
		return item.Value(func(val []byte) error {
			return decodeEntity(val, entity)
		})
	}
}

func remove(key []byte) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		return tx.Delete(key)
	}
}

func exists(key []byte) func(*badger.Txn) (bool, error) {
	return func(tx *badger.Txn) (bool, error) {
		_, err := tx.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("could not check key: %w", err)
		}
		return true, nil
	}
}

// traverse iterates every key with the given prefix, decoding each value
// into a fresh entity via create, and calling handle with the key's
// numeric suffix stripped off.
func traverse(tx *badger.Txn, prefix []byte, create func() interface{}, handle func(suffix []byte, entity interface{}) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := tx.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.Key()
		entity := create()
		err := item.Value(func(val []byte) error {
			return decodeEntity(val, entity)
		})
		if err != nil {
			return fmt.Errorf("could not decode entity: %w", err)
		}
		if err := handle(key[len(prefix):], entity); err != nil {
			return err
		}
	}
	return nil
}
