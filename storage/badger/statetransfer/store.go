// Package statetransfer implements the durable store contract
// (storage.Store) on top of badger, following the badger-backed storage
// packages elsewhere in this stack: one key-prefix per record kind, a
// msgpack+snappy entity codec, and transactional group writes.
package statetransfer

import (
	"fmt"

	"github.com/dgraph-io/badger/v2"

	"github.com/myh1000/concord-bft/model/flow"
	"github.com/myh1000/concord-bft/model/messages"
	"github.com/myh1000/concord-bft/model/statetransfer"
	"github.com/myh1000/concord-bft/storage"
)

// Store is the badger-backed implementation of storage.Store.
type Store struct {
	db *badger.DB
}

// New wraps an already-opened badger database. Opening/closing the
// database is the caller's responsibility (module/component lifecycle).
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

func (s *Store) WithTransaction(fn func(txn storage.Transaction) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(&transaction{txn: txn})
	})
}

func (s *Store) GetFetchingState() (statetransfer.FetchingState, error) {
	var v uint8
	err := s.db.View(retrieve(makePrefix(codeFetchingState), &v))
	if err != nil {
		return 0, err
	}
	return statetransfer.FetchingState(v), nil
}

func (s *Store) GetCheckpointBeingFetched() (statetransfer.CheckpointDescriptor, error) {
	var desc statetransfer.CheckpointDescriptor
	err := s.db.View(retrieve(makePrefix(codeCheckpointBeingFetched), &desc))
	return desc, err
}

func (s *Store) GetCheckpointDesc(n uint64) (statetransfer.CheckpointDescriptor, error) {
	var desc statetransfer.CheckpointDescriptor
	err := s.db.View(retrieve(makePrefix(codeCheckpointDesc, n), &desc))
	return desc, err
}

func (s *Store) GetStoredCheckpointRange() (first, last uint64, ok bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		var hasFirst, hasLast bool
		ferr := retrieve(makePrefix(codeFirstStoredCheckpoint), &first)(txn)
		if ferr == nil {
			hasFirst = true
		} else if ferr != storage.ErrNotFound {
			return ferr
		}
		lerr := retrieve(makePrefix(codeLastStoredCheckpoint), &last)(txn)
		if lerr == nil {
			hasLast = true
		} else if lerr != storage.ErrNotFound {
			return lerr
		}
		ok = hasFirst && hasLast
		return nil
	})
	return first, last, ok, err
}

func (s *Store) GetFirstRequiredBlock() (uint64, error) {
	var v uint64
	err := s.db.View(retrieve(makePrefix(codeFirstRequiredBlock), &v))
	return v, err
}

func (s *Store) GetLastRequiredBlock() (uint64, error) {
	var v uint64
	err := s.db.View(retrieve(makePrefix(codeLastRequiredBlock), &v))
	return v, err
}

func (s *Store) GetNextRequiredBlock() (uint64, error) {
	var v uint64
	err := s.db.View(retrieve(makePrefix(codeNextRequiredBlock), &v))
	return v, err
}

func (s *Store) GetDigestOfNextRequiredBlock() (flow.Digest, error) {
	var v flow.Digest
	err := s.db.View(retrieve(makePrefix(codeDigestOfNextRequiredBlock), &v))
	return v, err
}

func (s *Store) LoadReservedPage(pageID uint32) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.View(retrieve(makePrefix(codeReservedPage, uint64(pageID)), &bytes))
	if err == storage.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s *Store) GetPageVersion(pageID uint32) (statetransfer.PageVersion, error) {
	var v statetransfer.PageVersion
	err := s.db.View(retrieve(makePrefix(codePageVersion, uint64(pageID)), &v))
	if err == storage.ErrNotFound {
		return statetransfer.PageVersion{PageID: pageID, Written: false}, nil
	}
	return v, err
}

func (s *Store) GetEraseDataStoreFlag() (bool, error) {
	var v bool
	err := s.db.View(retrieve(makePrefix(codeEraseDataStoreFlag), &v))
	if err == storage.ErrNotFound {
		return false, nil
	}
	return v, err
}

type transaction struct {
	txn *badger.Txn
}

func (t *transaction) SetFetchingState(s statetransfer.FetchingState) error {
	return insert(makePrefix(codeFetchingState), uint8(s))(t.txn)
}

func (t *transaction) SetCheckpointDesc(desc statetransfer.CheckpointDescriptor) error {
	key := makePrefix(codeCheckpointDesc, desc.CheckpointNum)
	err := insertOrRejectMismatch(key, desc, func(existing []byte) (bool, error) {
		var have statetransfer.CheckpointDescriptor
		if err := decodeEntity(existing, &have); err != nil {
			return false, err
		}
		return have.Equal(desc), nil
	})(t.txn)
	if err != nil {
		return err
	}
	return t.bumpStoredRange(desc.CheckpointNum)
}

func (t *transaction) bumpStoredRange(n uint64) error {
	var first uint64
	err := retrieve(makePrefix(codeFirstStoredCheckpoint), &first)(t.txn)
	if err == storage.ErrNotFound || n < first {
		if err := insert(makePrefix(codeFirstStoredCheckpoint), n)(t.txn); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	var last uint64
	err = retrieve(makePrefix(codeLastStoredCheckpoint), &last)(t.txn)
	if err == storage.ErrNotFound || n > last {
		if err := insert(makePrefix(codeLastStoredCheckpoint), n)(t.txn); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	return nil
}

func (t *transaction) SetCheckpointBeingFetched(desc statetransfer.CheckpointDescriptor) error {
	return insert(makePrefix(codeCheckpointBeingFetched), desc)(t.txn)
}

func (t *transaction) ClearCheckpointBeingFetched() error {
	return remove(makePrefix(codeCheckpointBeingFetched))(t.txn)
}

func (t *transaction) SetFirstRequiredBlock(n uint64) error {
	return insert(makePrefix(codeFirstRequiredBlock), n)(t.txn)
}

func (t *transaction) SetLastRequiredBlock(n uint64) error {
	return insert(makePrefix(codeLastRequiredBlock), n)(t.txn)
}

func (t *transaction) SetNextRequiredBlock(n uint64) error {
	return insert(makePrefix(codeNextRequiredBlock), n)(t.txn)
}

func (t *transaction) SetDigestOfNextRequiredBlock(d flow.Digest) error {
	return insert(makePrefix(codeDigestOfNextRequiredBlock), d)(t.txn)
}

func (t *transaction) SetPendingResPage(pageID uint32, checkpointNum uint64, bytes []byte) error {
	page := statetransfer.ReservedPage{PageID: pageID, CheckpointNum: checkpointNum, Bytes: bytes}
	return insert(makePrefix(codePendingResPage, uint64(pageID)), page)(t.txn)
}

func (t *transaction) AssociatePendingResPagesWithCheckpoint(c uint64) error {
	prefix := makePrefix(codePendingResPage)
	var toCommit []statetransfer.ReservedPage
	err := traverse(t.txn, prefix, func() interface{} { return &statetransfer.ReservedPage{} },
		func(_ []byte, entity interface{}) error {
			toCommit = append(toCommit, *entity.(*statetransfer.ReservedPage))
			return nil
		})
	if err != nil {
		return fmt.Errorf("could not scan pending reserved pages: %w", err)
	}

	for _, page := range toCommit {
		digest := messages.DigestOfPage(page.PageID, c, page.Bytes)
		version := statetransfer.PageVersion{
			PageID:                page.PageID,
			CheckpointOfLastWrite: c,
			Digest:                digest,
			Written:               true,
		}
		if err := insert(makePrefix(codeReservedPage, uint64(page.PageID)), page.Bytes)(t.txn); err != nil {
			return fmt.Errorf("could not commit reserved page %d: %w", page.PageID, err)
		}
		if err := insert(makePrefix(codePageVersion, uint64(page.PageID)), version)(t.txn); err != nil {
			return fmt.Errorf("could not commit page version %d: %w", page.PageID, err)
		}
		if err := remove(makePrefix(codePendingResPage, uint64(page.PageID)))(t.txn); err != nil {
			return fmt.Errorf("could not clear pending reserved page %d: %w", page.PageID, err)
		}
	}
	return nil
}

func (t *transaction) SetLastStoredCheckpoint(c uint64) error {
	return insert(makePrefix(codeLastStoredCheckpoint), c)(t.txn)
}

func (t *transaction) DeleteCheckpointsUpTo(c uint64) error {
	var first uint64
	err := retrieve(makePrefix(codeFirstStoredCheckpoint), &first)(t.txn)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	for n := first; n < c; n++ {
		if err := remove(makePrefix(codeCheckpointDesc, n))(t.txn); err != nil {
			return fmt.Errorf("could not prune checkpoint %d: %w", n, err)
		}
	}
	return insert(makePrefix(codeFirstStoredCheckpoint), c)(t.txn)
}

func (t *transaction) SetEraseDataStoreFlag() error {
	return insert(makePrefix(codeEraseDataStoreFlag), true)(t.txn)
}
