package main

import (
	"fmt"
	"sync"

	"github.com/myh1000/concord-bft/model/flow"
	"github.com/myh1000/concord-bft/model/messages"
)

// inMemoryAppState is a minimal statetransfer.AppState for standalone
// operation. A production deployment plugs in the consensus layer's own
// block store instead; this exists so the binary is runnable on its own
// for local testing and demos.
type inMemoryAppState struct {
	mu     sync.RWMutex
	blocks map[uint64][]byte
	last   uint64
}

func newInMemoryAppState() *inMemoryAppState {
	return &inMemoryAppState{blocks: make(map[uint64][]byte)}
}

func (a *inMemoryAppState) GetLastReachableBlockNum() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

func (a *inMemoryAppState) GetLastBlockNum() uint64 {
	return a.GetLastReachableBlockNum()
}

func (a *inMemoryAppState) HasBlock(n uint64) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.blocks[n]
	return ok
}

func (a *inMemoryAppState) GetBlock(n uint64) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.blocks[n]
	return b, ok
}

func (a *inMemoryAppState) GetPrevDigestFromBlock(n uint64) (flow.Digest, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.blocks[n]
	if !ok {
		return flow.Digest{}, fmt.Errorf("block %d not present", n)
	}
	if n == 0 {
		return flow.ZeroDigest, nil
	}
	return messages.DigestOfBlock(n-1, a.blocks[n-1]), nil
}

func (a *inMemoryAppState) PutBlock(n uint64, bytes []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.blocks[n]; ok && string(existing) != string(bytes) {
		return fmt.Errorf("block %d already stored with different content", n)
	}
	a.blocks[n] = bytes
	if n > a.last {
		a.last = n
	}
	return nil
}
