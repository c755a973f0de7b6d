package blockstore

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"
)

// Memory is an in-memory block store, used for temporary validation storage
// built from CAR bytes (spec §4.1) and as the default store for freshly
// created repositories. Grounded on the teacher's MemBlockstore.
type Memory struct {
	mu     sync.RWMutex
	blocks map[string][]byte // keyed by cid.KeyString()
	cids   map[string]cid.Cid
}

// NewMemory creates an empty in-memory block store.
func NewMemory() *Memory {
	return &Memory{
		blocks: make(map[string][]byte, 64),
		cids:   make(map[string]cid.Cid, 64),
	}
}

func (m *Memory) Get(_ context.Context, c cid.Cid) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blocks[c.KeyString()]
	return data, ok, nil
}

func (m *Memory) Has(_ context.Context, c cid.Cid) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[c.KeyString()]
	return ok, nil
}

func (m *Memory) GetMany(_ context.Context, cids []cid.Cid) (map[cid.Cid][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[cid.Cid][]byte, len(cids))
	for _, c := range cids {
		if data, ok := m.blocks[c.KeyString()]; ok {
			out[c] = data
		}
	}
	return out, nil
}

func (m *Memory) Put(_ context.Context, data []byte) (cid.Cid, error) {
	c, err := ComputeCID(data)
	if err != nil {
		return cid.Undef, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := c.KeyString()
	if _, ok := m.blocks[key]; !ok {
		m.blocks[key] = data
		m.cids[key] = c
	}
	return c, nil
}

func (m *Memory) PutMany(_ context.Context, blocks map[cid.Cid][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c, data := range blocks {
		key := c.KeyString()
		if _, ok := m.blocks[key]; !ok {
			m.blocks[key] = data
			m.cids[key] = c
		}
	}
	return nil
}

func (m *Memory) ApplyCommit(_ context.Context, blocks map[cid.Cid][]byte, deletedCids []cid.Cid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c, data := range blocks {
		key := c.KeyString()
		if _, ok := m.blocks[key]; !ok {
			m.blocks[key] = data
			m.cids[key] = c
		}
	}
	for _, c := range deletedCids {
		key := c.KeyString()
		delete(m.blocks, key)
		delete(m.cids, key)
	}
	return nil
}

// All returns a copy of every block currently held, keyed by CID, in no
// particular order.
func (m *Memory) All() map[cid.Cid][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[cid.Cid][]byte, len(m.blocks))
	for key, data := range m.blocks {
		out[m.cids[key]] = data
	}
	return out
}

// Len reports the number of blocks held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blocks)
}
