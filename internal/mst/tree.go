// Package mst implements the immutable, layer-based Merkle Search Tree
// (components C3/C4): deterministic tree shape independent of insertion
// order, split/merge algebra, diff, and proof-path collection. Grounded on
// original_source/crates/jacquard-repo/src/mst/tree.rs, translated from
// Rust's Arc<RwLock<..>>-based lazy node state into a Go *Mst with a single
// sync.RWMutex guarding a lazily-populated entry cache (spec §9).
package mst

import (
	"context"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"

	"github.com/atrepo/engine/internal/blockstore"
	"github.com/atrepo/engine/internal/errs"
)

// nodeEntry is one element of a node's flat in-memory sequence (spec §3.5):
// either a Subtree or a Leaf. A nil Subtree means this entry is a leaf.
type nodeEntry struct {
	subtree *Mst
	key     string
	value   cid.Cid
}

func (e nodeEntry) isSubtree() bool { return e.subtree != nil }

func leafEntry(key string, value cid.Cid) nodeEntry { return nodeEntry{key: key, value: value} }
func subtreeEntry(t *Mst) nodeEntry                 { return nodeEntry{subtree: t} }

// Leaf is a (key, value CID) pair as returned by Leaves.
type Leaf struct {
	Key string
	Cid cid.Cid
}

// Mst is an immutable node of the Merkle Search Tree. Every mutating method
// returns a new *Mst; the receiver is never modified except for its private
// lazy cache, which is safe for concurrent readers (spec §5, §9).
type Mst struct {
	store blockstore.Store

	mu       sync.RWMutex
	loaded   bool
	entries  []nodeEntry
	pointer  cid.Cid
	outdated bool
	layer    *int
}

// New creates an empty MST at layer 0.
func New(store blockstore.Store) *Mst {
	zero := 0
	return &Mst{
		store:    store,
		loaded:   true,
		entries:  nil,
		outdated: true,
		layer:    &zero,
	}
}

// Load builds a lazily-loaded Mst pointing at an existing node CID. layer
// may be nil if unknown; it is then computed on demand from entries.
func Load(store blockstore.Store, c cid.Cid, layer *int) *Mst {
	return &Mst{store: store, pointer: c, layer: layer}
}

// create builds a new Mst from explicit entries, computing (but not
// persisting) its pointer CID immediately.
func create(ctx context.Context, store blockstore.Store, entries []nodeEntry, layer *int) (*Mst, error) {
	t := &Mst{store: store, loaded: true, entries: entries, layer: layer}
	_, c, err := t.nodeBytes(ctx)
	if err != nil {
		return nil, err
	}
	t.pointer = c
	t.outdated = false
	return t, nil
}

// newTree builds a sibling Mst sharing this node's store and layer but with
// a fresh, outdated pointer - the Go analogue of Rust's new_tree.
func (t *Mst) newTree(entries []nodeEntry) *Mst {
	return &Mst{store: t.store, loaded: true, entries: entries, outdated: true, layer: t.layer}
}

// getEntries returns this node's entries, loading and caching them from the
// block store on first access.
func (t *Mst) getEntries(ctx context.Context) ([]nodeEntry, error) {
	t.mu.RLock()
	if t.loaded {
		out := append([]nodeEntry(nil), t.entries...)
		t.mu.RUnlock()
		return out, nil
	}
	ptr := t.pointer
	t.mu.RUnlock()

	data, found, err := t.store.Get(ctx, ptr)
	if err != nil {
		return nil, fmt.Errorf("mst: load node %s: %w", ptr, err)
	}
	if !found {
		return nil, errs.New(errs.NotFound, "mst: load node", ptr.String())
	}
	wn, err := decodeNode(data)
	if err != nil {
		return nil, err
	}
	entries := wireNodeToEntries(t.store, wn)

	t.mu.Lock()
	t.entries = entries
	t.loaded = true
	t.mu.Unlock()

	return append([]nodeEntry(nil), entries...), nil
}

func wireNodeToEntries(store blockstore.Store, wn wireNode) []nodeEntry {
	var entries []nodeEntry
	if wn.L != nil {
		entries = append(entries, subtreeEntry(Load(store, *wn.L, nil)))
	}
	prevKey := ""
	for _, e := range wn.E {
		key := prevKey[:e.P] + string(e.K)
		entries = append(entries, leafEntry(key, e.V))
		prevKey = key
		if e.T != nil {
			entries = append(entries, subtreeEntry(Load(store, *e.T, nil)))
		}
	}
	return entries
}

// nodeBytes serializes this node to canonical wire bytes and its CID,
// without caching - callers that want the cached pointer use getPointer.
func (t *Mst) nodeBytes(ctx context.Context) ([]byte, cid.Cid, error) {
	entries, err := t.getEntries(ctx)
	if err != nil {
		return nil, cid.Undef, err
	}
	wn, err := t.entriesToWireNode(ctx, entries)
	if err != nil {
		return nil, cid.Undef, err
	}
	data, err := encodeNode(wn)
	if err != nil {
		return nil, cid.Undef, errs.Wrap(errs.SerializationError, "mst: encode node", err)
	}
	c, err := blockstore.ComputeCID(data)
	if err != nil {
		return nil, cid.Undef, err
	}
	return data, c, nil
}

// entriesToWireNode implements the serialization algorithm of spec §4.3.
func (t *Mst) entriesToWireNode(ctx context.Context, entries []nodeEntry) (wireNode, error) {
	var wn wireNode
	idx := 0
	if len(entries) > 0 && entries[0].isSubtree() {
		ptr, err := entries[0].subtree.getPointer(ctx)
		if err != nil {
			return wireNode{}, err
		}
		wn.L = &ptr
		idx = 1
	}

	prevKey := ""
	for idx < len(entries) {
		leaf := entries[idx]
		if leaf.isSubtree() {
			return wireNode{}, errs.New(errs.MalformedNode, "mst: serialize node", "expected leaf, found subtree out of alternation")
		}
		p := commonPrefixLen(prevKey, leaf.key)
		we := wireEntry{P: p, K: []byte(leaf.key[p:]), V: leaf.value}
		idx++
		if idx < len(entries) && entries[idx].isSubtree() {
			ptr, err := entries[idx].subtree.getPointer(ctx)
			if err != nil {
				return wireNode{}, err
			}
			we.T = &ptr
			idx++
		}
		wn.E = append(wn.E, we)
		prevKey = leaf.key
	}
	return wn, nil
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// getPointer returns this node's CID, recomputing it from entries if stale.
func (t *Mst) getPointer(ctx context.Context) (cid.Cid, error) {
	t.mu.RLock()
	outdated := t.outdated
	ptr := t.pointer
	t.mu.RUnlock()
	if !outdated {
		return ptr, nil
	}

	_, c, err := t.nodeBytes(ctx)
	if err != nil {
		return cid.Undef, err
	}

	t.mu.Lock()
	t.pointer = c
	t.outdated = false
	t.mu.Unlock()
	return c, nil
}

// Root returns the root CID of this tree (spec §4.4.1).
func (t *Mst) Root(ctx context.Context) (cid.Cid, error) { return t.getPointer(ctx) }

// getLayer returns this node's layer, computing it from entries if unknown.
func (t *Mst) getLayer(ctx context.Context) (int, error) {
	t.mu.RLock()
	layer := t.layer
	t.mu.RUnlock()
	if layer != nil {
		return *layer, nil
	}

	entries, err := t.getEntries(ctx)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if !e.isSubtree() {
			return Layer(e.key), nil
		}
	}
	for _, e := range entries {
		if e.isSubtree() {
			childLayer, err := e.subtree.getLayer(ctx)
			if err != nil {
				return 0, err
			}
			return childLayer + 1, nil
		}
	}
	return 0, nil
}

// findGtOrEqualLeafIndex returns the index of the first leaf entry whose key
// is >= key, or len(entries) if none qualify.
func findGtOrEqualLeafIndex(entries []nodeEntry, key string) int {
	for i, e := range entries {
		if !e.isSubtree() && e.key >= key {
			return i
		}
	}
	return len(entries)
}

// Get returns the value CID for key, and whether it was found.
func (t *Mst) Get(ctx context.Context, key string) (cid.Cid, bool, error) {
	if err := ValidateKey(key); err != nil {
		return cid.Undef, false, err
	}
	entries, err := t.getEntries(ctx)
	if err != nil {
		return cid.Undef, false, err
	}
	idx := findGtOrEqualLeafIndex(entries, key)
	if idx < len(entries) && !entries[idx].isSubtree() && entries[idx].key == key {
		return entries[idx].value, true, nil
	}
	if idx > 0 && entries[idx-1].isSubtree() {
		return entries[idx-1].subtree.Get(ctx, key)
	}
	return cid.Undef, false, nil
}

// Add inserts or replaces key -> value, returning a new tree (spec §4.4).
func (t *Mst) Add(ctx context.Context, key string, value cid.Cid) (*Mst, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	keyLayer := Layer(key)
	nodeLayer, err := t.getLayer(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := t.getEntries(ctx)
	if err != nil {
		return nil, err
	}

	switch {
	case keyLayer == nodeLayer:
		idx := findGtOrEqualLeafIndex(entries, key)
		if idx < len(entries) && !entries[idx].isSubtree() && entries[idx].key == key {
			newEntries := append([]nodeEntry(nil), entries...)
			newEntries[idx] = leafEntry(key, value)
			return t.newTree(newEntries), nil
		}
		if idx > 0 {
			prev := entries[idx-1]
			if !prev.isSubtree() {
				return t.spliceIn(ctx, leafEntry(key, value), idx)
			}
			left, right, err := prev.subtree.SplitAround(ctx, key)
			if err != nil {
				return nil, err
			}
			return t.replaceWithSplit(ctx, idx-1, left, leafEntry(key, value), right)
		}
		return t.spliceIn(ctx, leafEntry(key, value), idx)

	case keyLayer < nodeLayer:
		idx := findGtOrEqualLeafIndex(entries, key)
		if idx > 0 && entries[idx-1].isSubtree() {
			newSub, err := entries[idx-1].subtree.Add(ctx, key, value)
			if err != nil {
				return nil, err
			}
			return t.updateEntry(ctx, idx-1, subtreeEntry(newSub))
		}
		child, err := t.createChild(ctx)
		if err != nil {
			return nil, err
		}
		newSub, err := child.Add(ctx, key, value)
		if err != nil {
			return nil, err
		}
		return t.spliceIn(ctx, subtreeEntry(newSub), idx)

	default: // keyLayer > nodeLayer
		extraLayers := keyLayer - nodeLayer
		left, right, err := t.SplitAround(ctx, key)
		if err != nil {
			return nil, err
		}
		for i := 1; i < extraLayers; i++ {
			if left != nil {
				left, err = left.createParent(ctx)
				if err != nil {
					return nil, err
				}
			}
			if right != nil {
				right, err = right.createParent(ctx)
				if err != nil {
					return nil, err
				}
			}
		}
		var newEntries []nodeEntry
		if left != nil {
			newEntries = append(newEntries, subtreeEntry(left))
		}
		newEntries = append(newEntries, leafEntry(key, value))
		if right != nil {
			newEntries = append(newEntries, subtreeEntry(right))
		}
		kl := keyLayer
		return create(ctx, t.store, newEntries, &kl)
	}
}

// Update replaces an existing key's value; fails with NotFound if absent.
func (t *Mst) Update(ctx context.Context, key string, value cid.Cid) (*Mst, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	_, ok, err := t.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.NotFound, "mst: update", key)
	}
	return t.Add(ctx, key, value)
}

// Delete removes key, merging adjacent subtrees and trimming a now-unary
// root (spec §4.4).
func (t *Mst) Delete(ctx context.Context, key string) (*Mst, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	altered, err := t.deleteRecurse(ctx, key)
	if err != nil {
		return nil, err
	}
	return altered.trimTop(ctx)
}

func (t *Mst) deleteRecurse(ctx context.Context, key string) (*Mst, error) {
	entries, err := t.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	idx := findGtOrEqualLeafIndex(entries, key)
	if idx < len(entries) && !entries[idx].isSubtree() && entries[idx].key == key {
		var prev, next *nodeEntry
		if idx > 0 {
			prev = &entries[idx-1]
		}
		if idx+1 < len(entries) {
			next = &entries[idx+1]
		}
		if prev != nil && next != nil && prev.isSubtree() && next.isSubtree() {
			merged, err := prev.subtree.AppendMerge(ctx, next.subtree)
			if err != nil {
				return nil, err
			}
			newEntries := append([]nodeEntry(nil), entries[:idx-1]...)
			newEntries = append(newEntries, subtreeEntry(merged))
			newEntries = append(newEntries, entries[idx+2:]...)
			return t.newTree(newEntries), nil
		}
		return t.removeEntry(ctx, idx)
	}

	if idx > 0 && entries[idx-1].isSubtree() {
		subtree, err := entries[idx-1].subtree.deleteRecurse(ctx, key)
		if err != nil {
			return nil, err
		}
		subEntries, err := subtree.getEntries(ctx)
		if err != nil {
			return nil, err
		}
		if len(subEntries) == 0 {
			return t.removeEntry(ctx, idx-1)
		}
		return t.updateEntry(ctx, idx-1, subtreeEntry(subtree))
	}

	return nil, errs.New(errs.NotFound, "mst: delete", key)
}

func (t *Mst) trimTop(ctx context.Context) (*Mst, error) {
	entries, err := t.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 1 && entries[0].isSubtree() {
		return entries[0].subtree.trimTop(ctx)
	}
	return t, nil
}

func (t *Mst) updateEntry(ctx context.Context, index int, entry nodeEntry) (*Mst, error) {
	entries, err := t.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	newEntries := append([]nodeEntry(nil), entries...)
	newEntries[index] = entry
	return t.newTree(newEntries), nil
}

func (t *Mst) removeEntry(ctx context.Context, index int) (*Mst, error) {
	entries, err := t.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	newEntries := append([]nodeEntry(nil), entries[:index]...)
	newEntries = append(newEntries, entries[index+1:]...)
	return t.newTree(newEntries), nil
}

func (t *Mst) spliceIn(ctx context.Context, entry nodeEntry, index int) (*Mst, error) {
	entries, err := t.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	newEntries := append([]nodeEntry(nil), entries[:index]...)
	newEntries = append(newEntries, entry)
	newEntries = append(newEntries, entries[index:]...)
	return t.newTree(newEntries), nil
}

func (t *Mst) appendEntry(ctx context.Context, entry nodeEntry) (*Mst, error) {
	entries, err := t.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	newEntries := append(append([]nodeEntry(nil), entries...), entry)
	return t.newTree(newEntries), nil
}

func (t *Mst) prependEntry(ctx context.Context, entry nodeEntry) (*Mst, error) {
	entries, err := t.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	newEntries := append([]nodeEntry{entry}, entries...)
	return t.newTree(newEntries), nil
}

func (t *Mst) replaceWithSplit(ctx context.Context, index int, left *Mst, leaf nodeEntry, right *Mst) (*Mst, error) {
	entries, err := t.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	newEntries := append([]nodeEntry(nil), entries[:index]...)
	if left != nil {
		newEntries = append(newEntries, subtreeEntry(left))
	}
	newEntries = append(newEntries, leaf)
	if right != nil {
		newEntries = append(newEntries, subtreeEntry(right))
	}
	newEntries = append(newEntries, entries[index+1:]...)
	return t.newTree(newEntries), nil
}

// SplitAround splits this node into (keys < key, keys >= key); either side
// is nil if empty (spec §4.4, §4.4.2).
func (t *Mst) SplitAround(ctx context.Context, key string) (*Mst, *Mst, error) {
	entries, err := t.getEntries(ctx)
	if err != nil {
		return nil, nil, err
	}
	idx := findGtOrEqualLeafIndex(entries, key)
	leftData := append([]nodeEntry(nil), entries[:idx]...)
	rightData := append([]nodeEntry(nil), entries[idx:]...)

	left := t.newTree(leftData)
	right := t.newTree(rightData)

	if len(leftData) > 0 && leftData[len(leftData)-1].isSubtree() {
		lastTree := leftData[len(leftData)-1].subtree
		left, err = left.removeEntry(ctx, len(leftData)-1)
		if err != nil {
			return nil, nil, err
		}
		splitLeft, splitRight, err := lastTree.SplitAround(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		if splitLeft != nil {
			left, err = left.appendEntry(ctx, subtreeEntry(splitLeft))
			if err != nil {
				return nil, nil, err
			}
		}
		if splitRight != nil {
			right, err = right.prependEntry(ctx, subtreeEntry(splitRight))
			if err != nil {
				return nil, nil, err
			}
		}
	}

	leftEntries, err := left.getEntries(ctx)
	if err != nil {
		return nil, nil, err
	}
	rightEntries, err := right.getEntries(ctx)
	if err != nil {
		return nil, nil, err
	}

	var leftOut, rightOut *Mst
	if len(leftEntries) > 0 {
		leftOut = left
	}
	if len(rightEntries) > 0 {
		rightOut = right
	}
	return leftOut, rightOut, nil
}

// AppendMerge merges two layer-matched, key-ordered trees; other's keys
// must all be greater than self's (spec §4.4.3).
func (t *Mst) AppendMerge(ctx context.Context, other *Mst) (*Mst, error) {
	selfLayer, err := t.getLayer(ctx)
	if err != nil {
		return nil, err
	}
	otherLayer, err := other.getLayer(ctx)
	if err != nil {
		return nil, err
	}
	if selfLayer != otherLayer {
		return nil, errs.New(errs.CannotMergeAcrossLayers, "mst: append_merge", "layer mismatch")
	}

	selfEntries, err := t.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	otherEntries, err := other.getEntries(ctx)
	if err != nil {
		return nil, err
	}

	lastIsTree := len(selfEntries) > 0 && selfEntries[len(selfEntries)-1].isSubtree()
	firstIsTree := len(otherEntries) > 0 && otherEntries[0].isSubtree()

	if lastIsTree && firstIsTree {
		leftTree := selfEntries[len(selfEntries)-1].subtree
		rightTree := otherEntries[0].subtree
		merged, err := leftTree.AppendMerge(ctx, rightTree)
		if err != nil {
			return nil, err
		}
		newEntries := append([]nodeEntry(nil), selfEntries[:len(selfEntries)-1]...)
		newEntries = append(newEntries, subtreeEntry(merged))
		newEntries = append(newEntries, otherEntries[1:]...)
		return t.newTree(newEntries), nil
	}

	newEntries := append(append([]nodeEntry(nil), selfEntries...), otherEntries...)
	return t.newTree(newEntries), nil
}

func (t *Mst) createChild(ctx context.Context) (*Mst, error) {
	layer, err := t.getLayer(ctx)
	if err != nil {
		return nil, err
	}
	childLayer := 0
	if layer > 0 {
		childLayer = layer - 1
	}
	return create(ctx, t.store, nil, &childLayer)
}

func (t *Mst) createParent(ctx context.Context) (*Mst, error) {
	layer, err := t.getLayer(ctx)
	if err != nil {
		return nil, err
	}
	parentLayer := layer + 1
	return create(ctx, t.store, []nodeEntry{subtreeEntry(t)}, &parentLayer)
}

// Leaves returns every (key, value CID) pair in lexicographic order.
func (t *Mst) Leaves(ctx context.Context) ([]Leaf, error) {
	var out []Leaf
	if err := t.collectLeaves(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Mst) collectLeaves(ctx context.Context, out *[]Leaf) error {
	entries, err := t.getEntries(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.isSubtree() {
			if err := e.subtree.collectLeaves(ctx, out); err != nil {
				return err
			}
			continue
		}
		*out = append(*out, Leaf{Key: e.key, Cid: e.value})
	}
	return nil
}

// CidsForPath returns the ordered node CIDs on the descent to key; the last
// element is the value CID if key exists (spec §4.4).
func (t *Mst) CidsForPath(ctx context.Context, key string) ([]cid.Cid, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	ptr, err := t.getPointer(ctx)
	if err != nil {
		return nil, err
	}
	cids := []cid.Cid{ptr}

	entries, err := t.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	idx := findGtOrEqualLeafIndex(entries, key)
	if idx < len(entries) && !entries[idx].isSubtree() && entries[idx].key == key {
		cids = append(cids, entries[idx].value)
		return cids, nil
	}
	if idx > 0 && entries[idx-1].isSubtree() {
		sub, err := entries[idx-1].subtree.CidsForPath(ctx, key)
		if err != nil {
			return nil, err
		}
		cids = append(cids, sub...)
	}
	return cids, nil
}

// BlocksForPath fills out with the raw bytes of every MST node visited
// descending toward key (spec §4.4).
func (t *Mst) BlocksForPath(ctx context.Context, key string, out map[cid.Cid][]byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	data, ptr, err := t.nodeBytes(ctx)
	if err != nil {
		return err
	}
	out[ptr] = data

	entries, err := t.getEntries(ctx)
	if err != nil {
		return err
	}
	idx := findGtOrEqualLeafIndex(entries, key)
	if idx < len(entries) && !entries[idx].isSubtree() && entries[idx].key == key {
		return nil
	}
	if idx > 0 && entries[idx-1].isSubtree() {
		return entries[idx-1].subtree.BlocksForPath(ctx, key, out)
	}
	return nil
}

// CollectBlocks walks the whole tree, returning the root CID and every node
// block not already present in the backing store (spec §4.4).
func (t *Mst) CollectBlocks(ctx context.Context) (cid.Cid, map[cid.Cid][]byte, error) {
	blocks := make(map[cid.Cid][]byte)
	root, err := t.collectBlocksInto(ctx, blocks)
	if err != nil {
		return cid.Undef, nil, err
	}
	return root, blocks, nil
}

func (t *Mst) collectBlocksInto(ctx context.Context, blocks map[cid.Cid][]byte) (cid.Cid, error) {
	data, ptr, err := t.nodeBytes(ctx)
	if err != nil {
		return cid.Undef, err
	}
	has, err := t.store.Has(ctx, ptr)
	if err != nil {
		return cid.Undef, err
	}
	if has {
		return ptr, nil
	}
	blocks[ptr] = data

	entries, err := t.getEntries(ctx)
	if err != nil {
		return cid.Undef, err
	}
	for _, e := range entries {
		if e.isSubtree() {
			if _, err := e.subtree.collectBlocksInto(ctx, blocks); err != nil {
				return cid.Undef, err
			}
		}
	}
	return ptr, nil
}

// Persist collects and writes every unstored block, returning the root CID.
func (t *Mst) Persist(ctx context.Context) (cid.Cid, error) {
	root, blocks, err := t.CollectBlocks(ctx)
	if err != nil {
		return cid.Undef, err
	}
	if len(blocks) > 0 {
		if err := t.store.PutMany(ctx, blocks); err != nil {
			return cid.Undef, err
		}
	}
	return root, nil
}

// OpKind identifies the action of a VerifiedWriteOp.
type OpKind int

const (
	OpCreate OpKind = iota
	OpUpdate
	OpDelete
)

// VerifiedWriteOp is a batch write operation whose prev CID (for
// update/delete) has already been validated by the caller (spec §4.4).
type VerifiedWriteOp struct {
	Kind  OpKind
	Key   string
	Value cid.Cid
	Prev  cid.Cid
}

// Batch applies ops in order, each seeing the effects of earlier ones
// (spec §4.4).
func (t *Mst) Batch(ctx context.Context, ops []VerifiedWriteOp) (*Mst, error) {
	tree := t
	for _, op := range ops {
		switch op.Kind {
		case OpCreate:
			_, ok, err := tree.Get(ctx, op.Key)
			if err != nil {
				return nil, err
			}
			if ok {
				return nil, errs.New(errs.AlreadyExists, "mst: batch create", op.Key)
			}
			tree, err = tree.Add(ctx, op.Key, op.Value)
			if err != nil {
				return nil, err
			}
		case OpUpdate:
			cur, ok, err := tree.Get(ctx, op.Key)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, errs.New(errs.NotFound, "mst: batch update", op.Key)
			}
			if !cur.Equals(op.Prev) {
				return nil, errs.New(errs.CidMismatch, "mst: batch update", op.Key)
			}
			tree, err = tree.Add(ctx, op.Key, op.Value)
			if err != nil {
				return nil, err
			}
		case OpDelete:
			cur, ok, err := tree.Get(ctx, op.Key)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, errs.New(errs.NotFound, "mst: batch delete", op.Key)
			}
			if !cur.Equals(op.Prev) {
				return nil, errs.New(errs.CidMismatch, "mst: batch delete", op.Key)
			}
			tree, err = tree.Delete(ctx, op.Key)
			if err != nil {
				return nil, err
			}
		}
	}
	return tree, nil
}
