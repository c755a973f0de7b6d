package mst

import (
	"context"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/atrepo/engine/internal/blockstore"
)

func testCID(t *testing.T, seed string) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum([]byte(seed), multihash.SHA2_256, -1)
	if err != nil {
		t.Fatalf("multihash sum: %v", err)
	}
	return cid.NewCidV1(cid.Raw, mh)
}

func TestEmptyTreeRootIsStable(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()

	a := New(store)
	b := New(store)

	rootA, err := a.Root(ctx)
	if err != nil {
		t.Fatalf("root a: %v", err)
	}
	rootB, err := b.Root(ctx)
	if err != nil {
		t.Fatalf("root b: %v", err)
	}
	if !rootA.Equals(rootB) {
		t.Fatalf("two empty trees must have identical root CIDs: %s != %s", rootA, rootB)
	}
}

func TestGetFromEmptyTree(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	tree := New(store)

	_, ok, err := tree.Get(ctx, "app.bsky.feed.post/abc123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected no value in empty tree")
	}
}

func TestAddGetRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	tree := New(store)

	keys := []string{
		"app.bsky.feed.post/a1",
		"app.bsky.feed.post/a2",
		"app.bsky.feed.like/b1",
		"app.bsky.graph.follow/c1",
		"app.bsky.feed.post/zzz",
	}

	for i, k := range keys {
		v := testCID(t, k)
		var err error
		tree, err = tree.Add(ctx, k, v)
		if err != nil {
			t.Fatalf("add %d (%s): %v", i, k, err)
		}
	}

	for _, k := range keys {
		got, ok, err := tree.Get(ctx, k)
		if err != nil {
			t.Fatalf("get %s: %v", k, err)
		}
		if !ok {
			t.Fatalf("key %s not found after add", k)
		}
		if !got.Equals(testCID(t, k)) {
			t.Fatalf("key %s: value mismatch", k)
		}
	}
}

func TestInsertionOrderIndependence(t *testing.T) {
	ctx := context.Background()
	keys := []string{
		"app.bsky.feed.post/a1",
		"app.bsky.feed.post/a2",
		"app.bsky.feed.like/b1",
		"app.bsky.graph.follow/c1",
		"app.bsky.feed.post/zzz",
		"app.bsky.feed.post/mid",
	}

	buildInOrder := func(order []string) cid.Cid {
		store := blockstore.NewMemory()
		tree := New(store)
		for _, k := range order {
			var err error
			tree, err = tree.Add(ctx, k, testCID(t, k))
			if err != nil {
				t.Fatalf("add %s: %v", k, err)
			}
		}
		root, err := tree.Root(ctx)
		if err != nil {
			t.Fatalf("root: %v", err)
		}
		return root
	}

	forward := append([]string(nil), keys...)
	reversed := make([]string, len(keys))
	for i, k := range keys {
		reversed[len(keys)-1-i] = k
	}

	rootForward := buildInOrder(forward)
	rootReversed := buildInOrder(reversed)
	if !rootForward.Equals(rootReversed) {
		t.Fatalf("MST root must be independent of insertion order: %s != %s", rootForward, rootReversed)
	}
}

func TestUpdateRequiresExistingKey(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	tree := New(store)

	_, err := tree.Update(ctx, "app.bsky.feed.post/missing", testCID(t, "v"))
	if err == nil {
		t.Fatal("expected error updating a key that does not exist")
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	tree := New(store)

	keys := []string{
		"app.bsky.feed.post/a1",
		"app.bsky.feed.post/a2",
		"app.bsky.feed.like/b1",
	}
	for _, k := range keys {
		var err error
		tree, err = tree.Add(ctx, k, testCID(t, k))
		if err != nil {
			t.Fatalf("add %s: %v", k, err)
		}
	}

	tree, err := tree.Delete(ctx, "app.bsky.feed.post/a1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, ok, err := tree.Get(ctx, "app.bsky.feed.post/a1")
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if ok {
		t.Fatal("expected key to be gone after delete")
	}

	for _, k := range keys[1:] {
		_, ok, err := tree.Get(ctx, k)
		if err != nil {
			t.Fatalf("get %s: %v", k, err)
		}
		if !ok {
			t.Fatalf("unrelated key %s should survive delete", k)
		}
	}
}

func TestDeleteMissingKeyFails(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	tree := New(store)

	_, err := tree.Delete(ctx, "app.bsky.feed.post/missing")
	if err == nil {
		t.Fatal("expected error deleting a key that does not exist")
	}
}

func TestDiffDetectsCreatesUpdatesDeletes(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()

	base := New(store)
	var err error
	base, err = base.Add(ctx, "app.bsky.feed.post/a1", testCID(t, "a1-v1"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	base, err = base.Add(ctx, "app.bsky.feed.post/a2", testCID(t, "a2-v1"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	next, err := base.Update(ctx, "app.bsky.feed.post/a1", testCID(t, "a1-v2"))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	next, err = next.Delete(ctx, "app.bsky.feed.post/a2")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	next, err = next.Add(ctx, "app.bsky.feed.post/a3", testCID(t, "a3-v1"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	diff, err := base.Diff(ctx, next)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}

	if len(diff.Creates) != 1 || diff.Creates[0].Key != "app.bsky.feed.post/a3" {
		t.Fatalf("expected one create for a3, got %+v", diff.Creates)
	}
	if len(diff.Updates) != 1 || diff.Updates[0].Key != "app.bsky.feed.post/a1" {
		t.Fatalf("expected one update for a1, got %+v", diff.Updates)
	}
	if len(diff.Deletes) != 1 || diff.Deletes[0].Key != "app.bsky.feed.post/a2" {
		t.Fatalf("expected one delete for a2, got %+v", diff.Deletes)
	}
}

func TestBatchMixedOps(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	tree := New(store)

	var err error
	tree, err = tree.Add(ctx, "app.bsky.feed.post/a1", testCID(t, "a1"))
	if err != nil {
		t.Fatalf("seed add: %v", err)
	}

	ops := []VerifiedWriteOp{
		{Kind: OpCreate, Key: "app.bsky.feed.post/a2", Value: testCID(t, "a2")},
		{Kind: OpUpdate, Key: "app.bsky.feed.post/a1", Value: testCID(t, "a1-new"), Prev: testCID(t, "a1")},
		{Kind: OpDelete, Key: "app.bsky.feed.post/a2", Prev: testCID(t, "a2")},
	}

	result, err := tree.Batch(ctx, ops)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}

	v, ok, err := result.Get(ctx, "app.bsky.feed.post/a1")
	if err != nil || !ok {
		t.Fatalf("a1 should exist after batch: ok=%v err=%v", ok, err)
	}
	if !v.Equals(testCID(t, "a1-new")) {
		t.Fatal("a1 should hold updated value after batch")
	}
	if _, ok, _ := result.Get(ctx, "app.bsky.feed.post/a2"); ok {
		t.Fatal("a2 should be deleted after batch")
	}
}

func TestBatchRejectsStalePrev(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	tree := New(store)
	var err error
	tree, err = tree.Add(ctx, "app.bsky.feed.post/a1", testCID(t, "a1"))
	if err != nil {
		t.Fatalf("seed add: %v", err)
	}

	ops := []VerifiedWriteOp{
		{Kind: OpUpdate, Key: "app.bsky.feed.post/a1", Value: testCID(t, "a1-new"), Prev: testCID(t, "wrong")},
	}
	if _, err := tree.Batch(ctx, ops); err == nil {
		t.Fatal("expected CidMismatch error for stale prev")
	}
}

func TestPersistWritesAllBlocks(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	tree := New(store)

	var err error
	for _, k := range []string{"app.bsky.feed.post/a1", "app.bsky.feed.post/a2", "app.bsky.feed.like/b1"} {
		tree, err = tree.Add(ctx, k, testCID(t, k))
		if err != nil {
			t.Fatalf("add %s: %v", k, err)
		}
	}

	root, err := tree.Persist(ctx)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if ok, err := store.Has(ctx, root); err != nil || !ok {
		t.Fatalf("root block should be in store after persist: ok=%v err=%v", ok, err)
	}

	loaded := Load(store, root, nil)
	for _, k := range []string{"app.bsky.feed.post/a1", "app.bsky.feed.post/a2", "app.bsky.feed.like/b1"} {
		v, ok, err := loaded.Get(ctx, k)
		if err != nil || !ok {
			t.Fatalf("reload get %s: ok=%v err=%v", k, ok, err)
		}
		if !v.Equals(testCID(t, k)) {
			t.Fatalf("reload %s: value mismatch", k)
		}
	}
}

func TestValidateKeyRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"noslash",
		"a/b/c",
		"nodot/rkey",
		"/rkey",
		"collection/",
		"bad char!/rkey",
	}
	for _, k := range cases {
		if err := ValidateKey(k); err == nil {
			t.Errorf("expected ValidateKey(%q) to fail", k)
		}
	}
}

func TestCidsForPathIncludesValue(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	tree := New(store)
	key := "app.bsky.feed.post/a1"
	val := testCID(t, key)

	var err error
	tree, err = tree.Add(ctx, key, val)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	cids, err := tree.CidsForPath(ctx, key)
	if err != nil {
		t.Fatalf("cids for path: %v", err)
	}
	if len(cids) < 2 {
		t.Fatalf("expected at least root+value CIDs, got %d", len(cids))
	}
	if !cids[len(cids)-1].Equals(val) {
		t.Fatal("last CID on path should be the value CID")
	}
}
