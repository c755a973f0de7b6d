package repo

import (
	"context"
	"testing"

	"github.com/bluesky-social/indigo/atproto/atcrypto"

	"github.com/atrepo/engine/internal/blockstore"
)

func testSigningKey(t *testing.T) (atcrypto.PrivateKey, atcrypto.PublicKey) {
	t.Helper()
	priv, err := atcrypto.GeneratePrivateKeyK256()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub, err := priv.PublicKey()
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return priv, pub
}

func TestCreateThenGetRecord(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	priv, _ := testSigningKey(t)

	r, err := Create(ctx, store, "did:plc:aaaaaaaaaaaaaaaaaaaaaaaaaaa", nil, priv)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ops := []RecordWriteOp{
		{Kind: WriteCreate, Collection: "app.bsky.feed.post", Rkey: "r1", Record: map[string]any{"text": "hello"}},
	}
	repoOps, cd, err := r.CreateCommit(ctx, ops, priv)
	if err != nil {
		t.Fatalf("create_commit: %v", err)
	}
	if len(repoOps) != 1 || repoOps[0].Action != "create" {
		t.Fatalf("expected one create repo op, got %+v", repoOps)
	}

	if _, err := r.ApplyCommit(ctx, cd); err != nil {
		t.Fatalf("apply_commit: %v", err)
	}

	valueCID, found, err := r.GetRecord(ctx, "app.bsky.feed.post", "r1")
	if err != nil {
		t.Fatalf("get_record: %v", err)
	}
	if !found {
		t.Fatal("expected record to be found after commit")
	}
	if !valueCID.Equals(*repoOps[0].Cid) {
		t.Fatal("get_record value CID should match the repo op's CID")
	}
}

func TestCreateCommitRejectsDuplicateCreate(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	priv, _ := testSigningKey(t)

	initial := []RecordWriteOp{
		{Kind: WriteCreate, Collection: "app.bsky.feed.post", Rkey: "r1", Record: map[string]any{"text": "hello"}},
	}
	r, err := Create(ctx, store, "did:plc:aaaaaaaaaaaaaaaaaaaaaaaaaaa", initial, priv)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	dup := []RecordWriteOp{
		{Kind: WriteCreate, Collection: "app.bsky.feed.post", Rkey: "r1", Record: map[string]any{"text": "dup"}},
	}
	if _, _, err := r.CreateCommit(ctx, dup, priv); err == nil {
		t.Fatal("expected AlreadyExists creating an existing key")
	}
}

func TestCommitChainRevsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	priv, _ := testSigningKey(t)

	r, err := Create(ctx, store, "did:plc:aaaaaaaaaaaaaaaaaaaaaaaaaaa", nil, priv)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	firstRev := r.commit.Rev()

	ops := []RecordWriteOp{
		{Kind: WriteCreate, Collection: "app.bsky.feed.post", Rkey: "r1", Record: map[string]any{"text": "hello"}},
	}
	_, cd, err := r.CreateCommit(ctx, ops, priv)
	if err != nil {
		t.Fatalf("create_commit: %v", err)
	}
	if _, err := r.ApplyCommit(ctx, cd); err != nil {
		t.Fatalf("apply_commit: %v", err)
	}

	if cd.Rev <= firstRev {
		t.Fatalf("expected strictly increasing rev: %q -> %q", firstRev, cd.Rev)
	}
	if cd.Since != firstRev {
		t.Fatalf("expected since to equal prior rev %q, got %q", firstRev, cd.Since)
	}
}
