package firehose_test

import (
	"context"
	"testing"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"

	"github.com/atrepo/engine/internal/blockstore"
	"github.com/atrepo/engine/internal/firehose"
	"github.com/atrepo/engine/internal/repo"
)

func testKeys(t *testing.T) (atcrypto.PrivateKey, atcrypto.PublicKey) {
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

func TestValidateV1_1AcceptsGenuineCommit(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	priv, pub := testKeys(t)
	did := "did:plc:bbbbbbbbbbbbbbbbbbbbbbbbbbb"

	r, err := repo.Create(ctx, store, did, nil, priv)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ops := []repo.RecordWriteOp{
		{Kind: repo.WriteCreate, Collection: "app.bsky.feed.post", Rkey: "r1", Record: map[string]any{"text": "hello"}},
	}
	repoOps, cd, err := r.CreateCommit(ctx, ops, priv)
	if err != nil {
		t.Fatalf("create_commit: %v", err)
	}
	if _, err := r.ApplyCommit(ctx, cd); err != nil {
		t.Fatalf("apply_commit: %v", err)
	}

	msg, err := r.ToFirehoseCommit(cd, 1, time.Unix(0, 0).UTC(), repoOps, true)
	if err != nil {
		t.Fatalf("to_firehose_commit: %v", err)
	}
	msg.Repo = did

	newRoot, err := firehose.ValidateV1_1(ctx, msg, pub)
	if err != nil {
		t.Fatalf("validate_v1_1: %v", err)
	}
	if !newRoot.Equals(cd.Data) {
		t.Fatal("validate_v1_1 should return the commit's MST root")
	}
}

func TestValidateV1_1RejectsWrongPublicKey(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	priv, _ := testKeys(t)
	otherPriv, otherPub := testKeys(t)
	did := "did:plc:bbbbbbbbbbbbbbbbbbbbbbbbbbb"

	r, err := repo.Create(ctx, store, did, nil, priv)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ops := []repo.RecordWriteOp{
		{Kind: repo.WriteCreate, Collection: "app.bsky.feed.post", Rkey: "r1", Record: map[string]any{"text": "hello"}},
	}
	repoOps, cd, err := r.CreateCommit(ctx, ops, priv)
	if err != nil {
		t.Fatalf("create_commit: %v", err)
	}
	if _, err := r.ApplyCommit(ctx, cd); err != nil {
		t.Fatalf("apply_commit: %v", err)
	}

	msg, err := r.ToFirehoseCommit(cd, 1, time.Unix(0, 0).UTC(), repoOps, true)
	if err != nil {
		t.Fatalf("to_firehose_commit: %v", err)
	}
	msg.Repo = did

	_, _ = otherPriv, otherPub
	if _, err := firehose.ValidateV1_1(ctx, msg, otherPub); err == nil {
		t.Fatal("expected validation to fail verifying against the wrong public key")
	}
}

func TestValidateV1_0AcceptsGenuineCommit(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	priv, pub := testKeys(t)
	did := "did:plc:bbbbbbbbbbbbbbbbbbbbbbbbbbb"

	r, err := repo.Create(ctx, store, did, nil, priv)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	prevRoot := r.Tree()
	prevRootCID, err := prevRoot.Root(ctx)
	if err != nil {
		t.Fatalf("prev root: %v", err)
	}

	ops := []repo.RecordWriteOp{
		{Kind: repo.WriteCreate, Collection: "app.bsky.feed.post", Rkey: "r1", Record: map[string]any{"text": "hello"}},
	}
	repoOps, cd, err := r.CreateCommit(ctx, ops, priv)
	if err != nil {
		t.Fatalf("create_commit: %v", err)
	}

	msg, err := r.ToFirehoseCommit(cd, 1, time.Unix(0, 0).UTC(), repoOps, false)
	if err != nil {
		t.Fatalf("to_firehose_commit: %v", err)
	}
	msg.Repo = did

	// Validate against the store as it stands before this commit: applying
	// it deletes the prior root block that v1.0 validation loads.
	newRoot, err := firehose.ValidateV1_0(ctx, msg, &prevRootCID, store, pub)
	if err != nil {
		t.Fatalf("validate_v1_0: %v", err)
	}
	if !newRoot.Equals(cd.Data) {
		t.Fatal("validate_v1_0 should return the commit's MST root")
	}

	if _, err := r.ApplyCommit(ctx, cd); err != nil {
		t.Fatalf("apply_commit: %v", err)
	}
}
