package proof_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/ipfs/go-cid"

	"github.com/atrepo/engine/internal/blockstore"
	"github.com/atrepo/engine/internal/car"
	"github.com/atrepo/engine/internal/proof"
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

func TestVerifyProofsVerifiesPresenceAndAbsence(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	priv, pub := testKeys(t)
	did := "did:plc:ccccccccccccccccccccccccccc"

	initial := []repo.RecordWriteOp{
		{Kind: repo.WriteCreate, Collection: "app.bsky.feed.post", Rkey: "present", Record: map[string]any{"text": "hi"}},
	}
	r, err := repo.Create(ctx, store, did, initial, priv)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	commitCID := r.CommitCID()
	valueCID, found, err := r.GetRecord(ctx, "app.bsky.feed.post", "present")
	if err != nil || !found {
		t.Fatalf("get_record: found=%v err=%v", found, err)
	}

	blocks := make(map[cid.Cid][]byte)
	if err := r.Tree().BlocksForPath(ctx, "app.bsky.feed.post/present", blocks); err != nil {
		t.Fatalf("blocks_for_path: %v", err)
	}
	commitBytes, ok, err := store.Get(ctx, commitCID)
	if err != nil || !ok {
		t.Fatalf("get commit block: ok=%v err=%v", ok, err)
	}
	blocks[commitCID] = commitBytes

	var buf bytes.Buffer
	if err := car.Write(&buf, commitCID, blocks); err != nil {
		t.Fatalf("car write: %v", err)
	}

	absentCID := valueCID
	claims := []proof.RecordClaim{
		{Collection: "app.bsky.feed.post", Rkey: "present", ExpectedCid: &valueCID},
		{Collection: "app.bsky.feed.post", Rkey: "missing", ExpectedCid: nil},
		{Collection: "app.bsky.feed.post", Rkey: "wrong", ExpectedCid: &absentCID},
	}

	out, err := proof.VerifyProofs(ctx, buf.Bytes(), claims, did, pub)
	if err != nil {
		t.Fatalf("verify_proofs: %v", err)
	}
	if len(out.Verified) != 2 {
		t.Fatalf("expected 2 verified claims (presence + absence), got %d: %+v", len(out.Verified), out.Verified)
	}
	if len(out.Unverified) != 1 {
		t.Fatalf("expected 1 unverified claim, got %d: %+v", len(out.Unverified), out.Unverified)
	}
}

func TestVerifyProofsRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	priv, _ := testKeys(t)
	_, otherPub := testKeys(t)
	did := "did:plc:ccccccccccccccccccccccccccc"

	initial := []repo.RecordWriteOp{
		{Kind: repo.WriteCreate, Collection: "app.bsky.feed.post", Rkey: "present", Record: map[string]any{"text": "hi"}},
	}
	r, err := repo.Create(ctx, store, did, initial, priv)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	commitCID := r.CommitCID()
	commitBytes, ok, err := store.Get(ctx, commitCID)
	if err != nil || !ok {
		t.Fatalf("get commit block: ok=%v err=%v", ok, err)
	}
	all := make(map[cid.Cid][]byte)
	if err := r.Tree().BlocksForPath(ctx, "app.bsky.feed.post/present", all); err != nil {
		t.Fatalf("blocks_for_path: %v", err)
	}
	all[commitCID] = commitBytes

	var buf bytes.Buffer
	if err := car.Write(&buf, commitCID, all); err != nil {
		t.Fatalf("car write: %v", err)
	}

	_, err = proof.VerifyProofs(ctx, buf.Bytes(), nil, did, otherPub)
	if err == nil {
		t.Fatal("expected verify_proofs to fail against the wrong public key")
	}
}
