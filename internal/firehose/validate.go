package firehose

import (
	"context"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/ipfs/go-cid"

	"github.com/atrepo/engine/internal/blockstore"
	"github.com/atrepo/engine/internal/car"
	"github.com/atrepo/engine/internal/commit"
	"github.com/atrepo/engine/internal/errs"
	"github.com/atrepo/engine/internal/mst"
)

// ValidateV1_0 implements spec §4.7.1: parses msg.Blocks into a memory
// store layered over prevStorage, verifies the commit, replays the diff
// between prevMstRoot and commit.Data against the previous tree, and
// requires the replayed root to equal commit.Data.
func ValidateV1_0(ctx context.Context, msg *Commit, prevMstRoot *cid.Cid, prevStorage blockstore.Store, pubKey atcrypto.PublicKey) (cid.Cid, error) {
	parsed, err := car.Parse([]byte(msg.Blocks))
	if err != nil {
		return cid.Undef, err
	}
	tempStore := blockstore.NewMemory()
	if err := tempStore.PutMany(ctx, parsed.Blocks); err != nil {
		return cid.Undef, err
	}
	layered := &blockstore.Layered{Primary: tempStore, Fallback: prevStorage}

	commitCID := cid.Cid(msg.Commit)
	commitData, ok, err := tempStore.Get(ctx, commitCID)
	if err != nil {
		return cid.Undef, err
	}
	if !ok {
		return cid.Undef, errs.New(errs.NotFound, "firehose: validate_v1_0", "commit block missing from message blocks")
	}
	c, err := commit.Decode(commitData)
	if err != nil {
		return cid.Undef, err
	}
	if c.DID() != msg.Repo {
		return cid.Undef, errs.New(errs.DidMismatch, "firehose: validate_v1_0", "commit.did != msg.repo")
	}
	if err := c.Verify(pubKey); err != nil {
		return cid.Undef, err
	}

	var prevTree *mst.Mst
	if prevMstRoot != nil {
		prevTree = mst.Load(layered, *prevMstRoot, nil)
	} else {
		prevTree = mst.New(layered)
	}
	newTree := mst.Load(layered, c.Data(), nil)

	diff, err := prevTree.Diff(ctx, newTree)
	if err != nil {
		return cid.Undef, err
	}

	replayed, err := prevTree.Batch(ctx, diff.ToVerifiedOps())
	if err != nil {
		return cid.Undef, errs.Wrap(errs.OpNotInvertible, "firehose: validate_v1_0 replay", err)
	}
	replayedRoot, err := replayed.Root(ctx)
	if err != nil {
		return cid.Undef, err
	}
	if !replayedRoot.Equals(c.Data()) {
		return cid.Undef, errs.New(errs.RootMismatch, "firehose: validate_v1_0", "replayed root does not match commit.data")
	}
	return c.Data(), nil
}

// ValidateV1_1 implements spec §4.7.2: uses only msg.Blocks as storage,
// verifies the commit, inverts every op in msg.Ops against the new MST, and
// requires the resulting root to equal msg.PrevData.
func ValidateV1_1(ctx context.Context, msg *Commit, pubKey atcrypto.PublicKey) (cid.Cid, error) {
	if msg.PrevData == nil {
		return cid.Undef, errs.New(errs.MissingPrevData, "firehose: validate_v1_1", "msg.prev_data required")
	}

	parsed, err := car.Parse([]byte(msg.Blocks))
	if err != nil {
		return cid.Undef, err
	}
	tempStore := blockstore.NewMemory()
	if err := tempStore.PutMany(ctx, parsed.Blocks); err != nil {
		return cid.Undef, err
	}

	commitCID := cid.Cid(msg.Commit)
	commitData, ok, err := tempStore.Get(ctx, commitCID)
	if err != nil {
		return cid.Undef, err
	}
	if !ok {
		return cid.Undef, errs.New(errs.NotFound, "firehose: validate_v1_1", "commit block missing from message blocks")
	}
	c, err := commit.Decode(commitData)
	if err != nil {
		return cid.Undef, err
	}
	if c.DID() != msg.Repo {
		return cid.Undef, errs.New(errs.DidMismatch, "firehose: validate_v1_1", "commit.did != msg.repo")
	}
	if err := c.Verify(pubKey); err != nil {
		return cid.Undef, err
	}

	for _, op := range msg.Ops {
		switch op.Action {
		case ActionCreate:
			if op.Cid == nil {
				return cid.Undef, errs.New(errs.OpNotInvertible, "firehose: validate_v1_1", "create op missing cid")
			}
		case ActionUpdate:
			if op.Cid == nil || op.Prev == nil {
				return cid.Undef, errs.New(errs.OpNotInvertible, "firehose: validate_v1_1", "update op missing cid or prev")
			}
		case ActionDelete:
			if op.Prev == nil {
				return cid.Undef, errs.New(errs.OpNotInvertible, "firehose: validate_v1_1", "delete op missing prev")
			}
		default:
			return cid.Undef, errs.New(errs.OpNotInvertible, "firehose: validate_v1_1", "unknown op action")
		}
	}

	tree := mst.Load(tempStore, c.Data(), nil)
	for _, op := range msg.Ops {
		var err error
		switch op.Action {
		case ActionDelete:
			tree, err = tree.Add(ctx, op.Path, cid.Cid(*op.Prev))
		case ActionCreate:
			tree, err = tree.Delete(ctx, op.Path)
		case ActionUpdate:
			tree, err = tree.Add(ctx, op.Path, cid.Cid(*op.Prev))
		}
		if err != nil {
			return cid.Undef, errs.Wrap(errs.OpNotInvertible, "firehose: validate_v1_1 invert", err)
		}
	}

	invertedRoot, err := tree.Root(ctx)
	if err != nil {
		return cid.Undef, err
	}
	prevData := cid.Cid(*msg.PrevData)
	if !invertedRoot.Equals(prevData) {
		return cid.Undef, errs.New(errs.PrevDataMismatch, "firehose: validate_v1_1", "inverted root does not match msg.prev_data")
	}
	return c.Data(), nil
}
