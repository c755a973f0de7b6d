// Package proof implements the merkle inclusion/exclusion proof verifier
// (component C8): given a CAR carrying a signed commit and a partial set of
// MST blocks, decide for each claimed (collection, rkey, expected value)
// whether the proof verifies. Grounded on spec §4.8 and the teacher's CAR
// plumbing (internal/repo/blockstore.go ExportCAR), generalized to a
// read-only partial-block MST walk.
package proof

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

// RecordClaim is one assertion to check: that collection/rkey holds
// ExpectedCid, or (if ExpectedCid is nil) that it does not exist at all
// (proof of absence).
type RecordClaim struct {
	Collection  string
	Rkey        string
	ExpectedCid *cid.Cid
}

func (c RecordClaim) path() string { return c.Collection + "/" + c.Rkey }

// VerifyProofsOutput partitions claims into verified and unverified.
type VerifyProofsOutput struct {
	Verified   []RecordClaim
	Unverified []RecordClaim
}

// VerifyProofs implements spec §4.8. A malformed CAR or a commit that
// fails DID/signature checks rejects the whole verification (returns an
// error); after that, each claim is judged independently and a claim whose
// descent hits a block absent from the CAR is simply unverified, not a
// hard failure.
func VerifyProofs(ctx context.Context, carBytes []byte, claims []RecordClaim, did string, pubKey atcrypto.PublicKey) (*VerifyProofsOutput, error) {
	parsed, err := car.Parse(carBytes)
	if err != nil {
		return nil, err
	}

	store := blockstore.NewMemory()
	if err := store.PutMany(ctx, parsed.Blocks); err != nil {
		return nil, err
	}

	commitData, ok, err := store.Get(ctx, parsed.Root)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.NotFound, "proof: verify_proofs", "commit block missing at CAR root")
	}
	c, err := commit.Decode(commitData)
	if err != nil {
		return nil, err
	}
	if c.DID() != did {
		return nil, errs.New(errs.DidMismatch, "proof: verify_proofs", "commit.did != expected did")
	}
	if err := c.Verify(pubKey); err != nil {
		return nil, err
	}

	tree := mst.Load(store, c.Data(), nil)

	out := &VerifyProofsOutput{}
	for _, claim := range claims {
		got, found, err := tree.Get(ctx, claim.path())
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				out.Unverified = append(out.Unverified, claim)
				continue
			}
			return nil, err
		}

		switch {
		case claim.ExpectedCid != nil && found && claim.ExpectedCid.Equals(got):
			out.Verified = append(out.Verified, claim)
		case claim.ExpectedCid == nil && !found:
			out.Verified = append(out.Verified, claim)
		default:
			out.Unverified = append(out.Unverified, claim)
		}
	}
	return out, nil
}
