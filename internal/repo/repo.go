package repo

import (
	"context"
	"fmt"
	"sync"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ipfs/go-cid"

	"github.com/atrepo/engine/internal/blockstore"
	"github.com/atrepo/engine/internal/commit"
	"github.com/atrepo/engine/internal/errs"
	"github.com/atrepo/engine/internal/mst"
)

// Repo is the repository facade of component C6: a block-store handle, the
// current Mst, the current Commit, and its CID (spec §4.6).
type Repo struct {
	mu sync.Mutex

	store     blockstore.Store
	did       string
	tree      *mst.Mst
	commit    *commit.Commit
	commitCID cid.Cid
	clock     *syntax.TIDClock
}

// Open wraps an already-loaded repository state.
func Open(store blockstore.Store, did string, tree *mst.Mst, c *commit.Commit, commitCID cid.Cid) *Repo {
	clock := syntax.NewTIDClock(0)
	return &Repo{store: store, did: did, tree: tree, commit: c, commitCID: commitCID, clock: &clock}
}

// Tree returns the facade's current in-memory MST.
func (r *Repo) Tree() *mst.Mst { return r.tree }

// CommitCID returns the facade's current commit CID.
func (r *Repo) CommitCID() cid.Cid { return r.commitCID }

// Rev returns the rev of the facade's current commit.
func (r *Repo) Rev() string { return r.commit.Rev() }

// 4.6.1 record CRUD - thin shims over the MST, mutating only the in-memory
// tree; persistence happens at commit time.

// CreateRecord inserts collection/rkey -> valueCID, failing AlreadyExists
// if the key is already present.
func (r *Repo) CreateRecord(ctx context.Context, collection, rkey string, valueCID cid.Cid) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := collection + "/" + rkey
	_, ok, err := r.tree.Get(ctx, path)
	if err != nil {
		return err
	}
	if ok {
		return errs.New(errs.AlreadyExists, "repo: create_record", path)
	}
	newTree, err := r.tree.Add(ctx, path, valueCID)
	if err != nil {
		return err
	}
	r.tree = newTree
	return nil
}

// UpdateRecord replaces collection/rkey's value, returning the previous
// value CID. Fails NotFound if the key is absent.
func (r *Repo) UpdateRecord(ctx context.Context, collection, rkey string, valueCID cid.Cid) (cid.Cid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := collection + "/" + rkey
	prev, ok, err := r.tree.Get(ctx, path)
	if err != nil {
		return cid.Undef, err
	}
	if !ok {
		return cid.Undef, errs.New(errs.NotFound, "repo: update_record", path)
	}
	newTree, err := r.tree.Add(ctx, path, valueCID)
	if err != nil {
		return cid.Undef, err
	}
	r.tree = newTree
	return prev, nil
}

// DeleteRecord removes collection/rkey, returning its previous value CID.
// Fails NotFound if the key is absent.
func (r *Repo) DeleteRecord(ctx context.Context, collection, rkey string) (cid.Cid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := collection + "/" + rkey
	prev, ok, err := r.tree.Get(ctx, path)
	if err != nil {
		return cid.Undef, err
	}
	if !ok {
		return cid.Undef, errs.New(errs.NotFound, "repo: delete_record", path)
	}
	newTree, err := r.tree.Delete(ctx, path)
	if err != nil {
		return cid.Undef, err
	}
	r.tree = newTree
	return prev, nil
}

// GetRecord returns collection/rkey's value CID, and whether it exists.
func (r *Repo) GetRecord(ctx context.Context, collection, rkey string) (cid.Cid, bool, error) {
	r.mu.Lock()
	tree := r.tree
	r.mu.Unlock()
	return tree.Get(ctx, collection+"/"+rkey)
}

// CreateCommit implements spec §4.6.2: stages record blocks, applies ops to
// the MST as one batch, diffs old/new trees, assembles and signs a new
// commit, and returns the ordered repo ops plus the resulting CommitData.
// It does not mutate the facade or the block store - call ApplyCommit with
// the result to do that.
func (r *Repo) CreateCommit(ctx context.Context, ops []RecordWriteOp, signingKey atcrypto.PrivateKey) ([]mst.RepoOp, *CommitData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	recordBlocks := make(map[cid.Cid][]byte)
	verifiedOps := make([]mst.VerifiedWriteOp, 0, len(ops))

	for _, op := range ops {
		path := op.path()
		if err := mst.ValidateKey(path); err != nil {
			return nil, nil, err
		}

		switch op.Kind {
		case WriteCreate:
			cborBytes, err := EncodeRecord(op.Record)
			if err != nil {
				return nil, nil, fmt.Errorf("repo: create_commit encode %s: %w", path, err)
			}
			valueCID, err := ComputeCID(cborBytes)
			if err != nil {
				return nil, nil, err
			}
			recordBlocks[valueCID] = cborBytes
			verifiedOps = append(verifiedOps, mst.VerifiedWriteOp{Kind: mst.OpCreate, Key: path, Value: valueCID})

		case WriteUpdate:
			actualPrev, ok, err := r.tree.Get(ctx, path)
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				return nil, nil, errs.New(errs.NotFound, "repo: create_commit update", path)
			}
			if op.Prev != nil && !op.Prev.Equals(actualPrev) {
				return nil, nil, errs.New(errs.CidMismatch, "repo: create_commit update", path)
			}
			cborBytes, err := EncodeRecord(op.Record)
			if err != nil {
				return nil, nil, fmt.Errorf("repo: create_commit encode %s: %w", path, err)
			}
			valueCID, err := ComputeCID(cborBytes)
			if err != nil {
				return nil, nil, err
			}
			recordBlocks[valueCID] = cborBytes
			verifiedOps = append(verifiedOps, mst.VerifiedWriteOp{Kind: mst.OpUpdate, Key: path, Value: valueCID, Prev: actualPrev})

		case WriteDelete:
			actualPrev, ok, err := r.tree.Get(ctx, path)
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				return nil, nil, errs.New(errs.NotFound, "repo: create_commit delete", path)
			}
			if op.Prev != nil && !op.Prev.Equals(actualPrev) {
				return nil, nil, errs.New(errs.CidMismatch, "repo: create_commit delete", path)
			}
			verifiedOps = append(verifiedOps, mst.VerifiedWriteOp{Kind: mst.OpDelete, Key: path, Prev: actualPrev})
		}
	}

	newTree, err := r.tree.Batch(ctx, verifiedOps)
	if err != nil {
		return nil, nil, err
	}

	diff, err := r.tree.Diff(ctx, newTree)
	if err != nil {
		return nil, nil, err
	}
	repoOps := diff.ToRepoOps()

	blocks := make(map[cid.Cid][]byte, len(diff.NewMstBlocks)+len(recordBlocks))
	for c, d := range diff.NewMstBlocks {
		blocks[c] = d
	}
	for c, d := range recordBlocks {
		blocks[c] = d
	}
	if r.commit == nil {
		// A first commit has no stored prior tree, so every node of the new
		// tree goes into its block set, including an empty root.
		_, all, err := newTree.CollectBlocks(ctx)
		if err != nil {
			return nil, nil, err
		}
		for c, d := range all {
			blocks[c] = d
		}
	}

	relevantBlocks := make(map[cid.Cid][]byte, len(recordBlocks))
	for c, d := range recordBlocks {
		relevantBlocks[c] = d
	}
	for _, op := range ops {
		path := op.path()
		if err := newTree.BlocksForPath(ctx, path, relevantBlocks); err != nil {
			return nil, nil, err
		}
		if err := r.tree.BlocksForPath(ctx, path, relevantBlocks); err != nil {
			return nil, nil, err
		}
	}
	for _, removed := range diff.RemovedMstBlocks {
		delete(relevantBlocks, removed)
	}

	newRoot, err := newTree.Root(ctx)
	if err != nil {
		return nil, nil, err
	}

	rev := r.clock.Next().String()

	var prevCommitCID *cid.Cid
	var prevData *cid.Cid
	since := ""
	if r.commit != nil {
		c := r.commitCID
		prevCommitCID = &c
		d := r.commit.Data()
		prevData = &d
		since = r.commit.Rev()
	}

	newCommit := commit.New(r.did, newRoot, rev, prevCommitCID)
	if err := newCommit.Sign(signingKey); err != nil {
		return nil, nil, err
	}
	commitBytes, err := newCommit.Encode()
	if err != nil {
		return nil, nil, err
	}
	commitCID, err := blockstore.ComputeCID(commitBytes)
	if err != nil {
		return nil, nil, err
	}
	blocks[commitCID] = commitBytes
	relevantBlocks[commitCID] = commitBytes

	data := &CommitData{
		CID:            commitCID,
		Rev:            rev,
		Since:          since,
		Prev:           prevCommitCID,
		Data:           newRoot,
		PrevData:       prevData,
		Blocks:         blocks,
		RelevantBlocks: relevantBlocks,
		DeletedCids:    diff.RemovedCids,
		newTree:        newTree,
		newCommit:      newCommit,
	}
	return repoOps, data, nil
}

// ApplyCommit implements spec §4.6.3: writes cd's blocks and removes its
// deleted CIDs atomically via the block store, then refreshes the facade's
// cached tree/commit/commitCID. Returns the new commit CID.
func (r *Repo) ApplyCommit(ctx context.Context, cd *CommitData) (cid.Cid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.ApplyCommit(ctx, cd.Blocks, cd.DeletedCids); err != nil {
		return cid.Undef, err
	}

	if cd.newTree != nil {
		r.tree = cd.newTree
	} else {
		r.tree = mst.Load(r.store, cd.Data, nil)
	}
	if cd.newCommit != nil {
		r.commit = cd.newCommit
	} else {
		data, found, err := r.store.Get(ctx, cd.CID)
		if err != nil {
			return cid.Undef, err
		}
		if !found {
			return cid.Undef, errs.New(errs.NotFound, "repo: apply_commit reload", cd.CID.String())
		}
		c, err := commit.Decode(data)
		if err != nil {
			return cid.Undef, err
		}
		r.commit = c
	}
	r.commitCID = cd.CID
	return cd.CID, nil
}

// FormatInitCommit implements spec §4.6.4: builds an empty MST, applies
// optional initial Create ops, signs the first commit (prev = nil), and
// returns its CommitData without applying it. Non-Create ops are rejected
// since there is no existing repository state for them to act against.
func FormatInitCommit(ctx context.Context, store blockstore.Store, did string, initialOps []RecordWriteOp, signingKey atcrypto.PrivateKey) ([]mst.RepoOp, *CommitData, error) {
	for _, op := range initialOps {
		if op.Kind != WriteCreate {
			return nil, nil, errs.New(errs.NotFound, "repo: format_init_commit", "initial commit accepts only Create ops")
		}
	}
	empty := Open(store, did, mst.New(store), nil, cid.Undef)
	return empty.CreateCommit(ctx, initialOps, signingKey)
}

// Create builds and applies a new repository's first commit, returning the
// ready-to-use facade.
func Create(ctx context.Context, store blockstore.Store, did string, initialOps []RecordWriteOp, signingKey atcrypto.PrivateKey) (*Repo, error) {
	empty := Open(store, did, mst.New(store), nil, cid.Undef)
	_, cd, err := empty.CreateCommit(ctx, initialOps, signingKey)
	if err != nil {
		return nil, err
	}
	if _, err := empty.ApplyCommit(ctx, cd); err != nil {
		return nil, err
	}
	return empty, nil
}
