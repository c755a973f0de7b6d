package mst

import (
	"context"

	"github.com/ipfs/go-cid"
)

// KeyChange is a created or deleted (key, value CID) pair.
type KeyChange struct {
	Key string
	Cid cid.Cid
}

// KeyUpdate is a changed key: its old and new value CIDs.
type KeyUpdate struct {
	Key    string
	NewCid cid.Cid
	OldCid cid.Cid
}

// Diff is the result of comparing two trees (spec §4.4, §4.6.2): which keys
// were created/updated/deleted, and which MST node blocks are new or
// removed as a result. RemovedCids additionally folds in the old value CIDs
// of updated/deleted leaves, for callers assembling a commit's full
// removed-block set.
type Diff struct {
	Creates []KeyChange
	Updates []KeyUpdate
	Deletes []KeyChange

	NewMstBlocks     map[cid.Cid][]byte
	RemovedMstBlocks []cid.Cid
	RemovedCids      []cid.Cid
}

// Diff compares t (old) against other (new).
func (t *Mst) Diff(ctx context.Context, other *Mst) (*Diff, error) {
	selfLeaves, err := t.Leaves(ctx)
	if err != nil {
		return nil, err
	}
	otherLeaves, err := other.Leaves(ctx)
	if err != nil {
		return nil, err
	}

	d := &Diff{}
	i, j := 0, 0
	for i < len(selfLeaves) && j < len(otherLeaves) {
		a, b := selfLeaves[i], otherLeaves[j]
		switch {
		case a.Key < b.Key:
			d.Deletes = append(d.Deletes, KeyChange{Key: a.Key, Cid: a.Cid})
			i++
		case a.Key > b.Key:
			d.Creates = append(d.Creates, KeyChange{Key: b.Key, Cid: b.Cid})
			j++
		default:
			if !a.Cid.Equals(b.Cid) {
				d.Updates = append(d.Updates, KeyUpdate{Key: a.Key, NewCid: b.Cid, OldCid: a.Cid})
			}
			i++
			j++
		}
	}
	for ; i < len(selfLeaves); i++ {
		d.Deletes = append(d.Deletes, KeyChange{Key: selfLeaves[i].Key, Cid: selfLeaves[i].Cid})
	}
	for ; j < len(otherLeaves); j++ {
		d.Creates = append(d.Creates, KeyChange{Key: otherLeaves[j].Key, Cid: otherLeaves[j].Cid})
	}

	selfNodes := make(map[cid.Cid][]byte)
	if err := collectNodeCIDs(ctx, t, selfNodes); err != nil {
		return nil, err
	}
	otherNodes := make(map[cid.Cid][]byte)
	if err := collectNodeCIDs(ctx, other, otherNodes); err != nil {
		return nil, err
	}

	d.NewMstBlocks = make(map[cid.Cid][]byte)
	for c, data := range otherNodes {
		if _, ok := selfNodes[c]; !ok {
			d.NewMstBlocks[c] = data
		}
	}
	for c := range selfNodes {
		if _, ok := otherNodes[c]; !ok {
			d.RemovedMstBlocks = append(d.RemovedMstBlocks, c)
		}
	}

	d.RemovedCids = append([]cid.Cid(nil), d.RemovedMstBlocks...)
	for _, u := range d.Updates {
		d.RemovedCids = append(d.RemovedCids, u.OldCid)
	}
	for _, del := range d.Deletes {
		d.RemovedCids = append(d.RemovedCids, del.Cid)
	}

	return d, nil
}

// collectNodeCIDs walks every MST node reachable from t, independent of
// what the backing store already holds, recording each node's canonical
// bytes keyed by its CID. Used by Diff to compute block-set differences
// between two trees that may share most of their structure.
func collectNodeCIDs(ctx context.Context, t *Mst, out map[cid.Cid][]byte) error {
	data, ptr, err := t.nodeBytes(ctx)
	if err != nil {
		return err
	}
	if _, ok := out[ptr]; !ok {
		out[ptr] = data
	}
	entries, err := t.getEntries(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.isSubtree() {
			if err := collectNodeCIDs(ctx, e.subtree, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// RepoOp is a single repository write derived from a Diff, in the shape
// needed by commit construction and firehose messages (spec §3.5, §4.6).
type RepoOp struct {
	Action string // "create", "update", or "delete"
	Path   string
	Cid    *cid.Cid // nil for delete
	Prev   *cid.Cid // nil for create
}

// ToRepoOps renders the diff as an ordered list of repo ops: creates, then
// updates, then deletes, each in ascending key order (spec §4.6.2).
func (d *Diff) ToRepoOps() []RepoOp {
	var ops []RepoOp
	for _, c := range d.Creates {
		cc := c.Cid
		ops = append(ops, RepoOp{Action: "create", Path: c.Key, Cid: &cc})
	}
	for _, u := range d.Updates {
		nc := u.NewCid
		oc := u.OldCid
		ops = append(ops, RepoOp{Action: "update", Path: u.Key, Cid: &nc, Prev: &oc})
	}
	for _, del := range d.Deletes {
		oc := del.Cid
		ops = append(ops, RepoOp{Action: "delete", Path: del.Key, Prev: &oc})
	}
	return ops
}

// ToVerifiedOps renders the diff as VerifiedWriteOps for Mst.Batch, the
// shape firehose validation uses to replay a commit's effect locally
// (spec §4.7.1 step 7).
func (d *Diff) ToVerifiedOps() []VerifiedWriteOp {
	var ops []VerifiedWriteOp
	for _, c := range d.Creates {
		ops = append(ops, VerifiedWriteOp{Kind: OpCreate, Key: c.Key, Value: c.Cid})
	}
	for _, u := range d.Updates {
		ops = append(ops, VerifiedWriteOp{Kind: OpUpdate, Key: u.Key, Value: u.NewCid, Prev: u.OldCid})
	}
	for _, del := range d.Deletes {
		ops = append(ops, VerifiedWriteOp{Kind: OpDelete, Key: del.Key, Prev: del.Cid})
	}
	return ops
}
