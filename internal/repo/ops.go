package repo

import (
	"github.com/ipfs/go-cid"

	"github.com/atrepo/engine/internal/commit"
	"github.com/atrepo/engine/internal/mst"
)

// WriteOpKind tags a RecordWriteOp (spec §6.4).
type WriteOpKind int

const (
	WriteCreate WriteOpKind = iota
	WriteUpdate
	WriteDelete
)

// RecordWriteOp is the input to CreateCommit: a tagged union of
// Create{collection, rkey, record}, Update{collection, rkey, record, prev?},
// Delete{collection, rkey, prev?} (spec §6.4).
type RecordWriteOp struct {
	Kind       WriteOpKind
	Collection string
	Rkey       string
	Record     map[string]any // required for Create/Update, nil for Delete
	Prev       *cid.Cid       // caller's expected prior value CID, for Update/Delete
}

func (op RecordWriteOp) path() string { return op.Collection + "/" + op.Rkey }

// CommitData is the result of CreateCommit / format_init_commit: everything
// apply_commit and to_firehose_commit need (spec §4.6.2 step 6).
type CommitData struct {
	CID      cid.Cid
	Rev      string
	Since    string   // prior commit's rev, empty on the first commit
	Prev     *cid.Cid // prior commit CID, nil on the first commit
	Data     cid.Cid  // new MST root
	PrevData *cid.Cid // prior commit's MST root, nil on the first commit

	Blocks         map[cid.Cid][]byte // new_mst_blocks ∪ record blocks ∪ {commit block}; a first commit also carries every node of its tree
	RelevantBlocks map[cid.Cid][]byte // minimal set a v1.1 consumer needs
	DeletedCids    []cid.Cid

	newTree   *mst.Mst
	newCommit *commit.Commit
}
