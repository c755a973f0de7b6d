package repo

import (
	"bytes"
	"time"

	atproto "github.com/bluesky-social/indigo/api/atproto"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/ipfs/go-cid"

	"github.com/atrepo/engine/internal/car"
	"github.com/atrepo/engine/internal/firehose"
	"github.com/atrepo/engine/internal/mst"
)

// ToFirehoseCommit implements spec §4.6.5: emits a firehose message whose
// Blocks field is a CAR containing blocks ∪ relevant_blocks rooted at the
// commit CID. v1_1 controls whether PrevData (the MST root this commit
// descends from) is included, per spec §6.3's "present iff v1.1". The
// returned message is the same generated
// github.com/bluesky-social/indigo/api/atproto.SyncSubscribeRepos_Commit
// the teacher's internal/events.Manager.Emit assembles, built the same way
// (lexutil.LexLink/LexBytes wrapping, RFC3339 time, empty non-nil Blobs).
func (r *Repo) ToFirehoseCommit(cd *CommitData, seq int64, when time.Time, repoOps []mst.RepoOp, v1_1 bool) (*firehose.Commit, error) {
	combined := make(map[cid.Cid][]byte, len(cd.Blocks)+len(cd.RelevantBlocks))
	for c, data := range cd.Blocks {
		combined[c] = data
	}
	for c, data := range cd.RelevantBlocks {
		combined[c] = data
	}

	var buf bytes.Buffer
	if err := car.Write(&buf, cd.CID, combined); err != nil {
		return nil, err
	}

	var since *string
	if cd.Since != "" {
		s := cd.Since
		since = &s
	}

	var prevData *lexutil.LexLink
	if v1_1 && cd.PrevData != nil {
		ll := lexutil.LexLink(*cd.PrevData)
		prevData = &ll
	}

	msg := &atproto.SyncSubscribeRepos_Commit{
		Repo:     r.did,
		Rev:      cd.Rev,
		Seq:      seq,
		Since:    since,
		Time:     when.UTC().Format(time.RFC3339),
		Commit:   lexutil.LexLink(cd.CID),
		Blocks:   lexutil.LexBytes(buf.Bytes()),
		Ops:      toWireOps(repoOps),
		Blobs:    []lexutil.LexLink{},
		PrevData: prevData,
		Rebase:   false,
		TooBig:   false,
	}
	return msg, nil
}

func toWireOps(ops []mst.RepoOp) []*firehose.RepoOp {
	out := make([]*firehose.RepoOp, 0, len(ops))
	for _, op := range ops {
		wireOp := &atproto.SyncSubscribeRepos_RepoOp{
			Action: op.Action,
			Path:   op.Path,
		}
		if op.Cid != nil {
			ll := lexutil.LexLink(*op.Cid)
			wireOp.Cid = &ll
		}
		if op.Prev != nil {
			ll := lexutil.LexLink(*op.Prev)
			wireOp.Prev = &ll
		}
		out = append(out, wireOp)
	}
	return out
}
