// Package repo implements the repository facade (component C6): record
// CRUD over the MST, commit construction and application, and firehose
// message assembly. Grounded on the teacher's internal/repo/{repo,record,
// signing}.go, generalized from the teacher's Postgres-tenant-per-call
// style to a single in-memory facade value per spec §4.6's state model
// (block-store handle, current Mst, current Commit, current commit_cid).
package repo

import (
	"github.com/bluesky-social/indigo/atproto/data"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// EncodeRecord converts a record already in the atproto data model (e.g.
// via data.UnmarshalJSON) to canonical DAG-CBOR bytes.
func EncodeRecord(record map[string]any) ([]byte, error) {
	return data.MarshalCBOR(record)
}

// DecodeRecord converts DAG-CBOR bytes back to an atproto data map.
func DecodeRecord(cborBytes []byte) (map[string]any, error) {
	return data.UnmarshalCBOR(cborBytes)
}

// ComputeCID returns a CIDv1 (SHA-256, DAG-CBOR codec) for raw bytes.
func ComputeCID(raw []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(raw, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.DagCBOR, mh), nil
}
