// Package blockstore implements the repository engine's content-addressed
// block store (component C1): an immutable CID -> bytes map with batched
// writes and atomic commit application. Grounded on the teacher's
// internal/repo/blockstore.go (MemBlockstore/TrackingBlockstore), generalized
// from a single in-process store into an interface with memory, layered and
// Postgres-backed implementations.
package blockstore

import (
	"context"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/atrepo/engine/internal/errs"
)

// Store is the driver interface every block-store backend must satisfy
// (spec §4.1, §6.1). Implementations: Memory, Layered, Postgres.
type Store interface {
	// Get returns the raw bytes for c. found is false, err is nil when c is
	// simply absent - absence on its own is not an error (spec §4.1).
	Get(ctx context.Context, c cid.Cid) (data []byte, found bool, err error)

	// Has reports whether c is present without fetching its bytes.
	Has(ctx context.Context, c cid.Cid) (bool, error)

	// GetMany returns every requested CID that is present; absent CIDs are
	// simply missing from the result map.
	GetMany(ctx context.Context, cids []cid.Cid) (map[cid.Cid][]byte, error)

	// Put hashes data (sha2-256 over the DAG-CBOR-tagged bytes) and stores
	// it if not already present. Idempotent.
	Put(ctx context.Context, data []byte) (cid.Cid, error)

	// PutMany bulk-inserts a precomputed CID -> bytes map. Idempotent.
	PutMany(ctx context.Context, blocks map[cid.Cid][]byte) error

	// ApplyCommit writes blocks then deletes deletedCids. Must be atomic
	// with respect to readers: either both effects are visible or neither.
	// Writes precede deletes so a crash between them leaves storage
	// strictly larger, never inconsistent (spec §4.1, §5).
	ApplyCommit(ctx context.Context, blocks map[cid.Cid][]byte, deletedCids []cid.Cid) error
}

// ComputeCID hashes data as DAG-CBOR (codec 0x71) over sha2-256, the sole
// CID derivation rule in this engine (spec §3.1).
func ComputeCID(data []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, errs.Wrap(errs.SerializationError, "blockstore: compute cid", err)
	}
	return cid.NewCidV1(cid.DagCBOR, mh), nil
}
