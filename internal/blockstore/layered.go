package blockstore

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
)

// Layered composes a primary and a fallback store: reads fall through
// [primary, fallback]; writes go to primary only (spec §4.1). Used by v1.0
// firehose validation so blocks carried in the current message are read
// first, backed by whatever was already persisted, without copying.
type Layered struct {
	Primary  Store
	Fallback Store
}

// NewLayered builds a Layered store over primary and fallback.
func NewLayered(primary, fallback Store) *Layered {
	return &Layered{Primary: primary, Fallback: fallback}
}

func (l *Layered) Get(ctx context.Context, c cid.Cid) ([]byte, bool, error) {
	data, ok, err := l.Primary.Get(ctx, c)
	if err != nil {
		return nil, false, fmt.Errorf("blockstore: layered get: %w", err)
	}
	if ok {
		return data, true, nil
	}
	data, ok, err = l.Fallback.Get(ctx, c)
	if err != nil {
		return nil, false, fmt.Errorf("blockstore: layered fallback get: %w", err)
	}
	return data, ok, nil
}

func (l *Layered) Has(ctx context.Context, c cid.Cid) (bool, error) {
	ok, err := l.Primary.Has(ctx, c)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	return l.Fallback.Has(ctx, c)
}

func (l *Layered) GetMany(ctx context.Context, cids []cid.Cid) (map[cid.Cid][]byte, error) {
	out, err := l.Primary.GetMany(ctx, cids)
	if err != nil {
		return nil, err
	}
	var missing []cid.Cid
	for _, c := range cids {
		if _, ok := out[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	fromFallback, err := l.Fallback.GetMany(ctx, missing)
	if err != nil {
		return nil, err
	}
	for c, data := range fromFallback {
		out[c] = data
	}
	return out, nil
}

func (l *Layered) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	return l.Primary.Put(ctx, data)
}

func (l *Layered) PutMany(ctx context.Context, blocks map[cid.Cid][]byte) error {
	return l.Primary.PutMany(ctx, blocks)
}

func (l *Layered) ApplyCommit(ctx context.Context, blocks map[cid.Cid][]byte, deletedCids []cid.Cid) error {
	return l.Primary.ApplyCommit(ctx, blocks, deletedCids)
}
