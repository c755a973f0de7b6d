package blockstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atrepo/engine/internal/errs"
)

// Schema is the DDL for the durable block store, grounded on the teacher's
// internal/database/schema.go TenantSchema.repo_blocks/repo_roots tables.
const Schema = `
CREATE TABLE IF NOT EXISTS repo_blocks (
	did  TEXT NOT NULL,
	cid  TEXT NOT NULL,
	data BYTEA NOT NULL,
	PRIMARY KEY (did, cid)
);

CREATE TABLE IF NOT EXISTS repo_roots (
	did        TEXT PRIMARY KEY,
	commit_cid TEXT NOT NULL,
	rev        TEXT NOT NULL
);
`

// Postgres is a durable block store backend scoped to one repository (DID),
// grounded on the teacher's internal/repo/blockstore.go LoadBlocks/PersistAll
// and internal/database/database.go connection handling.
type Postgres struct {
	pool *pgxpool.Pool
	did  string
}

// NewPostgres wraps an existing pgxpool.Pool, scoping all operations to did.
func NewPostgres(pool *pgxpool.Pool, did string) *Postgres {
	return &Postgres{pool: pool, did: did}
}

func (p *Postgres) Get(ctx context.Context, c cid.Cid) ([]byte, bool, error) {
	var data []byte
	err := p.pool.QueryRow(ctx,
		`SELECT data FROM repo_blocks WHERE did = $1 AND cid = $2`,
		p.did, c.String()).Scan(&data)
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, errs.Wrap(errs.StorageError, "blockstore: pg get", err)
	}
	return data, true, nil
}

func (p *Postgres) Has(ctx context.Context, c cid.Cid) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM repo_blocks WHERE did = $1 AND cid = $2)`,
		p.did, c.String()).Scan(&exists)
	if err != nil {
		return false, errs.Wrap(errs.StorageError, "blockstore: pg has", err)
	}
	return exists, nil
}

func (p *Postgres) GetMany(ctx context.Context, cids []cid.Cid) (map[cid.Cid][]byte, error) {
	out := make(map[cid.Cid][]byte, len(cids))
	for _, c := range cids {
		data, ok, err := p.Get(ctx, c)
		if err != nil {
			return nil, err
		}
		if ok {
			out[c] = data
		}
	}
	return out, nil
}

func (p *Postgres) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	c, err := ComputeCID(data)
	if err != nil {
		return cid.Undef, err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO repo_blocks (did, cid, data) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		p.did, c.String(), data)
	if err != nil {
		return cid.Undef, errs.Wrap(errs.StorageError, "blockstore: pg put", err)
	}
	return c, nil
}

func (p *Postgres) PutMany(ctx context.Context, blocks map[cid.Cid][]byte) error {
	for c, data := range blocks {
		if _, err := p.putRaw(ctx, c, data); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) putRaw(ctx context.Context, c cid.Cid, data []byte) (cid.Cid, error) {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO repo_blocks (did, cid, data) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		p.did, c.String(), data)
	if err != nil {
		return cid.Undef, errs.Wrap(errs.StorageError, "blockstore: pg put many", err)
	}
	return c, nil
}

// ApplyCommit writes then deletes within a single transaction, satisfying
// the atomicity contract of spec §4.1/§5.
func (p *Postgres) ApplyCommit(ctx context.Context, blocks map[cid.Cid][]byte, deletedCids []cid.Cid) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return errs.Wrap(errs.StorageError, "blockstore: pg apply_commit begin", err)
	}
	defer tx.Rollback(ctx)

	for c, data := range blocks {
		if _, err := tx.Exec(ctx,
			`INSERT INTO repo_blocks (did, cid, data) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			p.did, c.String(), data); err != nil {
			return errs.Wrap(errs.StorageError, "blockstore: pg apply_commit write", err)
		}
	}
	for _, c := range deletedCids {
		if _, err := tx.Exec(ctx,
			`DELETE FROM repo_blocks WHERE did = $1 AND cid = $2`,
			p.did, c.String()); err != nil {
			return errs.Wrap(errs.StorageError, "blockstore: pg apply_commit delete", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Wrap(errs.StorageError, "blockstore: pg apply_commit commit", err)
	}
	return nil
}

// SetRoot records the current commit pointer for did, grounded on the
// teacher's repo.go setRoot/loadRoot.
func (p *Postgres) SetRoot(ctx context.Context, commitCID cid.Cid, rev string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO repo_roots (did, commit_cid, rev) VALUES ($1, $2, $3)
		 ON CONFLICT (did) DO UPDATE SET commit_cid = $2, rev = $3`,
		p.did, commitCID.String(), rev)
	if err != nil {
		return errs.Wrap(errs.StorageError, "blockstore: pg set root", err)
	}
	return nil
}

// LoadRoot returns the persisted commit CID and rev for did, or found=false
// if the repository has never been initialized.
func (p *Postgres) LoadRoot(ctx context.Context) (commitCID cid.Cid, rev string, found bool, err error) {
	var cidStr string
	err = p.pool.QueryRow(ctx,
		`SELECT commit_cid, rev FROM repo_roots WHERE did = $1`, p.did).Scan(&cidStr, &rev)
	if err != nil {
		if isNoRows(err) {
			return cid.Undef, "", false, nil
		}
		return cid.Undef, "", false, errs.Wrap(errs.StorageError, "blockstore: pg load root", err)
	}
	c, err := cid.Decode(cidStr)
	if err != nil {
		return cid.Undef, "", false, errs.Wrap(errs.SerializationError, "blockstore: pg decode root cid", err)
	}
	return c, rev, true, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

var _ Store = (*Postgres)(nil)

// EnsureSchema runs the DDL needed for the durable store. Call once at
// repository bootstrap time.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("blockstore: ensure schema: %w", err)
	}
	return nil
}
