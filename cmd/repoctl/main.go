// repoctl is a command-line harness over the repository storage engine
// (C1-C8): it generates signing keys and DIDs, creates and mutates a
// repository backed by Postgres, exports CAR files, builds merkle proofs,
// and validates firehose commit messages.
//
// Usage:
//
//	repoctl genkey [-handle h] [-domain example.com] [-plc]
//	repoctl init   -config db.json -did <did> [-frame out.frame]
//	repoctl put    -config db.json -did <did> -collection <nsid> -rkey <key> -record <json> [-frame out.frame]
//	repoctl get    -config db.json -did <did> -collection <nsid> -rkey <key>
//	repoctl delete -config db.json -did <did> -collection <nsid> -rkey <key> [-frame out.frame]
//	repoctl export -config db.json -did <did> -out repo.car
//	repoctl prove  -config db.json -did <did> -collection <nsid> -rkey <key> -out proof.car
//	repoctl validate -mode v1.0|v1.1 -frame commit.frame -pubkey <multibase> [-config db.json]
//
// -frame writes/reads the same CBOR wire frame (EventHeader + the
// generated SyncSubscribeRepos_Commit) the teacher's internal/events
// package emits over the firehose and persists to storage.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/ipfs/go-cid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atrepo/engine/internal/account"
	"github.com/atrepo/engine/internal/blockstore"
	"github.com/atrepo/engine/internal/car"
	"github.com/atrepo/engine/internal/commit"
	"github.com/atrepo/engine/internal/config"
	"github.com/atrepo/engine/internal/firehose"
	"github.com/atrepo/engine/internal/mst"
	"github.com/atrepo/engine/internal/repo"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "genkey":
		err = runGenkey(os.Args[2:])
	case "init":
		err = runInit(os.Args[2:])
	case "put":
		err = runPut(os.Args[2:])
	case "get":
		err = runGet(os.Args[2:])
	case "delete":
		err = runDelete(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	case "prove":
		err = runProve(os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("repoctl %s: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: repoctl <genkey|init|put|get|delete|export|prove|validate> [flags]")
}

func runGenkey(args []string) error {
	fs := flag.NewFlagSet("genkey", flag.ExitOnError)
	handle := fs.String("handle", "", "handle to embed in the DID document (optional)")
	domainName := fs.String("domain", "example.com", "PDS service domain for the DID document")
	plc := fs.Bool("plc", false, "derive a did:plc from the signing key + handle instead of a random DID (requires -handle)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *plc && *handle == "" {
		return fmt.Errorf("-plc requires -handle")
	}

	keyMultibase, err := repo.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}

	var did string
	if *plc {
		serviceEndpoint := "https://" + *domainName
		did, _, err = account.GeneratePLCDID(keyMultibase, *handle, serviceEndpoint)
		if err != nil {
			return fmt.Errorf("generate plc did: %w", err)
		}
	} else {
		did, err = account.GenerateDID()
		if err != nil {
			return fmt.Errorf("generate did: %w", err)
		}
	}

	fmt.Printf("did: %s\n", did)
	fmt.Printf("signingKey: %s\n", keyMultibase)

	if *handle != "" {
		doc, err := account.BuildDIDDocument(did, *handle, keyMultibase, *domainName)
		if err != nil {
			return fmt.Errorf("build did document: %w", err)
		}
		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, did string) (*blockstore.Postgres, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.ConnString())
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	return blockstore.NewPostgres(pool, did), pool, nil
}

func loadSigningKey(cfg *config.Config) (atcrypto.PrivateKey, error) {
	data, err := os.ReadFile(cfg.SigningKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	priv, err := repo.ParseKey(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return priv, nil
}

// openRepo reconstructs a *repo.Repo from a Postgres-backed store's
// persisted root, or returns found=false if no commit has been written yet.
func openRepo(ctx context.Context, store *blockstore.Postgres, did string) (*repo.Repo, bool, error) {
	commitCID, _, found, err := store.LoadRoot(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("load root: %w", err)
	}
	if !found {
		return nil, false, nil
	}

	commitBytes, ok, err := store.Get(ctx, commitCID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, fmt.Errorf("commit block %s missing from store", commitCID)
	}
	c, err := commit.Decode(commitBytes)
	if err != nil {
		return nil, false, err
	}

	tree := mst.Load(store, c.Data(), nil)
	return repo.Open(store, did, tree, c, commitCID), true, nil
}

// writeFrame builds a firehose commit message for cd/repoOps and writes it
// to path as the same CBOR wire frame the teacher's internal/events
// package emits over the firehose and persists to storage. seq is 0 since
// this standalone CLI has no central sequencer to assign one - only a live
// subscribeRepos persister does that, per internal/events/persistence.go.
func writeFrame(r *repo.Repo, cd *repo.CommitData, repoOps []mst.RepoOp, path string) error {
	msg, err := r.ToFirehoseCommit(cd, 0, time.Now(), repoOps, true)
	if err != nil {
		return fmt.Errorf("to_firehose_commit: %w", err)
	}
	frame, err := firehose.EncodeFrame(msg)
	if err != nil {
		return fmt.Errorf("encode_frame: %w", err)
	}
	if err := os.WriteFile(path, frame, 0o644); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "db.json", "path to config JSON")
	did := fs.String("did", "", "repository DID (required)")
	frameOut := fs.String("frame", "", "optional path to write the genesis commit as a CBOR firehose wire frame")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *did == "" {
		return fmt.Errorf("-did is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, pool, err := openStore(ctx, cfg, *did)
	if err != nil {
		return err
	}
	defer pool.Close()

	signingKey, err := loadSigningKey(cfg)
	if err != nil {
		return err
	}

	r := repo.Open(store, *did, mst.New(store), nil, cid.Undef)
	repoOps, cd, err := r.CreateCommit(ctx, nil, signingKey)
	if err != nil {
		return fmt.Errorf("create_commit: %w", err)
	}
	if _, err := r.ApplyCommit(ctx, cd); err != nil {
		return fmt.Errorf("apply_commit: %w", err)
	}
	if err := store.SetRoot(ctx, r.CommitCID(), r.Rev()); err != nil {
		return fmt.Errorf("set root: %w", err)
	}
	if *frameOut != "" {
		if err := writeFrame(r, cd, repoOps, *frameOut); err != nil {
			return err
		}
	}
	log.Printf("repo initialized: did=%s commit=%s", *did, r.CommitCID())
	return nil
}

func runPut(args []string) error {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	configPath := fs.String("config", "db.json", "path to config JSON")
	did := fs.String("did", "", "repository DID (required)")
	collection := fs.String("collection", "", "record collection NSID (required)")
	rkey := fs.String("rkey", "", "record key (required)")
	recordJSON := fs.String("record", "{}", "record body as a JSON object")
	frameOut := fs.String("frame", "", "optional path to write the resulting commit as a CBOR firehose wire frame")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *did == "" || *collection == "" || *rkey == "" {
		return fmt.Errorf("-did, -collection and -rkey are required")
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(*recordJSON), &record); err != nil {
		return fmt.Errorf("parse -record json: %w", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, pool, err := openStore(ctx, cfg, *did)
	if err != nil {
		return err
	}
	defer pool.Close()

	signingKey, err := loadSigningKey(cfg)
	if err != nil {
		return err
	}

	r, found, err := openRepo(ctx, store, *did)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no repo found for %s; run init first", *did)
	}

	_, found, err = r.GetRecord(ctx, *collection, *rkey)
	if err != nil {
		return err
	}
	kind := repo.WriteCreate
	if found {
		kind = repo.WriteUpdate
	}

	ops := []repo.RecordWriteOp{{Kind: kind, Collection: *collection, Rkey: *rkey, Record: record}}
	repoOps, cd, err := r.CreateCommit(ctx, ops, signingKey)
	if err != nil {
		return fmt.Errorf("create_commit: %w", err)
	}
	if _, err := r.ApplyCommit(ctx, cd); err != nil {
		return fmt.Errorf("apply_commit: %w", err)
	}
	if err := store.SetRoot(ctx, cd.CID, cd.Rev); err != nil {
		return fmt.Errorf("set root: %w", err)
	}
	if *frameOut != "" {
		if err := writeFrame(r, cd, repoOps, *frameOut); err != nil {
			return err
		}
	}
	log.Printf("record written: %s/%s rev=%s commit=%s", *collection, *rkey, cd.Rev, cd.CID)
	return nil
}

func runGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	configPath := fs.String("config", "db.json", "path to config JSON")
	did := fs.String("did", "", "repository DID (required)")
	collection := fs.String("collection", "", "record collection NSID (required)")
	rkey := fs.String("rkey", "", "record key (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *did == "" || *collection == "" || *rkey == "" {
		return fmt.Errorf("-did, -collection and -rkey are required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, pool, err := openStore(ctx, cfg, *did)
	if err != nil {
		return err
	}
	defer pool.Close()

	r, found, err := openRepo(ctx, store, *did)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no repo found for %s", *did)
	}

	valueCID, found, err := r.GetRecord(ctx, *collection, *rkey)
	if err != nil {
		return err
	}
	if !found {
		fmt.Println("not found")
		return nil
	}

	data, ok, err := store.Get(ctx, valueCID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("record block %s missing", valueCID)
	}
	record, err := repo.DecodeRecord(data)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("cid: %s\n%s\n", valueCID, out)
	return nil
}

func runDelete(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", "db.json", "path to config JSON")
	did := fs.String("did", "", "repository DID (required)")
	collection := fs.String("collection", "", "record collection NSID (required)")
	rkey := fs.String("rkey", "", "record key (required)")
	frameOut := fs.String("frame", "", "optional path to write the resulting commit as a CBOR firehose wire frame")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *did == "" || *collection == "" || *rkey == "" {
		return fmt.Errorf("-did, -collection and -rkey are required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, pool, err := openStore(ctx, cfg, *did)
	if err != nil {
		return err
	}
	defer pool.Close()

	signingKey, err := loadSigningKey(cfg)
	if err != nil {
		return err
	}

	r, found, err := openRepo(ctx, store, *did)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no repo found for %s", *did)
	}

	ops := []repo.RecordWriteOp{{Kind: repo.WriteDelete, Collection: *collection, Rkey: *rkey}}
	repoOps, cd, err := r.CreateCommit(ctx, ops, signingKey)
	if err != nil {
		return fmt.Errorf("create_commit: %w", err)
	}
	if _, err := r.ApplyCommit(ctx, cd); err != nil {
		return fmt.Errorf("apply_commit: %w", err)
	}
	if err := store.SetRoot(ctx, cd.CID, cd.Rev); err != nil {
		return fmt.Errorf("set root: %w", err)
	}
	if *frameOut != "" {
		if err := writeFrame(r, cd, repoOps, *frameOut); err != nil {
			return err
		}
	}
	log.Printf("record deleted: %s/%s rev=%s commit=%s", *collection, *rkey, cd.Rev, cd.CID)
	return nil
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "db.json", "path to config JSON")
	did := fs.String("did", "", "repository DID (required)")
	out := fs.String("out", "repo.car", "output CAR path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *did == "" {
		return fmt.Errorf("-did is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, pool, err := openStore(ctx, cfg, *did)
	if err != nil {
		return err
	}
	defer pool.Close()

	r, found, err := openRepo(ctx, store, *did)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no repo found for %s", *did)
	}

	_, blocks, err := r.Tree().CollectBlocks(ctx)
	if err != nil {
		return fmt.Errorf("collect_blocks: %w", err)
	}
	commitBytes, ok, err := store.Get(ctx, r.CommitCID())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("commit block %s missing", r.CommitCID())
	}
	blocks[r.CommitCID()] = commitBytes

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := car.Write(f, r.CommitCID(), blocks); err != nil {
		return fmt.Errorf("car write: %w", err)
	}
	log.Printf("exported %d blocks to %s", len(blocks), *out)
	return nil
}

// runProve builds a size-minimal proof CAR containing only the commit
// block plus the MST nodes on the path to collection/rkey (spec §12's
// export_proof supplement), rather than the whole repository.
func runProve(args []string) error {
	fs := flag.NewFlagSet("prove", flag.ExitOnError)
	configPath := fs.String("config", "db.json", "path to config JSON")
	did := fs.String("did", "", "repository DID (required)")
	collection := fs.String("collection", "", "record collection NSID (required)")
	rkey := fs.String("rkey", "", "record key (required)")
	out := fs.String("out", "proof.car", "output proof CAR path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *did == "" || *collection == "" || *rkey == "" {
		return fmt.Errorf("-did, -collection and -rkey are required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, pool, err := openStore(ctx, cfg, *did)
	if err != nil {
		return err
	}
	defer pool.Close()

	r, found, err := openRepo(ctx, store, *did)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no repo found for %s", *did)
	}

	blocks := make(map[cid.Cid][]byte)
	if err := r.Tree().BlocksForPath(ctx, *collection+"/"+*rkey, blocks); err != nil {
		return fmt.Errorf("blocks_for_path: %w", err)
	}

	commitBytes, ok, err := store.Get(ctx, r.CommitCID())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("commit block %s missing", r.CommitCID())
	}
	blocks[r.CommitCID()] = commitBytes

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := car.Write(f, r.CommitCID(), blocks); err != nil {
		return fmt.Errorf("car write: %w", err)
	}
	log.Printf("exported proof for %s/%s to %s (%d blocks)", *collection, *rkey, *out, len(blocks))
	return nil
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	mode := fs.String("mode", "v1.1", "validation mode: v1.0 or v1.1")
	framePath := fs.String("frame", "commit.frame", "path to the CBOR-framed firehose commit message (EventHeader + SyncSubscribeRepos_Commit), as written by repoctl init/put/delete -frame or captured off a live subscribeRepos stream")
	pubkey := fs.String("pubkey", "", "multibase-encoded public key (required)")
	configPath := fs.String("config", "", "config JSON (required for -mode v1.0, to load prior storage)")
	prevMstRootFlag := fs.String("prev-mst-root", "", "prior MST root CID for -mode v1.0 (omit to validate against an empty prior tree)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *pubkey == "" {
		return fmt.Errorf("-pubkey is required")
	}

	f, err := os.Open(*framePath)
	if err != nil {
		return fmt.Errorf("open frame: %w", err)
	}
	defer f.Close()
	msg, err := firehose.DecodeFrame(f)
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	pub, err := commit.ParsePublicKey(*pubkey)
	if err != nil {
		return fmt.Errorf("parse pubkey: %w", err)
	}

	ctx := context.Background()
	var newRoot cid.Cid
	switch *mode {
	case "v1.1":
		newRoot, err = firehose.ValidateV1_1(ctx, msg, pub)
	case "v1.0":
		var prevMstRoot *cid.Cid
		if *prevMstRootFlag != "" {
			c, perr := cid.Parse(*prevMstRootFlag)
			if perr != nil {
				return fmt.Errorf("parse -prev-mst-root: %w", perr)
			}
			prevMstRoot = &c
		}
		if *configPath == "" {
			return fmt.Errorf("-config is required for -mode v1.0")
		}
		cfg, cerr := config.Load(*configPath)
		if cerr != nil {
			return cerr
		}
		store, pool, serr := openStore(ctx, cfg, msg.Repo)
		if serr != nil {
			return serr
		}
		defer pool.Close()
		newRoot, err = firehose.ValidateV1_0(ctx, msg, prevMstRoot, store, pub)
	default:
		return fmt.Errorf("unknown -mode %q, expected v1.0 or v1.1", *mode)
	}
	if err != nil {
		return fmt.Errorf("validation rejected: %w", err)
	}
	log.Printf("validation accepted, new mst root: %s", newRoot)
	return nil
}
