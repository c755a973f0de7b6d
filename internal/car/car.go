// Package car implements the CAR ("content-addressable archive") container
// (component C2): a length-prefixed framing of (header, block*) carrying a
// root CID and an unordered block set. Grounded on the teacher's
// internal/repo/blockstore.go ExportCAR/ExportDiffCAR, which already uses
// github.com/ipld/go-car for this exact purpose.
package car

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	goCar "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"

	"github.com/atrepo/engine/internal/errs"
)

// Write emits a CAR v1 archive: a header with roots = [root], then the root
// block, then every other block in blocks in map iteration order (spec
// §4.2). root must be one of the keys in blocks.
func Write(w io.Writer, root cid.Cid, blocks map[cid.Cid][]byte) error {
	if _, ok := blocks[root]; !ok {
		return errs.New(errs.MalformedCar, "car: write", "root CID is not among the written blocks")
	}
	header := &goCar.CarHeader{Roots: []cid.Cid{root}, Version: 1}
	if err := goCar.WriteHeader(header, w); err != nil {
		return errs.Wrap(errs.MalformedCar, "car: write header", err)
	}

	// Root block first, for readers that want to stream-process without
	// buffering the whole archive.
	if err := carutil.LdWrite(w, root.Bytes(), blocks[root]); err != nil {
		return errs.Wrap(errs.MalformedCar, "car: write root block", err)
	}
	for c, data := range blocks {
		if c == root {
			continue
		}
		if err := carutil.LdWrite(w, c.Bytes(), data); err != nil {
			return fmt.Errorf("car: write block %s: %w", c, err)
		}
	}
	return nil
}

// Parsed is the result of parsing a CAR archive: its first declared root
// and every framed block, deduplicated by CID.
type Parsed struct {
	Root   cid.Cid
	Blocks map[cid.Cid][]byte
}

// Parse reads a CAR v1 archive and returns its root and block set.
// Duplicate CIDs with identical bytes are silently deduplicated; duplicate
// CIDs with conflicting bytes fail with MalformedCar (spec §4.2).
func Parse(data []byte) (*Parsed, error) {
	r := bytes.NewReader(data)
	reader, err := goCar.NewCarReader(r)
	if err != nil {
		return nil, errs.Wrap(errs.MalformedCar, "car: parse header", err)
	}
	if reader.Header.Version != 1 {
		return nil, errs.New(errs.MalformedCar, "car: parse header", "unsupported CAR version")
	}
	if len(reader.Header.Roots) == 0 {
		return nil, errs.New(errs.MalformedCar, "car: parse header", "no roots declared")
	}

	blocks := make(map[cid.Cid][]byte)
	for {
		blk, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, errs.Wrap(errs.MalformedCar, "car: read block", err)
		}
		c := blk.Cid()
		blockData := blk.RawData()
		if existing, ok := blocks[c]; ok {
			if !bytes.Equal(existing, blockData) {
				return nil, errs.New(errs.MalformedCar, "car: read block",
					fmt.Sprintf("duplicate CID %s with conflicting bytes", c))
			}
			continue
		}
		blocks[c] = blockData
	}

	return &Parsed{Root: reader.Header.Roots[0], Blocks: blocks}, nil
}
