// Package commit implements the signed repository commit object
// (component C5): canonical CBOR encoding, signing, and verification of the
// (did, version, data, rev, prev, sig) tuple that anchors a repository's
// MST root. Grounded on the teacher's internal/repo/signing.go and
// internal/repo/repo.go (commitRepo/storeCommitBlock), which already use
// github.com/bluesky-social/indigo/atproto/repo for the wire object and
// atproto/atcrypto for keys; this package keeps using both rather than
// hand-rolling a new commit codec.
package commit

import (
	"bytes"
	"fmt"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	indigorepo "github.com/bluesky-social/indigo/atproto/repo"
	"github.com/ipfs/go-cid"

	"github.com/atrepo/engine/internal/blockstore"
	"github.com/atrepo/engine/internal/errs"
)

// Commit wraps indigo's wire Commit object (spec §3.7): DID, protocol
// version, MST root (Data), monotonic rev, optional prev commit CID, and a
// detached signature computed over the sig-omitted canonical CBOR form.
type Commit struct {
	inner indigorepo.Commit
}

// New builds an unsigned commit over mstRoot for did, chaining from prev
// (nil for a repository's first commit).
func New(did string, mstRoot cid.Cid, rev string, prev *cid.Cid) *Commit {
	return &Commit{inner: indigorepo.Commit{
		DID:     did,
		Version: indigorepo.ATPROTO_REPO_VERSION,
		Prev:    prev,
		Data:    mstRoot,
		Rev:     rev,
	}}
}

// DID, Data (the MST root CID), Rev, and Prev expose the commit's fields.
func (c *Commit) DID() string    { return c.inner.DID }
func (c *Commit) Data() cid.Cid  { return c.inner.Data }
func (c *Commit) Rev() string    { return c.inner.Rev }
func (c *Commit) Prev() *cid.Cid { return c.inner.Prev }
func (c *Commit) Sig() []byte    { return c.inner.Sig }

// Sign computes the detached signature over this commit's sig-omitted
// canonical CBOR encoding (spec §3.7 "sign").
func (c *Commit) Sign(signingKey atcrypto.PrivateKey) error {
	if err := c.inner.Sign(signingKey); err != nil {
		return errs.Wrap(errs.BadSignature, "commit: sign", err)
	}
	return nil
}

// Verify re-encodes the sig-omitted form and checks the detached signature
// against pubKey (spec §3.7 "verify", §4.7.1/§4.7.2/§4.8).
func (c *Commit) Verify(pubKey atcrypto.PublicKey) error {
	unsigned := c.inner
	unsigned.Sig = nil
	var buf bytes.Buffer
	if err := unsigned.MarshalCBOR(&buf); err != nil {
		return errs.Wrap(errs.SerializationError, "commit: verify encode", err)
	}
	if err := pubKey.HashAndVerify(buf.Bytes(), c.inner.Sig); err != nil {
		return errs.Wrap(errs.BadSignature, "commit: verify", err)
	}
	return nil
}

// Encode returns the full canonical CBOR bytes (including sig) to be
// written as this commit's block.
func (c *Commit) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := c.inner.MarshalCBOR(&buf); err != nil {
		return nil, errs.Wrap(errs.SerializationError, "commit: encode", err)
	}
	return buf.Bytes(), nil
}

// CID computes this commit's content-addressed CID (its block identity).
func (c *Commit) CID() (cid.Cid, error) {
	data, err := c.Encode()
	if err != nil {
		return cid.Undef, err
	}
	return blockstore.ComputeCID(data)
}

// Decode parses a commit block's raw bytes back into a Commit.
func Decode(data []byte) (*Commit, error) {
	var inner indigorepo.Commit
	if err := inner.UnmarshalCBOR(bytes.NewReader(data)); err != nil {
		return nil, errs.Wrap(errs.MalformedNode, "commit: decode", err)
	}
	return &Commit{inner: inner}, nil
}

// ParsePublicKey loads a verifying key from its multibase-encoded string,
// the form in which a DID document publishes an atproto verification
// method (spec §4.7/§4.8 "signer's public key ... obtained out-of-band").
// Mirrors the teacher's repo.ParseKey (atcrypto.ParsePrivateMultibase) with
// indigo's symmetric public-key counterpart.
func ParsePublicKey(multibase string) (atcrypto.PublicKey, error) {
	pub, err := atcrypto.ParsePublicMultibase(multibase)
	if err != nil {
		return nil, fmt.Errorf("commit: parse public key: %w", err)
	}
	return pub, nil
}
