package commit

import (
	"testing"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/multiformats/go-multihash"

	"github.com/ipfs/go-cid"
)

func testMstRoot(t *testing.T) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum([]byte("mst-root"), multihash.SHA2_256, -1)
	if err != nil {
		t.Fatalf("multihash: %v", err)
	}
	return cid.NewCidV1(cid.Raw, mh)
}

func TestSignThenVerifySucceeds(t *testing.T) {
	priv, err := atcrypto.GeneratePrivateKeyK256()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub, err := priv.PublicKey()
	if err != nil {
		t.Fatalf("public key: %v", err)
	}

	c := New("did:plc:testsubject000000000000000", testMstRoot(t), "3jzfcijpj2z2a", nil)
	if err := c.Sign(priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(c.Sig()) == 0 {
		t.Fatal("expected a non-empty signature after Sign")
	}

	if err := c.Verify(pub); err != nil {
		t.Fatalf("verify should succeed for an untampered commit: %v", err)
	}
}

func TestVerifyFailsOnTamperedData(t *testing.T) {
	priv, err := atcrypto.GeneratePrivateKeyK256()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub, err := priv.PublicKey()
	if err != nil {
		t.Fatalf("public key: %v", err)
	}

	c := New("did:plc:testsubject000000000000000", testMstRoot(t), "3jzfcijpj2z2a", nil)
	if err := c.Sign(priv); err != nil {
		t.Fatalf("sign: %v", err)
	}

	c.inner.Rev = "3jzfcijpj2z2b"
	if err := c.Verify(pub); err == nil {
		t.Fatal("expected verify to fail after mutating a signed field")
	}
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	priv, err := atcrypto.GeneratePrivateKeyK256()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	root := testMstRoot(t)
	c := New("did:plc:testsubject000000000000000", root, "3jzfcijpj2z2a", nil)
	if err := c.Sign(priv); err != nil {
		t.Fatalf("sign: %v", err)
	}

	data, err := c.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.DID() != c.DID() || decoded.Rev() != c.Rev() || !decoded.Data().Equals(root) {
		t.Fatal("decoded commit does not match original fields")
	}
}
