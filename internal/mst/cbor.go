package mst

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"

	"github.com/atrepo/engine/internal/errs"
)

// This file hand-codes canonical DAG-CBOR encode/decode for exactly the MST
// node wire schema of spec §3.4/§4.3: a map with keys "e" (array of tree
// entries) and "l" (optional left subtree CID-link). It mirrors the style of
// indigo's go generate-produced *_cbor_gen.go files (explicit
// MarshalCBOR/UnmarshalCBOR methods walking major-type bytes by hand) rather
// than a reflection-based CBOR library, since cbor-gen's own output is
// exactly this shape and the alternative (github.com/whyrusleeping/cbor-gen)
// requires running `go generate` against a schema file, which this exercise
// does not run. See DESIGN.md for the full justification.

const (
	majorUint     = 0
	majorBytes    = 2
	majorText     = 3
	majorArray    = 4
	majorMap      = 5
	majorTag      = 6
	cidLinkTag    = 42
	cidMultibase0 = 0x00 // identity multibase prefix DAG-CBOR requires before raw CID bytes
)

func writeHeader(w io.Writer, major byte, n uint64) error {
	return writeCborHeader(w, major, n)
}

// writeCborHeader writes a CBOR major-type/argument pair using the shortest
// canonical encoding (required for byte-identical re-encoding, spec §8.2).
func writeCborHeader(w io.Writer, major byte, n uint64) error {
	m := major << 5
	switch {
	case n < 24:
		_, err := w.Write([]byte{m | byte(n)})
		return err
	case n <= 0xff:
		_, err := w.Write([]byte{m | 24, byte(n)})
		return err
	case n <= 0xffff:
		_, err := w.Write([]byte{m | 25, byte(n >> 8), byte(n)})
		return err
	case n <= 0xffffffff:
		_, err := w.Write([]byte{m | 26, byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
		return err
	default:
		buf := []byte{m | 27, 0, 0, 0, 0, 0, 0, 0, 0}
		for i := 0; i < 8; i++ {
			buf[8-i] = byte(n >> (8 * i))
		}
		_, err := w.Write(buf)
		return err
	}
}

func writeUint(w io.Writer, n uint64) error { return writeCborHeader(w, majorUint, n) }

func writeBytes(w io.Writer, b []byte) error {
	if err := writeCborHeader(w, majorBytes, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func writeText(w io.Writer, s string) error {
	if err := writeCborHeader(w, majorText, uint64(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func writeArrayHeader(w io.Writer, n int) error { return writeCborHeader(w, majorArray, uint64(n)) }

func writeMapHeader(w io.Writer, n int) error { return writeCborHeader(w, majorMap, uint64(n)) }

func writeCIDLink(w io.Writer, c cid.Cid) error {
	if err := writeCborHeader(w, majorTag, cidLinkTag); err != nil {
		return err
	}
	raw := c.Bytes()
	buf := make([]byte, 0, len(raw)+1)
	buf = append(buf, cidMultibase0)
	buf = append(buf, raw...)
	return writeBytes(w, buf)
}

// wireEntry is one "e" array element (spec §3.4).
type wireEntry struct {
	P int
	K []byte
	V cid.Cid
	T *cid.Cid
}

// wireNode is the on-wire MST node object (spec §3.4).
type wireNode struct {
	L *cid.Cid
	E []wireEntry
}

// encodeNode serializes a wireNode to canonical DAG-CBOR bytes. Field order
// is fixed ("e" then "l" — spec §4.3 step 3); within "e" each entry is
// {p, k, v, t?} also in fixed order.
func encodeNode(n wireNode) ([]byte, error) {
	var buf bytes.Buffer

	numFields := 1 // "e" always present
	if n.L != nil {
		numFields++
	}
	if err := writeMapHeader(&buf, numFields); err != nil {
		return nil, err
	}

	if err := writeText(&buf, "e"); err != nil {
		return nil, err
	}
	if err := writeArrayHeader(&buf, len(n.E)); err != nil {
		return nil, err
	}
	for _, e := range n.E {
		entryFields := 3
		if e.T != nil {
			entryFields++
		}
		if err := writeMapHeader(&buf, entryFields); err != nil {
			return nil, err
		}
		if err := writeText(&buf, "p"); err != nil {
			return nil, err
		}
		if err := writeUint(&buf, uint64(e.P)); err != nil {
			return nil, err
		}
		if err := writeText(&buf, "k"); err != nil {
			return nil, err
		}
		if err := writeBytes(&buf, e.K); err != nil {
			return nil, err
		}
		if err := writeText(&buf, "v"); err != nil {
			return nil, err
		}
		if err := writeCIDLink(&buf, e.V); err != nil {
			return nil, err
		}
		if e.T != nil {
			if err := writeText(&buf, "t"); err != nil {
				return nil, err
			}
			if err := writeCIDLink(&buf, *e.T); err != nil {
				return nil, err
			}
		}
	}

	if n.L != nil {
		if err := writeText(&buf, "l"); err != nil {
			return nil, err
		}
		if err := writeCIDLink(&buf, *n.L); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// --- decoding ---

type cborReader struct {
	data []byte
	pos  int
}

func (r *cborReader) readByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, io.ErrUnexpectedEOF
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *cborReader) readN(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// readHeader returns the major type and argument value.
func (r *cborReader) readHeader() (byte, uint64, error) {
	b, err := r.readByte()
	if err != nil {
		return 0, 0, err
	}
	major := b >> 5
	arg := b & 0x1f
	switch {
	case arg < 24:
		return major, uint64(arg), nil
	case arg == 24:
		b, err := r.readByte()
		return major, uint64(b), err
	case arg == 25:
		b, err := r.readN(2)
		if err != nil {
			return 0, 0, err
		}
		return major, uint64(b[0])<<8 | uint64(b[1]), nil
	case arg == 26:
		b, err := r.readN(4)
		if err != nil {
			return 0, 0, err
		}
		var n uint64
		for _, x := range b {
			n = n<<8 | uint64(x)
		}
		return major, n, nil
	case arg == 27:
		b, err := r.readN(8)
		if err != nil {
			return 0, 0, err
		}
		var n uint64
		for _, x := range b {
			n = n<<8 | uint64(x)
		}
		return major, n, nil
	default:
		return 0, 0, fmt.Errorf("mst: cbor: unsupported additional info %d", arg)
	}
}

func (r *cborReader) expectMajor(want byte) (uint64, error) {
	major, n, err := r.readHeader()
	if err != nil {
		return 0, err
	}
	if major != want {
		return 0, fmt.Errorf("mst: cbor: expected major type %d, got %d", want, major)
	}
	return n, nil
}

func (r *cborReader) readTextKey() (string, error) {
	n, err := r.expectMajor(majorText)
	if err != nil {
		return "", err
	}
	b, err := r.readN(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *cborReader) readBytesValue() ([]byte, error) {
	n, err := r.expectMajor(majorBytes)
	if err != nil {
		return nil, err
	}
	b, err := r.readN(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (r *cborReader) readUintValue() (uint64, error) {
	return r.expectMajor(majorUint)
}

func (r *cborReader) readCIDLink() (cid.Cid, error) {
	major, tag, err := r.readHeader()
	if err != nil {
		return cid.Undef, err
	}
	if major != majorTag || tag != cidLinkTag {
		return cid.Undef, fmt.Errorf("mst: cbor: expected CID-link tag")
	}
	raw, err := r.readBytesValue()
	if err != nil {
		return cid.Undef, err
	}
	if len(raw) == 0 || raw[0] != cidMultibase0 {
		return cid.Undef, fmt.Errorf("mst: cbor: CID-link missing multibase-identity prefix")
	}
	_, c, err := cid.CidFromBytes(raw[1:])
	if err != nil {
		return cid.Undef, err
	}
	return c, nil
}

// decodeNode parses canonical DAG-CBOR bytes into a wireNode and runs the
// node invariants of spec §3.4.
func decodeNode(data []byte) (wireNode, error) {
	r := &cborReader{data: data}
	numFields, err := r.expectMajor(majorMap)
	if err != nil {
		return wireNode{}, errs.Wrap(errs.MalformedNode, "mst: decode node", err)
	}

	var n wireNode
	for i := uint64(0); i < numFields; i++ {
		key, err := r.readTextKey()
		if err != nil {
			return wireNode{}, errs.Wrap(errs.MalformedNode, "mst: decode node key", err)
		}
		switch key {
		case "e":
			entries, err := decodeEntries(r)
			if err != nil {
				return wireNode{}, errs.Wrap(errs.MalformedNode, "mst: decode node entries", err)
			}
			n.E = entries
		case "l":
			c, err := r.readCIDLink()
			if err != nil {
				return wireNode{}, errs.Wrap(errs.MalformedNode, "mst: decode node l", err)
			}
			n.L = &c
		default:
			return wireNode{}, errs.New(errs.MalformedNode, "mst: decode node", fmt.Sprintf("unknown field %q", key))
		}
	}

	if err := validateWireNode(n); err != nil {
		return wireNode{}, err
	}
	return n, nil
}

func decodeEntries(r *cborReader) ([]wireEntry, error) {
	count, err := r.expectMajor(majorArray)
	if err != nil {
		return nil, err
	}
	entries := make([]wireEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		numFields, err := r.expectMajor(majorMap)
		if err != nil {
			return nil, err
		}
		var e wireEntry
		haveP, haveK, haveV := false, false, false
		for j := uint64(0); j < numFields; j++ {
			key, err := r.readTextKey()
			if err != nil {
				return nil, err
			}
			switch key {
			case "p":
				p, err := r.readUintValue()
				if err != nil {
					return nil, err
				}
				e.P = int(p)
				haveP = true
			case "k":
				k, err := r.readBytesValue()
				if err != nil {
					return nil, err
				}
				e.K = k
				haveK = true
			case "v":
				v, err := r.readCIDLink()
				if err != nil {
					return nil, err
				}
				e.V = v
				haveV = true
			case "t":
				t, err := r.readCIDLink()
				if err != nil {
					return nil, err
				}
				e.T = &t
			default:
				return nil, fmt.Errorf("mst: cbor: unknown entry field %q", key)
			}
		}
		if !haveP || !haveK || !haveV {
			return nil, fmt.Errorf("mst: cbor: entry missing required field")
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// validateWireNode enforces spec §3.4 invariants 1 and 2: each reconstructed
// key is well-formed and strictly greater than the previous one, the first
// entry has p=0, and no p exceeds the previous key's length. Invariant 3
// follows from the wire shape itself; invariant 4 (no pointer to an empty
// node) is not checked here.
func validateWireNode(n wireNode) error {
	prevKey := ""
	for i, e := range n.E {
		if i == 0 && e.P != 0 {
			return errs.New(errs.MalformedNode, "mst: validate node", "first entry must have p=0")
		}
		if e.P > len(prevKey) {
			return errs.New(errs.MalformedNode, "mst: validate node", "prefix length exceeds previous key length")
		}
		key := prevKey[:e.P] + string(e.K)
		if i > 0 && key <= prevKey {
			return errs.New(errs.MalformedNode, "mst: validate node", "entries must be strictly increasing")
		}
		if err := ValidateKey(key); err != nil {
			return errs.Wrap(errs.MalformedNode, "mst: validate node key", err)
		}
		prevKey = key
	}
	return nil
}
