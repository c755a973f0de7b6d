// Package firehose implements the firehose commit message (wire type, spec
// §6.3) and its validator (component C7): stateful v1.0 validation against
// a caller-supplied previous MST root and storage, and stateless v1.1
// inductive validation that proves the new root from the message's own
// bytes alone by inverting every claimed op. This core's C7 validator
// consumes the same struct the teacher's internal/events package builds
// and CBOR-frames — github.com/bluesky-social/indigo/api/atproto's
// SyncSubscribeRepos_Commit/_RepoOp — rather than defining a parallel wire
// type; EncodeFrame/DecodeFrame below mirror internal/events/{events,
// persistence}.go's Emit/encodeFrame/Replay exactly, down to the
// EventHeader{Op, MsgType} + commit CBOR framing order.
package firehose

import (
	"bytes"
	"fmt"
	"io"

	atproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/events"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// Commit is the wire firehose commit message (spec §6.3): the generated
// SyncSubscribeRepos_Commit type, CBOR-framed via its own
// MarshalCBOR/UnmarshalCBOR rather than a bespoke encoding.
type Commit = atproto.SyncSubscribeRepos_Commit

// RepoOp is the wire operation DTO (spec §6.4): the generated
// SyncSubscribeRepos_RepoOp type.
type RepoOp = atproto.SyncSubscribeRepos_RepoOp

// Op action strings, matching the generated RepoOp.Action convention (and
// the teacher's events.OpInfo.Action convention it was modeled on).
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// EncodeFrame serializes msg as the AT Protocol firehose wire format:
// CBOR(EventHeader) + CBOR(Commit), byte-for-byte the same framing as the
// teacher's internal/events/persistence.go's encodeFrame.
func EncodeFrame(msg *Commit) ([]byte, error) {
	var buf bytes.Buffer
	w := cbg.NewCborWriter(&buf)

	header := events.EventHeader{Op: events.EvtKindMessage, MsgType: "#commit"}
	if err := header.MarshalCBOR(w); err != nil {
		return nil, fmt.Errorf("firehose: encode_frame header: %w", err)
	}
	if err := msg.MarshalCBOR(w); err != nil {
		return nil, fmt.Errorf("firehose: encode_frame commit: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeFrame parses a wire frame produced by EncodeFrame (or captured live
// off a real subscribeRepos stream) back into a Commit.
func DecodeFrame(r io.Reader) (*Commit, error) {
	var header events.EventHeader
	if err := header.UnmarshalCBOR(r); err != nil {
		return nil, fmt.Errorf("firehose: decode_frame header: %w", err)
	}
	if header.Op != events.EvtKindMessage || header.MsgType != "#commit" {
		return nil, fmt.Errorf("firehose: decode_frame: unexpected frame header op=%v type=%q", header.Op, header.MsgType)
	}
	msg := new(Commit)
	if err := msg.UnmarshalCBOR(r); err != nil {
		return nil, fmt.Errorf("firehose: decode_frame commit: %w", err)
	}
	return msg, nil
}
