package mst

import (
	"crypto/sha256"
	"fmt"

	"github.com/bluesky-social/indigo/atproto/syntax"

	"github.com/atrepo/engine/internal/errs"
)

// ValidateKey enforces spec §3.2: length in [1, 1024] bytes, characters
// drawn from A-Z a-z 0-9 . _ : ~ - plus exactly one '/' separator, with the
// collection half a well-formed NSID and the rkey half a well-formed record
// key per syntax.ParseNSID/syntax.ParseRecordKey (as github.com/jcalabro/
// atlas's internal/pds/repo.go validates both halves of a repo path).
func ValidateKey(key string) error {
	if len(key) < 1 || len(key) > 1024 {
		return errs.New(errs.InvalidKey, "mst: validate_key", fmt.Sprintf("length %d out of [1,1024]", len(key)))
	}
	slash := -1
	for i, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == ':', r == '~', r == '-':
			// allowed
		case r == '/':
			if slash != -1 {
				return errs.New(errs.InvalidKey, "mst: validate_key", "more than one '/' separator")
			}
			slash = i
		default:
			return errs.New(errs.InvalidKey, "mst: validate_key", fmt.Sprintf("disallowed character %q", r))
		}
	}
	if slash <= 0 || slash == len(key)-1 {
		return errs.New(errs.InvalidKey, "mst: validate_key", "key must have the form collection/rkey")
	}
	collection, rkey := key[:slash], key[slash+1:]
	if collection == "" || rkey == "" {
		return errs.New(errs.InvalidKey, "mst: validate_key", "empty collection or rkey")
	}
	if _, err := syntax.ParseNSID(collection); err != nil {
		return errs.Wrap(errs.InvalidKey, "mst: validate_key collection", err)
	}
	if _, err := syntax.ParseRecordKey(rkey); err != nil {
		return errs.Wrap(errs.InvalidKey, "mst: validate_key rkey", err)
	}
	return nil
}

// Layer computes the deterministic MST layer of key: the number of leading
// zero bits of sha256(key), divided by 2 (spec §3.6). Fanout is therefore
// approximately 4.
func Layer(key string) int {
	sum := sha256.Sum256([]byte(key))
	zeros := 0
	for _, b := range sum {
		if b == 0 {
			zeros += 8
			continue
		}
		for i := 7; i >= 0; i-- {
			if b&(1<<uint(i)) != 0 {
				return (zeros) / 2
			}
			zeros++
		}
	}
	return zeros / 2
}
