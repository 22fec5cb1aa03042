// Package fingerprint derives content-addressed cache keys for lab bundles.
package fingerprint

import (
	"bytes"
	"encoding/hex"
	"sort"

	"labplane/internal/store"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// Size is the digest length in bytes.
const Size = 32

// domainKey keys the BLAKE3 hash so lab fingerprints never collide with
// digests computed for anything else. Changing it invalidates every
// entry in the result index.
var domainKey = [32]byte{
	'l', 'a', 'b', 'p', 'l', 'a', 'n', 'e', '.', 'l', 'a', 'b', '.',
	'f', 'i', 'l', 'e', 's', '.', 'v', '1', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("fingerprint: CBOR encoder initialization failed: " + err.Error())
	}
}

// file is the canonical form of a lab file. Both fields are encoded as
// byte strings so invalid UTF-8 still produces a stable fingerprint.
type file struct {
	_       struct{} `cbor:",toarray"`
	Name    []byte
	Content []byte
}

// Of returns the hex fingerprint of a lab's files. The lab ID is not
// part of the fingerprint: two labs with identical files share one.
// File order does not matter; an empty bundle has a well-defined fingerprint.
func Of(lab store.Lab) string {
	sum := Sum(lab.Files)
	return hex.EncodeToString(sum[:])
}

// Sum returns the raw digest over files.
func Sum(files []store.LabFile) [Size]byte {
	canonical := make([]file, len(files))
	for i, f := range files {
		canonical[i] = file{Name: []byte(f.Name), Content: []byte(f.Content)}
	}
	sort.Slice(canonical, func(i, j int) bool {
		if c := bytes.Compare(canonical[i].Name, canonical[j].Name); c != 0 {
			return c < 0
		}
		return bytes.Compare(canonical[i].Content, canonical[j].Content) < 0
	})

	// Deterministic encoding of strings, byte strings and arrays cannot
	// fail, so the error is unreachable.
	encoded, err := encMode.Marshal(canonical)
	if err != nil {
		panic("fingerprint: canonical encoding failed: " + err.Error())
	}

	hasher, err := blake3.NewKeyed(domainKey[:])
	if err != nil {
		panic("fingerprint: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(encoded)

	var sum [Size]byte
	copy(sum[:], hasher.Sum(nil))
	return sum
}
