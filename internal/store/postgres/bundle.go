package postgres

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"labplane/internal/store"
)

// bundleFile is the stored form of a lab file. Byte strings keep
// contents that are not valid UTF-8 intact.
type bundleFile struct {
	_       struct{} `cbor:",toarray"`
	Name    []byte
	Content []byte
}

func encodeBundle(files []store.LabFile) ([]byte, error) {
	stored := make([]bundleFile, len(files))
	for i, f := range files {
		stored[i] = bundleFile{Name: []byte(f.Name), Content: []byte(f.Content)}
	}
	b, err := cbor.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to encode lab bundle: %w", err)
	}
	return b, nil
}

func decodeBundle(b []byte) ([]store.LabFile, error) {
	var stored []bundleFile
	if err := cbor.Unmarshal(b, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode lab bundle: %w", err)
	}
	files := make([]store.LabFile, len(stored))
	for i, f := range stored {
		files[i] = store.LabFile{Name: string(f.Name), Content: string(f.Content)}
	}
	return files, nil
}
