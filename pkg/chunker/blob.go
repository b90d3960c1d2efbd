package chunker

import (
	"encoding/base64"
	"fmt"

	"syncdb/pkg/chunk"
	"syncdb/pkg/hash"
)

// ChunkStore is the minimal store surface WriteBlob/ReadBlob need.
type ChunkStore interface {
	PutChunk(c chunk.Chunk)
	GetChunk(h hash.Hash) (chunk.Chunk, error)
}

// WriteBlob splits data with DefaultChunker, writes each piece as its own
// dag chunk, and writes a manifest chunk listing them in order. It returns
// the manifest's hash. Splitting an oversized value this way keeps any
// single dag chunk small enough for a lazy dag's cache ceiling to hold
// individually, instead of one chunk too large to cache at all (spec.md
// §4.E, §5).
func WriteBlob(cs ChunkStore, data []byte) (hash.Hash, error) {
	pieces := DefaultChunker().Split(data)
	pieceHashes := make([]chunk.Value, len(pieces))
	refs := make([]hash.Hash, len(pieces))
	for i, p := range pieces {
		c, err := chunk.New(base64.StdEncoding.EncodeToString(p), nil)
		if err != nil {
			return hash.Hash{}, fmt.Errorf("chunker: write blob piece %d: %w", i, err)
		}
		cs.PutChunk(c)
		pieceHashes[i] = c.Hash().String()
		refs[i] = c.Hash()
	}

	manifest, err := chunk.New(chunk.NewObject(map[string]chunk.Value{
		"size":   float64(len(data)),
		"chunks": pieceHashes,
	}), refs)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("chunker: write blob manifest: %w", err)
	}
	cs.PutChunk(manifest)
	return manifest.Hash(), nil
}

// ReadBlob reassembles the byte blob referenced by a manifest hash written
// by WriteBlob.
func ReadBlob(cs ChunkStore, manifestHash hash.Hash) ([]byte, error) {
	manifest, err := cs.GetChunk(manifestHash)
	if err != nil {
		return nil, fmt.Errorf("chunker: read blob manifest: %w", err)
	}

	chunksVal, _ := chunk.Field(manifest.Data(), "chunks")
	items, _ := chunksVal.([]chunk.Value)

	out := make([]byte, 0)
	for i, item := range items {
		s, _ := item.(string)
		h, err := hash.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("chunker: read blob: piece %d hash: %w", i, err)
		}
		c, err := cs.GetChunk(h)
		if err != nil {
			return nil, fmt.Errorf("chunker: read blob: piece %d: %w", i, err)
		}
		encoded, _ := c.Data().(string)
		piece, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("chunker: read blob: piece %d decode: %w", i, err)
		}
		out = append(out, piece...)
	}
	return out, nil
}
