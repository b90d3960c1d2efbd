package chunker

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

// TestProperty_ChunkBoundaryStability verifies that inserting bytes at one
// point in a blob leaves chunk boundaries before the insertion unchanged:
// content-defined chunking's whole point is that a local edit only
// perturbs the chunks touching it.
func TestProperty_ChunkBoundaryStability(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := rapid.SliceOfN(rapid.Byte(), 2048, 8192).Draw(t, "original")
		insertAt := rapid.IntRange(0, len(original)).Draw(t, "insertAt")
		inserted := rapid.SliceOfN(rapid.Byte(), 1, 256).Draw(t, "inserted")

		modified := make([]byte, 0, len(original)+len(inserted))
		modified = append(modified, original[:insertAt]...)
		modified = append(modified, inserted...)
		modified = append(modified, original[insertAt:]...)

		c := NewBuzhashChunker(256, 64, 1024)
		originalChunks := c.Split(original)
		modifiedChunks := c.Split(modified)

		// Chunks entirely before the insertion point must be byte-identical
		// in both splits.
		var consumed int
		for i, chunk := range originalChunks {
			if consumed+len(chunk) > insertAt {
				break
			}
			if i >= len(modifiedChunks) || !bytes.Equal(chunk, modifiedChunks[i]) {
				t.Fatalf("chunk %d changed despite being entirely before the insertion point", i)
			}
			consumed += len(chunk)
		}
	})
}

func TestSplitEmptyInput(t *testing.T) {
	chunks := DefaultChunker().Split(nil)
	if chunks != nil {
		t.Errorf("expected nil for empty input, got %v", chunks)
	}
}

func TestSplitReassemblesToOriginal(t *testing.T) {
	data := make([]byte, 20000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	chunks := DefaultChunker().Split(data)

	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("split chunks did not reassemble to the original data")
	}
}

func TestSplitIsDeterministic(t *testing.T) {
	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i * 13)
	}
	c := DefaultChunker()

	chunks1 := c.Split(data)
	chunks2 := c.Split(data)

	if len(chunks1) != len(chunks2) {
		t.Fatalf("determinism failed: different chunk counts %d vs %d", len(chunks1), len(chunks2))
	}
	for i := range chunks1 {
		if !bytes.Equal(chunks1[i], chunks2[i]) {
			t.Fatalf("determinism failed: chunk %d differs", i)
		}
	}
}
