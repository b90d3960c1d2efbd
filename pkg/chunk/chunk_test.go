package chunk

import (
	"testing"

	"syncdb/pkg/hash"
)

func TestNewDeterministicHash(t *testing.T) {
	a, err := New(map[string]Value{"b": 1.0, "a": 2.0}, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(map[string]Value{"a": 2.0, "b": 1.0}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if a.Hash() != b.Hash() {
		t.Fatalf("key order should not affect hash: %s != %s", a.Hash(), b.Hash())
	}
}

func TestNewDedupesRefs(t *testing.T) {
	h := hash.Of([]byte("x"))
	c, err := New("v", []hash.Hash{h, h})
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Refs()) != 1 {
		t.Fatalf("expected deduped refs, got %d", len(c.Refs()))
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c, err := New(map[string]Value{"x": []Value{1.0, 2.0, "three"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	data, err := c.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(data, c.Refs())
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Hash() != c.Hash() {
		t.Fatalf("round trip hash mismatch")
	}
}

func TestRefsToOtherChunksAreFine(t *testing.T) {
	leaf, _ := New("leaf", nil)
	parent, err := New("parent", []hash.Hash{leaf.Hash()})
	if err != nil {
		t.Fatalf("unexpected error referencing a distinct chunk: %v", err)
	}
	if len(parent.Refs()) != 1 || parent.Refs()[0] != leaf.Hash() {
		t.Fatal("parent should reference leaf's hash")
	}
}
