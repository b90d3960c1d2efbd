package hash

import "testing"

func TestParseRoundTrip(t *testing.T) {
	h := Of([]byte("hello"))
	parsed, err := Parse(h.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != h {
		t.Fatalf("round trip mismatch: %v != %v", parsed, h)
	}
}

func TestParseInvalidLength(t *testing.T) {
	if _, err := Parse("abcd"); err == nil {
		t.Fatal("expected error for short hash")
	}
}

func TestEmptyIsZero(t *testing.T) {
	if !Empty.IsEmpty() {
		t.Fatal("Empty should report IsEmpty")
	}
	var h Hash
	if !h.IsEmpty() {
		t.Fatal("zero value should report IsEmpty")
	}
}
