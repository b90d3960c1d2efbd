package hash

import "hash/fnv"

// Fingerprint computes a non-cryptographic hash, reserved for future use by
// a query layer that needs cheap AST fingerprints rather than collision
// resistance. No component in this module consumes it yet; it exists as the
// documented seam spec.md §3 calls for.
func Fingerprint(data []byte) uint64 {
	h := fnv.New64a()
	h.Write(data)
	return h.Sum64()
}
