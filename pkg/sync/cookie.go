package sync

import (
	"encoding/json"

	"syncdb/pkg/chunk"
)

// compareCookies orders two opaque cookies (spec.md §3 "Cookie"). A nil
// cookie (no snapshot yet) sorts below every other cookie. Numbers compare
// numerically, strings lexically; a comparison across differing
// representations falls back to comparing their canonical JSON encoding,
// which is deterministic but not meaningful across representations — real
// deployments keep one cookie shape per server, so this path is a safety
// net rather than the common case.
func compareCookies(a, b chunk.Value) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}

	if ao, ok := cookieOrder(a); ok {
		if bo, ok := cookieOrder(b); ok {
			return compareCookies(ao, bo)
		}
	}

	af, aIsNum := a.(float64)
	bf, bIsNum := b.(float64)
	if aIsNum && bIsNum {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}

	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}

	aEnc, _ := json.Marshal(a)
	bEnc, _ := json.Marshal(b)
	switch {
	case string(aEnc) < string(bEnc):
		return -1
	case string(aEnc) > string(bEnc):
		return 1
	default:
		return 0
	}
}

// cookieOrder extracts an object cookie's "order" field (spec.md §3
// "Cookie": "objects by their order field").
func cookieOrder(v chunk.Value) (chunk.Value, bool) {
	return chunk.Field(v, "order")
}
